package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBumpPriorityClampsAtHighest(t *testing.T) {
	ticket := Ticket{Priority: PriorityDefault}

	ticket.BumpPriority()
	assert.Equal(t, PriorityDefault-1, ticket.Priority)

	ticket.BumpPriority()
	assert.Equal(t, PriorityHighest, ticket.Priority)

	ticket.BumpPriority()
	assert.Equal(t, PriorityHighest, ticket.Priority)
}

func TestTerminalAndOpen(t *testing.T) {
	for _, status := range []TicketStatus{TicketStatusClosed, TicketStatusFailed} {
		ticket := Ticket{Status: status}
		assert.True(t, ticket.Terminal())
		assert.False(t, ticket.Open())
	}
	for _, status := range []TicketStatus{TicketStatusNew, TicketStatusAssigned, TicketStatusResolved} {
		ticket := Ticket{Status: status}
		assert.False(t, ticket.Terminal())
		assert.True(t, ticket.Open())
	}
}

func TestCorrelationKey(t *testing.T) {
	assert.Equal(t, "EMAIL:m-1", CorrelationKey(ChannelEmail, "m-1"))
	assert.Equal(t, "TELEGRAM:987:55", CorrelationKey(ChannelTelegram, "987:55"))
}

func TestIdempotencyKeyStableAcrossRetries(t *testing.T) {
	task := PipelineTask{ID: "a", Kind: TaskClassify, TicketID: "t-1", TicketVersion: 2}
	retry := task
	retry.ID = "b"
	retry.Attempt = 2

	assert.Equal(t, task.IdempotencyKey(), retry.IdempotencyKey())

	other := task
	other.TicketVersion = 3
	assert.NotEqual(t, task.IdempotencyKey(), other.IdempotencyKey())
}

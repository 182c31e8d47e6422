package events

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDispatcherRoutesByType(t *testing.T) {
	d := NewInMemoryDispatcher()

	var updated, created int
	d.Subscribe(EventTicketUpdated, func(context.Context, Event) error {
		updated++
		return nil
	})
	d.Subscribe(EventTicketCreated, func(context.Context, Event) error {
		created++
		return nil
	})

	require.NoError(t, d.Publish(context.Background(), Event{Type: EventTicketUpdated}))
	require.NoError(t, d.Publish(context.Background(), Event{Type: EventTicketUpdated}))
	require.NoError(t, d.Publish(context.Background(), Event{Type: EventTicketCreated}))

	assert.Equal(t, 2, updated)
	assert.Equal(t, 1, created)
}

func TestDispatcherContinuesPastFailingHandler(t *testing.T) {
	d := NewInMemoryDispatcher()

	var reached bool
	d.Subscribe(EventTicketUpdated, func(context.Context, Event) error {
		return errors.New("boom")
	})
	d.Subscribe(EventTicketUpdated, func(context.Context, Event) error {
		reached = true
		return nil
	})

	require.NoError(t, d.Publish(context.Background(), Event{Type: EventTicketUpdated}))
	assert.True(t, reached)
}

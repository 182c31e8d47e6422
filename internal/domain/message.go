package domain

import "time"

// SenderKind indicates who authored a message.
type SenderKind string

const (
	SenderCustomer   SenderKind = "CUSTOMER"
	SenderAgent      SenderKind = "AGENT"
	SenderSystemAuto SenderKind = "SYSTEM_AUTO"
)

// Message captures a single entry in a ticket thread. Messages are
// append-only and never mutated after creation.
type Message struct {
	ID             string
	TicketID       string
	SenderKind     SenderKind
	SenderID       *string
	Body           string
	IsInternal     bool
	CorrelationKey string
	CreatedAt      time.Time
}

// CorrelationKey derives the dedup key for an inbound delivery. Replays of
// the same (channel, external id) pair must map to at most one Message.
func CorrelationKey(channel Channel, externalMessageID string) string {
	return string(channel) + ":" + externalMessageID
}

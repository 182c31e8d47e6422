package domain

import "time"

// InboundMessage is the canonical form of a raw channel payload. It is
// ephemeral: the adapter folds it into a Ticket or Message and discards it.
type InboundMessage struct {
	Channel           Channel
	ExternalMessageID string
	RoutingKey        string
	ThreadKey         string
	SenderIdentity    string
	Subject           string
	Body              string
	ArrivedAt         time.Time
}

// TicketRef is the adapter's answer to an ingest call.
type TicketRef struct {
	TicketID  string
	MessageID string
	// Created is true when this delivery opened a new conversation.
	Created bool
	// Duplicate is true when the delivery replayed an already-seen message.
	Duplicate bool
}

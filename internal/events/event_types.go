package events

import (
	"time"

	"github.com/spec-kit/support-pipeline/internal/domain"
)

// EventType enumerates supported event identifiers. ticket.updated and
// message.received are the two the WebSocket gateway relays to clients.
type EventType string

const (
	EventTicketCreated     EventType = "ticket.created"
	EventTicketUpdated     EventType = "ticket.updated"
	EventMessageReceived   EventType = "message.received"
	EventTicketEscalated   EventType = "ticket.escalated"
	EventAgentPoolDepleted EventType = "agent_pool.depleted"
	EventOutboundReply     EventType = "reply.outbound"
)

// Event represents a domain event emitted on successful transition commits.
type Event struct {
	ID             string      `json:"id"`
	Type           EventType   `json:"type"`
	OrganizationID string      `json:"organization_id"`
	TicketID       string      `json:"ticket_id"`
	TicketVersion  int64       `json:"ticket_version"`
	Timestamp      time.Time   `json:"timestamp"`
	Payload        interface{} `json:"payload"`
}

// TicketCreatedPayload payload.
type TicketCreatedPayload struct {
	Channel  domain.Channel `json:"channel"`
	Title    string         `json:"title"`
	Priority int            `json:"priority"`
}

// TicketUpdatedPayload payload.
type TicketUpdatedPayload struct {
	OldStatus       domain.TicketStatus `json:"old_status"`
	NewStatus       domain.TicketStatus `json:"new_status"`
	Priority        int                 `json:"priority"`
	AssignedAgentID *string             `json:"assigned_agent_id,omitempty"`
}

// MessageReceivedPayload payload.
type MessageReceivedPayload struct {
	MessageID       string            `json:"message_id"`
	SenderKind      domain.SenderKind `json:"sender_kind"`
	AssignedAgentID *string           `json:"assigned_agent_id,omitempty"`
	BodyPreview     string            `json:"body_preview"`
}

// TicketEscalatedPayload payload.
type TicketEscalatedPayload struct {
	OldPriority int       `json:"old_priority"`
	NewPriority int       `json:"new_priority"`
	SLADueAt    time.Time `json:"sla_due_at"`
}

// AgentPoolDepletedPayload flags an organization with no assignable agent.
type AgentPoolDepletedPayload struct {
	OrganizationID string `json:"organization_id"`
}

// OutboundReplyPayload carries an auto-resolution reply for channel dispatch.
type OutboundReplyPayload struct {
	Channel   domain.Channel `json:"channel"`
	ThreadKey string         `json:"thread_key"`
	Body      string         `json:"body"`
}

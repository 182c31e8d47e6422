package domain

import "time"

// TicketStatus enumerates lifecycle states for tickets.
type TicketStatus string

const (
	TicketStatusNew           TicketStatus = "NEW"
	TicketStatusClassifying   TicketStatus = "CLASSIFYING"
	TicketStatusAutoResolving TicketStatus = "AUTO_RESOLVING"
	TicketStatusAssigned      TicketStatus = "ASSIGNED"
	TicketStatusInProgress    TicketStatus = "IN_PROGRESS"
	TicketStatusResolved      TicketStatus = "RESOLVED"
	TicketStatusClosed        TicketStatus = "CLOSED"
	TicketStatusFailed        TicketStatus = "FAILED"
)

// Criticality is the severity tier produced by classification.
type Criticality string

const (
	CriticalityLow    Criticality = "LOW"
	CriticalityMedium Criticality = "MEDIUM"
	CriticalityHigh   Criticality = "HIGH"
)

// Priority bands run from 1 (highest) to 5 (lowest).
const (
	PriorityHighest = 1
	PriorityDefault = 3
	PriorityLowest  = 5
)

// Channel identifies the source a ticket or message arrived on.
type Channel string

const (
	ChannelEmail    Channel = "EMAIL"
	ChannelTelegram Channel = "TELEGRAM"
	ChannelWebhook  Channel = "WEBHOOK"
	ChannelAPI      Channel = "API"
)

// Ticket is the aggregate for support requests. Version increments on every
// committed write; all mutations go through version-guarded updates.
type Ticket struct {
	ID              string
	OrganizationID  string
	ThreadKey       string
	Title           string
	Description     string
	Channel         Channel
	Status          TicketStatus
	Criticality     *Criticality
	Confidence      *float64
	CategoryID      *string
	AssignedAgentID *string
	Priority        int
	Escalated       bool
	LastEscalatedAt *time.Time
	SLADueAt        *time.Time
	AssignedAt      *time.Time
	ResolvedAt      *time.Time
	ClosedAt        *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
	Version         int64
}

// Terminal reports whether no further pipeline transitions apply.
func (t *Ticket) Terminal() bool {
	return t.Status == TicketStatusClosed || t.Status == TicketStatusFailed
}

// Open reports whether the ticket still represents an active conversation.
func (t *Ticket) Open() bool {
	return t.Status != TicketStatusClosed && t.Status != TicketStatusFailed
}

// BumpPriority raises priority by exactly one band, clamped at the highest.
func (t *Ticket) BumpPriority() {
	if t.Priority > PriorityHighest {
		t.Priority--
	}
}

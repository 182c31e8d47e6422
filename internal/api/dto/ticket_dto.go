package dto

import (
	"time"

	"github.com/spec-kit/support-pipeline/internal/domain"
)

// TicketSummary is the list representation of a ticket.
type TicketSummary struct {
	ID              string              `json:"id"`
	ThreadKey       string              `json:"thread_key"`
	Title           string              `json:"title"`
	Channel         domain.Channel      `json:"channel"`
	Status          domain.TicketStatus `json:"status"`
	Criticality     *domain.Criticality `json:"criticality,omitempty"`
	CategoryID      *string             `json:"category_id,omitempty"`
	AssignedAgentID *string             `json:"assigned_agent_id,omitempty"`
	Priority        int                 `json:"priority"`
	Escalated       bool                `json:"escalated"`
	SLADueAt        *time.Time          `json:"sla_due_at,omitempty"`
	CreatedAt       time.Time           `json:"created_at"`
	UpdatedAt       time.Time           `json:"updated_at"`
	Version         int64               `json:"version"`
}

// TicketDetailResponse is the single-ticket representation with its thread.
type TicketDetailResponse struct {
	TicketSummary
	Description string            `json:"description"`
	Confidence  *float64          `json:"confidence,omitempty"`
	AssignedAt  *time.Time        `json:"assigned_at,omitempty"`
	ResolvedAt  *time.Time        `json:"resolved_at,omitempty"`
	ClosedAt    *time.Time        `json:"closed_at,omitempty"`
	Messages    []MessageResponse `json:"messages"`
}

// MessageResponse is one thread entry.
type MessageResponse struct {
	ID         string            `json:"id"`
	SenderKind domain.SenderKind `json:"sender_kind"`
	SenderID   *string           `json:"sender_id,omitempty"`
	Body       string            `json:"body"`
	IsInternal bool              `json:"is_internal"`
	CreatedAt  time.Time         `json:"created_at"`
}

// ReplyRequest is the agent reply payload.
type ReplyRequest struct {
	Body     string `json:"body"`
	Internal bool   `json:"internal"`
}

// ResolveRequest carries the optional resolution text.
type ResolveRequest struct {
	Resolution string `json:"resolution"`
}

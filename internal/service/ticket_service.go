package service

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/spec-kit/support-pipeline/internal/domain"
	"github.com/spec-kit/support-pipeline/internal/events"
	"github.com/spec-kit/support-pipeline/internal/observability"
	"github.com/spec-kit/support-pipeline/internal/repository"
	"github.com/spec-kit/support-pipeline/pkg/util"
)

// allowedTransitions is the full lifecycle graph. Every guarded write
// validates against it before committing.
var allowedTransitions = map[domain.TicketStatus][]domain.TicketStatus{
	domain.TicketStatusNew:           {domain.TicketStatusClassifying},
	domain.TicketStatusClassifying:   {domain.TicketStatusAutoResolving, domain.TicketStatusAssigned, domain.TicketStatusFailed},
	domain.TicketStatusAutoResolving: {domain.TicketStatusResolved, domain.TicketStatusAssigned},
	domain.TicketStatusAssigned:      {domain.TicketStatusInProgress, domain.TicketStatusResolved},
	domain.TicketStatusInProgress:    {domain.TicketStatusResolved},
	domain.TicketStatusResolved:      {domain.TicketStatusAssigned, domain.TicketStatusClosed},
}

// TransitionAllowed reports whether from -> to is a legal lifecycle edge.
func TransitionAllowed(from, to domain.TicketStatus) bool {
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// TicketDependencies wires the agent-facing ticket service.
type TicketDependencies struct {
	Tickets    repository.TicketRepository
	Messages   repository.MessageRepository
	Categories repository.CategoryRepository
	Assignment *AssignmentService
	Dispatcher events.Dispatcher
	Metrics    *observability.Metrics
	Logger     *zap.Logger

	// fallback when the ticket's category carries no resolution SLA
	DefaultResolutionSLAMinutes int
}

// TicketService exposes the operations agents perform on tickets. Every
// mutation is version guarded; a lost race surfaces as a 409 so the client
// refetches instead of overwriting concurrent pipeline work.
type TicketService struct {
	deps TicketDependencies
}

// NewTicketService creates the service.
func NewTicketService(deps TicketDependencies) *TicketService {
	return &TicketService{deps: deps}
}

// List returns tickets matching the filter, scoped to the organization.
func (s *TicketService) List(ctx context.Context, orgID string, filter repository.TicketFilter) ([]domain.Ticket, error) {
	filter.OrganizationID = &orgID
	return s.deps.Tickets.ListWithFilter(ctx, filter)
}

// Get returns a ticket with its thread, enforcing tenant ownership.
func (s *TicketService) Get(ctx context.Context, orgID, ticketID string) (*domain.Ticket, []domain.Message, error) {
	ticket, err := s.fetchOwned(ctx, orgID, ticketID)
	if err != nil {
		return nil, nil, err
	}
	messages, err := s.deps.Messages.ListByTicket(ctx, ticketID)
	if err != nil {
		return nil, nil, err
	}
	return ticket, messages, nil
}

// Reply appends an agent message to the thread. Internal notes stay out of
// customer-facing relays.
func (s *TicketService) Reply(ctx context.Context, orgID, ticketID, agentID, body string, internal bool) (*domain.Message, error) {
	if body == "" {
		return nil, util.NewValidationError("reply body is required", nil)
	}
	ticket, err := s.fetchOwned(ctx, orgID, ticketID)
	if err != nil {
		return nil, err
	}
	if ticket.Terminal() {
		return nil, util.NewConflict("ticket is no longer open", map[string]any{"status": ticket.Status})
	}

	msg := &domain.Message{
		TicketID:   ticketID,
		SenderKind: domain.SenderAgent,
		SenderID:   &agentID,
		Body:       body,
		IsInternal: internal,
	}
	if err := s.deps.Messages.Create(ctx, msg); err != nil {
		return nil, err
	}

	if !internal {
		s.publish(ctx, ticket, events.EventMessageReceived, events.MessageReceivedPayload{
			MessageID:       msg.ID,
			SenderKind:      domain.SenderAgent,
			AssignedAgentID: ticket.AssignedAgentID,
			BodyPreview:     preview(body),
		})
		s.publish(ctx, ticket, events.EventOutboundReply, events.OutboundReplyPayload{
			Channel:   ticket.Channel,
			ThreadKey: ticket.ThreadKey,
			Body:      body,
		})
	}
	return msg, nil
}

// StartProgress moves an assigned ticket to IN_PROGRESS. First response has
// happened, so the SLA clock re-arms from the category's resolution SLA.
func (s *TicketService) StartProgress(ctx context.Context, orgID, ticketID, agentID string) (*domain.Ticket, error) {
	return s.mutate(ctx, orgID, ticketID, func(ticket *domain.Ticket) error {
		if err := requireAssignee(ticket, agentID); err != nil {
			return err
		}
		if !TransitionAllowed(ticket.Status, domain.TicketStatusInProgress) {
			return transitionError(ticket.Status, domain.TicketStatusInProgress)
		}
		ticket.Status = domain.TicketStatusInProgress
		due := time.Now().UTC().Add(s.resolutionSLA(ctx, ticket.CategoryID))
		ticket.SLADueAt = &due
		return nil
	})
}

func (s *TicketService) resolutionSLA(ctx context.Context, categoryID *string) time.Duration {
	minutes := s.deps.DefaultResolutionSLAMinutes
	if categoryID != nil && s.deps.Categories != nil {
		if category, err := s.deps.Categories.GetByID(ctx, *categoryID); err == nil && category.ResolutionSLAMinutes > 0 {
			minutes = category.ResolutionSLAMinutes
		}
	}
	if minutes <= 0 {
		minutes = 480
	}
	return time.Duration(minutes) * time.Minute
}

// Resolve completes a ticket. The assigned agent's slot is released and the
// SLA clock stops; the resolution text, when present, is appended as a
// public agent reply first.
func (s *TicketService) Resolve(ctx context.Context, orgID, ticketID, agentID, resolution string) (*domain.Ticket, error) {
	if resolution != "" {
		if _, err := s.Reply(ctx, orgID, ticketID, agentID, resolution, false); err != nil {
			return nil, err
		}
	}

	var releasedAgent string
	ticket, err := s.mutate(ctx, orgID, ticketID, func(ticket *domain.Ticket) error {
		if err := requireAssignee(ticket, agentID); err != nil {
			return err
		}
		if !TransitionAllowed(ticket.Status, domain.TicketStatusResolved) {
			return transitionError(ticket.Status, domain.TicketStatusResolved)
		}
		now := time.Now().UTC()
		if ticket.AssignedAgentID != nil {
			releasedAgent = *ticket.AssignedAgentID
		}
		ticket.Status = domain.TicketStatusResolved
		ticket.ResolvedAt = &now
		ticket.SLADueAt = nil
		return nil
	})
	if err != nil {
		return nil, err
	}

	if releasedAgent != "" && s.deps.Assignment != nil {
		if err := s.deps.Assignment.Release(ctx, releasedAgent); err != nil {
			s.deps.Logger.Warn("agent slot release failed",
				zap.String("agent_id", releasedAgent), zap.Error(err))
		}
	}
	return ticket, nil
}

// Close archives a resolved ticket. The reopen window has passed or the
// agent closes it explicitly; either way no slot is held at this point.
func (s *TicketService) Close(ctx context.Context, orgID, ticketID string) (*domain.Ticket, error) {
	return s.mutate(ctx, orgID, ticketID, func(ticket *domain.Ticket) error {
		if !TransitionAllowed(ticket.Status, domain.TicketStatusClosed) {
			return transitionError(ticket.Status, domain.TicketStatusClosed)
		}
		now := time.Now().UTC()
		ticket.Status = domain.TicketStatusClosed
		ticket.ClosedAt = &now
		return nil
	})
}

// mutate runs a guarded read-modify-write and emits ticket.updated on
// commit. A version conflict maps to 409 for the API caller.
func (s *TicketService) mutate(ctx context.Context, orgID, ticketID string, apply func(*domain.Ticket) error) (*domain.Ticket, error) {
	ticket, err := s.fetchOwned(ctx, orgID, ticketID)
	if err != nil {
		return nil, err
	}

	oldStatus := ticket.Status
	if err := apply(ticket); err != nil {
		return nil, err
	}

	if err := s.deps.Tickets.UpdateGuarded(ctx, ticket, ticket.Version); err != nil {
		if errors.Is(err, util.ErrConcurrencyConflict) {
			if m := s.deps.Metrics; m != nil {
				m.VersionConflicts.Inc()
			}
			return nil, util.NewConflict("ticket was modified concurrently", map[string]any{"ticket_id": ticketID})
		}
		return nil, err
	}

	if m := s.deps.Metrics; m != nil {
		m.TransitionsTotal.WithLabelValues(string(oldStatus), string(ticket.Status)).Inc()
	}
	s.publish(ctx, ticket, events.EventTicketUpdated, events.TicketUpdatedPayload{
		OldStatus:       oldStatus,
		NewStatus:       ticket.Status,
		Priority:        ticket.Priority,
		AssignedAgentID: ticket.AssignedAgentID,
	})
	return ticket, nil
}

func (s *TicketService) fetchOwned(ctx context.Context, orgID, ticketID string) (*domain.Ticket, error) {
	ticket, err := s.deps.Tickets.GetByID(ctx, ticketID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, util.NewNotFound("ticket", map[string]any{"ticket_id": ticketID})
	}
	if err != nil {
		return nil, err
	}
	if ticket.OrganizationID != orgID {
		// cross-tenant probes look identical to missing tickets
		return nil, util.NewNotFound("ticket", map[string]any{"ticket_id": ticketID})
	}
	return ticket, nil
}

func (s *TicketService) publish(ctx context.Context, ticket *domain.Ticket, eventType events.EventType, payload any) {
	if s.deps.Dispatcher == nil {
		return
	}
	_ = s.deps.Dispatcher.Publish(ctx, events.Event{
		ID:             uuid.NewString(),
		Type:           eventType,
		OrganizationID: ticket.OrganizationID,
		TicketID:       ticket.ID,
		TicketVersion:  ticket.Version,
		Timestamp:      time.Now().UTC(),
		Payload:        payload,
	})
}

func requireAssignee(ticket *domain.Ticket, agentID string) error {
	if ticket.AssignedAgentID == nil || *ticket.AssignedAgentID != agentID {
		return util.NewForbidden("ticket is assigned to a different agent")
	}
	return nil
}

func transitionError(from, to domain.TicketStatus) error {
	return util.NewConflict("transition not allowed", map[string]any{
		"from": from,
		"to":   to,
	})
}

func preview(body string) string {
	const max = 140
	if len(body) <= max {
		return body
	}
	return body[:max]
}

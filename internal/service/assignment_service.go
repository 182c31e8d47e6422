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

// reserveAttempts bounds how many times the balancer re-lists candidates
// after losing slot reservations to concurrent workers.
const reserveAttempts = 3

// AssignmentDependencies wires the balancer's collaborators.
type AssignmentDependencies struct {
	Agents           repository.AgentRepository
	Dispatcher       events.Dispatcher
	Metrics          *observability.Metrics
	Logger           *zap.Logger
	DefaultTicketCap int
}

// AssignmentService selects agents for tickets. Fairness rule: among
// eligible agents prefer the one not assigned for the longest time, ties
// broken by lowest current load.
type AssignmentService struct {
	deps AssignmentDependencies
}

// NewAssignmentService creates the service.
func NewAssignmentService(deps AssignmentDependencies) *AssignmentService {
	return &AssignmentService{deps: deps}
}

// PickAndReserve chooses an eligible agent and reserves a ticket slot on it.
// Category-scoped agents are preferred when the ticket has a category; if no
// covering agent has capacity the whole pool is considered. A reservation
// that loses the counter race moves on to the next candidate, re-listing up
// to reserveAttempts times. Returns ErrNoEligibleAgent when the pool is
// exhausted.
func (s *AssignmentService) PickAndReserve(ctx context.Context, org *domain.Organization, categoryID *string) (*domain.Agent, error) {
	cap := org.AgentTicketCap
	if cap <= 0 {
		cap = s.deps.DefaultTicketCap
	}

	for attempt := 0; attempt < reserveAttempts; attempt++ {
		agents, err := s.deps.Agents.ListEligible(ctx, org.ID, cap)
		if err != nil {
			return nil, err
		}

		candidates := agents
		if categoryID != nil {
			covering := make([]domain.Agent, 0, len(agents))
			for _, agent := range agents {
				if agent.HasCategory(*categoryID) {
					covering = append(covering, agent)
				}
			}
			if len(covering) > 0 {
				candidates = covering
			}
		}

		if len(candidates) == 0 {
			s.alertPoolDepleted(ctx, org.ID)
			return nil, util.ErrNoEligibleAgent
		}

		now := time.Now().UTC()
		for i := range candidates {
			agent := candidates[i]
			err := s.deps.Agents.ReserveSlot(ctx, agent.ID, agent.CurrentTicketCount, now)
			if errors.Is(err, util.ErrConcurrencyConflict) {
				if m := s.deps.Metrics; m != nil {
					m.VersionConflicts.Inc()
				}
				continue
			}
			if err != nil {
				return nil, err
			}
			agent.CurrentTicketCount++
			agent.LastAssignedAt = &now
			return &agent, nil
		}

		s.deps.Logger.Debug("all slot reservations lost, re-listing agents",
			zap.String("organization_id", org.ID),
			zap.Int("attempt", attempt+1),
		)
	}

	return nil, util.ErrConcurrencyConflict
}

// Release returns an agent slot after resolution or reassignment.
func (s *AssignmentService) Release(ctx context.Context, agentID string) error {
	err := s.deps.Agents.ReleaseSlot(ctx, agentID)
	if errors.Is(err, repository.ErrNotFound) {
		// agent deactivated out of band, nothing to release
		return nil
	}
	return err
}

func (s *AssignmentService) alertPoolDepleted(ctx context.Context, orgID string) {
	s.deps.Logger.Warn("no eligible agent with capacity", zap.String("organization_id", orgID))
	if s.deps.Dispatcher == nil {
		return
	}
	_ = s.deps.Dispatcher.Publish(ctx, events.Event{
		ID:             uuid.NewString(),
		Type:           events.EventAgentPoolDepleted,
		OrganizationID: orgID,
		Timestamp:      time.Now().UTC(),
		Payload:        events.AgentPoolDepletedPayload{OrganizationID: orgID},
	})
}

package worker

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/spec-kit/support-pipeline/internal/config"
	"github.com/spec-kit/support-pipeline/internal/domain"
	"github.com/spec-kit/support-pipeline/internal/queue"
	"github.com/spec-kit/support-pipeline/internal/repository"
	"github.com/spec-kit/support-pipeline/internal/service"
)

// sweepBatch bounds the number of tickets picked up per sweep cycle.
const sweepBatch = 200

// Sweeper runs the periodic maintenance passes: SLA breach escalation and
// closing of resolved tickets whose reopen window passed. Both passes only
// enqueue version-pinned tasks or perform guarded writes, so overlapping
// sweeps across processes cannot double-apply.
type Sweeper struct {
	tickets  repository.TicketRepository
	producer queue.Producer
	svc      *service.TicketService
	cfg      config.PipelineConfig
	logger   *zap.Logger
}

// NewSweeper creates the sweeper.
func NewSweeper(tickets repository.TicketRepository, producer queue.Producer, svc *service.TicketService, cfg config.PipelineConfig, logger *zap.Logger) *Sweeper {
	return &Sweeper{
		tickets:  tickets,
		producer: producer,
		svc:      svc,
		cfg:      cfg,
		logger:   logger,
	}
}

// Run blocks until the context is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.SweepInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweepSLA(ctx)
			s.sweepResolved(ctx)
		}
	}
}

// sweepSLA enqueues one escalation task per breached ticket. The repository
// predicate excludes tickets already escalated for the current due time, so
// a breach escalates at most one band until the clock is extended.
func (s *Sweeper) sweepSLA(ctx context.Context) {
	breached, err := s.tickets.ListSLABreached(ctx, time.Now().UTC(), sweepBatch)
	if err != nil {
		s.logger.Error("sla sweep query failed", zap.Error(err))
		return
	}

	for i := range breached {
		ticket := &breached[i]
		task := domain.PipelineTask{
			ID:             uuid.NewString(),
			Kind:           domain.TaskEscalate,
			TicketID:       ticket.ID,
			OrganizationID: ticket.OrganizationID,
			TicketVersion:  ticket.Version,
			EnqueuedAt:     time.Now().UTC(),
		}
		if err := s.producer.Enqueue(ctx, task); err != nil {
			s.logger.Error("escalation enqueue failed",
				zap.String("ticket_id", ticket.ID), zap.Error(err))
			return
		}
	}

	if len(breached) > 0 {
		s.logger.Info("sla sweep enqueued escalations", zap.Int("count", len(breached)))
	}
}

// sweepResolved closes resolved tickets untouched for the reopen window.
func (s *Sweeper) sweepResolved(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-s.cfg.ReopenWindow())
	stale, err := s.tickets.ListResolvedBefore(ctx, cutoff, sweepBatch)
	if err != nil {
		s.logger.Error("closing sweep query failed", zap.Error(err))
		return
	}

	closed := 0
	for i := range stale {
		ticket := stale[i]
		if _, err := s.svc.Close(ctx, ticket.OrganizationID, ticket.ID); err != nil {
			// a concurrent reopen wins; skip and move on
			s.logger.Debug("close skipped",
				zap.String("ticket_id", ticket.ID), zap.Error(err))
			continue
		}
		closed++
	}

	if closed > 0 {
		s.logger.Info("closing sweep finished", zap.Int("closed", closed))
	}
}

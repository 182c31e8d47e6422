// Package pipeline contains the task orchestrator, the single writer of
// ticket lifecycle transitions on the worker side. Correctness under
// at-least-once delivery rests on one rule: every task is pinned to the
// ticket version it was enqueued against, and a version mismatch makes the
// task a no-op.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/spec-kit/support-pipeline/internal/capability"
	"github.com/spec-kit/support-pipeline/internal/config"
	"github.com/spec-kit/support-pipeline/internal/domain"
	"github.com/spec-kit/support-pipeline/internal/events"
	"github.com/spec-kit/support-pipeline/internal/observability"
	"github.com/spec-kit/support-pipeline/internal/queue"
	"github.com/spec-kit/support-pipeline/internal/repository"
	"github.com/spec-kit/support-pipeline/internal/service"
	"github.com/spec-kit/support-pipeline/pkg/util"
)

// Dependencies wires the orchestrator's collaborators.
type Dependencies struct {
	Tickets       repository.TicketRepository
	Messages      repository.MessageRepository
	Categories    repository.CategoryRepository
	Organizations repository.OrganizationRepository
	Assignment    *service.AssignmentService
	Classifier    capability.Classifier
	Retriever     capability.Retriever
	Generator     capability.Generator
	Producer      queue.Producer
	Dispatcher    events.Dispatcher
	Metrics       *observability.Metrics
	Logger        *zap.Logger
	Pipeline      config.PipelineConfig
	MaxAttempts   int
}

// Orchestrator executes pipeline tasks. A returned error requests a
// redelivery from the queue; every terminal outcome returns nil.
type Orchestrator struct {
	deps Dependencies
}

// NewOrchestrator creates the orchestrator.
func NewOrchestrator(deps Dependencies) *Orchestrator {
	return &Orchestrator{deps: deps}
}

// Handle dispatches one task by kind.
func (o *Orchestrator) Handle(ctx context.Context, task domain.PipelineTask) error {
	ticket, err := o.deps.Tickets.GetByID(ctx, task.TicketID)
	if errors.Is(err, repository.ErrNotFound) {
		o.count(task.Kind, "dropped")
		return nil
	}
	if err != nil {
		return err
	}

	// a stale pin means another worker already advanced this ticket; the
	// redelivered task has nothing left to do
	if ticket.Version != task.TicketVersion {
		o.count(task.Kind, "stale")
		return nil
	}

	switch task.Kind {
	case domain.TaskClassify:
		return o.handleClassify(ctx, task, ticket)
	case domain.TaskAutoResolve:
		return o.handleAutoResolve(ctx, task, ticket)
	case domain.TaskAssignAgent:
		return o.handleAssignAgent(ctx, task, ticket)
	case domain.TaskEscalate:
		return o.handleEscalate(ctx, task, ticket)
	default:
		o.deps.Logger.Warn("unknown task kind", zap.String("kind", string(task.Kind)))
		o.count(task.Kind, "dropped")
		return nil
	}
}

func (o *Orchestrator) handleClassify(ctx context.Context, task domain.PipelineTask, ticket *domain.Ticket) error {
	if ticket.Status != domain.TicketStatusClassifying {
		o.count(task.Kind, "stale")
		return nil
	}

	result, err := o.deps.Classifier.Classify(ctx, ticket.Title, ticket.Description)
	if err != nil {
		if util.IsRetryable(err) && !o.exhausted(task) {
			o.count(task.Kind, "retry")
			return err
		}
		// classification cannot complete; park the ticket for operator review
		o.deps.Logger.Error("classification failed terminally",
			zap.String("ticket_id", ticket.ID), zap.Error(err))
		return o.fail(ctx, task, ticket)
	}

	category := o.lookupCategory(ctx, ticket.OrganizationID, result.CategoryID)

	ticket.Criticality = &result.Criticality
	ticket.Confidence = &result.Confidence
	if category != nil {
		ticket.CategoryID = &category.ID
	}
	ticket.Priority = derivePriority(result.Criticality, category)

	autoResolve := result.Criticality == domain.CriticalityLow &&
		result.Confidence >= o.deps.Pipeline.AutoResolveConfidence &&
		(category == nil || category.AutoAssignEnabled)

	next := domain.TaskAssignAgent
	if autoResolve {
		// low criticality with confident classification skips the human
		ticket.Status = domain.TicketStatusAutoResolving
		next = domain.TaskAutoResolve
	}

	applied, err := o.commit(ctx, task, ticket, domain.TicketStatusClassifying)
	if err != nil {
		return err
	}
	if !applied {
		// another writer advanced the ticket; the next stage belongs to
		// whoever won
		return nil
	}
	if err := o.enqueue(ctx, next, ticket); err != nil {
		return err
	}
	o.count(task.Kind, "applied")
	return nil
}

func (o *Orchestrator) handleAutoResolve(ctx context.Context, task domain.PipelineTask, ticket *domain.Ticket) error {
	if ticket.Status != domain.TicketStatusAutoResolving {
		o.count(task.Kind, "stale")
		return nil
	}

	reply, err := o.composeReply(ctx, ticket)
	if err != nil {
		if util.IsRetryable(err) && !o.exhausted(task) {
			o.count(task.Kind, "retry")
			return err
		}
		// fail open: a broken capability must not strand the customer, so
		// the ticket goes to a human in the same task
		o.deps.Logger.Warn("auto-resolution failed, routing to human",
			zap.String("ticket_id", ticket.ID), zap.Error(err))
		return o.assign(ctx, task, ticket)
	}

	now := time.Now().UTC()
	ticket.Status = domain.TicketStatusResolved
	ticket.ResolvedAt = &now
	ticket.SLADueAt = nil

	// the transition commits before any customer-visible side effect: a
	// ticket closed mid-flight wins the version race and no reply leaves
	applied, err := o.commit(ctx, task, ticket, domain.TicketStatusAutoResolving)
	if err != nil {
		return err
	}
	if !applied {
		return nil
	}

	msg := &domain.Message{
		TicketID:   ticket.ID,
		SenderKind: domain.SenderSystemAuto,
		Body:       reply,
		// keyed per ticket version so a replayed delivery cannot post the
		// reply twice
		CorrelationKey: task.IdempotencyKey(),
	}
	if err := o.deps.Messages.Create(ctx, msg); err != nil && !errors.Is(err, repository.ErrDuplicate) {
		// the resolution stands; the thread is missing the reply text
		o.deps.Logger.Error("auto reply persist failed",
			zap.String("ticket_id", ticket.ID), zap.Error(err))
	}

	o.publish(ctx, ticket, events.EventOutboundReply, events.OutboundReplyPayload{
		Channel:   ticket.Channel,
		ThreadKey: ticket.ThreadKey,
		Body:      reply,
	})
	o.count(task.Kind, "applied")
	return nil
}

// composeReply runs the two-pass generation: draft from retrieved snippets,
// then an enhancement pass over the draft.
func (o *Orchestrator) composeReply(ctx context.Context, ticket *domain.Ticket) (string, error) {
	query := ticket.Title + "\n" + ticket.Description
	if category := o.lookupCategory(ctx, ticket.OrganizationID, ticket.CategoryID); category != nil && category.Keywords != "" {
		query += "\n" + category.Keywords
	}
	snippets, err := o.deps.Retriever.Retrieve(ctx, query, ticket.OrganizationID, o.deps.Pipeline.RetrievalTopK)
	if err != nil {
		return "", err
	}

	draft, err := o.deps.Generator.Generate(ctx, capability.GenerationInput{
		TicketTitle:       ticket.Title,
		TicketDescription: ticket.Description,
		Snippets:          snippets,
	})
	if err != nil {
		return "", err
	}

	enhanced, err := o.deps.Generator.Generate(ctx, capability.GenerationInput{
		TicketTitle:       ticket.Title,
		TicketDescription: ticket.Description,
		Draft:             draft,
		Tone:              "professional",
	})
	if err != nil {
		return "", err
	}
	return enhanced, nil
}

func (o *Orchestrator) handleAssignAgent(ctx context.Context, task domain.PipelineTask, ticket *domain.Ticket) error {
	switch ticket.Status {
	case domain.TicketStatusClassifying, domain.TicketStatusResolved:
		return o.assign(ctx, task, ticket)
	default:
		o.count(task.Kind, "stale")
		return nil
	}
}

// assign picks an agent, reserves a slot and commits the transition to
// ASSIGNED. Valid from CLASSIFYING (human routing), AUTO_RESOLVING (fail
// open) and RESOLVED (reopen).
func (o *Orchestrator) assign(ctx context.Context, task domain.PipelineTask, ticket *domain.Ticket) error {
	org, err := o.deps.Organizations.GetByID(ctx, ticket.OrganizationID)
	if err != nil {
		return err
	}

	agent, err := o.deps.Assignment.PickAndReserve(ctx, org, ticket.CategoryID)
	if err != nil {
		// includes pool depletion; the queue retries and eventually
		// dead-letters for the operator
		o.count(task.Kind, "retry")
		return err
	}

	now := time.Now().UTC()
	due := now.Add(o.responseSLA(ctx, ticket.CategoryID))
	oldStatus := ticket.Status

	ticket.Status = domain.TicketStatusAssigned
	ticket.AssignedAgentID = &agent.ID
	ticket.AssignedAt = &now
	ticket.SLADueAt = &due
	ticket.ResolvedAt = nil

	applied, err := o.commitWithRollback(ctx, task, ticket, oldStatus, agent.ID)
	if err != nil {
		return err
	}
	if applied {
		o.count(task.Kind, "applied")
	}
	return nil
}

func (o *Orchestrator) handleEscalate(ctx context.Context, task domain.PipelineTask, ticket *domain.Ticket) error {
	if ticket.Status != domain.TicketStatusAssigned && ticket.Status != domain.TicketStatusInProgress {
		o.count(task.Kind, "stale")
		return nil
	}
	if ticket.SLADueAt == nil {
		o.count(task.Kind, "stale")
		return nil
	}

	now := time.Now().UTC()
	oldStatus := ticket.Status
	oldPriority := ticket.Priority
	previous := ticket.AssignedAgentID

	ticket.BumpPriority()
	ticket.Escalated = true
	ticket.LastEscalatedAt = &now

	// a breached ticket goes back through the balancer; when no slot frees
	// up the current assignee keeps it at the higher priority
	reassigned := false
	if org, err := o.deps.Organizations.GetByID(ctx, ticket.OrganizationID); err == nil {
		if agent, pickErr := o.deps.Assignment.PickAndReserve(ctx, org, ticket.CategoryID); pickErr == nil {
			ticket.Status = domain.TicketStatusAssigned
			ticket.AssignedAgentID = &agent.ID
			ticket.AssignedAt = &now
			reassigned = true
		}
	}

	if err := o.deps.Tickets.UpdateGuarded(ctx, ticket, task.TicketVersion); err != nil {
		if reassigned {
			o.release(ctx, *ticket.AssignedAgentID)
		}
		if errors.Is(err, util.ErrConcurrencyConflict) {
			if m := o.deps.Metrics; m != nil {
				m.VersionConflicts.Inc()
			}
			o.count(task.Kind, "conflict")
			return nil
		}
		return err
	}
	if reassigned && previous != nil {
		// the reservation above replaces the slot the previous assignment held
		o.release(ctx, *previous)
	}

	if m := o.deps.Metrics; m != nil {
		m.SLABreachesTotal.Inc()
		if oldStatus != ticket.Status {
			m.TransitionsTotal.WithLabelValues(string(oldStatus), string(ticket.Status)).Inc()
		}
	}
	o.publish(ctx, ticket, events.EventTicketUpdated, events.TicketUpdatedPayload{
		OldStatus:       oldStatus,
		NewStatus:       ticket.Status,
		Priority:        ticket.Priority,
		AssignedAgentID: ticket.AssignedAgentID,
	})
	o.publish(ctx, ticket, events.EventTicketEscalated, events.TicketEscalatedPayload{
		OldPriority: oldPriority,
		NewPriority: ticket.Priority,
		SLADueAt:    *ticket.SLADueAt,
	})
	o.count(task.Kind, "applied")
	return nil
}

func (o *Orchestrator) release(ctx context.Context, agentID string) {
	if err := o.deps.Assignment.Release(ctx, agentID); err != nil {
		o.deps.Logger.Warn("slot release failed",
			zap.String("agent_id", agentID), zap.Error(err))
	}
}

// fail parks a ticket as FAILED after terminal classification failure.
func (o *Orchestrator) fail(ctx context.Context, task domain.PipelineTask, ticket *domain.Ticket) error {
	ticket.Status = domain.TicketStatusFailed
	applied, err := o.commit(ctx, task, ticket, domain.TicketStatusClassifying)
	if err != nil {
		return err
	}
	if applied {
		o.count(task.Kind, "failed")
	}
	return nil
}

// commit performs the version-guarded write and emits ticket.updated. A
// lost race reports applied=false with a nil error: the other writer's
// outcome stands, and the caller must not run any applied-only side effect.
func (o *Orchestrator) commit(ctx context.Context, task domain.PipelineTask, ticket *domain.Ticket, oldStatus domain.TicketStatus) (bool, error) {
	err := o.deps.Tickets.UpdateGuarded(ctx, ticket, task.TicketVersion)
	if errors.Is(err, util.ErrConcurrencyConflict) {
		if m := o.deps.Metrics; m != nil {
			m.VersionConflicts.Inc()
		}
		o.count(task.Kind, "conflict")
		return false, nil
	}
	if err != nil {
		return false, err
	}

	if m := o.deps.Metrics; m != nil && oldStatus != ticket.Status {
		m.TransitionsTotal.WithLabelValues(string(oldStatus), string(ticket.Status)).Inc()
	}
	o.publish(ctx, ticket, events.EventTicketUpdated, events.TicketUpdatedPayload{
		OldStatus:       oldStatus,
		NewStatus:       ticket.Status,
		Priority:        ticket.Priority,
		AssignedAgentID: ticket.AssignedAgentID,
	})
	return true, nil
}

// commitWithRollback is commit for writes that hold an agent slot; the slot
// is released when the guarded write loses its race or errors.
func (o *Orchestrator) commitWithRollback(ctx context.Context, task domain.PipelineTask, ticket *domain.Ticket, oldStatus domain.TicketStatus, agentID string) (bool, error) {
	err := o.deps.Tickets.UpdateGuarded(ctx, ticket, task.TicketVersion)
	if err != nil {
		if releaseErr := o.deps.Assignment.Release(ctx, agentID); releaseErr != nil {
			o.deps.Logger.Warn("slot rollback failed",
				zap.String("agent_id", agentID), zap.Error(releaseErr))
		}
		if errors.Is(err, util.ErrConcurrencyConflict) {
			if m := o.deps.Metrics; m != nil {
				m.VersionConflicts.Inc()
			}
			o.count(task.Kind, "conflict")
			return false, nil
		}
		return false, err
	}

	if m := o.deps.Metrics; m != nil {
		m.TransitionsTotal.WithLabelValues(string(oldStatus), string(ticket.Status)).Inc()
	}
	o.publish(ctx, ticket, events.EventTicketUpdated, events.TicketUpdatedPayload{
		OldStatus:       oldStatus,
		NewStatus:       ticket.Status,
		Priority:        ticket.Priority,
		AssignedAgentID: ticket.AssignedAgentID,
	})
	return true, nil
}

func (o *Orchestrator) lookupCategory(ctx context.Context, orgID string, categoryID *string) *domain.Category {
	if categoryID == nil {
		return nil
	}
	category, err := o.deps.Categories.GetByID(ctx, *categoryID)
	if err != nil || category.OrganizationID != orgID || !category.IsActive {
		// the classifier proposed a category the tenant does not have;
		// routing falls back to the whole pool
		return nil
	}
	return category
}

func (o *Orchestrator) responseSLA(ctx context.Context, categoryID *string) time.Duration {
	minutes := o.deps.Pipeline.DefaultResponseSLAMinutes
	if categoryID != nil {
		if category, err := o.deps.Categories.GetByID(ctx, *categoryID); err == nil && category.ResponseSLAMinutes > 0 {
			minutes = category.ResponseSLAMinutes
		}
	}
	if minutes <= 0 {
		minutes = 60
	}
	return time.Duration(minutes) * time.Minute
}

// exhausted reports whether the current delivery is the task's last chance.
func (o *Orchestrator) exhausted(task domain.PipelineTask) bool {
	max := o.deps.MaxAttempts
	if max <= 0 {
		max = 3
	}
	return task.Attempt >= max-1
}

func (o *Orchestrator) enqueue(ctx context.Context, kind domain.TaskKind, ticket *domain.Ticket) error {
	task := domain.PipelineTask{
		ID:             uuid.NewString(),
		Kind:           kind,
		TicketID:       ticket.ID,
		OrganizationID: ticket.OrganizationID,
		TicketVersion:  ticket.Version,
		EnqueuedAt:     time.Now().UTC(),
	}
	if err := o.deps.Producer.Enqueue(ctx, task); err != nil {
		return fmt.Errorf("enqueue %s: %w", kind, err)
	}
	return nil
}

func (o *Orchestrator) publish(ctx context.Context, ticket *domain.Ticket, eventType events.EventType, payload any) {
	if o.deps.Dispatcher == nil {
		return
	}
	_ = o.deps.Dispatcher.Publish(ctx, events.Event{
		ID:             uuid.NewString(),
		Type:           eventType,
		OrganizationID: ticket.OrganizationID,
		TicketID:       ticket.ID,
		TicketVersion:  ticket.Version,
		Timestamp:      time.Now().UTC(),
		Payload:        payload,
	})
}

func (o *Orchestrator) count(kind domain.TaskKind, outcome string) {
	if m := o.deps.Metrics; m != nil {
		m.TasksTotal.WithLabelValues(string(kind), outcome).Inc()
	}
}

// derivePriority maps classification onto a priority band. HIGH criticality
// always lands on the top band regardless of category policy.
func derivePriority(criticality domain.Criticality, category *domain.Category) int {
	if criticality == domain.CriticalityHigh {
		return domain.PriorityHighest
	}
	if category != nil && category.PriorityLevel >= domain.PriorityHighest && category.PriorityLevel <= domain.PriorityLowest {
		return category.PriorityLevel
	}
	return domain.PriorityDefault
}

package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/spec-kit/support-pipeline/internal/capability"
	"github.com/spec-kit/support-pipeline/internal/config"
	"github.com/spec-kit/support-pipeline/internal/domain"
	"github.com/spec-kit/support-pipeline/internal/events"
	"github.com/spec-kit/support-pipeline/internal/repository"
	"github.com/spec-kit/support-pipeline/internal/service"
	"github.com/spec-kit/support-pipeline/pkg/util"
)

type captureProducer struct {
	mu    sync.Mutex
	tasks []domain.PipelineTask
}

func (p *captureProducer) Enqueue(_ context.Context, task domain.PipelineTask) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tasks = append(p.tasks, task)
	return nil
}

func (p *captureProducer) last(t *testing.T) domain.PipelineTask {
	t.Helper()
	p.mu.Lock()
	defer p.mu.Unlock()
	require.NotEmpty(t, p.tasks)
	return p.tasks[len(p.tasks)-1]
}

type fakeClassifier struct {
	result domain.ClassificationResult
	err    error
	hook   func()
}

func (f *fakeClassifier) Classify(context.Context, string, string) (domain.ClassificationResult, error) {
	if f.hook != nil {
		f.hook()
	}
	return f.result, f.err
}

type fakeRetriever struct {
	snippets []domain.Snippet
	err      error
	hook     func()
}

func (f *fakeRetriever) Retrieve(context.Context, string, string, int) ([]domain.Snippet, error) {
	if f.hook != nil {
		f.hook()
	}
	return f.snippets, f.err
}

type fakeGenerator struct {
	texts []string
	err   error
	calls int
}

func (f *fakeGenerator) Generate(_ context.Context, _ capability.GenerationInput) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	text := f.texts[f.calls%len(f.texts)]
	f.calls++
	return text, nil
}

type fixture struct {
	orchestrator *Orchestrator
	tickets      *repository.MemoryTicketRepository
	messages     *repository.MemoryMessageRepository
	agents       *repository.MemoryAgentRepository
	categories   *repository.MemoryCategoryRepository
	orgs         *repository.MemoryOrganizationRepository
	producer     *captureProducer
	classifier   *fakeClassifier
	retriever    *fakeRetriever
	generator    *fakeGenerator
	org          domain.Organization
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	f := &fixture{
		tickets:    repository.NewMemoryTicketRepository(),
		messages:   repository.NewMemoryMessageRepository(),
		agents:     repository.NewMemoryAgentRepository(),
		categories: repository.NewMemoryCategoryRepository(),
		orgs:       repository.NewMemoryOrganizationRepository(),
		producer:   &captureProducer{},
		classifier: &fakeClassifier{},
		retriever:  &fakeRetriever{},
		generator:  &fakeGenerator{texts: []string{"draft reply", "polished reply"}},
	}

	f.org = domain.Organization{ID: "org-1", Name: "Acme", RoutingKey: "acme", AgentTicketCap: 5, Active: true}
	f.orgs.Put(f.org)

	logger := zap.NewNop()
	assignment := service.NewAssignmentService(service.AssignmentDependencies{
		Agents:           f.agents,
		Logger:           logger,
		DefaultTicketCap: 8,
	})

	f.orchestrator = NewOrchestrator(Dependencies{
		Tickets:       f.tickets,
		Messages:      f.messages,
		Categories:    f.categories,
		Organizations: f.orgs,
		Assignment:    assignment,
		Classifier:    f.classifier,
		Retriever:     f.retriever,
		Generator:     f.generator,
		Producer:      f.producer,
		Logger:        logger,
		Pipeline: config.PipelineConfig{
			AutoResolveConfidence:     0.80,
			RetrievalTopK:             3,
			DefaultResponseSLAMinutes: 60,
		},
		MaxAttempts: 3,
	})
	return f
}

func (f *fixture) seedTicket(t *testing.T, status domain.TicketStatus) *domain.Ticket {
	t.Helper()
	ticket := &domain.Ticket{
		OrganizationID: f.org.ID,
		ThreadKey:      "email:thread-1",
		Title:          "Cannot log in",
		Description:    "Password reset link never arrives",
		Channel:        domain.ChannelEmail,
		Status:         domain.TicketStatusNew,
		Priority:       domain.PriorityDefault,
	}
	require.NoError(t, f.tickets.Create(context.Background(), ticket))
	if status != domain.TicketStatusNew {
		ticket.Status = status
		require.NoError(t, f.tickets.UpdateGuarded(context.Background(), ticket, ticket.Version))
	}
	return ticket
}

func (f *fixture) seedAgent(id string, load int) {
	f.agents.Put(domain.Agent{
		ID:             id,
		OrganizationID: f.org.ID,
		Name:           id,
		Active:         true,
		CurrentTicketCount: load,
	})
}

func taskFor(ticket *domain.Ticket, kind domain.TaskKind) domain.PipelineTask {
	return domain.PipelineTask{
		ID:             "task-" + string(kind),
		Kind:           kind,
		TicketID:       ticket.ID,
		OrganizationID: ticket.OrganizationID,
		TicketVersion:  ticket.Version,
		EnqueuedAt:     time.Now(),
	}
}

func TestClassifyConfidentLowGoesToAutoResolve(t *testing.T) {
	f := newFixture(t)
	ticket := f.seedTicket(t, domain.TicketStatusClassifying)
	f.classifier.result = domain.ClassificationResult{Criticality: domain.CriticalityLow, Confidence: 0.93}

	require.NoError(t, f.orchestrator.Handle(context.Background(), taskFor(ticket, domain.TaskClassify)))

	updated, err := f.tickets.GetByID(context.Background(), ticket.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TicketStatusAutoResolving, updated.Status)
	require.NotNil(t, updated.Criticality)
	assert.Equal(t, domain.CriticalityLow, *updated.Criticality)

	next := f.producer.last(t)
	assert.Equal(t, domain.TaskAutoResolve, next.Kind)
	assert.Equal(t, updated.Version, next.TicketVersion)
}

func TestClassifyBelowThresholdRoutesToHuman(t *testing.T) {
	f := newFixture(t)
	ticket := f.seedTicket(t, domain.TicketStatusClassifying)
	f.classifier.result = domain.ClassificationResult{Criticality: domain.CriticalityLow, Confidence: 0.55}

	require.NoError(t, f.orchestrator.Handle(context.Background(), taskFor(ticket, domain.TaskClassify)))

	updated, err := f.tickets.GetByID(context.Background(), ticket.ID)
	require.NoError(t, err)
	// ticket stays in CLASSIFYING until the assignment stage commits
	assert.Equal(t, domain.TicketStatusClassifying, updated.Status)
	assert.Equal(t, domain.TaskAssignAgent, f.producer.last(t).Kind)
}

func TestClassifyHighCriticalityForcesTopPriority(t *testing.T) {
	f := newFixture(t)
	ticket := f.seedTicket(t, domain.TicketStatusClassifying)
	f.classifier.result = domain.ClassificationResult{Criticality: domain.CriticalityHigh, Confidence: 0.99}

	require.NoError(t, f.orchestrator.Handle(context.Background(), taskFor(ticket, domain.TaskClassify)))

	updated, err := f.tickets.GetByID(context.Background(), ticket.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PriorityHighest, updated.Priority)
	// HIGH never auto-resolves regardless of confidence
	assert.Equal(t, domain.TaskAssignAgent, f.producer.last(t).Kind)
}

func TestStaleVersionPinNoOps(t *testing.T) {
	f := newFixture(t)
	ticket := f.seedTicket(t, domain.TicketStatusClassifying)
	f.classifier.result = domain.ClassificationResult{Criticality: domain.CriticalityLow, Confidence: 0.95}

	stale := taskFor(ticket, domain.TaskClassify)
	stale.TicketVersion = ticket.Version - 1

	require.NoError(t, f.orchestrator.Handle(context.Background(), stale))

	updated, err := f.tickets.GetByID(context.Background(), ticket.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TicketStatusClassifying, updated.Status)
	assert.Empty(t, f.producer.tasks)
}

func TestRedeliveredTaskAfterCommitNoOps(t *testing.T) {
	f := newFixture(t)
	ticket := f.seedTicket(t, domain.TicketStatusClassifying)
	f.classifier.result = domain.ClassificationResult{Criticality: domain.CriticalityLow, Confidence: 0.95}

	task := taskFor(ticket, domain.TaskClassify)
	require.NoError(t, f.orchestrator.Handle(context.Background(), task))
	enqueued := len(f.producer.tasks)

	// same delivery again: the version pin is now stale
	require.NoError(t, f.orchestrator.Handle(context.Background(), task))

	assert.Len(t, f.producer.tasks, enqueued)
	updated, err := f.tickets.GetByID(context.Background(), ticket.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TicketStatusAutoResolving, updated.Status)
}

func TestAutoResolvePostsReplyAndResolves(t *testing.T) {
	f := newFixture(t)
	ticket := f.seedTicket(t, domain.TicketStatusAutoResolving)
	f.retriever.snippets = []domain.Snippet{{DocumentID: "kb-1", Content: "reset steps", Score: 0.9}}

	task := taskFor(ticket, domain.TaskAutoResolve)
	require.NoError(t, f.orchestrator.Handle(context.Background(), task))

	updated, err := f.tickets.GetByID(context.Background(), ticket.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TicketStatusResolved, updated.Status)
	require.NotNil(t, updated.ResolvedAt)
	assert.Nil(t, updated.SLADueAt)
	assert.Equal(t, 2, f.generator.calls)

	msgs, err := f.messages.ListByTicket(context.Background(), ticket.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, domain.SenderSystemAuto, msgs[0].SenderKind)
	assert.Equal(t, "polished reply", msgs[0].Body)
	// the reply is deduplicated on the task identity
	assert.Equal(t, task.IdempotencyKey(), msgs[0].CorrelationKey)
}

func TestAutoResolveFailsOpenToAssignment(t *testing.T) {
	f := newFixture(t)
	ticket := f.seedTicket(t, domain.TicketStatusAutoResolving)
	f.seedAgent("agent-1", 0)
	f.generator.err = &util.NonRetryableCapabilityError{Capability: "generator", Err: errors.New("empty output")}

	require.NoError(t, f.orchestrator.Handle(context.Background(), taskFor(ticket, domain.TaskAutoResolve)))

	updated, err := f.tickets.GetByID(context.Background(), ticket.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TicketStatusAssigned, updated.Status)
	require.NotNil(t, updated.AssignedAgentID)
	assert.Equal(t, "agent-1", *updated.AssignedAgentID)
	require.NotNil(t, updated.SLADueAt)

	agent, err := f.agents.GetByID(context.Background(), "agent-1")
	require.NoError(t, err)
	assert.Equal(t, 1, agent.CurrentTicketCount)

	// no auto reply was posted
	msgs, err := f.messages.ListByTicket(context.Background(), ticket.ID)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestAutoResolveRetryableErrorRequeues(t *testing.T) {
	f := newFixture(t)
	ticket := f.seedTicket(t, domain.TicketStatusAutoResolving)
	f.retriever.err = &util.RetryableCapabilityError{Capability: "retriever", Err: errors.New("timeout")}

	err := f.orchestrator.Handle(context.Background(), taskFor(ticket, domain.TaskAutoResolve))
	require.Error(t, err)

	updated, getErr := f.tickets.GetByID(context.Background(), ticket.ID)
	require.NoError(t, getErr)
	assert.Equal(t, domain.TicketStatusAutoResolving, updated.Status)
}

// closeOutFromUnder simulates an operator closing the ticket while a task is
// in flight, advancing the version past the task's pin.
func (f *fixture) closeOutFromUnder(t *testing.T, ticketID string) {
	t.Helper()
	current, err := f.tickets.GetByID(context.Background(), ticketID)
	require.NoError(t, err)
	current.Status = domain.TicketStatusClosed
	require.NoError(t, f.tickets.UpdateGuarded(context.Background(), current, current.Version))
}

func TestAutoResolveLostRaceSendsNoReply(t *testing.T) {
	f := newFixture(t)
	ticket := f.seedTicket(t, domain.TicketStatusAutoResolving)
	f.retriever.hook = func() { f.closeOutFromUnder(t, ticket.ID) }

	var outbound int
	dispatcher := events.NewInMemoryDispatcher()
	dispatcher.Subscribe(events.EventOutboundReply, func(context.Context, events.Event) error {
		outbound++
		return nil
	})
	f.orchestrator.deps.Dispatcher = dispatcher

	require.NoError(t, f.orchestrator.Handle(context.Background(), taskFor(ticket, domain.TaskAutoResolve)))

	// the close wins: nothing reaches the customer and the thread stays clean
	updated, err := f.tickets.GetByID(context.Background(), ticket.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TicketStatusClosed, updated.Status)
	assert.Zero(t, outbound)

	msgs, err := f.messages.ListByTicket(context.Background(), ticket.ID)
	require.NoError(t, err)
	assert.Empty(t, msgs)
	assert.Empty(t, f.producer.tasks)
}

func TestClassifyLostRaceEnqueuesNothing(t *testing.T) {
	f := newFixture(t)
	ticket := f.seedTicket(t, domain.TicketStatusClassifying)
	f.classifier.result = domain.ClassificationResult{Criticality: domain.CriticalityLow, Confidence: 0.95}
	f.classifier.hook = func() { f.closeOutFromUnder(t, ticket.ID) }

	require.NoError(t, f.orchestrator.Handle(context.Background(), taskFor(ticket, domain.TaskClassify)))

	updated, err := f.tickets.GetByID(context.Background(), ticket.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TicketStatusClosed, updated.Status)
	assert.Empty(t, f.producer.tasks)
}

func TestClassifyTerminalFailureParksTicket(t *testing.T) {
	f := newFixture(t)
	ticket := f.seedTicket(t, domain.TicketStatusClassifying)
	f.classifier.err = &util.NonRetryableCapabilityError{Capability: "classifier", Err: errors.New("bad output")}

	require.NoError(t, f.orchestrator.Handle(context.Background(), taskFor(ticket, domain.TaskClassify)))

	updated, err := f.tickets.GetByID(context.Background(), ticket.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TicketStatusFailed, updated.Status)
}

func TestClassifyRetryableErrorOnLastAttemptParksTicket(t *testing.T) {
	f := newFixture(t)
	ticket := f.seedTicket(t, domain.TicketStatusClassifying)
	f.classifier.err = &util.RetryableCapabilityError{Capability: "classifier", Err: errors.New("timeout")}

	task := taskFor(ticket, domain.TaskClassify)
	task.Attempt = 2 // max attempts is 3

	require.NoError(t, f.orchestrator.Handle(context.Background(), task))

	updated, err := f.tickets.GetByID(context.Background(), ticket.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TicketStatusFailed, updated.Status)
}

func TestAssignAgentNoPoolReturnsError(t *testing.T) {
	f := newFixture(t)
	ticket := f.seedTicket(t, domain.TicketStatusClassifying)

	err := f.orchestrator.Handle(context.Background(), taskFor(ticket, domain.TaskAssignAgent))
	require.ErrorIs(t, err, util.ErrNoEligibleAgent)

	updated, getErr := f.tickets.GetByID(context.Background(), ticket.ID)
	require.NoError(t, getErr)
	assert.Equal(t, domain.TicketStatusClassifying, updated.Status)
}

func TestEscalateBumpsExactlyOneBand(t *testing.T) {
	f := newFixture(t)
	ticket := f.seedTicket(t, domain.TicketStatusClassifying)
	f.seedAgent("agent-1", 0)
	require.NoError(t, f.orchestrator.Handle(context.Background(), taskFor(ticket, domain.TaskAssignAgent)))

	assigned, err := f.tickets.GetByID(context.Background(), ticket.ID)
	require.NoError(t, err)
	due := time.Now().Add(-time.Minute)
	assigned.SLADueAt = &due
	require.NoError(t, f.tickets.UpdateGuarded(context.Background(), assigned, assigned.Version))

	task := taskFor(assigned, domain.TaskEscalate)
	require.NoError(t, f.orchestrator.Handle(context.Background(), task))

	escalated, err := f.tickets.GetByID(context.Background(), ticket.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PriorityDefault-1, escalated.Priority)
	assert.True(t, escalated.Escalated)
	require.NotNil(t, escalated.LastEscalatedAt)

	// redelivery of the same escalation is a no-op
	require.NoError(t, f.orchestrator.Handle(context.Background(), task))
	again, err := f.tickets.GetByID(context.Background(), ticket.ID)
	require.NoError(t, err)
	assert.Equal(t, escalated.Priority, again.Priority)
	assert.Equal(t, escalated.Version, again.Version)
}

func TestEscalateRoutesToLeastLoadedAgent(t *testing.T) {
	f := newFixture(t)
	ticket := f.seedTicket(t, domain.TicketStatusClassifying)
	f.seedAgent("agent-1", 0)
	require.NoError(t, f.orchestrator.Handle(context.Background(), taskFor(ticket, domain.TaskAssignAgent)))
	f.seedAgent("agent-2", 0)

	assigned, err := f.tickets.GetByID(context.Background(), ticket.ID)
	require.NoError(t, err)
	due := time.Now().Add(-time.Minute)
	assigned.SLADueAt = &due
	require.NoError(t, f.tickets.UpdateGuarded(context.Background(), assigned, assigned.Version))

	require.NoError(t, f.orchestrator.Handle(context.Background(), taskFor(assigned, domain.TaskEscalate)))

	escalated, err := f.tickets.GetByID(context.Background(), ticket.ID)
	require.NoError(t, err)
	require.NotNil(t, escalated.AssignedAgentID)
	assert.Equal(t, "agent-2", *escalated.AssignedAgentID)

	first, err := f.agents.GetByID(context.Background(), "agent-1")
	require.NoError(t, err)
	assert.Equal(t, 0, first.CurrentTicketCount)
	second, err := f.agents.GetByID(context.Background(), "agent-2")
	require.NoError(t, err)
	assert.Equal(t, 1, second.CurrentTicketCount)
}

func TestAssignReopensResolvedTicket(t *testing.T) {
	f := newFixture(t)
	ticket := f.seedTicket(t, domain.TicketStatusResolved)
	f.seedAgent("agent-1", 0)

	require.NoError(t, f.orchestrator.Handle(context.Background(), taskFor(ticket, domain.TaskAssignAgent)))

	updated, err := f.tickets.GetByID(context.Background(), ticket.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TicketStatusAssigned, updated.Status)
	assert.Nil(t, updated.ResolvedAt)
	require.NotNil(t, updated.SLADueAt)
}

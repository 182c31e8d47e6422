package intake

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/spec-kit/support-pipeline/internal/domain"
	"github.com/spec-kit/support-pipeline/internal/events"
	"github.com/spec-kit/support-pipeline/internal/observability"
	"github.com/spec-kit/support-pipeline/internal/queue"
	"github.com/spec-kit/support-pipeline/internal/repository"
	"github.com/spec-kit/support-pipeline/pkg/util"
)

// titleLimit caps the derived title when the channel has no subject line.
const titleLimit = 80

// Dependencies wires the intake adapter.
type Dependencies struct {
	Organizations repository.OrganizationRepository
	Tickets       repository.TicketRepository
	Messages      repository.MessageRepository
	Producer      queue.Producer
	Dispatcher    events.Dispatcher
	Metrics       *observability.Metrics
	Logger        *zap.Logger
}

// Adapter folds verified channel payloads into tickets and messages. Ingest
// is the single entry point for every channel; replays of the same delivery
// converge on one message through the correlation key.
type Adapter struct {
	deps Dependencies
}

// NewAdapter creates the adapter.
func NewAdapter(deps Dependencies) *Adapter {
	return &Adapter{deps: deps}
}

// Ingest processes one canonical inbound message. Outcomes:
//   - duplicate delivery: returns the existing ticket, no writes
//   - new conversation: creates ticket plus message, enqueues classification
//   - open conversation: appends the message to the thread
//   - resolved conversation: appends and requeues assignment (reopen)
func (a *Adapter) Ingest(ctx context.Context, inbound domain.InboundMessage) (*domain.TicketRef, error) {
	if err := validate(inbound); err != nil {
		a.count(inbound.Channel, "rejected")
		return nil, err
	}

	org, err := a.resolveTenant(ctx, inbound.RoutingKey)
	if err != nil {
		a.count(inbound.Channel, "rejected")
		return nil, err
	}

	key := domain.CorrelationKey(inbound.Channel, inbound.ExternalMessageID)
	if existing, err := a.deps.Messages.GetByCorrelationKey(ctx, key); err == nil {
		a.count(inbound.Channel, "duplicate")
		return &domain.TicketRef{TicketID: existing.TicketID, MessageID: existing.ID, Duplicate: true}, nil
	} else if !errors.Is(err, repository.ErrNotFound) {
		return nil, err
	}

	threadKey := inbound.ThreadKey
	if threadKey == "" {
		threadKey = string(inbound.Channel) + ":" + inbound.SenderIdentity
	}

	ticket, err := a.deps.Tickets.FindLatestByThread(ctx, org.ID, threadKey)
	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		return nil, err
	}
	if ticket != nil {
		return a.appendToThread(ctx, ticket, inbound, key)
	}
	return a.openConversation(ctx, org, inbound, threadKey, key)
}

func (a *Adapter) resolveTenant(ctx context.Context, routingKey string) (*domain.Organization, error) {
	org, err := a.deps.Organizations.GetByRoutingKey(ctx, routingKey)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, util.NewUnknownTenantError(routingKey)
	}
	if err != nil {
		return nil, err
	}
	if !org.Active {
		return nil, util.NewUnknownTenantError(routingKey)
	}
	return org, nil
}

func (a *Adapter) openConversation(ctx context.Context, org *domain.Organization, inbound domain.InboundMessage, threadKey, key string) (*domain.TicketRef, error) {
	ticket := &domain.Ticket{
		OrganizationID: org.ID,
		ThreadKey:      threadKey,
		Title:          deriveTitle(inbound),
		Description:    inbound.Body,
		Channel:        inbound.Channel,
		Status:         domain.TicketStatusNew,
		Priority:       domain.PriorityDefault,
	}
	if err := a.deps.Tickets.Create(ctx, ticket); err != nil {
		return nil, err
	}

	msg := &domain.Message{
		TicketID:       ticket.ID,
		SenderKind:     domain.SenderCustomer,
		Body:           inbound.Body,
		CorrelationKey: key,
	}
	if err := a.deps.Messages.Create(ctx, msg); errors.Is(err, repository.ErrDuplicate) {
		// lost the race with a concurrent delivery of the same payload;
		// park our ticket so the thread keeps a single active conversation
		a.abandon(ctx, ticket)
		canonical, lookupErr := a.deps.Messages.GetByCorrelationKey(ctx, key)
		if lookupErr != nil {
			return nil, lookupErr
		}
		a.count(inbound.Channel, "duplicate")
		return &domain.TicketRef{TicketID: canonical.TicketID, MessageID: canonical.ID, Duplicate: true}, nil
	} else if err != nil {
		return nil, err
	}

	ticket.Status = domain.TicketStatusClassifying
	if err := a.deps.Tickets.UpdateGuarded(ctx, ticket, ticket.Version); err != nil {
		return nil, err
	}
	if err := a.enqueue(ctx, domain.TaskClassify, ticket); err != nil {
		return nil, err
	}

	a.count(inbound.Channel, "created")
	a.publish(ctx, ticket, events.EventTicketCreated, events.TicketCreatedPayload{
		Channel:  ticket.Channel,
		Title:    ticket.Title,
		Priority: ticket.Priority,
	})
	a.publishMessage(ctx, ticket, msg)
	return &domain.TicketRef{TicketID: ticket.ID, MessageID: msg.ID, Created: true}, nil
}

func (a *Adapter) appendToThread(ctx context.Context, ticket *domain.Ticket, inbound domain.InboundMessage, key string) (*domain.TicketRef, error) {
	msg := &domain.Message{
		TicketID:       ticket.ID,
		SenderKind:     domain.SenderCustomer,
		Body:           inbound.Body,
		CorrelationKey: key,
	}
	if err := a.deps.Messages.Create(ctx, msg); errors.Is(err, repository.ErrDuplicate) {
		canonical, lookupErr := a.deps.Messages.GetByCorrelationKey(ctx, key)
		if lookupErr != nil {
			return nil, lookupErr
		}
		a.count(inbound.Channel, "duplicate")
		return &domain.TicketRef{TicketID: canonical.TicketID, MessageID: canonical.ID, Duplicate: true}, nil
	} else if err != nil {
		return nil, err
	}

	outcome := "appended"
	if ticket.Status == domain.TicketStatusResolved {
		// customer replied before closure; route the conversation back to
		// a human through the regular assignment stage
		if err := a.enqueue(ctx, domain.TaskAssignAgent, ticket); err != nil {
			return nil, err
		}
		outcome = "reopened"
	}

	a.count(inbound.Channel, outcome)
	a.publishMessage(ctx, ticket, msg)
	return &domain.TicketRef{TicketID: ticket.ID, MessageID: msg.ID}, nil
}

// abandon parks an orphaned ticket created by the losing side of a
// duplicate-delivery race. The write is best effort.
func (a *Adapter) abandon(ctx context.Context, ticket *domain.Ticket) {
	ticket.Status = domain.TicketStatusFailed
	if err := a.deps.Tickets.UpdateGuarded(ctx, ticket, ticket.Version); err != nil {
		a.deps.Logger.Warn("failed to park orphaned ticket",
			zap.String("ticket_id", ticket.ID), zap.Error(err))
	}
}

func (a *Adapter) enqueue(ctx context.Context, kind domain.TaskKind, ticket *domain.Ticket) error {
	return a.deps.Producer.Enqueue(ctx, domain.PipelineTask{
		ID:             uuid.NewString(),
		Kind:           kind,
		TicketID:       ticket.ID,
		OrganizationID: ticket.OrganizationID,
		TicketVersion:  ticket.Version,
		EnqueuedAt:     time.Now().UTC(),
	})
}

func (a *Adapter) publish(ctx context.Context, ticket *domain.Ticket, eventType events.EventType, payload any) {
	if a.deps.Dispatcher == nil {
		return
	}
	_ = a.deps.Dispatcher.Publish(ctx, events.Event{
		ID:             uuid.NewString(),
		Type:           eventType,
		OrganizationID: ticket.OrganizationID,
		TicketID:       ticket.ID,
		TicketVersion:  ticket.Version,
		Timestamp:      time.Now().UTC(),
		Payload:        payload,
	})
}

func (a *Adapter) publishMessage(ctx context.Context, ticket *domain.Ticket, msg *domain.Message) {
	a.publish(ctx, ticket, events.EventMessageReceived, events.MessageReceivedPayload{
		MessageID:       msg.ID,
		SenderKind:      msg.SenderKind,
		AssignedAgentID: ticket.AssignedAgentID,
		BodyPreview:     msg.Body,
	})
}

func (a *Adapter) count(channel domain.Channel, outcome string) {
	if m := a.deps.Metrics; m != nil {
		m.IntakeTotal.WithLabelValues(string(channel), outcome).Inc()
	}
}

func validate(inbound domain.InboundMessage) error {
	if inbound.ExternalMessageID == "" {
		return util.NewValidationError("external message id is required", nil)
	}
	if strings.TrimSpace(inbound.Body) == "" && strings.TrimSpace(inbound.Subject) == "" {
		return util.NewValidationError("message body is required", nil)
	}
	if inbound.RoutingKey == "" {
		return util.NewValidationError("routing key is required", nil)
	}
	return nil
}

func deriveTitle(inbound domain.InboundMessage) string {
	if subject := strings.TrimSpace(inbound.Subject); subject != "" {
		return subject
	}
	body := strings.TrimSpace(inbound.Body)
	if idx := strings.IndexAny(body, "\r\n"); idx > 0 {
		body = body[:idx]
	}
	if len(body) > titleLimit {
		return fmt.Sprintf("%s...", strings.TrimSpace(body[:titleLimit]))
	}
	return body
}

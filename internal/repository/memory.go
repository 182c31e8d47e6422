package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/spec-kit/support-pipeline/internal/domain"
	"github.com/spec-kit/support-pipeline/pkg/util"
)

// In-memory implementations backing development mode (no POSTGRES_DSN) and
// tests. They enforce the same version-guard and dedup semantics as the
// Postgres repositories.

// MemoryTicketRepository is a mutex-guarded TicketRepository.
type MemoryTicketRepository struct {
	mu      sync.RWMutex
	tickets map[string]domain.Ticket
}

// NewMemoryTicketRepository creates an empty store.
func NewMemoryTicketRepository() *MemoryTicketRepository {
	return &MemoryTicketRepository{tickets: make(map[string]domain.Ticket)}
}

func (r *MemoryTicketRepository) Create(_ context.Context, ticket *domain.Ticket) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ticket.ID == "" {
		ticket.ID = uuid.NewString()
	}
	now := time.Now()
	ticket.CreatedAt = now
	ticket.UpdatedAt = now
	ticket.Version = 1
	r.tickets[ticket.ID] = *ticket
	return nil
}

func (r *MemoryTicketRepository) GetByID(_ context.Context, id string) (*domain.Ticket, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ticket, ok := r.tickets[id]
	if !ok {
		return nil, ErrNotFound
	}
	copied := ticket
	return &copied, nil
}

func (r *MemoryTicketRepository) UpdateGuarded(_ context.Context, ticket *domain.Ticket, expectedVersion int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	current, ok := r.tickets[ticket.ID]
	if !ok || current.Version != expectedVersion {
		return util.ErrConcurrencyConflict
	}
	ticket.Version = expectedVersion + 1
	ticket.UpdatedAt = time.Now()
	ticket.CreatedAt = current.CreatedAt
	r.tickets[ticket.ID] = *ticket
	return nil
}

func (r *MemoryTicketRepository) FindLatestByThread(_ context.Context, orgID, threadKey string) (*domain.Ticket, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var latest *domain.Ticket
	for _, ticket := range r.tickets {
		if ticket.OrganizationID != orgID || ticket.ThreadKey != threadKey || !ticket.Open() {
			continue
		}
		copied := ticket
		if latest == nil || copied.CreatedAt.After(latest.CreatedAt) {
			latest = &copied
		}
	}
	if latest == nil {
		return nil, ErrNotFound
	}
	return latest, nil
}

func (r *MemoryTicketRepository) ListSLABreached(_ context.Context, now time.Time, limit int) ([]domain.Ticket, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var result []domain.Ticket
	for _, ticket := range r.tickets {
		if ticket.Status != domain.TicketStatusAssigned && ticket.Status != domain.TicketStatusInProgress {
			continue
		}
		if ticket.SLADueAt == nil || !ticket.SLADueAt.Before(now) {
			continue
		}
		if ticket.LastEscalatedAt != nil && !ticket.LastEscalatedAt.Before(*ticket.SLADueAt) {
			continue
		}
		result = append(result, ticket)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].SLADueAt.Before(*result[j].SLADueAt)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (r *MemoryTicketRepository) ListResolvedBefore(_ context.Context, cutoff time.Time, limit int) ([]domain.Ticket, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var result []domain.Ticket
	for _, ticket := range r.tickets {
		if ticket.Status != domain.TicketStatusResolved || ticket.ResolvedAt == nil {
			continue
		}
		if ticket.ResolvedAt.Before(cutoff) {
			result = append(result, ticket)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].ResolvedAt.Before(*result[j].ResolvedAt)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (r *MemoryTicketRepository) ListWithFilter(_ context.Context, filter TicketFilter) ([]domain.Ticket, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var result []domain.Ticket
	for _, ticket := range r.tickets {
		if filter.OrganizationID != nil && ticket.OrganizationID != *filter.OrganizationID {
			continue
		}
		if filter.AssignedTo != nil && (ticket.AssignedAgentID == nil || *ticket.AssignedAgentID != *filter.AssignedTo) {
			continue
		}
		if filter.CategoryID != nil && (ticket.CategoryID == nil || *ticket.CategoryID != *filter.CategoryID) {
			continue
		}
		if len(filter.Statuses) > 0 && !containsStatus(filter.Statuses, ticket.Status) {
			continue
		}
		if filter.CreatedFrom != nil && ticket.CreatedAt.Before(*filter.CreatedFrom) {
			continue
		}
		if filter.CreatedTo != nil && ticket.CreatedAt.After(*filter.CreatedTo) {
			continue
		}
		result = append(result, ticket)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].UpdatedAt.After(result[j].UpdatedAt)
	})
	offset := filter.Offset
	if offset > len(result) {
		offset = len(result)
	}
	result = result[offset:]
	if filter.Limit > 0 && len(result) > filter.Limit {
		result = result[:filter.Limit]
	}
	return result, nil
}

func containsStatus(statuses []domain.TicketStatus, status domain.TicketStatus) bool {
	for _, s := range statuses {
		if s == status {
			return true
		}
	}
	return false
}

// MemoryMessageRepository is a mutex-guarded MessageRepository.
type MemoryMessageRepository struct {
	mu       sync.RWMutex
	messages []domain.Message
	byKey    map[string]int
}

// NewMemoryMessageRepository creates an empty store.
func NewMemoryMessageRepository() *MemoryMessageRepository {
	return &MemoryMessageRepository{byKey: make(map[string]int)}
}

func (r *MemoryMessageRepository) Create(_ context.Context, msg *domain.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if msg.CorrelationKey != "" {
		if _, exists := r.byKey[msg.CorrelationKey]; exists {
			return ErrDuplicate
		}
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	msg.CreatedAt = time.Now()
	r.messages = append(r.messages, *msg)
	if msg.CorrelationKey != "" {
		r.byKey[msg.CorrelationKey] = len(r.messages) - 1
	}
	return nil
}

func (r *MemoryMessageRepository) GetByCorrelationKey(_ context.Context, key string) (*domain.Message, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	index, ok := r.byKey[key]
	if !ok {
		return nil, ErrNotFound
	}
	copied := r.messages[index]
	return &copied, nil
}

func (r *MemoryMessageRepository) ListByTicket(_ context.Context, ticketID string) ([]domain.Message, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var result []domain.Message
	for _, msg := range r.messages {
		if msg.TicketID == ticketID {
			result = append(result, msg)
		}
	}
	return result, nil
}

// MemoryAgentRepository is a mutex-guarded AgentRepository.
type MemoryAgentRepository struct {
	mu     sync.RWMutex
	agents map[string]domain.Agent
}

// NewMemoryAgentRepository creates an empty store.
func NewMemoryAgentRepository() *MemoryAgentRepository {
	return &MemoryAgentRepository{agents: make(map[string]domain.Agent)}
}

// Put seeds or replaces an agent record.
func (r *MemoryAgentRepository) Put(agent domain.Agent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if agent.ID == "" {
		agent.ID = uuid.NewString()
	}
	r.agents[agent.ID] = agent
}

func (r *MemoryAgentRepository) GetByID(_ context.Context, id string) (*domain.Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	agent, ok := r.agents[id]
	if !ok {
		return nil, ErrNotFound
	}
	copied := agent
	return &copied, nil
}

func (r *MemoryAgentRepository) ListEligible(_ context.Context, orgID string, cap int) ([]domain.Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var result []domain.Agent
	for _, agent := range r.agents {
		if agent.OrganizationID != orgID || !agent.Active || agent.CurrentTicketCount >= cap {
			continue
		}
		result = append(result, agent)
	}
	sort.Slice(result, func(i, j int) bool {
		left, right := result[i], result[j]
		switch {
		case left.LastAssignedAt == nil && right.LastAssignedAt != nil:
			return true
		case left.LastAssignedAt != nil && right.LastAssignedAt == nil:
			return false
		case left.LastAssignedAt != nil && right.LastAssignedAt != nil && !left.LastAssignedAt.Equal(*right.LastAssignedAt):
			return left.LastAssignedAt.Before(*right.LastAssignedAt)
		default:
			return left.CurrentTicketCount < right.CurrentTicketCount
		}
	})
	return result, nil
}

func (r *MemoryAgentRepository) ReserveSlot(_ context.Context, agentID string, expectedCount int, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	agent, ok := r.agents[agentID]
	if !ok || agent.CurrentTicketCount != expectedCount {
		return util.ErrConcurrencyConflict
	}
	agent.CurrentTicketCount++
	assignedAt := at
	agent.LastAssignedAt = &assignedAt
	agent.UpdatedAt = time.Now()
	r.agents[agentID] = agent
	return nil
}

func (r *MemoryAgentRepository) ReleaseSlot(_ context.Context, agentID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	agent, ok := r.agents[agentID]
	if !ok {
		return ErrNotFound
	}
	if agent.CurrentTicketCount > 0 {
		agent.CurrentTicketCount--
	}
	agent.UpdatedAt = time.Now()
	r.agents[agentID] = agent
	return nil
}

// MemoryCategoryRepository is a map-backed CategoryRepository.
type MemoryCategoryRepository struct {
	mu         sync.RWMutex
	categories map[string]domain.Category
}

// NewMemoryCategoryRepository creates an empty store.
func NewMemoryCategoryRepository() *MemoryCategoryRepository {
	return &MemoryCategoryRepository{categories: make(map[string]domain.Category)}
}

// Put seeds or replaces a category record.
func (r *MemoryCategoryRepository) Put(category domain.Category) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if category.ID == "" {
		category.ID = uuid.NewString()
	}
	r.categories[category.ID] = category
}

func (r *MemoryCategoryRepository) GetByID(_ context.Context, id string) (*domain.Category, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	category, ok := r.categories[id]
	if !ok {
		return nil, ErrNotFound
	}
	copied := category
	return &copied, nil
}

// MemoryOrganizationRepository is a map-backed OrganizationRepository.
type MemoryOrganizationRepository struct {
	mu   sync.RWMutex
	orgs map[string]domain.Organization
}

// NewMemoryOrganizationRepository creates an empty store.
func NewMemoryOrganizationRepository() *MemoryOrganizationRepository {
	return &MemoryOrganizationRepository{orgs: make(map[string]domain.Organization)}
}

// Put seeds or replaces an organization record.
func (r *MemoryOrganizationRepository) Put(org domain.Organization) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if org.ID == "" {
		org.ID = uuid.NewString()
	}
	r.orgs[org.ID] = org
}

func (r *MemoryOrganizationRepository) GetByID(_ context.Context, id string) (*domain.Organization, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	org, ok := r.orgs[id]
	if !ok {
		return nil, ErrNotFound
	}
	copied := org
	return &copied, nil
}

func (r *MemoryOrganizationRepository) GetByRoutingKey(_ context.Context, routingKey string) (*domain.Organization, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, org := range r.orgs {
		if org.RoutingKey == routingKey {
			copied := org
			return &copied, nil
		}
	}
	return nil, ErrNotFound
}

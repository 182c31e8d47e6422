package repository

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/spec-kit/support-pipeline/internal/domain"
	"github.com/spec-kit/support-pipeline/pkg/util"
)

// AgentRepository manages agent load state. The ticket counter is the only
// shared mutable value outside the ticket row and uses the same
// conditional-update discipline.
type AgentRepository interface {
	GetByID(ctx context.Context, id string) (*domain.Agent, error)
	// ListEligible returns active agents of the organization with spare
	// capacity, ordered oldest last_assigned_at first, ties by lowest load.
	ListEligible(ctx context.Context, orgID string, cap int) ([]domain.Agent, error)
	// ReserveSlot increments the agent's counter conditioned on the load
	// the caller observed, and stamps last_assigned_at.
	ReserveSlot(ctx context.Context, agentID string, expectedCount int, at time.Time) error
	// ReleaseSlot decrements the counter on resolution or closure.
	ReleaseSlot(ctx context.Context, agentID string) error
}

type agentRepository struct {
	pool *pgxpool.Pool
}

// NewAgentRepository instantiates the repository.
func NewAgentRepository(pool *pgxpool.Pool) AgentRepository {
	return &agentRepository{pool: pool}
}

func (r *agentRepository) GetByID(ctx context.Context, id string) (*domain.Agent, error) {
	const query = `
        SELECT a.id, a.organization_id, a.name, a.email, a.active_flag,
               a.current_ticket_count, a.last_assigned_at, a.created_at, a.updated_at,
               COALESCE(array_agg(aca.category_id::text) FILTER (WHERE aca.category_id IS NOT NULL), '{}')
        FROM agents a
        LEFT JOIN agent_category_assignments aca ON aca.agent_id = a.id
        WHERE a.id=$1
        GROUP BY a.id`
	var agent domain.Agent
	if err := r.pool.QueryRow(ctx, query, id).Scan(
		&agent.ID,
		&agent.OrganizationID,
		&agent.Name,
		&agent.Email,
		&agent.Active,
		&agent.CurrentTicketCount,
		&agent.LastAssignedAt,
		&agent.CreatedAt,
		&agent.UpdatedAt,
		&agent.CategoryIDs,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &agent, nil
}

func (r *agentRepository) ListEligible(ctx context.Context, orgID string, cap int) ([]domain.Agent, error) {
	const query = `
        SELECT a.id, a.organization_id, a.name, a.email, a.active_flag,
               a.current_ticket_count, a.last_assigned_at, a.created_at, a.updated_at,
               COALESCE(array_agg(aca.category_id::text) FILTER (WHERE aca.category_id IS NOT NULL), '{}')
        FROM agents a
        LEFT JOIN agent_category_assignments aca ON aca.agent_id = a.id
        WHERE a.organization_id=$1 AND a.active_flag AND a.current_ticket_count < $2
        GROUP BY a.id
        ORDER BY a.last_assigned_at NULLS FIRST, a.current_ticket_count`
	rows, err := r.pool.Query(ctx, query, orgID, cap)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []domain.Agent
	for rows.Next() {
		var agent domain.Agent
		if err := rows.Scan(
			&agent.ID,
			&agent.OrganizationID,
			&agent.Name,
			&agent.Email,
			&agent.Active,
			&agent.CurrentTicketCount,
			&agent.LastAssignedAt,
			&agent.CreatedAt,
			&agent.UpdatedAt,
			&agent.CategoryIDs,
		); err != nil {
			return nil, err
		}
		result = append(result, agent)
	}
	return result, rows.Err()
}

func (r *agentRepository) ReserveSlot(ctx context.Context, agentID string, expectedCount int, at time.Time) error {
	const query = `
        UPDATE agents
        SET current_ticket_count = current_ticket_count + 1, last_assigned_at = $1, updated_at = NOW()
        WHERE id=$2 AND current_ticket_count=$3`
	cmd, err := r.pool.Exec(ctx, query, at, agentID, expectedCount)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return util.ErrConcurrencyConflict
	}
	return nil
}

func (r *agentRepository) ReleaseSlot(ctx context.Context, agentID string) error {
	const query = `
        UPDATE agents
        SET current_ticket_count = GREATEST(current_ticket_count - 1, 0), updated_at = NOW()
        WHERE id=$1`
	cmd, err := r.pool.Exec(ctx, query, agentID)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

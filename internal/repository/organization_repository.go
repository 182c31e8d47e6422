package repository

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/spec-kit/support-pipeline/internal/domain"
)

// OrganizationRepository resolves tenants from channel routing metadata.
type OrganizationRepository interface {
	GetByID(ctx context.Context, id string) (*domain.Organization, error)
	GetByRoutingKey(ctx context.Context, routingKey string) (*domain.Organization, error)
}

type organizationRepository struct {
	pool *pgxpool.Pool
}

// NewOrganizationRepository instantiates the repository.
func NewOrganizationRepository(pool *pgxpool.Pool) OrganizationRepository {
	return &organizationRepository{pool: pool}
}

const organizationColumns = `id, name, routing_key, webhook_secret, telegram_secret, agent_ticket_cap, active_flag, created_at`

func (r *organizationRepository) GetByID(ctx context.Context, id string) (*domain.Organization, error) {
	return r.fetchSingle(ctx, `SELECT `+organizationColumns+` FROM organizations WHERE id=$1`, id)
}

func (r *organizationRepository) GetByRoutingKey(ctx context.Context, routingKey string) (*domain.Organization, error) {
	return r.fetchSingle(ctx, `SELECT `+organizationColumns+` FROM organizations WHERE routing_key=$1`, routingKey)
}

func (r *organizationRepository) fetchSingle(ctx context.Context, query string, arg any) (*domain.Organization, error) {
	var org domain.Organization
	if err := r.pool.QueryRow(ctx, query, arg).Scan(
		&org.ID,
		&org.Name,
		&org.RoutingKey,
		&org.WebhookSecret,
		&org.TelegramSecret,
		&org.AgentTicketCap,
		&org.Active,
		&org.CreatedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &org, nil
}

package repository

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/spec-kit/support-pipeline/internal/domain"
)

// CategoryRepository is a read-only view of the category collaborator; the
// pipeline needs its SLA policy and routing hints only.
type CategoryRepository interface {
	GetByID(ctx context.Context, id string) (*domain.Category, error)
}

type categoryRepository struct {
	pool *pgxpool.Pool
}

// NewCategoryRepository instantiates the repository.
func NewCategoryRepository(pool *pgxpool.Pool) CategoryRepository {
	return &categoryRepository{pool: pool}
}

func (r *categoryRepository) GetByID(ctx context.Context, id string) (*domain.Category, error) {
	const query = `
        SELECT id, organization_id, name, keywords, priority_level,
               response_sla_minutes, resolution_sla_minutes, auto_assign_enabled, active_flag, created_at
        FROM categories WHERE id=$1`
	var category domain.Category
	if err := r.pool.QueryRow(ctx, query, id).Scan(
		&category.ID,
		&category.OrganizationID,
		&category.Name,
		&category.Keywords,
		&category.PriorityLevel,
		&category.ResponseSLAMinutes,
		&category.ResolutionSLAMinutes,
		&category.AutoAssignEnabled,
		&category.IsActive,
		&category.CreatedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &category, nil
}

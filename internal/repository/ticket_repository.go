package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/spec-kit/support-pipeline/internal/domain"
	"github.com/spec-kit/support-pipeline/pkg/util"
)

// TicketFilter captures agent-facing search parameters.
type TicketFilter struct {
	OrganizationID *string
	AssignedTo     *string
	Statuses       []domain.TicketStatus
	CategoryID     *string
	CreatedFrom    *time.Time
	CreatedTo      *time.Time
	Limit          int
	Offset         int
}

// TicketRepository encapsulates ticket persistence. All mutations after
// creation go through UpdateGuarded, the version-guarded conditional write.
type TicketRepository interface {
	Create(ctx context.Context, ticket *domain.Ticket) error
	GetByID(ctx context.Context, id string) (*domain.Ticket, error)
	UpdateGuarded(ctx context.Context, ticket *domain.Ticket, expectedVersion int64) error
	FindLatestByThread(ctx context.Context, orgID, threadKey string) (*domain.Ticket, error)
	ListSLABreached(ctx context.Context, now time.Time, limit int) ([]domain.Ticket, error)
	ListResolvedBefore(ctx context.Context, cutoff time.Time, limit int) ([]domain.Ticket, error)
	ListWithFilter(ctx context.Context, filter TicketFilter) ([]domain.Ticket, error)
}

type ticketRepository struct {
	pool *pgxpool.Pool
}

// NewTicketRepository instantiates repository.
func NewTicketRepository(pool *pgxpool.Pool) TicketRepository {
	return &ticketRepository{pool: pool}
}

const ticketColumns = `id, organization_id, thread_key, title, description, channel, status,
       criticality, confidence, category_id, assigned_agent_id, priority,
       escalated, last_escalated_at, sla_due_at, assigned_at, resolved_at, closed_at,
       created_at, updated_at, version`

func (r *ticketRepository) Create(ctx context.Context, ticket *domain.Ticket) error {
	const query = `
        INSERT INTO tickets (organization_id, thread_key, title, description, channel, status, priority)
        VALUES ($1,$2,$3,$4,$5,$6,$7)
        RETURNING id, created_at, updated_at, version`
	return r.pool.QueryRow(ctx, query,
		ticket.OrganizationID,
		ticket.ThreadKey,
		ticket.Title,
		ticket.Description,
		ticket.Channel,
		ticket.Status,
		ticket.Priority,
	).Scan(&ticket.ID, &ticket.CreatedAt, &ticket.UpdatedAt, &ticket.Version)
}

func (r *ticketRepository) GetByID(ctx context.Context, id string) (*domain.Ticket, error) {
	query := `SELECT ` + ticketColumns + ` FROM tickets WHERE id=$1`
	return r.fetchSingle(ctx, query, id)
}

// UpdateGuarded writes every mutable field conditioned on the version the
// caller read. Zero rows affected means another writer advanced the ticket
// first; the caller must re-read and recompute.
func (r *ticketRepository) UpdateGuarded(ctx context.Context, ticket *domain.Ticket, expectedVersion int64) error {
	const query = `
        UPDATE tickets SET status=$1, criticality=$2, confidence=$3, category_id=$4,
            assigned_agent_id=$5, priority=$6, escalated=$7, last_escalated_at=$8,
            sla_due_at=$9, assigned_at=$10, resolved_at=$11, closed_at=$12,
            updated_at=NOW(), version=version+1
        WHERE id=$13 AND version=$14`
	cmd, err := r.pool.Exec(ctx, query,
		ticket.Status,
		ticket.Criticality,
		ticket.Confidence,
		ticket.CategoryID,
		ticket.AssignedAgentID,
		ticket.Priority,
		ticket.Escalated,
		ticket.LastEscalatedAt,
		ticket.SLADueAt,
		ticket.AssignedAt,
		ticket.ResolvedAt,
		ticket.ClosedAt,
		ticket.ID,
		expectedVersion,
	)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return util.ErrConcurrencyConflict
	}
	ticket.Version = expectedVersion + 1
	return nil
}

func (r *ticketRepository) FindLatestByThread(ctx context.Context, orgID, threadKey string) (*domain.Ticket, error) {
	query := `SELECT ` + ticketColumns + `
        FROM tickets
        WHERE organization_id=$1 AND thread_key=$2 AND status NOT IN ('CLOSED','FAILED')
        ORDER BY created_at DESC LIMIT 1`
	return r.fetchSingle(ctx, query, orgID, threadKey)
}

func (r *ticketRepository) ListSLABreached(ctx context.Context, now time.Time, limit int) ([]domain.Ticket, error) {
	if limit <= 0 {
		limit = 100
	}
	query := fmt.Sprintf(`SELECT `+ticketColumns+`
        FROM tickets
        WHERE status IN ('ASSIGNED','IN_PROGRESS') AND sla_due_at < $1
          AND (last_escalated_at IS NULL OR last_escalated_at < sla_due_at)
        ORDER BY sla_due_at LIMIT %d`, limit)
	rows, err := r.pool.Query(ctx, query, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTickets(rows)
}

func (r *ticketRepository) ListResolvedBefore(ctx context.Context, cutoff time.Time, limit int) ([]domain.Ticket, error) {
	if limit <= 0 {
		limit = 100
	}
	query := fmt.Sprintf(`SELECT `+ticketColumns+`
        FROM tickets
        WHERE status='RESOLVED' AND resolved_at < $1
        ORDER BY resolved_at LIMIT %d`, limit)
	rows, err := r.pool.Query(ctx, query, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTickets(rows)
}

func (r *ticketRepository) ListWithFilter(ctx context.Context, filter TicketFilter) ([]domain.Ticket, error) {
	base := `SELECT ` + ticketColumns + ` FROM tickets`
	clauses := []string{"1=1"}
	args := []any{}

	if filter.OrganizationID != nil {
		args = append(args, *filter.OrganizationID)
		clauses = append(clauses, fmt.Sprintf("organization_id=$%d", len(args)))
	}
	if filter.AssignedTo != nil {
		args = append(args, *filter.AssignedTo)
		clauses = append(clauses, fmt.Sprintf("assigned_agent_id=$%d", len(args)))
	}
	if filter.CategoryID != nil {
		args = append(args, *filter.CategoryID)
		clauses = append(clauses, fmt.Sprintf("category_id=$%d", len(args)))
	}
	if len(filter.Statuses) > 0 {
		placeholders := make([]string, len(filter.Statuses))
		for i, status := range filter.Statuses {
			args = append(args, status)
			placeholders[i] = fmt.Sprintf("$%d", len(args))
		}
		clauses = append(clauses, fmt.Sprintf("status IN (%s)", strings.Join(placeholders, ",")))
	}
	if filter.CreatedFrom != nil {
		args = append(args, *filter.CreatedFrom)
		clauses = append(clauses, fmt.Sprintf("created_at >= $%d", len(args)))
	}
	if filter.CreatedTo != nil {
		args = append(args, *filter.CreatedTo)
		clauses = append(clauses, fmt.Sprintf("created_at <= $%d", len(args)))
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 20
	}
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}

	query := fmt.Sprintf(`%s WHERE %s ORDER BY updated_at DESC LIMIT %d OFFSET %d`,
		base, strings.Join(clauses, " AND "), limit, offset)

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTickets(rows)
}

func (r *ticketRepository) fetchSingle(ctx context.Context, query string, args ...any) (*domain.Ticket, error) {
	var ticket domain.Ticket
	if err := scanTicket(r.pool.QueryRow(ctx, query, args...), &ticket); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &ticket, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTicket(row rowScanner, ticket *domain.Ticket) error {
	return row.Scan(
		&ticket.ID,
		&ticket.OrganizationID,
		&ticket.ThreadKey,
		&ticket.Title,
		&ticket.Description,
		&ticket.Channel,
		&ticket.Status,
		&ticket.Criticality,
		&ticket.Confidence,
		&ticket.CategoryID,
		&ticket.AssignedAgentID,
		&ticket.Priority,
		&ticket.Escalated,
		&ticket.LastEscalatedAt,
		&ticket.SLADueAt,
		&ticket.AssignedAt,
		&ticket.ResolvedAt,
		&ticket.ClosedAt,
		&ticket.CreatedAt,
		&ticket.UpdatedAt,
		&ticket.Version,
	)
}

func scanTickets(rows pgx.Rows) ([]domain.Ticket, error) {
	var result []domain.Ticket
	for rows.Next() {
		var ticket domain.Ticket
		if err := scanTicket(rows, &ticket); err != nil {
			return nil, err
		}
		result = append(result, ticket)
	}
	return result, rows.Err()
}

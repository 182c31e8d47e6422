package repository

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/spec-kit/support-pipeline/internal/domain"
)

// MessageRepository persists ticket thread entries. Messages are append-only.
type MessageRepository interface {
	// Create inserts a message. When the correlation key already exists the
	// insert is a no-op and ErrDuplicate is returned, making replayed
	// channel deliveries safe under concurrent workers.
	Create(ctx context.Context, msg *domain.Message) error
	GetByCorrelationKey(ctx context.Context, key string) (*domain.Message, error)
	ListByTicket(ctx context.Context, ticketID string) ([]domain.Message, error)
}

type messageRepository struct {
	pool *pgxpool.Pool
}

// NewMessageRepository instantiates repository.
func NewMessageRepository(pool *pgxpool.Pool) MessageRepository {
	return &messageRepository{pool: pool}
}

func (r *messageRepository) Create(ctx context.Context, msg *domain.Message) error {
	const query = `
        INSERT INTO messages (ticket_id, sender_kind, sender_id, body, is_internal, correlation_key)
        VALUES ($1,$2,$3,$4,$5,$6)
        ON CONFLICT (correlation_key) WHERE correlation_key <> '' DO NOTHING
        RETURNING id, created_at`
	err := r.pool.QueryRow(ctx, query,
		msg.TicketID,
		msg.SenderKind,
		msg.SenderID,
		msg.Body,
		msg.IsInternal,
		msg.CorrelationKey,
	).Scan(&msg.ID, &msg.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrDuplicate
	}
	return err
}

func (r *messageRepository) GetByCorrelationKey(ctx context.Context, key string) (*domain.Message, error) {
	const query = `
        SELECT id, ticket_id, sender_kind, sender_id, body, is_internal, correlation_key, created_at
        FROM messages WHERE correlation_key=$1`
	var msg domain.Message
	if err := r.pool.QueryRow(ctx, query, key).Scan(
		&msg.ID,
		&msg.TicketID,
		&msg.SenderKind,
		&msg.SenderID,
		&msg.Body,
		&msg.IsInternal,
		&msg.CorrelationKey,
		&msg.CreatedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &msg, nil
}

func (r *messageRepository) ListByTicket(ctx context.Context, ticketID string) ([]domain.Message, error) {
	const query = `
        SELECT id, ticket_id, sender_kind, sender_id, body, is_internal, correlation_key, created_at
        FROM messages WHERE ticket_id=$1 ORDER BY created_at`
	rows, err := r.pool.Query(ctx, query, ticketID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []domain.Message
	for rows.Next() {
		var msg domain.Message
		if err := rows.Scan(
			&msg.ID,
			&msg.TicketID,
			&msg.SenderKind,
			&msg.SenderID,
			&msg.Body,
			&msg.IsInternal,
			&msg.CorrelationKey,
			&msg.CreatedAt,
		); err != nil {
			return nil, err
		}
		result = append(result, msg)
	}
	return result, rows.Err()
}

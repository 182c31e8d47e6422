package queue

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/spec-kit/support-pipeline/internal/domain"
)

// LocalQueue is a fallback queue used when Redis is not configured. It keeps
// the same at-least-once, retry-with-backoff, DLQ-after-max-attempts
// contract as the streams implementation.
type LocalQueue struct {
	ch          chan domain.PipelineTask
	maxAttempts int
	logger      *zap.Logger

	dlqMu sync.Mutex
	dlq   []domain.PipelineTask
}

// NewLocalQueue creates a buffered in-process queue.
func NewLocalQueue(bufferSize, maxAttempts int, logger *zap.Logger) *LocalQueue {
	if bufferSize <= 0 {
		bufferSize = 512
	}
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LocalQueue{
		ch:          make(chan domain.PipelineTask, bufferSize),
		maxAttempts: maxAttempts,
		logger:      logger,
		dlq:         make([]domain.PipelineTask, 0),
	}
}

func (q *LocalQueue) Enqueue(ctx context.Context, task domain.PipelineTask) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case q.ch <- task:
		return nil
	}
}

func (q *LocalQueue) Consume(ctx context.Context, handler func(context.Context, domain.PipelineTask) error) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case task := <-q.ch:
			err := handler(ctx, task)
			if err == nil {
				continue
			}

			task.Attempt++
			if task.Attempt >= q.maxAttempts {
				q.dlqMu.Lock()
				q.dlq = append(q.dlq, task)
				q.dlqMu.Unlock()
				q.logger.Warn("task moved to DLQ",
					zap.String("task_id", task.ID),
					zap.String("kind", string(task.Kind)),
					zap.String("ticket_id", task.TicketID),
					zap.Error(err),
				)
				continue
			}

			delay := time.Duration(task.Attempt) * 500 * time.Millisecond
			go func(retryTask domain.PipelineTask) {
				timer := time.NewTimer(delay)
				defer timer.Stop()
				select {
				case <-ctx.Done():
					return
				case <-timer.C:
					q.ch <- retryTask
				}
			}(task)
		}
	}
}

// DLQSize reports how many tasks exhausted their attempts.
func (q *LocalQueue) DLQSize() int {
	q.dlqMu.Lock()
	defer q.dlqMu.Unlock()
	return len(q.dlq)
}

// Pending reports tasks currently buffered for delivery.
func (q *LocalQueue) Pending() int {
	return len(q.ch)
}

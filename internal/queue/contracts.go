package queue

import (
	"context"

	"github.com/spec-kit/support-pipeline/internal/domain"
)

// Producer sends pipeline tasks to a queue backend.
type Producer interface {
	Enqueue(ctx context.Context, task domain.PipelineTask) error
}

// Consumer receives pipeline tasks and executes a handler. Delivery is at
// least once; handlers must be idempotent. A handler error triggers a
// redelivery with an incremented attempt until the backend's max attempts,
// then the task moves to the dead-letter stream.
type Consumer interface {
	Consume(ctx context.Context, handler func(context.Context, domain.PipelineTask) error) error
}

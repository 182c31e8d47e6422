package queue

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/spec-kit/support-pipeline/internal/domain"
)

func testTask(id string) domain.PipelineTask {
	return domain.PipelineTask{
		ID:         id,
		Kind:       domain.TaskClassify,
		TicketID:   "t-1",
		EnqueuedAt: time.Now(),
	}
}

func TestLocalQueueDeliversTask(t *testing.T) {
	q := NewLocalQueue(16, 3, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan domain.PipelineTask, 1)
	go func() {
		_ = q.Consume(ctx, func(_ context.Context, task domain.PipelineTask) error {
			got <- task
			return nil
		})
	}()

	require.NoError(t, q.Enqueue(ctx, testTask("task-1")))

	select {
	case task := <-got:
		assert.Equal(t, "task-1", task.ID)
	case <-time.After(2 * time.Second):
		t.Fatal("task not delivered")
	}
}

func TestLocalQueueRetriesThenDeadLetters(t *testing.T) {
	q := NewLocalQueue(16, 3, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var attempts atomic.Int32
	done := make(chan struct{})
	go func() {
		_ = q.Consume(ctx, func(_ context.Context, task domain.PipelineTask) error {
			if attempts.Add(1) == 3 {
				close(done)
			}
			return errors.New("boom")
		})
	}()

	require.NoError(t, q.Enqueue(ctx, testTask("task-1")))

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("task was not retried to exhaustion")
	}

	require.Eventually(t, func() bool {
		return q.DLQSize() == 1
	}, 2*time.Second, 20*time.Millisecond)
	assert.Equal(t, int32(3), attempts.Load())
}

func TestLocalQueueAttemptCarriedOnRetry(t *testing.T) {
	q := NewLocalQueue(16, 2, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	seen := make(chan int, 4)
	go func() {
		_ = q.Consume(ctx, func(_ context.Context, task domain.PipelineTask) error {
			seen <- task.Attempt
			return errors.New("boom")
		})
	}()

	require.NoError(t, q.Enqueue(ctx, testTask("task-1")))

	first := <-seen
	assert.Equal(t, 0, first)
	select {
	case second := <-seen:
		assert.Equal(t, 1, second)
	case <-time.After(3 * time.Second):
		t.Fatal("retry not delivered")
	}
}

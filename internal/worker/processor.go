// Package worker runs the background side of the pipeline: the task
// consumer pool and the periodic sweeps.
package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/spec-kit/support-pipeline/internal/domain"
	"github.com/spec-kit/support-pipeline/internal/pipeline"
	"github.com/spec-kit/support-pipeline/internal/queue"
)

// Processor drives a pool of consumers over the task queue, delegating each
// delivery to the orchestrator.
type Processor struct {
	consumer     queue.Consumer
	orchestrator *pipeline.Orchestrator
	workers      int
	logger       *zap.Logger
}

// NewProcessor creates the processor.
func NewProcessor(consumer queue.Consumer, orchestrator *pipeline.Orchestrator, workers int, logger *zap.Logger) *Processor {
	if workers <= 0 {
		workers = 4
	}
	return &Processor{
		consumer:     consumer,
		orchestrator: orchestrator,
		workers:      workers,
		logger:       logger,
	}
}

// Run blocks until the context is cancelled. Each worker holds its own
// consume loop; tasks for the same ticket may interleave across workers,
// which is safe because every write is version guarded.
func (p *Processor) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < p.workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			p.loop(ctx, id)
		}(i)
	}
	wg.Wait()
}

func (p *Processor) loop(ctx context.Context, id int) {
	logger := p.logger.With(zap.Int("worker", id))
	for {
		err := p.consumer.Consume(ctx, p.handle)
		if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return
		}
		logger.Error("consume loop failed, restarting", zap.Error(err))
		select {
		case <-ctx.Done():
			return
		case <-time.After(2 * time.Second):
		}
	}
}

func (p *Processor) handle(ctx context.Context, task domain.PipelineTask) error {
	start := time.Now()
	err := p.orchestrator.Handle(ctx, task)
	fields := []zap.Field{
		zap.String("task_id", task.ID),
		zap.String("kind", string(task.Kind)),
		zap.String("ticket_id", task.TicketID),
		zap.Int64("ticket_version", task.TicketVersion),
		zap.Int("attempt", task.Attempt),
		zap.Duration("took", time.Since(start)),
	}
	if err != nil {
		p.logger.Warn("task failed", append(fields, zap.Error(err))...)
		return err
	}
	p.logger.Debug("task handled", fields...)
	return nil
}

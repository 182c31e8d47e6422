package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/spec-kit/support-pipeline/internal/config"
	"github.com/spec-kit/support-pipeline/internal/domain"
)

// StreamsQueue implements Producer+Consumer backed by Redis Streams with a
// consumer group per worker fleet and a DLQ stream for exhausted tasks.
type StreamsQueue struct {
	client      *redis.Client
	stream      string
	dlqStream   string
	group       string
	consumer    string
	maxAttempts int
}

// NewStreamsQueue attaches to the configured stream, creating the consumer
// group when missing.
func NewStreamsQueue(ctx context.Context, client *redis.Client, cfg config.QueueConfig) (*StreamsQueue, error) {
	if client == nil {
		return nil, errors.New("redis client is required")
	}
	if cfg.Stream == "" {
		cfg.Stream = "pipeline_tasks"
	}
	if cfg.DLQStream == "" {
		cfg.DLQStream = "pipeline_tasks_dlq"
	}
	if cfg.Group == "" {
		cfg.Group = "pipeline_workers"
	}
	if cfg.Consumer == "" {
		cfg.Consumer = "worker-1"
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}

	queue := &StreamsQueue{
		client:      client,
		stream:      cfg.Stream,
		dlqStream:   cfg.DLQStream,
		group:       cfg.Group,
		consumer:    cfg.Consumer,
		maxAttempts: cfg.MaxAttempts,
	}
	if err := queue.ensureGroup(ctx); err != nil {
		return nil, err
	}
	return queue, nil
}

func (q *StreamsQueue) Enqueue(ctx context.Context, task domain.PipelineTask) error {
	_, err := q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: q.stream,
		Values: taskValues(task),
	}).Result()
	if err != nil {
		return fmt.Errorf("enqueue to stream: %w", err)
	}
	return nil
}

func (q *StreamsQueue) Consume(ctx context.Context, handler func(context.Context, domain.PipelineTask) error) error {
	if err := q.ensureGroup(ctx); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    q.group,
			Consumer: q.consumer,
			Streams:  []string{q.stream, ">"},
			Count:    10,
			Block:    5 * time.Second,
		}).Result()

		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			return fmt.Errorf("xreadgroup: %w", err)
		}

		for _, stream := range streams {
			for _, item := range stream.Messages {
				task, parseErr := parseStreamTask(item)
				if parseErr != nil {
					_ = q.sendToDLQ(ctx, domain.PipelineTask{}, item, parseErr.Error())
					_ = q.ackAndDelete(ctx, item.ID)
					continue
				}

				handleErr := handler(ctx, task)
				if handleErr == nil {
					_ = q.ackAndDelete(ctx, item.ID)
					continue
				}

				task.Attempt++
				if task.Attempt >= q.maxAttempts {
					_ = q.sendToDLQ(ctx, task, item, handleErr.Error())
					_ = q.ackAndDelete(ctx, item.ID)
					continue
				}

				if requeueErr := q.Enqueue(ctx, task); requeueErr != nil {
					_ = q.sendToDLQ(ctx, task, item, fmt.Sprintf("requeue failed: %v", requeueErr))
				}
				_ = q.ackAndDelete(ctx, item.ID)
			}
		}
	}
}

func (q *StreamsQueue) ensureGroup(ctx context.Context) error {
	err := q.client.XGroupCreateMkStream(ctx, q.stream, q.group, "$").Err()
	if err == nil {
		return nil
	}
	if strings.Contains(err.Error(), "BUSYGROUP") {
		return nil
	}
	return fmt.Errorf("ensure stream group: %w", err)
}

func (q *StreamsQueue) ackAndDelete(ctx context.Context, streamID string) error {
	if err := q.client.XAck(ctx, q.stream, q.group, streamID).Err(); err != nil {
		return fmt.Errorf("xack: %w", err)
	}
	if err := q.client.XDel(ctx, q.stream, streamID).Err(); err != nil {
		return fmt.Errorf("xdel: %w", err)
	}
	return nil
}

func (q *StreamsQueue) sendToDLQ(ctx context.Context, task domain.PipelineTask, item redis.XMessage, errorMessage string) error {
	values := taskValues(task)
	values["stream_id"] = item.ID
	values["error"] = errorMessage
	values["moved_at"] = time.Now().UTC().Format(time.RFC3339Nano)
	if _, err := q.client.XAdd(ctx, &redis.XAddArgs{Stream: q.dlqStream, Values: values}).Result(); err != nil {
		return fmt.Errorf("send to dlq: %w", err)
	}
	return nil
}

func taskValues(task domain.PipelineTask) map[string]any {
	return map[string]any{
		"task_id":         task.ID,
		"kind":            string(task.Kind),
		"ticket_id":       task.TicketID,
		"organization_id": task.OrganizationID,
		"ticket_version":  task.TicketVersion,
		"attempt":         task.Attempt,
		"enqueued_at":     task.EnqueuedAt.Format(time.RFC3339Nano),
	}
}

func parseStreamTask(item redis.XMessage) (domain.PipelineTask, error) {
	getString := func(key string) (string, error) {
		value, ok := item.Values[key]
		if !ok {
			return "", fmt.Errorf("missing field %s", key)
		}
		switch casted := value.(type) {
		case string:
			return casted, nil
		case []byte:
			return string(casted), nil
		default:
			return fmt.Sprintf("%v", casted), nil
		}
	}

	taskID, err := getString("task_id")
	if err != nil {
		return domain.PipelineTask{}, err
	}
	kindValue, err := getString("kind")
	if err != nil {
		return domain.PipelineTask{}, err
	}
	ticketID, err := getString("ticket_id")
	if err != nil {
		return domain.PipelineTask{}, err
	}
	orgID, err := getString("organization_id")
	if err != nil {
		return domain.PipelineTask{}, err
	}

	versionString, err := getString("ticket_version")
	if err != nil {
		return domain.PipelineTask{}, err
	}
	version, err := strconv.ParseInt(versionString, 10, 64)
	if err != nil {
		return domain.PipelineTask{}, fmt.Errorf("invalid ticket_version: %w", err)
	}

	attemptString, err := getString("attempt")
	if err != nil {
		return domain.PipelineTask{}, err
	}
	attempt, err := strconv.Atoi(attemptString)
	if err != nil {
		return domain.PipelineTask{}, fmt.Errorf("invalid attempt: %w", err)
	}

	enqueuedAtString, err := getString("enqueued_at")
	if err != nil {
		return domain.PipelineTask{}, err
	}
	enqueuedAt, err := time.Parse(time.RFC3339Nano, enqueuedAtString)
	if err != nil {
		return domain.PipelineTask{}, fmt.Errorf("invalid enqueued_at: %w", err)
	}

	return domain.PipelineTask{
		ID:             taskID,
		Kind:           domain.TaskKind(kindValue),
		TicketID:       ticketID,
		OrganizationID: orgID,
		TicketVersion:  version,
		Attempt:        attempt,
		EnqueuedAt:     enqueuedAt,
	}, nil
}

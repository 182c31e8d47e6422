package domain

import (
	"fmt"
	"time"
)

// TaskKind enumerates pipeline stages carried over the queue.
type TaskKind string

const (
	TaskClassify    TaskKind = "CLASSIFY"
	TaskAutoResolve TaskKind = "AUTO_RESOLVE"
	TaskAssignAgent TaskKind = "ASSIGN_AGENT"
	TaskEscalate    TaskKind = "ESCALATE"
)

// PipelineTask is the unit of work between pipeline stages. The queue
// delivers at least once; TicketVersion pins the ticket state the task was
// enqueued against so redeliveries and stale tasks no-op on version mismatch.
type PipelineTask struct {
	ID             string
	Kind           TaskKind
	TicketID       string
	OrganizationID string
	TicketVersion  int64
	Attempt        int
	EnqueuedAt     time.Time
}

// IdempotencyKey identifies the logical execution of a task. Retries keep
// the key so a stage is never double-applied for the same ticket version.
func (t PipelineTask) IdempotencyKey() string {
	return fmt.Sprintf("%s|%s|%d", t.TicketID, t.Kind, t.TicketVersion)
}

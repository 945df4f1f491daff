package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/deepnoodle-ai/stride"
)

// RunStatus is the lifecycle state of a whole run.
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusAborted   RunStatus = "aborted"
)

// RunSnapshot is the full serializable state of a run: enough to inspect what
// happened or to resume reading where the event log left off.
type RunSnapshot struct {
	ID           string    `json:"id"`
	PlanID       string    `json:"plan_id"`
	PlanName     string    `json:"plan_name"`
	Status       RunStatus `json:"status"`
	StartedAt    time.Time `json:"started_at"`
	FinishedAt   time.Time `json:"finished_at,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
	LastEventSeq int64     `json:"last_event_seq"`

	Inputs         map[string]any                  `json:"inputs,omitempty"`
	Plan           *stride.ExecutionPlan           `json:"plan"`
	PlanHistory    []*stride.ExecutionPlan         `json:"plan_history,omitempty"`
	Bindings       *stride.BindingPlan             `json:"bindings,omitempty"`
	State          *stride.State                   `json:"state,omitempty"`
	StepExecutions []*stride.StepExecution         `json:"step_executions,omitempty"`
	Checkpoints    []*stride.ConsistencyCheckpoint `json:"checkpoints,omitempty"`
	Violations     []*stride.ConsistencyViolation  `json:"violations,omitempty"`
	Patterns       []*stride.ExecutionPattern      `json:"patterns,omitempty"`
	Replans        []*stride.ReplanDecision        `json:"replans,omitempty"`
	Error          string                          `json:"error,omitempty"`
}

// RunFilter narrows ListRuns results. Zero values match everything.
type RunFilter struct {
	Status   *RunStatus `json:"status,omitempty"`
	PlanName *string    `json:"plan_name,omitempty"`
	Limit    int        `json:"limit,omitempty"`
	Offset   int        `json:"offset,omitempty"`
}

// Validate checks the filter's pagination fields.
func (f *RunFilter) Validate() error {
	if f.Limit < 0 {
		return fmt.Errorf("limit cannot be negative")
	}
	if f.Offset < 0 {
		return fmt.Errorf("offset cannot be negative")
	}
	return nil
}

// RunStore persists run events and snapshots.
type RunStore interface {
	// AppendEvents appends events to the run's event log.
	AppendEvents(ctx context.Context, events []*RunEvent) error

	// Events returns a run's events with sequence >= fromSeq, in order.
	Events(ctx context.Context, runID string, fromSeq int64) ([]*RunEvent, error)

	// SaveSnapshot atomically replaces the run's snapshot.
	SaveSnapshot(ctx context.Context, snapshot *RunSnapshot) error

	// Snapshot returns the run's latest snapshot.
	Snapshot(ctx context.Context, runID string) (*RunSnapshot, error)

	// ListRuns returns snapshots matching the filter, newest first.
	ListRuns(ctx context.Context, filter RunFilter) ([]*RunSnapshot, error)

	// DeleteRun removes all stored data for a run.
	DeleteRun(ctx context.Context, runID string) error
}

// NullRunStore discards everything. It is the default store, so runs work
// with no persistence configured.
type NullRunStore struct{}

func NewNullRunStore() *NullRunStore {
	return &NullRunStore{}
}

func (s *NullRunStore) AppendEvents(ctx context.Context, events []*RunEvent) error {
	return nil
}

func (s *NullRunStore) Events(ctx context.Context, runID string, fromSeq int64) ([]*RunEvent, error) {
	return []*RunEvent{}, nil
}

func (s *NullRunStore) SaveSnapshot(ctx context.Context, snapshot *RunSnapshot) error {
	return nil
}

func (s *NullRunStore) Snapshot(ctx context.Context, runID string) (*RunSnapshot, error) {
	return nil, fmt.Errorf("snapshot not found for run %s", runID)
}

func (s *NullRunStore) ListRuns(ctx context.Context, filter RunFilter) ([]*RunSnapshot, error) {
	return []*RunSnapshot{}, nil
}

func (s *NullRunStore) DeleteRun(ctx context.Context, runID string) error {
	return nil
}

var _ RunStore = &NullRunStore{}

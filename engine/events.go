package engine

import (
	"context"
	"time"

	"github.com/deepnoodle-ai/stride/internal/random"
	"github.com/deepnoodle-ai/stride/slogger"
)

// RunEventType names one entry in a run's audit trail.
type RunEventType string

const (
	EventRunStarted           RunEventType = "run.started"
	EventRunCompleted         RunEventType = "run.completed"
	EventStepStarted          RunEventType = "step.started"
	EventStepRetrying         RunEventType = "step.retrying"
	EventStepSucceeded        RunEventType = "step.succeeded"
	EventStepFailed           RunEventType = "step.failed"
	EventStepEscalated        RunEventType = "step.escalated"
	EventStepSkipped          RunEventType = "step.skipped"
	EventStepAborted          RunEventType = "step.aborted"
	EventCheckpointRegistered RunEventType = "checkpoint.registered"
	EventViolationDetected    RunEventType = "violation.detected"
	EventConsistencyDegraded  RunEventType = "consistency.check_failed"
	EventReplanTriggered      RunEventType = "replan.triggered"
	EventReplanCompleted      RunEventType = "replan.completed"
)

// RunEvent is a single audit record appended to a run's event log. Sequence
// numbers start at 1 and increase by one per event within a run.
type RunEvent struct {
	ID        string         `json:"id"`
	RunID     string         `json:"run_id"`
	Sequence  int64          `json:"sequence"`
	Timestamp time.Time      `json:"timestamp"`
	Type      RunEventType   `json:"type"`
	StepID    int            `json:"step_id,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
}

// DefaultEventBatchSize is the number of events buffered before a flush.
const DefaultEventBatchSize = 10

// recorder buffers run events and writes them to the store in batches. Store
// failures are logged and swallowed: the audit trail must never take down a
// run. Used only from the engine's apply loop, so no locking.
type recorder struct {
	store     RunStore
	runID     string
	batchSize int
	logger    slogger.Logger
	sequence  int64
	buffer    []*RunEvent
}

func newRecorder(store RunStore, runID string, batchSize int, logger slogger.Logger) *recorder {
	if batchSize <= 0 {
		batchSize = DefaultEventBatchSize
	}
	return &recorder{
		store:     store,
		runID:     runID,
		batchSize: batchSize,
		logger:    logger,
	}
}

// Record appends one event to the buffer, flushing when the batch is full.
// A zero stepID marks a run-level event.
func (r *recorder) Record(ctx context.Context, eventType RunEventType, stepID int, data map[string]any) {
	r.sequence++
	r.buffer = append(r.buffer, &RunEvent{
		ID:        random.NewID("evt"),
		RunID:     r.runID,
		Sequence:  r.sequence,
		Timestamp: time.Now().UTC(),
		Type:      eventType,
		StepID:    stepID,
		Data:      data,
	})
	if len(r.buffer) >= r.batchSize {
		r.Flush(ctx)
	}
}

// Flush writes all buffered events to the store.
func (r *recorder) Flush(ctx context.Context) {
	if len(r.buffer) == 0 {
		return
	}
	if err := r.store.AppendEvents(ctx, r.buffer); err != nil {
		r.logger.Warn("failed to append run events", "run_id", r.runID,
			"events", len(r.buffer), "error", err)
	}
	r.buffer = r.buffer[:0]
}

// LastSequence returns the sequence number of the most recently recorded event.
func (r *recorder) LastSequence() int64 {
	return r.sequence
}

package stride

import "time"

// Sliding-window defaults for pattern detection.
const (
	DefaultWindowSize           = 5
	DefaultRepeatedFailureCount = 3
)

// StepStatus is the lifecycle state of a step within a run.
type StepStatus string

const (
	StepStatusPending   StepStatus = "pending"
	StepStatusRunning   StepStatus = "running"
	StepStatusSucceeded StepStatus = "succeeded"
	StepStatusFailed    StepStatus = "failed"
	StepStatusRetrying  StepStatus = "retrying"
	StepStatusEscalated StepStatus = "escalated"
	StepStatusSkipped   StepStatus = "skipped"
	StepStatusAborted   StepStatus = "aborted"
)

// IsValid returns true for a known step status.
func (s StepStatus) IsValid() bool {
	switch s {
	case StepStatusPending, StepStatusRunning, StepStatusSucceeded,
		StepStatusFailed, StepStatusRetrying, StepStatusEscalated,
		StepStatusSkipped, StepStatusAborted:
		return true
	}
	return false
}

// IsTerminal reports whether the status ends the step's lifecycle.
func (s StepStatus) IsTerminal() bool {
	switch s {
	case StepStatusSucceeded, StepStatusFailed, StepStatusEscalated,
		StepStatusSkipped, StepStatusAborted:
		return true
	}
	return false
}

// StepExecution is the serializable runtime record for one step.
type StepExecution struct {
	StepID     int        `json:"step_id"`
	Status     StepStatus `json:"status"`
	Attempts   int        `json:"attempts"`
	Error      string     `json:"error,omitempty"`
	StartedAt  time.Time  `json:"started_at,omitempty"`
	FinishedAt time.Time  `json:"finished_at,omitempty"`
}

// Copy returns a shallow copy (all fields are values).
func (e *StepExecution) Copy() *StepExecution {
	dup := *e
	return &dup
}

// PatternType names a pathological execution pattern detected over the
// sliding outcome window.
type PatternType string

const (
	PatternRepeatedFailure PatternType = "REPEATED_FAILURE"
	PatternLoop            PatternType = "LOOP"
	PatternStall           PatternType = "STALL"
)

// IsValid returns true for a known pattern type.
func (t PatternType) IsValid() bool {
	switch t {
	case PatternRepeatedFailure, PatternLoop, PatternStall:
		return true
	}
	return false
}

// ExecutionPattern describes one detected pattern: what was detected, the
// human-readable evidence, and the inclusive step ID range it spans.
type ExecutionPattern struct {
	Type      PatternType `json:"type"`
	Evidence  string      `json:"evidence"`
	StepRange [2]int      `json:"step_range"`
}

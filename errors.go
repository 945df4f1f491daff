package stride

import "fmt"

// ParameterResolutionError indicates a step parameter could not be resolved
// to a value, after bindings, fallbacks, and validation were exhausted.
type ParameterResolutionError struct {
	StepID    int
	Parameter string
	Reason    string
	Err       error
}

func (e *ParameterResolutionError) Error() string {
	msg := fmt.Sprintf("failed to resolve parameter %q for step %d", e.Parameter, e.StepID)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ParameterResolutionError) Unwrap() error {
	return e.Err
}

// ToolExecutionError wraps a tool failure with its step and attempt context.
type ToolExecutionError struct {
	StepID  int
	Tool    string
	Attempt int
	Err     error
}

func (e *ToolExecutionError) Error() string {
	return fmt.Sprintf("tool %q failed on step %d (attempt %d): %v",
		e.Tool, e.StepID, e.Attempt, e.Err)
}

func (e *ToolExecutionError) Unwrap() error {
	return e.Err
}

// ReasonerError wraps a failed reasoner call. Timeout and Malformed classify
// the failure so callers can decide between retry and fail-open handling.
type ReasonerError struct {
	Op        string
	Timeout   bool
	Malformed bool
	Err       error
}

func (e *ReasonerError) Error() string {
	switch {
	case e.Timeout:
		return fmt.Sprintf("reasoner %s timed out: %v", e.Op, e.Err)
	case e.Malformed:
		return fmt.Sprintf("reasoner %s returned malformed output: %v", e.Op, e.Err)
	default:
		return fmt.Sprintf("reasoner %s failed: %v", e.Op, e.Err)
	}
}

func (e *ReasonerError) Unwrap() error {
	return e.Err
}

// ConsistencyCheckError indicates checkpoint registration or a consistency
// comparison failed. It is recorded but never blocks execution.
type ConsistencyCheckError struct {
	StepID int
	Err    error
}

func (e *ConsistencyCheckError) Error() string {
	return fmt.Sprintf("consistency check failed for step %d: %v", e.StepID, e.Err)
}

func (e *ConsistencyCheckError) Unwrap() error {
	return e.Err
}

// ReplanExhaustedError terminates a run whose replan budget is spent while
// replan triggers keep firing.
type ReplanExhaustedError struct {
	Replans int
	Trigger string
}

func (e *ReplanExhaustedError) Error() string {
	return fmt.Sprintf("replan limit reached after %d replans (trigger: %s)",
		e.Replans, e.Trigger)
}

// IterationLimitExceededError terminates a run that exceeded its global
// iteration cap.
type IterationLimitExceededError struct {
	Limit int
}

func (e *IterationLimitExceededError) Error() string {
	return fmt.Sprintf("iteration limit of %d exceeded", e.Limit)
}

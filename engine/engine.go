// Package engine executes plans step by step: it resolves parameters from run
// state, drives tools through their recovery strategies, tracks artifact
// consistency, and replans when execution goes off course.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/deepnoodle-ai/stride"
	"github.com/deepnoodle-ai/stride/internal/random"
	"github.com/deepnoodle-ai/stride/memory"
	"github.com/deepnoodle-ai/stride/planner"
	"github.com/deepnoodle-ai/stride/reasoner"
	"github.com/deepnoodle-ai/stride/slogger"
)

// DefaultIterationLimit bounds step dispatches per run, so pathological
// replanning cannot loop forever.
const DefaultIterationLimit = 100

// DefaultWorkerCount is the execution width. One worker means strictly
// sequential execution in plan order.
const DefaultWorkerCount = 1

// Options configures an Engine.
type Options struct {
	// Registry supplies tools and their orchestration configs. Required.
	Registry *stride.Registry

	// Reasoner handles parameter inference, artifact comparison, recovery
	// suggestions, and replanning. Optional: without it the engine still runs
	// fully-bound plans, but inference falls back to errors and replan
	// triggers become terminal.
	Reasoner reasoner.Reasoner

	// Memory is consulted for historical recovery fixes before the reasoner.
	Memory memory.Store

	// RunStore persists run events and snapshots. Defaults to NullRunStore.
	RunStore RunStore

	Logger slogger.Logger

	// WorkerCount is the maximum number of concurrently running steps.
	// Defaults to DefaultWorkerCount.
	WorkerCount int

	// IterationLimit caps step dispatches per run. Defaults to
	// DefaultIterationLimit.
	IterationLimit int

	// MaxReplans caps replans per run. Defaults to stride.DefaultMaxReplans.
	MaxReplans int

	// WindowSize is the sliding outcome window size for pattern detection.
	WindowSize int

	// RepeatedFailureCount is the repeated-failure detection threshold.
	RepeatedFailureCount int

	// ReplanTriggers lists the pattern types that trigger a replan. Defaults
	// to all known patterns.
	ReplanTriggers []stride.PatternType

	// PeriodicReplanInterval triggers a review replan every N successful
	// steps. Zero disables periodic replans.
	PeriodicReplanInterval int

	// ConfidenceThreshold for accepting planned bindings at resolution time.
	// Defaults to stride.DefaultConfidenceThreshold.
	ConfidenceThreshold float64

	// MemoryAcceptScore is the minimum candidate score at which a historical
	// fix is applied without consulting the reasoner. Defaults to
	// DefaultMemoryAcceptScore.
	MemoryAcceptScore float64

	// StepTimeout bounds each tool invocation. Zero means no timeout.
	StepTimeout time.Duration

	// EventBatchSize is the event buffer size before a store flush.
	EventBatchSize int
}

// Engine runs execution plans. Safe for concurrent use; each Execute call
// owns its run state.
type Engine struct {
	registry               *stride.Registry
	reasoner               reasoner.Reasoner
	memory                 memory.Store
	runStore               RunStore
	planner                *planner.BindingPlanner
	logger                 slogger.Logger
	workerCount            int
	iterationLimit         int
	maxReplans             int
	windowSize             int
	repeatedFailureCount   int
	replanTriggers         []stride.PatternType
	periodicReplanInterval int
	threshold              float64
	memoryAcceptScore      float64
	stepTimeout            time.Duration
	eventBatchSize         int
}

// New creates an Engine.
func New(opts Options) (*Engine, error) {
	if opts.Registry == nil {
		return nil, fmt.Errorf("tool registry is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slogger.DefaultLogger
	}
	threshold := opts.ConfidenceThreshold
	if threshold <= 0 {
		threshold = stride.DefaultConfidenceThreshold
	}
	bindingPlanner, err := planner.New(planner.Options{
		Registry:            opts.Registry,
		Reasoner:            opts.Reasoner,
		ConfidenceThreshold: threshold,
		Logger:              logger,
	})
	if err != nil {
		return nil, err
	}
	workerCount := opts.WorkerCount
	if workerCount <= 0 {
		workerCount = DefaultWorkerCount
	}
	iterationLimit := opts.IterationLimit
	if iterationLimit <= 0 {
		iterationLimit = DefaultIterationLimit
	}
	maxReplans := opts.MaxReplans
	if maxReplans <= 0 {
		maxReplans = stride.DefaultMaxReplans
	}
	runStore := opts.RunStore
	if runStore == nil {
		runStore = NewNullRunStore()
	}
	triggers := opts.ReplanTriggers
	if triggers == nil {
		triggers = []stride.PatternType{
			stride.PatternRepeatedFailure,
			stride.PatternLoop,
			stride.PatternStall,
		}
	}
	return &Engine{
		registry:               opts.Registry,
		reasoner:               opts.Reasoner,
		memory:                 opts.Memory,
		runStore:               runStore,
		planner:                bindingPlanner,
		logger:                 logger,
		workerCount:            workerCount,
		iterationLimit:         iterationLimit,
		maxReplans:             maxReplans,
		windowSize:             opts.WindowSize,
		repeatedFailureCount:   opts.RepeatedFailureCount,
		replanTriggers:         triggers,
		periodicReplanInterval: opts.PeriodicReplanInterval,
		threshold:              threshold,
		memoryAcceptScore:      opts.MemoryAcceptScore,
		stepTimeout:            opts.StepTimeout,
		eventBatchSize:         opts.EventBatchSize,
	}, nil
}

// Planner returns the engine's binding planner.
func (e *Engine) Planner() *planner.BindingPlanner {
	return e.planner
}

// RunResult is the terminal outcome of one run. Partial results are always
// present: every succeeded step's output survives a terminal failure.
type RunResult struct {
	RunID          string                          `json:"run_id"`
	Status         RunStatus                       `json:"status"`
	Plan           *stride.ExecutionPlan           `json:"plan"`
	PlanHistory    []*stride.ExecutionPlan         `json:"plan_history,omitempty"`
	Bindings       *stride.BindingPlan             `json:"bindings,omitempty"`
	State          *stride.State                   `json:"state"`
	StepExecutions []*stride.StepExecution         `json:"step_executions"`
	Outputs        map[string]any                  `json:"outputs,omitempty"`
	Checkpoints    []*stride.ConsistencyCheckpoint `json:"checkpoints,omitempty"`
	Violations     []*stride.ConsistencyViolation  `json:"violations,omitempty"`
	Patterns       []*stride.ExecutionPattern      `json:"patterns,omitempty"`
	Replans        []*stride.ReplanDecision        `json:"replans,omitempty"`
	Error          string                          `json:"error,omitempty"`
	StartedAt      time.Time                       `json:"started_at"`
	FinishedAt     time.Time                       `json:"finished_at"`
}

// Execute runs the plan to completion. A nil bindingPlan is generated from the
// plan and inputs first. The returned RunResult is non-nil even when the run
// ends in a terminal error.
func (e *Engine) Execute(ctx context.Context, plan *stride.ExecutionPlan, bindingPlan *stride.BindingPlan, inputs map[string]any) (*RunResult, error) {
	if plan == nil {
		return nil, fmt.Errorf("plan is required")
	}
	if err := plan.Validate(); err != nil {
		return nil, err
	}
	if bindingPlan == nil {
		generated, err := e.planner.PlanBindings(ctx, plan, inputs)
		if err != nil {
			return nil, fmt.Errorf("binding plan: %w", err)
		}
		bindingPlan = generated
	} else if err := bindingPlan.Validate(plan); err != nil {
		return nil, fmt.Errorf("binding plan: %w", err)
	}

	runID := random.NewID("run")
	logger := e.logger.With("run_id", runID)
	state := stride.NewState(inputs)
	state.SetControl(stride.ControlState{
		IterationLimit: e.iterationLimit,
		MaxReplans:     e.maxReplans,
	})

	r := &run{
		engine:      e,
		id:          runID,
		goal:        plan.Name,
		plan:        plan.Copy(),
		bindings:    bindingPlan.Copy(),
		state:       state,
		executions:  make(map[int]*stride.StepExecution),
		steps:       make(map[int]*stride.Step),
		window:      newWindow(e.windowSize, e.repeatedFailureCount),
		consistency: newConsistencyManager(e.reasoner, logger),
		recovery:    newRecoveryManager(e.memory, e.reasoner, e.memoryAcceptScore, logger),
		replans: newReplanManager(e.reasoner, e.planner, e.registry, e.replanTriggers,
			e.periodicReplanInterval, e.maxReplans, logger),
		recorder:  newRecorder(e.runStore, runID, e.eventBatchSize, logger),
		updates:   make(chan stepUpdate, e.workerCount),
		startedAt: time.Now().UTC(),
		logger:    logger,
	}
	r.resolver = &resolver{
		registry: e.registry,
		reasoner: e.reasoner,
		state:    state,
		logger:   logger,
	}

	logger.Info("run started", "plan_id", r.plan.ID, "plan_name", r.plan.Name,
		"plan_version", r.plan.Version, "steps", len(r.plan.Steps))
	r.recorder.Record(ctx, EventRunStarted, 0, map[string]any{
		"plan_id":      r.plan.ID,
		"plan_name":    r.plan.Name,
		"plan_version": r.plan.Version,
		"steps":        len(r.plan.Steps),
	})
	r.saveSnapshot(ctx, RunStatusRunning, nil)

	runErr := r.loop(ctx)

	status := RunStatusCompleted
	switch {
	case r.aborted:
		status = RunStatusAborted
	case runErr != nil:
		status = RunStatusFailed
	}
	finishedAt := time.Now().UTC()
	eventData := map[string]any{"status": string(status)}
	if runErr != nil {
		eventData["error"] = runErr.Error()
	}
	r.recorder.Record(ctx, EventRunCompleted, 0, eventData)
	r.finishedAt = finishedAt
	r.saveSnapshot(ctx, status, runErr)
	logger.Info("run finished", "status", status,
		"duration", finishedAt.Sub(r.startedAt).String())

	return r.result(status, runErr), runErr
}

// stepUpdate is one message from a step worker to the apply loop. Retrying
// updates report a failed attempt that will be retried; any terminal status
// ends the step.
type stepUpdate struct {
	StepID  int
	Status  stride.StepStatus
	Attempt int
	Tool    string
	Args    map[string]any
	Result  *stride.ToolResult
	Err     error
}

// run is the mutable state of one Execute call. Only the apply loop touches
// these fields after the workers start; workers communicate via the updates
// channel and read only the immutable engine config and the locked State.
type run struct {
	engine      *Engine
	id          string
	goal        string
	plan        *stride.ExecutionPlan
	bindings    *stride.BindingPlan
	state       *stride.State
	resolver    *resolver
	executions  map[int]*stride.StepExecution
	order       []int
	steps       map[int]*stride.Step
	window      *window
	consistency *consistencyManager
	recovery    *recoveryManager
	replans     *replanManager
	recorder    *recorder
	patterns    []*stride.ExecutionPattern
	planHistory []*stride.ExecutionPlan

	running              int
	successesSinceReplan int
	failure              error
	aborted              bool
	startedAt            time.Time
	finishedAt           time.Time
	logger               slogger.Logger
}

// loop is the engine's apply loop: the single writer of run state. It
// dispatches ready steps to workers and serializes every state mutation
// through the updates channel. Cancellation stops dispatch and drains the
// in-flight workers before returning.
func (r *run) loop(ctx context.Context) error {
	done := ctx.Done()
	for {
		if r.failure == nil && !r.aborted {
			if err := r.dispatchReady(ctx); err != nil {
				r.failure = err
			}
		}
		if r.running == 0 {
			if r.aborted {
				return ctx.Err()
			}
			if r.failure != nil {
				return r.failure
			}
			remaining := r.remaining()
			if remaining == 0 {
				return nil
			}
			return fmt.Errorf("no runnable steps remain (%d unfinished)", remaining)
		}
		select {
		case <-done:
			r.aborted = true
			done = nil
		case update := <-r.updates:
			r.apply(ctx, update)
		}
	}
}

// dispatchReady starts workers for every ready step up to the worker budget.
// Each dispatch consumes one iteration from the run's global budget.
func (r *run) dispatchReady(ctx context.Context) error {
	for r.running < r.engine.workerCount {
		step := r.nextReady()
		if step == nil {
			return nil
		}
		iteration := r.state.IncrementIteration()
		if limit := r.engine.iterationLimit; limit > 0 && iteration > limit {
			return &stride.IterationLimitExceededError{Limit: limit}
		}

		dispatched := step.Copy()
		r.steps[step.ID] = dispatched
		r.executions[step.ID] = &stride.StepExecution{
			StepID:    step.ID,
			Status:    stride.StepStatusRunning,
			StartedAt: time.Now().UTC(),
		}
		r.order = append(r.order, step.ID)
		r.recorder.Record(ctx, EventStepStarted, step.ID, map[string]any{
			"name": step.Name,
			"tool": step.ToolName,
		})
		r.logger.Info("step started", "step_id", step.ID, "name", step.Name,
			"tool", step.ToolName, "iteration", iteration)

		var entry *stride.StepBindings
		if found, ok := r.bindings.ForStep(step.ID); ok {
			entry = found.Copy()
		}
		r.running++
		go r.executeStep(ctx, dispatched, entry)
	}
	return nil
}

// nextReady returns the first undispatched plan step whose step-output
// dependencies have all reached a terminal state.
func (r *run) nextReady() *stride.Step {
	for _, step := range r.plan.Steps {
		if _, dispatched := r.executions[step.ID]; dispatched {
			continue
		}
		if r.depsSatisfied(step) {
			return step
		}
	}
	return nil
}

// depsSatisfied reports whether every STEP_OUTPUT binding of the step refers
// to a step that already finished. References to steps absent from both the
// plan and the execution record resolve through the binding's fallback policy
// instead of blocking dispatch forever.
func (r *run) depsSatisfied(step *stride.Step) bool {
	entry, ok := r.bindings.ForStep(step.ID)
	if !ok {
		return true
	}
	for _, binding := range entry.Bindings {
		if binding == nil || binding.SourceType != stride.SourceTypeStepOutput {
			continue
		}
		refID, _, err := stride.ParseStepOutputRef(binding.Source)
		if err != nil {
			continue
		}
		if execution, dispatched := r.executions[refID]; dispatched {
			if !execution.Status.IsTerminal() {
				return false
			}
			continue
		}
		if _, inPlan := r.plan.Step(refID); inPlan {
			return false
		}
	}
	return true
}

// remaining counts plan steps that have not reached a terminal state.
func (r *run) remaining() int {
	count := 0
	for _, step := range r.plan.Steps {
		execution, ok := r.executions[step.ID]
		if !ok || !execution.Status.IsTerminal() {
			count++
		}
	}
	return count
}

// apply handles one worker update on the apply loop.
func (r *run) apply(ctx context.Context, update stepUpdate) {
	execution, ok := r.executions[update.StepID]
	if !ok {
		r.logger.Warn("update for unknown step", "step_id", update.StepID)
		return
	}
	step := r.steps[update.StepID]

	if update.Status == stride.StepStatusRetrying {
		execution.Status = stride.StepStatusRetrying
		execution.Attempts = update.Attempt
		errText := errorText(update.Err)
		execution.Error = errText
		signature := callSignature(update.Tool, update.Args)
		r.window.Record(stepOutcome{
			StepID:    update.StepID,
			Tool:      update.Tool,
			Signature: signature,
			Status:    stride.StepStatusFailed,
			Error:     errText,
		})
		r.recorder.Record(ctx, EventStepRetrying, update.StepID, map[string]any{
			"tool":      update.Tool,
			"attempt":   update.Attempt,
			"error":     errText,
			"signature": signature,
		})
		r.logger.Warn("step attempt failed; retrying", "step_id", update.StepID,
			"tool", update.Tool, "attempt", update.Attempt, "error", errText)
		return
	}

	r.running--
	execution.Attempts = update.Attempt
	execution.FinishedAt = time.Now().UTC()

	switch update.Status {
	case stride.StepStatusSucceeded:
		r.applySucceeded(ctx, step, execution, update)
	case stride.StepStatusFailed:
		r.applyFailed(ctx, step, execution, update)
	case stride.StepStatusSkipped:
		execution.Status = stride.StepStatusSkipped
		execution.Error = errorText(update.Err)
		r.recorder.Record(ctx, EventStepSkipped, step.ID, map[string]any{
			"tool":  update.Tool,
			"error": execution.Error,
		})
		r.logger.Info("step skipped", "step_id", step.ID, "tool", update.Tool,
			"error", execution.Error)
		r.window.Record(stepOutcome{
			StepID:    step.ID,
			Tool:      update.Tool,
			Signature: callSignature(update.Tool, update.Args),
			Status:    stride.StepStatusSkipped,
			Error:     execution.Error,
		})
		r.evaluateReplan(ctx, step, execution, update, nil)
	case stride.StepStatusEscalated:
		execution.Status = stride.StepStatusEscalated
		execution.Error = errorText(update.Err)
		r.recorder.Record(ctx, EventStepEscalated, step.ID, map[string]any{
			"tool":  update.Tool,
			"error": execution.Error,
		})
		r.logger.Error("step escalated", "step_id", step.ID, "tool", update.Tool,
			"error", execution.Error)
		r.window.Record(stepOutcome{
			StepID:    step.ID,
			Tool:      update.Tool,
			Signature: callSignature(update.Tool, update.Args),
			Status:    stride.StepStatusFailed,
			Error:     execution.Error,
		})
		r.evaluateReplan(ctx, step, execution, update, nil)
	case stride.StepStatusAborted:
		// A worker only aborts when the run context is dead.
		r.aborted = true
		execution.Status = stride.StepStatusAborted
		execution.Error = errorText(update.Err)
		r.recorder.Record(ctx, EventStepAborted, step.ID, map[string]any{
			"tool":  update.Tool,
			"error": execution.Error,
		})
	default:
		r.logger.Warn("unexpected step update status", "step_id", step.ID,
			"status", update.Status)
	}

	r.saveSnapshot(ctx, RunStatusRunning, nil)
}

// applySucceeded records the step output, then runs the consistency phase:
// the proposed artifact is checked against prior checkpoints before its own
// checkpoint is registered. A blocking violation demotes the step to
// ESCALATED, suppresses its checkpoint, and routes into replan evaluation;
// the raw output stays in state for the audit trail but the step no longer
// counts as succeeded.
func (r *run) applySucceeded(ctx context.Context, step *stride.Step, execution *stride.StepExecution, update stepUpdate) {
	var output map[string]any
	if update.Result != nil {
		output = update.Result.Output
	}
	if err := r.state.SetStepOutput(step.ID, update.Tool, output); err != nil {
		r.logger.Warn("failed to record step output", "step_id", step.ID, "error", err)
	}
	execution.Status = stride.StepStatusSucceeded
	execution.Error = ""
	signature := callSignature(update.Tool, update.Args)
	r.window.Record(stepOutcome{
		StepID:    step.ID,
		Tool:      update.Tool,
		Signature: signature,
		Status:    stride.StepStatusSucceeded,
	})
	r.recorder.Record(ctx, EventStepSucceeded, step.ID, map[string]any{
		"tool":      update.Tool,
		"attempt":   update.Attempt,
		"signature": signature,
	})
	r.logger.Info("step succeeded", "step_id", step.ID, "tool", update.Tool,
		"attempt", update.Attempt)

	blocking := r.consistencyPhase(ctx, step, update)
	if len(blocking) > 0 {
		execution.Status = stride.StepStatusEscalated
		execution.Error = blocking[0].Description
		r.recorder.Record(ctx, EventStepEscalated, step.ID, map[string]any{
			"tool":  update.Tool,
			"error": execution.Error,
		})
		r.logger.Error("step escalated on critical violation", "step_id", step.ID,
			"violation", blocking[0].ViolationType, "description", blocking[0].Description)
	} else {
		r.successesSinceReplan++
	}
	r.evaluateReplan(ctx, step, execution, update, blocking)
}

// consistencyPhase checks the step's artifact against prior checkpoints and,
// when clean, registers the new checkpoint. Returns the blocking violations.
// Only applies to steps flagged high-impact or whose tool requires checks.
func (r *run) consistencyPhase(ctx context.Context, step *stride.Step, update stepUpdate) []*stride.ConsistencyViolation {
	if update.Result == nil || update.Result.Artifact == nil {
		return nil
	}
	config := r.config(update.Tool)
	if !step.HighImpact && !config.RequiresConsistencyCheck {
		return nil
	}
	artifact := update.Result.Artifact

	violations, err := r.consistency.CheckConsistency(ctx, step, artifact)
	if err != nil {
		// Fail-open: a broken check never blocks the run.
		r.logger.Warn("consistency check failed", "step_id", step.ID, "error", err)
		r.recorder.Record(ctx, EventConsistencyDegraded, step.ID, map[string]any{
			"error": err.Error(),
		})
	}
	var blocking []*stride.ConsistencyViolation
	for _, violation := range violations {
		r.recorder.Record(ctx, EventViolationDetected, step.ID, map[string]any{
			"checkpoint_id":  violation.CheckpointID,
			"violation_type": string(violation.ViolationType),
			"severity":       string(violation.Severity),
			"description":    violation.Description,
		})
		if violation.IsBlocking() {
			blocking = append(blocking, violation)
		}
	}
	if len(blocking) > 0 {
		return blocking
	}

	checkpoint := r.consistency.RegisterCheckpoint(ctx, step, artifact)
	r.recorder.Record(ctx, EventCheckpointRegistered, step.ID, map[string]any{
		"checkpoint_id": checkpoint.ID,
		"artifact_type": string(checkpoint.ArtifactType),
		"artifact":      artifact.Name,
	})
	return nil
}

// applyFailed finalizes a permanently failed step and routes into replan
// evaluation. Without a replan the failure is terminal for the run.
func (r *run) applyFailed(ctx context.Context, step *stride.Step, execution *stride.StepExecution, update stepUpdate) {
	errText := errorText(update.Err)
	execution.Status = stride.StepStatusFailed
	execution.Error = errText
	signature := callSignature(update.Tool, update.Args)
	r.window.Record(stepOutcome{
		StepID:    step.ID,
		Tool:      update.Tool,
		Signature: signature,
		Status:    stride.StepStatusFailed,
		Error:     errText,
	})
	r.recorder.Record(ctx, EventStepFailed, step.ID, map[string]any{
		"tool":      update.Tool,
		"attempts":  update.Attempt,
		"error":     errText,
		"signature": signature,
	})
	r.logger.Error("step failed", "step_id", step.ID, "tool", update.Tool,
		"attempts", update.Attempt, "error", errText)
	r.evaluateReplan(ctx, step, execution, update, nil)
}

// evaluateReplan runs the replan decision for a settled step and applies the
// outcome. A failed or escalated step that triggers no replan fails the run;
// a spent replan budget converts further triggers into ReplanExhaustedError.
func (r *run) evaluateReplan(ctx context.Context, step *stride.Step, execution *stride.StepExecution, update stepUpdate, blocking []*stride.ConsistencyViolation) {
	if r.failure != nil || r.aborted {
		return
	}

	patterns := r.window.Detect()
	r.recordPatterns(patterns)

	signals := replanSignals{
		Violations:           blocking,
		Patterns:             patterns,
		SuccessesSinceReplan: r.successesSinceReplan,
	}
	failed := execution.Status == stride.StepStatusFailed ||
		execution.Status == stride.StepStatusEscalated
	if execution.Status == stride.StepStatusFailed ||
		(execution.Status == stride.StepStatusEscalated && len(blocking) == 0) {
		signals.ToolPolicy = r.config(update.Tool).ReplanPolicy
		signals.ErrorText = execution.Error
	}

	decision, ok := r.replans.ShouldReplan(signals)
	if !ok {
		if failed {
			r.failure = r.stepFailure(step, execution, update)
		}
		return
	}

	r.recorder.Record(ctx, EventReplanTriggered, step.ID, map[string]any{
		"trigger_reason": decision.TriggerReason,
		"mode":           string(decision.Mode),
	})
	r.logger.Info("replan triggered", "step_id", step.ID,
		"trigger", decision.TriggerReason, "mode", decision.Mode)

	newPlan, newBindings, err := r.replans.Replan(ctx, replanRequest{
		Decision:    decision,
		Goal:        r.goal,
		Plan:        r.plan,
		Bindings:    r.bindings,
		State:       r.state,
		Executions:  r.executions,
		Violations:  blocking,
		Constraints: r.consistency.Constraints(),
	})
	if err != nil {
		r.failure = err
		return
	}

	r.planHistory = append(r.planHistory, r.plan)
	r.plan = newPlan
	r.bindings = newBindings
	r.state.IncrementReplanCount()
	r.window.Reset()
	r.successesSinceReplan = 0
	r.recorder.Record(ctx, EventReplanCompleted, 0, map[string]any{
		"trigger_reason": decision.TriggerReason,
		"mode":           string(decision.Mode),
		"plan_version":   newPlan.Version,
		"steps":          len(newPlan.Steps),
	})
	r.logger.Info("replan completed", "mode", decision.Mode,
		"plan_version", newPlan.Version, "steps", len(newPlan.Steps))
	r.saveSnapshot(ctx, RunStatusRunning, nil)
}

// stepFailure builds the run-terminal error for a step that failed with no
// replan path.
func (r *run) stepFailure(step *stride.Step, execution *stride.StepExecution, update stepUpdate) error {
	if update.Err != nil {
		return update.Err
	}
	return fmt.Errorf("step %d (%s) ended %s: %s",
		step.ID, step.Name, execution.Status, execution.Error)
}

// recordPatterns appends newly detected patterns to the run's pattern log,
// skipping exact repeats of already-logged detections.
func (r *run) recordPatterns(patterns []*stride.ExecutionPattern) {
	for _, pattern := range patterns {
		duplicate := false
		for _, logged := range r.patterns {
			if logged.Type == pattern.Type && logged.Evidence == pattern.Evidence &&
				logged.StepRange == pattern.StepRange {
				duplicate = true
				break
			}
		}
		if !duplicate {
			r.patterns = append(r.patterns, pattern)
			r.logger.Warn("execution pattern detected", "type", pattern.Type,
				"evidence", pattern.Evidence)
		}
	}
}

// config returns the registered config for a tool, or an empty config.
func (r *run) config(tool string) *stride.ToolConfig {
	if config, ok := r.engine.registry.Config(tool); ok {
		return config
	}
	return &stride.ToolConfig{}
}

// saveSnapshot flushes buffered events and writes the current run snapshot.
// Persistence problems are logged, never fatal.
func (r *run) saveSnapshot(ctx context.Context, status RunStatus, runErr error) {
	r.recorder.Flush(ctx)
	snapshot := &RunSnapshot{
		ID:             r.id,
		PlanID:         r.plan.ID,
		PlanName:       r.plan.Name,
		Status:         status,
		StartedAt:      r.startedAt,
		FinishedAt:     r.finishedAt,
		LastEventSeq:   r.recorder.LastSequence(),
		Inputs:         r.state.Inputs(),
		Plan:           r.plan.Copy(),
		PlanHistory:    r.copyPlanHistory(),
		Bindings:       r.bindings.Copy(),
		State:          r.state.Copy(),
		StepExecutions: r.stepExecutions(),
		Checkpoints:    r.consistency.Checkpoints(),
		Violations:     r.consistency.Violations(),
		Patterns:       append([]*stride.ExecutionPattern(nil), r.patterns...),
		Replans:        r.replans.Decisions(),
	}
	if runErr != nil {
		snapshot.Error = runErr.Error()
	}
	if err := r.engine.runStore.SaveSnapshot(ctx, snapshot); err != nil {
		r.logger.Warn("failed to save run snapshot", "error", err)
	}
}

func (r *run) copyPlanHistory() []*stride.ExecutionPlan {
	history := make([]*stride.ExecutionPlan, 0, len(r.planHistory))
	for _, plan := range r.planHistory {
		history = append(history, plan.Copy())
	}
	return history
}

// stepExecutions returns the execution records in dispatch order.
func (r *run) stepExecutions() []*stride.StepExecution {
	executions := make([]*stride.StepExecution, 0, len(r.order))
	for _, id := range r.order {
		if execution, ok := r.executions[id]; ok {
			executions = append(executions, execution.Copy())
		}
	}
	return executions
}

// result assembles the terminal RunResult.
func (r *run) result(status RunStatus, runErr error) *RunResult {
	outputs := make(map[string]any)
	for id, execution := range r.executions {
		if execution.Status != stride.StepStatusSucceeded {
			continue
		}
		if output, ok := r.state.StepOutput(id); ok {
			outputs[fmt.Sprintf("step_%d", id)] = output
		}
	}
	result := &RunResult{
		RunID:          r.id,
		Status:         status,
		Plan:           r.plan,
		PlanHistory:    r.planHistory,
		Bindings:       r.bindings,
		State:          r.state,
		StepExecutions: r.stepExecutions(),
		Outputs:        outputs,
		Checkpoints:    r.consistency.Checkpoints(),
		Violations:     r.consistency.Violations(),
		Patterns:       append([]*stride.ExecutionPattern(nil), r.patterns...),
		Replans:        r.replans.Decisions(),
		StartedAt:      r.startedAt,
		FinishedAt:     r.finishedAt,
	}
	if runErr != nil {
		result.Error = runErr.Error()
	}
	return result
}

// executeStep is the worker body for one step. It resolves the step's
// arguments, drives the tool through the recovery pipeline, and reports every
// attempt back to the apply loop. A parameter resolution failure enters the
// same pipeline as a tool failure, so recovery strategies and historical
// fixes apply to both.
func (r *run) executeStep(ctx context.Context, step *stride.Step, entry *stride.StepBindings) {
	attempt := 0
	currentTool := step.ToolName
	tried := map[string]bool{currentTool: true}
	var args map[string]any
	argsResolved := false
	var appliedFix *recoveryFix
	var fixReq fixRequest

	for {
		attempt++
		var failedErr error
		var errText string

		if !argsResolved {
			resolved, err := r.resolver.resolveArguments(ctx, step, entry, r.engine.threshold)
			if err != nil {
				failedErr = err
				errText = err.Error()
			} else {
				args = resolved
				argsResolved = true
			}
		}

		if failedErr == nil {
			tool, ok := r.engine.registry.Tool(currentTool)
			if !ok {
				failedErr = &stride.ToolExecutionError{
					StepID:  step.ID,
					Tool:    currentTool,
					Attempt: attempt,
					Err:     fmt.Errorf("tool %q not registered", currentTool),
				}
				errText = failedErr.Error()
			} else {
				result, err := r.invokeTool(ctx, tool, args)
				switch {
				case err != nil:
					failedErr = &stride.ToolExecutionError{
						StepID:  step.ID,
						Tool:    currentTool,
						Attempt: attempt,
						Err:     err,
					}
					errText = err.Error()
				case result.IsError:
					failedErr = &stride.ToolExecutionError{
						StepID:  step.ID,
						Tool:    currentTool,
						Attempt: attempt,
						Err:     errors.New(result.ErrorMessage),
					}
					errText = result.ErrorMessage
				default:
					if appliedFix != nil && appliedFix.Source != recoverySourceRetry {
						r.recovery.RecordSuccess(ctx, fixReq, args, appliedFix.Confidence)
					}
					r.updates <- stepUpdate{
						StepID:  step.ID,
						Status:  stride.StepStatusSucceeded,
						Attempt: attempt,
						Tool:    currentTool,
						Args:    args,
						Result:  result,
					}
					return
				}
			}
		}

		if ctx.Err() != nil {
			r.updates <- stepUpdate{
				StepID:  step.ID,
				Status:  stride.StepStatusAborted,
				Attempt: attempt,
				Tool:    currentTool,
				Args:    args,
				Err:     ctx.Err(),
			}
			return
		}

		config := r.config(currentTool)
		strategy, matched := config.MatchStrategy(errText)
		if !matched {
			r.terminal(step, stride.StepStatusFailed, attempt, currentTool, args, failedErr)
			return
		}

		switch strategy.Action {
		case stride.RecoverySkip:
			r.terminal(step, stride.StepStatusSkipped, attempt, currentTool, args, failedErr)
			return

		case stride.RecoveryAbort:
			r.terminal(step, stride.StepStatusEscalated, attempt, currentTool, args, failedErr)
			return

		case stride.RecoveryRetryWithFix:
			if attempt >= strategy.Attempts() {
				r.terminal(step, stride.StepStatusFailed, attempt, currentTool, args, failedErr)
				return
			}
			r.updates <- stepUpdate{
				StepID:  step.ID,
				Status:  stride.StepStatusRetrying,
				Attempt: attempt,
				Tool:    currentTool,
				Args:    args,
				Err:     failedErr,
			}
			fixReq = fixRequest{
				StepID:       step.ID,
				Tool:         currentTool,
				Args:         args,
				ErrorType:    classifyErrorType(errText),
				ErrorMessage: errText,
				Attempt:      attempt,
				Alternatives: config.AlternativeTools,
			}
			fix := r.recovery.FindFix(ctx, fixReq)
			appliedFix = &fix
			if fix.Args != nil {
				args = fix.Args
				argsResolved = true
			}
			if fix.Tool != "" && fix.Tool != currentTool {
				tried[fix.Tool] = true
				currentTool = fix.Tool
			}

		case stride.RecoveryUseAlternative:
			if attempt >= strategy.Attempts() {
				r.terminal(step, stride.StepStatusFailed, attempt, currentTool, args, failedErr)
				return
			}
			next := nextAlternative(config.AlternativeTools, tried)
			if next == "" {
				r.terminal(step, stride.StepStatusFailed, attempt, currentTool, args,
					fmt.Errorf("alternatives exhausted for tool %q: %w", step.ToolName, failedErr))
				return
			}
			r.updates <- stepUpdate{
				StepID:  step.ID,
				Status:  stride.StepStatusRetrying,
				Attempt: attempt,
				Tool:    currentTool,
				Args:    args,
				Err:     failedErr,
			}
			r.logger.Info("switching to alternative tool", "step_id", step.ID,
				"from", currentTool, "to", next)
			tried[next] = true
			currentTool = next
			appliedFix = nil

		default:
			r.terminal(step, stride.StepStatusFailed, attempt, currentTool, args, failedErr)
			return
		}
	}
}

// terminal sends a terminal update for the step.
func (r *run) terminal(step *stride.Step, status stride.StepStatus, attempt int, tool string, args map[string]any, err error) {
	r.updates <- stepUpdate{
		StepID:  step.ID,
		Status:  status,
		Attempt: attempt,
		Tool:    tool,
		Args:    args,
		Err:     err,
	}
}

// invokeTool runs one tool call under the configured step timeout.
func (r *run) invokeTool(ctx context.Context, tool stride.Tool, args map[string]any) (*stride.ToolResult, error) {
	if timeout := r.engine.stepTimeout; timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	result, err := tool.Execute(ctx, args)
	if err != nil {
		return nil, err
	}
	if result == nil {
		return nil, fmt.Errorf("tool %q returned no result", tool.Name())
	}
	return result, nil
}

// nextAlternative returns the first alternative tool not yet tried.
func nextAlternative(alternatives []string, tried map[string]bool) string {
	for _, name := range alternatives {
		if name != "" && !tried[name] {
			return name
		}
	}
	return ""
}

func errorText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

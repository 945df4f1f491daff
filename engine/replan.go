package engine

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/deepnoodle-ai/stride"
	"github.com/deepnoodle-ai/stride/planner"
	"github.com/deepnoodle-ai/stride/reasoner"
	"github.com/deepnoodle-ai/stride/slogger"
)

// incrementalAttempts is how many times an incremental replan may fail
// validation before the manager falls back to a full replan.
const incrementalAttempts = 2

// replanSignals carries everything ShouldReplan evaluates, gathered by the
// apply loop after a step settles.
type replanSignals struct {
	Violations           []*stride.ConsistencyViolation
	ToolPolicy           *stride.ReplanPolicy
	ErrorText            string
	Patterns             []*stride.ExecutionPattern
	SuccessesSinceReplan int
}

// replanRequest is the run context a replan operates on.
type replanRequest struct {
	Decision    *stride.ReplanDecision
	Goal        string
	Plan        *stride.ExecutionPlan
	Bindings    *stride.BindingPlan
	State       *stride.State
	Executions  map[int]*stride.StepExecution
	Violations  []*stride.ConsistencyViolation
	Constraints []string
}

// replanManager decides when to replan and produces the revised plan and
// bindings. Succeeded steps and their outputs are always retained; the
// per-run decision log enforces the replan cap.
type replanManager struct {
	reasoner         reasoner.Reasoner
	planner          *planner.BindingPlanner
	registry         *stride.Registry
	triggers         map[stride.PatternType]bool
	periodicInterval int
	maxReplans       int
	logger           slogger.Logger
	decisions        []*stride.ReplanDecision
}

func newReplanManager(rsn reasoner.Reasoner, bindingPlanner *planner.BindingPlanner, registry *stride.Registry, triggers []stride.PatternType, periodicInterval, maxReplans int, logger slogger.Logger) *replanManager {
	triggerSet := make(map[stride.PatternType]bool, len(triggers))
	for _, trigger := range triggers {
		triggerSet[trigger] = true
	}
	if maxReplans <= 0 {
		maxReplans = stride.DefaultMaxReplans
	}
	return &replanManager{
		reasoner:         rsn,
		planner:          bindingPlanner,
		registry:         registry,
		triggers:         triggerSet,
		periodicInterval: periodicInterval,
		maxReplans:       maxReplans,
		logger:           logger,
	}
}

// ShouldReplan evaluates the trigger conditions in strict priority order:
// critical violation, tool replan policy, detected pattern, periodic
// checkpoint. The first true condition decides.
func (m *replanManager) ShouldReplan(signals replanSignals) (*stride.ReplanDecision, bool) {
	for _, violation := range signals.Violations {
		if violation == nil || !violation.IsBlocking() {
			continue
		}
		mode := stride.ReplanModeIncremental
		if violation.ViolationType == stride.ViolationConstraintViolation {
			// A broken run-level constraint invalidates the plan's intent,
			// not just the unfinished suffix.
			mode = stride.ReplanModeFull
		}
		return &stride.ReplanDecision{
			TriggerReason: stride.TriggerCriticalViolation,
			Mode:          mode,
		}, true
	}

	if signals.ToolPolicy != nil && signals.ToolPolicy.Triggers(signals.ErrorText) {
		return &stride.ReplanDecision{
			TriggerReason: stride.TriggerToolReplanPolicy,
			Mode:          stride.ReplanModeIncremental,
		}, true
	}

	for _, pattern := range signals.Patterns {
		if pattern == nil || !m.triggers[pattern.Type] {
			continue
		}
		return &stride.ReplanDecision{
			TriggerReason: stride.TriggerForPattern(pattern.Type),
			Mode:          stride.ReplanModeIncremental,
		}, true
	}

	if m.periodicInterval > 0 && signals.SuccessesSinceReplan >= m.periodicInterval {
		return &stride.ReplanDecision{
			TriggerReason: stride.TriggerPeriodicCheckpoint,
			Mode:          stride.ReplanModeIncremental,
		}, true
	}
	return nil, false
}

// Replan produces the revised plan and bindings for an accepted decision.
// Once the replan budget is spent every further trigger returns
// ReplanExhaustedError instead of another replan cycle.
func (m *replanManager) Replan(ctx context.Context, req replanRequest) (*stride.ExecutionPlan, *stride.BindingPlan, error) {
	if len(m.decisions) >= m.maxReplans {
		return nil, nil, &stride.ReplanExhaustedError{
			Replans: len(m.decisions),
			Trigger: req.Decision.TriggerReason,
		}
	}
	if m.reasoner == nil {
		return nil, nil, fmt.Errorf("replan requires a reasoner")
	}

	mode := req.Decision.Mode
	var newPlan *stride.ExecutionPlan
	var newBindings *stride.BindingPlan
	var err error

	if mode == stride.ReplanModeIncremental {
		newPlan, newBindings, err = m.incremental(ctx, req)
		if err != nil {
			m.logger.Warn("incremental replan failed; attempting full replan", "error", err)
			mode = stride.ReplanModeFull
		}
	}
	if mode == stride.ReplanModeFull {
		newPlan, newBindings, err = m.full(ctx, req)
		if err != nil {
			return nil, nil, err
		}
	}

	req.Decision.Mode = mode
	req.Decision.CapCounter = len(m.decisions) + 1
	m.decisions = append(m.decisions, req.Decision)
	return newPlan, newBindings, nil
}

// Decisions returns the replan log in trigger order.
func (m *replanManager) Decisions() []*stride.ReplanDecision {
	return append([]*stride.ReplanDecision(nil), m.decisions...)
}

// incremental retains every succeeded step untouched and asks the reasoner
// for a replacement suffix. A dependency cycle in the proposal aborts
// immediately; other validation failures are retried once before the caller
// falls back to a full replan.
func (m *replanManager) incremental(ctx context.Context, req replanRequest) (*stride.ExecutionPlan, *stride.BindingPlan, error) {
	retained := retainedSteps(req.Plan, req.Executions)
	fromStepID := firstUnfinishedID(req.Plan, req.Executions)
	completed := completedDigest(req.Plan, req.State, req.Executions)

	var lastErr error
	for attempt := 1; attempt <= incrementalAttempts; attempt++ {
		spec, err := m.reasoner.GeneratePlan(ctx, reasoner.GeneratePlanRequest{
			Mode:          stride.ReplanModeIncremental,
			Goal:          req.Goal,
			Plan:          req.Plan,
			FromStepID:    fromStepID,
			Completed:     completed,
			Violations:    req.Violations,
			Constraints:   req.Constraints,
			Tools:         m.registry.Names(),
			TriggerReason: req.Decision.TriggerReason,
		})
		if err != nil {
			lastErr = err
			continue
		}
		proposed := copySteps(spec.Steps)
		if len(proposed) == 0 {
			lastErr = fmt.Errorf("empty suffix proposal")
			continue
		}
		if hasBindingCycle(proposed) {
			return nil, nil, fmt.Errorf("dependency cycle in proposed steps")
		}
		candidate, candidateBindings, err := m.splice(ctx, req, retained, proposed, fromStepID)
		if err != nil {
			m.logger.Warn("incremental replan proposal rejected",
				"attempt", attempt, "error", err)
			lastErr = err
			continue
		}
		return candidate, candidateBindings, nil
	}
	return nil, nil, lastErr
}

// splice joins the retained prefix with the proposed suffix, regenerates
// bindings for the suffix only, and validates everything.
func (m *replanManager) splice(ctx context.Context, req replanRequest, retained, proposed []*stride.Step, fromStepID int) (*stride.ExecutionPlan, *stride.BindingPlan, error) {
	maxID := req.Plan.MaxStepID()
	for _, step := range proposed {
		if step.ID <= maxID {
			return nil, nil, fmt.Errorf("proposed step id %d reuses an id at or below %d", step.ID, maxID)
		}
	}

	steps := make([]*stride.Step, 0, len(retained)+len(proposed))
	steps = append(steps, retained...)
	steps = append(steps, proposed...)
	candidate := &stride.ExecutionPlan{
		ID:        req.Plan.ID,
		Name:      req.Plan.Name,
		Version:   req.Plan.Version + 1,
		Steps:     steps,
		CreatedAt: req.Plan.CreatedAt,
		UpdatedAt: time.Now().UTC(),
	}
	if err := candidate.Validate(); err != nil {
		return nil, nil, err
	}

	suffixBindings, err := m.planner.PlanBindingsForSteps(ctx, candidate, req.State.Inputs(), proposed)
	if err != nil {
		return nil, nil, err
	}
	newBindings := req.Bindings.Copy()
	newBindings.ReplaceFrom(fromStepID, suffixBindings)
	if err := newBindings.Validate(candidate); err != nil {
		return nil, nil, err
	}
	return candidate, newBindings, nil
}

// full discards the remaining plan structure and replans from scratch, with
// completed outputs offered as context only. Proposed step IDs are moved past
// every previously used ID when they collide, keeping IDs unique for the
// lifetime of the run.
func (m *replanManager) full(ctx context.Context, req replanRequest) (*stride.ExecutionPlan, *stride.BindingPlan, error) {
	spec, err := m.reasoner.GeneratePlan(ctx, reasoner.GeneratePlanRequest{
		Mode:          stride.ReplanModeFull,
		Goal:          req.Goal,
		Plan:          req.Plan,
		Completed:     completedDigest(req.Plan, req.State, req.Executions),
		Violations:    req.Violations,
		Constraints:   req.Constraints,
		Tools:         m.registry.Names(),
		TriggerReason: req.Decision.TriggerReason,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("full replan failed: %w", err)
	}
	proposed := copySteps(spec.Steps)
	if len(proposed) == 0 {
		return nil, nil, fmt.Errorf("full replan returned no steps")
	}
	if hasBindingCycle(proposed) {
		return nil, nil, fmt.Errorf("dependency cycle in proposed steps")
	}

	base := req.Plan.MaxStepID()
	previous := base
	renumber := false
	for _, step := range proposed {
		if step.ID <= previous {
			renumber = true
			break
		}
		previous = step.ID
	}
	if renumber {
		for i, step := range proposed {
			step.ID = base + i + 1
		}
	}

	candidate := &stride.ExecutionPlan{
		ID:        req.Plan.ID,
		Name:      req.Plan.Name,
		Version:   req.Plan.Version + 1,
		Steps:     proposed,
		CreatedAt: req.Plan.CreatedAt,
		UpdatedAt: time.Now().UTC(),
	}
	if err := candidate.Validate(); err != nil {
		return nil, nil, fmt.Errorf("full replan produced an invalid plan: %w", err)
	}
	newBindings, err := m.planner.PlanBindings(ctx, candidate, req.State.Inputs())
	if err != nil {
		return nil, nil, fmt.Errorf("full replan bindings: %w", err)
	}
	return candidate, newBindings, nil
}

// retainedSteps returns deep copies of the plan's succeeded steps, in plan
// order.
func retainedSteps(plan *stride.ExecutionPlan, executions map[int]*stride.StepExecution) []*stride.Step {
	var retained []*stride.Step
	for _, step := range plan.Steps {
		if execution, ok := executions[step.ID]; ok && execution.Status == stride.StepStatusSucceeded {
			retained = append(retained, step.Copy())
		}
	}
	return retained
}

// firstUnfinishedID returns the lowest step ID that has not succeeded, or
// one past the plan's maximum when everything has.
func firstUnfinishedID(plan *stride.ExecutionPlan, executions map[int]*stride.StepExecution) int {
	for _, step := range plan.Steps {
		execution, ok := executions[step.ID]
		if !ok || execution.Status != stride.StepStatusSucceeded {
			return step.ID
		}
	}
	return plan.MaxStepID() + 1
}

// completedDigest summarizes the succeeded steps and their outputs for replan
// requests, ordered by step ID.
func completedDigest(plan *stride.ExecutionPlan, state *stride.State, executions map[int]*stride.StepExecution) []*reasoner.CompletedStep {
	var digest []*reasoner.CompletedStep
	for _, step := range plan.Steps {
		execution, ok := executions[step.ID]
		if !ok || execution.Status != stride.StepStatusSucceeded {
			continue
		}
		entry := &reasoner.CompletedStep{
			StepID: step.ID,
			Name:   step.Name,
			Tool:   step.ToolName,
		}
		if output, ok := state.StepOutput(step.ID); ok {
			entry.Output = output
		}
		digest = append(digest, entry)
	}
	sort.Slice(digest, func(i, j int) bool { return digest[i].StepID < digest[j].StepID })
	return digest
}

func copySteps(steps []*stride.Step) []*stride.Step {
	var copied []*stride.Step
	for _, step := range steps {
		if step == nil {
			continue
		}
		copied = append(copied, step.Copy())
	}
	return copied
}

// hasBindingCycle reports whether any proposed step's declared parameters
// reference its own output or a later step's. With step IDs strictly
// increasing, a same-or-forward reference is the only way a dependency cycle
// can form.
func hasBindingCycle(steps []*stride.Step) bool {
	for _, step := range steps {
		for _, value := range step.DeclaredParameters {
			text, ok := value.(string)
			if !ok {
				continue
			}
			refID, _, err := stride.ParseStepOutputRef(text)
			if err != nil {
				continue
			}
			if refID >= step.ID {
				return true
			}
		}
	}
	return false
}

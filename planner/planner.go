// Package planner builds BindingPlans: the static mapping from each tool
// parameter of each plan step to the state source that will supply its value
// at run time. Resolution is rule-based and deterministic; a reasoner, when
// configured, may refine entries the rules left uncertain, and its failures
// never abort planning.
package planner

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/deepnoodle-ai/stride"
	"github.com/deepnoodle-ai/stride/reasoner"
	"github.com/deepnoodle-ai/stride/schema"
	"github.com/deepnoodle-ai/stride/slogger"
)

// Confidence values assigned by the static rules. Exact matches clear the
// default threshold; ambiguous and normalized matches sit below it so the
// resolver applies the fallback policy.
const (
	exactMatchConfidence      = 0.95
	ambiguousMatchConfidence  = 0.7
	normalizedMatchConfidence = 0.6
)

// Options configure a BindingPlanner.
type Options struct {
	// Registry supplies tool schemas. Required.
	Registry *stride.Registry

	// Reasoner, when set, refines entries below the confidence threshold.
	Reasoner reasoner.Reasoner

	// ConfidenceThreshold recorded on produced plans. Defaults to
	// stride.DefaultConfidenceThreshold.
	ConfidenceThreshold float64

	Logger slogger.Logger
}

// BindingPlanner produces BindingPlans for execution plans.
type BindingPlanner struct {
	registry  *stride.Registry
	reasoner  reasoner.Reasoner
	threshold float64
	logger    slogger.Logger
}

// New creates a BindingPlanner.
func New(opts Options) (*BindingPlanner, error) {
	if opts.Registry == nil {
		return nil, fmt.Errorf("tool registry is required")
	}
	threshold := opts.ConfidenceThreshold
	if threshold <= 0 {
		threshold = stride.DefaultConfidenceThreshold
	}
	if threshold > 1 {
		return nil, fmt.Errorf("confidence threshold %v out of range (0,1]", threshold)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slogger.DefaultLogger
	}
	return &BindingPlanner{
		registry:  opts.Registry,
		reasoner:  opts.Reasoner,
		threshold: threshold,
		logger:    logger,
	}, nil
}

// PlanBindings produces a validated BindingPlan covering every step.
func (p *BindingPlanner) PlanBindings(ctx context.Context, plan *stride.ExecutionPlan, inputs map[string]any) (*stride.BindingPlan, error) {
	if plan == nil {
		return nil, fmt.Errorf("plan is required")
	}
	if err := plan.Validate(); err != nil {
		return nil, err
	}

	entries := make([]*stride.StepBindings, 0, len(plan.Steps))
	for _, step := range plan.Steps {
		entries = append(entries, p.bindStep(plan, step, inputs))
	}

	bindingPlan := &stride.BindingPlan{
		StepBindings:        entries,
		ConfidenceThreshold: p.threshold,
		CreatedAt:           time.Now().UTC(),
	}
	p.refine(ctx, plan, inputs, bindingPlan)

	if err := bindingPlan.Validate(plan); err != nil {
		return nil, err
	}
	return bindingPlan, nil
}

// PlanBindingsForSteps regenerates bindings for a subset of plan steps,
// typically the unfinished suffix after an incremental replan. The returned
// entries are ready to splice with BindingPlan.ReplaceFrom.
func (p *BindingPlanner) PlanBindingsForSteps(ctx context.Context, plan *stride.ExecutionPlan, inputs map[string]any, steps []*stride.Step) ([]*stride.StepBindings, error) {
	if plan == nil {
		return nil, fmt.Errorf("plan is required")
	}
	entries := make([]*stride.StepBindings, 0, len(steps))
	for _, step := range steps {
		if step == nil {
			return nil, fmt.Errorf("nil step")
		}
		if _, ok := plan.Step(step.ID); !ok {
			return nil, fmt.Errorf("step %d is not part of plan %q", step.ID, plan.ID)
		}
		entries = append(entries, p.bindStep(plan, step, inputs))
	}

	partial := &stride.BindingPlan{
		StepBindings:        entries,
		ConfidenceThreshold: p.threshold,
		CreatedAt:           time.Now().UTC(),
	}
	p.refine(ctx, plan, inputs, partial)

	for _, entry := range partial.StepBindings {
		for name, binding := range entry.Bindings {
			if err := binding.Validate(entry.StepID); err != nil {
				return nil, fmt.Errorf("parameter %q of step %d: %w", name, entry.StepID, err)
			}
		}
	}
	return partial.StepBindings, nil
}

// bindStep applies the static rules to every parameter of one step. The
// parameter set is the union of the tool schema's required parameters and
// the step's declared parameters; optional schema parameters with no
// declared value are left to the tool's own defaults.
func (p *BindingPlanner) bindStep(plan *stride.ExecutionPlan, step *stride.Step, inputs map[string]any) *stride.StepBindings {
	var toolSchema schema.Schema
	if tool, ok := p.registry.Tool(step.ToolName); ok {
		toolSchema = tool.Schema()
	}

	entry := &stride.StepBindings{
		StepID:   step.ID,
		Tool:     step.ToolName,
		Bindings: map[string]*stride.ParameterBinding{},
	}
	for _, name := range parameterSet(step, toolSchema) {
		var property *schema.Property
		if toolSchema.Properties != nil {
			property = toolSchema.Properties[name]
		}
		entry.Bindings[name] = p.bindParameter(plan, step, name, property, inputs)
	}
	return entry
}

// bindParameter tries the static rules in order and returns the first match.
func (p *BindingPlanner) bindParameter(plan *stride.ExecutionPlan, step *stride.Step, name string, property *schema.Property, inputs map[string]any) *stride.ParameterBinding {
	// Rule 1: exact user-input name with a type-compatible value.
	if value, ok := inputs[name]; ok && typeCompatible(value, property) {
		return &stride.ParameterBinding{
			Source:     name,
			SourceType: stride.SourceTypeUserInput,
			Confidence: exactMatchConfidence,
			Reasoning:  fmt.Sprintf("exact match on user input %q", name),
		}
	}

	// Rule 2: exact declared-output-field match from an earlier step.
	if producers := producersOf(plan, step.ID, name, false); len(producers) > 0 {
		latest := producers[len(producers)-1]
		if len(producers) == 1 {
			return &stride.ParameterBinding{
				Source:     stride.StepOutputSource(latest, name),
				SourceType: stride.SourceTypeStepOutput,
				Confidence: exactMatchConfidence,
				Reasoning:  fmt.Sprintf("declared output of step %d", latest),
			}
		}
		return &stride.ParameterBinding{
			Source:         stride.StepOutputSource(latest, name),
			SourceType:     stride.SourceTypeStepOutput,
			Confidence:     ambiguousMatchConfidence,
			FallbackPolicy: stride.FallbackLLMInfer,
			Reasoning:      fmt.Sprintf("%d earlier steps declare %q; using latest step %d", len(producers), name, latest),
		}
	}

	// Rule 3: literal default declared on the step.
	if value, ok := step.DeclaredParameters[name]; ok && value != nil {
		return &stride.ParameterBinding{
			SourceType:   stride.SourceTypeLiteral,
			Confidence:   1.0,
			DefaultValue: value,
			Reasoning:    "literal value declared on the step",
		}
	}

	// Rule 4: normalized name match, user inputs before step outputs.
	if key, ok := normalizedLookup(inputs, name); ok && typeCompatible(inputs[key], property) {
		return &stride.ParameterBinding{
			Source:         key,
			SourceType:     stride.SourceTypeUserInput,
			Confidence:     normalizedMatchConfidence,
			FallbackPolicy: stride.FallbackLLMInfer,
			Reasoning:      fmt.Sprintf("user input %q matches after normalization", key),
		}
	}
	if producers := producersOf(plan, step.ID, name, true); len(producers) > 0 {
		latest := producers[len(producers)-1]
		producer, _ := plan.Step(latest)
		field := normalizedField(producer, name)
		return &stride.ParameterBinding{
			Source:         stride.StepOutputSource(latest, field),
			SourceType:     stride.SourceTypeStepOutput,
			Confidence:     normalizedMatchConfidence,
			FallbackPolicy: stride.FallbackLLMInfer,
			Reasoning:      fmt.Sprintf("output %q of step %d matches after normalization", field, latest),
		}
	}

	// Rule 5: nothing plausible; defer to inference at resolution time.
	return &stride.ParameterBinding{
		SourceType:     stride.SourceTypeGenerated,
		Confidence:     0,
		FallbackPolicy: stride.FallbackLLMInfer,
		Reasoning:      "no static source found",
	}
}

// refine asks the reasoner to improve entries below the threshold. Proposals
// are merged only when they validate and raise confidence; errors and
// malformed output leave the draft untouched.
func (p *BindingPlanner) refine(ctx context.Context, plan *stride.ExecutionPlan, inputs map[string]any, draft *stride.BindingPlan) {
	if p.reasoner == nil {
		return
	}
	stepIDs := lowConfidenceSteps(draft, p.threshold)
	if len(stepIDs) == 0 {
		return
	}

	spec, err := p.reasoner.GenerateBindings(ctx, reasoner.GenerateBindingsRequest{
		Plan:    plan,
		Inputs:  inputs,
		Draft:   draft,
		StepIDs: stepIDs,
	})
	if err != nil {
		p.logger.Warn("binding refinement failed; keeping static bindings", "error", err)
		return
	}

	accepted := 0
	for _, proposed := range spec.StepBindings {
		if proposed == nil {
			continue
		}
		entry, ok := draft.ForStep(proposed.StepID)
		if !ok {
			continue
		}
		for name, binding := range proposed.Bindings {
			current, ok := entry.Bindings[name]
			if !ok || binding == nil {
				continue
			}
			if current.Confidence >= p.threshold {
				continue
			}
			if binding.Confidence <= current.Confidence {
				continue
			}
			if err := binding.Validate(entry.StepID); err != nil {
				p.logger.Warn("rejected refined binding",
					"step_id", entry.StepID, "parameter", name, "error", err)
				continue
			}
			entry.Bindings[name] = binding
			accepted++
		}
	}
	if accepted > 0 {
		p.logger.Debug("refined bindings", "accepted", accepted, "steps", len(stepIDs))
	}
}

// parameterSet returns the sorted union of schema-required and declared
// parameter names.
func parameterSet(step *stride.Step, toolSchema schema.Schema) []string {
	seen := map[string]bool{}
	for _, name := range toolSchema.Required {
		seen[name] = true
	}
	for name := range step.DeclaredParameters {
		seen[name] = true
	}
	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// producersOf returns the IDs of steps before ownerID that declare the named
// output field, in plan order. With normalized set, names are compared after
// lowercasing and underscore removal.
func producersOf(plan *stride.ExecutionPlan, ownerID int, name string, normalized bool) []int {
	var ids []int
	for _, candidate := range plan.Steps {
		if candidate.ID >= ownerID {
			break
		}
		for _, field := range candidate.OutputFields {
			if field == name || (normalized && normalize(field) == normalize(name)) {
				ids = append(ids, candidate.ID)
				break
			}
		}
	}
	return ids
}

// normalizedField returns the producer's declared field whose normalized form
// matches the parameter name, preserving the declared spelling in the source.
func normalizedField(step *stride.Step, name string) string {
	if step == nil {
		return name
	}
	for _, field := range step.OutputFields {
		if normalize(field) == normalize(name) {
			return field
		}
	}
	return name
}

// normalizedLookup finds a map key equal to name after normalization. Exact
// keys were already tried by rule 1. Keys are scanned in sorted order so the
// match is deterministic.
func normalizedLookup(values map[string]any, name string) (string, bool) {
	keys := make([]string, 0, len(values))
	for key := range values {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	want := normalize(name)
	for _, key := range keys {
		if key != name && normalize(key) == want {
			return key, true
		}
	}
	return "", false
}

func normalize(name string) string {
	return strings.ReplaceAll(strings.ToLower(name), "_", "")
}

// typeCompatible reports whether a concrete value fits the declared schema
// type. Unknown schemas accept anything except nil.
func typeCompatible(value any, property *schema.Property) bool {
	if value == nil {
		return false
	}
	if property == nil || property.Type == "" {
		return true
	}
	switch property.Type {
	case schema.String:
		_, ok := value.(string)
		return ok
	case schema.Boolean:
		_, ok := value.(bool)
		return ok
	case schema.Integer:
		switch v := value.(type) {
		case int, int32, int64:
			return true
		case float64:
			return v == float64(int64(v))
		case float32:
			return v == float32(int32(v))
		}
		return false
	case schema.Number:
		switch value.(type) {
		case int, int32, int64, float32, float64:
			return true
		}
		return false
	case schema.Array:
		switch value.(type) {
		case []any, []string:
			return true
		}
		return false
	case schema.Object:
		_, ok := value.(map[string]any)
		return ok
	}
	return true
}

// lowConfidenceSteps lists steps owning at least one binding below the
// threshold, sorted.
func lowConfidenceSteps(plan *stride.BindingPlan, threshold float64) []int {
	var ids []int
	for _, entry := range plan.StepBindings {
		for _, binding := range entry.Bindings {
			if binding.Confidence < threshold {
				ids = append(ids, entry.StepID)
				break
			}
		}
	}
	sort.Ints(ids)
	return ids
}

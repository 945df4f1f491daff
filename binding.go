package stride

import (
	"fmt"
	"regexp"
	"strconv"
	"time"
)

// DefaultConfidenceThreshold is the minimum binding confidence accepted
// without triggering the fallback policy at resolution time.
const DefaultConfidenceThreshold = 0.7

// SourceType identifies where a bound parameter's value comes from.
type SourceType string

const (
	SourceTypeUserInput  SourceType = "USER_INPUT"
	SourceTypeStepOutput SourceType = "STEP_OUTPUT"
	SourceTypeState      SourceType = "STATE"
	SourceTypeLiteral    SourceType = "LITERAL"
	SourceTypeGenerated  SourceType = "GENERATED"
)

// IsValid returns true for a known source type.
func (t SourceType) IsValid() bool {
	switch t {
	case SourceTypeUserInput, SourceTypeStepOutput, SourceTypeState,
		SourceTypeLiteral, SourceTypeGenerated:
		return true
	}
	return false
}

// FallbackPolicy says what to do when a binding cannot be resolved with
// sufficient confidence.
type FallbackPolicy string

const (
	FallbackLLMInfer   FallbackPolicy = "LLM_INFER"
	FallbackUseDefault FallbackPolicy = "USE_DEFAULT"
	FallbackError      FallbackPolicy = "ERROR"
)

// IsValid returns true for a known fallback policy.
func (p FallbackPolicy) IsValid() bool {
	switch p {
	case FallbackLLMInfer, FallbackUseDefault, FallbackError:
		return true
	}
	return false
}

// ParameterBinding records the planned value source for one tool parameter.
type ParameterBinding struct {
	Source         string         `json:"source,omitempty"`
	SourceType     SourceType     `json:"source_type"`
	Confidence     float64        `json:"confidence"`
	FallbackPolicy FallbackPolicy `json:"fallback_policy,omitempty"`
	DefaultValue   any            `json:"default_value,omitempty"`
	Reasoning      string         `json:"reasoning,omitempty"`
}

// Validate checks the binding's enum values and confidence range. ownerID is
// the ID of the step the binding belongs to; STEP_OUTPUT sources must
// reference a strictly earlier step.
func (b *ParameterBinding) Validate(ownerID int) error {
	if !b.SourceType.IsValid() {
		return fmt.Errorf("unknown source type %q", b.SourceType)
	}
	if b.Confidence < 0 || b.Confidence > 1 {
		return fmt.Errorf("confidence %v out of range [0,1]", b.Confidence)
	}
	if b.FallbackPolicy != "" && !b.FallbackPolicy.IsValid() {
		return fmt.Errorf("unknown fallback policy %q", b.FallbackPolicy)
	}
	if b.SourceType == SourceTypeStepOutput {
		refID, _, err := ParseStepOutputRef(b.Source)
		if err != nil {
			return err
		}
		if refID >= ownerID {
			return fmt.Errorf("step %d binding references step %d output; only earlier steps may be referenced", ownerID, refID)
		}
	}
	return nil
}

// StepBindings groups the parameter bindings for one step.
type StepBindings struct {
	StepID   int                          `json:"step_id"`
	Tool     string                       `json:"tool"`
	Bindings map[string]*ParameterBinding `json:"bindings"`
}

// Copy returns a deep copy.
func (sb *StepBindings) Copy() *StepBindings {
	dup := &StepBindings{
		StepID:   sb.StepID,
		Tool:     sb.Tool,
		Bindings: make(map[string]*ParameterBinding, len(sb.Bindings)),
	}
	for name, binding := range sb.Bindings {
		b := *binding
		b.DefaultValue = deepCopyValue(binding.DefaultValue)
		dup.Bindings[name] = &b
	}
	return dup
}

// BindingPlan is the full static resolution result for one plan version.
type BindingPlan struct {
	StepBindings        []*StepBindings `json:"step_bindings"`
	ConfidenceThreshold float64         `json:"confidence_threshold"`
	CreatedAt           time.Time       `json:"created_at"`
}

// ForStep returns the bindings for the given step ID, if present.
func (p *BindingPlan) ForStep(stepID int) (*StepBindings, bool) {
	for _, sb := range p.StepBindings {
		if sb.StepID == stepID {
			return sb, true
		}
	}
	return nil, false
}

// Validate checks every binding in the plan. When plan is non-nil, each
// step_bindings entry must correspond to a plan step.
func (p *BindingPlan) Validate(plan *ExecutionPlan) error {
	if p.ConfidenceThreshold < 0 || p.ConfidenceThreshold > 1 {
		return fmt.Errorf("confidence threshold %v out of range [0,1]", p.ConfidenceThreshold)
	}
	seen := make(map[int]bool, len(p.StepBindings))
	for _, sb := range p.StepBindings {
		if sb == nil {
			return fmt.Errorf("nil step bindings entry")
		}
		if seen[sb.StepID] {
			return fmt.Errorf("duplicate bindings for step %d", sb.StepID)
		}
		seen[sb.StepID] = true
		if plan != nil {
			if _, ok := plan.Step(sb.StepID); !ok {
				return fmt.Errorf("bindings reference unknown step %d", sb.StepID)
			}
		}
		for name, binding := range sb.Bindings {
			if binding == nil {
				return fmt.Errorf("step %d parameter %q has nil binding", sb.StepID, name)
			}
			if err := binding.Validate(sb.StepID); err != nil {
				return fmt.Errorf("step %d parameter %q: %w", sb.StepID, name, err)
			}
		}
	}
	return nil
}

// ReplaceFrom removes all bindings for steps with IDs at or beyond fromStepID
// and appends the replacements, keeping step order. Used by incremental
// replans to regenerate only the suffix.
func (p *BindingPlan) ReplaceFrom(fromStepID int, replacements []*StepBindings) {
	var kept []*StepBindings
	for _, sb := range p.StepBindings {
		if sb.StepID < fromStepID {
			kept = append(kept, sb)
		}
	}
	p.StepBindings = append(kept, replacements...)
}

// Copy returns a deep copy of the binding plan.
func (p *BindingPlan) Copy() *BindingPlan {
	dup := &BindingPlan{
		ConfidenceThreshold: p.ConfidenceThreshold,
		CreatedAt:           p.CreatedAt,
		StepBindings:        make([]*StepBindings, len(p.StepBindings)),
	}
	for i, sb := range p.StepBindings {
		dup.StepBindings[i] = sb.Copy()
	}
	return dup
}

var stepOutputRefPattern = regexp.MustCompile(`^step_([0-9]+)\.output(?:\.(.+))?$`)

// StepOutputSource builds a STEP_OUTPUT source reference, e.g.
// StepOutputSource(1, "entities") returns "step_1.output.entities". An empty
// field references the whole output map.
func StepOutputSource(stepID int, field string) string {
	if field == "" {
		return fmt.Sprintf("step_%d.output", stepID)
	}
	return fmt.Sprintf("step_%d.output.%s", stepID, field)
}

// ParseStepOutputRef parses a "step_<id>.output[.<path>]" source reference
// into the referenced step ID and the dotted path within its output.
func ParseStepOutputRef(source string) (stepID int, path string, err error) {
	matches := stepOutputRefPattern.FindStringSubmatch(source)
	if matches == nil {
		return 0, "", fmt.Errorf("invalid step output reference %q", source)
	}
	stepID, err = strconv.Atoi(matches[1])
	if err != nil {
		return 0, "", fmt.Errorf("invalid step output reference %q: %w", source, err)
	}
	return stepID, matches[2], nil
}

package stride

import (
	"fmt"
	"time"

	"github.com/deepnoodle-ai/stride/internal/random"
)

// Step is a single unit of work in an ExecutionPlan. Step IDs are positive
// and strictly increasing within a plan, so a step may only consume outputs
// of steps that appear before it.
type Step struct {
	ID                 int            `yaml:"id" json:"id"`
	Name               string         `yaml:"name" json:"name"`
	ToolName           string         `yaml:"tool_name" json:"tool_name"`
	DeclaredParameters map[string]any `yaml:"declared_parameters,omitempty" json:"declared_parameters,omitempty"`
	OutputFields       []string       `yaml:"output_fields,omitempty" json:"output_fields,omitempty"`
	HighImpact         bool           `yaml:"high_impact,omitempty" json:"high_impact,omitempty"`
	ArtifactType       ArtifactType   `yaml:"artifact_type,omitempty" json:"artifact_type,omitempty"`
}

// Copy returns a deep copy of the step.
func (s *Step) Copy() *Step {
	dup := *s
	if s.DeclaredParameters != nil {
		dup.DeclaredParameters = make(map[string]any, len(s.DeclaredParameters))
		for k, v := range s.DeclaredParameters {
			dup.DeclaredParameters[k] = deepCopyValue(v)
		}
	}
	if s.OutputFields != nil {
		dup.OutputFields = append([]string(nil), s.OutputFields...)
	}
	return &dup
}

// ExecutionPlan is an ordered set of steps. Version increments on every
// replan; step IDs are never reused within a run, even across replans.
type ExecutionPlan struct {
	ID        string    `yaml:"id,omitempty" json:"id"`
	Name      string    `yaml:"name" json:"name"`
	Version   int       `yaml:"version,omitempty" json:"version"`
	Steps     []*Step   `yaml:"steps" json:"steps"`
	CreatedAt time.Time `yaml:"created_at,omitempty" json:"created_at"`
	UpdatedAt time.Time `yaml:"updated_at,omitempty" json:"updated_at"`
}

// ExecutionPlanOptions are used to create an ExecutionPlan.
type ExecutionPlanOptions struct {
	ID    string
	Name  string
	Steps []*Step
}

// NewExecutionPlan creates and validates an ExecutionPlan. A missing ID is
// assigned automatically.
func NewExecutionPlan(opts ExecutionPlanOptions) (*ExecutionPlan, error) {
	if opts.Name == "" {
		return nil, fmt.Errorf("plan name is required")
	}
	if len(opts.Steps) == 0 {
		return nil, fmt.Errorf("plan must have at least one step")
	}
	id := opts.ID
	if id == "" {
		id = random.NewID("plan")
	}
	now := time.Now().UTC()
	plan := &ExecutionPlan{
		ID:        id,
		Name:      opts.Name,
		Version:   1,
		Steps:     opts.Steps,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := plan.Validate(); err != nil {
		return nil, err
	}
	return plan, nil
}

// Validate checks the structural invariants of the plan: positive, strictly
// increasing step IDs and a tool name on every step.
func (p *ExecutionPlan) Validate() error {
	if len(p.Steps) == 0 {
		return fmt.Errorf("plan %q has no steps", p.ID)
	}
	prevID := 0
	for i, step := range p.Steps {
		if step == nil {
			return fmt.Errorf("plan %q step index %d is nil", p.ID, i)
		}
		if step.ID <= 0 {
			return fmt.Errorf("plan %q step %q has non-positive id %d", p.ID, step.Name, step.ID)
		}
		if step.ID <= prevID {
			return fmt.Errorf("plan %q step ids must be strictly increasing: %d follows %d", p.ID, step.ID, prevID)
		}
		if step.ToolName == "" {
			return fmt.Errorf("plan %q step %d has no tool name", p.ID, step.ID)
		}
		prevID = step.ID
	}
	return nil
}

// Step returns the step with the given ID, if present.
func (p *ExecutionPlan) Step(id int) (*Step, bool) {
	for _, step := range p.Steps {
		if step.ID == id {
			return step, true
		}
	}
	return nil, false
}

// MaxStepID returns the largest step ID in the plan, or zero for an empty plan.
func (p *ExecutionPlan) MaxStepID() int {
	max := 0
	for _, step := range p.Steps {
		if step.ID > max {
			max = step.ID
		}
	}
	return max
}

// StepsAfter returns the steps with IDs strictly greater than the given ID,
// in plan order.
func (p *ExecutionPlan) StepsAfter(id int) []*Step {
	var steps []*Step
	for _, step := range p.Steps {
		if step.ID > id {
			steps = append(steps, step)
		}
	}
	return steps
}

// Copy returns a deep copy of the plan.
func (p *ExecutionPlan) Copy() *ExecutionPlan {
	dup := *p
	dup.Steps = make([]*Step, len(p.Steps))
	for i, step := range p.Steps {
		dup.Steps[i] = step.Copy()
	}
	return &dup
}

// deepCopyValue copies JSON-shaped values: maps, slices, and scalars.
func deepCopyValue(v any) any {
	switch tv := v.(type) {
	case map[string]any:
		dup := make(map[string]any, len(tv))
		for k, item := range tv {
			dup[k] = deepCopyValue(item)
		}
		return dup
	case []any:
		dup := make([]any, len(tv))
		for i, item := range tv {
			dup[i] = deepCopyValue(item)
		}
		return dup
	default:
		return v
	}
}

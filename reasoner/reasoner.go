// Package reasoner defines the structured-decision contract the engine and
// planner depend on. Each method covers one narrow call-site with a typed
// request and response, so providers can be swapped without touching the
// callers. Responses travel as JSON documents; ExtractJSON recovers them from
// the loosely formatted text language models tend to produce.
package reasoner

import (
	"context"

	"github.com/deepnoodle-ai/stride"
	"github.com/deepnoodle-ai/stride/schema"
)

// Reasoner answers the structured questions the orchestration engine cannot
// decide statically: parameter values, binding refinements, artifact
// summaries and comparisons, recovery suggestions, and replacement plans.
type Reasoner interface {

	// InferParameter produces a value for a single tool parameter that could
	// not be resolved from state.
	InferParameter(ctx context.Context, req InferParameterRequest) (*InferParameterResult, error)

	// GenerateBindings refines a statically produced binding plan, typically
	// raising confidence on entries the static pass left ambiguous.
	GenerateBindings(ctx context.Context, req GenerateBindingsRequest) (*BindingPlanSpec, error)

	// SummarizeArtifact condenses a produced artifact into the key elements
	// and constraints recorded on a consistency checkpoint.
	SummarizeArtifact(ctx context.Context, req SummarizeArtifactRequest) (*CheckpointSpec, error)

	// CompareArtifacts checks a proposed artifact against prior checkpoints
	// and reports any violations found.
	CompareArtifacts(ctx context.Context, req CompareArtifactsRequest) (*ConsistencyCheckResult, error)

	// SuggestRecovery proposes adjusted arguments (or a tool switch) after a
	// tool failure with no applicable historical fix.
	SuggestRecovery(ctx context.Context, req SuggestRecoveryRequest) (*RecoverySpec, error)

	// GeneratePlan produces replacement plan steps. Mode selects between a
	// full plan and a suffix that splices onto retained completed steps.
	GeneratePlan(ctx context.Context, req GeneratePlanRequest) (*PlanSpec, error)
}

// InferParameterRequest asks for a value for one parameter of one step.
type InferParameterRequest struct {
	StepID      int              `json:"step_id"`
	StepName    string           `json:"step_name,omitempty"`
	Tool        string           `json:"tool"`
	Parameter   string           `json:"parameter"`
	Schema      *schema.Property `json:"schema,omitempty"`
	Inputs      map[string]any   `json:"inputs,omitempty"`
	StepOutputs map[string]any   `json:"step_outputs,omitempty"`

	// Reason records why inference was needed (low confidence, absent
	// binding, failed validation) so the provider can prompt accordingly.
	Reason string `json:"reason,omitempty"`
}

// InferParameterResult carries the inferred value and the provider's
// confidence in it.
type InferParameterResult struct {
	Value      any     `json:"value"`
	Confidence float64 `json:"confidence"`
	Reasoning  string  `json:"reasoning,omitempty"`
}

// GenerateBindingsRequest asks for refined bindings for a plan. When StepIDs
// is set only those steps are refined; other entries in the draft are kept.
type GenerateBindingsRequest struct {
	Plan    *stride.ExecutionPlan `json:"plan"`
	Inputs  map[string]any        `json:"inputs,omitempty"`
	Draft   *stride.BindingPlan   `json:"draft,omitempty"`
	StepIDs []int                 `json:"step_ids,omitempty"`
}

// BindingPlanSpec is the reasoner's proposed step bindings. Entries are
// validated and merged by the planner; a partial or empty spec is acceptable.
type BindingPlanSpec struct {
	StepBindings []*stride.StepBindings `json:"step_bindings"`
	Reasoning    string                 `json:"reasoning,omitempty"`
}

// SummarizeArtifactRequest asks for a checkpoint-shaped summary of an
// artifact a step just produced.
type SummarizeArtifactRequest struct {
	StepID       int                 `json:"step_id"`
	ArtifactType stride.ArtifactType `json:"artifact_type"`
	Artifact     *stride.Artifact    `json:"artifact"`
}

// CheckpointSpec is the summarized form recorded on a checkpoint.
type CheckpointSpec struct {
	Description string              `json:"description"`
	KeyElements *stride.KeyElements `json:"key_elements,omitempty"`
	Constraints []string            `json:"constraints,omitempty"`
}

// CompareArtifactsRequest asks whether a proposed artifact conflicts with
// established checkpoints. Evidence carries a unified diff of overlapping key
// elements when one could be computed.
type CompareArtifactsRequest struct {
	StepID      int                             `json:"step_id"`
	Proposed    *stride.Artifact                `json:"proposed"`
	Checkpoints []*stride.ConsistencyCheckpoint `json:"checkpoints"`
	Evidence    string                          `json:"evidence,omitempty"`
}

// ConsistencyCheckResult lists the violations found, possibly none.
type ConsistencyCheckResult struct {
	Violations []*stride.ConsistencyViolation `json:"violations"`
}

// SuggestRecoveryRequest describes a tool failure that historical memory
// could not fix.
type SuggestRecoveryRequest struct {
	StepID           int            `json:"step_id"`
	Tool             string         `json:"tool"`
	ErrorType        string         `json:"error_type,omitempty"`
	ErrorMessage     string         `json:"error_message"`
	Arguments        map[string]any `json:"arguments,omitempty"`
	Attempt          int            `json:"attempt,omitempty"`
	AlternativeTools []string       `json:"alternative_tools,omitempty"`
}

// RecoverySpec is the proposed fix: adjusted arguments for a retry, or a
// switch to one of the offered alternative tools.
type RecoverySpec struct {
	FixedParams map[string]any `json:"fixed_params,omitempty"`
	UseTool     string         `json:"use_tool,omitempty"`
	Confidence  float64        `json:"confidence,omitempty"`
	Reasoning   string         `json:"reasoning,omitempty"`
}

// CompletedStep is the digest of a finished step included in replan requests.
type CompletedStep struct {
	StepID int            `json:"step_id"`
	Name   string         `json:"name,omitempty"`
	Tool   string         `json:"tool"`
	Output map[string]any `json:"output,omitempty"`
}

// GeneratePlanRequest asks for plan steps. In incremental mode the response
// covers only the unfinished suffix after FromStepID and completed steps are
// retained; in full mode it replaces the whole plan, with completed outputs
// available as context only.
type GeneratePlanRequest struct {
	Mode          stride.ReplanMode              `json:"mode"`
	Goal          string                         `json:"goal,omitempty"`
	Plan          *stride.ExecutionPlan          `json:"plan,omitempty"`
	FromStepID    int                            `json:"from_step_id,omitempty"`
	Completed     []*CompletedStep               `json:"completed,omitempty"`
	Violations    []*stride.ConsistencyViolation `json:"violations,omitempty"`
	Constraints   []string                       `json:"constraints,omitempty"`
	Tools         []string                       `json:"tools,omitempty"`
	TriggerReason string                         `json:"trigger_reason,omitempty"`
}

// PlanSpec is the proposed plan content: a full step list or an unfinished
// suffix, per the request mode.
type PlanSpec struct {
	Steps     []*stride.Step `json:"steps"`
	Reasoning string         `json:"reasoning,omitempty"`
}

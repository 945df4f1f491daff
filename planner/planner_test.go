package planner

import (
	"context"
	"fmt"
	"testing"

	"github.com/deepnoodle-ai/stride"
	"github.com/deepnoodle-ai/stride/reasoner"
	"github.com/deepnoodle-ai/stride/schema"
	"github.com/stretchr/testify/require"
)

func echoTool(t *testing.T, name string, toolSchema schema.Schema) stride.Tool {
	t.Helper()
	tool, err := stride.NewToolFunc(stride.ToolFuncOptions{
		Name:        name,
		Description: name,
		Schema:      toolSchema,
		Fn: func(ctx context.Context, input map[string]any) (*stride.ToolResult, error) {
			return stride.NewToolResult(input), nil
		},
	})
	require.NoError(t, err)
	return tool
}

func newTestRegistry(t *testing.T) *stride.Registry {
	t.Helper()
	registry := stride.NewRegistry()

	require.NoError(t, registry.Register(echoTool(t, "extract_entities", schema.Schema{
		Type: schema.Object,
		Properties: map[string]*schema.Property{
			"document_path": {Type: schema.String},
		},
		Required: []string{"document_path"},
	}), nil))

	require.NoError(t, registry.Register(echoTool(t, "analyze_entities", schema.Schema{
		Type: schema.Object,
		Properties: map[string]*schema.Property{
			"entities":  {Type: schema.Array},
			"max_depth": {Type: schema.Integer},
		},
		Required: []string{"entities"},
	}), nil))

	require.NoError(t, registry.Register(echoTool(t, "write_report", schema.Schema{
		Type: schema.Object,
		Properties: map[string]*schema.Property{
			"analysis": {Type: schema.Object},
			"style":    {Type: schema.String},
		},
		Required: []string{"analysis", "style"},
	}), nil))

	return registry
}

func entityPlan(t *testing.T) *stride.ExecutionPlan {
	t.Helper()
	plan, err := stride.NewExecutionPlan(stride.ExecutionPlanOptions{
		ID:   "plan-entity-report",
		Name: "Entity report",
		Steps: []*stride.Step{
			{
				ID:           1,
				Name:         "Extract entities",
				ToolName:     "extract_entities",
				OutputFields: []string{"entities", "count"},
			},
			{
				ID:                 2,
				Name:               "Analyze entities",
				ToolName:           "analyze_entities",
				DeclaredParameters: map[string]any{"entities": nil, "max_depth": 3},
				OutputFields:       []string{"analysis"},
			},
			{
				ID:       3,
				Name:     "Write report",
				ToolName: "write_report",
			},
		},
	})
	require.NoError(t, err)
	return plan
}

func TestPlanBindingsStaticRules(t *testing.T) {
	planner, err := New(Options{Registry: newTestRegistry(t)})
	require.NoError(t, err)

	plan := entityPlan(t)
	inputs := map[string]any{"document_path": "report.pdf"}

	bindingPlan, err := planner.PlanBindings(context.Background(), plan, inputs)
	require.NoError(t, err)
	require.InDelta(t, stride.DefaultConfidenceThreshold, bindingPlan.ConfidenceThreshold, 1e-9)
	require.NoError(t, bindingPlan.Validate(plan))
	require.Len(t, bindingPlan.StepBindings, 3)

	step1, ok := bindingPlan.ForStep(1)
	require.True(t, ok)
	documentPath := step1.Bindings["document_path"]
	require.NotNil(t, documentPath)
	require.Equal(t, stride.SourceTypeUserInput, documentPath.SourceType)
	require.Equal(t, "document_path", documentPath.Source)
	require.InDelta(t, 0.95, documentPath.Confidence, 1e-9)

	step2, ok := bindingPlan.ForStep(2)
	require.True(t, ok)

	entities := step2.Bindings["entities"]
	require.NotNil(t, entities)
	require.Equal(t, stride.SourceTypeStepOutput, entities.SourceType)
	require.Equal(t, "step_1.output.entities", entities.Source)
	require.InDelta(t, 0.95, entities.Confidence, 1e-9)

	maxDepth := step2.Bindings["max_depth"]
	require.NotNil(t, maxDepth)
	require.Equal(t, stride.SourceTypeLiteral, maxDepth.SourceType)
	require.InDelta(t, 1.0, maxDepth.Confidence, 1e-9)
	require.Equal(t, 3, maxDepth.DefaultValue)

	// Nothing supplies analysis or style statically beyond step 2's output.
	step3, ok := bindingPlan.ForStep(3)
	require.True(t, ok)
	analysis := step3.Bindings["analysis"]
	require.Equal(t, stride.SourceTypeStepOutput, analysis.SourceType)
	require.Equal(t, "step_2.output.analysis", analysis.Source)
	style := step3.Bindings["style"]
	require.Equal(t, stride.SourceTypeGenerated, style.SourceType)
	require.Zero(t, style.Confidence)
	require.Equal(t, stride.FallbackLLMInfer, style.FallbackPolicy)
}

func TestPlanBindingsAmbiguousProducers(t *testing.T) {
	registry := newTestRegistry(t)
	require.NoError(t, registry.Register(echoTool(t, "merge_entities", schema.Schema{
		Type: schema.Object,
		Properties: map[string]*schema.Property{
			"entities": {Type: schema.Array},
		},
		Required: []string{"entities"},
	}), nil))

	planner, err := New(Options{Registry: registry})
	require.NoError(t, err)

	plan, err := stride.NewExecutionPlan(stride.ExecutionPlanOptions{
		Name: "Merge",
		Steps: []*stride.Step{
			{ID: 1, Name: "First pass", ToolName: "extract_entities", OutputFields: []string{"entities"}},
			{ID: 2, Name: "Second pass", ToolName: "extract_entities", OutputFields: []string{"entities"}},
			{ID: 3, Name: "Merge", ToolName: "merge_entities"},
		},
	})
	require.NoError(t, err)

	bindingPlan, err := planner.PlanBindings(context.Background(), plan, map[string]any{"document_path": "a.pdf"})
	require.NoError(t, err)

	step3, ok := bindingPlan.ForStep(3)
	require.True(t, ok)
	entities := step3.Bindings["entities"]
	require.Equal(t, stride.SourceTypeStepOutput, entities.SourceType)
	require.Equal(t, "step_2.output.entities", entities.Source, "latest producer wins")
	require.InDelta(t, 0.7, entities.Confidence, 1e-9)
	require.Equal(t, stride.FallbackLLMInfer, entities.FallbackPolicy)
}

func TestPlanBindingsNormalizedMatch(t *testing.T) {
	planner, err := New(Options{Registry: newTestRegistry(t)})
	require.NoError(t, err)

	plan, err := stride.NewExecutionPlan(stride.ExecutionPlanOptions{
		Name: "Single step",
		Steps: []*stride.Step{
			{ID: 1, Name: "Extract", ToolName: "extract_entities"},
		},
	})
	require.NoError(t, err)

	// No exact key, but documentPath normalizes to the same name.
	bindingPlan, err := planner.PlanBindings(context.Background(), plan, map[string]any{"documentPath": "report.pdf"})
	require.NoError(t, err)

	step1, ok := bindingPlan.ForStep(1)
	require.True(t, ok)
	binding := step1.Bindings["document_path"]
	require.Equal(t, stride.SourceTypeUserInput, binding.SourceType)
	require.Equal(t, "documentPath", binding.Source)
	require.InDelta(t, 0.6, binding.Confidence, 1e-9)
	require.Equal(t, stride.FallbackLLMInfer, binding.FallbackPolicy)
}

func TestPlanBindingsTypeMismatchSkipsInput(t *testing.T) {
	planner, err := New(Options{Registry: newTestRegistry(t)})
	require.NoError(t, err)

	plan, err := stride.NewExecutionPlan(stride.ExecutionPlanOptions{
		Name: "Single step",
		Steps: []*stride.Step{
			{ID: 1, Name: "Analyze", ToolName: "analyze_entities"},
		},
	})
	require.NoError(t, err)

	// entities input is a string but the schema wants an array.
	bindingPlan, err := planner.PlanBindings(context.Background(), plan, map[string]any{"entities": "not a list"})
	require.NoError(t, err)

	step1, ok := bindingPlan.ForStep(1)
	require.True(t, ok)
	require.Equal(t, stride.SourceTypeGenerated, step1.Bindings["entities"].SourceType)
}

func TestPlanBindingsNeverReferencesLaterSteps(t *testing.T) {
	planner, err := New(Options{Registry: newTestRegistry(t)})
	require.NoError(t, err)

	// The only producer of entities comes after the consumer.
	plan, err := stride.NewExecutionPlan(stride.ExecutionPlanOptions{
		Name: "Out of order",
		Steps: []*stride.Step{
			{ID: 1, Name: "Analyze", ToolName: "analyze_entities"},
			{ID: 2, Name: "Extract", ToolName: "extract_entities", OutputFields: []string{"entities"}},
		},
	})
	require.NoError(t, err)

	bindingPlan, err := planner.PlanBindings(context.Background(), plan, nil)
	require.NoError(t, err)

	step1, ok := bindingPlan.ForStep(1)
	require.True(t, ok)
	require.Equal(t, stride.SourceTypeGenerated, step1.Bindings["entities"].SourceType)
}

func TestPlanBindingsRefinement(t *testing.T) {
	t.Run("accepts valid improvements for low-confidence entries", func(t *testing.T) {
		var captured reasoner.GenerateBindingsRequest
		fake := &reasoner.Static{
			GenerateBindingsFunc: func(ctx context.Context, req reasoner.GenerateBindingsRequest) (*reasoner.BindingPlanSpec, error) {
				captured = req
				return &reasoner.BindingPlanSpec{
					StepBindings: []*stride.StepBindings{
						{
							StepID: 3,
							Tool:   "write_report",
							Bindings: map[string]*stride.ParameterBinding{
								// Improves the GENERATED entry.
								"style": {
									Source:     "report_style",
									SourceType: stride.SourceTypeUserInput,
									Confidence: 0.85,
								},
								// Must not displace the high-confidence static entry.
								"analysis": {
									SourceType: stride.SourceTypeLiteral,
									Confidence: 1.0,
								},
							},
						},
					},
				}, nil
			},
		}

		planner, err := New(Options{Registry: newTestRegistry(t), Reasoner: fake})
		require.NoError(t, err)

		plan := entityPlan(t)
		inputs := map[string]any{"document_path": "report.pdf", "report_style": "brief"}
		bindingPlan, err := planner.PlanBindings(context.Background(), plan, inputs)
		require.NoError(t, err)

		// Only step 3 had entries below the threshold.
		require.Equal(t, []int{3}, captured.StepIDs)

		step3, _ := bindingPlan.ForStep(3)
		style := step3.Bindings["style"]
		require.Equal(t, stride.SourceTypeUserInput, style.SourceType)
		require.Equal(t, "report_style", style.Source)
		require.InDelta(t, 0.85, style.Confidence, 1e-9)

		analysis := step3.Bindings["analysis"]
		require.Equal(t, stride.SourceTypeStepOutput, analysis.SourceType)
		require.Equal(t, "step_2.output.analysis", analysis.Source)
	})

	t.Run("rejects invalid proposals", func(t *testing.T) {
		fake := &reasoner.Static{
			GenerateBindingsFunc: func(ctx context.Context, req reasoner.GenerateBindingsRequest) (*reasoner.BindingPlanSpec, error) {
				return &reasoner.BindingPlanSpec{
					StepBindings: []*stride.StepBindings{
						{
							StepID: 3,
							Tool:   "write_report",
							Bindings: map[string]*stride.ParameterBinding{
								// References the owner itself; must fail validation.
								"style": {
									Source:     "step_3.output.style",
									SourceType: stride.SourceTypeStepOutput,
									Confidence: 0.9,
								},
							},
						},
					},
				}, nil
			},
		}

		planner, err := New(Options{Registry: newTestRegistry(t), Reasoner: fake})
		require.NoError(t, err)

		bindingPlan, err := planner.PlanBindings(context.Background(), entityPlan(t), map[string]any{"document_path": "report.pdf"})
		require.NoError(t, err)

		step3, _ := bindingPlan.ForStep(3)
		require.Equal(t, stride.SourceTypeGenerated, step3.Bindings["style"].SourceType)
	})

	t.Run("reasoner failure keeps static bindings", func(t *testing.T) {
		fake := &reasoner.Static{
			GenerateBindingsFunc: func(ctx context.Context, req reasoner.GenerateBindingsRequest) (*reasoner.BindingPlanSpec, error) {
				return nil, fmt.Errorf("model unavailable")
			},
		}

		planner, err := New(Options{Registry: newTestRegistry(t), Reasoner: fake})
		require.NoError(t, err)

		bindingPlan, err := planner.PlanBindings(context.Background(), entityPlan(t), map[string]any{"document_path": "report.pdf"})
		require.NoError(t, err)
		require.NoError(t, bindingPlan.Validate(entityPlan(t)))

		step3, _ := bindingPlan.ForStep(3)
		require.Equal(t, stride.SourceTypeGenerated, step3.Bindings["style"].SourceType)
	})
}

func TestPlanBindingsForSteps(t *testing.T) {
	planner, err := New(Options{Registry: newTestRegistry(t)})
	require.NoError(t, err)

	plan := entityPlan(t)
	inputs := map[string]any{"document_path": "report.pdf"}

	entries, err := planner.PlanBindingsForSteps(context.Background(), plan, inputs, plan.StepsAfter(1))
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, 2, entries[0].StepID)
	require.Equal(t, 3, entries[1].StepID)

	// The regenerated suffix still references the retained prefix.
	require.Equal(t, "step_1.output.entities", entries[0].Bindings["entities"].Source)

	t.Run("rejects steps outside the plan", func(t *testing.T) {
		_, err := planner.PlanBindingsForSteps(context.Background(), plan, inputs, []*stride.Step{
			{ID: 99, Name: "Ghost", ToolName: "extract_entities"},
		})
		require.Error(t, err)
		require.Contains(t, err.Error(), "not part of plan")
	})
}

func TestNewPlannerValidation(t *testing.T) {
	_, err := New(Options{})
	require.Error(t, err)
	require.Contains(t, err.Error(), "registry is required")

	_, err = New(Options{Registry: stride.NewRegistry(), ConfidenceThreshold: 1.5})
	require.Error(t, err)
}

package stride

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func testPlanSteps() []*Step {
	return []*Step{
		{
			ID:           1,
			Name:         "Extract Entities",
			ToolName:     "extract_entities",
			OutputFields: []string{"entities", "count"},
		},
		{
			ID:       2,
			Name:     "Analyze Entities",
			ToolName: "analyze_entities",
			DeclaredParameters: map[string]any{
				"entities":  nil,
				"max_depth": 3,
			},
			OutputFields: []string{"analysis"},
		},
		{
			ID:           3,
			Name:         "Write Report",
			ToolName:     "write_report",
			HighImpact:   true,
			ArtifactType: ArtifactTypeDocument,
			DeclaredParameters: map[string]any{
				"analysis": nil,
			},
		},
	}
}

func TestNewExecutionPlan(t *testing.T) {
	plan, err := NewExecutionPlan(ExecutionPlanOptions{
		Name:  "Entity Report",
		Steps: testPlanSteps(),
	})
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(plan.ID, "plan_"))
	require.Equal(t, 1, plan.Version)
	require.Equal(t, "Entity Report", plan.Name)
	require.Len(t, plan.Steps, 3)
	require.False(t, plan.CreatedAt.IsZero())

	_, err = NewExecutionPlan(ExecutionPlanOptions{Steps: testPlanSteps()})
	require.Error(t, err)

	_, err = NewExecutionPlan(ExecutionPlanOptions{Name: "Empty"})
	require.Error(t, err)
}

func TestExecutionPlanValidate(t *testing.T) {
	tests := []struct {
		name      string
		steps     []*Step
		wantError bool
	}{
		{
			name:  "valid plan",
			steps: testPlanSteps(),
		},
		{
			name:      "nil step",
			steps:     []*Step{{ID: 1, ToolName: "extract_entities"}, nil},
			wantError: true,
		},
		{
			name:      "non-positive step id",
			steps:     []*Step{{ID: 0, ToolName: "extract_entities"}},
			wantError: true,
		},
		{
			name: "duplicate step id",
			steps: []*Step{
				{ID: 1, ToolName: "extract_entities"},
				{ID: 1, ToolName: "analyze_entities"},
			},
			wantError: true,
		},
		{
			name: "descending step ids",
			steps: []*Step{
				{ID: 2, ToolName: "extract_entities"},
				{ID: 1, ToolName: "analyze_entities"},
			},
			wantError: true,
		},
		{
			name:      "missing tool name",
			steps:     []*Step{{ID: 1}},
			wantError: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			plan := &ExecutionPlan{ID: "plan-test", Steps: tt.steps}
			err := plan.Validate()
			if tt.wantError {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestExecutionPlanLookups(t *testing.T) {
	plan := &ExecutionPlan{ID: "plan-test", Steps: testPlanSteps()}

	step, ok := plan.Step(2)
	require.True(t, ok)
	require.Equal(t, "analyze_entities", step.ToolName)

	_, ok = plan.Step(99)
	require.False(t, ok)

	require.Equal(t, 3, plan.MaxStepID())

	after := plan.StepsAfter(1)
	require.Len(t, after, 2)
	require.Equal(t, 2, after[0].ID)
	require.Equal(t, 3, after[1].ID)

	require.Empty(t, plan.StepsAfter(3))
}

func TestExecutionPlanCopy(t *testing.T) {
	plan, err := NewExecutionPlan(ExecutionPlanOptions{
		Name:  "Entity Report",
		Steps: testPlanSteps(),
	})
	require.NoError(t, err)

	dup := plan.Copy()
	require.Equal(t, plan, dup)

	// Mutating the copy must not affect the original
	dup.Steps[1].DeclaredParameters["max_depth"] = 99
	dup.Steps[0].OutputFields[0] = "changed"
	require.Equal(t, 3, plan.Steps[1].DeclaredParameters["max_depth"])
	require.Equal(t, "entities", plan.Steps[0].OutputFields[0])
}

func TestExecutionPlanJSONRoundTrip(t *testing.T) {
	plan, err := NewExecutionPlan(ExecutionPlanOptions{
		ID:    "plan-entity-report",
		Name:  "Entity Report",
		Steps: testPlanSteps(),
	})
	require.NoError(t, err)

	data, err := json.Marshal(plan)
	require.NoError(t, err)

	var decoded ExecutionPlan
	require.NoError(t, json.Unmarshal(data, &decoded))
	require.Equal(t, plan.ID, decoded.ID)
	require.Equal(t, plan.Version, decoded.Version)
	require.Len(t, decoded.Steps, 3)
	require.Equal(t, "write_report", decoded.Steps[2].ToolName)
	require.True(t, decoded.Steps[2].HighImpact)
	require.Equal(t, ArtifactTypeDocument, decoded.Steps[2].ArtifactType)
}

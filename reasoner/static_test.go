package reasoner

import (
	"context"
	"testing"

	"github.com/deepnoodle-ai/stride"
	"github.com/stretchr/testify/require"
)

func TestStaticDefaults(t *testing.T) {
	ctx := context.Background()
	r := &Static{}

	infer, err := r.InferParameter(ctx, InferParameterRequest{Tool: "search", Parameter: "query"})
	require.NoError(t, err)
	require.Nil(t, infer.Value)
	require.Zero(t, infer.Confidence)

	bindings, err := r.GenerateBindings(ctx, GenerateBindingsRequest{})
	require.NoError(t, err)
	require.Empty(t, bindings.StepBindings)

	summary, err := r.SummarizeArtifact(ctx, SummarizeArtifactRequest{
		StepID:       2,
		ArtifactType: stride.ArtifactTypeInterface,
		Artifact:     &stride.Artifact{Name: "Project", Content: "type Project struct { ID string }"},
	})
	require.NoError(t, err)
	require.Equal(t, `interface artifact "Project"`, summary.Description)

	check, err := r.CompareArtifacts(ctx, CompareArtifactsRequest{})
	require.NoError(t, err)
	require.Empty(t, check.Violations)

	recovery, err := r.SuggestRecovery(ctx, SuggestRecoveryRequest{Tool: "search"})
	require.NoError(t, err)
	require.Empty(t, recovery.FixedParams)

	plan, err := r.GeneratePlan(ctx, GeneratePlanRequest{Mode: stride.ReplanModeFull})
	require.NoError(t, err)
	require.Empty(t, plan.Steps)
}

func TestStaticOverridesAndCallCounts(t *testing.T) {
	ctx := context.Background()
	r := &Static{
		CompareArtifactsFunc: func(ctx context.Context, req CompareArtifactsRequest) (*ConsistencyCheckResult, error) {
			return &ConsistencyCheckResult{
				Violations: []*stride.ConsistencyViolation{{
					CheckpointID:  "cp_1",
					ViolationType: stride.ViolationInterfaceMismatch,
					Severity:      stride.SeverityCritical,
					Description:   "Project.id changed from uuid string to integer",
				}},
			}, nil
		},
	}

	require.Zero(t, r.TotalCalls())

	check, err := r.CompareArtifacts(ctx, CompareArtifactsRequest{StepID: 3})
	require.NoError(t, err)
	require.Len(t, check.Violations, 1)
	require.True(t, check.Violations[0].IsBlocking())

	_, err = r.CompareArtifacts(ctx, CompareArtifactsRequest{StepID: 4})
	require.NoError(t, err)
	_, err = r.InferParameter(ctx, InferParameterRequest{Tool: "t", Parameter: "p"})
	require.NoError(t, err)

	require.Equal(t, 2, r.Calls("CompareArtifacts"))
	require.Equal(t, 1, r.Calls("InferParameter"))
	require.Zero(t, r.Calls("GeneratePlan"))
	require.Equal(t, 3, r.TotalCalls())
}

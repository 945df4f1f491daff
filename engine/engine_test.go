package engine

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/deepnoodle-ai/stride"
	"github.com/deepnoodle-ai/stride/memory"
	"github.com/deepnoodle-ai/stride/reasoner"
	"github.com/deepnoodle-ai/stride/schema"
	"github.com/stretchr/testify/require"
)

// argRecorder captures the arguments each tool invocation received, keyed by
// tool name. Workers append concurrently, hence the lock.
type argRecorder struct {
	mutex sync.Mutex
	calls map[string][]map[string]any
}

func newArgRecorder() *argRecorder {
	return &argRecorder{calls: map[string][]map[string]any{}}
}

func (r *argRecorder) record(tool string, args map[string]any) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.calls[tool] = append(r.calls[tool], args)
}

func (r *argRecorder) forTool(tool string) []map[string]any {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	return r.calls[tool]
}

func noSchema() schema.Schema {
	return schema.Schema{Type: schema.Object}
}

func singlePlan(t *testing.T, steps ...*stride.Step) *stride.ExecutionPlan {
	t.Helper()
	plan, err := stride.NewExecutionPlan(stride.ExecutionPlanOptions{
		Name:  "test run",
		Steps: steps,
	})
	require.NoError(t, err)
	return plan
}

func literalBindings(entries ...*stride.StepBindings) *stride.BindingPlan {
	return &stride.BindingPlan{StepBindings: entries}
}

func TestExecuteHappyPath(t *testing.T) {
	recorded := newArgRecorder()
	registry := stride.NewRegistry()
	require.NoError(t, registry.Register(cannedTool(t, "fetch_document", schema.Schema{
		Type:       schema.Object,
		Properties: map[string]*schema.Property{"url": {Type: schema.String}},
		Required:   []string{"url"},
	}, func(ctx context.Context, args map[string]any) (*stride.ToolResult, error) {
		recorded.record("fetch_document", args)
		return stride.NewToolResult(map[string]any{"text": "solar adoption doubled"}), nil
	}), nil))
	require.NoError(t, registry.Register(cannedTool(t, "summarize", schema.Schema{
		Type:       schema.Object,
		Properties: map[string]*schema.Property{"text": {Type: schema.String}},
		Required:   []string{"text"},
	}, func(ctx context.Context, args map[string]any) (*stride.ToolResult, error) {
		recorded.record("summarize", args)
		return stride.NewToolResult(map[string]any{"summary": "solar is growing"}), nil
	}), nil))

	rsn := &reasoner.Static{}
	eng, err := New(Options{Registry: registry, Reasoner: rsn})
	require.NoError(t, err)

	plan := singlePlan(t,
		&stride.Step{ID: 1, Name: "Fetch", ToolName: "fetch_document", OutputFields: []string{"text"}},
		&stride.Step{ID: 2, Name: "Summarize", ToolName: "summarize"},
	)
	bindings := literalBindings(
		&stride.StepBindings{StepID: 1, Tool: "fetch_document", Bindings: map[string]*stride.ParameterBinding{
			"url": {Source: "url", SourceType: stride.SourceTypeUserInput, Confidence: 0.95},
		}},
		&stride.StepBindings{StepID: 2, Tool: "summarize", Bindings: map[string]*stride.ParameterBinding{
			"text": {Source: "step_1.output.text", SourceType: stride.SourceTypeStepOutput, Confidence: 0.95},
		}},
	)

	result, err := eng.Execute(context.Background(), plan, bindings,
		map[string]any{"url": "https://example.com/solar"})
	require.NoError(t, err)
	require.Equal(t, RunStatusCompleted, result.Status)
	require.Empty(t, result.Error)

	require.Len(t, result.StepExecutions, 2)
	require.Equal(t, stride.StepStatusSucceeded, result.StepExecutions[0].Status)
	require.Equal(t, stride.StepStatusSucceeded, result.StepExecutions[1].Status)
	require.Equal(t, 1, result.StepExecutions[0].Attempts)

	require.Equal(t, map[string]any{"text": "solar adoption doubled"}, result.Outputs["step_1"])
	require.Equal(t, map[string]any{"summary": "solar is growing"}, result.Outputs["step_2"])

	fetches := recorded.forTool("fetch_document")
	require.Len(t, fetches, 1)
	require.Equal(t, "https://example.com/solar", fetches[0]["url"])
	summaries := recorded.forTool("summarize")
	require.Len(t, summaries, 1)
	require.Equal(t, "solar adoption doubled", summaries[0]["text"],
		"the second step consumes the first step's output")

	require.Zero(t, rsn.TotalCalls(), "fully bound plans never consult the reasoner")
	require.Empty(t, result.Replans)
	require.Empty(t, result.Violations)
}

func TestExecuteRetriesExhaustBudget(t *testing.T) {
	registry := stride.NewRegistry()
	require.NoError(t, registry.Register(cannedTool(t, "search_docs", noSchema(),
		func(ctx context.Context, args map[string]any) (*stride.ToolResult, error) {
			return stride.NewToolResultError("search service unavailable"), nil
		}), &stride.ToolConfig{
		RecoveryStrategies: []*stride.RecoveryStrategy{
			{ErrorPattern: "unavailable", Action: stride.RecoveryRetryWithFix, MaxAttempts: 3},
		},
	}))

	rsn := &reasoner.Static{}
	eng, err := New(Options{
		Registry:       registry,
		Reasoner:       rsn,
		ReplanTriggers: []stride.PatternType{},
	})
	require.NoError(t, err)

	plan := singlePlan(t, &stride.Step{ID: 1, Name: "Search", ToolName: "search_docs"})
	result, err := eng.Execute(context.Background(), plan, nil, nil)

	var toolErr *stride.ToolExecutionError
	require.ErrorAs(t, err, &toolErr)
	require.Contains(t, err.Error(), "search service unavailable")
	require.Equal(t, RunStatusFailed, result.Status)

	require.Len(t, result.StepExecutions, 1)
	require.Equal(t, stride.StepStatusFailed, result.StepExecutions[0].Status)
	require.Equal(t, 3, result.StepExecutions[0].Attempts, "the strategy allows exactly three attempts")

	require.Equal(t, 2, rsn.Calls("SuggestRecovery"),
		"recovery is sought before each retry, not before the terminal failure")

	var types []stride.PatternType
	for _, pattern := range result.Patterns {
		types = append(types, pattern.Type)
	}
	require.Contains(t, types, stride.PatternRepeatedFailure,
		"three failed attempts of one step cross the detection threshold")
}

func TestExecuteMemoryFixAppliedAndReinforced(t *testing.T) {
	recorded := newArgRecorder()
	registry := stride.NewRegistry()
	require.NoError(t, registry.Register(cannedTool(t, "geo_lookup", noSchema(),
		func(ctx context.Context, args map[string]any) (*stride.ToolResult, error) {
			recorded.record("geo_lookup", args)
			if args["region"] != "us-east-1" {
				return stride.NewToolResultError("invalid region code: useast1"), nil
			}
			return stride.NewToolResult(map[string]any{"lat": 45.52}), nil
		}), &stride.ToolConfig{
		RecoveryStrategies: []*stride.RecoveryStrategy{
			{ErrorPattern: "invalid", Action: stride.RecoveryRetryWithFix, MaxAttempts: 3},
		},
	}))

	store := memory.NewInMemoryStore(memory.InMemoryStoreOptions{})
	require.NoError(t, store.RecordRecovery(context.Background(), &memory.Record{
		ToolName:     "geo_lookup",
		ErrorType:    "invalid_input",
		ErrorMessage: "invalid region code: useast1",
		FixedParams:  map[string]any{"region": "us-east-1"},
		Success:      true,
		Confidence:   0.9,
	}))

	rsn := &reasoner.Static{}
	eng, err := New(Options{Registry: registry, Reasoner: rsn, Memory: store})
	require.NoError(t, err)

	plan := singlePlan(t, &stride.Step{ID: 1, Name: "Locate", ToolName: "geo_lookup"})
	bindings := literalBindings(&stride.StepBindings{
		StepID: 1, Tool: "geo_lookup",
		Bindings: map[string]*stride.ParameterBinding{
			"region": {SourceType: stride.SourceTypeLiteral, Confidence: 1.0, DefaultValue: "useast1"},
		},
	})

	result, err := eng.Execute(context.Background(), plan, bindings, nil)
	require.NoError(t, err)
	require.Equal(t, RunStatusCompleted, result.Status)
	require.Equal(t, 2, result.StepExecutions[0].Attempts)
	require.Equal(t, 45.52, result.Outputs["step_1"].(map[string]any)["lat"])

	calls := recorded.forTool("geo_lookup")
	require.Len(t, calls, 2)
	require.Equal(t, "useast1", calls[0]["region"])
	require.Equal(t, "us-east-1", calls[1]["region"], "the historical fix patched the argument")

	require.Zero(t, rsn.Calls("SuggestRecovery"), "the memory hit preempts the reasoner")

	require.Equal(t, 1, store.Len())
	candidates, err := store.QueryRecoveryStrategy(context.Background(), memory.Query{
		ToolName: "geo_lookup", ErrorType: "invalid_input", Limit: 1,
	})
	require.NoError(t, err)
	require.Equal(t, 2, candidates[0].Record.UseCount,
		"the successful reuse reinforces the stored recovery")
}

func TestExecuteUseAlternativeTool(t *testing.T) {
	recorded := newArgRecorder()
	registry := stride.NewRegistry()
	require.NoError(t, registry.Register(cannedTool(t, "primary_search", noSchema(),
		func(ctx context.Context, args map[string]any) (*stride.ToolResult, error) {
			recorded.record("primary_search", args)
			return stride.NewToolResultError("search backend offline"), nil
		}), &stride.ToolConfig{
		RecoveryStrategies: []*stride.RecoveryStrategy{
			{ErrorPattern: "offline", Action: stride.RecoveryUseAlternative, MaxAttempts: 3},
		},
		AlternativeTools: []string{"backup_search"},
	}))
	require.NoError(t, registry.Register(cannedTool(t, "backup_search", noSchema(),
		func(ctx context.Context, args map[string]any) (*stride.ToolResult, error) {
			recorded.record("backup_search", args)
			return stride.NewToolResult(map[string]any{"via": "backup_search"}), nil
		}), nil))

	eng, err := New(Options{Registry: registry, Reasoner: &reasoner.Static{}})
	require.NoError(t, err)

	plan := singlePlan(t, &stride.Step{ID: 1, Name: "Search", ToolName: "primary_search"})
	result, err := eng.Execute(context.Background(), plan, nil, nil)
	require.NoError(t, err)
	require.Equal(t, RunStatusCompleted, result.Status)
	require.Equal(t, 2, result.StepExecutions[0].Attempts)
	require.Equal(t, "backup_search", result.Outputs["step_1"].(map[string]any)["via"])
	require.Len(t, recorded.forTool("primary_search"), 1)
	require.Len(t, recorded.forTool("backup_search"), 1)
}

func TestExecuteSkipStrategyWithDependentFallback(t *testing.T) {
	recorded := newArgRecorder()
	registry := stride.NewRegistry()
	require.NoError(t, registry.Register(cannedTool(t, "optional_enrich", noSchema(),
		func(ctx context.Context, args map[string]any) (*stride.ToolResult, error) {
			return stride.NewToolResultError("enrichment quota exceeded"), nil
		}), &stride.ToolConfig{
		RecoveryStrategies: []*stride.RecoveryStrategy{
			{ErrorPattern: "quota", Action: stride.RecoverySkip},
		},
	}))
	require.NoError(t, registry.Register(cannedTool(t, "report", noSchema(),
		func(ctx context.Context, args map[string]any) (*stride.ToolResult, error) {
			recorded.record("report", args)
			return stride.NewToolResult(map[string]any{"done": true}), nil
		}), nil))

	eng, err := New(Options{Registry: registry, Reasoner: &reasoner.Static{}})
	require.NoError(t, err)

	plan := singlePlan(t,
		&stride.Step{ID: 1, Name: "Enrich", ToolName: "optional_enrich", OutputFields: []string{"enrichment"}},
		&stride.Step{ID: 2, Name: "Report", ToolName: "report"},
	)
	bindings := literalBindings(
		&stride.StepBindings{StepID: 1, Tool: "optional_enrich", Bindings: map[string]*stride.ParameterBinding{}},
		&stride.StepBindings{StepID: 2, Tool: "report", Bindings: map[string]*stride.ParameterBinding{
			"enrichment": {
				Source:         "step_1.output.enrichment",
				SourceType:     stride.SourceTypeStepOutput,
				Confidence:     0.95,
				FallbackPolicy: stride.FallbackUseDefault,
				DefaultValue:   "none",
			},
		}},
	)

	result, err := eng.Execute(context.Background(), plan, bindings, nil)
	require.NoError(t, err, "a skipped optional step does not fail the run")
	require.Equal(t, RunStatusCompleted, result.Status)
	require.Equal(t, stride.StepStatusSkipped, result.StepExecutions[0].Status)
	require.Equal(t, stride.StepStatusSucceeded, result.StepExecutions[1].Status)

	require.NotContains(t, result.Outputs, "step_1", "skipped steps produce no output")
	require.Contains(t, result.Outputs, "step_2")

	reports := recorded.forTool("report")
	require.Len(t, reports, 1)
	require.Equal(t, "none", reports[0]["enrichment"],
		"the dependent parameter resolves through its fallback default")
}

func TestExecuteAbortStrategyEscalates(t *testing.T) {
	registry := stride.NewRegistry()
	require.NoError(t, registry.Register(cannedTool(t, "db_migrate", noSchema(),
		func(ctx context.Context, args map[string]any) (*stride.ToolResult, error) {
			return stride.NewToolResultError("schema lock held by another migration"), nil
		}), &stride.ToolConfig{
		RecoveryStrategies: []*stride.RecoveryStrategy{
			{ErrorPattern: "lock", Action: stride.RecoveryAbort},
		},
	}))

	eng, err := New(Options{Registry: registry, Reasoner: &reasoner.Static{}})
	require.NoError(t, err)

	plan := singlePlan(t, &stride.Step{ID: 1, Name: "Migrate", ToolName: "db_migrate"})
	result, err := eng.Execute(context.Background(), plan, nil, nil)
	require.Error(t, err)
	require.Equal(t, RunStatusFailed, result.Status)
	require.Equal(t, stride.StepStatusEscalated, result.StepExecutions[0].Status)
	require.Equal(t, 1, result.StepExecutions[0].Attempts, "abort strategies never retry")
}

func TestExecuteReplanOnToolPolicy(t *testing.T) {
	recorded := newArgRecorder()
	registry := stride.NewRegistry()
	require.NoError(t, registry.Register(cannedTool(t, "extract_entities", schema.Schema{
		Type:       schema.Object,
		Properties: map[string]*schema.Property{"document": {Type: schema.String}},
		Required:   []string{"document"},
	}, func(ctx context.Context, args map[string]any) (*stride.ToolResult, error) {
		return stride.NewToolResult(map[string]any{"entities": []any{"grid", "storage"}}), nil
	}), nil))
	require.NoError(t, registry.Register(cannedTool(t, "flaky_analyze", schema.Schema{
		Type:       schema.Object,
		Properties: map[string]*schema.Property{"entities": {Type: schema.Array}},
		Required:   []string{"entities"},
	}, func(ctx context.Context, args map[string]any) (*stride.ToolResult, error) {
		return stride.NewToolResultError("analysis backend down"), nil
	}), &stride.ToolConfig{
		ReplanPolicy: &stride.ReplanPolicy{ReplanOnFailure: true},
	}))
	require.NoError(t, registry.Register(cannedTool(t, "fallback_analyze", schema.Schema{
		Type:       schema.Object,
		Properties: map[string]*schema.Property{"entities": {Type: schema.Array}},
		Required:   []string{"entities"},
	}, func(ctx context.Context, args map[string]any) (*stride.ToolResult, error) {
		recorded.record("fallback_analyze", args)
		return stride.NewToolResult(map[string]any{"analysis": map[string]any{"ok": true}}), nil
	}), nil))

	rsn := &reasoner.Static{
		GeneratePlanFunc: func(ctx context.Context, req reasoner.GeneratePlanRequest) (*reasoner.PlanSpec, error) {
			return &reasoner.PlanSpec{Steps: []*stride.Step{
				{ID: 3, Name: "Analyze via fallback", ToolName: "fallback_analyze"},
			}}, nil
		},
	}
	eng, err := New(Options{Registry: registry, Reasoner: rsn})
	require.NoError(t, err)

	plan := singlePlan(t,
		&stride.Step{ID: 1, Name: "Extract", ToolName: "extract_entities", OutputFields: []string{"entities"}},
		&stride.Step{ID: 2, Name: "Analyze", ToolName: "flaky_analyze"},
	)
	result, err := eng.Execute(context.Background(), plan, nil,
		map[string]any{"document": "/docs/grid.md"})
	require.NoError(t, err, "the replanned run completes")
	require.Equal(t, RunStatusCompleted, result.Status)

	require.Equal(t, 2, result.Plan.Version)
	require.Len(t, result.PlanHistory, 1)
	require.Equal(t, 1, result.PlanHistory[0].Version)

	require.Len(t, result.Replans, 1)
	require.Equal(t, stride.TriggerToolReplanPolicy, result.Replans[0].TriggerReason)
	require.Equal(t, stride.ReplanModeIncremental, result.Replans[0].Mode)
	require.Equal(t, 1, result.Replans[0].CapCounter)
	require.Equal(t, 1, rsn.Calls("GeneratePlan"))

	require.Len(t, result.StepExecutions, 3, "dispatch order: extract, failed analyze, fallback")
	require.Equal(t, stride.StepStatusSucceeded, result.StepExecutions[0].Status)
	require.Equal(t, stride.StepStatusFailed, result.StepExecutions[1].Status)
	require.Equal(t, stride.StepStatusSucceeded, result.StepExecutions[2].Status)

	require.Contains(t, result.Outputs, "step_1")
	require.NotContains(t, result.Outputs, "step_2")
	require.Contains(t, result.Outputs, "step_3")

	retained, ok := result.State.StepOutput(1)
	require.True(t, ok)
	got, err := json.Marshal(retained)
	require.NoError(t, err)
	want, err := json.Marshal(map[string]any{"entities": []any{"grid", "storage"}})
	require.NoError(t, err)
	require.Equal(t, want, got, "the retained step's output survives the replan byte for byte")

	fallbackCalls := recorded.forTool("fallback_analyze")
	require.Len(t, fallbackCalls, 1)
	require.Equal(t, []any{"grid", "storage"}, fallbackCalls[0]["entities"],
		"the replacement step rebinds to the retained step's output")
}

func TestExecuteCriticalViolationReplan(t *testing.T) {
	registry := stride.NewRegistry()
	require.NoError(t, registry.Register(cannedTool(t, "emit_interface", noSchema(),
		func(ctx context.Context, args map[string]any) (*stride.ToolResult, error) {
			name, _ := args["name"].(string)
			result := stride.NewToolResult(map[string]any{"spec": name})
			return result.WithArtifact(&stride.Artifact{
				Type:    stride.ArtifactTypeInterface,
				Name:    name,
				Content: "interface " + name + " { Project }",
			}), nil
		}), &stride.ToolConfig{RequiresConsistencyCheck: true}))

	rsn := &reasoner.Static{
		SummarizeArtifactFunc: func(ctx context.Context, req reasoner.SummarizeArtifactRequest) (*reasoner.CheckpointSpec, error) {
			return &reasoner.CheckpointSpec{
				Description: "interface " + req.Artifact.Name,
				KeyElements: &stride.KeyElements{Names: []string{"Project"}},
			}, nil
		},
		CompareArtifactsFunc: func(ctx context.Context, req reasoner.CompareArtifactsRequest) (*reasoner.ConsistencyCheckResult, error) {
			if req.Proposed.Name != "project_client_bad" {
				return &reasoner.ConsistencyCheckResult{}, nil
			}
			return &reasoner.ConsistencyCheckResult{
				Violations: []*stride.ConsistencyViolation{{
					CheckpointID:  req.Checkpoints[0].ID,
					ViolationType: stride.ViolationInterfaceMismatch,
					Severity:      stride.SeverityCritical,
					Description:   "Project.id changed from string to int",
				}},
			}, nil
		},
		GeneratePlanFunc: func(ctx context.Context, req reasoner.GeneratePlanRequest) (*reasoner.PlanSpec, error) {
			return &reasoner.PlanSpec{Steps: []*stride.Step{{
				ID:                 3,
				Name:               "Emit corrected client",
				ToolName:           "emit_interface",
				DeclaredParameters: map[string]any{"name": "project_client_fixed"},
			}}}, nil
		},
	}
	eng, err := New(Options{Registry: registry, Reasoner: rsn})
	require.NoError(t, err)

	plan := singlePlan(t,
		&stride.Step{ID: 1, Name: "Emit API", ToolName: "emit_interface",
			DeclaredParameters: map[string]any{"name": "project_api"}, HighImpact: true},
		&stride.Step{ID: 2, Name: "Emit client", ToolName: "emit_interface",
			DeclaredParameters: map[string]any{"name": "project_client_bad"}, HighImpact: true},
	)
	result, err := eng.Execute(context.Background(), plan, nil, nil)
	require.NoError(t, err)
	require.Equal(t, RunStatusCompleted, result.Status)

	require.Equal(t, stride.StepStatusEscalated, result.StepExecutions[1].Status,
		"a blocking violation demotes the succeeded step")
	require.Len(t, result.Violations, 1)
	require.Equal(t, stride.ViolationInterfaceMismatch, result.Violations[0].ViolationType)

	require.Len(t, result.Checkpoints, 2, "the conflicting artifact's checkpoint is suppressed")
	require.Equal(t, 1, result.Checkpoints[0].StepID)
	require.Equal(t, 3, result.Checkpoints[1].StepID)

	require.Len(t, result.Replans, 1)
	require.Equal(t, stride.TriggerCriticalViolation, result.Replans[0].TriggerReason)
	require.Equal(t, stride.ReplanModeIncremental, result.Replans[0].Mode)

	require.NotContains(t, result.Outputs, "step_2",
		"a demoted step contributes no output to the result")
	_, ok := result.State.StepOutput(2)
	require.True(t, ok, "the raw output stays in state for the audit trail")
	require.Contains(t, result.Outputs, "step_3")
}

func TestExecuteCancellation(t *testing.T) {
	registry := stride.NewRegistry()
	require.NoError(t, registry.Register(cannedTool(t, "long_poll", noSchema(),
		func(ctx context.Context, args map[string]any) (*stride.ToolResult, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		}), nil))

	eng, err := New(Options{Registry: registry, Reasoner: &reasoner.Static{}})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	plan := singlePlan(t, &stride.Step{ID: 1, Name: "Poll", ToolName: "long_poll"})
	result, err := eng.Execute(ctx, plan, nil, nil)
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, RunStatusAborted, result.Status)
	require.Len(t, result.StepExecutions, 1)
	require.Equal(t, stride.StepStatusAborted, result.StepExecutions[0].Status)
}

func TestExecuteIterationLimit(t *testing.T) {
	registry := stride.NewRegistry()
	require.NoError(t, registry.Register(cannedTool(t, "step_tool", noSchema(), nil), nil))

	eng, err := New(Options{
		Registry:       registry,
		Reasoner:       &reasoner.Static{},
		IterationLimit: 2,
	})
	require.NoError(t, err)

	plan := singlePlan(t,
		&stride.Step{ID: 1, Name: "One", ToolName: "step_tool"},
		&stride.Step{ID: 2, Name: "Two", ToolName: "step_tool"},
		&stride.Step{ID: 3, Name: "Three", ToolName: "step_tool"},
	)
	result, err := eng.Execute(context.Background(), plan, nil, nil)

	var limitErr *stride.IterationLimitExceededError
	require.ErrorAs(t, err, &limitErr)
	require.Equal(t, 2, limitErr.Limit)
	require.Equal(t, RunStatusFailed, result.Status)

	require.Len(t, result.StepExecutions, 2, "the third step is never dispatched")
	require.Contains(t, result.Outputs, "step_1")
	require.Contains(t, result.Outputs, "step_2", "completed work survives the terminal error")
}

func TestExecuteReplanExhausted(t *testing.T) {
	registry := stride.NewRegistry()
	require.NoError(t, registry.Register(cannedTool(t, "flaky_one", noSchema(),
		func(ctx context.Context, args map[string]any) (*stride.ToolResult, error) {
			return stride.NewToolResultError("upstream down"), nil
		}), &stride.ToolConfig{ReplanPolicy: &stride.ReplanPolicy{ReplanOnFailure: true}}))
	require.NoError(t, registry.Register(cannedTool(t, "flaky_two", noSchema(),
		func(ctx context.Context, args map[string]any) (*stride.ToolResult, error) {
			return stride.NewToolResultError("replacement also down"), nil
		}), &stride.ToolConfig{ReplanPolicy: &stride.ReplanPolicy{ReplanOnFailure: true}}))

	rsn := &reasoner.Static{
		GeneratePlanFunc: func(ctx context.Context, req reasoner.GeneratePlanRequest) (*reasoner.PlanSpec, error) {
			return &reasoner.PlanSpec{Steps: []*stride.Step{
				{ID: 2, Name: "Replacement", ToolName: "flaky_two"},
			}}, nil
		},
	}
	eng, err := New(Options{Registry: registry, Reasoner: rsn, MaxReplans: 1})
	require.NoError(t, err)

	plan := singlePlan(t, &stride.Step{ID: 1, Name: "Flaky", ToolName: "flaky_one"})
	result, err := eng.Execute(context.Background(), plan, nil, nil)

	var exhausted *stride.ReplanExhaustedError
	require.ErrorAs(t, err, &exhausted)
	require.Equal(t, 1, exhausted.Replans)
	require.Equal(t, RunStatusFailed, result.Status)
	require.Contains(t, result.Error, "replan limit")

	require.Equal(t, 1, rsn.Calls("GeneratePlan"), "the exhausted trigger never reaches the reasoner")
	require.Len(t, result.Replans, 1)
	require.Equal(t, 2, result.Plan.Version, "the first replan's plan remains current")
}

func TestExecutePersistsEventsAndSnapshot(t *testing.T) {
	registry := stride.NewRegistry()
	require.NoError(t, registry.Register(cannedTool(t, "fetch", noSchema(),
		func(ctx context.Context, args map[string]any) (*stride.ToolResult, error) {
			return stride.NewToolResult(map[string]any{"ok": true}), nil
		}), nil))

	store := NewFileRunStore(t.TempDir())
	eng, err := New(Options{
		Registry: registry,
		Reasoner: &reasoner.Static{},
		RunStore: store,
	})
	require.NoError(t, err)

	plan := singlePlan(t,
		&stride.Step{ID: 1, Name: "Fetch A", ToolName: "fetch"},
		&stride.Step{ID: 2, Name: "Fetch B", ToolName: "fetch"},
	)
	result, err := eng.Execute(context.Background(), plan, nil, nil)
	require.NoError(t, err)

	snapshot, err := store.Snapshot(context.Background(), result.RunID)
	require.NoError(t, err)
	require.Equal(t, RunStatusCompleted, snapshot.Status)
	require.Equal(t, result.Plan.ID, snapshot.PlanID)
	require.Len(t, snapshot.StepExecutions, 2)
	require.False(t, snapshot.FinishedAt.IsZero())

	events, err := store.Events(context.Background(), result.RunID, 0)
	require.NoError(t, err)
	require.NotEmpty(t, events)
	require.Equal(t, snapshot.LastEventSeq, events[len(events)-1].Sequence)

	for i, event := range events {
		require.Equal(t, int64(i+1), event.Sequence, "sequences are contiguous from 1")
		require.Equal(t, result.RunID, event.RunID)
	}
	require.Equal(t, EventRunStarted, events[0].Type)
	require.Equal(t, EventRunCompleted, events[len(events)-1].Type)

	var counts = map[RunEventType]int{}
	for _, event := range events {
		counts[event.Type]++
	}
	require.Equal(t, 2, counts[EventStepStarted])
	require.Equal(t, 2, counts[EventStepSucceeded])
}

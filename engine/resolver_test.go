package engine

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/deepnoodle-ai/stride"
	"github.com/deepnoodle-ai/stride/reasoner"
	"github.com/deepnoodle-ai/stride/schema"
	"github.com/deepnoodle-ai/stride/slogger"
	"github.com/stretchr/testify/require"
)

type toolFn = func(ctx context.Context, args map[string]any) (*stride.ToolResult, error)

// cannedTool builds a function-backed tool for tests. A nil fn echoes the
// arguments back as the output.
func cannedTool(t *testing.T, name string, toolSchema schema.Schema, fn toolFn) stride.Tool {
	t.Helper()
	if fn == nil {
		fn = func(ctx context.Context, args map[string]any) (*stride.ToolResult, error) {
			return stride.NewToolResult(args), nil
		}
	}
	tool, err := stride.NewToolFunc(stride.ToolFuncOptions{
		Name:        name,
		Description: name,
		Schema:      toolSchema,
		Fn:          fn,
	})
	require.NoError(t, err)
	return tool
}

func newTestResolver(t *testing.T, registry *stride.Registry, rsn reasoner.Reasoner, state *stride.State) *resolver {
	t.Helper()
	if registry == nil {
		registry = stride.NewRegistry()
	}
	return &resolver{
		registry: registry,
		reasoner: rsn,
		state:    state,
		logger:   slogger.DefaultLogger,
	}
}

func bindingsEntry(stepID int, tool string, bindings map[string]*stride.ParameterBinding) *stride.StepBindings {
	return &stride.StepBindings{StepID: stepID, Tool: tool, Bindings: bindings}
}

func TestResolveStepOutputBinding(t *testing.T) {
	state := stride.NewState(map[string]any{"topic": "climate"})
	entities := []any{"solar", "wind", "tidal"}
	require.NoError(t, state.SetStepOutput(1, "extract_entities", map[string]any{
		"entities": entities,
	}))

	rsn := &reasoner.Static{}
	r := newTestResolver(t, nil, rsn, state)

	step := &stride.Step{ID: 2, Name: "Summarize entities", ToolName: "summarize"}
	entry := bindingsEntry(2, "summarize", map[string]*stride.ParameterBinding{
		"entities": {
			Source:     "step_1.output.entities",
			SourceType: stride.SourceTypeStepOutput,
			Confidence: 0.95,
		},
	})

	args, err := r.resolveArguments(context.Background(), step, entry, stride.DefaultConfidenceThreshold)
	require.NoError(t, err)
	require.Equal(t, entities, args["entities"])
	require.Zero(t, rsn.TotalCalls(), "a high-confidence binding never consults the reasoner")

	again, err := r.resolveArguments(context.Background(), step, entry, stride.DefaultConfidenceThreshold)
	require.NoError(t, err)

	first, err := json.Marshal(args)
	require.NoError(t, err)
	second, err := json.Marshal(again)
	require.NoError(t, err)
	require.Equal(t, first, second, "identical state resolves to identical arguments")
}

func TestResolveBelowThresholdUsesDefault(t *testing.T) {
	state := stride.NewState(map[string]any{"max_depth": 99})
	rsn := &reasoner.Static{}
	r := newTestResolver(t, nil, rsn, state)

	step := &stride.Step{ID: 1, Name: "Crawl", ToolName: "crawler"}
	entry := bindingsEntry(1, "crawler", map[string]*stride.ParameterBinding{
		"max_depth": {
			Source:         "max_depth",
			SourceType:     stride.SourceTypeUserInput,
			Confidence:     0.4,
			FallbackPolicy: stride.FallbackUseDefault,
			DefaultValue:   10,
		},
	})

	args, err := r.resolveArguments(context.Background(), step, entry, stride.DefaultConfidenceThreshold)
	require.NoError(t, err)
	require.Equal(t, 10, args["max_depth"], "low confidence takes the default even when the input exists")
	require.Zero(t, rsn.TotalCalls())
}

func TestResolveLiteralBinding(t *testing.T) {
	state := stride.NewState(nil)
	r := newTestResolver(t, nil, &reasoner.Static{}, state)

	step := &stride.Step{ID: 1, Name: "Fetch", ToolName: "fetch"}
	entry := bindingsEntry(1, "fetch", map[string]*stride.ParameterBinding{
		"format": {
			Source:       "format",
			SourceType:   stride.SourceTypeLiteral,
			Confidence:   1.0,
			DefaultValue: "json",
		},
	})

	args, err := r.resolveArguments(context.Background(), step, entry, stride.DefaultConfidenceThreshold)
	require.NoError(t, err)
	require.Equal(t, "json", args["format"])
}

func TestResolveLLMInferFallback(t *testing.T) {
	state := stride.NewState(map[string]any{"goal": "survey"})
	rsn := &reasoner.Static{
		InferParameterFunc: func(ctx context.Context, req reasoner.InferParameterRequest) (*reasoner.InferParameterResult, error) {
			require.Equal(t, "query", req.Parameter)
			require.Equal(t, "search", req.Tool)
			return &reasoner.InferParameterResult{Value: "renewable energy", Confidence: 0.8}, nil
		},
	}
	r := newTestResolver(t, nil, rsn, state)

	step := &stride.Step{ID: 1, Name: "Search", ToolName: "search"}
	entry := bindingsEntry(1, "search", map[string]*stride.ParameterBinding{
		"query": {
			SourceType:     stride.SourceTypeGenerated,
			Confidence:     0,
			FallbackPolicy: stride.FallbackLLMInfer,
		},
	})

	args, err := r.resolveArguments(context.Background(), step, entry, stride.DefaultConfidenceThreshold)
	require.NoError(t, err)
	require.Equal(t, "renewable energy", args["query"])
	require.Equal(t, 1, rsn.Calls("InferParameter"))
}

func TestResolveErrorPolicy(t *testing.T) {
	t.Run("missing source", func(t *testing.T) {
		state := stride.NewState(nil)
		r := newTestResolver(t, nil, &reasoner.Static{}, state)

		step := &stride.Step{ID: 3, Name: "Report", ToolName: "report"}
		entry := bindingsEntry(3, "report", map[string]*stride.ParameterBinding{
			"audience": {
				Source:         "audience",
				SourceType:     stride.SourceTypeUserInput,
				Confidence:     0.9,
				FallbackPolicy: stride.FallbackError,
			},
		})

		_, err := r.resolveArguments(context.Background(), step, entry, stride.DefaultConfidenceThreshold)
		var resErr *stride.ParameterResolutionError
		require.ErrorAs(t, err, &resErr)
		require.Equal(t, 3, resErr.StepID)
		require.Equal(t, "audience", resErr.Parameter)
		require.Contains(t, resErr.Reason, "not found")
	})

	t.Run("low confidence with unset policy", func(t *testing.T) {
		state := stride.NewState(map[string]any{"audience": "execs"})
		r := newTestResolver(t, nil, &reasoner.Static{}, state)

		step := &stride.Step{ID: 3, Name: "Report", ToolName: "report"}
		entry := bindingsEntry(3, "report", map[string]*stride.ParameterBinding{
			"audience": {
				Source:     "audience",
				SourceType: stride.SourceTypeUserInput,
				Confidence: 0.2,
			},
		})

		_, err := r.resolveArguments(context.Background(), step, entry, stride.DefaultConfidenceThreshold)
		var resErr *stride.ParameterResolutionError
		require.ErrorAs(t, err, &resErr)
		require.Contains(t, resErr.Reason, "below threshold")
	})
}

func TestResolveValidatorRejection(t *testing.T) {
	registry := stride.NewRegistry()
	min := float64(1)
	max := float64(20)
	require.NoError(t, registry.Register(
		cannedTool(t, "crawler", schema.Schema{Type: schema.Object}, nil),
		&stride.ToolConfig{
			ParameterValidators: map[string][]*stride.ParameterValidator{
				"max_depth": {stride.NewRangeValidator(&min, &max)},
			},
		},
	))

	t.Run("resolved value fails then default passes", func(t *testing.T) {
		state := stride.NewState(map[string]any{"max_depth": 500})
		r := newTestResolver(t, registry, &reasoner.Static{}, state)

		step := &stride.Step{ID: 1, Name: "Crawl", ToolName: "crawler"}
		entry := bindingsEntry(1, "crawler", map[string]*stride.ParameterBinding{
			"max_depth": {
				Source:         "max_depth",
				SourceType:     stride.SourceTypeUserInput,
				Confidence:     0.9,
				FallbackPolicy: stride.FallbackUseDefault,
				DefaultValue:   10,
			},
		})

		args, err := r.resolveArguments(context.Background(), step, entry, stride.DefaultConfidenceThreshold)
		require.NoError(t, err)
		require.Equal(t, 10, args["max_depth"], "out-of-range input falls back to the default")
	})

	t.Run("default also fails", func(t *testing.T) {
		state := stride.NewState(map[string]any{"max_depth": 500})
		r := newTestResolver(t, registry, &reasoner.Static{}, state)

		step := &stride.Step{ID: 1, Name: "Crawl", ToolName: "crawler"}
		entry := bindingsEntry(1, "crawler", map[string]*stride.ParameterBinding{
			"max_depth": {
				Source:         "max_depth",
				SourceType:     stride.SourceTypeUserInput,
				Confidence:     0.9,
				FallbackPolicy: stride.FallbackUseDefault,
				DefaultValue:   0,
			},
		})

		_, err := r.resolveArguments(context.Background(), step, entry, stride.DefaultConfidenceThreshold)
		var resErr *stride.ParameterResolutionError
		require.ErrorAs(t, err, &resErr)
		require.Contains(t, resErr.Reason, "default value failed validation")
	})

	t.Run("inferred value fails", func(t *testing.T) {
		state := stride.NewState(nil)
		rsn := &reasoner.Static{
			InferParameterFunc: func(ctx context.Context, req reasoner.InferParameterRequest) (*reasoner.InferParameterResult, error) {
				return &reasoner.InferParameterResult{Value: 999, Confidence: 0.9}, nil
			},
		}
		r := newTestResolver(t, registry, rsn, state)

		step := &stride.Step{ID: 1, Name: "Crawl", ToolName: "crawler"}
		entry := bindingsEntry(1, "crawler", map[string]*stride.ParameterBinding{
			"max_depth": {
				SourceType:     stride.SourceTypeGenerated,
				FallbackPolicy: stride.FallbackLLMInfer,
			},
		})

		_, err := r.resolveArguments(context.Background(), step, entry, stride.DefaultConfidenceThreshold)
		var resErr *stride.ParameterResolutionError
		require.ErrorAs(t, err, &resErr)
		require.Contains(t, resErr.Reason, "inferred value failed validation")
	})
}

func TestResolveNoBindingNoReasoner(t *testing.T) {
	state := stride.NewState(nil)
	r := newTestResolver(t, nil, nil, state)

	step := &stride.Step{
		ID:                 1,
		Name:               "Search",
		ToolName:           "search",
		DeclaredParameters: map[string]any{"query": "{{topic}}"},
	}

	_, err := r.resolveArguments(context.Background(), step, nil, stride.DefaultConfidenceThreshold)
	var resErr *stride.ParameterResolutionError
	require.ErrorAs(t, err, &resErr)
	require.Contains(t, resErr.Reason, "no reasoner configured")
}

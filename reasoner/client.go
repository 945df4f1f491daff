package reasoner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/deepnoodle-ai/stride"
	"github.com/deepnoodle-ai/stride/slogger"
)

// DefaultCallTimeout bounds a single reasoner call.
const DefaultCallTimeout = 60 * time.Second

// Generator is the narrow text-completion surface a provider implements. The
// rest of the reasoner contract (prompt construction, JSON extraction, typed
// decoding, error classification) lives in Client, so new providers only
// supply generation.
type Generator interface {
	Name() string
	GenerateText(ctx context.Context, req TextRequest) (*TextResponse, error)
}

// TextRequest is one completion request.
type TextRequest struct {
	// System carries instructions separate from the prompt body.
	System string

	// Prompt is the user-role message content.
	Prompt string

	// Temperature overrides the provider default when non-nil.
	Temperature *float64

	// MaxTokens caps the response length. Zero uses the provider default.
	MaxTokens int
}

// TextResponse is the completed text plus token usage when the provider
// reports it.
type TextResponse struct {
	Text  string
	Usage TokenUsage
}

// TokenUsage counts tokens consumed by one call.
type TokenUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// ClientOptions configure a Client.
type ClientOptions struct {
	// Generator produces completions. Required.
	Generator Generator

	// CallTimeout bounds each reasoner call. Defaults to DefaultCallTimeout.
	CallTimeout time.Duration

	// Temperature passed on every call. Defaults to 0 for repeatability.
	Temperature *float64

	Logger slogger.Logger
}

// Client implements Reasoner over any Generator: it renders the typed request
// as JSON, asks for a JSON reply, and decodes it into the typed result.
// Failures are reported as *stride.ReasonerError with the timeout and
// malformed conditions distinguished, so callers can apply their own
// fail-open or recovery policy.
type Client struct {
	generator   Generator
	callTimeout time.Duration
	temperature *float64
	logger      slogger.Logger
}

// NewClient creates a Reasoner backed by the given Generator.
func NewClient(opts ClientOptions) (*Client, error) {
	if opts.Generator == nil {
		return nil, fmt.Errorf("generator is required")
	}
	callTimeout := opts.CallTimeout
	if callTimeout <= 0 {
		callTimeout = DefaultCallTimeout
	}
	temperature := opts.Temperature
	if temperature == nil {
		zero := 0.0
		temperature = &zero
	}
	logger := opts.Logger
	if logger == nil {
		logger = slogger.DefaultLogger
	}
	return &Client{
		generator:   opts.Generator,
		callTimeout: callTimeout,
		temperature: temperature,
		logger:      logger,
	}, nil
}

var _ Reasoner = &Client{}

const inferParameterInstructions = `You decide the value of one tool parameter for an orchestration step.
Reply with only a JSON object: {"value": <the value>, "confidence": <0..1>, "reasoning": "<short>"}.`

func (c *Client) InferParameter(ctx context.Context, req InferParameterRequest) (*InferParameterResult, error) {
	var result InferParameterResult
	if err := c.call(ctx, "InferParameter", inferParameterInstructions, req, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

const generateBindingsInstructions = `You map tool parameters to data sources for an execution plan.
Source types: USER_INPUT, STEP_OUTPUT (source "step_<id>.output.<field>", earlier steps only), STATE, LITERAL, GENERATED.
Reply with only a JSON object: {"step_bindings": [{"step_id": <id>, "tool": "<name>", "bindings": {"<param>": {"source": "...", "source_type": "...", "confidence": <0..1>, "fallback_policy": "LLM_INFER"|"USE_DEFAULT"|"ERROR", "default_value": <any>, "reasoning": "<short>"}}}]}.`

func (c *Client) GenerateBindings(ctx context.Context, req GenerateBindingsRequest) (*BindingPlanSpec, error) {
	var result BindingPlanSpec
	if err := c.call(ctx, "GenerateBindings", generateBindingsInstructions, req, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

const summarizeArtifactInstructions = `You summarize an artifact into a consistency checkpoint.
Reply with only a JSON object: {"description": "<one sentence>", "key_elements": {"names": [...], "signatures": [...], "structure": {"<element>": "<shape>"}}, "constraints": [...]}.`

func (c *Client) SummarizeArtifact(ctx context.Context, req SummarizeArtifactRequest) (*CheckpointSpec, error) {
	var result CheckpointSpec
	if err := c.call(ctx, "SummarizeArtifact", summarizeArtifactInstructions, req, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

const compareArtifactsInstructions = `You compare a proposed artifact against established checkpoints and report conflicts.
Violation types: interface_mismatch, naming_conflict, constraint_violation, structure_inconsistency. Severities: critical, warning, info.
Reply with only a JSON object: {"violations": [{"checkpoint_id": "...", "violation_type": "...", "severity": "...", "description": "...", "suggestion": "..."}]}. Use an empty list when nothing conflicts.`

func (c *Client) CompareArtifacts(ctx context.Context, req CompareArtifactsRequest) (*ConsistencyCheckResult, error) {
	var result ConsistencyCheckResult
	if err := c.call(ctx, "CompareArtifacts", compareArtifactsInstructions, req, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

const suggestRecoveryInstructions = `You propose a recovery for a failed tool call: adjusted arguments, or one of the offered alternative tools.
Reply with only a JSON object: {"fixed_params": {...}, "use_tool": "<name or empty>", "confidence": <0..1>, "reasoning": "<short>"}.`

func (c *Client) SuggestRecovery(ctx context.Context, req SuggestRecoveryRequest) (*RecoverySpec, error) {
	var result RecoverySpec
	if err := c.call(ctx, "SuggestRecovery", suggestRecoveryInstructions, req, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

const generatePlanInstructions = `You produce execution plan steps. In incremental mode return only steps after from_step_id, keeping completed steps untouched; in full mode return the whole plan.
Step ids must be positive and strictly increasing, and must not collide with completed step ids.
Reply with only a JSON object: {"steps": [{"id": <int>, "name": "...", "tool_name": "...", "declared_parameters": {...}, "output_fields": [...], "high_impact": <bool>}], "reasoning": "<short>"}.`

func (c *Client) GeneratePlan(ctx context.Context, req GeneratePlanRequest) (*PlanSpec, error) {
	var result PlanSpec
	if err := c.call(ctx, "GeneratePlan", generatePlanInstructions, req, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// call runs one request/response round trip: payload to JSON, completion with
// the per-call timeout, JSON extraction, typed decode.
func (c *Client) call(ctx context.Context, op, instructions string, payload, out any) error {
	body, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return &stride.ReasonerError{Op: op, Err: fmt.Errorf("failed to encode request: %w", err)}
	}

	callCtx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()

	started := time.Now()
	response, err := c.generator.GenerateText(callCtx, TextRequest{
		System:      instructions,
		Prompt:      string(body),
		Temperature: c.temperature,
	})
	if err != nil {
		return &stride.ReasonerError{
			Op:      op,
			Timeout: errors.Is(err, context.DeadlineExceeded),
			Err:     err,
		}
	}

	extracted := ExtractJSON(response.Text)
	if extracted == "" {
		return &stride.ReasonerError{
			Op:        op,
			Malformed: true,
			Err:       fmt.Errorf("no JSON object in response"),
		}
	}
	if err := json.Unmarshal([]byte(extracted), out); err != nil {
		return &stride.ReasonerError{Op: op, Malformed: true, Err: err}
	}

	c.logger.Debug("reasoner call completed",
		"op", op,
		"provider", c.generator.Name(),
		"duration", time.Since(started),
		"input_tokens", response.Usage.InputTokens,
		"output_tokens", response.Usage.OutputTokens)
	return nil
}

package stride

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/deepnoodle-ai/stride/schema"
	"github.com/gobwas/glob"
)

// Tool is an executable capability a plan step can invoke.
type Tool interface {
	// Name of the tool.
	Name() string

	// Description of the tool.
	Description() string

	// Schema describes the parameters used to call the tool.
	Schema() schema.Schema

	// Execute runs the tool with resolved arguments.
	Execute(ctx context.Context, input map[string]any) (*ToolResult, error)
}

// ToolResult is the output from a tool execution. A tool-level failure is
// reported via IsError rather than a Go error, so the recovery pipeline can
// inspect the message.
type ToolResult struct {
	Output       map[string]any `json:"output,omitempty"`
	Artifact     *Artifact      `json:"artifact,omitempty"`
	IsError      bool           `json:"is_error,omitempty"`
	ErrorMessage string         `json:"error_message,omitempty"`
}

// NewToolResult creates a successful result carrying the given output map.
func NewToolResult(output map[string]any) *ToolResult {
	return &ToolResult{Output: output}
}

// NewToolResultError creates a failed result carrying an error message.
func NewToolResultError(message string) *ToolResult {
	return &ToolResult{IsError: true, ErrorMessage: message}
}

// WithArtifact attaches an artifact to the result.
func (r *ToolResult) WithArtifact(artifact *Artifact) *ToolResult {
	r.Artifact = artifact
	return r
}

// TypedTool is a tool that takes a struct-typed input.
type TypedTool[T any] interface {
	// Name of the tool.
	Name() string

	// Description of the tool.
	Description() string

	// Schema describes the parameters used to call the tool.
	Schema() schema.Schema

	// Execute runs the tool with a typed input.
	Execute(ctx context.Context, input T) (*ToolResult, error)
}

// ToolAdapter creates a new TypedToolAdapter for the given tool.
func ToolAdapter[T any](tool TypedTool[T]) *TypedToolAdapter[T] {
	return &TypedToolAdapter[T]{tool: tool}
}

// TypedToolAdapter allows a TypedTool to be used as a regular Tool. Execute
// marshals the resolved argument map and unmarshals it into the typed input.
type TypedToolAdapter[T any] struct {
	tool TypedTool[T]
}

func (t *TypedToolAdapter[T]) Name() string {
	return t.tool.Name()
}

func (t *TypedToolAdapter[T]) Description() string {
	return t.tool.Description()
}

func (t *TypedToolAdapter[T]) Schema() schema.Schema {
	return t.tool.Schema()
}

func (t *TypedToolAdapter[T]) Execute(ctx context.Context, input map[string]any) (*ToolResult, error) {
	data, err := json.Marshal(input)
	if err != nil {
		return NewToolResultError(fmt.Sprintf("invalid input for tool %s: %v", t.Name(), err)), nil
	}
	var typedInput T
	if err := json.Unmarshal(data, &typedInput); err != nil {
		return NewToolResultError(fmt.Sprintf("invalid input for tool %s: %v", t.Name(), err)), nil
	}
	return t.tool.Execute(ctx, typedInput)
}

// Unwrap returns the underlying TypedTool.
func (t *TypedToolAdapter[T]) Unwrap() TypedTool[T] {
	return t.tool
}

// ToolFuncOptions configures NewToolFunc.
type ToolFuncOptions struct {
	Name        string
	Description string
	Schema      schema.Schema
	Fn          func(ctx context.Context, input map[string]any) (*ToolResult, error)
}

// ToolFunc adapts a plain function to the Tool interface.
type ToolFunc struct {
	name        string
	description string
	schema      schema.Schema
	fn          func(ctx context.Context, input map[string]any) (*ToolResult, error)
}

// NewToolFunc creates a function-backed tool.
func NewToolFunc(opts ToolFuncOptions) (*ToolFunc, error) {
	if opts.Name == "" {
		return nil, fmt.Errorf("tool name is required")
	}
	if opts.Fn == nil {
		return nil, fmt.Errorf("tool function is required")
	}
	return &ToolFunc{
		name:        opts.Name,
		description: opts.Description,
		schema:      opts.Schema,
		fn:          opts.Fn,
	}, nil
}

func (t *ToolFunc) Name() string {
	return t.name
}

func (t *ToolFunc) Description() string {
	return t.description
}

func (t *ToolFunc) Schema() schema.Schema {
	return t.schema
}

func (t *ToolFunc) Execute(ctx context.Context, input map[string]any) (*ToolResult, error) {
	return t.fn(ctx, input)
}

// RecoveryAction says how the engine reacts to a matched tool failure.
type RecoveryAction string

const (
	RecoveryRetryWithFix   RecoveryAction = "retry_with_fix"
	RecoveryUseAlternative RecoveryAction = "use_alternative"
	RecoverySkip           RecoveryAction = "skip"
	RecoveryAbort          RecoveryAction = "abort"
)

// IsValid returns true for a known recovery action.
func (a RecoveryAction) IsValid() bool {
	switch a {
	case RecoveryRetryWithFix, RecoveryUseAlternative, RecoverySkip, RecoveryAbort:
		return true
	}
	return false
}

// DefaultRecoveryMaxAttempts applies when a strategy leaves MaxAttempts unset.
const DefaultRecoveryMaxAttempts = 3

// RecoveryStrategy maps an error pattern to a recovery action. Patterns with
// glob metacharacters are glob-matched against the error text; plain patterns
// match as case-insensitive substrings. An empty pattern matches any error.
type RecoveryStrategy struct {
	ErrorPattern string         `json:"error_pattern,omitempty"`
	ErrorType    string         `json:"error_type,omitempty"`
	Action       RecoveryAction `json:"recovery_action"`
	MaxAttempts  int            `json:"max_attempts,omitempty"`

	compiled glob.Glob
}

// Compile prepares the strategy's pattern for matching and validates the
// action. Safe to call more than once.
func (s *RecoveryStrategy) Compile() error {
	if !s.Action.IsValid() {
		return fmt.Errorf("unknown recovery action %q", s.Action)
	}
	if s.ErrorPattern == "" || !strings.ContainsAny(s.ErrorPattern, "*?[{") {
		s.compiled = nil
		return nil
	}
	compiled, err := glob.Compile(strings.ToLower(s.ErrorPattern))
	if err != nil {
		return fmt.Errorf("invalid error pattern %q: %w", s.ErrorPattern, err)
	}
	s.compiled = compiled
	return nil
}

// Matches reports whether the strategy applies to the given error text.
// Matching is case-insensitive.
func (s *RecoveryStrategy) Matches(errorText string) bool {
	if s.ErrorPattern == "" {
		return true
	}
	text := strings.ToLower(errorText)
	if s.compiled != nil {
		return s.compiled.Match(text)
	}
	return strings.Contains(text, strings.ToLower(s.ErrorPattern))
}

// Attempts returns the strategy's attempt budget, defaulted when unset.
func (s *RecoveryStrategy) Attempts() int {
	if s.MaxAttempts > 0 {
		return s.MaxAttempts
	}
	return DefaultRecoveryMaxAttempts
}

// ReplanPolicy lets a tool request replanning on its own failures, optionally
// restricted to errors matching ConditionPattern (same matching rules as
// RecoveryStrategy patterns).
type ReplanPolicy struct {
	ReplanOnFailure  bool   `json:"replan_on_failure,omitempty"`
	ConditionPattern string `json:"condition_pattern,omitempty"`

	compiled glob.Glob
}

// Compile prepares the policy's condition pattern. Safe to call more than once.
func (p *ReplanPolicy) Compile() error {
	if p.ConditionPattern == "" || !strings.ContainsAny(p.ConditionPattern, "*?[{") {
		p.compiled = nil
		return nil
	}
	compiled, err := glob.Compile(strings.ToLower(p.ConditionPattern))
	if err != nil {
		return fmt.Errorf("invalid condition pattern %q: %w", p.ConditionPattern, err)
	}
	p.compiled = compiled
	return nil
}

// Triggers reports whether a failure with the given error text should trigger
// a replan under this policy.
func (p *ReplanPolicy) Triggers(errorText string) bool {
	if !p.ReplanOnFailure {
		return false
	}
	if p.ConditionPattern == "" {
		return true
	}
	text := strings.ToLower(errorText)
	if p.compiled != nil {
		return p.compiled.Match(text)
	}
	return strings.Contains(text, strings.ToLower(p.ConditionPattern))
}

// ToolConfig carries the orchestration metadata for one registered tool.
type ToolConfig struct {
	ParameterValidators      map[string][]*ParameterValidator `json:"parameter_validators,omitempty"`
	RecoveryStrategies       []*RecoveryStrategy              `json:"error_recovery_strategies,omitempty"`
	AlternativeTools         []string                         `json:"alternative_tools,omitempty"`
	ReplanPolicy             *ReplanPolicy                    `json:"replan_policy,omitempty"`
	RequiresConsistencyCheck bool                             `json:"requires_consistency_check,omitempty"`
	ArtifactType             ArtifactType                     `json:"artifact_type,omitempty"`
}

// Compile prepares all patterns and validators in the config.
func (c *ToolConfig) Compile() error {
	for _, strategy := range c.RecoveryStrategies {
		if strategy == nil {
			return fmt.Errorf("nil recovery strategy")
		}
		if err := strategy.Compile(); err != nil {
			return err
		}
	}
	if c.ReplanPolicy != nil {
		if err := c.ReplanPolicy.Compile(); err != nil {
			return err
		}
	}
	for name, validators := range c.ParameterValidators {
		for _, validator := range validators {
			if validator == nil {
				return fmt.Errorf("nil validator for parameter %q", name)
			}
			if err := validator.Compile(); err != nil {
				return fmt.Errorf("parameter %q: %w", name, err)
			}
		}
	}
	if c.ArtifactType != "" && !c.ArtifactType.IsValid() {
		return fmt.Errorf("unknown artifact type %q", c.ArtifactType)
	}
	return nil
}

// MatchStrategy returns the first recovery strategy matching the error text,
// in declaration order.
func (c *ToolConfig) MatchStrategy(errorText string) (*RecoveryStrategy, bool) {
	for _, strategy := range c.RecoveryStrategies {
		if strategy.Matches(errorText) {
			return strategy, true
		}
	}
	return nil, false
}

// Registry maps tool names to their implementations and orchestration
// configs. Safe for concurrent use.
type Registry struct {
	mutex   sync.RWMutex
	tools   map[string]Tool
	configs map[string]*ToolConfig
}

// NewRegistry creates an empty tool registry.
func NewRegistry() *Registry {
	return &Registry{
		tools:   map[string]Tool{},
		configs: map[string]*ToolConfig{},
	}
}

// Register adds a tool with its config. Patterns and validators are compiled
// here so matching at execution time cannot fail. A nil config registers the
// tool with an empty config.
func (r *Registry) Register(tool Tool, config *ToolConfig) error {
	if tool == nil {
		return fmt.Errorf("tool is required")
	}
	name := tool.Name()
	if name == "" {
		return fmt.Errorf("tool name is required")
	}
	if config == nil {
		config = &ToolConfig{}
	}
	if err := config.Compile(); err != nil {
		return fmt.Errorf("tool %q config: %w", name, err)
	}
	r.mutex.Lock()
	defer r.mutex.Unlock()
	if _, exists := r.tools[name]; exists {
		return fmt.Errorf("tool %q already registered", name)
	}
	r.tools[name] = tool
	r.configs[name] = config
	return nil
}

// Tool returns the registered tool with the given name.
func (r *Registry) Tool(name string) (Tool, bool) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	tool, ok := r.tools[name]
	return tool, ok
}

// Config returns the config registered for the given tool name.
func (r *Registry) Config(name string) (*ToolConfig, bool) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	config, ok := r.configs[name]
	return config, ok
}

// Names returns the registered tool names, sorted.
func (r *Registry) Names() []string {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

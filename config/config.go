// Package config loads declarative run documents and builds runnable engine
// setups from them. A document names a plan, per-tool orchestration policies,
// MCP servers, and engine tuning, in YAML or JSON.
package config

import (
	"fmt"
	"time"

	"github.com/deepnoodle-ai/stride"
	"github.com/deepnoodle-ai/stride/mcp"
)

// Document is the top-level configuration for a run.
type Document struct {
	Name        string                `yaml:"name" json:"name"`
	Description string                `yaml:"description,omitempty" json:"description,omitempty"`
	Engine      *EngineConfig         `yaml:"engine,omitempty" json:"engine,omitempty"`
	Tools       []*ToolEntry          `yaml:"tools,omitempty" json:"tools,omitempty"`
	MCPServers  []*MCPServer          `yaml:"mcp_servers,omitempty" json:"mcp_servers,omitempty"`
	Plan        *stride.ExecutionPlan `yaml:"plan,omitempty" json:"plan,omitempty"`
	PlanPath    string                `yaml:"plan_path,omitempty" json:"plan_path,omitempty"`
	Inputs      map[string]any        `yaml:"inputs,omitempty" json:"inputs,omitempty"`
}

// EngineConfig tunes engine behavior. Zero values fall back to the engine
// defaults.
type EngineConfig struct {
	WorkerCount            int      `yaml:"worker_count,omitempty" json:"worker_count,omitempty"`
	IterationLimit         int      `yaml:"iteration_limit,omitempty" json:"iteration_limit,omitempty"`
	MaxReplans             int      `yaml:"max_replans,omitempty" json:"max_replans,omitempty"`
	WindowSize             int      `yaml:"window_size,omitempty" json:"window_size,omitempty"`
	RepeatedFailureCount   int      `yaml:"repeated_failure_count,omitempty" json:"repeated_failure_count,omitempty"`
	ReplanTriggers         []string `yaml:"replan_triggers,omitempty" json:"replan_triggers,omitempty"`
	PeriodicReplanInterval int      `yaml:"periodic_replan_interval,omitempty" json:"periodic_replan_interval,omitempty"`
	ConfidenceThreshold    float64  `yaml:"confidence_threshold,omitempty" json:"confidence_threshold,omitempty"`
	MemoryAcceptScore      float64  `yaml:"memory_accept_score,omitempty" json:"memory_accept_score,omitempty"`
	StepTimeout            string   `yaml:"step_timeout,omitempty" json:"step_timeout,omitempty"`
	EventBatchSize         int      `yaml:"event_batch_size,omitempty" json:"event_batch_size,omitempty"`
	RunStorePath           string   `yaml:"run_store_path,omitempty" json:"run_store_path,omitempty"`
	LogLevel               string   `yaml:"log_level,omitempty" json:"log_level,omitempty"`
}

// ToolEntry attaches orchestration policy to a named tool.
type ToolEntry struct {
	Name                     string                  `yaml:"name" json:"name"`
	AlternativeTools         []string                `yaml:"alternative_tools,omitempty" json:"alternative_tools,omitempty"`
	RequiresConsistencyCheck bool                    `yaml:"requires_consistency_check,omitempty" json:"requires_consistency_check,omitempty"`
	ArtifactType             string                  `yaml:"artifact_type,omitempty" json:"artifact_type,omitempty"`
	RecoveryStrategies       []*RecoveryStrategy     `yaml:"recovery_strategies,omitempty" json:"recovery_strategies,omitempty"`
	ReplanPolicy             *ReplanPolicy           `yaml:"replan_policy,omitempty" json:"replan_policy,omitempty"`
	Validators               map[string][]*Validator `yaml:"validators,omitempty" json:"validators,omitempty"`
}

// RecoveryStrategy maps an error pattern to a recovery action.
type RecoveryStrategy struct {
	ErrorPattern string `yaml:"error_pattern,omitempty" json:"error_pattern,omitempty"`
	ErrorType    string `yaml:"error_type,omitempty" json:"error_type,omitempty"`
	Action       string `yaml:"recovery_action" json:"recovery_action"`
	MaxAttempts  int    `yaml:"max_attempts,omitempty" json:"max_attempts,omitempty"`
}

// ReplanPolicy opts a tool into replanning on failure.
type ReplanPolicy struct {
	ReplanOnFailure  bool   `yaml:"replan_on_failure,omitempty" json:"replan_on_failure,omitempty"`
	ConditionPattern string `yaml:"condition_pattern,omitempty" json:"condition_pattern,omitempty"`
}

// Validator constrains a single tool parameter. Custom validators carry Go
// functions and cannot be expressed in a document.
type Validator struct {
	Kind      string   `yaml:"kind" json:"kind"`
	Pattern   string   `yaml:"pattern,omitempty" json:"pattern,omitempty"`
	Min       *float64 `yaml:"min,omitempty" json:"min,omitempty"`
	Max       *float64 `yaml:"max,omitempty" json:"max,omitempty"`
	Enum      []any    `yaml:"enum,omitempty" json:"enum,omitempty"`
	MinLength *int     `yaml:"min_length,omitempty" json:"min_length,omitempty"`
	MaxLength *int     `yaml:"max_length,omitempty" json:"max_length,omitempty"`
}

// MCPServer configures an MCP server whose tools become available to plans.
type MCPServer struct {
	Name         string            `yaml:"name" json:"name"`
	Type         string            `yaml:"type" json:"type"`
	Command      string            `yaml:"command,omitempty" json:"command,omitempty"`
	Args         []string          `yaml:"args,omitempty" json:"args,omitempty"`
	Env          map[string]string `yaml:"env,omitempty" json:"env,omitempty"`
	URL          string            `yaml:"url,omitempty" json:"url,omitempty"`
	Headers      map[string]string `yaml:"headers,omitempty" json:"headers,omitempty"`
	AllowedTools []string          `yaml:"allowed_tools,omitempty" json:"allowed_tools,omitempty"`
}

// ToServerConfig converts the document form to the mcp package's config.
func (s *MCPServer) ToServerConfig() *mcp.ServerConfig {
	return &mcp.ServerConfig{
		Name:         s.Name,
		Type:         s.Type,
		Command:      s.Command,
		Args:         s.Args,
		Env:          s.Env,
		URL:          s.URL,
		Headers:      s.Headers,
		AllowedTools: s.AllowedTools,
	}
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate checks the document for structural problems before building.
func (d *Document) Validate() error {
	if d.Name == "" {
		return fmt.Errorf("document name is required")
	}
	if d.Plan != nil && d.PlanPath != "" {
		return fmt.Errorf("plan and plan_path are mutually exclusive")
	}
	if d.Plan != nil {
		if err := d.Plan.Validate(); err != nil {
			return fmt.Errorf("invalid plan: %w", err)
		}
	}
	if d.Engine != nil {
		if err := d.Engine.validate(); err != nil {
			return err
		}
	}
	seen := make(map[string]bool, len(d.Tools))
	for _, entry := range d.Tools {
		if err := entry.validate(); err != nil {
			return err
		}
		if seen[entry.Name] {
			return fmt.Errorf("duplicate tool entry: %s", entry.Name)
		}
		seen[entry.Name] = true
	}
	seenServers := make(map[string]bool, len(d.MCPServers))
	for _, server := range d.MCPServers {
		if err := server.ToServerConfig().Validate(); err != nil {
			return err
		}
		if seenServers[server.Name] {
			return fmt.Errorf("duplicate mcp server: %s", server.Name)
		}
		seenServers[server.Name] = true
	}
	return nil
}

func (c *EngineConfig) validate() error {
	if c.LogLevel != "" && !validLogLevels[c.LogLevel] {
		return fmt.Errorf("invalid log level: %s", c.LogLevel)
	}
	for _, trigger := range c.ReplanTriggers {
		if !stride.PatternType(trigger).IsValid() {
			return fmt.Errorf("invalid replan trigger: %s", trigger)
		}
	}
	if c.ConfidenceThreshold < 0 || c.ConfidenceThreshold > 1 {
		return fmt.Errorf("confidence_threshold must be between 0 and 1")
	}
	if c.MemoryAcceptScore < 0 || c.MemoryAcceptScore > 1 {
		return fmt.Errorf("memory_accept_score must be between 0 and 1")
	}
	if c.StepTimeout != "" {
		if _, err := time.ParseDuration(c.StepTimeout); err != nil {
			return fmt.Errorf("invalid step_timeout: %w", err)
		}
	}
	return nil
}

func (e *ToolEntry) validate() error {
	if e.Name == "" {
		return fmt.Errorf("tool entry name is required")
	}
	if e.ArtifactType != "" && !stride.ArtifactType(e.ArtifactType).IsValid() {
		return fmt.Errorf("tool %s has invalid artifact type: %s", e.Name, e.ArtifactType)
	}
	for _, strategy := range e.RecoveryStrategies {
		if !stride.RecoveryAction(strategy.Action).IsValid() {
			return fmt.Errorf("tool %s has invalid recovery action: %s", e.Name, strategy.Action)
		}
	}
	for parameter, validators := range e.Validators {
		for _, v := range validators {
			switch stride.ValidatorKind(v.Kind) {
			case stride.ValidatorRegex, stride.ValidatorRange, stride.ValidatorEnum, stride.ValidatorLength:
			case stride.ValidatorCustom:
				return fmt.Errorf("tool %s parameter %s: custom validators cannot be configured in a document", e.Name, parameter)
			default:
				return fmt.Errorf("tool %s parameter %s has invalid validator kind: %s", e.Name, parameter, v.Kind)
			}
		}
	}
	return nil
}

// ToToolConfig converts the entry to the registry's ToolConfig form.
func (e *ToolEntry) ToToolConfig() *stride.ToolConfig {
	config := &stride.ToolConfig{
		AlternativeTools:         e.AlternativeTools,
		RequiresConsistencyCheck: e.RequiresConsistencyCheck,
		ArtifactType:             stride.ArtifactType(e.ArtifactType),
	}
	for _, strategy := range e.RecoveryStrategies {
		config.RecoveryStrategies = append(config.RecoveryStrategies, &stride.RecoveryStrategy{
			ErrorPattern: strategy.ErrorPattern,
			ErrorType:    strategy.ErrorType,
			Action:       stride.RecoveryAction(strategy.Action),
			MaxAttempts:  strategy.MaxAttempts,
		})
	}
	if e.ReplanPolicy != nil {
		config.ReplanPolicy = &stride.ReplanPolicy{
			ReplanOnFailure:  e.ReplanPolicy.ReplanOnFailure,
			ConditionPattern: e.ReplanPolicy.ConditionPattern,
		}
	}
	if len(e.Validators) > 0 {
		config.ParameterValidators = make(map[string][]*stride.ParameterValidator, len(e.Validators))
		for parameter, validators := range e.Validators {
			for _, v := range validators {
				config.ParameterValidators[parameter] = append(config.ParameterValidators[parameter],
					&stride.ParameterValidator{
						Kind:      stride.ValidatorKind(v.Kind),
						Pattern:   v.Pattern,
						Min:       v.Min,
						Max:       v.Max,
						Enum:      v.Enum,
						MinLength: v.MinLength,
						MaxLength: v.MaxLength,
					})
			}
		}
	}
	return config
}

package engine

import (
	"context"
	"fmt"
	"sort"
	"strconv"

	"github.com/deepnoodle-ai/stride"
	"github.com/deepnoodle-ai/stride/reasoner"
	"github.com/deepnoodle-ai/stride/schema"
	"github.com/deepnoodle-ai/stride/slogger"
)

// resolver turns a step's parameter bindings into concrete argument values
// read from run state. It only reads State; all writes stay with the apply
// loop. Resolution is deterministic for every binding that does not go
// through LLM inference: the same State and bindings always produce the same
// arguments.
type resolver struct {
	registry *stride.Registry
	reasoner reasoner.Reasoner
	state    *stride.State
	logger   slogger.Logger
}

// resolveArguments produces the full argument map for a step. The parameter
// set is the union of the tool schema's required parameters, the step's
// declared parameters, and the binding entry's keys; a parameter with no
// binding falls back to per-parameter inference.
func (r *resolver) resolveArguments(ctx context.Context, step *stride.Step, entry *stride.StepBindings, threshold float64) (map[string]any, error) {
	var toolSchema schema.Schema
	if tool, ok := r.registry.Tool(step.ToolName); ok {
		toolSchema = tool.Schema()
	}
	config, ok := r.registry.Config(step.ToolName)
	if !ok {
		config = &stride.ToolConfig{}
	}

	args := make(map[string]any)
	for _, name := range resolverParameterSet(step, toolSchema, entry) {
		var binding *stride.ParameterBinding
		if entry != nil {
			binding = entry.Bindings[name]
		}
		var property *schema.Property
		if toolSchema.Properties != nil {
			property = toolSchema.Properties[name]
		}
		value, err := r.resolveParameter(ctx, step, name, binding, property, config, threshold)
		if err != nil {
			return nil, err
		}
		args[name] = value
	}
	return args, nil
}

// resolveParameter resolves one parameter: source lookup when the binding's
// confidence clears the threshold, the binding's fallback policy otherwise.
// A validator failure counts as a resolution failure and goes through the
// same fallback, once.
func (r *resolver) resolveParameter(ctx context.Context, step *stride.Step, name string, binding *stride.ParameterBinding, property *schema.Property, config *stride.ToolConfig, threshold float64) (any, error) {
	if binding == nil {
		value, err := r.infer(ctx, step, name, property, "no binding present")
		if err != nil {
			return nil, err
		}
		if err := config.ValidateArgument(name, value); err != nil {
			return nil, &stride.ParameterResolutionError{
				StepID:    step.ID,
				Parameter: name,
				Reason:    "inferred value failed validation",
				Err:       err,
			}
		}
		return value, nil
	}

	fallbackReason := fmt.Sprintf("confidence %.2f below threshold %.2f", binding.Confidence, threshold)
	if binding.Confidence >= threshold {
		value, found := r.resolveSource(binding)
		if found {
			err := config.ValidateArgument(name, value)
			if err == nil {
				return value, nil
			}
			fallbackReason = fmt.Sprintf("resolved value failed validation: %v", err)
		} else {
			fallbackReason = fmt.Sprintf("source %q (%s) not found in state", binding.Source, binding.SourceType)
		}
	}

	return r.applyFallback(ctx, step, name, binding, property, config, fallbackReason)
}

// resolveSource reads the binding's value from state by source type. GENERATED
// bindings have no static source and always report not found.
func (r *resolver) resolveSource(binding *stride.ParameterBinding) (any, bool) {
	switch binding.SourceType {
	case stride.SourceTypeUserInput:
		return r.state.Input(binding.Source)
	case stride.SourceTypeStepOutput:
		stepID, path, err := stride.ParseStepOutputRef(binding.Source)
		if err != nil {
			return nil, false
		}
		return r.state.StepOutputValue(stepID, path)
	case stride.SourceTypeState:
		return r.state.Lookup(binding.Source)
	case stride.SourceTypeLiteral:
		return binding.DefaultValue, true
	case stride.SourceTypeGenerated:
		return nil, false
	}
	return nil, false
}

// applyFallback resolves a parameter through the binding's fallback policy.
// An unset policy is treated as ERROR.
func (r *resolver) applyFallback(ctx context.Context, step *stride.Step, name string, binding *stride.ParameterBinding, property *schema.Property, config *stride.ToolConfig, reason string) (any, error) {
	switch binding.FallbackPolicy {
	case stride.FallbackLLMInfer:
		value, err := r.infer(ctx, step, name, property, reason)
		if err != nil {
			return nil, err
		}
		if err := config.ValidateArgument(name, value); err != nil {
			return nil, &stride.ParameterResolutionError{
				StepID:    step.ID,
				Parameter: name,
				Reason:    "inferred value failed validation",
				Err:       err,
			}
		}
		return value, nil

	case stride.FallbackUseDefault:
		value := binding.DefaultValue
		if err := config.ValidateArgument(name, value); err != nil {
			return nil, &stride.ParameterResolutionError{
				StepID:    step.ID,
				Parameter: name,
				Reason:    "default value failed validation",
				Err:       err,
			}
		}
		return value, nil

	default:
		return nil, &stride.ParameterResolutionError{
			StepID:    step.ID,
			Parameter: name,
			Reason:    reason,
		}
	}
}

// infer issues a narrow single-parameter reasoner call.
func (r *resolver) infer(ctx context.Context, step *stride.Step, name string, property *schema.Property, reason string) (any, error) {
	if r.reasoner == nil {
		return nil, &stride.ParameterResolutionError{
			StepID:    step.ID,
			Parameter: name,
			Reason:    "inference required but no reasoner configured: " + reason,
		}
	}
	result, err := r.reasoner.InferParameter(ctx, reasoner.InferParameterRequest{
		StepID:      step.ID,
		StepName:    step.Name,
		Tool:        step.ToolName,
		Parameter:   name,
		Schema:      property,
		Inputs:      r.state.Inputs(),
		StepOutputs: r.completedOutputs(),
		Reason:      reason,
	})
	if err != nil {
		return nil, &stride.ParameterResolutionError{
			StepID:    step.ID,
			Parameter: name,
			Reason:    "inference failed",
			Err:       err,
		}
	}
	r.logger.Debug("inferred parameter",
		"step_id", step.ID, "parameter", name, "confidence", result.Confidence)
	return result.Value, nil
}

// completedOutputs collects recorded step outputs keyed "step_<id>", the same
// spelling binding sources use.
func (r *resolver) completedOutputs() map[string]any {
	outputs := make(map[string]any)
	for key, record := range r.state.StepRecords() {
		if record.Output == nil {
			continue
		}
		if _, err := strconv.Atoi(key); err != nil {
			continue
		}
		outputs["step_"+key] = record.Output
	}
	return outputs
}

// resolverParameterSet is the sorted union of schema-required parameters,
// declared parameters, and binding entry keys. Optional schema parameters
// with no declared value or binding are left to the tool's own defaults.
func resolverParameterSet(step *stride.Step, toolSchema schema.Schema, entry *stride.StepBindings) []string {
	seen := map[string]bool{}
	for _, name := range toolSchema.Required {
		seen[name] = true
	}
	for name := range step.DeclaredParameters {
		seen[name] = true
	}
	if entry != nil {
		for name := range entry.Bindings {
			seen[name] = true
		}
	}
	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

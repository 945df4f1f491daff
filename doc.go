// Package stride provides a plan-driven orchestration engine for multi-step
// task execution. Steps invoke tools whose arguments may depend on earlier
// steps' outputs; plans are revised mid-flight when execution drifts.
//
// The core types are:
//
//   - [ExecutionPlan] and [Step] describe the work to perform.
//   - [BindingPlan] and [ParameterBinding] record where each step parameter's
//     value will come from at runtime, with a confidence score and fallback.
//   - [State] holds run-time data: user inputs, control counters, and the
//     append-only per-step outputs.
//   - [Tool] and [ToolConfig] define callable capabilities and their
//     orchestration metadata (validators, recovery strategies, replan policy).
//   - [ConsistencyCheckpoint] and [ConsistencyViolation] capture cross-step
//     contract checks on high-impact artifacts.
//
// Static parameter resolution lives in the
// [github.com/deepnoodle-ai/stride/planner] package. Execution, error
// recovery, consistency checking, and replanning live in
// [github.com/deepnoodle-ai/stride/engine]. Reasoner implementations are in
// the [github.com/deepnoodle-ai/stride/reasoner] subpackages.
package stride

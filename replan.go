package stride

// DefaultMaxReplans caps the number of replans per run.
const DefaultMaxReplans = 3

// ReplanMode selects how much of the plan a replan regenerates.
type ReplanMode string

const (
	// ReplanModeIncremental retains every succeeded step and regenerates only
	// the unfinished suffix.
	ReplanModeIncremental ReplanMode = "incremental"
	// ReplanModeFull discards the remaining structure and replans from
	// scratch, with completed outputs as context only.
	ReplanModeFull ReplanMode = "full"
)

// IsValid returns true for a known replan mode.
func (m ReplanMode) IsValid() bool {
	return m == ReplanModeIncremental || m == ReplanModeFull
}

// Standard replan trigger reasons, listed in evaluation priority order.
// Pattern-based triggers use TriggerForPattern.
const (
	TriggerCriticalViolation  = "critical_violation"
	TriggerToolReplanPolicy   = "tool_replan_policy"
	TriggerPeriodicCheckpoint = "periodic_checkpoint"
)

// TriggerForPattern returns the trigger reason string for a detected
// execution pattern, e.g. "pattern:REPEATED_FAILURE".
func TriggerForPattern(t PatternType) string {
	return "pattern:" + string(t)
}

// ReplanDecision records why and how a replan was triggered. CapCounter is
// the per-run replan count after this decision is applied.
type ReplanDecision struct {
	TriggerReason string     `json:"trigger_reason"`
	Mode          ReplanMode `json:"mode"`
	CapCounter    int        `json:"cap_counter"`
}

package engine

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"

	"github.com/deepnoodle-ai/stride"
)

// stepOutcome is one observed step attempt result. Failed attempts are
// recorded as they happen, so repeated-failure counts accumulate while a step
// is still retrying; the engine only consults the window once a step settles.
type stepOutcome struct {
	StepID    int               `json:"step_id"`
	Tool      string            `json:"tool"`
	Signature string            `json:"signature,omitempty"`
	Status    stride.StepStatus `json:"status"`
	Error     string            `json:"error,omitempty"`
}

// window is the bounded sliding record of recent step outcomes used for
// pattern detection. Oldest outcomes are discarded once the window is full,
// so detection never scans unbounded history. Not safe for concurrent use;
// the engine's apply loop is the only caller.
type window struct {
	size            int
	repeatThreshold int
	outcomes        []stepOutcome
}

func newWindow(size, repeatThreshold int) *window {
	if size <= 0 {
		size = stride.DefaultWindowSize
	}
	if repeatThreshold <= 0 {
		repeatThreshold = stride.DefaultRepeatedFailureCount
	}
	return &window{size: size, repeatThreshold: repeatThreshold}
}

// Record appends an outcome, evicting the oldest when the window is full.
func (w *window) Record(outcome stepOutcome) {
	w.outcomes = append(w.outcomes, outcome)
	if len(w.outcomes) > w.size {
		w.outcomes = w.outcomes[len(w.outcomes)-w.size:]
	}
}

// Reset clears the window. Called after a successful replan so stale evidence
// cannot immediately retrigger against the revised plan.
func (w *window) Reset() {
	w.outcomes = nil
}

// Outcomes returns a copy of the current window contents, oldest first.
func (w *window) Outcomes() []stepOutcome {
	return append([]stepOutcome(nil), w.outcomes...)
}

// Detect scans the window and returns all patterns currently present, in
// fixed order: repeated failures, then loops, then stalls.
func (w *window) Detect() []*stride.ExecutionPattern {
	var patterns []*stride.ExecutionPattern
	if p := w.detectRepeatedFailure(); p != nil {
		patterns = append(patterns, p)
	}
	if p := w.detectLoop(); p != nil {
		patterns = append(patterns, p)
	}
	if p := w.detectStall(); p != nil {
		patterns = append(patterns, p)
	}
	return patterns
}

// detectRepeatedFailure looks for the same step and tool failing at least
// repeatThreshold times within the window.
func (w *window) detectRepeatedFailure() *stride.ExecutionPattern {
	type key struct {
		stepID int
		tool   string
	}
	counts := make(map[key]int)
	for _, outcome := range w.outcomes {
		if outcome.Status != stride.StepStatusFailed {
			continue
		}
		k := key{stepID: outcome.StepID, tool: outcome.Tool}
		counts[k]++
		if counts[k] >= w.repeatThreshold {
			return &stride.ExecutionPattern{
				Type: stride.PatternRepeatedFailure,
				Evidence: fmt.Sprintf("step %d tool %q failed %d times in the last %d outcomes",
					k.stepID, k.tool, counts[k], len(w.outcomes)),
				StepRange: [2]int{k.stepID, k.stepID},
			}
		}
	}
	return nil
}

// detectLoop looks for an identical tool and argument signature recurring
// non-adjacently, i.e. the same call being issued again after intervening
// work. Adjacent repeats are ordinary retries and are not loops.
func (w *window) detectLoop() *stride.ExecutionPattern {
	firstSeen := make(map[string]int)
	for i, outcome := range w.outcomes {
		if outcome.Signature == "" {
			continue
		}
		j, seen := firstSeen[outcome.Signature]
		if !seen {
			firstSeen[outcome.Signature] = i
			continue
		}
		if i > j+1 {
			lo, hi := w.outcomes[j].StepID, outcome.StepID
			if lo > hi {
				lo, hi = hi, lo
			}
			return &stride.ExecutionPattern{
				Type: stride.PatternLoop,
				Evidence: fmt.Sprintf("tool %q invoked with identical arguments at positions %d and %d of the window",
					outcome.Tool, j, i),
				StepRange: [2]int{lo, hi},
			}
		}
	}
	return nil
}

// detectStall fires when a full window has been consumed without a single
// successful outcome.
func (w *window) detectStall() *stride.ExecutionPattern {
	if len(w.outcomes) < w.size {
		return nil
	}
	lo, hi := 0, 0
	for _, outcome := range w.outcomes {
		if outcome.Status == stride.StepStatusSucceeded {
			return nil
		}
		if lo == 0 || outcome.StepID < lo {
			lo = outcome.StepID
		}
		if outcome.StepID > hi {
			hi = outcome.StepID
		}
	}
	return &stride.ExecutionPattern{
		Type:      stride.PatternStall,
		Evidence:  fmt.Sprintf("%d consecutive outcomes without a successful step", len(w.outcomes)),
		StepRange: [2]int{lo, hi},
	}
}

// callSignature produces a deterministic digest of a tool invocation. Map
// keys are sorted by the JSON encoder, so identical arguments always hash
// identically regardless of insertion order.
func callSignature(tool string, args map[string]any) string {
	hash := sha256.New()
	hash.Write([]byte(tool))
	if len(args) > 0 {
		if data, err := json.Marshal(args); err == nil {
			hash.Write(data)
		}
	}
	return fmt.Sprintf("%x", hash.Sum(nil)[:16])
}

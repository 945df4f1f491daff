package engine

import (
	"testing"

	"github.com/deepnoodle-ai/stride"
	"github.com/stretchr/testify/require"
)

func failedOutcome(stepID int, tool string, args map[string]any) stepOutcome {
	return stepOutcome{
		StepID:    stepID,
		Tool:      tool,
		Signature: callSignature(tool, args),
		Status:    stride.StepStatusFailed,
		Error:     "boom",
	}
}

func succeededOutcome(stepID int, tool string, args map[string]any) stepOutcome {
	return stepOutcome{
		StepID:    stepID,
		Tool:      tool,
		Signature: callSignature(tool, args),
		Status:    stride.StepStatusSucceeded,
	}
}

func patternTypes(patterns []*stride.ExecutionPattern) []stride.PatternType {
	types := make([]stride.PatternType, 0, len(patterns))
	for _, pattern := range patterns {
		types = append(types, pattern.Type)
	}
	return types
}

func TestWindowEviction(t *testing.T) {
	w := newWindow(3, 3)
	for i := 1; i <= 4; i++ {
		w.Record(succeededOutcome(i, "search", map[string]any{"q": i}))
	}
	outcomes := w.Outcomes()
	require.Len(t, outcomes, 3)
	require.Equal(t, 2, outcomes[0].StepID, "oldest outcome evicted first")
	require.Equal(t, 4, outcomes[2].StepID)
}

func TestWindowRepeatedFailure(t *testing.T) {
	t.Run("fires at the threshold", func(t *testing.T) {
		w := newWindow(5, 3)
		args := map[string]any{"query": "climate"}
		w.Record(failedOutcome(2, "search_documents", args))
		w.Record(failedOutcome(2, "search_documents", args))
		require.Empty(t, patternTypes(w.Detect()), "two failures stay below the threshold")

		w.Record(failedOutcome(2, "search_documents", args))
		patterns := w.Detect()
		require.Contains(t, patternTypes(patterns), stride.PatternRepeatedFailure)
		for _, pattern := range patterns {
			if pattern.Type == stride.PatternRepeatedFailure {
				require.Equal(t, [2]int{2, 2}, pattern.StepRange)
				require.Contains(t, pattern.Evidence, "failed 3 times")
			}
		}
	})

	t.Run("distinct steps do not accumulate", func(t *testing.T) {
		w := newWindow(5, 3)
		w.Record(failedOutcome(1, "search_documents", nil))
		w.Record(failedOutcome(2, "search_documents", nil))
		w.Record(failedOutcome(3, "search_documents", nil))
		require.NotContains(t, patternTypes(w.Detect()), stride.PatternRepeatedFailure)
	})
}

func TestWindowLoop(t *testing.T) {
	argsA := map[string]any{"target": "a"}
	argsB := map[string]any{"target": "b"}

	t.Run("non-adjacent recurrence fires", func(t *testing.T) {
		w := newWindow(5, 3)
		w.Record(succeededOutcome(1, "fetch", argsA))
		w.Record(succeededOutcome(2, "fetch", argsB))
		w.Record(succeededOutcome(3, "fetch", argsA))
		require.Contains(t, patternTypes(w.Detect()), stride.PatternLoop)
	})

	t.Run("adjacent repeats are ordinary retries", func(t *testing.T) {
		w := newWindow(5, 3)
		w.Record(failedOutcome(1, "fetch", argsA))
		w.Record(failedOutcome(1, "fetch", argsA))
		w.Record(succeededOutcome(2, "fetch", argsB))
		require.NotContains(t, patternTypes(w.Detect()), stride.PatternLoop)
	})
}

func TestWindowStall(t *testing.T) {
	t.Run("full window without a success", func(t *testing.T) {
		w := newWindow(3, 5)
		w.Record(failedOutcome(1, "a", nil))
		w.Record(failedOutcome(2, "b", nil))
		w.Record(failedOutcome(3, "c", nil))
		require.Contains(t, patternTypes(w.Detect()), stride.PatternStall)
	})

	t.Run("a single success clears it", func(t *testing.T) {
		w := newWindow(3, 5)
		w.Record(failedOutcome(1, "a", nil))
		w.Record(succeededOutcome(2, "b", nil))
		w.Record(failedOutcome(3, "c", nil))
		require.NotContains(t, patternTypes(w.Detect()), stride.PatternStall)
	})

	t.Run("partial window never stalls", func(t *testing.T) {
		w := newWindow(3, 5)
		w.Record(failedOutcome(1, "a", nil))
		w.Record(failedOutcome(2, "b", nil))
		require.NotContains(t, patternTypes(w.Detect()), stride.PatternStall)
	})
}

func TestWindowReset(t *testing.T) {
	w := newWindow(5, 3)
	for i := 0; i < 3; i++ {
		w.Record(failedOutcome(1, "search", nil))
	}
	require.NotEmpty(t, w.Detect())

	w.Reset()
	require.Empty(t, w.Outcomes())
	require.Empty(t, w.Detect())
}

func TestWindowDefaults(t *testing.T) {
	w := newWindow(0, 0)
	require.Equal(t, stride.DefaultWindowSize, w.size)
	require.Equal(t, stride.DefaultRepeatedFailureCount, w.repeatThreshold)
}

func TestCallSignature(t *testing.T) {
	a := callSignature("search", map[string]any{"query": "x", "limit": 5})
	b := callSignature("search", map[string]any{"limit": 5, "query": "x"})
	require.Equal(t, a, b, "signature is independent of map order")

	c := callSignature("search", map[string]any{"query": "y", "limit": 5})
	require.NotEqual(t, a, c)

	d := callSignature("browse", map[string]any{"query": "x", "limit": 5})
	require.NotEqual(t, a, d, "tool name is part of the signature")
}

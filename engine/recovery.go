package engine

import (
	"context"
	"strings"

	"github.com/deepnoodle-ai/stride/memory"
	"github.com/deepnoodle-ai/stride/reasoner"
	"github.com/deepnoodle-ai/stride/slogger"
)

// DefaultMemoryAcceptScore is the minimum ranked-candidate score at which a
// historical fix is applied without consulting the reasoner. At the default
// ranking weights it requires at least a same-tool, same-error-type match.
const DefaultMemoryAcceptScore = 0.75

// Fix provenance, reported for logging and for deciding whether a success
// should be written back to memory.
const (
	recoverySourceMemory   = "memory"
	recoverySourceReasoner = "reasoner"
	recoverySourceRetry    = "retry"
)

// recoveryFix is the adjustment to apply before the next attempt. A nil Args
// with an empty Tool means retry unchanged.
type recoveryFix struct {
	Args       map[string]any
	Tool       string
	Source     string
	Confidence float64
}

// fixRequest describes the failure a fix is wanted for.
type fixRequest struct {
	StepID       int
	Tool         string
	Args         map[string]any
	ErrorType    string
	ErrorMessage string
	Attempt      int
	Alternatives []string
}

// recoveryManager finds fixes for failed tool calls: first from the memory
// store's record of previously successful recoveries, then from the
// reasoner. Both sources failing leaves a plain bounded retry.
type recoveryManager struct {
	memory   memory.Store
	reasoner reasoner.Reasoner
	minScore float64
	logger   slogger.Logger
}

func newRecoveryManager(store memory.Store, rsn reasoner.Reasoner, minScore float64, logger slogger.Logger) *recoveryManager {
	if minScore <= 0 {
		minScore = DefaultMemoryAcceptScore
	}
	return &recoveryManager{
		memory:   store,
		reasoner: rsn,
		minScore: minScore,
		logger:   logger,
	}
}

// FindFix returns the adjustment to apply before retrying. Historical fixes
// win when their ranked score clears the acceptance bound; the reasoner is
// only consulted after memory comes up empty.
func (m *recoveryManager) FindFix(ctx context.Context, req fixRequest) recoveryFix {
	if fix, ok := m.fromMemory(ctx, req); ok {
		return fix
	}
	if fix, ok := m.fromReasoner(ctx, req); ok {
		return fix
	}
	return recoveryFix{Source: recoverySourceRetry}
}

func (m *recoveryManager) fromMemory(ctx context.Context, req fixRequest) (recoveryFix, bool) {
	if m.memory == nil {
		return recoveryFix{}, false
	}
	candidates, err := m.memory.QueryRecoveryStrategy(ctx, memory.Query{
		ToolName:  req.Tool,
		ErrorType: req.ErrorType,
		Message:   req.ErrorMessage,
		Limit:     1,
	})
	if err != nil {
		m.logger.Warn("memory query failed", "tool", req.Tool, "error", err)
		return recoveryFix{}, false
	}
	if len(candidates) == 0 {
		return recoveryFix{}, false
	}
	best := candidates[0]
	if best.Score < m.minScore || len(best.Record.FixedParams) == 0 {
		return recoveryFix{}, false
	}
	m.logger.Debug("applying historical fix",
		"tool", req.Tool, "score", best.Score, "use_count", best.Record.UseCount)
	return recoveryFix{
		Args:       overlayArgs(req.Args, best.Record.FixedParams),
		Source:     recoverySourceMemory,
		Confidence: best.Record.Confidence,
	}, true
}

func (m *recoveryManager) fromReasoner(ctx context.Context, req fixRequest) (recoveryFix, bool) {
	if m.reasoner == nil {
		return recoveryFix{}, false
	}
	spec, err := m.reasoner.SuggestRecovery(ctx, reasoner.SuggestRecoveryRequest{
		StepID:           req.StepID,
		Tool:             req.Tool,
		ErrorType:        req.ErrorType,
		ErrorMessage:     req.ErrorMessage,
		Arguments:        req.Args,
		Attempt:          req.Attempt,
		AlternativeTools: req.Alternatives,
	})
	if err != nil {
		m.logger.Warn("recovery suggestion failed", "tool", req.Tool, "error", err)
		return recoveryFix{}, false
	}
	fix := recoveryFix{Source: recoverySourceReasoner, Confidence: spec.Confidence}
	if len(spec.FixedParams) > 0 {
		fix.Args = overlayArgs(req.Args, spec.FixedParams)
	}
	if spec.UseTool != "" && containsString(req.Alternatives, spec.UseTool) {
		fix.Tool = spec.UseTool
	}
	if fix.Args == nil && fix.Tool == "" {
		return recoveryFix{}, false
	}
	return fix, true
}

// RecordSuccess writes a recovery that worked back to memory. Failures are
// logged and dropped; recording never disturbs the run.
func (m *recoveryManager) RecordSuccess(ctx context.Context, req fixRequest, fixedArgs map[string]any, confidence float64) {
	if m.memory == nil {
		return
	}
	err := m.memory.RecordRecovery(ctx, &memory.Record{
		ToolName:       req.Tool,
		ErrorType:      req.ErrorType,
		ErrorMessage:   req.ErrorMessage,
		OriginalParams: req.Args,
		FixedParams:    fixedArgs,
		Success:        true,
		Confidence:     confidence,
	})
	if err != nil {
		m.logger.Warn("failed to record recovery", "tool", req.Tool, "error", err)
	}
}

// overlayArgs returns base with patch entries laid over it. Neither input is
// modified.
func overlayArgs(base, patch map[string]any) map[string]any {
	merged := make(map[string]any, len(base)+len(patch))
	for k, v := range base {
		merged[k] = v
	}
	for k, v := range patch {
		merged[k] = v
	}
	return merged
}

func containsString(values []string, want string) bool {
	for _, value := range values {
		if value == want {
			return true
		}
	}
	return false
}

// classifyErrorType maps an error message to the coarse error-type vocabulary
// shared with the memory store. Unrecognized messages classify as "unknown".
func classifyErrorType(message string) string {
	text := strings.ToLower(message)
	switch {
	case strings.Contains(text, "timeout") || strings.Contains(text, "timed out") ||
		strings.Contains(text, "deadline exceeded"):
		return "timeout"
	case strings.Contains(text, "rate limit") || strings.Contains(text, "too many requests") ||
		strings.Contains(text, "429"):
		return "rate_limit"
	case strings.Contains(text, "unauthorized") || strings.Contains(text, "forbidden") ||
		strings.Contains(text, "permission denied"):
		return "permission_denied"
	case strings.Contains(text, "not found") || strings.Contains(text, "no such"):
		return "not_found"
	case strings.Contains(text, "invalid") || strings.Contains(text, "malformed") ||
		strings.Contains(text, "bad request"):
		return "invalid_input"
	case strings.Contains(text, "connection") || strings.Contains(text, "network") ||
		strings.Contains(text, "unreachable"):
		return "network"
	default:
		return "unknown"
	}
}

// Package memory stores the outcomes of past error recoveries and retrieves
// them ranked by relevance, so the engine can reuse a fix that worked before
// instead of asking the reasoner again.
package memory

import (
	"context"
	"time"
)

// Record captures one recovery attempt: the tool and error it addressed, the
// parameter change that was applied, and whether it worked.
type Record struct {
	ID             string         `json:"id"`
	ToolName       string         `json:"tool_name"`
	ErrorType      string         `json:"error_type"`
	ErrorMessage   string         `json:"error_message,omitempty"`
	OriginalParams map[string]any `json:"original_params,omitempty"`
	FixedParams    map[string]any `json:"fixed_params,omitempty"`
	Success        bool           `json:"success"`

	// Confidence is the recorder's confidence in the fix, in [0,1].
	Confidence float64 `json:"confidence,omitempty"`

	// UseCount is how many times this fix has been recorded as applied.
	UseCount int `json:"use_count"`

	CreatedAt time.Time `json:"created_at"`
}

// Query describes the failure the engine is trying to recover from.
type Query struct {
	ToolName  string `json:"tool_name"`
	ErrorType string `json:"error_type"`
	Message   string `json:"message,omitempty"`

	// Limit caps the number of candidates returned. Zero means no limit.
	Limit int `json:"limit,omitempty"`
}

// RankedCandidate is a stored recovery paired with its relevance score for a
// query. The component fields carry the unweighted match values.
type RankedCandidate struct {
	Record            *Record `json:"record"`
	Score             float64 `json:"score"`
	ErrorTypeMatch    float64 `json:"error_type_match"`
	ToolNameMatch     float64 `json:"tool_name_match"`
	MessageSimilarity float64 `json:"message_similarity"`
}

// RankingWeights weight the three match components of a candidate's score:
// Score = ErrorType*error_type_match + ToolName*tool_name_match +
// Message*message_similarity.
type RankingWeights struct {
	ErrorType float64 `json:"error_type"`
	ToolName  float64 `json:"tool_name"`
	Message   float64 `json:"message"`
}

// DefaultRankingWeights favor error-type matches, then tool matches, then
// message similarity.
var DefaultRankingWeights = RankingWeights{
	ErrorType: 0.5,
	ToolName:  0.3,
	Message:   0.2,
}

// Store is the recovery memory contract.
//
// QueryRecoveryStrategy returns successful past recoveries ranked by
// relevance to the query, best first. Ties are broken by record confidence,
// then use count. RecordRecovery saves a recovery outcome; recording the same
// (tool, error type, fix) again increments its use count rather than
// duplicating it.
type Store interface {
	QueryRecoveryStrategy(ctx context.Context, query Query) ([]RankedCandidate, error)
	RecordRecovery(ctx context.Context, record *Record) error
}

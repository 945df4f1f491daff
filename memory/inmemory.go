package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/deepnoodle-ai/stride/internal/random"
)

// DefaultMaxRecords bounds an InMemoryStore when no explicit cap is given.
const DefaultMaxRecords = 512

// InMemoryStoreOptions configure an InMemoryStore. Zero values select the
// defaults.
type InMemoryStoreOptions struct {
	// MaxRecords caps the number of stored recoveries. Oldest records are
	// evicted first. Defaults to DefaultMaxRecords.
	MaxRecords int

	// Weights used to score candidates. Defaults to DefaultRankingWeights.
	Weights RankingWeights
}

// InMemoryStore is a bounded, mutex-guarded recovery memory. Records are kept
// in insertion order so eviction drops the oldest first.
type InMemoryStore struct {
	mutex      sync.RWMutex
	records    []*Record
	maxRecords int
	weights    RankingWeights
}

// NewInMemoryStore creates an in-memory recovery store.
func NewInMemoryStore(opts InMemoryStoreOptions) *InMemoryStore {
	maxRecords := opts.MaxRecords
	if maxRecords <= 0 {
		maxRecords = DefaultMaxRecords
	}
	weights := opts.Weights
	if weights == (RankingWeights{}) {
		weights = DefaultRankingWeights
	}
	return &InMemoryStore{
		maxRecords: maxRecords,
		weights:    weights,
	}
}

// RecordRecovery saves a recovery outcome. A record whose tool, error type,
// and fixed parameters match an existing one updates that record in place and
// increments its use count instead of appending a duplicate.
func (s *InMemoryStore) RecordRecovery(ctx context.Context, record *Record) error {
	if record == nil {
		return fmt.Errorf("record is required")
	}
	s.mutex.Lock()
	defer s.mutex.Unlock()

	key := recordKey(record)
	for _, existing := range s.records {
		if recordKey(existing) == key {
			existing.UseCount++
			existing.Success = record.Success
			existing.ErrorMessage = record.ErrorMessage
			if record.Confidence > 0 {
				existing.Confidence = record.Confidence
			}
			return nil
		}
	}

	stored := copyRecord(record)
	if stored.ID == "" {
		stored.ID = random.NewID("rec")
	}
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now().UTC()
	}
	if stored.UseCount <= 0 {
		stored.UseCount = 1
	}
	s.records = append(s.records, stored)
	if len(s.records) > s.maxRecords {
		s.records = s.records[len(s.records)-s.maxRecords:]
	}
	return nil
}

// QueryRecoveryStrategy returns successful past recoveries ranked by
// relevance to the query, best first.
func (s *InMemoryStore) QueryRecoveryStrategy(ctx context.Context, query Query) ([]RankedCandidate, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	queryTokens := tokenize(query.Message)
	candidates := make([]RankedCandidate, 0, len(s.records))
	for _, record := range s.records {
		if !record.Success {
			continue
		}
		candidate := RankedCandidate{
			Record:            copyRecord(record),
			ErrorTypeMatch:    exactMatch(query.ErrorType, record.ErrorType),
			ToolNameMatch:     exactMatch(query.ToolName, record.ToolName),
			MessageSimilarity: jaccardSimilarity(queryTokens, tokenize(record.ErrorMessage)),
		}
		candidate.Score = s.weights.ErrorType*candidate.ErrorTypeMatch +
			s.weights.ToolName*candidate.ToolNameMatch +
			s.weights.Message*candidate.MessageSimilarity
		candidates = append(candidates, candidate)
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if a.Record.Confidence != b.Record.Confidence {
			return a.Record.Confidence > b.Record.Confidence
		}
		if a.Record.UseCount != b.Record.UseCount {
			return a.Record.UseCount > b.Record.UseCount
		}
		if !a.Record.CreatedAt.Equal(b.Record.CreatedAt) {
			return a.Record.CreatedAt.After(b.Record.CreatedAt)
		}
		return a.Record.ID < b.Record.ID
	})

	if query.Limit > 0 && len(candidates) > query.Limit {
		candidates = candidates[:query.Limit]
	}
	return candidates, nil
}

// Len reports the number of stored records.
func (s *InMemoryStore) Len() int {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return len(s.records)
}

var _ Store = &InMemoryStore{}

func exactMatch(a, b string) float64 {
	if a == "" || b == "" {
		return 0.0
	}
	if strings.EqualFold(a, b) {
		return 1.0
	}
	return 0.0
}

// recordKey identifies a recovery by its tool, error type, and fix. The fixed
// parameters are canonicalized through JSON so map ordering does not matter.
func recordKey(record *Record) string {
	fix, err := json.Marshal(record.FixedParams)
	if err != nil {
		fix = []byte("{}")
	}
	return strings.ToLower(record.ToolName) + "\x00" +
		strings.ToLower(record.ErrorType) + "\x00" + string(fix)
}

func copyRecord(record *Record) *Record {
	dup := *record
	if record.OriginalParams != nil {
		dup.OriginalParams = make(map[string]any, len(record.OriginalParams))
		for k, v := range record.OriginalParams {
			dup.OriginalParams[k] = v
		}
	}
	if record.FixedParams != nil {
		dup.FixedParams = make(map[string]any, len(record.FixedParams))
		for k, v := range record.FixedParams {
			dup.FixedParams[k] = v
		}
	}
	return &dup
}

// tokenize lowercases the text and splits it into alphanumeric tokens,
// dropping single characters.
func tokenize(text string) map[string]bool {
	tokens := map[string]bool{}
	var builder strings.Builder
	flush := func() {
		if builder.Len() >= 2 {
			tokens[builder.String()] = true
		}
		builder.Reset()
	}
	for _, r := range strings.ToLower(text) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			builder.WriteRune(r)
		} else {
			flush()
		}
	}
	flush()
	return tokens
}

// jaccardSimilarity is the intersection size over the union size of two token
// sets. Two empty sets have zero similarity.
func jaccardSimilarity(a, b map[string]bool) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0.0
	}
	intersection := 0
	for token := range a {
		if b[token] {
			intersection++
		}
	}
	union := len(a) + len(b) - intersection
	if union == 0 {
		return 0.0
	}
	return float64(intersection) / float64(union)
}

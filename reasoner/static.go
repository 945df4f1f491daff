package reasoner

import (
	"context"
	"fmt"
	"sync"
)

// Static is a deterministic Reasoner for tests and offline runs. Each method
// delegates to the matching function field when one is set and otherwise
// returns a fixed, safe default: no inferred value, no binding refinements,
// a minimal checkpoint summary, no violations, an empty recovery, an empty
// plan. The zero value is usable. Calls are counted per method.
type Static struct {
	InferParameterFunc    func(ctx context.Context, req InferParameterRequest) (*InferParameterResult, error)
	GenerateBindingsFunc  func(ctx context.Context, req GenerateBindingsRequest) (*BindingPlanSpec, error)
	SummarizeArtifactFunc func(ctx context.Context, req SummarizeArtifactRequest) (*CheckpointSpec, error)
	CompareArtifactsFunc  func(ctx context.Context, req CompareArtifactsRequest) (*ConsistencyCheckResult, error)
	SuggestRecoveryFunc   func(ctx context.Context, req SuggestRecoveryRequest) (*RecoverySpec, error)
	GeneratePlanFunc      func(ctx context.Context, req GeneratePlanRequest) (*PlanSpec, error)

	mutex  sync.Mutex
	counts map[string]int
}

var _ Reasoner = &Static{}

func (s *Static) InferParameter(ctx context.Context, req InferParameterRequest) (*InferParameterResult, error) {
	s.record("InferParameter")
	if s.InferParameterFunc != nil {
		return s.InferParameterFunc(ctx, req)
	}
	return &InferParameterResult{Confidence: 0}, nil
}

func (s *Static) GenerateBindings(ctx context.Context, req GenerateBindingsRequest) (*BindingPlanSpec, error) {
	s.record("GenerateBindings")
	if s.GenerateBindingsFunc != nil {
		return s.GenerateBindingsFunc(ctx, req)
	}
	return &BindingPlanSpec{}, nil
}

func (s *Static) SummarizeArtifact(ctx context.Context, req SummarizeArtifactRequest) (*CheckpointSpec, error) {
	s.record("SummarizeArtifact")
	if s.SummarizeArtifactFunc != nil {
		return s.SummarizeArtifactFunc(ctx, req)
	}
	description := fmt.Sprintf("%s artifact", req.ArtifactType)
	if req.Artifact != nil && req.Artifact.Name != "" {
		description = fmt.Sprintf("%s artifact %q", req.ArtifactType, req.Artifact.Name)
	}
	return &CheckpointSpec{Description: description}, nil
}

func (s *Static) CompareArtifacts(ctx context.Context, req CompareArtifactsRequest) (*ConsistencyCheckResult, error) {
	s.record("CompareArtifacts")
	if s.CompareArtifactsFunc != nil {
		return s.CompareArtifactsFunc(ctx, req)
	}
	return &ConsistencyCheckResult{}, nil
}

func (s *Static) SuggestRecovery(ctx context.Context, req SuggestRecoveryRequest) (*RecoverySpec, error) {
	s.record("SuggestRecovery")
	if s.SuggestRecoveryFunc != nil {
		return s.SuggestRecoveryFunc(ctx, req)
	}
	return &RecoverySpec{}, nil
}

func (s *Static) GeneratePlan(ctx context.Context, req GeneratePlanRequest) (*PlanSpec, error) {
	s.record("GeneratePlan")
	if s.GeneratePlanFunc != nil {
		return s.GeneratePlanFunc(ctx, req)
	}
	return &PlanSpec{}, nil
}

func (s *Static) record(method string) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.counts == nil {
		s.counts = map[string]int{}
	}
	s.counts[method]++
}

// Calls reports how many times the named method has been invoked.
func (s *Static) Calls(method string) int {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.counts[method]
}

// TotalCalls reports invocations across every method.
func (s *Static) TotalCalls() int {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	total := 0
	for _, n := range s.counts {
		total += n
	}
	return total
}

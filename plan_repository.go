package stride

import (
	"context"
	"fmt"
	"sync"
)

// ErrPlanNotFound is returned when attempting to access a plan that does not exist.
var ErrPlanNotFound = fmt.Errorf("plan not found")

// ListPlansInput specifies pagination parameters for listing plans.
type ListPlansInput struct {
	// Offset is the number of plans to skip before returning results.
	Offset int

	// Limit is the maximum number of plans to return. Zero means no limit.
	Limit int
}

// ListPlansOutput contains the results of a ListPlans query.
type ListPlansOutput struct {
	// Items contains the plans matching the query criteria.
	Items []*ExecutionPlan
}

// PlanRepository stores the current version of each execution plan.
//
// The engine writes an updated plan after every replan, so the repository
// always holds the latest version under the plan's ID. Version history is
// preserved in the run's event log, not here.
type PlanRepository interface {
	// PutPlan creates a new plan or replaces the stored version.
	PutPlan(ctx context.Context, plan *ExecutionPlan) error

	// GetPlan retrieves a plan by its ID.
	// Returns ErrPlanNotFound if the plan does not exist.
	GetPlan(ctx context.Context, id string) (*ExecutionPlan, error)

	// DeletePlan removes a plan by its ID.
	// Returns nil if the plan does not exist (idempotent).
	DeletePlan(ctx context.Context, id string) error

	// ListPlans returns plans matching the pagination criteria.
	// Pass nil for input to retrieve all plans.
	ListPlans(ctx context.Context, input *ListPlansInput) (*ListPlansOutput, error)
}

// MemoryPlanRepository is an in-memory implementation of PlanRepository.
//
// Suitable for tests and single-run embedding. Plans are deep-copied on both
// Put and Get so later replans cannot mutate stored state through aliasing.
//
// All operations are thread-safe using a read-write mutex.
type MemoryPlanRepository struct {
	mu    sync.RWMutex
	plans map[string]*ExecutionPlan
}

// NewMemoryPlanRepository creates a new empty MemoryPlanRepository.
func NewMemoryPlanRepository() *MemoryPlanRepository {
	return &MemoryPlanRepository{
		plans: make(map[string]*ExecutionPlan),
	}
}

// WithPlans initializes the repository with a list of plans.
//
// This is a builder-pattern method that returns the repository for chaining.
// Useful for setting up test fixtures.
func (r *MemoryPlanRepository) WithPlans(plans []*ExecutionPlan) *MemoryPlanRepository {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, plan := range plans {
		r.plans[plan.ID] = plan.Copy()
	}
	return r
}

// PutPlan stores a plan, creating it if new or replacing if it exists.
func (r *MemoryPlanRepository) PutPlan(ctx context.Context, plan *ExecutionPlan) error {
	if plan == nil || plan.ID == "" {
		return fmt.Errorf("plan with an id is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	r.plans[plan.ID] = plan.Copy()
	return nil
}

// GetPlan retrieves a plan by ID.
// Returns ErrPlanNotFound if the plan does not exist.
func (r *MemoryPlanRepository) GetPlan(ctx context.Context, id string) (*ExecutionPlan, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	plan, ok := r.plans[id]
	if !ok {
		return nil, ErrPlanNotFound
	}
	return plan.Copy(), nil
}

// DeletePlan removes a plan by ID.
// This operation is idempotent; deleting a non-existent plan returns nil.
func (r *MemoryPlanRepository) DeletePlan(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.plans, id)
	return nil
}

// ListPlans returns plans with optional pagination.
//
// Note: The order of returned plans is not guaranteed due to Go map iteration
// semantics. For consistent ordering, sort the results after retrieval.
func (r *MemoryPlanRepository) ListPlans(ctx context.Context, input *ListPlansInput) (*ListPlansOutput, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var plans []*ExecutionPlan
	for _, plan := range r.plans {
		plans = append(plans, plan.Copy())
	}

	if input != nil {
		if input.Offset > 0 {
			if input.Offset < len(plans) {
				plans = plans[input.Offset:]
			} else {
				plans = nil
			}
		}
		if input.Limit > 0 && input.Limit < len(plans) {
			plans = plans[:input.Limit]
		}
	}

	return &ListPlansOutput{Items: plans}, nil
}

var _ PlanRepository = &MemoryPlanRepository{}

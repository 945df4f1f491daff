package stride

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/deepnoodle-ai/stride/slogger"
	"github.com/fsnotify/fsnotify"
	"github.com/goccy/go-yaml"
)

// planFileExtensions are the file extensions recognized as plan documents.
var planFileExtensions = []string{".json", ".yml", ".yaml"}

// FilePlanRepository stores plans as individual files on disk.
//
// The repository writes plans as {plan_id}.json in the configured base
// directory. Reads additionally accept hand-written {plan_id}.yml or
// {plan_id}.yaml documents, so plans can be edited externally between runs.
//
// All operations are thread-safe using a read-write mutex.
type FilePlanRepository struct {
	mu      sync.RWMutex
	baseDir string
}

// NewFilePlanRepository creates a new file-based plan repository.
//
// The baseDir specifies where plan files are stored. The directory is
// created if it does not exist.
func NewFilePlanRepository(baseDir string) (*FilePlanRepository, error) {
	// Expand ~ to home directory
	if strings.HasPrefix(baseDir, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, err
		}
		baseDir = filepath.Join(home, baseDir[2:])
	}

	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, err
	}

	return &FilePlanRepository{baseDir: baseDir}, nil
}

// BaseDir returns the directory holding the repository's plan files.
func (r *FilePlanRepository) BaseDir() string {
	return r.baseDir
}

// planPath returns the canonical (JSON) file path for a plan ID.
func (r *FilePlanRepository) planPath(planID string) string {
	return filepath.Join(r.baseDir, planID+".json")
}

// PutPlan stores a plan, creating it if new or replacing if it exists.
func (r *FilePlanRepository) PutPlan(ctx context.Context, plan *ExecutionPlan) error {
	if plan == nil || plan.ID == "" {
		return fmt.Errorf("plan with an id is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	data, err := json.MarshalIndent(plan, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(r.planPath(plan.ID), data, 0644)
}

// GetPlan retrieves a plan by ID, checking the canonical JSON file first and
// falling back to a YAML document with the same base name.
// Returns ErrPlanNotFound if no plan file exists.
func (r *FilePlanRepository) GetPlan(ctx context.Context, id string) (*ExecutionPlan, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, ext := range planFileExtensions {
		path := filepath.Join(r.baseDir, id+ext)
		if _, err := os.Stat(path); err != nil {
			continue
		}
		return ParsePlanFile(path)
	}
	return nil, ErrPlanNotFound
}

// DeletePlan removes a plan by ID, in any recognized format.
// This operation is idempotent; deleting a non-existent plan returns nil.
func (r *FilePlanRepository) DeletePlan(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, ext := range planFileExtensions {
		err := os.Remove(filepath.Join(r.baseDir, id+ext))
		if err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return nil
}

// ListPlans returns plans sorted by UpdatedAt descending (most recent first).
//
// Supports pagination via Offset and Limit in ListPlansInput. Malformed plan
// files are skipped.
func (r *FilePlanRepository) ListPlans(ctx context.Context, input *ListPlansInput) (*ListPlansOutput, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	pattern := filepath.Join(r.baseDir, "*.{json,yml,yaml}")
	matches, err := doublestar.FilepathGlob(pattern)
	if err != nil {
		return nil, err
	}

	var plans []*ExecutionPlan
	for _, path := range matches {
		plan, err := ParsePlanFile(path)
		if err != nil {
			continue // Skip malformed files
		}
		plans = append(plans, plan)
	}

	// Sort by UpdatedAt descending (most recent first)
	sort.Slice(plans, func(i, j int) bool {
		return plans[i].UpdatedAt.After(plans[j].UpdatedAt)
	})

	// Apply pagination
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

// Watch emits re-parsed plans when plan files in the repository directory are
// written or created. Events for the same file within the debounce interval
// are dropped. The returned channel closes when ctx is canceled. Parse
// failures are logged (slogger.Ctx) and skipped.
func (r *FilePlanRepository) Watch(ctx context.Context, debounce time.Duration) (<-chan *ExecutionPlan, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}
	if err := watcher.Add(r.baseDir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", r.baseDir, err)
	}

	logger := slogger.Ctx(ctx)
	updates := make(chan *ExecutionPlan, 16)

	go func() {
		defer watcher.Close()
		defer close(updates)
		lastSeen := make(map[string]time.Time)
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
					continue
				}
				if !isPlanFile(event.Name) {
					continue
				}
				now := time.Now()
				if last, seen := lastSeen[event.Name]; seen && now.Sub(last) < debounce {
					continue
				}
				lastSeen[event.Name] = now
				plan, err := ParsePlanFile(event.Name)
				if err != nil {
					logger.Warn("ignoring unparseable plan file",
						"path", event.Name, "error", err)
					continue
				}
				select {
				case updates <- plan:
				case <-ctx.Done():
					return
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Warn("plan watcher error", "error", err)
			}
		}
	}()

	return updates, nil
}

// DiscoverPlanFiles returns the plan files matching a doublestar glob
// pattern, e.g. "plans/**/*.yaml". Matches with unrecognized extensions are
// filtered out.
func DiscoverPlanFiles(pattern string) ([]string, error) {
	matches, err := doublestar.FilepathGlob(pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid pattern %s: %w", pattern, err)
	}
	var paths []string
	for _, match := range matches {
		if isPlanFile(match) {
			paths = append(paths, match)
		}
	}
	sort.Strings(paths)
	return paths, nil
}

// ParsePlanFile loads an ExecutionPlan from a file. The file extension is
// used to determine the format (JSON or YAML). A plan with no ID gets one
// derived from the file name; a plan with no version is set to version 1.
func ParsePlanFile(path string) (*ExecutionPlan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	ext := strings.ToLower(filepath.Ext(path))
	var plan *ExecutionPlan
	switch ext {
	case ".json":
		plan, err = ParsePlanJSON(data)
	case ".yml", ".yaml":
		plan, err = ParsePlanYAML(data)
	default:
		return nil, fmt.Errorf("unsupported file extension: %s", ext)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse plan file %s: %w", path, err)
	}
	if plan.ID == "" {
		plan.ID = strings.TrimSuffix(filepath.Base(path), ext)
	}
	if plan.Version == 0 {
		plan.Version = 1
	}
	return plan, nil
}

// ParsePlanYAML loads an ExecutionPlan from YAML. Unknown fields are rejected.
func ParsePlanYAML(data []byte) (*ExecutionPlan, error) {
	var plan ExecutionPlan
	if err := yaml.UnmarshalWithOptions(data, &plan, yaml.Strict()); err != nil {
		return nil, err
	}
	if err := plan.Validate(); err != nil {
		return nil, err
	}
	return &plan, nil
}

// ParsePlanJSON loads an ExecutionPlan from JSON.
func ParsePlanJSON(data []byte) (*ExecutionPlan, error) {
	var plan ExecutionPlan
	if err := json.Unmarshal(data, &plan); err != nil {
		return nil, err
	}
	if err := plan.Validate(); err != nil {
		return nil, err
	}
	return &plan, nil
}

func isPlanFile(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	for _, allowed := range planFileExtensions {
		if ext == allowed {
			return true
		}
	}
	return false
}

var _ PlanRepository = &FilePlanRepository{}

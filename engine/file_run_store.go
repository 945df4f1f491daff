package engine

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// FileRunStore implements RunStore on the local filesystem. Each run gets its
// own directory under the base path, holding an append-only events.jsonl and
// a snapshot.json replaced atomically via temp file + rename.
type FileRunStore struct {
	basePath string
	mutex    sync.RWMutex
}

// NewFileRunStore creates a file-based run store rooted at basePath.
func NewFileRunStore(basePath string) *FileRunStore {
	return &FileRunStore{basePath: basePath}
}

// AppendEvents appends events to the run's event log file as JSON Lines.
func (s *FileRunStore) AppendEvents(ctx context.Context, events []*RunEvent) error {
	if len(events) == 0 {
		return nil
	}
	runID := events[0].RunID

	s.mutex.Lock()
	defer s.mutex.Unlock()

	runDir := filepath.Join(s.basePath, runID)
	if err := os.MkdirAll(runDir, 0755); err != nil {
		return fmt.Errorf("failed to create run directory: %w", err)
	}

	eventsFile := filepath.Join(runDir, "events.jsonl")
	file, err := os.OpenFile(eventsFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open events file: %w", err)
	}
	defer file.Close()

	encoder := json.NewEncoder(file)
	for _, event := range events {
		if err := encoder.Encode(event); err != nil {
			return fmt.Errorf("failed to encode event: %w", err)
		}
	}
	return nil
}

// Events returns the run's events with sequence >= fromSeq.
func (s *FileRunStore) Events(ctx context.Context, runID string, fromSeq int64) ([]*RunEvent, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	eventsFile := filepath.Join(s.basePath, runID, "events.jsonl")
	file, err := os.Open(eventsFile)
	if err != nil {
		if os.IsNotExist(err) {
			return []*RunEvent{}, nil
		}
		return nil, fmt.Errorf("failed to open events file: %w", err)
	}
	defer file.Close()

	var events []*RunEvent
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		var event RunEvent
		if err := json.Unmarshal(scanner.Bytes(), &event); err != nil {
			return nil, fmt.Errorf("failed to decode event: %w", err)
		}
		if event.Sequence >= fromSeq {
			events = append(events, &event)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read events file: %w", err)
	}
	return events, nil
}

// SaveSnapshot writes the run's snapshot atomically: encode to a temp file in
// the run directory, then rename over snapshot.json.
func (s *FileRunStore) SaveSnapshot(ctx context.Context, snapshot *RunSnapshot) error {
	if snapshot == nil || snapshot.ID == "" {
		return fmt.Errorf("snapshot with run id is required")
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	runDir := filepath.Join(s.basePath, snapshot.ID)
	if err := os.MkdirAll(runDir, 0755); err != nil {
		return fmt.Errorf("failed to create run directory: %w", err)
	}

	snapshot.UpdatedAt = time.Now().UTC()
	if snapshot.CreatedAt.IsZero() {
		snapshot.CreatedAt = snapshot.UpdatedAt
	}

	snapshotFile := filepath.Join(runDir, "snapshot.json")
	tempFile := snapshotFile + ".tmp"

	file, err := os.Create(tempFile)
	if err != nil {
		return fmt.Errorf("failed to create temp snapshot file: %w", err)
	}
	defer file.Close()

	encoder := json.NewEncoder(file)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(snapshot); err != nil {
		os.Remove(tempFile)
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}
	if err := file.Close(); err != nil {
		os.Remove(tempFile)
		return fmt.Errorf("failed to write snapshot file: %w", err)
	}

	if err := os.Rename(tempFile, snapshotFile); err != nil {
		os.Remove(tempFile)
		return fmt.Errorf("failed to rename snapshot file: %w", err)
	}
	return nil
}

// Snapshot reads the run's snapshot.
func (s *FileRunStore) Snapshot(ctx context.Context, runID string) (*RunSnapshot, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.readSnapshot(runID)
}

func (s *FileRunStore) readSnapshot(runID string) (*RunSnapshot, error) {
	snapshotFile := filepath.Join(s.basePath, runID, "snapshot.json")
	file, err := os.Open(snapshotFile)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("snapshot not found for run %s", runID)
		}
		return nil, fmt.Errorf("failed to open snapshot file: %w", err)
	}
	defer file.Close()

	var snapshot RunSnapshot
	if err := json.NewDecoder(file).Decode(&snapshot); err != nil {
		return nil, fmt.Errorf("failed to decode snapshot: %w", err)
	}
	return &snapshot, nil
}

// ListRuns returns snapshots matching the filter, newest first, paginated by
// the filter's offset and limit.
func (s *FileRunStore) ListRuns(ctx context.Context, filter RunFilter) ([]*RunSnapshot, error) {
	if err := filter.Validate(); err != nil {
		return nil, fmt.Errorf("invalid filter: %w", err)
	}

	s.mutex.RLock()
	defer s.mutex.RUnlock()

	entries, err := os.ReadDir(s.basePath)
	if err != nil {
		if os.IsNotExist(err) {
			return []*RunSnapshot{}, nil
		}
		return nil, fmt.Errorf("failed to read base directory: %w", err)
	}

	var snapshots []*RunSnapshot
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		snapshot, err := s.readSnapshot(entry.Name())
		if err != nil {
			// Runs without snapshots are skipped rather than failing the list.
			continue
		}
		if filter.Status != nil && snapshot.Status != *filter.Status {
			continue
		}
		if filter.PlanName != nil && snapshot.PlanName != *filter.PlanName {
			continue
		}
		snapshots = append(snapshots, snapshot)
	}

	sort.Slice(snapshots, func(i, j int) bool {
		return snapshots[i].CreatedAt.After(snapshots[j].CreatedAt)
	})

	start := filter.Offset
	if start >= len(snapshots) {
		return []*RunSnapshot{}, nil
	}
	end := len(snapshots)
	if filter.Limit > 0 && start+filter.Limit < end {
		end = start + filter.Limit
	}
	return snapshots[start:end], nil
}

// DeleteRun removes the run's directory and everything in it.
func (s *FileRunStore) DeleteRun(ctx context.Context, runID string) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	runDir := filepath.Join(s.basePath, runID)
	if err := os.RemoveAll(runDir); err != nil {
		return fmt.Errorf("failed to delete run directory: %w", err)
	}
	return nil
}

var _ RunStore = &FileRunStore{}

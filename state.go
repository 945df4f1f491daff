package stride

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// StepRecord is the durable result of one completed step: the tool that ran
// and the structured output it produced.
type StepRecord struct {
	Tool        string         `json:"tool"`
	Output      map[string]any `json:"output,omitempty"`
	CompletedAt time.Time      `json:"completed_at"`
}

// Copy returns a deep copy of the record.
func (r *StepRecord) Copy() *StepRecord {
	dup := *r
	if r.Output != nil {
		dup.Output = deepCopyValue(r.Output).(map[string]any)
	}
	return &dup
}

// ControlState carries run-level counters and limits.
type ControlState struct {
	Iteration      int `json:"iteration"`
	IterationLimit int `json:"iteration_limit,omitempty"`
	ReplanCount    int `json:"replan_count"`
	MaxReplans     int `json:"max_replans,omitempty"`
}

// State is the hierarchical run-time state for one run. It has three
// sections: inputs (immutable user input), control (counters and limits),
// and steps (append-only per-step outputs keyed by step ID). The engine is
// the single writer; concurrent readers are safe.
type State struct {
	mutex   sync.RWMutex
	inputs  map[string]any
	control ControlState
	steps   map[string]*StepRecord
}

// NewState creates a State initialized with the given user inputs.
func NewState(inputs map[string]any) *State {
	s := &State{
		inputs: make(map[string]any, len(inputs)),
		steps:  make(map[string]*StepRecord),
	}
	for k, v := range inputs {
		s.inputs[k] = deepCopyValue(v)
	}
	return s
}

// Input returns a single user input value.
func (s *State) Input(key string) (any, bool) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	value, ok := s.inputs[key]
	if !ok {
		return nil, false
	}
	return deepCopyValue(value), true
}

// Inputs returns a copy of all user inputs.
func (s *State) Inputs() map[string]any {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	dup := make(map[string]any, len(s.inputs))
	for k, v := range s.inputs {
		dup[k] = deepCopyValue(v)
	}
	return dup
}

// Control returns the current control section.
func (s *State) Control() ControlState {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.control
}

// SetControl replaces the control section.
func (s *State) SetControl(control ControlState) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.control = control
}

// IncrementIteration bumps the iteration counter and returns the new value.
func (s *State) IncrementIteration() int {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.control.Iteration++
	return s.control.Iteration
}

// IncrementReplanCount bumps the replan counter and returns the new value.
func (s *State) IncrementReplanCount() int {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.control.ReplanCount++
	return s.control.ReplanCount
}

// SetStepOutput records a completed step's output. Step outputs are
// append-only: writing to an ID that already has a record is an error.
func (s *State) SetStepOutput(stepID int, tool string, output map[string]any) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	key := strconv.Itoa(stepID)
	if _, exists := s.steps[key]; exists {
		return fmt.Errorf("step %d output already recorded", stepID)
	}
	record := &StepRecord{
		Tool:        tool,
		CompletedAt: time.Now().UTC(),
	}
	if output != nil {
		record.Output = deepCopyValue(output).(map[string]any)
	}
	s.steps[key] = record
	return nil
}

// StepRecord returns a copy of the record for the given step ID.
func (s *State) StepRecord(stepID int) (*StepRecord, bool) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	record, ok := s.steps[strconv.Itoa(stepID)]
	if !ok {
		return nil, false
	}
	return record.Copy(), true
}

// StepOutput returns a copy of the output map for the given step ID.
func (s *State) StepOutput(stepID int) (map[string]any, bool) {
	record, ok := s.StepRecord(stepID)
	if !ok {
		return nil, false
	}
	return record.Output, true
}

// StepOutputValue walks a dotted path inside the given step's output.
// An empty path returns the whole output map. Path components index nested
// maps by key and arrays by integer position.
func (s *State) StepOutputValue(stepID int, path string) (any, bool) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	record, ok := s.steps[strconv.Itoa(stepID)]
	if !ok {
		return nil, false
	}
	if path == "" {
		if record.Output == nil {
			return nil, false
		}
		return deepCopyValue(record.Output), true
	}
	value, ok := walkPath(record.Output, strings.Split(path, "."))
	if !ok {
		return nil, false
	}
	return deepCopyValue(value), true
}

// CompletedStepIDs returns the IDs of all recorded steps in ascending order.
func (s *State) CompletedStepIDs() []int {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	ids := make([]int, 0, len(s.steps))
	for key := range s.steps {
		if id, err := strconv.Atoi(key); err == nil {
			ids = append(ids, id)
		}
	}
	sort.Ints(ids)
	return ids
}

// StepRecords returns a copy of all step records keyed by step ID string.
func (s *State) StepRecords() map[string]*StepRecord {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	dup := make(map[string]*StepRecord, len(s.steps))
	for k, record := range s.steps {
		dup[k] = record.Copy()
	}
	return dup
}

// Lookup resolves a dotted path against the whole state, e.g.
// "inputs.user_request", "control.iteration", or "steps.1.output.entities".
func (s *State) Lookup(path string) (any, bool) {
	parts := strings.Split(path, ".")
	if len(parts) == 0 || parts[0] == "" {
		return nil, false
	}
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	switch parts[0] {
	case "inputs":
		if len(parts) == 1 {
			return deepCopyValue(s.inputs), true
		}
		value, ok := walkPath(s.inputs, parts[1:])
		if !ok {
			return nil, false
		}
		return deepCopyValue(value), true
	case "control":
		if len(parts) != 2 {
			return nil, false
		}
		switch parts[1] {
		case "iteration":
			return s.control.Iteration, true
		case "iteration_limit":
			return s.control.IterationLimit, true
		case "replan_count":
			return s.control.ReplanCount, true
		case "max_replans":
			return s.control.MaxReplans, true
		}
		return nil, false
	case "steps":
		if len(parts) < 3 || parts[2] != "output" {
			return nil, false
		}
		record, ok := s.steps[parts[1]]
		if !ok {
			return nil, false
		}
		if len(parts) == 3 {
			if record.Output == nil {
				return nil, false
			}
			return deepCopyValue(record.Output), true
		}
		value, ok := walkPath(record.Output, parts[3:])
		if !ok {
			return nil, false
		}
		return deepCopyValue(value), true
	}
	return nil, false
}

// Copy returns a deep copy of the state.
func (s *State) Copy() *State {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	dup := &State{
		inputs:  make(map[string]any, len(s.inputs)),
		control: s.control,
		steps:   make(map[string]*StepRecord, len(s.steps)),
	}
	for k, v := range s.inputs {
		dup.inputs[k] = deepCopyValue(v)
	}
	for k, record := range s.steps {
		dup.steps[k] = record.Copy()
	}
	return dup
}

// stateDocument is the wire form of State.
type stateDocument struct {
	Inputs  map[string]any         `json:"inputs"`
	Control ControlState           `json:"control"`
	Steps   map[string]*StepRecord `json:"steps"`
}

func (s *State) MarshalJSON() ([]byte, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return json.Marshal(stateDocument{
		Inputs:  s.inputs,
		Control: s.control,
		Steps:   s.steps,
	})
}

func (s *State) UnmarshalJSON(data []byte) error {
	var doc stateDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return err
	}
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.inputs = doc.Inputs
	if s.inputs == nil {
		s.inputs = make(map[string]any)
	}
	s.control = doc.Control
	s.steps = doc.Steps
	if s.steps == nil {
		s.steps = make(map[string]*StepRecord)
	}
	return nil
}

// walkPath descends into a JSON-shaped value. Map components index by key;
// integer components index arrays.
func walkPath(value any, parts []string) (any, bool) {
	current := value
	for _, part := range parts {
		switch tv := current.(type) {
		case map[string]any:
			next, ok := tv[part]
			if !ok {
				return nil, false
			}
			current = next
		case []any:
			index, err := strconv.Atoi(part)
			if err != nil || index < 0 || index >= len(tv) {
				return nil, false
			}
			current = tv[index]
		default:
			return nil, false
		}
	}
	return current, true
}

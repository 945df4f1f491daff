package stride

import (
	"fmt"
	"time"
)

// ArtifactType classifies the artifact a step produces.
type ArtifactType string

const (
	ArtifactTypeCode      ArtifactType = "code"
	ArtifactTypeInterface ArtifactType = "interface"
	ArtifactTypeSchema    ArtifactType = "schema"
	ArtifactTypeConfig    ArtifactType = "config"
	ArtifactTypeDocument  ArtifactType = "document"
)

// IsValid returns true for a known artifact type.
func (t ArtifactType) IsValid() bool {
	switch t {
	case ArtifactTypeCode, ArtifactTypeInterface, ArtifactTypeSchema,
		ArtifactTypeConfig, ArtifactTypeDocument:
		return true
	}
	return false
}

// Artifact is a concrete piece of step output subject to consistency
// tracking: source code, an interface definition, a schema, and so on.
type Artifact struct {
	Type    ArtifactType `json:"type"`
	Name    string       `json:"name"`
	Content string       `json:"content"`
}

// KeyElements captures the structural essence of a checkpointed artifact:
// the names it introduces, the signatures it exposes, and a field → type
// description of its structure.
type KeyElements struct {
	Names      []string          `json:"names,omitempty"`
	Signatures []string          `json:"signatures,omitempty"`
	Structure  map[string]string `json:"structure,omitempty"`
}

// Copy returns a deep copy.
func (k *KeyElements) Copy() *KeyElements {
	if k == nil {
		return nil
	}
	dup := &KeyElements{
		Names:      append([]string(nil), k.Names...),
		Signatures: append([]string(nil), k.Signatures...),
	}
	if k.Structure != nil {
		dup.Structure = make(map[string]string, len(k.Structure))
		for key, value := range k.Structure {
			dup.Structure[key] = value
		}
	}
	return dup
}

// ConsistencyCheckpoint is the recorded summary of an artifact produced by a
// completed step. Checkpoints are append-only and survive replans.
type ConsistencyCheckpoint struct {
	ID           string       `json:"id"`
	StepID       int          `json:"step_id"`
	ArtifactType ArtifactType `json:"artifact_type"`
	Description  string       `json:"description"`
	KeyElements  *KeyElements `json:"key_elements,omitempty"`
	Constraints  []string     `json:"constraints,omitempty"`
	CreatedAt    time.Time    `json:"created_at"`
}

// Copy returns a deep copy.
func (c *ConsistencyCheckpoint) Copy() *ConsistencyCheckpoint {
	dup := *c
	dup.KeyElements = c.KeyElements.Copy()
	dup.Constraints = append([]string(nil), c.Constraints...)
	return &dup
}

// Validate checks required fields and enum values.
func (c *ConsistencyCheckpoint) Validate() error {
	if c.ID == "" {
		return fmt.Errorf("checkpoint id required")
	}
	if c.StepID <= 0 {
		return fmt.Errorf("checkpoint step id must be positive (got %d)", c.StepID)
	}
	if !c.ArtifactType.IsValid() {
		return fmt.Errorf("unknown artifact type %q", c.ArtifactType)
	}
	return nil
}

// ViolationType classifies how a proposed artifact conflicts with an earlier
// checkpoint.
type ViolationType string

const (
	ViolationInterfaceMismatch      ViolationType = "interface_mismatch"
	ViolationNamingConflict         ViolationType = "naming_conflict"
	ViolationConstraintViolation    ViolationType = "constraint_violation"
	ViolationStructureInconsistency ViolationType = "structure_inconsistency"
)

// IsValid returns true for a known violation type.
func (t ViolationType) IsValid() bool {
	switch t {
	case ViolationInterfaceMismatch, ViolationNamingConflict,
		ViolationConstraintViolation, ViolationStructureInconsistency:
		return true
	}
	return false
}

// Severity grades a consistency violation.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityWarning  Severity = "warning"
	SeverityInfo     Severity = "info"
)

// IsValid returns true for a known severity.
func (s Severity) IsValid() bool {
	switch s {
	case SeverityCritical, SeverityWarning, SeverityInfo:
		return true
	}
	return false
}

// Rank orders severities for comparison: critical > warning > info.
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 3
	case SeverityWarning:
		return 2
	case SeverityInfo:
		return 1
	}
	return 0
}

// ConsistencyViolation reports one conflict between a proposed artifact and a
// prior checkpoint.
type ConsistencyViolation struct {
	CheckpointID  string        `json:"checkpoint_id"`
	ViolationType ViolationType `json:"violation_type"`
	Severity      Severity      `json:"severity"`
	Description   string        `json:"description"`
	Suggestion    string        `json:"suggestion,omitempty"`
}

// IsBlocking reports whether the violation should block execution and be
// surfaced to the replan manager.
func (v *ConsistencyViolation) IsBlocking() bool {
	return v.Severity == SeverityCritical
}

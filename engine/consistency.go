package engine

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/deepnoodle-ai/stride"
	"github.com/deepnoodle-ai/stride/internal/random"
	"github.com/deepnoodle-ai/stride/reasoner"
	"github.com/deepnoodle-ai/stride/slogger"
	"github.com/pmezard/go-difflib/difflib"
)

// smallCheckpointCount is the checkpoint-log size up to which every prior
// checkpoint is considered relevant, with no overlap filtering.
const smallCheckpointCount = 5

// maxEvidenceBytes bounds the unified-diff evidence attached to comparison
// requests.
const maxEvidenceBytes = 4096

// consistencyManager tracks the checkpoints established by completed steps
// and checks proposed artifacts against them. Checkpoints are append-only
// and survive replans. All methods are fail-open: a reasoner problem is
// reported as a ConsistencyCheckError for the audit trail but never produces
// a spurious violation or blocks a run.
type consistencyManager struct {
	reasoner    reasoner.Reasoner
	logger      slogger.Logger
	checkpoints []*stride.ConsistencyCheckpoint
	violations  []*stride.ConsistencyViolation
}

func newConsistencyManager(rsn reasoner.Reasoner, logger slogger.Logger) *consistencyManager {
	return &consistencyManager{reasoner: rsn, logger: logger}
}

// RegisterCheckpoint summarizes an artifact into a checkpoint and appends it
// to the log. Malformed or failed summarization degrades to a minimal
// checkpoint; registration never fails.
func (m *consistencyManager) RegisterCheckpoint(ctx context.Context, step *stride.Step, artifact *stride.Artifact) *stride.ConsistencyCheckpoint {
	artifactType := checkpointArtifactType(step, artifact)
	checkpoint := &stride.ConsistencyCheckpoint{
		ID:           random.NewID("chk"),
		StepID:       step.ID,
		ArtifactType: artifactType,
		Description:  fmt.Sprintf("%s artifact from step %d", artifactType, step.ID),
		CreatedAt:    time.Now().UTC(),
	}

	if m.reasoner != nil {
		spec, err := m.reasoner.SummarizeArtifact(ctx, reasoner.SummarizeArtifactRequest{
			StepID:       step.ID,
			ArtifactType: artifactType,
			Artifact:     artifact,
		})
		if err != nil {
			m.logger.Warn("artifact summarization failed; registering minimal checkpoint",
				"step_id", step.ID, "error", err)
		} else {
			if spec.Description != "" {
				checkpoint.Description = spec.Description
			}
			checkpoint.KeyElements = spec.KeyElements.Copy()
			checkpoint.Constraints = append([]string(nil), spec.Constraints...)
		}
	}

	m.checkpoints = append(m.checkpoints, checkpoint)
	return checkpoint
}

// CheckConsistency compares a proposed artifact against the relevant prior
// checkpoints. The returned violations are also appended to the violation
// log. A reasoner failure returns no violations plus a ConsistencyCheckError
// for the caller to record.
func (m *consistencyManager) CheckConsistency(ctx context.Context, step *stride.Step, artifact *stride.Artifact) ([]*stride.ConsistencyViolation, error) {
	relevant := m.relevantCheckpoints(step.ID, artifact)
	if len(relevant) == 0 || m.reasoner == nil {
		return nil, nil
	}

	result, err := m.reasoner.CompareArtifacts(ctx, reasoner.CompareArtifactsRequest{
		StepID:      step.ID,
		Proposed:    artifact,
		Checkpoints: relevant,
		Evidence:    m.diffEvidence(relevant, artifact),
	})
	if err != nil {
		return nil, &stride.ConsistencyCheckError{StepID: step.ID, Err: err}
	}

	var violations []*stride.ConsistencyViolation
	for _, violation := range result.Violations {
		if violation == nil || !violation.ViolationType.IsValid() {
			continue
		}
		if !violation.Severity.IsValid() {
			violation.Severity = stride.SeverityWarning
		}
		violations = append(violations, violation)
	}
	m.violations = append(m.violations, violations...)
	return violations, nil
}

// Checkpoints returns the full checkpoint log in registration order.
func (m *consistencyManager) Checkpoints() []*stride.ConsistencyCheckpoint {
	return append([]*stride.ConsistencyCheckpoint(nil), m.checkpoints...)
}

// Violations returns the full violation log in detection order.
func (m *consistencyManager) Violations() []*stride.ConsistencyViolation {
	return append([]*stride.ConsistencyViolation(nil), m.violations...)
}

// Constraints returns the union of all checkpoint constraints, deduplicated
// in first-seen order. These feed replan requests as active constraints.
func (m *consistencyManager) Constraints() []string {
	seen := map[string]bool{}
	var constraints []string
	for _, checkpoint := range m.checkpoints {
		for _, constraint := range checkpoint.Constraints {
			if constraint == "" || seen[constraint] {
				continue
			}
			seen[constraint] = true
			constraints = append(constraints, constraint)
		}
	}
	return constraints
}

// relevantCheckpoints selects the checkpoints worth comparing against: all of
// them while the log is small, otherwise those from earlier steps whose key
// element names appear in the proposed artifact.
func (m *consistencyManager) relevantCheckpoints(stepID int, artifact *stride.Artifact) []*stride.ConsistencyCheckpoint {
	var prior []*stride.ConsistencyCheckpoint
	for _, checkpoint := range m.checkpoints {
		if checkpoint.StepID != stepID {
			prior = append(prior, checkpoint)
		}
	}
	if len(prior) <= smallCheckpointCount {
		return prior
	}

	var relevant []*stride.ConsistencyCheckpoint
	for _, checkpoint := range prior {
		if overlappingNames(checkpoint, artifact) != nil {
			relevant = append(relevant, checkpoint)
		}
	}
	sort.Slice(relevant, func(i, j int) bool {
		return relevant[i].StepID < relevant[j].StepID
	})
	return relevant
}

// diffEvidence builds a unified diff per overlapping checkpoint: the
// checkpoint's recorded key elements on one side, the artifact lines that
// mention the shared names on the other.
func (m *consistencyManager) diffEvidence(checkpoints []*stride.ConsistencyCheckpoint, artifact *stride.Artifact) string {
	var parts []string
	for _, checkpoint := range checkpoints {
		names := overlappingNames(checkpoint, artifact)
		if names == nil {
			continue
		}
		diff := difflib.UnifiedDiff{
			A:        renderKeyElements(checkpoint),
			B:        artifactExcerpt(artifact, names),
			FromFile: "checkpoint " + checkpoint.ID,
			ToFile:   "proposed " + artifact.Name,
			FromDate: "established",
			ToDate:   "proposed",
			Context:  2,
		}
		text, err := difflib.GetUnifiedDiffString(diff)
		if err != nil || text == "" {
			continue
		}
		parts = append(parts, text)
	}
	evidence := strings.Join(parts, "\n")
	if len(evidence) > maxEvidenceBytes {
		evidence = evidence[:maxEvidenceBytes]
	}
	return evidence
}

// checkpointArtifactType picks the artifact type to record, preferring the
// artifact's own type, then the step's declared type.
func checkpointArtifactType(step *stride.Step, artifact *stride.Artifact) stride.ArtifactType {
	if artifact != nil && artifact.Type.IsValid() {
		return artifact.Type
	}
	if step.ArtifactType.IsValid() {
		return step.ArtifactType
	}
	return stride.ArtifactTypeDocument
}

// overlappingNames returns the checkpoint key-element names that appear in
// the artifact's name or content, case-insensitively. Nil means no overlap.
func overlappingNames(checkpoint *stride.ConsistencyCheckpoint, artifact *stride.Artifact) []string {
	if artifact == nil || checkpoint.KeyElements == nil {
		return nil
	}
	haystack := strings.ToLower(artifact.Name + "\n" + artifact.Content)
	candidates := append([]string(nil), checkpoint.KeyElements.Names...)
	for field := range checkpoint.KeyElements.Structure {
		candidates = append(candidates, field)
	}
	sort.Strings(candidates)

	var names []string
	seen := map[string]bool{}
	for _, name := range candidates {
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		if strings.Contains(haystack, strings.ToLower(name)) {
			names = append(names, name)
		}
	}
	return names
}

// renderKeyElements flattens a checkpoint's key elements into diffable lines.
func renderKeyElements(checkpoint *stride.ConsistencyCheckpoint) []string {
	var lines []string
	elements := checkpoint.KeyElements
	if elements == nil {
		return lines
	}
	for _, name := range elements.Names {
		lines = append(lines, "name "+name+"\n")
	}
	for _, signature := range elements.Signatures {
		lines = append(lines, "signature "+signature+"\n")
	}
	fields := make([]string, 0, len(elements.Structure))
	for field := range elements.Structure {
		fields = append(fields, field)
	}
	sort.Strings(fields)
	for _, field := range fields {
		lines = append(lines, "field "+field+": "+elements.Structure[field]+"\n")
	}
	for _, constraint := range checkpoint.Constraints {
		lines = append(lines, "constraint "+constraint+"\n")
	}
	return lines
}

// artifactExcerpt returns the artifact content lines mentioning any of the
// given names, newline-terminated for diffing.
func artifactExcerpt(artifact *stride.Artifact, names []string) []string {
	var lines []string
	for _, line := range strings.Split(artifact.Content, "\n") {
		lower := strings.ToLower(line)
		for _, name := range names {
			if strings.Contains(lower, strings.ToLower(name)) {
				lines = append(lines, line+"\n")
				break
			}
		}
	}
	return lines
}

// Package console renders run results and stored run listings for terminal
// display.
package console

import (
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/deepnoodle-ai/stride"
	"github.com/deepnoodle-ai/stride/engine"
	"github.com/deepnoodle-ai/stride/internal/tablewriter"
	"github.com/fatih/color"
)

var (
	headerStyle  = color.New(color.FgCyan, color.Bold)
	successStyle = color.New(color.FgGreen)
	errorStyle   = color.New(color.FgRed)
	warningStyle = color.New(color.FgYellow, color.Bold)
	mutedStyle   = color.New(color.FgHiBlack)
)

// Printer writes formatted run information to a single output stream.
type Printer struct {
	w io.Writer
}

// NewPrinter creates a Printer writing to w.
func NewPrinter(w io.Writer) *Printer {
	return &Printer{w: w}
}

// RunSummary renders the full result of a run: overall status, the step
// table, and any violations and replans.
func (p *Printer) RunSummary(result *engine.RunResult) {
	fmt.Fprintf(p.w, "%s %s\n", headerStyle.Sprint("Run:"), result.RunID)
	if result.Plan != nil {
		fmt.Fprintf(p.w, "%s %s (v%d)\n", headerStyle.Sprint("Plan:"), result.Plan.Name, result.Plan.Version)
	}
	fmt.Fprintf(p.w, "%s %s\n", headerStyle.Sprint("Status:"), runStatusStyle(result.Status).Sprint(string(result.Status)))
	fmt.Fprintf(p.w, "%s %s\n", headerStyle.Sprint("Duration:"), formatDuration(result.StartedAt, result.FinishedAt))
	if result.Error != "" {
		fmt.Fprintf(p.w, "%s %s\n", headerStyle.Sprint("Error:"), errorStyle.Sprint(result.Error))
	}
	fmt.Fprintln(p.w)

	p.StepTable(result)

	if len(result.Violations) > 0 {
		fmt.Fprintln(p.w)
		p.Violations(result.Violations)
	}
	if len(result.Replans) > 0 {
		fmt.Fprintln(p.w)
		p.Replans(result.Replans)
	}
}

// StepTable renders one row per step execution, resolving step and tool
// names from the result's plan and plan history.
func (p *Printer) StepTable(result *engine.RunResult) {
	if len(result.StepExecutions) == 0 {
		fmt.Fprintln(p.w, mutedStyle.Sprint("No steps executed."))
		return
	}

	table := tablewriter.NewWriter(p.w)
	table.SetHeader([]string{"ID", "Step", "Tool", "Status", "Attempts", "Duration"})
	for _, execution := range result.StepExecutions {
		name, tool := stepInfo(result, execution.StepID)
		table.Append([]string{
			fmt.Sprintf("%d", execution.StepID),
			name,
			tool,
			stepStatusStyle(execution.Status).Sprint(string(execution.Status)),
			fmt.Sprintf("%d", execution.Attempts),
			formatDuration(execution.StartedAt, execution.FinishedAt),
		})
	}
	table.Render()
}

// Violations renders consistency violations, most severe first.
func (p *Printer) Violations(violations []*stride.ConsistencyViolation) {
	fmt.Fprintln(p.w, headerStyle.Sprint("Consistency violations:"))
	ordered := append([]*stride.ConsistencyViolation(nil), violations...)
	sort.SliceStable(ordered, func(i, j int) bool {
		return severityRank(ordered[i].Severity) < severityRank(ordered[j].Severity)
	})
	for _, violation := range ordered {
		style := warningStyle
		if violation.IsBlocking() {
			style = errorStyle
		}
		fmt.Fprintf(p.w, "  %s %s: %s\n",
			style.Sprintf("[%s]", violation.Severity),
			violation.ViolationType,
			violation.Description,
		)
		if violation.Suggestion != "" {
			fmt.Fprintf(p.w, "    %s\n", mutedStyle.Sprint(violation.Suggestion))
		}
	}
}

// Replans renders the replan decisions taken during the run.
func (p *Printer) Replans(replans []*stride.ReplanDecision) {
	fmt.Fprintln(p.w, headerStyle.Sprint("Replans:"))
	for _, replan := range replans {
		fmt.Fprintf(p.w, "  %d. %s (%s)\n", replan.CapCounter, replan.TriggerReason, replan.Mode)
	}
}

// RunList renders stored run snapshots, one row per run.
func (p *Printer) RunList(snapshots []*engine.RunSnapshot) {
	if len(snapshots) == 0 {
		fmt.Fprintln(p.w, mutedStyle.Sprint("No runs found."))
		return
	}

	table := tablewriter.NewWriter(p.w)
	table.SetHeader([]string{"Run ID", "Plan", "Status", "Started", "Duration", "Steps"})
	for _, snapshot := range snapshots {
		started := ""
		if !snapshot.StartedAt.IsZero() {
			started = snapshot.StartedAt.Format(time.RFC3339)
		}
		table.Append([]string{
			snapshot.ID,
			snapshot.PlanName,
			runStatusStyle(snapshot.Status).Sprint(string(snapshot.Status)),
			started,
			formatDuration(snapshot.StartedAt, snapshot.FinishedAt),
			fmt.Sprintf("%d", len(snapshot.StepExecutions)),
		})
	}
	table.Render()
}

// stepInfo resolves the step name and tool for a step ID, searching the
// current plan first and older plan versions after a replan.
func stepInfo(result *engine.RunResult, stepID int) (string, string) {
	if result.Plan != nil {
		if step, ok := result.Plan.Step(stepID); ok {
			return step.Name, step.ToolName
		}
	}
	for i := len(result.PlanHistory) - 1; i >= 0; i-- {
		if step, ok := result.PlanHistory[i].Step(stepID); ok {
			return step.Name, step.ToolName
		}
	}
	return "", ""
}

func runStatusStyle(status engine.RunStatus) *color.Color {
	switch status {
	case engine.RunStatusCompleted:
		return successStyle
	case engine.RunStatusFailed, engine.RunStatusAborted:
		return errorStyle
	default:
		return mutedStyle
	}
}

func stepStatusStyle(status stride.StepStatus) *color.Color {
	switch status {
	case stride.StepStatusSucceeded:
		return successStyle
	case stride.StepStatusFailed, stride.StepStatusAborted:
		return errorStyle
	case stride.StepStatusEscalated:
		return warningStyle
	default:
		return mutedStyle
	}
}

func severityRank(severity stride.Severity) int {
	switch severity {
	case stride.SeverityCritical:
		return 0
	case stride.SeverityWarning:
		return 1
	default:
		return 2
	}
}

// formatDuration renders the elapsed time between two instants, marking
// still-running spans.
func formatDuration(start, finish time.Time) string {
	if start.IsZero() {
		return ""
	}
	if finish.IsZero() {
		return time.Since(start).Round(time.Second).String() + " (running)"
	}
	return finish.Sub(start).Round(time.Millisecond).String()
}

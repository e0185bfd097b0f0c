package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"updatectl/internal/executor"
	"updatectl/internal/planner"
	"updatectl/internal/resource"
)

var (
	headerStyle  = lipgloss.NewStyle().Bold(true)
	batchStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("39"))
	dimStyle     = lipgloss.NewStyle().Faint(true)
	okStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	warnStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	errStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	riskStyles   = map[resource.Risk]lipgloss.Style{
		resource.RiskLow:      okStyle,
		resource.RiskMedium:   lipgloss.NewStyle().Foreground(lipgloss.Color("220")),
		resource.RiskHigh:     warnStyle,
		resource.RiskCritical: errStyle,
	}
	statusStyles = map[executor.OperationStatus]lipgloss.Style{
		executor.StatusReady:      okStyle,
		executor.StatusRolledBack: warnStyle,
		executor.StatusStuck:      warnStyle,
		executor.StatusFailed:     errStyle,
		executor.StatusCancelled:  dimStyle,
	}
)

func marshalIndent(doc interface{}) (string, error) {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return "", fmt.Errorf("cannot render JSON output: %w", err)
	}
	return string(data), nil
}

func styleRisk(risk resource.Risk) string {
	if style, ok := riskStyles[risk]; ok {
		return style.Render(string(risk))
	}
	return string(risk)
}

func styleStatus(status executor.OperationStatus) string {
	if style, ok := statusStyles[status]; ok {
		return style.Render(string(status))
	}
	return string(status)
}

// renderPlan prints the batched plan as a table, one section per batch.
func renderPlan(w io.Writer, plan *planner.Plan) {
	fmt.Fprintf(w, "%s %s", headerStyle.Render("Plan"), plan.ID)
	if plan.DryRun {
		fmt.Fprintf(w, " %s", dimStyle.Render("(dry-run, not persisted)"))
	}
	fmt.Fprintln(w)
	fmt.Fprintf(w, "%d operations in %d batches\n\n", plan.TotalOperations(), len(plan.Batches))

	for idx, batch := range plan.Batches {
		fmt.Fprintln(w, batchStyle.Render(fmt.Sprintf("Batch %d", idx+1)))
		rows := make([][]string, 0, len(batch.Operations))
		for _, op := range batch.Operations {
			rows = append(rows, []string{op.Resource.String(), string(op.Strategy), styleRisk(op.Risk)})
		}
		renderColumns(w, []string{"RESOURCE", "STRATEGY", "RISK"}, rows)
		fmt.Fprintln(w)
	}
}

// renderColumns prints a left-aligned column layout. Widths are computed
// from the unstyled cell text so ANSI sequences do not skew padding.
func renderColumns(w io.Writer, headers []string, rows [][]string) {
	widths := make([]int, len(headers))
	for i, h := range headers {
		widths[i] = len(h)
	}
	for _, row := range rows {
		for i, cell := range row {
			if n := lipgloss.Width(cell); n > widths[i] {
				widths[i] = n
			}
		}
	}

	var sb strings.Builder
	for i, h := range headers {
		sb.WriteString(dimStyle.Render(pad(h, widths[i])))
		if i < len(headers)-1 {
			sb.WriteString("  ")
		}
	}
	fmt.Fprintln(w, sb.String())

	for _, row := range rows {
		sb.Reset()
		for i, cell := range row {
			sb.WriteString(pad(cell, widths[i]))
			if i < len(row)-1 {
				sb.WriteString("  ")
			}
		}
		fmt.Fprintln(w, sb.String())
	}
}

func pad(s string, width int) string {
	if gap := width - lipgloss.Width(s); gap > 0 {
		return s + strings.Repeat(" ", gap)
	}
	return s
}

// renderExecution prints per-batch operation statuses plus the overall
// result line.
func renderExecution(w io.Writer, state *executor.ExecutionState) {
	fmt.Fprintf(w, "%s %s\n", headerStyle.Render("Plan"), state.PlanID)
	fmt.Fprintf(w, "Started %s\n\n", state.StartedAt.Format("2006-01-02 15:04:05 MST"))

	for idx, ops := range state.BatchStatuses() {
		fmt.Fprintln(w, batchStyle.Render(fmt.Sprintf("Batch %d", idx+1)))
		rows := make([][]string, 0, len(ops))
		for _, op := range ops {
			retries := ""
			if op.Retries > 0 {
				retries = fmt.Sprintf("%d", op.Retries)
			}
			rows = append(rows, []string{op.Resource.String(), string(op.Strategy), styleStatus(op.Status), retries, op.Message})
		}
		renderColumns(w, []string{"RESOURCE", "STRATEGY", "STATUS", "RETRIES", "MESSAGE"}, rows)
		fmt.Fprintln(w)
	}

	result := state.Result
	switch result {
	case executor.ResultSucceeded:
		result = okStyle.Render(result)
	case executor.ResultFailed, executor.ResultCancelled:
		result = errStyle.Render(result)
	case executor.ResultRolledBack:
		result = warnStyle.Render(result)
	}
	fmt.Fprintf(w, "Result: %s\n", result)
}

func renderFindings(w io.Writer, findings []planner.Finding) {
	for _, finding := range findings {
		fmt.Fprintf(w, "%s: %s\n", errStyle.Render("invalid"), finding.Message)
	}
}

func renderAnalysis(w io.Writer, analysis *planner.Analysis) {
	maxDepth := 0
	for _, node := range analysis.Nodes {
		if node.Depth > maxDepth {
			maxDepth = node.Depth
		}
	}
	fmt.Fprintln(w, headerStyle.Render("Dependency analysis"))
	fmt.Fprintf(w, "%d resources, max depth %d\n\n", len(analysis.Nodes), maxDepth)

	rows := make([][]string, 0, len(analysis.Nodes))
	for _, node := range analysis.Nodes {
		rows = append(rows, []string{
			node.Resource.String(),
			string(node.Strategy),
			styleRisk(node.Risk),
			fmt.Sprintf("%d", node.Depth),
			refList(node.DependsOn),
			refList(node.Dependents),
		})
	}
	renderColumns(w, []string{"RESOURCE", "STRATEGY", "RISK", "DEPTH", "DEPENDS ON", "DEPENDENTS"}, rows)
}

func refList(refs []resource.Ref) string {
	if len(refs) == 0 {
		return dimStyle.Render("-")
	}
	parts := make([]string, len(refs))
	for i, ref := range refs {
		parts[i] = ref.String()
	}
	return strings.Join(parts, ", ")
}

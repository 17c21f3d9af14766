package evaluation

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/clinical-nlp/clinicalqa/scoring"
)

var (
	titleStyle = lipgloss.NewStyle().Bold(true)
	labelStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	goodStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("2"))
	badStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("1"))
	boxStyle   = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1)
)

// scoreStyle colors percentages: green from 80, red below 50.
func scoreStyle(percent float64) lipgloss.Style {
	switch {
	case percent >= 80:
		return goodStyle
	case percent < 50:
		return badStyle
	default:
		return lipgloss.NewStyle()
	}
}

// RenderSummary formats metrics for the terminal.
func RenderSummary(title string, metrics scoring.Metrics) string {
	lines := []string{
		titleStyle.Render(title),
		fmt.Sprintf("%s %s", labelStyle.Render("Exact Match:"), scoreStyle(metrics.ExactMatch).Render(fmt.Sprintf("%.2f%%", metrics.ExactMatch))),
		fmt.Sprintf("%s %s", labelStyle.Render("F1 Score:   "), scoreStyle(metrics.F1).Render(fmt.Sprintf("%.2f%%", metrics.F1))),
		fmt.Sprintf("%s %d", labelStyle.Render("Examples:   "), metrics.NumEvalExamples),
	}
	return boxStyle.Render(lipgloss.JoinVertical(lipgloss.Left, lines...))
}

// RenderReview formats the first n bad predictions, see Review. n <= 0 renders all of them.
func RenderReview(bad []BadPrediction, n int) string {
	if n <= 0 || n > len(bad) {
		n = len(bad)
	}
	var sb strings.Builder
	sb.WriteString(titleStyle.Render(fmt.Sprintf("%d bad predictions, showing %d", len(bad), n)))
	sb.WriteString("\n\n")
	for _, b := range bad[:n] {
		fmt.Fprintf(&sb, "%s %s | %s %s\n", labelStyle.Render("F1:"), badStyle.Render(fmt.Sprintf("%.2f", b.F1)),
			labelStyle.Render("Q:"), b.Question)
		fmt.Fprintf(&sb, "%s %s\n", labelStyle.Render("→ Pred:"), b.Prediction.Prediction)
		fmt.Fprintf(&sb, "%s %s\n\n", labelStyle.Render("→ Ref: "), b.Reference)
	}
	return sb.String()
}

package report

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/ethpandaops/promptoor/pkg/outcome"
)

const (
	columnWidth = 13
	statusWidth = 5
)

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Padding(0, 1)
	cellStyle   = lipgloss.NewStyle().Padding(0, 1)
	totalStyle  = lipgloss.NewStyle().Bold(true).Padding(0, 1)
)

// RenderText renders the report as a terminal table.
func RenderText(r *Report) string {
	headers := make([]string, 0, len(r.Models)+1)
	headers = append(headers, "")

	for _, m := range r.Models {
		headers = append(headers, truncate(m, columnWidth))
	}

	t := table.New().
		Border(lipgloss.NormalBorder()).
		Headers(headers...)

	for _, test := range r.Tests {
		row := make([]string, 0, len(r.Models)+1)
		row = append(row, test)

		for _, m := range r.Models {
			c, ok := r.Cell(m, test)
			if !ok {
				row = append(row, "")

				continue
			}

			row = append(row, outcome.Render(c.Status, r.Passes, statusWidth)+formatSeconds(c.MeanDuration))
		}

		t.Row(row...)
	}

	totals := r.Totals()
	footer := make([]string, 0, len(r.Models)+1)
	footer = append(footer, "Total")

	for _, m := range r.Models {
		footer = append(footer, strconv.Itoa(totals[m]))
	}

	t.Row(footer...)

	last := len(r.Tests)

	t.StyleFunc(func(row, _ int) lipgloss.Style {
		switch row {
		case table.HeaderRow:
			return headerStyle
		case last:
			return totalStyle
		default:
			return cellStyle
		}
	})

	return t.String() + "\n"
}

// RenderMarkdown renders the report as a markdown table.
func RenderMarkdown(r *Report) string {
	var sb strings.Builder

	writeResultsTable(&sb, r)

	return sb.String()
}

func writeResultsTable(sb *strings.Builder, r *Report) {
	sb.WriteString("| Test |")

	for _, m := range r.Models {
		fmt.Fprintf(sb, " %s |", escapeCell(m))
	}

	sb.WriteString("\n|---|")
	sb.WriteString(strings.Repeat("---|", len(r.Models)))
	sb.WriteByte('\n')

	for _, test := range r.Tests {
		fmt.Fprintf(sb, "| %s |", escapeCell(test))

		for _, m := range r.Models {
			c, ok := r.Cell(m, test)
			if !ok {
				sb.WriteString("  |")

				continue
			}

			if c.Status.Kind() == outcome.KindSkipped {
				fmt.Fprintf(sb, " %s |", c.Status)

				continue
			}

			fmt.Fprintf(sb, " %s (%s) |", c.Status, formatSecondsShort(c.MeanDuration))
		}

		sb.WriteByte('\n')
	}

	totals := r.Totals()

	sb.WriteString("| **Total** |")

	for _, m := range r.Models {
		fmt.Fprintf(sb, " **%d** |", totals[m])
	}

	sb.WriteByte('\n')
}

// formatSeconds renders a mean duration in a fixed five character field.
func formatSeconds(d *float64) string {
	if d == nil {
		return "  N/A"
	}

	return fmt.Sprintf("%5.1f", *d)
}

func formatSecondsShort(d *float64) string {
	if d == nil {
		return "N/A"
	}

	return fmt.Sprintf("%.1fs", *d)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}

	return string(r[:n])
}

func escapeCell(s string) string {
	return strings.ReplaceAll(s, "|", `\|`)
}

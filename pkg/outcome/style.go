package outcome

import (
	"fmt"

	"github.com/charmbracelet/lipgloss"
)

var (
	goodStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("2"))
	badStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("1"))
	failureStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("5"))
	unknownStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("3"))
	skippedStyle = lipgloss.NewStyle().Faint(true)
	plainStyle   = lipgloss.NewStyle()
)

// Style returns the display style for o. passes is the required pass count,
// a graded score equal to it is rendered as a full success.
func Style(o Outcome, passes int) lipgloss.Style {
	switch o.kind {
	case KindBoolean:
		if o.correct {
			return goodStyle
		}

		return badStyle
	case KindGraded:
		switch {
		case o.score == 0:
			return badStyle
		case passes > 0 && o.score >= passes:
			return goodStyle
		}

		return plainStyle
	case KindFailure:
		return failureStyle
	case KindUnknown:
		return unknownStyle
	case KindSkipped:
		return skippedStyle
	default:
		return plainStyle
	}
}

// Render pads the short label of o to width and applies its style.
func Render(o Outcome, passes, width int) string {
	return Style(o, passes).Render(fmt.Sprintf("%-*s", width, o.Label()))
}

package main

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"nbpilot/internal/accounts"
)

var (
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#7D56F4"))
	headerStyle = lipgloss.NewStyle().Bold(true).Underline(true)
	mutedStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#888888"))
	okStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("#04B575"))
	warnStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#FFB86C"))
	errStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF5555"))

	boxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("#7D56F4")).
			Padding(0, 1)
)

func statusStyle(s accounts.SessionStatus) lipgloss.Style {
	switch s {
	case accounts.StatusValid:
		return okStyle
	case accounts.StatusExpired, accounts.StatusRateLimited:
		return warnStyle
	case accounts.StatusFailed:
		return errStyle
	default:
		return mutedStyle
	}
}

// row lays out cells in fixed-width columns. Styling is applied after padding
// so escape codes do not skew the widths.
func row(widths []int, cells []string, styles ...lipgloss.Style) string {
	var b strings.Builder
	for i, c := range cells {
		w := 0
		if i < len(widths) {
			w = widths[i]
		}
		cell := fmt.Sprintf("%-*s", w, c)
		if i < len(styles) {
			cell = styles[i].Render(cell)
		}
		b.WriteString(cell)
		if i < len(cells)-1 {
			b.WriteString("  ")
		}
	}
	return b.String()
}

func check(ok bool) string {
	if ok {
		return okStyle.Render("✓")
	}
	return errStyle.Render("✗")
}

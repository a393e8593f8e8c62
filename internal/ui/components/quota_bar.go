// Package components provides reusable UI components.
package components

import (
	"fmt"
	"math"
	"strings"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/lipgloss"

	"github.com/j-veylop/cliproxy-manager/internal/ui/styles"
)

const (
	barFilled = "█"
	barEmpty  = "░"
)

// RenderBar draws a plain text bar filled to percent (0-100). Out-of-range
// and NaN percentages are clamped.
func RenderBar(percent float64, width int) string {
	if width < 1 {
		return ""
	}
	if math.IsNaN(percent) {
		percent = 0
	}
	filled := int(float64(width) * percent / 100)
	filled = min(max(filled, 0), width)
	return strings.Repeat(barFilled, filled) + strings.Repeat(barEmpty, width-filled)
}

// RenderColoredBar is RenderBar with the filled part colored by balance level.
func RenderColoredBar(percent float64, width int) string {
	bar := RenderBar(percent, width)
	filled := strings.Count(bar, barFilled)
	return styles.GetQuotaStyle(percent).Render(strings.Repeat(barFilled, filled)) +
		lipgloss.NewStyle().Foreground(styles.Subtle).Render(strings.Repeat(barEmpty, width-filled))
}

// QuotaBar renders a gradient balance bar for the interactive dashboard.
type QuotaBar struct {
	progress progress.Model
}

// NewQuotaBar creates a quota bar with a red to green gradient.
func NewQuotaBar(width int) QuotaBar {
	return QuotaBar{
		progress: progress.New(
			progress.WithScaledGradient("#ff6b6b", "#51cf66"),
			progress.WithWidth(width),
			progress.WithoutPercentage(),
		),
	}
}

// View renders the bar with a label and the remaining percentage.
func (q QuotaBar) View(percent float64, label string, width int) string {
	barWidth := max(width-30, 10)
	q.progress.Width = barWidth

	pct := min(max(percent, 0), 100)
	bar := q.progress.ViewAs(pct / 100)

	percentStr := styles.GetQuotaStyle(pct).
		Width(6).
		Align(lipgloss.Right).
		Render(fmt.Sprintf("%.0f%%", pct))

	labelStr := styles.LabelStyle.Width(22).Render(Truncate(label, 21))

	return lipgloss.JoinHorizontal(lipgloss.Center, labelStr, bar, " ", percentStr)
}

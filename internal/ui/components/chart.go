package components

import (
	"github.com/guptarohit/asciigraph"

	"github.com/j-veylop/cliproxy-manager/internal/ui/styles"
)

// RenderLineChart creates a single-series ASCII line chart.
func RenderLineChart(data []float64, width, height int, caption string) string {
	if len(data) < 2 {
		return styles.HelpStyle.Render("Not enough samples for a trend yet")
	}

	// Ensure minimum dimensions
	if width < 20 {
		width = 20
	}
	if height < 3 {
		height = 3
	}

	return asciigraph.Plot(data,
		asciigraph.Height(height),
		asciigraph.Width(width),
		asciigraph.Caption(caption),
	)
}

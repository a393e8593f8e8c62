package components

import "github.com/charmbracelet/x/ansi"

// Truncate shortens s to width terminal cells, ending with an ellipsis.
func Truncate(s string, width int) string {
	if width <= 0 {
		return ""
	}
	if ansi.StringWidth(s) <= width {
		return s
	}
	return ansi.Truncate(s, width, "…")
}

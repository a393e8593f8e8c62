// Package styles defines the visual styling for the application.
package styles

import (
	"github.com/charmbracelet/lipgloss"

	"github.com/j-veylop/cliproxy-manager/internal/models"
)

// Color definitions.
var (
	Primary   = lipgloss.Color("205") // Pink
	Secondary = lipgloss.Color("63")  // Purple
	Subtle    = lipgloss.Color("240") // Gray

	// Status colors
	Success = lipgloss.Color("42")  // Green
	Error   = lipgloss.Color("196") // Red
	Warning = lipgloss.Color("220") // Yellow
	Info    = lipgloss.Color("39")  // Blue

	TextPrimary   = lipgloss.Color("252")
	TextSecondary = lipgloss.Color("245")
	TextMuted     = lipgloss.Color("240")
)

// TitleStyle is used for main headings.
var TitleStyle = lipgloss.NewStyle().
	Bold(true).
	Foreground(Primary)

// PanelTitleStyle is used for the per-panel section headings.
var PanelTitleStyle = lipgloss.NewStyle().
	Bold(true).
	Foreground(Secondary)

// CardStyle creates a bordered card container.
var CardStyle = lipgloss.NewStyle().
	Border(lipgloss.RoundedBorder()).
	BorderForeground(Subtle).
	Padding(0, 1)

// HelpStyle is the base style for help text.
var HelpStyle = lipgloss.NewStyle().
	Foreground(TextMuted)

// HelpKeyStyle styles keyboard shortcut keys.
var HelpKeyStyle = lipgloss.NewStyle().
	Foreground(Primary).
	Bold(true)

// HelpDescStyle styles help descriptions.
var HelpDescStyle = lipgloss.NewStyle().
	Foreground(TextSecondary)

// LabelStyle styles account names and column labels.
var LabelStyle = lipgloss.NewStyle().
	Foreground(TextSecondary)

// QuotaHighStyle for high balances (>50% left).
var QuotaHighStyle = lipgloss.NewStyle().
	Foreground(Success)

// QuotaMediumStyle for medium balances (20-50% left).
var QuotaMediumStyle = lipgloss.NewStyle().
	Foreground(Warning)

// QuotaLowStyle for low balances (<20% left).
var QuotaLowStyle = lipgloss.NewStyle().
	Foreground(Error)

// ErrorTextStyle for error messages.
var ErrorTextStyle = lipgloss.NewStyle().
	Foreground(Error)

// SuccessTextStyle for success messages.
var SuccessTextStyle = lipgloss.NewStyle().
	Foreground(Success)

// WarningTextStyle for warning messages.
var WarningTextStyle = lipgloss.NewStyle().
	Foreground(Warning)

// InfoTextStyle for info messages.
var InfoTextStyle = lipgloss.NewStyle().
	Foreground(Info)

var ProjectionSafeStyle = lipgloss.NewStyle().
	Foreground(Success)

var ProjectionWarningStyle = lipgloss.NewStyle().
	Foreground(Warning).
	Bold(true)

var ProjectionCriticalStyle = lipgloss.NewStyle().
	Foreground(Error).
	Bold(true)

var ProjectionUnknownStyle = lipgloss.NewStyle().
	Foreground(Subtle)

// GetQuotaStyle returns the appropriate style for a remaining percentage.
func GetQuotaStyle(percent float64) lipgloss.Style {
	switch {
	case percent > 50:
		return QuotaHighStyle
	case percent > 20:
		return QuotaMediumStyle
	default:
		return QuotaLowStyle
	}
}

// GetProjectionStyle returns the style for a projection status.
func GetProjectionStyle(status models.ProjectionStatus) lipgloss.Style {
	switch status {
	case models.ProjectionSafe:
		return ProjectionSafeStyle
	case models.ProjectionWarning:
		return ProjectionWarningStyle
	case models.ProjectionCritical:
		return ProjectionCriticalStyle
	default:
		return ProjectionUnknownStyle
	}
}

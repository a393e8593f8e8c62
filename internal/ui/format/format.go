// Package format renders aggregated usage results as text and JSON.
package format

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/j-veylop/cliproxy-manager/internal/models"
	"github.com/j-veylop/cliproxy-manager/internal/services/aggregator"
	"github.com/j-veylop/cliproxy-manager/internal/services/panel"
	"github.com/j-veylop/cliproxy-manager/internal/ui/components"
	"github.com/j-veylop/cliproxy-manager/internal/ui/styles"
)

const (
	defaultWidth   = 100
	barWidth       = 20
	minAccountCols = 16
	trendHeight    = 6
)

// Options adds monitor context to a rendering. The zero value renders a
// plain query result.
type Options struct {
	Now time.Time
	// Estimates and Quotas are keyed by models.SeriesKey.
	Estimates map[string]models.Estimate
	// Quotas scales bars for accounts without a reported limit.
	Quotas map[string]float64
	Total  *models.Estimate
	Title  string
	Trend  []float64
	Width  int
}

// Render formats the result. It performs no I/O and never modifies its inputs.
func Render(res *aggregator.Result, opts Options) string {
	width := opts.Width
	if width <= 0 {
		width = defaultWidth
	}
	now := opts.Now
	if now.IsZero() {
		now = res.Timestamp
	}
	title := opts.Title
	if title == "" {
		title = "Kiro balance"
	}

	var b strings.Builder
	ok, bad := res.Counts()

	fmt.Fprintf(&b, "%s  %s\n", styles.TitleStyle.Render(title), styles.HelpStyle.Render(now.Format(time.DateTime)))
	fmt.Fprintf(&b, "Total remaining: %s across %d account(s) on %d panel(s)",
		styles.SuccessTextStyle.Render(Number(res.TotalRemaining())), ok, len(res.Panels))
	if bad > 0 {
		fmt.Fprintf(&b, ", %s", styles.ErrorTextStyle.Render(fmt.Sprintf("%d failed", bad)))
	}
	if res.Duplicates > 0 {
		fmt.Fprintf(&b, ", %s", styles.WarningTextStyle.Render(fmt.Sprintf("%d duplicate(s) skipped", res.Duplicates)))
	}
	b.WriteString("\n")

	accountWidth := max(width-barWidth-60, minAccountCols)
	for _, p := range res.Panels {
		b.WriteString("\n")
		renderPanel(&b, p, opts, now, accountWidth)
	}

	if opts.Total != nil {
		b.WriteString("\n")
		b.WriteString(renderTotal(*opts.Total))
		b.WriteString("\n")
	}

	if len(opts.Trend) > 0 {
		b.WriteString("\n")
		b.WriteString(components.RenderLineChart(opts.Trend, width-12, trendHeight, "total remaining"))
		b.WriteString("\n")
	}

	return b.String()
}

func renderPanel(b *strings.Builder, p aggregator.PanelResult, opts Options, now time.Time, accountWidth int) {
	if !p.OK() {
		fmt.Fprintf(b, "%s %s\n",
			styles.PanelTitleStyle.Render("▸ "+p.Name),
			styles.ErrorTextStyle.Render(fmt.Sprintf("✗ %s error: %v", panel.ErrorKind(p.Err), p.Err)))
		return
	}

	fmt.Fprintf(b, "%s %s\n",
		styles.PanelTitleStyle.Render("▸ "+p.Name),
		styles.HelpStyle.Render(fmt.Sprintf("(%d account(s), %s)", len(p.Records), p.Elapsed.Round(time.Millisecond))))

	if len(p.Records) == 0 {
		b.WriteString(styles.HelpStyle.Render("  no Kiro accounts"))
		b.WriteString("\n")
		return
	}

	for i := range p.Records {
		b.WriteString("  ")
		b.WriteString(renderRecord(&p.Records[i], opts, now, accountWidth))
		b.WriteString("\n")
	}
}

func renderRecord(r *models.AccountUsageRecord, opts Options, now time.Time, accountWidth int) string {
	account := components.Truncate(r.Account, accountWidth)
	if !r.OK() {
		return styles.ErrorTextStyle.Render(fmt.Sprintf("✗ %s: %s", account, r.Error))
	}

	quota := r.Limit
	if quota <= 0 {
		quota = opts.Quotas[r.Key()]
	}
	pct := r.RemainingPercent(quota)

	line := fmt.Sprintf("[%s] %5.1f%% | %10s / %-10s | %s",
		components.RenderColoredBar(pct, barWidth),
		pct,
		Number(r.Remaining),
		Number(quota),
		styles.LabelStyle.Render(fmt.Sprintf("%-*s", accountWidth, account)),
	)

	if opts.Estimates != nil {
		line += "  " + renderEstimate(opts.Estimates[r.Key()])
	}
	if !r.NextReset.IsZero() {
		line += styles.HelpStyle.Render("  resets " + humanize.RelTime(r.NextReset, now, "ago", "from now"))
	}
	if r.Subscription != "" {
		line += styles.HelpStyle.Render("  " + r.Subscription)
	}
	return line
}

func renderEstimate(e models.Estimate) string {
	if !e.Ready() {
		return styles.HelpStyle.Render(fmt.Sprintf("sampling %d/2", min(e.Samples, 2)))
	}
	rate := fmt.Sprintf("%s/h", Number(e.RatePerHour))
	if !e.Bounded {
		return rate + "  " + styles.ProjectionSafeStyle.Render("unbounded")
	}
	return rate + "  " + styles.GetProjectionStyle(e.Status).Render(
		fmt.Sprintf("empty in %s %s", Duration(e.TimeToEmpty), e.Status))
}

func renderTotal(e models.Estimate) string {
	if !e.Ready() {
		return styles.HelpStyle.Render("Total rate: collecting samples")
	}
	line := fmt.Sprintf("Total rate: %s/h over %s", Number(e.RatePerHour), Duration(e.Span()))
	if !e.Bounded {
		return line + "  " + styles.ProjectionSafeStyle.Render("exhaustion: unbounded")
	}
	return line + "  " + styles.GetProjectionStyle(e.Status).Render(
		fmt.Sprintf("exhaustion in %s (%s)", Duration(e.TimeToEmpty), e.Status))
}

// Number formats a balance with thousands separators and at most two decimals.
func Number(v float64) string {
	return humanize.CommafWithDigits(v, 2)
}

// Duration formats d as "2d 3h", "5h 12m" or "45m".
func Duration(d time.Duration) string {
	if d < time.Minute {
		return "<1m"
	}
	d = d.Round(time.Minute)
	days := d / (24 * time.Hour)
	d -= days * 24 * time.Hour
	hours := d / time.Hour
	d -= hours * time.Hour
	minutes := d / time.Minute

	switch {
	case days > 0:
		return fmt.Sprintf("%dd %dh", days, hours)
	case hours > 0:
		return fmt.Sprintf("%dh %dm", hours, minutes)
	}
	return fmt.Sprintf("%dm", minutes)
}

type exportPanel struct {
	Name      string                      `json:"name"`
	Error     string                      `json:"error,omitempty"`
	ErrorKind string                      `json:"errorKind,omitempty"`
	Records   []models.AccountUsageRecord `json:"records"`
	ElapsedMs int64                       `json:"elapsedMs"`
}

type export struct {
	Timestamp      time.Time     `json:"timestamp"`
	Panels         []exportPanel `json:"panels"`
	TotalRemaining float64       `json:"totalRemaining"`
	Duplicates     int           `json:"duplicates,omitempty"`
}

// WriteJSON writes the full result as indented JSON.
func WriteJSON(w io.Writer, res *aggregator.Result) error {
	out := export{
		Timestamp:      res.Timestamp,
		TotalRemaining: res.TotalRemaining(),
		Duplicates:     res.Duplicates,
		Panels:         make([]exportPanel, len(res.Panels)),
	}
	for i, p := range res.Panels {
		ep := exportPanel{
			Name:      p.Name,
			Records:   p.Records,
			ElapsedMs: p.Elapsed.Milliseconds(),
		}
		if ep.Records == nil {
			ep.Records = []models.AccountUsageRecord{}
		}
		if p.Err != nil {
			ep.Error = p.Err.Error()
			ep.ErrorKind = panel.ErrorKind(p.Err)
		}
		out.Panels[i] = ep
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		return fmt.Errorf("failed to write JSON: %w", err)
	}
	return nil
}

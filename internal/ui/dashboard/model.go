// Package dashboard runs the monitor inside a full-screen Bubble Tea program.
package dashboard

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/j-veylop/cliproxy-manager/internal/services/monitor"
	"github.com/j-veylop/cliproxy-manager/internal/ui/components"
	"github.com/j-veylop/cliproxy-manager/internal/ui/format"
	"github.com/j-veylop/cliproxy-manager/internal/ui/styles"
)

const (
	headerHeight = 5 // two lines inside a bordered card, plus the separator
	footerHeight = 1
)

// Stepper produces monitor frames.
type Stepper interface {
	Step(ctx context.Context) (*monitor.Frame, error)
}

// Model is the dashboard state.
type Model struct {
	ctx      context.Context
	stepper  Stepper
	frame    *monitor.Frame
	err      error
	updated  time.Time
	keys     KeyMap
	spinner  components.LoadingSpinner
	bar      components.QuotaBar
	viewport viewport.Model
	interval time.Duration
	tickSeq  int
	width    int
	height   int
	loading  bool
	ready    bool
}

// New creates the dashboard model. Steps run with ctx, so canceling it
// aborts a step in flight.
func New(ctx context.Context, stepper Stepper, interval time.Duration) Model {
	return Model{
		ctx:      ctx,
		stepper:  stepper,
		interval: interval,
		keys:     DefaultKeyMap(),
		spinner:  components.NewSpinner("Querying panels"),
		bar:      components.NewQuotaBar(40),
		loading:  true,
	}
}

// Init starts the first step.
func (m Model) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick(), m.step())
}

func (m Model) step() tea.Cmd {
	ctx, stepper := m.ctx, m.stepper
	return func() tea.Msg {
		frame, err := stepper.Step(ctx)
		return FrameMsg{Frame: frame, Err: err}
	}
}

// tick schedules the next step and invalidates any tick already pending, so
// only one timer is ever live.
func (m *Model) tick() tea.Cmd {
	m.tickSeq++
	seq := m.tickSeq
	return tea.Tick(m.interval, func(t time.Time) tea.Msg {
		return TickMsg{Time: t, Seq: seq}
	})
}

// Update handles messages.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		h := max(msg.Height-headerHeight-footerHeight, 1)
		if !m.ready {
			m.viewport = viewport.New(msg.Width, h)
			m.ready = true
		} else {
			m.viewport.Width, m.viewport.Height = msg.Width, h
		}
		m.refreshContent()

	case tea.KeyMsg:
		switch {
		case key.Matches(msg, m.keys.Quit):
			return m, tea.Quit
		case key.Matches(msg, m.keys.Refresh):
			if !m.loading {
				m.loading = true
				m.spinner.SetLabel("Refreshing")
				cmds = append(cmds, m.spinner.Tick(), m.step())
			}
		}

	case TickMsg:
		// A step still in flight absorbs the tick; the next one is scheduled
		// when it completes.
		if msg.Seq == m.tickSeq && !m.loading {
			m.loading = true
			m.spinner.SetLabel("Querying panels")
			cmds = append(cmds, m.spinner.Tick(), m.step())
		}

	case FrameMsg:
		m.loading = false
		m.err = msg.Err
		if msg.Err == nil {
			m.frame = msg.Frame
			m.updated = msg.Frame.Result.Timestamp
		}
		m.refreshContent()
		if m.ctx.Err() == nil {
			cmds = append(cmds, m.tick())
		}

	default:
		if m.loading {
			var cmd tea.Cmd
			m.spinner, cmd = m.spinner.Update(msg)
			cmds = append(cmds, cmd)
		}
	}

	if m.ready {
		var cmd tea.Cmd
		m.viewport, cmd = m.viewport.Update(msg)
		cmds = append(cmds, cmd)
	}
	return m, tea.Batch(cmds...)
}

func (m *Model) refreshContent() {
	if !m.ready || m.frame == nil {
		return
	}
	m.viewport.SetContent(m.frame.Text)
}

// View renders the dashboard.
func (m Model) View() string {
	var b strings.Builder
	b.WriteString(m.header())
	b.WriteString("\n")

	switch {
	case m.frame == nil && m.err != nil:
		b.WriteString(styles.ErrorTextStyle.Render("✗ " + m.err.Error()))
	case m.frame == nil:
		b.WriteString(m.spinner.ViewWithLabel())
	case m.ready:
		b.WriteString(m.viewport.View())
	default:
		b.WriteString(m.frame.Text)
	}

	b.WriteString("\n")
	b.WriteString(m.footer())
	return b.String()
}

func (m Model) header() string {
	title := styles.TitleStyle.Render("CLIProxy Kiro monitor")
	status := styles.HelpStyle.Render("waiting for first sample")
	if !m.updated.IsZero() {
		status = styles.InfoTextStyle.Render("updated " + m.updated.Format(time.TimeOnly))
	}
	if m.loading && m.frame != nil {
		status = m.spinner.ViewWithLabel()
	}

	line := title + "  " + status
	if m.frame == nil {
		return styles.CardStyle.Render(line + "\n")
	}

	remaining, quota := totals(m.frame)
	pct := 0.0
	if quota > 0 {
		pct = remaining / quota * 100
	}
	bar := m.bar.View(pct, fmt.Sprintf("%s of %s", format.Number(remaining), format.Number(quota)), max(m.width-4, 0))
	return styles.CardStyle.Render(line + "\n" + bar)
}

func (m Model) footer() string {
	parts := make([]string, 0, len(m.keys.ShortHelp())+1)
	for _, k := range m.keys.ShortHelp() {
		h := k.Help()
		parts = append(parts, styles.HelpKeyStyle.Render(h.Key)+" "+styles.HelpDescStyle.Render(h.Desc))
	}
	if m.err != nil && m.frame != nil {
		parts = append(parts, styles.ErrorTextStyle.Render("last step failed: "+m.err.Error()))
	}
	return strings.Join(parts, styles.HelpStyle.Render(" • "))
}

// totals sums the remaining balance and the reported limits of a frame.
func totals(f *monitor.Frame) (remaining, quota float64) {
	for _, r := range f.Result.Records() {
		if !r.OK() {
			continue
		}
		remaining += r.Remaining
		quota += r.Limit
	}
	return remaining, quota
}

// Run starts the full-screen dashboard and blocks until the user quits or
// ctx is canceled.
func Run(ctx context.Context, stepper Stepper, interval time.Duration) error {
	p := tea.NewProgram(New(ctx, stepper, interval), tea.WithAltScreen(), tea.WithContext(ctx))
	if _, err := p.Run(); err != nil && ctx.Err() == nil {
		return fmt.Errorf("dashboard: %w", err)
	}
	return nil
}

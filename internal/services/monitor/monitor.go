// Package monitor polls the panels on an interval and projects when the
// combined balance runs out.
package monitor

import (
	"context"
	"fmt"
	"io"
	"maps"
	"os"
	"sync"
	"time"

	"github.com/charmbracelet/x/ansi"
	"github.com/google/uuid"
	"github.com/mattn/go-isatty"

	"github.com/j-veylop/cliproxy-manager/internal/config"
	"github.com/j-veylop/cliproxy-manager/internal/logger"
	"github.com/j-veylop/cliproxy-manager/internal/metrics"
	"github.com/j-veylop/cliproxy-manager/internal/models"
	"github.com/j-veylop/cliproxy-manager/internal/services/aggregator"
	"github.com/j-veylop/cliproxy-manager/internal/services/notify"
	"github.com/j-veylop/cliproxy-manager/internal/services/panel"
	"github.com/j-veylop/cliproxy-manager/internal/services/projection"
	"github.com/j-veylop/cliproxy-manager/internal/ui/format"
)

const trendLen = 120

// Store persists samples between runs.
type Store interface {
	InsertSamples(ctx context.Context, runID string, records []models.AccountUsageRecord) (int, error)
	SamplesSince(ctx context.Context, since time.Time) (map[string][]models.UsageSample, error)
}

// Options configures a Monitor. Store, Metrics and Notifier are optional.
type Options struct {
	Out      io.Writer
	Store    Store
	Metrics  *metrics.Metrics
	Notifier *notify.Notifier
	Now      func() time.Time
	// Query is passed to aggregator.QueryAll on every step.
	Query      aggregator.Options
	Panels     []config.PanelConfig
	Interval   time.Duration
	Window     time.Duration
	MaxSamples int
	Width      int
}

// Frame is the outcome of one completed step.
type Frame struct {
	Result    *aggregator.Result
	Estimates map[string]models.Estimate
	Total     models.Estimate
	Text      string
}

// Monitor owns the sample history of one monitoring session.
type Monitor struct {
	started  time.Time
	firstAt  time.Time
	lastAt   time.Time
	history  *projection.History
	quotas   map[string]float64
	opts     Options
	runID    string
	trend    []float64
	first    float64
	last     float64
	steps    int
	samples  int
	mu       sync.Mutex
	tty      bool
	warmOnce sync.Once
}

// New creates a monitor. Out defaults to stdout; redraw in place is used
// only when Out is a terminal.
func New(opts Options) *Monitor {
	if opts.Out == nil {
		opts.Out = os.Stdout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	m := &Monitor{
		opts:    opts,
		runID:   uuid.NewString(),
		history: projection.NewHistory(opts.Window, opts.MaxSamples),
		quotas:  make(map[string]float64),
		started: opts.Now(),
	}
	if f, ok := opts.Out.(*os.File); ok {
		m.tty = isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
	}
	return m
}

// RunID identifies this session in the sample store.
func (m *Monitor) RunID() string {
	return m.runID
}

// WarmStart loads stored samples newer than the window into the history.
// It runs at most once and returns the number of samples loaded.
func (m *Monitor) WarmStart(ctx context.Context) (int, error) {
	if m.opts.Store == nil {
		return 0, nil
	}

	var (
		loaded int
		err    error
	)
	m.warmOnce.Do(func() {
		var series map[string][]models.UsageSample
		series, err = m.opts.Store.SamplesSince(ctx, m.opts.Now().Add(-m.opts.Window))
		if err != nil {
			err = fmt.Errorf("failed to load stored samples: %w", err)
			return
		}

		m.mu.Lock()
		defer m.mu.Unlock()
		for key, samples := range series {
			for _, s := range samples {
				m.history.Add(key, s)
				m.quotas[key] = max(m.quotas[key], s.Remaining)
				loaded++
			}
		}
	})
	if loaded > 0 {
		logger.Info("Loaded stored samples", "samples", loaded, "series", m.history.Len())
	}
	return loaded, err
}

// Step queries every panel once and renders a frame. Either a complete frame
// or an error is returned.
func (m *Monitor) Step(ctx context.Context) (*Frame, error) {
	res, err := aggregator.QueryAll(ctx, m.opts.Panels, m.opts.Query)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	frame := m.record(res)
	quotas := maps.Clone(m.quotas)
	trend := append([]float64(nil), m.trend...)
	m.mu.Unlock()

	m.sideEffects(ctx, res, frame, quotas)

	frame.Text = format.Render(res, format.Options{
		Now:       res.Timestamp,
		Estimates: frame.Estimates,
		Quotas:    quotas,
		Total:     &frame.Total,
		Title:     fmt.Sprintf("Kiro balance monitor (every %s)", m.opts.Interval),
		Trend:     trend,
		Width:     m.opts.Width,
	})
	return frame, nil
}

// record folds a query result into the history. Callers hold m.mu.
func (m *Monitor) record(res *aggregator.Result) *Frame {
	frame := &Frame{
		Result:    res,
		Estimates: make(map[string]models.Estimate),
	}

	var (
		estimates []models.Estimate
		nextReset time.Time
		observed  time.Time
	)
	for _, r := range res.Records() {
		if !r.OK() {
			continue
		}
		key := r.Key()
		ts := r.Timestamp
		if ts.IsZero() {
			ts = res.Timestamp
		}
		m.history.Add(key, models.UsageSample{Timestamp: ts, Remaining: r.Remaining})
		m.samples++
		if ts.After(observed) {
			observed = ts
		}

		if r.Limit > 0 {
			m.quotas[key] = r.Limit
		} else {
			m.quotas[key] = max(m.quotas[key], r.Remaining)
		}

		e := m.history.Estimate(key)
		e.Status = projection.Classify(e, r.NextReset)
		frame.Estimates[key] = e
		estimates = append(estimates, e)

		if !r.NextReset.IsZero() && (nextReset.IsZero() || r.NextReset.Before(nextReset)) {
			nextReset = r.NextReset
		}
	}

	frame.Total = projection.Total(estimates)
	frame.Total.Status = projection.Classify(frame.Total, nextReset)

	m.steps++
	if observed.IsZero() {
		observed = res.Timestamp
	}
	if m.firstAt.IsZero() {
		m.firstAt, m.first = observed, frame.Total.Remaining
	}
	m.lastAt, m.last = observed, frame.Total.Remaining

	m.trend = append(m.trend, frame.Total.Remaining)
	if len(m.trend) > trendLen {
		m.trend = append(m.trend[:0:0], m.trend[len(m.trend)-trendLen:]...)
	}
	return frame
}

func (m *Monitor) sideEffects(ctx context.Context, res *aggregator.Result, frame *Frame, quotas map[string]float64) {
	records := res.Records()

	if m.opts.Store != nil {
		if _, err := m.opts.Store.InsertSamples(ctx, m.runID, records); err != nil {
			logger.Warn("Failed to store samples", "error", err)
		}
	}

	if m.opts.Metrics != nil {
		for _, p := range res.Panels {
			m.opts.Metrics.ObservePanel(p.Name, panel.ErrorKind(p.Err), p.Elapsed)
		}
		m.opts.Metrics.ObserveRecords(records)
		m.opts.Metrics.ObserveTotal(frame.Total)
	}

	if m.opts.Notifier != nil {
		m.opts.Notifier.Observe(records, quotas)
	}
}

// Run steps immediately and then on every interval until ctx is canceled.
// Steps never overlap; a step that finishes after cancellation is discarded.
func (m *Monitor) Run(ctx context.Context) error {
	logger.Info("Monitor started", "run", m.runID, "interval", m.opts.Interval, "panels", len(m.opts.Panels))

	ticker := time.NewTicker(m.opts.Interval)
	defer ticker.Stop()

	for {
		m.tick(ctx)

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (m *Monitor) tick(ctx context.Context) {
	frame, err := m.Step(ctx)
	if ctx.Err() != nil {
		return
	}
	if err != nil {
		logger.Error("Monitor step failed", "error", err)
		m.write(fmt.Sprintf("monitor step failed: %v\n", err))
		return
	}
	if frame.Result.AllFailed() {
		logger.Warn("All panels failed", "panels", len(frame.Result.Panels))
	}
	m.write(frame.Text)
}

// write emits one frame with a single Write call.
func (m *Monitor) write(text string) {
	if m.tty {
		text = ansi.CursorHomePosition + ansi.EraseEntireScreen + text
	} else {
		text += "\n"
	}
	if _, err := io.WriteString(m.opts.Out, text); err != nil {
		logger.Warn("Failed to write frame", "error", err)
	}
}

package monitor

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/j-veylop/cliproxy-manager/internal/config"
	"github.com/j-veylop/cliproxy-manager/internal/metrics"
	"github.com/j-veylop/cliproxy-manager/internal/models"
	"github.com/j-veylop/cliproxy-manager/internal/services/aggregator"
	"github.com/j-veylop/cliproxy-manager/internal/services/notify"
)

var base = time.Date(2026, 10, 16, 8, 0, 0, 0, time.UTC)

// draining returns 100, 90, 80... one hour apart on every call.
type draining struct {
	panel string
	calls atomic.Int64
	fail  bool
}

func (d *draining) Query(context.Context) ([]models.AccountUsageRecord, error) {
	n := d.calls.Add(1) - 1
	if d.fail {
		return nil, errors.New("connection refused")
	}
	return []models.AccountUsageRecord{{
		Timestamp: base.Add(time.Duration(n) * time.Hour),
		NextReset: base.Add(1000 * time.Hour),
		Panel:     d.panel,
		Account:   "a@example.com",
		Remaining: 100 - 10*float64(n),
		Limit:     100,
	}}, nil
}

type fakeStore struct {
	mu       sync.Mutex
	inserted int
	stored   map[string][]models.UsageSample
}

func (s *fakeStore) InsertSamples(_ context.Context, _ string, records []models.AccountUsageRecord) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inserted += len(records)
	return len(records), nil
}

func (s *fakeStore) SamplesSince(context.Context, time.Time) (map[string][]models.UsageSample, error) {
	return s.stored, nil
}

func newMonitor(q aggregator.Querier, out *bytes.Buffer, opts ...func(*Options)) *Monitor {
	o := Options{
		Out:        out,
		Panels:     []config.PanelConfig{{Name: "main", URL: "http://panel", Key: "k", Timeout: time.Second}},
		Interval:   10 * time.Millisecond,
		Window:     24 * time.Hour,
		MaxSamples: 100,
		Now:        func() time.Time { return base },
		Query: aggregator.Options{
			NewQuerier: func(config.PanelConfig) aggregator.Querier { return q },
		},
	}
	for _, fn := range opts {
		fn(&o)
	}
	return New(o)
}

func TestStep_BuildsEstimates(t *testing.T) {
	m := newMonitor(&draining{panel: "main"}, &bytes.Buffer{})
	key := models.SeriesKey("main", "a@example.com")

	first, err := m.Step(context.Background())
	require.NoError(t, err)
	assert.False(t, first.Estimates[key].Ready())
	assert.Contains(t, first.Text, "sampling 1/2")

	second, err := m.Step(context.Background())
	require.NoError(t, err)
	e := second.Estimates[key]
	require.True(t, e.Ready())
	assert.InDelta(t, 10.0, e.RatePerHour, 1e-9)
	assert.Equal(t, 9*time.Hour, e.TimeToEmpty)
	assert.Equal(t, models.ProjectionWarning, e.Status, "empties long before the reset")
	assert.InDelta(t, 10.0, second.Total.RatePerHour, 1e-9)
	assert.Contains(t, second.Text, "Total rate:")
}

func TestStep_AllPanelsFailed(t *testing.T) {
	m := newMonitor(&draining{panel: "main", fail: true}, &bytes.Buffer{})

	frame, err := m.Step(context.Background())
	require.NoError(t, err)
	assert.True(t, frame.Result.AllFailed())
	assert.Contains(t, frame.Text, "connection refused")
	assert.Zero(t, m.Summary().Samples)
}

func TestStep_UnknownPanel(t *testing.T) {
	m := newMonitor(&draining{panel: "main"}, &bytes.Buffer{}, func(o *Options) {
		o.Query.Filter = []string{"nope"}
	})

	_, err := m.Step(context.Background())
	assert.ErrorIs(t, err, aggregator.ErrUnknownPanel)
}

func TestStep_SideEffects(t *testing.T) {
	store := &fakeStore{}
	met := metrics.New()
	var sent []string
	n := notify.New(85, notify.WithSender(func(title, _ string) error {
		sent = append(sent, title)
		return nil
	}))

	m := newMonitor(&draining{panel: "main"}, &bytes.Buffer{}, func(o *Options) {
		o.Store = store
		o.Metrics = met
		o.Notifier = n
	})

	for range 2 {
		_, err := m.Step(context.Background())
		require.NoError(t, err)
	}

	assert.Equal(t, 2, store.inserted)
	assert.Empty(t, sent, "90% is still above the threshold")

	_, err := m.Step(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"Low balance: a@example.com"}, sent)

	rec := httptest.NewRecorder()
	met.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", http.NoBody))
	assert.Contains(t, rec.Body.String(), "cpm_total_remaining 80")
}

func TestWarmStart(t *testing.T) {
	key := models.SeriesKey("main", "a@example.com")
	store := &fakeStore{stored: map[string][]models.UsageSample{
		key: {{Timestamp: base.Add(-2 * time.Hour), Remaining: 120}},
	}}
	m := newMonitor(&draining{panel: "main"}, &bytes.Buffer{}, func(o *Options) { o.Store = store })

	loaded, err := m.WarmStart(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, loaded)

	again, err := m.WarmStart(context.Background())
	require.NoError(t, err)
	assert.Zero(t, again, "warm start runs once")

	frame, err := m.Step(context.Background())
	require.NoError(t, err)
	e := frame.Estimates[key]
	require.True(t, e.Ready(), "stored sample plus the first live one")
	assert.InDelta(t, 10.0, e.RatePerHour, 1e-9)
}

func TestWarmStart_NoStore(t *testing.T) {
	m := newMonitor(&draining{panel: "main"}, &bytes.Buffer{})
	loaded, err := m.WarmStart(context.Background())
	require.NoError(t, err)
	assert.Zero(t, loaded)
}

func TestSummary(t *testing.T) {
	clock := base
	m := newMonitor(&draining{panel: "main"}, &bytes.Buffer{}, func(o *Options) {
		o.Now = func() time.Time { return clock }
	})

	for range 3 {
		_, err := m.Step(context.Background())
		require.NoError(t, err)
	}
	clock = base.Add(2 * time.Hour)

	s := m.Summary()
	assert.Equal(t, 3, s.Steps)
	assert.Equal(t, 3, s.Samples)
	assert.Equal(t, 2*time.Hour, s.Duration)
	assert.InDelta(t, 20.0, s.Consumed, 1e-9)
	assert.InDelta(t, 10.0, s.RatePerHour, 1e-9)
	assert.Contains(t, s.String(), "average 10/h")
	assert.NotEmpty(t, m.RunID())
}

func TestRun_AppendsFrames(t *testing.T) {
	q := &draining{panel: "main"}
	var out bytes.Buffer
	m := newMonitor(q, &out)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	require.Eventually(t, func() bool { return q.calls.Load() >= 3 }, 5*time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop after cancel")
	}

	text := out.String()
	assert.GreaterOrEqual(t, bytes.Count([]byte(text), []byte("Kiro balance monitor")), 2)
	assert.NotContains(t, text, "\x1b[2J", "no redraw codes when not a terminal")
}

type blocking struct{}

func (blocking) Query(ctx context.Context) ([]models.AccountUsageRecord, error) {
	<-ctx.Done()
	return []models.AccountUsageRecord{{Panel: "main", Account: "late@example.com", Remaining: 1}}, nil
}

func TestRun_DiscardsFrameAfterCancel(t *testing.T) {
	var out bytes.Buffer
	m := newMonitor(blocking{}, &out)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()
	require.NoError(t, <-done)
	assert.Empty(t, out.String())
}

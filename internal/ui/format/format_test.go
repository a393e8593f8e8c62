package format

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/charmbracelet/x/ansi"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/j-veylop/cliproxy-manager/internal/models"
	"github.com/j-veylop/cliproxy-manager/internal/services/aggregator"
	"github.com/j-veylop/cliproxy-manager/internal/services/panel"
)

var now = time.Date(2026, 10, 16, 9, 0, 0, 0, time.UTC)

func record(panelName, account string, remaining, limit float64) models.AccountUsageRecord {
	return models.AccountUsageRecord{
		Timestamp: now,
		Panel:     panelName,
		Account:   account,
		Remaining: remaining,
		Limit:     limit,
		Used:      limit - remaining,
	}
}

func sampleResult() *aggregator.Result {
	expired := record("main", "expired@example.com", 0, 0)
	expired.Error = "usage request failed (status 403)"

	return &aggregator.Result{
		Timestamp: now,
		Panels: []aggregator.PanelResult{
			{
				Name:    "main",
				Elapsed: 120 * time.Millisecond,
				Records: []models.AccountUsageRecord{
					record("main", "a@example.com", 60, 100),
					expired,
				},
			},
			{
				Name: "backup",
				Err:  &panel.NetworkError{Panel: "backup", Err: errors.New("dial tcp: connection refused")},
			},
			{
				Name:    "third",
				Records: []models.AccountUsageRecord{record("third", "c@example.com", 1500, 2000)},
			},
		},
	}
}

func plain(s string) string {
	return ansi.Strip(s)
}

func TestRender_Totals(t *testing.T) {
	out := plain(Render(sampleResult(), Options{}))

	assert.Contains(t, out, "Total remaining: 1,560 across 2 account(s) on 3 panel(s), 1 failed")
	assert.Contains(t, out, now.Format(time.DateTime))
}

func TestRender_PanelOrderAndRows(t *testing.T) {
	out := plain(Render(sampleResult(), Options{}))

	iMain := strings.Index(out, "▸ main")
	iBackup := strings.Index(out, "▸ backup")
	iThird := strings.Index(out, "▸ third")
	require.True(t, iMain >= 0 && iBackup >= 0 && iThird >= 0)
	assert.Less(t, iMain, iBackup)
	assert.Less(t, iBackup, iThird)

	assert.Contains(t, out, strings.Repeat("█", 12)+strings.Repeat("░", 8)+"]  60.0% |", "a@example.com is scaled to 60%")
	assert.Contains(t, out, "✗ expired@example.com: usage request failed (status 403)")
	assert.Contains(t, out, "✗ network error: panel backup unreachable")
	assert.Contains(t, out, "1,500")
}

func TestRender_ZeroQuota(t *testing.T) {
	res := &aggregator.Result{
		Timestamp: now,
		Panels: []aggregator.PanelResult{{
			Name:    "main",
			Records: []models.AccountUsageRecord{record("main", "zero@example.com", 0, 0)},
		}},
	}

	out := plain(Render(res, Options{}))
	assert.Contains(t, out, "["+strings.Repeat("░", barWidth)+"]")
	assert.Contains(t, out, "  0.0%")
	assert.NotContains(t, out, "NaN")
	assert.NotContains(t, out, "Inf")
}

func TestRender_QuotaFallback(t *testing.T) {
	rec := record("main", "nolimit@example.com", 25, 0)
	res := &aggregator.Result{
		Timestamp: now,
		Panels:    []aggregator.PanelResult{{Name: "main", Records: []models.AccountUsageRecord{rec}}},
	}

	out := plain(Render(res, Options{Quotas: map[string]float64{rec.Key(): 100}}))
	assert.Contains(t, out, " 25.0% |", "bar scales to the largest observed balance")
}

func TestRender_DoesNotModifyInput(t *testing.T) {
	res := sampleResult()
	before, err := json.Marshal(res.Panels[0].Records)
	require.NoError(t, err)

	_ = Render(res, Options{Estimates: map[string]models.Estimate{}})

	after, err := json.Marshal(res.Panels[0].Records)
	require.NoError(t, err)
	assert.Equal(t, string(before), string(after))
}

func TestRender_Estimates(t *testing.T) {
	res := sampleResult()
	key := models.SeriesKey("main", "a@example.com")
	third := models.SeriesKey("third", "c@example.com")

	estimates := map[string]models.Estimate{
		key: {
			Samples: 3, First: now.Add(-time.Hour), Last: now,
			RatePerHour: 10, Remaining: 60, Bounded: true,
			TimeToEmpty: 6 * time.Hour, Status: models.ProjectionWarning,
		},
		third: {Samples: 1, First: now, Last: now, Remaining: 1500},
	}
	total := models.Estimate{
		Samples: 3, First: now.Add(-time.Hour), Last: now,
		RatePerHour: 10, Remaining: 1560, Bounded: true,
		TimeToEmpty: 156 * time.Hour, Status: models.ProjectionSafe,
	}

	out := plain(Render(res, Options{Estimates: estimates, Total: &total}))

	assert.Contains(t, out, "10/h  empty in 6h 0m WARNING")
	assert.Contains(t, out, "sampling 1/2")
	assert.Contains(t, out, "Total rate: 10/h over 1h 0m  exhaustion in 6d 12h (SAFE)")
}

func TestRender_UnboundedEstimate(t *testing.T) {
	res := sampleResult()
	key := models.SeriesKey("main", "a@example.com")
	estimates := map[string]models.Estimate{
		key: {Samples: 2, First: now.Add(-time.Hour), Last: now, RatePerHour: 0, Remaining: 60},
	}
	total := estimates[key]

	out := plain(Render(res, Options{Estimates: estimates, Total: &total}))
	assert.Contains(t, out, "0/h  unbounded")
	assert.Contains(t, out, "exhaustion: unbounded")
}

func TestRender_Trend(t *testing.T) {
	out := plain(Render(sampleResult(), Options{Trend: []float64{1600, 1580, 1560}}))
	assert.Contains(t, out, "total remaining")
}

func TestRender_Subscription(t *testing.T) {
	rec := record("main", "pro@example.com", 900, 1000)
	rec.Subscription = "KIRO PRO"
	rec.NextReset = now.Add(72 * time.Hour)
	res := &aggregator.Result{
		Timestamp: now,
		Panels:    []aggregator.PanelResult{{Name: "main", Records: []models.AccountUsageRecord{rec}}},
	}

	out := plain(Render(res, Options{Now: now}))
	assert.Regexp(t, `pro@example\.com .*resets 3 days from now  KIRO PRO`, out)

	out = plain(Render(sampleResult(), Options{}))
	assert.NotContains(t, out, "KIRO")
}

func TestRender_LongAccountTruncated(t *testing.T) {
	long := strings.Repeat("x", 200) + "@example.com"
	res := &aggregator.Result{
		Timestamp: now,
		Panels:    []aggregator.PanelResult{{Name: "main", Records: []models.AccountUsageRecord{record("main", long, 1, 2)}}},
	}

	out := plain(Render(res, Options{Width: 100}))
	assert.NotContains(t, out, long)
	assert.Contains(t, out, "…")
}

func TestDuration(t *testing.T) {
	tests := []struct {
		d    time.Duration
		want string
	}{
		{30 * time.Second, "<1m"},
		{45 * time.Minute, "45m"},
		{5*time.Hour + 12*time.Minute, "5h 12m"},
		{51 * time.Hour, "2d 3h"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Duration(tt.d))
	}
}

func TestNumber(t *testing.T) {
	assert.Equal(t, "1,234.5", Number(1234.5))
	assert.Equal(t, "0", Number(0))
	assert.Equal(t, "12.35", Number(12.345678))
}

func TestWriteJSON(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteJSON(&buf, sampleResult()))

	var got struct {
		Panels []struct {
			Name      string `json:"name"`
			Error     string `json:"error"`
			ErrorKind string `json:"errorKind"`
			Records   []models.AccountUsageRecord
		} `json:"panels"`
		TotalRemaining float64 `json:"totalRemaining"`
	}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &got))

	require.Len(t, got.Panels, 3)
	assert.Equal(t, "main", got.Panels[0].Name)
	assert.Len(t, got.Panels[0].Records, 2)
	assert.Equal(t, panel.KindNetwork, got.Panels[1].ErrorKind)
	assert.NotNil(t, got.Panels[1].Records)
	assert.InDelta(t, 1560.0, got.TotalRemaining, 1e-9)
}

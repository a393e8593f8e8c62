// Package projection keeps per-account balance history and projects when
// each balance runs out.
package projection

import (
	"slices"
	"sync"
	"time"

	"github.com/j-veylop/cliproxy-manager/internal/models"
)

const (
	// criticalWithin marks a projection critical when it empties sooner than this.
	criticalWithin = time.Hour
	// maxProjection caps TimeToEmpty so very slow rates never overflow a Duration.
	maxProjection = 100 * 365 * 24 * time.Hour
	// refillThreshold is the balance jump treated as a quota reset.
	refillThreshold = 1.0
)

// History stores ordered samples per series key (panel/account).
type History struct {
	series     map[string][]models.UsageSample
	window     time.Duration
	maxSamples int
	mu         sync.RWMutex
}

// NewHistory creates a history keeping samples newer than window, at most
// maxSamples per series. Zero values disable the respective bound.
func NewHistory(window time.Duration, maxSamples int) *History {
	return &History{
		series:     make(map[string][]models.UsageSample),
		window:     window,
		maxSamples: maxSamples,
	}
}

// Add appends a sample to the series and prunes it.
func (h *History) Add(key string, s models.UsageSample) {
	h.mu.Lock()
	defer h.mu.Unlock()

	samples := h.series[key]
	n := len(samples)
	samples = append(samples, s)
	if n > 0 && s.Timestamp.Before(samples[n-1].Timestamp) {
		slices.SortStableFunc(samples, func(a, b models.UsageSample) int {
			return a.Timestamp.Compare(b.Timestamp)
		})
	}

	h.series[key] = h.prune(samples)
}

func (h *History) prune(samples []models.UsageSample) []models.UsageSample {
	if h.window > 0 && len(samples) > 0 {
		cutoff := samples[len(samples)-1].Timestamp.Add(-h.window)
		i, _ := slices.BinarySearchFunc(samples, cutoff, func(s models.UsageSample, t time.Time) int {
			return s.Timestamp.Compare(t)
		})
		samples = samples[i:]
	}
	if h.maxSamples > 0 && len(samples) > h.maxSamples {
		samples = samples[len(samples)-h.maxSamples:]
	}
	// Reallocate once the backing array has drifted far from the live window.
	if cap(samples) > 2*len(samples)+16 {
		samples = slices.Clone(samples)
	}
	return samples
}

// samples returns a copy of the series.
func (h *History) samples(key string) []models.UsageSample {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return slices.Clone(h.series[key])
}

// latest returns the newest sample of the series.
func (h *History) latest(key string) (models.UsageSample, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	samples := h.series[key]
	if len(samples) == 0 {
		return models.UsageSample{}, false
	}
	return samples[len(samples)-1], true
}

// Keys returns the series keys in sorted order.
func (h *History) Keys() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	keys := make([]string, 0, len(h.series))
	for k := range h.series {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

// Len returns the number of samples across all series.
func (h *History) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, s := range h.series {
		n += len(s)
	}
	return n
}

// Estimate projects the series' consumption.
func (h *History) Estimate(key string) models.Estimate {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return Estimate(h.series[key])
}

// Estimate computes the consumption rate between the oldest and newest sample.
// The result is not Ready with fewer than two samples or a zero time span.
func Estimate(samples []models.UsageSample) models.Estimate {
	e := models.Estimate{Samples: len(samples), Status: models.ProjectionUnknown}
	if len(samples) == 0 {
		return e
	}

	first, last := samples[0], samples[len(samples)-1]
	e.First = first.Timestamp
	e.Last = last.Timestamp
	e.Remaining = last.Remaining
	if !e.Ready() {
		return e
	}

	e.Consumed = first.Remaining - last.Remaining
	e.RatePerHour = e.Consumed / e.Span().Hours()
	bound(&e)
	return e
}

// Total combines per-account estimates: remaining balances add up, and so do
// the rates of the accounts that have enough samples.
func Total(estimates []models.Estimate) models.Estimate {
	t := models.Estimate{Status: models.ProjectionUnknown}
	for _, e := range estimates {
		t.Remaining += e.Remaining
		if !e.Ready() {
			continue
		}
		t.Samples = max(t.Samples, e.Samples)
		t.Consumed += e.Consumed
		t.RatePerHour += e.RatePerHour
		if t.First.IsZero() || e.First.Before(t.First) {
			t.First = e.First
		}
		if e.Last.After(t.Last) {
			t.Last = e.Last
		}
	}
	if t.Ready() {
		bound(&t)
	}
	return t
}

// bound fills TimeToEmpty when the balance is shrinking and not yet empty.
func bound(e *models.Estimate) {
	e.Bounded = false
	e.TimeToEmpty = 0
	if e.RatePerHour <= 0 || e.Remaining <= 0 {
		return
	}
	hours := e.Remaining / e.RatePerHour
	if hours*float64(time.Hour) >= float64(maxProjection) {
		e.TimeToEmpty = maxProjection
	} else {
		e.TimeToEmpty = time.Duration(hours * float64(time.Hour))
	}
	e.Bounded = true
}

// Classify compares the projected exhaustion with the next quota reset.
func Classify(e models.Estimate, nextReset time.Time) models.ProjectionStatus {
	switch {
	case !e.Ready():
		return models.ProjectionUnknown
	case e.Remaining <= 0:
		return models.ProjectionCritical
	case !e.Bounded:
		return models.ProjectionSafe
	case nextReset.IsZero():
		return models.ProjectionUnknown
	}

	emptyAt, _ := e.EmptyAt()
	if !emptyAt.Before(nextReset) {
		return models.ProjectionSafe
	}
	if e.TimeToEmpty < criticalWithin {
		return models.ProjectionCritical
	}
	return models.ProjectionWarning
}

// DetectReset reports whether a balance jump from prev to cur looks like a
// quota reset rather than noise.
func DetectReset(prev, cur float64) bool {
	return cur > prev+refillThreshold
}

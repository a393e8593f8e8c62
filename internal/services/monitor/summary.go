package monitor

import (
	"fmt"
	"time"

	"github.com/j-veylop/cliproxy-manager/internal/ui/format"
)

// Summary is the statistics of a finished monitoring session.
type Summary struct {
	RunID       string
	Steps       int
	Samples     int
	Duration    time.Duration
	Consumed    float64
	RatePerHour float64
}

// Summary returns statistics over the whole session so far. The average rate
// uses the first and last total balance, so it is zero until two steps span
// a non-zero interval.
func (m *Monitor) Summary() Summary {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := Summary{
		RunID:    m.runID,
		Steps:    m.steps,
		Samples:  m.samples,
		Duration: m.opts.Now().Sub(m.started),
	}
	if span := m.lastAt.Sub(m.firstAt); m.steps >= 2 && span > 0 {
		s.Consumed = m.first - m.last
		s.RatePerHour = s.Consumed / span.Hours()
	}
	return s
}

func (s Summary) String() string {
	return fmt.Sprintf("Monitoring stopped after %s: %d step(s), %d sample(s), consumed %s, average %s/h",
		format.Duration(s.Duration), s.Steps, s.Samples, format.Number(s.Consumed), format.Number(s.RatePerHour))
}

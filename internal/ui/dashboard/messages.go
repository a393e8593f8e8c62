package dashboard

import (
	"time"

	"github.com/j-veylop/cliproxy-manager/internal/services/monitor"
)

// TickMsg triggers the next scheduled step. Seq identifies the schedule that
// produced it; ticks from a replaced schedule are ignored.
type TickMsg struct {
	Time time.Time
	Seq  int
}

// FrameMsg carries the outcome of one step.
type FrameMsg struct {
	Frame *monitor.Frame
	Err   error
}

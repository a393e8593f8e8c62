// Package models defines data structures and domain types.
package models

import "time"

// UsageSample is one observation of an account's remaining balance.
type UsageSample struct {
	Timestamp time.Time `json:"timestamp"`
	Remaining float64   `json:"remaining"`
}

// ProjectionStatus indicates urgency level for balance depletion.
type ProjectionStatus string

const (
	ProjectionSafe     ProjectionStatus = "SAFE"
	ProjectionWarning  ProjectionStatus = "WARNING"
	ProjectionCritical ProjectionStatus = "CRITICAL"
	ProjectionUnknown  ProjectionStatus = "UNKNOWN"
)

// Estimate is the consumption projection derived from a sample window.
type Estimate struct {
	First       time.Time        // Oldest sample in the window
	Last        time.Time        // Newest sample in the window
	Samples     int              // Samples in the window
	Consumed    float64          // Balance decrease between first and last sample
	RatePerHour float64          // Consumed per hour, negative when the balance grew
	Remaining   float64          // Balance at the newest sample
	TimeToEmpty time.Duration    // Only meaningful when Bounded
	Bounded     bool             // False when the balance is flat or growing
	Status      ProjectionStatus // Urgency relative to the next reset
}

// Ready reports whether enough samples spanning a non-zero interval exist.
func (e Estimate) Ready() bool {
	return e.Samples >= 2 && e.Last.After(e.First)
}

// Span is the time covered by the window.
func (e Estimate) Span() time.Duration {
	return e.Last.Sub(e.First)
}

// EmptyAt returns the projected exhaustion instant.
func (e Estimate) EmptyAt() (time.Time, bool) {
	if !e.Bounded {
		return time.Time{}, false
	}
	return e.Last.Add(e.TimeToEmpty), true
}

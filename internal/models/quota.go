// Package models defines data structures and domain types.
package models

import "time"

// UsageSummary is the condensed form of a Kiro getUsageLimits response.
type UsageSummary struct {
	NextReset    time.Time `json:"nextReset,omitzero"`
	Subscription string    `json:"subscription"`
	TotalUsed    float64   `json:"totalUsed"`
	TotalLimit   float64   `json:"totalLimit"`
	Remaining    float64   `json:"remaining"`
	Percentage   float64   `json:"percentage"`
}

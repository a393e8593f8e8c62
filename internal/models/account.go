// Package models defines data structures and domain types.
package models

import (
	"strings"
	"time"
)

// AuthFile is one entry of a panel's auth-file listing.
type AuthFile struct {
	Name     string `json:"name"`
	Provider string `json:"provider"`
	Email    string `json:"email,omitempty"`
	Status   string `json:"status,omitempty"`
}

// IsKiro reports whether the auth file belongs to the Kiro provider.
func (f AuthFile) IsKiro() bool {
	return strings.EqualFold(f.Provider, "kiro")
}

// IsDisabled reports whether the panel has the auth file switched off.
func (f AuthFile) IsDisabled() bool {
	return f.Status == "disabled"
}

// Identifier returns the email if known, else the file name.
func (f AuthFile) Identifier() string {
	if f.Email != "" {
		return f.Email
	}
	return f.Name
}

// AccountUsageRecord is the usage of one Kiro account as seen through one panel.
// Records are produced fresh by every query and never mutated afterwards.
type AccountUsageRecord struct {
	Timestamp    time.Time `json:"timestamp"`
	NextReset    time.Time `json:"nextReset,omitzero"`
	Panel        string    `json:"panel"`
	Account      string    `json:"account"`
	FileName     string    `json:"fileName"`
	Subscription string    `json:"subscription,omitempty"`
	Error        string    `json:"error,omitempty"`
	Used         float64   `json:"used"`
	Limit        float64   `json:"limit"`
	Remaining    float64   `json:"remaining"`
	UsedPercent  float64   `json:"usedPercent"`
}

// OK reports whether the usage lookup for this account succeeded.
func (r *AccountUsageRecord) OK() bool {
	return r.Error == ""
}

// Key identifies the account within the monitor history. The panel is part of
// the key so the same account registered on two panels keeps two series.
func (r *AccountUsageRecord) Key() string {
	return SeriesKey(r.Panel, r.Account)
}

// RemainingPercent returns the share of the quota left, 0 when the quota is unknown.
func (r *AccountUsageRecord) RemainingPercent(quota float64) float64 {
	if quota <= 0 {
		return 0
	}
	pct := r.Remaining / quota * 100
	if pct < 0 {
		return 0
	}
	if pct > 100 {
		return 100
	}
	return pct
}

// SeriesKey builds the history key for an account on a panel.
func SeriesKey(panel, account string) string {
	return panel + "/" + account
}

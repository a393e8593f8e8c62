// Package notify raises desktop notifications for low and refreshed balances.
package notify

import (
	"fmt"
	"sync"

	"github.com/gen2brain/beeep"

	"github.com/j-veylop/cliproxy-manager/internal/logger"
	"github.com/j-veylop/cliproxy-manager/internal/models"
	"github.com/j-veylop/cliproxy-manager/internal/services/projection"
)

// SendFunc delivers one notification.
type SendFunc func(title, body string) error

// Notifier tracks the previous balance of every account and fires once per
// downward threshold crossing and once per detected reset.
type Notifier struct {
	mu        sync.Mutex
	send      SendFunc
	previous  map[string]float64
	threshold float64
}

// Option configures a Notifier.
type Option func(*Notifier)

// WithSender replaces the desktop notification backend.
func WithSender(fn SendFunc) Option {
	return func(n *Notifier) {
		n.send = fn
	}
}

// New creates a notifier that alerts when an account drops below threshold
// percent. A threshold of 0 disables low-balance alerts.
func New(threshold float64, opts ...Option) *Notifier {
	n := &Notifier{
		threshold: threshold,
		previous:  make(map[string]float64),
		send: func(title, body string) error {
			return beeep.Notify(title, body, "")
		},
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Observe compares records with the previous step. quotas supplies the scale
// for accounts whose record carries no limit. It returns how many
// notifications were sent.
func (n *Notifier) Observe(records []models.AccountUsageRecord, quotas map[string]float64) int {
	n.mu.Lock()
	defer n.mu.Unlock()

	sent := 0
	for i := range records {
		r := &records[i]
		if !r.OK() {
			continue
		}
		key := r.Key()
		prev, seen := n.previous[key]
		n.previous[key] = r.Remaining
		if !seen {
			continue
		}

		if projection.DetectReset(prev, r.Remaining) {
			if n.notify(fmt.Sprintf("Balance refreshed: %s", r.Account),
				fmt.Sprintf("%s on %s went from %.1f to %.1f.", r.Account, r.Panel, prev, r.Remaining)) {
				sent++
			}
			continue
		}

		quota := r.Limit
		if quota <= 0 {
			quota = quotas[key]
		}
		if n.threshold <= 0 || quota <= 0 {
			continue
		}
		newPercent := r.Remaining / quota * 100
		oldPercent := prev / quota * 100
		if newPercent < n.threshold && oldPercent >= n.threshold {
			if n.notify(fmt.Sprintf("Low balance: %s", r.Account),
				fmt.Sprintf("Remaining balance on %s is below %.0f%% (%.1f%%)", r.Panel, n.threshold, newPercent)) {
				sent++
			}
		}
	}
	return sent
}

func (n *Notifier) notify(title, body string) bool {
	if err := n.send(title, body); err != nil {
		logger.Warn("Desktop notification failed", "title", title, "error", err)
		return false
	}
	logger.Debug("Notification sent", "title", title)
	return true
}

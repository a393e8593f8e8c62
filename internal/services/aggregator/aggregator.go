// Package aggregator queries several panels concurrently and merges their records.
package aggregator

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/j-veylop/cliproxy-manager/internal/config"
	"github.com/j-veylop/cliproxy-manager/internal/logger"
	"github.com/j-veylop/cliproxy-manager/internal/models"
	"github.com/j-veylop/cliproxy-manager/internal/services/panel"
)

// ErrUnknownPanel is returned by Select for filter names with no matching panel.
var ErrUnknownPanel = errors.New("unknown panel")

// Querier fetches the usage records of one panel.
type Querier interface {
	Query(ctx context.Context) ([]models.AccountUsageRecord, error)
}

// QuerierFunc builds the Querier for a panel.
type QuerierFunc func(p config.PanelConfig) Querier

// Options controls QueryAll.
type Options struct {
	// NewQuerier defaults to a panel.Client.
	NewQuerier QuerierFunc
	Dedup      config.DedupPolicy
	Filter     []string
	// Timeout overrides every panel's own timeout when positive.
	Timeout time.Duration
}

// PanelResult is the outcome of one panel.
type PanelResult struct {
	Err     error
	Name    string
	Records []models.AccountUsageRecord
	Elapsed time.Duration
}

// OK reports whether the panel answered.
func (r PanelResult) OK() bool {
	return r.Err == nil
}

// Result holds every selected panel's outcome in declaration order.
type Result struct {
	Timestamp  time.Time
	Panels     []PanelResult
	Elapsed    time.Duration
	Duplicates int // Rows dropped by DedupFirst
}

// Select returns the panels named in filter, keeping declaration order.
// An empty filter selects every panel.
func Select(panels []config.PanelConfig, filter []string) ([]config.PanelConfig, error) {
	if len(filter) == 0 {
		return panels, nil
	}

	wanted := make(map[string]bool, len(filter))
	for _, name := range filter {
		wanted[name] = true
	}

	selected := make([]config.PanelConfig, 0, len(filter))
	for _, p := range panels {
		if wanted[p.Name] {
			selected = append(selected, p)
			delete(wanted, p.Name)
		}
	}

	if len(wanted) > 0 {
		var unknown []string
		for _, name := range filter {
			if wanted[name] {
				unknown = append(unknown, name)
				delete(wanted, name)
			}
		}
		available := make([]string, len(panels))
		for i, p := range panels {
			available[i] = p.Name
		}
		return nil, fmt.Errorf("%w: %s (available: %s)", ErrUnknownPanel,
			strings.Join(unknown, ", "), strings.Join(available, ", "))
	}
	return selected, nil
}

// QueryAll queries the selected panels concurrently. A panel failure is kept
// in its PanelResult and never cancels the other panels. Records within a
// panel are ordered by account. The only error returned is an unknown panel
// name in the filter.
func QueryAll(ctx context.Context, panels []config.PanelConfig, opts Options) (*Result, error) {
	selected, err := Select(panels, opts.Filter)
	if err != nil {
		return nil, err
	}

	newQuerier := opts.NewQuerier
	if newQuerier == nil {
		newQuerier = func(p config.PanelConfig) Querier { return panel.New(p) }
	}

	start := time.Now()
	res := &Result{
		Timestamp: start,
		Panels:    make([]PanelResult, len(selected)),
	}

	// Plain Group: one panel's error must not cancel the others.
	var g errgroup.Group
	for i, p := range selected {
		if opts.Timeout > 0 {
			p.Timeout = opts.Timeout
		}
		g.Go(func() error {
			res.Panels[i] = queryPanel(ctx, p, newQuerier(p))
			return nil
		})
	}
	_ = g.Wait()

	res.Elapsed = time.Since(start)
	if opts.Dedup == config.DedupFirst {
		res.Duplicates = dedupFirst(res.Panels)
	}
	return res, nil
}

func queryPanel(ctx context.Context, p config.PanelConfig, q Querier) PanelResult {
	start := time.Now()
	records, err := q.Query(ctx)
	records = slices.Clone(records)
	slices.SortStableFunc(records, func(a, b models.AccountUsageRecord) int {
		return cmp.Or(strings.Compare(a.Account, b.Account), strings.Compare(a.FileName, b.FileName))
	})
	pr := PanelResult{
		Name:    p.Name,
		Records: records,
		Err:     err,
		Elapsed: time.Since(start),
	}
	if err != nil {
		logger.Warn("panel query failed", "panel", p.Name, "kind", panel.ErrorKind(err), "error", err)
	}
	return pr
}

// dedupFirst keeps one row per account: the first successful one in panel
// order, or the first failed one when no panel could read the balance.
func dedupFirst(panels []PanelResult) int {
	type loc struct{ panel, row int }

	kept := make(map[string]loc)
	dropped := make(map[loc]bool)
	for i := range panels {
		for j := range panels[i].Records {
			here := loc{i, j}
			account := panels[i].Records[j].Account
			prev, seen := kept[account]
			switch {
			case !seen:
				kept[account] = here
			case !panels[prev.panel].Records[prev.row].OK() && panels[i].Records[j].OK():
				dropped[prev] = true
				kept[account] = here
			default:
				dropped[here] = true
			}
		}
	}

	if len(dropped) == 0 {
		return 0
	}
	for i := range panels {
		rows := panels[i].Records[:0:0]
		for j, r := range panels[i].Records {
			if !dropped[loc{i, j}] {
				rows = append(rows, r)
			}
		}
		panels[i].Records = rows
	}
	return len(dropped)
}

// Records flattens the records in panel order, account order within a panel.
func (r *Result) Records() []models.AccountUsageRecord {
	var all []models.AccountUsageRecord
	for _, p := range r.Panels {
		all = append(all, p.Records...)
	}
	return all
}

// Failed returns the panels whose query failed.
func (r *Result) Failed() []PanelResult {
	var failed []PanelResult
	for _, p := range r.Panels {
		if !p.OK() {
			failed = append(failed, p)
		}
	}
	return failed
}

// AllFailed reports whether no selected panel answered.
func (r *Result) AllFailed() bool {
	return len(r.Panels) > 0 && len(r.Failed()) == len(r.Panels)
}

// TotalRemaining sums the balance of every successful record.
func (r *Result) TotalRemaining() float64 {
	var total float64
	for _, p := range r.Panels {
		for i := range p.Records {
			if p.Records[i].OK() {
				total += p.Records[i].Remaining
			}
		}
	}
	return total
}

// Counts returns how many records succeeded and failed.
func (r *Result) Counts() (ok, failed int) {
	for _, p := range r.Panels {
		for i := range p.Records {
			if p.Records[i].OK() {
				ok++
			} else {
				failed++
			}
		}
	}
	return ok, failed
}

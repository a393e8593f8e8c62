package panel

import (
	"cmp"
	"context"
	"fmt"
	"slices"

	"golang.org/x/sync/errgroup"

	"github.com/j-veylop/cliproxy-manager/internal/logger"
	"github.com/j-veylop/cliproxy-manager/internal/models"
	"github.com/j-veylop/cliproxy-manager/internal/services/convert"
)

// Query lists the panel's enabled Kiro accounts and looks up each one's usage.
// Only a failure to list the accounts fails the query; per-account problems
// are reported in the record's Error field. Records are sorted by account.
func (c *Client) Query(ctx context.Context) ([]models.AccountUsageRecord, error) {
	files, err := c.ListKiroFiles(ctx)
	if err != nil {
		return nil, err
	}

	records := make([]models.AccountUsageRecord, len(files))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrent)
	for i, f := range files {
		g.Go(func() error {
			records[i] = c.queryAccount(gctx, f)
			return nil
		})
	}
	_ = g.Wait()

	slices.SortStableFunc(records, func(a, b models.AccountUsageRecord) int {
		return cmp.Or(cmp.Compare(a.Account, b.Account), cmp.Compare(a.FileName, b.FileName))
	})

	logger.Debug("panel queried", "panel", c.panel.Name, "accounts", len(records))
	return records, nil
}

func (c *Client) queryAccount(ctx context.Context, f models.AuthFile) models.AccountUsageRecord {
	rec := models.AccountUsageRecord{
		Panel:    c.panel.Name,
		Account:  f.Identifier(),
		FileName: f.Name,
	}

	summary, err := c.accountUsage(ctx, f.Name)
	rec.Timestamp = c.now()
	if err != nil {
		logger.Warn("account usage lookup failed", "panel", c.panel.Name, "account", rec.Account, "error", err)
		rec.Error = err.Error()
		return rec
	}

	rec.Subscription = summary.Subscription
	rec.NextReset = summary.NextReset
	rec.Used = summary.TotalUsed
	rec.Limit = summary.TotalLimit
	rec.Remaining = summary.Remaining
	rec.UsedPercent = summary.Percentage
	return rec
}

func (c *Client) accountUsage(ctx context.Context, fileName string) (models.UsageSummary, error) {
	cred, err := c.DownloadAuthFile(ctx, fileName)
	if err != nil {
		return models.UsageSummary{}, fmt.Errorf("download failed: %w", err)
	}

	// Panels may store credentials in either layout.
	cred, err = convert.Convert(cred, convert.FormatCLIProxy)
	if err != nil {
		return models.UsageSummary{}, fmt.Errorf("unreadable credential: %w", err)
	}

	token, _ := cred["access_token"].(string)
	if token == "" {
		return models.UsageSummary{}, fmt.Errorf("no access_token in auth file")
	}
	region, _ := cred["region"].(string)

	usage, err := c.FetchUsage(ctx, token, region)
	if err != nil {
		return models.UsageSummary{}, err
	}
	return Summarize(usage), nil
}

package db

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/j-veylop/cliproxy-manager/internal/logger"
	"github.com/j-veylop/cliproxy-manager/internal/models"
)

// Run describes one monitor session.
type Run struct {
	StartedAt time.Time
	EndedAt   time.Time
	ID        string
	Panels    []string
	Samples   int
}

// StartRun records the beginning of a monitor session.
func (db *DB) StartRun(ctx context.Context, id string, started time.Time, panels []string) error {
	_, err := db.ExecContext(ctx,
		`INSERT INTO monitor_runs (id, started_at, panels) VALUES (?, ?, ?)`,
		id, started.UnixMilli(), strings.Join(panels, ","))
	if err != nil {
		return fmt.Errorf("failed to insert run: %w", err)
	}
	return nil
}

// FinishRun stamps the end time and sample count of a monitor session.
func (db *DB) FinishRun(ctx context.Context, id string, ended time.Time, samples int) error {
	res, err := db.ExecContext(ctx,
		`UPDATE monitor_runs SET ended_at = ?, samples = ? WHERE id = ?`,
		ended.UnixMilli(), samples, id)
	if err != nil {
		return fmt.Errorf("failed to finish run: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("run %s not found", id)
	}
	return nil
}

// GetRun loads a monitor session by id.
func (db *DB) GetRun(ctx context.Context, id string) (*Run, error) {
	var (
		run     Run
		started int64
		ended   sql.NullInt64
		panels  string
	)
	err := db.QueryRowContext(ctx,
		`SELECT id, started_at, ended_at, panels, samples FROM monitor_runs WHERE id = ?`, id,
	).Scan(&run.ID, &started, &ended, &panels, &run.Samples)
	if err != nil {
		return nil, fmt.Errorf("failed to load run %s: %w", id, err)
	}

	run.StartedAt = time.UnixMilli(started).UTC()
	if ended.Valid {
		run.EndedAt = time.UnixMilli(ended.Int64).UTC()
	}
	if panels != "" {
		run.Panels = strings.Split(panels, ",")
	}
	return &run, nil
}

// InsertSamples stores the successful records of one monitor step. Failed
// records carry no balance and are skipped. It returns the number stored.
func (db *DB) InsertSamples(ctx context.Context, runID string, records []models.AccountUsageRecord) (int, error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO usage_samples (run_id, ts, panel, account, remaining, used, usage_limit, next_reset)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return 0, fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	n := 0
	for i := range records {
		r := &records[i]
		if !r.OK() {
			continue
		}
		ts := r.Timestamp
		if ts.IsZero() {
			ts = time.Now()
		}
		var reset int64
		if !r.NextReset.IsZero() {
			reset = r.NextReset.UnixMilli()
		}
		if _, err := stmt.ExecContext(ctx, runID, ts.UnixMilli(), r.Panel, r.Account,
			r.Remaining, r.Used, r.Limit, reset); err != nil {
			return 0, fmt.Errorf("failed to insert sample for %s: %w", r.Key(), err)
		}
		n++
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit samples: %w", err)
	}
	return n, nil
}

// SamplesSince returns stored samples newer than since, keyed by
// models.SeriesKey and ordered by time within each series.
func (db *DB) SamplesSince(ctx context.Context, since time.Time) (map[string][]models.UsageSample, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT panel, account, ts, remaining
		FROM usage_samples
		WHERE ts >= ?
		ORDER BY panel, account, ts
	`, since.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("failed to query samples: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make(map[string][]models.UsageSample)
	for rows.Next() {
		var (
			panel, account string
			ts             int64
			remaining      float64
		)
		if err := rows.Scan(&panel, &account, &ts, &remaining); err != nil {
			return nil, fmt.Errorf("failed to scan sample: %w", err)
		}
		key := models.SeriesKey(panel, account)
		out[key] = append(out[key], models.UsageSample{
			Timestamp: time.UnixMilli(ts).UTC(),
			Remaining: remaining,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read samples: %w", err)
	}
	return out, nil
}

// CountSamples returns the number of stored samples.
func (db *DB) CountSamples(ctx context.Context) (int, error) {
	var n int
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM usage_samples`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count samples: %w", err)
	}
	return n, nil
}

// PruneBefore deletes samples older than cutoff in batches and returns the
// number removed.
func (db *DB) PruneBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	var total int64
	for {
		res, err := db.ExecContext(ctx, `
			DELETE FROM usage_samples WHERE id IN (
				SELECT id FROM usage_samples WHERE ts < ? LIMIT ?
			)
		`, cutoff.UnixMilli(), pruneBatch)
		if err != nil {
			return total, fmt.Errorf("failed to prune samples: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return total, fmt.Errorf("failed to prune samples: %w", err)
		}
		total += n
		if n < pruneBatch {
			break
		}
	}

	if total > 0 {
		logger.Debug("Pruned usage samples", "count", total, "before", cutoff.Format(time.DateTime))
	}
	return total, nil
}

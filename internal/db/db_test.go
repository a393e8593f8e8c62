package db

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/j-veylop/cliproxy-manager/internal/models"
)

var base = time.Date(2026, 10, 16, 8, 0, 0, 0, time.UTC)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Failed to create test database: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func rec(panel, account string, offset time.Duration, remaining float64) models.AccountUsageRecord {
	return models.AccountUsageRecord{
		Timestamp: base.Add(offset),
		Panel:     panel,
		Account:   account,
		Remaining: remaining,
		Limit:     100,
		Used:      100 - remaining,
	}
}

func TestNew(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")

	db, err := New(dbPath)
	if err != nil {
		t.Fatalf("Failed to create database: %v", err)
	}
	defer db.Close()

	if db.Path() != dbPath {
		t.Errorf("Expected path %s, got %s", dbPath, db.Path())
	}
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		t.Error("Database file was not created")
	}
}

func TestNew_CreatesDirectory(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "subdir", "nested", "test.db")

	db, err := New(dbPath)
	if err != nil {
		t.Fatalf("Failed to create database with nested path: %v", err)
	}
	defer db.Close()

	if _, err := os.Stat(filepath.Dir(dbPath)); os.IsNotExist(err) {
		t.Error("Nested directories were not created")
	}
}

func TestSchema_TablesExist(t *testing.T) {
	db := newTestDB(t)

	for _, table := range []string{"usage_samples", "monitor_runs"} {
		var name string
		err := db.QueryRowContext(context.Background(),
			"SELECT name FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&name)
		if err != nil {
			t.Errorf("Table %s does not exist: %v", table, err)
		}
	}
}

func TestMigrate_Idempotent(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")

	first, err := New(dbPath)
	if err != nil {
		t.Fatalf("Failed to create database: %v", err)
	}
	_ = first.Close()

	db, err := New(dbPath)
	if err != nil {
		t.Fatalf("Failed to reopen database: %v", err)
	}
	defer db.Close()

	version, err := db.SchemaVersion(context.Background())
	if err != nil {
		t.Fatalf("SchemaVersion failed: %v", err)
	}
	if version != len(migrations) {
		t.Errorf("Expected schema version %d, got %d", len(migrations), version)
	}
}

func TestInsertSamples_SkipsFailedRecords(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	failed := rec("main", "broken@example.com", 0, 0)
	failed.Error = "download failed"

	n, err := db.InsertSamples(ctx, "run-1", []models.AccountUsageRecord{
		rec("main", "a@example.com", 0, 90),
		failed,
		rec("backup", "a@example.com", 0, 40),
	})
	if err != nil {
		t.Fatalf("InsertSamples failed: %v", err)
	}
	if n != 2 {
		t.Errorf("Expected 2 stored samples, got %d", n)
	}

	count, err := db.CountSamples(ctx)
	if err != nil {
		t.Fatalf("CountSamples failed: %v", err)
	}
	if count != 2 {
		t.Errorf("Expected 2 rows, got %d", count)
	}
}

func TestSamplesSince(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	_, err := db.InsertSamples(ctx, "run-1", []models.AccountUsageRecord{
		rec("main", "a@example.com", 2*time.Minute, 80),
		rec("main", "a@example.com", 0, 100),
		rec("main", "a@example.com", time.Minute, 90),
		rec("main", "b@example.com", time.Minute, 50),
		rec("main", "a@example.com", -time.Hour, 120),
	})
	if err != nil {
		t.Fatalf("InsertSamples failed: %v", err)
	}

	got, err := db.SamplesSince(ctx, base)
	if err != nil {
		t.Fatalf("SamplesSince failed: %v", err)
	}

	a := got[models.SeriesKey("main", "a@example.com")]
	if len(a) != 3 {
		t.Fatalf("Expected 3 samples for a, got %d", len(a))
	}
	for i, want := range []float64{100, 90, 80} {
		if a[i].Remaining != want {
			t.Errorf("Sample %d: expected %v, got %v", i, want, a[i].Remaining)
		}
	}
	if !a[0].Timestamp.Equal(base) {
		t.Errorf("Expected first timestamp %v, got %v", base, a[0].Timestamp)
	}
	if len(got[models.SeriesKey("main", "b@example.com")]) != 1 {
		t.Error("Expected one sample for b")
	}
}

func TestPruneBefore(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	records := make([]models.AccountUsageRecord, 0, 10)
	for i := range 10 {
		records = append(records, rec("main", "a@example.com", time.Duration(i)*time.Minute, float64(100-i)))
	}
	if _, err := db.InsertSamples(ctx, "run-1", records); err != nil {
		t.Fatalf("InsertSamples failed: %v", err)
	}

	removed, err := db.PruneBefore(ctx, base.Add(4*time.Minute))
	if err != nil {
		t.Fatalf("PruneBefore failed: %v", err)
	}
	if removed != 4 {
		t.Errorf("Expected 4 pruned samples, got %d", removed)
	}

	count, _ := db.CountSamples(ctx)
	if count != 6 {
		t.Errorf("Expected 6 remaining samples, got %d", count)
	}
}

func TestRuns(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	if err := db.StartRun(ctx, "run-1", base, []string{"main", "backup"}); err != nil {
		t.Fatalf("StartRun failed: %v", err)
	}
	if err := db.FinishRun(ctx, "run-1", base.Add(time.Hour), 42); err != nil {
		t.Fatalf("FinishRun failed: %v", err)
	}

	run, err := db.GetRun(ctx, "run-1")
	if err != nil {
		t.Fatalf("GetRun failed: %v", err)
	}
	if run.Samples != 42 {
		t.Errorf("Expected 42 samples, got %d", run.Samples)
	}
	if len(run.Panels) != 2 || run.Panels[1] != "backup" {
		t.Errorf("Unexpected panels: %v", run.Panels)
	}
	if !run.EndedAt.Equal(base.Add(time.Hour)) {
		t.Errorf("Unexpected end time: %v", run.EndedAt)
	}

	if err := db.FinishRun(ctx, "missing", base, 0); err == nil {
		t.Error("Expected error for unknown run")
	}
}

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/j-veylop/cliproxy-manager/internal/config"
	"github.com/j-veylop/cliproxy-manager/internal/db"
	"github.com/j-veylop/cliproxy-manager/internal/logger"
	"github.com/j-veylop/cliproxy-manager/internal/metrics"
	"github.com/j-veylop/cliproxy-manager/internal/services/aggregator"
	"github.com/j-veylop/cliproxy-manager/internal/services/convert"
	"github.com/j-veylop/cliproxy-manager/internal/services/monitor"
	"github.com/j-veylop/cliproxy-manager/internal/services/notify"
	"github.com/j-veylop/cliproxy-manager/internal/ui/dashboard"
	"github.com/j-veylop/cliproxy-manager/internal/ui/format"
)

func newFlagSet(name string, stderr io.Writer) *flag.FlagSet {
	fs := flag.NewFlagSet("cpm "+name, flag.ContinueOnError)
	fs.SetOutput(stderr)
	return fs
}

func parseFlags(fs *flag.FlagSet, args []string) error {
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return err
		}
		return &usageError{err: err}
	}
	if fs.NArg() > 0 {
		return usagef("unexpected argument %q", fs.Arg(0))
	}
	return nil
}

func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	if _, err := logger.Setup(cfg.LogLevel, ""); err != nil {
		return nil, err
	}
	return cfg, nil
}

func runQuery(ctx context.Context, configPath string, args []string, stdout, stderr io.Writer) error {
	fs := newFlagSet("query", stderr)
	var panels panelList
	fs.Var(&panels, "panel", "query only this panel (repeatable)")
	timeout := fs.Float64("timeout", 0, "per-request timeout in seconds, overrides the config")
	save := fs.String("save", "", "also write the result as JSON to this file")
	asJSON := fs.Bool("json", false, "print JSON instead of the text report")
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	if *timeout < 0 {
		return usagef("--timeout must be positive")
	}

	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	res, err := aggregator.QueryAll(ctx, cfg.Panels, aggregator.Options{
		Dedup:   cfg.Dedup,
		Filter:  panels,
		Timeout: time.Duration(*timeout * float64(time.Second)),
	})
	if err != nil {
		if errors.Is(err, aggregator.ErrUnknownPanel) {
			return &usageError{err: err}
		}
		return err
	}

	if *asJSON {
		if err := format.WriteJSON(stdout, res); err != nil {
			return err
		}
	} else {
		fmt.Fprint(stdout, format.Render(res, format.Options{}))
	}

	if *save != "" {
		if err := saveJSON(*save, res); err != nil {
			return err
		}
		fmt.Fprintf(stderr, "Saved result to %s\n", *save)
	}

	if res.AllFailed() {
		return errors.New("all panels failed")
	}
	return nil
}

func saveJSON(path string, res *aggregator.Result) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}
	f, err := os.OpenFile(filepath.Clean(path), os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	if err := format.WriteJSON(f, res); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

type monitorFlags struct {
	panels      panelList
	interval    float64
	window      float64
	dbPath      string
	metricsAddr string
	logFile     string
	tui         bool
	noNotify    bool
}

func parseMonitorFlags(args []string, stderr io.Writer) (*monitorFlags, *flag.FlagSet, error) {
	fs := newFlagSet("monitor", stderr)
	f := &monitorFlags{}
	fs.Var(&f.panels, "panel", "monitor only this panel (repeatable)")
	fs.Float64Var(&f.interval, "interval", 0, "seconds between queries")
	fs.Float64Var(&f.interval, "i", 0, "shorthand for --interval")
	fs.Float64Var(&f.window, "window", 0, "rate estimation window in minutes")
	fs.StringVar(&f.dbPath, "db", "", "sqlite sample store path")
	fs.StringVar(&f.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	fs.StringVar(&f.logFile, "log-file", "", "write logs to this file")
	fs.BoolVar(&f.tui, "tui", false, "run the full-screen dashboard")
	fs.BoolVar(&f.noNotify, "no-notify", false, "disable desktop notifications")
	if err := parseFlags(fs, args); err != nil {
		return nil, nil, err
	}
	if f.interval < 0 || f.window < 0 {
		return nil, nil, usagef("--interval and --window must be positive")
	}
	return f, fs, nil
}

func runMonitor(ctx context.Context, configPath string, args []string, stdout, stderr io.Writer) error {
	f, fs, err := parseMonitorFlags(args, stderr)
	if err != nil {
		return err
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if _, err := aggregator.Select(cfg.Panels, f.panels); err != nil {
		return &usageError{err: err}
	}

	interval := cfg.Monitor.Interval
	if isSet(fs, "interval") || isSet(fs, "i") {
		interval = time.Duration(f.interval * float64(time.Second))
	}
	if interval <= 0 {
		return usagef("--interval must be positive")
	}
	window := cfg.Monitor.Window
	if isSet(fs, "window") {
		window = time.Duration(f.window * float64(time.Minute))
	}
	window = max(window, 2*interval)

	logFile := cfg.LogFile
	if f.logFile != "" {
		logFile = f.logFile
	}
	if f.tui && logFile == "" {
		// Log lines would corrupt the alt screen.
		logFile = filepath.Join(filepath.Dir(cfg.DatabasePath), "monitor.log")
	}
	closer, err := logger.Setup(cfg.LogLevel, logFile)
	if err != nil {
		return err
	}
	defer func() { _ = closer.Close() }()

	dbPath := cfg.DatabasePath
	if f.dbPath != "" {
		dbPath = f.dbPath
	}
	store, err := db.New(dbPath)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()
	schema, err := store.SchemaVersion(ctx)
	if err != nil {
		return err
	}
	stored, err := store.CountSamples(ctx)
	if err != nil {
		return err
	}
	logger.Info("Sample store opened", "path", store.Path(), "schema", schema, "samples", stored)

	met := metrics.New()
	opts := monitor.Options{
		Out:        stdout,
		Store:      store,
		Metrics:    met,
		Panels:     cfg.Panels,
		Interval:   interval,
		Window:     window,
		MaxSamples: cfg.Monitor.MaxSamples,
		Query: aggregator.Options{
			Dedup:  cfg.Dedup,
			Filter: f.panels,
		},
	}
	if !f.noNotify {
		opts.Notifier = notify.New(cfg.Monitor.NotifyThreshold)
	}
	mon := monitor.New(opts)

	if _, err := mon.WarmStart(ctx); err != nil {
		logger.Warn("Warm start failed", "error", err)
	}
	names := cfg.PanelNames()
	if len(f.panels) > 0 {
		names = f.panels
	}
	if err := store.StartRun(ctx, mon.RunID(), time.Now(), names); err != nil {
		logger.Warn("Failed to record run", "error", err)
	}
	if n, err := store.PruneBefore(ctx, time.Now().Add(-retention(window))); err == nil && n > 0 {
		logger.Info("Pruned old samples", "count", n)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(runCtx)
	metricsAddr := cfg.Monitor.MetricsAddr
	if f.metricsAddr != "" {
		metricsAddr = f.metricsAddr
	}
	if metricsAddr != "" {
		g.Go(func() error { return met.Serve(gctx, metricsAddr) })
	}
	g.Go(func() error {
		// The dashboard can quit on its own; take the metrics server down with it.
		defer cancel()
		if f.tui {
			return dashboard.Run(gctx, mon, interval)
		}
		return mon.Run(gctx)
	})

	runErr := g.Wait()

	summary := mon.Summary()
	if err := store.FinishRun(context.Background(), mon.RunID(), time.Now(), summary.Samples); err != nil {
		logger.Warn("Failed to finish run", "error", err)
	} else if rec, err := store.GetRun(context.Background(), mon.RunID()); err == nil {
		logger.Info("Run recorded", "id", rec.ID, "panels", strings.Join(rec.Panels, ","),
			"samples", rec.Samples, "duration", rec.EndedAt.Sub(rec.StartedAt).Round(time.Millisecond))
	}
	fmt.Fprintln(stdout, summary.String())
	return runErr
}

// retention keeps a few windows of samples so restarts can warm up.
func retention(window time.Duration) time.Duration {
	return max(4*window, 7*24*time.Hour)
}

func runConvert(args []string, stdout, stderr io.Writer) error {
	fs := newFlagSet("convert", stderr)
	out := fs.String("output", "", "output path, - for stdout (default <input>.<format>.json)")
	fs.StringVar(out, "o", "", "shorthand for --output")
	to := fs.String("to", "", "target format: cliproxy or aiclient (default: the other one)")
	noDefaults := fs.Bool("no-defaults", false, "do not add or strip CLIProxyPlus-only fields")

	positional, err := parseInterspersed(fs, args)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return err
		}
		return &usageError{err: err}
	}
	if len(positional) != 1 {
		return usagef("convert takes exactly one input file")
	}

	var target convert.Format
	if *to != "" {
		if target, err = convert.ParseFormat(*to); err != nil {
			return &usageError{err: err}
		}
	}

	res, err := convert.ConvertFile(positional[0], *out, target, convert.Options{
		Stdout:       stdout,
		FillDefaults: !*noDefaults,
	})
	if err != nil {
		return err
	}

	switch {
	case res.Unchanged:
		fmt.Fprintf(stderr, "%s is already in %s format, nothing to do\n", positional[0], res.Target)
	case res.Output != convert.Stdout:
		fmt.Fprintf(stderr, "Converted %s (%s) to %s (%s)\n", positional[0], res.Source, res.Output, res.Target)
	}
	return nil
}

// Package main is the entry point for cpm, the CLIProxyPlus Kiro usage tool.
// It queries CLIProxyPlus management panels, monitors balance consumption and
// converts Kiro credential files between the two JSON layouts.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/j-veylop/cliproxy-manager/internal/logger"
	"github.com/j-veylop/cliproxy-manager/internal/version"
)

const (
	exitOK      = 0
	exitFailure = 1
	exitUsage   = 2
)

// usageError marks errors caused by how the command was invoked.
type usageError struct {
	err error
}

func (e *usageError) Error() string { return e.err.Error() }
func (e *usageError) Unwrap() error { return e.err }

func usagef(format string, args ...any) error {
	return &usageError{err: fmt.Errorf(format, args...)}
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

// run executes one command line and returns the process exit code.
func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	global := flag.NewFlagSet("cpm", flag.ContinueOnError)
	global.SetOutput(stderr)
	global.Usage = func() { printUsage(stderr) }
	configPath := global.String("config", "", "path to config.yaml")
	showVersion := global.Bool("version", false, "print version and exit")
	global.BoolVar(showVersion, "v", false, "print version and exit")

	if err := global.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return exitOK
		}
		return exitUsage
	}
	if *showVersion {
		fmt.Fprintln(stdout, version.Info())
		return exitOK
	}

	rest := global.Args()
	if len(rest) == 0 {
		printUsage(stderr)
		return exitUsage
	}

	var err error
	switch cmd, cmdArgs := rest[0], rest[1:]; cmd {
	case "query":
		err = runQuery(ctx, *configPath, cmdArgs, stdout, stderr)
	case "monitor":
		err = runMonitor(ctx, *configPath, cmdArgs, stdout, stderr)
	case "convert":
		err = runConvert(cmdArgs, stdout, stderr)
	case "version":
		fmt.Fprintln(stdout, version.Info())
	case "help", "-h", "--help":
		printUsage(stdout)
	default:
		err = usagef("unknown command %q", cmd)
	}

	return exitCode(err, stderr)
}

func exitCode(err error, stderr io.Writer) int {
	if err == nil {
		return exitOK
	}
	if errors.Is(err, flag.ErrHelp) {
		return exitOK
	}

	fmt.Fprintf(stderr, "Error: %v\n", err)
	var ue *usageError
	if errors.As(err, &ue) {
		return exitUsage
	}
	logger.Debug("command failed", "error", err)
	return exitFailure
}

func printUsage(w io.Writer) {
	fmt.Fprint(w, `cpm - CLIProxyPlus Kiro usage tool

Usage:
  cpm [--config path] query   [--panel NAME]... [--timeout S] [--save FILE] [--json]
  cpm [--config path] monitor [-i|--interval S] [--panel NAME]... [--window M] [--db PATH]
                              [--metrics-addr ADDR] [--log-file PATH] [--tui] [--no-notify]
  cpm convert INPUT [-o|--output PATH] [--to cliproxy|aiclient] [--no-defaults]
  cpm version | help

Configuration:
  config.yaml is read from --config, $CLIPROXY_CONFIG, ./config.yaml or
  ~/.config/cliproxy-manager/config.yaml. Without a file, CLIPROXY_URL and
  CLIPROXY_KEY define a single panel. .env files are loaded from the current
  directory, ~/.config/cliproxy-manager/.env and ~/.cliproxy/.env.

Exit codes:
  0 success, 1 failure (all panels failed, bad input file), 2 usage error
`)
}

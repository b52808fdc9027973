// Package main runs one reconciliation pass against every open listing and
// prints the report. Jobs it queues (delists, price fixes) are executed
// before exit so the pass leaves platforms consistent.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"resale-sync/internal/app"
	"resale-sync/internal/config"
	"resale-sync/internal/observability"
	"resale-sync/internal/reconcile"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath string
		dryRun     bool
		drainFor   time.Duration
	)
	flagSet := pflag.NewFlagSet("resale-reconcile", pflag.ContinueOnError)
	flagSet.StringVar(&configPath, "config", "", "path to the YAML config (default: $"+config.EnvConfigPath+")")
	flagSet.BoolVar(&dryRun, "dry-run", false, "report discrepancies without executing queued jobs")
	flagSet.DurationVar(&drainFor, "drain-timeout", 2*time.Minute, "how long to run the worker pool for queued jobs")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			return nil
		}
		return err
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger, err := observability.NewLogger(cfg.Log.Level, cfg.Log.Development)
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, app.Options{Config: cfg, Logger: logger})
	if err != nil {
		return err
	}
	defer a.Close()

	report, err := a.Reconciler.RunOnce(ctx)
	if err != nil {
		return err
	}

	queued := a.Queue.Len()
	if !dryRun && queued > 0 {
		logger.Info("executing queued jobs", zap.Int("jobs", queued), zap.Duration("timeout", drainFor))
		drain(ctx, a, drainFor)
		a.Pool.Flush(context.Background())
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(struct {
		RunID    string         `json:"run_id"`
		Duration string         `json:"duration"`
		Listings int            `json:"listings"`
		Checks   int            `json:"checks"`
		Archived int            `json:"archived"`
		Errors   int            `json:"errors"`
		Findings map[string]int `json:"findings"`
		Queued   int            `json:"queued_jobs"`
		Left     int            `json:"jobs_left"`
	}{
		RunID:    report.RunID,
		Duration: report.Duration.String(),
		Listings: report.Listings,
		Checks:   report.Checks,
		Archived: report.Archived,
		Errors:   report.Errors,
		Findings: findings(report),
		Queued:   queued,
		Left:     a.Queue.Len(),
	})
}

// drain runs ready jobs until the queue is empty or timeout passes.
// Delayed retries are waited for.
func drain(ctx context.Context, a *app.App, timeout time.Duration) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()
	for {
		a.Pool.RunOnce(ctx)
		if a.Queue.Len() == 0 {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// findings counts records per discrepancy.
func findings(r *reconcile.Report) map[string]int {
	out := make(map[string]int)
	for _, rec := range r.Records {
		out[string(rec.Discrepancy)]++
	}
	return out
}

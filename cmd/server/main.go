// Package main runs the resale-sync service: the job worker pool, sale
// ingestion (webhooks, polling, streams), reconciliation, automated
// pricing and the HTTP surface (webhooks, admin API, /metrics).
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"resale-sync/internal/app"
	"resale-sync/internal/config"
	"resale-sync/internal/observability"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	loadEnvFile(".env")

	var (
		configPath string
		addr       string
		migrate    bool
		logLevel   string
	)
	flagSet := pflag.NewFlagSet("resale-sync", pflag.ContinueOnError)
	flagSet.StringVar(&configPath, "config", "", "path to the YAML config (default: $"+config.EnvConfigPath+")")
	flagSet.StringVar(&addr, "addr", "", "override server.addr")
	flagSet.BoolVar(&migrate, "migrate", false, "apply embedded database migrations on startup")
	flagSet.StringVar(&logLevel, "log-level", "", "override log.level")
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
	if addr != "" {
		cfg.Server.Addr = addr
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}

	logger, err := observability.NewLogger(cfg.Log.Level, cfg.Log.Development)
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, app.Options{Config: cfg, Logger: logger, Migrate: migrate})
	if err != nil {
		return err
	}
	defer a.Close()

	platforms := make([]string, 0, len(cfg.Platforms))
	for _, p := range cfg.Platforms {
		platforms = append(platforms, p.Name+"("+p.Kind+")")
	}
	logger.Info("starting resale-sync",
		zap.String("addr", cfg.Server.Addr),
		zap.String("storage", cfg.Storage.Driver),
		zap.Bool("clickhouse", cfg.Storage.ClickHouseDSN != ""),
		zap.Strings("platforms", platforms),
		zap.Int("workers", cfg.Workers.Count),
		zap.Int("streams", len(a.Streams)),
		zap.Bool("pricing", a.Pricing != nil))

	if err := a.Run(ctx); err != nil {
		return err
	}
	logger.Info("shutdown complete")
	return nil
}

// loadEnvFile loads KEY=VALUE lines from path if it exists. Variables
// already set in the environment win.
func loadEnvFile(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}

	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		if os.Getenv(key) == "" {
			os.Setenv(key, strings.Trim(strings.TrimSpace(value), `"`))
		}
	}
}

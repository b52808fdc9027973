// Package main applies the embedded PostgreSQL and ClickHouse migrations.
// Both are idempotent; a database whose DSN is not configured is skipped.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"resale-sync/internal/config"
	"resale-sync/internal/observability"
	"resale-sync/internal/storage/clickhouse"
	"resale-sync/internal/storage/migrations"
	"resale-sync/internal/storage/postgres"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		postgresDSN   string
		clickhouseDSN string
		timeout       time.Duration
	)
	flagSet := pflag.NewFlagSet("resale-migrate", pflag.ContinueOnError)
	flagSet.StringVar(&postgresDSN, "postgres-dsn", os.Getenv(config.EnvPostgresDSN), "PostgreSQL connection string")
	flagSet.StringVar(&clickhouseDSN, "clickhouse-dsn", os.Getenv(config.EnvClickHouseDSN), "ClickHouse connection string (database in path)")
	flagSet.DurationVar(&timeout, "timeout", time.Minute, "overall timeout")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			return nil
		}
		return err
	}
	if postgresDSN == "" && clickhouseDSN == "" {
		return fmt.Errorf("nothing to migrate: set --postgres-dsn or --clickhouse-dsn")
	}

	logger, err := observability.NewLogger("info", false)
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if postgresDSN != "" {
		pool, err := postgres.NewPool(ctx, postgresDSN)
		if err != nil {
			return err
		}
		applied, err := migrations.ApplyPostgres(ctx, pool)
		pool.Close()
		if err != nil {
			return err
		}
		logger.Info("postgres migrations applied", zap.Strings("files", applied))
	}

	if clickhouseDSN != "" {
		if err := clickhouse.EnsureDatabase(ctx, clickhouseDSN); err != nil {
			return err
		}
		conn, err := clickhouse.NewConn(ctx, clickhouseDSN)
		if err != nil {
			return err
		}
		n, err := migrations.ApplyClickhouse(ctx, conn)
		conn.Close()
		if err != nil {
			return err
		}
		logger.Info("clickhouse migrations applied", zap.Int("statements", n))
	}
	return nil
}

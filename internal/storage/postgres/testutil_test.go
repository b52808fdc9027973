package postgres

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"resale-sync/internal/storage/migrations"
)

// One container serves the whole package; tests truncate between runs.
var shared struct {
	once      sync.Once
	container *postgres.PostgresContainer
	pool      *Pool
	err       error
}

func TestMain(m *testing.M) {
	code := m.Run()
	if shared.pool != nil {
		shared.pool.Close()
	}
	if shared.container != nil {
		_ = shared.container.Terminate(context.Background())
	}
	os.Exit(code)
}

// setupTestDB returns a migrated pool with every table empty.
func setupTestDB(t *testing.T) *Pool {
	t.Helper()

	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	shared.once.Do(func() {
		shared.container, shared.pool, shared.err = startPostgres(context.Background())
	})
	require.NoError(t, shared.err, "failed to start postgres")

	_, err := shared.pool.Exec(context.Background(),
		`TRUNCATE season_ticket_assets, listings, event_inbox, dead_letters`)
	require.NoError(t, err, "failed to truncate tables")
	return shared.pool
}

func startPostgres(ctx context.Context) (*postgres.PostgresContainer, *Pool, error) {
	container, err := postgres.Run(ctx, "postgres:15-alpine",
		postgres.WithDatabase("resale"),
		postgres.WithUsername("resale"),
		postgres.WithPassword("resale"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	if err != nil {
		return nil, nil, err
	}

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		return container, nil, err
	}
	pool, err := NewPool(ctx, dsn)
	if err != nil {
		return container, nil, err
	}
	if _, err := migrations.ApplyPostgres(ctx, pool); err != nil {
		return container, pool, err
	}
	return container, pool, nil
}

func TestApplyPostgres_SecondRunIsNoop(t *testing.T) {
	pool := setupTestDB(t)

	applied, err := migrations.ApplyPostgres(context.Background(), pool)
	require.NoError(t, err)
	require.Empty(t, applied, "migrations re-applied")

	var n int
	err = pool.QueryRow(context.Background(), `SELECT count(*) FROM schema_migrations`).Scan(&n)
	require.NoError(t, err)
	all, err := migrations.Load("postgres")
	require.NoError(t, err)
	require.Equal(t, len(all), n)
}

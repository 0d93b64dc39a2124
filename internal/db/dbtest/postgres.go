//go:build integration

// Package dbtest starts throwaway Postgres instances for integration tests.
package dbtest

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/austindbirch/harbor_mail/internal/db"
)

// Start runs postgres:16-alpine, applies the embedded migrations and returns
// a pool. Container and pool are released through t.Cleanup.
func Start(t *testing.T) *pgxpool.Pool {
	t.Helper()
	ctx := context.Background()

	container, err := tcpostgres.Run(ctx,
		"postgres:16-alpine",
		tcpostgres.WithDatabase("harbormail"),
		tcpostgres.WithUsername("test"),
		tcpostgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)
	require.NoError(t, db.Migrate("pgx5"+strings.TrimPrefix(dsn, "postgres")))

	pool, err := db.Connect(ctx, dsn, 20)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	return pool
}

// AddSubscriber inserts a subscription row with the given status.
func AddSubscriber(t *testing.T, pool *pgxpool.Pool, email, status string) {
	t.Helper()
	_, err := pool.Exec(context.Background(), `
		INSERT INTO harbormail.subscriptions (id, email, name, status)
		VALUES ($1, $2, $3, $4)`, uuid.New(), email, strings.Split(email, "@")[0], status)
	require.NoError(t, err)
}

// CountRows runs a count(*) query; args bind as usual.
func CountRows(t *testing.T, pool *pgxpool.Pool, query string, args ...any) int {
	t.Helper()
	var n int
	require.NoError(t, pool.QueryRow(context.Background(), query, args...).Scan(&n))
	return n
}

// Package integration exercises the PostgreSQL run store against a real
// database. Set TSPJOB_TEST_DSN to run these tests; they skip otherwise.
package integration

import (
	"context"
	"database/sql"
	"os"
	"testing"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/stretchr/testify/require"

	"github.com/urbanline/tspjob/internal/infrastructure/persistence/postgres"
)

// setupStore connects to the test database, applies migrations and returns a
// ready store. Tables are truncated on cleanup so tests stay independent.
func setupStore(t *testing.T) *postgres.Store {
	t.Helper()

	dsn := os.Getenv("TSPJOB_TEST_DSN")
	if dsn == "" {
		t.Skip("set TSPJOB_TEST_DSN to run postgres integration tests")
	}

	store, err := postgres.NewPostgresStore(context.Background(), dsn)
	require.NoError(t, err)

	db, err := sql.Open("pgx", dsn)
	require.NoError(t, err)

	t.Cleanup(func() {
		_, _ = db.Exec("TRUNCATE TABLE job_runs, job_leases")
		_ = db.Close()
		store.Close()
	})
	return store
}

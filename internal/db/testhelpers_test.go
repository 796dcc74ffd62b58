package db

import (
	"context"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/predadoralfa/Youtube/internal/testutil"
)

// setupTestDB поднимает PostgreSQL testcontainer с миграциями.
// Очищает таблицы на случай, если pool переиспользуется подтестами.
func setupTestDB(tb testing.TB) *pgxpool.Pool {
	tb.Helper()
	if testing.Short() {
		tb.Skip("skipping postgres tests in short mode")
	}

	pool := testutil.SetupTestDB(tb)
	truncate(tb, pool)
	return pool
}

func truncate(tb testing.TB, pool *pgxpool.Pool) {
	tb.Helper()
	queries := []string{
		"TRUNCATE ga_user_stats",
		"TRUNCATE ga_user_runtime",
		"TRUNCATE ga_instance, ga_local_geometry, ga_local CASCADE",
	}
	for _, query := range queries {
		if _, err := pool.Exec(context.Background(), query); err != nil {
			tb.Logf("cleanup warning: %v", err) // non-fatal
		}
	}
}

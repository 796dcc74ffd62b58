package testutil

import (
	"context"
	"database/sql"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/predadoralfa/Youtube/internal/db/migrations"
	"github.com/predadoralfa/Youtube/internal/model"
)

// skipWithoutDocker пропускает тест, если Docker недоступен. Без docker host
// testcontainers паникует раньше, чем postgres.Run успевает вернуть ошибку.
func skipWithoutDocker(tb testing.TB) {
	tb.Helper()
	if t, ok := tb.(*testing.T); ok {
		testcontainers.SkipIfProviderIsNotHealthy(t)
		return
	}

	// testing.B: та же проверка вручную
	defer func() {
		if r := recover(); r != nil {
			tb.Skipf("docker unavailable: %v", r)
		}
	}()
	provider, err := testcontainers.ProviderDocker.GetProvider()
	if err != nil {
		tb.Skipf("docker unavailable: %v", err)
	}
	defer provider.Close()
	if err := provider.Health(context.Background()); err != nil {
		tb.Skipf("docker unavailable: %v", err)
	}
}

// SetupTestDB создаёт PostgreSQL testcontainer, применяет миграции и возвращает pool.
// Использует модуль postgres с BasicWaitStrategies (log occurrence(2) + port check).
// Без Docker тест пропускается. Cleanup автоматический.
func SetupTestDB(tb testing.TB) *pgxpool.Pool {
	tb.Helper()
	skipWithoutDocker(tb)
	ctx := context.Background()

	// Запускаем PostgreSQL 16 через специализированный модуль
	container, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("worldtest"),
		postgres.WithUsername("world"),
		postgres.WithPassword("world"),
		postgres.BasicWaitStrategies(),
	)
	if err != nil {
		tb.Skipf("postgres container unavailable: %v", err)
	}

	tb.Cleanup(func() {
		if err := testcontainers.TerminateContainer(container); err != nil {
			tb.Logf("terminating postgres container: %v", err)
		}
	})

	// Получаем DSN через встроенный метод контейнера
	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		tb.Fatalf("getting connection string: %v", err)
	}

	// Подключаемся через pgxpool
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		tb.Fatalf("connecting to test db: %v", err)
	}
	tb.Cleanup(func() { pool.Close() })

	// Применяем миграции через goose
	if err := runMigrations(pool); err != nil {
		tb.Fatalf("running migrations: %v", err)
	}

	return pool
}

// runMigrations применяет embedded миграции через goose.
func runMigrations(pool *pgxpool.Pool) error {
	// goose требует *sql.DB, получаем его из pgxpool
	connStr := stdlib.RegisterConnConfig(pool.Config().ConnConfig)
	sqlDB, err := sql.Open("pgx", connStr)
	if err != nil {
		return fmt.Errorf("opening sql.DB: %w", err)
	}
	defer sqlDB.Close()

	if _, err := migrations.Up(context.Background(), sqlDB); err != nil {
		return err
	}
	return nil
}

// SeedInstance создаёт local с геометрией и инстанс на нём, возвращает id инстанса.
func SeedInstance(tb testing.TB, pool *pgxpool.Pool, sizeX, sizeZ float64) int64 {
	tb.Helper()
	ctx := context.Background()

	var localID int64
	err := pool.QueryRow(ctx,
		`INSERT INTO ga_local (code) VALUES ('local-' || gen_random_uuid()) RETURNING id`,
	).Scan(&localID)
	if err != nil {
		tb.Fatalf("seeding ga_local: %v", err)
	}
	if _, err := pool.Exec(ctx,
		`INSERT INTO ga_local_geometry (local_id, size_x, size_z) VALUES ($1, $2, $3)`,
		localID, sizeX, sizeZ,
	); err != nil {
		tb.Fatalf("seeding ga_local_geometry: %v", err)
	}

	var instanceID int64
	if err := pool.QueryRow(ctx,
		`INSERT INTO ga_instance (local_id) VALUES ($1) RETURNING id`, localID,
	).Scan(&instanceID); err != nil {
		tb.Fatalf("seeding ga_instance: %v", err)
	}
	return instanceID
}

// SeedRuntime вставляет строку ga_user_runtime (и опционально скорость).
func SeedRuntime(tb testing.TB, pool *pgxpool.Pool, row model.RuntimeRow, speed *float64) {
	tb.Helper()
	ctx := context.Background()

	if _, err := pool.Exec(ctx,
		`INSERT INTO ga_user_runtime (user_id, instance_id, pos_x, pos_y, pos_z, yaw, connection_state)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		row.UserID, row.InstanceID, row.Pos.X, row.Pos.Y, row.Pos.Z, row.Yaw, string(row.ConnectionState),
	); err != nil {
		tb.Fatalf("seeding ga_user_runtime: %v", err)
	}
	if speed == nil {
		return
	}
	if _, err := pool.Exec(ctx,
		`INSERT INTO ga_user_stats (user_id, move_speed) VALUES ($1, $2)`, row.UserID, *speed,
	); err != nil {
		tb.Fatalf("seeding ga_user_stats: %v", err)
	}
}

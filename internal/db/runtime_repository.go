package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/predadoralfa/Youtube/internal/model"
)

// RuntimeRepository reads and writes the runtime rows of players.
// It backs both the runtime store (loads) and the persistence loop (writes).
type RuntimeRepository struct {
	db *pgxpool.Pool
}

// NewRuntimeRepository creates a RuntimeRepository on top of db.
func NewRuntimeRepository(db *pgxpool.Pool) *RuntimeRepository {
	return &RuntimeRepository{db: db}
}

// LoadRuntimeRow loads the durable runtime of userID.
// Returns nil, nil if the player has no row.
func (r *RuntimeRepository) LoadRuntimeRow(ctx context.Context, userID int64) (*model.RuntimeRow, error) {
	query := `
		SELECT user_id, instance_id, pos_x, pos_y, pos_z, yaw,
		       connection_state, disconnected_at, offline_allowed_at
		FROM ga_user_runtime
		WHERE user_id = $1
	`

	var (
		row   model.RuntimeRow
		state string
	)
	err := r.db.QueryRow(ctx, query, userID).Scan(
		&row.UserID, &row.InstanceID,
		&row.Pos.X, &row.Pos.Y, &row.Pos.Z, &row.Yaw,
		&state, &row.DisconnectedAt, &row.OfflineAllowedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("loading runtime for user %d: %w", userID, err)
	}
	row.ConnectionState = model.ConnectionState(state)
	return &row, nil
}

// LoadWorldSize loads the rectangle of the local an instance runs on.
// Returns nil, nil if the instance or its geometry is missing.
func (r *RuntimeRepository) LoadWorldSize(ctx context.Context, instanceID int64) (*model.WorldSize, error) {
	query := `
		SELECT g.size_x, g.size_z
		FROM ga_instance i
		JOIN ga_local_geometry g ON g.local_id = i.local_id
		WHERE i.id = $1
	`

	var size model.WorldSize
	err := r.db.QueryRow(ctx, query, instanceID).Scan(&size.SizeX, &size.SizeZ)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("loading world size for instance %d: %w", instanceID, err)
	}
	return &size, nil
}

// LoadSpeed loads move_speed. Returns nil when the player has no stats row
// or the column is NULL.
func (r *RuntimeRepository) LoadSpeed(ctx context.Context, userID int64) (*float64, error) {
	var speed *float64
	err := r.db.QueryRow(ctx,
		`SELECT move_speed FROM ga_user_stats WHERE user_id = $1`, userID,
	).Scan(&speed)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("loading speed for user %d: %w", userID, err)
	}
	return speed, nil
}

// UpdateRuntimeRow writes position, yaw, instance and connection fields.
func (r *RuntimeRepository) UpdateRuntimeRow(ctx context.Context, row model.RuntimeRow) error {
	query := `
		UPDATE ga_user_runtime
		SET instance_id = $2, pos_x = $3, pos_y = $4, pos_z = $5, yaw = $6,
		    connection_state = $7, disconnected_at = $8, offline_allowed_at = $9,
		    updated_at = $10
		WHERE user_id = $1
	`

	tag, err := r.db.Exec(ctx, query,
		row.UserID, row.InstanceID,
		row.Pos.X, row.Pos.Y, row.Pos.Z, row.Yaw,
		string(row.ConnectionState), row.DisconnectedAt, row.OfflineAllowedAt,
		time.Now(),
	)
	if err != nil {
		return fmt.Errorf("updating runtime for user %d: %w", row.UserID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("updating runtime for user %d: no row", row.UserID)
	}
	return nil
}

// UpdateStatsRow writes move_speed, creating the stats row if needed.
func (r *RuntimeRepository) UpdateStatsRow(ctx context.Context, row model.StatsRow) error {
	query := `
		INSERT INTO ga_user_stats (user_id, move_speed, updated_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id) DO UPDATE
		SET move_speed = EXCLUDED.move_speed, updated_at = EXCLUDED.updated_at
	`

	if _, err := r.db.Exec(ctx, query, row.UserID, row.MoveSpeed, time.Now()); err != nil {
		return fmt.Errorf("updating stats for user %d: %w", row.UserID, err)
	}
	return nil
}

package model

import "time"

// RuntimeRow is the durable part of a runtime (one row of ga_user_runtime).
type RuntimeRow struct {
	UserID           int64
	InstanceID       int64
	Pos              Vec3
	Yaw              float64
	ConnectionState  ConnectionState
	DisconnectedAt   *time.Time
	OfflineAllowedAt *time.Time
}

// WorldSize is the playable rectangle of an instance as stored in its geometry.
type WorldSize struct {
	SizeX float64
	SizeZ float64
}

// Valid reports whether both sides are finite and strictly positive.
func (s WorldSize) Valid() bool {
	return isFinite(s.SizeX) && isFinite(s.SizeZ) && s.SizeX > 0 && s.SizeZ > 0
}

// StatsRow carries the cached stats written back to ga_user_stats.
type StatsRow struct {
	UserID    int64
	MoveSpeed float64
}

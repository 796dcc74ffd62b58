package model

import (
	"sync"
	"sync/atomic"
	"time"
)

// ConnectionState is the persisted connection lifecycle of a runtime.
type ConnectionState string

const (
	ConnConnected           ConnectionState = "CONNECTED"
	ConnDisconnectedPending ConnectionState = "DISCONNECTED_PENDING"
	ConnOffline             ConnectionState = "OFFLINE"
)

// Valid reports whether s is one of the known states.
func (s ConnectionState) Valid() bool {
	switch s {
	case ConnConnected, ConnDisconnectedPending, ConnOffline:
		return true
	}
	return false
}

// MoveMode selects which movement path currently drives a runtime.
type MoveMode string

const (
	MoveStop  MoveMode = "STOP"
	MoveWASD  MoveMode = "WASD"
	MoveClick MoveMode = "CLICK"
)

// Action is the replicated animation tag.
type Action string

const (
	ActionIdle Action = "idle"
	ActionMove Action = "move"
)

const (
	DefaultHP             = 100
	DefaultMoveStopRadius = 0.45
)

// ConnectionPatch describes a connection transition. Nil time pointers clear
// the corresponding field.
type ConnectionPatch struct {
	State            ConnectionState
	DisconnectedAt   *time.Time
	OfflineAllowedAt *time.Time
}

// Runtime is the authoritative in-memory state of one player.
//
// Exported fields are guarded by the runtime lock (Lock/Unlock). The lock is the
// per-identity sequence point: everything that mutates a runtime holds it.
// Other goroutines read the published Snapshot instead.
type Runtime struct {
	mu sync.Mutex

	UserID      int64
	DisplayName string
	InstanceID  int64
	Bounds      Bounds

	Pos    Vec3
	Yaw    float64
	HP     int
	Action Action
	Rev    int64
	Chunk  Chunk

	MoveMode       MoveMode
	MoveTarget     *Point2
	MoveStopRadius float64
	MoveTickAt     time.Time
	WASDTickAt     time.Time
	LastClickAt    time.Time

	InputDir   Point2
	InputDirAt time.Time

	Speed         float64
	SpeedFallback bool

	Conn             ConnectionState
	DisconnectedAt   *time.Time
	OfflineAllowedAt *time.Time

	// EvictPending is set when the OFFLINE transition happened but the final
	// write failed; the runtime stays resident until a write succeeds.
	EvictPending bool

	DirtyRuntime     bool
	DirtyStats       bool
	RuntimeDirtyAt   time.Time
	StatsDirtyAt     time.Time
	RuntimeFlushedAt time.Time
	StatsFlushedAt   time.Time

	runtimeSeq uint64
	statsSeq   uint64

	evicted  atomic.Bool
	snapshot atomic.Pointer[Snapshot]
}

// NewRuntime builds a runtime from its durable row. Transient fields get their
// defaults; the caller publishes once the runtime is fully initialised.
func NewRuntime(row RuntimeRow, bounds Bounds, chunkSize float64) *Runtime {
	conn := row.ConnectionState
	if !conn.Valid() {
		conn = ConnOffline
	}
	rt := &Runtime{
		UserID:           row.UserID,
		InstanceID:       row.InstanceID,
		Bounds:           bounds,
		Pos:              row.Pos,
		Yaw:              row.Yaw,
		HP:               DefaultHP,
		Action:           ActionIdle,
		MoveMode:         MoveStop,
		MoveStopRadius:   DefaultMoveStopRadius,
		Conn:             conn,
		DisconnectedAt:   row.DisconnectedAt,
		OfflineAllowedAt: row.OfflineAllowedAt,
	}
	rt.Chunk = ChunkOf(rt.Pos, chunkSize)
	rt.Publish()
	return rt
}

func (rt *Runtime) Lock()   { rt.mu.Lock() }
func (rt *Runtime) Unlock() { rt.mu.Unlock() }

// Evicted reports whether the runtime was dropped from the store. A handler
// holding a stale pointer must not mutate an evicted runtime.
func (rt *Runtime) Evicted() bool {
	return rt.evicted.Load()
}

// MarkEvicted flags the runtime as dropped from the store.
func (rt *Runtime) MarkEvicted() {
	rt.evicted.Store(true)
}

// Controllable reports whether intents may drive this runtime.
// Caller must hold the lock.
func (rt *Runtime) Controllable() bool {
	return rt.Conn == ConnConnected && !rt.Evicted()
}

// BumpRev advances the replication revision. Caller must hold the lock.
func (rt *Runtime) BumpRev() {
	rt.Rev++
}

// MarkRuntimeDirty flags position/connection fields for write-back.
// OFFLINE runtimes are not dirtied by gameplay; connection transitions go
// through ApplyConnection. Caller must hold the lock.
func (rt *Runtime) MarkRuntimeDirty(now time.Time) bool {
	if rt.Conn == ConnOffline {
		return false
	}
	rt.markRuntimeDirty(now)
	return true
}

// MarkStatsDirty flags cached stats for write-back. Caller must hold the lock.
func (rt *Runtime) MarkStatsDirty(now time.Time) bool {
	if rt.Conn == ConnOffline {
		return false
	}
	rt.DirtyStats = true
	rt.StatsDirtyAt = now
	rt.statsSeq++
	return true
}

func (rt *Runtime) markRuntimeDirty(now time.Time) {
	rt.DirtyRuntime = true
	rt.RuntimeDirtyAt = now
	rt.runtimeSeq++
}

// ApplyConnection applies a connection transition. It always marks the
// runtime dirty, connection changes must reach storage. Caller must hold the lock.
func (rt *Runtime) ApplyConnection(p ConnectionPatch, now time.Time) {
	if p.State != "" {
		rt.Conn = p.State
	}
	rt.DisconnectedAt = p.DisconnectedAt
	rt.OfflineAllowedAt = p.OfflineAllowedAt
	if rt.Conn != ConnOffline {
		rt.EvictPending = false
	}
	rt.markRuntimeDirty(now)
}

// RuntimeRow captures the durable fields together with the dirty sequence
// they correspond to. Caller must hold the lock.
func (rt *Runtime) RuntimeRow() (RuntimeRow, uint64) {
	return RuntimeRow{
		UserID:           rt.UserID,
		InstanceID:       rt.InstanceID,
		Pos:              rt.Pos,
		Yaw:              rt.Yaw,
		ConnectionState:  rt.Conn,
		DisconnectedAt:   rt.DisconnectedAt,
		OfflineAllowedAt: rt.OfflineAllowedAt,
	}, rt.runtimeSeq
}

// StatsRow captures the cached stats and their dirty sequence.
// Caller must hold the lock.
func (rt *Runtime) StatsRow() (StatsRow, uint64) {
	return StatsRow{UserID: rt.UserID, MoveSpeed: rt.Speed}, rt.statsSeq
}

// RuntimeFlushed records a successful write of the row captured at seq.
// The dirty flag survives if the runtime changed while the write was in flight.
func (rt *Runtime) RuntimeFlushed(seq uint64, now time.Time) {
	rt.RuntimeFlushedAt = now
	if rt.runtimeSeq == seq {
		rt.DirtyRuntime = false
	}
}

// StatsFlushed is RuntimeFlushed for stats.
func (rt *Runtime) StatsFlushed(seq uint64, now time.Time) {
	rt.StatsFlushedAt = now
	if rt.statsSeq == seq {
		rt.DirtyStats = false
	}
}

// OldestDirtyAt returns the dirty time used to order flushes, runtime first.
func (rt *Runtime) OldestDirtyAt() time.Time {
	if rt.DirtyRuntime {
		return rt.RuntimeDirtyAt
	}
	return rt.StatsDirtyAt
}

// WASDActive reports whether the last WASD input still counts as held.
// Caller must hold the lock.
func (rt *Runtime) WASDActive(now time.Time, window time.Duration) bool {
	return WASDActive(rt.InputDir, rt.InputDirAt, now, window)
}

// WASDActive is the single rule for "movement keys held": a non-zero direction
// received no longer than window ago. No explicit stop message is required.
func WASDActive(dir Point2, at, now time.Time, window time.Duration) bool {
	if dir.IsZero() || at.IsZero() {
		return false
	}
	return now.Sub(at) <= window
}

// Entity builds the replicated view. Caller must hold the lock.
func (rt *Runtime) Entity() Entity {
	var name *string
	if rt.DisplayName != "" {
		n := rt.DisplayName
		name = &n
	}
	return Entity{
		EntityID:    EntityID(rt.UserID),
		DisplayName: name,
		Pos:         rt.Pos,
		Yaw:         rt.Yaw,
		HP:          rt.HP,
		Action:      rt.Action,
		Rev:         rt.Rev,
	}
}

// Publish stores a fresh snapshot for lock-free readers and returns it.
// Caller must hold the lock (or own the runtime exclusively).
func (rt *Runtime) Publish() Snapshot {
	s := Snapshot{
		UserID:     rt.UserID,
		InstanceID: rt.InstanceID,
		Entity:     rt.Entity(),
		Chunk:      rt.Chunk,
		State:      rt.Conn,
	}
	rt.snapshot.Store(&s)
	return s
}

// Snapshot returns the last published snapshot. Safe without the lock.
func (rt *Runtime) Snapshot() Snapshot {
	if s := rt.snapshot.Load(); s != nil {
		return *s
	}
	return Snapshot{UserID: rt.UserID, Entity: Entity{EntityID: EntityID(rt.UserID)}}
}

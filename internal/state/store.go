package state

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/predadoralfa/Youtube/internal/model"
)

var (
	// ErrRuntimeNotFound means the durable runtime row does not exist.
	// Provisioning new players is not the store's job.
	ErrRuntimeNotFound = errors.New("runtime row not found")

	// ErrInvalidBounds means the instance geometry cannot bound movement.
	ErrInvalidBounds = errors.New("invalid world bounds")
)

// Loader reads the durable state a runtime is built from.
// Implementations return nil, nil when a row does not exist.
type Loader interface {
	LoadRuntimeRow(ctx context.Context, userID int64) (*model.RuntimeRow, error)
	LoadWorldSize(ctx context.Context, instanceID int64) (*model.WorldSize, error)
	LoadSpeed(ctx context.Context, userID int64) (*float64, error)
}

// DirtyKind selects which part of a runtime needs write-back.
type DirtyKind int

const (
	DirtyRuntime DirtyKind = iota
	DirtyStats
)

// Config holds the store knobs.
type Config struct {
	ChunkSize    float64
	DefaultSpeed float64
	StopRadius   float64
}

// Store owns every resident runtime, keyed by user id. Thread-safe.
//
// Lock order: a runtime lock may be held while calling into the store; the
// store never takes a runtime lock while holding its own.
type Store struct {
	loader Loader
	cfg    Config
	now    func() time.Time

	mu       sync.RWMutex
	runtimes map[int64]*model.Runtime

	loads singleflight.Group
}

// NewStore creates an empty store.
func NewStore(loader Loader, cfg Config) *Store {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = 256
	}
	if cfg.DefaultSpeed <= 0 {
		cfg.DefaultSpeed = 4
	}
	if cfg.StopRadius <= 0 {
		cfg.StopRadius = model.DefaultMoveStopRadius
	}
	return &Store{
		loader:   loader,
		cfg:      cfg,
		now:      time.Now,
		runtimes: make(map[int64]*model.Runtime, 1000),
	}
}

// SetClock replaces the time source. Used by tests.
func (s *Store) SetClock(now func() time.Time) {
	s.now = now
}

// ChunkSize returns the chunk side the store computes initial chunks with.
func (s *Store) ChunkSize() float64 {
	return s.cfg.ChunkSize
}

// Load returns the resident runtime for userID, fetching it from the durable
// store on first use. Concurrent loads for the same identity share one fetch.
func (s *Store) Load(ctx context.Context, userID int64) (*model.Runtime, error) {
	if rt := s.Get(userID); rt != nil {
		return rt, nil
	}

	v, err, _ := s.loads.Do(strconv.FormatInt(userID, 10), func() (any, error) {
		if rt := s.Get(userID); rt != nil {
			return rt, nil
		}

		rt, err := s.fetch(ctx, userID)
		if err != nil {
			return nil, err
		}

		s.mu.Lock()
		defer s.mu.Unlock()
		if existing, ok := s.runtimes[userID]; ok {
			return existing, nil
		}
		s.runtimes[userID] = rt
		return rt, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*model.Runtime), nil
}

func (s *Store) fetch(ctx context.Context, userID int64) (*model.Runtime, error) {
	row, err := s.loader.LoadRuntimeRow(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("loading runtime row for user %d: %w", userID, err)
	}
	if row == nil {
		return nil, fmt.Errorf("user %d: %w", userID, ErrRuntimeNotFound)
	}

	size, err := s.loader.LoadWorldSize(ctx, row.InstanceID)
	if err != nil {
		return nil, fmt.Errorf("loading world size for instance %d: %w", row.InstanceID, err)
	}
	if size == nil || !size.Valid() {
		return nil, fmt.Errorf("instance %d size=%+v: %w", row.InstanceID, size, ErrInvalidBounds)
	}

	speed, err := s.loader.LoadSpeed(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("loading speed for user %d: %w", userID, err)
	}

	rt := model.NewRuntime(*row, model.BoundsFromSize(size.SizeX, size.SizeZ), s.cfg.ChunkSize)
	rt.MoveStopRadius = s.cfg.StopRadius
	if v, ok := sanitizeSpeed(speed); ok {
		rt.Speed = v
	} else {
		rt.Speed = s.cfg.DefaultSpeed
		rt.SpeedFallback = true
		slog.Warn("stats speed missing, using default", "userID", userID, "speed", rt.Speed)
	}
	rt.Publish()

	slog.Debug("runtime loaded",
		"userID", userID,
		"instanceID", rt.InstanceID,
		"state", rt.Conn,
		"cx", rt.Chunk.CX,
		"cz", rt.Chunk.CZ)
	return rt, nil
}

// Get returns the resident runtime or nil.
func (s *Store) Get(userID int64) *model.Runtime {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.runtimes[userID]
}

// MarkDirty flags a runtime for write-back. Refused for absent or OFFLINE runtimes.
func (s *Store) MarkDirty(userID int64, kind DirtyKind, now time.Time) bool {
	rt := s.Get(userID)
	if rt == nil {
		return false
	}
	rt.Lock()
	defer rt.Unlock()
	if rt.Evicted() {
		return false
	}
	if kind == DirtyStats {
		return rt.MarkStatsDirty(now)
	}
	return rt.MarkRuntimeDirty(now)
}

// SetConnectionState applies a connection transition and marks the runtime
// dirty. Returns false if the runtime is not resident (or was evicted).
func (s *Store) SetConnectionState(userID int64, patch model.ConnectionPatch, now time.Time) bool {
	rt := s.Get(userID)
	if rt == nil {
		return false
	}
	rt.Lock()
	defer rt.Unlock()
	if rt.Evicted() {
		return false
	}
	rt.ApplyConnection(patch, now)
	rt.Publish()
	return true
}

// RefreshStats reloads cached stats for a resident runtime (after level up,
// equipment changes and similar) and marks them dirty.
func (s *Store) RefreshStats(ctx context.Context, userID int64) error {
	rt := s.Get(userID)
	if rt == nil {
		return fmt.Errorf("user %d: %w", userID, ErrRuntimeNotFound)
	}

	speed, err := s.loader.LoadSpeed(ctx, userID)
	if err != nil {
		return fmt.Errorf("loading speed for user %d: %w", userID, err)
	}
	v, ok := sanitizeSpeed(speed)
	if !ok {
		return nil
	}

	rt.Lock()
	defer rt.Unlock()
	rt.Speed = v
	rt.SpeedFallback = false
	rt.MarkStatsDirty(s.now())
	return nil
}

// Evict drops userID from the store.
func (s *Store) Evict(userID int64) bool {
	s.mu.Lock()
	rt, ok := s.runtimes[userID]
	if ok {
		delete(s.runtimes, userID)
	}
	s.mu.Unlock()

	if ok {
		rt.MarkEvicted()
	}
	return ok
}

// EvictIf drops rt only if it is still the resident instance for its user.
// Safe to call while holding rt's lock.
func (s *Store) EvictIf(rt *model.Runtime) bool {
	s.mu.Lock()
	cur, ok := s.runtimes[rt.UserID]
	if ok && cur == rt {
		delete(s.runtimes, rt.UserID)
	}
	s.mu.Unlock()

	if ok && cur == rt {
		rt.MarkEvicted()
		return true
	}
	return false
}

// Snapshot returns the resident runtimes at the time of the call.
func (s *Store) Snapshot() []*model.Runtime {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*model.Runtime, 0, len(s.runtimes))
	for _, rt := range s.runtimes {
		out = append(out, rt)
	}
	return out
}

// ForEach calls fn for every runtime resident at the time of the call.
// fn may call back into the store.
func (s *Store) ForEach(fn func(*model.Runtime)) {
	for _, rt := range s.Snapshot() {
		fn(rt)
	}
}

// Len returns the number of resident runtimes.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.runtimes)
}

func sanitizeSpeed(v *float64) (float64, bool) {
	if v == nil || math.IsNaN(*v) || math.IsInf(*v, 0) || *v <= 0 {
		return 0, false
	}
	return *v, true
}

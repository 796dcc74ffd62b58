// Package persistence reconciles in-memory runtimes with durable storage:
// rate-limited batch write-back of dirty runtimes and the disconnect-grace
// sweep that finally takes players out of the world.
package persistence

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/predadoralfa/Youtube/internal/model"
	"github.com/predadoralfa/Youtube/internal/state"
	"github.com/predadoralfa/Youtube/internal/world"
)

// Writer is the durable side of the manager.
type Writer interface {
	UpdateRuntimeRow(ctx context.Context, row model.RuntimeRow) error
	UpdateStatsRow(ctx context.Context, row model.StatsRow) error
}

// Config holds the write-back knobs.
type Config struct {
	TickInterval       time.Duration
	MaxFlushPerTick    int
	MinRuntimeFlushGap time.Duration
	MinStatsFlushGap   time.Duration
	WriteTimeout       time.Duration
}

// Manager owns the persistence loop.
type Manager struct {
	cfg      Config
	store    *state.Store
	presence *world.Index
	writer   Writer
	now      func() time.Time

	running atomic.Bool
	skipped atomic.Uint64

	subMu       sync.RWMutex
	subscribers []func(model.DespawnEvent)

	// flushLocks serialises writes per identity so two rows of the same
	// player are never in flight at once.
	flushLocks sync.Map // int64 → *sync.Mutex
}

// NewManager creates a manager. Zero config values fall back to defaults.
func NewManager(cfg Config, store *state.Store, presence *world.Index, writer Writer) *Manager {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = 500 * time.Millisecond
	}
	if cfg.MaxFlushPerTick <= 0 {
		cfg.MaxFlushPerTick = 200
	}
	if cfg.MinRuntimeFlushGap <= 0 {
		cfg.MinRuntimeFlushGap = 900 * time.Millisecond
	}
	if cfg.MinStatsFlushGap <= 0 {
		cfg.MinStatsFlushGap = 1500 * time.Millisecond
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 3 * time.Second
	}
	return &Manager{
		cfg:      cfg,
		store:    store,
		presence: presence,
		writer:   writer,
		now:      time.Now,
	}
}

// SetClock replaces the time source. Used by tests.
func (m *Manager) SetClock(now func() time.Time) {
	m.now = now
}

// OnDespawn subscribes fn to final OFFLINE transitions. fn runs on the
// persistence goroutine with the player's runtime locked; it must not lock
// runtimes.
func (m *Manager) OnDespawn(fn func(model.DespawnEvent)) {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	m.subscribers = append(m.subscribers, fn)
}

func (m *Manager) emit(evt model.DespawnEvent) {
	m.subMu.RLock()
	subs := slices.Clone(m.subscribers)
	m.subMu.RUnlock()

	for _, fn := range subs {
		fn(evt)
	}
}

// Run drives Tick at the configured interval until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.TickInterval)
	defer ticker.Stop()

	slog.Info("persistence loop started",
		"interval", m.cfg.TickInterval,
		"maxFlushPerTick", m.cfg.MaxFlushPerTick)

	for {
		select {
		case <-ctx.Done():
			slog.Info("persistence loop stopping", "skippedTicks", m.skipped.Load())
			return nil
		case <-ticker.C:
			m.Tick(ctx)
		}
	}
}

// Tick runs the disconnect sweep and then one dirty batch. A tick that starts
// while another is running is skipped.
func (m *Manager) Tick(ctx context.Context) {
	if !m.running.CompareAndSwap(false, true) {
		m.skipped.Add(1)
		return
	}
	defer m.running.Store(false)

	now := m.now()
	m.sweepDisconnects(ctx, now)
	m.flushDirtyBatch(ctx, now)
}

// sweepDisconnects finalises every pending runtime past its grace deadline
// and retries evictions whose final write failed.
func (m *Manager) sweepDisconnects(ctx context.Context, now time.Time) {
	m.store.ForEach(func(rt *model.Runtime) {
		rt.Lock()
		due := sweepDue(rt, now)
		rt.Unlock()
		if due {
			m.finalize(ctx, rt, now)
		}
	})
}

func sweepDue(rt *model.Runtime, now time.Time) bool {
	if rt.Evicted() {
		return false
	}
	if rt.EvictPending {
		return rt.Conn == model.ConnOffline
	}
	return rt.Conn == model.ConnDisconnectedPending &&
		rt.OfflineAllowedAt != nil &&
		!now.Before(*rt.OfflineAllowedAt)
}

// finalize performs the OFFLINE transition. The transition, despawn and
// presence removal happen under the runtime lock; the final write runs
// unlocked with EvictPending set. A reconnect during the write cancels the
// eviction, and its checkpoint flush queues behind the flush lock.
func (m *Manager) finalize(ctx context.Context, rt *model.Runtime, now time.Time) {
	fl := m.flushLock(rt.UserID)
	fl.Lock()
	defer fl.Unlock()

	rt.Lock()
	if !sweepDue(rt, now) {
		rt.Unlock()
		return
	}

	retry := rt.EvictPending
	if !retry {
		m.goOffline(rt, now)
	}
	if !rt.DirtyRuntime {
		m.evict(rt)
		rt.Unlock()
		return
	}
	row, seq := rt.RuntimeRow()
	rt.Unlock()

	writeErr := m.write(ctx, func(ctx context.Context) error {
		return m.writer.UpdateRuntimeRow(ctx, row)
	})

	rt.Lock()
	defer rt.Unlock()

	if writeErr != nil {
		if retry {
			slog.Warn("final offline flush retry failed", "userID", rt.UserID, "error", writeErr)
		} else {
			slog.Warn("final offline flush failed, eviction deferred",
				"userID", rt.UserID,
				"error", writeErr)
		}
		return
	}
	rt.RuntimeFlushed(seq, now)

	if rt.Evicted() || !rt.EvictPending || rt.Conn != model.ConnOffline {
		slog.Info("logout cancelled by reconnect", "userID", rt.UserID, "state", rt.Conn)
		return
	}
	m.evict(rt)
}

// goOffline moves rt to OFFLINE, removes it from presence and publishes the
// despawn event. Caller holds rt's lock.
func (m *Manager) goOffline(rt *model.Runtime, now time.Time) {
	// placement before removal: observers despawn from the rooms it was last seen in
	placement, indexed := m.presence.Placement(rt.UserID)

	rt.BumpRev()
	disconnectedAt := rt.DisconnectedAt
	if disconnectedAt == nil {
		disconnectedAt = &now
	}
	rt.ApplyConnection(model.ConnectionPatch{
		State:            model.ConnOffline,
		DisconnectedAt:   disconnectedAt,
		OfflineAllowedAt: rt.OfflineAllowedAt,
	}, now)
	rt.EvictPending = true
	snap := rt.Publish()

	m.presence.Remove(rt.UserID)

	instanceID := rt.InstanceID
	if indexed {
		instanceID = placement.InstanceID
	}
	m.emit(model.DespawnEvent{
		EntityID:      snap.Entity.EntityID,
		UserID:        rt.UserID,
		InstanceID:    instanceID,
		InterestRooms: placement.InterestRooms,
		Rev:           rt.Rev,
		AtMs:          now.UnixMilli(),
	})
}

// evict drops the runtime. Caller holds its lock.
func (m *Manager) evict(rt *model.Runtime) {
	rt.EvictPending = false
	evicted := m.store.EvictIf(rt)
	m.flushLocks.Delete(rt.UserID)
	slog.Info("logout finalized",
		"userID", rt.UserID,
		"state", rt.Conn,
		"rev", rt.Rev,
		"evicted", evicted)
}

type candidate struct {
	rt     *model.Runtime
	oldest time.Time
}

// flushDirtyBatch writes dirty runtimes, longest-dirty first, up to
// MaxFlushPerTick identities, respecting the per-identity gaps.
func (m *Manager) flushDirtyBatch(ctx context.Context, now time.Time) {
	var cands []candidate
	m.store.ForEach(func(rt *model.Runtime) {
		rt.Lock()
		defer rt.Unlock()
		if rt.Evicted() || rt.EvictPending {
			return
		}
		if rt.DirtyRuntime || rt.DirtyStats {
			cands = append(cands, candidate{rt: rt, oldest: rt.OldestDirtyAt()})
		}
	})
	if len(cands) == 0 {
		return
	}

	slices.SortStableFunc(cands, func(a, b candidate) int {
		return a.oldest.Compare(b.oldest)
	})

	flushed, failed := 0, 0
	for _, c := range cands {
		if flushed >= m.cfg.MaxFlushPerTick {
			break
		}
		wrote, err := m.flush(ctx, c.rt, now, true)
		if err != nil {
			failed++
			slog.Warn("dirty flush failed", "userID", c.rt.UserID, "error", err)
		}
		if wrote {
			flushed++
		}
	}

	slog.Debug("dirty batch flushed",
		"candidates", len(cands),
		"flushed", flushed,
		"failed", failed)
}

// FlushImmediate writes userID's dirty rows now, ignoring the gaps. Used as
// a checkpoint on connect and disconnect.
func (m *Manager) FlushImmediate(ctx context.Context, userID int64) (bool, error) {
	rt := m.store.Get(userID)
	if rt == nil {
		return false, fmt.Errorf("flush user %d: %w", userID, state.ErrRuntimeNotFound)
	}
	return m.flush(ctx, rt, m.now(), false)
}

// FlushAll writes every dirty runtime, ignoring the gaps. Called on shutdown.
func (m *Manager) FlushAll(ctx context.Context) error {
	var (
		errs    []error
		flushed int
	)
	now := m.now()
	m.store.ForEach(func(rt *model.Runtime) {
		wrote, err := m.flush(ctx, rt, now, false)
		if err != nil {
			errs = append(errs, err)
		}
		if wrote {
			flushed++
		}
	})

	slog.Info("all runtimes flushed", "flushed", flushed, "failed", len(errs))
	return errors.Join(errs...)
}

// flush writes whichever rows of rt are dirty (and past their gap when
// gated). The write happens outside the runtime lock; the dirty flag is only
// cleared if nothing changed while it was in flight.
func (m *Manager) flush(ctx context.Context, rt *model.Runtime, now time.Time, gated bool) (bool, error) {
	fl := m.flushLock(rt.UserID)
	fl.Lock()
	defer fl.Unlock()

	rt.Lock()
	if rt.Evicted() {
		rt.Unlock()
		return false, nil
	}
	var (
		runtimeRow        model.RuntimeRow
		statsRow          model.StatsRow
		runtimeSeq        uint64
		statsSeq          uint64
		doRuntime, doStat bool
	)
	if rt.DirtyRuntime && (!gated || now.Sub(rt.RuntimeFlushedAt) >= m.cfg.MinRuntimeFlushGap) {
		runtimeRow, runtimeSeq = rt.RuntimeRow()
		doRuntime = true
	}
	if rt.DirtyStats && (!gated || now.Sub(rt.StatsFlushedAt) >= m.cfg.MinStatsFlushGap) {
		statsRow, statsSeq = rt.StatsRow()
		doStat = true
	}
	rt.Unlock()

	if !doRuntime && !doStat {
		return false, nil
	}

	var errs []error
	wrote := false

	if doRuntime {
		if err := m.write(ctx, func(ctx context.Context) error {
			return m.writer.UpdateRuntimeRow(ctx, runtimeRow)
		}); err != nil {
			errs = append(errs, fmt.Errorf("updating runtime row for user %d: %w", rt.UserID, err))
		} else {
			rt.Lock()
			rt.RuntimeFlushed(runtimeSeq, now)
			rt.Unlock()
			wrote = true
			if runtimeRow.ConnectionState != model.ConnConnected {
				slog.Info("runtime flushed", "userID", rt.UserID, "state", runtimeRow.ConnectionState)
			}
		}
	}

	if doStat {
		if err := m.write(ctx, func(ctx context.Context) error {
			return m.writer.UpdateStatsRow(ctx, statsRow)
		}); err != nil {
			errs = append(errs, fmt.Errorf("updating stats row for user %d: %w", rt.UserID, err))
		} else {
			rt.Lock()
			rt.StatsFlushed(statsSeq, now)
			rt.Unlock()
			wrote = true
		}
	}

	return wrote, errors.Join(errs...)
}

func (m *Manager) write(ctx context.Context, fn func(context.Context) error) error {
	wctx, cancel := context.WithTimeout(ctx, m.cfg.WriteTimeout)
	defer cancel()
	return fn(wctx)
}

func (m *Manager) flushLock(userID int64) *sync.Mutex {
	v, _ := m.flushLocks.LoadOrStore(userID, new(sync.Mutex))
	return v.(*sync.Mutex)
}

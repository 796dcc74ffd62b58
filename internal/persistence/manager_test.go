package persistence

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/predadoralfa/Youtube/internal/model"
	"github.com/predadoralfa/Youtube/internal/movement"
	"github.com/predadoralfa/Youtube/internal/state"
	"github.com/predadoralfa/Youtube/internal/testutil"
	"github.com/predadoralfa/Youtube/internal/world"
)

const grace = 10 * time.Second

type fixture struct {
	repo     *testutil.MockRepository
	store    *state.Store
	presence *world.Index
	manager  *Manager
	clock    *testutil.Clock

	mu     sync.Mutex
	events []model.DespawnEvent
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	f := &fixture{
		repo:     testutil.NewMockRepository(),
		presence: world.NewIndex(256, 1),
		clock:    testutil.NewClock(time.Unix(10_000, 0)),
	}
	f.store = state.NewStore(f.repo, state.Config{ChunkSize: 256, DefaultSpeed: 4, StopRadius: 0.45})
	f.store.SetClock(f.clock.Now)

	f.manager = NewManager(cfg, f.store, f.presence, f.repo)
	f.manager.SetClock(f.clock.Now)
	f.manager.OnDespawn(func(evt model.DespawnEvent) {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.events = append(f.events, evt)
	})
	return f
}

func (f *fixture) despawns() []model.DespawnEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]model.DespawnEvent(nil), f.events...)
}

// online loads a connected, indexed player.
func (f *fixture) online(t *testing.T, userID int64, x float64) *model.Runtime {
	t.Helper()
	f.repo.SeedPlayer(userID, 1, model.Vec3{X: x}, model.ConnConnected)
	rt, err := f.store.Load(context.Background(), userID)
	require.NoError(t, err)
	f.presence.AddToInstance(userID, 1, rt.Pos)
	return rt
}

// disconnect puts userID into the grace window, as the session layer does.
func (f *fixture) disconnect(t *testing.T, userID int64) {
	t.Helper()
	now := f.clock.Now()
	deadline := now.Add(grace)
	ok := f.store.SetConnectionState(userID, model.ConnectionPatch{
		State:            model.ConnDisconnectedPending,
		DisconnectedAt:   &now,
		OfflineAllowedAt: &deadline,
	}, now)
	require.True(t, ok)
}

func TestDisconnectLifecycle(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	rt := f.online(t, 7, 10)
	f.online(t, 8, 20)

	f.disconnect(t, 7)
	assert.Equal(t, model.ConnDisconnectedPending, rt.Conn)

	f.clock.Advance(grace / 2)
	f.manager.Tick(ctx)
	assert.Equal(t, model.ConnDisconnectedPending, rt.Conn, "still inside the grace window")
	assert.Same(t, rt, f.store.Get(7))
	assert.Empty(t, f.despawns())

	f.clock.Advance(grace / 2)
	revBefore := rt.Rev
	f.manager.Tick(ctx)

	assert.Equal(t, model.ConnOffline, rt.Conn)
	assert.Greater(t, rt.Rev, revBefore)
	assert.Nil(t, f.store.Get(7), "evicted")
	assert.True(t, rt.Evicted())
	_, indexed := f.presence.Placement(7)
	assert.False(t, indexed)

	row, ok := f.repo.Runtime(7)
	require.True(t, ok)
	assert.Equal(t, model.ConnOffline, row.ConnectionState)
	require.NotNil(t, row.DisconnectedAt)

	events := f.despawns()
	require.Len(t, events, 1)
	evt := events[0]
	assert.Equal(t, "7", evt.EntityID)
	assert.Equal(t, int64(7), evt.UserID)
	assert.Equal(t, int64(1), evt.InstanceID)
	assert.Equal(t, rt.Rev, evt.Rev)
	assert.ElementsMatch(t, world.InterestRooms(1, model.Chunk{}, 1), evt.InterestRooms)

	f.clock.Advance(time.Second)
	f.manager.Tick(ctx)
	assert.Len(t, f.despawns(), 1, "despawn fires exactly once")
	assert.NotNil(t, f.store.Get(8), "other players are untouched")
}

func TestReconnectCancelsPendingTransition(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	rt := f.online(t, 7, 10)

	f.disconnect(t, 7)
	f.clock.Advance(grace / 2)

	ok := f.store.SetConnectionState(7, model.ConnectionPatch{State: model.ConnConnected}, f.clock.Now())
	require.True(t, ok)

	f.clock.Advance(grace)
	f.manager.Tick(ctx)

	assert.Equal(t, model.ConnConnected, rt.Conn)
	assert.Same(t, rt, f.store.Get(7))
	assert.Empty(t, f.despawns())
	_, indexed := f.presence.Placement(7)
	assert.True(t, indexed)
}

func TestFinalFlushFailureDefersEviction(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	rt := f.online(t, 7, 10)

	f.disconnect(t, 7)
	f.repo.FailWrites(true)
	f.clock.Advance(grace)
	f.manager.Tick(ctx)

	assert.Equal(t, model.ConnOffline, rt.Conn)
	assert.True(t, rt.EvictPending)
	assert.Same(t, rt, f.store.Get(7), "kept resident until the OFFLINE row is durable")
	_, indexed := f.presence.Placement(7)
	assert.False(t, indexed)
	assert.Len(t, f.despawns(), 1)

	f.clock.Advance(time.Second)
	f.manager.Tick(ctx)
	assert.Same(t, rt, f.store.Get(7))
	assert.Len(t, f.despawns(), 1)

	f.repo.FailWrites(false)
	f.clock.Advance(time.Second)
	f.manager.Tick(ctx)

	assert.Nil(t, f.store.Get(7))
	assert.Len(t, f.despawns(), 1, "retry does not despawn again")
	row, ok := f.repo.Runtime(7)
	require.True(t, ok)
	assert.Equal(t, model.ConnOffline, row.ConnectionState)
}

type nopEmitter struct{}

func (nopEmitter) ChunkTransition(model.Snapshot, world.MoveResult) {}
func (nopEmitter) Delta(model.Snapshot)                             {}
func (nopEmitter) State(model.Snapshot)                             {}

// holdWrites blocks the first write until release is closed. started is
// closed once that write is in flight.
func holdWrites(f *fixture) (started, release chan struct{}) {
	started = make(chan struct{})
	release = make(chan struct{})
	var once sync.Once
	f.repo.OnWrite(func() {
		once.Do(func() {
			close(started)
			<-release
		})
	})
	return started, release
}

func waitClosed(t *testing.T, ch <-chan struct{}, what string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
	}
}

func TestFinalFlushDoesNotBlockMovementTick(t *testing.T) {
	f := newFixture(t, Config{WriteTimeout: 5 * time.Second})
	ctx := context.Background()
	rt := f.online(t, 7, 10)
	for id := int64(8); id <= 11; id++ {
		f.online(t, id, float64(id))
	}

	f.disconnect(t, 7)
	f.clock.Advance(grace)

	started, release := holdWrites(f)
	swept := make(chan struct{})
	go func() {
		defer close(swept)
		f.manager.Tick(ctx)
	}()
	waitClosed(t, started, "final offline write")

	engine := movement.NewEngine(movement.Config{
		TickInterval:      50 * time.Millisecond,
		DTMax:             50 * time.Millisecond,
		InputActiveWindow: 250 * time.Millisecond,
		ClickSpamWindow:   100 * time.Millisecond,
	}, f.store, f.presence, nopEmitter{})
	engine.SetClock(f.clock.Now)

	ticked := make(chan struct{})
	go func() {
		defer close(ticked)
		engine.Tick()
	}()
	select {
	case <-ticked:
	case <-time.After(time.Second):
		close(release)
		t.Fatal("movement tick waited on the final offline write")
	}

	rt.Lock()
	assert.Equal(t, model.ConnOffline, rt.Conn, "transition is visible before the write lands")
	assert.True(t, rt.EvictPending)
	rt.Unlock()
	assert.Len(t, f.despawns(), 1)

	close(release)
	waitClosed(t, swept, "persistence tick")

	assert.Nil(t, f.store.Get(7))
	assert.True(t, rt.Evicted())
	assert.Len(t, f.despawns(), 1)
}

func TestReconnectDuringFinalFlushKeepsRuntime(t *testing.T) {
	f := newFixture(t, Config{WriteTimeout: 5 * time.Second})
	ctx := context.Background()
	rt := f.online(t, 7, 10)

	f.disconnect(t, 7)
	f.clock.Advance(grace)

	started, release := holdWrites(f)
	swept := make(chan struct{})
	go func() {
		defer close(swept)
		f.manager.Tick(ctx)
	}()
	waitClosed(t, started, "final offline write")

	loaded, err := f.store.Load(ctx, 7)
	require.NoError(t, err)
	assert.Same(t, rt, loaded, "still resident while the write is in flight")
	require.True(t, f.store.SetConnectionState(7, model.ConnectionPatch{State: model.ConnConnected}, f.clock.Now()))

	close(release)
	waitClosed(t, swept, "persistence tick")

	assert.Same(t, rt, f.store.Get(7), "reconnect cancels the eviction")
	assert.False(t, rt.Evicted())
	assert.False(t, rt.EvictPending)
	assert.Equal(t, model.ConnConnected, rt.Conn)
	assert.True(t, rt.DirtyRuntime, "CONNECTED still has to reach storage")

	flushed, err := f.manager.FlushImmediate(ctx, 7)
	require.NoError(t, err)
	assert.True(t, flushed)
	row, ok := f.repo.Runtime(7)
	require.True(t, ok)
	assert.Equal(t, model.ConnConnected, row.ConnectionState)
}

func TestDirtyBatch_ClearsOnlyOnSuccess(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	rt := f.online(t, 7, 10)

	require.True(t, f.store.MarkDirty(7, state.DirtyRuntime, f.clock.Now()))

	f.repo.FailWrites(true)
	f.manager.Tick(ctx)
	assert.True(t, rt.DirtyRuntime)
	assert.Empty(t, f.repo.RuntimeWrites())

	f.repo.FailWrites(false)
	f.clock.Advance(time.Second)
	f.manager.Tick(ctx)
	assert.False(t, rt.DirtyRuntime)
	assert.Len(t, f.repo.RuntimeWrites(), 1)
}

func TestDirtyBatch_RespectsGap(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	f.online(t, 7, 10)

	f.store.MarkDirty(7, state.DirtyRuntime, f.clock.Now())
	f.manager.Tick(ctx)
	require.Len(t, f.repo.RuntimeWrites(), 1)

	f.clock.Advance(500 * time.Millisecond)
	f.store.MarkDirty(7, state.DirtyRuntime, f.clock.Now())
	f.manager.Tick(ctx)
	assert.Len(t, f.repo.RuntimeWrites(), 1, "inside the 900ms gap")

	f.clock.Advance(500 * time.Millisecond)
	f.manager.Tick(ctx)
	assert.Len(t, f.repo.RuntimeWrites(), 2)
}

func TestDirtyBatch_OldestFirstAndCapped(t *testing.T) {
	f := newFixture(t, Config{MaxFlushPerTick: 2})
	ctx := context.Background()
	base := f.clock.Now()

	for _, id := range []int64{1, 2, 3} {
		f.online(t, id, float64(id))
	}
	f.store.MarkDirty(1, state.DirtyRuntime, base.Add(3*time.Millisecond))
	f.store.MarkDirty(2, state.DirtyRuntime, base.Add(1*time.Millisecond))
	f.store.MarkDirty(3, state.DirtyRuntime, base.Add(2*time.Millisecond))

	f.clock.Advance(time.Second)
	f.manager.Tick(ctx)

	writes := f.repo.RuntimeWrites()
	require.Len(t, writes, 2)
	assert.Equal(t, int64(2), writes[0].UserID)
	assert.Equal(t, int64(3), writes[1].UserID)
	assert.True(t, f.store.Get(1).DirtyRuntime)

	f.manager.Tick(ctx)
	assert.Len(t, f.repo.RuntimeWrites(), 3)
}

// racingWriter dirties the runtime while its write is in flight.
type racingWriter struct {
	*testutil.MockRepository
	store *state.Store
	now   func() time.Time
}

func (w racingWriter) UpdateRuntimeRow(ctx context.Context, row model.RuntimeRow) error {
	w.store.MarkDirty(row.UserID, state.DirtyRuntime, w.now())
	return w.MockRepository.UpdateRuntimeRow(ctx, row)
}

func TestFlush_KeepsDirtyWhenChangedInFlight(t *testing.T) {
	f := newFixture(t, Config{})
	rt := f.online(t, 7, 10)

	m := NewManager(Config{}, f.store, f.presence, racingWriter{MockRepository: f.repo, store: f.store, now: f.clock.Now})
	m.SetClock(f.clock.Now)

	f.store.MarkDirty(7, state.DirtyRuntime, f.clock.Now())
	wrote, err := m.FlushImmediate(context.Background(), 7)
	require.NoError(t, err)
	assert.True(t, wrote)
	assert.True(t, rt.DirtyRuntime, "the newer change still needs a write")
}

func TestFlushImmediate(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	f.online(t, 7, 10)

	wrote, err := f.manager.FlushImmediate(ctx, 7)
	require.NoError(t, err)
	assert.False(t, wrote, "nothing dirty")

	f.store.MarkDirty(7, state.DirtyRuntime, f.clock.Now())
	_, err = f.manager.FlushImmediate(ctx, 7)
	require.NoError(t, err)

	// bypasses the gap
	f.store.MarkDirty(7, state.DirtyRuntime, f.clock.Now())
	wrote, err = f.manager.FlushImmediate(ctx, 7)
	require.NoError(t, err)
	assert.True(t, wrote)
	assert.Len(t, f.repo.RuntimeWrites(), 2)

	_, err = f.manager.FlushImmediate(ctx, 99)
	require.ErrorIs(t, err, state.ErrRuntimeNotFound)
}

func TestFlushImmediate_WritesStats(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	rt := f.online(t, 7, 10)

	f.repo.PutSpeed(7, 6)
	require.NoError(t, f.store.RefreshStats(ctx, 7))

	wrote, err := f.manager.FlushImmediate(ctx, 7)
	require.NoError(t, err)
	assert.True(t, wrote)
	assert.False(t, rt.DirtyStats)

	stats := f.repo.StatsWrites()
	require.Len(t, stats, 1)
	assert.Equal(t, model.StatsRow{UserID: 7, MoveSpeed: 6}, stats[0])
}

func TestFlushAll(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	for _, id := range []int64{1, 2, 3} {
		f.online(t, id, float64(id))
		f.store.MarkDirty(id, state.DirtyRuntime, f.clock.Now())
	}

	f.repo.FailWrites(true)
	err := f.manager.FlushAll(ctx)
	require.ErrorIs(t, err, testutil.ErrInjected)

	f.repo.FailWrites(false)
	require.NoError(t, f.manager.FlushAll(ctx))
	assert.Len(t, f.repo.RuntimeWrites(), 3)
}

func TestTick_SkipsWhenAlreadyRunning(t *testing.T) {
	f := newFixture(t, Config{})
	f.online(t, 7, 10)
	f.store.MarkDirty(7, state.DirtyRuntime, f.clock.Now())

	f.manager.running.Store(true)
	f.manager.Tick(context.Background())

	assert.Equal(t, uint64(1), f.manager.skipped.Load())
	assert.Empty(t, f.repo.RuntimeWrites())
}

func TestRun_StopsOnCancel(t *testing.T) {
	f := newFixture(t, Config{TickInterval: time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- f.manager.Run(ctx) }()
	time.Sleep(5 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

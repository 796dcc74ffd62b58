package state

import (
	"context"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/predadoralfa/Youtube/internal/model"
	"github.com/predadoralfa/Youtube/internal/testutil"
)

func newTestStore(t *testing.T) (*Store, *testutil.MockRepository) {
	t.Helper()
	repo := testutil.NewMockRepository()
	return NewStore(repo, Config{ChunkSize: 256, DefaultSpeed: 4, StopRadius: 0.45}), repo
}

func TestLoad_BuildsRuntime(t *testing.T) {
	store, repo := newTestStore(t)
	repo.PutWorldSize(1, model.WorldSize{SizeX: 2000, SizeZ: 1000})
	repo.PutSpeed(7, 6.5)
	repo.PutRuntime(model.RuntimeRow{
		UserID:          7,
		InstanceID:      1,
		Pos:             model.Vec3{X: 300, Y: 2, Z: -300},
		Yaw:             1.5,
		ConnectionState: model.ConnDisconnectedPending,
	})

	rt, err := store.Load(context.Background(), 7)
	require.NoError(t, err)

	assert.Equal(t, model.Bounds{MinX: -1000, MaxX: 1000, MinZ: -500, MaxZ: 500}, rt.Bounds)
	assert.Equal(t, 6.5, rt.Speed)
	assert.False(t, rt.SpeedFallback)
	assert.Equal(t, model.Chunk{CX: 1, CZ: -2}, rt.Chunk)
	assert.Equal(t, model.ConnDisconnectedPending, rt.Conn)
	assert.Equal(t, 1.5, rt.Yaw)
	assert.Equal(t, 0.45, rt.MoveStopRadius)
	assert.False(t, rt.DirtyRuntime)
	assert.Same(t, rt, store.Get(7))
}

func TestLoad_Idempotent(t *testing.T) {
	store, repo := newTestStore(t)
	repo.SeedPlayer(7, 1, model.Vec3{}, model.ConnOffline)

	first, err := store.Load(context.Background(), 7)
	require.NoError(t, err)
	second, err := store.Load(context.Background(), 7)
	require.NoError(t, err)

	assert.Same(t, first, second)
	assert.Equal(t, 1, repo.LoadCalls())
}

func TestLoad_ConcurrentCallersShareOneFetch(t *testing.T) {
	store, repo := newTestStore(t)
	repo.SeedPlayer(7, 1, model.Vec3{}, model.ConnOffline)

	var wg sync.WaitGroup
	results := make([]*model.Runtime, 16)
	for i := range results {
		wg.Go(func() {
			rt, err := store.Load(context.Background(), 7)
			assert.NoError(t, err)
			results[i] = rt
		})
	}
	wg.Wait()

	for _, rt := range results {
		assert.Same(t, results[0], rt)
	}
	assert.Equal(t, 1, store.Len())
}

func TestLoad_MissingRowIsFatal(t *testing.T) {
	store, _ := newTestStore(t)

	_, err := store.Load(context.Background(), 7)
	require.ErrorIs(t, err, ErrRuntimeNotFound)
	assert.Nil(t, store.Get(7), "a missing player is never synthesized")
}

func TestLoad_InvalidBoundsIsFatal(t *testing.T) {
	tests := []struct {
		name string
		size *model.WorldSize
	}{
		{"missing geometry", nil},
		{"zero size", &model.WorldSize{SizeX: 0, SizeZ: 10}},
		{"negative size", &model.WorldSize{SizeX: 10, SizeZ: -10}},
		{"nan size", &model.WorldSize{SizeX: math.NaN(), SizeZ: 10}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store, repo := newTestStore(t)
			repo.PutRuntime(model.RuntimeRow{UserID: 7, InstanceID: 1})
			if tt.size != nil {
				repo.PutWorldSize(1, *tt.size)
			}

			_, err := store.Load(context.Background(), 7)
			require.ErrorIs(t, err, ErrInvalidBounds)
			assert.Nil(t, store.Get(7))
		})
	}
}

func TestLoad_RepositoryError(t *testing.T) {
	store, repo := newTestStore(t)
	repo.SeedPlayer(7, 1, model.Vec3{}, model.ConnOffline)
	repo.FailLoads(true)

	_, err := store.Load(context.Background(), 7)
	require.ErrorIs(t, err, testutil.ErrInjected)
	assert.Zero(t, store.Len())
}

func TestLoad_SpeedFallback(t *testing.T) {
	for _, speed := range []*float64{nil, ptr(0), ptr(-3), ptr(math.Inf(1))} {
		store, repo := newTestStore(t)
		repo.PutWorldSize(1, model.WorldSize{SizeX: 10, SizeZ: 10})
		repo.PutRuntime(model.RuntimeRow{UserID: 7, InstanceID: 1})
		if speed != nil {
			repo.PutSpeed(7, *speed)
		}

		rt, err := store.Load(context.Background(), 7)
		require.NoError(t, err)
		assert.Equal(t, 4.0, rt.Speed)
		assert.True(t, rt.SpeedFallback)
	}
}

func TestMarkDirty(t *testing.T) {
	store, repo := newTestStore(t)
	repo.SeedPlayer(7, 1, model.Vec3{}, model.ConnConnected)
	repo.SeedPlayer(8, 1, model.Vec3{}, model.ConnOffline)
	ctx := context.Background()
	now := time.Unix(100, 0)

	rt, err := store.Load(ctx, 7)
	require.NoError(t, err)
	offline, err := store.Load(ctx, 8)
	require.NoError(t, err)

	assert.True(t, store.MarkDirty(7, DirtyRuntime, now))
	assert.True(t, store.MarkDirty(7, DirtyStats, now))
	assert.True(t, rt.DirtyRuntime)
	assert.True(t, rt.DirtyStats)

	assert.False(t, store.MarkDirty(8, DirtyRuntime, now), "OFFLINE runtimes are not dirtied by gameplay")
	assert.False(t, offline.DirtyRuntime)
	assert.False(t, store.MarkDirty(99, DirtyRuntime, now))
}

func TestSetConnectionState(t *testing.T) {
	store, repo := newTestStore(t)
	repo.SeedPlayer(8, 1, model.Vec3{}, model.ConnOffline)
	now := time.Unix(100, 0)

	rt, err := store.Load(context.Background(), 8)
	require.NoError(t, err)

	ok := store.SetConnectionState(8, model.ConnectionPatch{State: model.ConnConnected}, now)
	require.True(t, ok)
	assert.Equal(t, model.ConnConnected, rt.Conn)
	assert.True(t, rt.DirtyRuntime, "connection transitions always persist")
	assert.Equal(t, model.ConnConnected, rt.Snapshot().State)

	assert.False(t, store.SetConnectionState(99, model.ConnectionPatch{State: model.ConnConnected}, now))
}

func TestEvict(t *testing.T) {
	store, repo := newTestStore(t)
	repo.SeedPlayer(7, 1, model.Vec3{}, model.ConnConnected)
	now := time.Unix(100, 0)

	rt, err := store.Load(context.Background(), 7)
	require.NoError(t, err)

	assert.True(t, store.Evict(7))
	assert.False(t, store.Evict(7))
	assert.True(t, rt.Evicted())
	assert.Nil(t, store.Get(7))
	assert.False(t, store.SetConnectionState(7, model.ConnectionPatch{State: model.ConnConnected}, now))
}

func TestEvictIf_IgnoresStalePointer(t *testing.T) {
	store, repo := newTestStore(t)
	repo.SeedPlayer(7, 1, model.Vec3{}, model.ConnConnected)
	ctx := context.Background()

	stale, err := store.Load(ctx, 7)
	require.NoError(t, err)
	require.True(t, store.Evict(7))

	fresh, err := store.Load(ctx, 7)
	require.NoError(t, err)
	require.NotSame(t, stale, fresh)

	assert.False(t, store.EvictIf(stale))
	assert.Same(t, fresh, store.Get(7))
	assert.True(t, store.EvictIf(fresh))
	assert.Zero(t, store.Len())
}

func TestForEach_StableView(t *testing.T) {
	store, repo := newTestStore(t)
	ctx := context.Background()
	for id := int64(1); id <= 5; id++ {
		repo.SeedPlayer(id, 1, model.Vec3{}, model.ConnConnected)
		_, err := store.Load(ctx, id)
		require.NoError(t, err)
	}

	visited := 0
	store.ForEach(func(rt *model.Runtime) {
		visited++
		store.Evict(rt.UserID)
	})

	assert.Equal(t, 5, visited)
	assert.Zero(t, store.Len())
}

func TestRefreshStats(t *testing.T) {
	store, repo := newTestStore(t)
	repo.SeedPlayer(7, 1, model.Vec3{}, model.ConnConnected)
	ctx := context.Background()

	rt, err := store.Load(ctx, 7)
	require.NoError(t, err)

	repo.PutSpeed(7, 9)
	require.NoError(t, store.RefreshStats(ctx, 7))
	assert.Equal(t, 9.0, rt.Speed)
	assert.True(t, rt.DirtyStats)

	require.ErrorIs(t, store.RefreshStats(ctx, 99), ErrRuntimeNotFound)
}

func ptr(v float64) *float64 { return &v }

package world

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/predadoralfa/Youtube/internal/model"
)

func TestAddToInstance_Idempotent(t *testing.T) {
	once := NewIndex(256, 1)
	twice := NewIndex(256, 1)
	pos := model.Vec3{X: 10, Z: 10}

	p1 := once.AddToInstance(7, 1, pos)
	twice.AddToInstance(7, 1, pos)
	p2 := twice.AddToInstance(7, 1, pos)

	assert.Equal(t, p1, p2)
	assert.Equal(t, once.Len(), twice.Len())
	assert.Equal(t, once.RoomCount(), twice.RoomCount())
	assert.Equal(t, once.InstanceCount(), twice.InstanceCount())
	assert.Equal(t, once.UsersInChunks(1, model.Chunk{}), twice.UsersInChunks(1, model.Chunk{}))
}

func TestAddToInstance_RelocatesExisting(t *testing.T) {
	idx := NewIndex(256, 1)

	idx.AddToInstance(7, 1, model.Vec3{})
	idx.AddToInstance(7, 2, model.Vec3{X: 1000})

	assert.Empty(t, idx.InstanceMembers(1))
	assert.Contains(t, idx.InstanceMembers(2), int64(7))
	assert.Equal(t, 1, idx.RoomCount(), "only one chunk room per identity")
	assert.Empty(t, idx.UsersInRoom("chunk:1:0:0"))
	assert.Contains(t, idx.UsersInRoom("chunk:2:3:0"), int64(7))
}

func TestInterestRooms_NineAroundOrigin(t *testing.T) {
	idx := NewIndex(256, 1)
	p := idx.AddToInstance(7, 1, model.Vec3{X: 1, Z: 1})

	assert.Equal(t, model.Chunk{}, p.Chunk)
	assert.Len(t, p.InterestRooms, 9)
	assert.ElementsMatch(t, p.InterestRooms, idx.InterestRooms(7))
}

func TestMoveChunk_SymmetricDifference(t *testing.T) {
	idx := NewIndex(256, 1)
	idx.AddToInstance(7, 1, model.Vec3{X: 1, Z: 1})

	res, ok := idx.MoveChunk(7, model.Chunk{CX: 1, CZ: 0})
	require.True(t, ok)
	require.True(t, res.Changed)

	assert.ElementsMatch(t, []string{"chunk:1:2:-1", "chunk:1:2:0", "chunk:1:2:1"}, res.Diff.Entered)
	assert.ElementsMatch(t, []string{"chunk:1:-1:-1", "chunk:1:-1:0", "chunk:1:-1:1"}, res.Diff.Left)
	assert.Equal(t, model.Chunk{}, res.Prev.Chunk)
	assert.Equal(t, model.Chunk{CX: 1}, res.Next.Chunk)
	assert.Len(t, idx.InterestRooms(7), 9)

	assert.Empty(t, idx.UsersInRoom("chunk:1:0:0"))
	assert.Contains(t, idx.UsersInRoom("chunk:1:1:0"), int64(7))
	assert.Equal(t, 1, idx.RoomCount(), "old chunk room pruned")
}

func TestMoveChunk_Unchanged(t *testing.T) {
	idx := NewIndex(256, 1)
	idx.AddToInstance(7, 1, model.Vec3{})

	res, ok := idx.MoveChunk(7, model.Chunk{})
	require.True(t, ok)
	assert.False(t, res.Changed)
	assert.True(t, res.Diff.Empty())
}

func TestMoveChunk_NotIndexed(t *testing.T) {
	idx := NewIndex(256, 1)
	_, ok := idx.MoveChunk(99, model.Chunk{CX: 1})
	assert.False(t, ok)
}

func TestRemove(t *testing.T) {
	idx := NewIndex(256, 1)
	idx.AddToInstance(7, 1, model.Vec3{X: 300})
	idx.AddToInstance(8, 1, model.Vec3{X: 300})

	p, ok := idx.Remove(7)
	require.True(t, ok)
	assert.Equal(t, int64(1), p.InstanceID)
	assert.Equal(t, model.Chunk{CX: 1}, p.Chunk)
	assert.Len(t, p.InterestRooms, 9)

	_, ok = idx.Remove(7)
	assert.False(t, ok)

	idx.Remove(8)
	assert.Zero(t, idx.Len())
	assert.Zero(t, idx.RoomCount(), "empty rooms are pruned")
	assert.Zero(t, idx.InstanceCount(), "empty instances are pruned")
}

func TestUsersInChunks_ReturnsCopy(t *testing.T) {
	idx := NewIndex(256, 1)
	idx.AddToInstance(7, 1, model.Vec3{})
	idx.AddToInstance(8, 1, model.Vec3{X: 300})
	idx.AddToInstance(9, 1, model.Vec3{X: 600})

	users := idx.UsersInChunks(1, model.Chunk{})
	assert.Len(t, users, 2, "chunk 2 is outside the window of chunk 0")

	delete(users, 7)
	assert.Contains(t, idx.UsersInChunks(1, model.Chunk{}), int64(7))
}

func TestUsersInChunks_IsolatesInstances(t *testing.T) {
	idx := NewIndex(256, 1)
	idx.AddToInstance(7, 1, model.Vec3{})
	idx.AddToInstance(8, 2, model.Vec3{})

	assert.Len(t, idx.UsersInChunks(1, model.Chunk{}), 1)
}

func TestIndex_ConcurrentAccess(t *testing.T) {
	idx := NewIndex(256, 1)

	var wg sync.WaitGroup
	for i := range 32 {
		wg.Go(func() {
			id := int64(i)
			idx.AddToInstance(id, 1, model.Vec3{X: float64(i * 100)})
			idx.MoveChunk(id, model.Chunk{CX: i % 4})
			idx.UsersInChunks(1, model.Chunk{})
			if i%2 == 0 {
				idx.Remove(id)
			}
		})
	}
	wg.Wait()

	assert.Equal(t, 16, idx.Len())
}

package world

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/predadoralfa/Youtube/internal/model"
)

func TestChunkRoom(t *testing.T) {
	tests := []struct {
		instance int64
		chunk    model.Chunk
		want     string
	}{
		{1, model.Chunk{CX: 0, CZ: 0}, "chunk:1:0:0"},
		{42, model.Chunk{CX: -3, CZ: 7}, "chunk:42:-3:7"},
	}

	for _, tt := range tests {
		if got := ChunkRoom(tt.instance, tt.chunk); got != tt.want {
			t.Errorf("ChunkRoom(%d, %+v) = %q, want %q", tt.instance, tt.chunk, got, tt.want)
		}
	}
}

func TestInstanceRoom(t *testing.T) {
	assert.Equal(t, "inst:9", InstanceRoom(9))
}

func TestInterestChunks(t *testing.T) {
	tests := []struct {
		radius int
		want   int
	}{
		{0, 1},
		{1, 9},
		{2, 25},
	}

	for _, tt := range tests {
		chunks := InterestChunks(model.Chunk{CX: 5, CZ: -5}, tt.radius)
		assert.Len(t, chunks, tt.want, "radius %d", tt.radius)
		for _, c := range chunks {
			assert.LessOrEqual(t, abs(c.CX-5), tt.radius)
			assert.LessOrEqual(t, abs(c.CZ+5), tt.radius)
		}
	}
}

func TestInterestRooms_Unique(t *testing.T) {
	rooms := InterestRooms(1, model.Chunk{}, 1)
	seen := make(map[string]struct{}, len(rooms))
	for _, r := range rooms {
		_, dup := seen[r]
		assert.False(t, dup, "duplicate room %s", r)
		seen[r] = struct{}{}
	}
	assert.Contains(t, rooms, "chunk:1:0:0")
	assert.Contains(t, rooms, "chunk:1:-1:1")
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

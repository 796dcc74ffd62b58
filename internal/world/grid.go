package world

import (
	"strconv"
	"strings"

	"github.com/predadoralfa/Youtube/internal/model"
)

const (
	// DefaultChunkSize is the side of a visibility cell in world units.
	DefaultChunkSize = 256

	// DefaultRadius gives a 3×3 interest window.
	DefaultRadius = 1
)

// ChunkRoom returns the broadcast room of a single chunk.
// Format: chunk:<instance>:<cx>:<cz>
func ChunkRoom(instanceID int64, c model.Chunk) string {
	var b strings.Builder
	b.Grow(32)
	b.WriteString("chunk:")
	b.WriteString(strconv.FormatInt(instanceID, 10))
	b.WriteByte(':')
	b.WriteString(strconv.Itoa(c.CX))
	b.WriteByte(':')
	b.WriteString(strconv.Itoa(c.CZ))
	return b.String()
}

// InstanceRoom returns the room every member of an instance joins.
func InstanceRoom(instanceID int64) string {
	return "inst:" + strconv.FormatInt(instanceID, 10)
}

// InterestChunks returns the (2r+1)² window of chunks centred on c,
// row by row from (-r,-r).
func InterestChunks(c model.Chunk, radius int) []model.Chunk {
	side := 2*radius + 1
	chunks := make([]model.Chunk, 0, side*side)
	for dx := -radius; dx <= radius; dx++ {
		for dz := -radius; dz <= radius; dz++ {
			chunks = append(chunks, model.Chunk{CX: c.CX + dx, CZ: c.CZ + dz})
		}
	}
	return chunks
}

// InterestRooms maps InterestChunks to room keys.
func InterestRooms(instanceID int64, c model.Chunk, radius int) []string {
	chunks := InterestChunks(c, radius)
	rooms := make([]string, len(chunks))
	for i, ch := range chunks {
		rooms[i] = ChunkRoom(instanceID, ch)
	}
	return rooms
}

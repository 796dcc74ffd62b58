package world

import (
	"log/slog"
	"slices"
	"sync"

	"github.com/predadoralfa/Youtube/internal/model"
)

// Placement is where an identity sits in the index.
type Placement struct {
	InstanceID    int64
	Chunk         model.Chunk
	Room          string
	InterestRooms []string
}

// Diff is the symmetric difference between two interest sets.
type Diff struct {
	Entered []string
	Left    []string
}

// Empty reports whether nothing changed.
func (d Diff) Empty() bool {
	return len(d.Entered) == 0 && len(d.Left) == 0
}

// MoveResult describes a chunk move. The diff is the only trigger for
// spawn/despawn replication.
type MoveResult struct {
	Changed bool
	Prev    Placement
	Next    Placement
	Diff    Diff
}

type entry struct {
	placement Placement
	interest  map[string]struct{}
}

// Index is the presence/interest index: who is in which instance and chunk
// room, and which rooms each identity is interested in.
//
// Invariants: an identity is in at most one chunk room; its interest set is
// always the window around its current chunk; empty sets are pruned.
// Thread-safe.
type Index struct {
	chunkSize float64
	radius    int

	mu        sync.RWMutex
	instances map[int64]map[int64]struct{}
	rooms     map[string]map[int64]struct{}
	users     map[int64]*entry
}

// NewIndex creates an empty index. Non-positive arguments fall back to defaults.
func NewIndex(chunkSize float64, radius int) *Index {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	if radius < 0 {
		radius = DefaultRadius
	}
	return &Index{
		chunkSize: chunkSize,
		radius:    radius,
		instances: make(map[int64]map[int64]struct{}, 8),
		rooms:     make(map[string]map[int64]struct{}, 256),
		users:     make(map[int64]*entry, 1000),
	}
}

// ChunkSize returns the cell side used by the index.
func (x *Index) ChunkSize() float64 {
	return x.chunkSize
}

// Radius returns the interest radius in chunks.
func (x *Index) Radius() int {
	return x.radius
}

// ChunkOf returns the chunk containing pos.
func (x *Index) ChunkOf(pos model.Vec3) model.Chunk {
	return model.ChunkOf(pos, x.chunkSize)
}

// AddToInstance indexes userID at pos. Idempotent: an already indexed
// identity is removed first.
func (x *Index) AddToInstance(userID, instanceID int64, pos model.Vec3) Placement {
	x.mu.Lock()
	defer x.mu.Unlock()

	x.removeLocked(userID)

	p := x.placementFor(instanceID, x.ChunkOf(pos))
	addMember(x.instances, instanceID, userID)
	addMember(x.rooms, p.Room, userID)
	x.users[userID] = &entry{placement: p, interest: toSet(p.InterestRooms)}

	slog.Debug("presence added", "userID", userID, "instanceID", instanceID, "cx", p.Chunk.CX, "cz", p.Chunk.CZ)
	return clonePlacement(p)
}

// Remove drops userID from every map and returns its last placement.
func (x *Index) Remove(userID int64) (Placement, bool) {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.removeLocked(userID)
}

func (x *Index) removeLocked(userID int64) (Placement, bool) {
	e, ok := x.users[userID]
	if !ok {
		return Placement{}, false
	}
	removeMember(x.instances, e.placement.InstanceID, userID)
	removeMember(x.rooms, e.placement.Room, userID)
	delete(x.users, userID)
	return clonePlacement(e.placement), true
}

// MoveChunk relocates userID to chunk next. Returns false if the identity is
// not indexed. An unchanged chunk yields Changed=false and an empty diff.
func (x *Index) MoveChunk(userID int64, next model.Chunk) (MoveResult, bool) {
	x.mu.Lock()
	defer x.mu.Unlock()

	e, ok := x.users[userID]
	if !ok {
		return MoveResult{}, false
	}

	prev := e.placement
	if prev.Chunk == next {
		return MoveResult{Prev: clonePlacement(prev), Next: clonePlacement(prev)}, true
	}

	p := x.placementFor(prev.InstanceID, next)
	removeMember(x.rooms, prev.Room, userID)
	addMember(x.rooms, p.Room, userID)

	nextInterest := toSet(p.InterestRooms)
	var diff Diff
	for _, r := range p.InterestRooms {
		if _, had := e.interest[r]; !had {
			diff.Entered = append(diff.Entered, r)
		}
	}
	for _, r := range prev.InterestRooms {
		if _, has := nextInterest[r]; !has {
			diff.Left = append(diff.Left, r)
		}
	}

	e.placement = p
	e.interest = nextInterest

	return MoveResult{
		Changed: true,
		Prev:    clonePlacement(prev),
		Next:    clonePlacement(p),
		Diff:    diff,
	}, true
}

// Placement returns a copy of userID's placement.
func (x *Index) Placement(userID int64) (Placement, bool) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	e, ok := x.users[userID]
	if !ok {
		return Placement{}, false
	}
	return clonePlacement(e.placement), true
}

// InterestRooms returns a copy of userID's interest rooms, nil if not indexed.
func (x *Index) InterestRooms(userID int64) []string {
	x.mu.RLock()
	defer x.mu.RUnlock()
	e, ok := x.users[userID]
	if !ok {
		return nil
	}
	return slices.Clone(e.placement.InterestRooms)
}

// UsersInChunks aggregates membership over the interest window around (cx, cz).
// The returned set is a fresh copy owned by the caller.
func (x *Index) UsersInChunks(instanceID int64, c model.Chunk) map[int64]struct{} {
	return x.UsersInRooms(InterestRooms(instanceID, c, x.radius))
}

// UsersInRoom returns a copy of one room's members.
func (x *Index) UsersInRoom(room string) map[int64]struct{} {
	return x.UsersInRooms([]string{room})
}

// UsersInRooms returns the union of the given rooms' members as a copy.
func (x *Index) UsersInRooms(rooms []string) map[int64]struct{} {
	x.mu.RLock()
	defer x.mu.RUnlock()

	out := make(map[int64]struct{})
	for _, r := range rooms {
		for id := range x.rooms[r] {
			out[id] = struct{}{}
		}
	}
	return out
}

// InstanceMembers returns a copy of the identities indexed in an instance.
func (x *Index) InstanceMembers(instanceID int64) map[int64]struct{} {
	x.mu.RLock()
	defer x.mu.RUnlock()

	out := make(map[int64]struct{}, len(x.instances[instanceID]))
	for id := range x.instances[instanceID] {
		out[id] = struct{}{}
	}
	return out
}

// Len returns the number of indexed identities.
func (x *Index) Len() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.users)
}

// RoomCount returns the number of non-empty chunk rooms.
func (x *Index) RoomCount() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.rooms)
}

// InstanceCount returns the number of non-empty instances.
func (x *Index) InstanceCount() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.instances)
}

func (x *Index) placementFor(instanceID int64, c model.Chunk) Placement {
	return Placement{
		InstanceID:    instanceID,
		Chunk:         c,
		Room:          ChunkRoom(instanceID, c),
		InterestRooms: InterestRooms(instanceID, c, x.radius),
	}
}

func addMember[K comparable](m map[K]map[int64]struct{}, key K, userID int64) {
	set, ok := m[key]
	if !ok {
		set = make(map[int64]struct{})
		m[key] = set
	}
	set[userID] = struct{}{}
}

func removeMember[K comparable](m map[K]map[int64]struct{}, key K, userID int64) {
	set, ok := m[key]
	if !ok {
		return
	}
	delete(set, userID)
	if len(set) == 0 {
		delete(m, key)
	}
}

func toSet(rooms []string) map[string]struct{} {
	set := make(map[string]struct{}, len(rooms))
	for _, r := range rooms {
		set[r] = struct{}{}
	}
	return set
}

func clonePlacement(p Placement) Placement {
	p.InterestRooms = slices.Clone(p.InterestRooms)
	return p
}

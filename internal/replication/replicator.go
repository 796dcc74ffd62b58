// Package replication turns authoritative state changes into the messages
// each connection must see: baselines, spawns, despawns, deltas and echoes.
package replication

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"time"

	"github.com/predadoralfa/Youtube/internal/model"
	"github.com/predadoralfa/Youtube/internal/protocol"
	"github.com/predadoralfa/Youtube/internal/state"
	"github.com/predadoralfa/Youtube/internal/world"
)

var ErrOffline = errors.New("runtime is offline")

// Transport delivers events to connections grouped in rooms. Implementations
// must not take runtime locks: they are called while one is held.
type Transport interface {
	SendTo(userID int64, event string, payload any)
	// Broadcast delivers once per recipient across rooms, skipping except.
	Broadcast(rooms []string, event string, payload any, except int64)
	JoinRooms(userID int64, rooms []string)
	LeaveRooms(userID int64, rooms []string)
	// SetRooms reconciles the membership of userID to exactly rooms.
	SetRooms(userID int64, rooms []string)
}

// Replicator implements movement.Emitter and the world join/resync flow.
type Replicator struct {
	store     *state.Store
	presence  *world.Index
	transport Transport
	now       func() time.Time
}

func NewReplicator(store *state.Store, presence *world.Index, transport Transport) *Replicator {
	return &Replicator{
		store:     store,
		presence:  presence,
		transport: transport,
		now:       time.Now,
	}
}

// SetClock replaces the time source. Used by tests.
func (r *Replicator) SetClock(now func() time.Time) {
	r.now = now
}

// Join indexes the player in its instance, aligns its rooms and sends the
// baseline. OFFLINE runtimes are never put back into the world.
func (r *Replicator) Join(ctx context.Context, userID int64) (protocol.Baseline, error) {
	rt, err := r.store.Load(ctx, userID)
	if err != nil {
		return protocol.Baseline{}, fmt.Errorf("join %d: %w", userID, err)
	}

	rt.Lock()
	defer rt.Unlock()

	if rt.Conn == model.ConnOffline {
		return protocol.Baseline{}, ErrOffline
	}

	p := r.presence.AddToInstance(userID, rt.InstanceID, rt.Pos)
	return r.attach(rt, p), nil
}

// Resync recomputes the chunk from the current position and resends the
// baseline. A player missing from the index is indexed as on join.
func (r *Replicator) Resync(ctx context.Context, userID int64) (protocol.Baseline, error) {
	rt, err := r.store.Load(ctx, userID)
	if err != nil {
		return protocol.Baseline{}, fmt.Errorf("resync %d: %w", userID, err)
	}

	rt.Lock()
	defer rt.Unlock()

	if rt.Conn == model.ConnOffline {
		return protocol.Baseline{}, ErrOffline
	}

	var p world.Placement
	if res, ok := r.presence.MoveChunk(userID, r.presence.ChunkOf(rt.Pos)); ok {
		p = res.Next
	} else {
		p = r.presence.AddToInstance(userID, rt.InstanceID, rt.Pos)
	}
	return r.attach(rt, p), nil
}

// attach finishes join/resync. Caller holds the runtime lock.
func (r *Replicator) attach(rt *model.Runtime, p world.Placement) protocol.Baseline {
	rt.Chunk = p.Chunk
	rt.Publish()

	rooms := make([]string, 0, len(p.InterestRooms)+1)
	rooms = append(rooms, world.InstanceRoom(rt.InstanceID))
	rooms = append(rooms, p.InterestRooms...)
	r.transport.SetRooms(rt.UserID, rooms)

	b := r.buildBaseline(rt, p.Chunk)
	r.transport.SendTo(rt.UserID, protocol.EventBaseline, b)

	slog.Debug("world attached",
		"userID", rt.UserID,
		"instanceID", rt.InstanceID,
		"chunk", p.Chunk,
		"others", len(b.Others))
	return b
}

// buildBaseline collects self plus every visible non-OFFLINE identity.
// Others are read from their published snapshots.
func (r *Replicator) buildBaseline(rt *model.Runtime, chunk model.Chunk) protocol.Baseline {
	visible := r.presence.UsersInChunks(rt.InstanceID, chunk)

	others := make([]model.Entity, 0, len(visible))
	for uid := range visible {
		if uid == rt.UserID {
			continue
		}
		other := r.store.Get(uid)
		if other == nil {
			continue
		}
		s := other.Snapshot()
		if s.State == model.ConnOffline {
			continue
		}
		others = append(others, s.Entity)
	}
	slices.SortFunc(others, func(a, b model.Entity) int {
		return compareEntityID(a.EntityID, b.EntityID)
	})

	return protocol.Baseline{
		OK:         true,
		InstanceID: strconv.FormatInt(rt.InstanceID, 10),
		You:        rt.Entity(),
		Chunk:      chunk,
		Others:     others,
		T:          r.now().UnixMilli(),
	}
}

// ChunkTransition moves the mover's connection between rooms and reconciles
// visibility both ways: others learn about the mover, and the mover learns
// about identities that entered or left its interest.
func (r *Replicator) ChunkTransition(self model.Snapshot, res world.MoveResult) {
	entered, left := res.Diff.Entered, res.Diff.Left

	r.transport.JoinRooms(self.UserID, entered)
	r.transport.LeaveRooms(self.UserID, left)

	if len(entered) > 0 {
		r.transport.Broadcast(entered, protocol.EventSpawn, self.Entity, self.UserID)
	}
	if len(left) > 0 {
		r.transport.Broadcast(left, protocol.EventDespawn, protocol.Despawn{
			EntityID: self.Entity.EntityID,
			Rev:      self.Entity.Rev,
		}, self.UserID)
	}

	if len(entered) > 0 {
		for uid := range r.presence.UsersInRooms(entered) {
			if uid == self.UserID {
				continue
			}
			other := r.store.Get(uid)
			if other == nil {
				continue
			}
			s := other.Snapshot()
			if s.State == model.ConnOffline {
				continue
			}
			r.transport.SendTo(self.UserID, protocol.EventSpawn, s.Entity)
		}
	}

	if len(left) > 0 {
		visibleNow := r.presence.UsersInChunks(self.InstanceID, res.Next.Chunk)
		for uid := range r.presence.UsersInRooms(left) {
			if uid == self.UserID {
				continue
			}
			if _, ok := visibleNow[uid]; ok {
				continue
			}
			var rev int64
			if other := r.store.Get(uid); other != nil {
				rev = other.Snapshot().Entity.Rev
			}
			r.transport.SendTo(self.UserID, protocol.EventDespawn, protocol.Despawn{
				EntityID: model.EntityID(uid),
				Rev:      rev,
			})
		}
	}
}

// Delta sends the mover's new state to everyone else in its interest.
func (r *Replicator) Delta(self model.Snapshot) {
	rooms := r.presence.InterestRooms(self.UserID)
	if len(rooms) == 0 {
		return
	}
	r.transport.Broadcast(rooms, protocol.EventDelta, self.Delta(), self.UserID)
}

// State echoes the authoritative state to the mover.
func (r *Replicator) State(self model.Snapshot) {
	r.transport.SendTo(self.UserID, protocol.EventMoveState, protocol.NewMoveState(self))
}

// Despawn broadcasts a final OFFLINE transition to the instance room and the
// rooms the identity was last visible in.
func (r *Replicator) Despawn(evt model.DespawnEvent) {
	rooms := make([]string, 0, len(evt.InterestRooms)+1)
	rooms = append(rooms, world.InstanceRoom(evt.InstanceID))
	for _, room := range evt.InterestRooms {
		if !slices.Contains(rooms, room) {
			rooms = append(rooms, room)
		}
	}

	r.transport.LeaveRooms(evt.UserID, rooms)
	r.transport.Broadcast(rooms, protocol.EventDespawn, protocol.Despawn{
		EntityID: evt.EntityID,
		Rev:      evt.Rev,
	}, evt.UserID)

	slog.Info("entity despawned",
		"userID", evt.UserID,
		"instanceID", evt.InstanceID,
		"rev", evt.Rev,
		"rooms", len(rooms))
}

// compareEntityID orders numeric ids numerically.
func compareEntityID(a, b string) int {
	if len(a) != len(b) {
		return len(a) - len(b)
	}
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

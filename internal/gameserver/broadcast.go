package gameserver

import (
	"log/slog"
	"sync"

	"github.com/predadoralfa/Youtube/internal/protocol"
)

// Hub fans events out to player connections through named rooms
// (inst:<id>, chunk:<inst>:<cx>:<cz>). Membership is per player, so a
// reconnect keeps delivering to whichever connection is canonical.
//
// Hub is called with runtime locks held and never takes one itself.
type Hub struct {
	clients *ClientManager

	mu      sync.RWMutex
	rooms   map[string]map[int64]struct{}
	members map[int64]map[string]struct{}
}

// NewHub creates a hub delivering to the canonical connections of clients.
func NewHub(clients *ClientManager) *Hub {
	return &Hub{
		clients: clients,
		rooms:   make(map[string]map[int64]struct{}),
		members: make(map[int64]map[string]struct{}),
	}
}

// SendTo delivers one event to userID's canonical connection.
func (h *Hub) SendTo(userID int64, event string, payload any) {
	c := h.clients.GetClient(userID)
	if c == nil {
		return
	}
	frame, err := protocol.EncodeServer(event, payload)
	if err != nil {
		slog.Error("encoding event", "event", event, "userID", userID, "error", err)
		return
	}
	_ = c.Send(frame)
}

// Broadcast delivers one event to every member of rooms, once per player
// even if it sits in several of them. except is skipped (0 skips nobody).
func (h *Hub) Broadcast(rooms []string, event string, payload any, except int64) {
	recipients := h.recipients(rooms, except)
	if len(recipients) == 0 {
		return
	}

	// Encode once, share the frame between clients.
	frame, err := protocol.EncodeServer(event, payload)
	if err != nil {
		slog.Error("encoding event", "event", event, "error", err)
		return
	}

	for _, userID := range recipients {
		if c := h.clients.GetClient(userID); c != nil {
			_ = c.Send(frame)
		}
	}
}

func (h *Hub) recipients(rooms []string, except int64) []int64 {
	h.mu.RLock()
	defer h.mu.RUnlock()

	seen := make(map[int64]struct{})
	var out []int64
	for _, room := range rooms {
		for userID := range h.rooms[room] {
			if userID == except {
				continue
			}
			if _, dup := seen[userID]; dup {
				continue
			}
			seen[userID] = struct{}{}
			out = append(out, userID)
		}
	}
	return out
}

// JoinRooms adds userID to rooms.
func (h *Hub) JoinRooms(userID int64, rooms []string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, room := range rooms {
		h.joinLocked(userID, room)
	}
}

// LeaveRooms removes userID from rooms.
func (h *Hub) LeaveRooms(userID int64, rooms []string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, room := range rooms {
		h.leaveLocked(userID, room)
	}
}

// SetRooms reconciles userID's membership to exactly rooms.
func (h *Hub) SetRooms(userID int64, rooms []string) {
	target := make(map[string]struct{}, len(rooms))
	for _, room := range rooms {
		target[room] = struct{}{}
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for room := range h.members[userID] {
		if _, keep := target[room]; !keep {
			h.leaveLocked(userID, room)
		}
	}
	for room := range target {
		h.joinLocked(userID, room)
	}
}

// LeaveAll drops every membership of userID.
func (h *Hub) LeaveAll(userID int64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for room := range h.members[userID] {
		h.leaveLocked(userID, room)
	}
}

// RoomsOf returns userID's rooms in no particular order.
func (h *Hub) RoomsOf(userID int64) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]string, 0, len(h.members[userID]))
	for room := range h.members[userID] {
		out = append(out, room)
	}
	return out
}

func (h *Hub) joinLocked(userID int64, room string) {
	set, ok := h.rooms[room]
	if !ok {
		set = make(map[int64]struct{})
		h.rooms[room] = set
	}
	set[userID] = struct{}{}

	mine, ok := h.members[userID]
	if !ok {
		mine = make(map[string]struct{})
		h.members[userID] = mine
	}
	mine[room] = struct{}{}
}

func (h *Hub) leaveLocked(userID int64, room string) {
	if set, ok := h.rooms[room]; ok {
		delete(set, userID)
		if len(set) == 0 {
			delete(h.rooms, room)
		}
	}
	if mine, ok := h.members[userID]; ok {
		delete(mine, room)
		if len(mine) == 0 {
			delete(h.members, userID)
		}
	}
}

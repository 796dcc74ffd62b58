package model

import "strconv"

// Entity is the replicated view of a player, the only shape another player
// ever receives.
type Entity struct {
	EntityID    string  `json:"entityId"`
	DisplayName *string `json:"displayName"`
	Pos         Vec3    `json:"pos"`
	Yaw         float64 `json:"yaw"`
	HP          int     `json:"hp"`
	Action      Action  `json:"action"`
	Rev         int64   `json:"rev"`
}

// Delta is Entity without the fields that never change after spawn.
type Delta struct {
	EntityID string  `json:"entityId"`
	Pos      Vec3    `json:"pos"`
	Yaw      float64 `json:"yaw"`
	HP       int     `json:"hp"`
	Action   Action  `json:"action"`
	Rev      int64   `json:"rev"`
}

// Snapshot is an immutable copy of a runtime published after every change.
// Readers that do not own the runtime use it instead of taking its lock.
type Snapshot struct {
	UserID     int64
	InstanceID int64
	Entity     Entity
	Chunk      Chunk
	State      ConnectionState
}

// Delta returns the delta view of the snapshot.
func (s Snapshot) Delta() Delta {
	return Delta{
		EntityID: s.Entity.EntityID,
		Pos:      s.Entity.Pos,
		Yaw:      s.Entity.Yaw,
		HP:       s.Entity.HP,
		Action:   s.Entity.Action,
		Rev:      s.Entity.Rev,
	}
}

// EntityID formats a user id the way it travels on the wire.
func EntityID(userID int64) string {
	return strconv.FormatInt(userID, 10)
}

// DespawnEvent is published when a player finally leaves the world.
type DespawnEvent struct {
	EntityID      string
	UserID        int64
	InstanceID    int64
	InterestRooms []string
	Rev           int64
	AtMs          int64
}

package protocol

import (
	"bytes"
	"encoding/json"
	"math"

	"github.com/predadoralfa/Youtube/internal/model"
)

// Inbound events.
const (
	EventMoveIntent  = "move:intent"
	EventMoveClick   = "move:click"
	EventWorldJoin   = "world:join"
	EventWorldResync = "world:resync"
)

// Outbound events.
const (
	EventBaseline        = "world:baseline"
	EventSpawn           = "entity:spawn"
	EventDespawn         = "entity:despawn"
	EventDelta           = "entity:delta"
	EventMoveState       = "move:state"
	EventSessionReplaced = "session:replaced"
	EventSocketReady     = "socket:ready"
	EventAck             = "ack"
)

// Baseline is the full authoritative view sent on join and resync.
// Clients reset their revision tracking when they receive it.
type Baseline struct {
	OK         bool           `json:"ok"`
	InstanceID string         `json:"instanceId"`
	You        model.Entity   `json:"you"`
	Chunk      model.Chunk    `json:"chunk"`
	Others     []model.Entity `json:"others"`
	T          int64          `json:"t"`
}

// Despawn tells a client to drop an entity.
type Despawn struct {
	EntityID string `json:"entityId"`
	Rev      int64  `json:"rev"`
}

// MoveState is the authoritative echo to the mover.
type MoveState struct {
	EntityID string      `json:"entityId"`
	Pos      model.Vec3  `json:"pos"`
	Yaw      float64     `json:"yaw"`
	Rev      int64       `json:"rev"`
	Chunk    model.Chunk `json:"chunk"`
}

// SessionReplaced is sent to a connection superseded by a newer one.
type SessionReplaced struct {
	By     string `json:"by"`
	UserID string `json:"userId"`
}

// SocketReady confirms the runtime is attached and the client may join.
type SocketReady struct {
	OK     bool   `json:"ok"`
	UserID string `json:"userId"`
}

// Ack answers a client frame that carried a seq.
type Ack struct {
	Seq        int64  `json:"seq"`
	OK         bool   `json:"ok"`
	Error      string `json:"error,omitempty"`
	InstanceID string `json:"instanceId,omitempty"`
	YouID      string `json:"youId,omitempty"`
	CX         *int   `json:"cx,omitempty"`
	CZ         *int   `json:"cz,omitempty"`
}

// NewMoveState builds the echo from a published snapshot.
func NewMoveState(s model.Snapshot) MoveState {
	return MoveState{
		EntityID: s.Entity.EntityID,
		Pos:      s.Entity.Pos,
		Yaw:      s.Entity.Yaw,
		Rev:      s.Entity.Rev,
		Chunk:    s.Chunk,
	}
}

// MoveIntent is the parsed move:intent payload.
type MoveIntent struct {
	Dir        model.Point2
	YawDesired *float64
}

type rawIntent struct {
	Dir *struct {
		X *float64 `json:"x"`
		Z *float64 `json:"z"`
	} `json:"dir"`
	YawDesired json.RawMessage `json:"yawDesired"`
}

// ParseMoveIntent extracts {dir:{x,z}, yawDesired?}. Returns false for
// anything malformed; a non-numeric yawDesired is dropped, not fatal.
func ParseMoveIntent(payload json.RawMessage) (MoveIntent, bool) {
	var raw rawIntent
	if err := json.Unmarshal(payload, &raw); err != nil {
		return MoveIntent{}, false
	}
	if raw.Dir == nil || raw.Dir.X == nil || raw.Dir.Z == nil {
		return MoveIntent{}, false
	}
	if !finite(*raw.Dir.X) || !finite(*raw.Dir.Z) {
		return MoveIntent{}, false
	}

	in := MoveIntent{Dir: model.Point2{X: *raw.Dir.X, Z: *raw.Dir.Z}}
	if len(raw.YawDesired) > 0 && !bytes.Equal(raw.YawDesired, []byte("null")) {
		var yaw float64
		if json.Unmarshal(raw.YawDesired, &yaw) == nil && finite(yaw) {
			in.YawDesired = &yaw
		}
	}
	return in, true
}

// ParseMoveClick extracts {x, z}.
func ParseMoveClick(payload json.RawMessage) (x, z float64, ok bool) {
	var raw struct {
		X *float64 `json:"x"`
		Z *float64 `json:"z"`
	}
	if err := json.Unmarshal(payload, &raw); err != nil {
		return 0, 0, false
	}
	if raw.X == nil || raw.Z == nil || !finite(*raw.X) || !finite(*raw.Z) {
		return 0, 0, false
	}
	return *raw.X, *raw.Z, true
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

package movement

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"sync/atomic"
	"time"

	"github.com/predadoralfa/Youtube/internal/model"
	"github.com/predadoralfa/Youtube/internal/state"
	"github.com/predadoralfa/Youtube/internal/world"
)

var (
	ErrNotLoaded       = errors.New("runtime not loaded")
	ErrNotControllable = errors.New("runtime not controllable")
	ErrInvalidIntent   = errors.New("invalid movement payload")
	ErrInvalidSpeed    = errors.New("invalid speed")
	ErrInvalidBounds   = errors.New("invalid bounds")
	ErrClickThrottled  = errors.New("click within anti-spam window")
	ErrWASDActive      = errors.New("click ignored while WASD is active")
)

// Emitter receives the replication side effects of accepted movement. It is
// called with the mover's runtime lock held, so emissions for one identity
// keep their rev order. Implementations must not lock runtimes.
type Emitter interface {
	// ChunkTransition reconciles spawn/despawn after a chunk crossing.
	ChunkTransition(self model.Snapshot, res world.MoveResult)
	// Delta sends the mover's new state to its interest rooms.
	Delta(self model.Snapshot)
	// State echoes the authoritative state back to the mover.
	State(self model.Snapshot)
}

// Config holds the engine knobs.
type Config struct {
	TickInterval      time.Duration
	DTMax             time.Duration
	InputActiveWindow time.Duration
	ClickSpamWindow   time.Duration
}

// Intent is one WASD input. YawDesired is optional.
type Intent struct {
	Dir        model.Point2
	YawDesired *float64
}

// Engine simulates both movement paths: WASD intents applied on arrival and
// click-to-move stepped by a fixed-rate tick.
type Engine struct {
	cfg      Config
	store    *state.Store
	presence *world.Index
	emitter  Emitter
	now      func() time.Time

	running atomic.Bool
	skipped atomic.Uint64
}

// NewEngine creates an engine. Zero config values fall back to defaults.
func NewEngine(cfg Config, store *state.Store, presence *world.Index, emitter Emitter) *Engine {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = 50 * time.Millisecond
	}
	if cfg.DTMax <= 0 {
		cfg.DTMax = 50 * time.Millisecond
	}
	if cfg.InputActiveWindow <= 0 {
		cfg.InputActiveWindow = 250 * time.Millisecond
	}
	if cfg.ClickSpamWindow <= 0 {
		cfg.ClickSpamWindow = 100 * time.Millisecond
	}
	return &Engine{
		cfg:      cfg,
		store:    store,
		presence: presence,
		emitter:  emitter,
		now:      time.Now,
	}
}

// SetClock replaces the time source. Used by tests.
func (e *Engine) SetClock(now func() time.Time) {
	e.now = now
}

// ApplyIntent applies one WASD intent. Returns true when something replicable
// changed. Rejections leave the runtime untouched.
func (e *Engine) ApplyIntent(userID int64, in Intent) (bool, error) {
	if !in.Dir.Finite() || (in.YawDesired != nil && !finite(*in.YawDesired)) {
		return false, ErrInvalidIntent
	}

	rt := e.store.Get(userID)
	if rt == nil {
		return false, ErrNotLoaded
	}

	rt.Lock()
	defer rt.Unlock()

	if !rt.Controllable() {
		return false, ErrNotControllable
	}

	dir := Normalize2D(in.Dir)
	if !ValidSpeed(rt.Speed) {
		slog.Error("movement blocked: invalid speed", "userID", userID, "speed", rt.Speed)
		return false, ErrInvalidSpeed
	}
	if !rt.Bounds.Valid() {
		slog.Error("movement blocked: invalid bounds", "userID", userID, "bounds", rt.Bounds)
		return false, ErrInvalidBounds
	}

	now := e.now()
	dt := StepDT(now, rt.WASDTickAt, e.cfg.DTMax)
	rt.WASDTickAt = now

	yawChanged := false
	if in.YawDesired != nil {
		if y := WrapYaw(*in.YawDesired); y != rt.Yaw {
			rt.Yaw = y
			yawChanged = true
		}
	}

	rt.InputDir = dir
	rt.InputDirAt = now

	modeChanged := false
	if rt.WASDActive(now, e.cfg.InputActiveWindow) {
		if rt.MoveMode != model.MoveWASD {
			rt.MoveMode = model.MoveWASD
			rt.MoveTarget = nil
			modeChanged = true
		}
		if rt.Action != model.ActionMove {
			rt.Action = model.ActionMove
			modeChanged = true
		}
	} else {
		if rt.MoveMode == model.MoveWASD {
			rt.MoveMode = model.MoveStop
			modeChanged = true
		}
		if dir.IsZero() && rt.MoveMode != model.MoveClick && rt.Action != model.ActionIdle {
			rt.Action = model.ActionIdle
			modeChanged = true
		}
	}

	moved := false
	if !dir.IsZero() && dt > 0 {
		next := rt.Bounds.Clamp(model.Vec3{
			X: rt.Pos.X + dir.X*rt.Speed*dt,
			Y: rt.Pos.Y,
			Z: rt.Pos.Z + dir.Z*rt.Speed*dt,
		})
		if next != rt.Pos {
			rt.Pos = next
			moved = true
		}
	}

	if !moved && !yawChanged && !modeChanged {
		return false, nil
	}
	e.commit(rt, now)
	return true, nil
}

// Click sets a click-to-move target. Returns true if the click was accepted.
func (e *Engine) Click(userID int64, x, z float64) (bool, error) {
	if !finite(x) || !finite(z) {
		return false, ErrInvalidIntent
	}

	rt := e.store.Get(userID)
	if rt == nil {
		return false, ErrNotLoaded
	}

	rt.Lock()
	defer rt.Unlock()

	if !rt.Controllable() {
		return false, ErrNotControllable
	}

	now := e.now()
	if !rt.LastClickAt.IsZero() && now.Sub(rt.LastClickAt) < e.cfg.ClickSpamWindow {
		return false, ErrClickThrottled
	}
	rt.LastClickAt = now

	if rt.WASDActive(now, e.cfg.InputActiveWindow) {
		return false, ErrWASDActive
	}
	if !rt.Bounds.Valid() {
		slog.Error("click blocked: invalid bounds", "userID", userID, "bounds", rt.Bounds)
		return false, ErrInvalidBounds
	}
	if !ValidSpeed(rt.Speed) {
		slog.Error("click blocked: invalid speed", "userID", userID, "speed", rt.Speed)
		return false, ErrInvalidSpeed
	}

	target := rt.Bounds.ClampPoint(model.Point2{X: x, Z: z})
	changed := rt.MoveMode != model.MoveClick || rt.Action != model.ActionMove
	rt.MoveMode = model.MoveClick
	rt.MoveTarget = &target
	rt.MoveTickAt = now
	rt.Action = model.ActionMove

	if changed {
		e.commit(rt, now)
	}
	return true, nil
}

// Run drives Tick at the configured interval until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.cfg.TickInterval)
	defer ticker.Stop()

	slog.Info("movement engine started", "interval", e.cfg.TickInterval)

	for {
		select {
		case <-ctx.Done():
			slog.Info("movement engine stopping", "skippedTicks", e.skipped.Load())
			return nil
		case <-ticker.C:
			e.Tick()
		}
	}
}

// Tick performs one movement step over every connected runtime. A tick that
// starts while another is still running is skipped, never queued.
func (e *Engine) Tick() {
	if !e.running.CompareAndSwap(false, true) {
		e.skipped.Add(1)
		return
	}
	defer e.running.Store(false)

	now := e.now()
	e.store.ForEach(func(rt *model.Runtime) {
		rt.Lock()
		defer rt.Unlock()

		if !rt.Controllable() {
			return
		}
		switch rt.MoveMode {
		case model.MoveClick:
			e.stepClick(rt, now)
		case model.MoveWASD:
			e.settleWASD(rt, now)
		}
	})
}

// settleWASD stops a runtime whose keys were released without an explicit
// zero-direction intent.
func (e *Engine) settleWASD(rt *model.Runtime, now time.Time) {
	if rt.WASDActive(now, e.cfg.InputActiveWindow) {
		return
	}
	rt.MoveMode = model.MoveStop
	rt.Action = model.ActionIdle
	e.commit(rt, now)
}

func (e *Engine) stepClick(rt *model.Runtime, now time.Time) {
	if rt.MoveTarget == nil {
		return
	}

	dt := StepDT(now, rt.MoveTickAt, e.cfg.DTMax)
	rt.MoveTickAt = now
	if dt <= 0 || !ValidSpeed(rt.Speed) || !rt.Bounds.Valid() {
		return
	}

	target := *rt.MoveTarget
	if !target.Finite() {
		e.stop(rt, now)
		return
	}

	dx := target.X - rt.Pos.X
	dz := target.Z - rt.Pos.Z
	dist := math.Hypot(dx, dz)

	stopRadius := rt.MoveStopRadius
	if !(stopRadius > 0) {
		stopRadius = model.DefaultMoveStopRadius
	}
	if dist <= stopRadius {
		e.stop(rt, now)
		return
	}

	dir := Normalize2D(model.Point2{X: dx, Z: dz})
	if dir.IsZero() {
		return
	}

	step := math.Min(rt.Speed*dt, dist)
	next := rt.Bounds.Clamp(model.Vec3{
		X: rt.Pos.X + dir.X*step,
		Y: rt.Pos.Y,
		Z: rt.Pos.Z + dir.Z*step,
	})
	yaw := YawToward(dir)
	if next == rt.Pos && yaw == rt.Yaw {
		return
	}

	rt.Pos = next
	rt.Yaw = yaw
	rt.Action = model.ActionMove
	e.commit(rt, now)
}

func (e *Engine) stop(rt *model.Runtime, now time.Time) {
	rt.MoveTarget = nil
	rt.MoveMode = model.MoveStop
	rt.Action = model.ActionIdle
	e.commit(rt, now)
}

// commit turns an accepted change into a new revision: bump, dirty, chunk
// transition if needed, then delta to interest and echo to the mover.
// Caller holds the runtime lock.
func (e *Engine) commit(rt *model.Runtime, now time.Time) {
	rt.BumpRev()
	rt.MarkRuntimeDirty(now)

	chunk := e.presence.ChunkOf(rt.Pos)
	var (
		res     world.MoveResult
		crossed bool
	)
	if chunk != rt.Chunk {
		rt.Chunk = chunk
		if r, ok := e.presence.MoveChunk(rt.UserID, chunk); ok && r.Changed {
			res, crossed = r, true
		}
	}

	self := rt.Publish()
	if e.emitter == nil {
		return
	}
	if crossed {
		e.emitter.ChunkTransition(self, res)
	}
	e.emitter.Delta(self)
	e.emitter.State(self)
}

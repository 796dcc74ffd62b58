package gameserver

import (
	"context"
	"errors"
	"log/slog"
	"strconv"

	"github.com/predadoralfa/Youtube/internal/movement"
	"github.com/predadoralfa/Youtube/internal/protocol"
	"github.com/predadoralfa/Youtube/internal/replication"
	"github.com/predadoralfa/Youtube/internal/state"
)

// Ack error codes.
const (
	ackErrOffline     = "OFFLINE"
	ackErrNotLoaded   = "RUNTIME_NOT_LOADED"
	ackErrBadPayload  = "BAD_PAYLOAD"
	ackErrThrottled   = "THROTTLED"
	ackErrRejected    = "REJECTED"
	ackErrNotReady    = "NOT_READY"
	ackErrUnavailable = "INTERNAL"
)

// Handler dispatches inbound client events.
type Handler struct {
	engine     *movement.Engine
	replicator *replication.Replicator
}

// NewHandler creates a new event handler.
func NewHandler(engine *movement.Engine, replicator *replication.Replicator) *Handler {
	return &Handler{
		engine:     engine,
		replicator: replicator,
	}
}

// HandleEvent processes one decoded client frame. Malformed payloads are
// dropped; an ack is sent only when the frame carried a seq.
func (h *Handler) HandleEvent(ctx context.Context, client *Client, env protocol.ClientEnvelope) {
	if client.State() != ClientStateReady {
		h.nack(client, env, ackErrNotReady)
		return
	}

	switch env.Type {
	case protocol.EventMoveIntent:
		h.handleMoveIntent(client, env)
	case protocol.EventMoveClick:
		h.handleMoveClick(client, env)
	case protocol.EventWorldJoin:
		h.handleWorld(ctx, client, env, h.replicator.Join)
	case protocol.EventWorldResync:
		h.handleWorld(ctx, client, env, h.replicator.Resync)
	default:
		slog.Debug("unknown client event", "type", env.Type, "userID", client.UserID())
	}
}

func (h *Handler) handleMoveIntent(client *Client, env protocol.ClientEnvelope) {
	if !client.AllowIntent() {
		slog.Debug("move intent throttled", "userID", client.UserID())
		h.nack(client, env, ackErrThrottled)
		return
	}

	in, ok := protocol.ParseMoveIntent(env.Payload)
	if !ok {
		h.nack(client, env, ackErrBadPayload)
		return
	}

	if _, err := h.engine.ApplyIntent(client.UserID(), movement.Intent{Dir: in.Dir, YawDesired: in.YawDesired}); err != nil {
		logRejection("move intent rejected", client, err)
		h.nack(client, env, rejectionCode(err))
		return
	}
	h.ack(client, env, protocol.Ack{OK: true})
}

func (h *Handler) handleMoveClick(client *Client, env protocol.ClientEnvelope) {
	x, z, ok := protocol.ParseMoveClick(env.Payload)
	if !ok {
		h.nack(client, env, ackErrBadPayload)
		return
	}

	accepted, err := h.engine.Click(client.UserID(), x, z)
	if err != nil {
		logRejection("move click rejected", client, err)
		h.nack(client, env, rejectionCode(err))
		return
	}
	h.ack(client, env, protocol.Ack{OK: accepted})
}

func (h *Handler) handleWorld(
	ctx context.Context,
	client *Client,
	env protocol.ClientEnvelope,
	attach func(context.Context, int64) (protocol.Baseline, error),
) {
	b, err := attach(ctx, client.UserID())
	if err != nil {
		slog.Warn("world attach failed", "event", env.Type, "userID", client.UserID(), "error", err)
		h.nack(client, env, rejectionCode(err))
		return
	}

	cx, cz := b.Chunk.CX, b.Chunk.CZ
	h.ack(client, env, protocol.Ack{
		OK:         true,
		InstanceID: b.InstanceID,
		YouID:      strconv.FormatInt(client.UserID(), 10),
		CX:         &cx,
		CZ:         &cz,
	})
}

// ack replies on the client's own connection, queued after whatever the
// handler already sent.
func (h *Handler) ack(client *Client, env protocol.ClientEnvelope, a protocol.Ack) {
	if env.Seq == nil {
		return
	}
	a.Seq = *env.Seq
	frame, err := protocol.EncodeServer(protocol.EventAck, a)
	if err != nil {
		slog.Error("encoding ack", "userID", client.UserID(), "error", err)
		return
	}
	_ = client.Send(frame)
}

func (h *Handler) nack(client *Client, env protocol.ClientEnvelope, code string) {
	h.ack(client, env, protocol.Ack{OK: false, Error: code})
}

func rejectionCode(err error) string {
	switch {
	case errors.Is(err, replication.ErrOffline), errors.Is(err, movement.ErrNotControllable):
		return ackErrOffline
	case errors.Is(err, state.ErrRuntimeNotFound), errors.Is(err, movement.ErrNotLoaded):
		return ackErrNotLoaded
	case errors.Is(err, movement.ErrInvalidIntent):
		return ackErrBadPayload
	case errors.Is(err, movement.ErrClickThrottled):
		return ackErrThrottled
	case errors.Is(err, movement.ErrWASDActive),
		errors.Is(err, movement.ErrInvalidSpeed),
		errors.Is(err, movement.ErrInvalidBounds):
		return ackErrRejected
	default:
		return ackErrUnavailable
	}
}

func logRejection(msg string, client *Client, err error) {
	// speed and bounds are already logged at error level by the engine
	slog.Debug(msg, "userID", client.UserID(), "error", err)
}

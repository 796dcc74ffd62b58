package gameserver

import (
	"context"
	"log/slog"
	"time"

	"github.com/predadoralfa/Youtube/internal/model"
)

// OnDisconnection handles a closed connection.
//
// Flow:
// 1. Replaced connection → nothing, the newer connection owns the runtime
// 2. Not canonical any more → nothing (a reconnect won the race)
// 3. Otherwise → DISCONNECTED_PENDING with deadline now + grace, rooms
// dropped, checkpoint flush
//
// The runtime stays visible to others until the persistence sweep finalizes
// it, so a quick reconnect resumes in place.
func OnDisconnection(ctx context.Context, s *Server, client *Client) {
	client.CloseAsync()

	if client.Replaced() {
		slog.Debug("replaced connection closed", "client", client.ID(), "userID", client.UserID())
		return
	}
	if !s.clientManager.ClearIfCurrent(client) {
		return
	}

	userID := client.UserID()
	s.hub.LeaveAll(userID)

	now := s.now()
	offlineAt := now.Add(s.cfg.Persistence.DisconnectGrace)
	ok := s.store.SetConnectionState(userID, model.ConnectionPatch{
		State:            model.ConnDisconnectedPending,
		DisconnectedAt:   &now,
		OfflineAllowedAt: &offlineAt,
	}, now)
	if !ok {
		return
	}

	// The request context is gone once the peer hung up.
	timeout := s.cfg.Persistence.WriteTimeout
	if timeout <= 0 {
		timeout = defaultWriteTimeout
	}
	flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()
	if _, err := s.flusher.FlushImmediate(flushCtx, userID); err != nil {
		slog.Warn("disconnect checkpoint flush failed", "userID", userID, "error", err)
	}

	slog.Info("client disconnected, offline pending",
		"client", client.ID(),
		"userID", userID,
		"offlineAt", offlineAt.Format(time.RFC3339))
}

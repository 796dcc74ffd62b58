package gameserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/predadoralfa/Youtube/internal/config"
	"github.com/predadoralfa/Youtube/internal/model"
	"github.com/predadoralfa/Youtube/internal/protocol"
	"github.com/predadoralfa/Youtube/internal/state"
)

// Flusher writes one player's dirty rows immediately (connect/disconnect checkpoints).
type Flusher interface {
	FlushImmediate(ctx context.Context, userID int64) (bool, error)
}

// Server is the websocket world server: it authenticates players, keeps one
// canonical connection per player and routes their events.
type Server struct {
	cfg      config.WorldServer
	auth     *Authenticator
	store    *state.Store
	flusher  Flusher
	handler  *Handler
	hub      *Hub
	upgrader websocket.Upgrader
	now      func() time.Time

	clientManager *ClientManager

	listener net.Listener
	mu       sync.Mutex
}

// NewServer creates a new world server. hub must deliver to clients.
func NewServer(cfg config.WorldServer, store *state.Store, flusher Flusher, handler *Handler, hub *Hub, clients *ClientManager) *Server {
	s := &Server{
		cfg:           cfg,
		auth:          NewAuthenticator(cfg.Auth.JWTSecret),
		store:         store,
		flusher:       flusher,
		handler:       handler,
		hub:           hub,
		now:           time.Now,
		clientManager: clients,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

// SetClock replaces the time source. Used by tests.
func (s *Server) SetClock(now func() time.Time) {
	s.now = now
}

// Addr returns the address the server is listening on.
// Returns nil if the server hasn't started yet.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// ClientManager returns the client manager for this server.
func (s *Server) ClientManager() *ClientManager {
	return s.clientManager
}

// Handler returns the HTTP routes: /ws (upgrade) and /healthz.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws", s.handleWebsocket)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	return mux
}

// Run begins listening for client connections on cfg.BindAddress:cfg.Port.
func (s *Server) Run(ctx context.Context) error {
	addr := net.JoinHostPort(s.cfg.BindAddress, strconv.Itoa(s.cfg.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}

	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	return s.Serve(ctx, ln)
}

// Serve serves HTTP on ln until ctx is cancelled, then closes every
// connection with "going away". Used for testing with custom listeners.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("world server started", "address", ln.Addr())
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serving: %w", err)
	case <-ctx.Done():
	}

	// Hijacked websocket connections are not tracked by http.Server.
	s.clientManager.ForEachClient(func(c *Client) bool {
		c.CloseWith(websocket.CloseGoingAway, "server shutdown")
		return true
	})

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.WriteTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down http server: %w", err)
	}
	return nil
}

func (s *Server) checkOrigin(r *http.Request) bool {
	if len(s.cfg.AllowedOrigins) == 0 {
		return true
	}
	return slices.Contains(s.cfg.AllowedOrigins, r.Header.Get("Origin"))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"ok":      true,
		"clients": s.clientManager.Count(),
		"loaded":  s.store.Len(),
	})
}

func (s *Server) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	claims, err := s.auth.Authenticate(r)
	if err != nil {
		slog.Debug("rejecting unauthenticated upgrade", "remote", r.RemoteAddr, "error", err)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already replied to the client.
		slog.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	client := NewClient(conn, claims, ClientOptions{
		SendQueueSize:    s.cfg.SendQueueSize,
		WriteTimeout:     s.cfg.WriteTimeout,
		ReadTimeout:      s.cfg.ReadTimeout,
		IntentsPerSecond: s.cfg.Movement.IntentsPerSecond,
		IntentBurst:      s.cfg.Movement.IntentBurst,
	})
	go client.writePump()

	s.handleConnection(r.Context(), client)
}

func (s *Server) handleConnection(ctx context.Context, client *Client) {
	userID := client.UserID()
	slog.Info("new client connection", "client", client.ID(), "userID", userID)

	s.enforceSingleSession(client)

	if err := s.onConnected(ctx, client); err != nil {
		slog.Error("refusing connection", "client", client.ID(), "userID", userID, "error", err)
		s.clientManager.ClearIfCurrent(client)
		client.CloseWith(websocket.CloseInternalServerErr, "runtime unavailable")
		return
	}
	defer OnDisconnection(ctx, s, client)

	readTimeout := s.cfg.ReadTimeout
	if readTimeout <= 0 {
		readTimeout = defaultReadTimeout
	}
	conn := client.conn
	conn.SetReadLimit(protocol.MaxFrameSize)
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readTimeout))
	})

	for {
		if err := conn.SetReadDeadline(time.Now().Add(readTimeout)); err != nil {
			return
		}
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				slog.Debug("read failed", "client", client.ID(), "userID", userID, "error", err)
			}
			return
		}

		env, err := protocol.DecodeClient(data)
		if err != nil {
			slog.Debug("dropping malformed frame", "client", client.ID(), "userID", userID, "error", err)
			continue
		}
		s.handler.HandleEvent(ctx, client, env)
	}
}

// enforceSingleSession makes client canonical and retires the connection it
// replaces: flagged first so its disconnect is ignored, then notified and closed.
func (s *Server) enforceSingleSession(client *Client) {
	prev := s.clientManager.Activate(client)
	if prev == nil {
		return
	}

	prev.MarkReplaced()
	frame, err := protocol.EncodeServer(protocol.EventSessionReplaced, protocol.SessionReplaced{
		By:     client.ID(),
		UserID: strconv.FormatInt(client.UserID(), 10),
	})
	if err == nil {
		_ = prev.Send(frame)
	}
	prev.CloseWith(websocket.CloseNormalClosure, "session replaced")

	slog.Info("session replaced", "userID", client.UserID(), "old", prev.ID(), "new", client.ID())
}

// onConnected attaches the runtime: load, CONNECTED, checkpoint flush,
// socket:ready. Load errors are fatal for the connection.
func (s *Server) onConnected(ctx context.Context, client *Client) error {
	userID := client.UserID()
	patch := model.ConnectionPatch{State: model.ConnConnected}

	// A runtime evicted between Load and the transition is reloaded once.
	attached := false
	for range 2 {
		rt, err := s.store.Load(ctx, userID)
		if err != nil {
			return fmt.Errorf("loading runtime: %w", err)
		}
		if name := client.DisplayName(); name != "" {
			rt.Lock()
			rt.DisplayName = name
			rt.Unlock()
		}
		if s.store.SetConnectionState(userID, patch, s.now()) {
			attached = true
			break
		}
	}
	if !attached {
		return fmt.Errorf("user %d: runtime evicted during connect", userID)
	}

	if _, err := s.flusher.FlushImmediate(ctx, userID); err != nil {
		slog.Warn("connect checkpoint flush failed", "userID", userID, "error", err)
	}

	client.SetState(ClientStateReady)
	frame, err := protocol.EncodeServer(protocol.EventSocketReady, protocol.SocketReady{
		OK:     true,
		UserID: strconv.FormatInt(userID, 10),
	})
	if err != nil {
		return fmt.Errorf("encoding socket:ready: %w", err)
	}
	_ = client.Send(frame)

	slog.Info("client connected", "client", client.ID(), "userID", userID)
	return nil
}

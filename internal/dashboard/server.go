// Package dashboard serves live sync state to browsers and scripts.
//
// Clients connect to /ws and receive JSON messages as the sync engine runs
// and entities change. Point-in-time views are served as JSON on /status,
// /conflicts and /search.
package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/coder/websocket"
	"go.uber.org/zap"

	"github.com/tasklane/tasklane/internal/conflict"
	"github.com/tasklane/tasklane/internal/schema"
	"github.com/tasklane/tasklane/internal/search"
	"github.com/tasklane/tasklane/internal/syncer"
)

// MessageType defines the type of dashboard message
type MessageType string

const (
	// MessageTypeSyncEvent carries one syncer.Event.
	MessageTypeSyncEvent MessageType = "sync_event"

	// MessageTypeSyncStatus carries a syncer.Status snapshot.
	MessageTypeSyncStatus MessageType = "sync_status"

	// MessageTypeEntityUpdate indicates an entity was written, deleted or purged.
	MessageTypeEntityUpdate MessageType = "entity_update"
)

// Message represents a dashboard broadcast message
type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// Backend answers the HTTP endpoints.
type Backend interface {
	Status() syncer.Status
	Conflicts(ctx context.Context) ([]*schema.Conflict, error)
	Search(ctx context.Context, req search.Request) (*search.Response, error)
	ResolveConflict(ctx context.Context, id string, strategy conflict.Strategy) error
}

// Server manages WebSocket connections and broadcasts dashboard messages
type Server struct {
	addr     string
	listener net.Listener
	server   *http.Server
	backend  Backend

	clients   map[*websocket.Conn]bool
	clientsMu sync.RWMutex

	broadcast chan Message

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	logger *zap.Logger
}

// Config holds server configuration
type Config struct {
	// Port to listen on; 0 picks a free port.
	Port int

	Logger *zap.Logger
}

// DefaultConfig returns sensible defaults
func DefaultConfig() *Config {
	return &Config{Port: 8090}
}

// NewServer creates a new dashboard server. backend may be nil, in which case
// the JSON endpoints answer 503.
func NewServer(config *Config, backend Backend) *Server {
	if config == nil {
		config = DefaultConfig()
	}
	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Server{
		addr:      fmt.Sprintf("127.0.0.1:%d", config.Port),
		backend:   backend,
		clients:   make(map[*websocket.Conn]bool),
		broadcast: make(chan Message, 100),
		ctx:       ctx,
		cancel:    cancel,
		logger:    logger.With(zap.String("component", "dashboard")),
	}
}

// Start begins the HTTP server and WebSocket handler
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.listener = ln

	s.server = &http.Server{
		Handler:           s.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.wg.Add(1)
	go s.broadcastLoop()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Info("dashboard listening", zap.String("addr", ln.Addr().String()))
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("dashboard server error", zap.Error(err))
		}
	}()

	return nil
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("GET /conflicts", s.handleConflicts)
	mux.HandleFunc("POST /conflicts/{id}/resolve", s.handleResolve)
	mux.HandleFunc("GET /search", s.handleSearch)
	mux.HandleFunc("GET /{$}", s.handleRoot)
	return mux
}

// Stop gracefully shuts down the server
func (s *Server) Stop() error {
	s.cancel()

	s.clientsMu.Lock()
	for conn := range s.clients {
		_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
		delete(s.clients, conn)
	}
	s.clientsMu.Unlock()

	if s.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(ctx); err != nil {
			return fmt.Errorf("server shutdown error: %w", err)
		}
	}

	s.wg.Wait()
	s.logger.Info("dashboard stopped")
	return nil
}

// Run starts the server and stops it when ctx is done.
func (s *Server) Run(ctx context.Context) error {
	if err := s.Start(); err != nil {
		return err
	}
	<-ctx.Done()
	return s.Stop()
}

// Broadcast queues a message for every connected client. It never blocks;
// messages are dropped when the queue is full.
func (s *Server) Broadcast(msg Message) {
	select {
	case s.broadcast <- msg:
	case <-s.ctx.Done():
	default:
		s.logger.Warn("broadcast channel full, dropping message", zap.String("type", string(msg.Type)))
	}
}

func (s *Server) broadcastLoop() {
	defer s.wg.Done()

	for {
		select {
		case <-s.ctx.Done():
			return

		case msg := <-s.broadcast:
			if msg.Timestamp.IsZero() {
				msg.Timestamp = time.Now().UTC()
			}
			data, err := json.Marshal(msg)
			if err != nil {
				s.logger.Error("failed to marshal message", zap.Error(err))
				continue
			}

			s.clientsMu.RLock()
			clients := make([]*websocket.Conn, 0, len(s.clients))
			for conn := range s.clients {
				clients = append(clients, conn)
			}
			s.clientsMu.RUnlock()

			for _, conn := range clients {
				ctx, cancel := context.WithTimeout(s.ctx, 5*time.Second)
				err := conn.Write(ctx, websocket.MessageText, data)
				cancel()
				if err != nil {
					s.logger.Debug("failed to send to client", zap.Error(err))
					s.removeClient(conn)
				}
			}
		}
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"localhost:*", "127.0.0.1:*"},
	})
	if err != nil {
		s.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}

	// The greeting goes out before the client is registered so broadcasts
	// cannot overtake it.
	if s.backend != nil {
		if welcome, err := newMessage(MessageTypeSyncStatus, s.backend.Status()); err == nil {
			data, _ := json.Marshal(welcome)
			ctx, cancel := context.WithTimeout(s.ctx, 5*time.Second)
			_ = conn.Write(ctx, websocket.MessageText, data)
			cancel()
		}
	}

	s.clientsMu.Lock()
	s.clients[conn] = true
	clientCount := len(s.clients)
	s.clientsMu.Unlock()

	s.logger.Debug("client connected", zap.Int("clients", clientCount))

	go s.readLoop(conn)
}

// readLoop detects client disconnects; client messages are ignored.
func (s *Server) readLoop(conn *websocket.Conn) {
	defer s.removeClient(conn)

	for {
		if _, _, err := conn.Read(s.ctx); err != nil {
			return
		}
	}
}

func (s *Server) removeClient(conn *websocket.Conn) {
	s.clientsMu.Lock()
	if _, exists := s.clients[conn]; !exists {
		s.clientsMu.Unlock()
		return
	}
	delete(s.clients, conn)
	clientCount := len(s.clients)
	s.clientsMu.Unlock()

	_ = conn.Close(websocket.StatusNormalClosure, "")
	s.logger.Debug("client disconnected", zap.Int("clients", clientCount))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"clients": s.ClientCount(),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if !s.requireBackend(w) {
		return
	}
	writeJSON(w, http.StatusOK, s.backend.Status())
}

func (s *Server) handleConflicts(w http.ResponseWriter, r *http.Request) {
	if !s.requireBackend(w) {
		return
	}
	conflicts, err := s.backend.Conflicts(r.Context())
	if err != nil {
		s.logger.Error("failed to list conflicts", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list conflicts")
		return
	}
	if conflicts == nil {
		conflicts = []*schema.Conflict{}
	}
	writeJSON(w, http.StatusOK, conflicts)
}

// maxResolveBody bounds a resolution request.
const maxResolveBody = 1 << 20

// handleResolve applies the conflict.Strategy in the request body to the
// conflict named in the path.
func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	if !s.requireBackend(w) {
		return
	}
	id := r.PathValue("id")

	var strategy conflict.Strategy
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxResolveBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&strategy); err != nil {
		writeError(w, http.StatusBadRequest, "invalid strategy: "+err.Error())
		return
	}
	if err := strategy.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	err := s.backend.ResolveConflict(r.Context(), id, strategy)
	switch {
	case err == nil:
	case errors.Is(err, syncer.ErrConflictNotFound):
		writeError(w, http.StatusNotFound, err.Error())
		return
	case errors.Is(err, conflict.ErrInvalidStrategy):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	default:
		s.logger.Error("failed to resolve conflict", zap.String("conflict", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to resolve conflict")
		return
	}

	s.logger.Info("conflict resolved", zap.String("conflict", id), zap.String("strategy", string(strategy.Strategy)))
	writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": "resolved"})
}

// handleSearch accepts q, type (repeatable), sort, order, offset and limit.
func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	if !s.requireBackend(w) {
		return
	}
	query := r.URL.Query()
	req := search.Request{
		Query:     query.Get("q"),
		SortBy:    search.SortKey(query.Get("sort")),
		Order:     search.Order(query.Get("order")),
		Highlight: true,
		Snippet:   true,
	}
	for _, raw := range query["type"] {
		t, err := schema.ParseEntityType(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		req.EntityTypes = append(req.EntityTypes, t)
	}
	var err error
	if req.Offset, err = intParam(query.Get("offset")); err != nil {
		writeError(w, http.StatusBadRequest, "invalid offset")
		return
	}
	if req.Limit, err = intParam(query.Get("limit")); err != nil {
		writeError(w, http.StatusBadRequest, "invalid limit")
		return
	}

	resp, err := s.backend.Search(r.Context(), req)
	if err != nil {
		s.logger.Error("search failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "search failed")
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) requireBackend(w http.ResponseWriter) bool {
	if s.backend == nil {
		writeError(w, http.StatusServiceUnavailable, "no sync engine attached")
		return false
	}
	return true
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html")
	_, _ = fmt.Fprintf(w, `<!DOCTYPE html>
<html>
<head>
    <title>tasklane</title>
</head>
<body>
    <h1>tasklane sync dashboard</h1>
    <p>WebSocket endpoint: <code>ws://%s/ws</code></p>
    <p><a href="/status">/status</a> &middot; <a href="/conflicts">/conflicts</a> &middot; <a href="/health">/health</a></p>
</body>
</html>`, r.Host)
}

// Addr returns the server's listening address
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// ClientCount returns the current number of connected clients
func (s *Server) ClientCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}

func intParam(raw string) (int, error) {
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid integer %q", raw)
	}
	return n, nil
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

// Package remotetest provides an in-memory sync server for tests.
//
// Server implements remote.Client directly and http.Handler for exercising
// the HTTP client through httptest.
package remotetest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/tasklane/tasklane/internal/remote"
	"github.com/tasklane/tasklane/internal/schema"
)

// Server is an authoritative in-memory store with a change log.
type Server struct {
	mu      sync.Mutex
	version int64
	records map[string]remote.Change
	log     []remote.Change

	pushCalls [][]remote.Mutation
	pullCalls int

	offline   bool
	failPush  error
	failPull  error
	rejectIDs map[string]string

	// OnPush runs at the start of every push, outside the lock.
	OnPush func(mutations []remote.Mutation)
}

// New creates an empty server.
func New() *Server {
	return &Server{
		records:   make(map[string]remote.Change),
		rejectIDs: make(map[string]string),
	}
}

// SetOffline makes Ping, Push and Pull fail with remote.ErrTransient.
func (s *Server) SetOffline(offline bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.offline = offline
}

// FailPush makes every push fail with err until called with nil.
func (s *Server) FailPush(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failPush = err
}

// FailPull makes every pull fail with err until called with nil.
func (s *Server) FailPull(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failPull = err
}

// Reject makes pushes of (t, id) return an error result with msg.
func (s *Server) Reject(t schema.EntityType, id, msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rejectIDs[schema.Key(t, id)] = msg
}

// PushCalls returns a copy of every push batch received.
func (s *Server) PushCalls() [][]remote.Mutation {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]remote.Mutation, len(s.pushCalls))
	copy(out, s.pushCalls)
	return out
}

// PullCalls returns the number of pull requests received.
func (s *Server) PullCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pullCalls
}

// Put records a server-side write and returns the stored change.
func (s *Server) Put(e *schema.Entity) remote.Change {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw := json.RawMessage("null")
	if e.Payload != nil {
		raw, _ = schema.EncodePayload(e.Payload)
	}
	return s.apply(e.Type, e.ID, e.IsDeleted, raw)
}

// Delete records a server-side deletion.
func (s *Server) Delete(t schema.EntityType, id string) remote.Change {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.apply(t, id, true, nil)
}

// Get returns the server's copy of (t, id).
func (s *Server) Get(t schema.EntityType, id string) (*schema.Entity, bool) {
	s.mu.Lock()
	c, ok := s.records[schema.Key(t, id)]
	s.mu.Unlock()
	if !ok {
		return nil, false
	}
	e, err := c.Entity()
	if err != nil {
		return nil, false
	}
	return e, true
}

func (s *Server) apply(t schema.EntityType, id string, deleted bool, payload json.RawMessage) remote.Change {
	s.version++
	c := remote.Change{
		EntityType:    t,
		EntityID:      id,
		ServerVersion: s.version,
		LastModified:  time.Now().UTC(),
		Deleted:       deleted,
		Payload:       payload,
	}
	s.records[c.Key()] = c
	s.log = append(s.log, c)
	return c
}

// Push implements remote.Client.
func (s *Server) Push(ctx context.Context, mutations []remote.Mutation) ([]remote.PushResult, error) {
	if s.OnPush != nil {
		s.OnPush(mutations)
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", remote.ErrTransient, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.pushCalls = append(s.pushCalls, append([]remote.Mutation(nil), mutations...))
	if s.offline {
		return nil, fmt.Errorf("%w: server unreachable", remote.ErrTransient)
	}
	if s.failPush != nil {
		return nil, s.failPush
	}

	results := make([]remote.PushResult, 0, len(mutations))
	for _, m := range mutations {
		key := schema.Key(m.EntityType, m.EntityID)
		res := remote.PushResult{EntityType: m.EntityType, EntityID: m.EntityID}

		if msg, ok := s.rejectIDs[key]; ok {
			res.Status = remote.PushError
			res.Error = msg
			results = append(results, res)
			continue
		}

		cur, exists := s.records[key]
		if exists && cur.ServerVersion != m.BaseVersion {
			res.Status = remote.PushConflict
			res.ServerVersion = cur.ServerVersion
			remoteCopy := cur
			res.Remote = &remoteCopy
			results = append(results, res)
			continue
		}

		c := s.apply(m.EntityType, m.EntityID, m.Deleted, m.Payload)
		res.Status = remote.PushOK
		res.ServerVersion = c.ServerVersion
		results = append(results, res)
	}
	return results, nil
}

// Pull implements remote.Client. Cursors are offsets into the change log.
func (s *Server) Pull(ctx context.Context, cursor string, limit int) (*remote.PullResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", remote.ErrTransient, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.pullCalls++
	if s.offline {
		return nil, fmt.Errorf("%w: server unreachable", remote.ErrTransient)
	}
	if s.failPull != nil {
		return nil, s.failPull
	}

	start := 0
	if cursor != "" {
		n, err := strconv.Atoi(cursor)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("%w: bad cursor %q", remote.ErrRejected, cursor)
		}
		start = n
	}
	if start > len(s.log) {
		start = len(s.log)
	}
	if limit <= 0 {
		limit = 100
	}
	end := start + limit
	if end > len(s.log) {
		end = len(s.log)
	}

	return &remote.PullResult{
		Changes: append([]remote.Change(nil), s.log[start:end]...),
		Cursor:  strconv.Itoa(end),
		HasMore: end < len(s.log),
	}, nil
}

// Ping implements remote.Client.
func (s *Server) Ping(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.offline {
		return fmt.Errorf("%w: server unreachable", remote.ErrTransient)
	}
	return ctx.Err()
}

// ServeHTTP exposes the server over the sync HTTP API.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.URL.Path == "/health" && r.Method == http.MethodGet:
		if err := s.Ping(r.Context()); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		writeJSON(w, map[string]string{"status": "ok"})

	case r.URL.Path == "/sync/push" && r.Method == http.MethodPost:
		var req struct {
			Mutations []remote.Mutation `json:"mutations"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		results, err := s.Push(r.Context(), req.Mutations)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, map[string]any{"results": results})

	case r.URL.Path == "/sync/pull" && r.Method == http.MethodGet:
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		res, err := s.Pull(r.Context(), r.URL.Query().Get("cursor"), limit)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, res)

	default:
		http.NotFound(w, r)
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	if errors.Is(err, remote.ErrRejected) {
		status = http.StatusBadRequest
	}
	http.Error(w, err.Error(), status)
}

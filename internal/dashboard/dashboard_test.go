package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"go.uber.org/zap"

	"github.com/tasklane/tasklane/internal/conflict"
	"github.com/tasklane/tasklane/internal/pubsub"
	"github.com/tasklane/tasklane/internal/schema"
	"github.com/tasklane/tasklane/internal/search"
	"github.com/tasklane/tasklane/internal/store"
	"github.com/tasklane/tasklane/internal/syncer"
)

type fakeBackend struct {
	status      syncer.Status
	conflicts   []*schema.Conflict
	conflictErr error
	lastSearch  search.Request

	resolved   map[string]conflict.Strategy
	resolveErr error
}

func (f *fakeBackend) Status() syncer.Status { return f.status }

func (f *fakeBackend) Conflicts(context.Context) ([]*schema.Conflict, error) {
	return f.conflicts, f.conflictErr
}

func (f *fakeBackend) Search(_ context.Context, req search.Request) (*search.Response, error) {
	f.lastSearch = req
	return &search.Response{TotalCount: 1, Suggestions: []string{"report"}}, nil
}

func (f *fakeBackend) ResolveConflict(_ context.Context, id string, strategy conflict.Strategy) error {
	if f.resolveErr != nil {
		return f.resolveErr
	}
	if f.resolved == nil {
		f.resolved = make(map[string]conflict.Strategy)
	}
	f.resolved[id] = strategy
	return nil
}

func startServer(t *testing.T, backend Backend) *Server {
	t.Helper()
	server := NewServer(&Config{Port: 0, Logger: zap.NewNop()}, backend)
	if err := server.Start(); err != nil {
		t.Fatalf("Failed to start server: %v", err)
	}
	t.Cleanup(func() { _ = server.Stop() })
	return server
}

// dial connects a client, reads the greeting and waits for registration.
func dial(t *testing.T, server *Server, want int) (*websocket.Conn, Message) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, "ws://"+server.Addr()+"/ws", nil)
	if err != nil {
		t.Fatalf("Failed to connect WebSocket: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "") })

	var welcome Message
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("Failed to read welcome message: %v", err)
	}
	if err := json.Unmarshal(data, &welcome); err != nil {
		t.Fatalf("Failed to unmarshal message: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for server.ClientCount() < want {
		if time.Now().After(deadline) {
			t.Fatalf("Expected %d clients, got %d", want, server.ClientCount())
		}
		time.Sleep(5 * time.Millisecond)
	}
	return conn, welcome
}

func readMessage(t *testing.T, conn *websocket.Conn) Message {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("Failed to read message: %v", err)
	}
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("Failed to unmarshal message: %v", err)
	}
	return msg
}

func TestServerStartStop(t *testing.T) {
	server := NewServer(&Config{Port: 0}, nil)
	if err := server.Start(); err != nil {
		t.Fatalf("Failed to start server: %v", err)
	}
	if server.Addr() == "" {
		t.Fatal("Server address is empty")
	}
	if err := server.Stop(); err != nil {
		t.Fatalf("Failed to stop server: %v", err)
	}
}

func TestWelcomeIsStatus(t *testing.T) {
	backend := &fakeBackend{status: syncer.Status{IsOnline: true, QueueSize: 3}}
	server := startServer(t, backend)

	_, welcome := dial(t, server, 1)
	if welcome.Type != MessageTypeSyncStatus {
		t.Fatalf("Expected welcome type %s, got %s", MessageTypeSyncStatus, welcome.Type)
	}
	var st syncer.Status
	if err := json.Unmarshal(welcome.Data, &st); err != nil {
		t.Fatalf("Failed to unmarshal status: %v", err)
	}
	if !st.IsOnline || st.QueueSize != 3 {
		t.Errorf("Unexpected status %+v", st)
	}
}

func TestHandlerBroadcastsToAllClients(t *testing.T) {
	server := startServer(t, &fakeBackend{})
	handler := NewHandler(server, zap.NewNop())

	changes := pubsub.New[store.Change]()
	events := pubsub.New[syncer.Event]()
	detach := handler.Attach(events, nil, changes)
	defer detach()

	a, _ := dial(t, server, 1)
	b, _ := dial(t, server, 2)

	changes.Publish(store.Change{Op: store.OpStatus, Type: schema.TypeTask, ID: "T1"})
	changes.Publish(store.Change{
		Op:     store.OpPut,
		Origin: store.OriginLocal,
		Type:   schema.TypeTask,
		ID:     "T1",
		Entity: &schema.Entity{
			Type: schema.TypeTask, ID: "T1", Version: 2,
			SyncStatus: schema.StatusPending,
			Payload:    &schema.Task{Title: "Write report"},
		},
		At: time.Now(),
	})

	for _, conn := range []*websocket.Conn{a, b} {
		msg := readMessage(t, conn)
		if msg.Type != MessageTypeEntityUpdate {
			t.Fatalf("Expected %s, got %s", MessageTypeEntityUpdate, msg.Type)
		}
		var data EntityUpdateData
		if err := json.Unmarshal(msg.Data, &data); err != nil {
			t.Fatalf("Failed to unmarshal entity data: %v", err)
		}
		if data.EntityID != "T1" || data.Action != store.OpPut || data.Title != "Write report" || data.Version != 2 {
			t.Errorf("Unexpected entity update %+v", data)
		}
	}

	events.Publish(syncer.Event{Kind: syncer.EventError, Cycle: 4, Err: errors.New("boom")})
	msg := readMessage(t, a)
	if msg.Type != MessageTypeSyncEvent {
		t.Fatalf("Expected %s, got %s", MessageTypeSyncEvent, msg.Type)
	}
	var ev SyncEventData
	if err := json.Unmarshal(msg.Data, &ev); err != nil {
		t.Fatalf("Failed to unmarshal event: %v", err)
	}
	if ev.Kind != syncer.EventError || ev.Cycle != 4 || ev.Error != "boom" {
		t.Errorf("Unexpected event %+v", ev)
	}
}

func TestClientDisconnect(t *testing.T) {
	server := startServer(t, &fakeBackend{})
	conn, _ := dial(t, server, 1)

	_ = conn.Close(websocket.StatusNormalClosure, "")

	deadline := time.Now().Add(2 * time.Second)
	for server.ClientCount() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("Expected 0 clients, got %d", server.ClientCount())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func getJSON(t *testing.T, url string, v any) int {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	if v != nil {
		if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
			t.Fatalf("decode %s: %v", url, err)
		}
	}
	return resp.StatusCode
}

func TestEndpoints(t *testing.T) {
	backend := &fakeBackend{
		status: syncer.Status{ConflictCount: 1},
		conflicts: []*schema.Conflict{{
			ID: "c1", EntityType: schema.TypeTask, EntityID: "T1", Fields: []string{"title"},
		}},
	}
	server := startServer(t, backend)
	base := "http://" + server.Addr()

	var health map[string]any
	if code := getJSON(t, base+"/health", &health); code != http.StatusOK || health["status"] != "ok" {
		t.Errorf("health: %d %v", code, health)
	}

	var st syncer.Status
	if code := getJSON(t, base+"/status", &st); code != http.StatusOK || st.ConflictCount != 1 {
		t.Errorf("status: %d %+v", code, st)
	}

	var conflicts []schema.Conflict
	if code := getJSON(t, base+"/conflicts", &conflicts); code != http.StatusOK || len(conflicts) != 1 || conflicts[0].ID != "c1" {
		t.Errorf("conflicts: %d %+v", code, conflicts)
	}

	var resp search.Response
	if code := getJSON(t, base+"/search?q=repor&type=task&limit=5&sort=date", &resp); code != http.StatusOK || resp.TotalCount != 1 {
		t.Errorf("search: %d %+v", code, resp)
	}
	got := backend.lastSearch
	if got.Query != "repor" || got.Limit != 5 || got.SortBy != search.SortKey("date") ||
		len(got.EntityTypes) != 1 || got.EntityTypes[0] != schema.TypeTask {
		t.Errorf("unexpected search request %+v", got)
	}
}

func TestEndpointErrors(t *testing.T) {
	tests := []struct {
		name    string
		backend Backend
		path    string
		want    int
	}{
		{"unknown type", &fakeBackend{}, "/search?type=gadget", http.StatusBadRequest},
		{"negative limit", &fakeBackend{}, "/search?limit=-1", http.StatusBadRequest},
		{"conflict store failure", &fakeBackend{conflictErr: errors.New("disk")}, "/conflicts", http.StatusInternalServerError},
		{"no backend", nil, "/status", http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := startServer(t, tt.backend)
			if code := getJSON(t, "http://"+server.Addr()+tt.path, nil); code != tt.want {
				t.Errorf("Expected %d, got %d", tt.want, code)
			}
		})
	}
}

func postJSON(t *testing.T, url, body string) int {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	defer resp.Body.Close()
	return resp.StatusCode
}

func TestResolveEndpoint(t *testing.T) {
	backend := &fakeBackend{}
	server := startServer(t, backend)
	url := "http://" + server.Addr() + "/conflicts/c1/resolve"

	if code := postJSON(t, url, `{"strategy":"merge","fieldResolutions":{"title":"local"}}`); code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", code)
	}
	got, ok := backend.resolved["c1"]
	if !ok {
		t.Fatal("Expected conflict c1 to be resolved")
	}
	if got.Strategy != conflict.Merge || got.FieldResolutions["title"] != conflict.Local {
		t.Errorf("Unexpected strategy %+v", got)
	}

	if code := getJSON(t, url, nil); code != http.StatusMethodNotAllowed {
		t.Errorf("GET: expected 405, got %d", code)
	}
}

func TestResolveEndpointErrors(t *testing.T) {
	tests := []struct {
		name    string
		backend Backend
		body    string
		want    int
	}{
		{"malformed body", &fakeBackend{}, `{"strategy":`, http.StatusBadRequest},
		{"unknown field", &fakeBackend{}, `{"strategy":"merge","extra":1}`, http.StatusBadRequest},
		{"invalid side", &fakeBackend{}, `{"strategy":"user_choice","userChoice":"both"}`, http.StatusBadRequest},
		{"unknown conflict", &fakeBackend{resolveErr: fmt.Errorf("%w: c1", syncer.ErrConflictNotFound)}, `{"strategy":"user_choice","userChoice":"remote"}`, http.StatusNotFound},
		{"engine failure", &fakeBackend{resolveErr: errors.New("disk")}, `{"strategy":"user_choice","userChoice":"remote"}`, http.StatusInternalServerError},
		{"no backend", nil, `{"strategy":"user_choice","userChoice":"remote"}`, http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := startServer(t, tt.backend)
			if code := postJSON(t, "http://"+server.Addr()+"/conflicts/c1/resolve", tt.body); code != tt.want {
				t.Errorf("Expected %d, got %d", tt.want, code)
			}
		})
	}
}

package daemon

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/tasklane/tasklane/internal/kv"
	"github.com/tasklane/tasklane/internal/netstate"
	"github.com/tasklane/tasklane/internal/remote/remotetest"
	"github.com/tasklane/tasklane/internal/schema"
	"github.com/tasklane/tasklane/internal/search"
	"github.com/tasklane/tasklane/internal/store"
	"github.com/tasklane/tasklane/internal/syncer"
)

// waitFor polls cond until it holds or five seconds pass.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("Timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestNew_RequiresEngine(t *testing.T) {
	if _, err := New(Services{}, nil); err == nil {
		t.Error("Expected an error without a sync engine")
	}
}

// TestDaemon_InboxToServer drops a file into the inbox and expects the
// records to reach the server and the search index without manual steps.
func TestDaemon_InboxToServer(t *testing.T) {
	backend := kv.NewMemory()
	st := store.New(backend, nil)
	server := remotetest.New()
	monitor := netstate.NewMonitor(server, netstate.Config{ProbeInterval: 20 * time.Millisecond}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	engine, err := syncer.New(ctx, st, backend, server, monitor, syncer.Config{
		Interval:    time.Hour,
		Debounce:    10 * time.Millisecond,
		BackoffBase: 10 * time.Millisecond,
		BackoffMax:  50 * time.Millisecond,
	}, nil)
	if err != nil {
		t.Fatalf("Failed to create engine: %v", err)
	}
	defer engine.Close()

	idx := search.New(st, search.Config{Debounce: 10 * time.Millisecond}, nil)

	inboxDir := filepath.Join(t.TempDir(), "inbox")
	inbox := NewInbox(inboxDir, st, InboxConfig{Debounce: 20 * time.Millisecond}, nil)

	d, err := New(Services{
		Engine:  engine,
		Monitor: monitor,
		Search:  idx,
		Changes: st.Changes(),
		Inbox:   inbox,
	}, nil)
	if err != nil {
		t.Fatalf("Failed to create daemon: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	waitFor(t, "inbox directories", func() bool {
		_, err := os.Stat(filepath.Join(inboxDir, processedDir))
		return err == nil
	})

	drop(t, inboxDir, "handoff.jsonl", `{"type":"task","id":"T9","payload":{"title":"Quarterly handoff"}}`+"\n")

	waitFor(t, "record pushed to server", func() bool {
		e, ok := server.Get(schema.TypeTask, "T9")
		return ok && e.Payload.(*schema.Task).Title == "Quarterly handoff"
	})
	waitFor(t, "local record confirmed", func() bool {
		local, err := st.Get(context.Background(), schema.TypeTask, "T9")
		return err == nil && local.SyncStatus == schema.StatusSynced
	})
	waitFor(t, "record searchable", func() bool {
		resp, err := idx.Search(context.Background(), search.Request{Query: "handoff"})
		return err == nil && resp.TotalCount == 1
	})

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run returned %v after cancel", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("daemon did not stop")
	}
}

func TestDaemon_InboxFailureStopsServices(t *testing.T) {
	backend := kv.NewMemory()
	st := store.New(backend, nil)
	server := remotetest.New()
	monitor := netstate.NewMonitor(nil, netstate.Config{}, nil)

	engine, err := syncer.New(context.Background(), st, backend, server, monitor, syncer.Config{}, nil)
	if err != nil {
		t.Fatalf("Failed to create engine: %v", err)
	}
	defer engine.Close()

	// A regular file where the inbox directory should be.
	blocker := filepath.Join(t.TempDir(), "inbox")
	if err := os.WriteFile(blocker, nil, 0600); err != nil {
		t.Fatalf("Failed to write %s: %v", blocker, err)
	}

	d, err := New(Services{
		Engine:  engine,
		Monitor: monitor,
		Changes: st.Changes(),
		Inbox:   NewInbox(blocker, st, InboxConfig{}, nil),
	}, nil)
	if err != nil {
		t.Fatalf("Failed to create daemon: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- d.Run(context.Background()) }()

	select {
	case err := <-done:
		if err == nil {
			t.Fatal("Expected Run to fail")
		}
		if !strings.Contains(err.Error(), "inbox") {
			t.Errorf("Expected an inbox error, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("daemon did not stop after inbox failure")
	}
}

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/tasklane/tasklane/internal/conflict"
	"github.com/tasklane/tasklane/internal/kv"
	"github.com/tasklane/tasklane/internal/schema"
)

const daemonTimeout = 3 * time.Second

// daemonURL returns the dashboard address of a running daemon when the
// store is locked by one and the dashboard is enabled.
func daemonURL(lockErr error) (string, bool) {
	if !errors.Is(lockErr, kv.ErrLocked) {
		return "", false
	}
	_, cfg, err := loadConfig()
	if err != nil || !cfg.Dashboard.Enabled {
		return "", false
	}
	return fmt.Sprintf("http://127.0.0.1:%d", cfg.Dashboard.Port), true
}

// daemonCall sends body (when non-nil) as JSON and decodes the reply into
// out (when non-nil). Non-2xx replies surface the dashboard's error text.
func daemonCall(ctx context.Context, method, url string, body, out any) error {
	ctx, cancel := context.WithTimeout(ctx, daemonTimeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach daemon dashboard: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var reply struct {
			Error string `json:"error"`
		}
		if json.NewDecoder(resp.Body).Decode(&reply) == nil && reply.Error != "" {
			return fmt.Errorf("daemon dashboard returned %s: %s", resp.Status, reply.Error)
		}
		return fmt.Errorf("daemon dashboard returned %s", resp.Status)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode daemon reply: %w", err)
	}
	return nil
}

// conflictSource is where the conflicts commands read and resolve
// conflicts: the local store, or the daemon that holds its lock.
type conflictSource interface {
	Conflicts(ctx context.Context) ([]*schema.Conflict, error)
	ResolveConflict(ctx context.Context, id string, strategy conflict.Strategy) error
	Close()
}

func openConflictSource(ctx context.Context) (conflictSource, error) {
	s, err := openSession(ctx)
	if err == nil {
		return s, nil
	}
	base, ok := daemonURL(err)
	if !ok {
		return nil, err
	}
	return &daemonConflicts{baseURL: base}, nil
}

// daemonConflicts goes through the dashboard of a running daemon.
type daemonConflicts struct {
	baseURL string
}

func (d *daemonConflicts) Conflicts(ctx context.Context) ([]*schema.Conflict, error) {
	var conflicts []*schema.Conflict
	if err := daemonCall(ctx, http.MethodGet, d.baseURL+"/conflicts", nil, &conflicts); err != nil {
		return nil, err
	}
	return conflicts, nil
}

func (d *daemonConflicts) ResolveConflict(ctx context.Context, id string, strategy conflict.Strategy) error {
	return daemonCall(ctx, http.MethodPost, d.baseURL+"/conflicts/"+id+"/resolve", strategy, nil)
}

func (d *daemonConflicts) Close() {}

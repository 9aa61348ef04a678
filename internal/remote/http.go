package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

// HTTPConfig holds configuration for the HTTP client.
type HTTPConfig struct {
	// BaseURL is the server root, e.g. https://api.example.com
	BaseURL string

	// Timeout bounds each request (default: 30s)
	Timeout time.Duration

	// Logger for request activity (default: no-op)
	Logger *zap.Logger
}

// HTTPClient talks to the sync API over HTTP/JSON.
type HTTPClient struct {
	base   *url.URL
	http   *http.Client
	logger *zap.Logger
}

// NewHTTPClient creates a client for the server at cfg.BaseURL.
func NewHTTPClient(cfg HTTPConfig) (*HTTPClient, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, fmt.Errorf("server url cannot be empty")
	}
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid server url %q: %w", cfg.BaseURL, err)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &HTTPClient{
		base:   base,
		http:   &http.Client{Timeout: cfg.Timeout},
		logger: cfg.Logger.With(zap.String("component", "remote")),
	}, nil
}

// Push sends a batch of mutations and returns one result per mutation.
func (c *HTTPClient) Push(ctx context.Context, mutations []Mutation) ([]PushResult, error) {
	body, err := json.Marshal(pushRequest{Mutations: mutations})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal push request: %w", err)
	}

	var resp pushResponse
	if err := c.do(ctx, http.MethodPost, "/sync/push", nil, body, &resp); err != nil {
		return nil, err
	}
	if len(resp.Results) != len(mutations) {
		return nil, fmt.Errorf("%w: push returned %d results for %d mutations",
			ErrTransient, len(resp.Results), len(mutations))
	}

	c.logger.Debug("pushed mutations", zap.Int("count", len(mutations)))
	return resp.Results, nil
}

// Pull fetches up to limit changes recorded after cursor.
func (c *HTTPClient) Pull(ctx context.Context, cursor string, limit int) (*PullResult, error) {
	q := url.Values{}
	q.Set("cursor", cursor)
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}

	var resp PullResult
	if err := c.do(ctx, http.MethodGet, "/sync/pull", q, nil, &resp); err != nil {
		return nil, err
	}

	c.logger.Debug("pulled changes",
		zap.Int("count", len(resp.Changes)),
		zap.String("cursor", resp.Cursor),
		zap.Bool("has_more", resp.HasMore))
	return &resp, nil
}

// Ping checks that the server is reachable.
func (c *HTTPClient) Ping(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/health", nil, nil, nil)
}

func (c *HTTPClient) do(ctx context.Context, method, path string, query url.Values, body []byte, out any) error {
	u := *c.base
	u.Path = strings.TrimRight(u.Path, "/") + path
	if query != nil {
		u.RawQuery = query.Encode()
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), reader)
	if err != nil {
		return fmt.Errorf("failed to build %s %s: %w", method, path, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s %s: %v", ErrTransient, method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return fmt.Errorf("%w: failed to read %s response: %v", ErrTransient, path, err)
	}

	switch {
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("%w: %s %s returned %d: %s", ErrTransient, method, path, resp.StatusCode, snippet(data))
	case resp.StatusCode >= 400:
		return fmt.Errorf("%w: %s %s returned %d: %s", ErrRejected, method, path, resp.StatusCode, snippet(data))
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%w: invalid %s response: %v", ErrTransient, path, err)
	}
	return nil
}

func snippet(data []byte) string {
	s := strings.TrimSpace(string(data))
	if len(s) > 200 {
		return s[:200] + "..."
	}
	return s
}

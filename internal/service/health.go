package service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mcplens/mcplens/internal/domain/capture"
	"github.com/mcplens/mcplens/internal/domain/registry"
)

const (
	// DefaultHealthInterval is the probe cadence.
	DefaultHealthInterval = 5 * time.Second
	// defaultProbeTimeout bounds a single probe.
	defaultProbeTimeout = 5 * time.Second
	// probeConcurrency bounds concurrent probes per tick.
	probeConcurrency = 4
)

// HealthUpdate is one entry of a tick's update batch.
type HealthUpdate struct {
	Name            string    `json:"name"`
	Health          string    `json:"health"`
	LastHealthCheck time.Time `json:"lastHealthCheck"`
}

// HealthObserver receives each tick's update batch. UI consumers
// register one; it must return promptly.
type HealthObserver func([]HealthUpdate)

// HealthChecker periodically probes each registered upstream with an
// MCP initialize request. A 2xx response marks the server up; any other
// outcome marks it down.
type HealthChecker struct {
	reg      *registry.Registry
	store    capture.Store
	client   *http.Client
	interval time.Duration
	timeout  time.Duration
	logger   *slog.Logger

	mu       sync.Mutex
	observer HealthObserver

	wg sync.WaitGroup
}

// HealthOption is a functional option for configuring a HealthChecker.
type HealthOption func(*HealthChecker)

// WithHealthInterval sets the probe cadence.
func WithHealthInterval(d time.Duration) HealthOption {
	return func(h *HealthChecker) {
		if d > 0 {
			h.interval = d
		}
	}
}

// WithHealthTimeout sets the per-probe timeout.
func WithHealthTimeout(d time.Duration) HealthOption {
	return func(h *HealthChecker) {
		if d > 0 {
			h.timeout = d
		}
	}
}

// WithHealthLogger sets the logger.
func WithHealthLogger(logger *slog.Logger) HealthOption {
	return func(h *HealthChecker) { h.logger = logger }
}

// WithHealthHTTPClient sets a custom HTTP client, for tests.
func WithHealthHTTPClient(client *http.Client) HealthOption {
	return func(h *HealthChecker) { h.client = client }
}

// NewHealthChecker creates a health checker over the registry. The
// store receives durable health upserts; it may be nil in tests.
func NewHealthChecker(reg *registry.Registry, store capture.Store, opts ...HealthOption) *HealthChecker {
	h := &HealthChecker{
		reg:      reg,
		store:    store,
		interval: DefaultHealthInterval,
		timeout:  defaultProbeTimeout,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.client == nil {
		h.client = &http.Client{Timeout: h.timeout}
	}
	return h
}

// SetObserver registers the update-batch callback.
func (h *HealthChecker) SetObserver(fn HealthObserver) {
	h.mu.Lock()
	h.observer = fn
	h.mu.Unlock()
}

// Start runs the probe loop until ctx is cancelled.
func (h *HealthChecker) Start(ctx context.Context) {
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		ticker := time.NewTicker(h.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				h.checkAll(ctx)
			}
		}
	}()
}

// Wait blocks until the probe loop has stopped.
func (h *HealthChecker) Wait() {
	h.wg.Wait()
}

// checkAll probes every registered upstream with bounded concurrency
// and emits one update batch.
func (h *HealthChecker) checkAll(ctx context.Context) {
	servers := h.reg.List()
	if len(servers) == 0 {
		return
	}

	updates := make([]HealthUpdate, len(servers))
	sem := make(chan struct{}, probeConcurrency)
	var wg sync.WaitGroup
	for i := range servers {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int) {
			defer wg.Done()
			defer func() { <-sem }()
			updates[i] = h.check(ctx, &servers[i])
		}(i)
	}
	wg.Wait()

	h.mu.Lock()
	observer := h.observer
	h.mu.Unlock()
	if observer != nil {
		observer(updates)
	}
}

// CheckOne probes a single upstream by name, for manual triggers.
// Returns registry.ErrServerNotFound for unknown names.
func (h *HealthChecker) CheckOne(ctx context.Context, name string) (HealthUpdate, error) {
	srv, err := h.reg.Get(name)
	if err != nil {
		return HealthUpdate{}, err
	}
	return h.check(ctx, srv), nil
}

// check probes one upstream and records the outcome in the registry and
// the store.
func (h *HealthChecker) check(ctx context.Context, srv *registry.McpServer) HealthUpdate {
	now := time.Now().UTC()
	health := capture.HealthDown
	if err := h.probe(ctx, srv); err != nil {
		h.logger.Debug("health probe failed", "server", srv.Name, "error", err)
	} else {
		health = capture.HealthUp
	}

	if err := h.reg.SetHealth(srv.Name, health, now); err != nil {
		h.logger.Warn("failed to record health in registry", "server", srv.Name, "error", err)
	}
	if h.store != nil {
		if err := h.store.UpsertServerHealth(ctx, srv.Name, health, now, srv.URL); err != nil {
			h.logger.Warn("failed to persist health", "server", srv.Name, "error", err)
		}
	}

	return HealthUpdate{Name: srv.Name, Health: health, LastHealthCheck: now}
}

// probe issues the synthetic initialize request. Registered static
// headers are forwarded, authorization never is.
func (h *HealthChecker) probe(ctx context.Context, srv *registry.McpServer) error {
	body, err := json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"id":      "health-" + uuid.NewString(),
		"method":  "initialize",
		"params": map[string]any{
			"protocolVersion": "2025-06-18",
			"capabilities":    map[string]any{},
			"clientInfo": map[string]any{
				"name":    "mcplens-health",
				"version": "1.0.0",
			},
		},
	})
	if err != nil {
		return fmt.Errorf("marshal probe: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, srv.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create probe request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	for k, v := range srv.Headers {
		req.Header.Set(k, v)
	}
	req.Header.Del("Authorization")

	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("probe request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("probe status %d", resp.StatusCode)
	}
	return nil
}

// Package registry holds the authoritative list of upstream MCP servers
// the gateway proxies to.
package registry

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"
)

// Sentinel errors for registry operations.
var (
	// ErrServerNotFound is returned when no upstream matches the name.
	ErrServerNotFound = errors.New("server not found")
	// ErrDuplicateServerName is returned when a name is already registered.
	ErrDuplicateServerName = errors.New("duplicate server name")
)

// McpServer is one registered upstream.
type McpServer struct {
	// Name uniquely identifies the upstream. Lookups are
	// case-insensitive; the stored value keeps its original casing.
	Name string `json:"name"`
	// URL is the absolute upstream endpoint; a trailing slash is
	// stripped on registration.
	URL string `json:"url"`
	// Headers are static headers forwarded on every exchange.
	Headers map[string]string `json:"headers,omitempty"`
	// LastActivity is the time of the last successful exchange.
	LastActivity *time.Time `json:"lastActivity,omitempty"`
	// ExchangeCount counts successful exchanges, monotone.
	ExchangeCount int64 `json:"exchangeCount"`
	// Health is "up", "down", or "unknown".
	Health string `json:"health"`
	// LastHealthCheck is the time of the last probe, nil before the first.
	LastHealthCheck *time.Time `json:"lastHealthCheck,omitempty"`
}

// clone returns a deep copy so callers never share the stored map.
func (s *McpServer) clone() *McpServer {
	out := *s
	if s.Headers != nil {
		out.Headers = make(map[string]string, len(s.Headers))
		for k, v := range s.Headers {
			out.Headers[k] = v
		}
	}
	return &out
}

// SaveFunc persists the full server list after a mutation.
type SaveFunc func([]McpServer) error

// Registry is the in-memory, name-keyed collection of upstreams.
// Reads take a shared lock and return copies; mutations serialize on the
// write lock and invoke the save hook before returning.
type Registry struct {
	mu      sync.RWMutex
	servers map[string]*McpServer // keyed by folded name
	save    SaveFunc
	logger  *slog.Logger
}

// Option is a functional option for configuring a Registry.
type Option func(*Registry)

// WithSaveFunc sets the persistence hook invoked on every mutation.
func WithSaveFunc(save SaveFunc) Option {
	return func(r *Registry) { r.save = save }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) { r.logger = logger }
}

// New creates an empty registry.
func New(opts ...Option) *Registry {
	r := &Registry{
		servers: make(map[string]*McpServer),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func fold(name string) string { return strings.ToLower(name) }

// normalize validates and canonicalizes a server definition.
func normalize(s *McpServer) error {
	s.Name = strings.TrimSpace(s.Name)
	if s.Name == "" {
		return errors.New("server name is required")
	}
	s.URL = strings.TrimSuffix(strings.TrimSpace(s.URL), "/")
	u, err := url.Parse(s.URL)
	if err != nil || !u.IsAbs() || u.Host == "" {
		return fmt.Errorf("server url must be absolute: %q", s.URL)
	}
	if s.Health == "" {
		s.Health = "unknown"
	}
	return nil
}

// Load replaces the registry contents without invoking the save hook.
// Used at startup to restore the persisted list.
func (r *Registry) Load(servers []McpServer) error {
	loaded := make(map[string]*McpServer, len(servers))
	for i := range servers {
		s := servers[i]
		if err := normalize(&s); err != nil {
			return fmt.Errorf("load server %q: %w", s.Name, err)
		}
		if _, ok := loaded[fold(s.Name)]; ok {
			return fmt.Errorf("load server %q: %w", s.Name, ErrDuplicateServerName)
		}
		loaded[fold(s.Name)] = &s
	}
	r.mu.Lock()
	r.servers = loaded
	r.mu.Unlock()
	return nil
}

// Get returns the upstream registered under name, case-insensitively.
func (r *Registry) Get(name string) (*McpServer, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.servers[fold(name)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrServerNotFound, name)
	}
	return s.clone(), nil
}

// List returns all upstreams sorted by name.
func (r *Registry) List() []McpServer {
	r.mu.RLock()
	out := make([]McpServer, 0, len(r.servers))
	for _, s := range r.servers {
		out = append(out, *s.clone())
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return fold(out[i].Name) < fold(out[j].Name) })
	return out
}

// Add registers a new upstream and persists the list.
func (r *Registry) Add(s McpServer) error {
	if err := normalize(&s); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.servers[fold(s.Name)]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateServerName, s.Name)
	}
	r.servers[fold(s.Name)] = &s
	return r.persistLocked()
}

// Update replaces an existing upstream and persists the list.
func (r *Registry) Update(s McpServer) error {
	if err := normalize(&s); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.servers[fold(s.Name)]; !ok {
		return fmt.Errorf("%w: %s", ErrServerNotFound, s.Name)
	}
	r.servers[fold(s.Name)] = &s
	return r.persistLocked()
}

// Remove deletes an upstream and persists the list. Captured records for
// the removed upstream are retained by the store.
func (r *Registry) Remove(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.servers[fold(name)]; !ok {
		return fmt.Errorf("%w: %s", ErrServerNotFound, name)
	}
	delete(r.servers, fold(name))
	return r.persistLocked()
}

// Touch records a successful exchange: bumps the exchange counter and
// the activity timestamp, then persists.
func (r *Registry) Touch(name string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.servers[fold(name)]
	if !ok {
		return fmt.Errorf("%w: %s", ErrServerNotFound, name)
	}
	s.ExchangeCount++
	t := at.UTC()
	s.LastActivity = &t
	return r.persistLocked()
}

// SetHealth records the latest probe outcome for an upstream.
func (r *Registry) SetHealth(name, health string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.servers[fold(name)]
	if !ok {
		return fmt.Errorf("%w: %s", ErrServerNotFound, name)
	}
	s.Health = health
	t := at.UTC()
	s.LastHealthCheck = &t
	return r.persistLocked()
}

// persistLocked invokes the save hook with a snapshot. Callers hold the
// write lock, so readers observe either the prior or the new state.
func (r *Registry) persistLocked() error {
	if r.save == nil {
		return nil
	}
	snapshot := make([]McpServer, 0, len(r.servers))
	for _, s := range r.servers {
		snapshot = append(snapshot, *s.clone())
	}
	sort.Slice(snapshot, func(i, j int) bool { return fold(snapshot[i].Name) < fold(snapshot[j].Name) })
	if err := r.save(snapshot); err != nil {
		r.logger.Error("registry save failed", "error", err)
		return fmt.Errorf("persist registry: %w", err)
	}
	return nil
}

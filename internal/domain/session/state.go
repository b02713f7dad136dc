// Package session tracks per-session MCP identity and in-flight request
// start times. All state is volatile; durable identity lives on the
// capture rows instead.
package session

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/mcplens/mcplens/internal/domain/capture"
)

// StateStore maps session ids to the client and server identities seen
// on the initialize handshake. Thread-safe.
type StateStore struct {
	mu         sync.RWMutex
	clientInfo map[string]capture.ClientInfo
	serverInfo map[string]capture.ServerInfo
}

// NewStateStore creates an empty state store.
func NewStateStore() *StateStore {
	return &StateStore{
		clientInfo: make(map[string]capture.ClientInfo),
		serverInfo: make(map[string]capture.ServerInfo),
	}
}

// SetClientInfo stores the client identity for a session.
func (s *StateStore) SetClientInfo(sessionID string, info capture.ClientInfo) {
	s.mu.Lock()
	s.clientInfo[sessionID] = info
	s.mu.Unlock()
}

// ClientInfo returns the client identity recorded for a session.
func (s *StateStore) ClientInfo(sessionID string) (capture.ClientInfo, bool) {
	s.mu.RLock()
	info, ok := s.clientInfo[sessionID]
	s.mu.RUnlock()
	return info, ok
}

// SetServerInfo stores the server identity for a session.
func (s *StateStore) SetServerInfo(sessionID string, info capture.ServerInfo) {
	s.mu.Lock()
	s.serverInfo[sessionID] = info
	s.mu.Unlock()
}

// ServerInfo returns the server identity recorded for a session.
func (s *StateStore) ServerInfo(sessionID string) (capture.ServerInfo, bool) {
	s.mu.RLock()
	info, ok := s.serverInfo[sessionID]
	s.mu.RUnlock()
	return info, ok
}

// CopySession copies identity entries from one session key to another.
// The source entries are kept: the stateless fallback stays in place so
// the next stateless initialize can overwrite it.
func (s *StateStore) CopySession(from, to string) {
	if from == to {
		return
	}
	s.mu.Lock()
	if info, ok := s.clientInfo[from]; ok {
		s.clientInfo[to] = info
	}
	if info, ok := s.serverInfo[from]; ok {
		s.serverInfo[to] = info
	}
	s.mu.Unlock()
}

// ClearAll atomically empties both maps. Concurrent readers observe
// either the prior or the empty state.
func (s *StateStore) ClearAll() {
	s.mu.Lock()
	s.clientInfo = make(map[string]capture.ClientInfo)
	s.serverInfo = make(map[string]capture.ServerInfo)
	s.mu.Unlock()
}

// DefaultTrackerTTL bounds how long an unanswered request start time is
// retained before eviction.
const DefaultTrackerTTL = 5 * time.Minute

// trackerCleanupInterval is how often expired entries are evicted.
const trackerCleanupInterval = 1 * time.Minute

type trackerEntry struct {
	start   time.Time
	expires time.Time
}

// RequestTracker remembers when each in-flight request was first seen so
// the matching response can be stamped with a duration. Entries expire
// after a TTL to cap memory on requests that never get a response.
type RequestTracker struct {
	mu      sync.Mutex
	entries map[string]trackerEntry
	ttl     time.Duration
	logger  *slog.Logger
	wg      sync.WaitGroup
}

// NewRequestTracker creates a tracker with the given TTL; ttl <= 0 uses
// DefaultTrackerTTL.
func NewRequestTracker(ttl time.Duration, logger *slog.Logger) *RequestTracker {
	if ttl <= 0 {
		ttl = DefaultTrackerTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RequestTracker{
		entries: make(map[string]trackerEntry),
		ttl:     ttl,
		logger:  logger,
	}
}

// trackerKey joins the triple with a separator that cannot occur in a
// server name or an HTTP header value.
func trackerKey(serverName, sessionID, requestID string) string {
	return strings.Join([]string{serverName, sessionID, requestID}, "\x1f")
}

// Track records the start time for a request.
func (t *RequestTracker) Track(serverName, sessionID, requestID string, start time.Time) {
	t.mu.Lock()
	t.entries[trackerKey(serverName, sessionID, requestID)] = trackerEntry{
		start:   start,
		expires: start.Add(t.ttl),
	}
	t.mu.Unlock()
}

// Claim removes and returns the start time for a request. The second
// return is false when the entry was never tracked or already expired.
func (t *RequestTracker) Claim(serverName, sessionID, requestID string) (time.Time, bool) {
	key := trackerKey(serverName, sessionID, requestID)
	t.mu.Lock()
	entry, ok := t.entries[key]
	if ok {
		delete(t.entries, key)
	}
	t.mu.Unlock()
	return entry.start, ok
}

// StartCleanup runs the eviction loop until ctx is cancelled.
func (t *RequestTracker) StartCleanup(ctx context.Context) {
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		ticker := time.NewTicker(trackerCleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				t.evict(now)
			}
		}
	}()
}

// Wait blocks until the cleanup goroutine has stopped.
func (t *RequestTracker) Wait() {
	t.wg.Wait()
}

func (t *RequestTracker) evict(now time.Time) {
	t.mu.Lock()
	evicted := 0
	for key, entry := range t.entries {
		if now.After(entry.expires) {
			delete(t.entries, key)
			evicted++
		}
	}
	t.mu.Unlock()
	if evicted > 0 {
		t.logger.Debug("evicted expired request trackers", "count", evicted)
	}
}

// Len returns the number of tracked requests.
func (t *RequestTracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

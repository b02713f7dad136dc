package http

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/mcplens/mcplens/internal/domain/capture"
	"github.com/mcplens/mcplens/internal/domain/registry"
	"github.com/mcplens/mcplens/internal/domain/session"
	"github.com/mcplens/mcplens/internal/service"
)

// APIHandler serves the capture query API and the registry management
// endpoints under /api.
type APIHandler struct {
	store   capture.Store
	reg     *registry.Registry
	state   *session.StateStore
	checker *service.HealthChecker
	logger  *slog.Logger
}

// APIOption is a functional option for configuring an APIHandler.
type APIOption func(*APIHandler)

// WithAPILogger sets the logger.
func WithAPILogger(logger *slog.Logger) APIOption {
	return func(h *APIHandler) { h.logger = logger }
}

// WithAPIHealthChecker enables the manual health-check endpoint.
func WithAPIHealthChecker(checker *service.HealthChecker) APIOption {
	return func(h *APIHandler) { h.checker = checker }
}

// NewAPIHandler creates the query API over the store, registry, and
// session state.
func NewAPIHandler(store capture.Store, reg *registry.Registry, state *session.StateStore, opts ...APIOption) *APIHandler {
	h := &APIHandler{
		store:  store,
		reg:    reg,
		state:  state,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Register mounts the API routes on the mux.
func (h *APIHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/logs", h.handleLogs)
	mux.HandleFunc("POST /api/logs/clear", h.handleClear)
	mux.HandleFunc("GET /api/servers", h.handleServers)
	mux.HandleFunc("GET /api/sessions", h.handleSessions)
	mux.HandleFunc("GET /api/clients", h.handleClients)
	mux.HandleFunc("GET /api/methods", h.handleMethods)

	mux.HandleFunc("GET /api/registry", h.handleRegistryList)
	mux.HandleFunc("POST /api/registry", h.handleRegistryAdd)
	mux.HandleFunc("GET /api/registry/{name}", h.handleRegistryGet)
	mux.HandleFunc("PUT /api/registry/{name}", h.handleRegistryUpdate)
	mux.HandleFunc("DELETE /api/registry/{name}", h.handleRegistryRemove)
	mux.HandleFunc("POST /api/registry/{name}/check", h.handleRegistryCheck)
}

// ApiLogEntry is one direction of a captured exchange as exposed by
// GET /api/logs.
type ApiLogEntry struct {
	Timestamp  string              `json:"timestamp"`
	Direction  string              `json:"direction"` // request, response, or sse-event
	Method     string              `json:"method"`
	ID         json.RawMessage     `json:"id,omitempty"`
	ServerName string              `json:"serverName"`
	SessionID  string              `json:"sessionId"`
	DurationMs int64               `json:"durationMs"`
	HTTPStatus int                 `json:"httpStatus"`
	Client     *capture.ClientInfo `json:"client,omitempty"`
	Server     *capture.ServerInfo `json:"server,omitempty"`
	UserAgent  string              `json:"userAgent,omitempty"`
	ClientIP   string              `json:"clientIp,omitempty"`
	Payload    json.RawMessage     `json:"payload,omitempty"`
	SSEEvent   *capture.SSEEvent   `json:"sseEvent,omitempty"`
}

// apiPagination describes the page returned by GET /api/logs.
type apiPagination struct {
	Limit           int     `json:"limit"`
	HasMore         bool    `json:"hasMore"`
	OldestTimestamp *string `json:"oldestTimestamp"`
	NewestTimestamp *string `json:"newestTimestamp"`
}

func (h *APIHandler) handleLogs(w http.ResponseWriter, r *http.Request) {
	q, err := parseLogQuery(r.URL.Query())
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "INVALID_PARAM", err.Error())
		return
	}
	q.Normalize()

	result, err := h.store.Query(r.Context(), q)
	if err != nil {
		h.logger.Error("log query failed", "error", err)
		writeJSONError(w, http.StatusInternalServerError, "INTERNAL", "query failed")
		return
	}

	entries := make([]ApiLogEntry, 0, len(result.Records))
	for i := range result.Records {
		entries = append(entries, expandRecord(&result.Records[i])...)
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"data": entries,
		"pagination": apiPagination{
			Limit:           q.Limit,
			HasMore:         result.HasMore,
			OldestTimestamp: formatTimePtr(result.OldestTimestamp),
			NewestTimestamp: formatTimePtr(result.NewestTimestamp),
		},
	})
}

// expandRecord splits one record into per-direction entries: request
// before response before sse-event.
func expandRecord(rec *capture.Record) []ApiLogEntry {
	base := ApiLogEntry{
		Timestamp:  rec.Timestamp.UTC().Format(capture.TimeFormat),
		Method:     rec.Method,
		ID:         rec.ID,
		ServerName: rec.Metadata.ServerName,
		SessionID:  rec.Metadata.SessionID,
		DurationMs: rec.Metadata.DurationMs,
		HTTPStatus: rec.Metadata.HTTPStatus,
		Client:     rec.Metadata.Client,
		Server:     rec.Metadata.Server,
		UserAgent:  rec.Metadata.UserAgent,
		ClientIP:   rec.Metadata.ClientIP,
	}

	var out []ApiLogEntry
	if rec.Request != nil {
		e := base
		e.Direction = "request"
		e.Payload = rec.Request
		out = append(out, e)
	}
	if rec.Response != nil {
		e := base
		e.Direction = "response"
		e.Payload = rec.Response
		out = append(out, e)
	}
	if rec.Event != nil {
		e := base
		e.Direction = "sse-event"
		e.SSEEvent = rec.Event
		out = append(out, e)
	}
	return out
}

func (h *APIHandler) handleClear(w http.ResponseWriter, r *http.Request) {
	if err := h.store.Clear(r.Context()); err != nil {
		h.logger.Error("clear failed", "error", err)
		writeJSONError(w, http.StatusInternalServerError, "INTERNAL", "clear failed")
		return
	}
	h.state.ClearAll()
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ApiServer is one upstream as exposed by GET /api/servers: the capture
// aggregates joined with the live registry.
type ApiServer struct {
	Name            string     `json:"name"`
	Status          string     `json:"status"` // online or deleted
	URL             string     `json:"url,omitempty"`
	LogCount        int64      `json:"logCount"`
	SessionCount    int64      `json:"sessionCount"`
	Health          string     `json:"health,omitempty"`
	LastActivity    *time.Time `json:"lastActivity,omitempty"`
	ExchangeCount   int64      `json:"exchangeCount"`
	LastHealthCheck *time.Time `json:"lastHealthCheck,omitempty"`
}

func (h *APIHandler) handleServers(w http.ResponseWriter, r *http.Request) {
	aggs, err := h.store.Servers(r.Context())
	if err != nil {
		h.logger.Error("server aggregation failed", "error", err)
		writeJSONError(w, http.StatusInternalServerError, "INTERNAL", "query failed")
		return
	}

	registered := h.reg.List()
	byName := make(map[string]*registry.McpServer, len(registered))
	for i := range registered {
		byName[registered[i].Name] = &registered[i]
	}

	out := make([]ApiServer, 0, len(aggs)+len(registered))
	seen := make(map[string]struct{}, len(aggs))
	for _, agg := range aggs {
		seen[agg.ServerName] = struct{}{}
		entry := ApiServer{
			Name:         agg.ServerName,
			Status:       "deleted",
			LogCount:     agg.LogCount,
			SessionCount: agg.SessionCount,
		}
		if srv, ok := byName[agg.ServerName]; ok {
			entry.Status = "online"
			entry.URL = srv.URL
			entry.Health = srv.Health
			entry.LastActivity = srv.LastActivity
			entry.ExchangeCount = srv.ExchangeCount
			entry.LastHealthCheck = srv.LastHealthCheck
		}
		out = append(out, entry)
	}
	// Registered upstreams with no traffic yet still appear.
	for i := range registered {
		srv := &registered[i]
		if _, ok := seen[srv.Name]; ok {
			continue
		}
		out = append(out, ApiServer{
			Name:            srv.Name,
			Status:          "online",
			URL:             srv.URL,
			Health:          srv.Health,
			LastActivity:    srv.LastActivity,
			ExchangeCount:   srv.ExchangeCount,
			LastHealthCheck: srv.LastHealthCheck,
		})
	}

	writeJSON(w, http.StatusOK, map[string]any{"data": out})
}

func (h *APIHandler) handleSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := h.store.Sessions(r.Context(), r.URL.Query().Get("server"))
	if err != nil {
		h.logger.Error("session aggregation failed", "error", err)
		writeJSONError(w, http.StatusInternalServerError, "INTERNAL", "query failed")
		return
	}

	type apiSession struct {
		SessionID  string `json:"sessionId"`
		ServerName string `json:"serverName"`
		LogCount   int64  `json:"logCount"`
		StartTime  string `json:"startTime"`
		EndTime    string `json:"endTime"`
	}
	out := make([]apiSession, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, apiSession{
			SessionID:  s.SessionID,
			ServerName: s.ServerName,
			LogCount:   s.LogCount,
			StartTime:  s.StartTime.UTC().Format(capture.TimeFormat),
			EndTime:    s.EndTime.UTC().Format(capture.TimeFormat),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": out})
}

func (h *APIHandler) handleClients(w http.ResponseWriter, r *http.Request) {
	clients, err := h.store.Clients(r.Context())
	if err != nil {
		h.logger.Error("client aggregation failed", "error", err)
		writeJSONError(w, http.StatusInternalServerError, "INTERNAL", "query failed")
		return
	}

	type apiClient struct {
		ClientName    string `json:"clientName"`
		ClientVersion string `json:"clientVersion"`
		LogCount      int64  `json:"logCount"`
	}
	out := make([]apiClient, 0, len(clients))
	for _, c := range clients {
		out = append(out, apiClient{ClientName: c.ClientName, ClientVersion: c.ClientVersion, LogCount: c.LogCount})
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": out})
}

func (h *APIHandler) handleMethods(w http.ResponseWriter, r *http.Request) {
	methods, err := h.store.Methods(r.Context(), r.URL.Query().Get("server"))
	if err != nil {
		h.logger.Error("method aggregation failed", "error", err)
		writeJSONError(w, http.StatusInternalServerError, "INTERNAL", "query failed")
		return
	}
	if methods == nil {
		methods = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": methods})
}

// registryRequest is the mutation body for registry endpoints.
type registryRequest struct {
	Name    string            `json:"name"`
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers,omitempty"`
}

func (h *APIHandler) handleRegistryList(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"data": h.reg.List()})
}

func (h *APIHandler) handleRegistryGet(w http.ResponseWriter, r *http.Request) {
	srv, err := h.reg.Get(r.PathValue("name"))
	if err != nil {
		writeJSONError(w, http.StatusNotFound, "SERVER_NOT_FOUND", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, srv)
}

func (h *APIHandler) handleRegistryAdd(w http.ResponseWriter, r *http.Request) {
	var req registryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "INVALID_PARAM", "invalid JSON body")
		return
	}
	err := h.reg.Add(registry.McpServer{Name: req.Name, URL: req.URL, Headers: req.Headers})
	switch {
	case errors.Is(err, registry.ErrDuplicateServerName):
		writeJSONError(w, http.StatusConflict, "DUPLICATE_NAME", err.Error())
		return
	case err != nil:
		writeJSONError(w, http.StatusBadRequest, "INVALID_PARAM", err.Error())
		return
	}
	srv, err := h.reg.Get(req.Name)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "INTERNAL", err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, srv)
}

func (h *APIHandler) handleRegistryUpdate(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	var req registryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "INVALID_PARAM", "invalid JSON body")
		return
	}
	req.Name = name
	err := h.reg.Update(registry.McpServer{Name: req.Name, URL: req.URL, Headers: req.Headers})
	switch {
	case errors.Is(err, registry.ErrServerNotFound):
		writeJSONError(w, http.StatusNotFound, "SERVER_NOT_FOUND", err.Error())
		return
	case err != nil:
		writeJSONError(w, http.StatusBadRequest, "INVALID_PARAM", err.Error())
		return
	}
	srv, err := h.reg.Get(name)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "INTERNAL", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, srv)
}

func (h *APIHandler) handleRegistryRemove(w http.ResponseWriter, r *http.Request) {
	err := h.reg.Remove(r.PathValue("name"))
	switch {
	case errors.Is(err, registry.ErrServerNotFound):
		writeJSONError(w, http.StatusNotFound, "SERVER_NOT_FOUND", err.Error())
		return
	case err != nil:
		writeJSONError(w, http.StatusInternalServerError, "INTERNAL", err.Error())
		return
	}
	// Captured logs survive removal; only the registry entry goes.
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *APIHandler) handleRegistryCheck(w http.ResponseWriter, r *http.Request) {
	if h.checker == nil {
		writeJSONError(w, http.StatusServiceUnavailable, "HEALTH_DISABLED", "health checking is disabled")
		return
	}
	update, err := h.checker.CheckOne(r.Context(), r.PathValue("name"))
	if errors.Is(err, registry.ErrServerNotFound) {
		writeJSONError(w, http.StatusNotFound, "SERVER_NOT_FOUND", err.Error())
		return
	}
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "INTERNAL", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, update)
}

// writeJSON writes v as a JSON response body.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Default().Warn("response encode failed", "error", err)
	}
}

// formatTimePtr renders a nullable timestamp in the storage format.
func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.UTC().Format(capture.TimeFormat)
	return &s
}

package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/modelcontextprotocol/go-sdk/jsonrpc"

	"github.com/mcplens/mcplens/internal/domain/capture"
	"github.com/mcplens/mcplens/internal/domain/registry"
	"github.com/mcplens/mcplens/internal/domain/session"
	"github.com/mcplens/mcplens/internal/service"
)

const (
	// DefaultProtocolVersion is forwarded when the client omits
	// MCP-Protocol-Version.
	DefaultProtocolVersion = "2025-06-18"

	// defaultMaxBodyBytes caps inbound JSON-RPC request bodies.
	defaultMaxBodyBytes = 4 << 20

	// codeInternalError is the JSON-RPC code synthesized for transport
	// failures while forwarding.
	codeInternalError = -32603

	// codeParseError is the JSON-RPC code for malformed request bodies.
	codeParseError = -32700

	// gatewayCookieName identifies the upstream a 401 came through, so
	// OAuth discovery requests landing on bare /.well-known paths can be
	// routed back to it.
	gatewayCookieName = "mcp-gateway-server"
)

// ProxyHandler serves the MCP proxy routes /servers/:name/mcp and
// /s/:name/mcp. It forwards JSON-RPC traffic to the registered upstream,
// captures both sides of every exchange, and tees SSE streams so the
// client sees the upstream bytes unchanged while frames are parsed in
// the background.
type ProxyHandler struct {
	reg      *registry.Registry
	state    *session.StateStore
	recorder *service.Recorder
	store    capture.Store
	oauth    *OAuthForwarder
	client   *http.Client
	maxBody  int64
	logger   *slog.Logger
	metrics  *Metrics

	wg sync.WaitGroup
}

// ProxyOption is a functional option for configuring a ProxyHandler.
type ProxyOption func(*ProxyHandler)

// WithProxyClient sets the HTTP client used for upstream requests. The
// client must not enforce a whole-request timeout: SSE responses are
// unbounded. Bound header latency with Transport.ResponseHeaderTimeout.
func WithProxyClient(client *http.Client) ProxyOption {
	return func(p *ProxyHandler) { p.client = client }
}

// WithMaxBodyBytes caps inbound request bodies.
func WithMaxBodyBytes(n int64) ProxyOption {
	return func(p *ProxyHandler) {
		if n > 0 {
			p.maxBody = n
		}
	}
}

// WithProxyLogger sets the logger.
func WithProxyLogger(logger *slog.Logger) ProxyOption {
	return func(p *ProxyHandler) { p.logger = logger }
}

// WithProxyMetrics wires Prometheus metrics.
func WithProxyMetrics(m *Metrics) ProxyOption {
	return func(p *ProxyHandler) { p.metrics = m }
}

// WithOAuthForwarder attaches the OAuth discovery pass-through so
// /servers/:name/mcp/.well-known/* and /servers/:name/mcp/register
// resolve under the proxy mount.
func WithOAuthForwarder(f *OAuthForwarder) ProxyOption {
	return func(p *ProxyHandler) { p.oauth = f }
}

// NewProxyHandler creates the proxy over the registry, session state,
// recorder, and capture store.
func NewProxyHandler(reg *registry.Registry, state *session.StateStore, recorder *service.Recorder, store capture.Store, opts ...ProxyOption) *ProxyHandler {
	p := &ProxyHandler{
		reg:      reg,
		state:    state,
		recorder: recorder,
		store:    store,
		maxBody:  defaultMaxBodyBytes,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.client == nil {
		p.client = &http.Client{
			Transport: &http.Transport{ResponseHeaderTimeout: 30 * time.Second},
			// Redirects are relayed to the client, not followed.
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		}
	}
	return p
}

// Wait blocks until all background SSE capture tasks have finished.
func (p *ProxyHandler) Wait() {
	p.wg.Wait()
}

// ServeHTTP dispatches /servers/:name/... and /s/:name/... paths. The
// two mounts are equivalent aliases.
func (p *ProxyHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	name, rest, ok := splitServerPath(r.URL.Path)
	if !ok {
		writeJSONError(w, http.StatusNotFound, "NOT_FOUND", "no such route")
		return
	}

	switch {
	case rest == "mcp":
		p.handleMCP(w, r, name)
	case strings.HasPrefix(rest, "mcp/") && p.oauth != nil:
		p.oauth.ServeServerScoped(w, r, name, strings.TrimPrefix(rest, "mcp/"))
	default:
		writeJSONError(w, http.StatusNotFound, "NOT_FOUND", "no such route")
	}
}

// splitServerPath extracts the server name and the remainder from a
// /servers/:name/... or /s/:name/... path.
func splitServerPath(path string) (name, rest string, ok bool) {
	var trimmed string
	switch {
	case strings.HasPrefix(path, "/servers/"):
		trimmed = strings.TrimPrefix(path, "/servers/")
	case strings.HasPrefix(path, "/s/"):
		trimmed = strings.TrimPrefix(path, "/s/")
	default:
		return "", "", false
	}
	name, rest, _ = strings.Cut(trimmed, "/")
	if name == "" || rest == "" {
		return "", "", false
	}
	return name, rest, true
}

// handleMCP routes one MCP endpoint hit by HTTP method. Unknown server
// names 404 immediately without capture.
func (p *ProxyHandler) handleMCP(w http.ResponseWriter, r *http.Request, name string) {
	srv, err := p.reg.Get(name)
	if err != nil {
		writeJSONError(w, http.StatusNotFound, "SERVER_NOT_FOUND", fmt.Sprintf("server %q is not registered", name))
		return
	}

	switch r.Method {
	case http.MethodPost:
		p.handlePost(w, r, srv)
	case http.MethodGet:
		p.handleGet(w, r, srv)
	case http.MethodDelete:
		p.handleDelete(w, r, srv)
	default:
		w.Header().Set("Allow", "POST, GET, DELETE")
		writeJSONError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "use POST, GET, or DELETE")
	}
}

// handlePost proxies one JSON-RPC request.
func (p *ProxyHandler) handlePost(w http.ResponseWriter, r *http.Request, srv *registry.McpServer) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, p.maxBody))
	if err != nil {
		writeParseError(w)
		return
	}

	// The SDK codec decides request vs response; only request objects
	// (including notifications) are forwarded.
	msg, err := jsonrpc.DecodeMessage(body)
	if err != nil {
		writeParseError(w)
		return
	}
	if _, isRequest := msg.(*jsonrpc.Request); !isRequest {
		writeParseError(w)
		return
	}
	env, ok := capture.ParseEnvelope(body)
	if !ok || env.Method == "" {
		writeParseError(w)
		return
	}

	sessionID := sessionIDFrom(r)
	if env.Method == "initialize" {
		if info := capture.ExtractClientInfo(env); info != nil {
			p.state.SetClientInfo(sessionID, *info)
		}
	}

	recCtx := context.WithoutCancel(r.Context())
	// Request row lands before the upstream sees the request.
	p.recorder.RecordRequest(recCtx, service.RequestInput{
		ServerName: srv.Name,
		SessionID:  sessionID,
		Envelope:   env,
		Body:       body,
		UserAgent:  r.UserAgent(),
		ClientIP:   extractRealIP(r),
	})

	upReq, err := http.NewRequestWithContext(r.Context(), http.MethodPost, srv.URL, bytes.NewReader(body))
	if err != nil {
		p.replyTransportError(w, recCtx, srv, sessionID, env.Method, env.ID, err)
		return
	}
	upReq.Header = buildUpstreamHeaders(r, srv, true)

	resp, err := p.client.Do(upReq)
	if err != nil {
		p.replyTransportError(w, recCtx, srv, sessionID, env.Method, env.ID, err)
		return
	}
	defer func() { _ = resp.Body.Close() }()

	p.relayResponse(w, r, srv, sessionID, env, resp)
}

// handleGet proxies a stream-opening GET. There is no JSON-RPC body, so
// no request record; captured SSE frames use the "GET /mcp" label.
func (p *ProxyHandler) handleGet(w http.ResponseWriter, r *http.Request, srv *registry.McpServer) {
	sessionID := sessionIDFrom(r)
	recCtx := context.WithoutCancel(r.Context())

	upReq, err := http.NewRequestWithContext(r.Context(), http.MethodGet, srv.URL, nil)
	if err != nil {
		p.replyTransportError(w, recCtx, srv, sessionID, sseGetLabel, nil, err)
		return
	}
	upReq.Header = buildUpstreamHeaders(r, srv, false)

	resp, err := p.client.Do(upReq)
	if err != nil {
		p.replyTransportError(w, recCtx, srv, sessionID, sseGetLabel, nil, err)
		return
	}
	defer func() { _ = resp.Body.Close() }()

	p.relayResponse(w, r, srv, sessionID, nil, resp)
}

// handleDelete forwards a session-termination request. The response is
// returned unchanged and nothing is captured or synthesized.
func (p *ProxyHandler) handleDelete(w http.ResponseWriter, r *http.Request, srv *registry.McpServer) {
	upReq, err := http.NewRequestWithContext(r.Context(), http.MethodDelete, srv.URL, nil)
	if err != nil {
		writeJSONError(w, http.StatusBadGateway, "UPSTREAM_ERROR", err.Error())
		return
	}
	upReq.Header = buildUpstreamHeaders(r, srv, false)

	resp, err := p.client.Do(upReq)
	if err != nil {
		writeJSONError(w, http.StatusBadGateway, "UPSTREAM_ERROR", err.Error())
		return
	}
	defer func() { _ = resp.Body.Close() }()

	copyResponseHeaders(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)
	_, _ = io.Copy(w, resp.Body)
}

// relayResponse classifies an upstream response and relays it. env is
// the originating request envelope, nil for GET-opened streams.
func (p *ProxyHandler) relayResponse(w http.ResponseWriter, r *http.Request, srv *registry.McpServer, sessionID string, env *capture.Envelope, resp *http.Response) {
	method := sseGetLabel
	var reqID json.RawMessage
	if env != nil {
		method = env.Method
		reqID = env.ID
	}
	recCtx := context.WithoutCancel(r.Context())

	if resp.StatusCode == http.StatusUnauthorized {
		p.relay401(w, recCtx, srv, sessionID, method, reqID, resp)
		return
	}
	if isEventStream(resp.Header.Get("Content-Type")) {
		p.relaySSE(w, r, srv, sessionID, env, resp)
		return
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		p.replyTransportError(w, recCtx, srv, sessionID, method, reqID, err)
		return
	}

	// Stateless initialize: the upstream-assigned session covers the
	// whole exchange. The in-memory state transitions and the persisted
	// request row is re-keyed before the response row lands.
	assigned := ""
	if env != nil && env.Method == "initialize" && sessionID == capture.StatelessSession {
		if s := resp.Header.Get("Mcp-Session-Id"); s != "" {
			assigned = s
			p.state.CopySession(capture.StatelessSession, s)
			p.reassignSession(recCtx, srv, sessionID, s, env.ID)
		}
	}
	if env != nil {
		p.captureBufferedResponse(recCtx, srv, sessionID, assigned, env, body, resp)
	}

	copyResponseHeaders(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)
	_, _ = w.Write(body)

	if resp.StatusCode < 400 {
		p.touch(srv.Name)
	}
}

// captureBufferedResponse records a plain-JSON upstream response,
// wrapping non-JSON-RPC bodies as synthesized errors, and stores the
// server identity from initialize results. assigned is the session the
// upstream handed a stateless initialize, empty otherwise; when set the
// response row lands under it.
func (p *ProxyHandler) captureBufferedResponse(ctx context.Context, srv *registry.McpServer, sessionID, assigned string, env *capture.Envelope, body []byte, resp *http.Response) {
	captureSess := sessionID
	var tracked string
	if assigned != "" {
		captureSess = assigned
		tracked = sessionID
	}

	respEnv, ok := capture.ParseEnvelope(body)
	if !ok || !respEnv.IsResponse() {
		synth := service.SynthesizeError(env.ID, int64(resp.StatusCode), fmt.Sprintf("upstream returned HTTP %d", resp.StatusCode), body)
		p.recorder.RecordResponse(ctx, service.ResponseInput{
			ServerName:       srv.Name,
			SessionID:        captureSess,
			TrackedSessionID: tracked,
			Method:           env.Method,
			ID:               env.ID,
			Body:             synth,
			HTTPStatus:       resp.StatusCode,
		})
		return
	}

	// Identity goes into the session state first so the response row
	// itself carries it.
	if env.Method == "initialize" {
		p.storeServerIdentity(ctx, srv, sessionID, assigned, env.ID, respEnv)
	}

	p.recorder.RecordResponse(ctx, service.ResponseInput{
		ServerName:       srv.Name,
		SessionID:        captureSess,
		TrackedSessionID: tracked,
		Method:           env.Method,
		ID:               respEnv.ID,
		Body:             body,
		HTTPStatus:       resp.StatusCode,
	})
}

// storeServerIdentity records result.serverInfo in the session state and
// backfills the initialize request row. When mirror is non-empty the
// identity is stored under that session too and the backfill targets it,
// since the stateless transition re-keys the request row there.
func (p *ProxyHandler) storeServerIdentity(ctx context.Context, srv *registry.McpServer, sessionID, mirror string, reqID json.RawMessage, respEnv *capture.Envelope) {
	info := capture.ExtractServerInfo(respEnv)
	if info == nil {
		return
	}
	p.state.SetServerInfo(sessionID, *info)
	rowSession := sessionID
	if mirror != "" {
		p.state.SetServerInfo(mirror, *info)
		rowSession = mirror
	}
	key, ok := capture.IDKey(reqID)
	if !ok {
		return
	}
	if err := p.store.BackfillServerInfo(ctx, srv.Name, rowSession, key, *info); err != nil {
		p.logger.Warn("server info backfill failed", "server", srv.Name, "session", rowSession, "error", err)
	}
}

// reassignSession moves the persisted request row of a stateless
// initialize under the upstream-assigned session.
func (p *ProxyHandler) reassignSession(ctx context.Context, srv *registry.McpServer, from, to string, reqID json.RawMessage) {
	key, ok := capture.IDKey(reqID)
	if !ok {
		return
	}
	if err := p.store.ReassignSession(ctx, srv.Name, from, to, key); err != nil {
		p.logger.Warn("session reassignment failed", "server", srv.Name, "session", to, "error", err)
	}
}

// relay401 passes an upstream 401 through byte-faithfully: same body,
// upstream Set-Cookie intact, plus the gateway's own routing cookie.
// The exchange is still captured as a synthesized error row.
func (p *ProxyHandler) relay401(w http.ResponseWriter, ctx context.Context, srv *registry.McpServer, sessionID, method string, reqID json.RawMessage, resp *http.Response) {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		p.logger.Warn("reading 401 body failed", "server", srv.Name, "error", err)
	}

	copyResponseHeaders(w.Header(), resp.Header)
	http.SetCookie(w, &http.Cookie{
		Name:     gatewayCookieName,
		Value:    srv.Name,
		Path:     "/.well-known",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	w.WriteHeader(http.StatusUnauthorized)
	_, _ = w.Write(body)

	synth := service.SynthesizeError(reqID, http.StatusUnauthorized, "upstream authentication required", body)
	p.recorder.RecordResponse(ctx, service.ResponseInput{
		ServerName: srv.Name,
		SessionID:  sessionID,
		Method:     method,
		ID:         reqID,
		Body:       synth,
		HTTPStatus: http.StatusUnauthorized,
	})
}

// replyTransportError turns a forwarding failure into a synthetic
// JSON-RPC internal error, returned to the client and captured.
func (p *ProxyHandler) replyTransportError(w http.ResponseWriter, ctx context.Context, srv *registry.McpServer, sessionID, method string, reqID json.RawMessage, cause error) {
	if p.metrics != nil {
		p.metrics.UpstreamErrors.WithLabelValues(srv.Name).Inc()
	}
	p.logger.Warn("upstream request failed", "server", srv.Name, "method", method, "error", cause)

	synth := service.SynthesizeError(reqID, codeInternalError, "upstream request failed: "+cause.Error(), nil)
	p.recorder.RecordResponse(ctx, service.ResponseInput{
		ServerName: srv.Name,
		SessionID:  sessionID,
		Method:     method,
		ID:         reqID,
		Body:       synth,
		HTTPStatus: http.StatusInternalServerError,
	})

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusInternalServerError)
	_, _ = w.Write(synth)
}

// sessionIDFrom reads the session header, mapping absence to the
// stateless sentinel. Header lookup is case-insensitive.
func sessionIDFrom(r *http.Request) string {
	if s := r.Header.Get("Mcp-Session-Id"); s != "" {
		return s
	}
	return capture.StatelessSession
}

// buildUpstreamHeaders assembles the outbound header set: protocol
// version (defaulted), session id as sent by the client, the server's
// registered static headers minus hop-by-hop ones, Accept, and the
// client's Authorization.
func buildUpstreamHeaders(r *http.Request, srv *registry.McpServer, withContentType bool) http.Header {
	h := make(http.Header)
	if withContentType {
		h.Set("Content-Type", "application/json")
	}
	pv := r.Header.Get("MCP-Protocol-Version")
	if pv == "" {
		pv = DefaultProtocolVersion
	}
	h.Set("MCP-Protocol-Version", pv)
	h.Set("Mcp-Session-Id", r.Header.Get("Mcp-Session-Id"))

	for k, v := range srv.Headers {
		switch strings.ToLower(k) {
		case "content-length", "transfer-encoding", "connection":
			continue
		}
		h.Set(k, v)
	}

	accept := r.Header.Get("Accept")
	if accept == "" {
		accept = "application/json, text/event-stream"
	}
	h.Set("Accept", accept)

	if auth := r.Header.Get("Authorization"); auth != "" {
		h.Set("Authorization", auth)
	}
	return h
}

// copyResponseHeaders copies upstream response headers, dropping the
// auto-managed ones net/http recomputes.
func copyResponseHeaders(dst, src http.Header) {
	for k, vals := range src {
		switch k {
		case "Content-Length", "Transfer-Encoding", "Connection":
			continue
		}
		for _, v := range vals {
			dst.Add(k, v)
		}
	}
}

// isEventStream reports whether a Content-Type denotes SSE.
func isEventStream(ct string) bool {
	mt, _, err := mime.ParseMediaType(ct)
	if err != nil {
		return strings.HasPrefix(strings.ToLower(ct), "text/event-stream")
	}
	return mt == "text/event-stream"
}

// touch bumps the upstream's activity counters after a successful
// exchange.
func (p *ProxyHandler) touch(name string) {
	if err := p.reg.Touch(name, time.Now().UTC()); err != nil && !errors.Is(err, registry.ErrServerNotFound) {
		p.logger.Warn("failed to update server activity", "server", name, "error", err)
	}
}

// writeParseError replies with the standard JSON-RPC parse error.
func writeParseError(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusBadRequest)
	_, _ = fmt.Fprintf(w, `{"jsonrpc":"2.0","id":null,"error":{"code":%d,"message":"Parse error"}}`, codeParseError)
}

// writeJSONError replies with the API error shape.
func writeJSONError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	body, _ := json.Marshal(map[string]any{
		"error": map[string]string{"code": code, "message": message},
	})
	_, _ = w.Write(body)
}

package http

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/mcplens/mcplens/internal/domain/registry"
)

// wellKnownDocs are the discovery documents the gateway forwards.
var wellKnownDocs = map[string]struct{}{
	"oauth-protected-resource":   {},
	"oauth-authorization-server": {},
	"openid-configuration":       {},
}

// OAuthForwarder proxies OAuth discovery and registration traffic to the
// named upstream so clients can complete auth flows through the gateway.
// Two layouts resolve to the same upstream document:
//
//	/.well-known/<doc>/servers/:name/mcp
//	/servers/:name/mcp/.well-known/<doc>
//
// plus /servers/:name/mcp/register for dynamic client registration. The
// /s alias mirrors /servers in both layouts.
type OAuthForwarder struct {
	reg    *registry.Registry
	client *http.Client
	logger *slog.Logger
}

// OAuthOption is a functional option for configuring an OAuthForwarder.
type OAuthOption func(*OAuthForwarder)

// WithOAuthClient sets the HTTP client used for upstream requests.
func WithOAuthClient(client *http.Client) OAuthOption {
	return func(f *OAuthForwarder) { f.client = client }
}

// WithOAuthLogger sets the logger.
func WithOAuthLogger(logger *slog.Logger) OAuthOption {
	return func(f *OAuthForwarder) { f.logger = logger }
}

// NewOAuthForwarder creates the discovery pass-through over the registry.
func NewOAuthForwarder(reg *registry.Registry, opts ...OAuthOption) *OAuthForwarder {
	f := &OAuthForwarder{
		reg:    reg,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(f)
	}
	if f.client == nil {
		f.client = &http.Client{
			Timeout: 30 * time.Second,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		}
	}
	return f
}

// ServeHTTP handles the root-anchored layout, mounted at /.well-known/.
func (f *OAuthForwarder) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/.well-known/")
	doc, remainder, _ := strings.Cut(rest, "/")
	if _, ok := wellKnownDocs[doc]; !ok {
		writeJSONError(w, http.StatusNotFound, "NOT_FOUND", "unknown discovery document")
		return
	}

	name := serverNameFromSuffix(remainder)
	if name == "" {
		// A prior 401 pass-through pinned the upstream in a cookie;
		// clients that hit the bare path still resolve through it.
		if c, err := r.Cookie(gatewayCookieName); err == nil && c.Value != "" {
			name = c.Value
		}
	}
	if name == "" {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"server_not_specified"}`))
		return
	}

	f.forward(w, r, name, "/.well-known/"+doc)
}

// ServeServerScoped handles the proxy-mount layout: rest is the path
// after /servers/:name/mcp/.
func (f *OAuthForwarder) ServeServerScoped(w http.ResponseWriter, r *http.Request, name, rest string) {
	switch {
	case rest == "register":
		f.forward(w, r, name, "/register")
	case strings.HasPrefix(rest, ".well-known/"):
		doc := strings.TrimPrefix(rest, ".well-known/")
		if _, ok := wellKnownDocs[doc]; !ok {
			writeJSONError(w, http.StatusNotFound, "NOT_FOUND", "unknown discovery document")
			return
		}
		f.forward(w, r, name, "/.well-known/"+doc)
	default:
		writeJSONError(w, http.StatusNotFound, "NOT_FOUND", "no such route")
	}
}

// serverNameFromSuffix extracts the name from "servers/<name>/mcp" or
// "s/<name>/mcp". Empty means no server segment present.
func serverNameFromSuffix(remainder string) string {
	parts := strings.Split(remainder, "/")
	if len(parts) != 3 || parts[2] != "mcp" {
		return ""
	}
	if parts[0] != "servers" && parts[0] != "s" {
		return ""
	}
	return parts[1]
}

// forward relays the request to the named upstream's base URL plus the
// target path. The upstream base is the registered URL with a trailing
// /mcp segment removed.
func (f *OAuthForwarder) forward(w http.ResponseWriter, r *http.Request, name, targetPath string) {
	srv, err := f.reg.Get(name)
	if err != nil {
		writeJSONError(w, http.StatusNotFound, "SERVER_NOT_FOUND", fmt.Sprintf("server %q is not registered", name))
		return
	}

	target := upstreamBase(srv.URL) + targetPath
	upReq, err := http.NewRequestWithContext(r.Context(), r.Method, target, r.Body)
	if err != nil {
		writeJSONError(w, http.StatusBadGateway, "UPSTREAM_ERROR", err.Error())
		return
	}
	upReq.Header = oauthUpstreamHeaders(r, srv)

	resp, err := f.client.Do(upReq)
	if err != nil {
		f.logger.Warn("oauth forward failed", "server", srv.Name, "path", targetPath, "error", err)
		writeJSONError(w, http.StatusBadGateway, "UPSTREAM_ERROR", err.Error())
		return
	}
	defer func() { _ = resp.Body.Close() }()

	copyResponseHeaders(w.Header(), resp.Header)
	if resp.StatusCode == http.StatusUnauthorized {
		http.SetCookie(w, &http.Cookie{
			Name:     gatewayCookieName,
			Value:    srv.Name,
			Path:     "/.well-known",
			HttpOnly: true,
			SameSite: http.SameSiteLaxMode,
		})
	}
	w.WriteHeader(resp.StatusCode)
	_, _ = io.Copy(w, resp.Body)
}

// oauthUpstreamHeaders copies the client's headers minus hop-by-hop
// ones, then layers on the registered static headers.
func oauthUpstreamHeaders(r *http.Request, srv *registry.McpServer) http.Header {
	h := make(http.Header)
	for k, vals := range r.Header {
		switch k {
		case "Content-Length", "Transfer-Encoding", "Connection", "Host", "Cookie":
			continue
		}
		for _, v := range vals {
			h.Add(k, v)
		}
	}
	for k, v := range srv.Headers {
		switch strings.ToLower(k) {
		case "content-length", "transfer-encoding", "connection":
			continue
		}
		h.Set(k, v)
	}
	return h
}

// upstreamBase strips a trailing /mcp path segment from a registered URL.
func upstreamBase(url string) string {
	return strings.TrimSuffix(url, "/mcp")
}

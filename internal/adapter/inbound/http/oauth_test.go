package http

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/mcplens/mcplens/internal/domain/registry"
)

// oauthFixture registers one upstream that echoes the path it was hit on.
func oauthFixture(t *testing.T, upstreamStatus int) (*OAuthForwarder, *registry.Registry, *[]string) {
	t.Helper()

	var paths []string
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(upstreamStatus)
		_, _ = w.Write([]byte(`{"issuer":"http://up"}`))
	}))
	t.Cleanup(up.Close)

	reg := registry.New()
	if err := reg.Add(registry.McpServer{Name: "demo", URL: up.URL + "/mcp"}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	return NewOAuthForwarder(reg, WithOAuthClient(up.Client())), reg, &paths
}

func TestOAuth_RootAnchoredLayout(t *testing.T) {
	t.Parallel()

	f, _, paths := oauthFixture(t, http.StatusOK)

	for _, mount := range []string{"servers", "s"} {
		r := httptest.NewRequest(http.MethodGet,
			"/.well-known/oauth-protected-resource/"+mount+"/demo/mcp", nil)
		w := httptest.NewRecorder()
		f.ServeHTTP(w, r)

		if w.Code != http.StatusOK {
			t.Errorf("%s mount: status = %d, want 200", mount, w.Code)
		}
		if !strings.Contains(w.Body.String(), "issuer") {
			t.Errorf("%s mount: body = %s", mount, w.Body.String())
		}
	}
	if len(*paths) != 2 || (*paths)[0] != "/.well-known/oauth-protected-resource" {
		t.Errorf("upstream paths = %v", *paths)
	}
}

func TestOAuth_ServerScopedLayoutAndRegister(t *testing.T) {
	t.Parallel()

	f, _, paths := oauthFixture(t, http.StatusCreated)

	r := httptest.NewRequest(http.MethodGet, "/servers/demo/mcp/.well-known/openid-configuration", nil)
	w := httptest.NewRecorder()
	f.ServeServerScoped(w, r, "demo", ".well-known/openid-configuration")
	if w.Code != http.StatusCreated {
		t.Errorf("discovery status = %d, want 201", w.Code)
	}

	r = httptest.NewRequest(http.MethodPost, "/servers/demo/mcp/register", strings.NewReader(`{"client_name":"x"}`))
	w = httptest.NewRecorder()
	f.ServeServerScoped(w, r, "demo", "register")
	if w.Code != http.StatusCreated {
		t.Errorf("register status = %d, want 201", w.Code)
	}

	want := []string{"/.well-known/openid-configuration", "/register"}
	if len(*paths) != 2 || (*paths)[0] != want[0] || (*paths)[1] != want[1] {
		t.Errorf("upstream paths = %v, want %v", *paths, want)
	}
}

func TestOAuth_UnknownDocument(t *testing.T) {
	t.Parallel()

	f, _, _ := oauthFixture(t, http.StatusOK)

	r := httptest.NewRequest(http.MethodGet, "/.well-known/jwks.json/servers/demo/mcp", nil)
	w := httptest.NewRecorder()
	f.ServeHTTP(w, r)
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}

func TestOAuth_BarePathWithoutServer(t *testing.T) {
	t.Parallel()

	f, _, _ := oauthFixture(t, http.StatusOK)

	r := httptest.NewRequest(http.MethodGet, "/.well-known/oauth-authorization-server", nil)
	w := httptest.NewRecorder()
	f.ServeHTTP(w, r)

	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
	if got := strings.TrimSpace(w.Body.String()); got != `{"error":"server_not_specified"}` {
		t.Errorf("body = %s", got)
	}
}

func TestOAuth_BarePathResolvesViaCookie(t *testing.T) {
	t.Parallel()

	f, _, paths := oauthFixture(t, http.StatusOK)

	r := httptest.NewRequest(http.MethodGet, "/.well-known/oauth-authorization-server", nil)
	r.AddCookie(&http.Cookie{Name: gatewayCookieName, Value: "demo"})
	w := httptest.NewRecorder()
	f.ServeHTTP(w, r)

	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", w.Code)
	}
	if len(*paths) != 1 || (*paths)[0] != "/.well-known/oauth-authorization-server" {
		t.Errorf("upstream paths = %v", *paths)
	}
}

func TestOAuth_UnknownServer(t *testing.T) {
	t.Parallel()

	f, _, _ := oauthFixture(t, http.StatusOK)

	r := httptest.NewRequest(http.MethodGet, "/.well-known/oauth-protected-resource/servers/ghost/mcp", nil)
	w := httptest.NewRecorder()
	f.ServeHTTP(w, r)
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}

func TestOAuth_401SetsGatewayCookie(t *testing.T) {
	t.Parallel()

	f, _, _ := oauthFixture(t, http.StatusUnauthorized)

	r := httptest.NewRequest(http.MethodGet, "/.well-known/oauth-protected-resource/servers/demo/mcp", nil)
	w := httptest.NewRecorder()
	f.ServeHTTP(w, r)

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", w.Code)
	}
	res := w.Result()
	defer func() { _ = res.Body.Close() }()
	var found bool
	for _, c := range res.Cookies() {
		if c.Name == gatewayCookieName && c.Value == "demo" {
			found = true
		}
	}
	if !found {
		t.Error("gateway cookie missing on 401")
	}
	_, _ = io.Copy(io.Discard, res.Body)
}

func TestOAuth_CookieNotForwardedUpstream(t *testing.T) {
	t.Parallel()

	var gotCookie string
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotCookie = r.Header.Get("Cookie")
		_, _ = w.Write([]byte(`{}`))
	}))
	t.Cleanup(up.Close)

	reg := registry.New()
	if err := reg.Add(registry.McpServer{Name: "demo", URL: up.URL + "/mcp"}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	f := NewOAuthForwarder(reg, WithOAuthClient(up.Client()))

	r := httptest.NewRequest(http.MethodGet, "/.well-known/openid-configuration", nil)
	r.AddCookie(&http.Cookie{Name: gatewayCookieName, Value: "demo"})
	w := httptest.NewRecorder()
	f.ServeHTTP(w, r)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if gotCookie != "" {
		t.Errorf("cookie leaked upstream: %q", gotCookie)
	}
}

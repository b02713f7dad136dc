package registry

import (
	"errors"
	"testing"
	"time"
)

func TestRegistry_AddAndGet(t *testing.T) {
	t.Parallel()

	reg := New()
	if err := reg.Add(McpServer{Name: "Demo", URL: "http://localhost:3000/mcp/"}); err != nil {
		t.Fatalf("Add: %v", err)
	}

	// Lookup is case-insensitive, stored casing is preserved, trailing
	// slash is stripped.
	srv, err := reg.Get("demo")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if srv.Name != "Demo" {
		t.Errorf("name = %q, want %q", srv.Name, "Demo")
	}
	if srv.URL != "http://localhost:3000/mcp" {
		t.Errorf("url = %q, want trailing slash stripped", srv.URL)
	}
	if srv.Health != "unknown" {
		t.Errorf("health = %q, want unknown", srv.Health)
	}
}

func TestRegistry_DuplicateName(t *testing.T) {
	t.Parallel()

	reg := New()
	if err := reg.Add(McpServer{Name: "demo", URL: "http://a/mcp"}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	err := reg.Add(McpServer{Name: "DEMO", URL: "http://b/mcp"})
	if !errors.Is(err, ErrDuplicateServerName) {
		t.Errorf("err = %v, want ErrDuplicateServerName", err)
	}
}

func TestRegistry_InvalidURL(t *testing.T) {
	t.Parallel()

	reg := New()
	if err := reg.Add(McpServer{Name: "bad", URL: "not-a-url"}); err == nil {
		t.Error("relative URL accepted")
	}
	if err := reg.Add(McpServer{Name: "", URL: "http://a/mcp"}); err == nil {
		t.Error("empty name accepted")
	}
}

func TestRegistry_UpdateAndRemove(t *testing.T) {
	t.Parallel()

	reg := New()
	if err := reg.Add(McpServer{Name: "demo", URL: "http://a/mcp"}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := reg.Update(McpServer{Name: "demo", URL: "http://b/mcp", Headers: map[string]string{"X-Key": "v"}}); err != nil {
		t.Fatalf("Update: %v", err)
	}
	srv, _ := reg.Get("demo")
	if srv.URL != "http://b/mcp" {
		t.Errorf("url = %q, want http://b/mcp", srv.URL)
	}
	if srv.Headers["X-Key"] != "v" {
		t.Errorf("headers = %v, want X-Key", srv.Headers)
	}

	if err := reg.Remove("DEMO"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, err := reg.Get("demo"); !errors.Is(err, ErrServerNotFound) {
		t.Errorf("err = %v, want ErrServerNotFound", err)
	}
	if err := reg.Remove("demo"); !errors.Is(err, ErrServerNotFound) {
		t.Errorf("second remove err = %v, want ErrServerNotFound", err)
	}
}

func TestRegistry_Touch(t *testing.T) {
	t.Parallel()

	reg := New()
	if err := reg.Add(McpServer{Name: "demo", URL: "http://a/mcp"}); err != nil {
		t.Fatalf("Add: %v", err)
	}

	at := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	if err := reg.Touch("demo", at); err != nil {
		t.Fatalf("Touch: %v", err)
	}
	if err := reg.Touch("demo", at.Add(time.Second)); err != nil {
		t.Fatalf("Touch: %v", err)
	}

	srv, _ := reg.Get("demo")
	if srv.ExchangeCount != 2 {
		t.Errorf("exchangeCount = %d, want 2", srv.ExchangeCount)
	}
	if srv.LastActivity == nil || !srv.LastActivity.Equal(at.Add(time.Second)) {
		t.Errorf("lastActivity = %v, want %v", srv.LastActivity, at.Add(time.Second))
	}

	if err := reg.Touch("nope", at); !errors.Is(err, ErrServerNotFound) {
		t.Errorf("err = %v, want ErrServerNotFound", err)
	}
}

func TestRegistry_SaveHookOnMutation(t *testing.T) {
	t.Parallel()

	var saves [][]McpServer
	reg := New(WithSaveFunc(func(servers []McpServer) error {
		saves = append(saves, servers)
		return nil
	}))

	if err := reg.Add(McpServer{Name: "b", URL: "http://b/mcp"}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := reg.Add(McpServer{Name: "a", URL: "http://a/mcp"}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := reg.Remove("b"); err != nil {
		t.Fatalf("Remove: %v", err)
	}

	if len(saves) != 3 {
		t.Fatalf("save hook called %d times, want 3", len(saves))
	}
	// Snapshots are sorted by name for stable files.
	last := saves[1]
	if len(last) != 2 || last[0].Name != "a" || last[1].Name != "b" {
		t.Errorf("snapshot = %v, want sorted [a b]", last)
	}
}

func TestRegistry_LoadSkipsSave(t *testing.T) {
	t.Parallel()

	calls := 0
	reg := New(WithSaveFunc(func([]McpServer) error {
		calls++
		return nil
	}))
	if err := reg.Load([]McpServer{{Name: "demo", URL: "http://a/mcp"}}); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if calls != 0 {
		t.Errorf("Load triggered %d saves, want 0", calls)
	}
	if _, err := reg.Get("demo"); err != nil {
		t.Errorf("Get after Load: %v", err)
	}
}

func TestRegistry_ListReturnsCopies(t *testing.T) {
	t.Parallel()

	reg := New()
	if err := reg.Add(McpServer{Name: "demo", URL: "http://a/mcp", Headers: map[string]string{"k": "v"}}); err != nil {
		t.Fatalf("Add: %v", err)
	}

	list := reg.List()
	list[0].Headers["k"] = "mutated"
	list[0].Name = "mutated"

	srv, _ := reg.Get("demo")
	if srv.Headers["k"] != "v" {
		t.Error("mutating a listed copy leaked into the registry")
	}
}

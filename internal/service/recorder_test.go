package service

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/mcplens/mcplens/internal/domain/capture"
	"github.com/mcplens/mcplens/internal/domain/session"
)

// memStore is an in-memory capture.Store collecting inserted records.
type memStore struct {
	mu      sync.Mutex
	records []*capture.Record
	failing bool
}

var _ capture.Store = (*memStore)(nil)

func (m *memStore) Insert(_ context.Context, rec *capture.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failing {
		return context.DeadlineExceeded
	}
	m.records = append(m.records, rec)
	return nil
}

func (m *memStore) Query(context.Context, capture.LogQuery) (capture.QueryResult, error) {
	return capture.QueryResult{}, nil
}
func (m *memStore) Servers(context.Context) ([]capture.ServerAggregate, error) { return nil, nil }
func (m *memStore) Clients(context.Context) ([]capture.ClientAggregate, error) { return nil, nil }
func (m *memStore) Methods(context.Context, string) ([]string, error)          { return nil, nil }
func (m *memStore) Clear(context.Context) error                                { return nil }
func (m *memStore) Sessions(context.Context, string) ([]capture.SessionAggregate, error) {
	return nil, nil
}
func (m *memStore) BackfillServerInfo(context.Context, string, string, string, capture.ServerInfo) error {
	return nil
}
func (m *memStore) ReassignSession(context.Context, string, string, string, string) error {
	return nil
}
func (m *memStore) UpsertServerHealth(context.Context, string, string, time.Time, string) error {
	return nil
}

func (m *memStore) last(t *testing.T) *capture.Record {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.records) == 0 {
		t.Fatal("no records persisted")
	}
	return m.records[len(m.records)-1]
}

func newTestRecorder(store *memStore, now func() time.Time) (*Recorder, *session.StateStore) {
	state := session.NewStateStore()
	tracker := session.NewRequestTracker(time.Minute, nil)
	rec := NewRecorder(store, state, tracker, WithClock(now))
	return rec, state
}

func TestRecorder_RequestResponseDuration(t *testing.T) {
	t.Parallel()

	base := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
	current := base
	store := &memStore{}
	rec, _ := newTestRecorder(store, func() time.Time { return current })

	env, ok := capture.ParseEnvelope(json.RawMessage(`{"jsonrpc":"2.0","id":1,"method":"tools/call"}`))
	if !ok {
		t.Fatal("envelope did not parse")
	}
	rec.RecordRequest(context.Background(), RequestInput{
		ServerName: "srv",
		SessionID:  "sess",
		Envelope:   env,
		Body:       json.RawMessage(`{"jsonrpc":"2.0","id":1,"method":"tools/call"}`),
		UserAgent:  "agent",
		ClientIP:   "10.0.0.1",
	})

	req := store.last(t)
	if !req.IsRequest() || req.Method != "tools/call" || req.Metadata.UserAgent != "agent" {
		t.Errorf("request record = %+v", req)
	}

	current = base.Add(42 * time.Millisecond)
	rec.RecordResponse(context.Background(), ResponseInput{
		ServerName: "srv",
		SessionID:  "sess",
		Method:     "tools/call",
		ID:         json.RawMessage("1"),
		Body:       json.RawMessage(`{"jsonrpc":"2.0","id":1,"result":{}}`),
		HTTPStatus: 200,
	})

	resp := store.last(t)
	if !resp.IsResponse() {
		t.Fatal("response side lost")
	}
	if resp.Metadata.DurationMs != 42 {
		t.Errorf("durationMs = %d, want 42", resp.Metadata.DurationMs)
	}
	if resp.Metadata.HTTPStatus != 200 {
		t.Errorf("httpStatus = %d, want 200", resp.Metadata.HTTPStatus)
	}

	// The pairing is consumed: a duplicate response has no duration.
	rec.RecordResponse(context.Background(), ResponseInput{
		ServerName: "srv", SessionID: "sess", Method: "tools/call",
		ID: json.RawMessage("1"), Body: json.RawMessage(`{"jsonrpc":"2.0","id":1,"result":{}}`),
	})
	if store.last(t).Metadata.DurationMs != 0 {
		t.Error("duplicate response still paired")
	}
}

func TestRecorder_ResponsePairsAcrossSessionReassignment(t *testing.T) {
	t.Parallel()

	base := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
	current := base
	store := &memStore{}
	rec, _ := newTestRecorder(store, func() time.Time { return current })

	env, ok := capture.ParseEnvelope(json.RawMessage(`{"jsonrpc":"2.0","id":1,"method":"initialize"}`))
	if !ok {
		t.Fatal("envelope did not parse")
	}
	rec.RecordRequest(context.Background(), RequestInput{
		ServerName: "srv",
		SessionID:  capture.StatelessSession,
		Envelope:   env,
		Body:       json.RawMessage(`{"jsonrpc":"2.0","id":1,"method":"initialize"}`),
	})

	// The upstream assigned a session mid-exchange: the response lands
	// under it but still pairs with the request tracked under the
	// sentinel.
	current = base.Add(17 * time.Millisecond)
	rec.RecordResponse(context.Background(), ResponseInput{
		ServerName:       "srv",
		SessionID:        "up-1",
		TrackedSessionID: capture.StatelessSession,
		Method:           "initialize",
		ID:               json.RawMessage("1"),
		Body:             json.RawMessage(`{"jsonrpc":"2.0","id":1,"result":{}}`),
		HTTPStatus:       200,
	})

	resp := store.last(t)
	if resp.Metadata.SessionID != "up-1" {
		t.Errorf("session = %q, want up-1", resp.Metadata.SessionID)
	}
	if resp.Metadata.DurationMs != 17 {
		t.Errorf("durationMs = %d, want 17", resp.Metadata.DurationMs)
	}
}

func TestRecorder_AttachesSessionIdentity(t *testing.T) {
	t.Parallel()

	store := &memStore{}
	rec, state := newTestRecorder(store, time.Now)
	state.SetClientInfo("sess", capture.ClientInfo{Name: "cli", Version: "1.0"})
	state.SetServerInfo("sess", capture.ServerInfo{Name: "up", Version: "2.0"})

	rec.RecordSSEEvent(context.Background(), SSEEventInput{
		ServerName: "srv",
		SessionID:  "sess",
		Method:     "GET /mcp",
		Event:      &capture.SSEEvent{Data: "ping"},
		HTTPStatus: 200,
	})

	got := store.last(t)
	if !got.IsSSEEvent() {
		t.Fatal("SSE record lost")
	}
	if got.Metadata.Client == nil || got.Metadata.Client.Name != "cli" {
		t.Errorf("client = %+v", got.Metadata.Client)
	}
	if got.Metadata.Server == nil || got.Metadata.Server.Version != "2.0" {
		t.Errorf("server = %+v", got.Metadata.Server)
	}
}

func TestRecorder_StoreFailureDropsSilently(t *testing.T) {
	t.Parallel()

	store := &memStore{failing: true}
	observed, dropped := 0, 0
	state := session.NewStateStore()
	tracker := session.NewRequestTracker(time.Minute, nil)
	rec := NewRecorder(store, state, tracker,
		WithRecordObserver(func(*capture.Record) { observed++ }),
		WithDropObserver(func() { dropped++ }))

	rec.RecordSSEEvent(context.Background(), SSEEventInput{
		ServerName: "srv", SessionID: "sess", Method: "GET /mcp",
		Event: &capture.SSEEvent{Data: "x"},
	})

	if observed != 0 {
		t.Errorf("observer fired %d times on a failed insert, want 0", observed)
	}
	if dropped != 1 {
		t.Errorf("drop observer fired %d times, want 1", dropped)
	}
}

func TestRecorder_ObserverSeesPersistedRecords(t *testing.T) {
	t.Parallel()

	store := &memStore{}
	var seen []*capture.Record
	state := session.NewStateStore()
	tracker := session.NewRequestTracker(time.Minute, nil)
	rec := NewRecorder(store, state, tracker,
		WithRecordObserver(func(r *capture.Record) { seen = append(seen, r) }))

	env, _ := capture.ParseEnvelope(json.RawMessage(`{"jsonrpc":"2.0","method":"notifications/initialized"}`))
	rec.RecordRequest(context.Background(), RequestInput{
		ServerName: "srv", SessionID: "sess", Envelope: env,
		Body: json.RawMessage(`{"jsonrpc":"2.0","method":"notifications/initialized"}`),
	})

	if len(seen) != 1 || seen[0].Method != "notifications/initialized" {
		t.Errorf("observer saw %+v", seen)
	}
}

func TestSynthesizeError(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		id       json.RawMessage
		code     int64
		rawBody  []byte
		wantID   string
		wantData string
	}{
		{
			name:   "transport error without body",
			id:     json.RawMessage("1"),
			code:   -32603,
			wantID: "1",
		},
		{
			name:     "json body becomes data directly",
			id:       json.RawMessage(`"a"`),
			code:     404,
			rawBody:  []byte(`{"error":"Not Found"}`),
			wantID:   `"a"`,
			wantData: `{"error":"Not Found"}`,
		},
		{
			name:     "text body wrapped under rawBody",
			id:       json.RawMessage("2"),
			code:     502,
			rawBody:  []byte("Bad Gateway"),
			wantID:   "2",
			wantData: `{"rawBody":"Bad Gateway"}`,
		},
		{
			name:   "missing id becomes null",
			code:   401,
			wantID: "null",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			out := SynthesizeError(tt.id, tt.code, "boom", tt.rawBody)

			env, ok := capture.ParseEnvelope(out)
			if !ok {
				t.Fatalf("synthesized body is not an envelope: %s", out)
			}
			if env.Error == nil {
				t.Fatal("no error object")
			}
			if env.Error.Code != tt.code || env.Error.Message != "boom" {
				t.Errorf("error = %+v", env.Error)
			}
			if string(env.ID) != tt.wantID {
				t.Errorf("id = %s, want %s", env.ID, tt.wantID)
			}
			if tt.wantData == "" {
				if len(env.Error.Data) != 0 {
					t.Errorf("data = %s, want absent", env.Error.Data)
				}
			} else if string(env.Error.Data) != tt.wantData {
				t.Errorf("data = %s, want %s", env.Error.Data, tt.wantData)
			}
		})
	}
}

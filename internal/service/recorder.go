// Package service contains the gateway's application services: the
// capture recorder and the upstream health checker.
package service

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/mcplens/mcplens/internal/domain/capture"
	"github.com/mcplens/mcplens/internal/domain/session"
)

// Recorder builds capture records from proxy observations and hands
// them to the store. Store failures are logged and dropped: the
// client-facing path is never poisoned by the observability path.
type Recorder struct {
	store   capture.Store
	state   *session.StateStore
	tracker *session.RequestTracker
	logger  *slog.Logger
	now     func() time.Time

	// onRecord, when set, receives every persisted record. Consumed by
	// live UIs; must not block.
	onRecord func(*capture.Record)

	// onDrop, when set, is invoked for every record lost to a store
	// failure.
	onDrop func()
}

// RecorderOption is a functional option for configuring a Recorder.
type RecorderOption func(*Recorder)

// WithRecorderLogger sets the logger.
func WithRecorderLogger(logger *slog.Logger) RecorderOption {
	return func(r *Recorder) { r.logger = logger }
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) RecorderOption {
	return func(r *Recorder) { r.now = now }
}

// WithRecordObserver registers a callback invoked after each persisted
// record.
func WithRecordObserver(fn func(*capture.Record)) RecorderOption {
	return func(r *Recorder) { r.onRecord = fn }
}

// WithDropObserver registers a callback invoked when a record is
// dropped because the store rejected it.
func WithDropObserver(fn func()) RecorderOption {
	return func(r *Recorder) { r.onDrop = fn }
}

// NewRecorder creates a recorder over the given store and session state.
func NewRecorder(store capture.Store, state *session.StateStore, tracker *session.RequestTracker, opts ...RecorderOption) *Recorder {
	r := &Recorder{
		store:   store,
		state:   state,
		tracker: tracker,
		logger:  slog.Default(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// RequestInput describes one observed JSON-RPC request.
type RequestInput struct {
	ServerName string
	SessionID  string
	Envelope   *capture.Envelope
	Body       json.RawMessage
	UserAgent  string
	ClientIP   string
}

// ResponseInput describes one observed JSON-RPC response, whether from
// a plain HTTP body or an SSE frame.
type ResponseInput struct {
	ServerName string
	SessionID  string
	// TrackedSessionID is the session the originating request was
	// recorded under when it differs from SessionID (the stateless
	// initialize transition re-keys the exchange). Empty means
	// SessionID.
	TrackedSessionID string
	// Method is the method of the originating request.
	Method string
	// ID is the raw JSON-RPC id of the response.
	ID         json.RawMessage
	Body       json.RawMessage
	HTTPStatus int
}

// SSEEventInput describes one opaque SSE frame (no embedded JSON-RPC).
type SSEEventInput struct {
	ServerName string
	SessionID  string
	// Method is the synthetic label: the initiating request's method,
	// or "GET /mcp" for GET-opened streams.
	Method     string
	Event      *capture.SSEEvent
	HTTPStatus int
}

// RecordRequest persists the request side of an exchange and starts the
// duration tracker for its id.
func (r *Recorder) RecordRequest(ctx context.Context, in RequestInput) {
	now := r.now()
	rec := &capture.Record{
		Timestamp: now,
		Method:    in.Envelope.Method,
		ID:        in.Envelope.ID,
		Metadata: capture.Metadata{
			ServerName: in.ServerName,
			SessionID:  in.SessionID,
			UserAgent:  in.UserAgent,
			ClientIP:   in.ClientIP,
		},
		Request: in.Body,
	}
	r.attachIdentity(&rec.Metadata, in.SessionID)

	if key, ok := capture.IDKey(in.Envelope.ID); ok {
		r.tracker.Track(in.ServerName, in.SessionID, key, now)
	}
	r.persist(ctx, rec)
}

// RecordResponse persists the response side, pairing with the tracked
// request to compute the duration.
func (r *Recorder) RecordResponse(ctx context.Context, in ResponseInput) {
	now := r.now()
	rec := &capture.Record{
		Timestamp: now,
		Method:    in.Method,
		ID:        in.ID,
		Metadata: capture.Metadata{
			ServerName: in.ServerName,
			SessionID:  in.SessionID,
			HTTPStatus: in.HTTPStatus,
		},
		Response: in.Body,
	}
	trackSession := in.SessionID
	if in.TrackedSessionID != "" {
		trackSession = in.TrackedSessionID
	}
	if key, ok := capture.IDKey(in.ID); ok {
		if start, tracked := r.tracker.Claim(in.ServerName, trackSession, key); tracked {
			rec.Metadata.DurationMs = now.Sub(start).Milliseconds()
			if rec.Metadata.DurationMs < 0 {
				rec.Metadata.DurationMs = 0
			}
		}
	}
	r.attachIdentity(&rec.Metadata, in.SessionID)
	r.persist(ctx, rec)
}

// RecordSSEEvent persists one opaque SSE frame.
func (r *Recorder) RecordSSEEvent(ctx context.Context, in SSEEventInput) {
	rec := &capture.Record{
		Timestamp: r.now(),
		Method:    in.Method,
		Metadata: capture.Metadata{
			ServerName: in.ServerName,
			SessionID:  in.SessionID,
			HTTPStatus: in.HTTPStatus,
		},
		Event: in.Event,
	}
	r.attachIdentity(&rec.Metadata, in.SessionID)
	r.persist(ctx, rec)
}

// SynthesizeError wraps a non-JSON-RPC upstream body into a JSON-RPC
// error response so every persisted row is still a capture record. When
// the body itself is JSON it becomes error.data directly; otherwise it
// is carried under data.rawBody.
func SynthesizeError(id json.RawMessage, code int64, message string, rawBody []byte) json.RawMessage {
	var data json.RawMessage
	if len(rawBody) > 0 {
		if json.Valid(rawBody) {
			data = json.RawMessage(rawBody)
		} else {
			wrapped, _ := json.Marshal(map[string]string{"rawBody": string(rawBody)})
			data = wrapped
		}
	}
	if len(id) == 0 {
		id = json.RawMessage("null")
	}
	env := capture.Envelope{
		JSONRPC: "2.0",
		ID:      id,
		Error: &capture.ErrorObject{
			Code:    code,
			Message: message,
			Data:    data,
		},
	}
	out, _ := json.Marshal(env)
	return out
}

// attachIdentity copies the session's stored client/server identity
// onto the record metadata.
func (r *Recorder) attachIdentity(md *capture.Metadata, sessionID string) {
	if info, ok := r.state.ClientInfo(sessionID); ok {
		md.Client = &info
	}
	if info, ok := r.state.ServerInfo(sessionID); ok {
		md.Server = &info
	}
}

// persist writes the record, logging and dropping on failure.
func (r *Recorder) persist(ctx context.Context, rec *capture.Record) {
	if err := r.store.Insert(ctx, rec); err != nil {
		r.logger.Warn("capture write failed, dropping record",
			"server", rec.Metadata.ServerName,
			"session", rec.Metadata.SessionID,
			"method", rec.Method,
			"error", err)
		if r.onDrop != nil {
			r.onDrop()
		}
		return
	}
	if r.onRecord != nil {
		r.onRecord(rec)
	}
}

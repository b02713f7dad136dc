// Package capture contains the domain types for captured MCP traffic:
// the capture record persisted per exchange side, the client/server
// identities extracted from the initialize handshake, and the JSON-RPC
// envelope used to classify payloads without interpreting them.
package capture

import (
	"bytes"
	"encoding/json"
	"time"
)

// TimeFormat is the persisted timestamp layout. Fixed-width UTC with
// millisecond precision so lexicographic order equals temporal order.
const TimeFormat = "2006-01-02T15:04:05.000Z"

// StatelessSession is the sentinel session key for traffic that arrives
// without an Mcp-Session-Id header.
const StatelessSession = "stateless"

// ClientInfo identifies the MCP client, extracted from the initialize
// request's params.clientInfo.
type ClientInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
	Title   string `json:"title,omitempty"`
}

// ServerInfo identifies the upstream MCP server, extracted from the
// initialize response's result.serverInfo.
type ServerInfo struct {
	Name    string `json:"name,omitempty"`
	Version string `json:"version"`
	Title   string `json:"title,omitempty"`
}

// SSEEvent is one raw Server-Sent Events frame as received from upstream.
type SSEEvent struct {
	ID    string `json:"id,omitempty"`
	Event string `json:"event,omitempty"`
	Data  string `json:"data,omitempty"`
	Retry string `json:"retry,omitempty"`
}

// Metadata carries the exchange context attached to every record.
type Metadata struct {
	ServerName string      `json:"serverName"`
	SessionID  string      `json:"sessionId"`
	DurationMs int64       `json:"durationMs"`
	HTTPStatus int         `json:"httpStatus"`
	Client     *ClientInfo `json:"client,omitempty"`
	Server     *ServerInfo `json:"server,omitempty"`
	UserAgent  string      `json:"userAgent,omitempty"`
	ClientIP   string      `json:"clientIp,omitempty"`
}

// Record is the unit persisted by the capture store. Exactly one of
// Request, Response, or Event is set.
type Record struct {
	Timestamp time.Time
	Method    string
	// ID is the raw JSON-RPC id ("1", `"abc"`, or nil for null/absent).
	ID       json.RawMessage
	Metadata Metadata
	Request  json.RawMessage
	Response json.RawMessage
	Event    *SSEEvent
}

// IsRequest reports whether this record captures the request side.
func (r *Record) IsRequest() bool { return r.Request != nil }

// IsResponse reports whether this record captures the response side.
func (r *Record) IsResponse() bool { return r.Response != nil }

// IsSSEEvent reports whether this record captures an opaque SSE frame.
func (r *Record) IsSSEEvent() bool { return r.Event != nil }

// IDKey renders a raw JSON-RPC id as its storage key: strings lose their
// quotes, numbers keep their decimal form. Returns ok=false for a missing
// or null id (persisted as NULL).
func IDKey(raw json.RawMessage) (string, bool) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return "", false
	}
	var s string
	if err := json.Unmarshal(trimmed, &s); err == nil {
		return s, true
	}
	return string(trimmed), true
}

// Envelope is a forgiving JSON-RPC 2.0 wire object. Payload fields stay
// raw so captured traffic is preserved byte-for-byte.
type Envelope struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *ErrorObject    `json:"error,omitempty"`
}

// ErrorObject is a JSON-RPC 2.0 error object.
type ErrorObject struct {
	Code    int64           `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// IsResponse reports whether the envelope carries a result or an error.
func (e *Envelope) IsResponse() bool { return e.Result != nil || e.Error != nil }

// ParseEnvelope decodes data into an Envelope if it is a JSON-RPC 2.0
// object carrying either a method (request/notification) or a
// result/error (response). Anything else returns ok=false: the payload
// is then treated as opaque.
func ParseEnvelope(data []byte) (*Envelope, bool) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, false
	}
	// Probe for the error key so `"error": null` does not count.
	var probe struct {
		JSONRPC string          `json:"jsonrpc"`
		Method  string          `json:"method"`
		Result  json.RawMessage `json:"result"`
		Error   json.RawMessage `json:"error"`
	}
	if err := json.Unmarshal(trimmed, &probe); err != nil {
		return nil, false
	}
	if probe.JSONRPC != "2.0" {
		return nil, false
	}
	if probe.Method == "" && probe.Result == nil && len(probe.Error) == 0 {
		return nil, false
	}
	var env Envelope
	if err := json.Unmarshal(trimmed, &env); err != nil {
		return nil, false
	}
	return &env, true
}

// ExtractClientInfo pulls params.clientInfo from an initialize request
// envelope. Returns nil when the field is absent or malformed, or when
// the mandatory name/version pair is incomplete.
func ExtractClientInfo(env *Envelope) *ClientInfo {
	if env == nil || len(env.Params) == 0 {
		return nil
	}
	var params struct {
		ClientInfo *ClientInfo `json:"clientInfo"`
	}
	if err := json.Unmarshal(env.Params, &params); err != nil {
		return nil
	}
	if params.ClientInfo == nil || params.ClientInfo.Name == "" || params.ClientInfo.Version == "" {
		return nil
	}
	return params.ClientInfo
}

// ExtractServerInfo pulls result.serverInfo from an initialize response
// envelope. Returns nil when absent or when version is missing.
func ExtractServerInfo(env *Envelope) *ServerInfo {
	if env == nil || len(env.Result) == 0 {
		return nil
	}
	var result struct {
		ServerInfo *ServerInfo `json:"serverInfo"`
	}
	if err := json.Unmarshal(env.Result, &result); err != nil {
		return nil
	}
	if result.ServerInfo == nil || result.ServerInfo.Version == "" {
		return nil
	}
	return result.ServerInfo
}

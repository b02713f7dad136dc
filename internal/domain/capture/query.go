package capture

import (
	"context"
	"fmt"
	"time"
)

// Query limits. Limit is clamped into [MinLimit, MaxLimit] by Normalize.
const (
	MinLimit     = 1
	MaxLimit     = 1000
	DefaultLimit = 100
)

// StringOperator selects the match mode of a string filter.
type StringOperator string

const (
	// OperatorIs matches exactly, case-sensitively.
	OperatorIs StringOperator = "is"
	// OperatorContains matches a substring, case-insensitively.
	OperatorContains StringOperator = "contains"
)

// Order is the sort direction of query results.
type Order string

const (
	OrderAsc  Order = "asc"
	OrderDesc Order = "desc"
)

// StringFilter is a multi-select filter over one string column. Values
// are OR-ed within the filter; distinct filters AND together.
type StringFilter struct {
	Operator StringOperator
	Values   []string
}

// IsZero reports whether the filter selects nothing.
func (f StringFilter) IsZero() bool { return len(f.Values) == 0 }

// NumberFilter is a numeric comparison filter. Eq values OR together;
// the bound fields each take a single value.
type NumberFilter struct {
	Eq  []int64
	Gt  *int64
	Lt  *int64
	Gte *int64
	Lte *int64
}

// IsZero reports whether the filter selects nothing.
func (f NumberFilter) IsZero() bool {
	return len(f.Eq) == 0 && f.Gt == nil && f.Lt == nil && f.Gte == nil && f.Lte == nil
}

// LogQuery is the input to Store.Query. Zero-valued fields are ignored.
type LogQuery struct {
	Server  StringFilter
	Session StringFilter
	Client  StringFilter
	Method  StringFilter

	Duration NumberFilter
	// Tokens filters the reserved tokens column. The column stays NULL
	// until a future extractor populates it, so this matches nothing today.
	Tokens NumberFilter

	// Search terms AND together; each matches a substring of the request
	// or response payload.
	Search []string

	// After and Before bound the time window, both exclusive.
	After  *time.Time
	Before *time.Time

	Limit int
	Order Order
}

// Normalize applies defaults and clamps the limit.
func (q *LogQuery) Normalize() {
	if q.Limit == 0 {
		q.Limit = DefaultLimit
	}
	if q.Limit < MinLimit {
		q.Limit = MinLimit
	}
	if q.Limit > MaxLimit {
		q.Limit = MaxLimit
	}
	if q.Order == "" {
		q.Order = OrderDesc
	}
}

// Validate checks field values that Normalize cannot repair.
func (q *LogQuery) Validate() error {
	switch q.Order {
	case "", OrderAsc, OrderDesc:
	default:
		return fmt.Errorf("invalid order %q", q.Order)
	}
	for _, f := range []StringFilter{q.Server, q.Session, q.Client, q.Method} {
		switch f.Operator {
		case "", OperatorIs, OperatorContains:
		default:
			return fmt.Errorf("invalid operator %q", f.Operator)
		}
	}
	return nil
}

// QueryResult is the page returned by Store.Query.
type QueryResult struct {
	Records []Record
	// HasMore is true when the match set extends past this page.
	HasMore bool
	// OldestTimestamp and NewestTimestamp reflect the returned slice,
	// not the full match set. Nil for an empty page.
	OldestTimestamp *time.Time
	NewestTimestamp *time.Time
}

// ServerAggregate summarizes captured traffic for one upstream name.
type ServerAggregate struct {
	ServerName   string
	LogCount     int64
	SessionCount int64
}

// SessionAggregate summarizes one captured session.
type SessionAggregate struct {
	SessionID  string
	ServerName string
	LogCount   int64
	StartTime  time.Time
	EndTime    time.Time
}

// ClientAggregate summarizes captured traffic per client identity.
type ClientAggregate struct {
	ClientName    string
	ClientVersion string
	LogCount      int64
}

// Health values persisted by the health checker.
const (
	HealthUp      = "up"
	HealthDown    = "down"
	HealthUnknown = "unknown"
)

// Store persists capture records and answers filtered queries.
// Implementations must never let a write failure reach the proxy path;
// the recorder logs and drops instead.
type Store interface {
	// Insert persists one record.
	Insert(ctx context.Context, rec *Record) error

	// Query returns records matching q, normalized per the pagination
	// contract (limit+1 fetch, extra row dropped).
	Query(ctx context.Context, q LogQuery) (QueryResult, error)

	// Servers returns per-upstream log and distinct-session counts.
	Servers(ctx context.Context) ([]ServerAggregate, error)
	// Sessions returns session aggregates, optionally scoped to one
	// upstream, ordered by start time descending.
	Sessions(ctx context.Context, serverName string) ([]SessionAggregate, error)
	// Clients returns aggregates per (clientName, clientVersion),
	// ignoring rows with no recorded client.
	Clients(ctx context.Context) ([]ClientAggregate, error)
	// Methods returns the distinct methods captured, optionally scoped
	// to one upstream.
	Methods(ctx context.Context, serverName string) ([]string, error)

	// BackfillServerInfo sets serverVersion/serverTitle on the single
	// initialize request row identified by (server, session, id).
	BackfillServerInfo(ctx context.Context, serverName, sessionID, requestID string, info ServerInfo) error

	// ReassignSession moves the rows of one exchange, identified by
	// (server, session, id), under a new session id. Applied when an
	// upstream assigns a session to a stateless initialize after the
	// request row has already been written.
	ReassignSession(ctx context.Context, serverName, oldSession, newSession, requestID string) error

	// UpsertServerHealth records the latest health probe outcome.
	UpsertServerHealth(ctx context.Context, name, health string, lastCheck time.Time, url string) error

	// Clear truncates all captured records.
	Clear(ctx context.Context) error
}

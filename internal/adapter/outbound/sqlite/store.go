// Package sqlite implements the capture store on a single SQLite
// database file with WAL journaling.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/mcplens/mcplens/internal/domain/capture"
)

// busyTimeoutMs is the SQLite busy timeout. Writers back off this long
// before failing with SQLITE_BUSY.
const busyTimeoutMs = 5000

// DatabaseFile is the database filename under the storage root.
const DatabaseFile = "mcplens.db"

const schema = `
CREATE TABLE IF NOT EXISTS logs (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	timestamp     TEXT    NOT NULL,
	method        TEXT    NOT NULL,
	jsonrpcId     TEXT,
	serverName    TEXT    NOT NULL,
	sessionId     TEXT    NOT NULL,
	durationMs    INTEGER NOT NULL DEFAULT 0,
	httpStatus    INTEGER NOT NULL DEFAULT 0,
	requestJson   TEXT,
	responseJson  TEXT,
	errorJson     TEXT,
	clientName    TEXT,
	clientVersion TEXT,
	clientTitle   TEXT,
	serverVersion TEXT,
	serverTitle   TEXT,
	userAgent     TEXT,
	clientIp      TEXT,
	tokens        INTEGER
);
CREATE INDEX IF NOT EXISTS idx_logs_timestamp  ON logs(timestamp);
CREATE INDEX IF NOT EXISTS idx_logs_method     ON logs(method);
CREATE INDEX IF NOT EXISTS idx_logs_serverName ON logs(serverName);
CREATE INDEX IF NOT EXISTS idx_logs_sessionId  ON logs(sessionId);

CREATE TABLE IF NOT EXISTS server_health (
	name      TEXT PRIMARY KEY,
	url       TEXT,
	health    TEXT NOT NULL,
	lastCheck TEXT NOT NULL
);
`

// Store is the SQLite-backed capture store. Writes serialize on a
// mutex; reads run concurrently under WAL.
type Store struct {
	db      *sql.DB
	writeMu sync.Mutex
	logger  *slog.Logger
}

// Option is a functional option for configuring a Store.
type Option func(*Store)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) { s.logger = logger }
}

// Open creates or opens the capture database under dir and applies the
// schema. The directory is created with restricted permissions.
func Open(dir string, opts ...Option) (*Store, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create storage directory: %w", err)
	}
	path := filepath.Join(dir, DatabaseFile)
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)",
		path, busyTimeoutMs)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	s := &Store{db: db, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Close flushes and closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// formatTime renders a timestamp in the fixed-width persisted layout.
func formatTime(t time.Time) string {
	return t.UTC().Format(capture.TimeFormat)
}

// parseTime reads a persisted timestamp, tolerating RFC3339 variants.
func parseTime(s string) time.Time {
	if t, err := time.Parse(capture.TimeFormat, s); err == nil {
		return t
	}
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

// sseEventWrapper is how an SSE-frame record is serialized into the
// responseJson column: the wrapper key distinguishes it from a JSON-RPC
// response on read.
type sseEventWrapper struct {
	SSEEvent *capture.SSEEvent `json:"sseEvent"`
}

// Insert persists one capture record.
func (s *Store) Insert(ctx context.Context, rec *capture.Record) error {
	var (
		jsonrpcID    sql.NullString
		requestJSON  sql.NullString
		responseJSON sql.NullString
		errorJSON    sql.NullString
	)

	if key, ok := capture.IDKey(rec.ID); ok {
		jsonrpcID = sql.NullString{String: key, Valid: true}
	}

	switch {
	case rec.IsRequest():
		requestJSON = sql.NullString{String: string(rec.Request), Valid: true}
	case rec.IsResponse():
		responseJSON = sql.NullString{String: string(rec.Response), Valid: true}
		if env, ok := capture.ParseEnvelope(rec.Response); ok && env.Error != nil {
			if raw, err := json.Marshal(env.Error); err == nil {
				errorJSON = sql.NullString{String: string(raw), Valid: true}
			}
		}
	case rec.IsSSEEvent():
		raw, err := json.Marshal(sseEventWrapper{SSEEvent: rec.Event})
		if err != nil {
			return fmt.Errorf("marshal sse event: %w", err)
		}
		responseJSON = sql.NullString{String: string(raw), Valid: true}
	default:
		return fmt.Errorf("record carries no payload")
	}

	md := rec.Metadata
	var clientName, clientVersion, clientTitle sql.NullString
	if md.Client != nil {
		clientName = sql.NullString{String: md.Client.Name, Valid: true}
		clientVersion = sql.NullString{String: md.Client.Version, Valid: true}
		if md.Client.Title != "" {
			clientTitle = sql.NullString{String: md.Client.Title, Valid: true}
		}
	}
	var serverVersion, serverTitle sql.NullString
	if md.Server != nil {
		serverVersion = sql.NullString{String: md.Server.Version, Valid: true}
		if md.Server.Title != "" {
			serverTitle = sql.NullString{String: md.Server.Title, Valid: true}
		}
	}
	var userAgent, clientIP sql.NullString
	if md.UserAgent != "" {
		userAgent = sql.NullString{String: md.UserAgent, Valid: true}
	}
	if md.ClientIP != "" {
		clientIP = sql.NullString{String: md.ClientIP, Valid: true}
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO logs (
			timestamp, method, jsonrpcId, serverName, sessionId,
			durationMs, httpStatus, requestJson, responseJson, errorJson,
			clientName, clientVersion, clientTitle,
			serverVersion, serverTitle, userAgent, clientIp
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		formatTime(rec.Timestamp), rec.Method, jsonrpcID,
		md.ServerName, md.SessionID, md.DurationMs, md.HTTPStatus,
		requestJSON, responseJSON, errorJSON,
		clientName, clientVersion, clientTitle,
		serverVersion, serverTitle, userAgent, clientIP,
	)
	if err != nil {
		return fmt.Errorf("insert log: %w", err)
	}
	return nil
}

// Query returns the page of records matching q.
func (s *Store) Query(ctx context.Context, q capture.LogQuery) (capture.QueryResult, error) {
	q.Normalize()
	if err := q.Validate(); err != nil {
		return capture.QueryResult{}, err
	}

	where, args := buildWhere(q)
	dir := "DESC"
	if q.Order == capture.OrderAsc {
		dir = "ASC"
	}
	// Fetch one extra row to decide hasMore; the extra row is dropped.
	query := fmt.Sprintf(`
		SELECT timestamp, method, jsonrpcId, serverName, sessionId,
		       durationMs, httpStatus, requestJson, responseJson,
		       clientName, clientVersion, clientTitle,
		       serverVersion, serverTitle, userAgent, clientIp
		FROM logs %s ORDER BY timestamp %s, id %s LIMIT ?`, where, dir, dir)
	args = append(args, q.Limit+1)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return capture.QueryResult{}, fmt.Errorf("query logs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var records []capture.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return capture.QueryResult{}, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return capture.QueryResult{}, fmt.Errorf("iterate logs: %w", err)
	}

	result := capture.QueryResult{}
	if len(records) > q.Limit {
		result.HasMore = true
		records = records[:q.Limit]
	}
	result.Records = records
	if len(records) > 0 {
		oldest, newest := records[0].Timestamp, records[0].Timestamp
		for _, r := range records[1:] {
			if r.Timestamp.Before(oldest) {
				oldest = r.Timestamp
			}
			if r.Timestamp.After(newest) {
				newest = r.Timestamp
			}
		}
		result.OldestTimestamp = &oldest
		result.NewestTimestamp = &newest
	}
	return result, nil
}

// scanRecord reads one logs row. Payload JSON is parsed defensively:
// a corrupt payload yields an empty side, never an error.
func scanRecord(rows *sql.Rows) (capture.Record, error) {
	var (
		timestamp, method, serverName, sessionID string
		jsonrpcID                                sql.NullString
		durationMs                               int64
		httpStatus                               int
		requestJSON, responseJSON                sql.NullString
		clientName, clientVersion, clientTitle   sql.NullString
		serverVersion, serverTitle               sql.NullString
		userAgent, clientIP                      sql.NullString
	)
	if err := rows.Scan(
		&timestamp, &method, &jsonrpcID, &serverName, &sessionID,
		&durationMs, &httpStatus, &requestJSON, &responseJSON,
		&clientName, &clientVersion, &clientTitle,
		&serverVersion, &serverTitle, &userAgent, &clientIP,
	); err != nil {
		return capture.Record{}, fmt.Errorf("scan log row: %w", err)
	}

	rec := capture.Record{
		Timestamp: parseTime(timestamp),
		Method:    method,
		Metadata: capture.Metadata{
			ServerName: serverName,
			SessionID:  sessionID,
			DurationMs: durationMs,
			HTTPStatus: httpStatus,
			UserAgent:  userAgent.String,
			ClientIP:   clientIP.String,
		},
	}
	if jsonrpcID.Valid {
		if raw, err := json.Marshal(jsonrpcID.String); err == nil {
			// Numeric ids round-trip as their decimal form.
			if looksNumeric(jsonrpcID.String) {
				rec.ID = json.RawMessage(jsonrpcID.String)
			} else {
				rec.ID = json.RawMessage(raw)
			}
		}
	}
	if clientName.Valid {
		rec.Metadata.Client = &capture.ClientInfo{
			Name:    clientName.String,
			Version: clientVersion.String,
			Title:   clientTitle.String,
		}
	}
	if serverVersion.Valid {
		rec.Metadata.Server = &capture.ServerInfo{
			Name:    serverName,
			Version: serverVersion.String,
			Title:   serverTitle.String,
		}
	}

	if requestJSON.Valid {
		if json.Valid([]byte(requestJSON.String)) {
			rec.Request = json.RawMessage(requestJSON.String)
		}
	} else if responseJSON.Valid {
		raw := []byte(responseJSON.String)
		var wrapper sseEventWrapper
		if err := json.Unmarshal(raw, &wrapper); err == nil && wrapper.SSEEvent != nil {
			rec.Event = wrapper.SSEEvent
		} else if json.Valid(raw) {
			rec.Response = json.RawMessage(raw)
		}
	}
	return rec, nil
}

// looksNumeric reports whether s is a JSON number token.
func looksNumeric(s string) bool {
	if s == "" {
		return false
	}
	var n json.Number
	return json.Unmarshal([]byte(s), &n) == nil
}

// Servers returns per-upstream log and distinct-session counts.
func (s *Store) Servers(ctx context.Context) ([]capture.ServerAggregate, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT serverName, COUNT(*), COUNT(DISTINCT sessionId)
		FROM logs GROUP BY serverName ORDER BY serverName`)
	if err != nil {
		return nil, fmt.Errorf("query server aggregates: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []capture.ServerAggregate
	for rows.Next() {
		var agg capture.ServerAggregate
		if err := rows.Scan(&agg.ServerName, &agg.LogCount, &agg.SessionCount); err != nil {
			return nil, fmt.Errorf("scan server aggregate: %w", err)
		}
		out = append(out, agg)
	}
	return out, rows.Err()
}

// Sessions returns session aggregates ordered by start time descending.
func (s *Store) Sessions(ctx context.Context, serverName string) ([]capture.SessionAggregate, error) {
	query := `
		SELECT sessionId, serverName, COUNT(*), MIN(timestamp), MAX(timestamp)
		FROM logs`
	var args []any
	if serverName != "" {
		query += ` WHERE serverName = ?`
		args = append(args, serverName)
	}
	query += ` GROUP BY sessionId, serverName ORDER BY MIN(timestamp) DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query session aggregates: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []capture.SessionAggregate
	for rows.Next() {
		var (
			agg        capture.SessionAggregate
			start, end string
		)
		if err := rows.Scan(&agg.SessionID, &agg.ServerName, &agg.LogCount, &start, &end); err != nil {
			return nil, fmt.Errorf("scan session aggregate: %w", err)
		}
		agg.StartTime = parseTime(start)
		agg.EndTime = parseTime(end)
		out = append(out, agg)
	}
	return out, rows.Err()
}

// Clients returns per-client aggregates, ignoring rows with no client.
func (s *Store) Clients(ctx context.Context) ([]capture.ClientAggregate, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT clientName, COALESCE(clientVersion, ''), COUNT(*)
		FROM logs WHERE clientName IS NOT NULL
		GROUP BY clientName, clientVersion ORDER BY clientName, clientVersion`)
	if err != nil {
		return nil, fmt.Errorf("query client aggregates: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []capture.ClientAggregate
	for rows.Next() {
		var agg capture.ClientAggregate
		if err := rows.Scan(&agg.ClientName, &agg.ClientVersion, &agg.LogCount); err != nil {
			return nil, fmt.Errorf("scan client aggregate: %w", err)
		}
		out = append(out, agg)
	}
	return out, rows.Err()
}

// Methods returns the distinct captured methods.
func (s *Store) Methods(ctx context.Context, serverName string) ([]string, error) {
	query := `SELECT DISTINCT method FROM logs`
	var args []any
	if serverName != "" {
		query += ` WHERE serverName = ?`
		args = append(args, serverName)
	}
	query += ` ORDER BY method`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query methods: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []string
	for rows.Next() {
		var m string
		if err := rows.Scan(&m); err != nil {
			return nil, fmt.Errorf("scan method: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// BackfillServerInfo updates serverVersion/serverTitle on the initialize
// request row matching (server, session, id).
func (s *Store) BackfillServerInfo(ctx context.Context, serverName, sessionID, requestID string, info capture.ServerInfo) error {
	var title sql.NullString
	if info.Title != "" {
		title = sql.NullString{String: info.Title, Valid: true}
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err := s.db.ExecContext(ctx, `
		UPDATE logs SET serverVersion = ?, serverTitle = ?
		WHERE serverName = ? AND sessionId = ? AND jsonrpcId = ?
		  AND method = 'initialize' AND requestJson IS NOT NULL`,
		info.Version, title, serverName, sessionID, requestID)
	if err != nil {
		return fmt.Errorf("backfill server info: %w", err)
	}
	return nil
}

// ReassignSession re-keys the rows of one exchange under a new session
// id.
func (s *Store) ReassignSession(ctx context.Context, serverName, oldSession, newSession, requestID string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err := s.db.ExecContext(ctx, `
		UPDATE logs SET sessionId = ?
		WHERE serverName = ? AND sessionId = ? AND jsonrpcId = ?`,
		newSession, serverName, oldSession, requestID)
	if err != nil {
		return fmt.Errorf("reassign session: %w", err)
	}
	return nil
}

// UpsertServerHealth records the latest health probe outcome.
func (s *Store) UpsertServerHealth(ctx context.Context, name, health string, lastCheck time.Time, url string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO server_health (name, url, health, lastCheck)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			url = excluded.url, health = excluded.health, lastCheck = excluded.lastCheck`,
		name, url, health, formatTime(lastCheck))
	if err != nil {
		return fmt.Errorf("upsert server health: %w", err)
	}
	return nil
}

// Clear truncates all captured records.
func (s *Store) Clear(ctx context.Context) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if _, err := s.db.ExecContext(ctx, `DELETE FROM logs`); err != nil {
		return fmt.Errorf("clear logs: %w", err)
	}
	return nil
}

// Compile-time check that Store implements the capture store contract.
var _ capture.Store = (*Store)(nil)

package http

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/mcplens/mcplens/internal/domain/capture"
	"github.com/mcplens/mcplens/internal/domain/registry"
	"github.com/mcplens/mcplens/internal/domain/sse"
	"github.com/mcplens/mcplens/internal/service"
)

// sseGetLabel is the synthetic method label for frames captured from a
// GET-opened stream, which has no originating JSON-RPC request.
const sseGetLabel = "GET /mcp"

// sseCaptureMeta carries the exchange context into the background frame
// parser.
type sseCaptureMeta struct {
	server     *registry.McpServer
	sessionID  string
	method     string
	initialize bool
	// mirror is the upstream-assigned session a stateless initialize
	// transitioned to; server identity is stored there too.
	mirror     string
	requestID  json.RawMessage
	httpStatus int
}

// relaySSE streams an upstream SSE body to the client byte-for-byte
// while feeding a copy to the background frame parser. The client branch
// is authoritative: parser failures only stop the capture side.
func (p *ProxyHandler) relaySSE(w http.ResponseWriter, r *http.Request, srv *registry.McpServer, sessionID string, env *capture.Envelope, resp *http.Response) {
	meta := sseCaptureMeta{
		server:     srv,
		sessionID:  sessionID,
		method:     sseGetLabel,
		httpStatus: resp.StatusCode,
	}
	if env != nil {
		meta.method = env.Method
		meta.initialize = env.Method == "initialize"
		meta.requestID = env.ID
	}

	recCtx := context.WithoutCancel(r.Context())

	// Stateless initialize over SSE: the transition applies before the
	// stream is handed to the client, and the persisted request row is
	// re-keyed under the assigned session.
	if meta.initialize && sessionID == capture.StatelessSession {
		if s := resp.Header.Get("Mcp-Session-Id"); s != "" {
			p.state.CopySession(capture.StatelessSession, s)
			p.reassignSession(recCtx, srv, sessionID, s, env.ID)
			meta.mirror = s
		}
	}

	if p.metrics != nil {
		p.metrics.ActiveSSEStreams.Inc()
		defer p.metrics.ActiveSSEStreams.Dec()
	}

	copyResponseHeaders(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)
	flusher, _ := w.(http.Flusher)

	pr, pw := io.Pipe()
	done := make(chan struct{})
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer close(done)
		p.captureSSE(recCtx, pr, meta)
	}()

	buf := make([]byte, 32*1024)
	pipeOpen := true
	for {
		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				// Client gone; the deferred body close aborts upstream.
				break
			}
			if flusher != nil {
				flusher.Flush()
			}
			if pipeOpen {
				if _, perr := pw.Write(buf[:n]); perr != nil {
					pipeOpen = false
				}
			}
		}
		if rerr != nil {
			break
		}
	}

	_ = pw.Close()
	<-done

	p.touch(srv.Name)
}

// captureSSE drains parsed frames from the teed stream into the
// recorder until the stream ends.
func (p *ProxyHandler) captureSSE(ctx context.Context, r io.Reader, meta sseCaptureMeta) {
	scanner := sse.NewScanner(r)
	for {
		ev, err := scanner.Next()
		if ev != nil {
			p.captureFrame(ctx, ev, meta)
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.ErrClosedPipe) {
				p.logger.Warn("sse capture stopped", "server", meta.server.Name, "session", meta.sessionID, "error", err)
			}
			return
		}
	}
}

// captureFrame records one SSE frame. Frames whose data is an embedded
// JSON-RPC response become response records paired with the originating
// request; everything else is kept as an opaque event. Frames of a
// transitioned initialize stream land under the assigned session.
func (p *ProxyHandler) captureFrame(ctx context.Context, ev *capture.SSEEvent, meta sseCaptureMeta) {
	captureSess := meta.sessionID
	var tracked string
	if meta.mirror != "" {
		captureSess = meta.mirror
		tracked = meta.sessionID
	}

	if ev.Data != "" {
		if env, ok := capture.ParseEnvelope([]byte(ev.Data)); ok && env.IsResponse() {
			if meta.initialize {
				p.storeServerIdentity(ctx, meta.server, meta.sessionID, meta.mirror, meta.requestID, env)
			}
			p.recorder.RecordResponse(ctx, service.ResponseInput{
				ServerName:       meta.server.Name,
				SessionID:        captureSess,
				TrackedSessionID: tracked,
				Method:           meta.method,
				ID:               env.ID,
				Body:             json.RawMessage(ev.Data),
				HTTPStatus:       meta.httpStatus,
			})
			return
		}
	}

	p.recorder.RecordSSEEvent(ctx, service.SSEEventInput{
		ServerName: meta.server.Name,
		SessionID:  captureSess,
		Method:     meta.method,
		Event:      ev,
		HTTPStatus: meta.httpStatus,
	})
}

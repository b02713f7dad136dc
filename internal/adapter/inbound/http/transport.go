package http

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// shutdownGrace bounds graceful shutdown before in-flight handlers are
// forced closed.
const shutdownGrace = 10 * time.Second

// Transport is the inbound HTTP adapter. It mounts the proxy routes,
// the OAuth pass-through, and the query API on one listener.
type Transport struct {
	proxy   *ProxyHandler
	oauth   *OAuthForwarder
	api     *APIHandler
	addr    string
	logger  *slog.Logger
	metrics *Metrics
	promReg *prometheus.Registry
	server  *http.Server
}

// TransportOption is a functional option for configuring a Transport.
type TransportOption func(*Transport)

// WithAddr sets the listen address.
// Default is "127.0.0.1:8787" (localhost only).
func WithAddr(addr string) TransportOption {
	return func(t *Transport) { t.addr = addr }
}

// WithTransportLogger sets the logger.
func WithTransportLogger(logger *slog.Logger) TransportOption {
	return func(t *Transport) { t.logger = logger }
}

// WithTransportMetrics mounts /metrics for the given registry and wires
// the request middleware counters.
func WithTransportMetrics(m *Metrics, reg *prometheus.Registry) TransportOption {
	return func(t *Transport) {
		t.metrics = m
		t.promReg = reg
	}
}

// NewTransport assembles the HTTP surface from its handlers.
func NewTransport(proxy *ProxyHandler, oauth *OAuthForwarder, api *APIHandler, opts ...TransportOption) *Transport {
	t := &Transport{
		proxy:  proxy,
		oauth:  oauth,
		api:    api,
		addr:   "127.0.0.1:8787",
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.promReg == nil {
		reg := prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		t.promReg = reg
		t.metrics = NewMetrics(reg)
	}
	return t
}

// Metrics returns the transport's metrics set so other components can
// share it.
func (t *Transport) Metrics() *Metrics {
	return t.metrics
}

// Handler builds the full route tree with middleware applied.
func (t *Transport) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.Handle("/servers/", t.proxy)
	mux.Handle("/s/", t.proxy)
	if t.oauth != nil {
		mux.Handle("/.well-known/", t.oauth)
	}
	if t.api != nil {
		t.api.Register(mux)
	}

	mux.Handle("/healthz", healthzHandler())
	mux.Handle("/metrics", promhttp.HandlerFor(t.promReg, promhttp.HandlerOpts{
		Registry: t.promReg,
	}))
	// Favicon handler to prevent browser 500 errors
	mux.Handle("/favicon.ico", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	// Middleware order (outermost first): metrics, request id, access log.
	var handler http.Handler = mux
	handler = AccessLogMiddleware(t.logger)(handler)
	handler = RequestIDMiddleware(t.logger)(handler)
	handler = MetricsMiddleware(t.metrics)(handler)
	return handler
}

// Start begins serving and blocks until the context is cancelled or the
// listener fails.
func (t *Transport) Start(ctx context.Context) error {
	t.server = &http.Server{
		Addr:    t.addr,
		Handler: t.Handler(),
	}

	errCh := make(chan error, 1)
	go func() {
		t.logger.Info("starting HTTP server", "addr", t.addr)
		err := t.server.ListenAndServe()
		if err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		t.logger.Info("context cancelled, shutting down HTTP server")
		return t.shutdown()
	case err := <-errCh:
		return err
	}
}

// shutdown performs graceful shutdown, then waits for background SSE
// capture tasks to drain.
func (t *Transport) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()

	if err := t.server.Shutdown(ctx); err != nil {
		t.logger.Error("error during server shutdown", "error", err)
		return err
	}
	t.proxy.Wait()

	t.logger.Info("HTTP server shutdown complete")
	return nil
}

// Close gracefully shuts down the transport.
func (t *Transport) Close() error {
	if t.server == nil {
		return nil
	}
	return t.shutdown()
}

// healthzHandler reports gateway liveness.
func healthzHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
}

package cmd

import (
	"context"
	"fmt"
	"log/slog"
	stdhttp "net/http"
	"os"
	"os/signal"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	inbound "github.com/mcplens/mcplens/internal/adapter/inbound/http"
	"github.com/mcplens/mcplens/internal/adapter/outbound/sqlite"
	"github.com/mcplens/mcplens/internal/adapter/outbound/state"
	"github.com/mcplens/mcplens/internal/config"
	"github.com/mcplens/mcplens/internal/domain/capture"
	"github.com/mcplens/mcplens/internal/domain/registry"
	"github.com/mcplens/mcplens/internal/domain/session"
	"github.com/mcplens/mcplens/internal/service"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the gateway",
	Long: `Start the mcplens gateway.

The gateway listens on one address and serves three surfaces:

  /servers/:name/mcp   MCP proxy (POST, GET, DELETE), /s/:name/mcp alias
  /.well-known/...     OAuth discovery pass-through
  /api/...             capture query API and registry management

Examples:
  # Start with config file settings
  mcplens serve

  # Start with a specific config file
  mcplens --config /path/to/mcplens.yaml serve`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: parseLogLevel(cfg.Server.LogLevel),
	}))
	if file := config.ConfigFileUsed(); file != "" {
		logger.Info("loaded config", "file", file)
	}

	// stop() restores default signal handling so a second Ctrl+C does a
	// hard kill.
	ctx, stop := signal.NotifyContext(context.Background(), gracefulSignals()...)
	go func() {
		<-ctx.Done()
		stop()
	}()

	// Registry, loaded from and persisted to the registry file.
	regStore := state.NewFileRegistryStore(cfg.Registry.Path, logger)
	servers, err := regStore.Load()
	if err != nil {
		return fmt.Errorf("failed to load registry: %w", err)
	}
	reg := registry.New(registry.WithSaveFunc(regStore.Save), registry.WithLogger(logger))
	if err := reg.Load(servers); err != nil {
		return fmt.Errorf("failed to load registry: %w", err)
	}
	logger.Info("registry loaded", "servers", len(servers), "path", cfg.Registry.Path)

	// Capture storage.
	store, err := sqlite.Open(cfg.Storage.Dir, sqlite.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("failed to open capture store: %w", err)
	}
	defer func() {
		if cerr := store.Close(); cerr != nil {
			logger.Warn("failed to close capture store", "error", cerr)
		}
	}()

	// Session state and duration tracking.
	stateStore := session.NewStateStore()
	tracker := session.NewRequestTracker(session.DefaultTrackerTTL, logger)
	tracker.StartCleanup(ctx)

	// Metrics registry shared by the middleware and the proxy.
	promReg := prometheus.NewRegistry()
	promReg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := inbound.NewMetrics(promReg)

	recorder := service.NewRecorder(store, stateStore, tracker,
		service.WithRecorderLogger(logger),
		service.WithRecordObserver(func(rec *capture.Record) {
			metrics.ObserveRecord(recordDirection(rec))
		}),
		service.WithDropObserver(metrics.CaptureDropsTotal.Inc),
	)

	// One upstream client shared by the proxy routes. SSE responses are
	// unbounded, so only header latency is capped. Redirects are relayed
	// to the client, never followed.
	upstreamClient := &stdhttp.Client{
		Transport: &stdhttp.Transport{ResponseHeaderTimeout: cfg.Proxy.UpstreamTimeout},
		CheckRedirect: func(*stdhttp.Request, []*stdhttp.Request) error {
			return stdhttp.ErrUseLastResponse
		},
	}

	oauth := inbound.NewOAuthForwarder(reg,
		inbound.WithOAuthClient(upstreamClient),
		inbound.WithOAuthLogger(logger),
	)
	proxy := inbound.NewProxyHandler(reg, stateStore, recorder, store,
		inbound.WithProxyClient(upstreamClient),
		inbound.WithMaxBodyBytes(cfg.Proxy.MaxBodyBytes),
		inbound.WithProxyLogger(logger),
		inbound.WithProxyMetrics(metrics),
		inbound.WithOAuthForwarder(oauth),
	)

	var checker *service.HealthChecker
	if cfg.Health.Enabled {
		checker = service.NewHealthChecker(reg, store,
			service.WithHealthInterval(cfg.Health.Interval),
			service.WithHealthTimeout(cfg.Health.Timeout),
			service.WithHealthLogger(logger),
		)
		checker.Start(ctx)
	}

	apiOpts := []inbound.APIOption{inbound.WithAPILogger(logger)}
	if checker != nil {
		apiOpts = append(apiOpts, inbound.WithAPIHealthChecker(checker))
	}
	api := inbound.NewAPIHandler(store, reg, stateStore, apiOpts...)

	transport := inbound.NewTransport(proxy, oauth, api,
		inbound.WithAddr(cfg.Server.HTTPAddr),
		inbound.WithTransportLogger(logger),
		inbound.WithTransportMetrics(metrics, promReg),
	)

	err = transport.Start(ctx)

	// Drain background workers before closing the store.
	if checker != nil {
		checker.Wait()
	}
	tracker.Wait()
	return err
}

// recordDirection labels a capture record for metrics.
func recordDirection(rec *capture.Record) string {
	switch {
	case rec.IsRequest():
		return "request"
	case rec.IsResponse():
		return "response"
	default:
		return "sse-event"
	}
}

// parseLogLevel converts a string log level to slog.Level.
// Returns slog.LevelInfo for unrecognized values.
func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

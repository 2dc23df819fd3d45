package main

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"log/slog"
	"net/http"
	"os"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/vango-dev/serversignal/internal/config"
	"github.com/vango-dev/serversignal/internal/errors"
	"github.com/vango-dev/serversignal/pkg/middleware"
	"github.com/vango-dev/serversignal/pkg/server"
	"github.com/vango-dev/serversignal/pkg/signal"
)

// Counter is the demo signal value.
type Counter struct {
	Value int `json:"value"`
}

type serveOptions struct {
	addr        string
	path        string
	tick        time.Duration
	maxSessions int
	loopPath    string
	noMetrics   bool
	tracing     bool
}

func serveCmd(g *globalFlags) *cobra.Command {
	var opts serveOptions

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve a demo counter signal",
		Long: `Serve a counter signal that increments on every tick.

Endpoints:
  /ws        binary protocol with replay and resync (?codec=json for text)
  /ws/loop   per-connection counter over the text codec (signal.loopPath)
  /state     current snapshot as JSON
  /healthz   liveness
  /metrics   Prometheus metrics

Examples:
  serversignal serve
  serversignal serve --addr=:9000 --tick=100ms
  serversignal watch ws://localhost:8080/ws`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(g)
			if err != nil {
				return err
			}
			applyServeFlags(cmd, cfg, opts)
			return runServe(cmd.Context(), cfg)
		},
	}

	f := cmd.Flags()
	f.StringVarP(&opts.addr, "addr", "a", "", "Listen address (default from config)")
	f.StringVar(&opts.path, "path", "", "WebSocket path (default from config)")
	f.DurationVar(&opts.tick, "tick", 0, "Counter tick interval (default from config)")
	f.IntVar(&opts.maxSessions, "max-sessions", 0, "Maximum concurrent sessions, 0 for no limit")
	f.StringVar(&opts.loopPath, "loop-path", "", "Path of the per-connection loop endpoint")
	f.BoolVar(&opts.noMetrics, "no-metrics", false, "Disable Prometheus metrics")
	f.BoolVar(&opts.tracing, "tracing", false, "Enable OpenTelemetry tracing to the log")

	return cmd
}

func applyServeFlags(cmd *cobra.Command, cfg *config.Config, opts serveOptions) {
	if opts.addr != "" {
		cfg.Server.Address = opts.addr
	}
	if opts.path != "" {
		cfg.Server.Path = opts.path
	}
	if opts.tick > 0 {
		cfg.Signal.TickInterval = config.Duration(opts.tick)
	}
	if cmd.Flags().Changed("max-sessions") {
		cfg.Server.MaxSessions = opts.maxSessions
	}
	if opts.loopPath != "" {
		cfg.Signal.LoopPath = opts.loopPath
	}
	if opts.noMetrics {
		cfg.Metrics.Enabled = false
	}
	if opts.tracing {
		cfg.Tracing.Enabled = true
	}
}

func runServe(ctx context.Context, cfg *config.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	logger := cfg.NewLogger(os.Stderr)
	slog.SetDefault(logger)

	sig, err := signal.New[Counter](cfg.Signal.Name)
	if err != nil {
		return err
	}

	sc := cfg.ServerConfig(logger)
	sc.OnSessionStart = func(_ context.Context, s *server.Session) {
		middleware.RecordSessionStart(s.Codec.String())
	}
	sc.OnSessionClose = func(s *server.Session, err error) {
		recordSessionClose(s.Codec.String(), err)
	}
	sc.OnResync = func(s *server.Session, mode server.SyncMode) {
		middleware.RecordResync(mode.String())
	}
	srv := server.New(sig, sc)

	var wrapSink func(signal.Sink) signal.Sink
	if cfg.Tracing.Enabled {
		tp := newTracerProvider(logger)
		defer func() { _ = tp.Shutdown(context.Background()) }()
		srv.Use(middleware.OpenTelemetry(
			middleware.WithTracerProvider(tp),
			middleware.WithTracerName(cfg.Tracing.TracerName),
		))
		wrapSink = func(s signal.Sink) signal.Sink {
			return middleware.TraceSink(s, middleware.WithTracerProvider(tp), middleware.WithTracerName(cfg.Tracing.TracerName))
		}
	}
	if cfg.Metrics.Enabled {
		srv.Use(middleware.Prometheus(middleware.WithNamespace(cfg.Metrics.Namespace)))
	}
	srv.SetHandler(newRouter(cfg, srv, sig, wrapSink, logger))

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go tick(ctx, sig, cfg.Signal.TickInterval.Std(), logger)

	err = srv.Run()
	if stderrors.Is(err, syscall.EADDRINUSE) {
		return errors.New("E021").WithDetail(cfg.Server.Address + " is already in use").Wrap(err)
	}
	return err
}

// newRouter serves everything except the WebSocket path, which the server
// handles before delegating.
func newRouter(cfg *config.Config, srv *server.Server, sig *signal.Signal[Counter], wrapSink func(signal.Sink) signal.Sink, logger *slog.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	r.Get("/state", func(w http.ResponseWriter, r *http.Request) {
		snap := sig.Snapshot()
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"name":     snap.Name,
			"seq":      snap.Seq,
			"checksum": snap.Checksum,
			"sessions": srv.Hub().Len(),
			"value":    json.RawMessage(snap.Doc),
		})
	})

	r.Get("/stats", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(srv.Metrics())
	})

	if cfg.Metrics.Enabled {
		r.Handle(cfg.Metrics.Path, promhttp.Handler())
	}

	if cfg.Signal.LoopPath != "" {
		r.Handle(cfg.Signal.LoopPath, server.LoopHandler(server.LoopConfig[Counter]{
			Name:        cfg.Signal.Name,
			Interval:    cfg.Signal.TickInterval.Std(),
			Step:        func(c *Counter) { c.Value++ },
			CheckOrigin: cfg.CheckOrigin(),
			WrapSink:    wrapSink,
			Logger:      logger,
		}))
	}
	return r
}

// tick increments the counter until ctx is done.
func tick(ctx context.Context, sig *signal.Signal[Counter], every time.Duration, logger *slog.Logger) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if _, err := sig.Update(func(c *Counter) { c.Value++ }); err != nil {
				logger.Error("counter update failed", "error", err)
			}
		}
	}
}

// recordSessionClose counts a closed session and, for transport failures,
// the WebSocket operation that failed.
func recordSessionClose(codec string, err error) {
	middleware.RecordSessionClose(codec, err)
	var se *server.SessionError
	if stderrors.As(err, &se) {
		middleware.RecordWebSocketError(se.Op)
	}
}

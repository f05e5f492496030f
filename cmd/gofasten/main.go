// Gofasten daemon -- Open Protocol tightening controller simulator.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/dantte-lp/gofasten/internal/config"
	"github.com/dantte-lp/gofasten/internal/controlplane"
	opmetrics "github.com/dantte-lp/gofasten/internal/metrics"
	"github.com/dantte-lp/gofasten/internal/openprotocol"
	"github.com/dantte-lp/gofasten/internal/profile"
	appversion "github.com/dantte-lp/gofasten/internal/version"
)

func main() {
	os.Exit(run())
}

func run() int {
	// 1. Parse flags. --port and --name override the config file for
	// quick ad-hoc runs.
	configPath := flag.String("config", "", "path to configuration file (YAML)")
	port := flag.Int("port", 0, "Open Protocol listen port (overrides config)")
	name := flag.String("name", "", "controller name (overrides config)")
	flag.Parse()

	// 2. Load config.
	cfg, err := config.Load(*configPath)
	if err != nil {
		// Logger is not set up yet; use a temporary stderr logger.
		slog.New(slog.NewTextHandler(os.Stderr, nil)).Error("failed to load configuration",
			slog.String("error", err.Error()),
		)
		return 1
	}
	if *port != 0 {
		cfg.Server.Addr = fmt.Sprintf(":%d", *port)
	}
	if *name != "" {
		cfg.Controller.Name = *name
	}

	// 3. Set up logger with dynamic level support.
	logLevel := new(slog.LevelVar)
	logLevel.Set(config.ParseLogLevel(cfg.Log.Level))
	logger := newLoggerWithLevel(cfg.Log, logLevel)

	logger.Info("gofasten starting",
		slog.String("version", appversion.Version),
		slog.String("server_addr", cfg.Server.Addr),
		slog.String("controller", cfg.Controller.Name),
		slog.String("profile", cfg.Profile.Name),
	)

	// 4. Create Prometheus metrics collector.
	reg := prometheus.NewRegistry()
	collector := opmetrics.NewCollector(reg)

	// 5. Assemble the protocol engine.
	state := openprotocol.NewState(openprotocol.StateConfig{
		Identity:       openprotocol.DefaultIdentity(cfg.Controller.Name),
		VIN:            cfg.Simulator.VIN,
		BatchSize:      cfg.Simulator.BatchSize,
		NOKProbability: cfg.Simulator.NOKProbability,
		AutoInterval:   cfg.Simulator.AutoInterval,
		Spindles:       cfg.Simulator.Spindles,
	})
	relays := openprotocol.NewRelayBank()
	registry := openprotocol.NewRegistry()

	// 6. Apply the startup profile and load persisted pset parameters.
	if err := applyStartupProfile(cfg.Profile, registry, relays, logger); err != nil {
		logger.Error("failed to apply profile", slog.String("error", err.Error()))
		return 1
	}
	store := profile.NewPsetStore(logger, cfg.Controller.DataDir, cfg.Controller.Name)
	if err := store.Load(state.Psets()); err != nil {
		// Parameter persistence is best-effort; defaults stay in place.
		logger.Warn("failed to load pset parameters", slog.String("error", err.Error()))
	}

	srv := openprotocol.NewServer(cfg.Server.Addr, state, relays, registry,
		openprotocol.WithServerLogger(logger),
		openprotocol.WithServerMetrics(collector))

	// 7. Run servers.
	if err := runServers(cfg, srv, state, relays, registry, store, reg, logger); err != nil {
		logger.Error("gofasten exited with error", slog.String("error", err.Error()))
		return 1
	}

	logger.Info("gofasten stopped")
	return 0
}

// applyStartupProfile installs the configured profile: a JSON file when
// profile.path is set, a built-in name otherwise.
func applyStartupProfile(cfg config.ProfileConfig, reg *openprotocol.Registry, relays *openprotocol.RelayBank, logger *slog.Logger) error {
	var (
		p   profile.Profile
		err error
	)
	if cfg.Path != "" {
		p, err = profile.LoadFile(cfg.Path)
	} else {
		p, err = profile.Builtin(cfg.Name)
	}
	if err != nil {
		return err
	}
	if err := profile.Apply(p, reg, relays); err != nil {
		return err
	}
	logger.Info("profile applied",
		slog.String("profile", p.Name),
		slog.Int("pinned_mids", len(p.Revisions)))
	return nil
}

// runServers runs the protocol listener, the metrics endpoint, and the
// operator API using an errgroup with signal-aware context for graceful
// shutdown.
func runServers(
	cfg *config.Config,
	srv *openprotocol.Server,
	state *openprotocol.State,
	relays *openprotocol.RelayBank,
	registry *openprotocol.Registry,
	store *profile.PsetStore,
	promReg *prometheus.Registry,
	logger *slog.Logger,
) error {
	ctx, stop := signal.NotifyContext(
		context.Background(),
		syscall.SIGINT,
		syscall.SIGTERM,
	)
	defer stop()

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return srv.Run(gCtx)
	})

	if cfg.Metrics.Addr != "" {
		metricsSrv := newMetricsServer(cfg.Metrics, promReg)
		g.Go(func() error {
			logger.Info("metrics server listening",
				slog.String("addr", cfg.Metrics.Addr),
				slog.String("path", cfg.Metrics.Path),
			)
			return listenAndServe(gCtx, metricsSrv, cfg.Metrics.Addr)
		})
		g.Go(func() error {
			<-gCtx.Done()
			return shutdownHTTP(metricsSrv)
		})
	}

	if cfg.API.Addr != "" {
		api := controlplane.NewServer(logger, cfg.API.Addr,
			state, relays, registry, srv.Simulator(), srv.Engine(), store)
		g.Go(func() error {
			return api.Run(gCtx)
		})
	}

	if err := g.Wait(); err != nil {
		return fmt.Errorf("run servers: %w", err)
	}

	// Persist the parameter table on the way out.
	if err := store.Save(state.Psets()); err != nil {
		logger.Warn("failed to save pset parameters", slog.String("error", err.Error()))
	}
	return nil
}

// listenAndServe serves srv on addr until the server is shut down.
func listenAndServe(ctx context.Context, srv *http.Server, addr string) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve on %s: %w", addr, err)
	}
	return nil
}

// shutdownHTTP drains an HTTP server with a bounded timeout.
func shutdownHTTP(srv *http.Server) error {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// newMetricsServer creates an HTTP server for the Prometheus metrics endpoint.
func newMetricsServer(cfg config.MetricsConfig, reg *prometheus.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle(cfg.Path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// newLoggerWithLevel builds the application logger honoring the
// configured format and the shared dynamic level.
func newLoggerWithLevel(cfg config.LogConfig, level *slog.LevelVar) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	switch cfg.Format {
	case "text":
		handler = slog.NewTextHandler(os.Stdout, opts)
	default:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}

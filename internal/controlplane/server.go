// Package controlplane exposes the operator HTTP API: the out-of-band
// surface that replaces a physical controller's front panel. It reads
// and mutates the shared protocol state and can trigger the same pushes
// a panel interaction would.
package controlplane

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/dantte-lp/gofasten/internal/openprotocol"
	"github.com/dantte-lp/gofasten/internal/profile"
)

// shutdownTimeout bounds graceful HTTP shutdown.
const shutdownTimeout = 5 * time.Second

// Server is the operator API HTTP server.
type Server struct {
	log    *slog.Logger
	server *http.Server

	state  *openprotocol.State
	relays *openprotocol.RelayBank
	reg    *openprotocol.Registry
	sim    *openprotocol.Simulator
	engine *openprotocol.Engine
	store  *profile.PsetStore

	startTime time.Time
}

// NewServer creates the operator API server on addr over the shared
// protocol components. The pset store may be nil when persistence is
// disabled.
func NewServer(
	log *slog.Logger,
	addr string,
	state *openprotocol.State,
	relays *openprotocol.RelayBank,
	reg *openprotocol.Registry,
	sim *openprotocol.Simulator,
	engine *openprotocol.Engine,
	store *profile.PsetStore,
) *Server {
	s := &Server{
		log:       log,
		state:     state,
		relays:    relays,
		reg:       reg,
		sim:       sim,
		engine:    engine,
		store:     store,
		startTime: time.Now(),
	}
	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// router builds the chi route tree.
//
// Routes:
//   - GET  /health                       liveness probe
//   - GET  /api/v1/status                controller state snapshot
//   - POST /api/v1/tool/enable           enable the simulated tool
//   - POST /api/v1/tool/disable          disable the simulated tool
//   - POST /api/v1/results/single        trigger one MID 0061 emission
//   - POST /api/v1/results/multi         trigger one MID 0101 emission
//   - PUT  /api/v1/vin                   download a new VIN
//   - PUT  /api/v1/simulator             tune nok probability / interval / loop
//   - GET  /api/v1/psets                 full parameter-set table
//   - GET  /api/v1/psets/{id}            one parameter set
//   - PUT  /api/v1/psets/{id}            replace one parameter set
//   - POST /api/v1/relays/{function}/toggle  flip a relay function
//   - GET  /api/v1/profiles              built-in profile names
//   - POST /api/v1/profiles/apply        apply a built-in or file profile
func (s *Server) router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/health", s.handleHealth)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/status", s.handleStatus)
		r.Post("/tool/enable", s.handleToolEnable)
		r.Post("/tool/disable", s.handleToolDisable)
		r.Post("/results/single", s.handleEmitSingle)
		r.Post("/results/multi", s.handleEmitMulti)
		r.Put("/vin", s.handleSetVIN)
		r.Put("/simulator", s.handleTuneSimulator)
		r.Get("/psets", s.handleListPsets)
		r.Get("/psets/{id}", s.handleGetPset)
		r.Put("/psets/{id}", s.handlePutPset)
		r.Post("/relays/{function}/toggle", s.handleToggleRelay)
		r.Get("/profiles", s.handleListProfiles)
		r.Post("/profiles/apply", s.handleApplyProfile)
	})

	return r
}

// Handler returns the API route tree, for serving through an external
// listener or in tests.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// requestLogger logs request completion with status and duration.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		s.log.Debug("API request",
			slog.String("request_id", middleware.GetReqID(r.Context())),
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", ww.Status()),
			slog.Duration("duration", time.Since(start)))
	})
}

// Run serves the API until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("operator API listening", slog.String("addr", s.server.Addr))
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("operator API: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("operator API shutdown: %w", err)
	}
	return nil
}

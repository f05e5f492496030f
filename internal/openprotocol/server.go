package openprotocol

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
)

// -------------------------------------------------------------------------
// Session Controller: TCP listener and per-connection lifecycle
// -------------------------------------------------------------------------

// readBufferSize is the per-connection read chunk size.
const readBufferSize = 4096

// session is the currently served connection.
type session struct {
	conn   net.Conn
	ctx    context.Context
	cancel context.CancelFunc
}

// Server owns the TCP listener and enforces the one-client policy: at
// most one connection is served, and a second connection is answered
// with error 96 and closed.
type Server struct {
	log     *slog.Logger
	addr    string
	metrics MetricsReporter

	state  *State
	relays *RelayBank
	reg    *Registry
	disp   *Dispatcher
	engine *Engine
	sim    *Simulator

	mu  sync.Mutex
	ln  net.Listener
	cur *session
	wg  sync.WaitGroup
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithServerLogger sets the server logger.
func WithServerLogger(log *slog.Logger) ServerOption {
	return func(s *Server) { s.log = log }
}

// WithServerMetrics sets the metrics reporter for the server and every
// component it constructs.
func WithServerMetrics(m MetricsReporter) ServerOption {
	return func(s *Server) { s.metrics = m }
}

// NewServer assembles the full protocol engine listening on addr: the
// dispatcher, the MID handler engine, and the result simulator over the
// shared state, registry, and relay bank.
func NewServer(addr string, state *State, relays *RelayBank, reg *Registry, opts ...ServerOption) *Server {
	s := &Server{
		log:     slog.Default(),
		addr:    addr,
		metrics: noopMetrics{},
		state:   state,
		relays:  relays,
		reg:     reg,
	}
	for _, opt := range opts {
		opt(s)
	}

	s.disp = NewDispatcher(s.log, s.metrics)
	s.sim = NewSimulator(state, s.disp,
		WithSimulatorLogger(s.log),
		WithSimulatorMetrics(s.metrics))
	s.engine = NewEngine(state, relays, reg, s.disp,
		WithEngineLogger(s.log),
		WithEngineMetrics(s.metrics),
		WithSessionHooks(s.startEmitter, s.closeCurrent))
	return s
}

// Engine returns the MID dispatch engine, for operator surfaces that
// push relay changes.
func (s *Server) Engine() *Engine { return s.engine }

// Simulator returns the result simulator, for operator-triggered
// one-shot emissions.
func (s *Server) Simulator() *Simulator { return s.sim }

// Addr returns the bound listener address, nil before Listen.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Listen binds the TCP listener.
func (s *Server) Listen(ctx context.Context) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.addr, err)
	}
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()
	s.log.Info("listening", slog.String("addr", ln.Addr().String()))
	return nil
}

// Serve accepts connections until ctx is cancelled. Must follow Listen.
func (s *Server) Serve(ctx context.Context) error {
	s.mu.Lock()
	ln := s.ln
	s.mu.Unlock()
	if ln == nil {
		return errors.New("serve called before listen")
	}

	go func() {
		<-ctx.Done()
		ln.Close()
		s.closeCurrent()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			s.wg.Wait()
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		s.handleAccept(ctx, conn)
	}
}

// Run binds the listener and serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	if err := s.Listen(ctx); err != nil {
		return err
	}
	return s.Serve(ctx)
}

// handleAccept admits the connection or rejects it when one is already
// being served.
func (s *Server) handleAccept(ctx context.Context, conn net.Conn) {
	s.mu.Lock()
	busy := s.cur != nil
	if !busy {
		sessCtx, cancel := context.WithCancel(ctx)
		s.cur = &session{conn: conn, ctx: sessCtx, cancel: cancel}
		s.wg.Add(1)
		go s.serve(conn)
	}
	s.mu.Unlock()

	if busy {
		s.metrics.ConnectionRejected()
		s.log.Warn("connection rejected, client already connected",
			slog.String("remote", conn.RemoteAddr().String()))
		reject := Frame{MID: MIDError, Rev: 1, Data: BuildError(MIDStart, ErrCodeClientConnected)}
		if err := s.disp.SendTo(conn, reject); err != nil {
			s.log.Debug("reject frame not delivered", slog.String("error", err.Error()))
		}
		conn.Close()
	}
}

// serve runs the read loop for one admitted connection.
func (s *Server) serve(conn net.Conn) {
	defer s.wg.Done()
	s.log.Info("client connected", slog.String("remote", conn.RemoteAddr().String()))

	s.state.BeginConnection()
	s.disp.Bind(conn, func(err error) {
		s.log.Warn("write failure, closing session", slog.String("error", err.Error()))
		conn.Close()
	})

	s.readLoop(conn)
	s.teardown(conn)
}

// readLoop pulls bytes off the socket and dispatches complete frames in
// order until the peer closes or an I/O error occurs.
func (s *Server) readLoop(conn net.Conn) {
	var dec Decoder
	buf := make([]byte, readBufferSize)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			dec.Feed(buf[:n])
			s.drain(&dec)
		}
		if err != nil {
			return
		}
	}
}

// drain dispatches every complete frame in the decoder. Undecodable
// frames are dropped; a lost frame boundary has already reset the buffer.
func (s *Server) drain(dec *Decoder) {
	for {
		f, ok, err := dec.Next()
		if err != nil {
			s.metrics.DecodeError()
			s.log.Warn("dropping undecodable frame", slog.String("error", err.Error()))
			continue
		}
		if !ok {
			return
		}
		s.engine.Dispatch(f)
	}
}

// teardown ends the session for a finished connection: deactivate, clear
// every subscription, release the dispatcher, and free the client slot.
func (s *Server) teardown(conn net.Conn) {
	s.mu.Lock()
	if s.cur != nil && s.cur.conn == conn {
		s.cur.cancel()
		s.cur = nil
	}
	s.mu.Unlock()

	wasActive := s.state.SessionActive()
	s.state.EndSession()
	s.relays.ResetSubscriptions()
	s.disp.Clear()
	conn.Close()
	if wasActive {
		s.metrics.SessionState(false)
	}
	s.log.Info("client disconnected", slog.String("remote", conn.RemoteAddr().String()))
}

// startEmitter launches the periodic result loop for the active session.
// Runs as the engine's session-start hook.
func (s *Server) startEmitter() {
	s.mu.Lock()
	cur := s.cur
	s.mu.Unlock()
	if cur == nil {
		return
	}
	s.metrics.SessionState(true)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.sim.RunPeriodic(cur.ctx)
	}()
}

// closeCurrent closes the served connection, ending its read loop. Runs
// as the engine's session-end hook and on server shutdown.
func (s *Server) closeCurrent() {
	s.mu.Lock()
	cur := s.cur
	s.mu.Unlock()
	if cur != nil {
		cur.cancel()
		cur.conn.Close()
	}
}

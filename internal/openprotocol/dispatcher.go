package openprotocol

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
)

// -------------------------------------------------------------------------
// Event Dispatcher: serialized writer to the active client
// -------------------------------------------------------------------------

// ErrNoClient indicates a send attempt with no bound connection.
var ErrNoClient = errors.New("no client connection bound")

// Dispatcher serializes all outbound frames onto the active client socket.
//
// One write lock guards encode-plus-send as a unit, so frames from
// concurrent producers (handler responses, the periodic emitter, relay
// pushes) never interleave at byte level. A failed write tears the
// connection down exactly once through the failure callback.
//
// The dispatcher holds only its own lock. Per the lock ordering, callers
// compute under the state mutex, release it, and only then call Send.
type Dispatcher struct {
	log     *slog.Logger
	metrics MetricsReporter

	mu        sync.Mutex
	conn      net.Conn
	onFailure func(err error)
	failed    bool
}

// NewDispatcher creates a dispatcher. The failure callback runs at most
// once per bound connection, without the write lock held.
func NewDispatcher(log *slog.Logger, metrics MetricsReporter) *Dispatcher {
	if metrics == nil {
		metrics = noopMetrics{}
	}
	return &Dispatcher{log: log, metrics: metrics}
}

// Bind attaches the active client connection and its failure callback.
func (d *Dispatcher) Bind(conn net.Conn, onFailure func(err error)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.conn = conn
	d.onFailure = onFailure
	d.failed = false
}

// Clear detaches the connection handle. Safe to call repeatedly.
func (d *Dispatcher) Clear() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.conn = nil
	d.onFailure = nil
	d.failed = false
}

// Bound reports whether a client connection is attached.
func (d *Dispatcher) Bound() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.conn != nil
}

// Send encodes one frame and writes it to the client as a whole unit.
//
// On a write error the connection handle is cleared, the failure callback
// fires once, and the error is returned. Encoding errors do not tear down
// the connection.
func (d *Dispatcher) Send(f Frame) error {
	raw, err := EncodeFrame(f)
	if err != nil {
		return fmt.Errorf("dispatch: %w", err)
	}

	d.mu.Lock()
	if d.conn == nil {
		d.mu.Unlock()
		return fmt.Errorf("dispatch MID %04d: %w", f.MID, ErrNoClient)
	}
	conn := d.conn
	_, werr := conn.Write(raw)
	var onFailure func(error)
	if werr != nil && !d.failed {
		d.failed = true
		d.conn = nil
		onFailure = d.onFailure
		d.onFailure = nil
	}
	d.mu.Unlock()

	if werr != nil {
		d.log.Warn("send failed",
			slog.Int("mid", f.MID),
			slog.String("error", werr.Error()))
		if onFailure != nil {
			onFailure(werr)
		}
		return fmt.Errorf("dispatch MID %04d: %w", f.MID, werr)
	}

	d.metrics.FrameSent(f.MID)
	d.log.Debug("sent",
		slog.Int("mid", f.MID),
		slog.Int("rev", f.Rev),
		slog.Int("len", len(raw)),
		slog.String("data", f.Data))
	return nil
}

// SendTo encodes one frame and writes it to an arbitrary connection,
// bypassing the bound client. Used for the reject frame sent to a second
// connection before closing it.
func (d *Dispatcher) SendTo(conn net.Conn, f Frame) error {
	raw, err := EncodeFrame(f)
	if err != nil {
		return fmt.Errorf("dispatch: %w", err)
	}
	if _, err := conn.Write(raw); err != nil {
		return fmt.Errorf("dispatch MID %04d: %w", f.MID, err)
	}
	d.metrics.FrameSent(f.MID)
	return nil
}

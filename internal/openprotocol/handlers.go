package openprotocol

import (
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"
)

// -------------------------------------------------------------------------
// Protocol Error Codes
// -------------------------------------------------------------------------

// Numeric error codes carried in MID 0004 responses.
const (
	ErrCodeUnknownDevice    = 1
	ErrCodeInvalidPset      = 2
	ErrCodeSubscribed       = 6
	ErrCodeNotSubscribed    = 7
	ErrCodeResultSubscribed = 9
	ErrCodeResultNotSub     = 10
	ErrCodeBadTime          = 20
	ErrCodeClientConnected  = 96
	ErrCodeUnsupportedRev   = 97
	ErrCodeUnknownMID       = 99
)

// -------------------------------------------------------------------------
// Engine: inbound MID dispatch
// -------------------------------------------------------------------------

// handlerFunc processes one decoded inbound frame.
type handlerFunc func(e *Engine, f Frame) error

// midHandlers maps inbound MIDs to their handlers. Unlisted MIDs answer
// with error 99.
var midHandlers = map[int]handlerFunc{
	MIDStart:            (*Engine).handleStart,
	MIDStop:             (*Engine).handleStop,
	MIDError:            (*Engine).handleLogOnly,
	MIDAck:              (*Engine).handleLogOnly,
	MIDPsetSubscribe:    (*Engine).handlePsetSubscribe,
	MIDPsetSelectedAck:  (*Engine).handleLogOnly,
	MIDPsetUnsubscribe:  (*Engine).handlePsetUnsubscribe,
	MIDPsetSelect:       (*Engine).handlePsetSelect,
	MIDToolDataRequest:  (*Engine).handleToolDataRequest,
	MIDToolData:         (*Engine).handleLogOnly,
	MIDToolDisable:      (*Engine).handleToolDisable,
	MIDToolEnable:       (*Engine).handleToolEnable,
	MIDVINDownload:      (*Engine).handleVINDownload,
	MIDVINSubscribe:     (*Engine).handleVINSubscribe,
	MIDVINAck:           (*Engine).handleLogOnly,
	MIDVINUnsubscribe:   (*Engine).handleVINUnsubscribe,
	MIDResultSubscribe:  (*Engine).handleResultSubscribe,
	MIDResultAck:        (*Engine).handleLogOnly,
	MIDResultUnsub:      (*Engine).handleResultUnsubscribe,
	MIDTimeSet:          (*Engine).handleTimeSet,
	MIDMultiSubscribe:   (*Engine).handleMultiSubscribe,
	MIDMultiResultAck:   (*Engine).handleLogOnly,
	MIDMultiUnsubscribe: (*Engine).handleMultiUnsubscribe,
	MIDIOStatusRequest:  (*Engine).handleIOStatusRequest,
	MIDRelaySubscribe:   (*Engine).handleRelaySubscribe,
	MIDRelayStatusAck:   (*Engine).handleLogOnly,
	MIDRelayUnsubscribe: (*Engine).handleRelayUnsubscribe,
	MIDKeepAlive:        (*Engine).handleKeepAlive,
}

// Engine dispatches inbound frames to their MID handlers and owns the
// response and push logic around the controller state.
type Engine struct {
	log     *slog.Logger
	state   *State
	relays  *RelayBank
	reg     *Registry
	disp    *Dispatcher
	metrics MetricsReporter
	now     func() time.Time

	// onSessionStart runs after a successful MID 0001, onSessionEnd after
	// a MID 0003. The session controller wires the periodic emitter and
	// connection close through these.
	onSessionStart func()
	onSessionEnd   func()
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithEngineLogger sets the engine logger.
func WithEngineLogger(log *slog.Logger) EngineOption {
	return func(e *Engine) { e.log = log }
}

// WithEngineMetrics sets the metrics reporter.
func WithEngineMetrics(m MetricsReporter) EngineOption {
	return func(e *Engine) { e.metrics = m }
}

// WithEngineClock overrides the wall clock, for tests.
func WithEngineClock(now func() time.Time) EngineOption {
	return func(e *Engine) { e.now = now }
}

// WithSessionHooks sets the session lifecycle callbacks.
func WithSessionHooks(onStart, onEnd func()) EngineOption {
	return func(e *Engine) {
		e.onSessionStart = onStart
		e.onSessionEnd = onEnd
	}
}

// NewEngine creates the MID dispatch engine over the given collaborators.
func NewEngine(state *State, relays *RelayBank, reg *Registry, disp *Dispatcher, opts ...EngineOption) *Engine {
	e := &Engine{
		log:     slog.Default(),
		state:   state,
		relays:  relays,
		reg:     reg,
		disp:    disp,
		metrics: noopMetrics{},
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Dispatch routes one decoded frame to its handler. Unknown MIDs get an
// error 99 response. Handler errors are logged here; a send failure has
// already torn the connection down by the time it surfaces.
func (e *Engine) Dispatch(f Frame) {
	e.metrics.FrameReceived(f.MID)
	e.log.Debug("received",
		slog.Int("mid", f.MID),
		slog.Int("rev", f.Rev),
		slog.Bool("no_ack", f.NoAck),
		slog.String("data", f.Data))

	h, ok := midHandlers[f.MID]
	if !ok {
		e.log.Warn("unknown MID", slog.Int("mid", f.MID))
		_ = e.sendError(f.MID, ErrCodeUnknownMID)
		return
	}
	if err := h(e, f); err != nil {
		e.log.Warn("handler failed",
			slog.Int("mid", f.MID),
			slog.String("error", err.Error()))
	}
}

// -------------------------------------------------------------------------
// Send Helpers
// -------------------------------------------------------------------------

// sendError emits a MID 0004 negative response at revision 1.
func (e *Engine) sendError(failingMID, code int) error {
	e.metrics.ProtocolError(code)
	e.log.Info("protocol error",
		slog.Int("failing_mid", failingMID),
		slog.Int("code", code))
	return e.disp.Send(Frame{MID: MIDError, Rev: 1, Data: BuildError(failingMID, code)})
}

// sendAck emits a MID 0005 positive acknowledge for mid.
func (e *Engine) sendAck(mid int) error {
	return e.disp.Send(Frame{MID: MIDAck, Rev: 1, Data: BuildAck(mid)})
}

// pushPsetSelected emits MID 0015 at the pset subscription's revision.
// No-op when the stream is not subscribed.
func (e *Engine) pushPsetSelected() error {
	sub := e.state.SubscriptionFor(StreamPset)
	if !sub.Active {
		return nil
	}
	sel := e.state.Selection()
	if sel.LastChange.IsZero() {
		sel.LastChange = e.now()
	}
	return e.disp.Send(Frame{
		MID:   MIDPsetSelected,
		Rev:   sub.Rev,
		NoAck: sub.NoAck,
		Data:  BuildPsetSelected(sel, sub.Rev),
	})
}

// pushVIN emits MID 0052 at the VIN subscription's revision. No-op when
// the stream is not subscribed.
func (e *Engine) pushVIN() error {
	sub := e.state.SubscriptionFor(StreamVIN)
	if !sub.Active {
		return nil
	}
	return e.disp.Send(Frame{
		MID:   MIDVIN,
		Rev:   sub.Rev,
		NoAck: sub.NoAck,
		Data:  BuildVIN(e.state.VIN(), sub.Rev),
	})
}

// PushRelayChange emits MID 0217 for a relay mutation when its function
// is subscribed. Exported for the operator-facing surfaces that toggle
// relays out-of-band.
func (e *Engine) PushRelayChange(ch RelayChange) error {
	if !ch.Subscribed {
		return nil
	}
	return e.disp.Send(Frame{
		MID:   MIDRelayStatus,
		Rev:   1,
		NoAck: ch.NoAck,
		Data:  BuildRelayStatus(ch.Function, ch.Status),
	})
}

// -------------------------------------------------------------------------
// Session Handlers
// -------------------------------------------------------------------------

// handleStart processes MID 0001. A second start while the session is
// active answers error 96; otherwise the session activates and the start
// acknowledge goes out at the negotiated revision.
func (e *Engine) handleStart(f Frame) error {
	if !e.state.ActivateSession() {
		return e.sendError(MIDStart, ErrCodeClientConnected)
	}
	e.metrics.SessionState(true)

	rev := e.reg.Negotiate(MIDStartAck, f.Rev)
	id := e.state.Identity()
	e.log.Info("session started", slog.Int("ack_rev", rev))

	if err := e.disp.Send(Frame{MID: MIDStartAck, Rev: rev, Data: BuildStartAck(id, rev)}); err != nil {
		return err
	}
	if e.onSessionStart != nil {
		e.onSessionStart()
	}
	return nil
}

// handleStop processes MID 0003: acknowledge, deactivate the session,
// clear every subscription, and let the session controller close the
// socket.
func (e *Engine) handleStop(f Frame) error {
	err := e.sendAck(MIDStop)
	e.state.EndSession()
	e.relays.ResetSubscriptions()
	e.metrics.SessionState(false)
	e.log.Info("session stopped by client")
	if e.onSessionEnd != nil {
		e.onSessionEnd()
	}
	return err
}

// handleKeepAlive echoes MID 9999 back at revision 1.
func (e *Engine) handleKeepAlive(f Frame) error {
	return e.disp.Send(Frame{MID: MIDKeepAlive, Rev: 1})
}

// handleLogOnly covers inbound MIDs the controller only logs: client-side
// acknowledges and data messages the server does not accept.
func (e *Engine) handleLogOnly(f Frame) error {
	e.log.Debug("inbound message ignored", slog.Int("mid", f.MID))
	return nil
}

// -------------------------------------------------------------------------
// Parameter Set Handlers
// -------------------------------------------------------------------------

func (e *Engine) handlePsetSubscribe(f Frame) error {
	rev := e.reg.Negotiate(MIDPsetSelected, f.Rev)
	if err := e.state.Subscribe(StreamPset, rev, f.NoAck); err != nil {
		return e.sendError(MIDPsetSubscribe, ErrCodeSubscribed)
	}
	e.metrics.SubscriptionState(StreamPset.String(), true)
	if err := e.sendAck(MIDPsetSubscribe); err != nil {
		return err
	}
	if e.state.Selection().ID != PsetNone {
		return e.pushPsetSelected()
	}
	return nil
}

func (e *Engine) handlePsetUnsubscribe(f Frame) error {
	if err := e.state.Unsubscribe(StreamPset); err != nil {
		return e.sendError(MIDPsetUnsubscribe, ErrCodeNotSubscribed)
	}
	e.metrics.SubscriptionState(StreamPset.String(), false)
	return e.sendAck(MIDPsetUnsubscribe)
}

// handlePsetSelect processes MID 0018. Ids "0" and "000" deselect; any
// other id must be in the installed set.
func (e *Engine) handlePsetSelect(f Frame) error {
	id := CanonicalPsetID(f.Data)
	if id != PsetNone && !ValidPsetID(id) {
		return e.sendError(MIDPsetSelect, ErrCodeInvalidPset)
	}
	e.state.SelectPset(id, e.now())
	e.log.Info("pset selected", slog.String("pset", id))
	if err := e.sendAck(MIDPsetSelect); err != nil {
		return err
	}
	return e.pushPsetSelected()
}

// -------------------------------------------------------------------------
// Tool Handlers
// -------------------------------------------------------------------------

func (e *Engine) handleToolDataRequest(f Frame) error {
	rev := e.reg.Negotiate(MIDToolData, f.Rev)
	return e.disp.Send(Frame{MID: MIDToolData, Rev: rev, Data: BuildToolData(e.state.Tool(), rev)})
}

// handleToolDisable disables the tool and notifies with an unsolicited
// MID 0040.
func (e *Engine) handleToolDisable(f Frame) error {
	e.state.SetToolEnabled(false)
	e.log.Info("tool disabled")
	if err := e.sendAck(MIDToolDisable); err != nil {
		return err
	}
	return e.disp.Send(Frame{MID: MIDToolDataRequest, Rev: 1})
}

// handleToolEnable enables the tool and notifies with a MID 0041.
func (e *Engine) handleToolEnable(f Frame) error {
	e.state.SetToolEnabled(true)
	e.log.Info("tool enabled")
	if err := e.sendAck(MIDToolEnable); err != nil {
		return err
	}
	return e.disp.Send(Frame{MID: MIDToolData, Rev: 1, Data: BuildToolData(e.state.Tool(), 1)})
}

// -------------------------------------------------------------------------
// VIN Handlers
// -------------------------------------------------------------------------

// handleVINDownload processes MID 0050. The download is acknowledged even
// when the identifier has no numeric tail; the fallback decomposition
// stores it with a "0" suffix.
func (e *Engine) handleVINDownload(f Frame) error {
	raw := strings.TrimRight(f.Data, " ")
	snap, parsed := e.state.DownloadVIN(raw)
	if !parsed {
		e.log.Warn("VIN has no numeric tail, stored with fallback suffix",
			slog.String("vin", raw), slog.String("stored", snap.VIN))
	} else {
		e.log.Info("VIN downloaded", slog.String("vin", snap.VIN))
	}
	if err := e.sendAck(MIDVINDownload); err != nil {
		return err
	}
	return e.pushVIN()
}

func (e *Engine) handleVINSubscribe(f Frame) error {
	rev := e.reg.Negotiate(MIDVIN, f.Rev)
	if err := e.state.Subscribe(StreamVIN, rev, f.NoAck); err != nil {
		return e.sendError(MIDVINSubscribe, ErrCodeSubscribed)
	}
	e.metrics.SubscriptionState(StreamVIN.String(), true)
	if err := e.sendAck(MIDVINSubscribe); err != nil {
		return err
	}
	return e.pushVIN()
}

func (e *Engine) handleVINUnsubscribe(f Frame) error {
	if err := e.state.Unsubscribe(StreamVIN); err != nil {
		return e.sendError(MIDVINUnsubscribe, ErrCodeNotSubscribed)
	}
	e.metrics.SubscriptionState(StreamVIN.String(), false)
	return e.sendAck(MIDVINUnsubscribe)
}

// -------------------------------------------------------------------------
// Tightening Result Handlers
// -------------------------------------------------------------------------

func (e *Engine) handleResultSubscribe(f Frame) error {
	rev := e.reg.Negotiate(MIDResult, f.Rev)
	if err := e.state.Subscribe(StreamResult, rev, f.NoAck); err != nil {
		return e.sendError(MIDResultSubscribe, ErrCodeResultSubscribed)
	}
	e.metrics.SubscriptionState(StreamResult.String(), true)
	return e.sendAck(MIDResultSubscribe)
}

func (e *Engine) handleResultUnsubscribe(f Frame) error {
	if err := e.state.Unsubscribe(StreamResult); err != nil {
		return e.sendError(MIDResultUnsub, ErrCodeResultNotSub)
	}
	e.metrics.SubscriptionState(StreamResult.String(), false)
	return e.sendAck(MIDResultUnsub)
}

// -------------------------------------------------------------------------
// Time Handler
// -------------------------------------------------------------------------

// handleTimeSet processes MID 0082. The payload must be exactly 19 chars
// and parse as YYYY-MM-DD:hh:mm:ss; anything else answers error 20.
func (e *Engine) handleTimeSet(f Frame) error {
	if len(f.Data) != len(wireTimeLayout) {
		return e.sendError(MIDTimeSet, ErrCodeBadTime)
	}
	if _, err := time.Parse(wireTimeLayout, f.Data); err != nil {
		return e.sendError(MIDTimeSet, ErrCodeBadTime)
	}
	e.state.SetControllerTime(f.Data)
	e.log.Info("controller time set", slog.String("time", f.Data))
	return e.sendAck(MIDTimeSet)
}

// -------------------------------------------------------------------------
// Multi-Spindle Handlers
// -------------------------------------------------------------------------

// handleMultiSubscribe processes MID 0100. Unlike the other subscribes,
// an over-max revision is rejected with error 97 instead of downgraded.
// The rewind-point and send-only-new fields of rev 2+ requests are
// accepted and ignored.
func (e *Engine) handleMultiSubscribe(f Frame) error {
	if f.Rev > e.reg.MaxRev(MIDMultiResult) {
		return e.sendError(MIDMultiSubscribe, ErrCodeUnsupportedRev)
	}
	rev := e.reg.Negotiate(MIDMultiResult, f.Rev)
	if err := e.state.Subscribe(StreamMulti, rev, f.NoAck); err != nil {
		return e.sendError(MIDMultiSubscribe, ErrCodeResultSubscribed)
	}
	e.metrics.SubscriptionState(StreamMulti.String(), true)
	return e.sendAck(MIDMultiSubscribe)
}

func (e *Engine) handleMultiUnsubscribe(f Frame) error {
	if err := e.state.Unsubscribe(StreamMulti); err != nil {
		return e.sendError(MIDMultiUnsubscribe, ErrCodeResultNotSub)
	}
	e.metrics.SubscriptionState(StreamMulti.String(), false)
	return e.sendAck(MIDMultiUnsubscribe)
}

// -------------------------------------------------------------------------
// I/O Handlers
// -------------------------------------------------------------------------

// handleIOStatusRequest processes MID 0214. Over-max revisions are
// rejected with error 97; unknown device ids with error 1.
func (e *Engine) handleIOStatusRequest(f Frame) error {
	if f.Rev > e.reg.MaxRev(MIDIOStatus) {
		return e.sendError(MIDIOStatusRequest, ErrCodeUnsupportedRev)
	}
	deviceID, err := parseWireField(f.Data, 2)
	if err != nil {
		return e.sendError(MIDIOStatusRequest, ErrCodeUnknownMID)
	}
	snap, ok := e.relays.Snapshot(deviceID)
	if !ok {
		return e.sendError(MIDIOStatusRequest, ErrCodeUnknownDevice)
	}
	rev := e.reg.Negotiate(MIDIOStatus, f.Rev)
	return e.disp.Send(Frame{MID: MIDIOStatus, Rev: rev, Data: BuildIOStatus(snap, rev)})
}

// handleRelaySubscribe processes MID 0216: subscribe to one relay
// function and push its current status.
func (e *Engine) handleRelaySubscribe(f Frame) error {
	function, err := parseWireField(f.Data, 3)
	if err != nil {
		return e.sendError(MIDRelaySubscribe, ErrCodeUnknownMID)
	}
	status, serr := e.relays.Subscribe(function, f.NoAck)
	if serr != nil {
		return e.sendError(MIDRelaySubscribe, ErrCodeSubscribed)
	}
	e.metrics.SubscriptionState("relay", true)
	if err := e.sendAck(MIDRelaySubscribe); err != nil {
		return err
	}
	return e.disp.Send(Frame{
		MID:   MIDRelayStatus,
		Rev:   1,
		NoAck: f.NoAck,
		Data:  BuildRelayStatus(function, status),
	})
}

func (e *Engine) handleRelayUnsubscribe(f Frame) error {
	function, err := parseWireField(f.Data, 3)
	if err != nil {
		return e.sendError(MIDRelayUnsubscribe, ErrCodeUnknownMID)
	}
	if err := e.relays.Unsubscribe(function); err != nil {
		return e.sendError(MIDRelayUnsubscribe, ErrCodeNotSubscribed)
	}
	e.metrics.SubscriptionState("relay", false)
	return e.sendAck(MIDRelayUnsubscribe)
}

// parseWireField parses the first width chars of data as a non-negative
// decimal number.
func parseWireField(data string, width int) (int, error) {
	if len(data) < width {
		return 0, fmt.Errorf("field needs %d chars, have %d", width, len(data))
	}
	n, err := strconv.Atoi(strings.TrimSpace(data[:width]))
	if err != nil || n < 0 {
		return 0, fmt.Errorf("field %q is not a non-negative decimal", data[:width])
	}
	return n, nil
}

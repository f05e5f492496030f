package openprotocol_test

import (
	"io"
	"log/slog"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/dantte-lp/gofasten/internal/openprotocol"
)

// harness wires an Engine to one end of an in-memory pipe and collects
// every frame the engine sends on the other end.
type harness struct {
	t      *testing.T
	engine *openprotocol.Engine
	state  *openprotocol.State
	relays *openprotocol.RelayBank
	reg    *openprotocol.Registry
	disp   *openprotocol.Dispatcher
	frames chan openprotocol.Frame

	starts int
	ends   int
}

func newHarness(t *testing.T, cfg openprotocol.StateConfig) *harness {
	t.Helper()

	server, client := net.Pipe()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	h := &harness{
		t:      t,
		state:  openprotocol.NewState(cfg),
		relays: openprotocol.NewRelayBank(),
		reg:    openprotocol.NewRegistry(),
		frames: make(chan openprotocol.Frame, 64),
	}

	h.disp = openprotocol.NewDispatcher(log, nil)
	h.disp.Bind(server, func(error) { _ = server.Close() })

	h.engine = openprotocol.NewEngine(h.state, h.relays, h.reg, h.disp,
		openprotocol.WithEngineLogger(log),
		openprotocol.WithSessionHooks(
			func() { h.starts++ },
			func() { h.ends++ },
		),
	)

	done := make(chan struct{})
	go func() {
		defer close(done)
		var dec openprotocol.Decoder
		buf := make([]byte, 4096)
		for {
			n, err := client.Read(buf)
			if n > 0 {
				dec.Feed(buf[:n])
				for {
					f, ok, derr := dec.Next()
					if derr != nil {
						continue
					}
					if !ok {
						break
					}
					h.frames <- f
				}
			}
			if err != nil {
				return
			}
		}
	}()
	t.Cleanup(func() {
		_ = client.Close()
		_ = server.Close()
		<-done
	})
	return h
}

// recv waits for the next frame the engine sent.
func (h *harness) recv() openprotocol.Frame {
	h.t.Helper()
	select {
	case f := <-h.frames:
		return f
	case <-time.After(2 * time.Second):
		h.t.Fatal("timed out waiting for a frame")
		return openprotocol.Frame{}
	}
}

// expectNone asserts no frame arrives within a short window.
func (h *harness) expectNone() {
	h.t.Helper()
	select {
	case f := <-h.frames:
		h.t.Fatalf("unexpected frame MID %04d %q", f.MID, f.Data)
	case <-time.After(50 * time.Millisecond):
	}
}

// expectAck asserts the next frame is a MID 0005 acknowledge for mid.
func (h *harness) expectAck(mid int) {
	h.t.Helper()
	f := h.recv()
	if f.MID != openprotocol.MIDAck || f.Data != openprotocol.BuildAck(mid) {
		h.t.Fatalf("got MID %04d %q, want 0005 ack for %04d", f.MID, f.Data, mid)
	}
}

// expectError asserts the next frame is a MID 0004 with the given failing
// MID and error code.
func (h *harness) expectError(failingMID, code int) {
	h.t.Helper()
	f := h.recv()
	want := openprotocol.BuildError(failingMID, code)
	if f.MID != openprotocol.MIDError || f.Data != want {
		h.t.Fatalf("got MID %04d %q, want 0004 %q", f.MID, f.Data, want)
	}
}

func TestHandleStart(t *testing.T) {
	t.Parallel()

	h := newHarness(t, openprotocol.StateConfig{})

	h.engine.Dispatch(openprotocol.Frame{MID: openprotocol.MIDStart, Rev: 6})

	ack := h.recv()
	if ack.MID != openprotocol.MIDStartAck || ack.Rev != 6 {
		t.Fatalf("got MID %04d rev %d, want 0002 rev 6", ack.MID, ack.Rev)
	}
	if !strings.Contains(ack.Data, "03"+openprotocol.PadName("OpenProtocolSim")) {
		t.Errorf("start ack missing controller name: %q", ack.Data)
	}
	if !h.state.SessionActive() {
		t.Error("SessionActive() = false after start")
	}
	if h.starts != 1 {
		t.Errorf("session start hook ran %d times, want 1", h.starts)
	}

	// A second start on an active session answers error 96.
	h.engine.Dispatch(openprotocol.Frame{MID: openprotocol.MIDStart, Rev: 1})
	h.expectError(openprotocol.MIDStart, openprotocol.ErrCodeClientConnected)
	if h.starts != 1 {
		t.Errorf("session start hook ran %d times after reject, want 1", h.starts)
	}
}

func TestHandleStartDowngradesRevision(t *testing.T) {
	t.Parallel()

	h := newHarness(t, openprotocol.StateConfig{})

	// MID 0001 never rejects over-max revisions; it downgrades.
	h.engine.Dispatch(openprotocol.Frame{MID: openprotocol.MIDStart, Rev: 99})

	ack := h.recv()
	if ack.MID != openprotocol.MIDStartAck || ack.Rev != 6 {
		t.Fatalf("got MID %04d rev %d, want 0002 rev 6", ack.MID, ack.Rev)
	}
}

func TestHandleStop(t *testing.T) {
	t.Parallel()

	h := newHarness(t, openprotocol.StateConfig{})
	h.engine.Dispatch(openprotocol.Frame{MID: openprotocol.MIDStart, Rev: 1})
	h.recv()
	h.engine.Dispatch(openprotocol.Frame{MID: openprotocol.MIDResultSubscribe, Rev: 1})
	h.expectAck(openprotocol.MIDResultSubscribe)

	h.engine.Dispatch(openprotocol.Frame{MID: openprotocol.MIDStop, Rev: 1})
	h.expectAck(openprotocol.MIDStop)

	if h.state.SessionActive() {
		t.Error("SessionActive() = true after stop")
	}
	if sub := h.state.SubscriptionFor(openprotocol.StreamResult); sub.Active {
		t.Error("result subscription survived session stop")
	}
	if h.ends != 1 {
		t.Errorf("session end hook ran %d times, want 1", h.ends)
	}
}

func TestHandleKeepAlive(t *testing.T) {
	t.Parallel()

	h := newHarness(t, openprotocol.StateConfig{})

	h.engine.Dispatch(openprotocol.Frame{MID: openprotocol.MIDKeepAlive, Rev: 1})

	f := h.recv()
	if f.MID != openprotocol.MIDKeepAlive || f.Rev != 1 || f.Data != "" {
		t.Errorf("got MID %04d rev %d %q, want empty 9999 rev 1", f.MID, f.Rev, f.Data)
	}
}

func TestDispatchUnknownMID(t *testing.T) {
	t.Parallel()

	h := newHarness(t, openprotocol.StateConfig{})

	h.engine.Dispatch(openprotocol.Frame{MID: 123, Rev: 1})
	h.expectError(123, openprotocol.ErrCodeUnknownMID)
}

func TestPsetSubscribeFlow(t *testing.T) {
	t.Parallel()

	h := newHarness(t, openprotocol.StateConfig{})

	// Requested revision 5 downgrades to the MID 0015 maximum of 2.
	h.engine.Dispatch(openprotocol.Frame{MID: openprotocol.MIDPsetSubscribe, Rev: 5})
	h.expectAck(openprotocol.MIDPsetSubscribe)
	if sub := h.state.SubscriptionFor(openprotocol.StreamPset); sub.Rev != 2 {
		t.Errorf("subscription rev = %d, want 2", sub.Rev)
	}

	// Nothing selected yet, so no immediate push; the select triggers one.
	h.engine.Dispatch(openprotocol.Frame{MID: openprotocol.MIDPsetSelect, Rev: 1, Data: "001"})
	h.expectAck(openprotocol.MIDPsetSelect)

	push := h.recv()
	if push.MID != openprotocol.MIDPsetSelected || push.Rev != 2 {
		t.Fatalf("got MID %04d rev %d, want 0015 rev 2", push.MID, push.Rev)
	}
	if !strings.HasPrefix(push.Data, "01001") {
		t.Errorf("push payload = %q, want tagged pset 001 first", push.Data)
	}

	h.engine.Dispatch(openprotocol.Frame{MID: openprotocol.MIDPsetSubscribe, Rev: 1})
	h.expectError(openprotocol.MIDPsetSubscribe, openprotocol.ErrCodeSubscribed)

	h.engine.Dispatch(openprotocol.Frame{MID: openprotocol.MIDPsetUnsubscribe, Rev: 1})
	h.expectAck(openprotocol.MIDPsetUnsubscribe)

	h.engine.Dispatch(openprotocol.Frame{MID: openprotocol.MIDPsetUnsubscribe, Rev: 1})
	h.expectError(openprotocol.MIDPsetUnsubscribe, openprotocol.ErrCodeNotSubscribed)
}

func TestPsetSubscribePushesCurrentSelection(t *testing.T) {
	t.Parallel()

	h := newHarness(t, openprotocol.StateConfig{})
	h.state.SelectPset("010", time.Now())

	h.engine.Dispatch(openprotocol.Frame{MID: openprotocol.MIDPsetSubscribe, Rev: 1})
	h.expectAck(openprotocol.MIDPsetSubscribe)

	push := h.recv()
	if push.MID != openprotocol.MIDPsetSelected || !strings.HasPrefix(push.Data, "010") {
		t.Errorf("got MID %04d %q, want 0015 for pset 010", push.MID, push.Data)
	}
}

func TestPsetSelectInvalid(t *testing.T) {
	t.Parallel()

	h := newHarness(t, openprotocol.StateConfig{})

	h.engine.Dispatch(openprotocol.Frame{MID: openprotocol.MIDPsetSelect, Rev: 1, Data: "007"})
	h.expectError(openprotocol.MIDPsetSelect, openprotocol.ErrCodeInvalidPset)

	// "000" deselects and is always valid.
	h.engine.Dispatch(openprotocol.Frame{MID: openprotocol.MIDPsetSelect, Rev: 1, Data: "000"})
	h.expectAck(openprotocol.MIDPsetSelect)
	if got := h.state.Selection().ID; got != openprotocol.PsetNone {
		t.Errorf("Selection().ID = %q, want %q", got, openprotocol.PsetNone)
	}
}

func TestVINDownloadAndSubscribe(t *testing.T) {
	t.Parallel()

	h := newHarness(t, openprotocol.StateConfig{VIN: "AB123000"})

	// Subscribing pushes the current identifier immediately.
	h.engine.Dispatch(openprotocol.Frame{MID: openprotocol.MIDVINSubscribe, Rev: 1})
	h.expectAck(openprotocol.MIDVINSubscribe)

	push := h.recv()
	if push.MID != openprotocol.MIDVIN || push.Rev != 1 {
		t.Fatalf("got MID %04d rev %d, want 0052 rev 1", push.MID, push.Rev)
	}
	if !strings.HasPrefix(push.Data, "AB123000") {
		t.Errorf("push payload = %q, want AB123000 prefix", push.Data)
	}

	// A download acknowledges and pushes the new identifier.
	h.engine.Dispatch(openprotocol.Frame{MID: openprotocol.MIDVINDownload, Rev: 1, Data: "KJ456000    "})
	h.expectAck(openprotocol.MIDVINDownload)

	push = h.recv()
	if !strings.HasPrefix(push.Data, "KJ456000") {
		t.Errorf("push payload = %q, want KJ456000 prefix", push.Data)
	}

	h.engine.Dispatch(openprotocol.Frame{MID: openprotocol.MIDVINSubscribe, Rev: 1})
	h.expectError(openprotocol.MIDVINSubscribe, openprotocol.ErrCodeSubscribed)

	h.engine.Dispatch(openprotocol.Frame{MID: openprotocol.MIDVINUnsubscribe, Rev: 1})
	h.expectAck(openprotocol.MIDVINUnsubscribe)
	h.engine.Dispatch(openprotocol.Frame{MID: openprotocol.MIDVINUnsubscribe, Rev: 1})
	h.expectError(openprotocol.MIDVINUnsubscribe, openprotocol.ErrCodeNotSubscribed)
}

func TestResultSubscribeErrors(t *testing.T) {
	t.Parallel()

	h := newHarness(t, openprotocol.StateConfig{})

	h.engine.Dispatch(openprotocol.Frame{MID: openprotocol.MIDResultSubscribe, Rev: 3})
	h.expectAck(openprotocol.MIDResultSubscribe)
	if sub := h.state.SubscriptionFor(openprotocol.StreamResult); sub.Rev != 3 {
		t.Errorf("subscription rev = %d, want 3", sub.Rev)
	}

	// The result stream uses its own error codes: 9 and 10.
	h.engine.Dispatch(openprotocol.Frame{MID: openprotocol.MIDResultSubscribe, Rev: 1})
	h.expectError(openprotocol.MIDResultSubscribe, openprotocol.ErrCodeResultSubscribed)

	h.engine.Dispatch(openprotocol.Frame{MID: openprotocol.MIDResultUnsub, Rev: 1})
	h.expectAck(openprotocol.MIDResultUnsub)
	h.engine.Dispatch(openprotocol.Frame{MID: openprotocol.MIDResultUnsub, Rev: 1})
	h.expectError(openprotocol.MIDResultUnsub, openprotocol.ErrCodeResultNotSub)
}

func TestHandleTimeSet(t *testing.T) {
	t.Parallel()

	h := newHarness(t, openprotocol.StateConfig{})

	h.engine.Dispatch(openprotocol.Frame{MID: openprotocol.MIDTimeSet, Rev: 1, Data: "2026-08-24:12:00:00"})
	h.expectAck(openprotocol.MIDTimeSet)
	if got, ok := h.state.ControllerTime(); !ok || got != "2026-08-24:12:00:00" {
		t.Errorf("ControllerTime() = %q, %v, want stored literal", got, ok)
	}

	bad := []string{
		"2026-08-24:12:00",      // too short
		"2026-08-24:12:00:00  ", // too long
		"2026-13-24:12:00:00",   // month out of range
		"garbage literal 19c",   // unparseable
	}
	for _, data := range bad {
		h.engine.Dispatch(openprotocol.Frame{MID: openprotocol.MIDTimeSet, Rev: 1, Data: data})
		h.expectError(openprotocol.MIDTimeSet, openprotocol.ErrCodeBadTime)
	}
}

func TestMultiSubscribeRejectsOverMaxRevision(t *testing.T) {
	t.Parallel()

	h := newHarness(t, openprotocol.StateConfig{})

	// MID 0100 rejects over-max revisions instead of downgrading.
	h.engine.Dispatch(openprotocol.Frame{MID: openprotocol.MIDMultiSubscribe, Rev: 6})
	h.expectError(openprotocol.MIDMultiSubscribe, openprotocol.ErrCodeUnsupportedRev)

	h.engine.Dispatch(openprotocol.Frame{MID: openprotocol.MIDMultiSubscribe, Rev: 5})
	h.expectAck(openprotocol.MIDMultiSubscribe)

	h.engine.Dispatch(openprotocol.Frame{MID: openprotocol.MIDMultiSubscribe, Rev: 1})
	h.expectError(openprotocol.MIDMultiSubscribe, openprotocol.ErrCodeResultSubscribed)

	h.engine.Dispatch(openprotocol.Frame{MID: openprotocol.MIDMultiUnsubscribe, Rev: 1})
	h.expectAck(openprotocol.MIDMultiUnsubscribe)
	h.engine.Dispatch(openprotocol.Frame{MID: openprotocol.MIDMultiUnsubscribe, Rev: 1})
	h.expectError(openprotocol.MIDMultiUnsubscribe, openprotocol.ErrCodeResultNotSub)
}

func TestIOStatusRequest(t *testing.T) {
	t.Parallel()

	h := newHarness(t, openprotocol.StateConfig{})

	h.engine.Dispatch(openprotocol.Frame{MID: openprotocol.MIDIOStatusRequest, Rev: 1, Data: "01"})
	f := h.recv()
	if f.MID != openprotocol.MIDIOStatus || f.Rev != 1 {
		t.Fatalf("got MID %04d rev %d, want 0215 rev 1", f.MID, f.Rev)
	}
	if !strings.HasPrefix(f.Data, "0101") {
		t.Errorf("payload = %q, want device 01 first", f.Data)
	}

	// Over-max revision rejects with 97, like MID 0100.
	h.engine.Dispatch(openprotocol.Frame{MID: openprotocol.MIDIOStatusRequest, Rev: 3, Data: "01"})
	h.expectError(openprotocol.MIDIOStatusRequest, openprotocol.ErrCodeUnsupportedRev)

	// Unparseable device field answers 99, unknown device 1.
	h.engine.Dispatch(openprotocol.Frame{MID: openprotocol.MIDIOStatusRequest, Rev: 1, Data: "XX"})
	h.expectError(openprotocol.MIDIOStatusRequest, openprotocol.ErrCodeUnknownMID)
	h.engine.Dispatch(openprotocol.Frame{MID: openprotocol.MIDIOStatusRequest, Rev: 1, Data: "05"})
	h.expectError(openprotocol.MIDIOStatusRequest, openprotocol.ErrCodeUnknownDevice)
}

func TestRelaySubscribeFlow(t *testing.T) {
	t.Parallel()

	h := newHarness(t, openprotocol.StateConfig{})

	h.engine.Dispatch(openprotocol.Frame{MID: openprotocol.MIDRelaySubscribe, Rev: 1, Data: "004"})
	h.expectAck(openprotocol.MIDRelaySubscribe)

	push := h.recv()
	if push.MID != openprotocol.MIDRelayStatus || push.Data != "01004020" {
		t.Fatalf("got MID %04d %q, want 0217 with function 4 status 0", push.MID, push.Data)
	}

	// An operator toggle on a subscribed function pushes the new status.
	ch, ok := h.relays.Toggle(openprotocol.FunctionOK)
	if !ok {
		t.Fatal("Toggle() did not find function 4")
	}
	if err := h.engine.PushRelayChange(ch); err != nil {
		t.Fatalf("PushRelayChange() error: %v", err)
	}
	push = h.recv()
	if push.Data != "01004021" {
		t.Errorf("push payload = %q, want status 1", push.Data)
	}

	h.engine.Dispatch(openprotocol.Frame{MID: openprotocol.MIDRelaySubscribe, Rev: 1, Data: "004"})
	h.expectError(openprotocol.MIDRelaySubscribe, openprotocol.ErrCodeSubscribed)

	h.engine.Dispatch(openprotocol.Frame{MID: openprotocol.MIDRelaySubscribe, Rev: 1, Data: "XYZ"})
	h.expectError(openprotocol.MIDRelaySubscribe, openprotocol.ErrCodeUnknownMID)

	h.engine.Dispatch(openprotocol.Frame{MID: openprotocol.MIDRelayUnsubscribe, Rev: 1, Data: "004"})
	h.expectAck(openprotocol.MIDRelayUnsubscribe)
	h.engine.Dispatch(openprotocol.Frame{MID: openprotocol.MIDRelayUnsubscribe, Rev: 1, Data: "004"})
	h.expectError(openprotocol.MIDRelayUnsubscribe, openprotocol.ErrCodeNotSubscribed)
}

func TestToolDisableEnable(t *testing.T) {
	t.Parallel()

	h := newHarness(t, openprotocol.StateConfig{})

	h.engine.Dispatch(openprotocol.Frame{MID: openprotocol.MIDToolDisable, Rev: 1})
	h.expectAck(openprotocol.MIDToolDisable)
	if notice := h.recv(); notice.MID != openprotocol.MIDToolDataRequest {
		t.Errorf("got MID %04d, want 0040 disable notice", notice.MID)
	}
	if h.state.ToolEnabled() {
		t.Error("ToolEnabled() = true after disable")
	}

	h.engine.Dispatch(openprotocol.Frame{MID: openprotocol.MIDToolEnable, Rev: 1})
	h.expectAck(openprotocol.MIDToolEnable)
	if notice := h.recv(); notice.MID != openprotocol.MIDToolData {
		t.Errorf("got MID %04d, want 0041 enable notice", notice.MID)
	}
	if !h.state.ToolEnabled() {
		t.Error("ToolEnabled() = false after enable")
	}
}

func TestToolDataRequest(t *testing.T) {
	t.Parallel()

	h := newHarness(t, openprotocol.StateConfig{})

	h.engine.Dispatch(openprotocol.Frame{MID: openprotocol.MIDToolDataRequest, Rev: 3})
	f := h.recv()
	if f.MID != openprotocol.MIDToolData || f.Rev != 3 {
		t.Fatalf("got MID %04d rev %d, want 0041 rev 3", f.MID, f.Rev)
	}
	if !strings.HasPrefix(f.Data, "01TOOL1234567890") {
		t.Errorf("payload = %q, want serial first", f.Data)
	}
}

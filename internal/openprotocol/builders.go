package openprotocol

import (
	"fmt"
	"strings"
	"time"
)

// -------------------------------------------------------------------------
// Payload Builders: revision-tiered MID data fields
//
// Every builder appends fields through the field table below instead of a
// conditional cascade, so revision limits, tag numbers, and field widths
// stay declarative. Numbered parameter fields carry a literal two-digit
// tag followed by the fixed-width value.
// -------------------------------------------------------------------------

// payload accumulates fixed-width ASCII data fields.
type payload struct {
	b strings.Builder
}

// num appends an n-digit zero-padded number, with an optional two-digit
// tag when tag > 0. Negative values clamp to zero; the wire format has no
// sign position.
func (p *payload) num(tag, width int, v int64) {
	if tag > 0 {
		fmt.Fprintf(&p.b, "%02d", tag)
	}
	if v < 0 {
		v = 0
	}
	fmt.Fprintf(&p.b, "%0*d", width, v)
}

// str appends an n-char space-padded string, truncated to width, with an
// optional two-digit tag.
func (p *payload) str(tag, width int, s string) {
	if tag > 0 {
		fmt.Fprintf(&p.b, "%02d", tag)
	}
	if len(s) > width {
		s = s[:width]
	}
	fmt.Fprintf(&p.b, "%-*s", width, s)
}

func (p *payload) String() string {
	return p.b.String()
}

// WireTime renders a timestamp in the protocol's 19-char form. The zero
// time renders as an all-zero date rather than year 1.
func WireTime(t time.Time) string {
	if t.IsZero() {
		return "0000-00-00:00:00:00"
	}
	return t.Format(wireTimeLayout)
}

// torqueHundredths converts a torque in Nm to the wire integer encoding.
func torqueHundredths(nm float64) int64 {
	if nm < 0 {
		return 0
	}
	return int64(nm*100 + 0.5)
}

// -------------------------------------------------------------------------
// MID 0002: communication start acknowledge
// -------------------------------------------------------------------------

// startAckField is one revision-gated field of the MID 0002 payload.
type startAckField struct {
	minRev int
	write  func(p *payload, id Identity)
}

var startAckFields = []startAckField{
	{1, func(p *payload, id Identity) { p.num(1, 4, int64(id.CellID)) }},
	{1, func(p *payload, id Identity) { p.num(2, 2, int64(id.ChannelID)) }},
	{1, func(p *payload, id Identity) { p.str(3, 25, id.Name) }},
	{2, func(p *payload, id Identity) { p.num(4, 3, int64(id.SupplierCode)) }},
	{2, func(p *payload, id Identity) { p.str(5, 19, id.OpenProtocolVersion) }},
	{2, func(p *payload, id Identity) { p.str(6, 19, id.ControllerSWVersion) }},
	{2, func(p *payload, id Identity) { p.str(7, 19, id.ToolSWVersion) }},
	{3, func(p *payload, id Identity) { p.str(8, 24, id.RBUType) }},
	{3, func(p *payload, id Identity) { p.str(9, 10, id.Serial) }},
	{4, func(p *payload, id Identity) { p.str(10, 10, id.SystemType) }},
	{4, func(p *payload, id Identity) { p.str(11, 10, id.SystemSubtype) }},
	{5, func(p *payload, id Identity) { p.num(12, 1, int64(id.SequenceNumSupport)) }},
	{5, func(p *payload, id Identity) { p.num(13, 1, int64(id.LinkingSupport)) }},
	{5, func(p *payload, id Identity) { p.str(14, 10, id.StationID) }},
	{5, func(p *payload, id Identity) { p.str(15, 25, id.StationName) }},
	{6, func(p *payload, id Identity) { p.num(16, 1, int64(id.ClientID)) }},
}

// BuildStartAck builds the MID 0002 payload at the given revision.
func BuildStartAck(id Identity, rev int) string {
	var p payload
	for _, f := range startAckFields {
		if rev >= f.minRev {
			f.write(&p, id)
		}
	}
	return p.String()
}

// -------------------------------------------------------------------------
// MID 0004 / 0005: error and acknowledge
// -------------------------------------------------------------------------

// BuildError builds the MID 0004 payload: the failing MID and the numeric
// error code. Emitted at revision 1 regardless of the negotiated error
// maximum (the extended revisions only duplicate these two fields).
func BuildError(failingMID, code int) string {
	return fmt.Sprintf("%04d%02d", failingMID, code)
}

// BuildAck builds the MID 0005 payload: the acknowledged MID.
func BuildAck(mid int) string {
	return fmt.Sprintf("%04d", mid)
}

// -------------------------------------------------------------------------
// MID 0015: parameter set selected
// -------------------------------------------------------------------------

// BuildPsetSelected builds the MID 0015 payload. Revision 1 is the bare
// pset id plus change timestamp; revision 2 is the tagged form with batch
// progress and the OK counter.
func BuildPsetSelected(sel PsetSelection, rev int) string {
	var p payload
	id := sel.ID
	if id == PsetNone {
		id = "000"
	}
	if rev <= 1 {
		p.str(0, 3, id)
		p.str(0, 19, WireTime(sel.LastChange))
		return p.String()
	}
	p.str(1, 3, id)
	p.str(2, 19, WireTime(sel.LastChange))
	p.num(3, 4, int64(sel.BatchSize))
	p.num(4, 4, int64(sel.BatchCounter))
	p.num(5, 4, int64(sel.OKCounter))
	return p.String()
}

// -------------------------------------------------------------------------
// MID 0041: tool data
// -------------------------------------------------------------------------

type toolDataField struct {
	minRev int
	write  func(p *payload, t ToolInfo)
}

var toolDataFields = []toolDataField{
	{1, func(p *payload, t ToolInfo) { p.str(1, 14, t.SerialNumber) }},
	{1, func(p *payload, t ToolInfo) { p.num(2, 10, int64(t.TotalTightenings)) }},
	{1, func(p *payload, t ToolInfo) { p.str(3, 10, t.LastCalibration) }},
	{1, func(p *payload, t ToolInfo) { p.str(4, 10, t.ControllerSerial) }},
	{2, func(p *payload, t ToolInfo) { p.num(5, 6, int64(t.CalibrationValue)) }},
	{2, func(p *payload, t ToolInfo) { p.str(6, 10, t.LastService) }},
	{2, func(p *payload, t ToolInfo) { p.num(7, 10, int64(t.SinceServiceCount)) }},
	{3, func(p *payload, t ToolInfo) { p.num(8, 2, int64(t.ToolType)) }},
	{3, func(p *payload, t ToolInfo) { p.num(9, 4, int64(t.MotorSize)) }},
	{4, func(p *payload, t ToolInfo) { p.str(10, 20, t.OpenEndData) }},
	{5, func(p *payload, t ToolInfo) { p.str(11, 19, t.ControllerSWVersion) }},
}

// BuildToolData builds the MID 0041 payload at the given revision.
func BuildToolData(t ToolInfo, rev int) string {
	var p payload
	for _, f := range toolDataFields {
		if rev >= f.minRev {
			f.write(&p, t)
		}
	}
	return p.String()
}

// -------------------------------------------------------------------------
// MID 0052: vehicle identification
// -------------------------------------------------------------------------

// BuildVIN builds the MID 0052 payload. Revision 1 is the bare 25-char
// identifier; revision 2 carries all four identifier parts tagged.
func BuildVIN(v VINSnapshot, rev int) string {
	var p payload
	if rev <= 1 {
		p.str(0, 25, v.VIN)
		return p.String()
	}
	p.str(1, 25, v.VIN)
	p.str(2, 25, v.Part2)
	p.str(3, 25, v.Part3)
	p.str(4, 25, v.Part4)
	return p.String()
}

// -------------------------------------------------------------------------
// MID 0061: tightening result
// -------------------------------------------------------------------------

// Result carries everything a MID 0061 emission needs. Torques are Nm,
// encoded as hundredths on the wire; angles are whole degrees.
type Result struct {
	CellID         int
	ChannelID      int
	ControllerName string
	VIN            string
	JobID          int
	PsetID         string
	BatchSize      int
	BatchCounter   int
	Status         int // 1 OK, 0 NOK
	TorqueStatus   int // 0 low, 1 OK, 2 high
	AngleStatus    int
	TorqueMin      float64
	TorqueMax      float64
	TorqueTarget   float64
	Torque         float64
	AngleMin       int
	AngleMax       int
	AngleTarget    int
	Angle          int
	Timestamp      time.Time
	PsetChangeTime time.Time
	BatchStatus    int
	TighteningID   uint64

	// Extension fields, revision-gated.
	Strategy        int    // rev 3+
	StrategyOptions string // rev 4+
	ErrorStatus2    uint64 // rev 5+
	StageResults    int    // rev 6+
}

type resultField struct {
	minRev int
	write  func(p *payload, r Result)
}

var resultFields = []resultField{
	{1, func(p *payload, r Result) { p.num(1, 4, int64(r.CellID)) }},
	{1, func(p *payload, r Result) { p.num(2, 2, int64(r.ChannelID)) }},
	{1, func(p *payload, r Result) { p.str(3, 25, r.ControllerName) }},
	{1, func(p *payload, r Result) { p.str(4, 25, r.VIN) }},
	{1, func(p *payload, r Result) { p.num(5, 2, int64(r.JobID)) }},
	{1, func(p *payload, r Result) { p.str(6, 3, psetWire(r.PsetID)) }},
	{1, func(p *payload, r Result) { p.num(7, 4, int64(r.BatchSize)) }},
	{1, func(p *payload, r Result) { p.num(8, 4, int64(r.BatchCounter)) }},
	{1, func(p *payload, r Result) { p.num(9, 1, int64(r.Status)) }},
	{1, func(p *payload, r Result) { p.num(10, 1, int64(r.TorqueStatus)) }},
	{1, func(p *payload, r Result) { p.num(11, 1, int64(r.AngleStatus)) }},
	{1, func(p *payload, r Result) { p.num(12, 6, torqueHundredths(r.TorqueMin)) }},
	{1, func(p *payload, r Result) { p.num(13, 6, torqueHundredths(r.TorqueMax)) }},
	{1, func(p *payload, r Result) { p.num(14, 6, torqueHundredths(r.TorqueTarget)) }},
	{1, func(p *payload, r Result) { p.num(15, 6, torqueHundredths(r.Torque)) }},
	{1, func(p *payload, r Result) { p.num(16, 5, int64(r.AngleMin)) }},
	{1, func(p *payload, r Result) { p.num(17, 5, int64(r.AngleMax)) }},
	{1, func(p *payload, r Result) { p.num(18, 5, int64(r.AngleTarget)) }},
	{1, func(p *payload, r Result) { p.num(19, 5, int64(r.Angle)) }},
	{1, func(p *payload, r Result) { p.str(20, 19, WireTime(r.Timestamp)) }},
	{1, func(p *payload, r Result) { p.str(21, 19, WireTime(r.PsetChangeTime)) }},
	{1, func(p *payload, r Result) { p.num(22, 1, int64(r.BatchStatus)) }},
	{1, func(p *payload, r Result) { p.num(23, 10, int64(r.TighteningID)) }},
	{3, func(p *payload, r Result) { p.num(24, 4, int64(r.Strategy)) }},
	{4, func(p *payload, r Result) { p.str(25, 5, r.StrategyOptions) }},
	{5, func(p *payload, r Result) { p.num(26, 10, int64(r.ErrorStatus2)) }},
	{6, func(p *payload, r Result) { p.num(27, 2, int64(r.StageResults)) }},
}

// psetWire renders a pset id for a 3-char field. PsetNone becomes "000".
func psetWire(id string) string {
	if id == PsetNone || id == "" {
		return "000"
	}
	return id
}

// BuildResult builds the MID 0061 payload at the given revision.
func BuildResult(r Result, rev int) string {
	var p payload
	for _, f := range resultFields {
		if rev >= f.minRev {
			f.write(&p, r)
		}
	}
	return p.String()
}

// -------------------------------------------------------------------------
// MID 0101: multi-spindle result
// -------------------------------------------------------------------------

// SpindleResult is one spindle's outcome inside a MID 0101 emission.
type SpindleResult struct {
	Number int
	Status int // 1 OK, 0 NOK
	Torque float64
	Angle  int
}

// MultiResult carries a full multi-spindle emission: the shared header
// context plus per-spindle outcomes.
type MultiResult struct {
	CellID           int
	ChannelID        int
	ControllerName   string
	VIN              string
	JobID            int
	PsetID           string
	BatchSize        int
	BatchCounter     int
	BatchStatus      int
	TorqueMin        float64
	TorqueMax        float64
	TorqueTarget     float64
	AngleMin         int
	AngleMax         int
	AngleTarget      int
	Timestamp        time.Time
	Status           int // AND of per-spindle statuses
	Spindles         []SpindleResult
	SyncCount        int    // rev 4+
	SyncTighteningID uint64 // rev 5+
}

// BuildMultiResult builds the MID 0101 payload at the given revision:
// sixteen tagged header fields, the overall status, the spindle count,
// and one fixed-width block per spindle. Revision 4 appends the sync
// count, revision 5 the sync tightening id.
func BuildMultiResult(m MultiResult, rev int) string {
	var p payload
	p.num(1, 4, int64(m.CellID))
	p.num(2, 2, int64(m.ChannelID))
	p.str(3, 25, m.ControllerName)
	p.str(4, 25, m.VIN)
	p.num(5, 2, int64(m.JobID))
	p.str(6, 3, psetWire(m.PsetID))
	p.num(7, 4, int64(m.BatchSize))
	p.num(8, 4, int64(m.BatchCounter))
	p.num(9, 1, int64(m.BatchStatus))
	p.num(10, 6, torqueHundredths(m.TorqueMin))
	p.num(11, 6, torqueHundredths(m.TorqueMax))
	p.num(12, 6, torqueHundredths(m.TorqueTarget))
	p.num(13, 5, int64(m.AngleMin))
	p.num(14, 5, int64(m.AngleMax))
	p.num(15, 5, int64(m.AngleTarget))
	p.str(16, 19, WireTime(m.Timestamp))

	p.num(0, 1, int64(m.Status))
	p.num(0, 2, int64(len(m.Spindles)))
	for _, sp := range m.Spindles {
		p.num(0, 2, int64(sp.Number))
		p.num(0, 1, int64(sp.Status))
		p.num(0, 6, torqueHundredths(sp.Torque))
		p.num(0, 5, int64(sp.Angle))
	}

	if rev >= 4 {
		p.num(17, 3, int64(m.SyncCount))
	}
	if rev >= 5 {
		p.num(18, 5, int64(m.SyncTighteningID%100000))
	}
	return p.String()
}

// -------------------------------------------------------------------------
// MID 0215 / 0217: I/O device status and relay function status
// -------------------------------------------------------------------------

// ioStatusFixedSlots is the slot count of the revision 1 layout.
const ioStatusFixedSlots = 8

// BuildIOStatus builds the MID 0215 payload. Revision 1 is the fixed
// 8-slot layout padded with empty slots; revision 2 is length-prefixed.
func BuildIOStatus(d DeviceSnapshot, rev int) string {
	var p payload
	if rev <= 1 {
		p.num(1, 2, int64(d.ID))
		p.b.WriteString("02")
		writeSlotsFixed(&p, d.Relays)
		p.b.WriteString("03")
		writeSlotsFixed(&p, d.Inputs)
		return p.String()
	}
	p.num(1, 2, int64(d.ID))
	p.num(2, 2, int64(len(d.Relays)))
	p.b.WriteString("03")
	writeSlots(&p, d.Relays)
	p.num(4, 2, int64(len(d.Inputs)))
	p.b.WriteString("05")
	writeSlots(&p, d.Inputs)
	return p.String()
}

func writeSlots(p *payload, slots []IOSlot) {
	for _, s := range slots {
		p.num(0, 3, int64(s.Function))
		p.num(0, 1, int64(s.Status))
	}
}

func writeSlotsFixed(p *payload, slots []IOSlot) {
	n := 0
	for _, s := range slots {
		if n == ioStatusFixedSlots {
			break
		}
		p.num(0, 3, int64(s.Function))
		p.num(0, 1, int64(s.Status))
		n++
	}
	for ; n < ioStatusFixedSlots; n++ {
		p.b.WriteString("0000")
	}
}

// BuildRelayStatus builds the MID 0217 payload: the relay function id and
// its current status digit.
func BuildRelayStatus(function, status int) string {
	var p payload
	p.num(1, 3, int64(function))
	p.num(2, 1, int64(status))
	return p.String()
}

package openprotocol

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

// -------------------------------------------------------------------------
// Subscription Streams
// -------------------------------------------------------------------------

// Stream identifies one subscribable push stream.
type Stream uint8

const (
	// StreamPset is the parameter-set selection stream (MID 0015).
	StreamPset Stream = iota

	// StreamVIN is the vehicle identification stream (MID 0052).
	StreamVIN

	// StreamResult is the single-spindle tightening result stream (MID 0061).
	StreamResult

	// StreamMulti is the multi-spindle result stream (MID 0101).
	StreamMulti

	// streamCount is the number of streams; keep last.
	streamCount
)

// String returns the human-readable stream name.
func (s Stream) String() string {
	switch s {
	case StreamPset:
		return "pset"
	case StreamVIN:
		return "vin"
	case StreamResult:
		return "result"
	case StreamMulti:
		return "multi_spindle"
	default:
		return "unknown"
	}
}

// Subscription is the durable per-stream client interest record.
type Subscription struct {
	// Active is true while the client is subscribed.
	Active bool

	// Rev is the negotiated payload revision for pushes on this stream.
	// Defaults to 1 when inactive.
	Rev int

	// NoAck mirrors the no-ack flag of the subscribe request onto every
	// push on this stream.
	NoAck bool
}

// Sentinel errors for subscription bookkeeping.
var (
	// ErrAlreadySubscribed indicates a duplicate subscribe on a stream.
	ErrAlreadySubscribed = errors.New("stream already subscribed")

	// ErrNotSubscribed indicates an unsubscribe on an inactive stream.
	ErrNotSubscribed = errors.New("stream not subscribed")
)

// -------------------------------------------------------------------------
// Controller Identity & Tool Info
// -------------------------------------------------------------------------

// ControllerNameLen is the fixed width of the controller name field.
const ControllerNameLen = 25

// Identity holds the controller identification reported in MID 0002.
type Identity struct {
	CellID              int
	ChannelID           int
	Name                string // space-padded to 25 chars
	SupplierCode        int
	OpenProtocolVersion string // 19 chars
	ControllerSWVersion string // 19 chars
	ToolSWVersion       string // 19 chars
	RBUType             string // 24 chars
	Serial              string // 10 chars
	SystemType          string // 10 chars
	SystemSubtype       string // 10 chars
	SequenceNumSupport  int
	LinkingSupport      int
	StationID           string // 10 chars
	StationName         string // 25 chars
	ClientID            int
}

// DefaultIdentity returns the stock PF6000-style identity with the given
// controller name (padded or truncated to 25 chars).
func DefaultIdentity(name string) Identity {
	return Identity{
		CellID:              1,
		ChannelID:           1,
		Name:                PadName(name),
		SupplierCode:        1,
		OpenProtocolVersion: "2.8.0",
		ControllerSWVersion: "1.0.0",
		ToolSWVersion:       "1.0.0",
		RBUType:             "",
		Serial:              "SN12345678",
		SystemType:          "PF6000",
		SystemSubtype:       "",
		SequenceNumSupport:  0,
		LinkingSupport:      0,
		StationID:           "0001",
		StationName:         "Station",
		ClientID:            1,
	}
}

// PadName space-pads or truncates a controller name to 25 characters.
func PadName(name string) string {
	if len(name) >= ControllerNameLen {
		return name[:ControllerNameLen]
	}
	return name + strings.Repeat(" ", ControllerNameLen-len(name))
}

// ToolInfo holds the tool identification and counters reported in MID 0041.
type ToolInfo struct {
	SerialNumber        string // 14 chars
	TotalTightenings    uint64
	LastCalibration     string // 10 chars, YYYY-MM-DD
	ControllerSerial    string // 10 chars
	CalibrationValue    int
	LastService         string // 10 chars, YYYY-MM-DD
	SinceServiceCount   uint64
	ToolType            int
	MotorSize           int
	OpenEndData         string // 20 chars
	ControllerSWVersion string // 19 chars
}

// DefaultToolInfo returns the stock simulated tool.
func DefaultToolInfo() ToolInfo {
	return ToolInfo{
		SerialNumber:        "TOOL123456789012",
		LastCalibration:     "2025-01-01",
		ControllerSerial:    "SN12345678",
		CalibrationValue:    10000,
		LastService:         "2025-01-01",
		ToolType:            1,
		MotorSize:           100,
		ControllerSWVersion: "1.0.0",
	}
}

// -------------------------------------------------------------------------
// Controller State
// -------------------------------------------------------------------------

// tighteningIDModulus is the wrap point of the tightening id counter.
const tighteningIDModulus = 10_000_000_000

// wireTimeLayout is the Open Protocol timestamp format.
const wireTimeLayout = "2006-01-02:15:04:05"

// StateConfig seeds the mutable controller state.
type StateConfig struct {
	// Identity is the controller identification block.
	Identity Identity

	// VIN is the initial vehicle identifier (e.g. "AB123000").
	VIN string

	// BatchSize is the global default batch target used when no pset is
	// selected. Zero disables batching.
	BatchSize int

	// NOKProbability is the probability of a simulated NOK result,
	// clamped to [0, 1].
	NOKProbability float64

	// AutoInterval is the periodic result emission interval.
	AutoInterval time.Duration

	// Spindles is the spindle count for multi-spindle results.
	Spindles int
}

// State is the single mutable aggregate of the simulated controller:
// session flags, subscriptions, VIN and batch progression, counters, the
// selected parameter set, and the simulated tool.
//
// All read-modify-write access goes through methods that take the one
// state mutex. Methods never perform socket I/O; callers compute under
// the lock, release, and then send. Lock ordering is state before the
// dispatcher write lock, never the other way around.
type State struct {
	mu sync.Mutex

	identity Identity
	tool     ToolInfo
	psets    *PsetTable

	sessionActive bool
	toolEnabled   bool
	autoLoop      bool

	subs [streamCount]Subscription

	currentPset    string
	psetLastChange time.Time
	psetOKCounter  int

	vin             VIN
	identifierPart2 string
	identifierPart3 string
	identifierPart4 string

	batchCounter    int
	globalBatchSize int

	nokProbability float64
	autoInterval   time.Duration
	spindles       int

	tighteningID     uint64
	syncTighteningID uint64

	controllerTime    string
	controllerTimeSet bool

	// Extended result fields (MID 0061 rev 3+).
	strategyCode     int
	strategyOptions  string
	errorStatus2     uint64
	stageResultCount int
}

// NewState creates the controller state from cfg. Zero-value fields fall
// back to the stock defaults used by the reference controller.
func NewState(cfg StateConfig) *State {
	if cfg.VIN == "" {
		cfg.VIN = "AB123000"
	}
	if cfg.AutoInterval <= 0 {
		cfg.AutoInterval = 20 * time.Second
	}
	if cfg.Spindles < 1 {
		cfg.Spindles = 2
	}
	if cfg.Identity.Name == "" {
		cfg.Identity = DefaultIdentity("OpenProtocolSim")
	}

	vin, _ := ParseVIN(cfg.VIN)

	s := &State{
		identity:        cfg.Identity,
		tool:            DefaultToolInfo(),
		psets:           NewPsetTable(),
		toolEnabled:     true,
		autoLoop:        true,
		currentPset:     PsetNone,
		vin:             vin,
		globalBatchSize: cfg.BatchSize,
		nokProbability:  clampProbability(cfg.NOKProbability),
		autoInterval:    cfg.AutoInterval,
		spindles:        cfg.Spindles,
		strategyOptions: "00000",
	}
	s.resetSubscriptionsLocked()
	return s
}

func clampProbability(p float64) float64 {
	if p < 0 {
		return 0
	}
	if p > 1 {
		return 1
	}
	return p
}

// Identity returns the controller identification block.
func (s *State) Identity() Identity {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.identity
}

// Tool returns a snapshot of the simulated tool info.
func (s *State) Tool() ToolInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tool
}

// Psets exposes the parameter-set table. The table has its own lock and is
// safe to use without holding the state mutex.
func (s *State) Psets() *PsetTable {
	return s.psets
}

// -------------------------------------------------------------------------
// Session Lifecycle
// -------------------------------------------------------------------------

// SessionActive reports whether a client session is established.
func (s *State) SessionActive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionActive
}

// BeginConnection resets the per-session counters when a client connects:
// tightening id, batch counter, tool enabled, auto loop enabled. The
// session itself only becomes active on a successful MID 0001.
func (s *State) BeginConnection() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tighteningID = 0
	s.syncTighteningID = 0
	s.batchCounter = 0
	s.toolEnabled = true
	s.autoLoop = true
}

// ActivateSession marks the session established (successful MID 0001).
// Returns false if a session was already active.
func (s *State) ActivateSession() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sessionActive {
		return false
	}
	s.sessionActive = true
	return true
}

// EndSession deactivates the session and resets every subscription record
// to its default (inactive, revision 1, ack required).
func (s *State) EndSession() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessionActive = false
	s.resetSubscriptionsLocked()
}

func (s *State) resetSubscriptionsLocked() {
	for i := range s.subs {
		s.subs[i] = Subscription{Rev: 1}
	}
}

// -------------------------------------------------------------------------
// Subscriptions
// -------------------------------------------------------------------------

// Subscribe activates a stream subscription with the negotiated revision
// and no-ack flag. Returns ErrAlreadySubscribed on a duplicate subscribe.
func (s *State) Subscribe(stream Stream, rev int, noAck bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.subs[stream].Active {
		return fmt.Errorf("subscribe %s: %w", stream, ErrAlreadySubscribed)
	}
	s.subs[stream] = Subscription{Active: true, Rev: rev, NoAck: noAck}
	return nil
}

// Unsubscribe deactivates a stream subscription and resets its revision.
// Returns ErrNotSubscribed when the stream is not active.
func (s *State) Unsubscribe(stream Stream) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.subs[stream].Active {
		return fmt.Errorf("unsubscribe %s: %w", stream, ErrNotSubscribed)
	}
	s.subs[stream] = Subscription{Rev: 1}
	return nil
}

// SubscriptionFor returns the current subscription record of a stream.
func (s *State) SubscriptionFor(stream Stream) Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.subs[stream]
}

// -------------------------------------------------------------------------
// Tool & Loop Flags
// -------------------------------------------------------------------------

// ToolEnabled reports whether the simulated tool may run.
func (s *State) ToolEnabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.toolEnabled
}

// SetToolEnabled flips the tool enable flag (MID 0042/0043, operator).
func (s *State) SetToolEnabled(enabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.toolEnabled = enabled
}

// AutoLoopActive reports whether the periodic emitter should fire.
func (s *State) AutoLoopActive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.autoLoop
}

// SetAutoLoopActive pauses or resumes the periodic emitter.
func (s *State) SetAutoLoopActive(active bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.autoLoop = active
}

// AutoInterval returns the periodic emission interval.
func (s *State) AutoInterval() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.autoInterval
}

// SetAutoInterval updates the periodic emission interval. Non-positive
// values are ignored.
func (s *State) SetAutoInterval(d time.Duration) {
	if d <= 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.autoInterval = d
}

// NOKProbability returns the simulated failure probability.
func (s *State) NOKProbability() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nokProbability
}

// SetNOKProbability updates the failure probability, clamped to [0, 1].
func (s *State) SetNOKProbability(p float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nokProbability = clampProbability(p)
}

// Spindles returns the multi-spindle tool width.
func (s *State) Spindles() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.spindles
}

// -------------------------------------------------------------------------
// Parameter Set Selection
// -------------------------------------------------------------------------

// SelectPset records a parameter-set selection (MID 0018). The id must be
// canonical; PsetNone deselects. Selecting resets the pset OK counter and
// stamps the change time.
func (s *State) SelectPset(id string, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.currentPset = id
	s.psetLastChange = now
	s.psetOKCounter = 0
}

// PsetSelection is a snapshot of the current parameter-set selection used
// by the MID 0015 builder.
type PsetSelection struct {
	ID           string
	LastChange   time.Time
	BatchSize    int
	BatchCounter int
	OKCounter    int
}

// Selection returns the current parameter-set selection snapshot. The
// batch size is the selected pset's when one is selected, the global
// default otherwise.
func (s *State) Selection() PsetSelection {
	s.mu.Lock()
	defer s.mu.Unlock()
	return PsetSelection{
		ID:           s.currentPset,
		LastChange:   s.psetLastChange,
		BatchSize:    s.batchTargetLocked(),
		BatchCounter: s.batchCounter,
		OKCounter:    s.psetOKCounter,
	}
}

// batchTargetLocked resolves the effective batch target. Caller holds mu.
func (s *State) batchTargetLocked() int {
	if s.currentPset != PsetNone {
		if p, ok := s.psets.Get(s.currentPset); ok {
			return p.BatchSize
		}
	}
	return s.globalBatchSize
}

// SelectedParams resolves the tightening parameters for the next result:
// the selected pset's parameters when one is selected, otherwise the
// global defaults with the global batch size.
func (s *State) SelectedParams() (id string, params PsetParams) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.currentPset != PsetNone {
		if p, ok := s.psets.Get(s.currentPset); ok {
			return s.currentPset, p
		}
	}
	p := DefaultPsetParams()
	p.BatchSize = s.globalBatchSize
	return s.currentPset, p
}

// -------------------------------------------------------------------------
// VIN & Batch Progression
// -------------------------------------------------------------------------

// VINSnapshot is the VIN view used by the MID 0052 builder.
type VINSnapshot struct {
	VIN   string
	Part2 string
	Part3 string
	Part4 string
}

// VIN returns the current vehicle identifier snapshot.
func (s *State) VIN() VINSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return VINSnapshot{
		VIN:   s.vin.String(),
		Part2: s.identifierPart2,
		Part3: s.identifierPart3,
		Part4: s.identifierPart4,
	}
}

// DownloadVIN ingests a VIN download (MID 0050 or operator). The batch
// counter resets. Returns the parse outcome: an unparseable string is
// still stored via the "0"-suffix fallback.
func (s *State) DownloadVIN(raw string) (VINSnapshot, bool) {
	vin, ok := ParseVIN(raw)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.vin = vin
	s.batchCounter = 0
	return VINSnapshot{
		VIN:   s.vin.String(),
		Part2: s.identifierPart2,
		Part3: s.identifierPart3,
		Part4: s.identifierPart4,
	}, ok
}

// AdvanceVIN increments the VIN numeric tail and resets the batch counter.
// Called when a batch completes.
func (s *State) AdvanceVIN() VINSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.vin = s.vin.Next()
	s.batchCounter = 0
	return VINSnapshot{
		VIN:   s.vin.String(),
		Part2: s.identifierPart2,
		Part3: s.identifierPart3,
		Part4: s.identifierPart4,
	}
}

// -------------------------------------------------------------------------
// Controller Time
// -------------------------------------------------------------------------

// SetControllerTime stores the literal 19-char time string accepted by a
// MID 0082 request.
func (s *State) SetControllerTime(wire string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.controllerTime = wire
	s.controllerTimeSet = true
}

// ControllerTime returns the stored controller time string, ok=false when
// never set.
func (s *State) ControllerTime() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.controllerTime, s.controllerTimeSet
}

// -------------------------------------------------------------------------
// Result Accounting
// -------------------------------------------------------------------------

// ResultAccounting is the outcome of recording one tightening against the
// batch and counter state.
type ResultAccounting struct {
	// TighteningID is the id assigned to this result (wraps at 10^10).
	TighteningID uint64

	// BatchSize is the effective batch target at recording time.
	BatchSize int

	// BatchCounter is the counter value after recording.
	BatchCounter int

	// BatchStatus is 1 when the counter reached the target, else 0.
	BatchStatus int

	// BatchComplete is true when this result completed the batch. The
	// caller advances the VIN (which resets the counter) afterwards.
	BatchComplete bool

	// PsetID is the canonical selected pset id (PsetNone when none).
	PsetID string

	// PsetChangeTime is the last selection timestamp (zero when never set).
	PsetChangeTime time.Time

	// VIN is the wire VIN at recording time.
	VIN string
}

// RecordResult accounts one simulated tightening: assigns the next
// tightening id, bumps the tool lifetime counters, and advances the batch
// counter when the result is OK and batching is enabled.
func (s *State) RecordResult(ok bool) ResultAccounting {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.tighteningID = (s.tighteningID + 1) % tighteningIDModulus
	s.tool.TotalTightenings++
	s.tool.SinceServiceCount++

	target := s.batchTargetLocked()
	if ok {
		s.psetOKCounter++
		if target > 0 {
			s.batchCounter++
		}
	}

	acct := ResultAccounting{
		TighteningID:   s.tighteningID,
		BatchSize:      target,
		BatchCounter:   s.batchCounter,
		PsetID:         s.currentPset,
		PsetChangeTime: s.psetLastChange,
		VIN:            s.vin.String(),
	}
	if target > 0 && s.batchCounter >= target {
		acct.BatchStatus = 1
		acct.BatchComplete = true
	}
	return acct
}

// NextSyncTighteningID assigns the next multi-spindle sync id.
func (s *State) NextSyncTighteningID() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.syncTighteningID = (s.syncTighteningID + 1) % tighteningIDModulus
	return s.syncTighteningID
}

// ExtendedResultFields returns the MID 0061 rev 3+ extension values.
func (s *State) ExtendedResultFields() (strategy int, options string, errStatus2 uint64, stages int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.strategyCode, s.strategyOptions, s.errorStatus2, s.stageResultCount
}

package openprotocol

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"
)

// -------------------------------------------------------------------------
// Tightening Simulator: MID 0061 / 0101 result generation
// -------------------------------------------------------------------------

// Out-of-range redraw bands for NOK results. A failed value lands in the
// band adjacent to the violated limit.
const (
	torqueBandWidth = 5.0
	torqueBandGap   = 0.1
	angleBandWidth  = 20
	angleBandGap    = 1
)

// Value status digits shared by the torque and angle status fields.
const (
	statusLow  = 0
	statusOK   = 1
	statusHigh = 2
)

// Simulator generates tightening results and feeds them to the
// dispatcher. Both the periodic loop and operator-triggered one-shots go
// through the same emit methods, so preconditions and batch progression
// are checked in exactly one place.
type Simulator struct {
	log     *slog.Logger
	state   *State
	disp    *Dispatcher
	metrics MetricsReporter
	now     func() time.Time

	rngMu sync.Mutex
	rng   *rand.Rand
}

// SimulatorOption configures a Simulator.
type SimulatorOption func(*Simulator)

// WithSimulatorLogger sets the simulator logger.
func WithSimulatorLogger(log *slog.Logger) SimulatorOption {
	return func(s *Simulator) { s.log = log }
}

// WithSimulatorMetrics sets the metrics reporter.
func WithSimulatorMetrics(m MetricsReporter) SimulatorOption {
	return func(s *Simulator) { s.metrics = m }
}

// WithSimulatorSeed seeds the random source, for reproducible runs.
func WithSimulatorSeed(seed uint64) SimulatorOption {
	return func(s *Simulator) { s.rng = rand.New(rand.NewPCG(seed, seed)) }
}

// WithSimulatorClock overrides the wall clock, for tests.
func WithSimulatorClock(now func() time.Time) SimulatorOption {
	return func(s *Simulator) { s.now = now }
}

// NewSimulator creates a result simulator over the shared state and
// dispatcher.
func NewSimulator(state *State, disp *Dispatcher, opts ...SimulatorOption) *Simulator {
	s := &Simulator{
		log:     slog.Default(),
		state:   state,
		disp:    disp,
		metrics: noopMetrics{},
		now:     time.Now,
		rng:     rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// draw is one simulated measurement outcome.
type draw struct {
	torque       float64
	angle        int
	torqueStatus int
	angleStatus  int
	ok           bool
}

// drawOutcome rolls one tightening against the parameter limits. An NOK
// roll picks torque or angle as the offender, picks low or high with
// equal probability, and redraws that value in the adjacent out-of-range
// band.
func (s *Simulator) drawOutcome(p PsetParams, nokProbability float64) draw {
	s.rngMu.Lock()
	defer s.rngMu.Unlock()

	d := draw{
		torque:       p.TorqueMin + s.rng.Float64()*(p.TorqueMax-p.TorqueMin),
		angle:        p.AngleMin + s.rng.IntN(p.AngleMax-p.AngleMin+1),
		torqueStatus: statusOK,
		angleStatus:  statusOK,
		ok:           true,
	}
	if s.rng.Float64() >= nokProbability {
		return d
	}

	d.ok = false
	high := s.rng.IntN(2) == 1
	if s.rng.IntN(2) == 0 {
		if high {
			d.torque = p.TorqueMax + torqueBandGap + s.rng.Float64()*(torqueBandWidth-torqueBandGap)
			d.torqueStatus = statusHigh
		} else {
			d.torque = p.TorqueMin - torqueBandGap - s.rng.Float64()*(torqueBandWidth-torqueBandGap)
			d.torqueStatus = statusLow
		}
	} else {
		if high {
			d.angle = p.AngleMax + angleBandGap + s.rng.IntN(angleBandWidth-angleBandGap)
			d.angleStatus = statusHigh
		} else {
			d.angle = p.AngleMin - angleBandGap - s.rng.IntN(angleBandWidth-angleBandGap)
			d.angleStatus = statusLow
		}
	}
	return d
}

// EmitSingle generates and pushes one single-spindle result (MID 0061).
//
// Preconditions: active session, active result subscription, tool
// enabled. When any is unmet the call logs and becomes a no-op. A
// completed batch advances the VIN and pushes MID 0052 to a VIN
// subscriber after the result frame.
func (s *Simulator) EmitSingle() error {
	sub := s.state.SubscriptionFor(StreamResult)
	if !s.state.SessionActive() || !sub.Active || !s.state.ToolEnabled() {
		s.log.Debug("result emission skipped",
			slog.Bool("session", s.state.SessionActive()),
			slog.Bool("subscribed", sub.Active),
			slog.Bool("tool_enabled", s.state.ToolEnabled()))
		return nil
	}

	psetID, params := s.state.SelectedParams()
	d := s.drawOutcome(params, s.state.NOKProbability())
	acct := s.state.RecordResult(d.ok)
	id := s.state.Identity()
	strategy, strategyOpts, errStatus2, stages := s.state.ExtendedResultFields()

	res := Result{
		CellID:          id.CellID,
		ChannelID:       id.ChannelID,
		ControllerName:  id.Name,
		VIN:             acct.VIN,
		PsetID:          psetID,
		BatchSize:       acct.BatchSize,
		BatchCounter:    acct.BatchCounter,
		Status:          boolDigit(d.ok),
		TorqueStatus:    d.torqueStatus,
		AngleStatus:     d.angleStatus,
		TorqueMin:       params.TorqueMin,
		TorqueMax:       params.TorqueMax,
		TorqueTarget:    params.TargetTorque,
		Torque:          d.torque,
		AngleMin:        params.AngleMin,
		AngleMax:        params.AngleMax,
		AngleTarget:     params.TargetAngle,
		Angle:           d.angle,
		Timestamp:       s.now(),
		PsetChangeTime:  acct.PsetChangeTime,
		BatchStatus:     acct.BatchStatus,
		TighteningID:    acct.TighteningID,
		Strategy:        strategy,
		StrategyOptions: strategyOpts,
		ErrorStatus2:    errStatus2,
		StageResults:    stages,
	}

	s.metrics.ResultEmitted(d.ok)
	s.log.Info("tightening result",
		slog.Uint64("id", acct.TighteningID),
		slog.Bool("ok", d.ok),
		slog.Float64("torque", d.torque),
		slog.Int("angle", d.angle),
		slog.Int("batch_counter", acct.BatchCounter))

	if err := s.disp.Send(Frame{MID: MIDResult, Rev: sub.Rev, NoAck: sub.NoAck, Data: BuildResult(res, sub.Rev)}); err != nil {
		return err
	}

	if acct.BatchComplete {
		snap := s.state.AdvanceVIN()
		s.log.Info("batch complete, VIN advanced", slog.String("vin", snap.VIN))
		if vinSub := s.state.SubscriptionFor(StreamVIN); vinSub.Active {
			return s.disp.Send(Frame{
				MID:   MIDVIN,
				Rev:   vinSub.Rev,
				NoAck: vinSub.NoAck,
				Data:  BuildVIN(snap, vinSub.Rev),
			})
		}
	}
	return nil
}

// EmitMulti generates and pushes one multi-spindle result (MID 0101).
// The overall status is the AND of the per-spindle outcomes. Multi
// results do not advance the batch.
func (s *Simulator) EmitMulti() error {
	sub := s.state.SubscriptionFor(StreamMulti)
	if !s.state.SessionActive() || !sub.Active || !s.state.ToolEnabled() {
		s.log.Debug("multi-spindle emission skipped",
			slog.Bool("session", s.state.SessionActive()),
			slog.Bool("subscribed", sub.Active),
			slog.Bool("tool_enabled", s.state.ToolEnabled()))
		return nil
	}

	psetID, params := s.state.SelectedParams()
	nok := s.state.NOKProbability()
	id := s.state.Identity()
	sel := s.state.Selection()
	vin := s.state.VIN()

	count := s.state.Spindles()
	spindles := make([]SpindleResult, count)
	overall := 1
	for i := range spindles {
		d := s.drawOutcome(params, nok)
		spindles[i] = SpindleResult{
			Number: i + 1,
			Status: boolDigit(d.ok),
			Torque: d.torque,
			Angle:  d.angle,
		}
		if !d.ok {
			overall = 0
		}
	}

	m := MultiResult{
		CellID:           id.CellID,
		ChannelID:        id.ChannelID,
		ControllerName:   id.Name,
		VIN:              vin.VIN,
		PsetID:           psetID,
		BatchSize:        sel.BatchSize,
		BatchCounter:     sel.BatchCounter,
		TorqueMin:        params.TorqueMin,
		TorqueMax:        params.TorqueMax,
		TorqueTarget:     params.TargetTorque,
		AngleMin:         params.AngleMin,
		AngleMax:         params.AngleMax,
		AngleTarget:      params.TargetAngle,
		Timestamp:        s.now(),
		Status:           overall,
		Spindles:         spindles,
		SyncCount:        1,
		SyncTighteningID: s.state.NextSyncTighteningID(),
	}

	s.metrics.ResultEmitted(overall == 1)
	s.log.Info("multi-spindle result",
		slog.Uint64("sync_id", m.SyncTighteningID),
		slog.Int("spindles", count),
		slog.Int("status", overall))

	return s.disp.Send(Frame{MID: MIDMultiResult, Rev: sub.Rev, NoAck: sub.NoAck, Data: BuildMultiResult(m, sub.Rev)})
}

// RunPeriodic drives the automatic result loop for one session: wait the
// configured interval, then emit one single-spindle result when the
// auto-loop flag is set. The interval is re-read every cycle so runtime
// reconfiguration takes effect on the next wait. Returns when ctx is
// cancelled or the session ends.
func (s *Simulator) RunPeriodic(ctx context.Context) {
	timer := time.NewTimer(s.state.AutoInterval())
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		if !s.state.SessionActive() {
			return
		}
		if s.state.AutoLoopActive() {
			if err := s.EmitSingle(); err != nil {
				s.log.Warn("periodic emission failed", slog.String("error", err.Error()))
				return
			}
		}
		timer.Reset(s.state.AutoInterval())
	}
}

func boolDigit(b bool) int {
	if b {
		return 1
	}
	return 0
}

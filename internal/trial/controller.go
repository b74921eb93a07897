// Package trial runs the fixed-rate control loop: it reads the wheel, filters
// the reading into tube kinematics, steps the trial state machine and drives
// the actuators and display.
package trial

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/tuberig/internal/actuator"
	"github.com/banshee-data/tuberig/internal/kinematics"
	"github.com/banshee-data/tuberig/internal/monitoring"
	"github.com/banshee-data/tuberig/internal/protocol"
	"github.com/banshee-data/tuberig/internal/telemetry"
	"github.com/banshee-data/tuberig/internal/timeutil"
)

// DefaultTraceWindow is the tracer window handed out at StartTrial.
const DefaultTraceWindow = 30 * time.Second

// RecordStore persists sealed trial records.
type RecordStore interface {
	SaveTrial(rec *protocol.TrialRecord) error
}

// Config wires a Controller. Source, Output, Cache and Commands are required.
type Config struct {
	Profile    Profile
	Filter     kinematics.Params
	Mapper     actuator.Mapper
	TickPeriod time.Duration

	Source   kinematics.Source
	Output   *actuator.Output
	Display  Display
	Scroller *MarkerScroller
	Cache    *telemetry.Cache

	Commands <-chan protocol.Instruction
	Events   *protocol.Link
	Recorder *protocol.Link
	Tracer   *protocol.Link

	Store       RecordStore
	Clock       timeutil.Clock
	Stats       *monitoring.LoopStats
	SessionID   string
	SinkPrefix  string
	TraceWindow time.Duration
	NewID       func() string
}

// Status is a point-in-time view of the controller for the status API.
type Status struct {
	Profile    string                  `json:"profile"`
	Phase      protocol.TrialPhase     `json:"phase"`
	PhaseSince time.Time               `json:"phase_since"`
	Paused     bool                    `json:"paused"`
	Disk       uint8                   `json:"disk"`
	Recording  bool                    `json:"recording"`
	Trials     int                     `json:"trials"`
	Last       kinematics.Sample       `json:"last"`
	Rejected   uint64                  `json:"rejected"`
	ReadErrors uint64                  `json:"read_errors"`
	Loop       monitoring.LoopSnapshot `json:"loop"`
}

// Controller owns the trial state. Only Run's goroutine mutates it; Status
// reads a copy published after every tick and instruction.
type Controller struct {
	cfg    Config
	filter *kinematics.Filter
	clock  timeutil.Clock
	stats  *monitoring.LoopStats

	phase      protocol.TrialPhase
	phaseSince time.Time
	paused     bool
	disk       uint8
	recording  bool
	trials     int
	record     *protocol.TrialRecord
	trialStart time.Time
	reference  time.Time
	last       kinematics.Sample
	readErrors uint64

	mu     sync.RWMutex
	status Status
}

// New validates cfg and returns an idle controller.
func New(cfg Config) (*Controller, error) {
	if cfg.Source == nil || cfg.Output == nil || cfg.Cache == nil || cfg.Commands == nil {
		return nil, errors.New("trial: source, output, cache and commands are required")
	}
	if cfg.TickPeriod <= 0 {
		return nil, fmt.Errorf("trial: tick period must be positive, got %v", cfg.TickPeriod)
	}
	if cfg.Profile.Name == "" {
		cfg.Profile.Name = ProfileStandard
	}
	filter, err := kinematics.NewFilter(cfg.Filter)
	if err != nil {
		return nil, err
	}
	filter.SetMaxSpeed(cfg.Profile.MaxSpeedCmS)
	if cfg.Mapper.TubeDistanceCm == 0 {
		cfg.Mapper.TubeDistanceCm = cfg.Filter.TubeDistanceCm
	}
	if cfg.Clock == nil {
		cfg.Clock = timeutil.RealClock{}
	}
	if cfg.Stats == nil {
		cfg.Stats = monitoring.NewLoopStats("controller", cfg.TickPeriod)
	}
	if cfg.Display == nil {
		cfg.Display = &LogDisplay{}
	}
	if cfg.Scroller == nil {
		cfg.Scroller = &MarkerScroller{}
	}
	if cfg.TraceWindow <= 0 {
		cfg.TraceWindow = DefaultTraceWindow
	}
	if cfg.NewID == nil {
		cfg.NewID = uuid.NewString
	}
	if cfg.Profile.FramePulse > 0 {
		cfg.Output.SetPulseWidth(cfg.Profile.FramePulse)
	}

	now := cfg.Clock.Now()
	c := &Controller{
		cfg:        cfg,
		filter:     filter,
		clock:      cfg.Clock,
		stats:      cfg.Stats,
		phase:      protocol.PhaseIdle,
		phaseSince: now,
		reference:  now,
	}
	c.publish()
	return c, nil
}

// Run drives the loop until Stop, a closed command channel, ctx
// cancellation or an instruction the controller does not accept.
func (c *Controller) Run(ctx context.Context) error {
	ticker := c.clock.NewTicker(c.cfg.TickPeriod)
	defer ticker.Stop()

	monitoring.Logf("trial: %s controller running at %v per tick", c.cfg.Profile.Name, c.cfg.TickPeriod)
	for {
		var tick <-chan time.Time
		if !c.paused {
			tick = ticker.C()
		}
		select {
		case <-ctx.Done():
			c.shutdown()
			return ctx.Err()
		case in, ok := <-c.cfg.Commands:
			if !ok {
				c.shutdown()
				return nil
			}
			stop, err := c.handle(in)
			if err != nil {
				c.shutdown()
				return err
			}
			if stop {
				return nil
			}
		case <-tick:
			c.tick()
		}
	}
}

func (c *Controller) handle(in protocol.Instruction) (bool, error) {
	defer c.publish()
	now := c.clock.Now()

	switch v := in.(type) {
	case protocol.StartTrial:
		c.startTrial(now, v.Record)
	case protocol.EndTrial:
		c.endTrial(now)
	case protocol.SetDisk:
		c.setDisk(v.State)
	case protocol.Pause:
		c.paused = true
		c.emit(c.cfg.Recorder, protocol.Pause{})
		c.emit(c.cfg.Tracer, protocol.Pause{})
	case protocol.Ready:
		c.paused = false
		if c.recording && c.phase.Active() {
			c.emit(c.cfg.Recorder, protocol.Ready{})
		}
		c.emit(c.cfg.Tracer, protocol.Ready{})
	case protocol.Reset:
		c.emit(c.cfg.Recorder, v)
	case protocol.SamplingRate:
		c.emit(c.cfg.Recorder, v)
	case protocol.Dump:
		c.emit(c.cfg.Tracer, v)
	case protocol.Stop:
		c.stop(now)
		return true, nil
	default:
		return false, protocol.Unexpected("controller", in)
	}
	return false, nil
}

func (c *Controller) startTrial(now time.Time, record bool) {
	if c.phase != protocol.PhaseIdle {
		monitoring.Logf("trial: start_trial ignored in %s", c.phase)
		return
	}
	c.trials++
	c.filter.ResetPosition()
	c.reference = now
	c.trialStart = now
	c.recording = record
	c.record = protocol.NewTrialRecord(c.cfg.NewID(), c.trials, c.cfg.Profile.Name, c.disk, now)
	c.record.SessionID = c.cfg.SessionID

	if record {
		c.emit(c.cfg.Recorder, protocol.Reset{Destination: c.sinkName()})
		c.emit(c.cfg.Recorder, protocol.Ready{})
	}
	c.emit(c.cfg.Tracer, protocol.Reset{Duration: c.cfg.TraceWindow})
	c.emit(c.cfg.Tracer, protocol.Ready{})
	c.cfg.Display.Flash(ColorStart)
	c.transition(now, protocol.PhaseStarting)
}

func (c *Controller) sinkName() string {
	prefix := c.cfg.SinkPrefix
	if prefix == "" {
		prefix = "trial"
	}
	return fmt.Sprintf("%s_%03d", prefix, c.trials)
}

func (c *Controller) endTrial(now time.Time) {
	switch c.phase {
	case protocol.PhaseStarting, protocol.PhaseTrial:
		c.emitEvent(protocol.TrialAborted{})
		c.conclude(now, protocol.PhaseInterTrial, protocol.OutcomeEnded, false)
	case protocol.PhaseRewarding:
		c.conclude(now, protocol.PhaseInterTrial, protocol.OutcomeRewarded, true)
	default:
		monitoring.Logf("trial: end_trial ignored in %s", c.phase)
	}
}

func (c *Controller) setDisk(state uint8) {
	if state > protocol.MaxDiskState {
		monitoring.Logf("trial: disk state %d out of range", state)
		return
	}
	c.disk = state
	monitoring.Logf("trial: disk set to %s", protocol.DiskName(state))
	if c.record != nil && !c.record.Sealed {
		c.record.Disk = state
	}
	if err := c.cfg.Output.Apply(c.cfg.Mapper.Disk(state)); err != nil {
		monitoring.Logf("trial: disk: %v", err)
	}
}

func (c *Controller) stop(now time.Time) {
	c.transition(now, protocol.PhaseStopped)
	if c.record != nil {
		c.finish(now, protocol.OutcomeEnded, false)
	}
	c.shutdown()
}

// shutdown zeroes the outputs and stops the sampling units.
func (c *Controller) shutdown() {
	if err := c.cfg.Output.Zero(); err != nil {
		monitoring.Logf("trial: zero outputs: %v", err)
	}
	c.emit(c.cfg.Recorder, protocol.Stop{})
	c.emit(c.cfg.Tracer, protocol.Dump{})
	c.emit(c.cfg.Tracer, protocol.Stop{})
	c.publish()
}

func (c *Controller) tick() {
	start := c.clock.Now()
	defer func() {
		c.stats.Observe(c.clock.Since(start))
		c.publish()
	}()

	raw, err := c.cfg.Source.ReadVolts()
	if err != nil {
		c.readErrors++
		if c.readErrors == 1 || c.readErrors%100 == 0 {
			monitoring.Logf("trial: sensor read failed (%d so far): %v", c.readErrors, err)
		}
		return
	}

	ts := start.Sub(c.reference).Seconds()
	s, _ := c.filter.Step(ts, raw, c.phase.Motion())
	c.last = s
	c.cfg.Cache.Store(s)

	if c.phase.Active() {
		if err := c.cfg.Output.Pulse(); err != nil {
			monitoring.Logf("trial: frame pulse: %v", err)
		}
		if c.recording && c.record != nil {
			_ = c.record.AddSample(s)
		}
	}
	if dx := c.cfg.Scroller.Scroll(s.FilteredDelta); dx != 0 {
		c.cfg.Display.Shift(dx)
	}

	c.evaluate(start, s)

	if err := c.cfg.Output.Apply(c.cfg.Mapper.Tube(c.phase, c.filter.Position())); err != nil {
		monitoring.Logf("trial: tube: %v", err)
	}
}

// evaluate applies the time and position driven transitions.
func (c *Controller) evaluate(now time.Time, s kinematics.Sample) {
	p := c.cfg.Profile
	elapsed := now.Sub(c.phaseSince)

	switch c.phase {
	case protocol.PhaseStarting:
		if elapsed >= p.FlashDuration {
			c.transition(now, protocol.PhaseTrial)
		}
	case protocol.PhaseTrial:
		if !s.Contact {
			return
		}
		c.emitEvent(protocol.TubeReached{})
		if p.Reward {
			c.transition(now, protocol.PhaseRewarding)
			return
		}
		c.transition(now, protocol.PhaseIdle)
		c.finish(now, protocol.OutcomeReached, true)
		c.resetTube()
	case protocol.PhaseRewarding:
		if c.filter.Position() < p.RewardAbort*c.cfg.Filter.TubeDistanceCm {
			c.emitEvent(protocol.TrialAborted{})
			c.conclude(now, protocol.PhaseAborted, protocol.OutcomeAborted, false)
			return
		}
		if p.RewardWindow > 0 && elapsed >= p.RewardWindow {
			c.conclude(now, protocol.PhaseInterTrial, protocol.OutcomeRewarded, true)
		}
	case protocol.PhaseAborted, protocol.PhaseInterTrial:
		if elapsed >= p.SettleDelay {
			c.transition(now, protocol.PhaseIdle)
			c.resetTube()
		}
	}
}

func (c *Controller) resetTube() {
	c.filter.ResetPosition()
	c.emit(c.cfg.Events, protocol.TubeReset{})
}

// conclude ends the trial with the end flash and moves to a settling phase.
func (c *Controller) conclude(now time.Time, to protocol.TrialPhase, outcome protocol.Outcome, publish bool) {
	c.cfg.Display.Flash(ColorEnd)
	c.transition(now, to)
	c.finish(now, outcome, publish)
}

// finish seals and stores the open record and optionally publishes it.
func (c *Controller) finish(now time.Time, outcome protocol.Outcome, publish bool) {
	rec := c.record
	c.record = nil
	if c.recording {
		c.emit(c.cfg.Recorder, protocol.Pause{})
	}
	if rec == nil {
		return
	}
	if err := rec.Seal(outcome, now); err != nil {
		monitoring.Logf("trial: seal record %s: %v", rec.ID, err)
		return
	}
	if c.cfg.Store != nil {
		if err := c.cfg.Store.SaveTrial(rec); err != nil {
			monitoring.Logf("trial: store record %s: %v", rec.ID, err)
		}
	}
	if publish && c.recording {
		c.emit(c.cfg.Events, protocol.SendingRecords{Record: rec})
	}
	monitoring.Logf("trial: #%d %s after %v", rec.Number, outcome, rec.Duration())
}

func (c *Controller) transition(now time.Time, to protocol.TrialPhase) {
	if c.record != nil {
		_ = c.record.AddTransition(protocol.PhaseTransition{
			From: c.phase,
			To:   to,
			At:   now.Sub(c.trialStart).Seconds(),
		})
	}
	c.phase = to
	c.phaseSince = now
	c.emit(c.cfg.Tracer, protocol.Phase{Name: to.String()})
}

// emitEvent reports a trial event to the operator and the tracer.
func (c *Controller) emitEvent(in protocol.Instruction) {
	c.emit(c.cfg.Events, in)
	c.emit(c.cfg.Tracer, in)
}

func (c *Controller) emit(l *protocol.Link, in protocol.Instruction) {
	if l == nil {
		return
	}
	if err := l.Send(in); err != nil {
		monitoring.Logf("trial: %s %s: %v", l.Name(), in.Kind(), err)
	}
}

func (c *Controller) publish() {
	st := Status{
		Profile:    c.cfg.Profile.Name,
		Phase:      c.phase,
		PhaseSince: c.phaseSince,
		Paused:     c.paused,
		Disk:       c.disk,
		Recording:  c.recording,
		Trials:     c.trials,
		Last:       c.last,
		Rejected:   c.filter.Rejected(),
		ReadErrors: c.readErrors,
		Loop:       c.stats.Snapshot(),
	}
	c.mu.Lock()
	c.status = st
	c.mu.Unlock()
}

// Status returns the most recently published controller state.
func (c *Controller) Status() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.status
}

// Profile returns the profile the controller runs.
func (c *Controller) Profile() Profile { return c.cfg.Profile }

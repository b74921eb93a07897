package trial

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/tuberig/internal/actuator"
	"github.com/banshee-data/tuberig/internal/config"
	"github.com/banshee-data/tuberig/internal/kinematics"
	"github.com/banshee-data/tuberig/internal/monitoring"
	"github.com/banshee-data/tuberig/internal/protocol"
	"github.com/banshee-data/tuberig/internal/telemetry"
	"github.com/banshee-data/tuberig/internal/timeutil"
)

const testTick = 10 * time.Millisecond

type memStore struct {
	mu      sync.Mutex
	records []*protocol.TrialRecord
}

func (m *memStore) SaveTrial(rec *protocol.TrialRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, rec)
	return nil
}

type recordingDisplay struct {
	shift   int
	flashes []Color
}

func (d *recordingDisplay) Shift(dx int)  { d.shift += dx }
func (d *recordingDisplay) Flash(c Color) { d.flashes = append(d.flashes, c) }

type harness struct {
	c        *Controller
	clock    *timeutil.MockClock
	driver   *actuator.RecordingDriver
	out      *actuator.Output
	cmds     chan protocol.Instruction
	events   *protocol.Link
	recorder *protocol.Link
	tracer   *protocol.Link
	store    *memStore
	display  *recordingDisplay
}

func unitParams() kinematics.Params {
	return kinematics.Params{
		TubeDistanceCm:       10,
		AccelerationCutoff:   1.0,
		SensorScale:          1,
		WheelCircumferenceCm: 1,
		SpeedMultiplier:      1,
	}
}

func testProfile() Profile {
	return Profile{
		Name:         ProfileStandard,
		Reward:       true,
		RewardWindow: time.Second,
		RewardAbort:  0.2,
		SettleDelay:  100 * time.Millisecond,
	}
}

func newHarness(t *testing.T, p Profile, params kinematics.Params, volts ...float64) *harness {
	t.Helper()
	orig := monitoring.Logf
	monitoring.SetLogger(nil)
	t.Cleanup(func() { monitoring.Logf = orig })

	h := &harness{
		clock:    timeutil.NewMockClock(time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)),
		driver:   &actuator.RecordingDriver{},
		cmds:     make(chan protocol.Instruction, 8),
		events:   protocol.NewLink("events", 64),
		recorder: protocol.NewLink("recorder", 64),
		tracer:   protocol.NewLink("tracer", 64),
		store:    &memStore{},
		display:  &recordingDisplay{},
	}
	h.out = actuator.NewOutput(h.driver, h.clock, 2*time.Millisecond)
	ids := 0
	c, err := New(Config{
		Profile:    p,
		Filter:     params,
		TickPeriod: testTick,
		Source:     kinematics.NewScriptedSource(volts...),
		Output:     h.out,
		Display:    h.display,
		Scroller:   &MarkerScroller{PixelsPerCm: 10, Direction: 1},
		Cache:      &telemetry.Cache{},
		Commands:   h.cmds,
		Events:     h.events,
		Recorder:   h.recorder,
		Tracer:     h.tracer,
		Store:      h.store,
		Clock:      h.clock,
		SessionID:  "session",
		NewID: func() string {
			ids++
			return "trial-" + string(rune('0'+ids))
		},
	})
	require.NoError(t, err)
	h.c = c
	return h
}

func (h *harness) send(t *testing.T, in protocol.Instruction) bool {
	t.Helper()
	stop, err := h.c.handle(in)
	require.NoError(t, err)
	return stop
}

func (h *harness) step(n int) {
	for i := 0; i < n; i++ {
		h.clock.Advance(testTick)
		h.c.tick()
	}
}

func drain(l *protocol.Link) []protocol.Instruction {
	var out []protocol.Instruction
	for {
		select {
		case in := <-l.C():
			out = append(out, in)
		default:
			return out
		}
	}
}

func kinds(ins []protocol.Instruction) []protocol.Kind {
	out := make([]protocol.Kind, len(ins))
	for i, in := range ins {
		out[i] = in.Kind()
	}
	return out
}

func count(ins []protocol.Instruction, k protocol.Kind) int {
	n := 0
	for _, in := range ins {
		if in.Kind() == k {
			n++
		}
	}
	return n
}

func ramp(step, to float64) []float64 {
	v := []float64{0}
	for x := step; x <= to+1e-9; x += step {
		v = append(v, x)
	}
	return v
}

func TestController_RampReachesTubeOnce(t *testing.T) {
	h := newHarness(t, testProfile(), unitParams(), ramp(0.5, 10)...)
	h.send(t, protocol.StartTrial{Record: true})
	assert.Equal(t, protocol.PhaseStarting, h.c.Status().Phase)

	h.step(1)
	require.Equal(t, protocol.PhaseTrial, h.c.Status().Phase, "zero flash moves straight to trial")

	var rewardingAt = -1
	for i := 1; i <= 25; i++ {
		h.step(1)
		st := h.c.Status()
		if st.Phase == protocol.PhaseRewarding && rewardingAt < 0 {
			rewardingAt = i
			assert.GreaterOrEqual(t, st.Last.PositionCm, 9.5)
			assert.True(t, st.Last.Contact)
		}
		if rewardingAt < 0 {
			assert.Less(t, st.Last.PositionCm, 9.5)
		}
	}
	assert.Equal(t, 19, rewardingAt)

	events := drain(h.events)
	assert.Equal(t, 1, count(events, protocol.KindTubeReached))
	assert.Equal(t, 0, count(events, protocol.KindTrialAborted))
	assert.InDelta(t, 1.0, h.out.Last(actuator.Tube), 1e-9, "tube held during reward")
	assert.Equal(t, uint64(26), h.out.Pulses(), "one frame pulse per active tick")
	assert.Equal(t, 100, h.display.shift, "10 cm of wheel travel at 10 px/cm")
}

func TestController_EndTrialBeforeReward(t *testing.T) {
	h := newHarness(t, testProfile(), unitParams(), ramp(0.5, 3)...)
	h.send(t, protocol.StartTrial{Record: true})
	h.step(4)
	require.Equal(t, protocol.PhaseTrial, h.c.Status().Phase)

	h.send(t, protocol.EndTrial{})
	assert.Equal(t, protocol.PhaseInterTrial, h.c.Status().Phase)

	events := drain(h.events)
	assert.Equal(t, []protocol.Kind{protocol.KindTrialAborted}, kinds(events))

	require.Len(t, h.store.records, 1)
	rec := h.store.records[0]
	assert.Equal(t, protocol.OutcomeEnded, rec.Outcome)
	assert.True(t, rec.Sealed)
	assert.Equal(t, "session", rec.SessionID)
	assert.NotEmpty(t, rec.Samples)
	require.NotEmpty(t, rec.Transitions)
	last := rec.Transitions[len(rec.Transitions)-1]
	assert.Equal(t, protocol.PhaseTrial, last.From)
	assert.Equal(t, protocol.PhaseInterTrial, last.To)
	assert.Equal(t, []Color{ColorStart, ColorEnd}, h.display.flashes)

	h.step(10)
	assert.Equal(t, protocol.PhaseIdle, h.c.Status().Phase)
	assert.Equal(t, []protocol.Kind{protocol.KindTubeReset}, kinds(drain(h.events)))
	assert.Zero(t, h.out.Last(actuator.Tube))

	rec2 := drain(h.recorder)
	assert.Equal(t, []protocol.Kind{protocol.KindReset, protocol.KindReady, protocol.KindPause}, kinds(rec2))
	assert.Equal(t, "trial_001", rec2[0].(protocol.Reset).Destination)
}

func TestController_RewardWindowSendsRecord(t *testing.T) {
	h := newHarness(t, testProfile(), unitParams(), ramp(0.5, 10)...)
	h.send(t, protocol.StartTrial{Record: true})
	h.step(20)
	require.Equal(t, protocol.PhaseRewarding, h.c.Status().Phase)
	drain(h.events)

	h.step(99)
	require.Equal(t, protocol.PhaseRewarding, h.c.Status().Phase)
	h.step(1)
	assert.Equal(t, protocol.PhaseInterTrial, h.c.Status().Phase)

	events := drain(h.events)
	require.Len(t, events, 1)
	sr, ok := events[0].(protocol.SendingRecords)
	require.True(t, ok)
	assert.Equal(t, protocol.OutcomeRewarded, sr.Record.Outcome)
	assert.Equal(t, 1, sr.Record.Number)
}

func TestController_AbortTakesPrecedence(t *testing.T) {
	params := unitParams()
	params.AccelerationCutoff = 100
	volts := append(ramp(0.5, 9.5), 1)
	h := newHarness(t, testProfile(), params, volts...)
	h.send(t, protocol.StartTrial{Record: true})
	h.step(20)
	require.Equal(t, protocol.PhaseRewarding, h.c.Status().Phase)
	drain(h.events)

	// The drop and the end of the reward window land on the same tick.
	h.clock.Advance(time.Second - testTick)
	h.step(1)
	assert.Equal(t, protocol.PhaseAborted, h.c.Status().Phase)
	assert.Equal(t, []protocol.Kind{protocol.KindTrialAborted}, kinds(drain(h.events)))
	require.Len(t, h.store.records, 1)
	assert.Equal(t, protocol.OutcomeAborted, h.store.records[0].Outcome)

	h.step(10)
	assert.Equal(t, protocol.PhaseIdle, h.c.Status().Phase)
	assert.Equal(t, []protocol.Kind{protocol.KindTubeReset}, kinds(drain(h.events)))
}

func TestController_NoRewardProfile(t *testing.T) {
	p := testProfile()
	p.Reward = false
	h := newHarness(t, p, unitParams(), ramp(0.5, 10)...)
	h.send(t, protocol.StartTrial{Record: true})
	h.step(20)

	assert.Equal(t, protocol.PhaseIdle, h.c.Status().Phase)
	assert.Equal(t,
		[]protocol.Kind{protocol.KindTubeReached, protocol.KindSendingRecords, protocol.KindTubeReset},
		kinds(drain(h.events)))
	require.Len(t, h.store.records, 1)
	assert.Equal(t, protocol.OutcomeReached, h.store.records[0].Outcome)
}

func TestController_PairingHoldsUntilEndTrial(t *testing.T) {
	s := config.Defaults()
	p, err := ProfileFromSettings(ProfilePairing, s)
	require.NoError(t, err)
	assert.Zero(t, p.RewardWindow)
	p.FlashDuration = 0
	p.MaxSpeedCmS = 0
	h := newHarness(t, p, unitParams(), ramp(0.5, 10)...)
	h.send(t, protocol.StartTrial{Record: false})
	h.step(20)
	require.Equal(t, protocol.PhaseRewarding, h.c.Status().Phase)

	h.step(500)
	assert.Equal(t, protocol.PhaseRewarding, h.c.Status().Phase)

	h.send(t, protocol.EndTrial{})
	assert.Equal(t, protocol.PhaseInterTrial, h.c.Status().Phase)
	events := drain(h.events)
	assert.Equal(t, 0, count(events, protocol.KindSendingRecords), "nothing recorded")
	assert.Equal(t, 0, count(events, protocol.KindTrialAborted))

	h.step(99)
	assert.Equal(t, protocol.PhaseInterTrial, h.c.Status().Phase)
	h.step(1)
	assert.Equal(t, protocol.PhaseIdle, h.c.Status().Phase)
}

func TestController_StartTrialOnlyFromIdle(t *testing.T) {
	h := newHarness(t, testProfile(), unitParams(), 0)
	h.send(t, protocol.StartTrial{})
	h.send(t, protocol.StartTrial{})
	assert.Equal(t, 1, h.c.Status().Trials)
	assert.Equal(t, 0, count(drain(h.recorder), protocol.KindReset), "no sink without record")
}

func TestController_Stop(t *testing.T) {
	h := newHarness(t, testProfile(), unitParams(), ramp(0.5, 3)...)
	h.send(t, protocol.SetDisk{State: 3})
	h.send(t, protocol.StartTrial{Record: true})
	h.step(3)
	drain(h.recorder)
	drain(h.tracer)

	assert.True(t, h.send(t, protocol.Stop{}))
	st := h.c.Status()
	assert.Equal(t, protocol.PhaseStopped, st.Phase)
	for _, ch := range []actuator.Channel{actuator.Tube, actuator.Disk, actuator.Frame} {
		assert.Zero(t, h.out.Last(ch), ch.String())
	}
	assert.Equal(t, []protocol.Kind{protocol.KindPause, protocol.KindStop}, kinds(drain(h.recorder)))
	assert.Equal(t,
		[]protocol.Kind{protocol.KindPhase, protocol.KindDump, protocol.KindStop},
		kinds(drain(h.tracer)))
	require.Len(t, h.store.records, 1)
	assert.Equal(t, protocol.OutcomeEnded, h.store.records[0].Outcome)
	assert.Equal(t, uint8(3), h.store.records[0].Disk)
}

func TestController_SetDisk(t *testing.T) {
	h := newHarness(t, testProfile(), unitParams(), 0)
	h.send(t, protocol.SetDisk{State: 2})
	assert.Equal(t, uint8(2), h.c.Status().Disk)
	assert.InDelta(t, 0.5, h.out.Last(actuator.Disk), 1e-9)

	h.send(t, protocol.SetDisk{State: 9})
	assert.Equal(t, uint8(2), h.c.Status().Disk, "out of range state ignored")
}

func TestController_PauseForwards(t *testing.T) {
	h := newHarness(t, testProfile(), unitParams(), 0)
	h.send(t, protocol.Pause{})
	assert.True(t, h.c.Status().Paused)
	assert.Equal(t, []protocol.Kind{protocol.KindPause}, kinds(drain(h.recorder)))
	assert.Equal(t, []protocol.Kind{protocol.KindPause}, kinds(drain(h.tracer)))

	h.send(t, protocol.Ready{})
	assert.False(t, h.c.Status().Paused)
	assert.Empty(t, drain(h.recorder), "recorder stays paused outside a recorded trial")
	assert.Equal(t, []protocol.Kind{protocol.KindReady}, kinds(drain(h.tracer)))
}

type impostor struct{ protocol.Ready }

func TestController_Run(t *testing.T) {
	t.Run("stop", func(t *testing.T) {
		h := newHarness(t, testProfile(), unitParams(), 0)
		h.cmds <- protocol.Stop{}
		assert.NoError(t, h.c.Run(context.Background()))
		assert.Equal(t, protocol.PhaseStopped, h.c.Status().Phase)
	})
	t.Run("unknown instruction", func(t *testing.T) {
		h := newHarness(t, testProfile(), unitParams(), 0)
		h.cmds <- protocol.TubeReached{}
		err := h.c.Run(context.Background())
		assert.True(t, errors.Is(err, protocol.ErrUnknownInstruction))
		assert.Equal(t, 1, count(drain(h.recorder), protocol.KindStop))
	})
	t.Run("impostor", func(t *testing.T) {
		h := newHarness(t, testProfile(), unitParams(), 0)
		h.cmds <- impostor{}
		assert.ErrorIs(t, h.c.Run(context.Background()), protocol.ErrUnknownInstruction)
	})
	t.Run("closed channel", func(t *testing.T) {
		h := newHarness(t, testProfile(), unitParams(), 0)
		close(h.cmds)
		assert.NoError(t, h.c.Run(context.Background()))
	})
	t.Run("context", func(t *testing.T) {
		h := newHarness(t, testProfile(), unitParams(), 0)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		assert.ErrorIs(t, h.c.Run(ctx), context.Canceled)
	})
}

func TestController_ReadErrorsCounted(t *testing.T) {
	h := newHarness(t, testProfile(), unitParams(), 0)
	h.c.cfg.Source = failingSource{}
	h.step(3)
	assert.Equal(t, uint64(3), h.c.Status().ReadErrors)
	assert.Equal(t, uint64(3), h.c.Status().Loop.Ticks)
}

type failingSource struct{}

func (failingSource) ReadVolts() (float64, error) { return 0, errors.New("i2c timeout") }

func TestNew_Validation(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)

	h := newHarness(t, testProfile(), unitParams(), 0)
	cfg := h.c.cfg
	cfg.TickPeriod = 0
	_, err = New(cfg)
	assert.Error(t, err)

	cfg = h.c.cfg
	cfg.Filter.TubeDistanceCm = 0
	_, err = New(cfg)
	assert.ErrorIs(t, err, kinematics.ErrInvalidParams)
}

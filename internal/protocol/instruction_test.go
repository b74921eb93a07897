package protocol

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/tuberig/internal/kinematics"
)

var testTime = time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)

// impostor satisfies Instruction by embedding a real variant but is not one.
type impostor struct{ Ready }

func TestKindNamesCoverAllKinds(t *testing.T) {
	for k := KindReady; k <= KindSamplingRate; k++ {
		if _, ok := kindNames[k]; !ok {
			t.Errorf("kind %d has no name", k)
		}
	}
}

func TestUnexpected(t *testing.T) {
	err := Unexpected("recorder", impostor{})
	assert.True(t, errors.Is(err, ErrUnknownInstruction))
	assert.Contains(t, err.Error(), "recorder")
	assert.True(t, errors.Is(Unexpected("x", nil), ErrUnknownInstruction))
}

func TestLink(t *testing.T) {
	l := NewLink("controller->recorder", 2)
	require.NoError(t, l.Send(Ready{}))
	require.NoError(t, l.Send(Pause{}))

	err := l.Send(Stop{})
	assert.True(t, errors.Is(err, ErrLinkFull))
	assert.Equal(t, uint64(1), l.Dropped())

	assert.Equal(t, Instruction(Ready{}), <-l.C())
	assert.Equal(t, Instruction(Pause{}), <-l.C())

	l.Close()
	l.Close()
	assert.True(t, errors.Is(l.Send(Ready{}), ErrLinkClosed))
	_, open := <-l.C()
	assert.False(t, open)
}

func TestLink_TerminalWaitsForRoom(t *testing.T) {
	l := NewLink("controller->events", 1)
	l.wait = time.Second
	require.NoError(t, l.Send(Ready{}))

	errc := make(chan error, 1)
	go func() { errc <- l.Send(Stop{}) }()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, Ready{}, <-l.C())

	require.NoError(t, <-errc)
	assert.Equal(t, Stop{}, <-l.C())
	assert.Zero(t, l.Dropped())
}

func TestLink_TerminalGivesUp(t *testing.T) {
	l := NewLink("controller->recorder", 1)
	l.wait = 10 * time.Millisecond
	require.NoError(t, l.Send(Ready{}))

	err := l.Send(SendingRecords{})
	assert.True(t, errors.Is(err, ErrLinkFull), "got %v", err)
	assert.Equal(t, uint64(1), l.Dropped())
	assert.True(t, errors.Is(l.Send(Pause{}), ErrLinkFull), "non-terminal sends never wait")
}

func TestTrialRecordSeal(t *testing.T) {
	rec := NewTrialRecord("r", 1, "standard", 0, testTime)
	assert.Zero(t, rec.Duration())
	require.NoError(t, rec.AddSample(kinematics.Sample{PositionCm: 4}))
	require.NoError(t, rec.AddSample(kinematics.Sample{PositionCm: 9}))
	require.NoError(t, rec.Seal(OutcomeAborted, testTime.Add(2*time.Second)))

	assert.Equal(t, 2*time.Second, rec.Duration())
	assert.Equal(t, 9.0, rec.MaxPosition())
	assert.ErrorIs(t, rec.Seal(OutcomeRewarded, testTime), ErrRecordSealed)
	assert.ErrorIs(t, rec.AddSample(kinematics.Sample{}), ErrRecordSealed)
	assert.Equal(t, OutcomeAborted, rec.Outcome)
}

func TestTrialPhase(t *testing.T) {
	for p := PhaseIdle; p <= PhaseStopped; p++ {
		got, err := ParseTrialPhase(p.String())
		require.NoError(t, err)
		assert.Equal(t, p, got)
	}
	assert.True(t, PhaseTrial.Motion())
	assert.True(t, PhaseRewarding.Motion())
	assert.False(t, PhaseStarting.Motion())
	assert.True(t, PhaseStarting.Active())
	assert.False(t, PhaseInterTrial.Active())
}

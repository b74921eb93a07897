package apparatus

import (
	"errors"
	"math/rand"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/tuberig/internal/actuator"
	"github.com/banshee-data/tuberig/internal/config"
	"github.com/banshee-data/tuberig/internal/kinematics"
	"github.com/banshee-data/tuberig/internal/protocol"
	"github.com/banshee-data/tuberig/internal/testutil"
	"github.com/banshee-data/tuberig/internal/timeutil"
)

type fakeSessions struct {
	mu      sync.Mutex
	created []string
	ended   []string
}

func (f *fakeSessions) CreateSession(profile, firmware string, started time.Time) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = append(f.created, profile)
	return "session-" + profile, nil
}

func (f *fakeSessions) EndSession(id string, ended time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ended = append(f.ended, id)
	return nil
}

func (f *fakeSessions) Ended() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.ended...)
}

func newSupervisor(t *testing.T) (*Supervisor, *fakeSessions, *actuator.RecordingDriver) {
	t.Helper()
	testutil.QuietLogs(t)

	dir := t.TempDir()
	clock := timeutil.NewMockClock(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	driver := &actuator.RecordingDriver{}
	sessions := &fakeSessions{}
	sup, err := New(Config{
		Settings: config.NewStore(filepath.Join(dir, "settings.json"), config.Defaults()),
		Source:   kinematics.NewScriptedSource(0),
		Output:   actuator.NewOutput(driver, clock, time.Millisecond),
		Sessions: sessions,
		SinkDir:  dir,
		Clock:    clock,
		Rand:     rand.New(rand.NewSource(1)),
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		if sup.Running() {
			_ = sup.StopController()
		}
	})
	return sup, sessions, driver
}

func TestSupervisor_StartStop(t *testing.T) {
	sup, sessions, driver := newSupervisor(t)

	require.NoError(t, sup.StartController("standard"))
	assert.True(t, sup.Running())
	assert.ErrorIs(t, sup.StartController("pairing"), ErrAlreadyRunning)

	st := sup.Status()
	require.NotNil(t, st.Controller)
	assert.Equal(t, "session-standard", st.SessionID)
	assert.Equal(t, "standard", st.Controller.Profile)
	assert.NotNil(t, sup.Tracer())

	require.NoError(t, sup.StopController())
	assert.False(t, sup.Running())
	assert.Equal(t, []string{"session-standard"}, sessions.Ended())
	tube := driver.WritesTo(actuator.Tube)
	require.NotEmpty(t, tube)
	assert.Equal(t, 0.0, tube[len(tube)-1])
	assert.Nil(t, sup.Tracer())

	assert.ErrorIs(t, sup.StopController(), ErrNotRunning)
	require.NoError(t, sup.StartController("pairing"), "a new session can start after stop")
}

func TestSupervisor_UnknownProfile(t *testing.T) {
	sup, sessions, _ := newSupervisor(t)
	require.Error(t, sup.StartController("bpod"))
	assert.False(t, sup.Running())
	assert.Empty(t, sessions.created)
}

func TestSupervisor_Send(t *testing.T) {
	sup, _, _ := newSupervisor(t)
	assert.ErrorIs(t, sup.Send(protocol.StartTrial{Record: false}), ErrNotRunning)

	require.NoError(t, sup.StartController("standard"))
	require.NoError(t, sup.Send(protocol.StartTrial{Record: false}))
	require.Eventually(t, func() bool {
		return sup.Status().Controller.Phase == protocol.PhaseStarting
	}, time.Second, 5*time.Millisecond)

	err := sup.Send(protocol.StartTrial{Record: false})
	var cerr *protocol.CommandError
	require.True(t, errors.As(err, &cerr))
	assert.Equal(t, protocol.CodeRejected, cerr.Code)

	require.NoError(t, sup.Send(protocol.EndTrial{}))
	select {
	case in := <-sup.Events():
		assert.Equal(t, protocol.TrialAborted{}, in)
	case <-time.After(time.Second):
		t.Fatal("no event after end_trial")
	}
}

func TestSupervisor_RandomDisk(t *testing.T) {
	sup, _, _ := newSupervisor(t)
	_, err := sup.cfg.Settings.SetOption("disk_weights", "0,0,1,0")
	require.NoError(t, err)
	for i := 0; i < 20; i++ {
		assert.Equal(t, uint8(2), sup.RandomDisk())
	}
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
}

package tracer

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/tuberig/internal/kinematics"
	"github.com/banshee-data/tuberig/internal/monitoring"
	"github.com/banshee-data/tuberig/internal/protocol"
	"github.com/banshee-data/tuberig/internal/telemetry"
	"github.com/banshee-data/tuberig/internal/timeutil"
)

func newTestTracer(t *testing.T) (*Tracer, *telemetry.Cache, *timeutil.MockClock) {
	t.Helper()
	orig := monitoring.Logf
	monitoring.SetLogger(nil)
	t.Cleanup(func() { monitoring.Logf = orig })

	cache := &telemetry.Cache{}
	clock := timeutil.NewMockClock(time.Unix(1000, 0))
	tr := New(Config{Cache: cache, Clock: clock, DumpDir: t.TempDir()})
	return tr, cache, clock
}

func send(t *testing.T, tr *Tracer, ins ...protocol.Instruction) {
	t.Helper()
	for _, in := range ins {
		stop, err := tr.handle(in)
		require.NoError(t, err)
		require.False(t, stop)
	}
}

func TestTracer_TraceAndWindow(t *testing.T) {
	tr, cache, _ := newTestTracer(t)
	send(t, tr, protocol.Reset{Duration: time.Second}, protocol.Ready{}, protocol.Phase{Name: "trial"})

	for i := 1; i <= 30; i++ {
		cache.Store(kinematics.Sample{Seq: uint64(i), Timestamp: float64(i) * 0.1, PositionCm: float64(i) * 0.3})
		tr.poll()
		tr.poll()
	}
	pts := tr.Points()
	require.NotEmpty(t, pts)
	assert.InDelta(t, 3.0, pts[len(pts)-1].Time, 1e-9)
	assert.GreaterOrEqual(t, pts[0].Time, 2.0-1e-9, "points older than the window are trimmed")
	assert.Equal(t, "trial", pts[0].Phase)

	send(t, tr, protocol.Pause{})
	cache.Store(kinematics.Sample{Seq: 31, Timestamp: 3.1})
	tr.poll()
	assert.Len(t, tr.Points(), len(pts))
}

func TestTracer_Stats(t *testing.T) {
	tr, _, clock := newTestTracer(t)
	assert.Equal(t, Stats{}, tr.Stats())

	send(t, tr, protocol.Ready{})
	clock.Advance(2 * time.Second)
	send(t, tr, protocol.TubeReached{}, protocol.TrialAborted{}) // second event ignored: trial already finished

	send(t, tr, protocol.Ready{})
	clock.Advance(4 * time.Second)
	send(t, tr, protocol.TrialAborted{})

	st := tr.Stats()
	assert.Equal(t, 2, st.Trials)
	assert.Equal(t, 1, st.Reached)
	assert.Equal(t, 1, st.Aborted)
	assert.InDelta(t, 0.5, st.SuccessRate, 1e-12)
	assert.InDelta(t, 3.0, st.MeanDuration, 1e-12)
	assert.InDelta(t, 1.41421356, st.StdDuration, 1e-6)
}

func TestTracer_Dump(t *testing.T) {
	tr, cache, _ := newTestTracer(t)
	send(t, tr, protocol.Ready{})
	cache.Store(kinematics.Sample{Seq: 5, Timestamp: 0.5, PositionCm: 2})
	tr.poll()
	send(t, tr, protocol.Dump{})

	b, err := os.ReadFile(filepath.Join(tr.dir, DumpFileName))
	require.NoError(t, err)
	assert.Equal(t, "time,position,phase\n0.5,2,idle\n", string(b))
}

func TestTracer_RunStopAndUnknown(t *testing.T) {
	tr, _, _ := newTestTracer(t)
	in := make(chan protocol.Instruction, 2)
	tr.in = in
	in <- protocol.Stop{}
	require.NoError(t, tr.Run(context.Background()))

	in2 := make(chan protocol.Instruction, 1)
	tr.in = in2
	in2 <- protocol.StartTrial{Record: true}
	assert.ErrorIs(t, tr.Run(context.Background()), protocol.ErrUnknownInstruction)
}

func TestTracer_Handlers(t *testing.T) {
	tr, cache, _ := newTestTracer(t)
	send(t, tr, protocol.Ready{})
	cache.Store(kinematics.Sample{Seq: 1, Timestamp: 0.1, PositionCm: 1})
	tr.poll()

	rec := httptest.NewRecorder()
	tr.ChartHandler().ServeHTTP(rec, httptest.NewRequest("GET", "/debug/tracer/chart", nil))
	assert.Equal(t, 200, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "Tube position"))

	rec = httptest.NewRecorder()
	tr.StatsHandler().ServeHTTP(rec, httptest.NewRequest("GET", "/debug/tracer/stats", nil))
	var st Stats
	require.NoError(t, json.NewDecoder(bytes.NewReader(rec.Body.Bytes())).Decode(&st))
	assert.Equal(t, 0, st.Trials)
}

package kinematics

import (
	"errors"
	"math"
	"sync"
	"time"

	"github.com/banshee-data/tuberig/internal/timeutil"
)

// Source delivers the current rotary-sensor voltage.
type Source interface {
	ReadVolts() (float64, error)
}

// ErrSourceClosed is returned by sources after Close.
var ErrSourceClosed = errors.New("sample source closed")

// SimulatedWheel is a synthetic sensor turning at a constant rate. The
// voltage wraps at the sensor scale, the way the real potentiometer does.
type SimulatedWheel struct {
	clock timeutil.Clock
	scale float64

	mu      sync.Mutex
	origin  time.Time
	base    float64
	voltsPS float64
}

// NewSimulatedWheel returns a wheel turning at voltsPerSecond.
func NewSimulatedWheel(clock timeutil.Clock, voltsPerSecond, scale float64) *SimulatedWheel {
	return &SimulatedWheel{clock: clock, scale: scale, origin: clock.Now(), voltsPS: voltsPerSecond}
}

// ReadVolts returns the simulated voltage at the current clock time.
func (w *SimulatedWheel) ReadVolts() (float64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.at(w.clock.Now()), nil
}

// SetSpeed changes the turning rate from now on.
func (w *SimulatedWheel) SetSpeed(voltsPerSecond float64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	now := w.clock.Now()
	w.base = w.at(now)
	w.origin = now
	w.voltsPS = voltsPerSecond
}

func (w *SimulatedWheel) at(now time.Time) float64 {
	v := w.base + now.Sub(w.origin).Seconds()*w.voltsPS
	if w.scale <= 0 {
		return v
	}
	v = math.Mod(v, w.scale)
	if v < 0 {
		v += w.scale
	}
	return v
}

// ScriptedSource replays a fixed list of voltages, one per read, and then
// holds the last value.
type ScriptedSource struct {
	mu     sync.Mutex
	values []float64
	next   int
}

// NewScriptedSource returns a source that yields values in order.
func NewScriptedSource(values ...float64) *ScriptedSource {
	return &ScriptedSource{values: values}
}

// ReadVolts returns the next scripted value.
func (s *ScriptedSource) ReadVolts() (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.values) == 0 {
		return 0, nil
	}
	i := s.next
	if i >= len(s.values) {
		i = len(s.values) - 1
	} else {
		s.next++
	}
	return s.values[i], nil
}

// Remaining reports how many scripted values have not been read.
func (s *ScriptedSource) Remaining() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.values) - s.next
}

// Package kinematics turns raw rotary-sensor voltages into a filtered tube
// position with a latched contact flag.
package kinematics

import (
	"errors"
	"fmt"
	"math"

	"github.com/banshee-data/tuberig/internal/units"
)

// ContactFraction is the share of the tube distance at which the animal is
// considered to have reached the tube.
const ContactFraction = 0.95

// Sample is one tick of kinematic state. It is immutable once produced and is
// shared by value between the controller, the recorder and the tracer.
type Sample struct {
	Seq           uint64  `json:"seq"`
	Timestamp     float64 `json:"timestamp"`
	RawVoltage    float64 `json:"raw_voltage"`
	FilteredDelta float64 `json:"filtered_delta"`
	PositionCm    float64 `json:"position_cm"`
	VelocityCmS   float64 `json:"velocity_cm_s"`
	Contact       bool    `json:"contact"`
}

// Params configures a Filter.
type Params struct {
	TubeDistanceCm       float64
	AccelerationCutoff   float64
	SensorScale          float64
	WheelCircumferenceCm float64
	SpeedMultiplier      float64
	// MaxSpeedCmS caps the accumulated speed. Zero means no cap.
	MaxSpeedCmS float64
}

// DefaultParams returns the parameters of the standard rig: a 10 cm tube
// travel, a 5.033 V sensor swing and a 10 cm wheel.
func DefaultParams() Params {
	return Params{
		TubeDistanceCm:       10,
		AccelerationCutoff:   1.0,
		SensorScale:          units.DefaultSensorScale,
		WheelCircumferenceCm: units.WheelCircumference(10),
		SpeedMultiplier:      1,
	}
}

// ErrInvalidParams is wrapped by Params.Validate failures.
var ErrInvalidParams = errors.New("invalid kinematics parameters")

// Validate checks that the parameters describe a usable filter.
func (p Params) Validate() error {
	switch {
	case p.TubeDistanceCm <= 0:
		return fmt.Errorf("%w: tube distance must be positive, got %v", ErrInvalidParams, p.TubeDistanceCm)
	case p.AccelerationCutoff <= 0:
		return fmt.Errorf("%w: acceleration cutoff must be positive, got %v", ErrInvalidParams, p.AccelerationCutoff)
	case p.SensorScale <= 0:
		return fmt.Errorf("%w: sensor scale must be positive, got %v", ErrInvalidParams, p.SensorScale)
	case p.WheelCircumferenceCm <= 0:
		return fmt.Errorf("%w: wheel circumference must be positive, got %v", ErrInvalidParams, p.WheelCircumferenceCm)
	case p.MaxSpeedCmS < 0:
		return fmt.Errorf("%w: max speed must not be negative, got %v", ErrInvalidParams, p.MaxSpeedCmS)
	}
	return nil
}

// Filter accumulates tube position from successive sensor readings.
//
// A reading whose second difference exceeds the acceleration cutoff is
// discarded: position and contact are carried forward unchanged. The raw
// reference still advances to the discarded reading, so a sensor wrap
// (5 V back to 0 V) costs one sample instead of stalling the filter. The
// reading after a discard that fails against the discarded value is tried
// again against the last accepted one, so an isolated spike costs exactly
// one sample. The previous first difference only advances on accepted
// readings.
//
// A Filter is owned by a single goroutine.
type Filter struct {
	p Params

	primed    bool
	prevRaw   float64
	prevDelta float64
	prevTime  float64

	// last accepted reading, used to recover from a discarded spike
	goodRaw  float64
	goodTime float64
	skipped  bool

	seq      uint64
	position float64
	contact  bool
	rejected uint64
}

// NewFilter returns a Filter at position zero.
func NewFilter(p Params) (*Filter, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	if p.SpeedMultiplier == 0 {
		p.SpeedMultiplier = 1
	}
	return &Filter{p: p}, nil
}

// Params returns the filter configuration.
func (f *Filter) Params() Params { return f.p }

// Step consumes one reading taken at timestamp (seconds). When motion is
// false the delta is still computed, for marker scrolling, but the position
// does not move. The second result is false when the reading was discarded.
func (f *Filter) Step(timestamp, raw float64, motion bool) (Sample, bool) {
	f.seq++
	s := Sample{Seq: f.seq, Timestamp: timestamp, RawVoltage: raw}

	if !f.primed {
		f.primed = true
		f.prevRaw = raw
		f.prevTime = timestamp
		f.accept(raw, timestamp)
		return f.carry(s), true
	}

	if math.IsNaN(raw) || math.IsInf(raw, 0) {
		f.rejected++
		return f.carry(s), false
	}

	deltaV := raw - f.prevRaw
	dt := timestamp - f.prevTime
	f.prevRaw = raw
	f.prevTime = timestamp

	if !f.withinCutoff(deltaV) {
		if !f.skipped || !f.withinCutoff(raw-f.goodRaw) {
			f.rejected++
			f.skipped = true
			return f.carry(s), false
		}
		deltaV = raw - f.goodRaw
		dt = timestamp - f.goodTime
	}
	f.prevDelta = deltaV
	f.accept(raw, timestamp)

	deltaCm := units.VoltsToCm(deltaV, f.p.SensorScale, f.p.WheelCircumferenceCm) * f.p.SpeedMultiplier
	if f.p.MaxSpeedCmS > 0 && dt > 0 {
		deltaCm = math.Copysign(math.Min(math.Abs(deltaCm)/dt, f.p.MaxSpeedCmS)*dt, deltaCm)
	}
	s.FilteredDelta = deltaCm
	if dt > 0 {
		s.VelocityCmS = deltaCm / dt
	}

	if motion {
		f.position += deltaCm
		f.clamp()
	}
	return f.carry(s), true
}

func (f *Filter) withinCutoff(deltaV float64) bool {
	return math.Abs(deltaV-f.prevDelta) <= f.p.AccelerationCutoff
}

func (f *Filter) accept(raw, timestamp float64) {
	f.goodRaw = raw
	f.goodTime = timestamp
	f.skipped = false
}

func (f *Filter) clamp() {
	d := f.p.TubeDistanceCm
	if f.position < 0 {
		f.position = 0
	}
	if f.position > d {
		f.position = d
	}
	if !f.contact && f.position >= ContactFraction*d {
		f.position = d
		f.contact = true
	}
}

func (f *Filter) carry(s Sample) Sample {
	s.PositionCm = f.position
	s.Contact = f.contact
	return s
}

// Position returns the accumulated position in centimetres.
func (f *Filter) Position() float64 { return f.position }

// Contact reports whether the contact flag is latched.
func (f *Filter) Contact() bool { return f.contact }

// Rejected returns how many readings were discarded by the cutoff.
func (f *Filter) Rejected() uint64 { return f.rejected }

// ResetPosition moves the accumulator back to zero and clears contact. It is
// only called on a phase transition.
func (f *Filter) ResetPosition() {
	f.position = 0
	f.contact = false
}

// SetMaxSpeed changes the speed cap; zero removes it.
func (f *Filter) SetMaxSpeed(cmPerS float64) {
	if cmPerS < 0 {
		cmPerS = 0
	}
	f.p.MaxSpeedCmS = cmPerS
}

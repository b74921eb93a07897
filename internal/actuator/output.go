package actuator

import (
	"fmt"
	"sync"
	"time"

	"github.com/banshee-data/tuberig/internal/monitoring"
	"github.com/banshee-data/tuberig/internal/timeutil"
)

// Driver writes a duty fraction to a physical channel.
type Driver interface {
	SetDuty(ch Channel, duty float64) error
	Close() error
}

// Output is the single writer for every channel. It suppresses repeated
// writes of the same value and times the frame pulse.
type Output struct {
	driver Driver
	clock  timeutil.Clock
	pulse  time.Duration

	mu      sync.Mutex
	last    [numChannels]float64
	written [numChannels]bool
	fall    timeutil.Timer
	pulses  uint64
}

// NewOutput wraps driver. pulseWidth is how long the frame line stays high.
func NewOutput(driver Driver, clock timeutil.Clock, pulseWidth time.Duration) *Output {
	return &Output{driver: driver, clock: clock, pulse: pulseWidth}
}

// Apply writes cmd unless the channel already holds that value.
func (o *Output) Apply(cmd Command) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.applyLocked(cmd)
}

func (o *Output) applyLocked(cmd Command) error {
	if cmd.Channel >= numChannels {
		return fmt.Errorf("apply: unknown %s", cmd.Channel)
	}
	duty := Clamp01(cmd.Duty)
	if o.written[cmd.Channel] && o.last[cmd.Channel] == duty {
		return nil
	}
	if err := o.driver.SetDuty(cmd.Channel, duty); err != nil {
		return fmt.Errorf("set %s duty %.3f: %w", cmd.Channel, duty, err)
	}
	o.last[cmd.Channel] = duty
	o.written[cmd.Channel] = true
	return nil
}

// Pulse raises the frame line and schedules it low after the pulse width.
func (o *Output) Pulse() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.fall != nil {
		o.fall.Stop()
	}
	if err := o.applyLocked(Command{Channel: Frame, Duty: 1}); err != nil {
		return err
	}
	o.pulses++
	o.fall = o.clock.AfterFunc(o.pulse, func() {
		if err := o.Apply(Command{Channel: Frame, Duty: 0}); err != nil {
			monitoring.Logf("actuator: frame fall: %v", err)
		}
	})
	return nil
}

// SetPulseWidth changes the frame pulse width for subsequent pulses.
func (o *Output) SetPulseWidth(d time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.pulse = d
}

// Pulses returns how many frame pulses were started.
func (o *Output) Pulses() uint64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.pulses
}

// Last returns the most recent duty written to ch.
func (o *Output) Last(ch Channel) float64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	if ch >= numChannels {
		return 0
	}
	return o.last[ch]
}

// Zero drives every channel low, cancelling a pending frame fall.
func (o *Output) Zero() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.fall != nil {
		o.fall.Stop()
		o.fall = nil
	}
	var first error
	for ch := Channel(0); ch < numChannels; ch++ {
		if err := o.applyLocked(Command{Channel: ch, Duty: 0}); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Close zeroes the outputs and closes the driver.
func (o *Output) Close() error {
	zeroErr := o.Zero()
	if err := o.driver.Close(); err != nil {
		return err
	}
	return zeroErr
}

// Package actuator maps trial phase and tube position to the three outputs of
// the rig (tube motor, reward disk servo, camera frame line) and writes them
// to a Driver.
package actuator

import (
	"fmt"
	"math"

	"github.com/banshee-data/tuberig/internal/protocol"
)

// Channel is one output line.
type Channel uint8

const (
	Tube Channel = iota
	Disk
	Frame
	numChannels
)

func (c Channel) String() string {
	switch c {
	case Tube:
		return "tube"
	case Disk:
		return "disk"
	case Frame:
		return "frame"
	}
	return fmt.Sprintf("channel(%d)", c)
}

// Command sets one channel to a duty fraction in [0, 1].
type Command struct {
	Channel Channel
	Duty    float64
}

// Clamp01 limits v to [0, 1]; NaN becomes 0.
func Clamp01(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// Mapper computes actuator commands. It holds no state: the same phase and
// position always give the same command.
type Mapper struct {
	TubeDistanceCm float64
}

// Tube returns the tube command. The tube follows the animal while a trial
// runs, is held at full travel during the reward, and sits at zero otherwise.
func (m Mapper) Tube(phase protocol.TrialPhase, positionCm float64) Command {
	duty := 0.0
	switch phase {
	case protocol.PhaseTrial:
		if m.TubeDistanceCm > 0 {
			duty = positionCm / m.TubeDistanceCm
		}
	case protocol.PhaseRewarding:
		duty = 1
	}
	return Command{Channel: Tube, Duty: Clamp01(duty)}
}

// Disk returns the servo command for a disk state. Each state is a quarter
// turn of the servo range.
func (m Mapper) Disk(state uint8) Command {
	return Command{Channel: Disk, Duty: Clamp01(float64(state) / float64(protocol.MaxDiskState+1))}
}

// FrameLevel returns the frame line command.
func (m Mapper) FrameLevel(high bool) Command {
	if high {
		return Command{Channel: Frame, Duty: 1}
	}
	return Command{Channel: Frame, Duty: 0}
}

// PWM constants of the servo and tube motor controllers.
const (
	PWMFrequency = 500
	pwmBasePPM   = 100000
	pwmSpanPPM   = 500000
)

// DutyCyclePPM converts a duty fraction into the hardware PWM duty cycle in
// parts per million.
func DutyCyclePPM(duty float64) uint32 {
	return uint32(math.Round(pwmBasePPM + Clamp01(duty)*pwmSpanPPM))
}

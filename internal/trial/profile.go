package trial

import (
	"fmt"
	"time"

	"github.com/banshee-data/tuberig/internal/config"
)

// Profile names.
const (
	ProfileStandard = "standard"
	ProfilePairing  = "pairing"
)

// Profile parameterises the state machine for one kind of experiment.
type Profile struct {
	Name string
	// Reward enables the Rewarding phase. Without it contact ends the trial.
	Reward bool
	// RewardWindow is how long the tube is held after contact. Zero holds it
	// until EndTrial.
	RewardWindow time.Duration
	// RewardAbort is the fraction of the tube distance below which a held
	// tube counts as let go.
	RewardAbort float64
	// SettleDelay separates the end of a trial from the next Idle.
	SettleDelay time.Duration
	// FlashDuration is how long the start flash runs before motion is allowed.
	FlashDuration time.Duration
	// MaxSpeedCmS caps tube speed; zero is uncapped.
	MaxSpeedCmS float64
	// FramePulse is the camera frame pulse width.
	FramePulse time.Duration
}

// ProfileFromSettings builds a named profile from the rig settings.
func ProfileFromSettings(name string, s *config.Settings) (Profile, error) {
	switch name {
	case "", ProfileStandard:
		return Profile{
			Name:          ProfileStandard,
			Reward:        s.GetRewardEnabled(),
			RewardWindow:  s.GetRewardLength(),
			RewardAbort:   s.GetRewardAbort(),
			SettleDelay:   s.GetSettleDelay(),
			FlashDuration: s.GetFlashDuration(),
			FramePulse:    s.GetFramePulse(),
		}, nil
	case ProfilePairing:
		return Profile{
			Name:          ProfilePairing,
			Reward:        true,
			RewardAbort:   s.GetRewardAbort(),
			SettleDelay:   5 * s.GetPairingTubeDelay(),
			FlashDuration: s.GetFlashDuration(),
			MaxSpeedCmS:   s.GetTubeSpeedCmS(),
			FramePulse:    5 * time.Millisecond,
		}, nil
	}
	return Profile{}, fmt.Errorf("unknown profile %q", name)
}

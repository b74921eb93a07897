package protocol

import "fmt"

// TrialPhase is the controller's position in the trial state machine.
type TrialPhase uint8

const (
	PhaseIdle TrialPhase = iota
	PhaseStarting
	PhaseTrial
	PhaseRewarding
	PhaseAborted
	PhaseInterTrial
	PhaseStopped
)

var phaseNames = [...]string{
	PhaseIdle:       "idle",
	PhaseStarting:   "starting",
	PhaseTrial:      "trial",
	PhaseRewarding:  "rewarding",
	PhaseAborted:    "aborted",
	PhaseInterTrial: "inter_trial",
	PhaseStopped:    "stopped",
}

func (p TrialPhase) String() string {
	if int(p) < len(phaseNames) {
		return phaseNames[p]
	}
	return fmt.Sprintf("phase(%d)", p)
}

// ParseTrialPhase is the inverse of String.
func ParseTrialPhase(s string) (TrialPhase, error) {
	for i, name := range phaseNames {
		if name == s {
			return TrialPhase(i), nil
		}
	}
	return 0, fmt.Errorf("unknown trial phase %q", s)
}

// Active reports whether a trial is in progress: frames are pulsed and the
// trial record collects samples.
func (p TrialPhase) Active() bool {
	return p == PhaseStarting || p == PhaseTrial || p == PhaseRewarding
}

// Motion reports whether the filter may move the tube position.
func (p TrialPhase) Motion() bool {
	return p == PhaseTrial || p == PhaseRewarding
}

// MarshalText implements encoding.TextMarshaler.
func (p TrialPhase) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (p *TrialPhase) UnmarshalText(b []byte) error {
	v, err := ParseTrialPhase(string(b))
	if err != nil {
		return err
	}
	*p = v
	return nil
}

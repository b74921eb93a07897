package protocol

import (
	"errors"
	"fmt"
	"time"

	"github.com/banshee-data/tuberig/internal/kinematics"
)

// Outcome is how a trial ended.
type Outcome uint8

const (
	OutcomePending Outcome = iota
	// OutcomeRewarded: the tube was reached and the reward window completed.
	OutcomeRewarded
	// OutcomeAborted: the animal let go of the tube during the reward.
	OutcomeAborted
	// OutcomeEnded: the operator ended the trial before the tube was reached.
	OutcomeEnded
	// OutcomeReached: the tube was reached on a profile without reward.
	OutcomeReached
)

var outcomeNames = [...]string{"pending", "rewarded", "aborted", "ended", "reached"}

func (o Outcome) String() string {
	if int(o) < len(outcomeNames) {
		return outcomeNames[o]
	}
	return fmt.Sprintf("outcome(%d)", o)
}

// MarshalText implements encoding.TextMarshaler.
func (o Outcome) MarshalText() ([]byte, error) { return []byte(o.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (o *Outcome) UnmarshalText(b []byte) error {
	for i, name := range outcomeNames {
		if name == string(b) {
			*o = Outcome(i)
			return nil
		}
	}
	return fmt.Errorf("unknown outcome %q", b)
}

// PhaseTransition is one edge of the state machine during a trial.
type PhaseTransition struct {
	From TrialPhase `json:"from"`
	To   TrialPhase `json:"to"`
	// At is seconds since the trial started.
	At float64 `json:"at"`
}

// ErrRecordSealed is returned when a sealed record is modified.
var ErrRecordSealed = errors.New("trial record sealed")

// TrialRecord is everything captured about one trial. It is created at
// StartTrial, sealed when the trial ends, handed to persistence, then dropped.
type TrialRecord struct {
	ID          string              `json:"id"`
	SessionID   string              `json:"session_id,omitempty"`
	Number      int                 `json:"number"`
	Profile     string              `json:"profile"`
	Disk        uint8               `json:"disk"`
	Started     time.Time           `json:"started"`
	Ended       time.Time           `json:"ended"`
	Outcome     Outcome             `json:"outcome"`
	Samples     []kinematics.Sample `json:"samples,omitempty"`
	Transitions []PhaseTransition   `json:"transitions"`
	Sealed      bool                `json:"sealed"`
}

// NewTrialRecord returns an open record.
func NewTrialRecord(id string, number int, profile string, disk uint8, started time.Time) *TrialRecord {
	return &TrialRecord{ID: id, Number: number, Profile: profile, Disk: disk, Started: started}
}

// AddSample appends a sample.
func (r *TrialRecord) AddSample(s kinematics.Sample) error {
	if r.Sealed {
		return ErrRecordSealed
	}
	r.Samples = append(r.Samples, s)
	return nil
}

// AddTransition appends a phase change.
func (r *TrialRecord) AddTransition(t PhaseTransition) error {
	if r.Sealed {
		return ErrRecordSealed
	}
	r.Transitions = append(r.Transitions, t)
	return nil
}

// Seal fixes the outcome and end time. Sealing twice is an error.
func (r *TrialRecord) Seal(outcome Outcome, ended time.Time) error {
	if r.Sealed {
		return ErrRecordSealed
	}
	r.Outcome = outcome
	r.Ended = ended
	r.Sealed = true
	return nil
}

// Duration is the wall time between start and seal.
func (r *TrialRecord) Duration() time.Duration {
	if !r.Sealed {
		return 0
	}
	return r.Ended.Sub(r.Started)
}

// MaxPosition returns the furthest tube position reached.
func (r *TrialRecord) MaxPosition() float64 {
	maxPos := 0.0
	for _, s := range r.Samples {
		if s.PositionCm > maxPos {
			maxPos = s.PositionCm
		}
	}
	return maxPos
}

// Package protocol defines the messages exchanged between the controller,
// the recorder, the tracer and the command arbitrator, the operator command
// vocabulary, and the hardware sequencer byte framing.
package protocol

import (
	"errors"
	"fmt"
	"time"
)

// Kind tags an Instruction.
type Kind uint8

const (
	KindReady Kind = iota + 1
	KindStartTrial
	KindEndTrial
	KindSetDisk
	KindPhase
	KindReset
	KindPause
	KindStop
	KindDump
	KindTubeReached
	KindTrialAborted
	KindTubeReset
	KindSendingRecords
	KindSamplingRate
)

var kindNames = map[Kind]string{
	KindReady:          "ready",
	KindStartTrial:     "start_trial",
	KindEndTrial:       "end_trial",
	KindSetDisk:        "set_disk",
	KindPhase:          "phase",
	KindReset:          "reset",
	KindPause:          "pause",
	KindStop:           "stop",
	KindDump:           "dump",
	KindTubeReached:    "tube_reached",
	KindTrialAborted:   "trial_aborted",
	KindTubeReset:      "tube_reset",
	KindSendingRecords: "sending_records",
	KindSamplingRate:   "sampling_rate",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", k)
}

// ErrUnknownInstruction is returned by a unit whose instruction switch meets
// a variant it does not handle. The unit stops when it sees it.
var ErrUnknownInstruction = errors.New("unknown instruction")

// Unexpected wraps ErrUnknownInstruction for in, naming the receiving unit.
func Unexpected(unit string, in Instruction) error {
	if in == nil {
		return fmt.Errorf("%s: %w: <nil>", unit, ErrUnknownInstruction)
	}
	return fmt.Errorf("%s: %w: %s (%T)", unit, ErrUnknownInstruction, in.Kind(), in)
}

// Instruction is the closed set of messages carried over a Link.
type Instruction interface {
	Kind() Kind
	instruction()
}

// Ready releases a paused unit.
type Ready struct{}

// StartTrial begins a trial; Record asks for telemetry and a trial record.
type StartTrial struct {
	Record bool `json:"record"`
}

// EndTrial ends the running trial.
type EndTrial struct{}

// SetDisk turns the reward disk to State (0 blocked .. 3 opened).
type SetDisk struct {
	State uint8 `json:"state"`
}

// Phase tells the tracer which phase the controller entered.
type Phase struct {
	Name string `json:"name"`
}

// Reset rotates a unit's output. Destination names the recorder sink,
// Duration is the tracer's trial window.
type Reset struct {
	Destination string        `json:"destination,omitempty"`
	Duration    time.Duration `json:"duration,omitempty"`
}

// Pause suspends sampling until Ready.
type Pause struct{}

// Stop terminates the receiving unit after flushing its output.
type Stop struct{}

// Dump asks the tracer to write its buffered trace.
type Dump struct{}

// TubeReached reports contact with the tube.
type TubeReached struct{}

// TrialAborted reports a trial that ended without a completed reward.
type TrialAborted struct{}

// TubeReset reports the tube back at its start position.
type TubeReset struct{}

// SendingRecords carries a sealed trial record to its consumers.
type SendingRecords struct {
	Record *TrialRecord `json:"record"`
}

// SamplingRate changes the recorder's target sampling rate.
type SamplingRate struct {
	PerSecond float64 `json:"per_second"`
}

func (Ready) Kind() Kind          { return KindReady }
func (StartTrial) Kind() Kind     { return KindStartTrial }
func (EndTrial) Kind() Kind       { return KindEndTrial }
func (SetDisk) Kind() Kind        { return KindSetDisk }
func (Phase) Kind() Kind          { return KindPhase }
func (Reset) Kind() Kind          { return KindReset }
func (Pause) Kind() Kind          { return KindPause }
func (Stop) Kind() Kind           { return KindStop }
func (Dump) Kind() Kind           { return KindDump }
func (TubeReached) Kind() Kind    { return KindTubeReached }
func (TrialAborted) Kind() Kind   { return KindTrialAborted }
func (TubeReset) Kind() Kind      { return KindTubeReset }
func (SendingRecords) Kind() Kind { return KindSendingRecords }
func (SamplingRate) Kind() Kind   { return KindSamplingRate }

func (Ready) instruction()          {}
func (StartTrial) instruction()     {}
func (EndTrial) instruction()       {}
func (SetDisk) instruction()        {}
func (Phase) instruction()          {}
func (Reset) instruction()          {}
func (Pause) instruction()          {}
func (Stop) instruction()           {}
func (Dump) instruction()           {}
func (TubeReached) instruction()    {}
func (TrialAborted) instruction()   {}
func (TubeReset) instruction()      {}
func (SendingRecords) instruction() {}
func (SamplingRate) instruction()   {}

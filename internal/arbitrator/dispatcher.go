package arbitrator

import (
	"errors"
	"strconv"
	"time"

	"github.com/banshee-data/tuberig/internal/apparatus"
	"github.com/banshee-data/tuberig/internal/config"
	"github.com/banshee-data/tuberig/internal/monitoring"
	"github.com/banshee-data/tuberig/internal/power"
	"github.com/banshee-data/tuberig/internal/protocol"
	"github.com/banshee-data/tuberig/internal/timeutil"
)

// Controller is the part of the apparatus supervisor the dispatcher drives.
type Controller interface {
	StartController(profile string) error
	StopController() error
	Running() bool
	Send(in protocol.Instruction) error
	RandomDisk() uint8
}

// OptionStore is the runtime settings store.
type OptionStore interface {
	GetOption(key string) (string, error)
	Options() string
	SetOption(key, value string) (string, error)
}

// OptionLog records accepted set_option changes.
type OptionLog interface {
	RecordOptionChange(key, value, source string, at time.Time) error
}

// Ack is the result of an accepted command. Reply is sent to a session when
// non-empty; Shutdown asks the arbitrator to exit.
type Ack struct {
	Reply    string
	Shutdown bool
}

// Dispatcher executes parsed operator commands.
type Dispatcher struct {
	Controller Controller
	Options    OptionStore
	OptionLog  OptionLog
	Power      power.Controller
	Clock      timeutil.Clock
}

// Dispatch runs cmd on behalf of src.
func (d *Dispatcher) Dispatch(src Authority, cmd protocol.Command) (Ack, *protocol.CommandError) {
	switch cmd.Op {
	case protocol.OpInitScreen:
		profile := ""
		if len(cmd.Args) > 0 {
			profile = cmd.Args[0]
		}
		if err := d.Controller.StartController(profile); err != nil {
			if errors.Is(err, apparatus.ErrAlreadyRunning) {
				return Ack{}, protocol.WrapReject(protocol.CodeRejected, cmd.Name, err)
			}
			return Ack{}, protocol.WrapReject(protocol.CodeInternal, cmd.Name, err)
		}
		return Ack{}, nil

	case protocol.OpShutdownScreen:
		if err := d.Controller.StopController(); err != nil {
			if errors.Is(err, apparatus.ErrNotRunning) {
				return Ack{}, protocol.WrapReject(protocol.CodeUnavailable, cmd.Name, err)
			}
			return Ack{}, protocol.WrapReject(protocol.CodeInternal, cmd.Name, err)
		}
		return Ack{}, nil

	case protocol.OpGetOption:
		if len(cmd.Args) == 0 {
			return Ack{Reply: d.Options.Options()}, nil
		}
		v, err := d.Options.GetOption(cmd.Args[0])
		if err != nil {
			return Ack{}, optionReject(cmd.Name, err)
		}
		return Ack{Reply: v}, nil

	case protocol.OpSetOption:
		reply, err := d.Options.SetOption(cmd.Args[0], cmd.Args[1])
		if err != nil {
			return Ack{}, optionReject(cmd.Name, err)
		}
		if d.OptionLog != nil {
			if err := d.OptionLog.RecordOptionChange(cmd.Args[0], cmd.Args[1], src.String(), d.now()); err != nil {
				monitoring.Logf("arbitrator: record option change: %v", err)
			}
		}
		return Ack{Reply: reply}, nil

	case protocol.OpShutdown:
		poweroff := true
		if len(cmd.Args) > 0 {
			v, err := strconv.ParseBool(cmd.Args[0])
			if err != nil {
				return Ack{}, protocol.WrapReject(protocol.CodeBadArguments, cmd.Name, err)
			}
			poweroff = v
		}
		if d.Controller.Running() {
			if err := d.Controller.StopController(); err != nil && !errors.Is(err, apparatus.ErrNotRunning) {
				monitoring.Logf("arbitrator: stop controller for shutdown: %v", err)
			}
		}
		if poweroff && d.Power != nil {
			if err := d.Power.Poweroff(); err != nil {
				return Ack{Reply: "shutdown", Shutdown: true}, protocol.WrapReject(protocol.CodeInternal, cmd.Name, err)
			}
		}
		return Ack{Reply: "shutdown", Shutdown: true}, nil

	case protocol.OpSetDisk:
		if len(cmd.Args) == 1 && cmd.Args[0] == "random" {
			return d.send(cmd.Name, protocol.SetDisk{State: d.Controller.RandomDisk()})
		}
	}

	in, cerr := cmd.Instruction()
	if cerr != nil {
		return Ack{}, cerr
	}
	return d.send(cmd.Name, in)
}

func (d *Dispatcher) send(name string, in protocol.Instruction) (Ack, *protocol.CommandError) {
	err := d.Controller.Send(in)
	if err == nil {
		return Ack{}, nil
	}
	var cerr *protocol.CommandError
	switch {
	case errors.As(err, &cerr):
		return Ack{}, cerr
	case errors.Is(err, apparatus.ErrNotRunning):
		return Ack{}, protocol.Rejectf(protocol.CodeUnavailable, name, "no experiment running, send init_screen first")
	case errors.Is(err, protocol.ErrLinkFull):
		return Ack{}, protocol.WrapReject(protocol.CodeUnavailable, name, err)
	}
	return Ack{}, protocol.WrapReject(protocol.CodeInternal, name, err)
}

func optionReject(name string, err error) *protocol.CommandError {
	switch {
	case errors.Is(err, config.ErrUnknownOption):
		return protocol.Rejectf(protocol.CodeBadArguments, name, "unknown setting requested")
	case errors.Is(err, config.ErrTypeMismatch):
		return protocol.WrapReject(protocol.CodeTypeMismatch, name, err)
	case errors.Is(err, config.ErrInvalidValue):
		return protocol.WrapReject(protocol.CodeBadArguments, name, err)
	}
	return protocol.WrapReject(protocol.CodeInternal, name, err)
}

func (d *Dispatcher) now() time.Time {
	if d.Clock == nil {
		return time.Now()
	}
	return d.Clock.Now()
}

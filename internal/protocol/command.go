package protocol

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Op is an operator command understood by the arbitrator.
type Op uint8

const (
	OpStartTrial Op = iota + 1
	OpEndTrial
	OpSetDisk
	OpReset
	OpPause
	OpReady
	OpStop
	OpDump
	OpSamplingRate
	OpGetOption
	OpSetOption
	OpShutdown
	OpInitScreen
	OpShutdownScreen
)

// Command is a parsed operator command. Args holds the words after the name,
// already normalised for aliases ("1" becomes start_trial true).
type Command struct {
	Op   Op
	Name string
	Args []string
}

func (c Command) String() string {
	if len(c.Args) == 0 {
		return c.Name
	}
	return c.Name + " " + strings.Join(c.Args, " ")
}

type commandSpec struct {
	op       Op
	name     string
	preset   []string
	min, max int
}

// sessionCommands is the text vocabulary shared by the TCP session and the
// sequencer's escaped text frames.
var sessionCommands = map[string]commandSpec{
	"start_trial":      {op: OpStartTrial, name: "start_trial", max: 1},
	"1":                {op: OpStartTrial, name: "start_trial", preset: []string{"true"}},
	"end_trial":        {op: OpEndTrial, name: "end_trial"},
	"2":                {op: OpEndTrial, name: "end_trial"},
	"set_disk":         {op: OpSetDisk, name: "set_disk", min: 1, max: 1},
	"reset":            {op: OpReset, name: "reset", min: 1, max: 1},
	"pause":            {op: OpPause, name: "pause"},
	"ready":            {op: OpReady, name: "ready"},
	"stop":             {op: OpStop, name: "stop"},
	"dump":             {op: OpDump, name: "dump"},
	"sampling_rate":    {op: OpSamplingRate, name: "sampling_rate", min: 1, max: 1},
	"get_option":       {op: OpGetOption, name: "get_option", max: 1},
	"set_option":       {op: OpSetOption, name: "set_option", min: 2, max: 2},
	"shutdown":         {op: OpShutdown, name: "shutdown", max: 1},
	"end":              {op: OpShutdown, name: "shutdown", preset: []string{"false"}},
	"init_screen":      {op: OpInitScreen, name: "init_screen", preset: []string{"standard"}},
	"init_screen_bpod": {op: OpInitScreen, name: "init_screen", preset: []string{"standard"}},
	"pairing":          {op: OpInitScreen, name: "init_screen", preset: []string{"pairing"}},
	"shutdown_screen":  {op: OpShutdownScreen, name: "shutdown_screen"},
}

// opcodes is the sequencer's single-byte command table.
var opcodes = map[byte]Command{
	1:  {Op: OpStartTrial, Name: "start_trial", Args: []string{"true"}},
	10: {Op: OpStartTrial, Name: "start_trial", Args: []string{"false"}},
	2:  {Op: OpEndTrial, Name: "end_trial"},
	30: {Op: OpSetDisk, Name: "set_disk", Args: []string{"0"}},
	31: {Op: OpSetDisk, Name: "set_disk", Args: []string{"1"}},
	32: {Op: OpSetDisk, Name: "set_disk", Args: []string{"2"}},
	33: {Op: OpSetDisk, Name: "set_disk", Args: []string{"3"}},
	4:  {Op: OpInitScreen, Name: "init_screen", Args: []string{"standard"}},
	5:  {Op: OpShutdownScreen, Name: "shutdown_screen"},
}

// ParseSessionCommand parses one whitespace separated command line.
func ParseSessionCommand(line string) (Command, *CommandError) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return Command{}, Rejectf(CodeUnknownCommand, "", "empty command")
	}
	def, ok := sessionCommands[strings.ToLower(fields[0])]
	if !ok {
		return Command{}, Rejectf(CodeUnknownCommand, fields[0], "unknown command %q", fields[0])
	}
	args := fields[1:]
	if def.preset != nil {
		if len(args) > 0 {
			return Command{}, Rejectf(CodeBadArguments, def.name, "%s takes no arguments", fields[0])
		}
		args = def.preset
	} else if len(args) < def.min || len(args) > def.max {
		return Command{}, Rejectf(CodeBadArguments, def.name, "%s takes %s", def.name, arity(def.min, def.max))
	}
	return Command{Op: def.op, Name: def.name, Args: append([]string(nil), args...)}, nil
}

func arity(min, max int) string {
	switch {
	case max == 0:
		return "no arguments"
	case min == max:
		return fmt.Sprintf("%d argument(s)", min)
	default:
		return fmt.Sprintf("%d to %d arguments", min, max)
	}
}

// LookupOpcode maps a sequencer opcode byte to its command.
func LookupOpcode(b byte) (Command, *CommandError) {
	c, ok := opcodes[b]
	if !ok {
		return Command{}, Rejectf(CodeUnknownCommand, strconv.Itoa(int(b)), "unknown opcode %d", b)
	}
	c.Args = append([]string(nil), c.Args...)
	return c, nil
}

// MaxDiskState is the highest reward-disk state (Opened).
const MaxDiskState = 3

// DiskStateNames names the reward-disk states in order.
var DiskStateNames = [MaxDiskState + 1]string{"Blocked", "Visual", "Smell", "Opened"}

// DiskName returns the name of a disk state, or "disk(N)" when out of range.
func DiskName(state uint8) string {
	if int(state) < len(DiskStateNames) {
		return DiskStateNames[state]
	}
	return fmt.Sprintf("disk(%d)", state)
}

// ErrDiskOutOfRange is wrapped when a disk state is not in 0..MaxDiskState.
var ErrDiskOutOfRange = errors.New("disk state out of range")

// ParseDisk parses a disk state argument.
func ParseDisk(s string) (uint8, error) {
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("disk state %q: %w", s, err)
	}
	if n < 0 || n > MaxDiskState {
		return 0, fmt.Errorf("%w: %d not in 0..%d", ErrDiskOutOfRange, n, MaxDiskState)
	}
	return uint8(n), nil
}

// ErrNotInstruction is returned by Command.Instruction for commands the
// arbitrator handles itself.
var ErrNotInstruction = errors.New("command is not a controller instruction")

// Instruction converts a controller-facing command into the instruction the
// controller receives.
func (c Command) Instruction() (Instruction, *CommandError) {
	switch c.Op {
	case OpStartTrial:
		record := true
		if len(c.Args) > 0 {
			v, err := strconv.ParseBool(c.Args[0])
			if err != nil {
				return nil, WrapReject(CodeBadArguments, c.Name, err)
			}
			record = v
		}
		return StartTrial{Record: record}, nil
	case OpEndTrial:
		return EndTrial{}, nil
	case OpSetDisk:
		if len(c.Args) != 1 {
			return nil, Rejectf(CodeBadArguments, c.Name, "set_disk takes 1 argument(s)")
		}
		state, err := ParseDisk(c.Args[0])
		if err != nil {
			return nil, WrapReject(CodeBadArguments, c.Name, err)
		}
		return SetDisk{State: state}, nil
	case OpReset:
		if len(c.Args) != 1 {
			return nil, Rejectf(CodeBadArguments, c.Name, "reset takes 1 argument(s)")
		}
		return Reset{Destination: c.Args[0]}, nil
	case OpPause:
		return Pause{}, nil
	case OpReady:
		return Ready{}, nil
	case OpStop:
		return Stop{}, nil
	case OpDump:
		return Dump{}, nil
	case OpSamplingRate:
		if len(c.Args) != 1 {
			return nil, Rejectf(CodeBadArguments, c.Name, "sampling_rate takes 1 argument(s)")
		}
		rate, err := strconv.ParseFloat(c.Args[0], 64)
		if err != nil || rate <= 0 {
			return nil, Rejectf(CodeBadArguments, c.Name, "sampling rate must be a positive number, got %q", c.Args[0])
		}
		return SamplingRate{PerSecond: rate}, nil
	}
	return nil, WrapReject(CodeInternal, c.Name, ErrNotInstruction)
}

// ErrorCode classifies a rejected command.
type ErrorCode uint8

const (
	CodeUnknownCommand ErrorCode = iota + 1
	CodeBadArguments
	CodeTypeMismatch
	CodeRejected
	CodeUnavailable
	CodeInternal
)

var codeNames = map[ErrorCode]string{
	CodeUnknownCommand: "unknown command",
	CodeBadArguments:   "bad arguments",
	CodeTypeMismatch:   "type mismatch",
	CodeRejected:       "rejected",
	CodeUnavailable:    "unavailable",
	CodeInternal:       "internal error",
}

func (c ErrorCode) String() string {
	if s, ok := codeNames[c]; ok {
		return s
	}
	return fmt.Sprintf("code(%d)", c)
}

// CommandError is a user-visible rejection of an operator command.
type CommandError struct {
	Code    ErrorCode
	Command string
	Message string
	Err     error
}

// Rejectf builds a CommandError with a formatted message.
func Rejectf(code ErrorCode, command, format string, args ...interface{}) *CommandError {
	return &CommandError{Code: code, Command: command, Message: fmt.Sprintf(format, args...)}
}

// WrapReject builds a CommandError around err.
func WrapReject(code ErrorCode, command string, err error) *CommandError {
	return &CommandError{Code: code, Command: command, Message: err.Error(), Err: err}
}

func (e *CommandError) Error() string {
	if e.Command == "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s: %s", e.Command, e.Code, e.Message)
}

func (e *CommandError) Unwrap() error { return e.Err }

// Reply is the one-line text sent back to a session.
func (e *CommandError) Reply() string {
	return "error: " + e.Message
}

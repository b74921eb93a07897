package protocol

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestParseSessionCommand(t *testing.T) {
	tests := []struct {
		line string
		want Command
	}{
		{"start_trial", Command{Op: OpStartTrial, Name: "start_trial"}},
		{"start_trial false", Command{Op: OpStartTrial, Name: "start_trial", Args: []string{"false"}}},
		{"1", Command{Op: OpStartTrial, Name: "start_trial", Args: []string{"true"}}},
		{"2", Command{Op: OpEndTrial, Name: "end_trial"}},
		{"  set_disk   3 ", Command{Op: OpSetDisk, Name: "set_disk", Args: []string{"3"}}},
		{"set_option tube_distance 12.5", Command{Op: OpSetOption, Name: "set_option", Args: []string{"tube_distance", "12.5"}}},
		{"end", Command{Op: OpShutdown, Name: "shutdown", Args: []string{"false"}}},
		{"pairing", Command{Op: OpInitScreen, Name: "init_screen", Args: []string{"pairing"}}},
		{"init_screen_bpod", Command{Op: OpInitScreen, Name: "init_screen", Args: []string{"standard"}}},
		{"SHUTDOWN_SCREEN", Command{Op: OpShutdownScreen, Name: "shutdown_screen"}},
	}
	for _, tt := range tests {
		got, cerr := ParseSessionCommand(tt.line)
		if cerr != nil {
			t.Errorf("ParseSessionCommand(%q) error: %v", tt.line, cerr)
			continue
		}
		if diff := cmp.Diff(tt.want, got); diff != "" {
			t.Errorf("ParseSessionCommand(%q) mismatch (-want +got):\n%s", tt.line, diff)
		}
	}
}

func TestParseSessionCommand_Rejections(t *testing.T) {
	tests := []struct {
		line string
		code ErrorCode
	}{
		{"", CodeUnknownCommand},
		{"jump", CodeUnknownCommand},
		{"set_disk", CodeBadArguments},
		{"set_option key", CodeBadArguments},
		{"pause now", CodeBadArguments},
		{"1 extra", CodeBadArguments},
	}
	for _, tt := range tests {
		_, cerr := ParseSessionCommand(tt.line)
		if cerr == nil {
			t.Errorf("ParseSessionCommand(%q) accepted", tt.line)
			continue
		}
		if cerr.Code != tt.code {
			t.Errorf("ParseSessionCommand(%q) code = %v, want %v", tt.line, cerr.Code, tt.code)
		}
		if cerr.Reply() == "" {
			t.Errorf("ParseSessionCommand(%q) has an empty reply", tt.line)
		}
	}
}

func TestCommandInstruction(t *testing.T) {
	tests := []struct {
		line string
		want Instruction
	}{
		{"start_trial", StartTrial{Record: true}},
		{"start_trial 0", StartTrial{Record: false}},
		{"end_trial", EndTrial{}},
		{"set_disk 2", SetDisk{State: 2}},
		{"reset mouse3", Reset{Destination: "mouse3"}},
		{"pause", Pause{}},
		{"ready", Ready{}},
		{"stop", Stop{}},
		{"dump", Dump{}},
		{"sampling_rate 120", SamplingRate{PerSecond: 120}},
	}
	for _, tt := range tests {
		cmd, cerr := ParseSessionCommand(tt.line)
		if cerr != nil {
			t.Fatalf("parse %q: %v", tt.line, cerr)
		}
		got, cerr := cmd.Instruction()
		if cerr != nil {
			t.Errorf("%q.Instruction() error: %v", tt.line, cerr)
			continue
		}
		if got != tt.want {
			t.Errorf("%q.Instruction() = %#v, want %#v", tt.line, got, tt.want)
		}
	}
}

func TestCommandInstruction_Rejections(t *testing.T) {
	for _, line := range []string{"set_disk 4", "set_disk -1", "set_disk two", "start_trial maybe", "sampling_rate 0"} {
		cmd, cerr := ParseSessionCommand(line)
		if cerr != nil {
			t.Fatalf("parse %q: %v", line, cerr)
		}
		if _, cerr := cmd.Instruction(); cerr == nil || cerr.Code != CodeBadArguments {
			t.Errorf("%q.Instruction() = %v, want bad arguments", line, cerr)
		}
	}

	cmd, _ := ParseSessionCommand("set_disk 9")
	_, cerr := cmd.Instruction()
	if !errors.Is(cerr, ErrDiskOutOfRange) {
		t.Errorf("set_disk 9 error %v does not wrap ErrDiskOutOfRange", cerr)
	}

	cmd, _ = ParseSessionCommand("get_option")
	_, cerr = cmd.Instruction()
	if !errors.Is(cerr, ErrNotInstruction) {
		t.Errorf("get_option.Instruction() = %v, want ErrNotInstruction", cerr)
	}
}

func TestLookupOpcode(t *testing.T) {
	tests := map[byte]string{
		1:  "start_trial true",
		10: "start_trial false",
		2:  "end_trial",
		30: "set_disk 0",
		33: "set_disk 3",
		4:  "init_screen standard",
		5:  "shutdown_screen",
	}
	for b, want := range tests {
		cmd, cerr := LookupOpcode(b)
		if cerr != nil {
			t.Errorf("LookupOpcode(%d) error: %v", b, cerr)
			continue
		}
		if got := cmd.String(); got != want {
			t.Errorf("LookupOpcode(%d) = %q, want %q", b, got, want)
		}
	}
	if _, cerr := LookupOpcode(99); cerr == nil || cerr.Code != CodeUnknownCommand {
		t.Errorf("LookupOpcode(99) = %v, want unknown command", cerr)
	}
}

func TestLookupOpcode_ReturnsCopy(t *testing.T) {
	cmd, _ := LookupOpcode(31)
	cmd.Args[0] = "3"
	again, _ := LookupOpcode(31)
	if again.Args[0] != "1" {
		t.Fatalf("opcode table was mutated through a returned command: %v", again)
	}
}

func TestDiskName(t *testing.T) {
	for state, want := range map[uint8]string{0: "Blocked", MaxDiskState: "Opened", 7: "disk(7)"} {
		if got := DiskName(state); got != want {
			t.Errorf("DiskName(%d) = %q, want %q", state, got, want)
		}
	}
}

package power

import (
	"errors"
	"strings"
	"testing"

	"github.com/banshee-data/tuberig/internal/testutil"
)

func TestExecutor_Poweroff(t *testing.T) {
	testutil.QuietLogs(t)
	builder := &MockCommandBuilder{}
	e := &Executor{Command: DefaultPoweroffCommand, Builder: builder}

	if err := e.Poweroff(); err != nil {
		t.Fatalf("Poweroff: %v", err)
	}
	built := builder.Built()
	if len(built) != 1 {
		t.Fatalf("built %d commands, want 1", len(built))
	}
	if built[0].Name != "sudo" || strings.Join(built[0].Args, " ") != "shutdown --poweroff now" {
		t.Errorf("built %+v", built[0])
	}
}

func TestExecutor_DryRun(t *testing.T) {
	testutil.QuietLogs(t)
	builder := &MockCommandBuilder{}
	e := NewExecutor(true)
	e.Builder = builder
	if err := e.Poweroff(); err != nil {
		t.Fatalf("Poweroff: %v", err)
	}
	if len(builder.Built()) != 0 {
		t.Error("dry run built a command")
	}
}

func TestExecutor_Error(t *testing.T) {
	testutil.QuietLogs(t)
	builder := &MockCommandBuilder{Result: MockCommandExecutor{Output: []byte("not permitted\n"), Err: errors.New("exit status 1")}}
	e := &Executor{Command: []string{"shutdown"}, Builder: builder}
	err := e.Poweroff()
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "not permitted") {
		t.Errorf("error %q does not carry the command output", err)
	}

	if err := (&Executor{}).Poweroff(); err == nil {
		t.Error("empty command should fail")
	}
}

func TestRealCommandBuilder(t *testing.T) {
	out, err := RealCommandBuilder{}.BuildCommand("echo", "arg1", "arg2").Run()
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if strings.TrimSpace(string(out)) != "arg1 arg2" {
		t.Errorf("output %q", out)
	}
}

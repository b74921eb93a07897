// Package power executes host power actions requested by the operator.
package power

import (
	"os/exec"
	"sync"
)

// CommandExecutor runs one built command.
type CommandExecutor interface {
	// Run executes the command and returns the combined output (stdout+stderr).
	Run() ([]byte, error)
}

// CommandBuilder builds commands. Tests swap in MockCommandBuilder.
type CommandBuilder interface {
	BuildCommand(name string, args ...string) CommandExecutor
}

// RealCommandExecutor wraps exec.Cmd.
type RealCommandExecutor struct {
	cmd *exec.Cmd
}

func (r *RealCommandExecutor) Run() ([]byte, error) {
	return r.cmd.CombinedOutput()
}

// RealCommandBuilder implements CommandBuilder using exec.Command.
type RealCommandBuilder struct{}

func (RealCommandBuilder) BuildCommand(name string, args ...string) CommandExecutor {
	return &RealCommandExecutor{cmd: exec.Command(name, args...)}
}

// MockCommandExecutor returns a canned result.
type MockCommandExecutor struct {
	Output []byte
	Err    error
}

func (m *MockCommandExecutor) Run() ([]byte, error) {
	return m.Output, m.Err
}

// BuiltCommand records one command built by MockCommandBuilder.
type BuiltCommand struct {
	Name string
	Args []string
}

// MockCommandBuilder records commands instead of running them.
type MockCommandBuilder struct {
	mu       sync.Mutex
	Commands []BuiltCommand
	// Result is returned by every executor it builds.
	Result MockCommandExecutor
}

func (b *MockCommandBuilder) BuildCommand(name string, args ...string) CommandExecutor {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.Commands = append(b.Commands, BuiltCommand{Name: name, Args: append([]string(nil), args...)})
	res := b.Result
	return &res
}

// Built returns a copy of the recorded commands.
func (b *MockCommandBuilder) Built() []BuiltCommand {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]BuiltCommand(nil), b.Commands...)
}

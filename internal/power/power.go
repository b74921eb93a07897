package power

import (
	"fmt"
	"strings"

	"github.com/banshee-data/tuberig/internal/monitoring"
)

// DefaultPoweroffCommand halts the host immediately.
var DefaultPoweroffCommand = []string{"sudo", "shutdown", "--poweroff", "now"}

// Controller powers off the host.
type Controller interface {
	Poweroff() error
}

// Executor runs the poweroff command. With DryRun set it only logs.
type Executor struct {
	Command []string
	DryRun  bool
	Builder CommandBuilder
}

// NewExecutor returns an executor for the default poweroff command.
func NewExecutor(dryRun bool) *Executor {
	return &Executor{
		Command: DefaultPoweroffCommand,
		DryRun:  dryRun,
		Builder: RealCommandBuilder{},
	}
}

func (e *Executor) Poweroff() error {
	if len(e.Command) == 0 {
		return fmt.Errorf("power: no poweroff command configured")
	}
	if e.DryRun {
		monitoring.Logf("[DRY-RUN] Would execute: %s", strings.Join(e.Command, " "))
		return nil
	}
	builder := e.Builder
	if builder == nil {
		builder = RealCommandBuilder{}
	}
	monitoring.Logf("power: executing %s", strings.Join(e.Command, " "))
	out, err := builder.BuildCommand(e.Command[0], e.Command[1:]...).Run()
	if err != nil {
		return fmt.Errorf("power: %s: %w, output: %s", e.Command[0], err, strings.TrimSpace(string(out)))
	}
	return nil
}

package netif

import (
	"context"
	"strings"
)

// CommandRunner is the subset of system.Runner the command based drivers need.
type CommandRunner interface {
	Run(ctx context.Context, name string, args ...string) error
	Output(ctx context.Context, name string, args ...string) ([]byte, error)
}

// IfconfigDriver drives interfaces through ifconfig(8), as on BSD guests.
type IfconfigDriver struct {
	Runner CommandRunner
}

func (d *IfconfigDriver) Interfaces(ctx context.Context) ([]string, error) {
	out, err := d.Runner.Output(ctx, "ifconfig", "-l")
	if err != nil {
		return nil, err
	}
	return strings.Fields(string(out)), nil
}

func (d *IfconfigDriver) Configure(ctx context.Context, name string, args []string) error {
	cmdArgs := append([]string{name}, args...)
	cmdArgs = append(cmdArgs, "up")
	return d.Runner.Run(ctx, "ifconfig", cmdArgs...)
}

func (d *IfconfigDriver) Assign(ctx context.Context, name, address string) error {
	return d.Runner.Run(ctx, "ifconfig", name, address, "up")
}

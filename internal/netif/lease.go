package netif

import (
	"context"
	"errors"
	"fmt"

	"github.com/kballard/go-shellquote"
)

// CommandLeaser requests a lease by running a DHCP client with the interface
// name appended, e.g. "dhclient vtnet0". Clients that daemonize after the first
// lease return once the address is bound.
type CommandLeaser struct {
	Runner  CommandRunner
	Command []string
}

// NewCommandLeaser parses command with shell quoting rules.
func NewCommandLeaser(runner CommandRunner, command string) (*CommandLeaser, error) {
	words, err := shellquote.Split(command)
	if err != nil {
		return nil, fmt.Errorf("parse lease command %q: %w", command, err)
	}
	if len(words) == 0 {
		return nil, errors.New("lease command is empty")
	}
	return &CommandLeaser{Runner: runner, Command: words}, nil
}

func (l *CommandLeaser) Request(ctx context.Context, name string) error {
	args := append(append([]string(nil), l.Command[1:]...), name)
	return l.Runner.Run(ctx, l.Command[0], args...)
}

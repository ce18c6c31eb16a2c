// Package system performs the host-level side effects of the boot sequence:
// running commands, applying tunables, mounting filesystems, starting the
// remote access daemon and handing the console to an interactive session.
package system

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"

	"github.com/kballard/go-shellquote"

	"github.com/cochaviz/guestboot/internal/logging"
)

// Runner executes external programs on behalf of the boot steps.
type Runner interface {
	// Run executes the command with its output sent to the console.
	Run(ctx context.Context, name string, args ...string) error
	// Output executes the command and returns its standard output.
	Output(ctx context.Context, name string, args ...string) ([]byte, error)
	// Interactive executes the command attached to the console's stdin, stdout
	// and stderr and blocks until it exits.
	Interactive(ctx context.Context, name string, args ...string) error
}

// ExecRunner is the Runner backed by os/exec. Children inherit the process
// environment as it is when they start.
type ExecRunner struct {
	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer
	Logger *slog.Logger
}

// NewExecRunner returns a runner wired to the process's standard streams.
func NewExecRunner(logger *slog.Logger) *ExecRunner {
	return &ExecRunner{
		Stdin:  os.Stdin,
		Stdout: os.Stdout,
		Stderr: os.Stderr,
		Logger: logging.Ensure(logger),
	}
}

func (r *ExecRunner) Run(ctx context.Context, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = r.Stdout
	cmd.Stderr = r.Stderr
	r.logger().Debug("running command", "command", CommandLine(name, args...))
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%s: %w", CommandLine(name, args...), err)
	}
	return nil
}

func (r *ExecRunner) Output(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	r.logger().Debug("running command", "command", CommandLine(name, args...))
	out, err := cmd.Output()
	if err != nil {
		return out, fmt.Errorf("%s: %w (output: %s)", CommandLine(name, args...), err, strings.TrimSpace(stderr.String()))
	}
	return out, nil
}

func (r *ExecRunner) Interactive(ctx context.Context, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdin = r.Stdin
	cmd.Stdout = r.Stdout
	cmd.Stderr = r.Stderr
	r.logger().Debug("starting interactive command", "command", CommandLine(name, args...))
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%s: %w", CommandLine(name, args...), err)
	}
	return nil
}

func (r *ExecRunner) logger() *slog.Logger {
	return logging.Ensure(r.Logger)
}

// CommandLine renders a command the way a shell user would type it.
func CommandLine(name string, args ...string) string {
	return shellquote.Join(append([]string{name}, args...)...)
}

// SplitCommand splits a configured command string using shell quoting rules.
func SplitCommand(command string) ([]string, error) {
	words, err := shellquote.Split(command)
	if err != nil {
		return nil, fmt.Errorf("parse command %q: %w", command, err)
	}
	if len(words) == 0 {
		return nil, fmt.Errorf("command %q is empty", command)
	}
	return words, nil
}

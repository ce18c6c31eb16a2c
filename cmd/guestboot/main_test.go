package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/cochaviz/guestboot/internal/boot"
	"github.com/cochaviz/guestboot/internal/logging"
	"github.com/cochaviz/guestboot/internal/system"
)

func newTestCLI() *cli {
	var levelVar slog.LevelVar
	return &cli{
		logger:   logging.Discard(),
		levelVar: &levelVar,
		closeLog: func() error { return nil },
	}
}

// execute runs the command tree with diagnostics sent to a console file in a
// temp dir, returning stdout and the console contents.
func execute(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	console := filepath.Join(t.TempDir(), "console")
	if err := os.WriteFile(console, nil, 0o600); err != nil {
		t.Fatalf("create console: %v", err)
	}

	state := newTestCLI()
	root := newRootCommand(state)
	var stdout bytes.Buffer
	root.SetOut(&stdout)
	root.SetErr(io.Discard)
	root.SetArgs(append([]string{"--console", console}, args...))
	err := root.ExecuteContext(context.Background())
	state.closeLog()

	logged, readErr := os.ReadFile(console)
	if readErr != nil {
		t.Fatalf("read console: %v", readErr)
	}
	return stdout.String(), string(logged), err
}

func missingConfig(t *testing.T) string {
	return filepath.Join(t.TempDir(), "guestboot.yaml")
}

func TestPlanCommandListsStepsInOrder(t *testing.T) {
	out, _, err := execute(t, "plan", "--config", missingConfig(t))
	if err != nil {
		t.Fatalf("plan failed: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) != len(boot.StepNames()) {
		t.Fatalf("expected %d lines, got %d:\n%s", len(boot.StepNames()), len(lines), out)
	}
	for i, name := range boot.StepNames() {
		if !strings.Contains(lines[i], name) {
			t.Fatalf("line %d %q does not mention %s", i, lines[i], name)
		}
	}
}

func TestDiagnosticsDefaultToConsoleDevice(t *testing.T) {
	root := newRootCommand(newTestCLI())
	flag := root.PersistentFlags().Lookup("console")
	if flag == nil || flag.DefValue != logging.DefaultConsole {
		t.Fatalf("expected --console to default to %s, got %+v", logging.DefaultConsole, flag)
	}
}

func TestDiagnosticsGoToConsole(t *testing.T) {
	// the outcome depends on the files present on the host; only the destination matters
	_, logged, _ := execute(t, "check", "--config", missingConfig(t))
	if !strings.Contains(logged, "configuration") {
		t.Fatalf("expected check diagnostics on the console, got %q", logged)
	}
}

func TestConsoleFallsBackToStderr(t *testing.T) {
	state := newTestCLI()
	root := newRootCommand(state)
	var stderr bytes.Buffer
	root.SetOut(io.Discard)
	root.SetErr(&stderr)
	root.SetArgs([]string{"check", "--console", filepath.Join(t.TempDir(), "missing", "console"), "--config", missingConfig(t)})
	_ = root.ExecuteContext(context.Background())
	if !strings.Contains(stderr.String(), "configuration") {
		t.Fatalf("expected diagnostics on stderr, got %q", stderr.String())
	}
}

func TestUnknownLogLevelIsRejected(t *testing.T) {
	_, _, err := execute(t, "plan", "--log-level", "chatty", "--config", missingConfig(t))
	if err == nil || !strings.Contains(err.Error(), "chatty") {
		t.Fatalf("expected log level error, got %v", err)
	}
}

func TestRunRejectsUnknownStep(t *testing.T) {
	_, _, err := execute(t, "run", "--skip", "fsck", "--config", missingConfig(t))
	if err == nil || !strings.Contains(err.Error(), "fsck") {
		t.Fatalf("expected unknown step error, got %v", err)
	}
}

func TestInvalidConfigIsReported(t *testing.T) {
	path := filepath.Join(t.TempDir(), "guestboot.yaml")
	if err := os.WriteFile(path, []byte("workspace:\n  size: nothing\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	_, _, err := execute(t, "check", "--config", path)
	if err == nil || !strings.Contains(err.Error(), "load configuration") {
		t.Fatalf("expected configuration error, got %v", err)
	}
}

func TestHostKeysCommand(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "guestboot.yaml")
	keyPath := filepath.Join(dir, "ssh", "ssh_host_ed25519_key")
	content := fmt.Sprintf("ssh:\n  keys:\n    - algorithm: ed25519\n      path: %s\n", keyPath)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	out, _, err := execute(t, "hostkeys", "--config", path)
	if err != nil {
		t.Fatalf("hostkeys failed: %v", err)
	}
	if !strings.HasPrefix(out, "ed25519\tgenerated\t"+keyPath) || !strings.Contains(out, "SHA256:") {
		t.Fatalf("unexpected output %q", out)
	}

	out, _, err = execute(t, "hostkeys", "--config", path)
	if err != nil {
		t.Fatalf("second hostkeys run failed: %v", err)
	}
	if !strings.HasPrefix(out, "ed25519\texists\t") {
		t.Fatalf("expected existing key on second run, got %q", out)
	}
}

func TestExitCodes(t *testing.T) {
	logger := logging.Discard()
	cases := map[string]struct {
		err  error
		want int
	}{
		"interrupted":   {fmt.Errorf("run: %w", context.Canceled), exitInterrupted},
		"no controller": {&exitError{code: exitNoController, err: system.ErrNoControllingProcess}, exitNoController},
		"broken":        {&exitError{code: exitFailure, err: errors.New("boot broken")}, exitFailure},
		"plain":         {errors.New("boom"), exitFailure},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			if got := exitCode(logger, tc.err); got != tc.want {
				t.Fatalf("expected %d, got %d", tc.want, got)
			}
		})
	}
}

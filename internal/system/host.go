package system

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/exec"

	"github.com/moby/sys/mountinfo"

	"github.com/cochaviz/guestboot/internal/logging"
	"github.com/cochaviz/guestboot/internal/setup"
)

// ErrNoControllingProcess is returned by Handoff when not even the fallback
// shell could be started; the instance is left without a console session.
var ErrNoControllingProcess = errors.New("no controlling process")

var mountsAt = func(dir string) ([]*mountinfo.Info, error) {
	return mountinfo.GetMounts(mountinfo.SingleEntryFilter(dir))
}

// Host applies boot side effects to the running instance.
type Host struct {
	Runner Runner
	Logger *slog.Logger
	// SysctlRoot is where tunables are written on Linux; empty means /proc/sys.
	SysctlRoot string

	setenv func(key, value string) error
}

// NewHost returns a Host that runs commands through runner.
func NewHost(runner Runner, logger *slog.Logger) *Host {
	return &Host{
		Runner: runner,
		Logger: logging.Ensure(logger).With("component", "system"),
		setenv: os.Setenv,
	}
}

func (h *Host) logger() *slog.Logger {
	return logging.Ensure(h.Logger)
}

// RemountRootRW remounts the root filesystem with write permission.
func (h *Host) RemountRootRW(ctx context.Context) error {
	return h.remountRoot(ctx)
}

// MountTmpfs creates dir and mounts a tmpfs of the given capacity on it. A tmpfs
// that is already mounted there is left as is.
func (h *Host) MountTmpfs(ctx context.Context, dir, size string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create mount point %s: %w", dir, err)
	}

	mounts, err := mountsAt(dir)
	if err != nil {
		h.logger().Debug("unable to inspect mounts", "dir", dir, "error", err)
	}
	for _, m := range mounts {
		if m.FSType == "tmpfs" {
			h.logger().Info("tmpfs already mounted", "dir", dir)
			return nil
		}
	}
	return h.mountTmpfs(ctx, dir, size)
}

// Export sets an environment variable for this process and every child started
// after it.
func (h *Host) Export(key, value string) error {
	setenv := h.setenv
	if setenv == nil {
		setenv = os.Setenv
	}
	if err := setenv(key, value); err != nil {
		return fmt.Errorf("export %s: %w", key, err)
	}
	return nil
}

// MakeDir creates path and forces its permissions to mode regardless of umask.
func (h *Host) MakeDir(path string, mode fs.FileMode) error {
	if err := os.MkdirAll(path, mode); err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	if err := os.Chmod(path, mode); err != nil {
		return fmt.Errorf("chmod %s: %w", path, err)
	}
	return nil
}

// StartDaemon launches a self-daemonizing program and waits only for its
// launcher process to return.
func (h *Host) StartDaemon(ctx context.Context, path string, args ...string) error {
	if err := h.Runner.Run(ctx, path, args...); err != nil {
		return fmt.Errorf("start daemon: %w", err)
	}
	return nil
}

// RunHook sources the script at path with shell. It reports false when there is
// no script. The script's own failure is returned unchanged apart from context.
func (h *Host) RunHook(ctx context.Context, shell, path string) (bool, error) {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("stat %s: %w", path, err)
	}
	if info.IsDir() {
		return false, fmt.Errorf("%s is a directory", path)
	}

	if shell == "" {
		shell = "/bin/sh"
	}
	words, err := SplitCommand(shell)
	if err != nil {
		return false, err
	}
	args := append(words[1:], "-c", `. "$1"`, "guestboot", path)
	if err := h.Runner.Run(ctx, words[0], args...); err != nil {
		return true, fmt.Errorf("local hook %s: %w", path, err)
	}
	return true, nil
}

// Handoff gives the console to a login session and, once that exits or fails to
// start, to the fallback shell. It returns when the shell exits, or with
// ErrNoControllingProcess when the shell cannot be started at all. The shell is
// started even after ctx is cancelled.
func (h *Host) Handoff(ctx context.Context, session setup.Session) error {
	logger := h.logger().With("action", "handoff")

	if session.Login != "" {
		logger.Info("starting login session", "command", CommandLine(session.Login, session.LoginArgs...))
		if err := h.Runner.Interactive(ctx, session.Login, session.LoginArgs...); err != nil {
			logger.Warn("login session failed", "error", err)
		} else {
			logger.Info("login session ended")
		}
	}

	// the console must end up with a shell even when the boot was interrupted
	logger.Info("starting fallback shell", "shell", session.Shell)
	if err := h.Runner.Interactive(context.WithoutCancel(ctx), session.Shell); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			logger.Info("fallback shell exited", "status", exitErr.ExitCode())
			return nil
		}
		return fmt.Errorf("%w: %v", ErrNoControllingProcess, err)
	}
	return nil
}

//go:build !linux

package system

import (
	"context"
	"fmt"
)

func (h *Host) setTunable(ctx context.Context, tunable Tunable) error {
	return h.Runner.Run(ctx, "sysctl", fmt.Sprintf("%s=%s", tunable.Key, tunable.Value))
}

func (h *Host) remountRoot(ctx context.Context) error {
	if err := h.Runner.Run(ctx, "mount", "-u", "-o", "rw", "/"); err != nil {
		return fmt.Errorf("remount / read-write: %w", err)
	}
	return nil
}

func (h *Host) mountTmpfs(ctx context.Context, dir, size string) error {
	if err := h.Runner.Run(ctx, "mount", "-t", "tmpfs", "-o", "size="+size, "tmpfs", dir); err != nil {
		return fmt.Errorf("mount tmpfs on %s: %w", dir, err)
	}
	return nil
}

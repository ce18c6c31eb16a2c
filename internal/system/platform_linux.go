//go:build linux

package system

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sys/unix"
)

const defaultSysctlRoot = "/proc/sys"

func (h *Host) setTunable(_ context.Context, tunable Tunable) error {
	root := h.SysctlRoot
	if root == "" {
		root = defaultSysctlRoot
	}
	path := filepath.Join(root, strings.ReplaceAll(tunable.Key, ".", "/"))
	if err := os.WriteFile(path, []byte(tunable.Value), 0o644); err != nil {
		return err
	}
	return nil
}

func (h *Host) remountRoot(_ context.Context) error {
	if err := unix.Mount("", "/", "", unix.MS_REMOUNT, ""); err != nil {
		return fmt.Errorf("remount / read-write: %w", err)
	}
	return nil
}

func (h *Host) mountTmpfs(_ context.Context, dir, size string) error {
	if err := unix.Mount("tmpfs", dir, "tmpfs", 0, "size="+size); err != nil {
		return fmt.Errorf("mount tmpfs on %s: %w", dir, err)
	}
	return nil
}

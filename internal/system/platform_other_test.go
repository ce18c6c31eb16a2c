//go:build !linux

package system

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func TestApplyTunablesRunsSysctl(t *testing.T) {
	conf := filepath.Join(t.TempDir(), "sysctl.conf")
	if err := os.WriteFile(conf, []byte("kern.ipc.maxsockbuf=16777216\n"), 0o644); err != nil {
		t.Fatalf("write conf: %v", err)
	}
	runner := &fakeRunner{}
	host := newTestHost(runner)

	applied, err := host.ApplyTunables(context.Background(), conf)
	if err != nil || applied != 1 {
		t.Fatalf("ApplyTunables = %d, %v", applied, err)
	}
	if len(runner.calls) != 1 || runner.calls[0].line() != "sysctl kern.ipc.maxsockbuf=16777216" {
		t.Fatalf("unexpected commands: %v", runner.calls)
	}
}

func TestRemountAndTmpfsCommands(t *testing.T) {
	runner := &fakeRunner{}
	host := newTestHost(runner)

	if err := host.RemountRootRW(context.Background()); err != nil {
		t.Fatalf("RemountRootRW: %v", err)
	}
	if err := host.mountTmpfs(context.Background(), "/tmp", "500m"); err != nil {
		t.Fatalf("mountTmpfs: %v", err)
	}
	if runner.calls[0].line() != "mount -u -o rw /" {
		t.Fatalf("unexpected remount: %s", runner.calls[0].line())
	}
	if runner.calls[1].line() != "mount -t tmpfs -o size=500m tmpfs /tmp" {
		t.Fatalf("unexpected tmpfs mount: %s", runner.calls[1].line())
	}
}

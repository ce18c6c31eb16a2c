package setup

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	n, err := cfg.WorkspaceBytes()
	if err != nil {
		t.Fatalf("workspace size: %v", err)
	}
	if n != 500<<20 {
		t.Fatalf("expected 500m to parse as 500 MiB, got %d", n)
	}
	if len(cfg.Network.Candidates) != 3 || cfg.Network.Candidates[0].Name != "atse0" {
		t.Fatalf("unexpected candidates: %#v", cfg.Network.Candidates)
	}
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.SysctlFile != Default().SysctlFile {
		t.Fatalf("expected defaults, got %#v", cfg)
	}
}

func TestLoadOverridesOnlyGivenFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "guestboot.yaml")
	content := `
workspace:
  size: 1GiB
network:
  candidates:
    - name: eth0
  lease_command: udhcpc -q -i
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Workspace.Size != "1GiB" {
		t.Fatalf("size not overridden: %q", cfg.Workspace.Size)
	}
	if cfg.Workspace.MountPoint != "/tmp" {
		t.Fatalf("mount point should keep default, got %q", cfg.Workspace.MountPoint)
	}
	if len(cfg.Network.Candidates) != 1 || cfg.Network.Candidates[0].Name != "eth0" {
		t.Fatalf("candidates not replaced: %#v", cfg.Network.Candidates)
	}
	if cfg.Network.Loopback != Default().Network.Loopback {
		t.Fatalf("loopback should keep default, got %q", cfg.Network.Loopback)
	}
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]func(*Config){
		"empty size":     func(c *Config) { c.Workspace.Size = "" },
		"zero size":      func(c *Config) { c.Workspace.Size = "0m" },
		"garbage size":   func(c *Config) { c.Workspace.Size = "lots" },
		"unnamed iface":  func(c *Config) { c.Network.Candidates = []InterfaceCandidate{{Name: " "}} },
		"unknown driver": func(c *Config) { c.Network.Driver = "carrier-pigeon" },
		"unknown key":    func(c *Config) { c.SSH.Keys = []HostKey{{Algorithm: "dsa", Path: "/etc/ssh/k"}} },
		"no shell":       func(c *Config) { c.Session.Shell = "" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestLoadReportsInvalidOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "guestboot.yaml")
	if err := os.WriteFile(path, []byte("ssh:\n  keys:\n    - algorithm: dsa\n      path: /k\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	_, err := Load(path)
	if err == nil || !strings.Contains(err.Error(), "dsa") {
		t.Fatalf("expected algorithm error, got %v", err)
	}
}

func TestLoadReportsThroughPackageLogger(t *testing.T) {
	var buf bytes.Buffer
	SetLogger(slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})))
	t.Cleanup(func() { SetLogger(nil) })

	path := filepath.Join(t.TempDir(), "guestboot.yaml")
	if err := os.WriteFile(path, []byte("local_hook: /etc/rc.custom\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := Load(path); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !strings.Contains(buf.String(), "loaded configuration overrides") || !strings.Contains(buf.String(), path) {
		t.Fatalf("expected override log line, got %q", buf.String())
	}
}

func TestWorkspaceBytesUnits(t *testing.T) {
	cases := map[string]uint64{
		"500m":   500 << 20,
		"2G":     2 << 30,
		"64k":    64 << 10,
		"1GiB":   1 << 30,
		"500 MB": 500 * 1000 * 1000,
		"4096":   4096,
	}
	for size, want := range cases {
		cfg := Default()
		cfg.Workspace.Size = size
		got, err := cfg.WorkspaceBytes()
		if err != nil {
			t.Fatalf("%s: %v", size, err)
		}
		if got != want {
			t.Fatalf("%s: expected %d, got %d", size, want, got)
		}
	}
}

package setup

import (
	"errors"
	"fmt"
	"os"
	"runtime"
	"strings"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"
)

// DefaultConfigPath is where an image may place overrides for the defaults below.
var DefaultConfigPath = "/etc/guestboot.yaml"

// Key algorithms understood by the host key provisioner.
const (
	KeyRSA     = "rsa"
	KeyECDSA   = "ecdsa"
	KeyEd25519 = "ed25519"
)

// Network driver names.
const (
	DriverAuto     = "auto"
	DriverIfconfig = "ifconfig"
	DriverNetlink  = "netlink"
)

// InterfaceCandidate names an interface that may exist on this instance and the
// link-layer options it is brought up with.
type InterfaceCandidate struct {
	Name string   `yaml:"name"`
	Args []string `yaml:"args,omitempty"`
}

// HostKey is one SSH host identity key at a fixed path.
type HostKey struct {
	Algorithm string `yaml:"algorithm"`
	Path      string `yaml:"path"`
	Bits      int    `yaml:"bits,omitempty"`
}

// Workspace describes the volatile scratch area.
type Workspace struct {
	MountPoint string `yaml:"mount_point"`
	Size       string `yaml:"size"`
	ScratchDir string `yaml:"scratch_dir"`
	Path       string `yaml:"path"`
}

// Network lists the interfaces tried at boot and how they are configured.
type Network struct {
	Driver          string               `yaml:"driver"`
	Namespace       string               `yaml:"namespace,omitempty"`
	Candidates      []InterfaceCandidate `yaml:"candidates"`
	LeaseCommand    string               `yaml:"lease_command"`
	Loopback        string               `yaml:"loopback"`
	LoopbackAddress string               `yaml:"loopback_address"`
}

// SSH configures host key provisioning and the remote access daemon.
type SSH struct {
	Keys       []HostKey `yaml:"keys"`
	Daemon     string    `yaml:"daemon"`
	DaemonArgs []string  `yaml:"daemon_args,omitempty"`
}

// Session is the final handoff target and its fallback.
type Session struct {
	Login     string   `yaml:"login"`
	LoginArgs []string `yaml:"login_args"`
	Shell     string   `yaml:"shell"`
}

// Config captures every fixed location and name used during boot.
type Config struct {
	SysctlFile     string    `yaml:"sysctl_file"`
	RandomDevice   string    `yaml:"random_device"`
	EntropySources []string  `yaml:"entropy_sources"`
	Workspace      Workspace `yaml:"workspace"`
	Network        Network   `yaml:"network"`
	SSH            SSH       `yaml:"ssh"`
	LocalHook      string    `yaml:"local_hook"`
	HookShell      string    `yaml:"hook_shell"`
	Session        Session   `yaml:"session"`
}

// Default returns the configuration of a stock guest image.
func Default() Config {
	return Config{
		SysctlFile:   "/etc/sysctl.conf",
		RandomDevice: "/dev/random",
		EntropySources: []string{
			"/boot/entropy",
			"/entropy",
			"/var/db/entropy/*",
		},
		Workspace: Workspace{
			MountPoint: "/tmp",
			Size:       "500m",
			ScratchDir: "/tmp/benchmark-output",
			Path:       "/sbin:/bin:/usr/sbin:/usr/bin:/usr/local/sbin:/usr/local/bin",
		},
		Network: Network{
			Driver: DriverAuto,
			Candidates: []InterfaceCandidate{
				{Name: "atse0", Args: []string{"polling"}},
				{Name: "le0"},
				{Name: "vtnet0"},
			},
			LeaseCommand:    "dhclient",
			Loopback:        defaultLoopback(),
			LoopbackAddress: "127.0.0.1",
		},
		SSH: SSH{
			Keys: []HostKey{
				{Algorithm: KeyRSA, Path: "/etc/ssh/ssh_host_rsa_key", Bits: 3072},
				{Algorithm: KeyECDSA, Path: "/etc/ssh/ssh_host_ecdsa_key"},
				{Algorithm: KeyEd25519, Path: "/etc/ssh/ssh_host_ed25519_key"},
			},
			Daemon: "/usr/sbin/sshd",
		},
		LocalHook: "/etc/rc.local",
		HookShell: "/bin/sh",
		Session: Session{
			Login:     "/usr/bin/login",
			LoginArgs: []string{"-f", "root"},
			Shell:     "/bin/sh",
		},
	}
}

func defaultLoopback() string {
	if runtime.GOOS == "linux" {
		return "lo"
	}
	return "lo0"
}

// Load returns the defaults overridden by the YAML file at path. A missing file
// is not an error.
func Load(path string) (Config, error) {
	cfg := Default()
	path = strings.TrimSpace(path)
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			getLogger().Debug("no configuration overrides", "path", path)
			return cfg, nil
		}
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("decode config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("config %s: %w", path, err)
	}
	getLogger().Info("loaded configuration overrides", "path", path)
	return cfg, nil
}

// Validate reports the first value that would make a boot step meaningless.
func (c Config) Validate() error {
	if _, err := c.WorkspaceBytes(); err != nil {
		return err
	}
	if strings.TrimSpace(c.Workspace.MountPoint) == "" {
		return errors.New("workspace mount point is required")
	}
	for i, candidate := range c.Network.Candidates {
		if strings.TrimSpace(candidate.Name) == "" {
			return fmt.Errorf("network candidate %d has no name", i)
		}
	}
	switch c.Network.Driver {
	case "", DriverAuto, DriverIfconfig, DriverNetlink:
	default:
		return fmt.Errorf("unknown network driver %q", c.Network.Driver)
	}
	if strings.TrimSpace(c.Network.LeaseCommand) == "" {
		return errors.New("lease command is required")
	}
	for _, key := range c.SSH.Keys {
		switch key.Algorithm {
		case KeyRSA, KeyECDSA, KeyEd25519:
		default:
			return fmt.Errorf("unsupported host key algorithm %q", key.Algorithm)
		}
		if strings.TrimSpace(key.Path) == "" {
			return fmt.Errorf("%s host key has no path", key.Algorithm)
		}
	}
	if strings.TrimSpace(c.Session.Shell) == "" {
		return errors.New("fallback shell is required")
	}
	return nil
}

// WorkspaceBytes parses the workspace capacity ("500m", "1GiB", ...). A bare
// k/m/g/t suffix is binary, as in tmpfs(5) size options.
func (c Config) WorkspaceBytes() (uint64, error) {
	size := strings.TrimSpace(c.Workspace.Size)
	if size == "" {
		return 0, errors.New("workspace size is required")
	}
	n, err := humanize.ParseBytes(tmpfsUnits(size))
	if err != nil {
		return 0, fmt.Errorf("workspace size %q: %w", size, err)
	}
	if n == 0 {
		return 0, fmt.Errorf("workspace size %q must be positive", size)
	}
	return n, nil
}

// Verify checks that the files the sequence depends on are in place. It does not
// fail the boot; it backs the `check` style diagnostics of the CLI.
func Verify(cfg Config) []error {
	var problems []error
	for _, file := range []string{cfg.SysctlFile, cfg.HookShell, cfg.Session.Shell} {
		if file == "" {
			continue
		}
		if _, err := os.Stat(file); err != nil {
			problems = append(problems, fmt.Errorf("file %s does not exist", file))
		}
	}
	return problems
}

func tmpfsUnits(size string) string {
	if len(size) < 2 || !strings.ContainsAny(size[len(size)-2:len(size)-1], "0123456789 ") {
		return size
	}
	switch size[len(size)-1] {
	case 'k', 'K', 'm', 'M', 'g', 'G', 't', 'T':
		return size + "iB"
	}
	return size
}

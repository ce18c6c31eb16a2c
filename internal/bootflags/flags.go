// Package bootflags reads the presence-only markers a launcher sets before the
// guest boots.
package bootflags

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"
)

// Flag names understood by the boot sequence.
const (
	SkipEntropy = "cheribuild.skip_entropy"
	SkipSSHD    = "cheribuild.skip_sshd"
)

// Source looks a flag up in one launcher-provided environment. An empty value
// with a nil error means the flag is absent.
type Source interface {
	Lookup(name string) (string, error)
}

// Snapshot is the set of flags captured once at process start.
type Snapshot struct {
	SkipEntropy bool
	SkipSSHD    bool
}

// LogValue renders the snapshot as a log group.
func (s Snapshot) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Bool("skip_entropy", s.SkipEntropy),
		slog.Bool("skip_sshd", s.SkipSSHD),
	)
}

// Present reports whether the launcher set a non-empty value for name. Any
// value counts, including whitespace; only a trailing line ending is ignored.
// Lookup failures count as absence.
func Present(src Source, name string) bool {
	if src == nil || name == "" {
		return false
	}
	value, err := src.Lookup(name)
	if err != nil {
		return false
	}
	return strings.TrimRight(value, "\r\n") != ""
}

// Read captures the flags the boot sequence branches on.
func Read(src Source) Snapshot {
	return Snapshot{
		SkipEntropy: Present(src, SkipEntropy),
		SkipSSHD:    Present(src, SkipSSHD),
	}
}

// Chain consults each source in order and returns the first non-empty value.
// Errors from one source do not hide values in the next.
type Chain []Source

func (c Chain) Lookup(name string) (string, error) {
	var firstErr error
	for _, src := range c {
		value, err := src.Lookup(name)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if value != "" {
			return value, nil
		}
	}
	return "", firstErr
}

// EnvSource reads the process environment.
type EnvSource struct {
	LookupEnv func(string) (string, bool)
}

func (e EnvSource) Lookup(name string) (string, error) {
	lookup := e.LookupEnv
	if lookup == nil {
		lookup = os.LookupEnv
	}
	value, _ := lookup(name)
	return value, nil
}

// CmdlineSource reads name=value tokens from a kernel command line file. A bare
// token counts as the value "1".
type CmdlineSource struct {
	Path string
}

func (c CmdlineSource) Lookup(name string) (string, error) {
	path := c.Path
	if path == "" {
		path = "/proc/cmdline"
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", path, err)
	}
	return parseCmdline(data, name), nil
}

func parseCmdline(data []byte, name string) string {
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Split(bufio.ScanWords)
	value := ""
	for scanner.Scan() {
		token := scanner.Text()
		key, val, hasValue := strings.Cut(token, "=")
		if key != name {
			continue
		}
		if !hasValue {
			val = "1"
		}
		// later occurrences win, as with the kernel's own parsing
		value = strings.Trim(val, `"`)
	}
	return value
}

var kenvCommand = func(ctx context.Context, name string) ([]byte, error) {
	return exec.CommandContext(ctx, "kenv", "-q", name).Output()
}

// KenvSource reads the FreeBSD kernel environment through kenv(1).
type KenvSource struct {
	Timeout time.Duration
}

func (k KenvSource) Lookup(name string) (string, error) {
	timeout := k.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	out, err := kenvCommand(ctx, name)
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			// kenv -q exits non-zero for unset variables
			return "", nil
		}
		return "", fmt.Errorf("kenv %s: %w", name, err)
	}
	return strings.TrimRight(string(out), "\r\n"), nil
}

// Default is the lookup order used at boot: kernel environment, kernel command
// line, then the process environment.
func Default() Source {
	return Chain{
		KenvSource{},
		CmdlineSource{},
		EnvSource{},
	}
}

package system

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
)

var (
	// ErrMalformed marks a tunable file that cannot be parsed. Nothing from such a
	// file is applied.
	ErrMalformed = errors.New("malformed tunable file")
	// ErrApply marks an entry that parsed but could not be set.
	ErrApply = errors.New("tunable not applied")
)

// Tunable is one key=value entry of a sysctl.conf style file.
type Tunable struct {
	Key   string
	Value string
	Line  int
	// Optional entries were written with a leading '-'; failing to set them is
	// not reported.
	Optional bool
}

// ParseTunables reads sysctl.conf syntax: key=value per line, '#' and ';'
// comments, blank lines ignored.
func ParseTunables(r io.Reader) ([]Tunable, error) {
	var tunables []Tunable
	scanner := bufio.NewScanner(r)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") || strings.HasPrefix(text, ";") {
			continue
		}
		if idx := strings.Index(text, "#"); idx >= 0 {
			text = strings.TrimSpace(text[:idx])
		}

		key, value, ok := strings.Cut(text, "=")
		if !ok {
			return nil, fmt.Errorf("%w: line %d: missing '=' in %q", ErrMalformed, line, text)
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)

		optional := strings.HasPrefix(key, "-")
		key = strings.TrimPrefix(key, "-")
		if key == "" || strings.ContainsAny(key, " \t") {
			return nil, fmt.Errorf("%w: line %d: invalid key %q", ErrMalformed, line, key)
		}
		tunables = append(tunables, Tunable{
			Key:      key,
			Value:    strings.Trim(value, `"`),
			Line:     line,
			Optional: optional,
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return tunables, nil
}

// LoadTunables parses the file at path.
func LoadTunables(path string) ([]Tunable, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open tunables %s: %w", path, err)
	}
	defer f.Close()

	tunables, err := ParseTunables(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return tunables, nil
}

// ApplyTunables parses the whole file before setting any entry. It returns the
// number of entries set; entries that fail are reported wrapped in ErrApply and
// do not stop the rest.
func (h *Host) ApplyTunables(ctx context.Context, path string) (int, error) {
	tunables, err := LoadTunables(path)
	if err != nil {
		return 0, err
	}

	logger := h.logger().With("file", path)
	applied := 0
	var errs []error
	for _, tunable := range tunables {
		if err := ctx.Err(); err != nil {
			return applied, err
		}
		if err := h.setTunable(ctx, tunable); err != nil {
			if tunable.Optional {
				logger.Debug("optional tunable not applied", "key", tunable.Key, "error", err)
				continue
			}
			errs = append(errs, fmt.Errorf("%w: %s (line %d): %v", ErrApply, tunable.Key, tunable.Line, err))
			continue
		}
		applied++
		logger.Debug("applied tunable", "key", tunable.Key, "value", tunable.Value)
	}
	return applied, errors.Join(errs...)
}

// Package entropy feeds saved seed files into the kernel randomness device.
// Each seed is used at most once: it is removed after its bytes reach the device.
package entropy

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/dustin/go-humanize"
	"golang.org/x/sys/unix"

	"github.com/cochaviz/guestboot/internal/logging"
)

// ErrDeviceNotWritable means seeding was skipped because the randomness device
// cannot be written.
var ErrDeviceNotWritable = errors.New("randomness device not writable")

// Status describes what happened to one candidate.
type Status int

const (
	// Skipped candidates are missing, empty, not regular files or unreadable.
	// They are left untouched.
	Skipped Status = iota
	// Consumed candidates were written to the device and removed.
	Consumed
	// Failed candidates could not be written (file kept) or removed after a
	// successful write.
	Failed
)

func (s Status) String() string {
	switch s {
	case Skipped:
		return "skipped"
	case Consumed:
		return "consumed"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Result is the outcome for one candidate path.
type Result struct {
	Path   string
	Status Status
	Bytes  int
	Reason string
	Err    error
}

// Candidates expands patterns in order. A pattern containing glob
// metacharacters becomes its matches sorted lexicographically; other patterns
// are kept verbatim whether or not they exist.
func Candidates(patterns []string) []string {
	var paths []string
	for _, pattern := range patterns {
		if !strings.ContainsAny(pattern, "*?[") {
			paths = append(paths, pattern)
			continue
		}
		matches, err := filepath.Glob(pattern)
		if err != nil {
			continue
		}
		sort.Strings(matches)
		paths = append(paths, matches...)
	}
	return paths
}

// Seeder writes candidate files to Device.
type Seeder struct {
	Device string
	Logger *slog.Logger
}

// NewSeeder returns a seeder for device.
func NewSeeder(device string, logger *slog.Logger) *Seeder {
	return &Seeder{
		Device: device,
		Logger: logging.Ensure(logger).With("component", "entropy"),
	}
}

// Writable reports whether the device can be opened for writing.
func (s *Seeder) Writable() error {
	if err := unix.Access(s.Device, unix.W_OK); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrDeviceNotWritable, s.Device, err)
	}
	return nil
}

// Seed processes every candidate of patterns independently. When the device is
// not writable nothing is touched and ErrDeviceNotWritable is returned.
func (s *Seeder) Seed(patterns []string) ([]Result, error) {
	if err := s.Writable(); err != nil {
		return nil, err
	}

	paths := Candidates(patterns)
	results := make([]Result, 0, len(paths))
	for _, path := range paths {
		result := s.consume(path)
		logger := logging.Ensure(s.Logger).With("path", path)
		switch result.Status {
		case Consumed:
			logger.Info("consumed entropy source", "size", humanize.IBytes(uint64(result.Bytes)))
		case Skipped:
			logger.Debug("entropy source skipped", "reason", result.Reason)
		case Failed:
			logger.Warn("entropy source failed", "error", result.Err)
		}
		results = append(results, result)
	}
	return results, nil
}

func (s *Seeder) consume(path string) Result {
	result := Result{Path: path}

	info, err := os.Stat(path)
	if err != nil {
		result.Reason = "missing"
		if !errors.Is(err, fs.ErrNotExist) {
			result.Reason = err.Error()
		}
		return result
	}
	if !info.Mode().IsRegular() {
		result.Reason = "not a regular file"
		return result
	}
	if info.Size() == 0 {
		result.Reason = "empty"
		return result
	}

	data, err := os.ReadFile(path)
	if err != nil {
		result.Reason = "unreadable"
		return result
	}
	if len(data) == 0 {
		result.Reason = "empty"
		return result
	}

	if err := s.write(data); err != nil {
		result.Status = Failed
		result.Err = fmt.Errorf("write %s to %s: %w", path, s.Device, err)
		return result
	}
	result.Bytes = len(data)

	if err := os.Remove(path); err != nil {
		result.Status = Failed
		result.Err = fmt.Errorf("remove used seed %s: %w", path, err)
		return result
	}
	result.Status = Consumed
	return result
}

func (s *Seeder) write(data []byte) error {
	device, err := os.OpenFile(s.Device, os.O_WRONLY|os.O_APPEND, 0)
	if err != nil {
		return err
	}
	if _, err := device.Write(data); err != nil {
		device.Close()
		return err
	}
	return device.Close()
}

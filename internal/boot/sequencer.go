// Package boot runs the guest boot procedure as an ordered table of steps.
//
// Every step reports a typed Outcome. A fatal outcome marks the boot as broken
// but never stops the sequence; the final step hands the console to a login
// session and does not return until that session and its fallback shell exit.
package boot

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	"github.com/cochaviz/guestboot/internal/bootflags"
	"github.com/cochaviz/guestboot/internal/entropy"
	"github.com/cochaviz/guestboot/internal/hostkeys"
	"github.com/cochaviz/guestboot/internal/logging"
	"github.com/cochaviz/guestboot/internal/netif"
	"github.com/cochaviz/guestboot/internal/setup"
	"github.com/cochaviz/guestboot/internal/system"
)

// Step names in execution order.
const (
	StepTunables   = "tunables"
	StepRemount    = "remount-root"
	StepEntropy    = "entropy"
	StepWorkspace  = "workspace"
	StepNetwork    = "network"
	StepLoopback   = "loopback"
	StepScratchDir = "scratch-dir"
	StepSSH        = "sshd"
	StepLocalHook  = "local-hook"
	StepHandoff    = "handoff"
)

// ScratchDirMode is applied to the scratch directory regardless of umask.
const ScratchDirMode fs.FileMode = 0o777

// System applies host side effects.
type System interface {
	ApplyTunables(ctx context.Context, path string) (int, error)
	RemountRootRW(ctx context.Context) error
	MountTmpfs(ctx context.Context, dir, size string) error
	Export(key, value string) error
	MakeDir(path string, mode fs.FileMode) error
	StartDaemon(ctx context.Context, path string, args ...string) error
	RunHook(ctx context.Context, shell, path string) (bool, error)
	Handoff(ctx context.Context, session setup.Session) error
}

// Seeder consumes entropy seed files.
type Seeder interface {
	Seed(patterns []string) ([]entropy.Result, error)
}

// Network configures candidate interfaces and loopback.
type Network interface {
	ConfigureAll(ctx context.Context, candidates []setup.InterfaceCandidate) []netif.Result
	ConfigureLoopback(ctx context.Context, name, address string) error
}

// KeyProvisioner creates missing SSH host keys.
type KeyProvisioner interface {
	Provision(keys []setup.HostKey) []hostkeys.Result
}

// Step is one entry of the boot procedure.
type Step struct {
	Name        string
	Description string

	run func(ctx context.Context, logger *slog.Logger) Outcome
}

// Selection restricts which steps run. Steps left out report Skipped.
type Selection struct {
	Only []string
	Skip []string
}

// Validate rejects names that are not steps.
func (s Selection) Validate() error {
	var unknown []string
	for _, name := range append(slices.Clone(s.Only), s.Skip...) {
		if !slices.Contains(StepNames(), name) {
			unknown = append(unknown, name)
		}
	}
	if len(unknown) > 0 {
		return fmt.Errorf("unknown steps %s (valid: %s)", strings.Join(unknown, ", "), strings.Join(StepNames(), ", "))
	}
	return nil
}

func (s Selection) includes(name string) bool {
	if len(s.Only) > 0 && !slices.Contains(s.Only, name) {
		return false
	}
	return !slices.Contains(s.Skip, name)
}

// Sequencer holds everything a boot needs. Flags are read once by the caller
// and never consulted from the environment again.
type Sequencer struct {
	Config    setup.Config
	Flags     bootflags.Snapshot
	System    System
	Entropy   Seeder
	Network   Network
	Keys      KeyProvisioner
	Selection Selection
	Logger    *slog.Logger

	now func() time.Time
}

// New returns a sequencer with every dependency set.
func New(cfg setup.Config, flags bootflags.Snapshot, sys System, seeder Seeder, network Network, keys KeyProvisioner, logger *slog.Logger) *Sequencer {
	return &Sequencer{
		Config:  cfg,
		Flags:   flags,
		System:  sys,
		Entropy: seeder,
		Network: network,
		Keys:    keys,
		Logger:  logging.Ensure(logger).With("component", "boot"),
		now:     time.Now,
	}
}

// StepNames lists every step in execution order.
func StepNames() []string {
	return []string{
		StepTunables,
		StepRemount,
		StepEntropy,
		StepWorkspace,
		StepNetwork,
		StepLoopback,
		StepScratchDir,
		StepSSH,
		StepLocalHook,
		StepHandoff,
	}
}

// Plan returns the step table in execution order.
func (s *Sequencer) Plan() []Step {
	cfg := s.Config
	return []Step{
		{StepTunables, "apply kernel tunables from " + cfg.SysctlFile, s.applyTunables},
		{StepRemount, "remount / read-write", s.remountRoot},
		{StepEntropy, "seed " + cfg.RandomDevice + " from saved entropy", s.seedEntropy},
		{StepWorkspace, fmt.Sprintf("mount %s tmpfs on %s and export PATH", cfg.Workspace.Size, cfg.Workspace.MountPoint), s.mountWorkspace},
		{StepNetwork, "configure present interfaces among " + candidateNames(cfg.Network.Candidates), s.bringUpNetwork},
		{StepLoopback, fmt.Sprintf("assign %s to %s", cfg.Network.LoopbackAddress, cfg.Network.Loopback), s.configureLoopback},
		{StepScratchDir, fmt.Sprintf("create %s mode %04o", cfg.Workspace.ScratchDir, ScratchDirMode), s.makeScratchDir},
		{StepSSH, "provision host keys and start " + cfg.SSH.Daemon, s.startSSH},
		{StepLocalHook, "source " + cfg.LocalHook + " if present", s.runLocalHook},
		{StepHandoff, "hand the console to " + system.CommandLine(cfg.Session.Login, cfg.Session.LoginArgs...) + ", then " + cfg.Session.Shell, nil},
	}
}

// Run executes the selected steps in order and finally the handoff, if
// selected. Once ctx is cancelled the remaining steps are skipped but the
// handoff still runs. The returned error is the handoff's, or ctx's; step
// failures are only recorded in the report.
func (s *Sequencer) Run(ctx context.Context) (*Report, error) {
	if err := s.Selection.Validate(); err != nil {
		return nil, err
	}
	now := s.now
	if now == nil {
		now = time.Now
	}
	logger := logging.Ensure(s.Logger)

	report := &Report{
		BootID:  uuid.New(),
		Flags:   s.Flags,
		Started: now(),
	}
	logger = logger.With("boot", report.BootID.String())
	logger.Info("boot sequence starting", "flags", s.Flags)

	var handoffErr error
	for _, step := range s.Plan() {
		stepLogger := logger.With(logging.StepKey, step.Name)

		if ctx.Err() != nil && step.Name != StepHandoff {
			report.Outcomes = append(report.Outcomes, Outcome{Step: step.Name, Status: Skipped, Detail: "interrupted"})
			stepLogger.Warn("step not run, boot interrupted")
			continue
		}
		if !s.Selection.includes(step.Name) {
			report.Outcomes = append(report.Outcomes, Outcome{Step: step.Name, Status: Skipped, Detail: "not selected"})
			stepLogger.Debug("step not selected")
			continue
		}

		started := now()
		var outcome Outcome
		if step.Name == StepHandoff {
			report.Finished = started
			s.summarize(logger, report)
			outcome, handoffErr = s.handoff(ctx, stepLogger)
		} else {
			outcome = step.run(ctx, stepLogger)
		}
		outcome.Step = step.Name
		outcome.Duration = now().Sub(started)
		report.Outcomes = append(report.Outcomes, outcome)
		logOutcome(stepLogger, outcome)
	}

	report.Finished = now()
	if !s.Selection.includes(StepHandoff) {
		s.summarize(logger, report)
	}
	if handoffErr != nil {
		return report, handoffErr
	}
	return report, ctx.Err()
}

func (s *Sequencer) summarize(logger *slog.Logger, report *Report) {
	attrs := []any{
		"succeeded", report.Count(Success),
		"skipped", report.Count(Skipped),
		"recoverable", report.Count(Recoverable),
		"fatal", report.Count(Fatal),
		"elapsed", report.Finished.Sub(report.Started).Round(time.Millisecond),
	}
	if report.Broken() {
		logger.Error("boot sequence finished with fatal failures", attrs...)
		return
	}
	logger.Info("boot sequence finished", attrs...)
}

func logOutcome(logger *slog.Logger, outcome Outcome) {
	attrs := []any{"status", outcome.Status.String()}
	if outcome.Detail != "" {
		attrs = append(attrs, "detail", outcome.Detail)
	}
	if outcome.Err != nil {
		attrs = append(attrs, "error", outcome.Err)
	}
	switch outcome.Status {
	case Fatal:
		logger.Error("step failed", attrs...)
	case Recoverable:
		logger.Warn("step partially failed", attrs...)
	default:
		logger.Info("step done", attrs...)
	}
}

func (s *Sequencer) applyTunables(ctx context.Context, _ *slog.Logger) Outcome {
	applied, err := s.System.ApplyTunables(ctx, s.Config.SysctlFile)
	detail := fmt.Sprintf("%d applied", applied)
	switch {
	case err == nil:
		return Outcome{Status: Success, Detail: detail}
	case errors.Is(err, system.ErrApply):
		return Outcome{Status: Recoverable, Detail: detail, Err: err}
	default:
		return Outcome{Status: Fatal, Detail: detail, Err: err}
	}
}

func (s *Sequencer) remountRoot(ctx context.Context, _ *slog.Logger) Outcome {
	if err := s.System.RemountRootRW(ctx); err != nil {
		return Outcome{Status: Fatal, Err: err}
	}
	return Outcome{Status: Success}
}

func (s *Sequencer) seedEntropy(_ context.Context, logger *slog.Logger) Outcome {
	if s.Flags.SkipEntropy {
		return Outcome{Status: Skipped, Detail: "disabled by " + bootflags.SkipEntropy}
	}
	results, err := s.Entropy.Seed(s.Config.EntropySources)
	if err != nil {
		if errors.Is(err, entropy.ErrDeviceNotWritable) {
			logger.Warn("not seeding entropy", "error", err)
			return Outcome{Status: Skipped, Detail: "device not writable", Err: err}
		}
		return Outcome{Status: Recoverable, Err: err}
	}

	var consumed, failed int
	var bytes uint64
	var errs []error
	for _, result := range results {
		switch result.Status {
		case entropy.Consumed:
			consumed++
			bytes += uint64(result.Bytes)
		case entropy.Failed:
			failed++
			errs = append(errs, result.Err)
		}
	}
	detail := fmt.Sprintf("%d of %d sources consumed (%s)", consumed, len(results), humanize.IBytes(bytes))
	switch {
	case failed > 0:
		return Outcome{Status: Recoverable, Detail: detail, Err: errors.Join(errs...)}
	case consumed > 0:
		return Outcome{Status: Success, Detail: detail}
	default:
		return Outcome{Status: Skipped, Detail: "no usable entropy sources"}
	}
}

func (s *Sequencer) mountWorkspace(ctx context.Context, _ *slog.Logger) Outcome {
	workspace := s.Config.Workspace
	size, err := s.Config.WorkspaceBytes()
	if err != nil {
		if exportErr := s.System.Export("PATH", workspace.Path); exportErr != nil {
			err = errors.Join(err, exportErr)
		}
		return Outcome{Status: Fatal, Err: err}
	}
	// PATH is exported even without the mount; later steps depend on it
	mountErr := s.System.MountTmpfs(ctx, workspace.MountPoint, workspace.Size)
	exportErr := s.System.Export("PATH", workspace.Path)
	if err := errors.Join(mountErr, exportErr); err != nil {
		return Outcome{Status: Fatal, Err: err}
	}
	return Outcome{Status: Success, Detail: fmt.Sprintf("%s tmpfs on %s", humanize.IBytes(size), workspace.MountPoint)}
}

func (s *Sequencer) bringUpNetwork(ctx context.Context, _ *slog.Logger) Outcome {
	results := s.Network.ConfigureAll(ctx, s.Config.Network.Candidates)

	var configured []string
	var errs []error
	for _, result := range results {
		switch result.Outcome {
		case netif.Configured:
			configured = append(configured, result.Name)
		case netif.Failed:
			errs = append(errs, result.Err)
		}
	}
	switch {
	case len(errs) > 0:
		return Outcome{Status: Recoverable, Detail: "configured: " + strings.Join(configured, ","), Err: errors.Join(errs...)}
	case len(configured) > 0:
		return Outcome{Status: Success, Detail: "configured: " + strings.Join(configured, ",")}
	default:
		return Outcome{Status: Skipped, Detail: "no candidate interface present"}
	}
}

func (s *Sequencer) configureLoopback(ctx context.Context, _ *slog.Logger) Outcome {
	network := s.Config.Network
	if err := s.Network.ConfigureLoopback(ctx, network.Loopback, network.LoopbackAddress); err != nil {
		return Outcome{Status: Fatal, Err: err}
	}
	return Outcome{Status: Success}
}

func (s *Sequencer) makeScratchDir(_ context.Context, _ *slog.Logger) Outcome {
	if err := s.System.MakeDir(s.Config.Workspace.ScratchDir, ScratchDirMode); err != nil {
		return Outcome{Status: Fatal, Err: err}
	}
	return Outcome{Status: Success}
}

func (s *Sequencer) startSSH(ctx context.Context, _ *slog.Logger) Outcome {
	if s.Flags.SkipSSHD {
		return Outcome{Status: Skipped, Detail: "disabled by " + bootflags.SkipSSHD}
	}
	ssh := s.Config.SSH

	var generated, present int
	var errs []error
	for _, result := range s.Keys.Provision(ssh.Keys) {
		switch result.Status {
		case hostkeys.Generated:
			generated++
		case hostkeys.Exists:
			present++
		case hostkeys.Failed:
			errs = append(errs, fmt.Errorf("%s key: %w", result.Algorithm, result.Err))
		}
	}
	detail := fmt.Sprintf("%d keys generated, %d present", generated, present)

	if err := s.System.StartDaemon(ctx, ssh.Daemon, ssh.DaemonArgs...); err != nil {
		errs = append(errs, err)
		return Outcome{Status: Fatal, Detail: detail, Err: errors.Join(errs...)}
	}
	if len(errs) > 0 {
		return Outcome{Status: Recoverable, Detail: detail, Err: errors.Join(errs...)}
	}
	return Outcome{Status: Success, Detail: detail}
}

func (s *Sequencer) runLocalHook(ctx context.Context, _ *slog.Logger) Outcome {
	ran, err := s.System.RunHook(ctx, s.Config.HookShell, s.Config.LocalHook)
	switch {
	case err != nil:
		return Outcome{Status: Recoverable, Err: err}
	case !ran:
		return Outcome{Status: Skipped, Detail: s.Config.LocalHook + " not present"}
	default:
		return Outcome{Status: Success}
	}
}

func (s *Sequencer) handoff(ctx context.Context, logger *slog.Logger) (Outcome, error) {
	logger.Info("handing off console")
	if err := s.System.Handoff(ctx, s.Config.Session); err != nil {
		return Outcome{Status: Fatal, Err: err}, err
	}
	return Outcome{Status: Success, Detail: "session ended"}, nil
}

func candidateNames(candidates []setup.InterfaceCandidate) string {
	names := make([]string, 0, len(candidates))
	for _, candidate := range candidates {
		names = append(names, candidate.Name)
	}
	return strings.Join(names, ", ")
}

package simple

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/cochaviz/guestboot/internal/boot"
	"github.com/cochaviz/guestboot/internal/bootflags"
	"github.com/cochaviz/guestboot/internal/entropy"
	"github.com/cochaviz/guestboot/internal/hostkeys"
	"github.com/cochaviz/guestboot/internal/logging"
	"github.com/cochaviz/guestboot/internal/netif"
	"github.com/cochaviz/guestboot/internal/setup"
	"github.com/cochaviz/guestboot/internal/system"
)

var DefaultConfigPath = setup.DefaultConfigPath

// flagSource is where the boot flag snapshot is read from.
var flagSource = bootflags.Default

// LoadConfig returns the configuration at path layered over the defaults.
func LoadConfig(path string) (setup.Config, error) {
	return setup.Load(path)
}

// Flags reads the boot flags once from the launch environment.
func Flags() bootflags.Snapshot {
	return bootflags.Read(flagSource())
}

// Plan lists the boot steps for cfg without running anything.
func Plan(cfg setup.Config) []boot.Step {
	return boot.New(cfg, bootflags.Snapshot{}, nil, nil, nil, nil, logging.Discard()).Plan()
}

// Boot runs the full boot sequence for cfg. The returned error is the handoff's
// (or a setup error); step failures are recorded in the report.
func Boot(ctx context.Context, cfg setup.Config, selection boot.Selection, logger *slog.Logger) (*boot.Report, error) {
	logger = logging.Ensure(logger)
	flags := Flags()

	runner := system.NewExecRunner(logger.With("component", "runner"))
	host := system.NewHost(runner, logger)

	configurator, closeDriver, err := newConfigurator(cfg, runner, logger)
	if err != nil {
		return nil, err
	}
	defer closeDriver()

	sequencer := boot.New(
		cfg,
		flags,
		host,
		entropy.NewSeeder(cfg.RandomDevice, logger),
		configurator,
		hostkeys.New(logger),
		logger,
	)
	sequencer.Selection = selection
	return sequencer.Run(ctx)
}

// ConfigureInterfaces configures the named interfaces, or every configured candidate when
// names is empty, as the network step would.
func ConfigureInterfaces(ctx context.Context, cfg setup.Config, names []string, logger *slog.Logger) ([]netif.Result, error) {
	logger = logging.Ensure(logger)
	runner := system.NewExecRunner(logger.With("component", "runner"))

	configurator, closeDriver, err := newConfigurator(cfg, runner, logger)
	if err != nil {
		return nil, err
	}
	defer closeDriver()

	candidates := cfg.Network.Candidates
	if len(names) > 0 {
		candidates = selectCandidates(cfg.Network.Candidates, names)
	}
	return configurator.ConfigureAll(ctx, candidates), nil
}

// ProvisionKeys generates any missing host key of cfg.
func ProvisionKeys(cfg setup.Config, logger *slog.Logger) []hostkeys.Result {
	return hostkeys.New(logger).Provision(cfg.SSH.Keys)
}

// Seed feeds cfg's entropy sources to its randomness device.
func Seed(cfg setup.Config, logger *slog.Logger) ([]entropy.Result, error) {
	return entropy.NewSeeder(cfg.RandomDevice, logger).Seed(cfg.EntropySources)
}

// Check reports configured files that are missing on this instance.
func Check(cfg setup.Config) []error {
	return setup.Verify(cfg)
}

func newConfigurator(cfg setup.Config, runner system.Runner, logger *slog.Logger) (*netif.Configurator, func() error, error) {
	driver, closeDriver, err := netif.NewDriver(cfg.Network.Driver, cfg.Network.Namespace, runner, logger.With("component", "netif"))
	if err != nil {
		return nil, nil, fmt.Errorf("network driver: %w", err)
	}
	leaser, err := netif.NewCommandLeaser(runner, cfg.Network.LeaseCommand)
	if err != nil {
		closeDriver()
		return nil, nil, err
	}
	return netif.New(driver, leaser, logger), closeDriver, nil
}

// selectCandidates keeps the configured options of known interfaces and tries
// unknown names without options.
func selectCandidates(configured []setup.InterfaceCandidate, names []string) []setup.InterfaceCandidate {
	selected := make([]setup.InterfaceCandidate, 0, len(names))
	for _, name := range names {
		candidate := setup.InterfaceCandidate{Name: name}
		for _, known := range configured {
			if known.Name == name {
				candidate = known
				break
			}
		}
		selected = append(selected, candidate)
	}
	return selected
}

// Package netif brings up whichever candidate network interface exists on
// this instance.
package netif

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/cochaviz/guestboot/internal/logging"
	"github.com/cochaviz/guestboot/internal/setup"
)

// ErrNotPresent is returned when an interface that must exist (loopback) does not.
var ErrNotPresent = errors.New("interface not present")

// Outcome is the result of probing one candidate.
type Outcome int

const (
	// Skipped means the interface does not exist here; this is the common case.
	Skipped Outcome = iota
	// Configured means the interface was brought up and leased an address.
	Configured
	// Failed means the interface exists but configuration or leasing failed.
	Failed
)

func (o Outcome) String() string {
	switch o {
	case Skipped:
		return "skipped"
	case Configured:
		return "configured"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Lister reports the interfaces currently known to the instance.
type Lister interface {
	Interfaces(ctx context.Context) ([]string, error)
}

// Configurer changes interface state.
type Configurer interface {
	// Configure brings the interface administratively up with the given
	// link-layer options.
	Configure(ctx context.Context, name string, args []string) error
	// Assign gives the interface a static address and brings it up.
	Assign(ctx context.Context, name, address string) error
}

// Leaser requests a dynamic address for an interface.
type Leaser interface {
	Request(ctx context.Context, name string) error
}

// Driver lists and configures interfaces.
type Driver interface {
	Lister
	Configurer
}

// Result is the outcome for one candidate of ConfigureAll.
type Result struct {
	Name    string
	Outcome Outcome
	Err     error
}

// Configurator configures interfaces only when they exist.
type Configurator struct {
	lister     Lister
	configurer Configurer
	leaser     Leaser
	logger     *slog.Logger
}

// New returns a Configurator using the given driver for listing and configuration.
func New(driver Driver, leaser Leaser, logger *slog.Logger) *Configurator {
	return &Configurator{
		lister:     driver,
		configurer: driver,
		leaser:     leaser,
		logger:     logging.Ensure(logger).With("component", "netif"),
	}
}

// ConfigureIfPresent configures and leases name if it exists. Absent interfaces
// are Skipped without any configuration attempt.
func (c *Configurator) ConfigureIfPresent(ctx context.Context, name string, args ...string) (Outcome, error) {
	logger := c.logger.With("iface", name)

	present, err := c.present(ctx, name)
	if err != nil {
		return Failed, err
	}
	if !present {
		logger.Info("interface not present")
		return Skipped, nil
	}

	logger.Info("configuring interface", "args", args)
	if err := c.configurer.Configure(ctx, name, args); err != nil {
		return Failed, fmt.Errorf("configure %s: %w", name, err)
	}
	if err := c.leaser.Request(ctx, name); err != nil {
		return Failed, fmt.Errorf("lease address on %s: %w", name, err)
	}
	logger.Info("interface configured")
	return Configured, nil
}

// ConfigureAll runs ConfigureIfPresent for every candidate in order. It does not stop
// after the first configured interface.
func (c *Configurator) ConfigureAll(ctx context.Context, candidates []setup.InterfaceCandidate) []Result {
	results := make([]Result, 0, len(candidates))
	for _, candidate := range candidates {
		outcome, err := c.ConfigureIfPresent(ctx, candidate.Name, candidate.Args...)
		if err != nil {
			c.logger.Warn("interface configuration failed", "iface", candidate.Name, "error", err)
		}
		results = append(results, Result{Name: candidate.Name, Outcome: outcome, Err: err})
	}
	return results
}

// ConfigureLoopback assigns address to the loopback interface.
func (c *Configurator) ConfigureLoopback(ctx context.Context, name, address string) error {
	present, err := c.present(ctx, name)
	if err != nil {
		return err
	}
	if !present {
		return fmt.Errorf("%w: %s", ErrNotPresent, name)
	}
	if err := c.configurer.Assign(ctx, name, address); err != nil {
		return fmt.Errorf("configure %s: %w", name, err)
	}
	c.logger.Info("loopback configured", "iface", name, "address", address)
	return nil
}

func (c *Configurator) present(ctx context.Context, name string) (bool, error) {
	names, err := c.lister.Interfaces(ctx)
	if err != nil {
		return false, fmt.Errorf("list interfaces: %w", err)
	}
	return slices.Contains(names, name), nil
}

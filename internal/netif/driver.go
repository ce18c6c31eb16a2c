package netif

import (
	"fmt"
	"log/slog"
	"runtime"

	"github.com/cochaviz/guestboot/internal/setup"
)

// NewDriver returns the driver named by kind. "auto" selects netlink on Linux
// and ifconfig everywhere else. The returned close function releases any
// netlink handle.
func NewDriver(kind, namespace string, runner CommandRunner, logger *slog.Logger) (Driver, func() error, error) {
	if kind == "" || kind == setup.DriverAuto {
		kind = setup.DriverIfconfig
		if runtime.GOOS == "linux" {
			kind = setup.DriverNetlink
		}
	}

	switch kind {
	case setup.DriverIfconfig:
		return &IfconfigDriver{Runner: runner}, func() error { return nil }, nil
	case setup.DriverNetlink:
		driver, err := NewNetlinkDriver(namespace, logger)
		if err != nil {
			return nil, nil, err
		}
		return driver, driver.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown network driver %q", kind)
	}
}

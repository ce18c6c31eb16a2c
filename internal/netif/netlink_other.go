//go:build !linux

package netif

import (
	"context"
	"errors"
	"log/slog"
)

var errNetlinkUnsupported = errors.New("netlink driver requires linux")

// NetlinkDriver is unavailable outside Linux.
type NetlinkDriver struct{}

// NewNetlinkDriver always fails outside Linux.
func NewNetlinkDriver(string, *slog.Logger) (*NetlinkDriver, error) {
	return nil, errNetlinkUnsupported
}

func (*NetlinkDriver) Interfaces(context.Context) ([]string, error) {
	return nil, errNetlinkUnsupported
}

func (*NetlinkDriver) Configure(context.Context, string, []string) error {
	return errNetlinkUnsupported
}

func (*NetlinkDriver) Assign(context.Context, string, string) error {
	return errNetlinkUnsupported
}

func (*NetlinkDriver) Close() error { return nil }

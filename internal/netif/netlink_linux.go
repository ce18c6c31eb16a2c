//go:build linux

package netif

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"

	"github.com/vishvananda/netlink"
	"github.com/vishvananda/netns"

	"github.com/cochaviz/guestboot/internal/logging"
)

// NetlinkDriver drives interfaces over rtnetlink in one network namespace.
type NetlinkDriver struct {
	handle *netlink.Handle
	ns     netns.NsHandle
	logger *slog.Logger
}

// NewNetlinkDriver opens a netlink handle in the named namespace, or in the
// current one when namespace is empty.
func NewNetlinkDriver(namespace string, logger *slog.Logger) (*NetlinkDriver, error) {
	var (
		ns  netns.NsHandle
		err error
	)
	if namespace == "" {
		ns, err = netns.Get()
	} else {
		ns, err = netns.GetFromName(namespace)
	}
	if err != nil {
		return nil, fmt.Errorf("get netns %q: %w", namespace, err)
	}
	handle, err := netlink.NewHandleAt(ns)
	if err != nil {
		_ = ns.Close()
		return nil, fmt.Errorf("handle for netns %q: %w", namespace, err)
	}
	return &NetlinkDriver{
		handle: handle,
		ns:     ns,
		logger: logging.Ensure(logger).With("driver", "netlink"),
	}, nil
}

func (d *NetlinkDriver) Interfaces(_ context.Context) ([]string, error) {
	links, err := d.handle.LinkList()
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(links))
	for _, link := range links {
		names = append(names, link.Attrs().Name)
	}
	return names, nil
}

func (d *NetlinkDriver) Configure(_ context.Context, name string, args []string) error {
	link, err := d.handle.LinkByName(name)
	if err != nil {
		return fmt.Errorf("lookup %s: %w", name, err)
	}
	if err := d.applyOptions(link, args); err != nil {
		return err
	}
	if err := d.handle.LinkSetUp(link); err != nil {
		return fmt.Errorf("bring %s up: %w", name, err)
	}
	return nil
}

func (d *NetlinkDriver) applyOptions(link netlink.Link, args []string) error {
	name := link.Attrs().Name
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "up":
		case "mtu":
			if i+1 >= len(args) {
				return fmt.Errorf("%s: mtu needs a value", name)
			}
			mtu, err := strconv.Atoi(args[i+1])
			if err != nil {
				return fmt.Errorf("%s: mtu %q: %w", name, args[i+1], err)
			}
			i++
			if err := d.handle.LinkSetMTU(link, mtu); err != nil {
				return fmt.Errorf("set mtu on %s: %w", name, err)
			}
		case "promisc":
			if err := d.handle.SetPromiscOn(link); err != nil {
				return fmt.Errorf("set promisc on %s: %w", name, err)
			}
		case "-promisc":
			if err := d.handle.SetPromiscOff(link); err != nil {
				return fmt.Errorf("clear promisc on %s: %w", name, err)
			}
		default:
			d.logger.Debug("option has no netlink equivalent", "iface", name, "option", args[i])
		}
	}
	return nil
}

func (d *NetlinkDriver) Assign(_ context.Context, name, address string) error {
	link, err := d.handle.LinkByName(name)
	if err != nil {
		return fmt.Errorf("lookup %s: %w", name, err)
	}
	addr, err := netlink.ParseAddr(withPrefix(address))
	if err != nil {
		return fmt.Errorf("parse address %q: %w", address, err)
	}
	if err := d.handle.AddrReplace(link, addr); err != nil {
		return fmt.Errorf("add %s to %s: %w", addr, name, err)
	}
	if err := d.handle.LinkSetUp(link); err != nil {
		return fmt.Errorf("bring %s up: %w", name, err)
	}
	return nil
}

// Close releases the netlink handle and namespace reference.
func (d *NetlinkDriver) Close() error {
	d.handle.Close()
	return d.ns.Close()
}

// withPrefix adds the conventional prefix length when address has none: /8 for
// IPv4 loopback, host routes otherwise.
func withPrefix(address string) string {
	if strings.Contains(address, "/") {
		return address
	}
	ip := net.ParseIP(address)
	switch {
	case ip == nil:
		return address
	case ip.To4() == nil:
		return address + "/128"
	case ip.IsLoopback():
		return address + "/8"
	default:
		return address + "/32"
	}
}

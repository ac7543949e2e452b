// Package netinfo discovers the address a listener is reachable on from
// other hosts, for display purposes only.
package netinfo

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"slices"
	"strings"

	gnet "github.com/shirou/gopsutil/v4/net"
)

// ErrNoAddress is returned when no usable interface address exists.
var ErrNoAddress = errors.New("netinfo: no non-loopback address found")

// InterfaceSource lists interfaces; tests swap it out.
type InterfaceSource func(ctx context.Context) (gnet.InterfaceStatList, error)

// Resolver finds display addresses for bound listeners.
type Resolver struct {
	source InterfaceSource
}

// NewResolver returns a resolver reading interfaces from the host.
func NewResolver() *Resolver {
	return &Resolver{source: gnet.InterfacesWithContext}
}

// NewResolverWithSource returns a resolver backed by source.
func NewResolverWithSource(source InterfaceSource) *Resolver {
	return &Resolver{source: source}
}

// Primary returns the first IPv4 address (falling back to IPv6) of an up,
// non-loopback interface.
func (r *Resolver) Primary(ctx context.Context) (netip.Addr, error) {
	addrs, err := r.Addresses(ctx)
	if err != nil {
		return netip.Addr{}, err
	}
	for _, a := range addrs {
		if a.Is4() {
			return a, nil
		}
	}
	return addrs[0], nil
}

// Addresses lists unicast addresses of up, non-loopback interfaces.
func (r *Resolver) Addresses(ctx context.Context) ([]netip.Addr, error) {
	ifaces, err := r.source(ctx)
	if err != nil {
		return nil, err
	}
	var out []netip.Addr
	for _, iface := range ifaces {
		if !slices.Contains(iface.Flags, "up") || slices.Contains(iface.Flags, "loopback") {
			continue
		}
		for _, a := range iface.Addrs {
			prefix, err := netip.ParsePrefix(a.Addr)
			var addr netip.Addr
			if err == nil {
				addr = prefix.Addr()
			} else if parsed, perr := netip.ParseAddr(a.Addr); perr == nil {
				addr = parsed
			} else {
				continue
			}
			if addr.IsLoopback() || addr.IsLinkLocalUnicast() || addr.IsUnspecified() || addr.IsMulticast() {
				continue
			}
			out = append(out, addr.Unmap())
		}
	}
	if len(out) == 0 {
		return nil, ErrNoAddress
	}
	return out, nil
}

// Advertise rewrites a bound listener address so its host part is
// reachable from other machines. Specific (non-wildcard) hosts are returned
// unchanged.
func (r *Resolver) Advertise(ctx context.Context, bound net.Addr) (string, error) {
	if bound == nil {
		return "", errors.New("netinfo: nil address")
	}
	host, port, err := net.SplitHostPort(bound.String())
	if err != nil {
		return "", err
	}
	ip, err := netip.ParseAddr(strings.Trim(host, "[]"))
	if err == nil && !ip.IsUnspecified() && !ip.IsLoopback() {
		return bound.String(), nil
	}
	primary, err := r.Primary(ctx)
	if err != nil {
		return "", err
	}
	return net.JoinHostPort(primary.String(), port), nil
}

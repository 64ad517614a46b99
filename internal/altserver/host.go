// Package altserver implements the Alt-Server Registry: the fixed-size
// table of candidate upstreams with RTT history and failure bookkeeping
// (spec.md §4.4), plus the RTT probe and switch-decision state machine
// (spec.md §4.5), grounded on the original dnbd3 altservers.c.
package altserver

import (
	"fmt"
	"net"
	"strconv"

	"github.com/dnbd3/dnbd3-go/internal/wire"
)

// Host is the tagged-variant address representation from spec.md §9
// ("Dynamic dispatch via tagged variants"): either an IPv4 or IPv6
// endpoint, preserving the wire encoding used by wire.ServerEntry.
type Host struct {
	Family uint8 // wire.AddressFamilyIPv4 or wire.AddressFamilyIPv6
	Addr   [16]byte
	Port   uint16
}

// ParseHost parses a "host:port" string into a Host.
func ParseHost(s string) (Host, error) {
	hostStr, portStr, err := net.SplitHostPort(s)
	if err != nil {
		return Host{}, fmt.Errorf("altserver: invalid host %q: %w", s, err)
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return Host{}, fmt.Errorf("altserver: invalid port in %q: %w", s, err)
	}
	ip := net.ParseIP(hostStr)
	if ip == nil {
		ips, err := net.LookupIP(hostStr)
		if err != nil || len(ips) == 0 {
			return Host{}, fmt.Errorf("altserver: cannot resolve %q: %w", hostStr, err)
		}
		ip = ips[0]
	}
	entry, ok := wire.NewServerEntry(ip, uint16(port))
	if !ok {
		return Host{}, fmt.Errorf("altserver: unsupported address %q", hostStr)
	}
	return Host{Family: entry.Family, Addr: entry.Addr, Port: uint16(port)}, nil
}

// IP reconstructs the net.IP for this host.
func (h Host) IP() net.IP {
	if h.Family == wire.AddressFamilyIPv4 {
		return net.IP(append([]byte{}, h.Addr[:4]...))
	}
	return net.IP(append([]byte{}, h.Addr[:]...))
}

// String renders the host as a dial-able "host:port" address.
func (h Host) String() string {
	return net.JoinHostPort(h.IP().String(), strconv.Itoa(int(h.Port)))
}

// SameAddressPort reports whether two hosts refer to the same endpoint.
func SameAddressPort(a, b Host) bool {
	return a.Family == b.Family && a.Port == b.Port && a.Addr == b.Addr
}

// IsZero reports whether h is the empty/unset host.
func (h Host) IsZero() bool {
	return h.Family == 0
}

// ToServerEntry converts a Host to its wire representation.
func (h Host) ToServerEntry() wire.ServerEntry {
	return wire.ServerEntry{Addr: h.Addr, Port: h.Port, Family: h.Family}
}

// NetCloseness scores how close two hosts are by counting matching
// nibbles (4-bit groups) from the left of the address, per spec.md §4.4.
// Returns -1 if the address families differ.
func NetCloseness(a, b Host) int {
	if a.Family != b.Family {
		return -1
	}
	max := 4
	if a.Family == wire.AddressFamilyIPv6 {
		max = 16
	}
	score := 0
	for i := 0; i < max; i++ {
		if a.Addr[i]&0xF0 != b.Addr[i]&0xF0 {
			return score
		}
		score++
		if a.Addr[i]&0x0F != b.Addr[i]&0x0F {
			return score
		}
		score++
	}
	return score
}

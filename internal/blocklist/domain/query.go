package domain

import (
	"fmt"
	"net"
	"net/netip"
	"strings"

	"github.com/AnthonyMichaelTDM/zoraxy-blocklist-manager/internal/blocklist/common/utils"
)

// Probe is a single membership question: either an address or a name.
type Probe struct {
	Addr netip.Addr
	Name string
}

// IsIP reports whether the probe is an address probe.
func (p Probe) IsIP() bool { return p.Addr.IsValid() }

// Key returns a stable string form usable as a cache key.
func (p Probe) Key() string {
	if p.IsIP() {
		return p.Addr.String()
	}
	return p.Name
}

func (p Probe) String() string { return p.Key() }

// ProbeFromAddr builds an address probe, unmapping IPv4-mapped IPv6.
func ProbeFromAddr(addr netip.Addr) Probe {
	return Probe{Addr: addr.Unmap().WithZone("")}
}

// ParseProbe interprets raw as an IP address (optionally bracketed, with a
// zone or a port) or as a domain name. Names are canonicalized and IDNs
// converted to punycode.
func ParseProbe(raw string) (Probe, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return Probe{}, fmt.Errorf("%w: empty", ErrInvalidProbe)
	}
	if addr, ok := parseProbeAddr(s); ok {
		return ProbeFromAddr(addr), nil
	}
	if host, _, err := net.SplitHostPort(s); err == nil {
		if addr, ok := parseProbeAddr(host); ok {
			return ProbeFromAddr(addr), nil
		}
		s = host
	}
	name := utils.CanonicalDNSName(s)
	name, err := utils.ToASCII(name)
	if err != nil {
		return Probe{}, fmt.Errorf("%w: %q: %v", ErrInvalidProbe, raw, err)
	}
	if err := ValidateName(name); err != nil {
		return Probe{}, fmt.Errorf("%w: %v", ErrInvalidProbe, err)
	}
	return Probe{Name: name}, nil
}

func parseProbeAddr(s string) (netip.Addr, bool) {
	s = strings.TrimSuffix(strings.TrimPrefix(s, "["), "]")
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Addr{}, false
	}
	return addr, true
}

// QueryResult answers a Probe. Rule and Sources are meaningful only when
// Matched is true. Generation identifies the snapshot that answered.
type QueryResult struct {
	Matched    bool
	Rule       CanonicalRule
	Sources    []ProvenanceTag
	Generation uint64
}

// NoMatch returns a negative result for the given generation.
func NoMatch(generation uint64) QueryResult {
	return QueryResult{Generation: generation}
}

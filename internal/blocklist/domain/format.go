package domain

import (
	"fmt"
	"strings"
)

// FormatHint tells the normalizer how to read the lines of a source.
type FormatHint uint8

const (
	// FormatCIDR is one IPv4/IPv6 address or CIDR block per line.
	FormatCIDR FormatHint = iota + 1
	// FormatHosts is hosts-file syntax: an address followed by one or more names.
	FormatHosts
	// FormatDomain is one name per line; "*." or "." marks a suffix rule.
	FormatDomain
	// FormatWildcard is one name per line, every entry a suffix rule.
	FormatWildcard
	// FormatASN pairs prefixes with origin AS numbers, or lists bare ASNs.
	FormatASN
)

var formatNames = map[FormatHint]string{
	FormatCIDR:     "cidr",
	FormatHosts:    "hosts",
	FormatDomain:   "domain",
	FormatWildcard: "wildcard",
	FormatASN:      "asn",
}

func (f FormatHint) String() string {
	if s, ok := formatNames[f]; ok {
		return s
	}
	return fmt.Sprintf("FormatHint(%d)", f)
}

// Valid reports whether f is one of the known formats.
func (f FormatHint) Valid() bool {
	_, ok := formatNames[f]
	return ok
}

// ParseFormatHint converts a case-insensitive name into a FormatHint.
// "ip" and "ipset" are accepted as aliases for cidr, "domains" for domain.
func ParseFormatHint(s string) (FormatHint, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "cidr", "ip", "ipset":
		return FormatCIDR, nil
	case "hosts":
		return FormatHosts, nil
	case "domain", "domains":
		return FormatDomain, nil
	case "wildcard":
		return FormatWildcard, nil
	case "asn":
		return FormatASN, nil
	default:
		return 0, fmt.Errorf("unsupported format %q", s)
	}
}

// MarshalText implements encoding.TextMarshaler.
func (f FormatHint) MarshalText() ([]byte, error) {
	if !f.Valid() {
		return nil, fmt.Errorf("unsupported format %d", f)
	}
	return []byte(f.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (f *FormatHint) UnmarshalText(b []byte) error {
	v, err := ParseFormatHint(string(b))
	if err != nil {
		return err
	}
	*f = v
	return nil
}

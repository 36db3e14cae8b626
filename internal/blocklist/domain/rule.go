package domain

import (
	"cmp"
	"encoding/binary"
	"fmt"
	"net/netip"
	"strings"
)

// RuleKind is the closed set of canonical rule shapes.
type RuleKind uint8

const (
	// RuleIPv4Range matches every IPv4 address inside a masked prefix.
	RuleIPv4Range RuleKind = iota + 1
	// RuleIPv6Range matches every IPv6 address inside a masked prefix.
	RuleIPv6Range
	// RuleDomainExact matches one fully qualified name.
	RuleDomainExact
	// RuleDomainSuffix matches a name and all of its subdomains (apex-inclusive).
	RuleDomainSuffix
)

func (k RuleKind) String() string {
	switch k {
	case RuleIPv4Range:
		return "ipv4"
	case RuleIPv6Range:
		return "ipv6"
	case RuleDomainExact:
		return "exact"
	case RuleDomainSuffix:
		return "suffix"
	default:
		return fmt.Sprintf("RuleKind(%d)", k)
	}
}

// IsIP reports whether the kind is one of the IP range kinds.
func (k RuleKind) IsIP() bool { return k == RuleIPv4Range || k == RuleIPv6Range }

// IsDomain reports whether the kind is one of the domain kinds.
func (k RuleKind) IsDomain() bool { return k == RuleDomainExact || k == RuleDomainSuffix }

const (
	MaxNameLength  = 253
	MaxLabelLength = 63
	MaxLabels      = 127
)

// CanonicalRule is the normalized, source-independent form of a blocklist
// entry. It is comparable and can be used as a map key: two rules are equal
// exactly when they match the same set of probes.
//
// IP kinds carry a masked Prefix and an empty Name. Domain kinds carry a
// lowercase ASCII Name without trailing dot and a zero Prefix.
type CanonicalRule struct {
	Kind   RuleKind
	Prefix netip.Prefix
	Name   string
}

// NewIPRule canonicalizes p: IPv4-mapped IPv6 prefixes of length >= 96 are
// unmapped to IPv4, zones are rejected and host bits are cleared.
func NewIPRule(p netip.Prefix) (CanonicalRule, error) {
	if !p.IsValid() {
		return CanonicalRule{}, &ParseError{Kind: ErrMalformedPrefix, Input: p.String(), Reason: "invalid prefix"}
	}
	addr := p.Addr()
	if addr.Zone() != "" {
		return CanonicalRule{}, &ParseError{Kind: ErrMalformedIP, Input: p.String(), Reason: "zoned addresses are not allowed"}
	}
	bits := p.Bits()
	if addr.Is4In6() && bits >= 96 {
		addr = addr.Unmap()
		bits -= 96
	}
	masked, err := addr.Prefix(bits)
	if err != nil {
		return CanonicalRule{}, &ParseError{Kind: ErrPrefixRange, Input: p.String(), Reason: err.Error()}
	}
	kind := RuleIPv6Range
	if addr.Is4() {
		kind = RuleIPv4Range
	}
	return CanonicalRule{Kind: kind, Prefix: masked}, nil
}

// NewHostRule returns the single-address rule (/32 or /128) for addr.
func NewHostRule(addr netip.Addr) (CanonicalRule, error) {
	return NewIPRule(netip.PrefixFrom(addr, addr.BitLen()))
}

// NewDomainRule validates an already canonical name and builds an exact or
// suffix rule from it. Callers holding raw input should canonicalize first.
func NewDomainRule(name string, suffix bool) (CanonicalRule, error) {
	if err := ValidateName(name); err != nil {
		return CanonicalRule{}, err
	}
	kind := RuleDomainExact
	if suffix {
		kind = RuleDomainSuffix
	}
	return CanonicalRule{Kind: kind, Name: name}, nil
}

// ValidateName checks that name is a canonical DNS name: lowercase ASCII,
// no trailing dot, at least two labels, label and total length limits, and
// letters, digits, '-' and '_' only with no hyphen at either label edge.
func ValidateName(name string) error {
	if name == "" {
		return &ParseError{Kind: ErrNotDomain, Input: name, Reason: "empty name"}
	}
	if len(name) > MaxNameLength {
		return &ParseError{Kind: ErrNameLength, Input: name, Reason: fmt.Sprintf("%d octets exceeds %d", len(name), MaxNameLength)}
	}
	if _, err := netip.ParseAddr(name); err == nil {
		return &ParseError{Kind: ErrNotDomain, Input: name, Reason: "IP literal where a domain was expected"}
	}
	labels := strings.Split(name, ".")
	if len(labels) < 2 || len(labels) > MaxLabels {
		return &ParseError{Kind: ErrLabelCount, Input: name, Reason: fmt.Sprintf("%d labels", len(labels))}
	}
	for _, label := range labels {
		if len(label) == 0 || len(label) > MaxLabelLength {
			return &ParseError{Kind: ErrLabelLength, Input: name, Reason: fmt.Sprintf("label %q has %d octets", label, len(label))}
		}
		if label[0] == '-' || label[len(label)-1] == '-' {
			return &ParseError{Kind: ErrLabelCharset, Input: name, Reason: fmt.Sprintf("label %q starts or ends with '-'", label)}
		}
		for i := 0; i < len(label); i++ {
			if !isLabelByte(label[i]) {
				return &ParseError{Kind: ErrLabelCharset, Input: name, Reason: fmt.Sprintf("label %q contains %q", label, label[i])}
			}
		}
	}
	return nil
}

func isLabelByte(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9') || c == '-' || c == '_'
}

// Validate reports whether r satisfies the canonical-form invariants.
func (r CanonicalRule) Validate() error {
	switch r.Kind {
	case RuleIPv4Range, RuleIPv6Range:
		if !r.Prefix.IsValid() {
			return fmt.Errorf("rule %s: invalid prefix", r.Kind)
		}
		if r.Name != "" {
			return fmt.Errorf("rule %s: unexpected name %q", r.Prefix, r.Name)
		}
		if r.Prefix != r.Prefix.Masked() {
			return fmt.Errorf("rule %s: host bits set", r.Prefix)
		}
		if r.Prefix.Addr().Is4() != (r.Kind == RuleIPv4Range) || r.Prefix.Addr().Is4In6() {
			return fmt.Errorf("rule %s: family does not match kind %s", r.Prefix, r.Kind)
		}
		return nil
	case RuleDomainExact, RuleDomainSuffix:
		if r.Prefix.IsValid() {
			return fmt.Errorf("rule %s: unexpected prefix %s", r.Name, r.Prefix)
		}
		if r.Name != strings.ToLower(r.Name) || strings.HasSuffix(r.Name, ".") {
			return fmt.Errorf("rule %q: name is not canonical", r.Name)
		}
		return ValidateName(r.Name)
	default:
		return fmt.Errorf("unsupported rule kind %d", r.Kind)
	}
}

// String renders the rule in its canonical text form:
// "10.0.0.0/24", "example.com" or "*.example.com".
func (r CanonicalRule) String() string {
	switch r.Kind {
	case RuleIPv4Range, RuleIPv6Range:
		return r.Prefix.String()
	case RuleDomainSuffix:
		return "*." + r.Name
	default:
		return r.Name
	}
}

// Labels returns the name labels with the most significant label last,
// e.g. ["sub", "example", "com"]. It returns nil for IP rules.
func (r CanonicalRule) Labels() []string {
	if !r.Kind.IsDomain() || r.Name == "" {
		return nil
	}
	return strings.Split(r.Name, ".")
}

// Covers reports whether every probe matched by other is also matched by r.
// IP containment is computed on the raw address bits; suffix rules cover
// their apex and every descendant name.
func (r CanonicalRule) Covers(other CanonicalRule) bool {
	switch r.Kind {
	case RuleIPv4Range:
		if other.Kind != RuleIPv4Range || other.Prefix.Bits() < r.Prefix.Bits() {
			return false
		}
		mask := mask32(r.Prefix.Bits())
		a := r.Prefix.Addr().As4()
		b := other.Prefix.Addr().As4()
		return binary.BigEndian.Uint32(a[:])&mask == binary.BigEndian.Uint32(b[:])&mask
	case RuleIPv6Range:
		if other.Kind != RuleIPv6Range || other.Prefix.Bits() < r.Prefix.Bits() {
			return false
		}
		hiMask, loMask := mask128(r.Prefix.Bits())
		a := r.Prefix.Addr().As16()
		b := other.Prefix.Addr().As16()
		aHi, aLo := binary.BigEndian.Uint64(a[:8]), binary.BigEndian.Uint64(a[8:])
		bHi, bLo := binary.BigEndian.Uint64(b[:8]), binary.BigEndian.Uint64(b[8:])
		return aHi&hiMask == bHi&hiMask && aLo&loMask == bLo&loMask
	case RuleDomainExact:
		return other.Kind == RuleDomainExact && other.Name == r.Name
	case RuleDomainSuffix:
		if !other.Kind.IsDomain() {
			return false
		}
		return other.Name == r.Name || strings.HasSuffix(other.Name, "."+r.Name)
	default:
		return false
	}
}

// MatchesAddr reports whether addr falls inside an IP rule.
func (r CanonicalRule) MatchesAddr(addr netip.Addr) bool {
	if !r.Kind.IsIP() || !addr.IsValid() {
		return false
	}
	probe, err := NewHostRule(addr)
	if err != nil {
		return false
	}
	return r.Covers(probe)
}

// MatchesName reports whether the canonical name is matched by a domain rule.
func (r CanonicalRule) MatchesName(name string) bool {
	switch r.Kind {
	case RuleDomainExact:
		return name == r.Name
	case RuleDomainSuffix:
		return name == r.Name || strings.HasSuffix(name, "."+r.Name)
	default:
		return false
	}
}

// CompareRules orders rules by kind, then by prefix (address, then length)
// or name. It is a total order over canonical rules.
func CompareRules(a, b CanonicalRule) int {
	if c := cmp.Compare(a.Kind, b.Kind); c != 0 {
		return c
	}
	if a.Kind.IsIP() {
		if c := a.Prefix.Addr().Compare(b.Prefix.Addr()); c != 0 {
			return c
		}
		return cmp.Compare(a.Prefix.Bits(), b.Prefix.Bits())
	}
	return strings.Compare(a.Name, b.Name)
}

func mask32(bits int) uint32 {
	if bits <= 0 {
		return 0
	}
	return ^uint32(0) << (32 - bits)
}

func mask128(bits int) (hi, lo uint64) {
	switch {
	case bits <= 0:
		return 0, 0
	case bits <= 64:
		return ^uint64(0) << (64 - bits), 0
	default:
		return ^uint64(0), ^uint64(0) << (128 - bits)
	}
}

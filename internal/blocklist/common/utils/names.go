package utils

import (
	"strings"
	"unicode/utf8"

	"golang.org/x/net/idna"
	"golang.org/x/net/publicsuffix"
)

// CanonicalDNSName returns a DNS name in canonical form:
// lowercased, trimmed of surrounding whitespace, without trailing dots.
func CanonicalDNSName(name string) string {
	name = strings.TrimSpace(name)
	name = strings.ToLower(name)
	return strings.TrimRight(name, ".")
}

// idnaProfile converts U-labels to A-labels without the strict STD3 checks,
// since blocklists routinely carry underscores and other relaxed labels.
var idnaProfile = idna.New(
	idna.MapForLookup(),
	idna.Transitional(false),
	idna.StrictDomainName(false),
)

// ToASCII returns the punycode (A-label) form of name. Pure ASCII input is
// returned unchanged.
func ToASCII(name string) (string, error) {
	if isASCII(name) {
		return name, nil
	}
	return idnaProfile.ToASCII(name)
}

// IsPublicSuffix reports whether name is itself a public suffix such as
// "com", "co.uk" or "github.io", per the embedded public suffix list.
func IsPublicSuffix(name string) bool {
	name = CanonicalDNSName(name)
	if name == "" {
		return false
	}
	ps, _ := publicsuffix.PublicSuffix(name)
	return ps == name
}

// GetApexDomain returns the registrable domain (eTLD+1) for name, falling
// back to the canonical name when it cannot be determined.
func GetApexDomain(name string) string {
	name = CanonicalDNSName(name)
	apex, err := publicsuffix.EffectiveTLDPlusOne(name)
	if err != nil {
		return name
	}
	return apex
}

// ParentDomains returns name followed by each of its parent domains, most
// specific first: "a.b.c" -> ["a.b.c", "b.c", "c"].
func ParentDomains(name string) []string {
	if name == "" {
		return nil
	}
	out := make([]string, 0, strings.Count(name, ".")+1)
	for {
		out = append(out, name)
		i := strings.IndexByte(name, '.')
		if i < 0 || i == len(name)-1 {
			return out
		}
		name = name[i+1:]
	}
}

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] >= utf8.RuneSelf {
			return false
		}
	}
	return true
}

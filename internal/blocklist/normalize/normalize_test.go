package normalize

import (
	"errors"
	"net/netip"
	"testing"

	"github.com/AnthonyMichaelTDM/zoraxy-blocklist-manager/internal/blocklist/domain"
)

func ruleStrings(rules []domain.CanonicalRule) []string {
	out := make([]string, len(rules))
	for i, r := range rules {
		out[i] = r.String()
	}
	return out
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestNormalize_SkipsBlankAndComments(t *testing.T) {
	lines := []string{"", "   ", "\t", "# comment", "; spamhaus header", "// c-style", "! adblock title", "\uFEFF# bom comment", "  # indented"}
	for _, format := range []domain.FormatHint{domain.FormatCIDR, domain.FormatHosts, domain.FormatDomain, domain.FormatWildcard, domain.FormatASN} {
		for _, line := range lines {
			_, err := Normalize(line, format)
			if !errors.Is(err, domain.ErrSkip) {
				t.Errorf("Normalize(%q, %s) error = %v, want ErrSkip", line, format, err)
			}
		}
	}
}

func TestNormalize_CIDR(t *testing.T) {
	tests := []struct {
		line        string
		want        string
		wantComment string
	}{
		{"10.0.0.5/24", "10.0.0.0/24", ""},
		{"192.168.5.5", "192.168.5.5/32", ""},
		{"2001:db8::1", "2001:db8::1/128", ""},
		{"2001:db8::1/48", "2001:db8::/48", ""},
		{"::ffff:203.0.113.7", "203.0.113.7/32", ""},
		{"1.10.16.0/20 ; SBL256894", "1.10.16.0/20", "SBL256894"},
		{"\uFEFF5.6.7.8 # bad actor", "5.6.7.8/32", "bad actor"},
		{"198.51.100.0/24 extra fields", "198.51.100.0/24", "extra fields"},
	}
	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			p, err := Normalize(tt.line, domain.FormatCIDR)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got := ruleStrings(p.Rules); !equalStrings(got, []string{tt.want}) {
				t.Fatalf("rules = %v, want [%s]", got, tt.want)
			}
			if p.Comment != tt.wantComment {
				t.Fatalf("comment = %q, want %q", p.Comment, tt.wantComment)
			}
		})
	}
}

func TestNormalize_CIDRErrors(t *testing.T) {
	tests := []struct {
		line string
		kind domain.ParseErrorKind
	}{
		{"not-an-ip", domain.ErrMalformedIP},
		{"300.1.1.1", domain.ErrMalformedIP},
		{"10.0.0.0/33", domain.ErrPrefixRange},
		{"2001:db8::/129", domain.ErrPrefixRange},
		{"10.0.0.0/-1", domain.ErrMalformedPrefix},
		{"10.0.0.0/+8", domain.ErrMalformedPrefix},
		{"10.0.0.0/08", domain.ErrMalformedPrefix},
		{"10.0.0.0/", domain.ErrMalformedPrefix},
		{"2001:db8::/0128", domain.ErrMalformedPrefix},
		{"10.0.0.0/abc", domain.ErrMalformedPrefix},
		{"fe80::1%eth0", domain.ErrMalformedIP},
	}
	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			p, err := Normalize(tt.line, domain.FormatCIDR)
			var pe *domain.ParseError
			if !errors.As(err, &pe) {
				t.Fatalf("expected *ParseError, got %v", err)
			}
			if pe.Kind != tt.kind {
				t.Fatalf("kind = %v, want %v", pe.Kind, tt.kind)
			}
			if errors.Is(err, domain.ErrSkip) {
				t.Fatal("parse errors must be distinct from ErrSkip")
			}
			if len(p.Rules) != 0 || len(p.Rejected) != 1 {
				t.Fatalf("unexpected parsed: %+v", p)
			}
		})
	}
}

func TestNormalize_Hosts(t *testing.T) {
	tests := []struct {
		line         string
		want         []string
		wantRejected int
	}{
		{"0.0.0.0 ads.example.com", []string{"ads.example.com"}, 0},
		{"0.0.0.0 Ads.Example.com. tracker.example.org # inline", []string{"ads.example.com", "tracker.example.org"}, 0},
		{"127.0.0.1 localhost", nil, 0},
		{"::1 localhost ip6-localhost ip6-loopback", nil, 0},
		{"0.0.0.0 0.0.0.0", nil, 0},
		{"0.0.0.0 *.bad.example.com good.example.com", []string{"good.example.com"}, 1},
		{"0.0.0.0 münchen.de", []string{"xn--mnchen-3ya.de"}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			p, err := Normalize(tt.line, domain.FormatHosts)
			if len(tt.want) == 0 {
				if !errors.Is(err, domain.ErrSkip) {
					t.Fatalf("expected ErrSkip, got %v (%+v)", err, p)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got := ruleStrings(p.Rules); !equalStrings(got, tt.want) {
				t.Fatalf("rules = %v, want %v", got, tt.want)
			}
			for _, r := range p.Rules {
				if r.Kind != domain.RuleDomainExact {
					t.Fatalf("hosts rules must be exact, got %v", r.Kind)
				}
			}
			if len(p.Rejected) != tt.wantRejected {
				t.Fatalf("rejected = %d, want %d", len(p.Rejected), tt.wantRejected)
			}
		})
	}
}

func TestNormalize_HostsErrors(t *testing.T) {
	tests := []struct {
		line string
		kind domain.ParseErrorKind
	}{
		{"example.com 0.0.0.0", domain.ErrMalformedIP},
		{"0.0.0.0", domain.ErrMissingHost},
		{"0.0.0.0 .leading.example.com", domain.ErrLabelCharset},
		{"0.0.0.0 single", domain.ErrLabelCount},
	}
	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			_, err := Normalize(tt.line, domain.FormatHosts)
			var pe *domain.ParseError
			if !errors.As(err, &pe) || pe.Kind != tt.kind {
				t.Fatalf("error = %v, want kind %v", err, tt.kind)
			}
		})
	}
}

func TestNormalize_Domain(t *testing.T) {
	tests := []struct {
		line     string
		format   domain.FormatHint
		want     string
		wantKind domain.RuleKind
	}{
		{"Example.COM", domain.FormatDomain, "example.com", domain.RuleDomainExact},
		{"*.example.com", domain.FormatDomain, "*.example.com", domain.RuleDomainSuffix},
		{".example.com", domain.FormatDomain, "*.example.com", domain.RuleDomainSuffix},
		{"||ads.example.net^", domain.FormatDomain, "*.ads.example.net", domain.RuleDomainSuffix},
		{"example.com", domain.FormatWildcard, "*.example.com", domain.RuleDomainSuffix},
		{"*.example.com", domain.FormatWildcard, "*.example.com", domain.RuleDomainSuffix},
		{"пример.рф", domain.FormatDomain, "xn--e1afmkfd.xn--p1ai", domain.RuleDomainExact},
	}
	for _, tt := range tests {
		t.Run(tt.format.String()+"/"+tt.line, func(t *testing.T) {
			p, err := Normalize(tt.line, tt.format)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if len(p.Rules) != 1 || p.Rules[0].String() != tt.want || p.Rules[0].Kind != tt.wantKind {
				t.Fatalf("rules = %v, want %s (%v)", ruleStrings(p.Rules), tt.want, tt.wantKind)
			}
		})
	}
}

func TestNormalize_DomainErrors(t *testing.T) {
	tests := []struct {
		line string
		kind domain.ParseErrorKind
	}{
		{"192.168.0.1", domain.ErrNotDomain},
		{"10.0.0.0/8", domain.ErrNotDomain},
		{"ex*mple.com", domain.ErrLabelCharset},
		{"bad_-.example.com", domain.ErrLabelCharset},
		{"com", domain.ErrLabelCount},
		{"a..b.com", domain.ErrLabelLength},
	}
	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			_, err := Normalize(tt.line, domain.FormatDomain)
			var pe *domain.ParseError
			if !errors.As(err, &pe) || pe.Kind != tt.kind {
				t.Fatalf("error = %v, want kind %v", err, tt.kind)
			}
			if pe.Input == "" {
				t.Fatal("parse error must carry the offending input")
			}
		})
	}
}

func TestNormalize_PublicSuffixRejection(t *testing.T) {
	strict := New(Options{RejectPublicSuffix: true})

	_, err := strict.Normalize("*.co.uk", domain.FormatDomain)
	var pe *domain.ParseError
	if !errors.As(err, &pe) || pe.Kind != domain.ErrPublicSuffix {
		t.Fatalf("expected public_suffix error, got %v", err)
	}

	if _, err := strict.Normalize("co.uk", domain.FormatDomain); err != nil {
		t.Fatalf("exact rule on a public suffix should be allowed, got %v", err)
	}
	if _, err := strict.Normalize("*.example.co.uk", domain.FormatDomain); err != nil {
		t.Fatalf("registrable suffix should be allowed, got %v", err)
	}
	if _, err := Normalize("*.co.uk", domain.FormatDomain); err != nil {
		t.Fatalf("default normalizer should not reject public suffixes, got %v", err)
	}
}

type staticASN map[uint32][]netip.Prefix

func (s staticASN) Prefixes(asn uint32) ([]netip.Prefix, bool) {
	p, ok := s[asn]
	return p, ok
}

func TestNormalize_ASN(t *testing.T) {
	n := New(Options{ASN: staticASN{
		64500: {netip.MustParsePrefix("198.51.100.0/24"), netip.MustParsePrefix("2001:db8:100::/48")},
	}})

	tests := []struct {
		line        string
		want        []string
		wantComment string
	}{
		{"AS13335 1.1.1.0/24", []string{"1.1.1.0/24"}, "AS13335"},
		{"1.0.0.0/24 13335", []string{"1.0.0.0/24"}, "AS13335"},
		{"203.0.113.0/24", []string{"203.0.113.0/24"}, ""},
		{"as64500 # example network", []string{"198.51.100.0/24", "2001:db8:100::/48"}, "AS64500 example network"},
	}
	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			p, err := n.Normalize(tt.line, domain.FormatASN)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got := ruleStrings(p.Rules); !equalStrings(got, tt.want) {
				t.Fatalf("rules = %v, want %v", got, tt.want)
			}
			if p.Comment != tt.wantComment {
				t.Fatalf("comment = %q, want %q", p.Comment, tt.wantComment)
			}
		})
	}
}

func TestNormalize_ASNErrors(t *testing.T) {
	tests := []struct {
		line string
		kind domain.ParseErrorKind
	}{
		{"AS13335", domain.ErrUnresolvedASN},
		{"ASX 1.1.1.0/24", domain.ErrMalformedASN},
		{"AS1 AS2", domain.ErrMalformedASN},
		{"AS1 10.0.0.0/40", domain.ErrPrefixRange},
	}
	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			_, err := Normalize(tt.line, domain.FormatASN)
			var pe *domain.ParseError
			if !errors.As(err, &pe) || pe.Kind != tt.kind {
				t.Fatalf("error = %v, want kind %v", err, tt.kind)
			}
		})
	}
}

func TestNormalize_UnknownFormat(t *testing.T) {
	_, err := Normalize("10.0.0.1", domain.FormatHint(0))
	var pe *domain.ParseError
	if !errors.As(err, &pe) {
		t.Fatalf("expected parse error for unknown format, got %v", err)
	}
}

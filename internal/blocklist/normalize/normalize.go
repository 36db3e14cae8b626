// Package normalize turns one raw blocklist line into zero or more
// canonical rules. It is pure: no I/O and no shared mutable state.
package normalize

import (
	"net/netip"
	"strings"

	"github.com/AnthonyMichaelTDM/zoraxy-blocklist-manager/internal/blocklist/domain"
)

// ASNResolver expands an autonomous system number into its announced
// prefixes. Implementations must not block on I/O; they are expected to
// answer from a preloaded table.
type ASNResolver interface {
	Prefixes(asn uint32) ([]netip.Prefix, bool)
}

// Options tune validation beyond the canonical-form rules.
type Options struct {
	// RejectPublicSuffix refuses suffix rules equal to a public suffix
	// such as "*.com" or "*.co.uk".
	RejectPublicSuffix bool
	// ASN resolves bare AS numbers in asn-format sources. Nil leaves them
	// unresolved.
	ASN ASNResolver
}

// Parsed is the outcome of normalizing one line. A hosts line can carry
// several names, so a single line may produce several rules and several
// rejected tokens at once.
type Parsed struct {
	Rules    []domain.CanonicalRule
	Comment  string
	Rejected []*domain.ParseError
}

// Normalizer applies Options to individual lines.
type Normalizer struct {
	opts Options
}

// New returns a Normalizer configured with opts.
func New(opts Options) *Normalizer {
	return &Normalizer{opts: opts}
}

var defaultNormalizer = New(Options{})

// Normalize converts line using the default options.
func Normalize(line string, format domain.FormatHint) (Parsed, error) {
	return defaultNormalizer.Normalize(line, format)
}

// Normalize converts one raw line according to format.
//
// Blank and comment-only lines return domain.ErrSkip. A line that yields no
// rule returns the first *domain.ParseError; the full list of rejected
// tokens is always available in Parsed.Rejected. A line with at least one
// valid rule returns a nil error even if some of its tokens were rejected.
func (n *Normalizer) Normalize(line string, format domain.FormatHint) (Parsed, error) {
	body, comment, ok := splitLine(line)
	if !ok {
		return Parsed{}, domain.ErrSkip
	}

	var p Parsed
	p.Comment = comment

	switch format {
	case domain.FormatCIDR:
		n.parseCIDR(body, &p)
	case domain.FormatHosts:
		n.parseHosts(body, &p)
	case domain.FormatDomain:
		n.parseDomain(body, false, &p)
	case domain.FormatWildcard:
		n.parseDomain(body, true, &p)
	case domain.FormatASN:
		n.parseASN(body, &p)
	default:
		p.reject(domain.ErrMalformedPrefix, body, "unsupported format "+format.String())
	}

	if len(p.Rules) == 0 {
		if len(p.Rejected) == 0 {
			return p, domain.ErrSkip
		}
		return p, p.Rejected[0]
	}
	return p, nil
}

func (p *Parsed) reject(kind domain.ParseErrorKind, input, reason string) {
	p.Rejected = append(p.Rejected, &domain.ParseError{Kind: kind, Input: input, Reason: reason})
}

func (p *Parsed) rejectErr(err error) {
	if pe, ok := err.(*domain.ParseError); ok {
		p.Rejected = append(p.Rejected, pe)
		return
	}
	p.Rejected = append(p.Rejected, &domain.ParseError{Kind: domain.ErrMalformedPrefix, Reason: err.Error()})
}

func (p *Parsed) emit(r domain.CanonicalRule) {
	p.Rules = append(p.Rules, r)
}

func (p *Parsed) addComment(c string) {
	c = strings.TrimSpace(c)
	if c == "" {
		return
	}
	if p.Comment == "" {
		p.Comment = c
		return
	}
	p.Comment = c + " " + p.Comment
}

// commentPrefixes start a whole-line comment. "!" covers adblock-style
// list headers.
var commentPrefixes = []string{"#", ";", "//", "!"}

// splitLine strips a UTF-8 BOM and surrounding whitespace, then separates
// any inline comment introduced by '#' or ';'. It reports false for blank
// and comment-only lines.
func splitLine(line string) (body, comment string, ok bool) {
	line = strings.TrimPrefix(line, "\uFEFF")
	line = strings.TrimSpace(line)
	if line == "" {
		return "", "", false
	}
	for _, prefix := range commentPrefixes {
		if strings.HasPrefix(line, prefix) {
			return "", "", false
		}
	}
	if i := strings.IndexAny(line, "#;"); i >= 0 {
		comment = strings.TrimSpace(strings.TrimLeft(line[i:], "#; \t"))
		line = strings.TrimSpace(line[:i])
	}
	if line == "" {
		return "", "", false
	}
	return line, comment, true
}

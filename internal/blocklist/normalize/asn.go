package normalize

import (
	"strconv"
	"strings"

	"github.com/AnthonyMichaelTDM/zoraxy-blocklist-manager/internal/blocklist/domain"
)

// parseASN reads lines that pair a prefix with its origin AS in either
// order ("AS13335 1.1.1.0/24", "1.1.1.0/24 13335"), a bare prefix, or a
// bare AS number that is expanded through the configured resolver.
func (n *Normalizer) parseASN(body string, p *Parsed) {
	fields := strings.Fields(body)

	var (
		prefixTok string
		asn       uint32
		hasASN    bool
	)
	for _, f := range fields {
		if prefixTok == "" && looksLikeIP(f) {
			prefixTok = f
			continue
		}
		if v, ok := parseASNToken(f); ok && !hasASN {
			asn, hasASN = v, true
			continue
		}
		p.reject(domain.ErrMalformedASN, f, "expected an AS number or a prefix")
		return
	}

	if hasASN {
		p.addComment("AS" + strconv.FormatUint(uint64(asn), 10))
	}

	if prefixTok != "" {
		rule, err := parseIPToken(prefixTok)
		if err != nil {
			p.rejectErr(err)
			return
		}
		p.emit(rule)
		return
	}

	if n.opts.ASN == nil {
		p.reject(domain.ErrUnresolvedASN, body, "no ASN table configured")
		return
	}
	prefixes, ok := n.opts.ASN.Prefixes(asn)
	if !ok || len(prefixes) == 0 {
		p.reject(domain.ErrUnresolvedASN, body, "AS number has no known prefixes")
		return
	}
	for _, pfx := range prefixes {
		rule, err := domain.NewIPRule(pfx)
		if err != nil {
			p.rejectErr(err)
			continue
		}
		p.emit(rule)
	}
}

// parseASNToken accepts "AS123", "as123" and "123".
func parseASNToken(tok string) (uint32, bool) {
	s := tok
	if len(s) > 2 && strings.EqualFold(s[:2], "as") {
		s = s[2:]
	}
	v, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, false
	}
	return uint32(v), true
}

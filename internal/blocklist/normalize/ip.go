package normalize

import (
	"net/netip"
	"strconv"
	"strings"

	"github.com/AnthonyMichaelTDM/zoraxy-blocklist-manager/internal/blocklist/domain"
)

// parseCIDR reads the first field of body as an address or CIDR block.
// Any further fields are kept as comment text.
func (n *Normalizer) parseCIDR(body string, p *Parsed) {
	fields := strings.Fields(body)
	if len(fields) > 1 {
		p.addComment(strings.Join(fields[1:], " "))
	}
	rule, err := parseIPToken(fields[0])
	if err != nil {
		p.rejectErr(err)
		return
	}
	p.emit(rule)
}

// parseIPToken accepts "a.b.c.d", "a.b.c.d/n", "v6addr" and "v6addr/n".
// Bare addresses become single-host rules.
func parseIPToken(tok string) (domain.CanonicalRule, error) {
	addrPart, bitsPart, hasBits := strings.Cut(tok, "/")

	addr, err := netip.ParseAddr(addrPart)
	if err != nil {
		return domain.CanonicalRule{}, &domain.ParseError{Kind: domain.ErrMalformedIP, Input: tok, Reason: err.Error()}
	}
	if addr.Zone() != "" {
		return domain.CanonicalRule{}, &domain.ParseError{Kind: domain.ErrMalformedIP, Input: tok, Reason: "zoned addresses are not allowed"}
	}
	if !hasBits {
		return domain.NewHostRule(addr)
	}

	if !plainDecimal(bitsPart) {
		return domain.CanonicalRule{}, &domain.ParseError{Kind: domain.ErrMalformedPrefix, Input: tok, Reason: "prefix length is not a plain decimal number"}
	}
	bits, err := strconv.Atoi(bitsPart)
	if err != nil || bits > addr.BitLen() {
		return domain.CanonicalRule{}, &domain.ParseError{
			Kind:   domain.ErrPrefixRange,
			Input:  tok,
			Reason: "prefix length " + bitsPart + " out of range 0-" + strconv.Itoa(addr.BitLen()),
		}
	}
	rule, err := domain.NewIPRule(netip.PrefixFrom(addr, bits))
	if pe, ok := err.(*domain.ParseError); ok {
		pe.Input = tok
	}
	return rule, err
}

// plainDecimal reports whether s is an unsigned decimal without leading
// zeros, as netip.ParsePrefix requires.
func plainDecimal(s string) bool {
	if s == "" || len(s) > 3 || (len(s) > 1 && s[0] == '0') {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

// looksLikeIP reports whether tok parses as an address or CIDR block.
func looksLikeIP(tok string) bool {
	addrPart, _, _ := strings.Cut(tok, "/")
	_, err := netip.ParseAddr(addrPart)
	return err == nil
}

package normalize

import (
	"strings"

	"github.com/AnthonyMichaelTDM/zoraxy-blocklist-manager/internal/blocklist/common/utils"
	"github.com/AnthonyMichaelTDM/zoraxy-blocklist-manager/internal/blocklist/domain"
)

// localHostnames are the loopback and link-local aliases found in stock
// hosts files. They are ignored rather than rejected.
var localHostnames = map[string]struct{}{
	"localhost":             {},
	"localhost.localdomain": {},
	"local":                 {},
	"broadcasthost":         {},
	"ip6-localhost":         {},
	"ip6-loopback":          {},
	"ip6-localnet":          {},
	"ip6-mcastprefix":       {},
	"ip6-allnodes":          {},
	"ip6-allrouters":        {},
	"ip6-allhosts":          {},
}

// parseHosts reads "<address> <name> [<name>...]". The address must be
// valid but is otherwise ignored; every remaining name becomes an exact rule.
func (n *Normalizer) parseHosts(body string, p *Parsed) {
	fields := strings.Fields(body)
	if !looksLikeIP(fields[0]) {
		p.reject(domain.ErrMalformedIP, fields[0], "hosts line must start with an address")
		return
	}
	if len(fields) < 2 {
		p.reject(domain.ErrMissingHost, body, "no hostname after address")
		return
	}
	for _, raw := range fields[1:] {
		if _, local := localHostnames[strings.ToLower(raw)]; local {
			continue
		}
		if looksLikeIP(raw) {
			continue
		}
		if strings.ContainsRune(raw, '*') || strings.HasPrefix(raw, ".") {
			p.reject(domain.ErrLabelCharset, raw, "wildcards are not valid in hosts files")
			continue
		}
		name, err := canonicalName(raw)
		if err != nil {
			p.rejectErr(err)
			continue
		}
		rule, err := domain.NewDomainRule(name, false)
		if err != nil {
			p.rejectErr(err)
			continue
		}
		p.emit(rule)
	}
}

// parseDomain reads one name per line. With forceSuffix every entry is a
// suffix rule; otherwise a leading "*." or "." (or adblock "||name^")
// selects suffix and anything else is exact.
func (n *Normalizer) parseDomain(body string, forceSuffix bool, p *Parsed) {
	fields := strings.Fields(body)
	if len(fields) > 1 {
		p.addComment(strings.Join(fields[1:], " "))
	}
	raw := fields[0]

	suffix := forceSuffix
	switch {
	case strings.HasPrefix(raw, "||"):
		raw = strings.TrimSuffix(strings.TrimPrefix(raw, "||"), "^")
		suffix = true
	case strings.HasPrefix(raw, "*."):
		raw = raw[2:]
		suffix = true
	case strings.HasPrefix(raw, "."):
		raw = raw[1:]
		suffix = true
	}

	if looksLikeIP(raw) {
		p.reject(domain.ErrNotDomain, fields[0], "IP literal where a domain was expected")
		return
	}
	if strings.ContainsRune(raw, '*') {
		p.reject(domain.ErrLabelCharset, fields[0], "wildcard allowed only as a leading \"*.\" label")
		return
	}

	name, err := canonicalName(raw)
	if err != nil {
		p.rejectErr(err)
		return
	}
	if suffix && n.opts.RejectPublicSuffix && utils.IsPublicSuffix(name) {
		p.reject(domain.ErrPublicSuffix, fields[0], "suffix rule would block an entire public suffix")
		return
	}
	rule, err := domain.NewDomainRule(name, suffix)
	if err != nil {
		p.rejectErr(err)
		return
	}
	p.emit(rule)
}

// canonicalName lowercases raw, drops trailing dots, converts IDNs to
// punycode and validates the result.
func canonicalName(raw string) (string, error) {
	name := utils.CanonicalDNSName(raw)
	ascii, err := utils.ToASCII(name)
	if err != nil {
		return "", &domain.ParseError{Kind: domain.ErrLabelCharset, Input: raw, Reason: err.Error()}
	}
	if err := domain.ValidateName(ascii); err != nil {
		if pe, ok := err.(*domain.ParseError); ok {
			pe.Input = raw
		}
		return "", err
	}
	return ascii, nil
}

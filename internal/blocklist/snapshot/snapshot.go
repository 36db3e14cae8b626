// Package snapshot holds the immutable merged index that answers queries.
//
// A Snapshot is built once and never modified; any number of readers may
// use it concurrently without locking. The reload coordinator publishes
// new snapshots by swapping a pointer and old ones are reclaimed once no
// reader holds them.
package snapshot

import (
	"net/netip"
	"slices"
	"sort"
	"time"

	"github.com/gaissmai/bart"

	"github.com/AnthonyMichaelTDM/zoraxy-blocklist-manager/internal/blocklist/common/utils"
	"github.com/AnthonyMichaelTDM/zoraxy-blocklist-manager/internal/blocklist/domain"
	"github.com/AnthonyMichaelTDM/zoraxy-blocklist-manager/internal/blocklist/snapshot/bloom"
)

// Options control how New indexes entries.
type Options struct {
	Generation uint64
	BuiltAt    time.Time
	// FPRate is the domain prefilter's target false-positive rate.
	FPRate float64
	// Filters builds the domain prefilter. Nil disables prefiltering.
	Filters bloom.Factory
}

// Stats describes the contents of a snapshot.
type Stats struct {
	Rules   int
	IPv4    int
	IPv6    int
	Exact   int
	Suffix  int
	Sources map[string]int
}

// Snapshot is a merged, indexed, read-only view of every active rule.
type Snapshot struct {
	generation uint64
	builtAt    time.Time
	entries    []domain.Entry

	ips    *bart.Table[int]
	exact  map[string]int
	suffix map[string]int
	filter bloom.Filter

	stats Stats
}

// New indexes entries. Entries are expected to be compacted already; when
// they are not, lookups still return the most specific match.
func New(entries []domain.Entry, opts Options) *Snapshot {
	s := &Snapshot{
		generation: opts.Generation,
		builtAt:    opts.BuiltAt,
		entries:    entries,
		ips:        new(bart.Table[int]),
		exact:      make(map[string]int),
		suffix:     make(map[string]int),
		stats:      Stats{Rules: len(entries), Sources: make(map[string]int)},
	}

	names := 0
	for _, e := range entries {
		if e.Rule.Kind.IsDomain() {
			names++
		}
	}
	if opts.Filters != nil && names > 0 {
		s.filter = opts.Filters.New(uint64(names), opts.FPRate)
	} else {
		s.filter = bloom.Nop{}
	}

	for i, e := range entries {
		switch e.Rule.Kind {
		case domain.RuleIPv4Range:
			s.ips.Insert(e.Rule.Prefix, i)
			s.stats.IPv4++
		case domain.RuleIPv6Range:
			s.ips.Insert(e.Rule.Prefix, i)
			s.stats.IPv6++
		case domain.RuleDomainExact:
			s.exact[e.Rule.Name] = i
			s.filter.Add(exactKey(e.Rule.Name))
			s.stats.Exact++
		case domain.RuleDomainSuffix:
			s.suffix[e.Rule.Name] = i
			s.filter.Add(suffixKey(e.Rule.Name))
			s.stats.Suffix++
		}
		for _, id := range e.SourceIDs() {
			s.stats.Sources[id]++
		}
	}
	return s
}

func exactKey(name string) []byte  { return []byte("=" + name) }
func suffixKey(name string) []byte { return []byte("*" + name) }

// Generation returns the snapshot's generation, zero for a nil snapshot.
func (s *Snapshot) Generation() uint64 {
	if s == nil {
		return 0
	}
	return s.generation
}

// BuiltAt returns when the snapshot was assembled.
func (s *Snapshot) BuiltAt() time.Time {
	if s == nil {
		return time.Time{}
	}
	return s.builtAt
}

// Len returns the number of rules.
func (s *Snapshot) Len() int {
	if s == nil {
		return 0
	}
	return len(s.entries)
}

// Empty reports whether the snapshot holds no rules.
func (s *Snapshot) Empty() bool { return s.Len() == 0 }

// Entries returns every entry in canonical order. Callers must not modify
// the returned slice.
func (s *Snapshot) Entries() []domain.Entry {
	if s == nil {
		return nil
	}
	return s.entries
}

// Stats returns a copy of the snapshot statistics.
func (s *Snapshot) Stats() Stats {
	if s == nil {
		return Stats{Sources: map[string]int{}}
	}
	out := s.stats
	out.Sources = make(map[string]int, len(s.stats.Sources))
	for k, v := range s.stats.Sources {
		out.Sources[k] = v
	}
	return out
}

// Query answers a probe against this snapshot.
func (s *Snapshot) Query(p domain.Probe) domain.QueryResult {
	if s == nil {
		return domain.NoMatch(0)
	}
	var (
		e  domain.Entry
		ok bool
	)
	if p.IsIP() {
		e, ok = s.LookupIP(p.Addr)
	} else {
		e, ok = s.LookupDomain(p.Name)
	}
	if !ok {
		return domain.NoMatch(s.generation)
	}
	return domain.QueryResult{
		Matched:    true,
		Rule:       e.Rule,
		Sources:    slices.Clone(e.Tags),
		Generation: s.generation,
	}
}

// LookupIP returns the most specific rule covering addr.
func (s *Snapshot) LookupIP(addr netip.Addr) (domain.Entry, bool) {
	if s == nil || !addr.IsValid() {
		return domain.Entry{}, false
	}
	addr = addr.Unmap().WithZone("")
	i, ok := s.ips.Lookup(addr)
	if !ok {
		return domain.Entry{}, false
	}
	return s.entries[i], true
}

// LookupDomain returns the exact rule for name if there is one, otherwise
// the suffix rule on the closest enclosing domain. name must already be in
// canonical form.
func (s *Snapshot) LookupDomain(name string) (domain.Entry, bool) {
	if s == nil || name == "" {
		return domain.Entry{}, false
	}
	if s.filter.MightContain(exactKey(name)) {
		if i, ok := s.exact[name]; ok {
			return s.entries[i], true
		}
	}
	for _, parent := range utils.ParentDomains(name) {
		if !s.filter.MightContain(suffixKey(parent)) {
			continue
		}
		if i, ok := s.suffix[parent]; ok {
			return s.entries[i], true
		}
	}
	return domain.Entry{}, false
}

// RulesBySource returns the entries carrying at least one tag from
// sourceID, in canonical order.
func (s *Snapshot) RulesBySource(sourceID string) []domain.Entry {
	if s == nil {
		return nil
	}
	var out []domain.Entry
	for _, e := range s.entries {
		if e.HasSource(sourceID) {
			out = append(out, e)
		}
	}
	return out
}

// SourceIDs lists the sources that contribute at least one rule.
func (s *Snapshot) SourceIDs() []string {
	if s == nil {
		return nil
	}
	out := make([]string, 0, len(s.stats.Sources))
	for id := range s.stats.Sources {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

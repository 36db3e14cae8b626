// Package merge folds canonical rules from one or more sources into a
// minimal, deterministic entry list and assembles published snapshots.
package merge

import (
	"cmp"
	"slices"
	"strings"

	"github.com/gaissmai/bart"

	"github.com/AnthonyMichaelTDM/zoraxy-blocklist-manager/internal/blocklist/common/utils"
	"github.com/AnthonyMichaelTDM/zoraxy-blocklist-manager/internal/blocklist/domain"
)

// CompactStats counts what a Compact call collapsed.
type CompactStats struct {
	Input      int
	Output     int
	Duplicates int
	Subsumed   int
}

type pending struct {
	rule domain.CanonicalRule
	tags *domain.TagSet
}

// Compact validates entries, combines equal rules and drops every rule
// covered by a wider one, folding the dropped rule's tags into the rule
// that covers it. The output is sorted with domain.CompareRules and each
// entry's tags are sorted with domain.CompareTags, so the result does not
// depend on the order of the input.
func Compact(entries []domain.Entry) ([]domain.Entry, CompactStats, error) {
	stats := CompactStats{Input: len(entries)}

	index := make(map[domain.CanonicalRule]int, len(entries))
	unique := make([]pending, 0, len(entries))
	for _, e := range entries {
		if err := e.Rule.Validate(); err != nil {
			return nil, stats, &domain.MergeError{SourceID: firstSource(e), Rule: e.Rule.String(), Reason: err.Error()}
		}
		if i, ok := index[e.Rule]; ok {
			unique[i].tags.Add(e.Tags...)
			stats.Duplicates++
			continue
		}
		index[e.Rule] = len(unique)
		unique = append(unique, pending{rule: e.Rule, tags: domain.NewTagSet(e.Tags...)})
	}

	var ips, names []pending
	for _, p := range unique {
		if p.rule.Kind.IsIP() {
			ips = append(ips, p)
		} else {
			names = append(names, p)
		}
	}

	keptIPs, err := compactIPs(ips)
	if err != nil {
		return nil, stats, err
	}
	keptNames, err := compactNames(names)
	if err != nil {
		return nil, stats, err
	}

	out := make([]domain.Entry, 0, len(keptIPs)+len(keptNames))
	for _, p := range append(keptIPs, keptNames...) {
		out = append(out, domain.Entry{Rule: p.rule, Tags: p.tags.Sorted()})
	}
	slices.SortFunc(out, func(a, b domain.Entry) int { return domain.CompareRules(a.Rule, b.Rule) })

	stats.Output = len(out)
	stats.Subsumed = len(unique) - len(out)
	return out, stats, nil
}

// compactIPs visits prefixes widest first. Every prefix already kept is
// at least as wide as the current one, so a longest-prefix hit in the kept
// table is the single kept rule that covers it.
func compactIPs(in []pending) ([]pending, error) {
	slices.SortFunc(in, func(a, b pending) int {
		if c := cmp.Compare(a.rule.Kind, b.rule.Kind); c != 0 {
			return c
		}
		if c := cmp.Compare(a.rule.Prefix.Bits(), b.rule.Prefix.Bits()); c != 0 {
			return c
		}
		return a.rule.Prefix.Addr().Compare(b.rule.Prefix.Addr())
	})

	kept := make([]pending, 0, len(in))
	table := new(bart.Table[int])
	for _, p := range in {
		if _, i, ok := table.LookupPrefixLPM(p.rule.Prefix); ok {
			owner := kept[i]
			if !owner.rule.Covers(p.rule) {
				return nil, &domain.MergeError{
					SourceID: firstTagSource(p.tags),
					Rule:     p.rule.String(),
					Reason:   "index reports containment in " + owner.rule.String() + " but masks disagree",
				}
			}
			owner.tags.Add(p.tags.Tags()...)
			continue
		}
		table.Insert(p.rule.Prefix, len(kept))
		kept = append(kept, p)
	}
	return kept, nil
}

// compactNames visits names with the fewest labels first and suffix rules
// before exact rules of the same length, so every potential cover of a
// name has been kept before the name itself is seen.
func compactNames(in []pending) ([]pending, error) {
	slices.SortFunc(in, func(a, b pending) int {
		la, lb := strings.Count(a.rule.Name, "."), strings.Count(b.rule.Name, ".")
		if c := cmp.Compare(la, lb); c != 0 {
			return c
		}
		if c := cmp.Compare(b.rule.Kind, a.rule.Kind); c != 0 {
			return c
		}
		return strings.Compare(a.rule.Name, b.rule.Name)
	})

	kept := make([]pending, 0, len(in))
	suffixes := make(map[string]int)
	for _, p := range in {
		if i, ok := coveringSuffix(suffixes, p.rule); ok {
			owner := kept[i]
			if !owner.rule.Covers(p.rule) {
				return nil, &domain.MergeError{
					SourceID: firstTagSource(p.tags),
					Rule:     p.rule.String(),
					Reason:   "suffix index reports containment in " + owner.rule.String() + " but names disagree",
				}
			}
			owner.tags.Add(p.tags.Tags()...)
			continue
		}
		if p.rule.Kind == domain.RuleDomainSuffix {
			suffixes[p.rule.Name] = len(kept)
		}
		kept = append(kept, p)
	}
	return kept, nil
}

// coveringSuffix walks the parents of r's name looking for a kept suffix
// rule. A suffix rule never covers itself here since equal rules were
// already combined.
func coveringSuffix(suffixes map[string]int, r domain.CanonicalRule) (int, bool) {
	for _, name := range utils.ParentDomains(r.Name) {
		if name == r.Name && r.Kind == domain.RuleDomainSuffix {
			continue
		}
		if i, ok := suffixes[name]; ok {
			return i, true
		}
	}
	return 0, false
}

func firstSource(e domain.Entry) string {
	if len(e.Tags) == 0 {
		return ""
	}
	return e.Tags[0].SourceID
}

func firstTagSource(s *domain.TagSet) string {
	tags := s.Tags()
	if len(tags) == 0 {
		return ""
	}
	return tags[0].SourceID
}

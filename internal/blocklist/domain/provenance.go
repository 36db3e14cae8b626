package domain

import (
	"cmp"
	"slices"
	"strings"
	"time"
)

// ProvenanceTag records where a rule came from: the source, the fetched
// version of that source, the line within it and any inline comment.
type ProvenanceTag struct {
	SourceID  string
	Version   string
	FetchedAt time.Time
	Line      int
	Comment   string
}

type tagKey struct {
	source  string
	version string
	fetched int64
	line    int
	comment string
}

func (t ProvenanceTag) key() tagKey {
	return tagKey{
		source:  t.SourceID,
		version: t.Version,
		fetched: t.FetchedAt.UnixNano(),
		line:    t.Line,
		comment: t.Comment,
	}
}

// CompareTags orders tags by source, version, line, comment and fetch time.
func CompareTags(a, b ProvenanceTag) int {
	if c := strings.Compare(a.SourceID, b.SourceID); c != 0 {
		return c
	}
	if c := strings.Compare(a.Version, b.Version); c != 0 {
		return c
	}
	if c := cmp.Compare(a.Line, b.Line); c != 0 {
		return c
	}
	if c := strings.Compare(a.Comment, b.Comment); c != 0 {
		return c
	}
	return a.FetchedAt.Compare(b.FetchedAt)
}

// Entry is a canonical rule together with every provenance tag that
// produced it.
type Entry struct {
	Rule CanonicalRule
	Tags []ProvenanceTag
}

// HasSource reports whether any tag on e names sourceID.
func (e Entry) HasSource(sourceID string) bool {
	for _, t := range e.Tags {
		if t.SourceID == sourceID {
			return true
		}
	}
	return false
}

// SourceIDs returns the distinct source ids on e in tag order.
func (e Entry) SourceIDs() []string {
	out := make([]string, 0, 1)
	for _, t := range e.Tags {
		if !slices.Contains(out, t.SourceID) {
			out = append(out, t.SourceID)
		}
	}
	return out
}

// TagSet accumulates provenance tags without duplicates, preserving
// first-seen order. The lookup index is only built once a second tag
// arrives, so the common single-tag case stays allocation free.
type TagSet struct {
	tags  []ProvenanceTag
	index map[tagKey]struct{}
}

// NewTagSet returns a TagSet seeded with tags.
func NewTagSet(tags ...ProvenanceTag) *TagSet {
	s := &TagSet{}
	s.Add(tags...)
	return s
}

// Add inserts tags not already present.
func (s *TagSet) Add(tags ...ProvenanceTag) {
	for _, t := range tags {
		if len(s.tags) == 0 {
			s.tags = append(s.tags, t)
			continue
		}
		if s.index == nil {
			s.index = make(map[tagKey]struct{}, len(s.tags)+1)
			for _, existing := range s.tags {
				s.index[existing.key()] = struct{}{}
			}
		}
		k := t.key()
		if _, ok := s.index[k]; ok {
			continue
		}
		s.index[k] = struct{}{}
		s.tags = append(s.tags, t)
	}
}

// Len returns the number of distinct tags.
func (s *TagSet) Len() int { return len(s.tags) }

// Tags returns the accumulated tags. The slice is owned by the set.
func (s *TagSet) Tags() []ProvenanceTag { return s.tags }

// Sorted returns a sorted copy of the accumulated tags.
func (s *TagSet) Sorted() []ProvenanceTag {
	out := slices.Clone(s.tags)
	slices.SortStableFunc(out, CompareTags)
	return out
}

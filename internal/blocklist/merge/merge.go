package merge

import (
	"github.com/AnthonyMichaelTDM/zoraxy-blocklist-manager/internal/blocklist/common/clock"
	"github.com/AnthonyMichaelTDM/zoraxy-blocklist-manager/internal/blocklist/domain"
	"github.com/AnthonyMichaelTDM/zoraxy-blocklist-manager/internal/blocklist/snapshot"
	"github.com/AnthonyMichaelTDM/zoraxy-blocklist-manager/internal/blocklist/snapshot/bloom"
)

// Source is anything that contributes entries to a merge. Rule sets
// implement it.
type Source interface {
	SourceID() string
	Entries() []domain.Entry
}

// Merger assembles snapshots from sources.
type Merger struct {
	// FPRate is the target false-positive rate of the domain prefilter.
	FPRate float64
	// Filters builds the domain prefilter. Nil uses bloom.NewFactory().
	Filters bloom.Factory
	// Clock stamps snapshots. Nil uses the real clock.
	Clock clock.Clock
}

// Build merges the entries of every source and indexes the result as a
// snapshot stamped with generation. Sources are read, never modified.
func (m *Merger) Build(generation uint64, sets ...Source) (*snapshot.Snapshot, CompactStats, error) {
	total := 0
	for _, s := range sets {
		total += len(s.Entries())
	}
	all := make([]domain.Entry, 0, total)
	for _, s := range sets {
		all = append(all, s.Entries()...)
	}

	entries, stats, err := Compact(all)
	if err != nil {
		return nil, stats, err
	}

	filters := m.Filters
	if filters == nil {
		filters = bloom.NewFactory()
	}
	clk := m.Clock
	if clk == nil {
		clk = clock.RealClock{}
	}
	snap := snapshot.New(entries, snapshot.Options{
		Generation: generation,
		BuiltAt:    clk.Now(),
		FPRate:     m.FPRate,
		Filters:    filters,
	})
	return snap, stats, nil
}

var defaultMerger = &Merger{}

// Merge merges sets with default settings into a generation-zero snapshot.
func Merge(sets ...Source) (*snapshot.Snapshot, error) {
	snap, _, err := defaultMerger.Build(0, sets...)
	return snap, err
}

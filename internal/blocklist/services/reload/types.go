package reload

import (
	"time"

	"github.com/AnthonyMichaelTDM/zoraxy-blocklist-manager/internal/blocklist/domain"
	"github.com/AnthonyMichaelTDM/zoraxy-blocklist-manager/internal/blocklist/merge"
	"github.com/AnthonyMichaelTDM/zoraxy-blocklist-manager/internal/blocklist/ruleset"
	"github.com/AnthonyMichaelTDM/zoraxy-blocklist-manager/internal/blocklist/snapshot"
)

// State is the coordinator's position in its build cycle.
type State int32

const (
	StateIdle State = iota
	StateBuilding
	StatePublishing
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateBuilding:
		return "building"
	case StatePublishing:
		return "publishing"
	default:
		return "unknown"
	}
}

// FetchEvent delivers one fetched version of a source, or the reason it
// could not be fetched. Lines is consumed once; if it implements io.Closer
// the coordinator closes it when done.
type FetchEvent struct {
	SourceID  string
	Version   string
	FetchedAt time.Time
	// Format overrides the configured format. It is required for sources
	// that are not configured, which are then accepted as ad-hoc sources.
	Format domain.FormatHint
	Lines  ruleset.LineSource
	Err    error
}

// Report summarizes one synchronous reload.
type Report struct {
	Generation uint64
	Published  bool
	Built      map[string]ruleset.Stats
	Failed     map[string]error
	Merge      merge.CompactStats
}

// SourceStatus is the diagnostic view of one source.
type SourceStatus struct {
	ID          string
	Format      domain.FormatHint
	Location    string
	AdHoc       bool
	ActiveRules int
	Warnings    int
	Version     string
	LastAttempt time.Time
	LastSuccess time.Time
	LastError   string
}

// Diagnostics is a point-in-time view of the coordinator.
type Diagnostics struct {
	Generation  uint64
	State       State
	PublishedAt time.Time
	Rules       int
	Sources     []SourceStatus
}

// Observer is told about every per-source outcome and every publish.
// Calls are made from the building goroutine and must not block.
type Observer interface {
	SourceBuilt(sourceID string, stats ruleset.Stats, took time.Duration)
	SourceFailed(sourceID string, err error)
	Published(generation uint64, stats snapshot.Stats, took time.Duration)
	ReloadFailed(err error)
}

type nopObserver struct{}

func (nopObserver) SourceBuilt(string, ruleset.Stats, time.Duration) {}
func (nopObserver) SourceFailed(string, error)                       {}
func (nopObserver) Published(uint64, snapshot.Stats, time.Duration)  {}
func (nopObserver) ReloadFailed(error)                               {}

// Package reload owns the published snapshot. It rebuilds per-source rule
// sets as fetches arrive, merges them and publishes the result atomically.
package reload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/AnthonyMichaelTDM/zoraxy-blocklist-manager/internal/blocklist/common/clock"
	"github.com/AnthonyMichaelTDM/zoraxy-blocklist-manager/internal/blocklist/common/log"
	"github.com/AnthonyMichaelTDM/zoraxy-blocklist-manager/internal/blocklist/domain"
	"github.com/AnthonyMichaelTDM/zoraxy-blocklist-manager/internal/blocklist/merge"
	"github.com/AnthonyMichaelTDM/zoraxy-blocklist-manager/internal/blocklist/normalize"
	"github.com/AnthonyMichaelTDM/zoraxy-blocklist-manager/internal/blocklist/ruleset"
	"github.com/AnthonyMichaelTDM/zoraxy-blocklist-manager/internal/blocklist/snapshot"
)

type Options struct {
	Merger       *merge.Merger
	Normalizer   *normalize.Normalizer
	WarningLimit int
	Clock        clock.Clock
	Observer     Observer
	Logger       log.Logger
}

// Coordinator serializes builds and publishes snapshots. Readers call
// Current and never block on a build.
type Coordinator struct {
	current atomic.Pointer[snapshot.Snapshot]
	state   atomic.Int32

	merger       *merge.Merger
	normalizer   *normalize.Normalizer
	warningLimit int
	clock        clock.Clock
	observer     Observer
	logger       log.Logger

	// buildMu is held for the whole of a build and publish. unpublished
	// is guarded by it and marks rule sets accepted since the last publish.
	buildMu     sync.Mutex
	unpublished bool

	// mu guards everything below.
	mu          sync.Mutex
	specs       map[string]domain.SourceSpec
	order       []string
	adhoc       map[string]domain.FormatHint
	sets        map[string]builtSet
	status      map[string]*SourceStatus
	pending     map[string]FetchEvent
	inflight    map[string]context.CancelFunc
	dirty       bool
	publishedAt time.Time
	// specsChanged is closed and replaced by every Reconfigure.
	specsChanged chan struct{}

	wake chan struct{}
}

// New returns a coordinator with no sources and an empty generation-zero
// snapshot published.
func New(opts Options) *Coordinator {
	c := &Coordinator{
		merger:       opts.Merger,
		normalizer:   opts.Normalizer,
		warningLimit: opts.WarningLimit,
		clock:        opts.Clock,
		observer:     opts.Observer,
		logger:       opts.Logger,
		specs:        make(map[string]domain.SourceSpec),
		adhoc:        make(map[string]domain.FormatHint),
		sets:         make(map[string]builtSet),
		status:       make(map[string]*SourceStatus),
		pending:      make(map[string]FetchEvent),
		inflight:     make(map[string]context.CancelFunc),
		specsChanged: make(chan struct{}),
		wake:         make(chan struct{}, 1),
	}
	if c.merger == nil {
		c.merger = &merge.Merger{}
	}
	if c.normalizer == nil {
		c.normalizer = normalize.New(normalize.Options{})
	}
	if c.clock == nil {
		c.clock = clock.RealClock{}
	}
	if c.observer == nil {
		c.observer = nopObserver{}
	}
	if c.logger == nil {
		c.logger = log.GetLogger()
	}
	c.logger = log.Component(c.logger, "reload")
	c.current.Store(snapshot.New(nil, snapshot.Options{BuiltAt: c.clock.Now()}))
	return c
}

// Current returns the published snapshot. It is never nil.
func (c *Coordinator) Current() *snapshot.Snapshot {
	return c.current.Load()
}

// State reports what the coordinator is doing right now.
func (c *Coordinator) State() State {
	return State(c.state.Load())
}

// Specs returns the configured sources in configuration order.
func (c *Coordinator) Specs() []domain.SourceSpec {
	specs, _ := c.WatchSpecs()
	return specs
}

// WatchSpecs returns the configured sources together with a channel that
// is closed by the next Reconfigure.
func (c *Coordinator) WatchSpecs() ([]domain.SourceSpec, <-chan struct{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]domain.SourceSpec, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.specs[id])
	}
	return out, c.specsChanged
}

// Known reports whether id is a configured or ad-hoc source.
func (c *Coordinator) Known(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, configured := c.specs[id]
	_, adhoc := c.adhoc[id]
	return configured || adhoc
}

// Rules returns the published entries that carry a tag from sourceID.
func (c *Coordinator) Rules(sourceID string) ([]domain.Entry, error) {
	if !c.Known(sourceID) {
		return nil, fmt.Errorf("%w: %q", domain.ErrUnknownSource, sourceID)
	}
	return c.Current().RulesBySource(sourceID), nil
}

// Reconfigure replaces the active source list. Rule sets of sources that
// are no longer configured are dropped, ad-hoc sources are forgotten and
// the remaining data is republished.
func (c *Coordinator) Reconfigure(ctx context.Context, specs []domain.SourceSpec) error {
	if err := domain.ValidateSpecs(specs); err != nil {
		return fmt.Errorf("reconfigure: %w", err)
	}

	c.buildMu.Lock()
	defer c.buildMu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	defer c.state.Store(int32(StateIdle))

	c.mu.Lock()
	next := make(map[string]domain.SourceSpec, len(specs))
	order := make([]string, 0, len(specs))
	for _, s := range specs {
		next[s.ID] = s
		order = append(order, s.ID)
	}
	var dropped []string
	for id := range c.sets {
		spec, keep := next[id]
		if !keep || spec.Format != c.sets[id].format {
			delete(c.sets, id)
			dropped = append(dropped, id)
		}
	}
	for id := range c.status {
		if _, keep := next[id]; !keep {
			delete(c.status, id)
		}
	}
	for _, s := range specs {
		st, ok := c.status[s.ID]
		if !ok {
			st = &SourceStatus{ID: s.ID}
			c.status[s.ID] = st
		}
		st.Format = s.Format
		st.Location = s.Location()
		st.AdHoc = false
	}
	c.specs = next
	c.order = order
	c.adhoc = make(map[string]domain.FormatHint)
	close(c.specsChanged)
	c.specsChanged = make(chan struct{})
	c.mu.Unlock()

	sort.Strings(dropped)
	c.logger.Info(map[string]any{"sources": len(specs), "dropped": dropped}, "sources_reconfigured")

	_, _, err := c.publish()
	return err
}

// Reload builds a rule set for every event and, if anything changed,
// merges the latest rule set of every active source and publishes the
// result. With no events it simply republishes.
//
// A source whose event fails keeps its previous rule set. The returned
// error joins every per-source failure; a merge failure leaves the
// previous snapshot current.
func (c *Coordinator) Reload(ctx context.Context, events ...FetchEvent) (Report, error) {
	report := Report{
		Built:  make(map[string]ruleset.Stats),
		Failed: make(map[string]error),
	}

	c.buildMu.Lock()
	defer c.buildMu.Unlock()
	c.state.Store(int32(StateBuilding))
	defer c.state.Store(int32(StateIdle))

	var errs []error
	for i, ev := range events {
		if err := ctx.Err(); err != nil {
			for _, rest := range events[i:] {
				closeLines(rest.Lines)
			}
			return report, err
		}
		rs, err := c.build(ctx, ev)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				for _, rest := range events[i+1:] {
					closeLines(rest.Lines)
				}
				return report, ctxErr
			}
			c.reject(ev.SourceID, err)
			report.Failed[ev.SourceID] = err
			errs = append(errs, err)
			continue
		}
		c.accept(rs)
		report.Built[ev.SourceID] = rs.Stats()
	}

	if len(events) > 0 && len(report.Built) == 0 && !c.unpublished {
		report.Generation = c.Current().Generation()
		return report, errors.Join(errs...)
	}

	gen, stats, err := c.publish()
	report.Merge = stats
	if err != nil {
		report.Generation = c.Current().Generation()
		return report, errors.Join(append(errs, err)...)
	}
	report.Generation = gen
	report.Published = true
	return report, errors.Join(errs...)
}

// Diagnostics returns the current generation, state and per-source status.
func (c *Coordinator) Diagnostics() Diagnostics {
	snap := c.Current()
	perSource := snap.Stats().Sources

	c.mu.Lock()
	defer c.mu.Unlock()

	d := Diagnostics{
		Generation:  snap.Generation(),
		State:       c.State(),
		PublishedAt: c.publishedAt,
		Rules:       snap.Len(),
		Sources:     make([]SourceStatus, 0, len(c.status)),
	}
	ids := append([]string(nil), c.order...)
	adhoc := make([]string, 0, len(c.adhoc))
	for id := range c.adhoc {
		adhoc = append(adhoc, id)
	}
	sort.Strings(adhoc)
	ids = append(ids, adhoc...)
	for _, id := range ids {
		st, ok := c.status[id]
		if !ok {
			continue
		}
		out := *st
		out.ActiveRules = perSource[id]
		d.Sources = append(d.Sources, out)
	}
	return d
}

// build turns one event into a rule set. It does not touch c.sets.
func (c *Coordinator) build(ctx context.Context, ev FetchEvent) (*ruleset.RuleSet, error) {
	defer closeLines(ev.Lines)

	format, err := c.resolve(ev)
	if err != nil {
		return nil, err
	}
	now := c.clock.Now()
	c.mu.Lock()
	c.status[ev.SourceID].LastAttempt = now
	c.mu.Unlock()

	if ev.Err != nil {
		return nil, &domain.FetchError{SourceID: ev.SourceID, Err: ev.Err}
	}
	if ev.Lines == nil {
		return nil, &domain.FetchError{SourceID: ev.SourceID, Err: errors.New("no content")}
	}
	fetchedAt := ev.FetchedAt
	if fetchedAt.IsZero() {
		fetchedAt = now
	}

	rs, err := ruleset.Build(ctx, ruleset.Input{
		SourceID:  ev.SourceID,
		Version:   ev.Version,
		FetchedAt: fetchedAt,
		Format:    format,
	}, ev.Lines, ruleset.Options{
		Normalizer:   c.normalizer,
		WarningLimit: c.warningLimit,
		Logger:       c.logger,
	})
	if err != nil {
		return nil, err
	}
	c.observer.SourceBuilt(ev.SourceID, rs.Stats(), c.clock.Now().Sub(now))
	return rs, nil
}

// resolve picks the format for ev and registers unknown sources that
// carry an explicit format as ad-hoc.
func (c *Coordinator) resolve(ev FetchEvent) (domain.FormatHint, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	format := ev.Format
	if spec, ok := c.specs[ev.SourceID]; ok {
		if !format.Valid() {
			format = spec.Format
		}
		return format, nil
	}
	if f, ok := c.adhoc[ev.SourceID]; ok && !format.Valid() {
		format = f
	}
	if ev.SourceID == "" || !format.Valid() {
		return 0, fmt.Errorf("%w: %q", domain.ErrUnknownSource, ev.SourceID)
	}
	c.adhoc[ev.SourceID] = format
	st, ok := c.status[ev.SourceID]
	if !ok {
		st = &SourceStatus{ID: ev.SourceID, AdHoc: true}
		c.status[ev.SourceID] = st
	}
	st.Format = format
	return format, nil
}

// accept records rs as the latest rule set of its source. Callers must
// hold buildMu.
func (c *Coordinator) accept(rs *ruleset.RuleSet) {
	c.unpublished = true

	c.mu.Lock()
	c.sets[rs.SourceID()] = builtSet{Source: rs, format: rs.Format()}
	if st, ok := c.status[rs.SourceID()]; ok {
		st.Version = rs.Version()
		st.Warnings = rs.Stats().Rejected
		st.LastSuccess = c.clock.Now()
		st.LastError = ""
	}
	c.mu.Unlock()

	c.logger.Info(map[string]any{
		"source":   rs.SourceID(),
		"version":  rs.Version(),
		"rules":    rs.Len(),
		"rejected": rs.Stats().Rejected,
	}, "source_built")
}

func (c *Coordinator) reject(sourceID string, err error) {
	c.mu.Lock()
	if st, ok := c.status[sourceID]; ok {
		st.LastError = err.Error()
	}
	_, kept := c.sets[sourceID]
	c.mu.Unlock()

	c.observer.SourceFailed(sourceID, err)
	c.logger.Warn(map[string]any{
		"source":        sourceID,
		"error":         err,
		"kept_previous": kept,
	}, "source_build_failed")
}

// publish merges every active rule set and swaps the result in. Callers
// must hold buildMu.
func (c *Coordinator) publish() (uint64, merge.CompactStats, error) {
	c.state.Store(int32(StatePublishing))

	c.mu.Lock()
	sources := make([]merge.Source, 0, len(c.sets))
	ids := append([]string(nil), c.order...)
	adhoc := make([]string, 0, len(c.adhoc))
	for id := range c.adhoc {
		adhoc = append(adhoc, id)
	}
	sort.Strings(adhoc)
	for _, id := range append(ids, adhoc...) {
		if set, ok := c.sets[id]; ok {
			sources = append(sources, set)
		}
	}
	c.mu.Unlock()

	start := c.clock.Now()
	next := c.Current().Generation() + 1
	snap, stats, err := c.merger.Build(next, sources...)
	if err != nil {
		c.observer.ReloadFailed(err)
		c.logger.Error(map[string]any{"generation": next, "error": err}, "reload_merge_failed")
		return 0, stats, err
	}
	c.current.Store(snap)
	c.unpublished = false
	took := c.clock.Now().Sub(start)

	c.mu.Lock()
	c.publishedAt = snap.BuiltAt()
	c.mu.Unlock()

	c.observer.Published(next, snap.Stats(), took)
	c.logger.Info(map[string]any{
		"generation": next,
		"sources":    len(sources),
		"rules":      snap.Len(),
		"subsumed":   stats.Subsumed,
		"took_ms":    took.Milliseconds(),
	}, "snapshot_published")
	return next, stats, nil
}

// builtSet is the latest successful rule set of a source.
type builtSet struct {
	merge.Source
	format domain.FormatHint
}

func closeLines(l ruleset.LineSource) {
	if cl, ok := l.(io.Closer); ok {
		_ = cl.Close()
	}
}

// Package ingest keeps the reload coordinator fed: it fetches every
// configured source on its own schedule, persists raw bodies and replays
// them on startup or when a source cannot be reached.
package ingest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"maps"
	"math"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/AnthonyMichaelTDM/zoraxy-blocklist-manager/internal/blocklist/common/clock"
	"github.com/AnthonyMichaelTDM/zoraxy-blocklist-manager/internal/blocklist/common/log"
	"github.com/AnthonyMichaelTDM/zoraxy-blocklist-manager/internal/blocklist/domain"
	"github.com/AnthonyMichaelTDM/zoraxy-blocklist-manager/internal/blocklist/gateways/fetch"
	"github.com/AnthonyMichaelTDM/zoraxy-blocklist-manager/internal/blocklist/repos/rawstore"
	"github.com/AnthonyMichaelTDM/zoraxy-blocklist-manager/internal/blocklist/ruleset"
	"github.com/AnthonyMichaelTDM/zoraxy-blocklist-manager/internal/blocklist/services/reload"
)

const (
	defaultInterval       = 6 * time.Hour
	defaultInitialBackoff = 30 * time.Second
	defaultConcurrency    = 4
	defaultSettle         = 100 * time.Millisecond
)

// ErrConfiguredSource is returned when an import names a configured source.
var ErrConfiguredSource = errors.New("source is configured")

type Options struct {
	Coordinator Coordinator
	Fetcher     fetch.Fetcher
	Store       rawstore.Store
	// Interval is the refresh period of sources without their own.
	Interval       time.Duration
	InitialBackoff time.Duration
	// FetchTimeout bounds a single fetch; zero leaves it to the fetcher.
	FetchTimeout time.Duration
	Concurrency  int
	// Watch enables the filesystem watcher for file sources.
	Watch    bool
	Clock    clock.Clock
	Recorder Recorder
	Logger   log.Logger
}

// Scheduler fetches sources and hands the results to the coordinator.
type Scheduler struct {
	coord          Coordinator
	fetcher        fetch.Fetcher
	store          rawstore.Store
	interval       time.Duration
	initialBackoff time.Duration
	fetchTimeout   time.Duration
	concurrency    int
	watch          bool
	settle         time.Duration
	clock          clock.Clock
	recorder       Recorder
	logger         log.Logger

	importMu sync.Mutex

	// mu guards validators and due. due holds sources that must be fetched
	// as soon as their refresh loop starts.
	mu         sync.Mutex
	validators map[string]fetch.Validators
	due        map[string]struct{}
}

// New builds a Scheduler. Coordinator and Fetcher are required.
func New(opts Options) (*Scheduler, error) {
	if opts.Coordinator == nil {
		return nil, errors.New("ingest: coordinator is required")
	}
	if opts.Fetcher == nil {
		return nil, errors.New("ingest: fetcher is required")
	}
	s := &Scheduler{
		coord:          opts.Coordinator,
		fetcher:        opts.Fetcher,
		store:          opts.Store,
		interval:       opts.Interval,
		initialBackoff: opts.InitialBackoff,
		fetchTimeout:   opts.FetchTimeout,
		concurrency:    opts.Concurrency,
		watch:          opts.Watch,
		settle:         defaultSettle,
		clock:          opts.Clock,
		recorder:       opts.Recorder,
		logger:         opts.Logger,
		validators:     make(map[string]fetch.Validators),
		due:            make(map[string]struct{}),
	}
	if s.store == nil {
		s.store = rawstore.Nop{}
	}
	if s.interval <= 0 {
		s.interval = defaultInterval
	}
	if s.initialBackoff <= 0 {
		s.initialBackoff = defaultInitialBackoff
	}
	if s.concurrency <= 0 {
		s.concurrency = defaultConcurrency
	}
	if s.clock == nil {
		s.clock = clock.RealClock{}
	}
	if s.recorder == nil {
		s.recorder = nopRecorder{}
	}
	if s.logger == nil {
		s.logger = log.GetLogger()
	}
	s.logger = log.Component(s.logger, "ingest")
	return s, nil
}

// Bootstrap replays every stored raw body of a configured source so a
// snapshot exists before the first fetch completes.
func (s *Scheduler) Bootstrap(ctx context.Context) (reload.Report, error) {
	var events []reload.FetchEvent
	for _, spec := range s.coord.Specs() {
		if ev, ok := s.rawEvent(spec); ok {
			events = append(events, ev)
		}
	}
	if len(events) == 0 {
		return reload.Report{Generation: s.coord.Current().Generation()}, nil
	}
	s.logger.Info(map[string]any{"sources": len(events)}, "bootstrap_from_raw_store")
	return s.coord.Reload(ctx, events...)
}

// RefreshAll fetches every configured source, at most Concurrency at a
// time, and reloads once with everything that changed.
func (s *Scheduler) RefreshAll(ctx context.Context) (reload.Report, error) {
	specs := s.coord.Specs()
	events := make([]reload.FetchEvent, len(specs))
	ready := make([]bool, len(specs))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for i, spec := range specs {
		g.Go(func() error {
			ev, ok, _ := s.fetchOne(gctx, spec, true)
			events[i], ready[i] = ev, ok
			return nil
		})
	}
	_ = g.Wait()

	batch := make([]reload.FetchEvent, 0, len(specs))
	for i, ok := range ready {
		if ok {
			batch = append(batch, events[i])
		}
	}
	if err := ctx.Err(); err != nil {
		for _, ev := range batch {
			if ev.Lines != nil {
				closeLines(ev.Lines)
			}
		}
		return reload.Report{}, err
	}
	if len(batch) == 0 {
		return reload.Report{Generation: s.coord.Current().Generation()}, nil
	}
	return s.coord.Reload(ctx, batch...)
}

// Import ingests a comma or newline separated list as an ad-hoc source.
// Only one import runs at a time.
func (s *Scheduler) Import(ctx context.Context, sourceID string, format domain.FormatHint, text string) (reload.Report, error) {
	if !s.importMu.TryLock() {
		return reload.Report{}, domain.ErrImportInProgress
	}
	defer s.importMu.Unlock()

	sourceID = strings.TrimSpace(sourceID)
	if sourceID == "" {
		return reload.Report{}, errors.New("import: source id must not be empty")
	}
	if !format.Valid() {
		return reload.Report{}, fmt.Errorf("import: unsupported format %d", format)
	}
	for _, spec := range s.coord.Specs() {
		if spec.ID == sourceID {
			return reload.Report{}, fmt.Errorf("import: %w: %q", ErrConfiguredSource, sourceID)
		}
	}

	entries := splitImport(text)
	now := s.clock.Now()
	s.logger.Info(map[string]any{"source": sourceID, "format": format.String(), "entries": len(entries)}, "import_started")
	report, err := s.coord.Reload(ctx, reload.FetchEvent{
		SourceID:  sourceID,
		Version:   now.UTC().Format(time.RFC3339),
		FetchedAt: now,
		Format:    format,
		Lines:     ruleset.Lines(entries...),
	})
	fields := map[string]any{"source": sourceID, "generation": report.Generation}
	if st, ok := report.Built[sourceID]; ok {
		fields["rules"] = st.Rules
		fields["rejected"] = st.Rejected
	}
	if err != nil {
		fields["error"] = err
		s.logger.Warn(fields, "import_failed")
		return report, err
	}
	s.logger.Info(fields, "import_done")
	return report, nil
}

func splitImport(text string) []string {
	return strings.FieldsFunc(text, func(r rune) bool {
		return r == ',' || r == '\n' || r == '\r'
	})
}

// fetchOne fetches spec and turns the outcome into an event. ok is false
// when there is nothing to deliver. err is the fetch failure, if any, even
// when a stored body is delivered in its place.
func (s *Scheduler) fetchOne(ctx context.Context, spec domain.SourceSpec, retry bool) (reload.FetchEvent, bool, error) {
	s.mu.Lock()
	prev := s.validators[spec.ID]
	s.mu.Unlock()

	fctx := ctx
	if s.fetchTimeout > 0 {
		var cancel context.CancelFunc
		fctx, cancel = context.WithTimeout(ctx, s.fetchTimeout)
		defer cancel()
	}
	start := s.clock.Now()
	res, err := s.fetcher.Fetch(fctx, spec, prev)
	took := s.clock.Now().Sub(start)

	switch {
	case err != nil:
		if ctx.Err() != nil {
			return reload.FetchEvent{}, false, ctx.Err()
		}
		if !s.active(spec.ID) {
			if ev, ok := s.rawEvent(spec); ok {
				s.recorder.FetchDone(spec.ID, took, OutcomeCached)
				s.logger.Warn(map[string]any{"source": spec.ID, "error": err}, "fetch_failed_using_raw_store")
				return ev, true, err
			}
		}
		s.recorder.FetchDone(spec.ID, took, OutcomeFailed)
		s.logger.Warn(map[string]any{"source": spec.ID, "location": spec.Location(), "error": err}, "fetch_failed")
		return reload.FetchEvent{SourceID: spec.ID, FetchedAt: start, Err: err}, true, err

	case res.NotModified:
		s.recorder.FetchDone(spec.ID, took, OutcomeNotModified)
		if s.active(spec.ID) {
			s.logger.Debug(map[string]any{"source": spec.ID}, "fetch_not_modified")
			return reload.FetchEvent{}, false, nil
		}
		if ev, ok := s.rawEvent(spec); ok {
			return ev, true, nil
		}
		s.mu.Lock()
		delete(s.validators, spec.ID)
		s.mu.Unlock()
		if retry {
			return s.fetchOne(ctx, spec, false)
		}
		return reload.FetchEvent{}, false, nil
	}

	s.recorder.FetchDone(spec.ID, took, OutcomeFetched)
	s.mu.Lock()
	s.validators[spec.ID] = res.Validators
	s.mu.Unlock()

	if err := s.store.Put(rawstore.Record{
		SourceID:     spec.ID,
		Format:       spec.Format,
		Version:      res.Version,
		FetchedAt:    res.FetchedAt,
		ETag:         res.Validators.ETag,
		LastModified: res.Validators.LastModified,
		Body:         res.Body,
	}); err != nil {
		s.logger.Warn(map[string]any{"source": spec.ID, "error": err}, "raw_store_put_failed")
	}
	s.logger.Debug(map[string]any{
		"source":  spec.ID,
		"version": res.Version,
		"bytes":   len(res.Body),
		"took_ms": took.Milliseconds(),
	}, "fetch_done")
	return reload.FetchEvent{
		SourceID:  spec.ID,
		Version:   res.Version,
		FetchedAt: res.FetchedAt,
		Lines:     ruleset.NewScanner(bytes.NewReader(res.Body)),
	}, true, nil
}

// rawEvent builds an event from the stored body of spec. A record stored
// under a different format is ignored.
func (s *Scheduler) rawEvent(spec domain.SourceSpec) (reload.FetchEvent, bool) {
	rec, ok, err := s.store.Get(spec.ID)
	if err != nil {
		s.logger.Warn(map[string]any{"source": spec.ID, "error": err}, "raw_store_get_failed")
		return reload.FetchEvent{}, false
	}
	if !ok || rec.Format != spec.Format {
		return reload.FetchEvent{}, false
	}
	s.mu.Lock()
	s.validators[spec.ID] = fetch.Validators{ETag: rec.ETag, LastModified: rec.LastModified}
	s.mu.Unlock()
	return reload.FetchEvent{
		SourceID:  spec.ID,
		Version:   rec.Version,
		FetchedAt: rec.FetchedAt,
		Lines:     ruleset.NewScanner(bytes.NewReader(rec.Body)),
	}, true
}

// active reports whether the published snapshot holds rules from id.
func (s *Scheduler) active(id string) bool {
	return s.coord.Current().Stats().Sources[id] > 0
}

// Run refreshes every configured source on its own interval until ctx is
// done. Failed fetches are retried with exponential backoff capped at the
// source's interval. When the coordinator is reconfigured the refresh loops
// are restarted for the new source list, and sources that are new or whose
// spec changed are fetched at once.
func (s *Scheduler) Run(ctx context.Context) error {
	var prev map[string]domain.SourceSpec
	for {
		specs, changed := s.coord.WatchSpecs()
		due := s.track(prev, specs)

		rctx, cancel := context.WithCancel(ctx)
		wait := s.runSources(rctx, specs)
		s.logger.Info(map[string]any{"sources": len(specs), "due": due, "watch": s.watch}, "scheduler_started")

		select {
		case <-ctx.Done():
			cancel()
			wait()
			s.logger.Info(nil, "scheduler_stopped")
			return ctx.Err()
		case <-changed:
			cancel()
			wait()
			s.logger.Info(nil, "scheduler_sources_changed")
		}

		prev = make(map[string]domain.SourceSpec, len(specs))
		for _, spec := range specs {
			prev[spec.ID] = spec
		}
	}
}

// track compares the new source list with prev. Sources that are new or
// changed become due for an immediate fetch and lose their validators;
// removed sources are forgotten. It returns how many sources are due.
func (s *Scheduler) track(prev map[string]domain.SourceSpec, specs []domain.SourceSpec) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev == nil {
		return len(s.due)
	}

	next := make(map[string]struct{}, len(specs))
	for _, spec := range specs {
		next[spec.ID] = struct{}{}
		if old, ok := prev[spec.ID]; !ok || !sameSpec(old, spec) {
			s.due[spec.ID] = struct{}{}
			delete(s.validators, spec.ID)
		}
	}
	for id := range prev {
		if _, ok := next[id]; !ok {
			delete(s.validators, id)
		}
	}
	for id := range s.due {
		if _, ok := next[id]; !ok {
			delete(s.due, id)
		}
	}
	return len(s.due)
}

// runSources starts one refresh loop per spec plus the file watcher and
// returns a function that waits for all of them to stop.
func (s *Scheduler) runSources(ctx context.Context, specs []domain.SourceSpec) func() {
	var g errgroup.Group
	for _, spec := range specs {
		s.mu.Lock()
		_, due := s.due[spec.ID]
		s.mu.Unlock()
		g.Go(func() error {
			s.loop(ctx, spec, due)
			return nil
		})
	}
	if s.watch {
		w, err := newWatcher(specs)
		if err != nil {
			s.logger.Warn(map[string]any{"error": err}, "file_watch_disabled")
		} else if w != nil {
			g.Go(func() error {
				s.watchLoop(ctx, w)
				return nil
			})
		}
	}
	return func() { _ = g.Wait() }
}

func sameSpec(a, b domain.SourceSpec) bool {
	return a.ID == b.ID && a.Format == b.Format && a.URL == b.URL && a.Path == b.Path &&
		a.Refresh == b.Refresh && maps.Equal(a.Headers, b.Headers)
}

func (s *Scheduler) loop(ctx context.Context, spec domain.SourceSpec, immediate bool) {
	interval := spec.Refresh
	if interval <= 0 {
		interval = s.interval
	}
	first := interval
	if immediate {
		first = 0
	}
	timer := time.NewTimer(first)
	defer timer.Stop()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		ev, ok, err := s.fetchOne(ctx, spec, true)
		if ctx.Err() != nil {
			if ok && ev.Lines != nil {
				closeLines(ev.Lines)
			}
			return
		}
		if ok {
			s.coord.Submit(ev)
		}
		if immediate {
			s.mu.Lock()
			delete(s.due, spec.ID)
			s.mu.Unlock()
			immediate = false
		}

		wait := interval
		if err != nil {
			failures++
			wait = calcBackoff(s.initialBackoff, interval, failures)
			s.logger.Warn(map[string]any{
				"source":   spec.ID,
				"attempt":  failures,
				"retry_in": wait.String(),
			}, "refresh_backoff")
		} else if failures > 0 {
			s.logger.Info(map[string]any{"source": spec.ID, "failures": failures}, "refresh_recovered")
			failures = 0
		}
		timer.Reset(wait)
	}
}

// calcBackoff doubles initial per consecutive failure up to max and adds
// up to 20% jitter either way.
func calcBackoff(initial, max time.Duration, failures int) time.Duration {
	if failures < 1 {
		failures = 1
	}
	pow := math.Pow(2, float64(failures-1))
	backoff := time.Duration(float64(initial) * pow)
	if backoff > max || backoff <= 0 {
		backoff = max
	}

	jitterFrac := 0.2
	jitter := time.Duration(rand.Float64()*2*jitterFrac*float64(backoff)) -
		time.Duration(jitterFrac*float64(backoff))

	return backoff + jitter
}

func closeLines(l ruleset.LineSource) {
	if cl, ok := l.(interface{ Close() error }); ok {
		_ = cl.Close()
	}
}

// Package query answers membership probes against the published snapshot.
package query

import (
	"slices"

	"github.com/AnthonyMichaelTDM/zoraxy-blocklist-manager/internal/blocklist/common/log"
	"github.com/AnthonyMichaelTDM/zoraxy-blocklist-manager/internal/blocklist/domain"
)

// Engine resolves probes. It never blocks on I/O and holds no lock while a
// query runs: each call loads the current snapshot once and answers from it.
type Engine struct {
	snapshots SnapshotSource
	cache     Cache
	recorder  Recorder
	logger    log.Logger
}

type Options struct {
	Snapshots SnapshotSource
	// Cache is optional.
	Cache Cache
	// Recorder is optional.
	Recorder Recorder
	Logger   log.Logger
}

func NewEngine(opts Options) *Engine {
	logger := opts.Logger
	if logger == nil {
		logger = log.GetLogger()
	}
	return &Engine{
		snapshots: opts.Snapshots,
		cache:     opts.Cache,
		recorder:  opts.Recorder,
		logger:    logger,
	}
}

// Query parses raw as an address or a domain and answers it. Only a
// malformed probe produces an error.
func (e *Engine) Query(raw string) (domain.QueryResult, error) {
	p, err := domain.ParseProbe(raw)
	if err != nil {
		e.logger.Debug(map[string]any{"probe": raw, "error": err}, "query_invalid_probe")
		return domain.QueryResult{}, err
	}
	return e.QueryProbe(p), nil
}

// QueryProbe answers an already parsed probe.
func (e *Engine) QueryProbe(p domain.Probe) domain.QueryResult {
	snap := e.snapshots.Current()
	gen := snap.Generation()
	key := p.Key()

	if e.cache != nil {
		if r, ok := e.cache.Get(key); ok && r.Generation == gen {
			e.record(p, r.Matched, true)
			return cloneResult(r)
		}
	}

	r := snap.Query(p)
	if e.cache != nil {
		e.cache.Put(key, r)
	}
	e.record(p, r.Matched, false)
	return cloneResult(r)
}

func (e *Engine) record(p domain.Probe, matched, cached bool) {
	if e.recorder == nil {
		return
	}
	kind := "domain"
	if p.IsIP() {
		kind = "ip"
	}
	e.recorder.QueryAnswered(kind, matched, cached)
}

// cloneResult keeps callers from mutating tags shared with the cache.
func cloneResult(r domain.QueryResult) domain.QueryResult {
	r.Sources = slices.Clone(r.Sources)
	return r
}

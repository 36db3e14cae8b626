package ingest

import (
	"context"
	"time"

	"github.com/AnthonyMichaelTDM/zoraxy-blocklist-manager/internal/blocklist/domain"
	"github.com/AnthonyMichaelTDM/zoraxy-blocklist-manager/internal/blocklist/services/reload"
	"github.com/AnthonyMichaelTDM/zoraxy-blocklist-manager/internal/blocklist/snapshot"
)

// Coordinator is the part of the reload coordinator the scheduler drives.
type Coordinator interface {
	Specs() []domain.SourceSpec
	WatchSpecs() ([]domain.SourceSpec, <-chan struct{})
	Current() *snapshot.Snapshot
	Reload(ctx context.Context, events ...reload.FetchEvent) (reload.Report, error)
	Submit(ev reload.FetchEvent)
}

// Fetch outcomes reported to a Recorder.
const (
	OutcomeFetched     = "fetched"
	OutcomeNotModified = "not_modified"
	OutcomeCached      = "raw_cache"
	OutcomeFailed      = "failed"
)

// Recorder observes every fetch attempt.
type Recorder interface {
	FetchDone(sourceID string, took time.Duration, outcome string)
}

type nopRecorder struct{}

func (nopRecorder) FetchDone(string, time.Duration, string) {}

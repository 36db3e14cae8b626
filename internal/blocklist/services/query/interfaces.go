package query

import (
	"github.com/AnthonyMichaelTDM/zoraxy-blocklist-manager/internal/blocklist/domain"
	"github.com/AnthonyMichaelTDM/zoraxy-blocklist-manager/internal/blocklist/snapshot"
)

// SnapshotSource hands out the currently published snapshot. The reload
// coordinator implements it.
type SnapshotSource interface {
	Current() *snapshot.Snapshot
}

// Cache memoizes query results by probe key.
type Cache interface {
	Get(key string) (domain.QueryResult, bool)
	Put(key string, r domain.QueryResult)
	Len() int
	Purge()
	Stats() CacheStats
}

// CacheStats reports lightweight cache counters. Values are best-effort
// and may be updated concurrently.
type CacheStats struct {
	Capacity  int
	Size      int
	Hits      uint64
	Misses    uint64
	Evictions uint64
}

// Recorder observes every answered query.
type Recorder interface {
	QueryAnswered(kind string, matched, cached bool)
}

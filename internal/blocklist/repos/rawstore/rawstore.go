// Package rawstore persists the raw text of fetched lists so a restart can
// rebuild every source without refetching it. The merged snapshot itself is
// never persisted.
package rawstore

import (
	"time"

	"github.com/AnthonyMichaelTDM/zoraxy-blocklist-manager/internal/blocklist/domain"
)

// Record is one stored version of a source.
type Record struct {
	SourceID     string
	Format       domain.FormatHint
	Version      string
	FetchedAt    time.Time
	ETag         string
	LastModified string
	Body         []byte
}

// Stats reports lightweight store counters and metadata.
type Stats struct {
	Sources     uint64
	Bytes       uint64
	UpdatedUnix int64 // last write, seconds since epoch (0 if unknown)
}

// Store abstracts raw list persistence.
//   - Put replaces the stored record for rec.SourceID
//   - Get returns the stored record, ok=false when absent
//   - Delete removes a source; deleting a missing source is not an error
type Store interface {
	Put(rec Record) error
	Get(sourceID string) (Record, bool, error)
	Delete(sourceID string) error
	List() ([]string, error)
	Stats() Stats
	Close() error
}

// Nop is a Store that keeps nothing. It is used when persistence is
// disabled.
type Nop struct{}

func (Nop) Put(Record) error                 { return nil }
func (Nop) Get(string) (Record, bool, error) { return Record{}, false, nil }
func (Nop) Delete(string) error              { return nil }
func (Nop) List() ([]string, error)          { return nil, nil }
func (Nop) Stats() Stats                     { return Stats{} }
func (Nop) Close() error                     { return nil }

var _ Store = Nop{}

// Package fetch retrieves raw blocklist text over HTTP or from the local
// filesystem. Fetchers never parse what they read.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/AnthonyMichaelTDM/zoraxy-blocklist-manager/internal/blocklist/domain"
)

// DefaultMaxBytes caps a single list body when no limit is configured.
const DefaultMaxBytes = 64 << 20

// ErrTooLarge is returned when a list body exceeds the configured limit.
var ErrTooLarge = errors.New("list body exceeds size limit")

// Validators carry the cache validators of the previously fetched version
// of a source. For file sources ETag holds the size/mtime token.
type Validators struct {
	ETag         string
	LastModified string
}

// Result is one fetched version of a source. When NotModified is set Body
// is empty and the caller keeps what it already has.
type Result struct {
	Body        []byte
	Version     string
	FetchedAt   time.Time
	Validators  Validators
	NotModified bool
}

// Fetcher retrieves the raw text of a source.
type Fetcher interface {
	Fetch(ctx context.Context, spec domain.SourceSpec, prev Validators) (Result, error)
}

// StatusError reports a non-success HTTP response.
type StatusError struct {
	Code   int
	Status string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status: %s", e.Status)
}

// Mux sends remote sources to HTTP and everything else to File.
type Mux struct {
	HTTP Fetcher
	File Fetcher
}

// Fetch implements Fetcher.
func (m Mux) Fetch(ctx context.Context, spec domain.SourceSpec, prev Validators) (Result, error) {
	f := m.File
	if spec.IsRemote() {
		f = m.HTTP
	}
	if f == nil {
		return Result{}, fmt.Errorf("no fetcher for source %q", spec.ID)
	}
	return f.Fetch(ctx, spec, prev)
}

var _ Fetcher = Mux{}

// UserAgent identifies this program to list operators.
func UserAgent() string {
	const (
		name       = "zoraxy-blocklist-manager"
		importPath = "github.com/AnthonyMichaelTDM/zoraxy-blocklist-manager"
	)
	version := "unknown"
	if bi, ok := debug.ReadBuildInfo(); ok && bi.Main.Path == importPath && bi.Main.Version != "" {
		version = bi.Main.Version
	}
	return name + "/" + version
}

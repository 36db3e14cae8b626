package fetch

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/AnthonyMichaelTDM/zoraxy-blocklist-manager/internal/blocklist/common/clock"
	"github.com/AnthonyMichaelTDM/zoraxy-blocklist-manager/internal/blocklist/domain"
)

// FileFetcher reads lists from the local filesystem.
type FileFetcher struct {
	MaxBytes int64
	Clock    clock.Clock
}

// Fetch implements Fetcher. The version token is built from size and
// modification time; an unchanged token yields NotModified.
func (f FileFetcher) Fetch(ctx context.Context, spec domain.SourceSpec, prev Validators) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	clk := f.Clock
	if clk == nil {
		clk = clock.RealClock{}
	}
	maxBytes := f.MaxBytes
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}

	fh, err := os.Open(spec.Path)
	if err != nil {
		return Result{}, fmt.Errorf("read file: %w", err)
	}
	defer fh.Close()

	info, err := fh.Stat()
	if err != nil {
		return Result{}, fmt.Errorf("stat file: %w", err)
	}
	if info.IsDir() {
		return Result{}, fmt.Errorf("read file: %s is a directory", spec.Path)
	}
	token := fmt.Sprintf("%d-%d", info.Size(), info.ModTime().UnixNano())
	now := clk.Now()
	if prev.ETag == token {
		return Result{FetchedAt: now, Validators: prev, NotModified: true}, nil
	}

	body, err := io.ReadAll(io.LimitReader(fh, maxBytes+1))
	if err != nil {
		return Result{}, fmt.Errorf("read file: %w", err)
	}
	if int64(len(body)) > maxBytes {
		return Result{}, fmt.Errorf("%w (%d bytes)", ErrTooLarge, maxBytes)
	}
	return Result{
		Body:       body,
		Version:    token,
		FetchedAt:  now,
		Validators: Validators{ETag: token},
	}, nil
}

var _ Fetcher = FileFetcher{}

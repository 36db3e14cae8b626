package fetch

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/AnthonyMichaelTDM/zoraxy-blocklist-manager/internal/blocklist/common/clock"
	"github.com/AnthonyMichaelTDM/zoraxy-blocklist-manager/internal/blocklist/domain"
)

// HTTPOptions configures an HTTPFetcher. Zero values fall back to a 30s
// client timeout, UserAgent() and DefaultMaxBytes.
type HTTPOptions struct {
	Client    *http.Client
	Timeout   time.Duration
	UserAgent string
	MaxBytes  int64
	Clock     clock.Clock
}

// HTTPFetcher downloads lists with conditional GET requests.
type HTTPFetcher struct {
	client    *http.Client
	userAgent string
	maxBytes  int64
	clock     clock.Clock
}

// NewHTTPFetcher builds an HTTPFetcher from opts.
func NewHTTPFetcher(opts HTTPOptions) *HTTPFetcher {
	client := opts.Client
	if client == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	ua := opts.UserAgent
	if ua == "" {
		ua = UserAgent()
	}
	maxBytes := opts.MaxBytes
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &HTTPFetcher{client: client, userAgent: ua, maxBytes: maxBytes, clock: clk}
}

// Fetch implements Fetcher. A 304 response yields NotModified with the
// previous validators.
func (f *HTTPFetcher) Fetch(ctx context.Context, spec domain.SourceSpec, prev Validators) (Result, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, spec.URL, nil)
	if err != nil {
		return Result{}, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", f.userAgent)
	for k, v := range spec.Headers {
		req.Header.Set(k, v)
	}
	if prev.ETag != "" {
		req.Header.Set("If-None-Match", prev.ETag)
	}
	if prev.LastModified != "" {
		req.Header.Set("If-Modified-Since", prev.LastModified)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	now := f.clock.Now()
	if resp.StatusCode == http.StatusNotModified {
		return Result{FetchedAt: now, Validators: prev, NotModified: true}, nil
	}
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return Result{}, &StatusError{Code: resp.StatusCode, Status: resp.Status}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBytes+1))
	if err != nil {
		return Result{}, fmt.Errorf("read body: %w", err)
	}
	if int64(len(body)) > f.maxBytes {
		return Result{}, fmt.Errorf("%w (%d bytes)", ErrTooLarge, f.maxBytes)
	}

	v := Validators{
		ETag:         resp.Header.Get("ETag"),
		LastModified: resp.Header.Get("Last-Modified"),
	}
	return Result{
		Body:       body,
		Version:    versionOf(v, body),
		FetchedAt:  now,
		Validators: v,
	}, nil
}

// versionOf prefers the server's validators and falls back to a digest of
// the body.
func versionOf(v Validators, body []byte) string {
	switch {
	case v.ETag != "":
		return v.ETag
	case v.LastModified != "":
		return v.LastModified
	default:
		sum := sha256.Sum256(body)
		return "sha256:" + hex.EncodeToString(sum[:8])
	}
}

var _ Fetcher = (*HTTPFetcher)(nil)

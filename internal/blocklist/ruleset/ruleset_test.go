package ruleset

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AnthonyMichaelTDM/zoraxy-blocklist-manager/internal/blocklist/common/log"
	"github.com/AnthonyMichaelTDM/zoraxy-blocklist-manager/internal/blocklist/domain"
	"github.com/AnthonyMichaelTDM/zoraxy-blocklist-manager/internal/blocklist/normalize"
)

var fetchedAt = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func input(id string, format domain.FormatHint) Input {
	return Input{SourceID: id, Version: "v1", FetchedAt: fetchedAt, Format: format}
}

func quiet() Options {
	return Options{WarningLimit: -1, Logger: log.NewNoopLogger()}
}

func TestBuild_ContainmentScenario(t *testing.T) {
	rs, err := Build(context.Background(), input("spamhaus", domain.FormatCIDR),
		Lines("192.168.0.0/16", "192.168.5.5", "# comment", "not-an-ip"), quiet())
	require.NoError(t, err)

	require.Equal(t, 1, rs.Len())
	e := rs.Entries()[0]
	assert.Equal(t, "192.168.0.0/16", e.Rule.String())
	require.Len(t, e.Tags, 2)
	assert.Equal(t, 1, e.Tags[0].Line)
	assert.Equal(t, 2, e.Tags[1].Line)
	for _, tag := range e.Tags {
		assert.Equal(t, "spamhaus", tag.SourceID)
		assert.Equal(t, "v1", tag.Version)
		assert.Equal(t, fetchedAt, tag.FetchedAt)
	}

	st := rs.Stats()
	assert.Equal(t, Stats{Lines: 4, Parsed: 2, Skipped: 1, Rejected: 1, Subsumed: 1, Rules: 1}, st)

	require.Len(t, rs.Warnings(), 1)
	w := rs.Warnings()[0]
	assert.Equal(t, domain.ErrMalformedIP, w.Kind)
	assert.Equal(t, 4, w.Line)
	assert.Equal(t, "not-an-ip", w.Input)
}

func TestBuild_DedupesEqualRules(t *testing.T) {
	rs, err := Build(context.Background(), input("a", domain.FormatCIDR),
		Lines("10.0.0.1", "10.0.0.1/32 # again", "10.0.0.1"), quiet())
	require.NoError(t, err)

	require.Equal(t, 1, rs.Len())
	assert.Len(t, rs.Entries()[0].Tags, 3)
	assert.Equal(t, "again", rs.Entries()[0].Tags[1].Comment)
	assert.Equal(t, 2, rs.Stats().Duplicates)
	assert.Equal(t, 0, rs.Stats().Subsumed)
}

func TestBuild_HostsAndSuffixes(t *testing.T) {
	rs, err := Build(context.Background(), input("hosts", domain.FormatHosts), Lines(
		"127.0.0.1 localhost",
		"0.0.0.0 ads.example.com tracker.example.org",
		"0.0.0.0 ads.example.com",
	), quiet())
	require.NoError(t, err)
	got := make([]string, 0, rs.Len())
	for _, e := range rs.Entries() {
		got = append(got, e.Rule.String())
	}
	assert.Equal(t, []string{"ads.example.com", "tracker.example.org"}, got)
	assert.Equal(t, 1, rs.Stats().Skipped)

	rs, err = Build(context.Background(), input("wild", domain.FormatDomain), Lines(
		"*.example.com",
		"shop.example.com",
		"example.com",
	), quiet())
	require.NoError(t, err)
	require.Equal(t, 1, rs.Len())
	assert.Equal(t, "*.example.com", rs.Entries()[0].Rule.String())
	assert.Len(t, rs.Entries()[0].Tags, 3)
	assert.Equal(t, 2, rs.Stats().Subsumed)
}

func TestBuild_EmptySource(t *testing.T) {
	_, err := Build(context.Background(), input("empty", domain.FormatCIDR),
		Lines("# only", "", "garbage"), quiet())
	var empty *domain.EmptySourceError
	require.True(t, errors.As(err, &empty), "got %v", err)
	assert.Equal(t, "empty", empty.SourceID)
	assert.Equal(t, 3, empty.Lines)
	assert.Equal(t, 1, empty.Rejected)
}

type failingLines struct {
	LineSource
	err error
}

func (f *failingLines) Err() error { return f.err }

func TestBuild_ReadErrorFailsBuild(t *testing.T) {
	src := &failingLines{LineSource: Lines("10.0.0.1"), err: io.ErrUnexpectedEOF}
	_, err := Build(context.Background(), input("broken", domain.FormatCIDR), src, quiet())
	require.Error(t, err)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
	assert.Contains(t, err.Error(), "broken")
}

func TestBuild_Cancelled(t *testing.T) {
	lines := make([]string, 3000)
	for i := range lines {
		lines[i] = "10.0.0.1"
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Build(ctx, input("a", domain.FormatCIDR), Lines(lines...), quiet())
	assert.ErrorIs(t, err, context.Canceled)
}

func TestBuild_WarningLimit(t *testing.T) {
	lines := []string{"10.0.0.0/8", "x1", "x2", "x3", "x4", "x5"}
	tests := []struct {
		limit int
		kept  int
	}{
		{limit: -1, kept: 5},
		{limit: 0, kept: 0},
		{limit: 2, kept: 2},
		{limit: 10, kept: 5},
	}
	for _, tt := range tests {
		rs, err := Build(context.Background(), input("a", domain.FormatCIDR), Lines(lines...),
			Options{WarningLimit: tt.limit, Logger: log.NewNoopLogger()})
		require.NoError(t, err)
		assert.Len(t, rs.Warnings(), tt.kept, "limit %d", tt.limit)
		assert.Equal(t, 5, rs.Stats().Rejected, "limit %d", tt.limit)
	}
}

func TestBuild_UsesNormalizerOptions(t *testing.T) {
	opts := quiet()
	opts.Normalizer = normalize.New(normalize.Options{RejectPublicSuffix: true})
	rs, err := Build(context.Background(), input("a", domain.FormatWildcard), Lines("co.uk", "example.co.uk"), opts)
	require.NoError(t, err)
	require.Equal(t, 1, rs.Len())
	assert.Equal(t, "*.example.co.uk", rs.Entries()[0].Rule.String())
	require.Len(t, rs.Warnings(), 1)
	assert.Equal(t, domain.ErrPublicSuffix, rs.Warnings()[0].Kind)
}

func TestBuild_RejectsUnknownFormat(t *testing.T) {
	_, err := Build(context.Background(), input("a", domain.FormatHint(0)), Lines("10.0.0.1"), quiet())
	assert.Error(t, err)
}

func TestNewScanner_LongLines(t *testing.T) {
	long := "# " + strings.Repeat("x", 200*1024)
	body := long + "\n10.0.0.0/8\n"
	rs, err := Build(context.Background(), input("a", domain.FormatCIDR), NewScanner(strings.NewReader(body)), quiet())
	require.NoError(t, err)
	assert.Equal(t, 2, rs.Stats().Lines)
	assert.Equal(t, 1, rs.Len())
}

func TestLines(t *testing.T) {
	src := Lines("a", "b")
	var got []string
	for src.Scan() {
		got = append(got, src.Text())
	}
	assert.Equal(t, []string{"a", "b"}, got)
	assert.False(t, src.Scan())
	assert.NoError(t, src.Err())
}

// Package ruleset builds the immutable, per-source collection of canonical
// entries from a lazily read sequence of raw lines.
package ruleset

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/AnthonyMichaelTDM/zoraxy-blocklist-manager/internal/blocklist/common/log"
	"github.com/AnthonyMichaelTDM/zoraxy-blocklist-manager/internal/blocklist/domain"
	"github.com/AnthonyMichaelTDM/zoraxy-blocklist-manager/internal/blocklist/merge"
	"github.com/AnthonyMichaelTDM/zoraxy-blocklist-manager/internal/blocklist/normalize"
)

// LineSource is a single-pass pull iterator over raw lines. *bufio.Scanner
// satisfies it.
type LineSource interface {
	Scan() bool
	Text() string
	Err() error
}

// maxLineBytes bounds a single line. Some published lists carry very long
// comment headers.
const maxLineBytes = 1 << 20

// NewScanner wraps r in a line scanner that accepts lines up to 1 MiB.
func NewScanner(r io.Reader) *bufio.Scanner {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	return s
}

type sliceLines struct {
	lines []string
	pos   int
}

// Lines returns an in-memory LineSource over lines.
func Lines(lines ...string) LineSource {
	return &sliceLines{lines: lines, pos: -1}
}

func (s *sliceLines) Scan() bool {
	if s.pos+1 >= len(s.lines) {
		s.pos = len(s.lines)
		return false
	}
	s.pos++
	return true
}

func (s *sliceLines) Text() string {
	if s.pos < 0 || s.pos >= len(s.lines) {
		return ""
	}
	return s.lines[s.pos]
}

func (s *sliceLines) Err() error { return nil }

// Input identifies the fetched text a rule set is built from.
type Input struct {
	SourceID  string
	Version   string
	FetchedAt time.Time
	Format    domain.FormatHint
}

// Options tune a build.
type Options struct {
	// Normalizer parses individual lines. Nil uses default options.
	Normalizer *normalize.Normalizer
	// WarningLimit caps how many parse errors are retained and logged.
	// Zero retains none; a negative value retains all.
	WarningLimit int
	Logger       log.Logger
}

// Stats counts what happened to the lines of a source.
type Stats struct {
	Lines      int
	Parsed     int
	Skipped    int
	Rejected   int
	Duplicates int
	Subsumed   int
	Rules      int
}

// RuleSet is the immutable result of ingesting one version of one source.
type RuleSet struct {
	input    Input
	entries  []domain.Entry
	warnings []*domain.ParseError
	stats    Stats
}

func (r *RuleSet) SourceID() string               { return r.input.SourceID }
func (r *RuleSet) Version() string                { return r.input.Version }
func (r *RuleSet) FetchedAt() time.Time           { return r.input.FetchedAt }
func (r *RuleSet) Format() domain.FormatHint      { return r.input.Format }
func (r *RuleSet) Entries() []domain.Entry        { return r.entries }
func (r *RuleSet) Len() int                       { return len(r.entries) }
func (r *RuleSet) Warnings() []*domain.ParseError { return r.warnings }
func (r *RuleSet) Stats() Stats                   { return r.stats }

var _ merge.Source = (*RuleSet)(nil)

// cancelCheckInterval is how many lines are read between context checks.
const cancelCheckInterval = 1024

// Build reads every line from lines, normalizes it and collapses the
// result into a RuleSet.
//
// Lines that fail to parse are skipped and recorded as warnings. A read
// error from lines fails the build. A source that yields no valid entry
// returns *domain.EmptySourceError. Cancellation of ctx is observed between
// batches of lines.
func Build(ctx context.Context, in Input, lines LineSource, opts Options) (*RuleSet, error) {
	if !in.Format.Valid() {
		return nil, fmt.Errorf("build %q: unsupported format %v", in.SourceID, in.Format)
	}
	norm := opts.Normalizer
	if norm == nil {
		norm = normalize.New(normalize.Options{})
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.GetLogger()
	}
	logger = log.With(logger, map[string]any{"source": in.SourceID, "version": in.Version})

	var (
		stats   Stats
		limiter = warningLimiter{limit: opts.WarningLimit}
		index   = make(map[domain.CanonicalRule]int)
		rules   []domain.CanonicalRule
		tags    []*domain.TagSet
	)

	for lines.Scan() {
		stats.Lines++
		if stats.Lines%cancelCheckInterval == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}

		parsed, err := norm.Normalize(lines.Text(), in.Format)
		if errors.Is(err, domain.ErrSkip) {
			stats.Skipped++
			continue
		}
		for _, pe := range parsed.Rejected {
			pe.Line = stats.Lines
			stats.Rejected++
			limiter.record(logger, pe)
		}
		if len(parsed.Rules) == 0 {
			continue
		}
		stats.Parsed++

		tag := domain.ProvenanceTag{
			SourceID:  in.SourceID,
			Version:   in.Version,
			FetchedAt: in.FetchedAt,
			Line:      stats.Lines,
			Comment:   parsed.Comment,
		}
		for _, rule := range parsed.Rules {
			if i, ok := index[rule]; ok {
				tags[i].Add(tag)
				stats.Duplicates++
				continue
			}
			index[rule] = len(rules)
			rules = append(rules, rule)
			tags = append(tags, domain.NewTagSet(tag))
		}
	}
	if err := lines.Err(); err != nil {
		return nil, fmt.Errorf("read %q: %w", in.SourceID, err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	limiter.summary(logger)

	if len(rules) == 0 {
		return nil, &domain.EmptySourceError{SourceID: in.SourceID, Lines: stats.Lines, Rejected: stats.Rejected}
	}

	entries := make([]domain.Entry, len(rules))
	for i, r := range rules {
		entries[i] = domain.Entry{Rule: r, Tags: tags[i].Tags()}
	}
	compacted, cstats, err := merge.Compact(entries)
	if err != nil {
		return nil, err
	}
	stats.Subsumed = cstats.Subsumed
	stats.Rules = len(compacted)

	logger.Debug(map[string]any{
		"lines":      stats.Lines,
		"rules":      stats.Rules,
		"skipped":    stats.Skipped,
		"rejected":   stats.Rejected,
		"duplicates": stats.Duplicates,
		"subsumed":   stats.Subsumed,
	}, "ruleset_build_done")

	return &RuleSet{
		input:    in,
		entries:  compacted,
		warnings: limiter.kept,
		stats:    stats,
	}, nil
}

// warningLimiter retains and logs the first limit parse errors and counts
// the rest.
type warningLimiter struct {
	limit int
	count int
	kept  []*domain.ParseError
}

func (l *warningLimiter) record(logger log.Logger, pe *domain.ParseError) {
	l.count++
	if l.limit == 0 || (l.limit > 0 && len(l.kept) >= l.limit) {
		return
	}
	l.kept = append(l.kept, pe)
	logger.Debug(map[string]any{
		"line":  pe.Line,
		"kind":  pe.Kind.String(),
		"input": pe.Input,
	}, "ruleset_line_rejected")
}

func (l *warningLimiter) summary(logger log.Logger) {
	if l.limit <= 0 || l.count <= l.limit {
		return
	}
	logger.Warn(map[string]any{
		"rejected": l.count,
		"logged":   l.limit,
	}, "ruleset_warnings_suppressed")
}

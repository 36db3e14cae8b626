package domain

import (
	"errors"
	"fmt"
)

// ErrSkip is returned by the normalizer for blank and comment-only lines.
// It is not a failure and is never recorded as a warning.
var ErrSkip = errors.New("line skipped")

var (
	// ErrUnknownSource is returned for operations naming a source that is
	// neither configured nor previously imported.
	ErrUnknownSource = errors.New("unknown source")
	// ErrImportInProgress is returned when an import is requested while
	// another one is still running.
	ErrImportInProgress = errors.New("import already in progress")
	// ErrInvalidProbe is returned when a query string is neither an IP
	// address nor a valid domain name.
	ErrInvalidProbe = errors.New("invalid probe")
)

// ParseErrorKind classifies why a single line was rejected.
type ParseErrorKind uint8

const (
	ErrMalformedIP ParseErrorKind = iota + 1
	ErrMalformedPrefix
	ErrPrefixRange
	ErrNameLength
	ErrLabelLength
	ErrLabelCharset
	ErrLabelCount
	ErrNotDomain
	ErrMissingHost
	ErrMalformedASN
	ErrUnresolvedASN
	ErrPublicSuffix
)

func (k ParseErrorKind) String() string {
	switch k {
	case ErrMalformedIP:
		return "malformed_ip"
	case ErrMalformedPrefix:
		return "malformed_prefix"
	case ErrPrefixRange:
		return "prefix_range"
	case ErrNameLength:
		return "name_length"
	case ErrLabelLength:
		return "label_length"
	case ErrLabelCharset:
		return "label_charset"
	case ErrLabelCount:
		return "label_count"
	case ErrNotDomain:
		return "not_domain"
	case ErrMissingHost:
		return "missing_host"
	case ErrMalformedASN:
		return "malformed_asn"
	case ErrUnresolvedASN:
		return "unresolved_asn"
	case ErrPublicSuffix:
		return "public_suffix"
	default:
		return fmt.Sprintf("ParseErrorKind(%d)", k)
	}
}

// ParseError describes one rejected token. Line is 1-based and zero when
// the error was produced outside of a line-oriented build.
type ParseError struct {
	Kind   ParseErrorKind
	Line   int
	Input  string
	Reason string
}

func (e *ParseError) Error() string {
	msg := fmt.Sprintf("%s: %q", e.Kind, e.Input)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Line > 0 {
		msg = fmt.Sprintf("line %d: %s", e.Line, msg)
	}
	return msg
}

// EmptySourceError is returned when a source yields no valid entries.
// The previous rule set for that source is retained.
type EmptySourceError struct {
	SourceID string
	Lines    int
	Rejected int
}

func (e *EmptySourceError) Error() string {
	return fmt.Sprintf("source %q produced no valid entries (%d lines, %d rejected)", e.SourceID, e.Lines, e.Rejected)
}

// MergeError reports a canonical-form violation discovered while merging.
// It aborts the reload attempt; the current snapshot stays published.
type MergeError struct {
	SourceID string
	Rule     string
	Reason   string
}

func (e *MergeError) Error() string {
	if e.SourceID != "" {
		return fmt.Sprintf("merge: source %q rule %q: %s", e.SourceID, e.Rule, e.Reason)
	}
	return fmt.Sprintf("merge: rule %q: %s", e.Rule, e.Reason)
}

// FetchError wraps a failure reported by the fetch collaborator.
type FetchError struct {
	SourceID string
	Err      error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch %q: %v", e.SourceID, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

package domain

import (
	"errors"
	"fmt"
	"time"
)

// SourceSpec describes one configured blocklist source. Exactly one of URL
// or Path locates the raw list.
type SourceSpec struct {
	ID      string
	Format  FormatHint
	URL     string
	Path    string
	Refresh time.Duration
	Headers map[string]string
}

// IsRemote reports whether the source is fetched over HTTP.
func (s SourceSpec) IsRemote() bool { return s.URL != "" }

// Location returns the URL or path of the source.
func (s SourceSpec) Location() string {
	if s.URL != "" {
		return s.URL
	}
	return s.Path
}

// Validate checks the spec for required fields.
func (s SourceSpec) Validate() error {
	if s.ID == "" {
		return errors.New("source id must not be empty")
	}
	if !s.Format.Valid() {
		return fmt.Errorf("source %q: unsupported format %d", s.ID, s.Format)
	}
	if (s.URL == "") == (s.Path == "") {
		return fmt.Errorf("source %q: exactly one of url or path must be set", s.ID)
	}
	if s.Refresh < 0 {
		return fmt.Errorf("source %q: refresh must not be negative", s.ID)
	}
	return nil
}

// ValidateSpecs validates every spec and rejects duplicate ids.
func ValidateSpecs(specs []SourceSpec) error {
	seen := make(map[string]struct{}, len(specs))
	for _, s := range specs {
		if err := s.Validate(); err != nil {
			return err
		}
		if _, dup := seen[s.ID]; dup {
			return fmt.Errorf("duplicate source id %q", s.ID)
		}
		seen[s.ID] = struct{}{}
	}
	return nil
}

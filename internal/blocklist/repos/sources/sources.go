// Package sources loads the list of configured blocklist sources from a YAML,
// JSON or TOML file.
//
//	sources:
//	  - id: spamhaus-drop
//	    format: cidr
//	    url: https://www.spamhaus.org/drop/drop.txt
//	    refresh: 12h
//	  - id: local
//	    format: domain
//	    path: /etc/blocklist/local.txt
package sources

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"

	"github.com/AnthonyMichaelTDM/zoraxy-blocklist-manager/internal/blocklist/domain"
)

// ErrUnsupportedFile is returned for a file whose extension has no parser.
var ErrUnsupportedFile = errors.New("unsupported source file type")

// Entry is one element of the sources list as written in a file or sent
// to the API.
type Entry struct {
	ID      string            `koanf:"id" json:"id" validate:"required,max=128"`
	Format  string            `koanf:"format" json:"format" validate:"required"`
	URL     string            `koanf:"url" json:"url,omitempty" validate:"omitempty,http_url"`
	Path    string            `koanf:"path" json:"path,omitempty"`
	Refresh string            `koanf:"refresh" json:"refresh,omitempty"`
	Headers map[string]string `koanf:"headers" json:"headers,omitempty"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// parserFor picks the koanf parser for a file by extension.
func parserFor(path string) (koanf.Parser, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return yaml.Parser(), nil
	case ".json":
		return json.Parser(), nil
	case ".toml":
		return toml.Parser(), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFile, path)
	}
}

// LoadFile reads the sources list at path and returns the specs in file
// order. Every entry is validated; the first invalid entry fails the load.
func LoadFile(path string) ([]domain.SourceSpec, error) {
	parser, err := parserFor(path)
	if err != nil {
		return nil, err
	}

	k := koanf.New(".")
	if err := k.Load(file.Provider(path), parser); err != nil {
		return nil, fmt.Errorf("failed to load source file %s: %w", path, err)
	}

	var entries []Entry
	if err := k.Unmarshal("sources", &entries); err != nil {
		return nil, fmt.Errorf("invalid sources in %s: %w", path, err)
	}

	specs, err := Specs(entries)
	if err != nil {
		return nil, fmt.Errorf("invalid sources in %s: %w", path, err)
	}
	return specs, nil
}

// Specs converts entries to specs in order. Every entry is validated; the
// first invalid entry fails the conversion.
func Specs(entries []Entry) ([]domain.SourceSpec, error) {
	specs := make([]domain.SourceSpec, 0, len(entries))
	for i, e := range entries {
		spec, err := e.toSpec()
		if err != nil {
			return nil, fmt.Errorf("source #%d: %w", i+1, err)
		}
		specs = append(specs, spec)
	}
	if err := domain.ValidateSpecs(specs); err != nil {
		return nil, err
	}
	return specs, nil
}

func (e Entry) toSpec() (domain.SourceSpec, error) {
	e.ID = strings.TrimSpace(e.ID)
	if err := validate.Struct(&e); err != nil {
		return domain.SourceSpec{}, err
	}
	format, err := domain.ParseFormatHint(e.Format)
	if err != nil {
		return domain.SourceSpec{}, fmt.Errorf("source %q: %w", e.ID, err)
	}
	var refresh time.Duration
	if e.Refresh != "" {
		refresh, err = time.ParseDuration(e.Refresh)
		if err != nil {
			return domain.SourceSpec{}, fmt.Errorf("source %q: invalid refresh %q: %w", e.ID, e.Refresh, err)
		}
	}
	return domain.SourceSpec{
		ID:      e.ID,
		Format:  format,
		URL:     e.URL,
		Path:    e.Path,
		Refresh: refresh,
		Headers: e.Headers,
	}, nil
}

package sources

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/AnthonyMichaelTDM/zoraxy-blocklist-manager/internal/blocklist/domain"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestLoadFile_YAML(t *testing.T) {
	path := writeFile(t, "sources.yaml", `
sources:
  - id: spamhaus-drop
    format: cidr
    url: https://www.spamhaus.org/drop/drop.txt
    refresh: 12h
    headers:
      X-Token: secret
  - id: local
    format: domain
    path: /etc/blocklist/local.txt
`)
	specs, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if len(specs) != 2 {
		t.Fatalf("expected 2 specs, got %d", len(specs))
	}
	s := specs[0]
	if s.ID != "spamhaus-drop" || s.Format != domain.FormatCIDR || !s.IsRemote() {
		t.Errorf("unexpected first spec: %+v", s)
	}
	if s.Refresh != 12*time.Hour {
		t.Errorf("expected refresh 12h, got %v", s.Refresh)
	}
	if s.Headers["x-token"] != "secret" && s.Headers["X-Token"] != "secret" {
		t.Errorf("expected header to survive, got %v", s.Headers)
	}
	if specs[1].ID != "local" || specs[1].Path != "/etc/blocklist/local.txt" || specs[1].IsRemote() {
		t.Errorf("unexpected second spec: %+v", specs[1])
	}
}

func TestLoadFile_JSON(t *testing.T) {
	path := writeFile(t, "sources.json", `{"sources":[{"id":"hosts","format":"hosts","url":"https://example.org/hosts"}]}`)
	specs, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if len(specs) != 1 || specs[0].Format != domain.FormatHosts || specs[0].Refresh != 0 {
		t.Fatalf("unexpected specs: %+v", specs)
	}
}

func TestLoadFile_TOML(t *testing.T) {
	path := writeFile(t, "sources.toml", `
[[sources]]
id = "asn"
format = "asn"
path = "/var/lib/asn.txt"

[[sources]]
id = "wild"
format = "wildcard"
url = "https://example.org/wild.txt"
refresh = "30m"
`)
	specs, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if len(specs) != 2 {
		t.Fatalf("expected 2 specs, got %d", len(specs))
	}
	if specs[0].Format != domain.FormatASN || specs[1].Format != domain.FormatWildcard {
		t.Errorf("unexpected formats: %v %v", specs[0].Format, specs[1].Format)
	}
	if specs[1].Refresh != 30*time.Minute {
		t.Errorf("expected 30m refresh, got %v", specs[1].Refresh)
	}
}

func TestLoadFile_Errors(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		content string
		want    string
	}{
		{"unknown format", "a.yaml", "sources:\n  - id: a\n    format: csv\n    url: https://example.org/a\n", "unsupported format"},
		{"missing id", "b.yaml", "sources:\n  - format: cidr\n    url: https://example.org/a\n", "ID"},
		{"url and path", "c.yaml", "sources:\n  - id: c\n    format: cidr\n    url: https://example.org/a\n    path: /tmp/a\n", "exactly one"},
		{"neither url nor path", "d.yaml", "sources:\n  - id: d\n    format: cidr\n", "exactly one"},
		{"bad url", "e.yaml", "sources:\n  - id: e\n    format: cidr\n    url: not a url\n", "URL"},
		{"bad refresh", "f.yaml", "sources:\n  - id: f\n    format: cidr\n    url: https://example.org/a\n    refresh: often\n", "invalid refresh"},
		{"duplicate id", "g.yaml", "sources:\n  - id: g\n    format: cidr\n    url: https://example.org/a\n  - id: g\n    format: cidr\n    path: /tmp/g\n", "duplicate"},
		{"malformed yaml", "h.yaml", "sources: [\n", "failed to load"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeFile(t, tt.file, tt.content)
			_, err := LoadFile(path)
			if err == nil {
				t.Fatalf("expected error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}

func TestLoadFile_UnsupportedExtension(t *testing.T) {
	path := writeFile(t, "sources.ini", "[sources]\n")
	_, err := LoadFile(path)
	if !errors.Is(err, ErrUnsupportedFile) {
		t.Fatalf("expected ErrUnsupportedFile, got %v", err)
	}
}

func TestLoadFile_MissingFile(t *testing.T) {
	_, err := LoadFile(filepath.Join(t.TempDir(), "missing.yaml"))
	if err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestLoadFile_EmptyList(t *testing.T) {
	path := writeFile(t, "empty.yaml", "sources: []\n")
	specs, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if len(specs) != 0 {
		t.Fatalf("expected no specs, got %v", specs)
	}
}

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AnthonyMichaelTDM/zoraxy-blocklist-manager/internal/blocklist/common/log"
	"github.com/AnthonyMichaelTDM/zoraxy-blocklist-manager/internal/blocklist/config"
	"github.com/AnthonyMichaelTDM/zoraxy-blocklist-manager/internal/blocklist/domain"
	"github.com/AnthonyMichaelTDM/zoraxy-blocklist-manager/internal/blocklist/gateways/httpapi"
	"github.com/AnthonyMichaelTDM/zoraxy-blocklist-manager/internal/blocklist/repos/rawstore"
	"github.com/AnthonyMichaelTDM/zoraxy-blocklist-manager/internal/blocklist/repos/rawstore/bolt"
)

func freePort(t *testing.T) int {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := listener.Addr().(*net.TCPAddr).Port
	require.NoError(t, listener.Close())
	return port
}

// writeSources writes a sources file with one local cidr list and returns
// the path of the sources file.
func writeSources(t *testing.T, dir string) string {
	t.Helper()
	list := filepath.Join(dir, "drop.txt")
	require.NoError(t, os.WriteFile(list, []byte("# drop list\n192.168.0.0/16\n10.0.0.0/8 ; internal\n"), 0644))

	sourcesFile := filepath.Join(dir, "sources.yaml")
	content := fmt.Sprintf("sources:\n  - id: drop\n    format: cidr\n    path: %s\n", list)
	require.NoError(t, os.WriteFile(sourcesFile, []byte(content), 0644))
	return sourcesFile
}

// TestApplication_Integration tests the full application lifecycle
func TestApplication_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	log.SetLogger(log.NewNoopLogger())

	dir := t.TempDir()
	port := freePort(t)
	t.Setenv("BLOCKLIST_LISTEN", fmt.Sprintf("127.0.0.1:%d", port))
	t.Setenv("BLOCKLIST_SOURCES_FILE", writeSources(t, dir))
	t.Setenv("BLOCKLIST_STATE_DB", filepath.Join(dir, "state.db"))
	t.Setenv("BLOCKLIST_LOG_LEVEL", "debug")
	t.Setenv("BLOCKLIST_CACHE_SIZE", "1000")

	cfg, err := config.Load()
	require.NoError(t, err)

	app, err := buildApplication(cfg)
	require.NoError(t, err)
	require.NotNil(t, app)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	appErr := make(chan error, 1)
	go func() {
		appErr <- app.Run(ctx)
	}()

	base := fmt.Sprintf("http://127.0.0.1:%d", port)
	require.Eventually(t, func() bool {
		res, err := queryProbe(base, "192.168.5.10")
		return err == nil && res.Matched
	}, 5*time.Second, 20*time.Millisecond, "configured source never became queryable")

	res, err := queryProbe(base, "192.168.5.10")
	require.NoError(t, err)
	assert.Equal(t, "192.168.0.0/16", res.Rule)
	require.Len(t, res.Sources, 1)
	assert.Equal(t, "drop", res.Sources[0].SourceID)

	body := `{"source_id":"manual","format":"domain","blocklist":"*.ads.example,tracker.example"}`
	resp, err := http.Post(base+"/api/import", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	res, err = queryProbe(base, "cdn.ads.example")
	require.NoError(t, err)
	assert.True(t, res.Matched)
	assert.Equal(t, "*.ads.example", res.Rule)

	// editing the sources file reconfigures the running service
	sourcesFile := os.Getenv("BLOCKLIST_SOURCES_FILE")
	extra := filepath.Join(dir, "extra.txt")
	require.NoError(t, os.WriteFile(extra, []byte("203.0.113.0/24\n"), 0644))
	content := fmt.Sprintf("sources:\n  - id: drop\n    format: cidr\n    path: %s\n  - id: extra\n    format: cidr\n    path: %s\n",
		filepath.Join(dir, "drop.txt"), extra)
	require.Eventually(t, func() bool {
		_ = os.WriteFile(sourcesFile, []byte(content), 0644)
		res, err := queryProbe(base, "203.0.113.7")
		return err == nil && res.Matched
	}, 5*time.Second, 100*time.Millisecond, "source added to the sources file never became queryable")

	resp, err = http.Get(base + "/metrics")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	cancel()
	select {
	case err := <-appErr:
		assert.NoError(t, err, "Application should shutdown gracefully")
	case <-time.After(5 * time.Second):
		t.Fatal("Application failed to shutdown within timeout")
	}

	// the fetched body was persisted for the next start
	store, err := bolt.New(cfg.StateDB)
	require.NoError(t, err)
	defer store.Close()
	rec, ok, err := store.Get("drop")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Contains(t, string(rec.Body), "192.168.0.0/16")
}

func queryProbe(base, probe string) (httpapi.QueryResponse, error) {
	var out httpapi.QueryResponse
	resp, err := http.Get(base + "/api/query?probe=" + probe)
	if err != nil {
		return out, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return out, fmt.Errorf("status %d", resp.StatusCode)
	}
	err = json.NewDecoder(resp.Body).Decode(&out)
	return out, err
}

// TestBuildApplication_ConfigurationVariations tests different configurations
func TestBuildApplication_ConfigurationVariations(t *testing.T) {
	log.SetLogger(log.NewNoopLogger())

	tests := []struct {
		name          string
		setup         func(t *testing.T, cfg *config.AppConfig)
		wantErr       bool
		errorContains string
	}{
		{
			name: "minimal valid config",
			setup: func(t *testing.T, cfg *config.AppConfig) {
				cfg.SourcesFile = writeSources(t, t.TempDir())
			},
		},
		{
			name: "decision cache enabled",
			setup: func(t *testing.T, cfg *config.AppConfig) {
				cfg.SourcesFile = writeSources(t, t.TempDir())
				cfg.CacheSize = 1000
			},
		},
		{
			name: "missing sources file",
			setup: func(t *testing.T, cfg *config.AppConfig) {
				cfg.SourcesFile = "/nonexistent/sources.yaml"
			},
			wantErr:       true,
			errorContains: "failed to load sources",
		},
		{
			name: "cache disabled with state db",
			setup: func(t *testing.T, cfg *config.AppConfig) {
				dir := t.TempDir()
				cfg.SourcesFile = writeSources(t, dir)
				cfg.StateDB = filepath.Join(dir, "state.db")
				cfg.CacheSize = 0
			},
		},
		{
			name: "unopenable state db",
			setup: func(t *testing.T, cfg *config.AppConfig) {
				dir := t.TempDir()
				cfg.SourcesFile = writeSources(t, dir)
				cfg.StateDB = dir
			},
			wantErr:       true,
			errorContains: "failed to open state db",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.DEFAULT_APP_CONFIG
			cfg.Listen = "127.0.0.1:0"
			tt.setup(t, &cfg)

			app, err := buildApplication(&cfg)
			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errorContains)
				return
			}
			require.NoError(t, err)
			require.NotNil(t, app)
			assert.NoError(t, app.store.Close())
		})
	}
}

func TestPruneRawStore(t *testing.T) {
	store, err := bolt.New(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	defer store.Close()

	for _, id := range []string{"drop", "stale"} {
		require.NoError(t, store.Put(rawstore.Record{SourceID: id, Format: domain.FormatCIDR, Body: []byte("10.0.0.0/8\n")}))
	}

	pruneRawStore(store, []domain.SourceSpec{{ID: "drop"}}, log.NewNoopLogger())

	ids, err := store.List()
	require.NoError(t, err)
	assert.Equal(t, []string{"drop"}, ids)
}

func TestIgnoreCanceled(t *testing.T) {
	assert.NoError(t, ignoreCanceled(context.Canceled))
	assert.NoError(t, ignoreCanceled(fmt.Errorf("run: %w", context.Canceled)))
	assert.Error(t, ignoreCanceled(context.DeadlineExceeded))
}

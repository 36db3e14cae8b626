package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/AnthonyMichaelTDM/zoraxy-blocklist-manager/internal/blocklist/common/clock"
	"github.com/AnthonyMichaelTDM/zoraxy-blocklist-manager/internal/blocklist/common/log"
	"github.com/AnthonyMichaelTDM/zoraxy-blocklist-manager/internal/blocklist/config"
	"github.com/AnthonyMichaelTDM/zoraxy-blocklist-manager/internal/blocklist/domain"
	"github.com/AnthonyMichaelTDM/zoraxy-blocklist-manager/internal/blocklist/gateways/fetch"
	"github.com/AnthonyMichaelTDM/zoraxy-blocklist-manager/internal/blocklist/gateways/httpapi"
	"github.com/AnthonyMichaelTDM/zoraxy-blocklist-manager/internal/blocklist/merge"
	"github.com/AnthonyMichaelTDM/zoraxy-blocklist-manager/internal/blocklist/metrics"
	"github.com/AnthonyMichaelTDM/zoraxy-blocklist-manager/internal/blocklist/normalize"
	"github.com/AnthonyMichaelTDM/zoraxy-blocklist-manager/internal/blocklist/repos/decisioncache"
	"github.com/AnthonyMichaelTDM/zoraxy-blocklist-manager/internal/blocklist/repos/rawstore"
	"github.com/AnthonyMichaelTDM/zoraxy-blocklist-manager/internal/blocklist/repos/rawstore/bolt"
	"github.com/AnthonyMichaelTDM/zoraxy-blocklist-manager/internal/blocklist/repos/sources"
	"github.com/AnthonyMichaelTDM/zoraxy-blocklist-manager/internal/blocklist/services/ingest"
	"github.com/AnthonyMichaelTDM/zoraxy-blocklist-manager/internal/blocklist/services/query"
	"github.com/AnthonyMichaelTDM/zoraxy-blocklist-manager/internal/blocklist/services/reload"
	"github.com/AnthonyMichaelTDM/zoraxy-blocklist-manager/internal/blocklist/snapshot/bloom"
)

const (
	// Version information
	version = "0.1.0-dev"
	appName = "blocklistd"

	defaultShutdownTimeout = 10 * time.Second
)

// Application holds all the components of the blocklist service
type Application struct {
	config    *config.AppConfig
	store     rawstore.Store
	coord     *reload.Coordinator
	scheduler *ingest.Scheduler
	watcher   *sources.Watcher
	server    *httpapi.Server
}

func main() {
	// Load configuration from environment
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Configuration error: %v\n", err)
		os.Exit(1)
	}

	// Configure global logging
	err = log.Configure(cfg.Env, cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Logging configuration error: %v\n", err)
		os.Exit(1)
	}

	log.Info(map[string]any{
		"app":              appName,
		"version":          version,
		"env":              cfg.Env,
		"log_level":        cfg.LogLevel,
		"listen":           cfg.Listen,
		"sources_file":     cfg.SourcesFile,
		"state_db":         cfg.StateDB,
		"cache_size":       cfg.CacheSize,
		"refresh_interval": cfg.RefreshInterval.String(),
	}, "blocklistd_starting")

	app, err := buildApplication(cfg)
	if err != nil {
		log.Fatal(map[string]any{"error": err}, "build_application_failed")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		log.Info(map[string]any{"signal": sig.String()}, "shutdown_signal_received")
		cancel()
	}()

	if err := app.Run(ctx); err != nil {
		log.Fatal(map[string]any{"error": err}, "blocklistd_failed")
	}

	log.Info(nil, "blocklistd_stopped")
}

// buildApplication constructs all components and wires them together
func buildApplication(cfg *config.AppConfig) (*Application, error) {
	clk := clock.RealClock{}
	logger := log.GetLogger()
	m := metrics.New()

	specs, err := sources.LoadFile(cfg.SourcesFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load sources: %w", err)
	}

	repos, err := buildRepositories(cfg, specs, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to build repositories: %w", err)
	}
	m.ObserveRawStore(repos.raw.Stats)

	coord := reload.New(reload.Options{
		Merger: &merge.Merger{
			FPRate:  cfg.BloomFPRate,
			Filters: bloom.NewFactory(),
			Clock:   clk,
		},
		Normalizer:   normalize.New(normalize.Options{RejectPublicSuffix: cfg.RejectPublicSuffix}),
		WarningLimit: cfg.WarningLimit,
		Clock:        clk,
		Observer:     m,
		Logger:       logger,
	})
	if err := coord.Reconfigure(context.Background(), specs); err != nil {
		_ = repos.raw.Close()
		return nil, fmt.Errorf("failed to configure sources: %w", err)
	}

	engine := query.NewEngine(query.Options{
		Snapshots: coord,
		Cache:     repos.cache,
		Recorder:  m,
		Logger:    logger,
	})
	if repos.cache != nil {
		m.ObserveCache(repos.cache.Stats)
	}

	scheduler, err := ingest.New(ingest.Options{
		Coordinator:  coord,
		Fetcher:      buildFetcher(cfg, clk),
		Store:        repos.raw,
		Interval:     cfg.RefreshInterval,
		FetchTimeout: cfg.FetchTimeout,
		Concurrency:  cfg.FetchConcurrency,
		Watch:        true,
		Clock:        clk,
		Recorder:     m,
		Logger:       logger,
	})
	if err != nil {
		_ = repos.raw.Close()
		return nil, fmt.Errorf("failed to create scheduler: %w", err)
	}

	api := httpapi.New(httpapi.Options{
		Querier:        engine,
		Catalog:        coord,
		Ingestor:       scheduler,
		Configurator:   coord,
		Metrics:        m.Handler(),
		MaxImportBytes: cfg.MaxImportBytes,
		Logger:         logger,
	})

	return &Application{
		config:    cfg,
		store:     repos.raw,
		coord:     coord,
		scheduler: scheduler,
		watcher: &sources.Watcher{
			Path:   cfg.SourcesFile,
			Apply:  coord.Reconfigure,
			Logger: logger,
		},
		server: httpapi.NewServer(cfg.Listen, api, defaultShutdownTimeout, logger),
	}, nil
}

// repositories holds all repository implementations
type repositories struct {
	raw   rawstore.Store
	cache query.Cache
}

// buildRepositories opens the raw list store and the decision cache
func buildRepositories(cfg *config.AppConfig, specs []domain.SourceSpec, logger log.Logger) (*repositories, error) {
	var raw rawstore.Store = rawstore.Nop{}
	if cfg.StateDB != "" {
		store, err := bolt.New(cfg.StateDB)
		if err != nil {
			return nil, fmt.Errorf("failed to open state db: %w", err)
		}
		pruneRawStore(store, specs, logger)
		raw = store
		log.Info(map[string]any{"path": cfg.StateDB, "sources": store.Stats().Sources}, "raw_store_opened")
	}

	var cache query.Cache
	if cfg.CacheSize > 0 {
		c, err := decisioncache.New(cfg.CacheSize)
		if err != nil {
			_ = raw.Close()
			return nil, fmt.Errorf("failed to create decision cache: %w", err)
		}
		cache = c
		log.Info(map[string]any{"type": "LRU", "size": cfg.CacheSize}, "decision_cache_configured")
	}

	return &repositories{raw: raw, cache: cache}, nil
}

// pruneRawStore drops stored bodies of sources that are no longer configured.
func pruneRawStore(store rawstore.Store, specs []domain.SourceSpec, logger log.Logger) {
	configured := make(map[string]struct{}, len(specs))
	for _, s := range specs {
		configured[s.ID] = struct{}{}
	}
	ids, err := store.List()
	if err != nil {
		logger.Warn(map[string]any{"error": err}, "raw_store_list_failed")
		return
	}
	for _, id := range ids {
		if _, ok := configured[id]; ok {
			continue
		}
		if err := store.Delete(id); err != nil {
			logger.Warn(map[string]any{"source": id, "error": err}, "raw_store_prune_failed")
			continue
		}
		logger.Info(map[string]any{"source": id}, "raw_store_pruned")
	}
}

// buildFetcher dispatches remote sources to HTTP and local ones to the filesystem
func buildFetcher(cfg *config.AppConfig, clk clock.Clock) fetch.Fetcher {
	return &fetch.Mux{
		HTTP: fetch.NewHTTPFetcher(fetch.HTTPOptions{
			Timeout:   cfg.FetchTimeout,
			UserAgent: cfg.UserAgent,
			MaxBytes:  cfg.MaxListBytes,
			Clock:     clk,
		}),
		File: &fetch.FileFetcher{MaxBytes: cfg.MaxListBytes, Clock: clk},
	}
}

// Run bootstraps from the raw store, then serves the API, keeps sources
// fresh and follows edits of the sources file until ctx is cancelled
func (app *Application) Run(ctx context.Context) error {
	defer func() {
		if err := app.store.Close(); err != nil {
			log.Warn(map[string]any{"error": err}, "raw_store_close_failed")
		}
	}()

	if report, err := app.scheduler.Bootstrap(ctx); err != nil {
		log.Warn(map[string]any{"error": err, "generation": report.Generation}, "bootstrap_errors")
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return app.server.Run(gctx)
	})
	g.Go(func() error {
		return ignoreCanceled(app.coord.Run(gctx))
	})
	g.Go(func() error {
		report, err := app.scheduler.RefreshAll(gctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			log.Warn(map[string]any{
				"error":      err,
				"built":      len(report.Built),
				"failed":     len(report.Failed),
				"generation": report.Generation,
			}, "initial_refresh_errors")
		}
		return ignoreCanceled(app.scheduler.Run(gctx))
	})
	g.Go(func() error {
		if err := app.watcher.Run(gctx); ignoreCanceled(err) != nil {
			log.Warn(map[string]any{"error": err, "path": app.watcher.Path}, "sources_watch_disabled")
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	log.Info(nil, "shutdown_complete")
	return nil
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

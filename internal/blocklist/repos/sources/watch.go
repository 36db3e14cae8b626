package sources

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/AnthonyMichaelTDM/zoraxy-blocklist-manager/internal/blocklist/common/log"
	"github.com/AnthonyMichaelTDM/zoraxy-blocklist-manager/internal/blocklist/domain"
)

const defaultSettle = 100 * time.Millisecond

// Watcher reloads a sources file whenever it changes and hands the new list
// to Apply. A file that fails to load or apply is logged and the previous
// list stays active.
type Watcher struct {
	Path   string
	Apply  func(ctx context.Context, specs []domain.SourceSpec) error
	Settle time.Duration
	Logger log.Logger
}

// Run watches the directory of Path until ctx is done.
func (w *Watcher) Run(ctx context.Context) error {
	logger := w.Logger
	if logger == nil {
		logger = log.GetLogger()
	}
	logger = log.Component(logger, "sources")
	settle := w.Settle
	if settle <= 0 {
		settle = defaultSettle
	}

	abs, err := filepath.Abs(w.Path)
	if err != nil {
		return fmt.Errorf("watch sources: %w", err)
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("watch sources: %w", err)
	}
	defer fw.Close()
	if err := fw.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("watch sources: %w", err)
	}
	logger.Info(map[string]any{"path": abs}, "sources_watch_started")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != abs || (!event.Has(fsnotify.Write) && !event.Has(fsnotify.Create)) {
				continue
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(settle):
			}
			drain(fw.Events)
			w.reload(ctx, logger)
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			logger.Warn(map[string]any{"error": err}, "sources_watch_error")
		}
	}
}

func (w *Watcher) reload(ctx context.Context, logger log.Logger) {
	specs, err := LoadFile(w.Path)
	if err != nil {
		logger.Warn(map[string]any{"path": w.Path, "error": err}, "sources_reload_failed")
		return
	}
	if err := w.Apply(ctx, specs); err != nil {
		logger.Warn(map[string]any{"path": w.Path, "error": err}, "sources_apply_failed")
		return
	}
	logger.Info(map[string]any{"path": w.Path, "sources": len(specs)}, "sources_reloaded")
}

// drain discards events queued while the writer settled.
func drain(events <-chan fsnotify.Event) {
	for {
		select {
		case <-events:
		default:
			return
		}
	}
}

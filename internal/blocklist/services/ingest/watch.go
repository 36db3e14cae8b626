package ingest

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/AnthonyMichaelTDM/zoraxy-blocklist-manager/internal/blocklist/domain"
)

// fileWatcher maps watched paths back to their sources.
type fileWatcher struct {
	w     *fsnotify.Watcher
	files map[string]domain.SourceSpec
}

// newWatcher watches the directory of every file source, which survives
// editors that replace files by rename. It returns nil when there is
// nothing to watch.
func newWatcher(specs []domain.SourceSpec) (*fileWatcher, error) {
	files := make(map[string]domain.SourceSpec)
	dirs := make(map[string]struct{})
	for _, spec := range specs {
		if spec.IsRemote() {
			continue
		}
		abs, err := filepath.Abs(spec.Path)
		if err != nil {
			return nil, err
		}
		files[abs] = spec
		dirs[filepath.Dir(abs)] = struct{}{}
	}
	if len(files) == 0 {
		return nil, nil
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	for dir := range dirs {
		if err := w.Add(dir); err != nil {
			_ = w.Close()
			return nil, err
		}
	}
	return &fileWatcher{w: w, files: files}, nil
}

func (s *Scheduler) watchLoop(ctx context.Context, fw *fileWatcher) {
	defer fw.w.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-fw.w.Events:
			if !ok {
				return
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			spec, watched := fw.files[filepath.Clean(event.Name)]
			if !watched {
				continue
			}
			// let the writer finish
			select {
			case <-ctx.Done():
				return
			case <-time.After(s.settle):
			}
			s.logger.Debug(map[string]any{"source": spec.ID, "op": event.Op.String()}, "source_file_changed")
			if ev, ok, _ := s.fetchOne(ctx, spec, true); ok {
				s.coord.Submit(ev)
			}
		case err, ok := <-fw.w.Errors:
			if !ok {
				return
			}
			s.logger.Warn(map[string]any{"error": err}, "file_watch_error")
		}
	}
}

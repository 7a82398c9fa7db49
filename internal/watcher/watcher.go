// Package watcher feeds images dropped into a directory through the
// capture pipeline. Pictures copied in over the network get cartoonified
// exactly as if the camera had taken them.
package watcher

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/sketchbooth/sketchbooth/internal/bus"
)

// settleDelay gives the writer time to finish before the file is read.
// Network copies arrive as a create followed by a burst of writes.
const settleDelay = 500 * time.Millisecond

type Watcher struct {
	dir    string
	client *bus.Client
	logger *slog.Logger
}

func New(dir string, client *bus.Client, logger *slog.Logger) *Watcher {
	return &Watcher{dir: dir, client: client, logger: logger}
}

// Run watches the drop directory until ctx is cancelled. The directory is
// created if missing.
func (w *Watcher) Run(ctx context.Context) error {
	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return fmt.Errorf("create drop dir: %w", err)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("fsnotify: %w", err)
	}
	defer fsw.Close()
	if err := fsw.Add(w.dir); err != nil {
		return fmt.Errorf("watch %s: %w", w.dir, err)
	}
	w.logger.Info("watching drop dir", "dir", w.dir)

	pending := map[string]*time.Timer{}
	defer func() {
		for _, t := range pending {
			t.Stop()
		}
	}()

	fired := make(chan string, 16)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
				continue
			}
			if !isImage(event.Name) {
				continue
			}
			// Debounce: restart the settle timer on every write.
			path := event.Name
			if t, ok := pending[path]; ok {
				t.Stop()
			}
			pending[path] = time.AfterFunc(settleDelay, func() {
				select {
				case fired <- path:
				case <-ctx.Done():
				}
			})
		case path := <-fired:
			delete(pending, path)
			w.submit(ctx, path)
		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("watch error", "err", err)
		}
	}
}

func (w *Watcher) submit(ctx context.Context, path string) {
	if _, err := os.Stat(path); err != nil {
		return
	}
	w.logger.Info("dropped image", "path", path)
	if err := w.client.Capture(ctx, path); err != nil {
		w.logger.Warn("dropped image ignored", "path", path, "err", err)
	}
}

func isImage(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".jpg", ".jpeg", ".png":
		return true
	}
	return false
}

package daemon

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// RuleWatcher calls OnChange after rule documents in the watched directories
// are created, written, removed or renamed. Bursts of events within Debounce
// produce one call.
type RuleWatcher struct {
	Dirs     []string
	OnChange func()
	Debounce time.Duration
	Logger   *zap.Logger
}

// Run watches until ctx is cancelled. Directories that cannot be watched are
// logged and skipped.
func (rw *RuleWatcher) Run(ctx context.Context) error {
	log := rw.Logger
	if log == nil {
		log = zap.NewNop()
	}
	debounce := rw.Debounce
	if debounce <= 0 {
		debounce = 500 * time.Millisecond
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer w.Close()

	watched := 0
	for _, dir := range rw.Dirs {
		if err := w.Add(dir); err != nil {
			log.Warn("cannot watch rule directory", zap.String("dir", dir), zap.Error(err))
			continue
		}
		watched++
		log.Debug("watching rule directory", zap.String("dir", dir))
	}
	if watched == 0 {
		<-ctx.Done()
		return nil
	}

	var (
		timer *time.Timer
		fire  <-chan time.Time
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Ext(event.Name) != ".md" {
				continue
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) &&
				!event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
				continue
			}
			log.Debug("rule document changed", zap.String("path", event.Name), zap.String("op", event.Op.String()))
			if timer == nil {
				timer = time.NewTimer(debounce)
			} else {
				timer.Reset(debounce)
			}
			fire = timer.C

		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			log.Warn("rule watcher error", zap.Error(err))

		case <-fire:
			fire = nil
			if rw.OnChange != nil {
				rw.OnChange()
			}
		}
	}
}

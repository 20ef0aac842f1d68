package settings

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// debounce lets editors finish writing before the file is reloaded.
var debounce = 200 * time.Millisecond

// Watch reloads path whenever it changes and passes the new settings to
// onChange. A file that fails to load is logged and skipped; the previous
// settings stay in force. Watch blocks until ctx is done.
//
// The directory is watched rather than the file, so editors that replace
// the file by rename are followed.
func Watch(ctx context.Context, path string, logger *zap.Logger, onChange func(*Settings)) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("watch settings: %w", err)
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("watch settings: %w", err)
	}
	defer w.Close()
	if err := w.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("watch settings: %w", err)
	}

	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != abs {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			timer.Reset(debounce)
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			logger.Warn("settings watcher error", zap.Error(err))
		case <-timer.C:
			s, err := Load(abs)
			if err != nil {
				logger.Warn("settings reload failed, keeping previous settings",
					zap.String("path", abs), zap.Error(err))
				continue
			}
			logger.Info("settings reloaded", zap.String("path", abs))
			onChange(s)
		}
	}
}

// internal/records/watch.go
package records

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// recheckInterval bounds how long a missed fsnotify event can delay a wake-up.
var recheckInterval = 2 * time.Second

// WaitForRecords blocks until path holds at least one line or ctx is done.
// The parent directory is watched rather than the file itself because external
// writers commonly replace the file by rename.
func WaitForRecords(ctx context.Context, path string, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("watch").With(zap.String("file", path))

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("records: create watcher: %w", err)
	}
	defer watcher.Close()

	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("records: watch %s: %w", dir, err)
	}

	// Checked after the watch is armed so a write between the two is not lost.
	if ready, err := hasRecords(path); err != nil || ready {
		return err
	}
	logger.Info("Waiting for record file to be repopulated.")

	ticker := time.NewTicker(recheckInterval)
	defer ticker.Stop()

	base := filepath.Base(path)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return errors.New("records: watcher closed")
			}
			if filepath.Base(event.Name) != base || !event.Has(fsnotify.Write|fsnotify.Create|fsnotify.Rename) {
				continue
			}
		case werr, ok := <-watcher.Errors:
			if !ok {
				return errors.New("records: watcher closed")
			}
			logger.Warn("Watcher error.", zap.Error(werr))
			continue
		case <-ticker.C:
		}

		ready, err := hasRecords(path)
		if err != nil {
			return err
		}
		if ready {
			logger.Info("Record file repopulated.")
			return nil
		}
	}
}

// hasRecords treats a missing file as empty so follow mode can start before the
// producer creates it.
func hasRecords(path string) (bool, error) {
	n, err := CountRemainingLines(path)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

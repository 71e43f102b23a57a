package config

import (
	"os"
	"time"

	"github.com/mir00r/lbcore/pkg/logger"
)

// pollInterval is how often FileWatcher checks the configuration file's
// modification time. No file-notification library appears anywhere in
// the example corpus, so this polls via os.Stat rather than introducing
// an unrelated dependency for a single call site.
const pollInterval = 2 * time.Second

// FileWatcher polls a configuration file for changes and invokes a
// callback with its raw bytes whenever the modification time advances.
type FileWatcher struct {
	path   string
	logger *logger.Logger
}

// NewFileWatcher creates a watcher for path. Call Run to start polling.
func NewFileWatcher(path string, log *logger.Logger) *FileWatcher {
	return &FileWatcher{path: path, logger: log.WithField("component", "config_watcher")}
}

// Run polls for the life of the process, calling onChange with the file's
// contents each time its modification time changes. It has no stop
// mechanism and returns only if the initial stat fails. Intended to be
// run on its own goroutine.
func (w *FileWatcher) Run(onChange func(data []byte)) {
	lastMod, err := w.modTime()
	if err != nil {
		w.logger.WithError(err).Warn("failed to stat configuration file, watcher disabled")
		return
	}

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for range ticker.C {
		modTime, err := w.modTime()
		if err != nil {
			w.logger.WithError(err).Warn("failed to stat configuration file")
			continue
		}
		if !modTime.After(lastMod) {
			continue
		}
		lastMod = modTime

		data, err := os.ReadFile(w.path)
		if err != nil {
			w.logger.WithError(err).Warn("failed to read configuration file after change")
			continue
		}

		w.logger.Info("configuration file changed, triggering reload")
		onChange(data)
	}
}

func (w *FileWatcher) modTime() (time.Time, error) {
	info, err := os.Stat(w.path)
	if err != nil {
		return time.Time{}, err
	}
	return info.ModTime(), nil
}

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/mir00r/lbcore/pkg/logger"
	"github.com/stretchr/testify/require"
)

func TestFileWatcherInvokesCallbackOnChange(t *testing.T) {
	log, err := logger.New(logger.Config{Level: "debug", Format: "json", Output: "stdout"})
	require.NoError(t, err)

	dir := t.TempDir()
	path := filepath.Join(dir, "lbcore.yaml")
	require.NoError(t, os.WriteFile(path, []byte("initial"), 0o644))

	w := &FileWatcher{path: path, logger: log}

	changed := make(chan []byte, 1)
	go w.Run(func(data []byte) { changed <- data })

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte("updated"), 0o644))

	select {
	case data := <-changed:
		require.Equal(t, "updated", string(data))
	case <-time.After(5 * time.Second):
		t.Fatal("expected callback to fire on file change")
	}
}

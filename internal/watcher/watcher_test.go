package watcher

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func startWatcher(t *testing.T, dir string) *Watcher {
	t.Helper()

	w, err := New(testLogger(), Options{SettleDelay: 50 * time.Millisecond})
	require.NoError(t, err)
	require.NoError(t, w.Watch(dir))

	ctx, cancel := context.WithCancel(context.Background())
	go w.Start(ctx) //nolint:errcheck // Test goroutine
	t.Cleanup(func() {
		cancel()
		_ = w.Stop()
	})
	return w
}

func nextEvent(t *testing.T, w *Watcher) Event {
	t.Helper()
	select {
	case event := <-w.Events():
		return event
	case err := <-w.Errors():
		t.Fatalf("unexpected error: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for event")
	}
	return Event{}
}

func TestWatcher_WatchRejectsFiles(t *testing.T) {
	w, err := New(testLogger(), Options{})
	require.NoError(t, err)
	defer w.Stop() //nolint:errcheck // Test cleanup

	file := filepath.Join(t.TempDir(), "event.json")
	require.NoError(t, os.WriteFile(file, []byte("{}"), 0o644))
	assert.Error(t, w.Watch(file))
}

func TestWatcher_ReportsSettledFile(t *testing.T) {
	dir := t.TempDir()
	w := startWatcher(t, dir)

	// Written under a temporary name, then renamed into place.
	tmp := filepath.Join(dir, "0001.json.tmp")
	require.NoError(t, os.WriteFile(tmp, []byte(`{"type":"deleted"}`), 0o644))
	final := filepath.Join(dir, "0001.json")
	require.NoError(t, os.Rename(tmp, final))

	event := nextEvent(t, w)
	assert.Equal(t, EventAdded, event.Type)
	assert.Equal(t, final, event.Path)
	assert.Equal(t, int64(18), event.Size)
}

func TestWatcher_ReportsBacklogInNameOrder(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"0002.json", "0001.json", "notes.txt"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("{}"), 0o644))
	}

	w := startWatcher(t, dir)

	got := map[string]bool{}
	for range 2 {
		got[filepath.Base(nextEvent(t, w).Path)] = true
	}
	assert.Equal(t, map[string]bool{"0001.json": true, "0002.json": true}, got)

	select {
	case event := <-w.Events():
		t.Fatalf("unexpected event: %+v", event)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestWatcher_IgnoresHiddenAndForeignFiles(t *testing.T) {
	dir := t.TempDir()
	w := startWatcher(t, dir)

	require.NoError(t, os.WriteFile(filepath.Join(dir, ".hidden.json"), []byte("{}"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "readme.md"), []byte("#"), 0o644))
	normal := filepath.Join(dir, "event.json")
	require.NoError(t, os.WriteFile(normal, []byte("{}"), 0o644))

	assert.Equal(t, normal, nextEvent(t, w).Path)

	select {
	case event := <-w.Events():
		t.Fatalf("unexpected event: %+v", event)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestWatcher_StopTwice(t *testing.T) {
	w, err := New(testLogger(), Options{})
	require.NoError(t, err)
	assert.NoError(t, w.Stop())
	assert.NoError(t, w.Stop())
}

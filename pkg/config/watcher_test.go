package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

// replaceFile swaps content in by rename so the watcher never sees a
// truncated file.
func replaceFile(t *testing.T, path, content string) {
	t.Helper()
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.Rename(tmp, path); err != nil {
		t.Fatal(err)
	}
}

func TestWatcherAppliesValidChanges(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "focusbridge.yaml")
	if err := os.WriteFile(path, []byte("bridgeTimeoutMs: 45000\n"), 0644); err != nil {
		t.Fatal(err)
	}

	loader := NewLoader()
	initial, err := loader.Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	changes := make(chan *Config, 4)
	w := NewWatcher(loader, path, initial, func(c *Config) { changes <- c }, zerolog.Nop())
	w.SetDelay(10 * time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := w.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer func() { _ = w.Stop() }()

	// An invalid revision is ignored.
	replaceFile(t, path, "bridgeTimeoutMs: -1\n")
	select {
	case c := <-changes:
		t.Fatalf("invalid revision applied: %+v", c)
	case <-time.After(200 * time.Millisecond):
	}
	if w.Current().BridgeTimeoutMs != 45000 {
		t.Fatalf("Current() changed to %d", w.Current().BridgeTimeoutMs)
	}

	replaceFile(t, path, "bridgeTimeoutMs: 1000\nmaxScriptSizeBytes: 2048\n")
	select {
	case c := <-changes:
		if c.BridgeTimeoutMs != 1000 || c.MaxScriptSizeBytes != 2048 {
			t.Errorf("applied %+v", c)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("valid revision not applied")
	}
	if w.Current().Limits().BridgeTimeout != time.Second {
		t.Errorf("Current().Limits() = %+v", w.Current().Limits())
	}
}

func TestWatcherIgnoresOtherFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "focusbridge.yaml")
	if err := os.WriteFile(path, []byte("{}\n"), 0644); err != nil {
		t.Fatal(err)
	}

	called := make(chan struct{}, 1)
	w := NewWatcher(NewLoader(), path, DefaultConfig(), func(*Config) { called <- struct{}{} }, zerolog.Nop())
	w.SetDelay(10 * time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := w.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("hello"), 0644); err != nil {
		t.Fatal(err)
	}
	select {
	case <-called:
		t.Fatal("unrelated file triggered a reload")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestWatcherStartFailsForMissingDirectory(t *testing.T) {
	w := NewWatcher(NewLoader(), filepath.Join(t.TempDir(), "missing", "c.yaml"), DefaultConfig(), nil, zerolog.Nop())
	if err := w.Start(context.Background()); err == nil {
		t.Error("expected error")
	}
}

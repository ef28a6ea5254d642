package config

import (
	"errors"
	"path/filepath"
	"testing"
	"time"
)

type change struct {
	cfg *Config
	err error
}

func startWatcher(t *testing.T, path string) (*Watcher, chan change) {
	t.Helper()
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	changes := make(chan change, 8)
	w, err := NewWatcher(cfg, func(c *Config, err error) {
		changes <- change{c, err}
	}, WithDebounce(20*time.Millisecond))
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	t.Cleanup(func() { _ = w.Close() })
	return w, changes
}

func waitChange(t *testing.T, changes chan change) change {
	t.Helper()
	select {
	case c := <-changes:
		return c
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for reload")
		return change{}
	}
}

func TestWatcherReloads(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "modframe.toml")
	writeFile(t, path, `[log]
level = "info"
`)
	w, changes := startWatcher(t, path)
	if w.Path() != path {
		t.Errorf("Path() = %q", w.Path())
	}

	writeFile(t, path, `[log]
level = "debug"
`)
	c := waitChange(t, changes)
	if c.err != nil {
		t.Fatalf("reload error: %v", c.err)
	}
	if c.cfg.Log.Level != "debug" {
		t.Errorf("level = %q", c.cfg.Log.Level)
	}
}

func TestWatcherReportsInvalidFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "modframe.yaml")
	writeFile(t, path, "identifier: a\n")
	_, changes := startWatcher(t, path)

	writeFile(t, path, "coordinator:\n  workers: 0\n")
	c := waitChange(t, changes)
	if !errors.Is(c.err, ErrValidationFailed) {
		t.Errorf("err = %v, want ErrValidationFailed", c.err)
	}
	if c.cfg != nil {
		t.Error("cfg should be nil on failure")
	}
}

func TestWatcherIgnoresOtherFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "modframe.toml")
	writeFile(t, path, `identifier = "a"`)
	_, changes := startWatcher(t, path)

	writeFile(t, filepath.Join(dir, "notes.txt"), "hello")
	select {
	case c := <-changes:
		t.Fatalf("unexpected reload: %+v", c)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestNewWatcherRequiresFile(t *testing.T) {
	_, err := NewWatcher(Default(), func(*Config, error) {})
	if !errors.Is(err, ErrNoConfigFile) {
		t.Errorf("err = %v, want ErrNoConfigFile", err)
	}
}

func TestWatcherCloseIdempotent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "modframe.toml")
	writeFile(t, path, `identifier = "a"`)
	w, _ := startWatcher(t, path)
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
}

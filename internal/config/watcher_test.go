package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestWatcher_DetectsChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rolerelay.toml")
	if err := os.WriteFile(path, []byte(minimalConfig), 0644); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ch, err := NewWatcher(path).Watch(ctx)
	if err != nil {
		t.Fatal(err)
	}

	updated := minimalConfig + "\n[log]\nlevel = \"debug\"\n"
	if err := os.WriteFile(path, []byte(updated), 0644); err != nil {
		t.Fatal(err)
	}

	select {
	case cfg := <-ch:
		if cfg == nil {
			t.Fatal("received nil config")
		}
		if cfg.Log.Level != "debug" {
			t.Errorf("expected log level debug, got %s", cfg.Log.Level)
		}
	case <-ctx.Done():
		t.Fatal("timed out waiting for config reload")
	}
}

func TestWatcher_InvalidConfigKeepsCurrent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rolerelay.toml")
	if err := os.WriteFile(path, []byte(minimalConfig), 0644); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	ch, err := NewWatcher(path).Watch(ctx)
	if err != nil {
		t.Fatal(err)
	}

	invalid := strings.Replace(minimalConfig, `name = "shop"`, "", 1)
	if err := os.WriteFile(path, []byte(invalid), 0644); err != nil {
		t.Fatal(err)
	}

	select {
	case cfg, ok := <-ch:
		if ok && cfg != nil {
			t.Errorf("expected no config for invalid file, got %+v", cfg.Project)
		}
	case <-time.After(1 * time.Second):
	}
}

func TestWatcher_IgnoresOtherFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rolerelay.toml")
	if err := os.WriteFile(path, []byte(minimalConfig), 0644); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	ch, err := NewWatcher(path).Watch(ctx)
	if err != nil {
		t.Fatal(err)
	}

	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("hi"), 0644); err != nil {
		t.Fatal(err)
	}

	select {
	case cfg := <-ch:
		if cfg != nil {
			t.Error("unexpected reload for unrelated file")
		}
	case <-time.After(800 * time.Millisecond):
	}
}

func TestWatcher_ClosesOnCancel(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rolerelay.toml")
	if err := os.WriteFile(path, []byte(minimalConfig), 0644); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	ch, err := NewWatcher(path).Watch(ctx)
	if err != nil {
		t.Fatal(err)
	}
	cancel()

	select {
	case _, ok := <-ch:
		if ok {
			t.Error("expected channel to be closed")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("channel not closed after cancel")
	}
}

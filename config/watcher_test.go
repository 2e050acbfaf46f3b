package config

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func TestWatcherReloadsOnWrite(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "taskmesh.yaml")
	if err := os.WriteFile(path, []byte("mesh:\n  maxRetries: 1\n"), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	var mu sync.Mutex
	var got *Config
	w, err := NewWatcher(path, func(c *Config) {
		mu.Lock()
		got = c
		mu.Unlock()
	}, slog.Default())
	if err != nil {
		t.Fatalf("NewWatcher() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := w.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer w.Stop()

	if err := os.WriteFile(path, []byte("mesh:\n  maxRetries: 5\n"), 0644); err != nil {
		t.Fatalf("rewrite config: %v", err)
	}

	deadline := time.After(5 * time.Second)
	for {
		mu.Lock()
		done := got != nil
		mu.Unlock()
		if done {
			break
		}
		select {
		case <-deadline:
			t.Fatal("reload callback never fired")
		case <-time.After(20 * time.Millisecond):
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if got.Mesh.MaxRetries != 5 {
		t.Errorf("reloaded maxRetries = %d, want 5", got.Mesh.MaxRetries)
	}
	if w.Reloads() == 0 {
		t.Error("Reloads() = 0 after a delivered reload")
	}
}

func TestWatcherKeepsPreviousConfigOnBadReload(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "taskmesh.yaml")
	if err := os.WriteFile(path, []byte("mesh:\n  maxRetries: 1\n"), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	w, err := NewWatcher(path, func(*Config) {
		t.Error("callback fired for an invalid config")
	}, slog.Default())
	if err != nil {
		t.Fatalf("NewWatcher() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := w.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer w.Stop()

	// batchSize 0 parses but fails validation.
	if err := os.WriteFile(path, []byte("mesh:\n  batchSize: 0\n"), 0644); err != nil {
		t.Fatalf("rewrite config: %v", err)
	}

	time.Sleep(3 * reloadDebounce)
	if w.Reloads() != 0 {
		t.Errorf("Reloads() = %d, want 0 for rejected reload", w.Reloads())
	}
}

func TestCatalogWatcherReloadsOnWrite(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "nodes.yaml")
	if err := os.WriteFile(path, []byte("nodes:\n  - name: worker-1\n"), 0644); err != nil {
		t.Fatalf("write catalog: %v", err)
	}

	var mu sync.Mutex
	var got *NodeCatalog
	w, err := NewCatalogWatcher(path, func(c *NodeCatalog) {
		mu.Lock()
		got = c
		mu.Unlock()
	}, slog.Default())
	if err != nil {
		t.Fatalf("NewCatalogWatcher() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := w.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer w.Stop()

	updated := "nodes:\n  - name: worker-1\n  - name: worker-2\n    capabilities: [gpu]\n"
	if err := os.WriteFile(path, []byte(updated), 0644); err != nil {
		t.Fatalf("rewrite catalog: %v", err)
	}

	deadline := time.After(5 * time.Second)
	for {
		mu.Lock()
		done := got != nil
		mu.Unlock()
		if done {
			break
		}
		select {
		case <-deadline:
			t.Fatal("catalog reload callback never fired")
		case <-time.After(20 * time.Millisecond):
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if len(got.Nodes) != 2 {
		t.Fatalf("reloaded catalog has %d nodes, want 2", len(got.Nodes))
	}
	if got.Nodes[1].Name != "worker-2" {
		t.Errorf("second node = %q, want worker-2", got.Nodes[1].Name)
	}
	if w.Reloads() == 0 {
		t.Error("Reloads() = 0 after a delivered reload")
	}
}

package config

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestWatchReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "xjog.toml")
	require := func(err error) {
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	require(os.WriteFile(path, []byte("[instance]\nself_id = \"a\"\n"), 0644))

	var mu sync.Mutex
	var reloads []*Config

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- Watch(ctx, path, zerolog.Nop(), func(cfg *Config) {
			mu.Lock()
			reloads = append(reloads, cfg)
			mu.Unlock()
		})
	}()

	time.Sleep(50 * time.Millisecond)
	require(os.WriteFile(path, []byte("[instance]\nself_id = \"b\"\n"), 0644))

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := len(reloads)
		mu.Unlock()
		if n > 0 {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(reloads) == 0 {
		t.Fatal("expected at least one reload after write")
	}
	if reloads[len(reloads)-1].Instance.SelfID != "b" {
		t.Errorf("SelfID = %q, want %q", reloads[len(reloads)-1].Instance.SelfID, "b")
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Watch returned error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Watch did not return after context cancellation")
	}
}

func TestWatchIgnoresUnrelatedFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "xjog.toml")
	if err := os.WriteFile(path, []byte("[instance]\nself_id = \"a\"\n"), 0644); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var mu sync.Mutex
	reloadCount := 0

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go Watch(ctx, path, zerolog.Nop(), func(cfg *Config) {
		mu.Lock()
		reloadCount++
		mu.Unlock()
	})

	time.Sleep(50 * time.Millisecond)
	if err := os.WriteFile(filepath.Join(dir, "unrelated.txt"), []byte("noise"), 0644); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	time.Sleep(300 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if reloadCount != 0 {
		t.Errorf("reloadCount = %d, want 0 for a write to an unrelated file", reloadCount)
	}
}

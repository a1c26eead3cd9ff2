package workspace

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func collect(t *testing.T, w *Watcher, quiet time.Duration) map[string]Op {
	t.Helper()
	got := make(map[string]Op)
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev := <-w.Events():
			got[ev.Path] = ev.Op
		case <-time.After(quiet):
			if len(got) > 0 {
				return got
			}
		case <-deadline:
			return got
		}
	}
}

// TestWatcherCoalesces tests that repeated writes to one path yield one event
func TestWatcherCoalesces(t *testing.T) {
	root, err := os.MkdirTemp("", "workspace-watch")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(root)

	w, err := NewWatcher(root, NewIgnore("*.tmp"), 50*time.Millisecond, nil)
	if err != nil {
		t.Fatalf("NewWatcher failed: %v", err)
	}
	defer w.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	p := filepath.Join(root, "a.txt")
	for i := 0; i < 10; i++ {
		os.WriteFile(p, []byte{byte(i)}, 0o644)
	}
	os.WriteFile(filepath.Join(root, "scratch.tmp"), []byte("x"), 0o644)

	count := 0
	timeout := time.After(5 * time.Second)
	for count == 0 {
		select {
		case ev := <-w.Events():
			if ev.Path == "scratch.tmp" {
				t.Error("Expected ignored file to produce no event")
			}
			if ev.Path == "a.txt" {
				count++
				if ev.Op != OpCreate {
					t.Errorf("Expected create to absorb later writes, got %s", ev.Op)
				}
			}
		case <-timeout:
			t.Fatal("Timed out waiting for event")
		}
	}
	select {
	case ev := <-w.Events():
		if ev.Path == "a.txt" {
			t.Errorf("Expected one event for a.txt, got another %s", ev.Op)
		}
	case <-time.After(300 * time.Millisecond):
	}
}

// TestWatcherNewDirectory tests that files in a newly created directory are reported
func TestWatcherNewDirectory(t *testing.T) {
	root, err := os.MkdirTemp("", "workspace-watch")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(root)

	w, err := NewWatcher(root, nil, 50*time.Millisecond, nil)
	if err != nil {
		t.Fatalf("NewWatcher failed: %v", err)
	}
	defer w.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	os.MkdirAll(filepath.Join(root, "pkg", "sub"), 0o755)
	os.WriteFile(filepath.Join(root, "pkg", "sub", "x.go"), []byte("package sub"), 0o644)

	got := collect(t, w, 300*time.Millisecond)
	if _, ok := got["pkg"]; !ok {
		t.Errorf("Expected event for pkg, got %v", got)
	}
	if _, ok := got["pkg/sub/x.go"]; !ok {
		// The file may have been written after the watch was added.
		more := collect(t, w, 300*time.Millisecond)
		if _, ok := more["pkg/sub/x.go"]; !ok {
			t.Errorf("Expected event for pkg/sub/x.go, got %v %v", got, more)
		}
	}
}

// TestWatcherRunEndsOnCancel tests that the event stream closes
func TestWatcherRunEndsOnCancel(t *testing.T) {
	root, err := os.MkdirTemp("", "workspace-watch")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(root)

	w, err := NewWatcher(root, nil, 0, nil)
	if err != nil {
		t.Fatalf("NewWatcher failed: %v", err)
	}
	defer w.Close()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Expected Run to return after cancel")
	}
	if _, ok := <-w.Events(); ok {
		t.Error("Expected events channel to be closed")
	}
}

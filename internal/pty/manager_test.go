package pty

import (
	"errors"
	"io"
	"os"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/remote-agent-terminal/wsterm/internal/model"
)

// TestSplitCommand tests command line splitting with quotes
func TestSplitCommand(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected []string
	}{
		{"simple", "bash -l", []string{"bash", "-l"}},
		{"double quotes", `sh -c "echo hi"`, []string{"sh", "-c", "echo hi"}},
		{"single quotes", `sh -c 'echo "x"'`, []string{"sh", "-c", `echo "x"`}},
		{"extra spaces", "  zsh   -i ", []string{"zsh", "-i"}},
		{"empty", "", nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := splitCommand(tt.input)
			if !reflect.DeepEqual(got, tt.expected) {
				t.Errorf("Expected %q, got %q", tt.expected, got)
			}
		})
	}
}

// TestNewManager tests manager creation
func TestNewManager(t *testing.T) {
	manager := NewManager("/tmp/casts", nil)
	if manager.RecordDir != "/tmp/casts" {
		t.Errorf("Expected RecordDir '/tmp/casts', got '%s'", manager.RecordDir)
	}
	if manager.OutputBufferSize != DefaultOutputBufferSize {
		t.Errorf("Expected OutputBufferSize %d, got %d", DefaultOutputBufferSize, manager.OutputBufferSize)
	}
	if manager.Count() != 0 {
		t.Errorf("Expected no processes, got %d", manager.Count())
	}
}

// TestSpawnEcho tests that output and exit status of a short command are observed
func TestSpawnEcho(t *testing.T) {
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("no /bin/sh")
	}
	dir, err := os.MkdirTemp("", "pty-test")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(dir)

	manager := NewManager(dir, nil)
	p, err := manager.Spawn(SpawnOptions{ID: "echo", Command: `/bin/sh -c "echo hello; exit 7"`, Dir: dir})
	if err != nil {
		t.Fatalf("Spawn failed: %v", err)
	}
	defer p.Close()

	out, _ := io.ReadAll(p.Output)
	if !strings.Contains(string(out), "hello") {
		t.Errorf("Expected output to contain hello, got %q", out)
	}

	select {
	case <-p.Exited():
	case <-time.After(5 * time.Second):
		t.Fatal("Expected process to exit")
	}
	if p.ExitCode() != 7 {
		t.Errorf("Expected exit code 7, got %d", p.ExitCode())
	}
	if _, ok := manager.Get("echo"); ok {
		t.Error("Expected exited process to be unregistered")
	}

	p.Close()
	if _, err := os.Stat(dir + "/echo.cast"); err != nil {
		t.Errorf("Expected recording to exist: %v", err)
	}
}

// TestSpawnFailure tests that an unknown command yields a SpawnError
func TestSpawnFailure(t *testing.T) {
	manager := NewManager("", nil)
	_, err := manager.Spawn(SpawnOptions{ID: "bad", Command: "/nonexistent/shell"})
	var spawnErr *model.SpawnError
	if !errors.As(err, &spawnErr) {
		t.Fatalf("Expected SpawnError, got %v", err)
	}
	if manager.Count() != 0 {
		t.Errorf("Expected nothing registered, got %d", manager.Count())
	}
}

// TestTerminate tests that the process group is signalled
func TestTerminate(t *testing.T) {
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("no /bin/sh")
	}
	manager := NewManager("", nil)
	p, err := manager.Spawn(SpawnOptions{ID: "sleep", Command: `/bin/sh -c "sleep 30"`})
	if err != nil {
		t.Fatalf("Spawn failed: %v", err)
	}
	defer p.Close()

	if err := p.Resize(40, 120); err != nil {
		t.Errorf("Resize failed: %v", err)
	}
	if err := p.Terminate(); err != nil {
		t.Errorf("Terminate failed: %v", err)
	}
	select {
	case <-p.Exited():
	case <-time.After(5 * time.Second):
		t.Fatal("Expected process to exit after terminate")
	}
	if p.ExitCode() != -1 {
		t.Errorf("Expected -1 for a signalled process, got %d", p.ExitCode())
	}
}

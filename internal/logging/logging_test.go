package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// TestNewWritesToFile tests that log output lands in the configured path
func TestNewWritesToFile(t *testing.T) {
	tmpDir, err := os.MkdirTemp("", "logging_test_*")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(tmpDir)

	path := filepath.Join(tmpDir, "wsterm.log")
	logger, err := New(Config{Level: "debug", Format: "json", OutputPath: path})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	Session(logger, "s-1").Info("hello")
	logger.Sync()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Failed to read log: %v", err)
	}
	if !strings.Contains(string(data), `"session":"s-1"`) {
		t.Errorf("Expected session field in log, got %s", data)
	}
}

// TestNewUnknownLevel tests the info fallback
func TestNewUnknownLevel(t *testing.T) {
	logger, err := New(Config{Level: "loud"})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if logger.Core().Enabled(-1) {
		t.Error("Expected debug to be disabled at the fallback level")
	}
}

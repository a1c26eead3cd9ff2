package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/remote-agent-terminal/wsterm/internal/model"
)

// TestDefaultValidate tests that the defaults only miss role specific fields
func TestDefaultValidate(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err == nil {
		t.Error("Expected error for client without url and workspace")
	}

	cfg.URL = "ws://localhost:8022/wsterm"
	cfg.WorkspaceRoot = "/tmp/ws"
	if err := cfg.Validate(); err != nil {
		t.Errorf("Expected valid client config, got %v", err)
	}

	cfg.Role = model.RoleServer
	if err := cfg.Validate(); err != nil {
		t.Errorf("Expected valid server config, got %v", err)
	}

	cfg.Role = "observer"
	if err := cfg.Validate(); err == nil {
		t.Error("Expected error for unknown role")
	}
}

// TestValidateBackoff tests backoff bounds
func TestValidateBackoff(t *testing.T) {
	cfg := Default()
	cfg.Role = model.RoleServer
	cfg.MaxBackoff = cfg.InitialBackoff / 2
	if err := cfg.Validate(); err == nil {
		t.Error("Expected error when max backoff is below initial backoff")
	}
}

// TestValidateMaxFrameSize tests that a frame must fit in one transport message
func TestValidateMaxFrameSize(t *testing.T) {
	tests := []struct {
		name    string
		size    int
		wantErr bool
	}{
		{"zero", 0, true},
		{"default", Default().MaxFrameSize, false},
		{"at limit", MaxFrameLimit, false},
		{"whole message", 1 << 20, true},
		{"above limit", MaxFrameLimit + 1, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			cfg.Role = model.RoleServer
			cfg.MaxFrameSize = tt.size
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Expected error %v, got %v", tt.wantErr, err)
			}
		})
	}
}

// TestOpenMode tests that an empty token disables the handshake
func TestOpenMode(t *testing.T) {
	cfg := Default()
	if !cfg.OpenMode() {
		t.Error("Expected open mode without token")
	}
	cfg.Token = "abc"
	if cfg.OpenMode() {
		t.Error("Expected handshake with token")
	}
}

// TestLogNeverNil tests the no-op logger fallback
func TestLogNeverNil(t *testing.T) {
	cfg := Default()
	if cfg.Log() == nil {
		t.Fatal("Expected non-nil logger")
	}
	cfg.Log().Info("discarded")
}

// TestFromFile tests YAML overlay onto defaults
func TestFromFile(t *testing.T) {
	tmpDir, err := os.MkdirTemp("", "config_test_*")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(tmpDir)

	path := filepath.Join(tmpDir, "wsterm.yaml")
	doc := "role: server\ntoken: xyz\nidle_timeout: 90s\nwindow_size: 1024\n"
	if err := os.WriteFile(path, []byte(doc), 0644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}

	cfg, err := FromFile(path, Default())
	if err != nil {
		t.Fatalf("FromFile failed: %v", err)
	}
	if cfg.Role != model.RoleServer {
		t.Errorf("Expected role server, got %s", cfg.Role)
	}
	if cfg.Token != "xyz" {
		t.Errorf("Expected token xyz, got %q", cfg.Token)
	}
	if cfg.IdleTimeout != 90*time.Second {
		t.Errorf("Expected idle timeout 90s, got %v", cfg.IdleTimeout)
	}
	if cfg.WindowSize != 1024 {
		t.Errorf("Expected window size 1024, got %d", cfg.WindowSize)
	}
	if cfg.MaxFrameSize != Default().MaxFrameSize {
		t.Errorf("Expected untouched max frame size, got %d", cfg.MaxFrameSize)
	}
}

// TestFromEnv tests environment overlay onto defaults
func TestFromEnv(t *testing.T) {
	t.Setenv("WSTERM_TOKEN", "abc")
	t.Setenv("WSTERM_RECONNECT_GRACE", "5s")

	cfg, err := FromEnv(Default())
	if err != nil {
		t.Fatalf("FromEnv failed: %v", err)
	}
	if cfg.Token != "abc" {
		t.Errorf("Expected token abc, got %q", cfg.Token)
	}
	if cfg.ReconnectGrace != 5*time.Second {
		t.Errorf("Expected reconnect grace 5s, got %v", cfg.ReconnectGrace)
	}
	if cfg.Path != "/wsterm" {
		t.Errorf("Expected default path to survive, got %q", cfg.Path)
	}
}

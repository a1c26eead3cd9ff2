package model

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

// TestReasonOf tests mapping of errors to reason codes
func TestReasonOf(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected Reason
	}{
		{"nil", nil, ReasonExited},
		{"canceled", fmt.Errorf("run: %w", context.Canceled), ReasonCanceled},
		{"auth", &AuthenticationError{Detail: "rejected"}, ReasonAuthFailed},
		{"spawn", &SpawnError{Command: "/bin/nope", Err: errors.New("not found")}, ReasonSpawnFailed},
		{"protocol", &ProtocolError{Detail: "bad frame"}, ReasonProtocolError},
		{"connection", &ConnectionError{URL: "ws://x", Err: errors.New("refused")}, ReasonUnreachable},
		{"transport closed", fmt.Errorf("recv: %w", ErrTransportClosed), ReasonUnreachable},
		{"transport timeout", ErrTransportTimeout, ReasonUnreachable},
		{"handshake timeout", fmt.Errorf("await auth result: %w", context.DeadlineExceeded), ReasonUnreachable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ReasonOf(tt.err); got != tt.expected {
				t.Errorf("Expected %s, got %s", tt.expected, got)
			}
		})
	}
}

// TestProcessExitCode tests translation of results to exit statuses
func TestProcessExitCode(t *testing.T) {
	tests := []struct {
		result   Result
		expected int
	}{
		{Result{Reason: ReasonExited, ExitCode: 7}, 7},
		{Result{Reason: ReasonIdleTimeout}, 0},
		{Result{Reason: ReasonAuthFailed}, 3},
		{Result{Reason: ReasonUnreachable}, 4},
		{Result{Reason: ReasonProtocolError}, 5},
		{Result{Reason: ReasonSpawnFailed}, 6},
		{Result{Reason: ReasonCanceled}, 130},
	}

	for _, tt := range tests {
		t.Run(string(tt.result.Reason), func(t *testing.T) {
			if got := tt.result.ProcessExitCode(); got != tt.expected {
				t.Errorf("Expected %d, got %d", tt.expected, got)
			}
		})
	}
}

// TestFileSyncErrorUnwrap tests that apply failures keep their cause
func TestFileSyncErrorUnwrap(t *testing.T) {
	cause := errors.New("permission denied")
	err := error(&FileSyncError{Path: "a.txt", Seq: 3, Err: cause})
	if !errors.Is(err, cause) {
		t.Error("Expected FileSyncError to unwrap to its cause")
	}
}

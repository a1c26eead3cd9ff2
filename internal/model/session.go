package model

import (
	"time"
)

// Role identifies which end of the connection a session runs on.
type Role string

const (
	RoleClient Role = "client"
	RoleServer Role = "server"
)

// State is the lifecycle state of a Session.
type State string

const (
	StateConnecting     State = "connecting"
	StateAuthenticating State = "authenticating"
	StateActive         State = "active"
	StateIdle           State = "idle"
	StateDisconnected   State = "disconnected"
	StateReconnecting   State = "reconnecting"
	StateClosed         State = "closed"
)

// TerminalState is the lifecycle state of a remote shell.
type TerminalState string

const (
	TerminalSpawning TerminalState = "spawning"
	TerminalRunning  TerminalState = "running"
	TerminalClosing  TerminalState = "closing"
	TerminalClosed   TerminalState = "closed"
)

// Session represents one end of a wsterm connection.
// On the server the same session ID is kept across reconnects while the
// terminal is detached.
type Session struct {
	ID            string        `json:"id"`
	Role          Role          `json:"role"`
	Authenticated bool          `json:"authenticated"`
	WorkspaceRoot string        `json:"workspaceRoot"`
	LastActivity  time.Time     `json:"lastActivity"`
	State         State         `json:"state"`
	Terminal      TerminalState `json:"terminal,omitempty"`
	ExitCode      *int          `json:"exitCode,omitempty"`
	Reason        Reason        `json:"reason,omitempty"`
	CreatedAt     time.Time     `json:"createdAt"`
	UpdatedAt     time.Time     `json:"updatedAt"`
}

// Touch records activity on the session.
func (s *Session) Touch(now time.Time) {
	s.LastActivity = now
	s.UpdatedAt = now
}

// Duration returns how long the session has existed.
func (s *Session) Duration() time.Duration {
	return time.Since(s.CreatedAt)
}

// Result is what a finished session reports to its caller.
type Result struct {
	Reason   Reason
	ExitCode int
	Detail   string
}

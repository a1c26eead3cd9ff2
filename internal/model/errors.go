package model

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrSessionNotFound is returned when a session is not found.
	ErrSessionNotFound = errors.New("session not found")

	// ErrTransportClosed is returned by blocked or later transport calls once the connection is gone.
	ErrTransportClosed = errors.New("transport closed")

	// ErrTransportTimeout is returned when nothing was received within the read deadline.
	ErrTransportTimeout = errors.New("transport timeout")

	// ErrSessionClosed is returned when operating on a terminal session that has already closed.
	ErrSessionClosed = errors.New("session closed")

	// ErrSyncStateNotFound is returned when a workspace has never been synchronized.
	ErrSyncStateNotFound = errors.New("sync state not found")
)

// ConnectionError reports that the transport could not be established or was lost.
type ConnectionError struct {
	URL string
	Err error
}

func (e *ConnectionError) Error() string {
	if e.URL == "" {
		return fmt.Sprintf("connection error: %v", e.Err)
	}
	return fmt.Sprintf("connection error: %s: %v", e.URL, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// AuthenticationError reports a rejected token. It is never retried.
type AuthenticationError struct {
	Detail string
}

func (e *AuthenticationError) Error() string {
	if e.Detail == "" {
		return "authentication failed"
	}
	return "authentication failed: " + e.Detail
}

// SpawnError reports that the pseudo-terminal or shell could not be created.
type SpawnError struct {
	Command string
	Err     error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawn %s: %v", e.Command, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// ProtocolError reports a malformed message or a sequence gap that outlived the reorder timeout.
type ProtocolError struct {
	Detail string
	Err    error
}

func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("protocol error: %s: %v", e.Detail, e.Err)
	}
	return "protocol error: " + e.Detail
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// FileSyncError reports a failure to apply a single file-sync record.
type FileSyncError struct {
	Path string
	Seq  uint64
	Err  error
}

func (e *FileSyncError) Error() string {
	return fmt.Sprintf("file sync: record %d (%s): %v", e.Seq, e.Path, e.Err)
}

func (e *FileSyncError) Unwrap() error { return e.Err }

// ReasonOf maps an error to the reason code reported to the caller.
func ReasonOf(err error) Reason {
	var (
		authErr  *AuthenticationError
		spawnErr *SpawnError
		protoErr *ProtocolError
		connErr  *ConnectionError
	)
	switch {
	case err == nil:
		return ReasonExited
	case errors.Is(err, context.Canceled):
		return ReasonCanceled
	case errors.As(err, &authErr):
		return ReasonAuthFailed
	case errors.As(err, &spawnErr):
		return ReasonSpawnFailed
	case errors.As(err, &protoErr):
		return ReasonProtocolError
	case errors.As(err, &connErr),
		errors.Is(err, ErrTransportClosed),
		errors.Is(err, ErrTransportTimeout),
		errors.Is(err, context.DeadlineExceeded):
		return ReasonUnreachable
	default:
		return ReasonProtocolError
	}
}

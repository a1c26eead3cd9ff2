//go:build windows

package main

import (
	"context"

	"github.com/remote-agent-terminal/wsterm/internal/session"
)

// watchResize is a no-op: Windows consoles have no SIGWINCH.
func watchResize(ctx context.Context, fd int, out chan session.WindowSize) {}

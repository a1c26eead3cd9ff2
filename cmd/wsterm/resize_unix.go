//go:build !windows

package main

import (
	"context"
	"os"
	"os/signal"

	"golang.org/x/sys/unix"

	"github.com/remote-agent-terminal/wsterm/internal/session"
)

// watchResize forwards SIGWINCH as window sizes. Only the newest size is kept.
func watchResize(ctx context.Context, fd int, out chan session.WindowSize) {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, unix.SIGWINCH)
	go func() {
		defer signal.Stop(sig)
		for {
			select {
			case <-sig:
				ws, ok := windowSize(fd)
				if !ok {
					continue
				}
				select {
				case <-out:
				default:
				}
				out <- ws
			case <-ctx.Done():
				return
			}
		}
	}()
}

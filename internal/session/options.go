package session

import (
	"go.uber.org/zap"

	"github.com/remote-agent-terminal/wsterm/internal/config"
	"github.com/remote-agent-terminal/wsterm/internal/mux"
	"github.com/remote-agent-terminal/wsterm/internal/transport"
)

// TransportOptions derives channel settings from cfg. A peer is declared
// gone after three missed ping intervals.
func TransportOptions(cfg config.Config, log *zap.Logger) transport.Options {
	opts := transport.Options{Logger: log}
	if cfg.PingInterval > 0 {
		opts.PingInterval = cfg.PingInterval
		opts.ReadTimeout = 3 * cfg.PingInterval
	}
	return opts
}

// MuxOptions derives multiplexer settings from cfg.
func MuxOptions(cfg config.Config, log *zap.Logger) mux.Options {
	return mux.Options{
		WindowSize:     cfg.WindowSize,
		MaxFrameSize:   cfg.MaxFrameSize,
		QueueDepth:     cfg.QueueDepth,
		ReorderTimeout: cfg.ReorderTimeout,
		Logger:         log,
	}
}

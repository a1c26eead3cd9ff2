// Package config holds the immutable configuration handed to every wsterm component.
package config

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/remote-agent-terminal/wsterm/internal/model"
	"github.com/remote-agent-terminal/wsterm/internal/protocol"
	"github.com/remote-agent-terminal/wsterm/internal/transport"
)

// MaxFrameLimit is the largest frame payload that still fits one transport message.
const MaxFrameLimit = transport.MaxMessageSize - protocol.MaxHeaderSize

// Config is constructed once per process and passed by value.
// Core packages never read the environment or argv themselves.
type Config struct {
	Role          model.Role `envconfig:"ROLE" yaml:"role"`
	URL           string     `envconfig:"URL" yaml:"url"`
	ListenAddr    string     `envconfig:"LISTEN_ADDR" yaml:"listen_addr"`
	Path          string     `envconfig:"PATH_PREFIX" yaml:"path"`
	WorkspaceRoot string     `envconfig:"WORKSPACE" yaml:"workspace"`
	WorkspaceBase string     `envconfig:"WORKSPACE_BASE" yaml:"workspace_base"`
	Token         string     `envconfig:"TOKEN" yaml:"token"`
	Shell         string     `envconfig:"SHELL" yaml:"shell"`

	IdleTimeout       time.Duration `envconfig:"IDLE_TIMEOUT" yaml:"idle_timeout"`
	IdleNotice        time.Duration `envconfig:"IDLE_NOTICE" yaml:"idle_notice"`
	ServerIdleTimeout time.Duration `envconfig:"SERVER_IDLE_TIMEOUT" yaml:"server_idle_timeout"`
	ReconnectGrace    time.Duration `envconfig:"RECONNECT_GRACE" yaml:"reconnect_grace"`
	CloseGrace        time.Duration `envconfig:"CLOSE_GRACE" yaml:"close_grace"`
	HandshakeTimeout  time.Duration `envconfig:"HANDSHAKE_TIMEOUT" yaml:"handshake_timeout"`
	ReorderTimeout    time.Duration `envconfig:"REORDER_TIMEOUT" yaml:"reorder_timeout"`
	PingInterval      time.Duration `envconfig:"PING_INTERVAL" yaml:"ping_interval"`
	DebounceWindow    time.Duration `envconfig:"DEBOUNCE" yaml:"debounce"`
	InitialBackoff    time.Duration `envconfig:"INITIAL_BACKOFF" yaml:"initial_backoff"`
	MaxBackoff        time.Duration `envconfig:"MAX_BACKOFF" yaml:"max_backoff"`

	WindowSize           int   `envconfig:"WINDOW_SIZE" yaml:"window_size"`
	MaxFrameSize         int   `envconfig:"MAX_FRAME_SIZE" yaml:"max_frame_size"`
	QueueDepth           int   `envconfig:"QUEUE_DEPTH" yaml:"queue_depth"`
	TerminalBufferSize   int   `envconfig:"TERMINAL_BUFFER" yaml:"terminal_buffer"`
	FullContentThreshold int64 `envconfig:"FULL_CONTENT_THRESHOLD" yaml:"full_content_threshold"`

	RecordDir string `envconfig:"RECORD_DIR" yaml:"record_dir"`
	DBPath    string `envconfig:"DB_PATH" yaml:"db_path"`

	// Logger is the log sink. A nil logger discards everything.
	Logger *zap.Logger `ignored:"true" yaml:"-"`
}

// Default returns a Config with every tunable set.
func Default() Config {
	return Config{
		Role:                 model.RoleClient,
		ListenAddr:           ":8022",
		Path:                 "/wsterm",
		WorkspaceBase:        "workspaces",
		IdleTimeout:          0,
		IdleNotice:           30 * time.Second,
		ReconnectGrace:       60 * time.Second,
		CloseGrace:           2 * time.Second,
		HandshakeTimeout:     10 * time.Second,
		ReorderTimeout:       5 * time.Second,
		PingInterval:         20 * time.Second,
		DebounceWindow:       300 * time.Millisecond,
		InitialBackoff:       500 * time.Millisecond,
		MaxBackoff:           30 * time.Second,
		WindowSize:           256 * 1024,
		MaxFrameSize:         32 * 1024,
		QueueDepth:           64,
		TerminalBufferSize:   64 * 1024,
		FullContentThreshold: 256 * 1024,
		DBPath:               "data/wsterm.db",
	}
}

// Validate checks that the configuration is usable for its role.
func (c Config) Validate() error {
	var errs []error
	switch c.Role {
	case model.RoleClient:
		if c.URL == "" {
			errs = append(errs, errors.New("url is required in client mode"))
		}
		if c.WorkspaceRoot == "" {
			errs = append(errs, errors.New("workspace is required in client mode"))
		}
	case model.RoleServer:
		if c.ListenAddr == "" {
			errs = append(errs, errors.New("listen address is required in server mode"))
		}
		if c.WorkspaceBase == "" {
			errs = append(errs, errors.New("workspace base is required in server mode"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown role %q", c.Role))
	}
	if c.WindowSize <= 0 {
		errs = append(errs, errors.New("window size must be positive"))
	}
	if c.MaxFrameSize <= 0 {
		errs = append(errs, errors.New("max frame size must be positive"))
	} else if c.MaxFrameSize > MaxFrameLimit {
		errs = append(errs, fmt.Errorf("max frame size must not exceed %d", MaxFrameLimit))
	}
	if c.QueueDepth <= 0 {
		errs = append(errs, errors.New("queue depth must be positive"))
	}
	if c.TerminalBufferSize <= 0 {
		errs = append(errs, errors.New("terminal buffer size must be positive"))
	}
	if c.IdleTimeout < 0 || c.ReconnectGrace < 0 || c.CloseGrace < 0 {
		errs = append(errs, errors.New("durations must not be negative"))
	}
	if c.InitialBackoff <= 0 || c.MaxBackoff < c.InitialBackoff {
		errs = append(errs, errors.New("backoff must satisfy 0 < initial <= max"))
	}
	return errors.Join(errs...)
}

// OpenMode reports whether the authentication handshake is skipped.
func (c Config) OpenMode() bool {
	return c.Token == ""
}

// Log returns the configured logger, or a no-op logger.
func (c Config) Log() *zap.Logger {
	if c.Logger == nil {
		return zap.NewNop()
	}
	return c.Logger
}

// WithLogger returns a copy of c using l.
func (c Config) WithLogger(l *zap.Logger) Config {
	c.Logger = l
	return c
}

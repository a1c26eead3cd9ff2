// Command wsterm runs an interactive shell on a remote host over a
// WebSocket while mirroring the local workspace to it. Without --server it
// is the client.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"golang.org/x/term"

	"github.com/remote-agent-terminal/wsterm/internal/config"
	"github.com/remote-agent-terminal/wsterm/internal/logging"
	"github.com/remote-agent-terminal/wsterm/internal/model"
	"github.com/remote-agent-terminal/wsterm/internal/session"
)

// Exit status for a command line or configuration error.
const exitUsage = 2

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	cfg, logCfg, err := loadConfig(args)
	if errors.Is(err, pflag.ErrHelp) {
		return 0
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "wsterm: %v\n", err)
		return exitUsage
	}

	log, err := logging.New(logCfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "wsterm: failed to build logger: %v\n", err)
		return exitUsage
	}
	defer log.Sync()
	cfg = cfg.WithLogger(log)

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "wsterm: invalid configuration: %v\n", err)
		return exitUsage
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer stop()

	if cfg.Role == model.RoleServer {
		if err := runServer(ctx, cfg); err != nil {
			log.Error("server failed", zap.Error(err))
			return 1
		}
		return 0
	}

	res := runClient(ctx, cfg)
	if res.Reason != model.ReasonExited {
		fmt.Fprintf(os.Stderr, "wsterm: session ended: %s", res.Reason)
		if res.Detail != "" {
			fmt.Fprintf(os.Stderr, ": %s", res.Detail)
		}
		fmt.Fprintln(os.Stderr)
	}
	return res.ProcessExitCode()
}

// loadConfig layers defaults, WSTERM_* variables, the optional YAML file
// and finally explicit flags.
func loadConfig(args []string) (config.Config, logging.Config, error) {
	flags := pflag.NewFlagSet("wsterm", pflag.ContinueOnError)
	server := flags.Bool("server", false, "run the server instead of the client")
	url := flags.String("url", "", "server URL, ws(s)://host:port/wsterm")
	listen := flags.String("listen", "", "server listen address")
	path := flags.String("path", "", "server WebSocket path")
	token := flags.String("token", "", "shared token (empty disables authentication)")
	workspaceRoot := flags.String("workspace", "", "local workspace directory to mirror")
	workspaceBase := flags.String("workspace-base", "", "server directory holding mirrored workspaces")
	shell := flags.String("shell", "", "shell started on the server")
	idleTimeout := flags.Duration("idle-timeout", 0, "close a terminal after this long without traffic (0 disables)")
	serverIdle := flags.Duration("server-idle-timeout", 0, "stop the server after this long without sessions (0 disables)")
	grace := flags.Duration("reconnect-grace", 0, "how long a detached terminal waits for its client")
	recordDir := flags.String("record-dir", "", "record terminal sessions as asciinema casts in this directory")
	dbPath := flags.String("db", "", "server database path")
	configPath := flags.String("config", "", "YAML configuration file")
	logLevel := flags.String("log-level", "", "log level: debug, info, warn, error")
	logFormat := flags.String("log-format", "console", "log format: console or json")
	logFile := flags.String("log-file", "", "write logs to this file instead of stderr")

	if err := flags.Parse(args); err != nil {
		return config.Config{}, logging.Config{}, err
	}

	cfg, err := config.FromEnv(config.Default())
	if err != nil {
		return cfg, logging.Config{}, err
	}
	if *configPath != "" {
		if cfg, err = config.FromFile(*configPath, cfg); err != nil {
			return cfg, logging.Config{}, err
		}
	}

	set := func(name string, apply func()) {
		if flags.Changed(name) {
			apply()
		}
	}
	set("server", func() {
		cfg.Role = model.RoleClient
		if *server {
			cfg.Role = model.RoleServer
		}
	})
	set("url", func() { cfg.URL = *url })
	set("listen", func() { cfg.ListenAddr = *listen })
	set("path", func() { cfg.Path = *path })
	set("token", func() { cfg.Token = *token })
	set("workspace", func() { cfg.WorkspaceRoot = *workspaceRoot })
	set("workspace-base", func() { cfg.WorkspaceBase = *workspaceBase })
	set("shell", func() { cfg.Shell = *shell })
	set("idle-timeout", func() { cfg.IdleTimeout = *idleTimeout })
	set("server-idle-timeout", func() { cfg.ServerIdleTimeout = *serverIdle })
	set("reconnect-grace", func() { cfg.ReconnectGrace = *grace })
	set("record-dir", func() { cfg.RecordDir = *recordDir })
	set("db", func() { cfg.DBPath = *dbPath })

	if cfg.Role == model.RoleClient && cfg.WorkspaceRoot == "" {
		if wd, err := os.Getwd(); err == nil {
			cfg.WorkspaceRoot = wd
		}
	}

	logCfg := logging.Config{Level: *logLevel, Format: *logFormat, OutputPath: *logFile}
	if logCfg.Level == "" {
		logCfg.Level = "info"
		// The client shares the terminal with the remote shell.
		if cfg.Role == model.RoleClient && logCfg.OutputPath == "" {
			logCfg.Level = "error"
		}
	}
	return cfg, logCfg, nil
}

func runClient(ctx context.Context, cfg config.Config) model.Result {
	fd := int(os.Stdin.Fd())
	resize := make(chan session.WindowSize, 1)
	opts := session.ClientOptions{
		Stdin:  os.Stdin,
		Stdout: os.Stdout,
		Resize: resize,
		Size:   func() session.WindowSize { ws, _ := windowSize(fd); return ws },
	}

	client, err := session.NewClient(cfg, opts)
	if err != nil {
		return model.Result{Reason: model.ReasonOf(err), ExitCode: -1, Detail: err.Error()}
	}

	if term.IsTerminal(fd) {
		state, err := term.MakeRaw(fd)
		if err != nil {
			return model.Result{Reason: model.ReasonCanceled, ExitCode: -1, Detail: "enable raw mode: " + err.Error()}
		}
		defer term.Restore(fd, state)
		watchResize(ctx, fd, resize)
	}
	return client.Run(ctx)
}

func windowSize(fd int) (session.WindowSize, bool) {
	width, height, err := term.GetSize(fd)
	if err != nil || width <= 0 || height <= 0 {
		return session.WindowSize{}, false
	}
	return session.WindowSize{Rows: uint16(height), Cols: uint16(width)}, true
}

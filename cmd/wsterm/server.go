package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/remote-agent-terminal/wsterm/api/handlers"
	"github.com/remote-agent-terminal/wsterm/internal/config"
	"github.com/remote-agent-terminal/wsterm/internal/db"
	"github.com/remote-agent-terminal/wsterm/internal/metrics"
	"github.com/remote-agent-terminal/wsterm/internal/pty"
	"github.com/remote-agent-terminal/wsterm/internal/repository"
	"github.com/remote-agent-terminal/wsterm/internal/session"
	"github.com/remote-agent-terminal/wsterm/internal/terminal"
)

const shutdownTimeout = 5 * time.Second

func runServer(ctx context.Context, cfg config.Config) error {
	log := cfg.Log()

	// Ensure data directories exist
	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0755); err != nil {
		return fmt.Errorf("failed to create database directory: %w", err)
	}
	if err := os.MkdirAll(cfg.WorkspaceBase, 0755); err != nil {
		return fmt.Errorf("failed to create workspace directory: %w", err)
	}

	database, err := db.InitDB(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer db.CloseDB()

	sessions := repository.NewSessionRepository(database)
	syncState := repository.NewSyncStateRepository(database)

	terminals := terminal.NewManager(pty.NewManager(cfg.RecordDir, log), terminal.Options{
		Shell:          cfg.Shell,
		IdleTimeout:    cfg.IdleTimeout,
		CloseGrace:     cfg.CloseGrace,
		ReconnectGrace: cfg.ReconnectGrace,
		BufferSize:     cfg.TerminalBufferSize,
	}, log)
	defer terminals.Close()

	server := session.NewServer(cfg, terminals, sessions, syncState)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	if cfg.ServerIdleTimeout > 0 {
		go func() {
			if server.WaitIdle(ctx, cfg.ServerIdleTimeout) {
				log.Info("no sessions, shutting down", zap.Duration("idle", cfg.ServerIdleTimeout))
				cancel()
			}
		}()
	}

	srv := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: newRouter(cfg, server, sessions, terminals),
	}
	go func() {
		<-ctx.Done()
		log.Info("shutting down server")
		// Hijacked WebSocket connections end when their terminals close.
		terminals.Close()
		sctx, scancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer scancel()
		srv.Shutdown(sctx)
	}()

	log.Info("starting server", zap.String("addr", cfg.ListenAddr), zap.String("path", cfg.Path), zap.Bool("open_mode", cfg.OpenMode()))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func newRouter(cfg config.Config, server *session.Server, sessions *repository.SessionRepository, terminals *terminal.Manager) *gin.Engine {
	if cfg.Log().Core().Enabled(zap.DebugLevel) {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(cfg.Log().Named("http")))

	// Health check endpoint
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status": "ok",
		})
	})
	// The WebSocket path authenticates in-band; the plain HTTP surface uses the same token.
	var guard []gin.HandlerFunc
	if !cfg.OpenMode() {
		guard = append(guard, handlers.RequireToken(cfg.Token))
	}
	r.GET("/metrics", append(guard, gin.WrapH(metrics.Handler()))...)

	handlers.NewWebSocketHandler(server, cfg).RegisterRoutes(r, cfg.Path)

	api := r.Group("/api", guard...)
	{
		handlers.NewSessionHandler(sessions, terminals, cfg.RecordDir).RegisterRoutes(api)
	}
	return r
}

// requestLogger logs one line per plain HTTP request.
func requestLogger(log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Debug("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)))
	}
}

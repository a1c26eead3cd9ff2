package handlers

import (
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/remote-agent-terminal/wsterm/internal/config"
	"github.com/remote-agent-terminal/wsterm/internal/session"
	"github.com/remote-agent-terminal/wsterm/internal/transport"
)

// WebSocketHandler upgrades wsterm clients and hands them to the session server.
type WebSocketHandler struct {
	server *session.Server
	cfg    config.Config
	log    *zap.Logger
}

// NewWebSocketHandler creates a new WebSocketHandler.
func NewWebSocketHandler(server *session.Server, cfg config.Config) *WebSocketHandler {
	return &WebSocketHandler{
		server: server,
		cfg:    cfg,
		log:    cfg.Log().Named("http"),
	}
}

// Connect handles GET <path> - upgrades to WebSocket and serves one connection.
func (h *WebSocketHandler) Connect(c *gin.Context) {
	ch, err := transport.Accept(c.Writer, c.Request, session.TransportOptions(h.cfg, h.log))
	if err != nil {
		// The upgrader already wrote the HTTP error.
		h.log.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	defer ch.Close()

	result := h.server.Serve(c.Request.Context(), ch)
	h.log.Info("connection finished",
		zap.String("peer", ch.RemoteAddr()),
		zap.String("reason", string(result.Reason)),
		zap.String("detail", result.Detail))
}

// RegisterRoutes registers the WebSocket endpoint at path.
func (h *WebSocketHandler) RegisterRoutes(r gin.IRoutes, path string) {
	r.GET(path, h.Connect)
}

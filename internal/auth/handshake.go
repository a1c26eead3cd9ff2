// Package auth implements the shared-token handshake that gates a wsterm connection.
package auth

import (
	"context"
	"crypto/subtle"
	"fmt"
	"time"

	"github.com/remote-agent-terminal/wsterm/internal/metrics"
	"github.com/remote-agent-terminal/wsterm/internal/model"
	"github.com/remote-agent-terminal/wsterm/internal/protocol"
)

// Control is the part of the multiplexer the handshake needs.
type Control interface {
	SendMessage(ctx context.Context, ch protocol.Channel, msg protocol.Message) error
	RecvControl(ctx context.Context) (protocol.Message, error)
	Flush(ctx context.Context) error
	Close() error
}

// Initiate sends token and waits for the verdict. An empty token means
// open mode and no message is exchanged.
func Initiate(ctx context.Context, c Control, token string, timeout time.Duration) error {
	if token == "" {
		return nil
	}
	ctx, cancel := withTimeout(ctx, timeout)
	defer cancel()

	if err := c.SendMessage(ctx, protocol.ChannelControl, &protocol.AuthRequest{Token: token}); err != nil {
		return fmt.Errorf("send auth request: %w", err)
	}
	msg, err := c.RecvControl(ctx)
	if err != nil {
		return fmt.Errorf("await auth result: %w", err)
	}
	result, ok := msg.(*protocol.AuthResult)
	if !ok {
		return &model.ProtocolError{Detail: fmt.Sprintf("expected auth-result, got %s", msg.Kind())}
	}
	if !result.Accepted {
		return &model.AuthenticationError{Detail: result.Detail}
	}
	return nil
}

// Accept reads the peer's token and compares it to token. On mismatch it
// replies rejected and closes the connection. An empty token means open mode.
func Accept(ctx context.Context, c Control, token string, timeout time.Duration) error {
	if token == "" {
		return nil
	}
	ctx, cancel := withTimeout(ctx, timeout)
	defer cancel()

	msg, err := c.RecvControl(ctx)
	if err != nil {
		return fmt.Errorf("await auth request: %w", err)
	}
	req, ok := msg.(*protocol.AuthRequest)
	if !ok {
		c.Close()
		return &model.ProtocolError{Detail: fmt.Sprintf("expected auth-request, got %s", msg.Kind())}
	}

	accepted := subtle.ConstantTimeCompare([]byte(req.Token), []byte(token)) == 1
	metrics.AuthResult(accepted)

	result := &protocol.AuthResult{Accepted: accepted}
	if !accepted {
		result.Detail = "token mismatch"
	}
	sendErr := c.SendMessage(ctx, protocol.ChannelControl, result)
	if !accepted {
		if sendErr == nil {
			c.Flush(ctx)
		}
		c.Close()
		return &model.AuthenticationError{Detail: result.Detail}
	}
	if sendErr != nil {
		return fmt.Errorf("send auth result: %w", sendErr)
	}
	return nil
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

package session

import (
	"context"
	"testing"
	"time"

	"github.com/remote-agent-terminal/wsterm/internal/config"
	"github.com/remote-agent-terminal/wsterm/internal/model"
	"github.com/remote-agent-terminal/wsterm/internal/mux"
	"github.com/remote-agent-terminal/wsterm/internal/protocol"
)

// pipeConn gives one end of an in-memory pipe an address.
type pipeConn struct {
	mux.Conn
}

func (pipeConn) RemoteAddr() string { return "pipe" }

// serveOverPipe runs Serve against an in-memory peer and returns the peer's multiplexer.
func serveOverPipe(t *testing.T, ts *testServer) (*mux.Mux, <-chan model.Result) {
	t.Helper()
	a, b := mux.Pipe()
	peer := mux.New(a, mux.Options{})
	t.Cleanup(func() { peer.Close() })

	results := make(chan model.Result, 1)
	go func() { results <- ts.server.Serve(context.Background(), pipeConn{b}) }()
	return peer, results
}

func expectError(t *testing.T, peer *mux.Mux, reason model.Reason) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	msg, err := peer.RecvControl(ctx)
	if err != nil {
		t.Fatalf("RecvControl failed: %v", err)
	}
	e, ok := msg.(*protocol.Error)
	if !ok {
		t.Fatalf("Expected error message, got %s", msg.Kind())
	}
	if e.Reason != string(reason) {
		t.Errorf("Expected reason %s, got %s (%s)", reason, e.Reason, e.Detail)
	}
}

// TestServerOpenErrors tests how the server answers an open it cannot serve
func TestServerOpenErrors(t *testing.T) {
	ts, cleanup := setupTestServer(t, nil)
	defer cleanup()

	tests := []struct {
		name   string
		msg    protocol.Message
		reason model.Reason
	}{
		{"expired session", &protocol.Open{SessionID: "gone", Workspace: "proj-1234abcd@host", Rows: 24, Cols: 80}, model.ReasonUnreachable},
		{"workspace escapes base", &protocol.Open{Workspace: "../etc", Rows: 24, Cols: 80}, model.ReasonProtocolError},
		{"empty workspace", &protocol.Open{Rows: 24, Cols: 80}, model.ReasonProtocolError},
		{"not an open", &protocol.Resize{Rows: 24, Cols: 80}, model.ReasonProtocolError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			peer, results := serveOverPipe(t, ts)
			if err := peer.SendMessage(context.Background(), protocol.ChannelControl, tt.msg); err != nil {
				t.Fatalf("SendMessage failed: %v", err)
			}
			expectError(t, peer, tt.reason)

			select {
			case res := <-results:
				if res.Reason != tt.reason {
					t.Errorf("Expected server result %s, got %s", tt.reason, res.Reason)
				}
			case <-time.After(5 * time.Second):
				t.Fatal("Expected Serve to return")
			}
		})
	}
	if ts.terminals.Count() != 0 {
		t.Errorf("Expected no terminal sessions, got %d", ts.terminals.Count())
	}
}

// TestServerIdle tests idle tracking across a connection
func TestServerIdle(t *testing.T) {
	ts, cleanup := setupTestServer(t, func(c *config.Config) { c.HandshakeTimeout = 100 * time.Millisecond })
	defer cleanup()

	if ts.server.IdleFor() <= 0 {
		t.Error("Expected a fresh server to be idle")
	}

	peer, results := serveOverPipe(t, ts)
	waitFor(t, "connection counted", func() bool { return ts.server.Active() == 1 })
	if ts.server.IdleFor() != 0 {
		t.Error("Expected a server with a connection not to be idle")
	}

	// No open arrives, so the handshake times out.
	<-results
	peer.Close()
	if ts.server.Active() != 0 {
		t.Errorf("Expected no connections, got %d", ts.server.Active())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if !ts.server.WaitIdle(ctx, 50*time.Millisecond) {
		t.Error("Expected WaitIdle to report idleness")
	}
}

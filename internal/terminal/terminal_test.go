package terminal

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/remote-agent-terminal/wsterm/internal/model"
	"github.com/remote-agent-terminal/wsterm/internal/protocol"
	"github.com/remote-agent-terminal/wsterm/internal/pty"
)

// fakeConn records what a session sends and feeds it terminal input.
type fakeConn struct {
	mu             sync.Mutex
	output         bytes.Buffer
	control        []protocol.Message
	closedTerminal bool

	input chan []byte
	done  chan struct{}
	gate  chan struct{}
}

func newFakeConn() *fakeConn {
	return &fakeConn{input: make(chan []byte, 16), done: make(chan struct{})}
}

func (c *fakeConn) Send(ctx context.Context, ch protocol.Channel, payload []byte) error {
	if c.gate != nil {
		select {
		case <-c.gate:
		case <-ctx.Done():
			return ctx.Err()
		case <-c.done:
			return model.ErrTransportClosed
		}
	}
	select {
	case <-c.done:
		return model.ErrTransportClosed
	default:
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.output.Write(payload)
	return nil
}

func (c *fakeConn) SendMessage(ctx context.Context, ch protocol.Channel, msg protocol.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.control = append(c.control, msg)
	return nil
}

func (c *fakeConn) CloseChannel(ctx context.Context, ch protocol.Channel) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ch == protocol.ChannelTerminal {
		c.closedTerminal = true
	}
	return nil
}

func (c *fakeConn) Recv(ctx context.Context, ch protocol.Channel) ([]byte, error) {
	select {
	case data, ok := <-c.input:
		if !ok {
			return nil, io.EOF
		}
		return data, nil
	case <-c.done:
		return nil, model.ErrTransportClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *fakeConn) Done() <-chan struct{} {
	return c.done
}

func (c *fakeConn) Output() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.output.String()
}

func (c *fakeConn) exit() (*protocol.Exit, *protocol.Error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var exit *protocol.Exit
	var reason *protocol.Error
	for _, m := range c.control {
		switch v := m.(type) {
		case *protocol.Exit:
			exit = v
		case *protocol.Error:
			reason = v
		}
	}
	return exit, reason
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("Timed out waiting for %s", what)
}

func requireShell(t *testing.T) {
	t.Helper()
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("no /bin/sh")
	}
}

func newTestManager(t *testing.T, opts Options) *Manager {
	t.Helper()
	m := NewManager(pty.NewManager("", nil), opts, nil)
	t.Cleanup(m.Close)
	return m
}

// TestShellRoundTrip tests input relay, output relay and exit reporting
func TestShellRoundTrip(t *testing.T) {
	requireShell(t)
	m := newTestManager(t, Options{Shell: "/bin/sh"})

	dir, err := os.MkdirTemp("", "terminal-test")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(dir)

	s, err := m.Open(OpenOptions{ID: "s1", Dir: dir, Rows: 24, Cols: 80})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	conn := newFakeConn()
	if _, err := m.Attach("s1", conn); err != nil {
		t.Fatalf("Attach failed: %v", err)
	}
	if s.State() != model.TerminalRunning {
		t.Errorf("Expected running, got %s", s.State())
	}

	if err := s.Resize(40, 100); err != nil {
		t.Errorf("Resize failed: %v", err)
	}
	conn.input <- []byte("echo round-$((20+1))-trip\n")
	waitFor(t, "echo output", func() bool { return strings.Contains(conn.Output(), "round-21-trip") })

	conn.input <- []byte("exit 3\n")
	select {
	case <-s.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("Expected session to close after exit")
	}

	exit, reason := conn.exit()
	if exit == nil || exit.Code != 3 {
		t.Errorf("Expected exit code 3, got %+v", exit)
	}
	if reason != nil {
		t.Errorf("Expected no error reason for a normal exit, got %+v", reason)
	}
	if s.Reason() != model.ReasonExited {
		t.Errorf("Expected reason exited, got %s", s.Reason())
	}
	if !conn.closedTerminal {
		t.Error("Expected terminal-io to be closed")
	}
	waitFor(t, "session reaped", func() bool { return m.Count() == 0 })
}

// TestIdleTimeout tests that silence closes the session regardless of earlier traffic
func TestIdleTimeout(t *testing.T) {
	requireShell(t)
	m := newTestManager(t, Options{Shell: "/bin/sh", IdleTimeout: 300 * time.Millisecond, CloseGrace: time.Second})

	s, err := m.Open(OpenOptions{ID: "idle"})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	conn := newFakeConn()
	m.Attach("idle", conn)

	for i := 0; i < 5; i++ {
		conn.input <- []byte("echo busy\n")
		time.Sleep(50 * time.Millisecond)
	}

	select {
	case <-s.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("Expected idle session to close")
	}
	if s.Reason() != model.ReasonIdleTimeout {
		t.Errorf("Expected idle-timeout, got %s", s.Reason())
	}
	_, reason := conn.exit()
	if reason == nil || reason.Reason != string(model.ReasonIdleTimeout) {
		t.Errorf("Expected idle-timeout reason to be reported, got %+v", reason)
	}
}

// busyConn is a connection carrying traffic the session does not see,
// such as file sync.
type busyConn struct {
	*fakeConn
	last atomic.Int64
}

func (c *busyConn) LastActivity() time.Time {
	return time.Unix(0, c.last.Load())
}

// TestIdleTimeoutCountsConnectionTraffic tests that any traffic on the attached connection defers the idle timeout
func TestIdleTimeoutCountsConnectionTraffic(t *testing.T) {
	requireShell(t)
	m := newTestManager(t, Options{Shell: "/bin/sh", IdleTimeout: 300 * time.Millisecond, CloseGrace: time.Second})

	s, err := m.Open(OpenOptions{ID: "syncing"})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	conn := &busyConn{fakeConn: newFakeConn()}
	conn.last.Store(time.Now().UnixNano())
	m.Attach("syncing", conn)

	busyUntil := time.Now().Add(900 * time.Millisecond)
	for time.Now().Before(busyUntil) {
		conn.last.Store(time.Now().UnixNano())
		select {
		case <-s.Done():
			t.Fatalf("Expected traffic on the connection to keep the session open, closed with %s", s.Reason())
		case <-time.After(50 * time.Millisecond):
		}
	}

	select {
	case <-s.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("Expected the session to close once the connection went quiet")
	}
	if s.Reason() != model.ReasonIdleTimeout {
		t.Errorf("Expected idle-timeout, got %s", s.Reason())
	}
}

// TestSpawnFailure tests that a missing shell is reported as SpawnError
func TestSpawnFailure(t *testing.T) {
	var states []model.TerminalState
	m := newTestManager(t, Options{Shell: "/nonexistent/shell"})
	m.OnState = func(id string, state model.TerminalState, reason model.Reason, code int) {
		states = append(states, state)
	}

	_, err := m.Open(OpenOptions{ID: "broken"})
	var spawnErr *model.SpawnError
	if !errors.As(err, &spawnErr) {
		t.Fatalf("Expected SpawnError, got %v", err)
	}
	if m.Count() != 0 {
		t.Errorf("Expected no sessions, got %d", m.Count())
	}
	if len(states) != 2 || states[0] != model.TerminalSpawning || states[1] != model.TerminalClosed {
		t.Errorf("Expected spawning then closed, got %v", states)
	}
}

// TestReattachWithinGrace tests that a detached session keeps running and resumes on a new connection
func TestReattachWithinGrace(t *testing.T) {
	requireShell(t)
	m := newTestManager(t, Options{Shell: "/bin/sh", ReconnectGrace: 2 * time.Second})

	s, err := m.Open(OpenOptions{ID: "resume"})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	first := newFakeConn()
	m.Attach("resume", first)
	first.input <- []byte("MARK=kept\n")
	time.Sleep(100 * time.Millisecond)

	close(first.done)
	m.Detach("resume", first)

	second := newFakeConn()
	if _, err := m.Attach("resume", second); err != nil {
		t.Fatalf("Attach after detach failed: %v", err)
	}
	second.input <- []byte("echo value=$MARK\n")
	waitFor(t, "output on new connection", func() bool { return strings.Contains(second.Output(), "value=kept") })

	if s.State() != model.TerminalRunning {
		t.Errorf("Expected the same shell to keep running, got %s", s.State())
	}
}

// TestGraceExpiry tests that a session without a client is freed after the grace period
func TestGraceExpiry(t *testing.T) {
	requireShell(t)
	m := newTestManager(t, Options{Shell: "/bin/sh", ReconnectGrace: 100 * time.Millisecond, CloseGrace: 500 * time.Millisecond})

	s, err := m.Open(OpenOptions{ID: "gone"})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	conn := newFakeConn()
	m.Attach("gone", conn)
	close(conn.done)
	m.Detach("gone", conn)

	select {
	case <-s.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("Expected session to close after grace")
	}
	if _, ok := m.Get("gone"); ok {
		t.Error("Expected session to be forgotten")
	}
	if _, err := m.Attach("gone", newFakeConn()); !errors.Is(err, model.ErrSessionNotFound) {
		t.Errorf("Expected ErrSessionNotFound, got %v", err)
	}
}

// TestOutputBackpressure tests that output is held, not dropped, while the connection cannot take it
func TestOutputBackpressure(t *testing.T) {
	requireShell(t)
	m := newTestManager(t, Options{
		Shell:      `/bin/sh -c "while :; do echo 0123456789; done"`,
		BufferSize: 1024,
		CloseGrace: 500 * time.Millisecond,
	})

	s, err := m.Open(OpenOptions{ID: "flood"})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	conn := newFakeConn()
	conn.gate = make(chan struct{})
	m.Attach("flood", conn)

	waitFor(t, "output buffer to fill", func() bool { return s.proc.Output.Len() == s.proc.Output.Cap() })
	if conn.Output() != "" {
		t.Errorf("Expected nothing delivered while blocked, got %d bytes", len(conn.Output()))
	}

	close(conn.gate)
	waitFor(t, "output to flow again", func() bool { return len(conn.Output()) > 4096 })
	if !strings.HasPrefix(strings.TrimLeft(conn.Output(), "\r\n"), "0123456789") {
		t.Errorf("Expected output to start with a full line, got %q", conn.Output()[:20])
	}
}

// Package terminal runs server-side shell sessions and relays them over a
// multiplexed connection.
package terminal

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/remote-agent-terminal/wsterm/internal/buffer"
	"github.com/remote-agent-terminal/wsterm/internal/model"
	"github.com/remote-agent-terminal/wsterm/internal/protocol"
	"github.com/remote-agent-terminal/wsterm/internal/pty"
)

const (
	readChunk  = 4096
	exitReport = 5 * time.Second
)

// Conn is the part of the multiplexer a terminal session talks to.
type Conn interface {
	Send(ctx context.Context, ch protocol.Channel, payload []byte) error
	SendMessage(ctx context.Context, ch protocol.Channel, msg protocol.Message) error
	CloseChannel(ctx context.Context, ch protocol.Channel) error
	Recv(ctx context.Context, ch protocol.Channel) ([]byte, error)
	Done() <-chan struct{}
}

// Session is one shell on a PTY, moving through spawning, running,
// closing and closed. It outlives the connections it is attached to.
type Session struct {
	ID string

	proc *pty.PTYProcess
	opts Options
	log  *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	// input carries terminal-io bytes to the process.
	input *buffer.RingBuffer

	mu       sync.Mutex
	state    model.TerminalState
	conn     Conn
	attached chan struct{}
	reason   model.Reason
	reported bool

	lastActivity atomic.Int64

	closeReq   chan model.Reason
	closeOnce  sync.Once
	outputDone chan struct{}
	done       chan struct{}
	wg         sync.WaitGroup
}

func newSession(id string, proc *pty.PTYProcess, opts Options, log *zap.Logger) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		ID:         id,
		proc:       proc,
		opts:       opts,
		log:        log,
		ctx:        ctx,
		cancel:     cancel,
		input:      buffer.NewRingBuffer(opts.BufferSize),
		state:      model.TerminalRunning,
		attached:   make(chan struct{}),
		closeReq:   make(chan model.Reason, 1),
		outputDone: make(chan struct{}),
		done:       make(chan struct{}),
	}
	s.touch()

	s.wg.Add(3)
	go s.outputRelay()
	go s.inputRelay()
	go s.run()
	if opts.IdleTimeout > 0 {
		s.wg.Add(1)
		go s.idleLoop()
	}
	return s
}

// State returns the lifecycle state.
func (s *Session) State() model.TerminalState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Reason returns why the session closed, or "" while it runs.
func (s *Session) Reason() model.Reason {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason
}

// ExitCode returns the shell's exit status, or -1 if it was signalled or is running.
func (s *Session) ExitCode() int {
	return s.proc.ExitCode()
}

// Done is closed when the session reaches closed.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// LastActivity returns when terminal-io bytes last moved in either direction.
func (s *Session) LastActivity() time.Time {
	return time.Unix(0, s.lastActivity.Load())
}

// Attach binds the session to conn and starts relaying its terminal-io
// input. A session that closed while detached reports its exit on conn.
func (s *Session) Attach(conn Conn) {
	s.mu.Lock()
	s.conn = conn
	close(s.attached)
	s.attached = make(chan struct{})
	closed := s.state == model.TerminalClosed
	if !closed {
		s.wg.Add(1)
	}
	s.mu.Unlock()

	if closed {
		s.reportExit()
		return
	}
	go s.receive(conn)
}

// Detach unbinds conn. Output produced while detached stays buffered and
// the shell blocks once the buffer is full.
func (s *Session) Detach(conn Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == conn {
		s.conn = nil
	}
}

// Attached reports whether a connection is bound.
func (s *Session) Attached() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn != nil
}

// Resize applies a window size to the PTY.
func (s *Session) Resize(rows, cols uint16) error {
	if rows == 0 || cols == 0 {
		return errors.New("resize: zero dimension")
	}
	return s.proc.Resize(rows, cols)
}

// Close moves a running session to closing with the given reason and
// waits until it is closed.
func (s *Session) Close(reason model.Reason) {
	s.requestClose(reason)
	<-s.done
}

func (s *Session) requestClose(reason model.Reason) {
	s.closeOnce.Do(func() { s.closeReq <- reason })
}

func (s *Session) touch() {
	s.lastActivity.Store(time.Now().UnixNano())
}

func (s *Session) setState(state model.TerminalState) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

// run drives the state machine from running to closed.
func (s *Session) run() {
	defer s.wg.Done()

	reason := model.ReasonExited
	select {
	case <-s.proc.Exited():
	case reason = <-s.closeReq:
		s.setState(model.TerminalClosing)
		s.log.Info("closing terminal", zap.String("reason", string(reason)))
		if err := s.proc.Terminate(); err != nil {
			s.log.Debug("terminate failed", zap.Error(err))
		}
		select {
		case <-s.proc.Exited():
		case <-time.After(s.opts.CloseGrace):
			s.log.Warn("shell ignored terminate, killing")
			s.proc.Kill()
		}
	}
	s.setState(model.TerminalClosing)

	// Drain output produced before exit.
	select {
	case <-s.outputDone:
	case <-time.After(s.opts.CloseGrace):
	}
	s.proc.Close()
	s.cancel()
	s.input.Close()
	<-s.outputDone

	s.mu.Lock()
	s.state = model.TerminalClosed
	s.reason = reason
	s.mu.Unlock()

	s.log.Info("terminal closed", zap.String("reason", string(reason)), zap.Int("exit_code", s.ExitCode()))
	s.reportExit()
	close(s.done)
}

// reportExit tells the attached peer how the session ended, once.
func (s *Session) reportExit() {
	s.mu.Lock()
	conn := s.conn
	if conn == nil || s.reported {
		s.mu.Unlock()
		return
	}
	s.reported = true
	reason := s.reason
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), exitReport)
	defer cancel()

	if reason != model.ReasonExited {
		conn.SendMessage(ctx, protocol.ChannelControl, &protocol.Error{Reason: string(reason)})
	}
	if err := conn.SendMessage(ctx, protocol.ChannelControl, &protocol.Exit{Code: s.ExitCode()}); err != nil {
		s.log.Debug("exit not reported", zap.Error(err))
	}
	conn.CloseChannel(ctx, protocol.ChannelTerminal)
}

// Reported reports whether the exit status reached a peer.
func (s *Session) Reported() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reported
}

// sink waits for an attached connection.
func (s *Session) sink() (Conn, error) {
	for {
		s.mu.Lock()
		conn, wait := s.conn, s.attached
		s.mu.Unlock()
		if conn != nil {
			return conn, nil
		}
		select {
		case <-wait:
		case <-s.ctx.Done():
			return nil, s.ctx.Err()
		}
	}
}

// outputRelay moves process output to terminal-io. A chunk that could not
// be sent waits for the next connection.
func (s *Session) outputRelay() {
	defer s.wg.Done()
	defer close(s.outputDone)

	buf := make([]byte, readChunk)
	for {
		n, err := s.proc.Output.ReadContext(s.ctx, buf)
		if err != nil {
			return
		}
		data := append([]byte(nil), buf[:n]...)
		s.touch()
		for {
			conn, err := s.sink()
			if err != nil {
				return
			}
			if err := conn.Send(s.ctx, protocol.ChannelTerminal, data); err == nil {
				break
			}
			s.Detach(conn)
		}
	}
}

// inputRelay moves buffered terminal-io input to the process.
func (s *Session) inputRelay() {
	defer s.wg.Done()

	buf := make([]byte, readChunk)
	for {
		n, err := s.input.ReadContext(s.ctx, buf)
		if err != nil {
			return
		}
		if err := s.proc.Write(buf[:n]); err != nil {
			s.log.Debug("write to shell failed", zap.Error(err))
			return
		}
	}
}

// receive copies terminal-io from one connection into the input buffer.
func (s *Session) receive(conn Conn) {
	defer s.wg.Done()
	for {
		data, err := conn.Recv(s.ctx, protocol.ChannelTerminal)
		if err != nil {
			if errors.Is(err, io.EOF) {
				// The client closed its input; hang up the shell.
				s.requestClose(model.ReasonExited)
			}
			return
		}
		s.touch()
		if _, err := s.input.WriteContext(s.ctx, data); err != nil {
			return
		}
	}
}

// activityConn is a connection that knows when it last carried a frame.
type activityConn interface {
	LastActivity() time.Time
}

// activity returns the latest of the session's terminal-io traffic and any
// traffic on the attached connection, file sync included.
func (s *Session) activity() time.Time {
	last := s.LastActivity()
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if a, ok := conn.(activityConn); ok {
		if t := a.LastActivity(); t.After(last) {
			last = t
		}
	}
	return last
}

// idleLoop closes the session after IdleTimeout without traffic.
func (s *Session) idleLoop() {
	defer s.wg.Done()

	timer := time.NewTimer(s.opts.IdleTimeout)
	defer timer.Stop()
	for {
		select {
		case <-timer.C:
			idle := time.Since(s.activity())
			if idle >= s.opts.IdleTimeout {
				s.log.Info("idle timeout", zap.Duration("idle", idle))
				s.requestClose(model.ReasonIdleTimeout)
				return
			}
			timer.Reset(s.opts.IdleTimeout - idle)
		case <-s.ctx.Done():
			return
		}
	}
}

// wait blocks until every goroutine of the session has returned.
func (s *Session) wait() {
	s.wg.Wait()
}

// Package session drives a wsterm connection end to end: the reconnecting
// client and the per-connection server handler.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/remote-agent-terminal/wsterm/internal/auth"
	"github.com/remote-agent-terminal/wsterm/internal/buffer"
	"github.com/remote-agent-terminal/wsterm/internal/config"
	"github.com/remote-agent-terminal/wsterm/internal/filesync"
	"github.com/remote-agent-terminal/wsterm/internal/metrics"
	"github.com/remote-agent-terminal/wsterm/internal/model"
	"github.com/remote-agent-terminal/wsterm/internal/mux"
	"github.com/remote-agent-terminal/wsterm/internal/protocol"
	"github.com/remote-agent-terminal/wsterm/internal/transport"
	"github.com/remote-agent-terminal/wsterm/internal/workspace"
)

const (
	defaultRows = 24
	defaultCols = 80
	readChunk   = 4096
)

// WindowSize is a local terminal size.
type WindowSize struct {
	Rows uint16
	Cols uint16
}

// StateFunc observes client state changes.
type StateFunc func(state model.State)

// ClientOptions wires a Client to the local terminal.
type ClientOptions struct {
	Stdin  io.Reader
	Stdout io.Writer

	// Resize delivers local window size changes.
	Resize <-chan WindowSize

	// Size returns the initial window size. Nil means 24x80.
	Size func() WindowSize

	// Host names this machine in the workspace id. Defaults to os.Hostname.
	Host string

	OnState StateFunc
}

// finished ends the reconnect loop with a result.
type finished struct {
	model.Result
}

func (f *finished) Error() string {
	return fmt.Sprintf("session finished: %s", f.Reason)
}

// Client is the local end of a wsterm session. It keeps the session and
// the workspace stream alive across transport failures.
type Client struct {
	cfg  config.Config
	opts ClientOptions
	log  *zap.Logger

	producer    *filesync.Producer
	watcher     *workspace.Watcher
	workspaceID string

	// input holds stdin bytes not yet sent; it outlives connections.
	input *buffer.RingBuffer

	mu      sync.Mutex
	session model.Session
	size    WindowSize
	carry   []byte
}

// NewClient prepares a client for cfg.WorkspaceRoot. Nothing is dialed
// until Run.
func NewClient(cfg config.Config, opts ClientOptions) (*Client, error) {
	log := cfg.Log().Named("client")

	producer, err := filesync.NewProducer(filesync.ProducerOptions{
		Root:                 cfg.WorkspaceRoot,
		FullContentThreshold: cfg.FullContentThreshold,
		Logger:               log,
	})
	if err != nil {
		return nil, err
	}
	watcher, err := workspace.NewWatcher(producer.Root(), producer.Ignore(), cfg.DebounceWindow, log)
	if err != nil {
		return nil, fmt.Errorf("watch workspace: %w", err)
	}

	host := opts.Host
	if host == "" {
		if host, err = os.Hostname(); err != nil {
			host = "localhost"
		}
	}
	size := WindowSize{Rows: defaultRows, Cols: defaultCols}
	if opts.Size != nil {
		if ws := opts.Size(); ws.Rows > 0 && ws.Cols > 0 {
			size = ws
		}
	}
	bufSize := cfg.TerminalBufferSize
	if bufSize <= 0 {
		bufSize = config.Default().TerminalBufferSize
	}

	now := time.Now()
	return &Client{
		cfg:         cfg,
		opts:        opts,
		log:         log,
		producer:    producer,
		watcher:     watcher,
		workspaceID: workspace.ID(host, producer.Root()),
		input:       buffer.NewRingBuffer(bufSize),
		size:        size,
		session: model.Session{
			Role:          model.RoleClient,
			WorkspaceRoot: producer.Root(),
			CreatedAt:     now,
			UpdatedAt:     now,
		},
	}, nil
}

// WorkspaceID returns the id the server stores this workspace under.
func (c *Client) WorkspaceID() string {
	return c.workspaceID
}

// Producer returns the file-sync producer of the workspace.
func (c *Client) Producer() *filesync.Producer {
	return c.producer
}

// Session returns a snapshot of the session record.
func (c *Client) Session() model.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

// Run connects and serves the session until the remote shell exits, the
// session fails for good or ctx is canceled. A failure of the first
// connection is not retried.
func (c *Client) Run(ctx context.Context) model.Result {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		if err := c.watcher.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			c.log.Warn("workspace watcher stopped", zap.Error(err))
		}
	}()
	go func() {
		defer wg.Done()
		c.producer.Watch(ctx, c.watcher)
	}()
	defer func() {
		cancel()
		c.watcher.Close()
		wg.Wait()
	}()

	if c.opts.Stdin != nil {
		// Reads from a terminal cannot be interrupted, so this goroutine
		// is not waited for.
		go c.pumpStdin(ctx)
	}

	backoff := NewBackoff(c.cfg.InitialBackoff, c.cfg.MaxBackoff)
	result := c.loop(ctx, backoff)

	c.mu.Lock()
	c.session.Reason = result.Reason
	if result.Reason == model.ReasonExited {
		code := result.ExitCode
		c.session.ExitCode = &code
	}
	c.mu.Unlock()
	c.setState(model.StateClosed)
	c.log.Info("session closed",
		zap.String("reason", string(result.Reason)),
		zap.Int("exit_code", result.ExitCode),
		zap.String("detail", result.Detail))
	return result
}

func (c *Client) loop(ctx context.Context, backoff *Backoff) model.Result {
	for {
		if backoff.Attempts() == 0 {
			c.setState(model.StateConnecting)
		}
		err := c.connect(ctx, backoff)

		var done *finished
		switch {
		case errors.As(err, &done):
			return done.Result
		case ctx.Err() != nil:
			return model.Result{Reason: model.ReasonCanceled, ExitCode: -1}
		case model.ReasonOf(err) != model.ReasonUnreachable || c.sessionID() == "":
			return model.Result{Reason: model.ReasonOf(err), ExitCode: -1, Detail: err.Error()}
		}

		c.setState(model.StateDisconnected)
		c.log.Warn("connection lost", zap.Error(err), zap.Int("attempt", backoff.Attempts()+1))
		c.setState(model.StateReconnecting)
		metrics.ReconnectAttempt()
		if err := backoff.Wait(ctx); err != nil {
			return model.Result{Reason: model.ReasonCanceled, ExitCode: -1}
		}
	}
}

// connect runs one connection from dial to failure.
func (c *Client) connect(ctx context.Context, backoff *Backoff) error {
	ch, err := transport.Dial(ctx, c.cfg.URL, TransportOptions(c.cfg, c.log))
	if err != nil {
		return err
	}
	m := mux.New(ch, MuxOptions(c.cfg, c.log))
	defer m.Close()
	metrics.ConnectionOpened()
	defer metrics.ConnectionClosed()

	c.setState(model.StateAuthenticating)
	if err := auth.Initiate(ctx, m, c.cfg.Token, c.cfg.HandshakeTimeout); err != nil {
		return err
	}

	c.mu.Lock()
	c.session.Authenticated = true
	open := &protocol.Open{
		SessionID: c.session.ID,
		Workspace: c.workspaceID,
		Epoch:     c.producer.Epoch(),
		Rows:      c.size.Rows,
		Cols:      c.size.Cols,
	}
	c.mu.Unlock()

	if err := m.SendMessage(ctx, protocol.ChannelControl, open); err != nil {
		return err
	}
	opened, err := c.awaitOpened(ctx, m)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.session.ID = opened.SessionID
	c.mu.Unlock()
	c.log.Info("session open",
		zap.String("session", opened.SessionID),
		zap.Bool("resumed", opened.Resumed),
		zap.String("workspace", c.workspaceID))

	backoff.Reset()
	c.setState(model.StateActive)
	return c.serve(ctx, m)
}

func (c *Client) awaitOpened(ctx context.Context, m *mux.Mux) (*protocol.Opened, error) {
	if c.cfg.HandshakeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.HandshakeTimeout)
		defer cancel()
	}
	msg, err := m.RecvControl(ctx)
	if err != nil {
		return nil, err
	}
	switch v := msg.(type) {
	case *protocol.Opened:
		return v, nil
	case *protocol.Error:
		return nil, &finished{model.Result{Reason: model.Reason(v.Reason), ExitCode: -1, Detail: v.Detail}}
	default:
		return nil, &model.ProtocolError{Detail: fmt.Sprintf("expected opened, got %s", msg.Kind())}
	}
}

// serve runs the relays of an active connection. It returns a *finished
// once the remote shell is gone, or the error that broke the connection.
func (c *Client) serve(ctx context.Context, m *mux.Mux) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errs := make(chan error, 6)
	outputDone := make(chan struct{})
	var wg sync.WaitGroup
	run := func(name string, f func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := f(ctx); err != nil {
				c.log.Debug("relay stopped", zap.String("relay", name), zap.Error(err))
				errs <- err
			}
		}()
	}

	run("output", func(ctx context.Context) error {
		defer close(outputDone)
		return c.relayOutput(ctx, m)
	})
	run("input", func(ctx context.Context) error { return c.relayInput(ctx, m) })
	run("resize", func(ctx context.Context) error { return c.relayResize(ctx, m) })
	run("idle", func(ctx context.Context) error { return c.watchIdle(ctx, m) })
	run("control", func(ctx context.Context) error { return c.controlLoop(ctx, m, outputDone) })
	run("sync", func(ctx context.Context) error { return c.producer.Run(ctx, m) })

	var err error
	select {
	case err = <-errs:
	case <-m.Done():
		err = m.Err()
	case <-ctx.Done():
		err = ctx.Err()
	}
	cancel()
	m.Close()
	wg.Wait()

	// A shell exit wins over the transport errors it causes.
	close(errs)
	for e := range errs {
		var done *finished
		if errors.As(e, &done) {
			return done
		}
	}
	if err == nil || errors.Is(err, mux.ErrClosed) {
		err = model.ErrTransportClosed
	}
	return err
}

// controlLoop handles server control messages. Error carries the reason
// of the Exit that follows it.
func (c *Client) controlLoop(ctx context.Context, m *mux.Mux, outputDone <-chan struct{}) error {
	var reason model.Reason
	var detail string
	for {
		msg, err := m.RecvControl(ctx)
		if err != nil {
			if reason != "" {
				return &finished{model.Result{Reason: reason, ExitCode: -1, Detail: detail}}
			}
			return err
		}
		switch v := msg.(type) {
		case *protocol.Error:
			reason, detail = model.Reason(v.Reason), v.Detail
			c.log.Warn("server reported error", zap.String("reason", v.Reason), zap.String("detail", v.Detail))
		case *protocol.Exit:
			select {
			case <-outputDone:
			case <-time.After(c.closeGrace()):
			}
			if reason == "" {
				reason = model.ReasonExited
			}
			return &finished{model.Result{Reason: reason, ExitCode: v.Code, Detail: detail}}
		default:
			c.log.Debug("ignoring control message", zap.String("kind", string(msg.Kind())))
		}
	}
}

func (c *Client) relayOutput(ctx context.Context, m *mux.Mux) error {
	for {
		data, err := m.Recv(ctx, protocol.ChannelTerminal)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if c.opts.Stdout == nil {
			continue
		}
		if _, err := c.opts.Stdout.Write(data); err != nil {
			c.log.Debug("write to stdout failed", zap.Error(err))
		}
	}
}

// relayInput sends buffered stdin. A chunk whose send failed is kept for
// the next connection. Local EOF closes terminal-io.
func (c *Client) relayInput(ctx context.Context, m *mux.Mux) error {
	c.mu.Lock()
	pending := c.carry
	c.carry = nil
	c.mu.Unlock()

	buf := make([]byte, readChunk)
	for {
		if pending == nil {
			n, err := c.input.ReadContext(ctx, buf)
			if errors.Is(err, io.EOF) {
				return m.CloseChannel(ctx, protocol.ChannelTerminal)
			}
			if err != nil {
				return nil
			}
			pending = append([]byte(nil), buf[:n]...)
		}
		if err := m.Send(ctx, protocol.ChannelTerminal, pending); err != nil {
			c.mu.Lock()
			c.carry = pending
			c.mu.Unlock()
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		pending = nil
	}
}

func (c *Client) relayResize(ctx context.Context, m *mux.Mux) error {
	if c.opts.Resize == nil {
		return nil
	}
	for {
		select {
		case ws, ok := <-c.opts.Resize:
			if !ok {
				return nil
			}
			if ws.Rows == 0 || ws.Cols == 0 {
				continue
			}
			c.mu.Lock()
			c.size = ws
			c.mu.Unlock()
			if err := m.SendMessage(ctx, protocol.ChannelControl, &protocol.Resize{Rows: ws.Rows, Cols: ws.Cols}); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
		case <-ctx.Done():
			return nil
		}
	}
}

// watchIdle moves the session between active and idle as traffic stops
// and resumes.
func (c *Client) watchIdle(ctx context.Context, m *mux.Mux) error {
	notice := c.cfg.IdleNotice
	if notice <= 0 {
		return nil
	}
	tick := notice / 4
	if tick < 10*time.Millisecond {
		tick = 10 * time.Millisecond
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			last := m.LastActivity()
			if time.Since(last) >= notice {
				c.transition(model.StateActive, model.StateIdle)
			} else {
				c.transition(model.StateIdle, model.StateActive)
			}
			c.mu.Lock()
			c.session.LastActivity = last
			c.mu.Unlock()
		case <-ctx.Done():
			return nil
		}
	}
}

// pumpStdin moves local input into the input buffer until EOF.
func (c *Client) pumpStdin(ctx context.Context) {
	buf := make([]byte, readChunk)
	for {
		n, err := c.opts.Stdin.Read(buf)
		if n > 0 {
			if _, werr := c.input.WriteContext(ctx, buf[:n]); werr != nil {
				return
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				c.log.Debug("stdin read failed", zap.Error(err))
			}
			c.input.Close()
			return
		}
	}
}

func (c *Client) sessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session.ID
}

func (c *Client) closeGrace() time.Duration {
	if c.cfg.CloseGrace > 0 {
		return c.cfg.CloseGrace
	}
	return config.Default().CloseGrace
}

func (c *Client) setState(state model.State) {
	c.mu.Lock()
	prev := c.session.State
	if prev == state {
		c.mu.Unlock()
		return
	}
	c.session.State = state
	c.session.UpdatedAt = time.Now()
	c.mu.Unlock()
	c.changed(prev, state)
}

// transition changes the state only if it is currently from.
func (c *Client) transition(from, to model.State) {
	c.mu.Lock()
	if c.session.State != from {
		c.mu.Unlock()
		return
	}
	c.session.State = to
	c.session.UpdatedAt = time.Now()
	c.mu.Unlock()
	c.changed(from, to)
}

func (c *Client) changed(from, to model.State) {
	c.log.Debug("state", zap.String("from", string(from)), zap.String("to", string(to)))
	if c.opts.OnState != nil {
		c.opts.OnState(to)
	}
}

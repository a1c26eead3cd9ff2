package session

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/remote-agent-terminal/wsterm/internal/auth"
	"github.com/remote-agent-terminal/wsterm/internal/config"
	"github.com/remote-agent-terminal/wsterm/internal/filesync"
	"github.com/remote-agent-terminal/wsterm/internal/logging"
	"github.com/remote-agent-terminal/wsterm/internal/metrics"
	"github.com/remote-agent-terminal/wsterm/internal/model"
	"github.com/remote-agent-terminal/wsterm/internal/mux"
	"github.com/remote-agent-terminal/wsterm/internal/protocol"
	"github.com/remote-agent-terminal/wsterm/internal/repository"
	"github.com/remote-agent-terminal/wsterm/internal/terminal"
	"github.com/remote-agent-terminal/wsterm/internal/workspace"
)

var errSessionExpired = fmt.Errorf("%w: reconnect grace expired", model.ErrSessionNotFound)

// Conn is an accepted transport connection.
type Conn interface {
	mux.Conn
	RemoteAddr() string
}

// Server serves wsterm connections. Terminal sessions outlive the
// connections that opened them for the reconnect grace period.
type Server struct {
	cfg       config.Config
	log       *zap.Logger
	terminals *terminal.Manager
	sessions  *repository.SessionRepository
	store     filesync.StateStore

	mu         sync.Mutex
	conns      map[string]*mux.Mux
	workspaces map[string]chan struct{}
	active     int
	idleSince  time.Time
}

// NewServer creates a Server. sessions may be nil to skip the audit trail.
func NewServer(cfg config.Config, terminals *terminal.Manager, sessions *repository.SessionRepository, store filesync.StateStore) *Server {
	s := &Server{
		cfg:        cfg,
		log:        cfg.Log().Named("server"),
		terminals:  terminals,
		sessions:   sessions,
		store:      store,
		conns:      make(map[string]*mux.Mux),
		workspaces: make(map[string]chan struct{}),
		idleSince:  time.Now(),
	}
	if sessions != nil {
		terminals.OnState = s.recordTerminal
	}
	return s
}

// Serve runs one connection: authenticate, open or resume a terminal
// session, then relay it and apply the client's workspace stream until
// the shell exits or the connection fails.
func (s *Server) Serve(ctx context.Context, conn Conn) model.Result {
	s.connOpened()
	defer s.connClosed()
	metrics.ConnectionOpened()
	defer metrics.ConnectionClosed()

	log := s.log.With(zap.String("peer", conn.RemoteAddr()))
	m := mux.New(conn, MuxOptions(s.cfg, log))
	defer m.Close()

	log.Debug("state", zap.String("to", string(model.StateAuthenticating)))
	if err := auth.Accept(ctx, m, s.cfg.Token, s.cfg.HandshakeTimeout); err != nil {
		log.Warn("authentication failed", zap.Error(err))
		return failed(err)
	}

	open, err := s.awaitOpen(ctx, m)
	if err != nil {
		log.Warn("invalid open", zap.Error(err))
		s.reject(ctx, m, model.ReasonOf(err), err.Error())
		return failed(err)
	}

	sess, resumed, err := s.openTerminal(ctx, open, conn.RemoteAddr())
	switch {
	case errors.Is(err, model.ErrSessionNotFound):
		log.Info("session not resumable", zap.String("session", open.SessionID))
		s.reject(ctx, m, model.ReasonUnreachable, "session expired")
		return model.Result{Reason: model.ReasonUnreachable, ExitCode: -1, Detail: err.Error()}
	case err != nil:
		log.Error("failed to open terminal", zap.Error(err))
		s.reject(ctx, m, model.ReasonSpawnFailed, err.Error())
		return model.Result{Reason: model.ReasonSpawnFailed, ExitCode: -1, Detail: err.Error()}
	}
	log = logging.Session(log, sess.ID)

	s.claim(sess.ID, m)
	defer s.release(sess.ID, m)

	if err := m.SendMessage(ctx, protocol.ChannelControl, &protocol.Opened{SessionID: sess.ID, Resumed: resumed}); err != nil {
		return failed(err)
	}
	if _, err := s.terminals.Attach(sess.ID, m); err != nil {
		s.reject(ctx, m, model.ReasonUnreachable, "session expired")
		return failed(err)
	}
	s.recordState(ctx, sess.ID, model.StateActive)
	log.Info("session active", zap.Bool("resumed", resumed), zap.String("workspace", open.Workspace))

	return s.relay(ctx, m, sess, open, log)
}

func (s *Server) relay(ctx context.Context, m *mux.Mux, sess *terminal.Session, open *protocol.Open, log *zap.Logger) model.Result {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	syncErr := make(chan error, 1)
	ctrlErr := make(chan error, 1)
	wg.Add(2)
	go func() {
		defer wg.Done()
		syncErr <- s.syncWorkspace(ctx, m, open, log)
	}()
	go func() {
		defer wg.Done()
		ctrlErr <- s.controlLoop(ctx, m, sess, log)
	}()

	var err error
	select {
	case <-sess.Done():
		// Exit and its reason were queued on the connection.
		fctx, fcancel := context.WithTimeout(context.Background(), s.closeGrace())
		m.Flush(fctx)
		fcancel()
		cancel()
		wg.Wait()
		s.terminals.Forget(sess.ID)
		s.recordState(context.Background(), sess.ID, model.StateClosed)
		log.Info("session finished", zap.String("reason", string(sess.Reason())), zap.Int("exit_code", sess.ExitCode()))
		return model.Result{Reason: sess.Reason(), ExitCode: sess.ExitCode()}
	case <-m.Done():
		err = m.Err()
	case err = <-syncErr:
	case err = <-ctrlErr:
	case <-ctx.Done():
		err = ctx.Err()
	}

	var protoErr *model.ProtocolError
	if errors.As(err, &protoErr) {
		log.Warn("protocol error", zap.Error(err))
		s.reject(ctx, m, model.ReasonProtocolError, err.Error())
	}
	cancel()
	m.Close()
	wg.Wait()

	s.terminals.Detach(sess.ID, m)
	s.recordState(context.Background(), sess.ID, model.StateDisconnected)
	log.Info("connection closed, terminal detached", zap.Error(err))
	return failed(err)
}

func (s *Server) awaitOpen(ctx context.Context, m *mux.Mux) (*protocol.Open, error) {
	if s.cfg.HandshakeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.HandshakeTimeout)
		defer cancel()
	}
	msg, err := m.RecvControl(ctx)
	if err != nil {
		return nil, err
	}
	open, ok := msg.(*protocol.Open)
	if !ok {
		return nil, &model.ProtocolError{Detail: fmt.Sprintf("expected open, got %s", msg.Kind())}
	}
	if !workspace.ValidID(open.Workspace) {
		return nil, &model.ProtocolError{Detail: fmt.Sprintf("invalid workspace id %q", open.Workspace)}
	}
	return open, nil
}

// openTerminal resumes the session named by open or spawns a new one in
// the workspace directory.
func (s *Server) openTerminal(ctx context.Context, open *protocol.Open, remoteAddr string) (*terminal.Session, bool, error) {
	if open.SessionID != "" {
		sess, ok := s.terminals.Get(open.SessionID)
		if !ok {
			return nil, false, errSessionExpired
		}
		return sess, true, nil
	}

	dir := s.workspaceDir(open.Workspace)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, false, fmt.Errorf("create workspace: %w", err)
	}
	id := uuid.New().String()
	sess, err := s.terminals.Open(terminal.OpenOptions{ID: id, Dir: dir, Rows: open.Rows, Cols: open.Cols})
	if err != nil {
		return nil, false, err
	}

	if s.sessions != nil {
		now := time.Now()
		row := &model.Session{
			ID:            id,
			Role:          model.RoleServer,
			Authenticated: true,
			WorkspaceRoot: dir,
			LastActivity:  now,
			State:         model.StateActive,
			Terminal:      model.TerminalRunning,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		if err := s.sessions.Create(ctx, row, remoteAddr); err != nil {
			s.log.Warn("failed to record session", zap.String("session", id), zap.Error(err))
		}
	}
	return sess, false, nil
}

// syncWorkspace applies the client's file-sync stream. One consumer runs
// per workspace at a time.
func (s *Server) syncWorkspace(ctx context.Context, m *mux.Mux, open *protocol.Open, log *zap.Logger) error {
	unlock, err := s.lockWorkspace(ctx, open.Workspace)
	if err != nil {
		return err
	}
	defer unlock()

	applier, err := workspace.NewApplier(s.workspaceDir(open.Workspace))
	if err != nil {
		return err
	}
	return filesync.NewConsumer(applier, s.store, open.Workspace, log).Run(ctx, m, open.Epoch)
}

func (s *Server) controlLoop(ctx context.Context, m *mux.Mux, sess *terminal.Session, log *zap.Logger) error {
	for {
		msg, err := m.RecvControl(ctx)
		if err != nil {
			return err
		}
		switch v := msg.(type) {
		case *protocol.Resize:
			if err := sess.Resize(v.Rows, v.Cols); err != nil {
				log.Debug("resize failed", zap.Error(err))
			}
		default:
			log.Debug("ignoring control message", zap.String("kind", string(msg.Kind())))
		}
	}
}

// reject reports reason to the peer before the connection closes.
func (s *Server) reject(ctx context.Context, m *mux.Mux, reason model.Reason, detail string) {
	ctx, cancel := context.WithTimeout(ctx, s.closeGrace())
	defer cancel()
	if err := m.SendMessage(ctx, protocol.ChannelControl, &protocol.Error{Reason: string(reason), Detail: detail}); err != nil {
		return
	}
	m.Flush(ctx)
}

// claim makes m the only connection of a session, closing a stale one.
func (s *Server) claim(id string, m *mux.Mux) {
	s.mu.Lock()
	old := s.conns[id]
	s.conns[id] = m
	s.mu.Unlock()
	if old != nil {
		s.log.Info("replacing stale connection", zap.String("session", id))
		old.Close()
	}
}

func (s *Server) release(id string, m *mux.Mux) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conns[id] == m {
		delete(s.conns, id)
	}
}

func (s *Server) lockWorkspace(ctx context.Context, id string) (func(), error) {
	s.mu.Lock()
	sem, ok := s.workspaces[id]
	if !ok {
		sem = make(chan struct{}, 1)
		s.workspaces[id] = sem
	}
	s.mu.Unlock()

	select {
	case sem <- struct{}{}:
		return func() { <-sem }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *Server) workspaceDir(id string) string {
	return filepath.Join(s.cfg.WorkspaceBase, id)
}

func (s *Server) connOpened() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active++
}

func (s *Server) connClosed() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active--
	if s.active == 0 {
		s.idleSince = time.Now()
	}
}

// Active returns the number of open connections.
func (s *Server) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// IdleFor returns how long the server has had neither a connection nor a
// terminal session, or zero.
func (s *Server) IdleFor() time.Duration {
	s.mu.Lock()
	active, since := s.active, s.idleSince
	s.mu.Unlock()
	if active > 0 || s.terminals.Count() > 0 {
		return 0
	}
	return time.Since(since)
}

// WaitIdle blocks until the server has been idle for timeout. It returns
// false if ctx ends first.
func (s *Server) WaitIdle(ctx context.Context, timeout time.Duration) bool {
	tick := timeout / 4
	if tick < 10*time.Millisecond {
		tick = 10 * time.Millisecond
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if s.IdleFor() >= timeout {
				return true
			}
		case <-ctx.Done():
			return false
		}
	}
}

func (s *Server) recordState(ctx context.Context, id string, state model.State) {
	if s.sessions == nil {
		return
	}
	if err := s.sessions.UpdateState(ctx, id, state, true); err != nil && !errors.Is(err, model.ErrSessionNotFound) {
		s.log.Warn("failed to record session state", zap.String("session", id), zap.Error(err))
	}
}

func (s *Server) recordTerminal(id string, state model.TerminalState, reason model.Reason, exitCode int) {
	var code *int
	if state == model.TerminalClosed && exitCode >= 0 {
		code = &exitCode
	}
	err := s.sessions.UpdateTerminal(context.Background(), id, state, reason, code)
	if err != nil && !errors.Is(err, model.ErrSessionNotFound) {
		s.log.Warn("failed to record terminal state", zap.String("session", id), zap.Error(err))
	}
}

func (s *Server) closeGrace() time.Duration {
	if s.cfg.CloseGrace > 0 {
		return s.cfg.CloseGrace
	}
	return config.Default().CloseGrace
}

func failed(err error) model.Result {
	if err == nil || errors.Is(err, mux.ErrClosed) {
		err = model.ErrTransportClosed
	}
	return model.Result{Reason: model.ReasonOf(err), ExitCode: -1, Detail: err.Error()}
}

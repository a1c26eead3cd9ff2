package terminal

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/remote-agent-terminal/wsterm/internal/metrics"
	"github.com/remote-agent-terminal/wsterm/internal/model"
	"github.com/remote-agent-terminal/wsterm/internal/pty"
)

// Options configures every session of a Manager.
type Options struct {
	// Shell is the command line run on the PTY.
	Shell string

	// IdleTimeout closes a session after this long without terminal-io traffic. Zero disables it.
	IdleTimeout time.Duration

	// CloseGrace bounds how long a closing session drains output and how
	// long the shell has to exit after terminate.
	CloseGrace time.Duration

	// ReconnectGrace is how long a detached session waits for its client.
	ReconnectGrace time.Duration

	// BufferSize is the capacity of the input and output buffers.
	BufferSize int
}

func (o Options) withDefaults() Options {
	if o.Shell == "" {
		o.Shell = pty.DefaultShell
	}
	if o.CloseGrace <= 0 {
		o.CloseGrace = 2 * time.Second
	}
	if o.ReconnectGrace <= 0 {
		o.ReconnectGrace = time.Minute
	}
	if o.BufferSize <= 0 {
		o.BufferSize = pty.DefaultOutputBufferSize
	}
	return o
}

// OpenOptions describes a new session.
type OpenOptions struct {
	ID   string
	Dir  string
	Rows uint16
	Cols uint16
}

// StateFunc observes session lifecycle changes.
type StateFunc func(id string, state model.TerminalState, reason model.Reason, exitCode int)

type entry struct {
	session *Session
	grace   *time.Timer
}

// Manager is the registry of terminal sessions. A detached session is
// kept for ReconnectGrace so a reconnecting client can resume it.
type Manager struct {
	ptys *pty.Manager
	opts Options
	log  *zap.Logger

	// OnState, if set, is called as sessions open and close.
	OnState StateFunc

	mu       sync.Mutex
	sessions map[string]*entry
	closed   bool
}

// NewManager creates a Manager spawning shells through ptys.
func NewManager(ptys *pty.Manager, opts Options, log *zap.Logger) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	opts = opts.withDefaults()
	ptys.OutputBufferSize = opts.BufferSize
	return &Manager{
		ptys:     ptys,
		opts:     opts,
		log:      log.Named("terminal"),
		sessions: make(map[string]*entry),
	}
}

// Open spawns a shell for a new session. It fails with *model.SpawnError
// when the process cannot be created.
func (m *Manager) Open(opts OpenOptions) (*Session, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, model.ErrSessionClosed
	}
	if _, ok := m.sessions[opts.ID]; ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("session %s already exists", opts.ID)
	}
	m.mu.Unlock()

	m.notify(opts.ID, model.TerminalSpawning, "", -1)
	proc, err := m.ptys.Spawn(pty.SpawnOptions{
		ID:      opts.ID,
		Command: m.opts.Shell,
		Dir:     opts.Dir,
		Rows:    opts.Rows,
		Cols:    opts.Cols,
	})
	if err != nil {
		m.notify(opts.ID, model.TerminalClosed, model.ReasonSpawnFailed, -1)
		return nil, err
	}

	s := newSession(opts.ID, proc, m.opts, m.log.With(zap.String("session", opts.ID)))

	m.mu.Lock()
	m.sessions[opts.ID] = &entry{session: s}
	m.mu.Unlock()

	metrics.TerminalOpened()
	m.notify(opts.ID, model.TerminalRunning, "", -1)
	go m.reap(s)
	return s, nil
}

// Get returns the session with the given id.
func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.sessions[id]
	if !ok {
		return nil, false
	}
	return e.session, true
}

// Attach binds a session to conn and stops its grace timer.
func (m *Manager) Attach(id string, conn Conn) (*Session, error) {
	m.mu.Lock()
	e, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return nil, model.ErrSessionNotFound
	}
	if e.grace != nil {
		e.grace.Stop()
		e.grace = nil
	}
	m.mu.Unlock()

	e.session.Attach(conn)
	return e.session, nil
}

// Detach unbinds conn and starts the reconnect grace period. When it
// expires without an Attach the session is closed and forgotten.
func (m *Manager) Detach(id string, conn Conn) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.sessions[id]
	if !ok {
		return
	}
	e.session.Detach(conn)
	if e.session.Attached() || e.grace != nil {
		return
	}
	m.log.Debug("session detached", zap.String("session", id), zap.Duration("grace", m.opts.ReconnectGrace))
	e.grace = time.AfterFunc(m.opts.ReconnectGrace, func() { m.expire(id, e) })
}

func (m *Manager) expire(id string, e *entry) {
	m.mu.Lock()
	current, ok := m.sessions[id]
	if !ok || current != e || e.session.Attached() {
		m.mu.Unlock()
		return
	}
	delete(m.sessions, id)
	m.mu.Unlock()

	m.log.Info("reconnect grace expired", zap.String("session", id))
	e.session.Close(model.ReasonUnreachable)
}

// reap forgets a session once it closed and its exit reached a peer.
// Unreported sessions stay until the grace timer fires.
func (m *Manager) reap(s *Session) {
	<-s.Done()
	s.wait()
	metrics.TerminalClosed()
	m.notify(s.ID, model.TerminalClosed, s.Reason(), s.ExitCode())

	if !s.Reported() {
		return
	}
	m.mu.Lock()
	if e, ok := m.sessions[s.ID]; ok && e.session == s {
		if e.grace != nil {
			e.grace.Stop()
		}
		delete(m.sessions, s.ID)
	}
	m.mu.Unlock()
}

// Forget removes a closed session whose exit was reported after a reattach.
func (m *Manager) Forget(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.sessions[id]
	if !ok || e.session.State() != model.TerminalClosed {
		return
	}
	if e.grace != nil {
		e.grace.Stop()
	}
	delete(m.sessions, id)
}

// Count returns the number of registered sessions.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Close closes every session and waits for them.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	entries := make([]*entry, 0, len(m.sessions))
	for id, e := range m.sessions {
		if e.grace != nil {
			e.grace.Stop()
		}
		entries = append(entries, e)
		delete(m.sessions, id)
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, e := range entries {
		wg.Add(1)
		go func(s *Session) {
			defer wg.Done()
			s.Close(model.ReasonCanceled)
			s.wait()
		}(e.session)
	}
	wg.Wait()
	m.ptys.Close()
}

func (m *Manager) notify(id string, state model.TerminalState, reason model.Reason, code int) {
	if m.OnState != nil {
		m.OnState(id, state, reason, code)
	}
}

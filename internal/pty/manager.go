package pty

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/remote-agent-terminal/wsterm/internal/buffer"
	"github.com/remote-agent-terminal/wsterm/internal/logger"
	"github.com/remote-agent-terminal/wsterm/internal/model"
)

const (
	// DefaultOutputBufferSize is the default capacity of a process's output buffer (64KB).
	DefaultOutputBufferSize = 64 * 1024

	// DefaultReadBufferSize is the buffer size for reading PTY output.
	DefaultReadBufferSize = 4096

	// DefaultShell is used when no shell is configured.
	DefaultShell = "/bin/sh"

	DefaultRows = 24
	DefaultCols = 80
)

// PTYProcess is a running shell with its output buffer.
type PTYProcess struct {
	ID      string
	Process *Process

	// Output holds process output until the relay takes it. The reader
	// goroutine suspends while it is full.
	Output *buffer.RingBuffer

	// Recorder is nil unless recording is enabled.
	Recorder *logger.Recorder

	mu       sync.RWMutex
	closed   bool
	exitCode int
	exited   chan struct{}
}

// Manager spawns PTY processes and tracks the running ones.
type Manager struct {
	processes map[string]*PTYProcess
	mu        sync.RWMutex

	// OutputBufferSize is the capacity of each process's output buffer.
	OutputBufferSize int

	// RecordDir enables asciinema recording when non-empty.
	RecordDir string

	log *zap.Logger
}

// NewManager creates a new PTY manager.
func NewManager(recordDir string, log *zap.Logger) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{
		processes:        make(map[string]*PTYProcess),
		OutputBufferSize: DefaultOutputBufferSize,
		RecordDir:        recordDir,
		log:              log.Named("pty"),
	}
}

// SpawnOptions contains options for spawning a PTY process.
type SpawnOptions struct {
	// ID names the process; it is the terminal session id.
	ID string

	// Command is a shell command line, split on whitespace with quoting.
	Command string

	// Dir is the working directory; it is created if missing.
	Dir string

	// Env is appended to the inherited environment.
	Env []string

	Rows uint16
	Cols uint16
}

// Spawn starts a process on a new PTY. Failures are *model.SpawnError and
// leave nothing running.
func (m *Manager) Spawn(opts SpawnOptions) (*PTYProcess, error) {
	if opts.ID == "" {
		return nil, errors.New("process id is required")
	}
	if strings.TrimSpace(opts.Command) == "" {
		opts.Command = DefaultShell
	}
	if opts.Rows == 0 {
		opts.Rows = DefaultRows
	}
	if opts.Cols == 0 {
		opts.Cols = DefaultCols
	}

	parts := splitCommand(opts.Command)
	if len(parts) == 0 {
		return nil, &model.SpawnError{Command: opts.Command, Err: errors.New("invalid command")}
	}

	if opts.Dir != "" {
		if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
			return nil, &model.SpawnError{Command: opts.Command, Err: fmt.Errorf("create working directory: %w", err)}
		}
	}

	env := os.Environ()
	if os.Getenv("TERM") == "" {
		env = append(env, "TERM=xterm-256color")
	}
	env = append(env, opts.Env...)

	var rec *logger.Recorder
	if m.RecordDir != "" {
		var err error
		rec, err = logger.Create(m.RecordDir, opts.ID, int(opts.Cols), int(opts.Rows), map[string]string{"SHELL": parts[0]})
		if err != nil {
			return nil, &model.SpawnError{Command: opts.Command, Err: err}
		}
	}

	process, err := Start(StartOptions{
		Command:     parts[0],
		Args:        parts[1:],
		Env:         env,
		Dir:         opts.Dir,
		InitialRows: opts.Rows,
		InitialCols: opts.Cols,
	})
	if err != nil {
		rec.Close()
		return nil, &model.SpawnError{Command: opts.Command, Err: err}
	}

	p := &PTYProcess{
		ID:       opts.ID,
		Process:  process,
		Output:   buffer.NewRingBuffer(m.OutputBufferSize),
		Recorder: rec,
		exitCode: -1,
		exited:   make(chan struct{}),
	}

	m.mu.Lock()
	m.processes[opts.ID] = p
	m.mu.Unlock()

	m.log.Debug("process spawned", zap.String("session", opts.ID), zap.Int("pid", process.PID()), zap.String("command", opts.Command))

	go p.readLoop()
	go p.waitLoop(m)

	return p, nil
}

// Get returns the PTY process for the given session ID.
func (m *Manager) Get(id string) (*PTYProcess, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.processes[id]
	return p, ok
}

// Remove removes the process from the manager.
func (m *Manager) Remove(id string) {
	m.mu.Lock()
	delete(m.processes, id)
	m.mu.Unlock()
}

// Count returns the number of running processes.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.processes)
}

// Close kills every process and releases its PTY.
func (m *Manager) Close() error {
	m.mu.Lock()
	processes := make([]*PTYProcess, 0, len(m.processes))
	for _, p := range m.processes {
		processes = append(processes, p)
	}
	m.mu.Unlock()

	var errs []error
	for _, p := range processes {
		if err := p.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// readLoop copies PTY output into the output buffer until the PTY closes.
func (p *PTYProcess) readLoop() {
	defer p.Output.Close()
	buf := make([]byte, DefaultReadBufferSize)

	for {
		n, err := p.Process.PTY.Read(buf)
		if n > 0 {
			data := buf[:n]
			p.Recorder.Output(data)
			if _, werr := p.Output.Write(data); werr != nil {
				return
			}
		}
		if err != nil {
			// EIO on Linux once the last holder of the slave exits.
			return
		}
	}
}

// waitLoop records the exit status and unregisters the process.
func (p *PTYProcess) waitLoop(m *Manager) {
	code, err := p.Process.Wait()
	if err != nil {
		m.log.Debug("wait failed", zap.String("session", p.ID), zap.Error(err))
	}

	p.mu.Lock()
	p.exitCode = code
	p.mu.Unlock()
	close(p.exited)

	m.Remove(p.ID)
}

// Write writes data to the PTY input.
func (p *PTYProcess) Write(data []byte) error {
	if p.IsClosed() {
		return errors.New("process is closed")
	}
	if _, err := p.Process.PTY.Write(data); err != nil {
		return fmt.Errorf("failed to write to PTY: %w", err)
	}
	p.Recorder.Input(data)
	return nil
}

// Resize changes the PTY window size.
func (p *PTYProcess) Resize(rows, cols uint16) error {
	if p.IsClosed() {
		return errors.New("process is closed")
	}
	if err := p.Process.PTY.Resize(rows, cols); err != nil {
		return err
	}
	p.Recorder.Resize(int(cols), int(rows))
	return nil
}

// Terminate asks the process group to exit: hangup, then terminate.
func (p *PTYProcess) Terminate() error {
	var errs []error
	for _, sig := range terminateSignals {
		if err := p.Process.Signal(sig); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Kill force-kills the process group.
func (p *PTYProcess) Kill() error {
	return p.Process.Kill()
}

// Exited is closed once the process has been reaped.
func (p *PTYProcess) Exited() <-chan struct{} {
	return p.exited
}

// ExitCode returns the exit status, or -1 while running or after a signal.
func (p *PTYProcess) ExitCode() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.exitCode
}

// Close kills the process if it is still running and releases the PTY,
// the output buffer and the recorder.
func (p *PTYProcess) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	var errs []error
	select {
	case <-p.exited:
	default:
		if err := p.Kill(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := p.Process.Close(); err != nil {
		errs = append(errs, err)
	}
	p.Output.Close()
	if err := p.Recorder.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// IsClosed returns true if the process has been closed.
func (p *PTYProcess) IsClosed() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.closed
}

// PID returns the process ID.
func (p *PTYProcess) PID() int {
	return p.Process.PID()
}

// splitCommand splits a command string into command and arguments.
// This handles basic quoting (single and double quotes).
func splitCommand(cmd string) []string {
	var parts []string
	var current []rune
	inQuote := false
	quoteChar := rune(0)

	for _, r := range cmd {
		switch {
		case r == '"' || r == '\'':
			if inQuote {
				if r == quoteChar {
					inQuote = false
					quoteChar = 0
				} else {
					current = append(current, r)
				}
			} else {
				inQuote = true
				quoteChar = r
			}
		case r == ' ' || r == '\t':
			if inQuote {
				current = append(current, r)
			} else if len(current) > 0 {
				parts = append(parts, string(current))
				current = nil
			}
		default:
			current = append(current, r)
		}
	}

	if len(current) > 0 {
		parts = append(parts, string(current))
	}

	return parts
}

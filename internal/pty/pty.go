// Package pty allocates pseudo-terminals and runs shells attached to them.
package pty

import (
	"errors"
	"io"
	"os"
	"os/exec"
)

// ErrUnsupported is returned by Start on platforms without pseudo-terminals.
var ErrUnsupported = errors.New("pty: not supported on this platform")

// PTY represents the master side of a pseudo-terminal.
type PTY interface {
	// Read reads data from the PTY output.
	io.Reader

	// Write writes data to the PTY input.
	io.Writer

	// Close closes the PTY and releases resources.
	io.Closer

	// Resize changes the PTY window size to the specified dimensions.
	Resize(rows, cols uint16) error

	// Fd returns the file descriptor of the PTY master.
	Fd() uintptr
}

// StartOptions contains options for starting a PTY process.
type StartOptions struct {
	// Command is the command to execute.
	Command string

	// Args are the arguments to pass to the command.
	Args []string

	// Env is the environment variables for the process.
	// If nil, the current process environment is used.
	Env []string

	// Dir is the working directory for the process.
	Dir string

	// InitialRows is the initial number of rows for the PTY.
	InitialRows uint16

	// InitialCols is the initial number of columns for the PTY.
	InitialCols uint16
}

// Process represents a running PTY process. The process leads its own
// session and process group, so signals reach the whole job tree.
type Process struct {
	// PTY is the pseudo-terminal interface.
	PTY PTY

	// Cmd is the underlying exec.Cmd.
	Cmd *exec.Cmd

	pid int
}

// PID returns the process ID of the running process.
func (p *Process) PID() int {
	return p.pid
}

// Wait waits for the process to exit and returns the exit code.
// Returns -1 if the process was killed by a signal.
func (p *Process) Wait() (int, error) {
	err := p.Cmd.Wait()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return exitErr.ExitCode(), nil
		}
		return -1, err
	}
	return 0, nil
}

// Signal delivers sig to the process group.
func (p *Process) Signal(sig os.Signal) error {
	return signalGroup(p.pid, sig)
}

// Kill force-kills the process group.
func (p *Process) Kill() error {
	return p.Signal(os.Kill)
}

// Close closes the PTY and releases all resources.
func (p *Process) Close() error {
	return p.PTY.Close()
}

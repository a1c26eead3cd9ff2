//go:build !windows

package pty

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"syscall"

	creackpty "github.com/creack/pty"
	"golang.org/x/sys/unix"
)

// unixPTY implements the PTY interface for Unix-like systems (Linux, macOS).
type unixPTY struct {
	master *os.File
}

func (p *unixPTY) Read(b []byte) (int, error) {
	return p.master.Read(b)
}

func (p *unixPTY) Write(b []byte) (int, error) {
	return p.master.Write(b)
}

func (p *unixPTY) Close() error {
	return p.master.Close()
}

func (p *unixPTY) Fd() uintptr {
	return p.master.Fd()
}

func (p *unixPTY) Resize(rows, cols uint16) error {
	return creackpty.Setsize(p.master, &creackpty.Winsize{Rows: rows, Cols: cols})
}

// Start runs the command on a new PTY. The child becomes a session leader
// with the PTY as its controlling terminal.
func Start(opts StartOptions) (*Process, error) {
	cmd := exec.Command(opts.Command, opts.Args...)
	cmd.Env = opts.Env
	if cmd.Env == nil {
		cmd.Env = os.Environ()
	}
	cmd.Dir = opts.Dir

	var size *creackpty.Winsize
	if opts.InitialRows > 0 && opts.InitialCols > 0 {
		size = &creackpty.Winsize{Rows: opts.InitialRows, Cols: opts.InitialCols}
	}
	master, err := creackpty.StartWithSize(cmd, size)
	if err != nil {
		return nil, fmt.Errorf("failed to start process: %w", err)
	}

	return &Process{
		PTY: &unixPTY{master: master},
		Cmd: cmd,
		pid: cmd.Process.Pid,
	}, nil
}

// signalGroup signals every process in the group led by pid.
func signalGroup(pid int, sig os.Signal) error {
	s, ok := sig.(syscall.Signal)
	if !ok {
		return fmt.Errorf("unsupported signal %v", sig)
	}
	err := unix.Kill(-pid, s)
	if errors.Is(err, unix.ESRCH) {
		return nil
	}
	return err
}

var terminateSignals = []os.Signal{syscall.SIGHUP, syscall.SIGTERM}

//go:build windows

package pty

import "os"

// Start is not implemented on Windows; the server side runs on Unix hosts.
func Start(opts StartOptions) (*Process, error) {
	return nil, ErrUnsupported
}

func signalGroup(pid int, sig os.Signal) error {
	p, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	return p.Signal(sig)
}

var terminateSignals = []os.Signal{os.Kill}

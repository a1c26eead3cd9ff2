package mux

import (
	"context"
	"sync"

	"github.com/remote-agent-terminal/wsterm/internal/model"
)

// pipeEnd is one side of an in-memory Conn pair.
type pipeEnd struct {
	in   <-chan []byte
	out  chan<- []byte
	once *sync.Once
	done chan struct{}
}

// Pipe returns two connected in-memory Conns. Closing either end closes both.
func Pipe() (Conn, Conn) {
	ab := make(chan []byte, 64)
	ba := make(chan []byte, 64)
	once := &sync.Once{}
	done := make(chan struct{})
	return &pipeEnd{in: ba, out: ab, once: once, done: done},
		&pipeEnd{in: ab, out: ba, once: once, done: done}
}

func (p *pipeEnd) Send(ctx context.Context, data []byte) error {
	buf := append([]byte(nil), data...)
	select {
	case p.out <- buf:
		return nil
	case <-p.done:
		return model.ErrTransportClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *pipeEnd) Receive(ctx context.Context) ([]byte, error) {
	// Data written before Close is still delivered.
	select {
	case data := <-p.in:
		return data, nil
	default:
	}
	select {
	case data := <-p.in:
		return data, nil
	case <-p.done:
		return nil, model.ErrTransportClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *pipeEnd) Close() error {
	p.once.Do(func() { close(p.done) })
	return nil
}

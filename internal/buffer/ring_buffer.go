// Package buffer provides the bounded byte queue that sits between a
// terminal and the connection relaying it.
package buffer

import (
	"context"
	"errors"
	"io"
	"sync"
)

// ErrClosed is returned by writes to a closed RingBuffer.
var ErrClosed = errors.New("buffer closed")

// RingBuffer is a thread-safe circular byte queue of fixed capacity.
// Unlike a scrollback buffer it never discards: a writer suspends while the
// buffer is full and a reader suspends while it is empty.
//
// The terminal relay uses one per direction, so a slow consumer pushes back
// on the producer instead of losing output.
type RingBuffer struct {
	mu       sync.Mutex
	data     []byte
	head     int
	size     int
	closed   bool
	err      error
	changed  chan struct{}
	capacity int
}

// NewRingBuffer creates a new RingBuffer with the specified capacity.
// The capacity must be greater than 0; if not, it defaults to 1.
func NewRingBuffer(capacity int) *RingBuffer {
	if capacity <= 0 {
		capacity = 1
	}
	return &RingBuffer{
		data:     make([]byte, capacity),
		capacity: capacity,
		changed:  make(chan struct{}),
	}
}

// Write implements io.Writer. It blocks until all of p is buffered.
func (rb *RingBuffer) Write(p []byte) (int, error) {
	return rb.WriteContext(context.Background(), p)
}

// WriteContext buffers all of p, suspending while the buffer is full.
// It returns the number of bytes buffered before ctx ended or the buffer closed.
func (rb *RingBuffer) WriteContext(ctx context.Context, p []byte) (int, error) {
	written := 0
	for len(p) > 0 {
		rb.mu.Lock()
		if rb.closed {
			rb.mu.Unlock()
			return written, ErrClosed
		}
		if rb.size == rb.capacity {
			wait := rb.changed
			rb.mu.Unlock()
			select {
			case <-wait:
				continue
			case <-ctx.Done():
				return written, ctx.Err()
			}
		}

		tail := (rb.head + rb.size) % rb.capacity
		end := rb.capacity
		if tail < rb.head {
			end = rb.head
		}
		n := copy(rb.data[tail:end], p)
		if rb.size+n > rb.capacity {
			n = rb.capacity - rb.size
		}
		rb.size += n
		rb.broadcast()
		rb.mu.Unlock()

		written += n
		p = p[n:]
	}
	return written, nil
}

// Read implements io.Reader. It blocks until data is available and returns
// io.EOF once the buffer is closed and drained.
func (rb *RingBuffer) Read(p []byte) (int, error) {
	return rb.ReadContext(context.Background(), p)
}

// ReadContext reads up to len(p) bytes, suspending while the buffer is empty.
func (rb *RingBuffer) ReadContext(ctx context.Context, p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	for {
		rb.mu.Lock()
		if rb.size > 0 {
			n := 0
			for n < len(p) && rb.size > 0 {
				end := rb.head + rb.size
				if end > rb.capacity {
					end = rb.capacity
				}
				c := copy(p[n:], rb.data[rb.head:end])
				rb.head = (rb.head + c) % rb.capacity
				rb.size -= c
				n += c
			}
			if rb.size == 0 {
				rb.head = 0
			}
			rb.broadcast()
			rb.mu.Unlock()
			return n, nil
		}
		if rb.closed {
			err := rb.err
			rb.mu.Unlock()
			if err == nil {
				err = io.EOF
			}
			return 0, err
		}
		wait := rb.changed
		rb.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
}

// Close stops further writes. Readers drain what is left and then get io.EOF.
func (rb *RingBuffer) Close() error {
	return rb.CloseWithError(nil)
}

// CloseWithError is like Close but readers get err instead of io.EOF.
func (rb *RingBuffer) CloseWithError(err error) error {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	if rb.closed {
		return nil
	}
	rb.closed = true
	rb.err = err
	rb.broadcast()
	return nil
}

// Reset discards buffered data and reopens a closed buffer.
func (rb *RingBuffer) Reset() {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	rb.head, rb.size = 0, 0
	rb.closed, rb.err = false, nil
	rb.broadcast()
}

// Len returns the current number of bytes in the buffer.
func (rb *RingBuffer) Len() int {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	return rb.size
}

// Cap returns the capacity of the buffer.
func (rb *RingBuffer) Cap() int {
	return rb.capacity
}

// broadcast wakes every waiter. Callers hold mu.
func (rb *RingBuffer) broadcast() {
	close(rb.changed)
	rb.changed = make(chan struct{})
}

// Package mux splits one transport connection into the control, terminal-io
// and file-sync sub-channels, each with its own sequence numbers and
// flow-control window.
package mux

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/remote-agent-terminal/wsterm/internal/metrics"
	"github.com/remote-agent-terminal/wsterm/internal/model"
	"github.com/remote-agent-terminal/wsterm/internal/protocol"
)

const (
	// frameOverhead is charged against credit for every frame in addition to its payload.
	frameOverhead = 16

	defaultAckInterval = 20 * time.Millisecond
)

// ErrClosed is returned by calls on a multiplexer that was closed locally.
var ErrClosed = errors.New("multiplexer closed")

// Conn is the message-oriented connection the multiplexer runs over.
// *transport.Channel implements it.
type Conn interface {
	Send(ctx context.Context, data []byte) error
	Receive(ctx context.Context) ([]byte, error)
	Close() error
}

// Options tunes a Mux.
type Options struct {
	// WindowSize is the credit, in bytes, of terminal-io and file-sync.
	WindowSize int

	// MaxFrameSize bounds the payload of one frame; larger messages are fragmented.
	MaxFrameSize int

	// QueueDepth bounds the outbound frame queue and the control inbox.
	QueueDepth int

	// ReorderTimeout is how long a sequence gap may stay open.
	ReorderTimeout time.Duration

	// AckInterval is how often partial acknowledgments are flushed.
	AckInterval time.Duration

	Logger *zap.Logger
}

func (o Options) withDefaults() Options {
	if o.WindowSize <= 0 {
		o.WindowSize = 256 * 1024
	}
	if o.MaxFrameSize <= 0 {
		o.MaxFrameSize = 32 * 1024
	}
	if o.QueueDepth <= 0 {
		o.QueueDepth = 64
	}
	if o.ReorderTimeout <= 0 {
		o.ReorderTimeout = 5 * time.Second
	}
	if o.AckInterval <= 0 {
		o.AckInterval = defaultAckInterval
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	return o
}

// Mux multiplexes sub-channels over one Conn. All outbound frames go
// through a single writer goroutine and all inbound frames are read by a
// single dispatcher goroutine.
type Mux struct {
	conn Conn
	opts Options
	log  *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	out  chan outbound
	subs [protocol.NumChannels]*subchannel

	lastActivity atomic.Int64

	errOnce sync.Once
	err     error
	done    chan struct{}
	wg      sync.WaitGroup
}

// New starts a multiplexer over conn. Sequence numbers start at zero.
func New(conn Conn, opts Options) *Mux {
	opts = opts.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	m := &Mux{
		conn:   conn,
		opts:   opts,
		log:    opts.Logger.Named("mux"),
		ctx:    ctx,
		cancel: cancel,
		out:    make(chan outbound, opts.QueueDepth),
		done:   make(chan struct{}),
	}
	for i := range m.subs {
		ch := protocol.Channel(i)
		m.subs[i] = newSubchannel(ch, ch != protocol.ChannelControl, opts.WindowSize)
	}
	m.touch()

	m.wg.Add(3)
	go m.writeLoop()
	go m.readLoop()
	go m.tickLoop()
	return m
}

// Send writes payload on ch as one message, fragmenting it as needed.
// It suspends while the sub-channel has no credit.
func (m *Mux) Send(ctx context.Context, ch protocol.Channel, payload []byte) error {
	return m.send(ctx, ch, payload, 0)
}

// SendMessage encodes msg and sends it on ch.
func (m *Mux) SendMessage(ctx context.Context, ch protocol.Channel, msg protocol.Message) error {
	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	return m.Send(ctx, ch, data)
}

// CloseChannel sends end-of-stream on ch. The peer's Recv returns io.EOF
// once every earlier message has been read.
func (m *Mux) CloseChannel(ctx context.Context, ch protocol.Channel) error {
	return m.send(ctx, ch, nil, protocol.FlagEndOfStream)
}

func (m *Mux) send(ctx context.Context, ch protocol.Channel, payload []byte, flags protocol.Flags) error {
	if !ch.Valid() {
		return fmt.Errorf("send: invalid channel %d", ch)
	}
	s := m.subs[ch]

	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	for {
		chunk := payload
		more := false
		if len(chunk) > m.opts.MaxFrameSize {
			chunk = payload[:m.opts.MaxFrameSize]
			more = true
		}
		payload = payload[len(chunk):]

		f := protocol.Frame{Channel: ch, Payload: chunk, Flags: flags}
		if more {
			f.Flags = protocol.FlagMore
		}
		cost := frameCost(len(chunk))
		seq, err := m.acquire(ctx, s, cost)
		if err != nil {
			return err
		}
		f.Seq = seq
		if err := m.enqueue(ctx, f.Marshal()); err != nil {
			return err
		}
		metrics.FrameSent(ch.String(), len(chunk))
		if !more {
			return nil
		}
	}
}

// acquire reserves credit for one frame and assigns its sequence number.
func (m *Mux) acquire(ctx context.Context, s *subchannel, cost int) (uint64, error) {
	stalled := false
	for {
		s.creditMu.Lock()
		if !s.limited || s.inflight == 0 || s.inflight+cost <= s.window {
			seq := s.nextSeq
			s.nextSeq++
			if s.limited {
				s.inflight += cost
				s.unacked = append(s.unacked, inflightFrame{seq: seq, cost: cost})
			}
			s.creditMu.Unlock()
			return seq, nil
		}
		s.creditMu.Unlock()

		if !stalled {
			stalled = true
			metrics.CreditStall(s.id.String())
		}
		select {
		case <-s.creditCh:
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-m.done:
			return 0, m.Err()
		}
	}
}

// outbound is one queued frame, or a flush marker when flushed is set.
type outbound struct {
	data    []byte
	flushed chan struct{}
}

func (m *Mux) enqueue(ctx context.Context, data []byte) error {
	return m.push(ctx, outbound{data: data})
}

func (m *Mux) push(ctx context.Context, o outbound) error {
	select {
	case m.out <- o:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-m.done:
		return m.Err()
	}
}

// Recv returns the next message on ch in sequence order. It returns io.EOF
// after the peer closed the sub-channel.
func (m *Mux) Recv(ctx context.Context, ch protocol.Channel) ([]byte, error) {
	if !ch.Valid() {
		return nil, fmt.Errorf("recv: invalid channel %d", ch)
	}
	s := m.subs[ch]
	for {
		msg, ok, eof := s.pop()
		if ok {
			if s.limited {
				if ack, send := s.consumed(msg.cost, msg.lastSeq, m.opts.WindowSize/4); send {
					m.sendAck(ch, ack)
				}
			}
			return msg.payload, nil
		}
		if eof {
			return nil, io.EOF
		}
		select {
		case <-s.notify:
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-m.done:
			if msg, ok, _ := s.pop(); ok {
				return msg.payload, nil
			}
			return nil, m.Err()
		}
	}
}

// Flush waits until every frame queued before the call has been handed to the connection.
func (m *Mux) Flush(ctx context.Context) error {
	flushed := make(chan struct{})
	if err := m.push(ctx, outbound{flushed: flushed}); err != nil {
		return err
	}
	select {
	case <-flushed:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-m.done:
		return m.Err()
	}
}

// RecvControl returns the next decoded control message.
func (m *Mux) RecvControl(ctx context.Context) (protocol.Message, error) {
	data, err := m.Recv(ctx, protocol.ChannelControl)
	if err != nil {
		return nil, err
	}
	msg, err := protocol.DecodeControl(data)
	if err != nil {
		return nil, &model.ProtocolError{Detail: "control message", Err: err}
	}
	return msg, nil
}

// Done is closed when the multiplexer stops.
func (m *Mux) Done() <-chan struct{} {
	return m.done
}

// Err returns why the multiplexer stopped, or nil while it runs.
func (m *Mux) Err() error {
	select {
	case <-m.done:
		return m.err
	default:
		return nil
	}
}

// LastActivity returns when a frame was last sent or received.
func (m *Mux) LastActivity() time.Time {
	return time.Unix(0, m.lastActivity.Load())
}

// Close stops the multiplexer and closes the connection.
func (m *Mux) Close() error {
	m.fail(ErrClosed)
	m.wg.Wait()
	return nil
}

func (m *Mux) fail(err error) {
	m.errOnce.Do(func() {
		m.err = err
		close(m.done)
		m.cancel()
		m.conn.Close()
		if !errors.Is(err, ErrClosed) {
			m.log.Debug("multiplexer stopped", zap.Error(err))
		}
	})
}

func (m *Mux) touch() {
	m.lastActivity.Store(time.Now().UnixNano())
}

// writeLoop is the single writer of the connection.
func (m *Mux) writeLoop() {
	defer m.wg.Done()
	for {
		select {
		case o := <-m.out:
			if o.flushed != nil {
				close(o.flushed)
				continue
			}
			if err := m.conn.Send(m.ctx, o.data); err != nil {
				m.fail(err)
				return
			}
			m.touch()
		case <-m.done:
			return
		}
	}
}

// readLoop is the single dispatcher of inbound frames.
func (m *Mux) readLoop() {
	defer m.wg.Done()
	for {
		data, err := m.conn.Receive(m.ctx)
		if err != nil {
			if m.ctx.Err() != nil {
				return
			}
			m.fail(err)
			return
		}
		m.touch()

		f, err := protocol.UnmarshalFrame(data)
		if err != nil {
			m.fail(&model.ProtocolError{Detail: "frame", Err: err})
			return
		}
		metrics.FrameReceived(f.Channel.String(), len(f.Payload))

		msgs, err := m.subs[f.Channel].accept(f, m.opts)
		if err != nil {
			m.fail(err)
			return
		}
		for _, msg := range msgs {
			if err := m.deliver(f.Channel, msg); err != nil {
				m.fail(err)
				return
			}
		}
	}
}

// deliver routes a reassembled message to its inbox. Credit acks on the
// control channel are consumed here.
func (m *Mux) deliver(ch protocol.Channel, msg inboundMessage) error {
	s := m.subs[ch]
	if ch == protocol.ChannelControl && !msg.eof {
		if decoded, err := protocol.DecodeControl(msg.payload); err == nil {
			if ack, ok := decoded.(*protocol.Ack); ok {
				if !ack.Channel.Valid() {
					return &model.ProtocolError{Detail: fmt.Sprintf("ack for channel %d", ack.Channel)}
				}
				m.subs[ack.Channel].release(ack.Seq)
				return nil
			}
		}
		if s.queued() >= m.opts.QueueDepth {
			return &model.ProtocolError{Detail: "control queue overflow"}
		}
	}
	if s.limited && s.queuedBytes() > m.opts.WindowSize+frameCost(m.opts.MaxFrameSize) {
		return &model.ProtocolError{Detail: fmt.Sprintf("%s exceeded its credit window", ch)}
	}
	s.push(msg)
	return nil
}

// sendAck queues a credit acknowledgment without blocking the caller on credit.
func (m *Mux) sendAck(ch protocol.Channel, seq uint64) {
	data, err := protocol.Encode(&protocol.Ack{Channel: ch, Seq: seq})
	if err != nil {
		return
	}
	if err := m.send(m.ctx, protocol.ChannelControl, data, 0); err != nil && m.ctx.Err() == nil {
		m.log.Debug("ack not sent", zap.Stringer("channel", ch), zap.Error(err))
	}
}

// tickLoop flushes partial acknowledgments and enforces the reorder timeout.
func (m *Mux) tickLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.opts.AckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			now := time.Now()
			for _, s := range m.subs {
				if since, open := s.gapSince(); open && now.Sub(since) > m.opts.ReorderTimeout {
					m.fail(&model.ProtocolError{
						Detail: fmt.Sprintf("%s: sequence gap open for %s", s.id, now.Sub(since).Round(time.Millisecond)),
					})
					return
				}
				if !s.limited {
					continue
				}
				if seq, ok := s.flushAck(); ok {
					m.sendAck(s.id, seq)
				}
			}
		case <-m.done:
			return
		}
	}
}

func frameCost(payload int) int {
	return payload + frameOverhead
}

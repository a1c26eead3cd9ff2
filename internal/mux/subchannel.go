package mux

import (
	"fmt"
	"sync"
	"time"

	"github.com/remote-agent-terminal/wsterm/internal/metrics"
	"github.com/remote-agent-terminal/wsterm/internal/model"
	"github.com/remote-agent-terminal/wsterm/internal/protocol"
)

type inflightFrame struct {
	seq  uint64
	cost int
}

// inboundMessage is a reassembled message ready for the consumer.
type inboundMessage struct {
	payload []byte
	cost    int
	lastSeq uint64
	eof     bool
}

type subchannel struct {
	id      protocol.Channel
	limited bool
	window  int

	// send side
	sendMu   sync.Mutex
	creditMu sync.Mutex
	nextSeq  uint64
	inflight int
	unacked  []inflightFrame
	creditCh chan struct{}

	// receive side, owned by the dispatcher except where noted
	recvMu     sync.Mutex
	expected   uint64
	reorder    map[uint64]protocol.Frame
	gapOpened  time.Time
	fragments  []byte
	fragCost   int
	inbox      []inboundMessage
	inboxBytes int
	notify     chan struct{}

	// ack state, touched by Recv and the ticker
	ackMu      sync.Mutex
	pendingAck int
	ackSeq     uint64
	ackDirty   bool
}

func newSubchannel(id protocol.Channel, limited bool, window int) *subchannel {
	return &subchannel{
		id:       id,
		limited:  limited,
		window:   window,
		creditCh: make(chan struct{}, 1),
		reorder:  make(map[uint64]protocol.Frame),
		notify:   make(chan struct{}, 1),
	}
}

// release returns credit for every frame up to and including seq.
func (s *subchannel) release(seq uint64) {
	s.creditMu.Lock()
	freed := false
	for len(s.unacked) > 0 && s.unacked[0].seq <= seq {
		s.inflight -= s.unacked[0].cost
		s.unacked = s.unacked[1:]
		freed = true
	}
	s.creditMu.Unlock()

	if freed {
		select {
		case s.creditCh <- struct{}{}:
		default:
		}
	}
}

// accept takes one frame off the wire and returns the messages it completes, in order.
func (s *subchannel) accept(f protocol.Frame, opts Options) ([]inboundMessage, error) {
	s.recvMu.Lock()
	defer s.recvMu.Unlock()

	switch {
	case f.Seq < s.expected:
		metrics.DuplicateFrame()
		return nil, nil
	case f.Seq > s.expected:
		if _, dup := s.reorder[f.Seq]; dup {
			metrics.DuplicateFrame()
			return nil, nil
		}
		if len(s.reorder) >= opts.QueueDepth*4 {
			return nil, &model.ProtocolError{Detail: fmt.Sprintf("%s: reorder buffer full", s.id)}
		}
		// Payload aliases the transport buffer; keep our own copy.
		f.Payload = append([]byte(nil), f.Payload...)
		s.reorder[f.Seq] = f
		if len(s.reorder) == 1 {
			s.gapOpened = time.Now()
		}
		return nil, nil
	}

	var out []inboundMessage
	for {
		if msg, done := s.assemble(f); done {
			out = append(out, msg)
		}
		s.expected++
		next, ok := s.reorder[s.expected]
		if !ok {
			break
		}
		delete(s.reorder, s.expected)
		f = next
	}
	if len(s.reorder) == 0 {
		s.gapOpened = time.Time{}
	} else {
		s.gapOpened = time.Now()
	}
	return out, nil
}

func (s *subchannel) assemble(f protocol.Frame) (inboundMessage, bool) {
	s.fragCost += frameCost(len(f.Payload))
	if f.Flags&protocol.FlagMore != 0 {
		s.fragments = append(s.fragments, f.Payload...)
		return inboundMessage{}, false
	}
	payload := append(s.fragments, f.Payload...)
	if s.fragments == nil {
		payload = append([]byte(nil), f.Payload...)
	}
	msg := inboundMessage{
		payload: payload,
		cost:    s.fragCost,
		lastSeq: f.Seq,
		eof:     f.Flags&protocol.FlagEndOfStream != 0,
	}
	s.fragments = nil
	s.fragCost = 0
	return msg, true
}

func (s *subchannel) gapSince() (time.Time, bool) {
	s.recvMu.Lock()
	defer s.recvMu.Unlock()
	return s.gapOpened, !s.gapOpened.IsZero()
}

func (s *subchannel) push(msg inboundMessage) {
	s.recvMu.Lock()
	s.inbox = append(s.inbox, msg)
	s.inboxBytes += msg.cost
	s.recvMu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// pop removes the next message. eof is reported once the inbox holds only the end-of-stream marker.
func (s *subchannel) pop() (msg inboundMessage, ok bool, eof bool) {
	s.recvMu.Lock()
	defer s.recvMu.Unlock()
	if len(s.inbox) == 0 {
		return inboundMessage{}, false, false
	}
	head := s.inbox[0]
	if head.eof {
		return inboundMessage{}, false, true
	}
	s.inbox[0] = inboundMessage{}
	s.inbox = s.inbox[1:]
	s.inboxBytes -= head.cost
	if len(s.inbox) > 0 {
		select {
		case s.notify <- struct{}{}:
		default:
		}
	}
	return head, true, false
}

func (s *subchannel) queued() int {
	s.recvMu.Lock()
	defer s.recvMu.Unlock()
	return len(s.inbox)
}

func (s *subchannel) queuedBytes() int {
	s.recvMu.Lock()
	defer s.recvMu.Unlock()
	return s.inboxBytes
}

// consumed records delivered bytes and reports whether an ack is due.
func (s *subchannel) consumed(cost int, seq uint64, threshold int) (uint64, bool) {
	s.ackMu.Lock()
	defer s.ackMu.Unlock()
	s.pendingAck += cost
	s.ackSeq = seq
	s.ackDirty = true
	if s.pendingAck < threshold {
		return 0, false
	}
	s.pendingAck = 0
	s.ackDirty = false
	return seq, true
}

func (s *subchannel) flushAck() (uint64, bool) {
	s.ackMu.Lock()
	defer s.ackMu.Unlock()
	if !s.ackDirty {
		return 0, false
	}
	s.pendingAck = 0
	s.ackDirty = false
	return s.ackSeq, true
}

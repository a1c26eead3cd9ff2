// Package protocol defines the wsterm wire format: binary frames carrying
// CBOR encoded control and file-sync messages.
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Channel identifies a logical sub-channel of the multiplexed connection.
type Channel uint8

const (
	ChannelControl  Channel = 0
	ChannelTerminal Channel = 1
	ChannelFileSync Channel = 2

	// NumChannels is the number of defined sub-channels.
	NumChannels = 3
)

func (c Channel) String() string {
	switch c {
	case ChannelControl:
		return "control"
	case ChannelTerminal:
		return "terminal-io"
	case ChannelFileSync:
		return "file-sync"
	default:
		return fmt.Sprintf("channel(%d)", uint8(c))
	}
}

// Valid reports whether c is a defined sub-channel.
func (c Channel) Valid() bool {
	return c < NumChannels
}

// Flags carries per-frame bits.
type Flags uint8

const (
	// FlagEndOfStream marks the last frame of a sub-channel.
	FlagEndOfStream Flags = 1 << 0

	// FlagMore marks a fragment that is continued by the next frame.
	FlagMore Flags = 1 << 1

	knownFlags = FlagEndOfStream | FlagMore
)

// Frame is the atomic unit on the wire.
type Frame struct {
	Channel Channel
	Seq     uint64
	Flags   Flags
	Payload []byte
}

// ErrMalformedFrame is returned for bytes that cannot be a frame.
var ErrMalformedFrame = errors.New("malformed frame")

// MaxHeaderSize is the largest possible encoded header.
const MaxHeaderSize = 2 + binary.MaxVarintLen64

// Marshal encodes the frame as channel, flags, uvarint seq, payload.
func (f Frame) Marshal() []byte {
	buf := make([]byte, 2, MaxHeaderSize+len(f.Payload))
	buf[0] = byte(f.Channel)
	buf[1] = byte(f.Flags)
	buf = binary.AppendUvarint(buf, f.Seq)
	return append(buf, f.Payload...)
}

// UnmarshalFrame decodes a frame. The payload aliases b.
func UnmarshalFrame(b []byte) (Frame, error) {
	if len(b) < 3 {
		return Frame{}, fmt.Errorf("%w: %d bytes", ErrMalformedFrame, len(b))
	}
	f := Frame{
		Channel: Channel(b[0]),
		Flags:   Flags(b[1]),
	}
	if !f.Channel.Valid() {
		return Frame{}, fmt.Errorf("%w: unknown channel %d", ErrMalformedFrame, b[0])
	}
	if f.Flags&^knownFlags != 0 {
		return Frame{}, fmt.Errorf("%w: unknown flags %#x", ErrMalformedFrame, b[1])
	}
	seq, n := binary.Uvarint(b[2:])
	if n <= 0 {
		return Frame{}, fmt.Errorf("%w: bad sequence number", ErrMalformedFrame)
	}
	f.Seq = seq
	f.Payload = b[2+n:]
	return f, nil
}

package protocol

import (
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// Kind discriminates the variants of a message.
type Kind string

// Control sub-channel kinds.
const (
	KindAuthRequest Kind = "auth-request"
	KindAuthResult  Kind = "auth-result"
	KindResize      Kind = "resize"
	KindAck         Kind = "ack"
	KindExit        Kind = "exit"
	KindOpen        Kind = "open"
	KindOpened      Kind = "opened"
	KindError       Kind = "error"
)

// File-sync sub-channel kinds. KindAck is shared with control.
const (
	KindSyncState     Kind = "sync-state"
	KindSnapshotBegin Kind = "snapshot-begin"
	KindFile          Kind = "file"
	KindDir           Kind = "dir"
	KindTombstone     Kind = "tombstone"
	KindRename        Kind = "rename"
	KindSnapshotEnd   Kind = "snapshot-end"
)

// ErrUnknownKind is returned when a message kind is not part of its sub-channel's set.
var ErrUnknownKind = errors.New("unknown message kind")

// Message is one variant of the closed set of messages.
type Message interface {
	Kind() Kind
}

// Record is a file-sync message that carries a producer sequence number.
type Record interface {
	Message
	RecordSeq() uint64
}

type envelope struct {
	Kind Kind            `cbor:"k"`
	Body cbor.RawMessage `cbor:"b,omitempty"`
}

// AuthRequest carries the shared token from the connecting side.
type AuthRequest struct {
	Token string `cbor:"token"`
}

// AuthResult answers an AuthRequest.
type AuthResult struct {
	Accepted bool   `cbor:"accepted"`
	Detail   string `cbor:"detail,omitempty"`
}

// Resize changes the remote pseudo-terminal size.
type Resize struct {
	Rows uint16 `cbor:"rows"`
	Cols uint16 `cbor:"cols"`
}

// Ack acknowledges every frame of Channel up to and including Seq.
// On the file-sync channel it is not used; see SyncAck.
type Ack struct {
	Channel Channel `cbor:"ch"`
	Seq     uint64  `cbor:"seq"`
}

// Exit reports the shell exit status.
type Exit struct {
	Code int `cbor:"code"`
}

// Open asks the server to create or resume a terminal session.
type Open struct {
	SessionID string `cbor:"session,omitempty"`
	Workspace string `cbor:"workspace"`
	Epoch     string `cbor:"epoch"`
	Rows      uint16 `cbor:"rows"`
	Cols      uint16 `cbor:"cols"`
}

// Opened answers Open.
type Opened struct {
	SessionID string `cbor:"session"`
	Resumed   bool   `cbor:"resumed"`
}

// Error carries a terminal reason code to the peer before a close.
type Error struct {
	Reason string `cbor:"reason"`
	Detail string `cbor:"detail,omitempty"`
}

func (*AuthRequest) Kind() Kind { return KindAuthRequest }
func (*AuthResult) Kind() Kind  { return KindAuthResult }
func (*Resize) Kind() Kind      { return KindResize }
func (*Ack) Kind() Kind         { return KindAck }
func (*Exit) Kind() Kind        { return KindExit }
func (*Open) Kind() Kind        { return KindOpen }
func (*Opened) Kind() Kind      { return KindOpened }
func (*Error) Kind() Kind       { return KindError }

// Encoding is how a File record, or one chunk of it, carries its content.
type Encoding string

const (
	EncodingRaw    Encoding = "raw"
	EncodingZstd   Encoding = "zstd"
	EncodingLZ4    Encoding = "lz4"
	EncodingChunks Encoding = "chunks"
)

// AckStatus is the consumer's verdict on one record.
type AckStatus string

const (
	AckOK       AckStatus = "ok"
	AckFailed   AckStatus = "failed"
	AckNeedFull AckStatus = "need-full"
)

// ManifestEntry describes one path already present on the server.
type ManifestEntry struct {
	Hash string `cbor:"h,omitempty"`
	Mode uint32 `cbor:"m"`
	Dir  bool   `cbor:"d,omitempty"`
}

// SyncState is the first file-sync message from the consumer on every connection.
type SyncState struct {
	Epoch       string                   `cbor:"epoch,omitempty"`
	HasState    bool                     `cbor:"has_state"`
	LastApplied uint64                   `cbor:"last_applied"`
	Manifest    map[string]ManifestEntry `cbor:"manifest,omitempty"`
}

// SnapshotBegin opens a full snapshot phase.
type SnapshotBegin struct {
	Seq   uint64 `cbor:"seq"`
	Epoch string `cbor:"epoch"`
	Count int    `cbor:"count"`
}

// ChunkRef is one content-defined chunk of a large file. Data is present
// only when the consumer cannot already have the chunk.
type ChunkRef struct {
	Hash     string   `cbor:"h"`
	Size     int      `cbor:"n"`
	Encoding Encoding `cbor:"e,omitempty"`
	Data     []byte   `cbor:"d,omitempty"`
}

// File creates or replaces a regular file.
type File struct {
	Seq      uint64     `cbor:"seq"`
	Path     string     `cbor:"path"`
	Hash     string     `cbor:"hash"`
	Size     int64      `cbor:"size"`
	ModTime  int64      `cbor:"mtime"`
	Mode     uint32     `cbor:"mode"`
	Encoding Encoding   `cbor:"enc"`
	Content  []byte     `cbor:"content,omitempty"`
	Chunks   []ChunkRef `cbor:"chunks,omitempty"`
}

// Dir creates a directory.
type Dir struct {
	Seq  uint64 `cbor:"seq"`
	Path string `cbor:"path"`
	Mode uint32 `cbor:"mode"`
}

// Tombstone removes a file or directory tree.
type Tombstone struct {
	Seq  uint64 `cbor:"seq"`
	Path string `cbor:"path"`
}

// Rename moves a path without resending content.
type Rename struct {
	Seq  uint64 `cbor:"seq"`
	From string `cbor:"from"`
	To   string `cbor:"to"`
}

// SnapshotEnd closes a full snapshot phase.
type SnapshotEnd struct {
	Seq uint64 `cbor:"seq"`
}

// SyncAck acknowledges one record on the file-sync channel.
type SyncAck struct {
	Seq    uint64    `cbor:"seq"`
	Status AckStatus `cbor:"status"`
	Detail string    `cbor:"detail,omitempty"`
}

func (*SyncState) Kind() Kind     { return KindSyncState }
func (*SnapshotBegin) Kind() Kind { return KindSnapshotBegin }
func (*File) Kind() Kind          { return KindFile }
func (*Dir) Kind() Kind           { return KindDir }
func (*Tombstone) Kind() Kind     { return KindTombstone }
func (*Rename) Kind() Kind        { return KindRename }
func (*SnapshotEnd) Kind() Kind   { return KindSnapshotEnd }
func (*SyncAck) Kind() Kind       { return KindAck }

func (m *SnapshotBegin) RecordSeq() uint64 { return m.Seq }
func (m *File) RecordSeq() uint64          { return m.Seq }
func (m *Dir) RecordSeq() uint64           { return m.Seq }
func (m *Tombstone) RecordSeq() uint64     { return m.Seq }
func (m *Rename) RecordSeq() uint64        { return m.Seq }
func (m *SnapshotEnd) RecordSeq() uint64   { return m.Seq }

// RecordPath returns the path a record touches, or "" for phase markers.
func RecordPath(r Record) string {
	switch m := r.(type) {
	case *File:
		return m.Path
	case *Dir:
		return m.Path
	case *Tombstone:
		return m.Path
	case *Rename:
		return m.To
	default:
		return ""
	}
}

// Encode wraps m in its tagged envelope.
func Encode(m Message) ([]byte, error) {
	body, err := marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", m.Kind(), err)
	}
	return marshal(envelope{Kind: m.Kind(), Body: body})
}

// DecodeControl decodes a control sub-channel message.
func DecodeControl(data []byte) (Message, error) {
	return decode(data, func(k Kind) Message {
		switch k {
		case KindAuthRequest:
			return &AuthRequest{}
		case KindAuthResult:
			return &AuthResult{}
		case KindResize:
			return &Resize{}
		case KindAck:
			return &Ack{}
		case KindExit:
			return &Exit{}
		case KindOpen:
			return &Open{}
		case KindOpened:
			return &Opened{}
		case KindError:
			return &Error{}
		}
		return nil
	})
}

// DecodeSync decodes a file-sync sub-channel message.
func DecodeSync(data []byte) (Message, error) {
	return decode(data, func(k Kind) Message {
		switch k {
		case KindSyncState:
			return &SyncState{}
		case KindSnapshotBegin:
			return &SnapshotBegin{}
		case KindFile:
			return &File{}
		case KindDir:
			return &Dir{}
		case KindTombstone:
			return &Tombstone{}
		case KindRename:
			return &Rename{}
		case KindSnapshotEnd:
			return &SnapshotEnd{}
		case KindAck:
			return &SyncAck{}
		}
		return nil
	})
}

func decode(data []byte, variant func(Kind) Message) (Message, error) {
	var env envelope
	if err := unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	m := variant(env.Kind)
	if m == nil {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, env.Kind)
	}
	if len(env.Body) > 0 {
		if err := unmarshal(env.Body, m); err != nil {
			return nil, fmt.Errorf("decode %s: %w", env.Kind, err)
		}
	}
	return m, nil
}

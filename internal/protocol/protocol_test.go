package protocol

import (
	"bytes"
	"errors"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// TestFrameHeaderProperty tests that any frame survives the header codec
func TestFrameHeaderProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100

	properties := gopter.NewProperties(parameters)

	properties.Property("decoded frame equals encoded frame", prop.ForAll(
		func(ch uint8, seq uint64, eos bool, payload []byte) bool {
			f := Frame{Channel: Channel(ch % NumChannels), Seq: seq, Payload: payload}
			if eos {
				f.Flags |= FlagEndOfStream
			}
			got, err := UnmarshalFrame(f.Marshal())
			if err != nil {
				return false
			}
			return got.Channel == f.Channel &&
				got.Seq == f.Seq &&
				got.Flags == f.Flags &&
				bytes.Equal(got.Payload, f.Payload)
		},
		gen.UInt8(),
		gen.UInt64(),
		gen.Bool(),
		gen.SliceOf(gen.UInt8()),
	))

	properties.TestingRun(t)
}

// TestUnmarshalFrameRejects tests malformed frames
func TestUnmarshalFrameRejects(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"short", []byte{0, 0}},
		{"unknown channel", []byte{9, 0, 1}},
		{"unknown flags", []byte{0, 0x80, 1}},
		{"truncated varint", []byte{0, 0, 0xff}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := UnmarshalFrame(tt.data)
			if !errors.Is(err, ErrMalformedFrame) {
				t.Errorf("Expected ErrMalformedFrame, got %v", err)
			}
		})
	}
}

// TestDecodeControlVariants tests that each control kind decodes to its own type
func TestDecodeControlVariants(t *testing.T) {
	msgs := []Message{
		&AuthRequest{Token: "abc"},
		&AuthResult{Accepted: true},
		&Resize{Rows: 40, Cols: 120},
		&Ack{Channel: ChannelTerminal, Seq: 7},
		&Exit{Code: 2},
		&Open{Workspace: "proj-1a2b3c4d@host", Epoch: "e", Rows: 24, Cols: 80},
		&Opened{SessionID: "s", Resumed: true},
		&Error{Reason: "idle-timeout"},
	}

	for _, m := range msgs {
		t.Run(string(m.Kind()), func(t *testing.T) {
			data, err := Encode(m)
			if err != nil {
				t.Fatalf("Encode failed: %v", err)
			}
			got, err := DecodeControl(data)
			if err != nil {
				t.Fatalf("DecodeControl failed: %v", err)
			}
			if got.Kind() != m.Kind() {
				t.Errorf("Expected kind %s, got %s", m.Kind(), got.Kind())
			}
		})
	}
}

// TestDecodeSeparatesChannels tests that each sub-channel has its own closed set
func TestDecodeSeparatesChannels(t *testing.T) {
	data, err := Encode(&Tombstone{Seq: 1, Path: "a.txt"})
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	if _, err := DecodeControl(data); !errors.Is(err, ErrUnknownKind) {
		t.Errorf("Expected ErrUnknownKind on control, got %v", err)
	}

	msg, err := DecodeSync(data)
	if err != nil {
		t.Fatalf("DecodeSync failed: %v", err)
	}
	ts, ok := msg.(*Tombstone)
	if !ok {
		t.Fatalf("Expected *Tombstone, got %T", msg)
	}
	if ts.Path != "a.txt" || ts.RecordSeq() != 1 {
		t.Errorf("Unexpected tombstone %+v", ts)
	}

	ack, err := Encode(&SyncAck{Seq: 4, Status: AckNeedFull})
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	msg, err = DecodeSync(ack)
	if err != nil {
		t.Fatalf("DecodeSync failed: %v", err)
	}
	if a, ok := msg.(*SyncAck); !ok || a.Status != AckNeedFull {
		t.Errorf("Expected need-full SyncAck, got %#v", msg)
	}
}

// TestFileRecordChunks tests that chunk references keep inline data only where set
func TestFileRecordChunks(t *testing.T) {
	in := &File{
		Seq:      9,
		Path:     "big.bin",
		Encoding: EncodingChunks,
		Chunks: []ChunkRef{
			{Hash: "aa", Size: 3, Data: []byte("abc")},
			{Hash: "bb", Size: 5},
		},
	}
	data, err := Encode(in)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	msg, err := DecodeSync(data)
	if err != nil {
		t.Fatalf("DecodeSync failed: %v", err)
	}
	out := msg.(*File)
	if len(out.Chunks) != 2 {
		t.Fatalf("Expected 2 chunks, got %d", len(out.Chunks))
	}
	if string(out.Chunks[0].Data) != "abc" {
		t.Errorf("Expected inline data abc, got %q", out.Chunks[0].Data)
	}
	if out.Chunks[1].Data != nil {
		t.Errorf("Expected no inline data, got %q", out.Chunks[1].Data)
	}
	if RecordPath(out) != "big.bin" {
		t.Errorf("Expected path big.bin, got %q", RecordPath(out))
	}
}

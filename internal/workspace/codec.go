package workspace

import (
	"errors"
	"fmt"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"

	"github.com/remote-agent-terminal/wsterm/internal/protocol"
)

// Encoders are safe for concurrent use and expensive to create.
var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("workspace: zstd encoder: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("workspace: zstd decoder: " + err.Error())
	}
}

// errIncompressible means the encoded form would not be smaller.
var errIncompressible = errors.New("data is incompressible")

// Encode compresses data with the best fitting encoding: zstd when it
// shrinks data by at least a third, lz4 for smaller gains, raw otherwise.
func Encode(data []byte) ([]byte, protocol.Encoding) {
	if len(data) < 64 {
		return data, protocol.EncodingRaw
	}
	compressed := zstdEncoder.EncodeAll(data, nil)
	ratio := float64(len(data)) / float64(len(compressed))
	switch {
	case ratio >= 1.5:
		return compressed, protocol.EncodingZstd
	case ratio >= 1.1:
		if out, err := compressLZ4(data); err == nil {
			return out, protocol.EncodingLZ4
		}
		return compressed, protocol.EncodingZstd
	default:
		return data, protocol.EncodingRaw
	}
}

// Decode reverses Encode. size is the decoded length and is verified.
func Decode(data []byte, enc protocol.Encoding, size int) ([]byte, error) {
	switch enc {
	case protocol.EncodingRaw, "":
		if len(data) != size {
			return nil, fmt.Errorf("raw content: size %d does not match %d", len(data), size)
		}
		return data, nil
	case protocol.EncodingZstd:
		out, err := zstdDecoder.DecodeAll(data, make([]byte, 0, size))
		if err != nil {
			return nil, fmt.Errorf("zstd decode: %w", err)
		}
		if len(out) != size {
			return nil, fmt.Errorf("zstd decode: got %d bytes, expected %d", len(out), size)
		}
		return out, nil
	case protocol.EncodingLZ4:
		out := make([]byte, size)
		n, err := lz4.UncompressBlock(data, out)
		if err != nil {
			return nil, fmt.Errorf("lz4 decode: %w", err)
		}
		if n != size {
			return nil, fmt.Errorf("lz4 decode: got %d bytes, expected %d", n, size)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported encoding %q", enc)
	}
}

func compressLZ4(data []byte) ([]byte, error) {
	out := make([]byte, lz4.CompressBlockBound(len(data)))
	n, err := lz4.CompressBlock(data, out, nil)
	if err != nil {
		return nil, fmt.Errorf("lz4 encode: %w", err)
	}
	if n == 0 || n >= len(data) {
		return nil, errIncompressible
	}
	return out[:n], nil
}

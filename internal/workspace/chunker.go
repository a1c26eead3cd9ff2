package workspace

// Content-defined chunking parameters. Both ends must agree on them:
// the consumer re-chunks its copy of a file to find the chunks a delta
// refers to.
const (
	MinChunkSize    = 8 * 1024
	TargetChunkSize = 64 * 1024
	MaxChunkSize    = 128 * 1024
)

// boundaryMask has 16 high bits set, so a boundary occurs with
// probability 1/65536 per byte.
const boundaryMask uint64 = 0xFFFF000000000000

// skipBytes cannot produce a boundary: they precede MinChunkSize by more
// than the 64-byte window of the gear hash.
const skipBytes = MinChunkSize - 64 - 1

var gearTable [256]uint64

func init() {
	// splitmix64 from a fixed seed; the table is part of the protocol.
	state := uint64(0x77737465726d2121)
	for i := range gearTable {
		state += 0x9E3779B97F4A7C15
		z := state
		z = (z ^ (z >> 30)) * 0xBF58476D1CE4E5B9
		z = (z ^ (z >> 27)) * 0x94D049BB133111EB
		gearTable[i] = z ^ (z >> 31)
	}
}

// Chunk is a slice of the input with its chunk hash.
type Chunk struct {
	Offset int
	Data   []byte
	Hash   string
}

// Split cuts data into content-defined chunks. Chunk data aliases data.
func Split(data []byte) []Chunk {
	var chunks []Chunk
	for pos := 0; pos < len(data); {
		n := boundary(data[pos:])
		chunks = append(chunks, Chunk{Offset: pos, Data: data[pos : pos+n], Hash: HashChunk(data[pos : pos+n])})
		pos += n
	}
	return chunks
}

// boundary returns the length of the first chunk of data.
func boundary(data []byte) int {
	if len(data) <= MaxChunkSize {
		return len(data)
	}

	var hash uint64
	for pos := skipBytes; pos < MaxChunkSize; {
		hash = (hash << 1) + gearTable[data[pos]]
		pos++
		if pos >= MinChunkSize && hash&boundaryMask == 0 {
			return pos
		}
	}
	return MaxChunkSize
}

package workspace

import (
	"encoding/hex"
	"io"
	"os"

	"github.com/zeebo/blake3"
)

type domainKey [32]byte

// Domain keys keep file and chunk hashes of the same bytes distinct.
var (
	fileDomainKey = domainKey{
		'w', 's', 't', 'e', 'r', 'm', '.', 's', 'y', 'n', 'c', '.', 'f', 'i', 'l', 'e',
	}
	chunkDomainKey = domainKey{
		'w', 's', 't', 'e', 'r', 'm', '.', 's', 'y', 'n', 'c', '.', 'c', 'h', 'u', 'n', 'k',
	}
	idDomainKey = domainKey{
		'w', 's', 't', 'e', 'r', 'm', '.', 'w', 'o', 'r', 'k', 's', 'p', 'a', 'c', 'e',
	}
)

func newHasher(key domainKey) *blake3.Hasher {
	h, err := blake3.NewKeyed(key[:])
	if err != nil {
		// Only a key of the wrong length fails, and domainKey is fixed size.
		panic("workspace: blake3 keyed hasher: " + err.Error())
	}
	return h
}

// HashBytes returns the hex file hash of data.
func HashBytes(data []byte) string {
	h := newHasher(fileDomainKey)
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// HashChunk returns the hex chunk hash of data.
func HashChunk(data []byte) string {
	h := newHasher(chunkDomainKey)
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// HashFile streams the file at path and returns its file hash and size.
func HashFile(path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()

	h := newHasher(fileDomainKey)
	n, err := io.Copy(h, f)
	if err != nil {
		return "", 0, err
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}

package crypto

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
)

// ChunkSize is the size of the reads Digest issues against its source
const ChunkSize = 64 * 1024

// ErrIO reports that a byte source could not be read to the end
var ErrIO = fmt.Errorf("io error")

// Digest computes the SHA256 of everything r yields, reading ChunkSize bytes
// at a time. A read failure aborts the whole digest.
func Digest(r io.Reader) (string, error) {
	h := sha256.New()
	buf := make([]byte, ChunkSize)

	for {
		n, err := r.Read(buf)
		if n > 0 {
			h.Write(buf[:n])
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", fmt.Errorf("%w: %w", ErrIO, err)
		}
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}

// DigestFile digests the file at path
func DigestFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrIO, err)
	}
	defer f.Close()

	return Digest(f)
}

// DigestBytes digests an in-memory payload
func DigestBytes(b []byte) string {
	return hex.EncodeToString(Hash(b))
}

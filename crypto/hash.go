package crypto

import (
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"strings"
)

// HashSize is the length in bytes of every digest produced by Hash
const HashSize = sha256.Size

// ErrUnsupportedAlgorithm is returned by HashString for unknown algorithm names
var ErrUnsupportedAlgorithm = fmt.Errorf("unsupported algorithm")

// Hash hashes bytes by SHA256
func Hash(value []byte) []byte {
	hash := sha256.Sum256(value)
	return hash[:]
}

// HashNodes hashes two nodes into one
func HashNodes(left []byte, right []byte) []byte {
	buf := make([]byte, 0, len(left)+len(right))
	buf = append(buf, left...)
	return Hash(append(buf, right...))
}

// HashString hashes data with the named algorithm (sha256, sha1 or md5) and
// returns the lowercase hex digest.
func HashString(algorithm, data string) (string, error) {
	var h hash.Hash
	switch strings.ToLower(algorithm) {
	case "sha256", "":
		h = sha256.New()
	case "sha1":
		h = sha1.New()
	case "md5":
		h = md5.New()
	default:
		return "", fmt.Errorf("%w: %s", ErrUnsupportedAlgorithm, algorithm)
	}

	h.Write([]byte(data))
	return hex.EncodeToString(h.Sum(nil)), nil
}

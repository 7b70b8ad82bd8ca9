// Package merkle verifies inclusion proofs against a claimed Merkle root.
//
// A proof is the ordered list of sibling hashes met on the way from a leaf up
// to the root. Each step records whether the sibling is the left or the right
// operand when the two nodes are hashed together.
package merkle

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/frankonly/auditchain/crypto"
)

// ErrInvalidProof reports a proof that is malformed, as opposed to a
// well-formed proof that does not match its root.
var ErrInvalidProof = fmt.Errorf("invalid proof")

// Side tells on which side of the running hash a sibling sits
type Side uint8

const (
	sideUnset Side = iota
	Left
	Right
)

func (s Side) String() string {
	switch s {
	case Left:
		return "left"
	case Right:
		return "right"
	default:
		return fmt.Sprintf("side(%d)", uint8(s))
	}
}

// ParseSide parses "left" or "right", ignoring case
func ParseSide(s string) (Side, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "left", "l":
		return Left, nil
	case "right", "r":
		return Right, nil
	default:
		return sideUnset, fmt.Errorf("%w: unknown side %q", ErrInvalidProof, s)
	}
}

// MarshalText implements encoding.TextMarshaler
func (s Side) MarshalText() ([]byte, error) {
	if s != Left && s != Right {
		return nil, fmt.Errorf("%w: unknown side %d", ErrInvalidProof, uint8(s))
	}
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (s *Side) UnmarshalText(text []byte) error {
	side, err := ParseSide(string(text))
	if err != nil {
		return err
	}
	*s = side
	return nil
}

// Step is one level of an inclusion proof
type Step struct {
	Hash []byte
	Side Side
}

// VerifyInclusion checks that leaf is included under root. The running hash
// starts at Hash(leaf); a left sibling is hashed as Hash(sibling ++ current)
// and a right sibling as Hash(current ++ sibling).
//
// An empty path succeeds only when Hash(leaf) is the root itself.
func VerifyInclusion(leaf []byte, path []Step, root []byte) (bool, error) {
	if len(root) != crypto.HashSize {
		return false, fmt.Errorf("%w: root is %d bytes, want %d", ErrInvalidProof, len(root), crypto.HashSize)
	}

	current := crypto.Hash(leaf)
	for i, step := range path {
		if len(step.Hash) != crypto.HashSize {
			return false, fmt.Errorf("%w: step %d hash is %d bytes, want %d", ErrInvalidProof, i, len(step.Hash), crypto.HashSize)
		}

		switch step.Side {
		case Left:
			current = crypto.HashNodes(step.Hash, current)
		case Right:
			current = crypto.HashNodes(current, step.Hash)
		default:
			return false, fmt.Errorf("%w: step %d has %s", ErrInvalidProof, i, step.Side)
		}
	}

	return bytes.Equal(current, root), nil
}

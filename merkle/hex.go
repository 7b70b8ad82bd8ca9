package merkle

import (
	"encoding/hex"
	"fmt"
)

// HexStep is the transport form of a Step
type HexStep struct {
	Hash string `json:"hash"`
	Side string `json:"side"`
}

// EncodeHexPath converts a proof path to its transport form
func EncodeHexPath(path []Step) []HexStep {
	steps := make([]HexStep, len(path))
	for i, step := range path {
		steps[i] = HexStep{Hash: hex.EncodeToString(step.Hash), Side: step.Side.String()}
	}
	return steps
}

// DecodeHexPath converts transport steps back into a proof path
func DecodeHexPath(steps []HexStep) ([]Step, error) {
	path := make([]Step, len(steps))
	for i, step := range steps {
		hash, err := hex.DecodeString(step.Hash)
		if err != nil {
			return nil, fmt.Errorf("%w: step %d: %v", ErrInvalidProof, i, err)
		}

		side, err := ParseSide(step.Side)
		if err != nil {
			return nil, fmt.Errorf("step %d: %w", i, err)
		}

		path[i] = Step{Hash: hash, Side: side}
	}
	return path, nil
}

// VerifyHex is VerifyInclusion for hex encoded proof hashes. The leaf is
// taken as raw bytes, the same way VerifyInclusion takes it.
func VerifyHex(leaf []byte, steps []HexStep, rootHex string) (bool, error) {
	path, err := DecodeHexPath(steps)
	if err != nil {
		return false, err
	}

	root, err := hex.DecodeString(rootHex)
	if err != nil {
		return false, fmt.Errorf("%w: root: %v", ErrInvalidProof, err)
	}

	return VerifyInclusion(leaf, path, root)
}

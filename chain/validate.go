package chain

import (
	"context"
	"fmt"
	"time"
)

// checkEvery is how many blocks Validate walks between deadline checks
const checkEvery = 1024

// Violation names the rule the first invalid block broke
type Violation string

const (
	ViolationGenesis   Violation = "genesis"
	ViolationIndex     Violation = "index"
	ViolationOperation Violation = "operation"
	ViolationHash      Violation = "hash"
	ViolationLink      Violation = "link"
	ViolationTimestamp Violation = "timestamp"
)

// Report is the outcome of Validate. InvalidIndex is nil for a valid chain.
type Report struct {
	Valid        bool      `json:"valid"`
	InvalidIndex *uint64   `json:"invalid_block"`
	Violation    Violation `json:"violation,omitempty"`
	Blocks       int       `json:"blocks"`
}

func validReport(n int) Report {
	return Report{Valid: true, Blocks: n}
}

func invalidReport(n int, index uint64, v Violation) Report {
	return Report{Valid: false, InvalidIndex: &index, Violation: v, Blocks: n}
}

type validateConfig struct {
	skew    time.Duration
	timeout time.Duration
}

// ValidateOption tunes Validate
type ValidateOption func(*validateConfig)

// WithClockSkewTolerance accepts a block whose timestamp is at most d before
// its predecessor's.
func WithClockSkewTolerance(d time.Duration) ValidateOption {
	return func(c *validateConfig) {
		if d > 0 {
			c.skew = d
		}
	}
}

// WithTimeout bounds the wall-clock time of a single Validate call
func WithTimeout(d time.Duration) ValidateOption {
	return func(c *validateConfig) {
		c.timeout = d
	}
}

// Validate walks blocks in order and reports the first block that breaks the
// chain. Integrity failures are part of the Report; the error is only set
// when the walk itself was cut short by ctx or the timeout.
func Validate(ctx context.Context, blocks []Block, opts ...ValidateOption) (Report, error) {
	var cfg validateConfig
	for _, opt := range opts {
		opt(&cfg)
	}

	if cfg.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.timeout)
		defer cancel()
	}

	n := len(blocks)
	if n == 0 {
		return invalidReport(0, 0, ViolationGenesis), nil
	}

	genesis := blocks[0]
	if genesis.Index != 0 || genesis.PreviousHash != Sentinel || genesis.Operation != OpGenesis {
		return invalidReport(n, 0, ViolationGenesis), nil
	}

	var prevHash string
	for i, b := range blocks {
		if i%checkEvery == checkEvery-1 {
			if err := ctx.Err(); err != nil {
				return Report{}, fmt.Errorf("%w after %d blocks: %v", ErrValidationTimeout, i, err)
			}
		}

		pos := uint64(i)
		if b.Index != pos {
			return invalidReport(n, pos, ViolationIndex), nil
		}
		if !b.Operation.Known() || (i > 0 && b.Operation == OpGenesis) {
			return invalidReport(n, pos, ViolationOperation), nil
		}

		expected := HeaderHash(b)
		if expected != b.Hash {
			return invalidReport(n, pos, ViolationHash), nil
		}

		if i > 0 {
			prev := blocks[i-1]
			if b.PreviousHash != prevHash {
				return invalidReport(n, pos, ViolationLink), nil
			}
			if b.Timestamp.Before(prev.Timestamp.Add(-cfg.skew)) {
				return invalidReport(n, pos, ViolationTimestamp), nil
			}
		}

		prevHash = expected
	}

	return validReport(n), nil
}

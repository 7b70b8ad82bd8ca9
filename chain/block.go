// Package chain implements the tamper-evident hash-chain audit log.
//
// Every Block records one operation and carries the hash of its predecessor,
// starting from a genesis block whose previous hash is Sentinel. HeaderHash is
// the only place the canonical block encoding is defined; the append path and
// Validate both go through it.
package chain

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"
)

// Sentinel is the previous hash of the genesis block
const Sentinel = "0000000000000000000000000000000000000000000000000000000000000000"

// Operation names the action a block records
type Operation uint8

const (
	OpUnknown Operation = iota
	OpGenesis
	OpHash
	OpVerify
)

var operationNames = [...]string{
	OpUnknown: "unknown",
	OpGenesis: "genesis",
	OpHash:    "hash",
	OpVerify:  "verify",
}

func (o Operation) String() string {
	if int(o) < len(operationNames) {
		return operationNames[o]
	}
	return operationNames[OpUnknown]
}

// Known reports whether o is one of the defined operations
func (o Operation) Known() bool {
	return o > OpUnknown && int(o) < len(operationNames)
}

// Appendable reports whether callers may append blocks with o
func (o Operation) Appendable() bool {
	return o == OpHash || o == OpVerify
}

// ParseOperation parses an operation tag, ignoring case. The tags used by
// older logs ("VERIFICATION") are accepted as aliases.
func ParseOperation(s string) (Operation, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "genesis":
		return OpGenesis, nil
	case "hash":
		return OpHash, nil
	case "verify", "verification":
		return OpVerify, nil
	default:
		return OpUnknown, fmt.Errorf("%w: %q", ErrInvalidOperation, s)
	}
}

// MarshalText implements encoding.TextMarshaler
func (o Operation) MarshalText() ([]byte, error) {
	return []byte(o.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler. Unrecognised tags decode
// to OpUnknown so a stored log can still be loaded and then fail validation.
func (o *Operation) UnmarshalText(text []byte) error {
	op, err := ParseOperation(string(text))
	if err != nil {
		op = OpUnknown
	}
	*o = op
	return nil
}

// Clock supplies block timestamps
type Clock func() time.Time

// SystemClock is the wall clock in UTC
func SystemClock() time.Time {
	return time.Now().UTC()
}

// Block is one entry of the log
type Block struct {
	Index        uint64    `json:"index"`
	PreviousHash string    `json:"previous_hash"`
	Timestamp    time.Time `json:"timestamp"`
	Operation    Operation `json:"operation"`
	Filename     string    `json:"filename"`
	Result       string    `json:"result"`
	Hash         string    `json:"hash"`
}

// NewBlock builds a block stamped with clock and seals it with HeaderHash
func NewBlock(index uint64, previousHash string, op Operation, filename, result string, clock Clock) Block {
	return newBlockAt(index, previousHash, op, filename, result, clock())
}

// GenesisBlock builds the first block of every chain
func GenesisBlock(clock Clock) Block {
	return NewBlock(0, Sentinel, OpGenesis, "", "", clock)
}

func newBlockAt(index uint64, previousHash string, op Operation, filename, result string, ts time.Time) Block {
	b := Block{
		Index:        index,
		PreviousHash: previousHash,
		Timestamp:    ts.UTC(),
		Operation:    op,
		Filename:     filename,
		Result:       result,
	}
	b.Hash = HeaderHash(b)

	return b
}

// HeaderHash computes the SHA256 of the canonical header of b, ignoring
// b.Hash. The header is
//
//	<index>|<n>:<previous_hash>|<n>:<timestamp>|<n>:<operation>|<n>:<filename>|<n>:<result>
//
// where index is decimal, timestamp is RFC 3339 with nanoseconds in UTC and
// each <n> is the byte length of the field after it.
func HeaderHash(b Block) string {
	h := sha256.New()

	io.WriteString(h, strconv.FormatUint(b.Index, 10))
	for _, field := range []string{
		b.PreviousHash,
		b.Timestamp.UTC().Format(time.RFC3339Nano),
		b.Operation.String(),
		b.Filename,
		b.Result,
	} {
		fmt.Fprintf(h, "|%d:%s", len(field), field)
	}

	return hex.EncodeToString(h.Sum(nil))
}

// Sealed reports whether b.Hash matches its header
func (b Block) Sealed() bool {
	return b.Hash == HeaderHash(b)
}

package storage

import (
	"fmt"

	"github.com/syndtr/goleveldb/leveldb"

	"github.com/frankonly/auditchain/merkle"
)

var (
	ErrOutOfRange = fmt.Errorf("out of range")
	ErrNotFound   = fmt.Errorf("not found")
	ErrEmpty      = fmt.Errorf("empty")
	ErrCorrupt    = fmt.Errorf("corrupt")
)

// Proof is an inclusion proof for one leaf of a MerkleAccumulator
type Proof struct {
	Leaf []byte
	Path []merkle.Step
	Root []byte
}

// MerkleAccumulator is an append-only Merkle tree that can prove its leaves
type MerkleAccumulator interface {
	Append([]byte) (uint64, error)
	Stage(*leveldb.Batch, []byte) (uint64, func(), error)
	Get(uint64) ([]byte, error)
	Search([]byte) (uint64, error)
	Digest() ([]byte, error)
	GetProof(uint64) (*Proof, error)
	Len() uint64
	Close() error
}

var _ MerkleAccumulator = (*MerkleTreeStreaming)(nil)

type KvStore interface {
	Get(key []byte) ([]byte, error)
	Put(key, value []byte) error
	Delete(key []byte) error
	Write(batch *leveldb.Batch) error
	Iterate(prefix []byte, fn func(key, value []byte) error) error
	Close() error
}

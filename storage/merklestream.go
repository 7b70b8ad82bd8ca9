package storage

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/syndtr/goleveldb/leveldb"

	"github.com/frankonly/auditchain/crypto"
	"github.com/frankonly/auditchain/merkle"
)

// HashPlaceholder pads the right side of an incomplete subtree
const HashPlaceholder = "merkle placeholder"

// MerkleTreeStreaming is an append-only binary Merkle tree whose nodes are
// stored by postorder position, so every append only writes new keys.
type MerkleTreeStreaming struct {
	db              KvStore
	root            InorderIndex
	rootHash        []byte
	lastHash        []byte
	next            uint64
	leftSiblings    [maxLevel + 1][]byte
	isRootValid     bool
	placeholderHash []byte
}

func NewMerkleTreeStreaming(db KvStore) (*MerkleTreeStreaming, error) {
	stream := &MerkleTreeStreaming{db: db}
	stream.placeholderHash = crypto.Hash([]byte(HashPlaceholder))

	res, err := db.Get(sizeKey())
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			return nil, err
		}

		res = encodeUint64(0)
	}

	stream.next, err = DecodeUint64(res)
	if err != nil {
		return nil, err
	}

	if stream.next == 0 {
		if err := db.Put(sizeKeyValue(0)); err != nil {
			return nil, err
		}

		return stream, nil
	}

	index := FromPostorder(stream.next - 1)

	hash, err := db.Get(merkleKey(index.Postorder()))
	if err != nil {
		return nil, fmt.Errorf("%w: node %d: %v", ErrCorrupt, index.Postorder(), err)
	}

	// recover parents lost after their right child was written
	for index.IsRightChild() {
		sibling := index.Sibling()
		siblingHash, err := db.Get(merkleKey(sibling.Postorder()))
		if err != nil {
			return nil, fmt.Errorf("%w: node %d: %v", ErrCorrupt, sibling.Postorder(), err)
		}

		hash = crypto.HashNodes(siblingHash, hash)
		index = index.Parent()

		if err := db.Put(merkleKey(index.Postorder()), hash); err != nil {
			return nil, err
		}

		stream.next++
	}
	stream.lastHash = hash

	if err := db.Put(sizeKeyValue(stream.next)); err != nil {
		return nil, err
	}

	// rebuild left siblings
	lastLeaf := index.RightMostChild()
	rootLevel := RootLevelFromLeafIndex(lastLeaf.LeafIndexOnLevel())

	for index.Level() <= rootLevel {
		if index.Postorder() < stream.next {
			// frozen node here must be left child
			hash, err := db.Get(merkleKey(index.Postorder()))
			if err != nil {
				return nil, err
			}

			stream.leftSiblings[index.Level()] = hash
		} else if index.IsRightChild() {
			// left sibling here must be frozen node
			sibling := index.Sibling()
			hash, err := db.Get(merkleKey(sibling.Postorder()))
			if err != nil {
				return nil, err
			}

			stream.leftSiblings[sibling.Level()] = hash
		}

		index = index.Parent()
	}

	if _, err := stream.Digest(); err != nil {
		return nil, err
	}

	return stream, nil
}

// Len returns the number of leaves
func (s *MerkleTreeStreaming) Len() uint64 {
	if s.next == 0 {
		return 0
	}

	return FromPostorder(s.next-1).RightMostChild().LeafIndexOnLevel() + 1
}

func (s *MerkleTreeStreaming) Get(id uint64) ([]byte, error) {
	index := FromLeafIndex(id)
	if index.Postorder() >= s.next {
		return nil, fmt.Errorf("%w: %d", ErrOutOfRange, id)
	}

	return s.db.Get(merkleKey(index.Postorder()))
}

// Search returns the id of the newest leaf equal to hash
func (s *MerkleTreeStreaming) Search(hash []byte) (uint64, error) {
	value, err := s.db.Get(leafKey(hash))
	if err != nil {
		return 0, err
	}

	id, err := DecodeUint64(value)
	if err != nil {
		return 0, err
	}

	// index entries can outlive their leaf when a torn write was rolled back
	if FromLeafIndex(id).Postorder() >= s.next {
		return 0, fmt.Errorf("%w: %x", ErrNotFound, hash)
	}

	leaf, err := s.db.Get(merkleKey(FromLeafIndex(id).Postorder()))
	if err != nil {
		return 0, err
	}
	if !bytes.Equal(leaf, hash) {
		return 0, fmt.Errorf("%w: %x", ErrNotFound, hash)
	}

	return id, nil
}

// Append writes hash as the next leaf
func (s *MerkleTreeStreaming) Append(hash []byte) (uint64, error) {
	batch := new(leveldb.Batch)

	id, undo, err := s.Stage(batch, hash)
	if err != nil {
		return 0, err
	}

	if err := s.db.Write(batch); err != nil {
		undo()
		return 0, err
	}

	return id, nil
}

// Stage records hash as the next leaf into batch and advances the tree as if
// batch had been written. Callers that fail to write batch must call undo.
func (s *MerkleTreeStreaming) Stage(batch *leveldb.Batch, hash []byte) (uint64, func(), error) {
	index := FromPostorder(s.next)
	if !index.IsLeaf() {
		return 0, nil, fmt.Errorf("%w: position %d for writing is not a leaf", ErrCorrupt, s.next)
	}

	saved := *s
	undo := func() { *s = saved }

	s.isRootValid = false
	id := index.LeafIndexOnLevel()
	batch.Put(leafKeyValue(hash, id))

	for i := range s.leftSiblings {
		batch.Put(merkleKey(index.Postorder()), hash)
		s.next++

		if index.IsLeftChild() {
			s.leftSiblings[i] = hash
			s.lastHash = hash
			if s.next == 1 || s.root.Parent() == index {
				s.root = index
				s.rootHash = hash
				s.isRootValid = true
			}
			break
		}

		index = index.Parent()
		hash = crypto.HashNodes(s.leftSiblings[i], hash)
	}

	batch.Put(sizeKeyValue(s.next))

	return id, undo, nil
}

// Digest returns the root hash
func (s *MerkleTreeStreaming) Digest() ([]byte, error) {
	if s.next == 0 {
		return nil, ErrEmpty
	}

	if !s.isRootValid {
		index := FromPostorder(s.next - 1)
		hash := s.lastHash

		for index.LeftMostChild() != 0 {
			if index.IsLeftChild() {
				hash = crypto.HashNodes(hash, s.placeholderHash)
			} else {
				hash = crypto.HashNodes(s.leftSiblings[index.Level()], hash)
			}

			index = index.Parent()
		}

		s.root = index
		s.rootHash = hash
		s.isRootValid = true
	}

	return s.rootHash, nil
}

// GetProof returns the inclusion proof of leaf id under the current root
func (s *MerkleTreeStreaming) GetProof(id uint64) (*Proof, error) {
	index := FromLeafIndex(id)
	if index.Postorder() >= s.next {
		return nil, fmt.Errorf("%w: %d", ErrOutOfRange, id)
	}

	rootHash, err := s.Digest()
	if err != nil {
		return nil, err
	}

	leaf, err := s.db.Get(merkleKey(index.Postorder()))
	if err != nil {
		return nil, err
	}

	rootLevel := s.root.Level()
	proof := &Proof{Leaf: leaf, Root: rootHash, Path: make([]merkle.Step, 0, rootLevel)}

	for index.Level() < rootLevel {
		sibling := index.Sibling()
		siblingHash, err := s.getCurrentHash(sibling)
		if err != nil {
			return nil, fmt.Errorf("failed to generate hash path: %w", err)
		}

		side := merkle.Left
		if index.IsLeftChild() {
			side = merkle.Right
		}

		proof.Path = append(proof.Path, merkle.Step{Hash: siblingHash, Side: side})
		index = index.Parent()
	}

	return proof, nil
}

func (s *MerkleTreeStreaming) Close() error {
	return s.db.Close()
}

func (s *MerkleTreeStreaming) getCurrentHash(index InorderIndex) ([]byte, error) {
	if index.Postorder() < s.next {
		return s.db.Get(merkleKey(index.Postorder()))
	}

	if index.LeftMostChild().Postorder() >= s.next {
		return s.placeholderHash, nil
	}

	leftChild, err := index.LeftChild()
	if err != nil {
		return nil, err
	}

	rightChild, err := index.RightChild()
	if err != nil {
		return nil, err
	}

	leftHash, err := s.getCurrentHash(leftChild)
	if err != nil {
		return nil, err
	}

	rightHash, err := s.getCurrentHash(rightChild)
	if err != nil {
		return nil, err
	}

	return crypto.HashNodes(leftHash, rightHash), nil
}

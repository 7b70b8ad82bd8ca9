package chain

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/syndtr/goleveldb/leveldb"
	"go.uber.org/zap"

	"github.com/frankonly/auditchain/crypto"
	"github.com/frankonly/auditchain/merkle"
	"github.com/frankonly/auditchain/storage"
)

var (
	ErrStorage           = fmt.Errorf("storage error")
	ErrInvalidOperation  = fmt.Errorf("invalid operation")
	ErrValidationTimeout = fmt.Errorf("validation timed out")
	ErrClosed            = fmt.Errorf("store closed")
)

// Option configures a Store
type Option func(*Store)

// WithClock sets the clock that stamps appended blocks
func WithClock(clock Clock) Option {
	return func(s *Store) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// WithLogger sets the logger, zap.NewNop by default
func WithLogger(logger *zap.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithValidateOptions sets the options Store.Validate runs with
func WithValidateOptions(opts ...ValidateOption) Option {
	return func(s *Store) {
		s.validateOpts = append(s.validateOpts, opts...)
	}
}

// InclusionProof shows that the block at Index is a leaf of the Merkle tree
// with the given Root. Leaf is the block hash.
type InclusionProof struct {
	Index uint64
	Leaf  string
	Path  []merkle.Step
	Root  string
}

// Verify checks the proof with merkle.VerifyInclusion
func (p InclusionProof) Verify() (bool, error) {
	root, err := hex.DecodeString(p.Root)
	if err != nil {
		return false, fmt.Errorf("%w: root: %v", merkle.ErrInvalidProof, err)
	}

	return merkle.VerifyInclusion([]byte(p.Leaf), p.Path, root)
}

// Store is the append-only chain. Blocks are persisted in a KvStore and a
// Merkle tree over their hashes is kept alongside in the same store.
type Store struct {
	mu           sync.RWMutex
	kv           storage.KvStore
	tree         *storage.MerkleTreeStreaming
	blocks       []Block
	clock        Clock
	logger       *zap.Logger
	validateOpts []ValidateOption
	closed       bool
}

// OpenDir opens a chain persisted in the leveldb directory at path
func OpenDir(path string, opts ...Option) (*Store, error) {
	kv, err := storage.NewLevelDB(path)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", ErrStorage, path, err)
	}

	s, err := Open(kv, opts...)
	if err != nil {
		kv.Close()
		return nil, err
	}

	return s, nil
}

// OpenMemory opens an empty chain that lives only in memory
func OpenMemory(opts ...Option) (*Store, error) {
	kv, err := storage.NewMemLevelDB()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorage, err)
	}

	s, err := Open(kv, opts...)
	if err != nil {
		kv.Close()
		return nil, err
	}

	return s, nil
}

// Open loads the chain held by kv, seeding it with a genesis block when kv is
// empty. The Store takes ownership of kv and closes it on Close.
func Open(kv storage.KvStore, opts ...Option) (*Store, error) {
	s := &Store{
		kv:     kv,
		clock:  SystemClock,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}

	tree, err := storage.NewMerkleTreeStreaming(kv)
	if err != nil {
		return nil, fmt.Errorf("%w: merkle tree: %v", ErrStorage, err)
	}
	s.tree = tree

	if err := s.load(); err != nil {
		return nil, err
	}

	if len(s.blocks) == 0 {
		genesis := GenesisBlock(s.clock)
		if err := s.persist(genesis); err != nil {
			return nil, err
		}
		s.logger.Info("chain initialised", zap.String("genesis", genesis.Hash))
	} else {
		s.logger.Info("chain loaded", zap.Int("blocks", len(s.blocks)), zap.String("tail", s.tailLocked().Hash))
	}

	return s, nil
}

func (s *Store) load() error {
	var blocks []Block
	err := s.kv.Iterate(storage.BlockPrefix(), func(key, value []byte) error {
		index, err := storage.BlockIndexFromKey(key)
		if err != nil {
			return err
		}

		var b Block
		if err := json.Unmarshal(value, &b); err != nil {
			return fmt.Errorf("%w: block %d: %v", storage.ErrCorrupt, index, err)
		}

		blocks = append(blocks, b)
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: load blocks: %v", ErrStorage, err)
	}

	value, err := s.kv.Get(storage.TailKey())
	switch {
	case errors.Is(err, storage.ErrNotFound):
		if len(blocks) != 0 {
			return fmt.Errorf("%w: %d blocks without a tail pointer", ErrStorage, len(blocks))
		}
	case err != nil:
		return fmt.Errorf("%w: read tail: %v", ErrStorage, err)
	default:
		tail, err := storage.DecodeUint64(value)
		if err != nil {
			return fmt.Errorf("%w: tail pointer: %v", ErrStorage, err)
		}
		if len(blocks) == 0 || tail != uint64(len(blocks)-1) {
			return fmt.Errorf("%w: tail pointer %d with %d blocks", ErrStorage, tail, len(blocks))
		}
	}

	if n := s.tree.Len(); n != uint64(len(blocks)) {
		return fmt.Errorf("%w: merkle tree has %d leaves for %d blocks", ErrStorage, n, len(blocks))
	}

	if n := len(blocks); n > 0 {
		leaf, err := s.tree.Get(uint64(n - 1))
		if err != nil {
			return fmt.Errorf("%w: merkle leaf %d: %v", ErrStorage, n-1, err)
		}
		if !bytes.Equal(leaf, leafHash(blocks[n-1].Hash)) {
			return fmt.Errorf("%w: merkle leaf %d does not match block %s", ErrStorage, n-1, blocks[n-1].Hash)
		}
	}

	s.blocks = blocks
	return nil
}

// persist writes b with its index entries and Merkle leaf in one batch, then
// publishes it. Callers hold the write lock.
func (s *Store) persist(b Block) error {
	record, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("%w: encode block %d: %v", ErrStorage, b.Index, err)
	}

	batch := new(leveldb.Batch)
	batch.Put(storage.BlockKey(b.Index), record)
	batch.Put(storage.TailKey(), storage.EncodeUint64(b.Index))

	if _, undo, err := s.tree.Stage(batch, leafHash(b.Hash)); err != nil {
		return fmt.Errorf("%w: stage merkle leaf: %v", ErrStorage, err)
	} else if err := s.kv.Write(batch); err != nil {
		undo()
		return fmt.Errorf("%w: write block %d: %v", ErrStorage, b.Index, err)
	}

	// keep the cached root valid so readers under the read lock never mutate the tree
	if _, err := s.tree.Digest(); err != nil {
		return fmt.Errorf("%w: merkle root: %v", ErrStorage, err)
	}

	s.blocks = append(s.blocks, b)
	return nil
}

// leafHash is the Merkle leaf recorded for a block hash
func leafHash(blockHash string) []byte {
	return crypto.Hash([]byte(blockHash))
}

// Append adds a block recording op on filename with result and returns it
func (s *Store) Append(ctx context.Context, op Operation, filename, result string) (Block, error) {
	if !op.Appendable() {
		return Block{}, fmt.Errorf("%w: cannot append %s", ErrInvalidOperation, op)
	}
	if err := ctx.Err(); err != nil {
		return Block{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return Block{}, ErrClosed
	}

	tail := s.tailLocked()
	ts := s.clock()
	if ts.Before(tail.Timestamp) {
		ts = tail.Timestamp
	}

	b := newBlockAt(tail.Index+1, tail.Hash, op, filename, result, ts)
	if err := s.persist(b); err != nil {
		s.logger.Error("append failed", zap.Uint64("index", b.Index), zap.Error(err))
		return Block{}, err
	}

	s.logger.Debug("block appended",
		zap.Uint64("index", b.Index),
		zap.Stringer("operation", b.Operation),
		zap.String("hash", b.Hash),
	)

	return b, nil
}

// All returns a copy of every block in index order
func (s *Store) All() []Block {
	s.mu.RLock()
	defer s.mu.RUnlock()

	blocks := make([]Block, len(s.blocks))
	copy(blocks, s.blocks)

	return blocks
}

// Tail returns the newest block
func (s *Store) Tail() Block {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.tailLocked()
}

func (s *Store) tailLocked() Block {
	return s.blocks[len(s.blocks)-1]
}

// Len returns the number of blocks, genesis included
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return len(s.blocks)
}

// Get returns the block at index
func (s *Store) Get(index uint64) (Block, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if index >= uint64(len(s.blocks)) {
		return Block{}, fmt.Errorf("%w: block %d of %d", storage.ErrOutOfRange, index, len(s.blocks))
	}

	return s.blocks[index], nil
}

// Search finds the block whose hash is hash
func (s *Store) Search(hash string) (Block, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return Block{}, ErrClosed
	}

	index, err := s.tree.Search(leafHash(hash))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return Block{}, fmt.Errorf("%w: block %s", storage.ErrNotFound, hash)
		}
		return Block{}, fmt.Errorf("%w: %v", ErrStorage, err)
	}
	if index >= uint64(len(s.blocks)) || s.blocks[index].Hash != hash {
		return Block{}, fmt.Errorf("%w: block %s", storage.ErrNotFound, hash)
	}

	return s.blocks[index], nil
}

// Root returns the hex Merkle root over all block hashes
func (s *Store) Root() (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return "", ErrClosed
	}

	root, err := s.tree.Digest()
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrStorage, err)
	}

	return hex.EncodeToString(root), nil
}

// Proof returns the inclusion proof of block index under the current root
func (s *Store) Proof(index uint64) (InclusionProof, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return InclusionProof{}, ErrClosed
	}
	if index >= uint64(len(s.blocks)) {
		return InclusionProof{}, fmt.Errorf("%w: block %d of %d", storage.ErrOutOfRange, index, len(s.blocks))
	}

	proof, err := s.tree.GetProof(index)
	if err != nil {
		return InclusionProof{}, fmt.Errorf("%w: %v", ErrStorage, err)
	}

	return InclusionProof{
		Index: index,
		Leaf:  s.blocks[index].Hash,
		Path:  proof.Path,
		Root:  hex.EncodeToString(proof.Root),
	}, nil
}

// Validate checks the whole chain as it is at the time of the call
func (s *Store) Validate(ctx context.Context) (Report, error) {
	blocks := s.All()

	report, err := Validate(ctx, blocks, s.validateOpts...)
	if err != nil {
		return Report{}, err
	}

	if !report.Valid {
		s.logger.Warn("chain validation failed",
			zap.Uint64("block", *report.InvalidIndex),
			zap.String("violation", string(report.Violation)),
		)
	}

	return report, nil
}

// Close closes the underlying storage. Further calls are no-ops.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	return s.tree.Close()
}

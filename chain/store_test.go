package chain

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/syndtr/goleveldb/leveldb"
	"go.uber.org/zap"

	"github.com/frankonly/auditchain/crypto"
	"github.com/frankonly/auditchain/merkle"
	"github.com/frankonly/auditchain/storage"
)

// flakyStore fails batch writes while failing is set
type flakyStore struct {
	storage.KvStore
	mu      sync.Mutex
	failing bool
}

func (f *flakyStore) Write(batch *leveldb.Batch) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.failing {
		return errors.New("disk full")
	}
	return f.KvStore.Write(batch)
}

func (f *flakyStore) fail(on bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failing = on
}

func openMemory(t *testing.T, opts ...Option) *Store {
	t.Helper()

	s, err := OpenMemory(append([]Option{WithLogger(zap.NewNop())}, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	return s
}

func TestStoreGenesis(t *testing.T) {
	r := require.New(t)

	s := openMemory(t, WithClock(fixedClock(testEpoch)))
	r.Equal(1, s.Len())

	tail := s.Tail()
	r.EqualValues(0, tail.Index)
	r.Equal(Sentinel, tail.PreviousHash)
	r.Equal(OpGenesis, tail.Operation)
	r.Equal(GenesisBlock(fixedClock(testEpoch)), tail)

	report, err := s.Validate(context.Background())
	r.NoError(err)
	r.True(report.Valid)
}

func TestStoreHashThenTamper(t *testing.T) {
	r := require.New(t)
	ctx := context.Background()

	s := openMemory(t)

	digest, err := crypto.Digest(bytes.NewReader([]byte("hello")))
	r.NoError(err)
	r.Equal("2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824", digest)

	b, err := s.Append(ctx, OpHash, "hello.txt", digest)
	r.NoError(err)
	r.EqualValues(1, b.Index)
	r.Equal(s.All()[0].Hash, b.PreviousHash)

	report, err := s.Validate(ctx)
	r.NoError(err)
	r.True(report.Valid)

	blocks := s.All()
	blocks[1].Result = "0000"

	report, err = Validate(ctx, blocks)
	r.NoError(err)
	r.False(report.Valid)
	r.EqualValues(1, *report.InvalidIndex)

	// the snapshot is a copy
	r.Equal(digest, s.All()[1].Result)
}

func TestStoreAppendRejectsOperations(t *testing.T) {
	r := require.New(t)

	s := openMemory(t)
	for _, op := range []Operation{OpGenesis, OpUnknown, Operation(9)} {
		_, err := s.Append(context.Background(), op, "f", "r")
		r.True(errors.Is(err, ErrInvalidOperation), op)
	}
	r.Equal(1, s.Len())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := s.Append(ctx, OpHash, "f", "r")
	r.True(errors.Is(err, context.Canceled))
	r.Equal(1, s.Len())
}

func TestStoreConcurrentAppend(t *testing.T) {
	r := require.New(t)

	s := openMemory(t)

	const workers, perWorker = 8, 25
	var wg sync.WaitGroup
	errs := make(chan error, workers*perWorker)

	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				op := OpHash
				if i%2 == 1 {
					op = OpVerify
				}
				if _, err := s.Append(context.Background(), op, "f", crypto.DigestBytes([]byte{byte(w), byte(i)})); err != nil {
					errs <- err
				}
			}
		}(w)
	}

	wg.Wait()
	close(errs)
	for err := range errs {
		r.NoError(err)
	}

	blocks := s.All()
	r.Len(blocks, workers*perWorker+1)
	for i, b := range blocks {
		r.EqualValues(i, b.Index)
	}

	report, err := s.Validate(context.Background())
	r.NoError(err)
	r.True(report.Valid)
}

func TestStoreClampsBackwardsClock(t *testing.T) {
	r := require.New(t)

	readings := []time.Time{testEpoch, testEpoch.Add(-time.Hour), testEpoch.Add(time.Second)}
	clock := func() time.Time {
		now := readings[0]
		if len(readings) > 1 {
			readings = readings[1:]
		}
		return now
	}

	s := openMemory(t, WithClock(clock))

	b, err := s.Append(context.Background(), OpHash, "f", "r")
	r.NoError(err)
	r.True(b.Timestamp.Equal(testEpoch))

	b, err = s.Append(context.Background(), OpHash, "f", "r")
	r.NoError(err)
	r.True(b.Timestamp.Equal(testEpoch.Add(time.Second)))

	report, err := s.Validate(context.Background())
	r.NoError(err)
	r.True(report.Valid)
}

func TestStoreFailedWriteLeavesStateUnchanged(t *testing.T) {
	r := require.New(t)
	ctx := context.Background()

	mem, err := storage.NewMemLevelDB()
	r.NoError(err)
	kv := &flakyStore{KvStore: mem}

	s, err := Open(kv)
	r.NoError(err)
	defer s.Close()

	_, err = s.Append(ctx, OpHash, "a", "1")
	r.NoError(err)

	before := s.All()
	root, err := s.Root()
	r.NoError(err)

	kv.fail(true)
	_, err = s.Append(ctx, OpHash, "b", "2")
	r.True(errors.Is(err, ErrStorage))

	r.Equal(before, s.All())
	after, err := s.Root()
	r.NoError(err)
	r.Equal(root, after)

	kv.fail(false)
	b, err := s.Append(ctx, OpHash, "b", "2")
	r.NoError(err)
	r.EqualValues(2, b.Index)

	proof, err := s.Proof(2)
	r.NoError(err)
	ok, err := proof.Verify()
	r.NoError(err)
	r.True(ok)
}

func TestStoreReopen(t *testing.T) {
	r := require.New(t)
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "chain")

	s, err := OpenDir(path)
	r.NoError(err)
	for i := 0; i < 10; i++ {
		_, err := s.Append(ctx, OpHash, "f", crypto.DigestBytes([]byte{byte(i)}))
		r.NoError(err)
	}
	blocks := s.All()
	root, err := s.Root()
	r.NoError(err)
	r.NoError(s.Close())

	s, err = OpenDir(path)
	r.NoError(err)
	defer s.Close()

	r.Equal(len(blocks), s.Len())
	for i, b := range s.All() {
		r.Equal(blocks[i].Hash, b.Hash)
		r.True(blocks[i].Timestamp.Equal(b.Timestamp))
	}

	reopened, err := s.Root()
	r.NoError(err)
	r.Equal(root, reopened)

	b, err := s.Append(ctx, OpVerify, "f", "valid")
	r.NoError(err)
	r.EqualValues(len(blocks), b.Index)
	r.Equal(blocks[len(blocks)-1].Hash, b.PreviousHash)

	report, err := s.Validate(ctx)
	r.NoError(err)
	r.True(report.Valid)
}

func TestStoreDetectsTamperedRecord(t *testing.T) {
	r := require.New(t)
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "chain")

	s, err := OpenDir(path)
	r.NoError(err)
	for i := 0; i < 3; i++ {
		_, err := s.Append(ctx, OpHash, "f", crypto.DigestBytes([]byte{byte(i)}))
		r.NoError(err)
	}
	r.NoError(s.Close())

	kv, err := storage.NewLevelDB(path)
	r.NoError(err)
	raw, err := kv.Get(storage.BlockKey(2))
	r.NoError(err)

	var b Block
	r.NoError(json.Unmarshal(raw, &b))
	b.Result = "0000"
	raw, err = json.Marshal(b)
	r.NoError(err)
	r.NoError(kv.Put(storage.BlockKey(2), raw))

	s, err = Open(kv)
	r.NoError(err)
	defer s.Close()

	report, err := s.Validate(ctx)
	r.NoError(err)
	r.False(report.Valid)
	r.EqualValues(2, *report.InvalidIndex)
	r.Equal(ViolationHash, report.Violation)
}

func TestStoreRejectsInconsistentStorage(t *testing.T) {
	r := require.New(t)

	kv, err := storage.NewMemLevelDB()
	r.NoError(err)

	s, err := Open(kv)
	r.NoError(err)
	_, err = s.Append(context.Background(), OpHash, "f", "r")
	r.NoError(err)

	r.NoError(kv.Put(storage.TailKey(), storage.EncodeUint64(5)))
	_, err = Open(kv)
	r.True(errors.Is(err, ErrStorage))

	r.NoError(kv.Put(storage.TailKey(), storage.EncodeUint64(1)))
	r.NoError(kv.Delete(storage.BlockKey(1)))
	_, err = Open(kv)
	r.True(errors.Is(err, ErrStorage))

	r.NoError(kv.Close())
}

func TestStoreGetSearch(t *testing.T) {
	r := require.New(t)

	s := openMemory(t)
	b, err := s.Append(context.Background(), OpHash, "f", "r")
	r.NoError(err)

	got, err := s.Get(1)
	r.NoError(err)
	r.Equal(b, got)

	_, err = s.Get(2)
	r.True(errors.Is(err, storage.ErrOutOfRange))

	found, err := s.Search(b.Hash)
	r.NoError(err)
	r.Equal(b, found)

	_, err = s.Search(Sentinel)
	r.True(errors.Is(err, storage.ErrNotFound))
}

func TestStoreSearchAfterReopen(t *testing.T) {
	r := require.New(t)
	path := filepath.Join(t.TempDir(), "chain")

	s, err := OpenDir(path)
	r.NoError(err)
	for i := 0; i < 5; i++ {
		_, err := s.Append(context.Background(), OpHash, "f", crypto.DigestBytes([]byte{byte(i)}))
		r.NoError(err)
	}
	blocks := s.All()
	r.NoError(s.Close())

	s, err = OpenDir(path)
	r.NoError(err)
	defer s.Close()

	for _, b := range blocks {
		found, err := s.Search(b.Hash)
		r.NoError(err)
		r.Equal(b, found)
	}

	_, err = s.Search(crypto.DigestBytes([]byte("never appended")))
	r.True(errors.Is(err, storage.ErrNotFound))
}

func TestStoreRejectsLeafMismatch(t *testing.T) {
	r := require.New(t)

	kv, err := storage.NewMemLevelDB()
	r.NoError(err)
	defer kv.Close()

	s, err := Open(kv)
	r.NoError(err)
	b, err := s.Append(context.Background(), OpHash, "f", "r")
	r.NoError(err)

	b.Hash = crypto.DigestBytes([]byte("forged"))
	raw, err := json.Marshal(b)
	r.NoError(err)
	r.NoError(kv.Put(storage.BlockKey(b.Index), raw))

	_, err = Open(kv)
	r.True(errors.Is(err, ErrStorage))
}

func TestStoreProofs(t *testing.T) {
	r := require.New(t)

	s := openMemory(t)
	for i := 0; i < 12; i++ {
		_, err := s.Append(context.Background(), OpHash, "f", crypto.DigestBytes([]byte{byte(i)}))
		r.NoError(err)

		root, err := s.Root()
		r.NoError(err)

		for _, b := range s.All() {
			proof, err := s.Proof(b.Index)
			r.NoError(err)
			r.Equal(b.Hash, proof.Leaf)
			r.Equal(root, proof.Root)

			ok, err := proof.Verify()
			r.NoError(err)
			r.True(ok)

			hexSteps := merkle.EncodeHexPath(proof.Path)
			ok, err = merkle.VerifyHex([]byte(b.Hash), hexSteps, root)
			r.NoError(err)
			r.True(ok)
		}
	}

	_, err := s.Proof(uint64(s.Len()))
	r.True(errors.Is(err, storage.ErrOutOfRange))

	proof, err := s.Proof(3)
	r.NoError(err)
	proof.Leaf = s.All()[4].Hash
	ok, err := proof.Verify()
	r.NoError(err)
	r.False(ok)
}

func TestStoreClosed(t *testing.T) {
	r := require.New(t)

	s, err := OpenMemory()
	r.NoError(err)
	r.NoError(s.Close())
	r.NoError(s.Close())

	_, err = s.Append(context.Background(), OpHash, "f", "r")
	r.True(errors.Is(err, ErrClosed))
	_, err = s.Root()
	r.True(errors.Is(err, ErrClosed))
}

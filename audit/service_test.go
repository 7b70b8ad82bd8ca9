package audit

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/frankonly/auditchain/chain"
	"github.com/frankonly/auditchain/crypto"
	"github.com/frankonly/auditchain/merkle"
)

const helloDigest = "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824"

func newTestService(t *testing.T) *Service {
	t.Helper()

	store, err := chain.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	return NewService(store, zap.NewNop())
}

func TestServiceHash(t *testing.T) {
	r := require.New(t)

	svc := newTestService(t)
	res, err := svc.Hash(context.Background(), strings.NewReader("hello"), "hello.txt")
	r.NoError(err)

	r.Equal("success", res.Status)
	r.Equal(helloDigest, res.Hash)
	r.EqualValues(1, res.BlockIndex)
	r.Equal(chain.OpHash, res.Block.Operation)
	r.Equal(helloDigest, res.Block.Result)
	r.Equal("hello.txt", res.Block.Filename)
	r.Equal(res.Block.Hash, res.BlockHash)
}

func TestServiceVerify(t *testing.T) {
	r := require.New(t)
	ctx := context.Background()

	svc := newTestService(t)

	res, err := svc.Verify(ctx, strings.NewReader("hello"), "hello.txt", strings.ToUpper(helloDigest))
	r.NoError(err)
	r.True(res.Valid)
	r.Equal(ResultValid, res.Status)
	r.Equal(ResultValid, res.Block.Result)
	r.Equal(chain.OpVerify, res.Block.Operation)

	res, err = svc.Verify(ctx, strings.NewReader("hellO"), "hello.txt", helloDigest)
	r.NoError(err)
	r.False(res.Valid)
	r.Equal(ResultInvalid, res.Block.Result)
	r.Equal("File tampering detected", res.Message)

	_, err = svc.Verify(ctx, strings.NewReader("hello"), "hello.txt", "  ")
	r.True(errors.Is(err, ErrMissingHash))
	r.Equal(3, svc.Store().Len())

	report, err := svc.Validate(ctx)
	r.NoError(err)
	r.True(report.Valid)
}

type brokenReader struct{}

func (brokenReader) Read([]byte) (int, error) {
	return 0, errors.New("connection reset")
}

func TestServiceDigestFailureAppendsNothing(t *testing.T) {
	r := require.New(t)

	svc := newTestService(t)
	_, err := svc.Hash(context.Background(), brokenReader{}, "f")
	r.True(errors.Is(err, crypto.ErrIO))
	r.Equal(1, svc.Store().Len())
}

func TestServiceProof(t *testing.T) {
	r := require.New(t)

	svc := newTestService(t)
	for _, data := range []string{"a", "b", "c"} {
		_, err := svc.Hash(context.Background(), strings.NewReader(data), data)
		r.NoError(err)
	}

	proof, err := svc.Proof(2)
	r.NoError(err)
	r.EqualValues(2, proof.Index)

	ok, err := InclusionRequest{Leaf: proof.Leaf, Path: proof.Path, Root: proof.Root}.Verify()
	r.NoError(err)
	r.True(ok)

	ok, err = InclusionRequest{Leaf: "forged", Path: proof.Path, Root: proof.Root}.Verify()
	r.NoError(err)
	r.False(ok)

	_, err = InclusionRequest{Leaf: "x", Path: []merkle.HexStep{{Hash: "zz", Side: "left"}}, Root: proof.Root}.Verify()
	r.True(errors.Is(err, merkle.ErrInvalidProof))
}

// Package audit ties the digest engine to the chain store. Both the gRPC and
// the HTTP front ends serve requests through a Service.
package audit

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/frankonly/auditchain/chain"
	"github.com/frankonly/auditchain/crypto"
	"github.com/frankonly/auditchain/merkle"
	"github.com/frankonly/auditchain/metrics"
)

const (
	ResultValid   = "valid"
	ResultInvalid = "invalid"
)

// ErrMissingHash is returned by Verify when no stored hash is given
var ErrMissingHash = fmt.Errorf("missing stored hash")

// HashResult describes a fingerprinted upload and the block recording it
type HashResult struct {
	Status     string      `json:"status"`
	Filename   string      `json:"filename"`
	Hash       string      `json:"hash"`
	BlockHash  string      `json:"block_hash"`
	BlockIndex uint64      `json:"block_index"`
	Timestamp  time.Time   `json:"timestamp"`
	Block      chain.Block `json:"block"`
}

// VerifyResult describes a re-verified upload and the block recording it
type VerifyResult struct {
	Status      string      `json:"status"`
	Valid       bool        `json:"valid"`
	Filename    string      `json:"filename"`
	CurrentHash string      `json:"current_hash"`
	StoredHash  string      `json:"stored_hash"`
	BlockHash   string      `json:"block_hash"`
	BlockIndex  uint64      `json:"block_index"`
	Timestamp   time.Time   `json:"timestamp"`
	Message     string      `json:"message"`
	Block       chain.Block `json:"block"`
}

// Proof is an inclusion proof in transport form
type Proof struct {
	Index uint64           `json:"index"`
	Leaf  string           `json:"leaf"`
	Path  []merkle.HexStep `json:"path"`
	Root  string           `json:"root"`
}

// InclusionRequest asks whether Leaf is included under Root. Leaf is taken
// as raw text; block proofs use the block hash.
type InclusionRequest struct {
	Leaf string           `json:"leaf"`
	Path []merkle.HexStep `json:"path"`
	Root string           `json:"root"`
}

// Verify checks the request with merkle.VerifyHex
func (r InclusionRequest) Verify() (bool, error) {
	return merkle.VerifyHex([]byte(r.Leaf), r.Path, r.Root)
}

// NewProof converts a store proof to transport form
func NewProof(p chain.InclusionProof) Proof {
	return Proof{
		Index: p.Index,
		Leaf:  p.Leaf,
		Path:  merkle.EncodeHexPath(p.Path),
		Root:  p.Root,
	}
}

type Service struct {
	store  *chain.Store
	logger *zap.Logger
}

func NewService(store *chain.Store, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.SetChainLength(store.Len())

	return &Service{store: store, logger: logger}
}

// Store returns the underlying chain for read-only queries
func (s *Service) Store() *chain.Store {
	return s.store
}

// Hash fingerprints r and records the digest in a hash block
func (s *Service) Hash(ctx context.Context, r io.Reader, filename string) (HashResult, error) {
	digest, err := s.Digest(r)
	if err != nil {
		return HashResult{}, err
	}

	return s.RecordHash(ctx, digest, filename)
}

// RecordHash records an already computed digest in a hash block
func (s *Service) RecordHash(ctx context.Context, digest, filename string) (HashResult, error) {
	b, err := s.Append(ctx, chain.OpHash, filename, digest)
	if err != nil {
		return HashResult{}, err
	}

	return HashResult{
		Status:     "success",
		Filename:   filename,
		Hash:       digest,
		BlockHash:  b.Hash,
		BlockIndex: b.Index,
		Timestamp:  b.Timestamp,
		Block:      b,
	}, nil
}

// Verify fingerprints r, compares it with storedHash ignoring case and
// records the outcome in a verify block.
func (s *Service) Verify(ctx context.Context, r io.Reader, filename, storedHash string) (VerifyResult, error) {
	if strings.TrimSpace(storedHash) == "" {
		return VerifyResult{}, ErrMissingHash
	}

	digest, err := s.Digest(r)
	if err != nil {
		return VerifyResult{}, err
	}

	return s.RecordVerify(ctx, digest, filename, storedHash)
}

// RecordVerify compares digest with storedHash and records the outcome
func (s *Service) RecordVerify(ctx context.Context, digest, filename, storedHash string) (VerifyResult, error) {
	storedHash = strings.TrimSpace(storedHash)
	if storedHash == "" {
		return VerifyResult{}, ErrMissingHash
	}

	valid := strings.EqualFold(digest, storedHash)
	result, message := ResultInvalid, "File tampering detected"
	if valid {
		result, message = ResultValid, "File integrity verified"
	}

	b, err := s.Append(ctx, chain.OpVerify, filename, result)
	if err != nil {
		return VerifyResult{}, err
	}

	return VerifyResult{
		Status:      result,
		Valid:       valid,
		Filename:    filename,
		CurrentHash: digest,
		StoredHash:  storedHash,
		BlockHash:   b.Hash,
		BlockIndex:  b.Index,
		Timestamp:   b.Timestamp,
		Message:     message,
		Block:       b,
	}, nil
}

// Append records a block and updates the chain metrics
func (s *Service) Append(ctx context.Context, op chain.Operation, filename, result string) (chain.Block, error) {
	b, err := s.store.Append(ctx, op, filename, result)
	if err != nil {
		return chain.Block{}, err
	}

	metrics.RecordAppend(op.String(), int(b.Index)+1)
	s.logger.Info("block recorded",
		zap.Uint64("index", b.Index),
		zap.Stringer("operation", op),
		zap.String("filename", filename),
	)

	return b, nil
}

// Validate checks the whole chain and records the verdict
func (s *Service) Validate(ctx context.Context) (chain.Report, error) {
	report, err := s.store.Validate(ctx)
	if err != nil {
		return chain.Report{}, err
	}
	metrics.RecordValidation(report.Valid)

	return report, nil
}

// Proof returns the inclusion proof of block index in transport form
func (s *Service) Proof(index uint64) (Proof, error) {
	p, err := s.store.Proof(index)
	if err != nil {
		return Proof{}, err
	}

	return NewProof(p), nil
}

// Digest fingerprints r without recording anything
func (s *Service) Digest(r io.Reader) (string, error) {
	cr := &countingReader{r: r}
	digest, err := crypto.Digest(cr)
	metrics.AddDigestBytes(cr.n)
	if err != nil {
		return "", err
	}

	return digest, nil
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

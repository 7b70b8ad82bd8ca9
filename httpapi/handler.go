// Package httpapi serves the auditchain REST API with gin.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/frankonly/auditchain/audit"
	"github.com/frankonly/auditchain/chain"
	"github.com/frankonly/auditchain/crypto"
	"github.com/frankonly/auditchain/merkle"
	"github.com/frankonly/auditchain/metrics"
	"github.com/frankonly/auditchain/storage"
)

// maxFieldBytes bounds a non-file multipart field
const maxFieldBytes = 4 << 10

// formOverhead is allowed on top of the file cap for multipart framing
const formOverhead = 1 << 20

var (
	errBadRequest  = errors.New("bad request")
	errMissingFile = errors.New("missing required parameter: file")
	errTooLarge    = errors.New("file too large")
)

// Options configures the HTTP front end
type Options struct {
	// MaxUploadBytes caps an uploaded file
	MaxUploadBytes int64
	// RateLimit is the number of /hash and /verify requests allowed per IP per minute
	RateLimit   int
	CORSOrigins []string
	Port        int
	Version     string
	Environment string
}

type Handler struct {
	svc    *audit.Service
	opts   Options
	logger *zap.Logger
}

func NewHandler(svc *audit.Service, opts Options, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Handler{svc: svc, opts: opts, logger: logger}
}

// NewRouter builds the gin engine with middleware and every route. The rate
// limiter's cleanup stops when ctx is done.
func NewRouter(ctx context.Context, h *Handler) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestID())

	origins := h.opts.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	router.Use(cors.New(cors.Config{
		AllowOrigins:  origins,
		AllowMethods:  []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Accept", requestIDHeader},
		ExposeHeaders: []string{"Content-Length", "Retry-After", requestIDHeader},
		MaxAge:        12 * time.Hour,
	}))
	router.Use(securityHeaders())
	router.Use(requestLogger(h.logger))

	h.Register(router, RateLimiter(ctx, h.opts.RateLimit))

	return router
}

// Register adds the routes to rg. limit guards the routes that append blocks.
func (h *Handler) Register(rg gin.IRoutes, limit gin.HandlerFunc) {
	rg.GET("/", h.welcome)
	rg.GET("/health", h.health)
	rg.GET("/metrics", gin.WrapH(metrics.Handler()))

	rg.POST("/hash", limit, h.limitBody, h.hash)
	rg.POST("/verify", limit, h.limitBody, h.verify)
	rg.POST("/verify/file-hash", h.limitBody, h.verifyFileHash)
	rg.POST("/verify/hash", h.verifyHash)
	rg.POST("/verify/merkle-proof", h.verifyMerkleProof)

	rg.GET("/blockchain-log", h.blockchainLog)
	rg.GET("/validate-chain", h.validateChain)
	rg.GET("/blocks/:idx", h.getBlock)
	rg.GET("/blocks/:idx/proof", h.getProof)
	rg.GET("/merkle-root", h.merkleRoot)
}

func (h *Handler) welcome(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"message": "Welcome to the auditchain API"})
}

func (h *Handler) health(c *gin.Context) {
	report, err := h.svc.Validate(c.Request.Context())
	valid := err == nil && report.Valid

	state := "healthy"
	if !valid {
		state = "degraded"
	}

	c.JSON(http.StatusOK, gin.H{
		"status":      state,
		"timestamp":   time.Now().UTC(),
		"port":        h.opts.Port,
		"version":     h.opts.Version,
		"environment": h.opts.Environment,
		"blockchain": gin.H{
			"valid":       valid,
			"block_count": h.svc.Store().Len(),
		},
		"config": gin.H{
			"max_file_size": h.opts.MaxUploadBytes >> 20,
			"rate_limit":    h.opts.RateLimit,
		},
	})
}

func (h *Handler) hash(c *gin.Context) {
	up, err := h.readUpload(c)
	if err != nil {
		h.writeError(c, err)
		return
	}

	res, err := h.svc.RecordHash(c.Request.Context(), up.digest, up.filename)
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, res)
}

func (h *Handler) verify(c *gin.Context) {
	up, err := h.readUpload(c)
	if err != nil {
		h.writeError(c, err)
		return
	}

	res, err := h.svc.RecordVerify(c.Request.Context(), up.digest, up.filename, up.fields["stored_hash"])
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, res)
}

func (h *Handler) verifyFileHash(c *gin.Context) {
	up, err := h.readUpload(c)
	if err != nil {
		h.writeError(c, err)
		return
	}

	resp := gin.H{
		"filename": up.filename,
		"hash":     up.digest,
	}
	if expected := up.fields["expected_hash"]; expected != "" {
		resp["expected_hash"] = expected
		resp["is_valid"] = equalHex(up.digest, expected)
	}

	c.JSON(http.StatusOK, resp)
}

func (h *Handler) verifyHash(c *gin.Context) {
	data, ok := c.GetPostForm("data")
	if !ok {
		h.writeError(c, fmt.Errorf("%w: missing required parameter: data", errBadRequest))
		return
	}
	provided := c.PostForm("hash_value")
	if provided == "" {
		h.writeError(c, fmt.Errorf("%w: missing required parameter: hash_value", errBadRequest))
		return
	}
	algorithm := c.DefaultPostForm("algorithm", "sha256")

	calculated, err := crypto.HashString(algorithm, data)
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"is_valid":        equalHex(calculated, provided),
		"calculated_hash": calculated,
		"provided_hash":   provided,
		"algorithm":       algorithm,
	})
}

func (h *Handler) verifyMerkleProof(c *gin.Context) {
	var req audit.InclusionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.writeError(c, fmt.Errorf("%w: %v", errBadRequest, err))
		return
	}

	ok, err := req.Verify()
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"is_valid":      ok,
		"provided_root": req.Root,
	})
}

func (h *Handler) blockchainLog(c *gin.Context) {
	blocks := h.svc.Store().All()
	sort.Slice(blocks, func(i, j int) bool { return blocks[i].Index > blocks[j].Index })

	report, err := h.svc.Validate(c.Request.Context())
	if err != nil {
		h.writeError(c, err)
		return
	}

	validity := "valid"
	if !report.Valid {
		validity = "invalid"
	}

	c.JSON(http.StatusOK, gin.H{
		"status":                "success",
		"block_count":           len(blocks),
		"chain_validity_status": validity,
		"blocks":                blocks,
	})
}

func (h *Handler) validateChain(c *gin.Context) {
	report, err := h.svc.Validate(c.Request.Context())
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, report)
}

func (h *Handler) getBlock(c *gin.Context) {
	index, err := parseIndex(c)
	if err != nil {
		h.writeError(c, err)
		return
	}

	b, err := h.svc.Store().Get(index)
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, b)
}

func (h *Handler) getProof(c *gin.Context) {
	index, err := parseIndex(c)
	if err != nil {
		h.writeError(c, err)
		return
	}

	proof, err := h.svc.Proof(index)
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, proof)
}

func (h *Handler) merkleRoot(c *gin.Context) {
	root, err := h.svc.Store().Root()
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"root":        root,
		"block_count": h.svc.Store().Len(),
	})
}

func parseIndex(c *gin.Context) (uint64, error) {
	index, err := strconv.ParseUint(c.Param("idx"), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: invalid block index %q", errBadRequest, c.Param("idx"))
	}

	return index, nil
}

// limitBody caps the request body at the upload limit plus form framing
func (h *Handler) limitBody(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.opts.MaxUploadBytes+formOverhead)
	c.Next()
}

func (h *Handler) writeError(c *gin.Context, err error) {
	var maxBytes *http.MaxBytesError

	code := http.StatusInternalServerError
	detail := err.Error()

	switch {
	case errors.Is(err, errTooLarge), errors.As(err, &maxBytes):
		code = http.StatusRequestEntityTooLarge
		detail = fmt.Sprintf("File too large. Maximum size is %dMB.", h.opts.MaxUploadBytes>>20)
	case errors.Is(err, errBadRequest),
		errors.Is(err, errMissingFile),
		errors.Is(err, audit.ErrMissingHash),
		errors.Is(err, merkle.ErrInvalidProof),
		errors.Is(err, crypto.ErrUnsupportedAlgorithm),
		errors.Is(err, chain.ErrInvalidOperation),
		errors.Is(err, crypto.ErrIO):
		code = http.StatusBadRequest
	case errors.Is(err, storage.ErrOutOfRange), errors.Is(err, storage.ErrNotFound):
		code = http.StatusNotFound
	case errors.Is(err, chain.ErrValidationTimeout):
		code = http.StatusGatewayTimeout
	case errors.Is(err, chain.ErrClosed):
		code = http.StatusServiceUnavailable
	}

	if code >= http.StatusInternalServerError {
		h.logger.Error("request failed", zap.String("path", c.Request.URL.Path), zap.Error(err))
		detail = "Internal server error: " + detail
	}

	c.AbortWithStatusJSON(code, gin.H{"detail": detail})
}

// upload is a multipart form whose file part was digested as it streamed in
type upload struct {
	filename string
	digest   string
	fields   map[string]string
}

func (h *Handler) readUpload(c *gin.Context) (upload, error) {
	mr, err := c.Request.MultipartReader()
	if err != nil {
		return upload{}, fmt.Errorf("%w: %v", errBadRequest, err)
	}

	up := upload{fields: make(map[string]string)}
	hasFile := false

	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return upload{}, bodyError(err)
		}

		switch {
		case part.FormName() == "file" && !hasFile:
			up.filename = part.FileName()
			up.digest, err = h.svc.Digest(&capReader{r: part, left: h.opts.MaxUploadBytes})
			hasFile = true
		case part.FileName() == "":
			var value []byte
			value, err = io.ReadAll(io.LimitReader(part, maxFieldBytes))
			up.fields[part.FormName()] = string(value)
		}
		part.Close()

		if err != nil {
			return upload{}, bodyError(err)
		}
	}

	if !hasFile {
		return upload{}, errMissingFile
	}

	return up, nil
}

func bodyError(err error) error {
	var maxBytes *http.MaxBytesError
	if errors.Is(err, errTooLarge) || errors.As(err, &maxBytes) || errors.Is(err, crypto.ErrIO) {
		return err
	}

	return fmt.Errorf("%w: %v", errBadRequest, err)
}

// capReader fails with errTooLarge once more than left bytes were read
type capReader struct {
	r    io.Reader
	left int64
}

func (c *capReader) Read(p []byte) (int, error) {
	if c.left < 0 {
		return 0, errTooLarge
	}
	if int64(len(p)) > c.left+1 {
		p = p[:c.left+1]
	}

	n, err := c.r.Read(p)
	c.left -= int64(n)
	if c.left < 0 {
		return n, errTooLarge
	}

	return n, err
}

func equalHex(a, b string) bool {
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}

package metrics

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestRecorders(t *testing.T) {
	r := require.New(t)

	before := testutil.ToFloat64(blocksAppendedTotal.WithLabelValues("hash"))
	RecordAppend("hash", 7)
	r.Equal(before+1, testutil.ToFloat64(blocksAppendedTotal.WithLabelValues("hash")))
	r.Equal(float64(7), testutil.ToFloat64(chainLength))

	before = testutil.ToFloat64(validationsTotal.WithLabelValues("invalid"))
	RecordValidation(false)
	r.Equal(before+1, testutil.ToFloat64(validationsTotal.WithLabelValues("invalid")))

	before = testutil.ToFloat64(digestBytesTotal)
	AddDigestBytes(1024)
	r.Equal(before+1024, testutil.ToFloat64(digestBytesTotal))

	before = testutil.ToFloat64(requestsTotal.WithLabelValues("http", "/hash", "200"))
	ObserveRequest("http", "/hash", "200", 5*time.Millisecond)
	r.Equal(before+1, testutil.ToFloat64(requestsTotal.WithLabelValues("http", "/hash", "200")))
}

func TestHandler(t *testing.T) {
	r := require.New(t)

	SetChainLength(3)

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	r.Equal(200, rec.Code)

	body, err := io.ReadAll(rec.Body)
	r.NoError(err)
	r.Contains(string(body), "auditchain_chain_length 3")
}

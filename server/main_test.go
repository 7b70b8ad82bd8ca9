package main

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/frankonly/auditchain/api"
	"github.com/frankonly/auditchain/audit"
	"github.com/frankonly/auditchain/chain"
	"github.com/frankonly/auditchain/config"
	"github.com/frankonly/auditchain/storage"
)

func testConfig() config.Config {
	return config.Config{
		Environment: "test",
		Storage:     config.StorageConfig{Memory: true},
		HTTP: config.HTTPConfig{
			MaxFileSize:     1,
			RateLimit:       5,
			ShutdownTimeout: 5 * time.Second,
		},
	}
}

func listen(t *testing.T) net.Listener {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	return lis
}

func TestServeAndShutdown(t *testing.T) {
	r := require.New(t)
	gin.SetMode(gin.TestMode)

	cfg := testConfig()
	store, err := openStore(cfg, zap.NewNop())
	r.NoError(err)
	defer store.Close()
	svc := audit.NewService(store, zap.NewNop())

	grpcLis, httpLis := listen(t), listen(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- serve(ctx, cfg, svc, grpcLis, httpLis, zap.NewNop())
	}()

	healthURL := "http://" + httpLis.Addr().String() + "/health"
	r.Eventually(func() bool {
		resp, err := http.Get(healthURL)
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 20*time.Millisecond)

	client, err := api.Dial(grpcLis.Addr().String(), false)
	r.NoError(err)
	defer client.Close()

	callCtx, callCancel := context.WithTimeout(ctx, 5*time.Second)
	defer callCancel()
	b, err := client.Append(callCtx, "hash", "a.txt", "abc")
	r.NoError(err)
	r.EqualValues(1, b.Index)
	r.Equal(2, store.Len())

	cancel()
	select {
	case err := <-done:
		r.NoError(err)
	case <-time.After(10 * time.Second):
		r.Fail("serve did not return after cancel")
	}

	_, err = http.Get(healthURL)
	r.Error(err)
}

func TestServeStopsWhenListenerFails(t *testing.T) {
	r := require.New(t)

	cfg := testConfig()
	store, err := openStore(cfg, zap.NewNop())
	r.NoError(err)
	defer store.Close()

	grpcLis, httpLis := listen(t), listen(t)
	r.NoError(httpLis.Close())

	done := make(chan error, 1)
	go func() {
		done <- serve(context.Background(), cfg, audit.NewService(store, zap.NewNop()), grpcLis, httpLis, zap.NewNop())
	}()

	select {
	case err := <-done:
		r.Error(err)
	case <-time.After(10 * time.Second):
		r.Fail("serve did not return after a listener failure")
	}
}

func TestCheckChainLogsVerdict(t *testing.T) {
	r := require.New(t)
	ctx := context.Background()

	cfg := testConfig()
	cfg.Storage = config.StorageConfig{Dir: filepath.Join(t.TempDir(), "chain")}

	store, err := openStore(cfg, zap.NewNop())
	r.NoError(err)
	_, err = store.Append(ctx, chain.OpHash, "a.txt", "abc")
	r.NoError(err)

	core, logs := observer.New(zapcore.InfoLevel)
	checkChain(ctx, audit.NewService(store, zap.NewNop()), zap.New(core))
	r.Equal(1, logs.FilterMessage("chain is valid").Len())
	r.NoError(store.Close())

	kv, err := storage.NewLevelDB(cfg.Storage.Dir)
	r.NoError(err)
	raw, err := kv.Get(storage.BlockKey(1))
	r.NoError(err)

	var b chain.Block
	r.NoError(json.Unmarshal(raw, &b))
	b.Result = "abd"
	raw, err = json.Marshal(b)
	r.NoError(err)
	r.NoError(kv.Put(storage.BlockKey(1), raw))
	r.NoError(kv.Close())

	store, err = openStore(cfg, zap.NewNop())
	r.NoError(err)
	defer store.Close()

	core, logs = observer.New(zapcore.InfoLevel)
	checkChain(ctx, audit.NewService(store, zap.NewNop()), zap.New(core))

	invalid := logs.FilterMessage("chain is INVALID").All()
	r.Len(invalid, 1)
	r.Equal(zapcore.ErrorLevel, invalid[0].Level)
	r.EqualValues(1, invalid[0].ContextMap()["invalid_block"])
	r.Equal("hash", invalid[0].ContextMap()["violation"])
}

func TestNewGRPCServerMissingCertificate(t *testing.T) {
	r := require.New(t)

	_, err := newGRPCServer(config.GRPCConfig{
		TLS:      true,
		CertFile: filepath.Join(t.TempDir(), "server.crt"),
		KeyFile:  filepath.Join(t.TempDir(), "server.key"),
	}, zap.NewNop())
	r.Error(err)

	g, err := newGRPCServer(config.GRPCConfig{}, zap.NewNop())
	r.NoError(err)
	g.Stop()
}

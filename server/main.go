package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"

	"github.com/frankonly/auditchain/api"
	"github.com/frankonly/auditchain/audit"
	"github.com/frankonly/auditchain/chain"
	"github.com/frankonly/auditchain/config"
	"github.com/frankonly/auditchain/httpapi"
	"github.com/frankonly/auditchain/log"
)

const version = "1.0.0"

var configFile string

func main() {
	if err := rootCmd().Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "auditd",
		Short:         "Auditd serves the tamper-evident file audit chain over gRPC and HTTP",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			v := config.New()
			if err := config.BindFlags(v, cmd.Flags()); err != nil {
				return err
			}
			if _, err := config.Read(v, configFile); err != nil {
				return err
			}

			cfg, err := config.Load(v)
			if err != nil {
				return err
			}

			return run(cmd.Context(), cfg)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&configFile, "config", "", "config file (default auditd.yaml in . or configs)")
	flags.String("db-dir", "data/chain", "the chain DB directory")
	flags.Bool("memory", false, "keep the chain in memory only")
	flags.Int("grpc-port", 50051, "the gRPC port")
	flags.Int("http-port", 8000, "the HTTP port")
	flags.Bool("tls", false, "serve gRPC with TLS")
	flags.String("cert-file", "certs/server.crt", "the TLS cert file")
	flags.String("key-file", "certs/server.key", "the TLS key file")
	flags.String("log-level", "info", "debug, info, warn or error")

	return cmd
}

func openStore(cfg config.Config, logger *zap.Logger) (*chain.Store, error) {
	opts := []chain.Option{
		chain.WithLogger(logger),
		chain.WithValidateOptions(
			chain.WithClockSkewTolerance(cfg.Validation.ClockSkewTolerance),
			chain.WithTimeout(cfg.Validation.Timeout),
		),
	}

	if cfg.Storage.Memory {
		logger.Warn("chain is kept in memory and lost on exit")
		return chain.OpenMemory(opts...)
	}

	return chain.OpenDir(cfg.Storage.Dir, opts...)
}

func run(ctx context.Context, cfg config.Config) error {
	if ctx == nil {
		ctx = context.Background()
	}

	logger, err := log.New(cfg.Log)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	store, err := openStore(cfg, logger)
	if err != nil {
		return fmt.Errorf("open chain: %w", err)
	}
	defer store.Close()

	svc := audit.NewService(store, logger)
	checkChain(ctx, svc, logger)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	grpcLis, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.GRPC.Port))
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	httpLis, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.HTTP.Port))
	if err != nil {
		grpcLis.Close()
		return fmt.Errorf("failed to listen: %w", err)
	}

	if os.Getenv(gin.EnvGinMode) == "" {
		gin.SetMode(gin.ReleaseMode)
	}

	return serve(ctx, cfg, svc, grpcLis, httpLis, logger)
}

// checkChain validates the chain once and logs the verdict
func checkChain(ctx context.Context, svc *audit.Service, logger *zap.Logger) {
	report, err := svc.Validate(ctx)
	switch {
	case err != nil:
		logger.Warn("startup validation did not finish", zap.Error(err))
	case report.Valid:
		logger.Info("chain is valid", zap.Int("blocks", report.Blocks))
	default:
		logger.Error("chain is INVALID",
			zap.Uint64p("invalid_block", report.InvalidIndex),
			zap.String("violation", string(report.Violation)))
	}
}

// serve runs gRPC on grpcLis and HTTP on httpLis until ctx is done or either
// server fails, then shuts both down within cfg.HTTP.ShutdownTimeout.
func serve(ctx context.Context, cfg config.Config, svc *audit.Service, grpcLis, httpLis net.Listener, logger *zap.Logger) error {
	grpcServer, err := newGRPCServer(cfg.GRPC, logger)
	if err != nil {
		grpcLis.Close()
		httpLis.Close()
		return err
	}
	api.NewServer(svc).Register(grpcServer)

	handler := httpapi.NewHandler(svc, httpapi.Options{
		MaxUploadBytes: cfg.HTTP.MaxUploadBytes(),
		RateLimit:      cfg.HTTP.RateLimit,
		CORSOrigins:    cfg.HTTP.CORSOrigins,
		Port:           cfg.HTTP.Port,
		Version:        version,
		Environment:    cfg.Environment,
	}, logger)

	httpServer := &http.Server{
		Handler:           httpapi.NewRouter(ctx, handler),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("gRPC listening", zap.Stringer("addr", grpcLis.Addr()), zap.Bool("tls", cfg.GRPC.TLS))
		return grpcServer.Serve(grpcLis)
	})
	g.Go(func() error {
		logger.Info("HTTP listening", zap.Stringer("addr", httpLis.Addr()))
		if err := httpServer.Serve(httpLis); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down auditd...")

		shutCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
		defer cancel()

		err := httpServer.Shutdown(shutCtx)
		if err != nil {
			logger.Error("HTTP shutdown error", zap.Error(err))
		}

		stopped := make(chan struct{})
		go func() {
			grpcServer.GracefulStop()
			close(stopped)
		}()
		select {
		case <-stopped:
		case <-shutCtx.Done():
			grpcServer.Stop()
		}

		return err
	})

	if err := g.Wait(); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return err
	}

	logger.Info("auditd stopped")
	return nil
}

func newGRPCServer(cfg config.GRPCConfig, logger *zap.Logger) (*grpc.Server, error) {
	opts := api.ServerOptions(logger)
	if cfg.TLS {
		creds, err := credentials.NewServerTLSFromFile(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load TLS credentials: %w", err)
		}
		opts = append(opts, grpc.Creds(creds))
	}

	return grpc.NewServer(opts...), nil
}

// Package main is the entry point for the Stratum V1 mining pool session
// engine. It loads configuration, wires the template poller, job registry,
// and session orchestrator together, and runs until a shutdown signal.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"github.com/kumako/public-pool/internal/bitcoinrpc"
	"github.com/kumako/public-pool/internal/config"
	"github.com/kumako/public-pool/internal/mining"
	"github.com/kumako/public-pool/internal/server"
	"github.com/kumako/public-pool/internal/session"
	"github.com/kumako/public-pool/internal/storage"
)

var (
	configPath = flag.String("config", "configs/config.yaml", "Path to configuration file")
	version    = "1.0.0"
)

func main() {
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := initLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("starting stratum session engine",
		zap.String("version", version),
		zap.String("config", *configPath),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil && err != context.Canceled {
		logger.Fatal("fatal error", zap.Error(err))
	}

	logger.Info("shutdown complete")
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	pg, err := storage.NewPostgresStore(ctx, cfg.Postgres, logger)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer pg.Close()

	rs, err := storage.NewRedisStore(ctx, cfg.Redis, logger)
	if err != nil {
		return fmt.Errorf("connect redis: %w", err)
	}
	defer rs.Close()

	rpc := bitcoinrpc.New(cfg.Node.RPCURL, cfg.Node.RPCUser, cfg.Node.RPCPassword, 0)

	registry := mining.NewRegistry(logger, cfg.Mining.Extranonce2Size)
	poller := mining.NewPoller(logger, rpc, registry, cfg.Node.PollInterval, cfg.Mining.PoolAddress, cfg.Payout.ChainParams())

	collaborators := session.Collaborators{
		ClientStore:  pg,
		Stats:        rs,
		BlockStore:   pg,
		AddressStore: pg.Addresses(),
		Rpc:          rpc,
	}
	orchestrator := server.New(cfg.Server, cfg.Payout, logger, registry, collaborators)

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error { return poller.Run(groupCtx) })
	group.Go(func() error { return orchestrator.Run(groupCtx) })

	if err := group.Wait(); err != nil && err != context.Canceled {
		return err
	}
	return nil
}

// initLogger builds a zap logger from the configured level/format/output.
func initLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	var level zapcore.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = zapcore.InfoLevel
	}

	var encoderConfig zapcore.EncoderConfig
	if cfg.Format == "console" {
		encoderConfig = zap.NewDevelopmentEncoderConfig()
	} else {
		encoderConfig = zap.NewProductionEncoderConfig()
	}
	encoderConfig.TimeKey = "timestamp"
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	var encoder zapcore.Encoder
	if cfg.Format == "console" {
		encoder = zapcore.NewConsoleEncoder(encoderConfig)
	} else {
		encoder = zapcore.NewJSONEncoder(encoderConfig)
	}

	var writeSyncer zapcore.WriteSyncer
	if cfg.Output == "file" && cfg.FilePath != "" {
		file, err := os.OpenFile(cfg.FilePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		writeSyncer = zapcore.AddSync(file)
	} else {
		writeSyncer = zapcore.AddSync(os.Stdout)
	}

	core := zapcore.NewCore(encoder, writeSyncer, level)
	return zap.New(core, zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel)), nil
}

package main

import (
	"context"
	"flag"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	core "github.com/DomeLiquid/escrowmarket"
	"github.com/DomeLiquid/escrowmarket/config"
	"github.com/DomeLiquid/escrowmarket/escrow"
	"github.com/DomeLiquid/escrowmarket/gateway"
	"github.com/DomeLiquid/escrowmarket/lock"
	"github.com/DomeLiquid/escrowmarket/settlement"
	"github.com/DomeLiquid/escrowmarket/server"
	"github.com/DomeLiquid/escrowmarket/store/gormstore"
	"github.com/DomeLiquid/escrowmarket/store/memstore"
	"github.com/DomeLiquid/escrowmarket/utils"
	"github.com/facebookgo/clock"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

type closableStore interface {
	settlement.Store
	io.Closer
}

func main() {
	envFile := flag.String("env", ".env", "optional dotenv file")
	flag.Parse()

	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()

	cfg, err := config.Load(*envFile)
	if err != nil {
		logger.Fatal().Err(err).Msg("load config")
	}
	if level, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		logger = logger.Level(level)
	}

	if err := run(cfg, &logger); err != nil {
		logger.Fatal().Err(err).Msg("marketd stopped")
	}
}

func run(cfg *config.Config, logger *zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	clk := clock.New()

	store, err := openStore(ctx, clk, cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	seats, closeLock, err := openLock(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeLock()

	ids, err := utils.NewListingIdGenerator(cfg.NodeId)
	if err != nil {
		return err
	}

	gw := gateway.NewClient(cfg.GatewayBaseURL, cfg.GatewayKeyId, cfg.GatewayKeySecret, cfg.GatewayTimeout)
	metrics := settlement.NewMetrics()
	opts := []settlement.Option{
		settlement.WithGatewayKeyId(gw.KeyId()),
		settlement.WithCurrency(cfg.Currency),
		settlement.WithTimeouts(cfg.GatewayTimeout, cfg.Escrow.Timeout),
		settlement.WithListingIds(ids),
		settlement.WithMetrics(metrics),
	}
	if cfg.Escrow.Enabled() {
		client, err := escrow.Dial(cfg.Escrow.RPCURL)
		if err != nil {
			return errors.Wrap(err, "dial escrow rpc")
		}
		defer client.Close()
		releaser, err := escrow.NewEVMReleaser(clk, client, cfg.Escrow.Address, cfg.Escrow.AdminKey)
		if err != nil {
			return err
		}
		logger.Info().Str("contract", cfg.Escrow.Address).Str("admin", releaser.From().Hex()).Msg("escrow release enabled")
		opts = append(opts, settlement.WithEscrow(releaser))
	} else {
		logger.Warn().Msg("escrow not configured, verified payments settle without an on-chain release")
	}

	orch := settlement.New(clk, logger, store, seats, gw, gateway.NewHMACVerifier(cfg.GatewayKeySecret), opts...)
	worker := settlement.NewRetryWorker(clk, logger, orch, settlement.WithRetryInterval(cfg.RetryInterval))

	api := server.New(server.Config{
		Orchestrator: orch,
		Gateway:      gw,
		Metrics:      metrics.Handler(),
		AdminToken:   cfg.AdminToken,
		Log:          logger,
	})
	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info().Str("addr", cfg.ListenAddr).Msg("marketd listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "listen")
		}
		return nil
	})
	g.Go(func() error {
		return worker.Run(ctx)
	})
	g.Go(func() error {
		<-ctx.Done()
		logger.Info().Msg("shutting down marketd")
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(sctx)
	})
	return g.Wait()
}

func openStore(ctx context.Context, clk clock.Clock, cfg *config.Config) (closableStore, error) {
	switch cfg.StoreDriver {
	case config.StoreSqlite, config.StorePostgres:
		return gormstore.Open(cfg.StoreDriver, cfg.StoreDSN)
	default:
		s := memstore.New()
		if cfg.SeedDemo {
			if err := s.Seed(ctx, memstore.DemoListings(clk)); err != nil {
				return nil, errors.Wrap(err, "seed demo listings")
			}
		}
		return s, nil
	}
}

func openLock(ctx context.Context, cfg *config.Config, log core.Log) (core.PurchaseLock, func(), error) {
	if cfg.RedisAddr == "" {
		log.Info().Msg("purchase lock is in-process")
		return lock.NewMemoryLock(), func() {}, nil
	}
	client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, nil, errors.Wrap(err, "ping redis")
	}
	log.Info().Str("addr", cfg.RedisAddr).Dur("ttl", cfg.LockTTL).Msg("purchase lock backed by redis")
	return lock.NewRedisLock(client, cfg.LockTTL), func() { _ = client.Close() }, nil
}

// Command controller starts the SwarmOS dispatch controller: the HTTP API,
// the recovery sweeper, and the epoch rotator.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/swarmos/swarmos/internal/adapter/cas"
	"github.com/swarmos/swarmos/internal/adapter/ethsign"
	"github.com/swarmos/swarmos/internal/adapter/events"
	"github.com/swarmos/swarmos/internal/adapter/httpserver"
	"github.com/swarmos/swarmos/internal/adapter/ledgercli"
	"github.com/swarmos/swarmos/internal/adapter/observability"
	"github.com/swarmos/swarmos/internal/adapter/queue/redisq"
	"github.com/swarmos/swarmos/internal/adapter/repo/postgres"
	"github.com/swarmos/swarmos/internal/app"
	"github.com/swarmos/swarmos/internal/config"
	"github.com/swarmos/swarmos/internal/domain"
	"github.com/swarmos/swarmos/internal/usecase"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)
	observability.InitMetrics()

	ctx := context.Background()
	pool, err := postgres.NewPool(ctx, cfg.DBURL)
	if err != nil {
		slog.Error("db connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()
	if err := postgres.Migrate(ctx, pool); err != nil {
		slog.Error("db migrate failed", slog.Any("error", err))
		os.Exit(1)
	}

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, DB: cfg.RedisDB})
	defer func() { _ = rdb.Close() }()
	if err := rdb.Ping(ctx).Err(); err != nil {
		slog.Error("redis connect failed", slog.Any("error", err))
		os.Exit(1)
	}

	// Repositories and queue adapters.
	jobRepo := postgres.NewJobRepo(pool)
	counters := postgres.NewCounters(pool)
	addresses := postgres.NewAddressBook(pool)
	queue := redisq.NewQueue(rdb)
	registry := redisq.NewRegistry(rdb)
	nonces := redisq.NewNonceGuard(rdb)

	ledger := ledgercli.New(cfg.LedgerURL, cfg.LedgerCallTimeout, cfg.LedgerRetryMax, cfg.LedgerRetryBase)

	var publisher domain.EventPublisher
	if cfg.KafkaEnabled {
		producer, err := events.NewProducer(cfg.KafkaBrokers, logger)
		if err != nil {
			slog.Error("kafka producer connect failed", slog.Any("error", err))
			os.Exit(1)
		}
		defer func() {
			if err := producer.Close(); err != nil {
				slog.Error("kafka producer close failed", slog.Any("error", err))
			}
		}()
		publisher = producer
	}

	signer, err := ethsign.NewSigner(cfg.OperatorPrivateKey)
	if err != nil {
		slog.Error("operator key invalid", slog.Any("error", err))
		os.Exit(1)
	}

	split := usecase.FeeSplit{
		ProtocolPct:  cfg.ProtocolFeePct,
		OperatorPct:  cfg.OperatorFeePct,
		WorkPct:      cfg.WorkPoolPct,
		ReadinessPct: cfg.ReadinessPoolPct,
	}

	dispatch := &usecase.Dispatch{
		Jobs:             jobRepo,
		Queue:            queue,
		Registry:         registry,
		Nonces:           nonces,
		Counters:         counters,
		Ledger:           ledger,
		Verifier:         ethsign.NewVerifier(),
		Addresses:        addresses,
		Events:           publisher,
		Price:            cfg.PricePerJob,
		Split:            split,
		ReplayWindow:     cfg.ReplayWindow,
		ClaimTimeout:     cfg.ClaimTimeout,
		HeartbeatTimeout: cfg.HeartbeatTimeout,
		Log:              logger,
	}
	dispatch.Start()

	sealer := &usecase.Sealer{
		Jobs:               jobRepo,
		Counters:           counters,
		Ledger:             ledger,
		Registry:           registry,
		CAS:                cas.NewIPFS(cfg.IPFSAPIURL, 30*time.Second),
		Signer:             signer,
		Split:              split,
		ReadinessMinUptime: cfg.ReadinessMinUptime,
		Log:                logger,
	}
	if err := sealer.Bootstrap(ctx); err != nil {
		slog.Error("epoch bootstrap failed", slog.Any("error", err))
		os.Exit(1)
	}

	srv := httpserver.NewControllerServer(dispatch, sealer, ledger)
	handler := app.BuildControllerRouter(cfg, srv)

	bgCtx, stopBackground := context.WithCancel(ctx)
	defer stopBackground()
	go app.NewSweeper(dispatch, cfg.HeartbeatSweepInterval, logger).Run(bgCtx)
	go app.NewEpochRotator(sealer, cfg.EpochDuration, cfg.EpochCheckInterval, logger).Run(bgCtx)

	srvHTTP := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           handler,
		ReadTimeout:       cfg.HTTPReadTimeout,
		WriteTimeout:      cfg.HTTPWriteTimeout,
		IdleTimeout:       cfg.HTTPIdleTimeout,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("controller starting", slog.Int("port", cfg.Port), slog.String("operator", signer.Address()))
		errCh <- srvHTTP.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("shutdown signal received", slog.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", slog.Any("error", err))
		}
	}

	stopBackground()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
	defer cancel()
	_ = srvHTTP.Shutdown(shutdownCtx)
}

// Command agent starts a SwarmOS worker node that claims and executes jobs
// from the dispatch controller.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/swarmos/swarmos/internal/adapter/cas"
	"github.com/swarmos/swarmos/internal/adapter/ethsign"
	"github.com/swarmos/swarmos/internal/adapter/observability"
	"github.com/swarmos/swarmos/internal/agent"
	"github.com/swarmos/swarmos/internal/config"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)

	if cfg.AgentID == "" {
		slog.Error("AGENT_ID is required")
		os.Exit(1)
	}
	signer, err := ethsign.NewSigner(cfg.AgentPrivateKey)
	if err != nil {
		slog.Error("agent key invalid", slog.Any("error", err))
		os.Exit(1)
	}

	store := cas.NewIPFS(cfg.IPFSAPIURL, 30*time.Second)
	a := &agent.Agent{
		ID:       cfg.AgentID,
		GPUModel: cfg.AgentGPUModel,
		VRAMGB:   cfg.AgentVRAMGB,
		Endpoint: cfg.AgentEndpoint,
		API:      agent.NewClient(cfg.ControllerURL, 15*time.Second),
		Signer:   signer,
		Exec: &agent.SimulatedExecutor{
			CAS:     store,
			Worker:  cfg.AgentID,
			Latency: 2 * time.Second,
		},
		PollInterval:      cfg.PollInterval,
		HeartbeatInterval: cfg.HeartbeatInterval,
		ExecutionTimeout:  cfg.ExecutionTimeout,
		RetryBase:         cfg.LedgerRetryBase,
		Log:               logger,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := a.Run(ctx); err != nil {
		slog.Error("agent exited", slog.Any("error", err))
		os.Exit(1)
	}
}

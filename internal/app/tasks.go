package app

import (
	"context"
	"log/slog"
	"time"

	"github.com/swarmos/swarmos/internal/adapter/observability"
	"github.com/swarmos/swarmos/internal/usecase"
)

// Sweeper runs the controller's recovery loops: heartbeat demotion and
// claim timeout reaping.
type Sweeper struct {
	dispatch *usecase.Dispatch
	interval time.Duration
	log      *slog.Logger
}

// NewSweeper constructs a Sweeper; interval defaults to ten seconds.
func NewSweeper(dispatch *usecase.Dispatch, interval time.Duration, log *slog.Logger) *Sweeper {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &Sweeper{dispatch: dispatch, interval: interval, log: log}
}

// Run blocks until ctx is done.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.sweepOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			s.log.Info("sweeper stopping")
			return
		case <-ticker.C:
			s.sweepOnce(ctx)
		}
	}
}

func (s *Sweeper) sweepOnce(ctx context.Context) {
	if err := s.dispatch.SweepHeartbeats(ctx); err != nil {
		s.log.Error("heartbeat sweep failed", slog.Any("err", err))
	}
	reaped, err := s.dispatch.SweepClaims(ctx)
	if err != nil {
		s.log.Error("claim sweep failed", slog.Any("err", err))
		return
	}
	if reaped > 0 {
		observability.ClaimsReapedTotal.Add(float64(reaped))
		s.log.Warn("reaped stale claims", slog.Int("count", reaped))
	}
}

// EpochRotator seals the active epoch once it outlives the configured
// duration. The check interval is short so rotation lands close to the
// boundary without an external scheduler.
type EpochRotator struct {
	sealer   *usecase.Sealer
	duration time.Duration
	interval time.Duration
	log      *slog.Logger
}

// NewEpochRotator constructs an EpochRotator.
func NewEpochRotator(sealer *usecase.Sealer, duration, interval time.Duration, log *slog.Logger) *EpochRotator {
	if interval <= 0 {
		interval = time.Minute
	}
	return &EpochRotator{sealer: sealer, duration: duration, interval: interval, log: log}
}

// Run blocks until ctx is done.
func (r *EpochRotator) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.log.Info("epoch rotator stopping")
			return
		case <-ticker.C:
			r.checkOnce(ctx)
		}
	}
}

func (r *EpochRotator) checkOnce(ctx context.Context) {
	due, epochID, err := r.sealer.RotationDue(ctx, r.duration)
	if err != nil {
		r.log.Error("epoch rotation check failed", slog.Any("err", err))
		return
	}
	if !due {
		return
	}
	next, err := r.sealer.Rotate(ctx)
	if err != nil {
		r.log.Error("epoch rotation failed", slog.String("epoch", epochID), slog.Any("err", err))
		return
	}
	r.log.Info("epoch rotated", slog.String("sealed", epochID), slog.String("opened", next))
}

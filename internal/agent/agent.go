package agent

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/swarmos/swarmos/internal/domain"
)

// State is the agent's lifecycle position.
type State string

const (
	StateUnregistered State = "unregistered"
	StateRegistering  State = "registering"
	StateIdle         State = "idle"
	StateProcessing   State = "processing"
	StateDraining     State = "draining"
	StateStopped      State = "stopped"
)

// heartbeat failures tolerated before the agent drains.
const maxHeartbeatFailures = 3

// Agent drives one worker node: register, heartbeat, claim, execute,
// complete. It processes a single job at a time.
type Agent struct {
	ID       string
	GPUModel string
	VRAMGB   int
	Endpoint string

	API    ControllerAPI
	Signer domain.Signer
	Exec   Executor

	PollInterval      time.Duration
	HeartbeatInterval time.Duration
	ExecutionTimeout  time.Duration
	RetryBase         time.Duration

	Log *slog.Logger
	Now func() time.Time

	mu           sync.Mutex
	state        State
	currentJobID string
	drain        bool
	hbFailures   int
}

func (a *Agent) now() time.Time {
	if a.Now != nil {
		return a.Now()
	}
	return time.Now()
}

// State returns the agent's current lifecycle state.
func (a *Agent) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state == "" {
		return StateUnregistered
	}
	return a.state
}

func (a *Agent) setState(s State, jobID string) {
	a.mu.Lock()
	a.state = s
	a.currentJobID = jobID
	a.mu.Unlock()
}

func (a *Agent) snapshot() (State, string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state, a.currentJobID
}

func (a *Agent) requestDrain(reason string) {
	a.mu.Lock()
	already := a.drain
	a.drain = true
	a.mu.Unlock()
	if !already {
		a.Log.Warn("agent draining", slog.String("reason", reason))
	}
}

func (a *Agent) draining() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.drain
}

// Run registers and then claims jobs until ctx ends or heartbeats fail
// repeatedly. An in-flight job is finished before the agent stops.
func (a *Agent) Run(ctx context.Context) error {
	if err := a.register(ctx); err != nil {
		a.setState(StateStopped, "")
		return err
	}
	a.setState(StateIdle, "")
	a.Log.Info("agent registered", slog.String("worker", a.ID), slog.String("gpu", a.GPUModel))

	hbCtx, stopHeartbeat := context.WithCancel(context.Background())
	defer stopHeartbeat()
	go a.heartbeatLoop(hbCtx)

	ticker := time.NewTicker(a.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			a.requestDrain("shutdown signal")
		case <-ticker.C:
		}
		if a.draining() {
			a.setState(StateStopped, "")
			a.Log.Info("agent stopped", slog.String("worker", a.ID))
			return nil
		}

		qj, err := a.API.Claim(ctx, a.ID)
		if err != nil {
			a.Log.Warn("claim failed", slog.Any("err", err))
			continue
		}
		if qj == nil {
			continue
		}
		a.process(*qj)
	}
}

func (a *Agent) register(ctx context.Context) error {
	a.setState(StateRegistering, "")
	ts := a.now().Unix()
	msg := domain.WorkerRegisterMessage(a.ID, a.Endpoint, time.Unix(ts, 0))
	sig, err := a.Signer.Sign(msg)
	if err != nil {
		return fmt.Errorf("op=agent.register worker=%s: %w", a.ID, err)
	}
	payload := RegisterPayload{
		Worker:    a.ID,
		GPUModel:  a.GPUModel,
		VRAMGB:    a.VRAMGB,
		Endpoint:  a.Endpoint,
		Timestamp: ts,
		Signature: sig,
	}
	return withRetries(ctx, 5, a.RetryBase, func() error {
		return a.API.Register(ctx, payload)
	})
}

func (a *Agent) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(a.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		state, jobID := a.snapshot()
		var status domain.WorkerStatus
		switch state {
		case StateIdle:
			status = domain.WorkerOnline
		case StateProcessing:
			status = domain.WorkerBusy
		default:
			continue
		}
		if a.draining() {
			status = domain.WorkerDraining
		}
		if err := a.API.Heartbeat(ctx, a.ID, status, jobID); err != nil {
			a.mu.Lock()
			a.hbFailures++
			failures := a.hbFailures
			a.mu.Unlock()
			a.Log.Warn("heartbeat failed", slog.Int("consecutive", failures), slog.Any("err", err))
			if failures >= maxHeartbeatFailures {
				a.requestDrain("heartbeat failures")
			}
			continue
		}
		a.mu.Lock()
		a.hbFailures = 0
		a.mu.Unlock()
	}
}

// process runs one claimed job through execution and reporting on a fresh
// context. A shutdown signal drains the agent after the job, never mid-job.
func (a *Agent) process(qj domain.QueuedJob) {
	a.setState(StateProcessing, qj.JobID)
	defer a.setState(StateIdle, "")
	a.Log.Info("job claimed", slog.String("job", qj.JobID), slog.String("type", qj.Kind))

	ctx := context.Background()
	start := a.now()
	execCtx, cancel := context.WithTimeout(ctx, a.ExecutionTimeout)
	resultRef, err := a.Exec.Execute(execCtx, qj)
	cancel()
	if err != nil {
		a.Log.Error("execution failed", slog.String("job", qj.JobID), slog.Any("err", err))
		if failErr := a.API.Fail(ctx, qj.JobID, err.Error()); failErr != nil {
			a.Log.Error("fail report failed", slog.String("job", qj.JobID), slog.Any("err", failErr))
		}
		return
	}
	executionMS := a.now().Sub(start).Milliseconds()

	poe := PoEHash(qj.JobID, resultRef, a.ID)
	msg := domain.JobCompleteMessage(qj.JobID, a.ID, resultRef, poe)
	sig, err := a.Signer.Sign(msg)
	if err != nil {
		a.Log.Error("sign completion failed", slog.String("job", qj.JobID), slog.Any("err", err))
		return
	}
	payload := CompletePayload{
		Worker:      a.ID,
		ResultRef:   resultRef,
		PoEHash:     poe,
		ExecutionMS: executionMS,
		Signature:   sig,
	}
	err = withRetries(ctx, 3, a.RetryBase, func() error {
		err := a.API.Complete(ctx, qj.JobID, payload)
		if err != nil && domain.ErrorKind(err) != "unavailable" && domain.ErrorKind(err) != "timeout" {
			// Non-transient rejections never succeed on retry.
			return backoffPermanent(err)
		}
		return err
	})
	if err != nil {
		a.Log.Error("completion report failed", slog.String("job", qj.JobID), slog.Any("err", err))
		return
	}
	a.Log.Info("job completed",
		slog.String("job", qj.JobID),
		slog.String("result", resultRef),
		slog.Int64("execution_ms", executionMS),
	)
}

package agent

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/swarmos/swarmos/internal/domain"
)

type stubSigner struct{ addr string }

func (s stubSigner) Sign(message string) (string, error) {
	sum := sha256.Sum256([]byte(message))
	return "0x" + hex.EncodeToString(sum[:]), nil
}

func (s stubSigner) Address() string { return s.addr }

type memCAS struct {
	mu    sync.Mutex
	blobs map[string][]byte
}

func newMemCAS() *memCAS { return &memCAS{blobs: map[string][]byte{}} }

func (c *memCAS) Put(_ domain.Context, data []byte) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	sum := sha256.Sum256(data)
	ref := "ipfs://" + hex.EncodeToString(sum[:8])
	c.blobs[ref] = append([]byte(nil), data...)
	return ref, nil
}

func (c *memCAS) Get(_ domain.Context, ref string) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.blobs[ref]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return b, nil
}

// stubAPI records every call and serves queued jobs one at a time.
type stubAPI struct {
	mu         sync.Mutex
	registered []RegisterPayload
	heartbeats []domain.WorkerStatus
	completed  map[string]CompletePayload
	failed     map[string]string
	queue      []domain.QueuedJob

	registerErr  error
	registerFail int
	completeErr  error
}

func newStubAPI() *stubAPI {
	return &stubAPI{
		completed: map[string]CompletePayload{},
		failed:    map[string]string{},
	}
}

func (s *stubAPI) Register(_ domain.Context, p RegisterPayload) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.registerFail > 0 {
		s.registerFail--
		return fmt.Errorf("register: %w", domain.ErrUnavailable)
	}
	if s.registerErr != nil {
		return s.registerErr
	}
	s.registered = append(s.registered, p)
	return nil
}

func (s *stubAPI) Heartbeat(_ domain.Context, _ string, status domain.WorkerStatus, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.heartbeats = append(s.heartbeats, status)
	return nil
}

func (s *stubAPI) Claim(_ domain.Context, _ string) (*domain.QueuedJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return nil, nil
	}
	qj := s.queue[0]
	s.queue = s.queue[1:]
	return &qj, nil
}

func (s *stubAPI) Complete(_ domain.Context, jobID string, p CompletePayload) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.completeErr != nil {
		return s.completeErr
	}
	s.completed[jobID] = p
	return nil
}

func (s *stubAPI) Fail(_ domain.Context, jobID, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failed[jobID] = reason
	return nil
}

func (s *stubAPI) enqueue(qj domain.QueuedJob) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queue = append(s.queue, qj)
}

func (s *stubAPI) completedJob(jobID string) (CompletePayload, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.completed[jobID]
	return p, ok
}

func (s *stubAPI) failedJob(jobID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.failed[jobID]
	return r, ok
}

func (s *stubAPI) drained() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue) == 0
}

type fnExecutor func(ctx domain.Context, qj domain.QueuedJob) (string, error)

func (f fnExecutor) Execute(ctx domain.Context, qj domain.QueuedJob) (string, error) {
	return f(ctx, qj)
}

func newTestAgent(api *stubAPI, exec Executor) *Agent {
	return &Agent{
		ID:                "w1",
		GPUModel:          "RTX 4090",
		VRAMGB:            24,
		Endpoint:          "http://w1.local:9000",
		API:               api,
		Signer:            stubSigner{addr: "0xw1"},
		Exec:              exec,
		PollInterval:      5 * time.Millisecond,
		HeartbeatInterval: time.Hour,
		ExecutionTimeout:  time.Second,
		RetryBase:         time.Millisecond,
		Log:               slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

func runUntil(t *testing.T, a *Agent, done func() bool) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	finished := make(chan error, 1)
	go func() { finished <- a.Run(ctx) }()

	deadline := time.Now().Add(3 * time.Second)
	for !done() {
		if time.Now().After(deadline) {
			cancel()
			t.Fatal("condition not reached before deadline")
		}
		time.Sleep(2 * time.Millisecond)
	}
	cancel()
	require.NoError(t, <-finished)
	assert.Equal(t, StateStopped, a.State())
}

func TestPoEHashIsDeterministic(t *testing.T) {
	h1 := PoEHash("job-001-0001", "ipfs://abc", "w1")
	h2 := PoEHash("job-001-0001", "ipfs://abc", "w1")
	assert.Equal(t, h1, h2)
	assert.Len(t, h1, 64)

	want := sha256.Sum256([]byte("job-001-0001:ipfs://abc:w1"))
	assert.Equal(t, hex.EncodeToString(want[:]), h1)

	assert.NotEqual(t, h1, PoEHash("job-001-0001", "ipfs://abc", "w2"))
	assert.NotEqual(t, h1, PoEHash("job-001-0001", "ipfs://def", "w1"))
}

func TestAgentRegistersAndSignsIdentity(t *testing.T) {
	api := newStubAPI()
	a := newTestAgent(api, fnExecutor(func(domain.Context, domain.QueuedJob) (string, error) {
		return "ipfs://r", nil
	}))

	runUntil(t, a, func() bool {
		api.mu.Lock()
		defer api.mu.Unlock()
		return len(api.registered) == 1
	})

	p := api.registered[0]
	assert.Equal(t, "w1", p.Worker)
	assert.Equal(t, "RTX 4090", p.GPUModel)
	assert.Equal(t, 24, p.VRAMGB)

	msg := domain.WorkerRegisterMessage(p.Worker, p.Endpoint, time.Unix(p.Timestamp, 0))
	want, _ := stubSigner{}.Sign(msg)
	assert.Equal(t, want, p.Signature)
}

func TestAgentRetriesTransientRegisterErrors(t *testing.T) {
	api := newStubAPI()
	api.registerFail = 2
	a := newTestAgent(api, fnExecutor(func(domain.Context, domain.QueuedJob) (string, error) {
		return "ipfs://r", nil
	}))

	runUntil(t, a, func() bool {
		api.mu.Lock()
		defer api.mu.Unlock()
		return len(api.registered) == 1
	})
}

func TestAgentStopsWhenRegistrationIsRejected(t *testing.T) {
	api := newStubAPI()
	api.registerErr = backoffPermanent(fmt.Errorf("bad signature: %w", domain.ErrUnauthorized))
	a := newTestAgent(api, nil)

	err := a.Run(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrUnauthorized))
	assert.Equal(t, StateStopped, a.State())
}

func TestAgentCompletesClaimedJob(t *testing.T) {
	api := newStubAPI()
	api.enqueue(domain.QueuedJob{
		JobID:    "job-001-0001",
		Kind:     "inference",
		Client:   "alice",
		InputRef: "ipfs://input",
		Fee:      "0.10",
	})
	cas := newMemCAS()
	exec := &SimulatedExecutor{CAS: cas, Worker: "w1"}
	a := newTestAgent(api, exec)

	runUntil(t, a, func() bool {
		_, ok := api.completedJob("job-001-0001")
		return ok
	})

	p, _ := api.completedJob("job-001-0001")
	assert.Equal(t, "w1", p.Worker)
	assert.Equal(t, PoEHash("job-001-0001", p.ResultRef, "w1"), p.PoEHash)

	msg := domain.JobCompleteMessage("job-001-0001", "w1", p.ResultRef, p.PoEHash)
	want, _ := stubSigner{}.Sign(msg)
	assert.Equal(t, want, p.Signature)

	// Result document landed in CAS and names the job.
	b, err := cas.Get(context.Background(), p.ResultRef)
	require.NoError(t, err)
	var doc map[string]any
	require.NoError(t, json.Unmarshal(b, &doc))
	assert.Equal(t, "job-001-0001", doc["job_id"])
	assert.Equal(t, "ipfs://input", doc["input_ref"])
}

func TestAgentReportsExecutionFailure(t *testing.T) {
	api := newStubAPI()
	api.enqueue(domain.QueuedJob{JobID: "job-001-0002", Kind: "inference"})
	a := newTestAgent(api, fnExecutor(func(domain.Context, domain.QueuedJob) (string, error) {
		return "", errors.New("cuda out of memory")
	}))

	runUntil(t, a, func() bool {
		_, ok := api.failedJob("job-001-0002")
		return ok
	})

	reason, _ := api.failedJob("job-001-0002")
	assert.Equal(t, "cuda out of memory", reason)
	_, completed := api.completedJob("job-001-0002")
	assert.False(t, completed)
}

func TestAgentProcessesJobsInOrder(t *testing.T) {
	api := newStubAPI()
	for i := 1; i <= 3; i++ {
		api.enqueue(domain.QueuedJob{JobID: fmt.Sprintf("job-001-%04d", i), Kind: "training"})
	}
	a := newTestAgent(api, fnExecutor(func(_ domain.Context, qj domain.QueuedJob) (string, error) {
		return "ipfs://result-" + qj.JobID, nil
	}))

	runUntil(t, a, func() bool {
		api.mu.Lock()
		defer api.mu.Unlock()
		return len(api.completed) == 3
	})
	assert.True(t, api.drained())
	p, ok := api.completedJob("job-001-0003")
	require.True(t, ok)
	assert.Equal(t, "ipfs://result-job-001-0003", p.ResultRef)
}

func TestAgentFinishesInFlightJobOnShutdown(t *testing.T) {
	api := newStubAPI()
	api.enqueue(domain.QueuedJob{JobID: "job-001-0007", Kind: "inference"})
	started := make(chan struct{})
	a := newTestAgent(api, fnExecutor(func(ctx domain.Context, qj domain.QueuedJob) (string, error) {
		close(started)
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(30 * time.Millisecond):
			return "ipfs://late-result", nil
		}
	}))

	ctx, cancel := context.WithCancel(context.Background())
	finished := make(chan error, 1)
	go func() { finished <- a.Run(ctx) }()

	<-started
	cancel()
	require.NoError(t, <-finished)
	assert.Equal(t, StateStopped, a.State())

	// The claimed job ran to completion despite the shutdown signal.
	p, ok := api.completedJob("job-001-0007")
	require.True(t, ok, "in-flight job must finish before the agent stops")
	assert.Equal(t, "ipfs://late-result", p.ResultRef)
	_, failed := api.failedJob("job-001-0007")
	assert.False(t, failed)
}

func TestAgentDrainsAfterHeartbeatFailures(t *testing.T) {
	a := newTestAgent(newStubAPI(), nil)
	a.requestDrain("heartbeat failures")
	a.requestDrain("heartbeat failures")
	assert.True(t, a.draining())
}

func TestSimulatedExecutorHonorsContext(t *testing.T) {
	exec := &SimulatedExecutor{CAS: newMemCAS(), Worker: "w1", Latency: time.Minute}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := exec.Execute(ctx, domain.QueuedJob{JobID: "job-001-0001"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

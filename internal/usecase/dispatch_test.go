package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/swarmos/swarmos/internal/adapter/repo/memory"
	"github.com/swarmos/swarmos/internal/domain"
)

type harness struct {
	dispatch  *Dispatch
	settle    *Settle
	jobs      *fakeJobs
	queue     *fakeQueue
	registry  *fakeRegistry
	addresses *fakeAddresses
	counters  *fakeCounters
	events    *fakeEvents
	now       time.Time
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		jobs:      newFakeJobs(),
		queue:     newFakeQueue(),
		registry:  newFakeRegistry(),
		addresses: newFakeAddresses(),
		counters:  newFakeCounters(),
		events:    &fakeEvents{},
		// Anchored to wall time because the registry and queue fakes stamp
		// entries with time.Now; backdate helpers shift relative to that.
		now: time.Now().UTC(),
	}
	h.settle = NewSettle(memory.NewLedgerStore(), "protocol", "operator", slog.Default())
	h.dispatch = &Dispatch{
		Jobs:             h.jobs,
		Queue:            h.queue,
		Registry:         h.registry,
		Nonces:           newFakeNonces(),
		Counters:         h.counters,
		Ledger:           settleClient{h.settle},
		Verifier:         fakeVerifier{},
		Addresses:        h.addresses,
		Events:           h.events,
		Price:            d("0.10"),
		Split:            defaultSplit,
		ReplayWindow:     300 * time.Second,
		ClaimTimeout:     10 * time.Minute,
		HeartbeatTimeout: 60 * time.Second,
		Log:              slog.Default(),
		Now:              func() time.Time { return h.now },
	}
	h.dispatch.Start()

	ctx := context.Background()
	_, err := h.counters.Next(ctx, epochSeqCounter)
	require.NoError(t, err)
	require.NoError(t, h.settle.OpenEpoch(ctx, "epoch-001", h.now))
	return h
}

func (h *harness) fundClient(t *testing.T, client, amount string) {
	t.Helper()
	_, err := h.settle.Deposit(context.Background(), client, d(amount), "tx-fund-"+client)
	require.NoError(t, err)
	require.NoError(t, h.addresses.Bind(context.Background(), client, "0xaddr-"+client))
}

func (h *harness) submit(t *testing.T, client, nonce string) SubmitResult {
	t.Helper()
	res, err := h.submitErr(client, nonce)
	require.NoError(t, err)
	return res
}

func (h *harness) submitErr(client, nonce string) (SubmitResult, error) {
	return h.dispatch.Submit(context.Background(), SubmitRequest{
		Client:    client,
		Kind:      "spine-mri",
		InputRef:  "cas://scan-1",
		Timestamp: h.now.Unix(),
		Nonce:     nonce,
		Signature: "sig:0xaddr-" + client,
	})
}

func (h *harness) addWorker(t *testing.T, id string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, h.addresses.Bind(ctx, id, "0xaddr-"+id))
	require.NoError(t, h.registry.Register(ctx, domain.WorkerInfo{ID: id, GPUModel: "RTX-4090", VRAMGB: 24}))
}

func (h *harness) complete(jobID, worker, resultRef, poe string) (domain.Job, error) {
	return h.dispatch.Complete(context.Background(), CompleteRequest{
		JobID:     jobID,
		Worker:    worker,
		ResultRef: resultRef,
		PoEHash:   poe,
		Signature: "sig:0xaddr-" + worker,
	})
}

func TestSubmitReservesAndEnqueues(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.fundClient(t, "xyz.example", "1.00")

	res := h.submit(t, "xyz.example", "n1")
	assert.Equal(t, "job-001-0001", res.JobID)
	assert.Equal(t, "epoch-001", res.EpochID)
	assert.True(t, res.Fee.Equal(d("0.10")))

	acc, err := h.settle.Balance(ctx, "xyz.example")
	require.NoError(t, err)
	assert.True(t, acc.Balance.Equal(d("1.00")))
	assert.True(t, acc.Reserved.Equal(d("0.10")))
	assert.True(t, acc.Available().Equal(d("0.90")))

	depth, err := h.queue.Depth(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, depth)

	job, err := h.dispatch.GetJob(ctx, res.JobID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobQueued, job.Status)
	assert.Equal(t, "epoch-001", job.EpochID)
}

func TestSubmitRejectsBadSignature(t *testing.T) {
	h := newHarness(t)
	h.fundClient(t, "xyz.example", "1.00")

	_, err := h.dispatch.Submit(context.Background(), SubmitRequest{
		Client:    "xyz.example",
		Kind:      "spine-mri",
		InputRef:  "cas://scan-1",
		Timestamp: h.now.Unix(),
		Nonce:     "n1",
		Signature: "sig:0xsomeone-else",
	})
	assert.ErrorIs(t, err, domain.ErrUnauthorized)
}

func TestSubmitReplayWindowBoundary(t *testing.T) {
	h := newHarness(t)
	h.fundClient(t, "xyz.example", "1.00")

	// Exactly the window is rejected.
	_, err := h.dispatch.Submit(context.Background(), SubmitRequest{
		Client:    "xyz.example",
		Kind:      "spine-mri",
		InputRef:  "cas://scan-1",
		Timestamp: h.now.Add(-300 * time.Second).Unix(),
		Nonce:     "n-old",
		Signature: "sig:0xaddr-xyz.example",
	})
	assert.ErrorIs(t, err, domain.ErrUnauthorized)

	// One second inside the window is accepted.
	_, err = h.dispatch.Submit(context.Background(), SubmitRequest{
		Client:    "xyz.example",
		Kind:      "spine-mri",
		InputRef:  "cas://scan-1",
		Timestamp: h.now.Add(-299 * time.Second).Unix(),
		Nonce:     "n-fresh",
		Signature: "sig:0xaddr-xyz.example",
	})
	assert.NoError(t, err)
}

func TestSubmitNonceReplayDoesNotReserve(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.fundClient(t, "xyz.example", "1.00")

	h.submit(t, "xyz.example", "n1")
	_, err := h.submitErr("xyz.example", "n1")
	assert.ErrorIs(t, err, domain.ErrConflict)

	acc, err := h.settle.Balance(ctx, "xyz.example")
	require.NoError(t, err)
	assert.True(t, acc.Reserved.Equal(d("0.10")), "replay must not add a second hold")
}

func TestSubmitInsufficientFunds(t *testing.T) {
	h := newHarness(t)
	h.fundClient(t, "poor.example", "0.05")

	_, err := h.submitErr("poor.example", "n1")
	assert.ErrorIs(t, err, domain.ErrInsufficientFunds)
}

func TestSubmitReleasesHoldWhenPersistFails(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.fundClient(t, "xyz.example", "1.00")
	h.jobs.createErr = fmt.Errorf("jobs table down: %w", domain.ErrUnavailable)

	_, err := h.submitErr("xyz.example", "n1")
	assert.ErrorIs(t, err, domain.ErrUnavailable)

	acc, err := h.settle.Balance(ctx, "xyz.example")
	require.NoError(t, err)
	assert.True(t, acc.Reserved.IsZero(), "failed submit must not keep a hold")
	assert.True(t, acc.Available().Equal(d("1.00")))
}

func TestSubmitRefundsWhenEnqueueFails(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.fundClient(t, "xyz.example", "1.00")
	h.queue.enqueueErr = fmt.Errorf("queue down: %w", domain.ErrUnavailable)

	_, err := h.submitErr("xyz.example", "n1")
	assert.ErrorIs(t, err, domain.ErrUnavailable)

	acc, err := h.settle.Balance(ctx, "xyz.example")
	require.NoError(t, err)
	assert.True(t, acc.Reserved.IsZero())
	assert.True(t, acc.Available().Equal(d("1.00")))

	// The persisted row records the failure instead of dangling as queued.
	job, err := h.dispatch.GetJob(ctx, "job-001-0001")
	require.NoError(t, err)
	assert.Equal(t, domain.JobFailed, job.Status)
}

func TestClaimPreconditions(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	_, err := h.dispatch.Claim(ctx, "ghost")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	h.addWorker(t, "w1")
	require.NoError(t, h.registry.SetStatus(ctx, "w1", domain.WorkerBusy, "job-001-0001"))
	_, err = h.dispatch.Claim(ctx, "w1")
	assert.ErrorIs(t, err, domain.ErrForbidden)

	require.NoError(t, h.registry.SetStatus(ctx, "w1", domain.WorkerOnline, ""))
	got, err := h.dispatch.Claim(ctx, "w1")
	require.NoError(t, err)
	assert.Nil(t, got, "empty queue yields nil, not an error")
}

func TestClaimTransitionsJobAndWorker(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.fundClient(t, "xyz.example", "1.00")
	h.addWorker(t, "w1")
	res := h.submit(t, "xyz.example", "n1")

	got, err := h.dispatch.Claim(ctx, "w1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, res.JobID, got.JobID)

	job, err := h.dispatch.GetJob(ctx, res.JobID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobProcessing, job.Status)
	assert.Equal(t, "w1", job.Worker)
	assert.False(t, job.StartedAt.IsZero())

	w, err := h.registry.Get(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, domain.WorkerBusy, w.Status)
	assert.Equal(t, res.JobID, w.CurrentJobID)
}

func TestCompleteSettlesOnce(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.fundClient(t, "xyz.example", "1.00")
	h.addWorker(t, "w1")
	res := h.submit(t, "xyz.example", "n1")
	_, err := h.dispatch.Claim(ctx, "w1")
	require.NoError(t, err)

	job, err := h.complete(res.JobID, "w1", "cas://result", "poe-hash")
	require.NoError(t, err)
	assert.Equal(t, domain.JobCompleted, job.Status)
	assert.Equal(t, "cas://result", job.ResultRef)

	client, _ := h.settle.Balance(ctx, "xyz.example")
	assert.True(t, client.Balance.Equal(d("0.90")))
	assert.True(t, client.Reserved.IsZero())
	assert.True(t, client.TotalOut.Equal(d("0.10")))

	worker, _ := h.settle.Balance(ctx, "w1")
	assert.True(t, worker.Pending.Equal(d("0.0651")))

	w, _ := h.registry.Get(ctx, "w1")
	assert.Equal(t, domain.WorkerOnline, w.Status)
	assert.Empty(t, w.CurrentJobID)

	assert.Len(t, h.events.byType("job.completed"), 1)

	// Retried complete returns the same record without re-settling.
	again, err := h.complete(res.JobID, "w1", "cas://result", "poe-hash")
	require.NoError(t, err)
	assert.Equal(t, job.ResultRef, again.ResultRef)
	client, _ = h.settle.Balance(ctx, "xyz.example")
	assert.True(t, client.Balance.Equal(d("0.90")))
	worker, _ = h.settle.Balance(ctx, "w1")
	assert.True(t, worker.Pending.Equal(d("0.0651")))
}

func TestCompleteByWrongWorker(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.fundClient(t, "xyz.example", "1.00")
	h.addWorker(t, "w1")
	h.addWorker(t, "w2")
	res := h.submit(t, "xyz.example", "n1")
	_, err := h.dispatch.Claim(ctx, "w1")
	require.NoError(t, err)

	_, err = h.complete(res.JobID, "w2", "cas://result", "poe")
	assert.ErrorIs(t, err, domain.ErrForbidden)
}

func TestCompleteUnclaimedJob(t *testing.T) {
	h := newHarness(t)
	h.fundClient(t, "xyz.example", "1.00")
	h.addWorker(t, "w1")
	res := h.submit(t, "xyz.example", "n1")

	_, err := h.complete(res.JobID, "w1", "cas://result", "poe")
	assert.ErrorIs(t, err, domain.ErrPreconditionFailed)
}

func TestFailRefundsReservation(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.fundClient(t, "xyz.example", "1.00")
	h.addWorker(t, "w1")
	res := h.submit(t, "xyz.example", "n1")
	_, err := h.dispatch.Claim(ctx, "w1")
	require.NoError(t, err)

	require.NoError(t, h.dispatch.Fail(ctx, res.JobID, "cuda out of memory"))

	job, _ := h.dispatch.GetJob(ctx, res.JobID)
	assert.Equal(t, domain.JobFailed, job.Status)
	assert.Equal(t, "cuda out of memory", job.Error)

	acc, _ := h.settle.Balance(ctx, "xyz.example")
	assert.True(t, acc.Available().Equal(d("1.00")), "refund restores pre-submit funds")
	assert.True(t, acc.Reserved.IsZero())

	w, _ := h.registry.Get(ctx, "w1")
	assert.Equal(t, domain.WorkerOnline, w.Status)
	assert.Len(t, h.events.byType("job.failed"), 1)

	// Failing again is a no-op; completing a failed job is rejected.
	require.NoError(t, h.dispatch.Fail(ctx, res.JobID, "again"))
	_, err = h.complete(res.JobID, "w1", "cas://r", "poe")
	assert.ErrorIs(t, err, domain.ErrPreconditionFailed)
}

func TestSweepClaimsReapsAbandonedJob(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.fundClient(t, "xyz.example", "1.00")
	h.addWorker(t, "w1")
	res := h.submit(t, "xyz.example", "n1")
	_, err := h.dispatch.Claim(ctx, "w1")
	require.NoError(t, err)

	// Young claim is untouched.
	reaped, err := h.dispatch.SweepClaims(ctx)
	require.NoError(t, err)
	assert.Zero(t, reaped)

	h.queue.backdateClaim(res.JobID, 11*time.Minute)
	reaped, err = h.dispatch.SweepClaims(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, reaped)

	job, _ := h.dispatch.GetJob(ctx, res.JobID)
	assert.Equal(t, domain.JobFailed, job.Status)
	acc, _ := h.settle.Balance(ctx, "xyz.example")
	assert.True(t, acc.Available().Equal(d("1.00")))
}

func TestSweepHeartbeatsDemotesAndFails(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.fundClient(t, "xyz.example", "1.00")
	h.addWorker(t, "w1")
	res := h.submit(t, "xyz.example", "n1")
	_, err := h.dispatch.Claim(ctx, "w1")
	require.NoError(t, err)

	h.registry.backdateHeartbeat("w1", 2*time.Minute)
	require.NoError(t, h.dispatch.SweepHeartbeats(ctx))

	w, _ := h.registry.Get(ctx, "w1")
	assert.Equal(t, domain.WorkerOffline, w.Status)

	job, _ := h.dispatch.GetJob(ctx, res.JobID)
	assert.Equal(t, domain.JobFailed, job.Status)
	acc, _ := h.settle.Balance(ctx, "xyz.example")
	assert.True(t, acc.Available().Equal(d("1.00")))
}

func TestRegisterBindsAddressOnFirstUse(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	err := h.dispatch.Register(ctx, RegisterRequest{
		Worker:    "w9",
		GPUModel:  "H100",
		VRAMGB:    80,
		Endpoint:  "http://w9:9000",
		Timestamp: h.now.Unix(),
		Signature: "sig:0xkey-w9",
	})
	require.NoError(t, err)

	addr, err := h.addresses.AddressOf(ctx, "w9")
	require.NoError(t, err)
	assert.Equal(t, "0xkey-w9", addr)

	// Re-registering with the same key is fine; a different key is not.
	require.NoError(t, h.dispatch.Register(ctx, RegisterRequest{
		Worker: "w9", Endpoint: "http://w9:9000", Timestamp: h.now.Unix(), Signature: "sig:0xkey-w9",
	}))
	err = h.dispatch.Register(ctx, RegisterRequest{
		Worker: "w9", Endpoint: "http://w9:9000", Timestamp: h.now.Unix(), Signature: "sig:0xother-key",
	})
	assert.ErrorIs(t, err, domain.ErrUnauthorized)
}

func TestStatusReport(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.fundClient(t, "xyz.example", "1.00")
	h.addWorker(t, "w1")
	h.addWorker(t, "w2")
	h.submit(t, "xyz.example", "n1")
	h.submit(t, "xyz.example", "n2")
	_, err := h.dispatch.Claim(ctx, "w1")
	require.NoError(t, err)

	st, err := h.dispatch.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, "epoch-001", st.CurrentEpoch)
	assert.EqualValues(t, 1, st.QueueDepth)
	assert.EqualValues(t, 1, st.Processing)
	assert.Equal(t, 1, st.WorkersOnline)
	assert.Equal(t, 1, st.WorkersBusy)
	assert.Equal(t, 2, st.WorkersTotal)
}

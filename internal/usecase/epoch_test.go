package usecase

import (
	"context"
	"encoding/json"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/swarmos/swarmos/internal/domain"
	"github.com/swarmos/swarmos/internal/receipt"
)

const emptyMerkleRoot = "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"

// newSealer attaches a Sealer to an existing dispatch harness. Its clock
// runs an hour ahead of registration so a 30 minute readiness floor is met.
func newSealer(h *harness) (*Sealer, *fakeCAS) {
	cas := newFakeCAS()
	return &Sealer{
		Jobs:               h.jobs,
		Counters:           h.counters,
		Ledger:             settleClient{h.settle},
		Registry:           h.registry,
		CAS:                cas,
		Signer:             fakeSigner{addr: "0xoperator"},
		Split:              defaultSplit,
		ReadinessMinUptime: 30 * time.Minute,
		Log:                slog.Default(),
		Now:                func() time.Time { return time.Now().UTC().Add(time.Hour) },
	}, cas
}

func completeOneJob(t *testing.T, h *harness) domain.Job {
	t.Helper()
	ctx := context.Background()
	h.fundClient(t, "xyz.example", "1.00")
	h.addWorker(t, "w1")
	res := h.submit(t, "xyz.example", "n1")
	_, err := h.dispatch.Claim(ctx, "w1")
	require.NoError(t, err)
	job, err := h.complete(res.JobID, "w1", "cas://result", "poe-hash")
	require.NoError(t, err)
	return job
}

func TestBootstrapIsIdempotent(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	sealer, _ := newSealer(h)

	// The harness already opened epoch-001; Bootstrap must not advance it.
	require.NoError(t, sealer.Bootstrap(ctx))
	require.NoError(t, sealer.Bootstrap(ctx))

	seq, err := h.counters.Current(ctx, epochSeqCounter)
	require.NoError(t, err)
	assert.EqualValues(t, 1, seq)

	epoch, err := h.settle.Epoch(ctx, "epoch-001")
	require.NoError(t, err)
	assert.Equal(t, domain.EpochActive, epoch.Status)
}

func TestRotateWithoutActiveEpoch(t *testing.T) {
	h := newHarness(t)
	sealer, _ := newSealer(h)
	sealer.Counters = newFakeCounters()

	_, err := sealer.Rotate(context.Background())
	assert.ErrorIs(t, err, domain.ErrPreconditionFailed)
}

func TestRotateSealsClosingEpoch(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	sealer, cas := newSealer(h)
	job := completeOneJob(t, h)

	next, err := sealer.Rotate(ctx)
	require.NoError(t, err)
	assert.Equal(t, "epoch-002", next)

	epoch, err := h.settle.Epoch(ctx, "epoch-001")
	require.NoError(t, err)
	assert.Equal(t, domain.EpochFinalized, epoch.Status)
	assert.Equal(t, 1, epoch.JobsCount)
	assert.True(t, epoch.TotalRevenue.Equal(d("0.10")))
	assert.Equal(t, "0xsig:0xoperator", epoch.Signature)
	assert.False(t, epoch.SealedAt.IsZero())

	tree, err := receipt.NewTree([]domain.Job{job})
	require.NoError(t, err)
	assert.Equal(t, tree.Root(), epoch.MerkleRoot)

	// Payouts: worker's pending work share plus readiness, fees to treasury.
	worker, _ := h.settle.Balance(ctx, "w1")
	assert.True(t, worker.Pending.IsZero())
	assert.True(t, worker.Balance.Equal(d("0.093")), "worker got %s", worker.Balance)
	protocol, _ := h.settle.Balance(ctx, "protocol")
	assert.True(t, protocol.Balance.Equal(d("0.002")))
	operator, _ := h.settle.Balance(ctx, "operator")
	assert.True(t, operator.Balance.Equal(d("0.005")))

	// The bundle manifest resolves to four files, summary first.
	manifestRaw, err := cas.Get(ctx, epoch.BundleRef)
	require.NoError(t, err)
	var manifest map[string]string
	require.NoError(t, json.Unmarshal(manifestRaw, &manifest))
	for _, name := range []string{"SUMMARY.json", "jobs.json", "agents.json", "SIGNATURE.txt"} {
		assert.Contains(t, manifest, name)
	}
	summaryRaw, err := cas.Get(ctx, manifest["SUMMARY.json"])
	require.NoError(t, err)
	var summary map[string]any
	require.NoError(t, json.Unmarshal(summaryRaw, &summary))
	assert.Equal(t, "epoch-001", summary["epoch_id"])
	assert.Equal(t, epoch.MerkleRoot, summary["jobs_merkle_root"])
	assert.Equal(t, "0.09", summary["total_distributed"])

	// New submissions land in the new epoch.
	res := h.submit(t, "xyz.example", "n-next")
	assert.Equal(t, "job-002-0001", res.JobID)
	assert.Equal(t, "epoch-002", res.EpochID)

	// Resealing the closed epoch is rejected.
	assert.ErrorIs(t, sealer.Seal(ctx, "epoch-001"), domain.ErrPreconditionFailed)
}

func TestSealEmptyEpoch(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	sealer, _ := newSealer(h)

	next, err := sealer.Rotate(ctx)
	require.NoError(t, err)
	assert.Equal(t, "epoch-002", next)

	epoch, err := h.settle.Epoch(ctx, "epoch-001")
	require.NoError(t, err)
	assert.Equal(t, domain.EpochFinalized, epoch.Status)
	assert.Zero(t, epoch.JobsCount)
	assert.Equal(t, emptyMerkleRoot, epoch.MerkleRoot)
	assert.True(t, epoch.TotalRevenue.IsZero())
}

func TestCompleteAfterSealLandsInOpenEpoch(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	sealer, _ := newSealer(h)
	h.fundClient(t, "xyz.example", "1.00")
	h.addWorker(t, "w1")
	h.addWorker(t, "w2")
	res1 := h.submit(t, "xyz.example", "n1")
	res2 := h.submit(t, "xyz.example", "n2")
	_, err := h.dispatch.Claim(ctx, "w1")
	require.NoError(t, err)
	_, err = h.dispatch.Claim(ctx, "w2")
	require.NoError(t, err)
	_, err = h.complete(res1.JobID, "w1", "cas://r1", "poe-1")
	require.NoError(t, err)

	next, err := sealer.Rotate(ctx)
	require.NoError(t, err)
	require.Equal(t, "epoch-002", next)

	// The straggler settles in the epoch that is active now, with its
	// pending earning intact.
	job, err := h.complete(res2.JobID, "w2", "cas://r2", "poe-2")
	require.NoError(t, err)
	assert.Equal(t, "epoch-002", job.EpochID)
	w2, _ := h.settle.Balance(ctx, "w2")
	assert.True(t, w2.Pending.Equal(d("0.0651")), "w2 pending %s", w2.Pending)

	// The sealed epoch's receipt still reproduces its root.
	r, err := sealer.ReceiptFor(ctx, res1.JobID)
	require.NoError(t, err)
	assert.Equal(t, "epoch-001", r.EpochID)

	// The next rotation pays the straggler out.
	_, err = sealer.Rotate(ctx)
	require.NoError(t, err)
	w2, _ = h.settle.Balance(ctx, "w2")
	assert.True(t, w2.Pending.IsZero())
	assert.True(t, w2.Balance.GreaterThanOrEqual(d("0.0651")), "w2 balance %s", w2.Balance)
}

func TestReceiptSkipsJobsRecordedAfterSeal(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	sealer, _ := newSealer(h)
	job := completeOneJob(t, h)
	_, err := sealer.Rotate(ctx)
	require.NoError(t, err)

	epoch, err := h.settle.Epoch(ctx, "epoch-001")
	require.NoError(t, err)

	// A completion recorded against the old epoch after its seal must not
	// disturb the sealed tree.
	h.jobs.put(domain.Job{
		ID:          "job-001-0099",
		EpochID:     "epoch-001",
		Client:      "xyz.example",
		Worker:      "w1",
		Kind:        "spine-mri",
		Status:      domain.JobCompleted,
		InputRef:    "cas://scan-late",
		ResultRef:   "cas://late",
		PoEHash:     "poe-late",
		Fee:         d("0.10"),
		SubmittedAt: epoch.SealedAt.Add(time.Minute),
		CompletedAt: epoch.SealedAt.Add(2 * time.Minute),
	})

	r, err := sealer.ReceiptFor(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, epoch.MerkleRoot, r.JobsMerkleRoot)
}

func TestSealSkipsReadinessBelowUptimeFloor(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	sealer, _ := newSealer(h)
	sealer.ReadinessMinUptime = 48 * time.Hour
	completeOneJob(t, h)

	_, err := sealer.Rotate(ctx)
	require.NoError(t, err)

	// Work share only; the readiness pool stays unclaimed.
	worker, _ := h.settle.Balance(ctx, "w1")
	assert.True(t, worker.Balance.Equal(d("0.0651")), "worker got %s", worker.Balance)
	assert.True(t, worker.Pending.IsZero())
}

func TestReceiptForSealedJob(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	sealer, _ := newSealer(h)
	job := completeOneJob(t, h)
	_, err := sealer.Rotate(ctx)
	require.NoError(t, err)

	r, err := sealer.ReceiptFor(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, receipt.Version, r.ReceiptVersion)
	assert.Equal(t, job.ID, r.JobID)
	assert.Equal(t, "epoch-001", r.EpochID)
	assert.Equal(t, "w1", r.Agent)
	assert.Equal(t, "0.10", r.Price)
	assert.Equal(t, "USD", r.Currency)
	require.NoError(t, receipt.VerifyReceipt(r))

	epoch, err := h.settle.Epoch(ctx, "epoch-001")
	require.NoError(t, err)
	assert.Equal(t, epoch.MerkleRoot, r.JobsMerkleRoot)
	assert.Equal(t, epoch.BundleRef, r.EpochSignatureRef)
}

func TestReceiptForUnsealedEpoch(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	sealer, _ := newSealer(h)
	job := completeOneJob(t, h)

	_, err := sealer.ReceiptFor(ctx, job.ID)
	assert.ErrorIs(t, err, domain.ErrPreconditionFailed)
}

func TestReceiptForFailedJob(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	sealer, _ := newSealer(h)
	h.fundClient(t, "xyz.example", "1.00")
	h.addWorker(t, "w1")
	res := h.submit(t, "xyz.example", "n1")
	_, err := h.dispatch.Claim(ctx, "w1")
	require.NoError(t, err)
	require.NoError(t, h.dispatch.Fail(ctx, res.JobID, "oom"))

	_, err = sealer.ReceiptFor(ctx, res.JobID)
	assert.ErrorIs(t, err, domain.ErrPreconditionFailed)
}

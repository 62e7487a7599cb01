package usecase

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/swarmos/swarmos/internal/domain"
)

// Dispatch is the controller's job lifecycle service: submission with
// signature and funding checks, atomic claims, idempotent completion, and
// the failure/refund path shared by explicit fails and timeouts.
type Dispatch struct {
	Jobs      domain.JobRepository
	Queue     domain.Queue
	Registry  domain.WorkerRegistry
	Nonces    domain.NonceGuard
	Counters  domain.Counters
	Ledger    domain.LedgerClient
	Verifier  domain.SignatureVerifier
	Addresses domain.AddressBook
	Events    domain.EventPublisher

	Price            decimal.Decimal
	Split            FeeSplit
	ReplayWindow     time.Duration
	ClaimTimeout     time.Duration
	HeartbeatTimeout time.Duration

	Log *slog.Logger
	Now func() time.Time

	startedAt time.Time
}

const epochSeqCounter = "epoch_seq"

// EpochID renders an epoch sequence number as its public id.
func EpochID(seq int64) string { return fmt.Sprintf("epoch-%03d", seq) }

func jobSeqCounter(epochSeq int64) string { return fmt.Sprintf("job_seq:%d", epochSeq) }

func (d *Dispatch) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now()
}

// Start records process start for uptime reporting.
func (d *Dispatch) Start() { d.startedAt = d.now() }

// SubmitRequest is a signed client job submission.
type SubmitRequest struct {
	Client    string `json:"client"`
	Kind      string `json:"kind"`
	InputRef  string `json:"input_ref"`
	Timestamp int64  `json:"timestamp"`
	Nonce     string `json:"nonce"`
	Signature string `json:"signature"`
}

// SubmitResult acknowledges an accepted job.
type SubmitResult struct {
	JobID   string          `json:"job_id"`
	EpochID string          `json:"epoch_id"`
	Fee     decimal.Decimal `json:"fee"`
}

// Submit admits a job: signature, freshness, nonce, funding, then queue.
func (d *Dispatch) Submit(ctx domain.Context, req SubmitRequest) (SubmitResult, error) {
	if req.Client == "" || req.Kind == "" || req.InputRef == "" || req.Nonce == "" {
		return SubmitResult{}, fmt.Errorf("op=dispatch.Submit: missing fields: %w", domain.ErrBadRequest)
	}

	addr, err := d.Addresses.AddressOf(ctx, req.Client)
	if err != nil {
		return SubmitResult{}, fmt.Errorf("op=dispatch.Submit client=%s: no bound address: %w", req.Client, domain.ErrUnauthorized)
	}
	msg := domain.JobRequestMessage(req.Kind, req.Client, req.InputRef, time.Unix(req.Timestamp, 0), req.Nonce)
	if !d.Verifier.Verify(msg, req.Signature, addr) {
		return SubmitResult{}, fmt.Errorf("op=dispatch.Submit client=%s: signature mismatch: %w", req.Client, domain.ErrUnauthorized)
	}

	now := d.now()
	skew := now.Sub(time.Unix(req.Timestamp, 0))
	if skew < 0 {
		skew = -skew
	}
	// Exactly the window is already stale.
	if skew >= d.ReplayWindow {
		return SubmitResult{}, fmt.Errorf("op=dispatch.Submit client=%s: timestamp outside replay window: %w", req.Client, domain.ErrUnauthorized)
	}

	seen, err := d.Nonces.Seen(ctx, req.Client, req.Nonce, d.ReplayWindow)
	if err != nil {
		return SubmitResult{}, err
	}
	if seen {
		return SubmitResult{}, fmt.Errorf("op=dispatch.Submit client=%s nonce=%s: replay: %w", req.Client, req.Nonce, domain.ErrConflict)
	}

	epochSeq, err := d.Counters.Current(ctx, epochSeqCounter)
	if err != nil {
		return SubmitResult{}, err
	}
	if epochSeq == 0 {
		return SubmitResult{}, fmt.Errorf("op=dispatch.Submit: no active epoch: %w", domain.ErrUnavailable)
	}
	seq, err := d.Counters.Next(ctx, jobSeqCounter(epochSeq))
	if err != nil {
		return SubmitResult{}, err
	}
	jobID := fmt.Sprintf("job-%03d-%04d", epochSeq, seq)
	epochID := EpochID(epochSeq)

	if err := d.Ledger.Reserve(ctx, req.Client, d.Price, jobID); err != nil {
		return SubmitResult{}, err
	}

	job := domain.Job{
		ID:          jobID,
		EpochID:     epochID,
		Client:      req.Client,
		Kind:        req.Kind,
		Status:      domain.JobQueued,
		InputRef:    req.InputRef,
		Fee:         d.Price,
		SubmittedAt: now.UTC(),
	}
	if err := d.Jobs.Create(ctx, job); err != nil {
		d.releaseHold(ctx, req.Client, jobID)
		return SubmitResult{}, err
	}
	if err := d.Queue.Enqueue(ctx, domain.QueuedJob{
		JobID:      jobID,
		Kind:       req.Kind,
		Client:     req.Client,
		InputRef:   req.InputRef,
		Fee:        d.Price.StringFixed(2),
		EnqueuedAt: now.UTC(),
	}); err != nil {
		job.Status = domain.JobFailed
		job.Error = "enqueue failed"
		job.CompletedAt = now.UTC()
		if updErr := d.Jobs.Update(ctx, job); updErr != nil {
			d.Log.Warn("mark unqueued job failed", slog.String("job", jobID), slog.Any("err", updErr))
		}
		d.releaseHold(ctx, req.Client, jobID)
		return SubmitResult{}, err
	}

	d.Log.Info("job submitted",
		slog.String("job", jobID),
		slog.String("client", req.Client),
		slog.String("kind", req.Kind),
	)
	return SubmitResult{JobID: jobID, EpochID: epochID, Fee: d.Price}, nil
}

// Claim hands the best queued job to an online worker. Returns nil when the
// queue is empty.
func (d *Dispatch) Claim(ctx domain.Context, worker string) (*domain.QueuedJob, error) {
	w, err := d.Registry.Get(ctx, worker)
	if err != nil {
		return nil, err
	}
	if w.Status != domain.WorkerOnline {
		return nil, fmt.Errorf("op=dispatch.Claim worker=%s: status %s cannot claim: %w", worker, w.Status, domain.ErrForbidden)
	}

	qj, err := d.Queue.Claim(ctx, worker)
	if err != nil {
		return nil, err
	}
	if qj == nil {
		return nil, nil
	}

	job, err := d.Jobs.Get(ctx, qj.JobID)
	if err != nil {
		return nil, err
	}
	job.Status = domain.JobProcessing
	job.Worker = worker
	job.StartedAt = d.now().UTC()
	if err := d.Jobs.Update(ctx, job); err != nil {
		return nil, err
	}
	if err := d.Registry.SetStatus(ctx, worker, domain.WorkerBusy, qj.JobID); err != nil {
		return nil, err
	}
	d.Log.Info("job claimed", slog.String("job", qj.JobID), slog.String("worker", worker))
	return qj, nil
}

// CompleteRequest is a worker's signed completion report.
type CompleteRequest struct {
	JobID       string `json:"job_id"`
	Worker      string `json:"worker"`
	ResultRef   string `json:"result_ref"`
	PoEHash     string `json:"poe_hash"`
	ExecutionMS int64  `json:"execution_ms"`
	Signature   string `json:"signature"`
}

// Complete finishes a processing job and settles it: charge the client,
// credit the worker's pending balance with the work share. Idempotent: a
// retry on a completed job returns the stored record without re-settling.
func (d *Dispatch) Complete(ctx domain.Context, req CompleteRequest) (domain.Job, error) {
	job, err := d.Jobs.Get(ctx, req.JobID)
	if err != nil {
		return domain.Job{}, err
	}
	if job.Status == domain.JobCompleted {
		if job.Worker != req.Worker {
			return domain.Job{}, fmt.Errorf("op=dispatch.Complete job=%s: completed by %s: %w", req.JobID, job.Worker, domain.ErrForbidden)
		}
		return job, nil
	}
	if job.Terminal() {
		return domain.Job{}, fmt.Errorf("op=dispatch.Complete job=%s: already %s: %w", req.JobID, job.Status, domain.ErrPreconditionFailed)
	}
	if job.Status != domain.JobProcessing {
		return domain.Job{}, fmt.Errorf("op=dispatch.Complete job=%s: not processing: %w", req.JobID, domain.ErrPreconditionFailed)
	}
	if job.Worker != req.Worker {
		return domain.Job{}, fmt.Errorf("op=dispatch.Complete job=%s: claimed by %s: %w", req.JobID, job.Worker, domain.ErrForbidden)
	}

	addr, err := d.Addresses.AddressOf(ctx, req.Worker)
	if err != nil {
		return domain.Job{}, fmt.Errorf("op=dispatch.Complete worker=%s: no bound address: %w", req.Worker, domain.ErrUnauthorized)
	}
	msg := domain.JobCompleteMessage(req.JobID, req.Worker, req.ResultRef, req.PoEHash)
	if !d.Verifier.Verify(msg, req.Signature, addr) {
		return domain.Job{}, fmt.Errorf("op=dispatch.Complete job=%s: signature mismatch: %w", req.JobID, domain.ErrUnauthorized)
	}

	// A completion landing after its epoch started sealing settles in the
	// currently active epoch instead.
	epoch, err := d.Ledger.Epoch(ctx, job.EpochID)
	if err != nil {
		return domain.Job{}, err
	}
	if epoch.Status != domain.EpochActive {
		seq, err := d.Counters.Current(ctx, epochSeqCounter)
		if err != nil {
			return domain.Job{}, err
		}
		d.Log.Info("job re-homed to active epoch",
			slog.String("job", job.ID),
			slog.String("from", job.EpochID),
			slog.String("to", EpochID(seq)),
		)
		job.EpochID = EpochID(seq)
	}

	if err := d.Ledger.Charge(ctx, job.Client, job.Fee, job.ID); err != nil {
		return domain.Job{}, err
	}
	workShare := d.Split.WorkShare(job.Fee)
	if err := d.Ledger.Credit(ctx, req.Worker, workShare, job.ID, true); err != nil {
		return domain.Job{}, err
	}

	job.Status = domain.JobCompleted
	job.ResultRef = req.ResultRef
	job.PoEHash = req.PoEHash
	job.ExecutionMS = req.ExecutionMS
	job.CompletedAt = d.now().UTC()
	if err := d.Jobs.Update(ctx, job); err != nil {
		return domain.Job{}, err
	}
	if err := d.Queue.Release(ctx, job.ID); err != nil {
		return domain.Job{}, err
	}
	if err := d.Registry.SetStatus(ctx, req.Worker, domain.WorkerOnline, ""); err != nil {
		d.Log.Warn("release worker after complete", slog.String("worker", req.Worker), slog.Any("err", err))
	}

	d.publish(ctx, domain.JobEvent{
		Type:        "job.completed",
		JobID:       job.ID,
		EpochID:     job.EpochID,
		Client:      job.Client,
		Worker:      job.Worker,
		Kind:        job.Kind,
		Fee:         job.Fee.StringFixed(2),
		PoEHash:     job.PoEHash,
		ExecutionMS: job.ExecutionMS,
		OccurredAt:  job.CompletedAt.Format(time.RFC3339),
	})
	d.Log.Info("job completed",
		slog.String("job", job.ID),
		slog.String("worker", job.Worker),
		slog.Int64("execution_ms", job.ExecutionMS),
	)
	return job, nil
}

// Fail moves a processing job to failed and refunds the client's hold. Used
// for worker-reported failures, heartbeat loss, and claim timeouts.
// Idempotent: failing an already failed job is a no-op.
func (d *Dispatch) Fail(ctx domain.Context, jobID, reason string) error {
	job, err := d.Jobs.Get(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status == domain.JobFailed {
		return nil
	}
	if job.Status != domain.JobProcessing {
		return fmt.Errorf("op=dispatch.Fail job=%s: status %s: %w", jobID, job.Status, domain.ErrPreconditionFailed)
	}

	if err := d.Ledger.Refund(ctx, job.Client, job.ID); err != nil {
		return err
	}

	job.Status = domain.JobFailed
	job.Error = reason
	job.CompletedAt = d.now().UTC()
	if err := d.Jobs.Update(ctx, job); err != nil {
		return err
	}
	if err := d.Queue.Release(ctx, job.ID); err != nil {
		return err
	}
	if job.Worker != "" {
		if w, err := d.Registry.Get(ctx, job.Worker); err == nil &&
			w.Status == domain.WorkerBusy && w.CurrentJobID == job.ID {
			_ = d.Registry.SetStatus(ctx, job.Worker, domain.WorkerOnline, "")
		}
	}

	d.publish(ctx, domain.JobEvent{
		Type:       "job.failed",
		JobID:      job.ID,
		EpochID:    job.EpochID,
		Client:     job.Client,
		Worker:     job.Worker,
		Kind:       job.Kind,
		Fee:        job.Fee.StringFixed(2),
		Reason:     reason,
		OccurredAt: job.CompletedAt.Format(time.RFC3339),
	})
	d.Log.Warn("job failed", slog.String("job", job.ID), slog.String("reason", reason))
	return nil
}

// RegisterRequest carries a worker's identity proof.
type RegisterRequest struct {
	Worker    string `json:"worker"`
	GPUModel  string `json:"gpu_model"`
	VRAMGB    int    `json:"vram_gb"`
	Endpoint  string `json:"endpoint"`
	Timestamp int64  `json:"timestamp"`
	Signature string `json:"signature"`
}

// Register admits a worker. The first registration binds the recovered
// signer address to the identity; later registrations must sign with the
// same key.
func (d *Dispatch) Register(ctx domain.Context, req RegisterRequest) error {
	if req.Worker == "" {
		return fmt.Errorf("op=dispatch.Register: worker id required: %w", domain.ErrBadRequest)
	}
	msg := domain.WorkerRegisterMessage(req.Worker, req.Endpoint, time.Unix(req.Timestamp, 0))
	recovered, err := d.Verifier.Recover(msg, req.Signature)
	if err != nil {
		return err
	}
	bound, err := d.Addresses.AddressOf(ctx, req.Worker)
	switch {
	case err != nil:
		if err := d.Addresses.Bind(ctx, req.Worker, recovered); err != nil {
			return err
		}
	case !strings.EqualFold(bound, recovered):
		return fmt.Errorf("op=dispatch.Register worker=%s: key does not match bound address: %w", req.Worker, domain.ErrUnauthorized)
	}

	if err := d.Registry.Register(ctx, domain.WorkerInfo{
		ID:       req.Worker,
		GPUModel: req.GPUModel,
		VRAMGB:   req.VRAMGB,
		Endpoint: req.Endpoint,
	}); err != nil {
		return err
	}
	d.Log.Info("worker registered", slog.String("worker", req.Worker), slog.String("gpu", req.GPUModel))
	return nil
}

// Heartbeat refreshes a worker's liveness record.
func (d *Dispatch) Heartbeat(ctx domain.Context, worker string, status domain.WorkerStatus, currentJobID string) error {
	switch status {
	case domain.WorkerOnline, domain.WorkerBusy, domain.WorkerDraining:
	default:
		return fmt.Errorf("op=dispatch.Heartbeat worker=%s: bad status %q: %w", worker, status, domain.ErrBadRequest)
	}
	return d.Registry.Heartbeat(ctx, worker, status, currentJobID)
}

// GetJob returns one job record.
func (d *Dispatch) GetJob(ctx domain.Context, id string) (domain.Job, error) {
	return d.Jobs.Get(ctx, id)
}

// SweepHeartbeats demotes workers silent longer than the heartbeat timeout.
// A demoted worker's in-flight job fails immediately, releasing the
// client's hold.
func (d *Dispatch) SweepHeartbeats(ctx domain.Context) error {
	workers, err := d.Registry.All(ctx)
	if err != nil {
		return err
	}
	cutoff := d.now().Add(-d.HeartbeatTimeout)
	for _, w := range workers {
		if w.Status == domain.WorkerOffline || !w.LastHeartbeat.Before(cutoff) {
			continue
		}
		if err := d.Registry.SetStatus(ctx, w.ID, domain.WorkerOffline, ""); err != nil {
			d.Log.Warn("demote worker", slog.String("worker", w.ID), slog.Any("err", err))
			continue
		}
		d.Log.Warn("worker heartbeat lost", slog.String("worker", w.ID))
		if w.CurrentJobID != "" {
			if err := d.Fail(ctx, w.CurrentJobID, "worker heartbeat lost"); err != nil {
				d.Log.Warn("fail job of silent worker", slog.String("job", w.CurrentJobID), slog.Any("err", err))
			}
		}
	}
	return nil
}

// SweepClaims fails jobs whose claim exceeded the claim timeout.
func (d *Dispatch) SweepClaims(ctx domain.Context) (int, error) {
	stale, err := d.Queue.ProcessingOlderThan(ctx, d.now().Add(-d.ClaimTimeout))
	if err != nil {
		return 0, err
	}
	reaped := 0
	for _, c := range stale {
		if err := d.Fail(ctx, c.JobID, "claim timeout"); err != nil {
			d.Log.Warn("reap stale claim", slog.String("job", c.JobID), slog.Any("err", err))
			continue
		}
		reaped++
	}
	return reaped, nil
}

// StatusReport is the controller's public status view.
type StatusReport struct {
	CurrentEpoch  string `json:"current_epoch"`
	QueueDepth    int64  `json:"queue_depth"`
	Processing    int64  `json:"processing"`
	WorkersOnline int    `json:"workers_online"`
	WorkersBusy   int    `json:"workers_busy"`
	WorkersTotal  int    `json:"workers_total"`
	UptimeSeconds int64  `json:"uptime_seconds"`
}

// Status aggregates queue and fleet state.
func (d *Dispatch) Status(ctx domain.Context) (StatusReport, error) {
	depth, err := d.Queue.Depth(ctx)
	if err != nil {
		return StatusReport{}, err
	}
	processing, err := d.Queue.ProcessingCount(ctx)
	if err != nil {
		return StatusReport{}, err
	}
	workers, err := d.Registry.All(ctx)
	if err != nil {
		return StatusReport{}, err
	}
	epochSeq, err := d.Counters.Current(ctx, epochSeqCounter)
	if err != nil {
		return StatusReport{}, err
	}

	st := StatusReport{
		CurrentEpoch: EpochID(epochSeq),
		QueueDepth:   depth,
		Processing:   processing,
		WorkersTotal: len(workers),
	}
	for _, w := range workers {
		switch w.Status {
		case domain.WorkerOnline:
			st.WorkersOnline++
		case domain.WorkerBusy:
			st.WorkersBusy++
		}
	}
	if !d.startedAt.IsZero() {
		st.UptimeSeconds = int64(d.now().Sub(d.startedAt).Seconds())
	}
	return st, nil
}

// releaseHold refunds the reservation of a submission that cannot finish.
// Refund errors are logged, not returned.
func (d *Dispatch) releaseHold(ctx domain.Context, client, jobID string) {
	if err := d.Ledger.Refund(ctx, client, jobID); err != nil {
		d.Log.Error("release hold after failed submit", slog.String("job", jobID), slog.Any("err", err))
	}
}

func (d *Dispatch) publish(ctx domain.Context, ev domain.JobEvent) {
	if d.Events == nil {
		return
	}
	if err := d.Events.PublishJobEvent(ctx, ev); err != nil {
		d.Log.Warn("publish job event", slog.String("job", ev.JobID), slog.Any("err", err))
	}
}

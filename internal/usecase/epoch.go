package usecase

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/swarmos/swarmos/internal/domain"
	"github.com/swarmos/swarmos/internal/receipt"
)

// Sealer drives epoch rotation: snapshot the closing epoch's completed
// jobs, build the Merkle tree, compute the payout table, sign the seal,
// push the bundle to CAS, and instruct the ledger to seal.
type Sealer struct {
	Jobs     domain.JobRepository
	Counters domain.Counters
	Ledger   domain.LedgerClient
	Registry domain.WorkerRegistry
	CAS      domain.CAS
	Signer   domain.Signer

	Split              FeeSplit
	ReadinessMinUptime time.Duration

	Log *slog.Logger
	Now func() time.Time
}

func (s *Sealer) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// Bootstrap ensures an active epoch exists; called once at controller
// startup and safe to repeat.
func (s *Sealer) Bootstrap(ctx domain.Context) error {
	seq, err := s.Counters.Current(ctx, epochSeqCounter)
	if err != nil {
		return err
	}
	if seq == 0 {
		if seq, err = s.Counters.Next(ctx, epochSeqCounter); err != nil {
			return err
		}
	}
	return s.Ledger.OpenEpoch(ctx, EpochID(seq), s.now())
}

// RotationDue reports whether the active epoch has outlived the given
// duration, returning its id either way.
func (s *Sealer) RotationDue(ctx domain.Context, duration time.Duration) (bool, string, error) {
	seq, err := s.Counters.Current(ctx, epochSeqCounter)
	if err != nil {
		return false, "", err
	}
	if seq == 0 {
		return false, "", nil
	}
	epochID := EpochID(seq)
	epoch, err := s.Ledger.Epoch(ctx, epochID)
	if err != nil {
		return false, epochID, err
	}
	return s.now().Sub(epoch.StartTime) >= duration, epochID, nil
}

// Rotate opens the next epoch, then seals the one that just closed. New
// submissions land in the new epoch the moment the counter advances, and
// Seal flips the closing epoch to sealing before snapshotting, so
// completions arriving afterwards re-home to the active epoch.
func (s *Sealer) Rotate(ctx domain.Context) (string, error) {
	oldSeq, err := s.Counters.Current(ctx, epochSeqCounter)
	if err != nil {
		return "", err
	}
	if oldSeq == 0 {
		return "", fmt.Errorf("op=sealer.Rotate: no active epoch: %w", domain.ErrPreconditionFailed)
	}
	newSeq, err := s.Counters.Next(ctx, epochSeqCounter)
	if err != nil {
		return "", err
	}
	if err := s.Ledger.OpenEpoch(ctx, EpochID(newSeq), s.now()); err != nil {
		return "", err
	}
	if err := s.Seal(ctx, EpochID(oldSeq)); err != nil {
		return "", err
	}
	return EpochID(newSeq), nil
}

// Seal finalizes one epoch end to end. The sealing flip comes first so the
// completed-job set is closed before the snapshot is taken.
func (s *Sealer) Seal(ctx domain.Context, epochID string) error {
	if err := s.Ledger.BeginSeal(ctx, epochID); err != nil {
		return err
	}
	jobs, err := s.Jobs.ListCompletedInEpoch(ctx, epochID)
	if err != nil {
		return err
	}
	tree, err := receipt.NewTree(jobs)
	if err != nil {
		return err
	}

	gross := decimal.Zero
	jobsByWorker := map[string]int{}
	for _, j := range jobs {
		gross = gross.Add(j.Fee)
		jobsByWorker[j.Worker]++
	}

	workers, err := s.Registry.All(ctx)
	if err != nil {
		return err
	}
	now := s.now()
	uptime := map[string]int64{}
	var eligible []string
	for _, w := range workers {
		up := now.Sub(w.RegisteredAt)
		uptime[w.ID] = int64(up.Seconds())
		if up >= s.ReadinessMinUptime {
			eligible = append(eligible, w.ID)
		}
	}

	settlements := s.Split.Settlements(gross, jobsByWorker, uptime, eligible)
	distributed := decimal.Zero
	for _, st := range settlements {
		distributed = distributed.Add(st.Total)
	}

	sealedAt := now.UTC()
	msg := domain.EpochSealMessage(epochID, tree.Root(), tree.Len(), distributed, sealedAt)
	sig, err := s.Signer.Sign(msg)
	if err != nil {
		return err
	}

	bundleRef, err := s.pushBundle(ctx, epochID, tree, settlements, gross, distributed, msg, sig, sealedAt)
	if err != nil {
		return err
	}

	if err := s.Ledger.SealEpoch(ctx, domain.EpochSeal{
		EpochID:      epochID,
		MerkleRoot:   tree.Root(),
		JobsCount:    tree.Len(),
		TotalRevenue: gross,
		ProtocolFee:  s.Split.ProtocolFee(gross),
		OperatorFee:  s.Split.OperatorFee(gross),
		Settlements:  settlements,
		Signature:    sig,
		BundleRef:    bundleRef,
		SealedAt:     sealedAt,
	}); err != nil {
		return err
	}
	s.Log.Info("epoch sealed",
		slog.String("epoch", epochID),
		slog.Int("jobs", tree.Len()),
		slog.String("root", tree.Root()),
		slog.String("distributed", distributed.StringFixed(2)),
	)
	return nil
}

// pushBundle writes the epoch's audit files to CAS and returns the handle
// of a manifest pointing at all of them.
func (s *Sealer) pushBundle(ctx domain.Context, epochID string, tree *receipt.Tree, settlements []domain.Settlement, gross, distributed decimal.Decimal, msg, sig string, sealedAt time.Time) (string, error) {
	summary := map[string]any{
		"epoch_id":          epochID,
		"jobs_merkle_root":  tree.Root(),
		"jobs_count":        tree.Len(),
		"total_revenue":     gross.StringFixed(2),
		"total_distributed": distributed.StringFixed(2),
		"operator":          s.Signer.Address(),
		"sealed_at":         sealedAt.Format(time.RFC3339),
		"fee_split": map[string]int{
			"protocol_pct":  s.Split.ProtocolPct,
			"operator_pct":  s.Split.OperatorPct,
			"work_pct":      s.Split.WorkPct,
			"readiness_pct": s.Split.ReadinessPct,
		},
	}
	leafObjects := make([]map[string]any, 0, tree.Len())
	for _, j := range tree.Jobs() {
		leafObjects = append(leafObjects, receipt.LeafObject(j))
	}

	files := []struct {
		name string
		body any
	}{
		{"SUMMARY.json", summary},
		{"jobs.json", leafObjects},
		{"agents.json", settlements},
	}
	manifest := map[string]string{}
	for _, f := range files {
		b, err := json.MarshalIndent(f.body, "", "  ")
		if err != nil {
			return "", fmt.Errorf("op=sealer.pushBundle epoch=%s file=%s: %w", epochID, f.name, err)
		}
		ref, err := s.CAS.Put(ctx, b)
		if err != nil {
			return "", fmt.Errorf("op=sealer.pushBundle epoch=%s file=%s: %w", epochID, f.name, err)
		}
		manifest[f.name] = ref
	}
	sigRef, err := s.CAS.Put(ctx, []byte(msg+"\n\nSignature: "+sig+"\n"))
	if err != nil {
		return "", fmt.Errorf("op=sealer.pushBundle epoch=%s file=SIGNATURE.txt: %w", epochID, err)
	}
	manifest["SIGNATURE.txt"] = sigRef

	b, err := json.Marshal(manifest)
	if err != nil {
		return "", fmt.Errorf("op=sealer.pushBundle epoch=%s: %w", epochID, err)
	}
	ref, err := s.CAS.Put(ctx, b)
	if err != nil {
		return "", fmt.Errorf("op=sealer.pushBundle epoch=%s: %w", epochID, err)
	}
	return ref, nil
}

// ReceiptFor rebuilds a sealed epoch's tree and assembles the portable
// receipt for one completed job.
func (s *Sealer) ReceiptFor(ctx domain.Context, jobID string) (receipt.Receipt, error) {
	job, err := s.Jobs.Get(ctx, jobID)
	if err != nil {
		return receipt.Receipt{}, err
	}
	if job.Status != domain.JobCompleted {
		return receipt.Receipt{}, fmt.Errorf("op=sealer.ReceiptFor job=%s: status %s: %w", jobID, job.Status, domain.ErrPreconditionFailed)
	}
	epoch, err := s.Ledger.Epoch(ctx, job.EpochID)
	if err != nil {
		return receipt.Receipt{}, err
	}
	if epoch.Status != domain.EpochFinalized {
		return receipt.Receipt{}, fmt.Errorf("op=sealer.ReceiptFor job=%s: epoch %s not sealed: %w", jobID, job.EpochID, domain.ErrPreconditionFailed)
	}

	all, err := s.Jobs.ListCompletedInEpoch(ctx, job.EpochID)
	if err != nil {
		return receipt.Receipt{}, err
	}
	// Only jobs recorded by seal time are in the sealed tree.
	jobs := all[:0:0]
	for _, j := range all {
		if !j.CompletedAt.After(epoch.SealedAt) {
			jobs = append(jobs, j)
		}
	}
	tree, err := receipt.NewTree(jobs)
	if err != nil {
		return receipt.Receipt{}, err
	}
	if tree.Root() != epoch.MerkleRoot {
		return receipt.Receipt{}, fmt.Errorf("op=sealer.ReceiptFor epoch=%s: rebuilt root does not match sealed root: %w", job.EpochID, domain.ErrInternal)
	}
	return receipt.Generate(job, tree, epoch.BundleRef)
}

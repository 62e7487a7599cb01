package receipt

import (
	"fmt"

	"github.com/swarmos/swarmos/internal/domain"
)

// Version is the receipt wire-format version.
const Version = "1.1.0"

// Timing carries the job's lifecycle timestamps in UTC.
type Timing struct {
	SubmittedUTC string `json:"submitted_utc"`
	StartedUTC   string `json:"started_utc"`
	CompletedUTC string `json:"completed_utc"`
}

// Receipt is the portable proof that a job exists inside a sealed epoch.
// Anyone holding it can recompute the root from the leaf hash and compare
// against the epoch's published Merkle root.
type Receipt struct {
	ReceiptVersion    string      `json:"receipt_version"`
	JobID             string      `json:"job_id"`
	EpochID           string      `json:"epoch_id"`
	Client            string      `json:"client"`
	Agent             string      `json:"agent"`
	JobType           string      `json:"job_type"`
	Price             string      `json:"price"`
	Currency          string      `json:"currency"`
	Timing            Timing      `json:"timing"`
	LeafHash          string      `json:"leaf_hash"`
	JobsMerkleRoot    string      `json:"jobs_merkle_root"`
	MerkleProof       []ProofStep `json:"merkle_proof"`
	EpochSignatureRef string      `json:"epoch_signature_ref"`
}

// Generate assembles the receipt for one job out of a sealed epoch's tree.
func Generate(j domain.Job, tree *Tree, signatureRef string) (Receipt, error) {
	leaf, err := tree.LeafHashHex(j.ID)
	if err != nil {
		return Receipt{}, err
	}
	proof, err := tree.Proof(j.ID)
	if err != nil {
		return Receipt{}, err
	}
	return Receipt{
		ReceiptVersion: Version,
		JobID:          j.ID,
		EpochID:        j.EpochID,
		Client:         j.Client,
		Agent:          j.Worker,
		JobType:        j.Kind,
		Price:          j.Fee.StringFixed(2),
		Currency:       "USD",
		Timing: Timing{
			SubmittedUTC: isoOrEmpty(j.SubmittedAt),
			StartedUTC:   isoOrEmpty(j.StartedAt),
			CompletedUTC: isoOrEmpty(j.CompletedAt),
		},
		LeafHash:          leaf,
		JobsMerkleRoot:    tree.Root(),
		MerkleProof:       proof,
		EpochSignatureRef: signatureRef,
	}, nil
}

// VerifyReceipt checks a receipt's own proof against its embedded root.
func VerifyReceipt(r Receipt) error {
	if !Verify(r.LeafHash, r.MerkleProof, r.JobsMerkleRoot) {
		return fmt.Errorf("op=receipt.verify job=%s: proof does not reach root: %w", r.JobID, domain.ErrPreconditionFailed)
	}
	return nil
}

// Package receipt implements the SwarmOS receipt core: canonical JSON
// hashing, binary Merkle tree construction, inclusion proofs, and proof
// verification. The package is pure and reentrant; nothing here touches
// storage or the network.
package receipt

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"time"

	"github.com/swarmos/swarmos/internal/domain"
)

// CanonicalJSON serializes v with sorted keys, no insignificant whitespace,
// and UTF-8 encoding. Callers must represent decimal amounts as quoted
// strings; the canonical form is the only representation ever hashed.
func CanonicalJSON(v any) ([]byte, error) {
	// encoding/json sorts map keys and emits compact output by default,
	// which is exactly the canonical policy.
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("op=receipt.canonical: %w", err)
	}
	return b, nil
}

// LeafObject is the closed field set of a job leaf. Fees are strings so the
// hash never depends on float formatting.
func LeafObject(j domain.Job) map[string]any {
	return map[string]any{
		"id":           j.ID,
		"epoch_id":     j.EpochID,
		"client":       j.Client,
		"agent":        j.Worker,
		"job_type":     j.Kind,
		"fee":          j.Fee.StringFixed(2),
		"input_ref":    j.InputRef,
		"result_ref":   j.ResultRef,
		"poe_hash":     j.PoEHash,
		"execution_ms": j.ExecutionMS,
		"submitted_at": isoOrEmpty(j.SubmittedAt),
		"completed_at": isoOrEmpty(j.CompletedAt),
	}
}

// LeafHash computes SHA-256 over the canonical encoding of a job leaf.
func LeafHash(j domain.Job) ([32]byte, error) {
	b, err := CanonicalJSON(LeafObject(j))
	if err != nil {
		return [32]byte{}, err
	}
	return sha256.Sum256(b), nil
}

func isoOrEmpty(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

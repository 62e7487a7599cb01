package agent

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/swarmos/swarmos/internal/domain"
)

// Executor runs one claimed job and returns the CAS handle of its result.
type Executor interface {
	Execute(ctx domain.Context, qj domain.QueuedJob) (resultRef string, err error)
}

// PoEHash derives the proof-of-execution commitment binding a result to the
// job and the worker identity.
func PoEHash(jobID, resultRef, worker string) string {
	sum := sha256.Sum256([]byte(jobID + ":" + resultRef + ":" + worker))
	return hex.EncodeToString(sum[:])
}

// SimulatedExecutor stands in for a real inference backend: it idles for
// the configured latency and stores a deterministic result document in CAS.
type SimulatedExecutor struct {
	CAS     domain.CAS
	Worker  string
	Latency time.Duration
}

// Execute produces the result blob and returns its handle.
func (e *SimulatedExecutor) Execute(ctx domain.Context, qj domain.QueuedJob) (string, error) {
	if e.Latency > 0 {
		select {
		case <-time.After(e.Latency):
		case <-ctx.Done():
			return "", fmt.Errorf("op=executor job=%s: %w", qj.JobID, ctx.Err())
		}
	}
	result := map[string]any{
		"job_id":       qj.JobID,
		"type":         qj.Kind,
		"input_ref":    qj.InputRef,
		"worker":       e.Worker,
		"completed_at": time.Now().UTC().Format(time.RFC3339),
	}
	b, err := json.Marshal(result)
	if err != nil {
		return "", fmt.Errorf("op=executor job=%s: %w", qj.JobID, err)
	}
	ref, err := e.CAS.Put(ctx, b)
	if err != nil {
		return "", fmt.Errorf("op=executor job=%s: %w", qj.JobID, err)
	}
	return ref, nil
}

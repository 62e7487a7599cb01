package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Canonical signing messages. These strings are the protocol: both sides
// must produce identical bytes, so formats here are frozen.

// JobRequestMessage is what a client signs when submitting a job.
func JobRequestMessage(kind, client, inputRef string, ts time.Time, nonce string) string {
	return fmt.Sprintf("SwarmOS Job Request\nType: %s\nClient: %s\nInput: %s\nTimestamp: %d\nNonce: %s",
		kind, client, inputRef, ts.Unix(), nonce)
}

// JobCompleteMessage is what a worker signs when reporting completion.
func JobCompleteMessage(jobID, worker, resultRef, poeHash string) string {
	return fmt.Sprintf("SwarmOS Job Complete\nJob: %s\nWorker: %s\nResult: %s\nPoE: %s",
		jobID, worker, resultRef, poeHash)
}

// WorkerRegisterMessage is the identity proof signed at registration.
func WorkerRegisterMessage(worker, endpoint string, ts time.Time) string {
	return fmt.Sprintf("SwarmOS Worker Registration\nWorker: %s\nEndpoint: %s\nTimestamp: %d",
		worker, endpoint, ts.Unix())
}

// EpochSealMessage is the operator attestation over an epoch seal.
func EpochSealMessage(epochID, merkleRoot string, jobs int, distributed decimal.Decimal, sealedAt time.Time) string {
	return fmt.Sprintf("SwarmOS Epoch Seal\nEpoch: %s\nMerkle Root: %s\nJobs: %d\nDistributed: %s\nSealed: %s",
		epochID, merkleRoot, jobs, distributed.StringFixed(2), sealedAt.UTC().Format(time.RFC3339))
}

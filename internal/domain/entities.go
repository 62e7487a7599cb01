// Package domain defines the core entities and ports of the SwarmOS
// coordination engine: jobs, epochs, accounts, the queue, the worker
// registry, and the settlement ledger contract.
package domain

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

type JobStatus string

const (
	JobQueued     JobStatus = "queued"
	JobProcessing JobStatus = "processing"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
	JobCancelled  JobStatus = "cancelled"
)

// Job is a unit of paid work. The Controller owns it during its mutable
// lifetime; once terminal it is immutable and its fee and result_ref become
// permanent inputs to the receipt.
type Job struct {
	ID          string
	EpochID     string
	Client      string
	Worker      string // empty until claimed
	Kind        string // application tag, e.g. spine-mri
	Status      JobStatus
	InputRef    string // opaque CAS handle
	ResultRef   string // empty until completed
	PoEHash     string // empty until completed
	Fee         decimal.Decimal
	ExecutionMS int64
	Error       string
	SubmittedAt time.Time
	StartedAt   time.Time
	CompletedAt time.Time
}

// Terminal reports whether the job reached an immutable state.
func (j Job) Terminal() bool {
	switch j.Status {
	case JobCompleted, JobFailed, JobCancelled:
		return true
	}
	return false
}

type EpochStatus string

const (
	EpochActive    EpochStatus = "active"
	EpochSealing   EpochStatus = "sealing"
	EpochFinalized EpochStatus = "finalized"
)

// Epoch is a settlement window. Exactly one epoch is active at any moment;
// a finalized epoch carries an immutable Merkle root over its completed jobs.
type Epoch struct {
	ID           string
	Status       EpochStatus
	StartTime    time.Time
	EndTime      time.Time
	JobsCount    int
	TotalRevenue decimal.Decimal
	MerkleRoot   string
	Signature    string
	BundleRef    string // CAS handle to the epoch bundle directory
	SealedAt     time.Time
}

type AccountKind string

const (
	AccountClient   AccountKind = "client"
	AccountWorker   AccountKind = "worker"
	AccountTreasury AccountKind = "treasury"
)

// Account holds a single identity's balance state. Invariants at rest:
// Balance >= Reserved >= 0 and Pending >= 0.
type Account struct {
	ID       string
	Kind     AccountKind
	Balance  decimal.Decimal
	Reserved decimal.Decimal // clients and withdrawal holds
	Pending  decimal.Decimal // workers: earnings held until epoch seal
	TotalIn  decimal.Decimal
	TotalOut decimal.Decimal
}

// Available is the spendable portion: balance minus reservations.
func (a Account) Available() decimal.Decimal {
	return a.Balance.Sub(a.Reserved)
}

type TxKind string

const (
	TxDeposit    TxKind = "deposit"
	TxJobCharge  TxKind = "job-charge"
	TxJobRefund  TxKind = "job-refund"
	TxEarning    TxKind = "earning"
	TxWithdrawal TxKind = "withdrawal"
)

// Transaction is an append-only record of a value-changing event. Never
// mutated after append; the per-account sequence totals to the balance.
type Transaction struct {
	ID           int64
	Account      string
	Kind         TxKind
	Amount       decimal.Decimal // signed
	BalanceAfter decimal.Decimal
	Reference    string // job id, epoch id, or external tx hash
	CreatedAt    time.Time
}

// Reservation is a soft hold on a client's balance between submission and
// either charge or refund. Exactly one of charge/refund ever consumes it.
type Reservation struct {
	Account   string
	JobID     string
	Amount    decimal.Decimal
	CreatedAt time.Time
}

type WithdrawalStatus string

const (
	WithdrawalPending   WithdrawalStatus = "pending"
	WithdrawalFinalized WithdrawalStatus = "finalized"
)

// Withdrawal records pending external value movement for a worker.
type Withdrawal struct {
	ID          string
	Account     string
	Amount      decimal.Decimal
	Destination string
	Status      WithdrawalStatus
	ExternalTx  string
	CreatedAt   time.Time
	FinalizedAt time.Time
}

// Deposit records confirmed inbound value, idempotent on ExternalRef.
type Deposit struct {
	ID          string
	Account     string
	Amount      decimal.Decimal
	ExternalRef string
	CreatedAt   time.Time
}

// Settlement is one worker's payout line inside an epoch seal.
type Settlement struct {
	Worker         string
	JobsCompleted  int
	UptimeSeconds  int64
	WorkShare      decimal.Decimal
	ReadinessShare decimal.Decimal
	Total          decimal.Decimal
}

// QueuedJob is the transient record living only in the queue.
type QueuedJob struct {
	JobID      string    `json:"job_id"`
	Kind       string    `json:"kind"`
	Client     string    `json:"client"`
	InputRef   string    `json:"input_ref"`
	Fee        string    `json:"fee"`
	EnqueuedAt time.Time `json:"enqueued_at"`
	Priority   int       `json:"priority"`
}

type WorkerStatus string

const (
	WorkerOnline   WorkerStatus = "online"
	WorkerBusy     WorkerStatus = "busy"
	WorkerOffline  WorkerStatus = "offline"
	WorkerDraining WorkerStatus = "draining"
)

// WorkerInfo is the registry record for a worker node. TTL-based: a
// heartbeat older than the configured timeout demotes the worker to offline.
type WorkerInfo struct {
	ID            string       `json:"id"`
	Status        WorkerStatus `json:"status"`
	GPUModel      string       `json:"gpu_model"`
	VRAMGB        int          `json:"vram_gb"`
	Endpoint      string       `json:"endpoint"`
	CurrentJobID  string       `json:"current_job_id"`
	LastHeartbeat time.Time    `json:"last_heartbeat"`
	RegisteredAt  time.Time    `json:"registered_at"`
}

// Claim marks a job as claimed inside the processing set.
type Claim struct {
	JobID     string    `json:"job_id"`
	Worker    string    `json:"worker"`
	ClaimedAt time.Time `json:"claimed_at"`
}

// Context is an alias so ports stay decoupled from the std context import
// at every call site; adapters pass context.Context through unchanged.
type Context = context.Context

// Ports (controller side)

// JobRepository persists controller-owned job records.
type JobRepository interface {
	Create(ctx Context, j Job) error
	Get(ctx Context, id string) (Job, error)
	Update(ctx Context, j Job) error
	ListByStatus(ctx Context, status JobStatus, limit int) ([]Job, error)
	// ListCompletedInEpoch returns the immutable snapshot the sealer hashes.
	ListCompletedInEpoch(ctx Context, epochID string) ([]Job, error)
	CountCompletedByWorker(ctx Context, epochID string) (map[string]int, error)
}

// Queue is the shared job queue with atomic claim semantics: a job is
// delivered to at most one worker even under concurrent claimants.
type Queue interface {
	Enqueue(ctx Context, qj QueuedJob) error
	// Claim atomically moves the best queued job into the processing set.
	// Returns nil when the queue is empty.
	Claim(ctx Context, worker string) (*QueuedJob, error)
	// Release removes a job from the processing set (complete or fail).
	Release(ctx Context, jobID string) error
	// ProcessingOlderThan lists claims whose age exceeds the cutoff.
	ProcessingOlderThan(ctx Context, cutoff time.Time) ([]Claim, error)
	Depth(ctx Context) (int64, error)
	ProcessingCount(ctx Context) (int64, error)
}

// WorkerRegistry tracks worker liveness and assignment.
type WorkerRegistry interface {
	Register(ctx Context, w WorkerInfo) error
	Heartbeat(ctx Context, id string, status WorkerStatus, currentJobID string) error
	Get(ctx Context, id string) (WorkerInfo, error)
	All(ctx Context) ([]WorkerInfo, error)
	SetStatus(ctx Context, id string, status WorkerStatus, currentJobID string) error
}

// NonceGuard enforces single use of (client, nonce) within the replay window.
type NonceGuard interface {
	// Seen records the nonce and reports whether it was already present.
	Seen(ctx Context, client, nonce string, window time.Duration) (bool, error)
}

// Counters allocates durable monotone sequences (job_seq, epoch_seq). Every
// allocation is a read-modify-write against persistent storage.
type Counters interface {
	Next(ctx Context, name string) (int64, error)
	Current(ctx Context, name string) (int64, error)
	// SetIfGreater advances a counter without ever moving it backwards.
	SetIfGreater(ctx Context, name string, v int64) error
}

// LedgerClient is the controller's view of the settlement ledger. All calls
// are idempotent on their reference so retries are safe.
type LedgerClient interface {
	Balance(ctx Context, account string) (Account, error)
	Reserve(ctx Context, account string, amount decimal.Decimal, jobID string) error
	Charge(ctx Context, account string, amount decimal.Decimal, jobID string) error
	Refund(ctx Context, account, jobID string) error
	Credit(ctx Context, account string, amount decimal.Decimal, jobID string, pending bool) error
	OpenEpoch(ctx Context, epochID string, start time.Time) error
	BeginSeal(ctx Context, epochID string) error
	SealEpoch(ctx Context, seal EpochSeal) error
	Epoch(ctx Context, epochID string) (Epoch, error)
}

// Signer produces personal-sign signatures with a fixed operator identity.
type Signer interface {
	Sign(message string) (string, error)
	Address() string
}

// EpochSeal is the ledger-facing seal instruction. Fees are precomputed by
// the sealer so the ledger applies exactly what was signed.
type EpochSeal struct {
	EpochID      string
	MerkleRoot   string
	JobsCount    int
	TotalRevenue decimal.Decimal
	ProtocolFee  decimal.Decimal
	OperatorFee  decimal.Decimal
	Settlements  []Settlement
	Signature    string
	BundleRef    string
	SealedAt     time.Time
}

// EventPublisher emits job lifecycle events to the settlement audit stream.
// Best effort: publish failures never fail the triggering request.
type EventPublisher interface {
	PublishJobEvent(ctx Context, ev JobEvent) error
}

// JobEvent is the closed record published for each terminal job transition.
type JobEvent struct {
	Type        string `json:"type"` // job.completed | job.failed
	JobID       string `json:"job_id"`
	EpochID     string `json:"epoch_id"`
	Client      string `json:"client"`
	Worker      string `json:"worker"`
	Kind        string `json:"kind"`
	Fee         string `json:"fee"`
	PoEHash     string `json:"poe_hash,omitempty"`
	Reason      string `json:"reason,omitempty"`
	ExecutionMS int64  `json:"execution_ms,omitempty"`
	OccurredAt  string `json:"occurred_at"`
}

// SignatureVerifier checks an EIP-191 personal-sign signature and recovers
// the signer address.
type SignatureVerifier interface {
	Verify(message, signature, expectedAddress string) bool
	Recover(message, signature string) (string, error)
}

// AddressBook resolves an identity string to its bound signing address.
type AddressBook interface {
	AddressOf(ctx Context, identity string) (string, error)
	Bind(ctx Context, identity, address string) error
}

// CAS is the abstract content-addressed store; the core never interprets
// the bytes behind a handle.
type CAS interface {
	Put(ctx Context, data []byte) (string, error)
	Get(ctx Context, ref string) ([]byte, error)
}

package domain

import "github.com/shopspring/decimal"

// LedgerStore is the transactional persistence port of the settlement
// ledger. Mutate serializes all writes against a single account; the store
// persists the whole mutation batch atomically or not at all.
type LedgerStore interface {
	// Mutate loads the account (creating it with the given kind when absent),
	// holds it exclusively while fn runs, and commits the batch iff fn
	// returns nil. fn must not retain the mutation past its return.
	Mutate(ctx Context, account string, kind AccountKind, fn func(m *LedgerMutation) error) error

	Account(ctx Context, account string) (Account, error)
	Accounts(ctx Context) ([]Account, error)
	Transactions(ctx Context, account string, limit int) ([]Transaction, error)
	// FindTransaction locates a prior transaction by kind and reference,
	// the lookup behind every idempotency check.
	FindTransaction(ctx Context, account string, kind TxKind, reference string) (*Transaction, error)

	Deposits(ctx Context, account string, limit int) ([]Deposit, error)
	FindDeposit(ctx Context, externalRef string) (*Deposit, error)

	Withdrawal(ctx Context, id string) (*Withdrawal, error)

	Epoch(ctx Context, id string) (Epoch, error)
	Epochs(ctx Context) ([]Epoch, error)
	ActiveEpoch(ctx Context) (Epoch, error)
	PutEpoch(ctx Context, e Epoch) error
	// MarkEpochSealing flips active -> sealing. Repeating the call is a
	// no-op; a finalized epoch fails with ErrPreconditionFailed.
	MarkEpochSealing(ctx Context, id string) error
	// SealEpochRow flips active or sealing -> finalized exactly once; a
	// second seal fails with ErrPreconditionFailed.
	SealEpochRow(ctx Context, e Epoch) error
}

// LedgerMutation collects the writes of one serialized account operation.
// The store assigns transaction ids from its global sequence at commit, so
// the log has a total order across accounts.
type LedgerMutation struct {
	Account      *Account
	Reservations map[string]Reservation // by job id, snapshot at load

	// Prior looks up an existing transaction of this account inside the
	// same critical section, the hook behind idempotency checks.
	Prior func(kind TxKind, reference string) *Transaction

	AppendedTx      []Transaction
	PutReservations []Reservation
	DelReservations []string
	PutDeposits     []Deposit
	PutWithdrawals  []Withdrawal
}

// AppendTransaction records a value-moving event with the account's current
// balance as balance_after. Call after adjusting Account.Balance.
func (m *LedgerMutation) AppendTransaction(kind TxKind, amount decimal.Decimal, reference string) {
	m.AppendedTx = append(m.AppendedTx, Transaction{
		Account:      m.Account.ID,
		Kind:         kind,
		Amount:       amount,
		BalanceAfter: m.Account.Balance,
		Reference:    reference,
	})
}

// PutReservation stages a reservation write.
func (m *LedgerMutation) PutReservation(r Reservation) {
	m.PutReservations = append(m.PutReservations, r)
	if m.Reservations == nil {
		m.Reservations = map[string]Reservation{}
	}
	m.Reservations[r.JobID] = r
}

// DeleteReservation stages removal of the hold for a job.
func (m *LedgerMutation) DeleteReservation(jobID string) {
	m.DelReservations = append(m.DelReservations, jobID)
	delete(m.Reservations, jobID)
}

package usecase

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/shopspring/decimal"

	"github.com/swarmos/swarmos/internal/domain"
	"github.com/swarmos/swarmos/internal/receipt"
)

// Settle is the settlement ledger's balance state machine. Every mutation
// runs inside LedgerStore.Mutate, so operations on one account are
// serialized and each batch commits atomically.
type Settle struct {
	store           domain.LedgerStore
	protocolAccount string
	operatorAccount string
	log             *slog.Logger
}

// NewSettle wires the ledger usecase.
func NewSettle(store domain.LedgerStore, protocolAccount, operatorAccount string, log *slog.Logger) *Settle {
	return &Settle{
		store:           store,
		protocolAccount: protocolAccount,
		operatorAccount: operatorAccount,
		log:             log,
	}
}

// Balance returns the account's current state. Unknown accounts read as
// empty rather than erroring, matching first-use account creation.
func (s *Settle) Balance(ctx domain.Context, account string) (domain.Account, error) {
	acc, err := s.store.Account(ctx, account)
	if err != nil {
		if domain.ErrorKind(err) == "not_found" {
			return domain.Account{ID: account}, nil
		}
		return domain.Account{}, err
	}
	return acc, nil
}

// Deposit credits the account, creating it on first use. Idempotent on
// externalRef: a repeat is a no-op returning the original deposit.
func (s *Settle) Deposit(ctx domain.Context, account string, amount decimal.Decimal, externalRef string) (domain.Deposit, error) {
	if amount.Sign() <= 0 {
		return domain.Deposit{}, fmt.Errorf("op=ledger.Deposit account=%s: non-positive amount: %w", account, domain.ErrBadRequest)
	}
	if prior, err := s.store.FindDeposit(ctx, externalRef); err != nil {
		return domain.Deposit{}, err
	} else if prior != nil {
		return *prior, nil
	}

	dep := domain.Deposit{
		ID:          "dep-" + ulid.Make().String(),
		Account:     account,
		Amount:      amount,
		ExternalRef: externalRef,
	}
	err := s.store.Mutate(ctx, account, domain.AccountClient, func(m *domain.LedgerMutation) error {
		m.Account.Balance = m.Account.Balance.Add(amount)
		m.Account.TotalIn = m.Account.TotalIn.Add(amount)
		m.AppendTransaction(domain.TxDeposit, amount, externalRef)
		m.PutDeposits = append(m.PutDeposits, dep)
		return nil
	})
	if err != nil {
		return domain.Deposit{}, err
	}
	s.log.Info("deposit recorded", slog.String("account", account), slog.String("amount", amount.StringFixed(2)))
	return dep, nil
}

// Reserve places a hold for a job. Fails with insufficient_funds when
// available < amount. Idempotent on (account, jobID).
func (s *Settle) Reserve(ctx domain.Context, account string, amount decimal.Decimal, jobID string) error {
	if amount.Sign() <= 0 {
		return fmt.Errorf("op=ledger.Reserve job=%s: non-positive amount: %w", jobID, domain.ErrBadRequest)
	}
	return s.store.Mutate(ctx, account, domain.AccountClient, func(m *domain.LedgerMutation) error {
		if _, held := m.Reservations[jobID]; held {
			return nil
		}
		if m.Account.Available().LessThan(amount) {
			return fmt.Errorf("op=ledger.Reserve account=%s job=%s: available %s < %s: %w",
				account, jobID, m.Account.Available().StringFixed(2), amount.StringFixed(2), domain.ErrInsufficientFunds)
		}
		m.Account.Reserved = m.Account.Reserved.Add(amount)
		m.PutReservation(domain.Reservation{Account: account, JobID: jobID, Amount: amount})
		return nil
	})
}

// Charge consumes a reservation: the held amount leaves the balance.
// Idempotent on jobID; fails without a matching prior reserve.
func (s *Settle) Charge(ctx domain.Context, account string, amount decimal.Decimal, jobID string) error {
	return s.store.Mutate(ctx, account, domain.AccountClient, func(m *domain.LedgerMutation) error {
		if m.Prior(domain.TxJobCharge, jobID) != nil {
			return nil
		}
		res, held := m.Reservations[jobID]
		if !held {
			return fmt.Errorf("op=ledger.Charge account=%s job=%s: no reservation: %w", account, jobID, domain.ErrPreconditionFailed)
		}
		if !res.Amount.Equal(amount) {
			return fmt.Errorf("op=ledger.Charge account=%s job=%s: amount %s != reserved %s: %w",
				account, jobID, amount.StringFixed(2), res.Amount.StringFixed(2), domain.ErrPreconditionFailed)
		}
		m.Account.Reserved = m.Account.Reserved.Sub(amount)
		m.Account.Balance = m.Account.Balance.Sub(amount)
		m.Account.TotalOut = m.Account.TotalOut.Add(amount)
		m.DeleteReservation(jobID)
		m.AppendTransaction(domain.TxJobCharge, amount.Neg(), jobID)
		return nil
	})
}

// Refund releases an uncharged reservation. The balance is untouched, so
// the refund transaction carries a zero amount. Idempotent on jobID.
func (s *Settle) Refund(ctx domain.Context, account, jobID string) error {
	return s.store.Mutate(ctx, account, domain.AccountClient, func(m *domain.LedgerMutation) error {
		if m.Prior(domain.TxJobRefund, jobID) != nil {
			return nil
		}
		if m.Prior(domain.TxJobCharge, jobID) != nil {
			return fmt.Errorf("op=ledger.Refund account=%s job=%s: already charged: %w", account, jobID, domain.ErrPreconditionFailed)
		}
		res, held := m.Reservations[jobID]
		if !held {
			return fmt.Errorf("op=ledger.Refund account=%s job=%s: no reservation: %w", account, jobID, domain.ErrPreconditionFailed)
		}
		m.Account.Reserved = m.Account.Reserved.Sub(res.Amount)
		m.DeleteReservation(jobID)
		m.AppendTransaction(domain.TxJobRefund, decimal.Zero, jobID)
		return nil
	})
}

// Credit pays a worker. With pending=true the amount is held until the
// epoch seals; a zero-amount earning transaction marks the job so retries
// are no-ops without distorting the balance log. Idempotent on (account, jobID).
func (s *Settle) Credit(ctx domain.Context, account string, amount decimal.Decimal, jobID string, pending bool) error {
	return s.store.Mutate(ctx, account, domain.AccountWorker, func(m *domain.LedgerMutation) error {
		if m.Prior(domain.TxEarning, jobID) != nil {
			return nil
		}
		if pending {
			m.Account.Pending = m.Account.Pending.Add(amount)
			m.AppendTransaction(domain.TxEarning, decimal.Zero, jobID)
			return nil
		}
		m.Account.Balance = m.Account.Balance.Add(amount)
		m.Account.TotalIn = m.Account.TotalIn.Add(amount)
		m.AppendTransaction(domain.TxEarning, amount, jobID)
		return nil
	})
}

// WithdrawRequest holds the amount and records a pending withdrawal.
func (s *Settle) WithdrawRequest(ctx domain.Context, account string, amount decimal.Decimal, destination string) (domain.Withdrawal, error) {
	if amount.Sign() <= 0 {
		return domain.Withdrawal{}, fmt.Errorf("op=ledger.WithdrawRequest account=%s: non-positive amount: %w", account, domain.ErrBadRequest)
	}
	wd := domain.Withdrawal{
		ID:          "wd-" + ulid.Make().String(),
		Account:     account,
		Amount:      amount,
		Destination: destination,
		Status:      domain.WithdrawalPending,
		CreatedAt:   time.Now().UTC(),
	}
	err := s.store.Mutate(ctx, account, domain.AccountWorker, func(m *domain.LedgerMutation) error {
		if m.Account.Available().LessThan(amount) {
			return fmt.Errorf("op=ledger.WithdrawRequest account=%s: available %s < %s: %w",
				account, m.Account.Available().StringFixed(2), amount.StringFixed(2), domain.ErrInsufficientFunds)
		}
		m.Account.Reserved = m.Account.Reserved.Add(amount)
		m.PutWithdrawals = append(m.PutWithdrawals, wd)
		return nil
	})
	if err != nil {
		return domain.Withdrawal{}, err
	}
	return wd, nil
}

// WithdrawFinalize moves the held amount out once the external transfer is
// confirmed. Idempotent on the withdrawal id.
func (s *Settle) WithdrawFinalize(ctx domain.Context, id, externalTx string) (domain.Withdrawal, error) {
	wd, err := s.store.Withdrawal(ctx, id)
	if err != nil {
		return domain.Withdrawal{}, err
	}
	if wd == nil {
		return domain.Withdrawal{}, fmt.Errorf("op=ledger.WithdrawFinalize id=%s: %w", id, domain.ErrNotFound)
	}
	if wd.Status == domain.WithdrawalFinalized {
		return *wd, nil
	}

	final := *wd
	final.Status = domain.WithdrawalFinalized
	final.ExternalTx = externalTx
	final.FinalizedAt = time.Now().UTC()
	err = s.store.Mutate(ctx, wd.Account, domain.AccountWorker, func(m *domain.LedgerMutation) error {
		m.Account.Reserved = m.Account.Reserved.Sub(wd.Amount)
		m.Account.Balance = m.Account.Balance.Sub(wd.Amount)
		m.Account.TotalOut = m.Account.TotalOut.Add(wd.Amount)
		m.AppendTransaction(domain.TxWithdrawal, wd.Amount.Neg(), wd.ID)
		m.PutWithdrawals = append(m.PutWithdrawals, final)
		return nil
	})
	if err != nil {
		return domain.Withdrawal{}, err
	}
	return final, nil
}

// OpenEpoch inserts a new active epoch row. Re-opening an existing epoch is
// a no-op so rotation retries are safe.
func (s *Settle) OpenEpoch(ctx domain.Context, epochID string, start time.Time) error {
	if _, err := s.store.Epoch(ctx, epochID); err == nil {
		return nil
	}
	return s.store.PutEpoch(ctx, domain.Epoch{
		ID:        epochID,
		Status:    domain.EpochActive,
		StartTime: start.UTC(),
	})
}

// BeginSealEpoch flips the epoch to sealing, closing its completed-job set.
// Completions arriving afterwards belong to the successor epoch. Repeating
// the call is a no-op; a finalized epoch fails with precondition_failed.
func (s *Settle) BeginSealEpoch(ctx domain.Context, epochID string) error {
	epoch, err := s.store.Epoch(ctx, epochID)
	if err != nil {
		return err
	}
	switch epoch.Status {
	case domain.EpochSealing:
		return nil
	case domain.EpochFinalized:
		return fmt.Errorf("op=ledger.BeginSealEpoch epoch=%s: already finalized: %w", epochID, domain.ErrPreconditionFailed)
	}
	if err := s.store.MarkEpochSealing(ctx, epochID); err != nil {
		return err
	}
	s.log.Info("epoch sealing", slog.String("epoch", epochID))
	return nil
}

// SealEpoch applies the settlement table and finalizes the epoch. Each
// worker's work share moves pending -> balance and the readiness share is
// credited on top; fixed fees land on the protocol and operator accounts.
// Per-worker application is idempotent on the epoch reference, and the row
// flip rejects a second seal.
func (s *Settle) SealEpoch(ctx domain.Context, seal domain.EpochSeal) error {
	epoch, err := s.store.Epoch(ctx, seal.EpochID)
	if err != nil {
		return err
	}
	if epoch.Status == domain.EpochFinalized {
		return fmt.Errorf("op=ledger.SealEpoch epoch=%s: already finalized: %w", seal.EpochID, domain.ErrPreconditionFailed)
	}

	for _, st := range seal.Settlements {
		st := st
		err := s.store.Mutate(ctx, st.Worker, domain.AccountWorker, func(m *domain.LedgerMutation) error {
			if m.Prior(domain.TxEarning, seal.EpochID) != nil {
				return nil
			}
			if m.Account.Pending.LessThan(st.WorkShare) {
				return fmt.Errorf("op=ledger.SealEpoch epoch=%s worker=%s: pending %s < work share %s: %w",
					seal.EpochID, st.Worker, m.Account.Pending.StringFixed(4), st.WorkShare.StringFixed(4), domain.ErrPreconditionFailed)
			}
			m.Account.Pending = m.Account.Pending.Sub(st.WorkShare)
			m.Account.Balance = m.Account.Balance.Add(st.Total)
			m.Account.TotalIn = m.Account.TotalIn.Add(st.Total)
			m.AppendTransaction(domain.TxEarning, st.Total, seal.EpochID)
			return nil
		})
		if err != nil {
			return err
		}
	}

	for _, fee := range []struct {
		account string
		amount  decimal.Decimal
	}{
		{s.protocolAccount, seal.ProtocolFee},
		{s.operatorAccount, seal.OperatorFee},
	} {
		if fee.amount.Sign() <= 0 {
			continue
		}
		fee := fee
		err := s.store.Mutate(ctx, fee.account, domain.AccountTreasury, func(m *domain.LedgerMutation) error {
			if m.Prior(domain.TxEarning, seal.EpochID) != nil {
				return nil
			}
			m.Account.Balance = m.Account.Balance.Add(fee.amount)
			m.Account.TotalIn = m.Account.TotalIn.Add(fee.amount)
			m.AppendTransaction(domain.TxEarning, fee.amount, seal.EpochID)
			return nil
		})
		if err != nil {
			return err
		}
	}

	epoch.MerkleRoot = seal.MerkleRoot
	epoch.JobsCount = seal.JobsCount
	epoch.TotalRevenue = seal.TotalRevenue
	epoch.Signature = seal.Signature
	epoch.BundleRef = seal.BundleRef
	epoch.SealedAt = seal.SealedAt
	epoch.EndTime = seal.SealedAt
	if err := s.store.SealEpochRow(ctx, epoch); err != nil {
		return err
	}
	s.log.Info("epoch sealed",
		slog.String("epoch", seal.EpochID),
		slog.Int("jobs", seal.JobsCount),
		slog.String("revenue", seal.TotalRevenue.StringFixed(2)),
	)
	return nil
}

// VerifyProof checks a Merkle inclusion proof against a published root.
func (s *Settle) VerifyProof(leafHash string, proof []receipt.ProofStep, root string) bool {
	return receipt.Verify(leafHash, proof, root)
}

// Transactions lists an account's transaction log, newest first.
func (s *Settle) Transactions(ctx domain.Context, account string, limit int) ([]domain.Transaction, error) {
	return s.store.Transactions(ctx, account, limit)
}

// Deposits lists an account's deposits, newest first.
func (s *Settle) Deposits(ctx domain.Context, account string, limit int) ([]domain.Deposit, error) {
	return s.store.Deposits(ctx, account, limit)
}

// Withdrawal returns one withdrawal record.
func (s *Settle) Withdrawal(ctx domain.Context, id string) (domain.Withdrawal, error) {
	wd, err := s.store.Withdrawal(ctx, id)
	if err != nil {
		return domain.Withdrawal{}, err
	}
	if wd == nil {
		return domain.Withdrawal{}, fmt.Errorf("op=ledger.Withdrawal id=%s: %w", id, domain.ErrNotFound)
	}
	return *wd, nil
}

// Epoch returns one epoch row.
func (s *Settle) Epoch(ctx domain.Context, id string) (domain.Epoch, error) {
	return s.store.Epoch(ctx, id)
}

// Epochs lists all epoch rows.
func (s *Settle) Epochs(ctx domain.Context) ([]domain.Epoch, error) {
	return s.store.Epochs(ctx)
}

// Stats aggregates totals across all accounts for the read surface.
func (s *Settle) Stats(ctx domain.Context) (LedgerStats, error) {
	accounts, err := s.store.Accounts(ctx)
	if err != nil {
		return LedgerStats{}, err
	}
	st := LedgerStats{Accounts: len(accounts)}
	for _, a := range accounts {
		st.TotalBalance = st.TotalBalance.Add(a.Balance)
		st.TotalReserved = st.TotalReserved.Add(a.Reserved)
		st.TotalPending = st.TotalPending.Add(a.Pending)
	}
	epochs, err := s.store.Epochs(ctx)
	if err != nil {
		return LedgerStats{}, err
	}
	for _, e := range epochs {
		if e.Status == domain.EpochFinalized {
			st.EpochsSealed++
		}
	}
	return st, nil
}

// LedgerStats is the aggregate view behind GET /v1/stats.
type LedgerStats struct {
	Accounts      int             `json:"accounts"`
	TotalBalance  decimal.Decimal `json:"total_balance"`
	TotalReserved decimal.Decimal `json:"total_reserved"`
	TotalPending  decimal.Decimal `json:"total_pending"`
	EpochsSealed  int             `json:"epochs_sealed"`
}

// Package memory implements the ledger store on process memory behind a
// single mutex. It backs unit tests and dev mode; semantics mirror the
// postgres store, including commit-time transaction id assignment.
package memory

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/swarmos/swarmos/internal/domain"
)

// LedgerStore is a mutex-serialized in-memory domain.LedgerStore.
type LedgerStore struct {
	mu           sync.Mutex
	accounts     map[string]domain.Account
	transactions []domain.Transaction
	nextTxID     int64
	reservations map[string]map[string]domain.Reservation // account -> job id
	deposits     []domain.Deposit
	withdrawals  map[string]domain.Withdrawal
	epochs       map[string]domain.Epoch
}

// NewLedgerStore returns an empty store.
func NewLedgerStore() *LedgerStore {
	return &LedgerStore{
		accounts:     map[string]domain.Account{},
		nextTxID:     1,
		reservations: map[string]map[string]domain.Reservation{},
		withdrawals:  map[string]domain.Withdrawal{},
		epochs:       map[string]domain.Epoch{},
	}
}

// Mutate runs fn against a copy of the account state and commits the batch
// iff fn returns nil. The global mutex serializes all writers.
func (s *LedgerStore) Mutate(ctx domain.Context, account string, kind domain.AccountKind, fn func(m *domain.LedgerMutation) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	acc, ok := s.accounts[account]
	if !ok {
		acc = domain.Account{ID: account, Kind: kind}
	}
	held := map[string]domain.Reservation{}
	for jobID, r := range s.reservations[account] {
		held[jobID] = r
	}
	m := &domain.LedgerMutation{
		Account:      &acc,
		Reservations: held,
		Prior: func(kind domain.TxKind, reference string) *domain.Transaction {
			for i := range s.transactions {
				tx := s.transactions[i]
				if tx.Account == account && tx.Kind == kind && tx.Reference == reference {
					return &tx
				}
			}
			return nil
		},
	}
	if err := fn(m); err != nil {
		return err
	}

	now := time.Now().UTC()
	for _, tx := range m.AppendedTx {
		tx.ID = s.nextTxID
		s.nextTxID++
		tx.CreatedAt = now
		s.transactions = append(s.transactions, tx)
	}
	if len(m.PutReservations) > 0 && s.reservations[account] == nil {
		s.reservations[account] = map[string]domain.Reservation{}
	}
	for _, r := range m.PutReservations {
		if r.CreatedAt.IsZero() {
			r.CreatedAt = now
		}
		s.reservations[account][r.JobID] = r
	}
	for _, jobID := range m.DelReservations {
		delete(s.reservations[account], jobID)
	}
	for _, d := range m.PutDeposits {
		if d.CreatedAt.IsZero() {
			d.CreatedAt = now
		}
		s.deposits = append(s.deposits, d)
	}
	for _, w := range m.PutWithdrawals {
		s.withdrawals[w.ID] = w
	}
	s.accounts[account] = *m.Account
	return nil
}

// Account returns one account's current state.
func (s *LedgerStore) Account(ctx domain.Context, account string) (domain.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	acc, ok := s.accounts[account]
	if !ok {
		return domain.Account{}, fmt.Errorf("op=memory.Account account=%s: %w", account, domain.ErrNotFound)
	}
	return acc, nil
}

// Accounts lists all accounts ordered by id.
func (s *LedgerStore) Accounts(ctx domain.Context) ([]domain.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Account, 0, len(s.accounts))
	for _, a := range s.accounts {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Transactions lists an account's transactions newest first.
func (s *LedgerStore) Transactions(ctx domain.Context, account string, limit int) ([]domain.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Transaction
	for i := len(s.transactions) - 1; i >= 0; i-- {
		if s.transactions[i].Account != account {
			continue
		}
		out = append(out, s.transactions[i])
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// FindTransaction locates a prior transaction by kind and reference.
func (s *LedgerStore) FindTransaction(ctx domain.Context, account string, kind domain.TxKind, reference string) (*domain.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.transactions {
		tx := s.transactions[i]
		if tx.Account == account && tx.Kind == kind && tx.Reference == reference {
			return &tx, nil
		}
	}
	return nil, nil
}

// Deposits lists an account's deposits newest first.
func (s *LedgerStore) Deposits(ctx domain.Context, account string, limit int) ([]domain.Deposit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Deposit
	for i := len(s.deposits) - 1; i >= 0; i-- {
		if s.deposits[i].Account != account {
			continue
		}
		out = append(out, s.deposits[i])
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// FindDeposit locates a deposit by its external reference.
func (s *LedgerStore) FindDeposit(ctx domain.Context, externalRef string) (*domain.Deposit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.deposits {
		if s.deposits[i].ExternalRef == externalRef {
			d := s.deposits[i]
			return &d, nil
		}
	}
	return nil, nil
}

// Withdrawal returns one withdrawal by id.
func (s *LedgerStore) Withdrawal(ctx domain.Context, id string) (*domain.Withdrawal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.withdrawals[id]
	if !ok {
		return nil, nil
	}
	return &w, nil
}

// Epoch returns one epoch by id.
func (s *LedgerStore) Epoch(ctx domain.Context, id string) (domain.Epoch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.epochs[id]
	if !ok {
		return domain.Epoch{}, fmt.Errorf("op=memory.Epoch epoch=%s: %w", id, domain.ErrNotFound)
	}
	return e, nil
}

// Epochs lists all epochs ordered by id.
func (s *LedgerStore) Epochs(ctx domain.Context) ([]domain.Epoch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Epoch, 0, len(s.epochs))
	for _, e := range s.epochs {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// ActiveEpoch returns the single active epoch.
func (s *LedgerStore) ActiveEpoch(ctx domain.Context) (domain.Epoch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.epochs {
		if e.Status == domain.EpochActive {
			return e, nil
		}
	}
	return domain.Epoch{}, fmt.Errorf("op=memory.ActiveEpoch: %w", domain.ErrNotFound)
}

// PutEpoch inserts or replaces an epoch row.
func (s *LedgerStore) PutEpoch(ctx domain.Context, e domain.Epoch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.epochs[e.ID] = e
	return nil
}

// MarkEpochSealing flips active -> sealing; repeats are no-ops.
func (s *LedgerStore) MarkEpochSealing(ctx domain.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.epochs[id]
	if !ok {
		return fmt.Errorf("op=memory.MarkEpochSealing epoch=%s: %w", id, domain.ErrNotFound)
	}
	switch cur.Status {
	case domain.EpochSealing:
		return nil
	case domain.EpochActive:
		cur.Status = domain.EpochSealing
		s.epochs[id] = cur
		return nil
	default:
		return fmt.Errorf("op=memory.MarkEpochSealing epoch=%s: already %s: %w", id, cur.Status, domain.ErrPreconditionFailed)
	}
}

// SealEpochRow flips active or sealing -> finalized exactly once.
func (s *LedgerStore) SealEpochRow(ctx domain.Context, e domain.Epoch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.epochs[e.ID]
	if !ok {
		return fmt.Errorf("op=memory.SealEpochRow epoch=%s: %w", e.ID, domain.ErrNotFound)
	}
	if cur.Status != domain.EpochActive && cur.Status != domain.EpochSealing {
		return fmt.Errorf("op=memory.SealEpochRow epoch=%s: already %s: %w", e.ID, cur.Status, domain.ErrPreconditionFailed)
	}
	e.Status = domain.EpochFinalized
	s.epochs[e.ID] = e
	return nil
}

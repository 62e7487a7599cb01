package postgres

import (
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/swarmos/swarmos/internal/domain"
)

// LedgerStore is the PostgreSQL implementation of the settlement ledger's
// persistence port. Mutate wraps one account operation in a transaction with
// the account row locked, so concurrent mutations of the same account
// serialize on the database.
type LedgerStore struct{ Pool PgxPool }

// NewLedgerStore constructs a LedgerStore with the given pool.
func NewLedgerStore(p PgxPool) *LedgerStore { return &LedgerStore{Pool: p} }

const accountColumns = `id, kind, balance::text, reserved::text, pending::text, total_in::text, total_out::text`

// Mutate runs fn against the locked account row and commits the staged batch
// iff fn returns nil. The account is created with the given kind when absent.
func (s *LedgerStore) Mutate(ctx domain.Context, account string, kind domain.AccountKind, fn func(m *domain.LedgerMutation) error) error {
	tx, err := s.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("op=ledgerstore.mutate account=%s: %w", account, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// Upsert-then-lock gives a stable row to serialize on even for brand
	// new accounts.
	_, err = tx.Exec(ctx,
		`INSERT INTO accounts (id, kind) VALUES ($1, $2) ON CONFLICT (id) DO NOTHING`,
		account, kind)
	if err != nil {
		return fmt.Errorf("op=ledgerstore.mutate account=%s: %w", account, err)
	}
	acc, err := scanAccount(tx.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id=$1 FOR UPDATE`, account))
	if err != nil {
		return fmt.Errorf("op=ledgerstore.mutate account=%s: %w", account, err)
	}

	reservations := map[string]domain.Reservation{}
	rows, err := tx.Query(ctx,
		`SELECT job_id, account, amount::text, created_at FROM reservations WHERE account=$1`, account)
	if err != nil {
		return fmt.Errorf("op=ledgerstore.mutate account=%s: %w", account, err)
	}
	for rows.Next() {
		var r domain.Reservation
		var amount string
		if err := rows.Scan(&r.JobID, &r.Account, &amount, &r.CreatedAt); err != nil {
			rows.Close()
			return fmt.Errorf("op=ledgerstore.mutate account=%s: %w", account, err)
		}
		if r.Amount, err = decimal.NewFromString(amount); err != nil {
			rows.Close()
			return fmt.Errorf("op=ledgerstore.mutate account=%s: %w", account, err)
		}
		reservations[r.JobID] = r
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("op=ledgerstore.mutate account=%s: %w", account, err)
	}

	var priorErr error
	m := &domain.LedgerMutation{
		Account:      &acc,
		Reservations: reservations,
		Prior: func(kind domain.TxKind, reference string) *domain.Transaction {
			t, err := scanTx(tx.QueryRow(ctx,
				`SELECT id, account, kind, amount::text, balance_after::text, reference, created_at
				FROM transactions WHERE account=$1 AND kind=$2 AND reference=$3 LIMIT 1`,
				account, kind, reference))
			if err != nil {
				if !errors.Is(err, pgx.ErrNoRows) {
					priorErr = err
				}
				return nil
			}
			return &t
		},
	}
	if err := fn(m); err != nil {
		return err
	}
	if priorErr != nil {
		return fmt.Errorf("op=ledgerstore.mutate account=%s: %w", account, priorErr)
	}

	_, err = tx.Exec(ctx,
		`UPDATE accounts SET balance=$2, reserved=$3, pending=$4, total_in=$5, total_out=$6 WHERE id=$1`,
		account, acc.Balance.String(), acc.Reserved.String(), acc.Pending.String(),
		acc.TotalIn.String(), acc.TotalOut.String())
	if err != nil {
		return fmt.Errorf("op=ledgerstore.mutate account=%s: %w", account, err)
	}
	for _, t := range m.AppendedTx {
		_, err = tx.Exec(ctx,
			`INSERT INTO transactions (account, kind, amount, balance_after, reference) VALUES ($1,$2,$3,$4,$5)`,
			t.Account, t.Kind, t.Amount.String(), t.BalanceAfter.String(), t.Reference)
		if err != nil {
			return fmt.Errorf("op=ledgerstore.mutate account=%s: %w", account, err)
		}
	}
	for _, r := range m.PutReservations {
		_, err = tx.Exec(ctx,
			`INSERT INTO reservations (job_id, account, amount) VALUES ($1,$2,$3) ON CONFLICT (job_id) DO NOTHING`,
			r.JobID, r.Account, r.Amount.String())
		if err != nil {
			return fmt.Errorf("op=ledgerstore.mutate account=%s: %w", account, err)
		}
	}
	for _, jobID := range m.DelReservations {
		if _, err = tx.Exec(ctx, `DELETE FROM reservations WHERE job_id=$1`, jobID); err != nil {
			return fmt.Errorf("op=ledgerstore.mutate account=%s: %w", account, err)
		}
	}
	for _, dep := range m.PutDeposits {
		_, err = tx.Exec(ctx,
			`INSERT INTO deposits (id, account, amount, external_ref) VALUES ($1,$2,$3,$4)`,
			dep.ID, dep.Account, dep.Amount.String(), dep.ExternalRef)
		if err != nil {
			return fmt.Errorf("op=ledgerstore.mutate account=%s: %w", account, err)
		}
	}
	for _, wd := range m.PutWithdrawals {
		_, err = tx.Exec(ctx,
			`INSERT INTO withdrawals (id, account, amount, destination, status, external_tx, created_at, finalized_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
			ON CONFLICT (id) DO UPDATE SET status=EXCLUDED.status, external_tx=EXCLUDED.external_tx, finalized_at=EXCLUDED.finalized_at`,
			wd.ID, wd.Account, wd.Amount.String(), wd.Destination, wd.Status, wd.ExternalTx,
			wd.CreatedAt, nullable(wd.FinalizedAt))
		if err != nil {
			return fmt.Errorf("op=ledgerstore.mutate account=%s: %w", account, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("op=ledgerstore.mutate account=%s: %w", account, err)
	}
	return nil
}

// Account loads one account row.
func (s *LedgerStore) Account(ctx domain.Context, account string) (domain.Account, error) {
	acc, err := scanAccount(s.Pool.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id=$1`, account))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Account{}, fmt.Errorf("op=ledgerstore.account account=%s: %w", account, domain.ErrNotFound)
		}
		return domain.Account{}, fmt.Errorf("op=ledgerstore.account account=%s: %w", account, err)
	}
	return acc, nil
}

// Accounts lists every account.
func (s *LedgerStore) Accounts(ctx domain.Context) ([]domain.Account, error) {
	rows, err := s.Pool.Query(ctx, `SELECT `+accountColumns+` FROM accounts ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("op=ledgerstore.accounts: %w", err)
	}
	defer rows.Close()
	var out []domain.Account
	for rows.Next() {
		acc, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("op=ledgerstore.accounts: %w", err)
		}
		out = append(out, acc)
	}
	return out, rows.Err()
}

// Transactions lists an account's transactions, newest first.
func (s *LedgerStore) Transactions(ctx domain.Context, account string, limit int) ([]domain.Transaction, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.Pool.Query(ctx,
		`SELECT id, account, kind, amount::text, balance_after::text, reference, created_at
		FROM transactions WHERE account=$1 ORDER BY id DESC LIMIT $2`, account, limit)
	if err != nil {
		return nil, fmt.Errorf("op=ledgerstore.transactions account=%s: %w", account, err)
	}
	defer rows.Close()
	var out []domain.Transaction
	for rows.Next() {
		t, err := scanTx(rows)
		if err != nil {
			return nil, fmt.Errorf("op=ledgerstore.transactions account=%s: %w", account, err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// FindTransaction locates a prior transaction by kind and reference.
func (s *LedgerStore) FindTransaction(ctx domain.Context, account string, kind domain.TxKind, reference string) (*domain.Transaction, error) {
	t, err := scanTx(s.Pool.QueryRow(ctx,
		`SELECT id, account, kind, amount::text, balance_after::text, reference, created_at
		FROM transactions WHERE account=$1 AND kind=$2 AND reference=$3 LIMIT 1`,
		account, kind, reference))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("op=ledgerstore.find_tx account=%s: %w", account, err)
	}
	return &t, nil
}

// Deposits lists an account's deposits, newest first.
func (s *LedgerStore) Deposits(ctx domain.Context, account string, limit int) ([]domain.Deposit, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.Pool.Query(ctx,
		`SELECT id, account, amount::text, external_ref, created_at
		FROM deposits WHERE account=$1 ORDER BY created_at DESC LIMIT $2`, account, limit)
	if err != nil {
		return nil, fmt.Errorf("op=ledgerstore.deposits account=%s: %w", account, err)
	}
	defer rows.Close()
	var out []domain.Deposit
	for rows.Next() {
		var dep domain.Deposit
		var amount string
		if err := rows.Scan(&dep.ID, &dep.Account, &amount, &dep.ExternalRef, &dep.CreatedAt); err != nil {
			return nil, fmt.Errorf("op=ledgerstore.deposits account=%s: %w", account, err)
		}
		if dep.Amount, err = decimal.NewFromString(amount); err != nil {
			return nil, fmt.Errorf("op=ledgerstore.deposits account=%s: %w", account, err)
		}
		out = append(out, dep)
	}
	return out, rows.Err()
}

// FindDeposit locates a deposit by its external reference.
func (s *LedgerStore) FindDeposit(ctx domain.Context, externalRef string) (*domain.Deposit, error) {
	var dep domain.Deposit
	var amount string
	err := s.Pool.QueryRow(ctx,
		`SELECT id, account, amount::text, external_ref, created_at FROM deposits WHERE external_ref=$1`,
		externalRef).Scan(&dep.ID, &dep.Account, &amount, &dep.ExternalRef, &dep.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("op=ledgerstore.find_deposit ref=%s: %w", externalRef, err)
	}
	if dep.Amount, err = decimal.NewFromString(amount); err != nil {
		return nil, fmt.Errorf("op=ledgerstore.find_deposit ref=%s: %w", externalRef, err)
	}
	return &dep, nil
}

// Withdrawal loads one withdrawal by id; nil when absent.
func (s *LedgerStore) Withdrawal(ctx domain.Context, id string) (*domain.Withdrawal, error) {
	var wd domain.Withdrawal
	var amount string
	var finalized *time.Time
	err := s.Pool.QueryRow(ctx,
		`SELECT id, account, amount::text, destination, status, external_tx, created_at, finalized_at
		FROM withdrawals WHERE id=$1`, id).
		Scan(&wd.ID, &wd.Account, &amount, &wd.Destination, &wd.Status, &wd.ExternalTx, &wd.CreatedAt, &finalized)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("op=ledgerstore.withdrawal id=%s: %w", id, err)
	}
	if wd.Amount, err = decimal.NewFromString(amount); err != nil {
		return nil, fmt.Errorf("op=ledgerstore.withdrawal id=%s: %w", id, err)
	}
	wd.FinalizedAt = deref(finalized)
	return &wd, nil
}

const epochColumns = `id, status, start_time, end_time, jobs_count, total_revenue::text, merkle_root, signature, bundle_ref, sealed_at`

// Epoch loads one epoch row.
func (s *LedgerStore) Epoch(ctx domain.Context, id string) (domain.Epoch, error) {
	e, err := scanEpoch(s.Pool.QueryRow(ctx, `SELECT `+epochColumns+` FROM epochs WHERE id=$1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Epoch{}, fmt.Errorf("op=ledgerstore.epoch epoch=%s: %w", id, domain.ErrNotFound)
		}
		return domain.Epoch{}, fmt.Errorf("op=ledgerstore.epoch epoch=%s: %w", id, err)
	}
	return e, nil
}

// Epochs lists every epoch row, oldest first.
func (s *LedgerStore) Epochs(ctx domain.Context) ([]domain.Epoch, error) {
	rows, err := s.Pool.Query(ctx, `SELECT `+epochColumns+` FROM epochs ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("op=ledgerstore.epochs: %w", err)
	}
	defer rows.Close()
	var out []domain.Epoch
	for rows.Next() {
		e, err := scanEpoch(rows)
		if err != nil {
			return nil, fmt.Errorf("op=ledgerstore.epochs: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// ActiveEpoch returns the single active epoch.
func (s *LedgerStore) ActiveEpoch(ctx domain.Context) (domain.Epoch, error) {
	e, err := scanEpoch(s.Pool.QueryRow(ctx,
		`SELECT `+epochColumns+` FROM epochs WHERE status=$1 ORDER BY id DESC LIMIT 1`, domain.EpochActive))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Epoch{}, fmt.Errorf("op=ledgerstore.active_epoch: %w", domain.ErrNotFound)
		}
		return domain.Epoch{}, fmt.Errorf("op=ledgerstore.active_epoch: %w", err)
	}
	return e, nil
}

// PutEpoch inserts a new epoch row; an existing id is left untouched.
func (s *LedgerStore) PutEpoch(ctx domain.Context, e domain.Epoch) error {
	_, err := s.Pool.Exec(ctx,
		`INSERT INTO epochs (id, status, start_time) VALUES ($1,$2,$3) ON CONFLICT (id) DO NOTHING`,
		e.ID, e.Status, e.StartTime)
	if err != nil {
		return fmt.Errorf("op=ledgerstore.put_epoch epoch=%s: %w", e.ID, err)
	}
	return nil
}

// MarkEpochSealing flips active -> sealing; repeats are no-ops.
func (s *LedgerStore) MarkEpochSealing(ctx domain.Context, id string) error {
	tag, err := s.Pool.Exec(ctx,
		`UPDATE epochs SET status=$2 WHERE id=$1 AND status IN ($2, $3)`,
		id, domain.EpochSealing, domain.EpochActive)
	if err != nil {
		return fmt.Errorf("op=ledgerstore.mark_sealing epoch=%s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		e, err := s.Epoch(ctx, id)
		if err != nil {
			return err
		}
		return fmt.Errorf("op=ledgerstore.mark_sealing epoch=%s: already %s: %w", id, e.Status, domain.ErrPreconditionFailed)
	}
	return nil
}

// SealEpochRow flips active or sealing -> finalized exactly once.
func (s *LedgerStore) SealEpochRow(ctx domain.Context, e domain.Epoch) error {
	tag, err := s.Pool.Exec(ctx,
		`UPDATE epochs SET status=$2, end_time=$3, jobs_count=$4, total_revenue=$5, merkle_root=$6, signature=$7, bundle_ref=$8, sealed_at=$9
		WHERE id=$1 AND status IN ($10, $11)`,
		e.ID, domain.EpochFinalized, nullable(e.EndTime), e.JobsCount, e.TotalRevenue.String(),
		e.MerkleRoot, e.Signature, e.BundleRef, nullable(e.SealedAt), domain.EpochActive, domain.EpochSealing)
	if err != nil {
		return fmt.Errorf("op=ledgerstore.seal_epoch epoch=%s: %w", e.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=ledgerstore.seal_epoch epoch=%s: not sealable: %w", e.ID, domain.ErrPreconditionFailed)
	}
	return nil
}

func scanAccount(row pgx.Row) (domain.Account, error) {
	var acc domain.Account
	var balance, reserved, pending, totalIn, totalOut string
	if err := row.Scan(&acc.ID, &acc.Kind, &balance, &reserved, &pending, &totalIn, &totalOut); err != nil {
		return domain.Account{}, err
	}
	for _, f := range []struct {
		dst *decimal.Decimal
		src string
	}{
		{&acc.Balance, balance}, {&acc.Reserved, reserved}, {&acc.Pending, pending},
		{&acc.TotalIn, totalIn}, {&acc.TotalOut, totalOut},
	} {
		v, err := decimal.NewFromString(f.src)
		if err != nil {
			return domain.Account{}, err
		}
		*f.dst = v
	}
	return acc, nil
}

func scanTx(row pgx.Row) (domain.Transaction, error) {
	var t domain.Transaction
	var amount, balanceAfter string
	err := row.Scan(&t.ID, &t.Account, &t.Kind, &amount, &balanceAfter, &t.Reference, &t.CreatedAt)
	if err != nil {
		return domain.Transaction{}, err
	}
	if t.Amount, err = decimal.NewFromString(amount); err != nil {
		return domain.Transaction{}, err
	}
	if t.BalanceAfter, err = decimal.NewFromString(balanceAfter); err != nil {
		return domain.Transaction{}, err
	}
	return t, nil
}

func scanEpoch(row pgx.Row) (domain.Epoch, error) {
	var e domain.Epoch
	var revenue string
	var endTime, sealedAt *time.Time
	err := row.Scan(&e.ID, &e.Status, &e.StartTime, &endTime, &e.JobsCount, &revenue,
		&e.MerkleRoot, &e.Signature, &e.BundleRef, &sealedAt)
	if err != nil {
		return domain.Epoch{}, err
	}
	if e.TotalRevenue, err = decimal.NewFromString(revenue); err != nil {
		return domain.Epoch{}, err
	}
	e.EndTime = deref(endTime)
	e.SealedAt = deref(sealedAt)
	return e, nil
}

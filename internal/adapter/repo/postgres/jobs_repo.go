package postgres

import (
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/swarmos/swarmos/internal/domain"
)

// JobRepo persists and loads jobs from PostgreSQL using a minimal pgx pool.
type JobRepo struct{ Pool PgxPool }

// NewJobRepo constructs a JobRepo with the given pool.
func NewJobRepo(p PgxPool) *JobRepo { return &JobRepo{Pool: p} }

const jobColumns = `id, epoch_id, client, worker, kind, status, input_ref, result_ref, poe_hash, fee::text, execution_ms, error, submitted_at, started_at, completed_at`

// Create inserts a new job row.
func (r *JobRepo) Create(ctx domain.Context, j domain.Job) error {
	q := `INSERT INTO jobs (id, epoch_id, client, worker, kind, status, input_ref, result_ref, poe_hash, fee, execution_ms, error, submitted_at, started_at, completed_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)`
	_, err := r.Pool.Exec(ctx, q, j.ID, j.EpochID, j.Client, j.Worker, j.Kind, j.Status,
		j.InputRef, j.ResultRef, j.PoEHash, j.Fee.String(), j.ExecutionMS, j.Error,
		j.SubmittedAt, nullable(j.StartedAt), nullable(j.CompletedAt))
	if err != nil {
		return fmt.Errorf("op=job.create job=%s: %w", j.ID, err)
	}
	return nil
}

// Get loads a job by id.
func (r *JobRepo) Get(ctx domain.Context, id string) (domain.Job, error) {
	row := r.Pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id=$1`, id)
	j, err := scanJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Job{}, fmt.Errorf("op=job.get job=%s: %w", id, domain.ErrNotFound)
		}
		return domain.Job{}, fmt.Errorf("op=job.get job=%s: %w", id, err)
	}
	return j, nil
}

// Update replaces a job's mutable columns.
func (r *JobRepo) Update(ctx domain.Context, j domain.Job) error {
	q := `UPDATE jobs SET worker=$2, status=$3, result_ref=$4, poe_hash=$5, execution_ms=$6, error=$7, started_at=$8, completed_at=$9 WHERE id=$1`
	tag, err := r.Pool.Exec(ctx, q, j.ID, j.Worker, j.Status, j.ResultRef, j.PoEHash,
		j.ExecutionMS, j.Error, nullable(j.StartedAt), nullable(j.CompletedAt))
	if err != nil {
		return fmt.Errorf("op=job.update job=%s: %w", j.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=job.update job=%s: %w", j.ID, domain.ErrNotFound)
	}
	return nil
}

// ListByStatus returns jobs in one status, oldest first.
func (r *JobRepo) ListByStatus(ctx domain.Context, status domain.JobStatus, limit int) ([]domain.Job, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.Pool.Query(ctx, `SELECT `+jobColumns+` FROM jobs WHERE status=$1 ORDER BY id LIMIT $2`, status, limit)
	if err != nil {
		return nil, fmt.Errorf("op=job.list_by_status: %w", err)
	}
	defer rows.Close()
	return collectJobs(rows)
}

// ListCompletedInEpoch returns the epoch's completed jobs ordered by id, the
// exact set the sealer hashes.
func (r *JobRepo) ListCompletedInEpoch(ctx domain.Context, epochID string) ([]domain.Job, error) {
	rows, err := r.Pool.Query(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE epoch_id=$1 AND status=$2 ORDER BY id`,
		epochID, domain.JobCompleted)
	if err != nil {
		return nil, fmt.Errorf("op=job.list_completed epoch=%s: %w", epochID, err)
	}
	defer rows.Close()
	return collectJobs(rows)
}

// CountCompletedByWorker tallies an epoch's completed jobs per worker.
func (r *JobRepo) CountCompletedByWorker(ctx domain.Context, epochID string) (map[string]int, error) {
	rows, err := r.Pool.Query(ctx,
		`SELECT worker, COUNT(*) FROM jobs WHERE epoch_id=$1 AND status=$2 GROUP BY worker`,
		epochID, domain.JobCompleted)
	if err != nil {
		return nil, fmt.Errorf("op=job.count_by_worker epoch=%s: %w", epochID, err)
	}
	defer rows.Close()
	out := map[string]int{}
	for rows.Next() {
		var worker string
		var n int
		if err := rows.Scan(&worker, &n); err != nil {
			return nil, fmt.Errorf("op=job.count_by_worker epoch=%s: %w", epochID, err)
		}
		out[worker] = n
	}
	return out, rows.Err()
}

func scanJob(row pgx.Row) (domain.Job, error) {
	var j domain.Job
	var fee string
	var started, completed *time.Time
	err := row.Scan(&j.ID, &j.EpochID, &j.Client, &j.Worker, &j.Kind, &j.Status,
		&j.InputRef, &j.ResultRef, &j.PoEHash, &fee, &j.ExecutionMS, &j.Error,
		&j.SubmittedAt, &started, &completed)
	if err != nil {
		return domain.Job{}, err
	}
	if j.Fee, err = decimal.NewFromString(fee); err != nil {
		return domain.Job{}, err
	}
	j.StartedAt = deref(started)
	j.CompletedAt = deref(completed)
	return j, nil
}

func collectJobs(rows pgx.Rows) ([]domain.Job, error) {
	var out []domain.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func nullable(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func deref(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}

package postgres

import (
	"fmt"

	"github.com/swarmos/swarmos/internal/domain"
)

// Counters allocates durable monotone sequences out of a single-row-per-name
// table. Every call is one atomic statement.
type Counters struct{ Pool PgxPool }

// NewCounters constructs a Counters with the given pool.
func NewCounters(p PgxPool) *Counters { return &Counters{Pool: p} }

// Next increments the named counter and returns the new value, creating the
// counter at 1 on first use.
func (c *Counters) Next(ctx domain.Context, name string) (int64, error) {
	q := `INSERT INTO counters (name, value) VALUES ($1, 1)
		ON CONFLICT (name) DO UPDATE SET value = counters.value + 1
		RETURNING value`
	var v int64
	if err := c.Pool.QueryRow(ctx, q, name).Scan(&v); err != nil {
		return 0, fmt.Errorf("op=counters.next name=%s: %w", name, err)
	}
	return v, nil
}

// Current reads the counter without advancing it; absent counters read zero.
func (c *Counters) Current(ctx domain.Context, name string) (int64, error) {
	var v int64
	err := c.Pool.QueryRow(ctx, `SELECT COALESCE((SELECT value FROM counters WHERE name=$1), 0)`, name).Scan(&v)
	if err != nil {
		return 0, fmt.Errorf("op=counters.current name=%s: %w", name, err)
	}
	return v, nil
}

// SetIfGreater advances the counter to v unless it is already past it.
func (c *Counters) SetIfGreater(ctx domain.Context, name string, v int64) error {
	q := `INSERT INTO counters (name, value) VALUES ($1, $2)
		ON CONFLICT (name) DO UPDATE SET value = GREATEST(counters.value, EXCLUDED.value)`
	if _, err := c.Pool.Exec(ctx, q, name, v); err != nil {
		return fmt.Errorf("op=counters.set_if_greater name=%s: %w", name, err)
	}
	return nil
}

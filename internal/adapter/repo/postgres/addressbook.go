package postgres

import (
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/swarmos/swarmos/internal/domain"
)

// AddressBook maps identity strings to their bound signing address. An
// identity that already is a hex address resolves to itself, so clients may
// authenticate under their raw address without a binding row.
type AddressBook struct{ Pool PgxPool }

// NewAddressBook constructs an AddressBook with the given pool.
func NewAddressBook(p PgxPool) *AddressBook { return &AddressBook{Pool: p} }

// AddressOf resolves the signing address for an identity.
func (b *AddressBook) AddressOf(ctx domain.Context, identity string) (string, error) {
	if isHexAddress(identity) {
		return strings.ToLower(identity), nil
	}
	var addr string
	err := b.Pool.QueryRow(ctx, `SELECT address FROM address_bindings WHERE identity=$1`, identity).Scan(&addr)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", fmt.Errorf("op=addressbook.address_of identity=%s: %w", identity, domain.ErrNotFound)
		}
		return "", fmt.Errorf("op=addressbook.address_of identity=%s: %w", identity, err)
	}
	return addr, nil
}

// Bind records the identity's address. First write wins; an existing binding
// is never overwritten.
func (b *AddressBook) Bind(ctx domain.Context, identity, address string) error {
	q := `INSERT INTO address_bindings (identity, address) VALUES ($1, $2) ON CONFLICT (identity) DO NOTHING`
	if _, err := b.Pool.Exec(ctx, q, identity, strings.ToLower(address)); err != nil {
		return fmt.Errorf("op=addressbook.bind identity=%s: %w", identity, err)
	}
	return nil
}

func isHexAddress(s string) bool {
	if len(s) != 42 || !strings.HasPrefix(s, "0x") {
		return false
	}
	for _, c := range s[2:] {
		switch {
		case c >= '0' && c <= '9', c >= 'a' && c <= 'f', c >= 'A' && c <= 'F':
		default:
			return false
		}
	}
	return true
}

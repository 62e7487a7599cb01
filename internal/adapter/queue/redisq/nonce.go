package redisq

import (
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/swarmos/swarmos/internal/domain"
)

// NonceGuard enforces single use of (client, nonce) pairs with SET NX and a
// TTL equal to the replay window. After expiry the timestamp check alone
// rejects the stale request.
type NonceGuard struct {
	rdb *redis.Client
}

// NewNonceGuard wraps an existing Redis client.
func NewNonceGuard(rdb *redis.Client) *NonceGuard {
	return &NonceGuard{rdb: rdb}
}

// Seen records the nonce and reports whether it was already present.
func (g *NonceGuard) Seen(ctx domain.Context, client, nonce string, window time.Duration) (bool, error) {
	key := fmt.Sprintf("swarmos:nonce:%s:%s", client, nonce)
	set, err := g.rdb.SetNX(ctx, key, 1, window).Result()
	if err != nil {
		return false, fmt.Errorf("op=nonce.Seen client=%s: %w", client, err)
	}
	return !set, nil
}

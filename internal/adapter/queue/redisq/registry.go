package redisq

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/swarmos/swarmos/internal/domain"
)

const workersKey = "swarmos:workers"

// Registry tracks worker records in a Redis hash. Liveness is decided by
// readers comparing last_heartbeat against the heartbeat timeout.
type Registry struct {
	rdb *redis.Client
}

// NewRegistry wraps an existing Redis client.
func NewRegistry(rdb *redis.Client) *Registry {
	return &Registry{rdb: rdb}
}

// Register creates or replaces a worker record and marks it online.
func (r *Registry) Register(ctx domain.Context, w domain.WorkerInfo) error {
	now := time.Now().UTC()
	if w.RegisteredAt.IsZero() {
		w.RegisteredAt = now
	}
	w.LastHeartbeat = now
	if w.Status == "" {
		w.Status = domain.WorkerOnline
	}
	return r.put(ctx, w)
}

// Heartbeat refreshes liveness and the worker's reported assignment.
func (r *Registry) Heartbeat(ctx domain.Context, id string, status domain.WorkerStatus, currentJobID string) error {
	w, err := r.Get(ctx, id)
	if err != nil {
		return err
	}
	w.Status = status
	w.CurrentJobID = currentJobID
	w.LastHeartbeat = time.Now().UTC()
	return r.put(ctx, w)
}

// Get returns one worker record.
func (r *Registry) Get(ctx domain.Context, id string) (domain.WorkerInfo, error) {
	raw, err := r.rdb.HGet(ctx, workersKey, id).Result()
	if errors.Is(err, redis.Nil) {
		return domain.WorkerInfo{}, fmt.Errorf("op=registry.Get worker=%s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return domain.WorkerInfo{}, fmt.Errorf("op=registry.Get worker=%s: %w", id, err)
	}
	var w domain.WorkerInfo
	if err := json.Unmarshal([]byte(raw), &w); err != nil {
		return domain.WorkerInfo{}, fmt.Errorf("op=registry.Get worker=%s: decode: %w", id, err)
	}
	return w, nil
}

// All lists every registered worker, including offline ones.
func (r *Registry) All(ctx domain.Context) ([]domain.WorkerInfo, error) {
	raw, err := r.rdb.HGetAll(ctx, workersKey).Result()
	if err != nil {
		return nil, fmt.Errorf("op=registry.All: %w", err)
	}
	workers := make([]domain.WorkerInfo, 0, len(raw))
	for _, v := range raw {
		var w domain.WorkerInfo
		if err := json.Unmarshal([]byte(v), &w); err != nil {
			continue
		}
		workers = append(workers, w)
	}
	return workers, nil
}

// SetStatus changes a worker's status without touching its heartbeat, used
// by the sweeper to demote silent workers.
func (r *Registry) SetStatus(ctx domain.Context, id string, status domain.WorkerStatus, currentJobID string) error {
	w, err := r.Get(ctx, id)
	if err != nil {
		return err
	}
	w.Status = status
	w.CurrentJobID = currentJobID
	return r.put(ctx, w)
}

func (r *Registry) put(ctx domain.Context, w domain.WorkerInfo) error {
	b, err := json.Marshal(w)
	if err != nil {
		return fmt.Errorf("op=registry.put worker=%s: %w", w.ID, err)
	}
	if err := r.rdb.HSet(ctx, workersKey, w.ID, b).Err(); err != nil {
		return fmt.Errorf("op=registry.put worker=%s: %w", w.ID, err)
	}
	return nil
}

package usecase

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/swarmos/swarmos/internal/domain"
)

// settleClient exposes a real Settle as the controller-side LedgerClient,
// so dispatch tests exercise the true settlement semantics.
type settleClient struct{ s *Settle }

func (c settleClient) Balance(ctx domain.Context, account string) (domain.Account, error) {
	return c.s.Balance(ctx, account)
}
func (c settleClient) Reserve(ctx domain.Context, account string, amount decimal.Decimal, jobID string) error {
	return c.s.Reserve(ctx, account, amount, jobID)
}
func (c settleClient) Charge(ctx domain.Context, account string, amount decimal.Decimal, jobID string) error {
	return c.s.Charge(ctx, account, amount, jobID)
}
func (c settleClient) Refund(ctx domain.Context, account, jobID string) error {
	return c.s.Refund(ctx, account, jobID)
}
func (c settleClient) Credit(ctx domain.Context, account string, amount decimal.Decimal, jobID string, pending bool) error {
	return c.s.Credit(ctx, account, amount, jobID, pending)
}
func (c settleClient) OpenEpoch(ctx domain.Context, epochID string, start time.Time) error {
	return c.s.OpenEpoch(ctx, epochID, start)
}
func (c settleClient) BeginSeal(ctx domain.Context, epochID string) error {
	return c.s.BeginSealEpoch(ctx, epochID)
}
func (c settleClient) SealEpoch(ctx domain.Context, seal domain.EpochSeal) error {
	return c.s.SealEpoch(ctx, seal)
}
func (c settleClient) Epoch(ctx domain.Context, epochID string) (domain.Epoch, error) {
	return c.s.Epoch(ctx, epochID)
}

type fakeJobs struct {
	mu        sync.Mutex
	jobs      map[string]domain.Job
	createErr error
}

func newFakeJobs() *fakeJobs { return &fakeJobs{jobs: map[string]domain.Job{}} }

func (f *fakeJobs) Create(ctx domain.Context, j domain.Job) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return f.createErr
	}
	if _, ok := f.jobs[j.ID]; ok {
		return fmt.Errorf("job %s: %w", j.ID, domain.ErrConflict)
	}
	f.jobs[j.ID] = j
	return nil
}

// put inserts or replaces a row directly, bypassing Create's checks.
func (f *fakeJobs) put(j domain.Job) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs[j.ID] = j
}

func (f *fakeJobs) Get(ctx domain.Context, id string) (domain.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[id]
	if !ok {
		return domain.Job{}, fmt.Errorf("job %s: %w", id, domain.ErrNotFound)
	}
	return j, nil
}

func (f *fakeJobs) Update(ctx domain.Context, j domain.Job) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.jobs[j.ID]; !ok {
		return fmt.Errorf("job %s: %w", j.ID, domain.ErrNotFound)
	}
	f.jobs[j.ID] = j
	return nil
}

func (f *fakeJobs) ListByStatus(ctx domain.Context, status domain.JobStatus, limit int) ([]domain.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.Job
	for _, j := range f.jobs {
		if j.Status == status {
			out = append(out, j)
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].ID < out[k].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeJobs) ListCompletedInEpoch(ctx domain.Context, epochID string) ([]domain.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.Job
	for _, j := range f.jobs {
		if j.EpochID == epochID && j.Status == domain.JobCompleted {
			out = append(out, j)
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].ID < out[k].ID })
	return out, nil
}

func (f *fakeJobs) CountCompletedByWorker(ctx domain.Context, epochID string) (map[string]int, error) {
	jobs, _ := f.ListCompletedInEpoch(ctx, epochID)
	out := map[string]int{}
	for _, j := range jobs {
		out[j.Worker]++
	}
	return out, nil
}

type fakeQueue struct {
	mu         sync.Mutex
	pending    []domain.QueuedJob
	processing map[string]domain.Claim
	enqueueErr error
}

func newFakeQueue() *fakeQueue { return &fakeQueue{processing: map[string]domain.Claim{}} }

func (q *fakeQueue) Enqueue(ctx domain.Context, qj domain.QueuedJob) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.enqueueErr != nil {
		return q.enqueueErr
	}
	q.pending = append(q.pending, qj)
	sort.SliceStable(q.pending, func(i, j int) bool {
		if q.pending[i].Priority != q.pending[j].Priority {
			return q.pending[i].Priority > q.pending[j].Priority
		}
		return q.pending[i].EnqueuedAt.Before(q.pending[j].EnqueuedAt)
	})
	return nil
}

func (q *fakeQueue) Claim(ctx domain.Context, worker string) (*domain.QueuedJob, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.pending) == 0 {
		return nil, nil
	}
	qj := q.pending[0]
	q.pending = q.pending[1:]
	q.processing[qj.JobID] = domain.Claim{JobID: qj.JobID, Worker: worker, ClaimedAt: time.Now()}
	return &qj, nil
}

func (q *fakeQueue) Release(ctx domain.Context, jobID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.processing, jobID)
	return nil
}

func (q *fakeQueue) ProcessingOlderThan(ctx domain.Context, cutoff time.Time) ([]domain.Claim, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []domain.Claim
	for _, c := range q.processing {
		if c.ClaimedAt.Before(cutoff) {
			out = append(out, c)
		}
	}
	return out, nil
}

func (q *fakeQueue) Depth(ctx domain.Context) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return int64(len(q.pending)), nil
}

func (q *fakeQueue) ProcessingCount(ctx domain.Context) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return int64(len(q.processing)), nil
}

// backdateClaim ages a processing entry so sweeper tests need no sleeping.
func (q *fakeQueue) backdateClaim(jobID string, age time.Duration) {
	q.mu.Lock()
	defer q.mu.Unlock()
	c := q.processing[jobID]
	c.ClaimedAt = c.ClaimedAt.Add(-age)
	q.processing[jobID] = c
}

type fakeRegistry struct {
	mu      sync.Mutex
	workers map[string]domain.WorkerInfo
}

func newFakeRegistry() *fakeRegistry { return &fakeRegistry{workers: map[string]domain.WorkerInfo{}} }

func (r *fakeRegistry) Register(ctx domain.Context, w domain.WorkerInfo) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if w.Status == "" {
		w.Status = domain.WorkerOnline
	}
	now := time.Now()
	if w.RegisteredAt.IsZero() {
		w.RegisteredAt = now
	}
	w.LastHeartbeat = now
	r.workers[w.ID] = w
	return nil
}

func (r *fakeRegistry) Heartbeat(ctx domain.Context, id string, status domain.WorkerStatus, currentJobID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.workers[id]
	if !ok {
		return fmt.Errorf("worker %s: %w", id, domain.ErrNotFound)
	}
	w.Status = status
	w.CurrentJobID = currentJobID
	w.LastHeartbeat = time.Now()
	r.workers[id] = w
	return nil
}

func (r *fakeRegistry) Get(ctx domain.Context, id string) (domain.WorkerInfo, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.workers[id]
	if !ok {
		return domain.WorkerInfo{}, fmt.Errorf("worker %s: %w", id, domain.ErrNotFound)
	}
	return w, nil
}

func (r *fakeRegistry) All(ctx domain.Context) ([]domain.WorkerInfo, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.WorkerInfo, 0, len(r.workers))
	for _, w := range r.workers {
		out = append(out, w)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *fakeRegistry) SetStatus(ctx domain.Context, id string, status domain.WorkerStatus, currentJobID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.workers[id]
	if !ok {
		return fmt.Errorf("worker %s: %w", id, domain.ErrNotFound)
	}
	w.Status = status
	w.CurrentJobID = currentJobID
	r.workers[id] = w
	return nil
}

// backdateHeartbeat ages a worker's liveness for sweeper tests.
func (r *fakeRegistry) backdateHeartbeat(id string, age time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	w := r.workers[id]
	w.LastHeartbeat = w.LastHeartbeat.Add(-age)
	r.workers[id] = w
}

type fakeNonces struct {
	mu   sync.Mutex
	seen map[string]bool
}

func newFakeNonces() *fakeNonces { return &fakeNonces{seen: map[string]bool{}} }

func (f *fakeNonces) Seen(ctx domain.Context, client, nonce string, window time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := client + ":" + nonce
	if f.seen[key] {
		return true, nil
	}
	f.seen[key] = true
	return false, nil
}

type fakeCounters struct {
	mu sync.Mutex
	v  map[string]int64
}

func newFakeCounters() *fakeCounters { return &fakeCounters{v: map[string]int64{}} }

func (f *fakeCounters) Next(ctx domain.Context, name string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.v[name]++
	return f.v[name], nil
}

func (f *fakeCounters) Current(ctx domain.Context, name string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.v[name], nil
}

func (f *fakeCounters) SetIfGreater(ctx domain.Context, name string, v int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if v > f.v[name] {
		f.v[name] = v
	}
	return nil
}

// fakeVerifier treats a signature as valid iff it equals
// "sig:<address over which it claims>".
type fakeVerifier struct{}

func (fakeVerifier) Verify(message, signature, expectedAddress string) bool {
	return signature == "sig:"+strings.ToLower(expectedAddress)
}

func (fakeVerifier) Recover(message, signature string) (string, error) {
	addr, ok := strings.CutPrefix(signature, "sig:")
	if !ok {
		return "", fmt.Errorf("malformed signature: %w", domain.ErrUnauthorized)
	}
	return addr, nil
}

type fakeAddresses struct {
	mu    sync.Mutex
	bound map[string]string
}

func newFakeAddresses() *fakeAddresses { return &fakeAddresses{bound: map[string]string{}} }

func (f *fakeAddresses) AddressOf(ctx domain.Context, identity string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	addr, ok := f.bound[identity]
	if !ok {
		return "", fmt.Errorf("identity %s: %w", identity, domain.ErrNotFound)
	}
	return addr, nil
}

func (f *fakeAddresses) Bind(ctx domain.Context, identity, address string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bound[identity] = strings.ToLower(address)
	return nil
}

type fakeEvents struct {
	mu     sync.Mutex
	events []domain.JobEvent
}

func (f *fakeEvents) PublishJobEvent(ctx domain.Context, ev domain.JobEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
	return nil
}

func (f *fakeEvents) byType(t string) []domain.JobEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.JobEvent
	for _, ev := range f.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

type fakeCAS struct {
	mu    sync.Mutex
	blobs map[string][]byte
	n     int
}

func newFakeCAS() *fakeCAS { return &fakeCAS{blobs: map[string][]byte{}} }

func (f *fakeCAS) Put(ctx domain.Context, data []byte) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.n++
	ref := fmt.Sprintf("cas://blob-%d", f.n)
	f.blobs[ref] = append([]byte(nil), data...)
	return ref, nil
}

func (f *fakeCAS) Get(ctx domain.Context, ref string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.blobs[ref]
	if !ok {
		return nil, fmt.Errorf("ref %s: %w", ref, domain.ErrNotFound)
	}
	return b, nil
}

type fakeSigner struct{ addr string }

func (f fakeSigner) Sign(message string) (string, error) { return "0xsig:" + f.addr, nil }
func (f fakeSigner) Address() string                     { return f.addr }

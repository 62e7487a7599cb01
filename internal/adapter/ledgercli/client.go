// Package ledgercli is the controller's HTTP client for the settlement
// ledger service. Idempotent calls retry transient failures with
// exponential backoff; ledger error kinds map back onto domain sentinels.
package ledgercli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/shopspring/decimal"

	"github.com/swarmos/swarmos/internal/domain"
)

// Client talks to the ledger service over HTTP.
type Client struct {
	baseURL string
	http    *http.Client

	maxRetries  uint64
	retryBase   time.Duration
	retryMaxGap time.Duration
}

// New constructs a Client. maxRetries counts attempts after the first.
func New(baseURL string, timeout time.Duration, maxRetries int, retryBase time.Duration) *Client {
	if maxRetries < 0 {
		maxRetries = 0
	}
	return &Client{
		baseURL:     strings.TrimRight(baseURL, "/"),
		http:        &http.Client{Timeout: timeout},
		maxRetries:  uint64(maxRetries),
		retryBase:   retryBase,
		retryMaxGap: 2 * time.Second,
	}
}

type errorBody struct {
	Error struct {
		Kind    string `json:"kind"`
		Message string `json:"message"`
	} `json:"error"`
}

var kindToSentinel = map[string]error{
	"bad_request":         domain.ErrBadRequest,
	"unauthorized":        domain.ErrUnauthorized,
	"forbidden":           domain.ErrForbidden,
	"not_found":           domain.ErrNotFound,
	"conflict":            domain.ErrConflict,
	"insufficient_funds":  domain.ErrInsufficientFunds,
	"precondition_failed": domain.ErrPreconditionFailed,
	"timeout":             domain.ErrTimeout,
	"unavailable":         domain.ErrUnavailable,
}

// do performs one request with retries on network errors and 5xx. Responses
// with a 4xx status are final and decode into a sentinel error.
func (c *Client) do(ctx domain.Context, method, path string, body, out any) error {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return fmt.Errorf("op=ledgercli path=%s: %w", path, err)
		}
	}

	bo := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(
			backoff.WithInitialInterval(c.retryBase),
			backoff.WithMaxInterval(c.retryMaxGap),
		), c.maxRetries), ctx)

	return backoff.Retry(func() error {
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(payload))
		if err != nil {
			return backoff.Permanent(fmt.Errorf("op=ledgercli path=%s: %w", path, err))
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		resp, err := c.http.Do(req)
		if err != nil {
			return fmt.Errorf("op=ledgercli path=%s: %w", path, err)
		}
		defer func() { _ = resp.Body.Close() }()

		if resp.StatusCode >= 500 {
			_, _ = io.Copy(io.Discard, resp.Body)
			return fmt.Errorf("op=ledgercli path=%s: status %d: %w", path, resp.StatusCode, domain.ErrUnavailable)
		}
		if resp.StatusCode >= 400 {
			var eb errorBody
			_ = json.NewDecoder(resp.Body).Decode(&eb)
			sentinel, ok := kindToSentinel[eb.Error.Kind]
			if !ok {
				sentinel = domain.ErrInternal
			}
			return backoff.Permanent(fmt.Errorf("op=ledgercli path=%s: %s: %w", path, eb.Error.Message, sentinel))
		}
		if out != nil {
			if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
				return backoff.Permanent(fmt.Errorf("op=ledgercli path=%s: decode: %w", path, err))
			}
		} else {
			_, _ = io.Copy(io.Discard, resp.Body)
		}
		return nil
	}, bo)
}

type accountBody struct {
	Account   string `json:"account"`
	Kind      string `json:"kind"`
	Balance   string `json:"balance"`
	Reserved  string `json:"reserved"`
	Pending   string `json:"pending"`
	Available string `json:"available"`
	TotalIn   string `json:"total_in"`
	TotalOut  string `json:"total_out"`
}

// Balance fetches an account's state.
func (c *Client) Balance(ctx domain.Context, account string) (domain.Account, error) {
	var body accountBody
	if err := c.do(ctx, http.MethodGet, "/v1/accounts/"+account+"/balance", nil, &body); err != nil {
		return domain.Account{}, err
	}
	acc := domain.Account{ID: body.Account, Kind: domain.AccountKind(body.Kind)}
	for _, f := range []struct {
		dst *decimal.Decimal
		src string
	}{
		{&acc.Balance, body.Balance}, {&acc.Reserved, body.Reserved}, {&acc.Pending, body.Pending},
		{&acc.TotalIn, body.TotalIn}, {&acc.TotalOut, body.TotalOut},
	} {
		if f.src == "" {
			continue
		}
		v, err := decimal.NewFromString(f.src)
		if err != nil {
			return domain.Account{}, fmt.Errorf("op=ledgercli.balance account=%s: %w", account, err)
		}
		*f.dst = v
	}
	return acc, nil
}

type holdBody struct {
	Account string `json:"account"`
	Amount  string `json:"amount,omitempty"`
	JobID   string `json:"job_id"`
	Pending bool   `json:"pending,omitempty"`
}

// Reserve places a hold for a job.
func (c *Client) Reserve(ctx domain.Context, account string, amount decimal.Decimal, jobID string) error {
	return c.do(ctx, http.MethodPost, "/v1/reserve", holdBody{Account: account, Amount: amount.String(), JobID: jobID}, nil)
}

// Charge consumes the job's hold.
func (c *Client) Charge(ctx domain.Context, account string, amount decimal.Decimal, jobID string) error {
	return c.do(ctx, http.MethodPost, "/v1/charge", holdBody{Account: account, Amount: amount.String(), JobID: jobID}, nil)
}

// Refund releases the job's hold.
func (c *Client) Refund(ctx domain.Context, account, jobID string) error {
	return c.do(ctx, http.MethodPost, "/v1/refund", holdBody{Account: account, JobID: jobID}, nil)
}

// Credit pays a worker, pending or immediate.
func (c *Client) Credit(ctx domain.Context, account string, amount decimal.Decimal, jobID string, pending bool) error {
	return c.do(ctx, http.MethodPost, "/v1/credit", holdBody{Account: account, Amount: amount.String(), JobID: jobID, Pending: pending}, nil)
}

type openEpochBody struct {
	EpochID   string    `json:"epoch_id"`
	StartTime time.Time `json:"start_time"`
}

// OpenEpoch inserts a new active epoch row; repeats are no-ops.
func (c *Client) OpenEpoch(ctx domain.Context, epochID string, start time.Time) error {
	return c.do(ctx, http.MethodPost, "/v1/epochs/open", openEpochBody{EpochID: epochID, StartTime: start}, nil)
}

type beginSealBody struct {
	EpochID string `json:"epoch_id"`
}

// BeginSeal flips the epoch to sealing, closing its completed-job set.
func (c *Client) BeginSeal(ctx domain.Context, epochID string) error {
	return c.do(ctx, http.MethodPost, "/v1/epochs/begin-seal", beginSealBody{EpochID: epochID}, nil)
}

type sealBody struct {
	EpochID      string           `json:"epoch_id"`
	MerkleRoot   string           `json:"merkle_root"`
	JobsCount    int              `json:"jobs_count"`
	TotalRevenue string           `json:"total_revenue"`
	ProtocolFee  string           `json:"protocol_fee"`
	OperatorFee  string           `json:"operator_fee"`
	Settlements  []settlementBody `json:"settlements"`
	Signature    string           `json:"signature"`
	BundleRef    string           `json:"bundle_ref"`
	SealedAt     time.Time        `json:"sealed_at"`
}

type settlementBody struct {
	Worker         string `json:"worker"`
	JobsCompleted  int    `json:"jobs_completed"`
	UptimeSeconds  int64  `json:"uptime_seconds"`
	WorkShare      string `json:"work_share"`
	ReadinessShare string `json:"readiness_share"`
	Total          string `json:"total"`
}

// SealEpoch finalizes the epoch with its precomputed payout table.
func (c *Client) SealEpoch(ctx domain.Context, seal domain.EpochSeal) error {
	body := sealBody{
		EpochID:      seal.EpochID,
		MerkleRoot:   seal.MerkleRoot,
		JobsCount:    seal.JobsCount,
		TotalRevenue: seal.TotalRevenue.String(),
		ProtocolFee:  seal.ProtocolFee.String(),
		OperatorFee:  seal.OperatorFee.String(),
		Signature:    seal.Signature,
		BundleRef:    seal.BundleRef,
		SealedAt:     seal.SealedAt,
	}
	for _, st := range seal.Settlements {
		body.Settlements = append(body.Settlements, settlementBody{
			Worker:         st.Worker,
			JobsCompleted:  st.JobsCompleted,
			UptimeSeconds:  st.UptimeSeconds,
			WorkShare:      st.WorkShare.String(),
			ReadinessShare: st.ReadinessShare.String(),
			Total:          st.Total.String(),
		})
	}
	return c.do(ctx, http.MethodPost, "/v1/epochs/seal", body, nil)
}

type epochBody struct {
	EpochID      string     `json:"epoch_id"`
	Status       string     `json:"status"`
	StartTime    time.Time  `json:"start_time"`
	EndTime      *time.Time `json:"end_time,omitempty"`
	JobsCount    int        `json:"jobs_count"`
	TotalRevenue string     `json:"total_revenue"`
	MerkleRoot   string     `json:"merkle_root"`
	Signature    string     `json:"signature"`
	BundleRef    string     `json:"bundle_ref"`
	SealedAt     *time.Time `json:"sealed_at,omitempty"`
}

// Epoch fetches one epoch row.
func (c *Client) Epoch(ctx domain.Context, epochID string) (domain.Epoch, error) {
	var body epochBody
	if err := c.do(ctx, http.MethodGet, "/v1/epochs/"+epochID, nil, &body); err != nil {
		return domain.Epoch{}, err
	}
	e := domain.Epoch{
		ID:         body.EpochID,
		Status:     domain.EpochStatus(body.Status),
		StartTime:  body.StartTime,
		JobsCount:  body.JobsCount,
		MerkleRoot: body.MerkleRoot,
		Signature:  body.Signature,
		BundleRef:  body.BundleRef,
	}
	if body.TotalRevenue != "" {
		v, err := decimal.NewFromString(body.TotalRevenue)
		if err != nil {
			return domain.Epoch{}, fmt.Errorf("op=ledgercli.epoch epoch=%s: %w", epochID, err)
		}
		e.TotalRevenue = v
	}
	if body.EndTime != nil {
		e.EndTime = *body.EndTime
	}
	if body.SealedAt != nil {
		e.SealedAt = *body.SealedAt
	}
	return e, nil
}

package httpserver

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/swarmos/swarmos/internal/adapter/observability"
	"github.com/swarmos/swarmos/internal/domain"
	"github.com/swarmos/swarmos/internal/receipt"
	"github.com/swarmos/swarmos/internal/usecase"
)

// LedgerServer exposes the settlement ledger's REST surface.
type LedgerServer struct {
	Settle   *usecase.Settle
	Validate *validator.Validate
}

// NewLedgerServer wires the ledger handlers.
func NewLedgerServer(settle *usecase.Settle) *LedgerServer {
	return &LedgerServer{Settle: settle, Validate: validator.New()}
}

func parseAmount(s string) (decimal.Decimal, error) {
	v, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("amount %q: %w", s, domain.ErrBadRequest)
	}
	return v, nil
}

func queryLimit(r *http.Request) int {
	n, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	return n
}

func ledgerOp(op string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = domain.ErrorKind(err)
	}
	observability.LedgerOpsTotal.WithLabelValues(op, outcome).Inc()
}

// GetBalance handles GET /v1/accounts/{id}/balance.
func (s *LedgerServer) GetBalance(w http.ResponseWriter, r *http.Request) {
	acc, err := s.Settle.Balance(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, accountView(acc))
}

type depositBody struct {
	Account     string `json:"account" validate:"required,max=256"`
	Amount      string `json:"amount" validate:"required"`
	ExternalRef string `json:"external_ref" validate:"required,max=256"`
}

// PostDeposit handles POST /v1/deposit.
func (s *LedgerServer) PostDeposit(w http.ResponseWriter, r *http.Request) {
	var body depositBody
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, err)
		return
	}
	if err := s.Validate.Struct(body); err != nil {
		writeError(w, fmt.Errorf("%v: %w", err, domain.ErrBadRequest))
		return
	}
	amount, err := parseAmount(body.Amount)
	if err != nil {
		writeError(w, err)
		return
	}
	dep, err := s.Settle.Deposit(r.Context(), body.Account, amount, body.ExternalRef)
	ledgerOp("deposit", err)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"deposit_id":   dep.ID,
		"account":      dep.Account,
		"amount":       dep.Amount.StringFixed(2),
		"external_ref": dep.ExternalRef,
	})
}

type holdBody struct {
	Account string `json:"account" validate:"required,max=256"`
	Amount  string `json:"amount" validate:"omitempty"`
	JobID   string `json:"job_id" validate:"required,max=64"`
	Pending bool   `json:"pending"`
}

func (s *LedgerServer) decodeHold(w http.ResponseWriter, r *http.Request) (holdBody, bool) {
	var body holdBody
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, err)
		return body, false
	}
	if err := s.Validate.Struct(body); err != nil {
		writeError(w, fmt.Errorf("%v: %w", err, domain.ErrBadRequest))
		return body, false
	}
	return body, true
}

// PostReserve handles POST /v1/reserve.
func (s *LedgerServer) PostReserve(w http.ResponseWriter, r *http.Request) {
	body, ok := s.decodeHold(w, r)
	if !ok {
		return
	}
	amount, err := parseAmount(body.Amount)
	if err != nil {
		writeError(w, err)
		return
	}
	err = s.Settle.Reserve(r.Context(), body.Account, amount, body.JobID)
	ledgerOp("reserve", err)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "job_id": body.JobID})
}

// PostCharge handles POST /v1/charge.
func (s *LedgerServer) PostCharge(w http.ResponseWriter, r *http.Request) {
	body, ok := s.decodeHold(w, r)
	if !ok {
		return
	}
	amount, err := parseAmount(body.Amount)
	if err != nil {
		writeError(w, err)
		return
	}
	err = s.Settle.Charge(r.Context(), body.Account, amount, body.JobID)
	ledgerOp("charge", err)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "job_id": body.JobID})
}

// PostRefund handles POST /v1/refund.
func (s *LedgerServer) PostRefund(w http.ResponseWriter, r *http.Request) {
	body, ok := s.decodeHold(w, r)
	if !ok {
		return
	}
	err := s.Settle.Refund(r.Context(), body.Account, body.JobID)
	ledgerOp("refund", err)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "job_id": body.JobID})
}

// PostCredit handles POST /v1/credit.
func (s *LedgerServer) PostCredit(w http.ResponseWriter, r *http.Request) {
	body, ok := s.decodeHold(w, r)
	if !ok {
		return
	}
	amount, err := parseAmount(body.Amount)
	if err != nil {
		writeError(w, err)
		return
	}
	err = s.Settle.Credit(r.Context(), body.Account, amount, body.JobID, body.Pending)
	ledgerOp("credit", err)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "job_id": body.JobID})
}

type withdrawBody struct {
	Account     string `json:"account" validate:"required,max=256"`
	Amount      string `json:"amount" validate:"required"`
	Destination string `json:"destination" validate:"required,max=256"`
}

// PostWithdraw handles POST /v1/withdrawals.
func (s *LedgerServer) PostWithdraw(w http.ResponseWriter, r *http.Request) {
	var body withdrawBody
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, err)
		return
	}
	if err := s.Validate.Struct(body); err != nil {
		writeError(w, fmt.Errorf("%v: %w", err, domain.ErrBadRequest))
		return
	}
	amount, err := parseAmount(body.Amount)
	if err != nil {
		writeError(w, err)
		return
	}
	wd, err := s.Settle.WithdrawRequest(r.Context(), body.Account, amount, body.Destination)
	ledgerOp("withdraw_request", err)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, withdrawalView(wd))
}

type finalizeBody struct {
	ExternalTx string `json:"external_tx" validate:"required,max=256"`
}

// PostWithdrawFinalize handles POST /v1/withdrawals/{id}/finalize.
func (s *LedgerServer) PostWithdrawFinalize(w http.ResponseWriter, r *http.Request) {
	var body finalizeBody
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, err)
		return
	}
	if err := s.Validate.Struct(body); err != nil {
		writeError(w, fmt.Errorf("%v: %w", err, domain.ErrBadRequest))
		return
	}
	wd, err := s.Settle.WithdrawFinalize(r.Context(), chi.URLParam(r, "id"), body.ExternalTx)
	ledgerOp("withdraw_finalize", err)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, withdrawalView(wd))
}

// GetWithdrawal handles GET /v1/withdrawals/{id}.
func (s *LedgerServer) GetWithdrawal(w http.ResponseWriter, r *http.Request) {
	wd, err := s.Settle.Withdrawal(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, withdrawalView(wd))
}

// GetTransactions handles GET /v1/accounts/{id}/transactions.
func (s *LedgerServer) GetTransactions(w http.ResponseWriter, r *http.Request) {
	txs, err := s.Settle.Transactions(r.Context(), chi.URLParam(r, "id"), queryLimit(r))
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]map[string]any, 0, len(txs))
	for _, t := range txs {
		out = append(out, map[string]any{
			"id":            t.ID,
			"kind":          t.Kind,
			"amount":        t.Amount.String(),
			"balance_after": t.BalanceAfter.String(),
			"reference":     t.Reference,
			"created_at":    t.CreatedAt.Format(time.RFC3339),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"transactions": out})
}

// GetDeposits handles GET /v1/accounts/{id}/deposits.
func (s *LedgerServer) GetDeposits(w http.ResponseWriter, r *http.Request) {
	deps, err := s.Settle.Deposits(r.Context(), chi.URLParam(r, "id"), queryLimit(r))
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]map[string]any, 0, len(deps))
	for _, dep := range deps {
		out = append(out, map[string]any{
			"deposit_id":   dep.ID,
			"amount":       dep.Amount.StringFixed(2),
			"external_ref": dep.ExternalRef,
			"created_at":   dep.CreatedAt.Format(time.RFC3339),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"deposits": out})
}

type openEpochBody struct {
	EpochID   string    `json:"epoch_id" validate:"required,max=64"`
	StartTime time.Time `json:"start_time" validate:"required"`
}

// PostEpochOpen handles POST /v1/epochs/open.
func (s *LedgerServer) PostEpochOpen(w http.ResponseWriter, r *http.Request) {
	var body openEpochBody
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, err)
		return
	}
	if err := s.Validate.Struct(body); err != nil {
		writeError(w, fmt.Errorf("%v: %w", err, domain.ErrBadRequest))
		return
	}
	if err := s.Settle.OpenEpoch(r.Context(), body.EpochID, body.StartTime); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"epoch_id": body.EpochID, "status": domain.EpochActive})
}

type beginSealBody struct {
	EpochID string `json:"epoch_id" validate:"required,max=64"`
}

// PostEpochBeginSeal handles POST /v1/epochs/begin-seal.
func (s *LedgerServer) PostEpochBeginSeal(w http.ResponseWriter, r *http.Request) {
	var body beginSealBody
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, err)
		return
	}
	if err := s.Validate.Struct(body); err != nil {
		writeError(w, fmt.Errorf("%v: %w", err, domain.ErrBadRequest))
		return
	}
	err := s.Settle.BeginSealEpoch(r.Context(), body.EpochID)
	ledgerOp("begin_seal", err)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"epoch_id": body.EpochID, "status": domain.EpochSealing})
}

type sealEpochBody struct {
	EpochID      string               `json:"epoch_id" validate:"required,max=64"`
	MerkleRoot   string               `json:"merkle_root" validate:"required,len=64,hexadecimal"`
	JobsCount    int                  `json:"jobs_count" validate:"gte=0"`
	TotalRevenue string               `json:"total_revenue" validate:"required"`
	ProtocolFee  string               `json:"protocol_fee" validate:"required"`
	OperatorFee  string               `json:"operator_fee" validate:"required"`
	Settlements  []sealSettlementBody `json:"settlements" validate:"dive"`
	Signature    string               `json:"signature" validate:"required"`
	BundleRef    string               `json:"bundle_ref" validate:"max=512"`
	SealedAt     time.Time            `json:"sealed_at" validate:"required"`
}

type sealSettlementBody struct {
	Worker         string `json:"worker" validate:"required,max=256"`
	JobsCompleted  int    `json:"jobs_completed" validate:"gte=0"`
	UptimeSeconds  int64  `json:"uptime_seconds" validate:"gte=0"`
	WorkShare      string `json:"work_share" validate:"required"`
	ReadinessShare string `json:"readiness_share" validate:"required"`
	Total          string `json:"total" validate:"required"`
}

// PostEpochSeal handles POST /v1/epochs/seal.
func (s *LedgerServer) PostEpochSeal(w http.ResponseWriter, r *http.Request) {
	var body sealEpochBody
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, err)
		return
	}
	if err := s.Validate.Struct(body); err != nil {
		writeError(w, fmt.Errorf("%v: %w", err, domain.ErrBadRequest))
		return
	}
	seal := domain.EpochSeal{
		EpochID:    body.EpochID,
		MerkleRoot: body.MerkleRoot,
		JobsCount:  body.JobsCount,
		Signature:  body.Signature,
		BundleRef:  body.BundleRef,
		SealedAt:   body.SealedAt,
	}
	var err error
	if seal.TotalRevenue, err = parseAmount(body.TotalRevenue); err != nil {
		writeError(w, err)
		return
	}
	if seal.ProtocolFee, err = parseAmount(body.ProtocolFee); err != nil {
		writeError(w, err)
		return
	}
	if seal.OperatorFee, err = parseAmount(body.OperatorFee); err != nil {
		writeError(w, err)
		return
	}
	for _, st := range body.Settlements {
		line := domain.Settlement{
			Worker:        st.Worker,
			JobsCompleted: st.JobsCompleted,
			UptimeSeconds: st.UptimeSeconds,
		}
		if line.WorkShare, err = parseAmount(st.WorkShare); err != nil {
			writeError(w, err)
			return
		}
		if line.ReadinessShare, err = parseAmount(st.ReadinessShare); err != nil {
			writeError(w, err)
			return
		}
		if line.Total, err = parseAmount(st.Total); err != nil {
			writeError(w, err)
			return
		}
		seal.Settlements = append(seal.Settlements, line)
	}
	start := time.Now()
	err = s.Settle.SealEpoch(r.Context(), seal)
	ledgerOp("seal_epoch", err)
	if err != nil {
		writeError(w, err)
		return
	}
	observability.EpochsSealedTotal.Inc()
	observability.EpochSealDuration.Observe(time.Since(start).Seconds())
	writeJSON(w, http.StatusOK, map[string]any{"epoch_id": body.EpochID, "status": domain.EpochFinalized})
}

// GetEpoch handles GET /v1/epochs/{id}.
func (s *LedgerServer) GetEpoch(w http.ResponseWriter, r *http.Request) {
	epoch, err := s.Settle.Epoch(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, epochView(epoch))
}

// ListEpochs handles GET /v1/epochs.
func (s *LedgerServer) ListEpochs(w http.ResponseWriter, r *http.Request) {
	epochs, err := s.Settle.Epochs(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]map[string]any, 0, len(epochs))
	for _, e := range epochs {
		out = append(out, epochView(e))
	}
	writeJSON(w, http.StatusOK, map[string]any{"epochs": out})
}

// GetStats handles GET /v1/stats.
func (s *LedgerServer) GetStats(w http.ResponseWriter, r *http.Request) {
	st, err := s.Settle.Stats(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

type verifyBody struct {
	LeafHash    string              `json:"leaf_hash" validate:"required,len=64,hexadecimal"`
	MerkleProof []receipt.ProofStep `json:"merkle_proof"`
	MerkleRoot  string              `json:"jobs_merkle_root" validate:"required,len=64,hexadecimal"`
	EpochID     string              `json:"epoch_id" validate:"max=64"`
}

// PostVerify handles POST /v1/verify: recompute the Merkle path and, when an
// epoch id is given, check the root against the sealed epoch row.
func (s *LedgerServer) PostVerify(w http.ResponseWriter, r *http.Request) {
	var body verifyBody
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, err)
		return
	}
	if err := s.Validate.Struct(body); err != nil {
		writeError(w, fmt.Errorf("%v: %w", err, domain.ErrBadRequest))
		return
	}
	valid := s.Settle.VerifyProof(body.LeafHash, body.MerkleProof, body.MerkleRoot)
	rootSealed := false
	if valid && body.EpochID != "" {
		epoch, err := s.Settle.Epoch(r.Context(), body.EpochID)
		if err != nil {
			writeError(w, err)
			return
		}
		rootSealed = epoch.Status == domain.EpochFinalized && epoch.MerkleRoot == body.MerkleRoot
		valid = valid && rootSealed
	}
	writeJSON(w, http.StatusOK, map[string]any{"valid": valid, "root_sealed": rootSealed})
}

func accountView(acc domain.Account) map[string]any {
	return map[string]any{
		"account":   acc.ID,
		"kind":      acc.Kind,
		"balance":   acc.Balance.String(),
		"reserved":  acc.Reserved.String(),
		"pending":   acc.Pending.String(),
		"available": acc.Available().String(),
		"total_in":  acc.TotalIn.String(),
		"total_out": acc.TotalOut.String(),
	}
}

func withdrawalView(wd domain.Withdrawal) map[string]any {
	v := map[string]any{
		"withdrawal_id": wd.ID,
		"account":       wd.Account,
		"amount":        wd.Amount.StringFixed(2),
		"destination":   wd.Destination,
		"status":        wd.Status,
		"created_at":    wd.CreatedAt.Format(time.RFC3339),
	}
	if wd.ExternalTx != "" {
		v["external_tx"] = wd.ExternalTx
	}
	if !wd.FinalizedAt.IsZero() {
		v["finalized_at"] = wd.FinalizedAt.Format(time.RFC3339)
	}
	return v
}

package httpserver

import (
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/swarmos/swarmos/internal/adapter/observability"
	"github.com/swarmos/swarmos/internal/domain"
	"github.com/swarmos/swarmos/internal/usecase"
)

// ControllerServer exposes the dispatch controller's REST surface.
type ControllerServer struct {
	Dispatch *usecase.Dispatch
	Sealer   *usecase.Sealer
	Ledger   domain.LedgerClient
	Validate *validator.Validate
}

// NewControllerServer wires the controller handlers.
func NewControllerServer(dispatch *usecase.Dispatch, sealer *usecase.Sealer, ledger domain.LedgerClient) *ControllerServer {
	return &ControllerServer{
		Dispatch: dispatch,
		Sealer:   sealer,
		Ledger:   ledger,
		Validate: validator.New(),
	}
}

type submitBody struct {
	Client    string `json:"client" validate:"required,max=256"`
	Type      string `json:"type" validate:"required,max=64"`
	InputRef  string `json:"input_ref" validate:"required,max=512"`
	Timestamp int64  `json:"timestamp" validate:"required"`
	Nonce     string `json:"nonce" validate:"required,max=128"`
	Signature string `json:"signature" validate:"required"`
}

// SubmitJob handles POST /api/v1/jobs/submit.
func (s *ControllerServer) SubmitJob(w http.ResponseWriter, r *http.Request) {
	var body submitBody
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, err)
		return
	}
	if err := s.Validate.Struct(body); err != nil {
		writeError(w, fmt.Errorf("%v: %w", err, domain.ErrBadRequest))
		return
	}
	res, err := s.Dispatch.Submit(r.Context(), usecase.SubmitRequest{
		Client:    body.Client,
		Kind:      body.Type,
		InputRef:  body.InputRef,
		Timestamp: body.Timestamp,
		Nonce:     body.Nonce,
		Signature: body.Signature,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	observability.JobsSubmittedTotal.WithLabelValues(body.Type).Inc()
	writeJSON(w, http.StatusCreated, map[string]any{
		"job_id":   res.JobID,
		"epoch_id": res.EpochID,
		"fee":      res.Fee.StringFixed(2),
		"status":   domain.JobQueued,
	})
}

// GetJob handles GET /api/v1/jobs/{id}.
func (s *ControllerServer) GetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.Dispatch.GetJob(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, jobView(job))
}

// GetReceipt handles GET /api/v1/jobs/{id}/receipt.
func (s *ControllerServer) GetReceipt(w http.ResponseWriter, r *http.Request) {
	rec, err := s.Sealer.ReceiptFor(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

type claimBody struct {
	Worker string `json:"worker" validate:"required,max=256"`
}

// ClaimJob handles POST /api/v1/jobs/claim. An empty queue responds 200
// with job set to null, so idle workers poll without error noise.
func (s *ControllerServer) ClaimJob(w http.ResponseWriter, r *http.Request) {
	var body claimBody
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, err)
		return
	}
	if err := s.Validate.Struct(body); err != nil {
		writeError(w, fmt.Errorf("%v: %w", err, domain.ErrBadRequest))
		return
	}
	qj, err := s.Dispatch.Claim(r.Context(), body.Worker)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"job": qj})
}

type completeBody struct {
	Worker      string `json:"worker" validate:"required,max=256"`
	ResultRef   string `json:"result_ref" validate:"required,max=512"`
	PoEHash     string `json:"poe_hash" validate:"required,len=64,hexadecimal"`
	ExecutionMS int64  `json:"execution_ms" validate:"gte=0"`
	Signature   string `json:"signature" validate:"required"`
}

// CompleteJob handles POST /api/v1/jobs/{id}/complete.
func (s *ControllerServer) CompleteJob(w http.ResponseWriter, r *http.Request) {
	var body completeBody
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, err)
		return
	}
	if err := s.Validate.Struct(body); err != nil {
		writeError(w, fmt.Errorf("%v: %w", err, domain.ErrBadRequest))
		return
	}
	job, err := s.Dispatch.Complete(r.Context(), usecase.CompleteRequest{
		JobID:       chi.URLParam(r, "id"),
		Worker:      body.Worker,
		ResultRef:   body.ResultRef,
		PoEHash:     body.PoEHash,
		ExecutionMS: body.ExecutionMS,
		Signature:   body.Signature,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	observability.JobsCompletedTotal.WithLabelValues(job.Kind).Inc()
	observability.JobExecutionDuration.WithLabelValues(job.Kind).Observe(float64(job.ExecutionMS) / 1000)
	writeJSON(w, http.StatusOK, jobView(job))
}

type failBody struct {
	Reason string `json:"reason" validate:"required,max=1024"`
}

// FailJob handles POST /api/v1/jobs/{id}/fail.
func (s *ControllerServer) FailJob(w http.ResponseWriter, r *http.Request) {
	var body failBody
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, err)
		return
	}
	if err := s.Validate.Struct(body); err != nil {
		writeError(w, fmt.Errorf("%v: %w", err, domain.ErrBadRequest))
		return
	}
	id := chi.URLParam(r, "id")
	if err := s.Dispatch.Fail(r.Context(), id, body.Reason); err != nil {
		writeError(w, err)
		return
	}
	job, err := s.Dispatch.GetJob(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	observability.JobsFailedTotal.WithLabelValues(job.Kind, "reported").Inc()
	writeJSON(w, http.StatusOK, jobView(job))
}

type registerBody struct {
	Worker    string `json:"worker" validate:"required,max=256"`
	GPUModel  string `json:"gpu_model" validate:"max=128"`
	VRAMGB    int    `json:"vram_gb" validate:"gte=0"`
	Endpoint  string `json:"endpoint" validate:"max=512"`
	Timestamp int64  `json:"timestamp" validate:"required"`
	Signature string `json:"signature" validate:"required"`
}

// RegisterWorker handles POST /api/v1/workers/register.
func (s *ControllerServer) RegisterWorker(w http.ResponseWriter, r *http.Request) {
	var body registerBody
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, err)
		return
	}
	if err := s.Validate.Struct(body); err != nil {
		writeError(w, fmt.Errorf("%v: %w", err, domain.ErrBadRequest))
		return
	}
	err := s.Dispatch.Register(r.Context(), usecase.RegisterRequest{
		Worker:    body.Worker,
		GPUModel:  body.GPUModel,
		VRAMGB:    body.VRAMGB,
		Endpoint:  body.Endpoint,
		Timestamp: body.Timestamp,
		Signature: body.Signature,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"worker": body.Worker, "status": domain.WorkerOnline})
}

type heartbeatBody struct {
	Worker       string `json:"worker" validate:"required,max=256"`
	Status       string `json:"status" validate:"required,oneof=online busy draining"`
	CurrentJobID string `json:"current_job_id" validate:"max=64"`
}

// Heartbeat handles POST /api/v1/workers/heartbeat.
func (s *ControllerServer) Heartbeat(w http.ResponseWriter, r *http.Request) {
	var body heartbeatBody
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, err)
		return
	}
	if err := s.Validate.Struct(body); err != nil {
		writeError(w, fmt.Errorf("%v: %w", err, domain.ErrBadRequest))
		return
	}
	if err := s.Dispatch.Heartbeat(r.Context(), body.Worker, domain.WorkerStatus(body.Status), body.CurrentJobID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// Status handles GET /api/v1/status.
func (s *ControllerServer) Status(w http.ResponseWriter, r *http.Request) {
	st, err := s.Dispatch.Status(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	observability.QueueDepth.Set(float64(st.QueueDepth))
	observability.JobsProcessing.Set(float64(st.Processing))
	observability.WorkersOnline.Set(float64(st.WorkersOnline))
	writeJSON(w, http.StatusOK, st)
}

// CurrentEpoch handles GET /api/v1/epochs/current.
func (s *ControllerServer) CurrentEpoch(w http.ResponseWriter, r *http.Request) {
	st, err := s.Dispatch.Status(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	epoch, err := s.Ledger.Epoch(r.Context(), st.CurrentEpoch)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, epochView(epoch))
}

func jobView(j domain.Job) map[string]any {
	v := map[string]any{
		"job_id":       j.ID,
		"epoch_id":     j.EpochID,
		"client":       j.Client,
		"type":         j.Kind,
		"status":       j.Status,
		"input_ref":    j.InputRef,
		"fee":          j.Fee.StringFixed(2),
		"submitted_at": j.SubmittedAt.Format(time.RFC3339),
	}
	if j.Worker != "" {
		v["worker"] = j.Worker
	}
	if j.ResultRef != "" {
		v["result_ref"] = j.ResultRef
	}
	if j.PoEHash != "" {
		v["poe_hash"] = j.PoEHash
	}
	if j.ExecutionMS > 0 {
		v["execution_ms"] = j.ExecutionMS
	}
	if j.Error != "" {
		v["error"] = j.Error
	}
	if !j.StartedAt.IsZero() {
		v["started_at"] = j.StartedAt.Format(time.RFC3339)
	}
	if !j.CompletedAt.IsZero() {
		v["completed_at"] = j.CompletedAt.Format(time.RFC3339)
	}
	return v
}

func epochView(e domain.Epoch) map[string]any {
	v := map[string]any{
		"epoch_id":      e.ID,
		"status":        e.Status,
		"start_time":    e.StartTime.Format(time.RFC3339),
		"jobs_count":    e.JobsCount,
		"total_revenue": e.TotalRevenue.StringFixed(2),
	}
	if !e.EndTime.IsZero() {
		v["end_time"] = e.EndTime.Format(time.RFC3339)
	}
	if e.MerkleRoot != "" {
		v["merkle_root"] = e.MerkleRoot
	}
	if e.Signature != "" {
		v["signature"] = e.Signature
	}
	if e.BundleRef != "" {
		v["bundle_ref"] = e.BundleRef
	}
	if !e.SealedAt.IsZero() {
		v["sealed_at"] = e.SealedAt.Format(time.RFC3339)
	}
	return v
}

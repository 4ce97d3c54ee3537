package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/dvloznov/finance-dedup/internal/api/middleware"
	"github.com/dvloznov/finance-dedup/internal/detector"
	"github.com/dvloznov/finance-dedup/internal/domain"
	"github.com/dvloznov/finance-dedup/internal/jobs"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
)

// AdminHandler handles the /admin endpoints: forgetting stored transactions
// and scheduling bulk loads.
type AdminHandler struct {
	detector  *detector.Detector
	publisher jobs.Publisher
	store     jobs.JobStore
	log       zerolog.Logger
}

// NewAdminHandler creates an admin handler. publisher and store may be nil
// when bulk loading is not configured.
func NewAdminHandler(d *detector.Detector, publisher jobs.Publisher, store jobs.JobStore, log zerolog.Logger) *AdminHandler {
	return &AdminHandler{detector: d, publisher: publisher, store: store, log: log}
}

// ForgetEntry handles DELETE /admin/entries. The body is a bare transaction message.
func (h *AdminHandler) ForgetEntry(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var msg domain.Message
	if err := json.NewDecoder(io.LimitReader(r.Body, maxEnvelopeBytes)).Decode(&msg); err != nil {
		middleware.WriteError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	tx, err := msg.Transaction()
	if err != nil {
		middleware.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	removed, err := h.detector.Forget(ctx, tx)
	if err != nil {
		h.log.Error().Err(err).Str("checksum", tx.Checksum).Msg("Failed to forget transaction")
		middleware.WriteError(w, http.StatusServiceUnavailable, "Failed to forget transaction")
		return
	}
	middleware.WriteJSON(w, http.StatusOK, map[string]int{"removed": removed})
}

// EnqueueLoad handles POST /admin/loads.
func (h *AdminHandler) EnqueueLoad(w http.ResponseWriter, r *http.Request) {
	if h.publisher == nil {
		middleware.WriteError(w, http.StatusNotImplemented, "Bulk loading is not configured")
		return
	}

	var req struct {
		CompanyID     string `json:"company_id"`
		Bank          string `json:"bank"`
		AccountNumber string `json:"account_number"`
	}
	if err := json.NewDecoder(io.LimitReader(r.Body, maxEnvelopeBytes)).Decode(&req); err != nil {
		middleware.WriteError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.CompanyID == "" {
		middleware.WriteError(w, http.StatusBadRequest, "company_id is required")
		return
	}
	if (req.Bank == "") != (req.AccountNumber == "") {
		middleware.WriteError(w, http.StatusBadRequest, "bank and account_number go together")
		return
	}

	job := &jobs.LoadJob{CompanyID: req.CompanyID, Bank: req.Bank, AccountNumber: req.AccountNumber}
	if err := h.publisher.PublishLoad(r.Context(), job); err != nil {
		h.log.Error().Err(err).Str("company_id", req.CompanyID).Msg("Failed to enqueue load job")
		middleware.WriteError(w, http.StatusServiceUnavailable, "Failed to enqueue load job")
		return
	}

	h.log.Info().Str("job_id", job.JobID).Str("company_id", job.CompanyID).Msg("Load job enqueued")
	middleware.WriteJSON(w, http.StatusAccepted, job)
}

// GetLoad handles GET /admin/loads/{id}
func (h *AdminHandler) GetLoad(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		middleware.WriteError(w, http.StatusNotImplemented, "Bulk loading is not configured")
		return
	}

	jobID := chi.URLParam(r, "id")
	job, err := h.store.GetJob(r.Context(), jobID)
	if errors.Is(err, jobs.ErrJobNotFound) {
		middleware.WriteError(w, http.StatusNotFound, "Job not found")
		return
	}
	if err != nil {
		h.log.Error().Err(err).Str("job_id", jobID).Msg("Failed to get job")
		middleware.WriteError(w, http.StatusInternalServerError, "Failed to get job")
		return
	}
	middleware.WriteJSON(w, http.StatusOK, job)
}

// ListLoads handles GET /admin/loads
func (h *AdminHandler) ListLoads(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		middleware.WriteError(w, http.StatusNotImplemented, "Bulk loading is not configured")
		return
	}

	query := r.URL.Query()
	filter := jobs.JobFilter{
		CompanyID: query.Get("company_id"),
		Status:    jobs.JobStatus(query.Get("status")),
	}
	if limitStr := query.Get("limit"); limitStr != "" {
		if limit, err := strconv.Atoi(limitStr); err == nil {
			filter.Limit = limit
		}
	}
	if offsetStr := query.Get("offset"); offsetStr != "" {
		if offset, err := strconv.Atoi(offsetStr); err == nil {
			filter.Offset = offset
		}
	}

	list, err := h.store.ListJobs(r.Context(), filter)
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to list jobs")
		middleware.WriteError(w, http.StatusInternalServerError, "Failed to list jobs")
		return
	}
	middleware.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"jobs":  list,
		"count": len(list),
	})
}

package handlers

import (
	"net/http"

	"github.com/dvloznov/finance-dedup/internal/api/middleware"
	"github.com/dvloznov/finance-dedup/internal/notify"
	"github.com/dvloznov/finance-dedup/internal/updates"
	"github.com/rs/zerolog"
)

// UpdatesHandler handles POST /updates.
type UpdatesHandler struct {
	detector *updates.Detector
	notifier *notify.Notifier
	banks    BankFilter
	log      zerolog.Logger
}

// NewUpdatesHandler creates an updates handler.
func NewUpdatesHandler(d *updates.Detector, n *notify.Notifier, banks BankFilter, log zerolog.Logger) *UpdatesHandler {
	return &UpdatesHandler{detector: d, notifier: n, banks: banks, log: log}
}

type updatesResponse struct {
	Status            string           `json:"status,omitempty"`
	ProcessedChecksum string           `json:"processed_checksum"`
	Updates           []updates.Update `json:"updates"`
	Published         int              `json:"published"`
	Error             string           `json:"error,omitempty"`
}

// Detect handles a pushed transaction and publishes one event per actionable update.
func (h *UpdatesHandler) Detect(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	msg, err := DecodeEnvelope(r.Body)
	if err != nil {
		h.log.Warn().Err(err).Msg("Rejected push body")
		middleware.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	if !h.banks.allowed(msg.Bank) {
		middleware.WriteJSON(w, http.StatusOK, updatesResponse{
			Status:            StatusSkippedBank,
			ProcessedChecksum: msg.Checksum,
			Updates:           []updates.Update{},
		})
		return
	}

	tx, err := msg.Transaction()
	if err != nil {
		h.log.Warn().Err(err).Str("checksum", msg.Checksum).Msg("Invalid transaction")
		middleware.WriteJSON(w, http.StatusOK, updatesResponse{
			Status:            StatusProcessingError,
			ProcessedChecksum: msg.Checksum,
			Updates:           []updates.Update{},
			Error:             err.Error(),
		})
		return
	}

	found, err := h.detector.Detect(ctx, tx)
	if err != nil {
		h.log.Error().Err(err).Str("checksum", tx.Checksum).Msg("Update detection failed")
		middleware.WriteError(w, http.StatusServiceUnavailable, "Update detection failed")
		return
	}

	actionable := updates.Actionable(found)
	if actionable == nil {
		actionable = []updates.Update{}
	}
	published, err := h.notifier.PublishUpdates(ctx, tx, actionable)
	if err != nil {
		h.log.Error().Err(err).Str("checksum", tx.Checksum).Int("published", published).Msg("Failed to publish updates")
		middleware.WriteError(w, http.StatusInternalServerError, "Failed to publish updates")
		return
	}

	middleware.WriteJSON(w, http.StatusOK, updatesResponse{
		ProcessedChecksum: tx.Checksum,
		Updates:           actionable,
		Published:         published,
	})
}

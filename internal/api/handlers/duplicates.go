// Package handlers implements the HTTP glue around the detectors.
package handlers

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/dvloznov/finance-dedup/internal/api/middleware"
	"github.com/dvloznov/finance-dedup/internal/detector"
	"github.com/dvloznov/finance-dedup/internal/domain"
	"github.com/dvloznov/finance-dedup/internal/llm"
	"github.com/dvloznov/finance-dedup/internal/notify"
	"github.com/rs/zerolog"
)

// Response statuses of the detection endpoints.
const (
	StatusSkippedBank       = "skipped_bank_not_allowed"
	StatusDuplicateDetected = "duplicate_detected"
	StatusRetransmission    = "retransmission_ignored"
	StatusProcessedAsNew    = "processed_as_new"
	StatusProcessingError   = "processing_error"
)

// Reviewer gives a second opinion on a conflict.
type Reviewer interface {
	Review(ctx context.Context, tx domain.Transaction, res detector.Result) (*llm.Review, error)
}

// BankFilter reports whether a bank is analysed. A nil filter allows every bank.
type BankFilter func(bank string) bool

func (f BankFilter) allowed(bank string) bool {
	return f == nil || f(bank)
}

// DuplicatesHandler handles POST /duplicates and /analyze.
type DuplicatesHandler struct {
	detector *detector.Detector
	notifier *notify.Notifier
	reviewer Reviewer
	banks    BankFilter
	log      zerolog.Logger
}

// NewDuplicatesHandler creates a duplicates handler. reviewer may be nil.
func NewDuplicatesHandler(d *detector.Detector, n *notify.Notifier, reviewer Reviewer, banks BankFilter, log zerolog.Logger) *DuplicatesHandler {
	return &DuplicatesHandler{detector: d, notifier: n, reviewer: reviewer, banks: banks, log: log}
}

type duplicatesResponse struct {
	Status     string      `json:"status"`
	Details    interface{} `json:"details,omitempty"`
	Review     *llm.Review `json:"llm_review,omitempty"`
	PubSubSent bool        `json:"pubsub_sent"`
}

// Check handles a pushed transaction.
//
// Invalid transactions are acknowledged with 200 so the broker does not
// redeliver them; store failures answer 503 so it does.
func (h *DuplicatesHandler) Check(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	msg, err := DecodeEnvelope(r.Body)
	if err != nil {
		h.log.Warn().Err(err).Msg("Rejected push body")
		middleware.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	if !h.banks.allowed(msg.Bank) {
		h.log.Info().Str("bank", msg.Bank).Msg("Bank not allowed, skipping")
		middleware.WriteJSON(w, http.StatusOK, duplicatesResponse{
			Status:  StatusSkippedBank,
			Details: fmt.Sprintf("Bank %s not supported", msg.Bank),
		})
		return
	}

	res := h.detector.CheckMessage(ctx, msg)
	resp := duplicatesResponse{Details: res}

	switch {
	case res.Status == detector.StatusError:
		resp.Status = StatusProcessingError
		sent, err := h.notifier.PublishError(ctx, msg, res)
		if err != nil {
			h.log.Error().Err(err).Str("checksum", msg.Checksum).Msg("Failed to publish error event")
		}
		resp.PubSubSent = sent

		status := http.StatusOK
		if errors.Is(res.Err, domain.ErrInvalidTransaction) {
			h.log.Warn().Err(res.Err).Str("checksum", msg.Checksum).Msg("Invalid transaction")
		} else {
			status = http.StatusServiceUnavailable
		}
		middleware.WriteJSON(w, status, resp)
		return

	case res.IsConflict():
		resp.Status = StatusDuplicateDetected
		tx, _ := msg.Transaction()
		resp.Review = h.review(ctx, tx, res)

		sent, err := h.notifier.PublishConflict(ctx, tx, res, resp.Review)
		if err != nil {
			h.log.Error().Err(err).Str("checksum", tx.Checksum).Msg("Failed to publish conflict")
			middleware.WriteError(w, http.StatusInternalServerError, "Failed to publish conflict")
			return
		}
		resp.PubSubSent = sent

	case res.Reason == detector.ReasonSameChecksum:
		resp.Status = StatusRetransmission

	default:
		resp.Status = StatusProcessedAsNew
	}

	middleware.WriteJSON(w, http.StatusOK, resp)
}

func (h *DuplicatesHandler) review(ctx context.Context, tx domain.Transaction, res detector.Result) *llm.Review {
	if h.reviewer == nil {
		return nil
	}
	review, err := h.reviewer.Review(ctx, tx, res)
	if err != nil {
		h.log.Warn().Err(err).Str("checksum", tx.Checksum).Msg("Conflict review failed")
		return nil
	}
	return review
}

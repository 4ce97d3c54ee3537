package notify

import (
	"time"

	"github.com/dvloznov/finance-dedup/internal/detector"
	"github.com/dvloznov/finance-dedup/internal/domain"
	"github.com/dvloznov/finance-dedup/internal/llm"
	"github.com/dvloznov/finance-dedup/internal/updates"
)

// ConflictType is the downstream category of a conflict.
type ConflictType string

const (
	ConflictConcept       ConflictType = "CONCEPT"
	ConflictConceptImport ConflictType = "CONCEPT_IMPORT"
	ConflictDate          ConflictType = "DATE"
	ConflictError         ConflictType = "ERROR"
	ConflictUnknown       ConflictType = "UNKNOWN"
)

// TypeForReason maps a detection reason to its conflict type.
func TypeForReason(r detector.Reason) ConflictType {
	switch r {
	case detector.ReasonEnrichedConcept:
		return ConflictConcept
	case detector.ReasonConceptAmountUpdate:
		return ConflictConceptImport
	case detector.ReasonDateChange:
		return ConflictDate
	case detector.ReasonInvalidTransaction, detector.ReasonStoreFailure:
		return ConflictError
	default:
		return ConflictUnknown
	}
}

// ConflictEvent is published for every conflict result.
type ConflictEvent struct {
	EventID        string              `json:"event_id"`
	ChecksumOld    string              `json:"checksum_old"`
	ChecksumNew    string              `json:"checksum_new"`
	CompanyID      string              `json:"company_id"`
	Bank           string              `json:"bank"`
	AccountNumber  string              `json:"account_number"`
	Date           string              `json:"date"`
	TypeOfConflict ConflictType        `json:"type_of_conflict"`
	Reason         detector.Reason     `json:"reason"`
	Conflicts      []detector.Conflict `json:"conflicting_transactions_details"`
	Review         *llm.Review         `json:"llm_review,omitempty"`
	DetectedAt     time.Time           `json:"detected_at"`
}

// ErrorEvent is published when a transaction could not be processed.
type ErrorEvent struct {
	EventID        string          `json:"event_id"`
	ChecksumNew    string          `json:"checksum_new"`
	CompanyID      string          `json:"company_id"`
	Bank           string          `json:"bank"`
	AccountNumber  string          `json:"account_number"`
	Date           string          `json:"date"`
	TypeOfConflict ConflictType    `json:"type_of_conflict"`
	Reason         detector.Reason `json:"reason"`
	ErrorMessage   string          `json:"error_message"`
	DetectedAt     time.Time       `json:"detected_at"`
}

// UpdateEvent is published for every actionable update.
type UpdateEvent struct {
	EventID               string    `json:"event_id"`
	OriginalChecksum      string    `json:"original_checksum"`
	NewChecksum           string    `json:"new_checksum"`
	LevenshteinDistance   int       `json:"levenshtein_distance"`
	CosineSimilarity      float64   `json:"cosine_similarity"`
	JaroWinklerSimilarity float64   `json:"jaro_winkler_similarity"`
	CompanyID             string    `json:"company_id"`
	Bank                  string    `json:"bank"`
	AccountNumber         string    `json:"account_number"`
	Date                  string    `json:"date"`
	DetectedAt            time.Time `json:"detected_at"`
}

func conflictEvent(id string, tx domain.Transaction, res detector.Result, review *llm.Review, now time.Time) ConflictEvent {
	old := "N/A"
	if len(res.Conflicts) > 0 {
		old = res.Conflicts[0].ID
	}
	return ConflictEvent{
		EventID:        id,
		ChecksumOld:    old,
		ChecksumNew:    tx.Checksum,
		CompanyID:      tx.CompanyID,
		Bank:           tx.Bank,
		AccountNumber:  tx.AccountNumber,
		Date:           tx.TransactionDate.String(),
		TypeOfConflict: TypeForReason(res.Reason),
		Reason:         res.Reason,
		Conflicts:      res.Conflicts,
		Review:         review,
		DetectedAt:     now,
	}
}

func errorEvent(id string, msg domain.Message, res detector.Result, now time.Time) ErrorEvent {
	return ErrorEvent{
		EventID:        id,
		ChecksumNew:    orNA(msg.Checksum),
		CompanyID:      orNA(msg.CompanyID),
		Bank:           orNA(msg.Bank),
		AccountNumber:  orNA(msg.AccountNumber),
		Date:           orNA(msg.TransactionDate),
		TypeOfConflict: TypeForReason(res.Reason),
		Reason:         res.Reason,
		ErrorMessage:   res.Error,
		DetectedAt:     now,
	}
}

func updateEvent(id string, tx domain.Transaction, u updates.Update, now time.Time) UpdateEvent {
	return UpdateEvent{
		EventID:               id,
		OriginalChecksum:      u.OriginalID,
		NewChecksum:           u.NewID,
		LevenshteinDistance:   u.Metrics.EditDistance,
		CosineSimilarity:      u.Metrics.Cosine,
		JaroWinklerSimilarity: u.Metrics.JaroWinkler,
		CompanyID:             tx.CompanyID,
		Bank:                  tx.Bank,
		AccountNumber:         tx.AccountNumber,
		Date:                  tx.TransactionDate.String(),
		DetectedAt:            now,
	}
}

func orNA(s string) string {
	if s == "" {
		return "N/A"
	}
	return s
}

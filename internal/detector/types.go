package detector

import (
	"time"

	"cloud.google.com/go/civil"
	"github.com/dvloznov/finance-dedup/internal/similarity"
	"github.com/shopspring/decimal"
)

// Status is the coarse classification of a transaction.
type Status string

const (
	StatusNoConflict Status = "no_conflict"
	StatusConflict   Status = "conflict"
	StatusError      Status = "error"
)

// Reason is the machine-readable rule that produced a Result.
type Reason string

const (
	ReasonSameChecksum        Reason = "same_checksum_ignore"
	ReasonEnrichedConcept     Reason = "enriched_concept"
	ReasonConceptAmountUpdate Reason = "concept_amount_update"
	ReasonDateChange          Reason = "date_change_same_content"
	ReasonNewTransaction      Reason = "new_transaction"
	ReasonInvalidTransaction  Reason = "invalid_transaction"
	ReasonStoreFailure        Reason = "store_failure"
)

// DayCandidate is the projection of a transaction stored in its day bucket.
type DayCandidate struct {
	ID              string          `json:"id"`
	Concept         string          `json:"concept"`
	Amount          decimal.Decimal `json:"amount"`
	ExtractedAt     time.Time       `json:"extracted_at"`
	TransactionDate civil.Date      `json:"transaction_date"`
}

// RecordID implements store.Record.
func (c DayCandidate) RecordID() string { return c.ID }

// ExactEntry is one transaction sharing a content checksum.
type ExactEntry struct {
	ID              string     `json:"id"`
	ExtractedAt     time.Time  `json:"extracted_at"`
	TransactionDate civil.Date `json:"transaction_date"`
}

// RecordID implements store.Record.
func (e ExactEntry) RecordID() string { return e.ID }

// Conflict is a stored candidate the transaction was matched against.
type Conflict struct {
	ID              string             `json:"id"`
	Concept         string             `json:"concept"`
	Amount          decimal.Decimal    `json:"amount"`
	TransactionDate civil.Date         `json:"transaction_date"`
	ExtractedAt     time.Time          `json:"extracted_at"`
	Metrics         similarity.Metrics `json:"metrics"`
}

// Result is the outcome of Detector.Check.
type Result struct {
	Status            Status           `json:"status"`
	Reason            Reason           `json:"reason"`
	Checksum          string           `json:"checksum"`
	GeneratedChecksum string           `json:"generated_checksum,omitempty"`
	DayKey            string           `json:"day_key,omitempty"`
	ExactKey          string           `json:"exact_key,omitempty"`
	Conflicts         []Conflict       `json:"conflicts,omitempty"`
	ExactEntries      []ExactEntry     `json:"exact_entries,omitempty"`
	Recurring         bool             `json:"recurring"`
	PatternCounts     map[string]int64 `json:"pattern_counts,omitempty"`
	Error             string           `json:"error,omitempty"`

	Err error `json:"-"`
}

// IsConflict reports whether the transaction conflicts with a stored one.
func (r Result) IsConflict() bool {
	return r.Status == StatusConflict
}

// Options tunes retention and windows of the Detector.
type Options struct {
	DayTTL        time.Duration
	ExactTTL      time.Duration
	PatternTTL    time.Duration
	LookbackDays  int
	PatternMonths []int
}

// DefaultOptions returns the production retention and windows.
func DefaultOptions() Options {
	return Options{
		DayTTL:        7 * 24 * time.Hour,
		ExactTTL:      15 * 24 * time.Hour,
		PatternTTL:    365 * 24 * time.Hour,
		LookbackDays:  3,
		PatternMonths: []int{1, 2, 3, 4, 5, 6},
	}
}

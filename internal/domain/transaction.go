package domain

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"cloud.google.com/go/civil"
	"github.com/shopspring/decimal"
)

// ErrInvalidTransaction is matched by every *ValidationError.
var ErrInvalidTransaction = errors.New("invalid transaction")

// ValidationError reports a malformed inbound transaction.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid transaction: %s: %s", e.Field, e.Reason)
}

// Is lets errors.Is(err, ErrInvalidTransaction) match any validation failure.
func (e *ValidationError) Is(target error) bool {
	return target == ErrInvalidTransaction
}

// MetadataItem is one provenance tag attached to a transaction.
type MetadataItem struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// Metadata is the ordered list of provenance tags of a transaction.
// It decodes from either a list of {key, value} objects or a flat JSON object;
// object keys are sorted so decoding is reproducible.
type Metadata []MetadataItem

// UnmarshalJSON implements json.Unmarshaler.
func (m *Metadata) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		*m = nil
		return nil
	}

	if trimmed[0] == '{' {
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(trimmed, &obj); err != nil {
			return fmt.Errorf("metadata: %w", err)
		}
		keys := make([]string, 0, len(obj))
		for k := range obj {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		items := make(Metadata, 0, len(keys))
		for _, k := range keys {
			items = append(items, MetadataItem{Key: k, Value: rawToString(obj[k])})
		}
		*m = items
		return nil
	}

	var list []struct {
		Key   string          `json:"key"`
		Value json.RawMessage `json:"value"`
	}
	if err := json.Unmarshal(trimmed, &list); err != nil {
		return fmt.Errorf("metadata: %w", err)
	}
	items := make(Metadata, 0, len(list))
	for _, it := range list {
		items = append(items, MetadataItem{Key: it.Key, Value: rawToString(it.Value)})
	}
	*m = items
	return nil
}

// rawToString keeps strings unquoted and renders other JSON scalars verbatim.
func rawToString(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	if bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return ""
	}
	return string(bytes.TrimSpace(raw))
}

// Transaction is a validated bank transaction as seen by the detectors.
type Transaction struct {
	CompanyID       string          `json:"company_id"`
	Bank            string          `json:"bank"`
	AccountNumber   string          `json:"account_number"`
	Concept         string          `json:"concept"`
	Amount          decimal.Decimal `json:"amount"`
	TransactionDate civil.Date      `json:"transaction_date"`
	ExtractedAt     time.Time       `json:"extraction_date"`
	Checksum        string          `json:"checksum"`
	Metadata        Metadata        `json:"metadata,omitempty"`
}

// Validate checks the fields every detector relies on.
func (t Transaction) Validate() error {
	switch {
	case strings.TrimSpace(t.CompanyID) == "":
		return &ValidationError{Field: "company_id", Reason: "required"}
	case strings.TrimSpace(t.Bank) == "":
		return &ValidationError{Field: "bank", Reason: "required"}
	case strings.TrimSpace(t.AccountNumber) == "":
		return &ValidationError{Field: "account_number", Reason: "required"}
	case strings.TrimSpace(t.Checksum) == "":
		return &ValidationError{Field: "checksum", Reason: "required"}
	case !t.TransactionDate.IsValid():
		return &ValidationError{Field: "transaction_date", Reason: "invalid date"}
	case t.ExtractedAt.IsZero():
		return &ValidationError{Field: "extraction_date", Reason: "required"}
	}
	return nil
}

// Message is the inbound wire representation of a transaction, after the
// transport framing has been removed.
type Message struct {
	CompanyID       string           `json:"company_id"`
	Bank            string           `json:"bank"`
	AccountNumber   string           `json:"account_number"`
	AccountAlias    string           `json:"account_alias,omitempty"`
	UserID          string           `json:"user_id,omitempty"`
	Currency        string           `json:"currency,omitempty"`
	ReportType      string           `json:"report_type,omitempty"`
	Concept         string           `json:"concept"`
	Amount          *decimal.Decimal `json:"amount"`
	TransactionDate string           `json:"transaction_date"`
	ExtractionDate  string           `json:"extraction_date"`
	Checksum        string           `json:"checksum"`
	Metadata        Metadata         `json:"metadata,omitempty"`
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999 UTC",
	"2006-01-02 15:04:05.999999Z07:00",
	"2006-01-02 15:04:05.999999",
	"2006-01-02T15:04:05.999999",
	"2006-01-02",
}

// Transaction validates the message and converts it to a Transaction.
func (m Message) Transaction() (Transaction, error) {
	required := []struct {
		field, value string
	}{
		{"company_id", m.CompanyID},
		{"bank", m.Bank},
		{"account_number", m.AccountNumber},
		{"checksum", m.Checksum},
		{"transaction_date", m.TransactionDate},
		{"extraction_date", m.ExtractionDate},
	}
	for _, r := range required {
		if strings.TrimSpace(r.value) == "" {
			return Transaction{}, &ValidationError{Field: r.field, Reason: "required"}
		}
	}
	if m.Amount == nil {
		return Transaction{}, &ValidationError{Field: "amount", Reason: "required"}
	}

	date, err := ParseDate(m.TransactionDate)
	if err != nil {
		return Transaction{}, &ValidationError{Field: "transaction_date", Reason: err.Error()}
	}
	extractedAt, err := ParseTimestamp(m.ExtractionDate)
	if err != nil {
		return Transaction{}, &ValidationError{Field: "extraction_date", Reason: err.Error()}
	}

	return Transaction{
		CompanyID:       strings.TrimSpace(m.CompanyID),
		Bank:            strings.TrimSpace(m.Bank),
		AccountNumber:   strings.TrimSpace(m.AccountNumber),
		Concept:         m.Concept,
		Amount:          *m.Amount,
		TransactionDate: date,
		ExtractedAt:     extractedAt,
		Checksum:        strings.TrimSpace(m.Checksum),
		Metadata:        m.Metadata,
	}, nil
}

// ParseDate accepts YYYY-MM-DD, optionally followed by a time part.
func ParseDate(s string) (civil.Date, error) {
	s = strings.TrimSpace(s)
	if i := strings.IndexAny(s, " T"); i > 0 {
		s = s[:i]
	}
	d, err := civil.ParseDate(s)
	if err != nil {
		return civil.Date{}, fmt.Errorf("unparsable date %q", s)
	}
	return d, nil
}

// ParseTimestamp accepts the timestamp layouts produced by the upstream extractors.
func ParseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unparsable timestamp %q", s)
}

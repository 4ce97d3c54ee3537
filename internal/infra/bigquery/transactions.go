package bigquery

import (
	"fmt"
	"math/big"
	"strings"
	"time"

	"cloud.google.com/go/bigquery"
	"cloud.google.com/go/civil"
	"github.com/dvloznov/finance-dedup/internal/domain"
	"github.com/shopspring/decimal"
)

// TransactionRow is one row of the silver transactions table.
type TransactionRow struct {
	CompanyID     string `bigquery:"company_id"`     // REQUIRED
	Bank          string `bigquery:"bank"`           // REQUIRED
	AccountNumber string `bigquery:"account_number"` // REQUIRED

	Concept string   `bigquery:"concept"` // REQUIRED STRING
	Amount  *big.Rat `bigquery:"amount"`  // REQUIRED NUMERIC

	TransactionDate civil.Date `bigquery:"transaction_date"` // REQUIRED
	ExtractionDate  time.Time  `bigquery:"extraction_date"`  // REQUIRED TIMESTAMP

	Checksum string            `bigquery:"checksum"` // REQUIRED
	Metadata bigquery.NullJSON `bigquery:"metadata"` // NULLABLE JSON
}

// Transaction converts the row into a domain transaction.
func (r *TransactionRow) Transaction() (domain.Transaction, error) {
	tx := domain.Transaction{
		CompanyID:       strings.TrimSpace(r.CompanyID),
		Bank:            strings.TrimSpace(r.Bank),
		AccountNumber:   strings.TrimSpace(r.AccountNumber),
		Concept:         r.Concept,
		TransactionDate: r.TransactionDate,
		ExtractedAt:     r.ExtractionDate.UTC(),
		Checksum:        strings.TrimSpace(r.Checksum),
	}

	if r.Amount == nil {
		return tx, &domain.ValidationError{Field: "amount", Reason: "missing"}
	}
	amount, err := decimal.NewFromString(r.Amount.FloatString(2))
	if err != nil {
		return tx, fmt.Errorf("Transaction: amount %s: %w", r.Amount.FloatString(2), err)
	}
	tx.Amount = amount

	if r.Metadata.Valid && r.Metadata.JSONVal != "" && r.Metadata.JSONVal != "null" {
		if err := tx.Metadata.UnmarshalJSON([]byte(r.Metadata.JSONVal)); err != nil {
			return tx, &domain.ValidationError{Field: "metadata", Reason: err.Error()}
		}
	}
	return tx, nil
}

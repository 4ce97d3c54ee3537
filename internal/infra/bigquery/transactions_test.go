package bigquery

import (
	"errors"
	"math/big"
	"strings"
	"testing"
	"time"

	"cloud.google.com/go/bigquery"
	"cloud.google.com/go/civil"
	"github.com/dvloznov/finance-dedup/internal/domain"
)

func TestTransactionRow_Transaction(t *testing.T) {
	row := &TransactionRow{
		CompanyID:       " c-1 ",
		Bank:            "bbva",
		AccountNumber:   "0001",
		Concept:         "PAGO NOMINA",
		Amount:          big.NewRat(-100050, 100),
		TransactionDate: civil.Date{Year: 2024, Month: time.March, Day: 15},
		ExtractionDate:  time.Date(2024, time.March, 16, 2, 0, 0, 0, time.FixedZone("CST", -6*3600)),
		Checksum:        "abc",
		Metadata:        bigquery.NullJSON{JSONVal: `{"origin":"sftp","batch":7}`, Valid: true},
	}

	tx, err := row.Transaction()
	if err != nil {
		t.Fatalf("Transaction() error = %v", err)
	}
	if tx.CompanyID != "c-1" || tx.Amount.String() != "-1000.5" {
		t.Errorf("unexpected transaction: %+v", tx)
	}
	if tx.ExtractedAt.Location() != time.UTC || tx.ExtractedAt.Hour() != 8 {
		t.Errorf("ExtractedAt = %v", tx.ExtractedAt)
	}
	want := domain.Metadata{{Key: "batch", Value: "7"}, {Key: "origin", Value: "sftp"}}
	if len(tx.Metadata) != 2 || tx.Metadata[0] != want[0] || tx.Metadata[1] != want[1] {
		t.Errorf("Metadata = %+v", tx.Metadata)
	}
	if err := tx.Validate(); err != nil {
		t.Errorf("converted row should be valid: %v", err)
	}
}

func TestTransactionRow_Invalid(t *testing.T) {
	tests := []struct {
		name string
		row  TransactionRow
	}{
		{"missing amount", TransactionRow{Checksum: "x"}},
		{"broken metadata", TransactionRow{Checksum: "x", Amount: big.NewRat(1, 1), Metadata: bigquery.NullJSON{JSONVal: "[1,", Valid: true}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.row.Transaction()
			if !errors.Is(err, domain.ErrInvalidTransaction) {
				t.Errorf("Transaction() error = %v, want ErrInvalidTransaction", err)
			}
		})
	}
}

func TestTransactionRow_NullMetadata(t *testing.T) {
	row := &TransactionRow{Checksum: "x", Amount: big.NewRat(5, 1), Metadata: bigquery.NullJSON{JSONVal: "null", Valid: true}}
	tx, err := row.Transaction()
	if err != nil || len(tx.Metadata) != 0 {
		t.Errorf("Transaction() = %+v, %v", tx.Metadata, err)
	}
}

func TestQueries(t *testing.T) {
	table := TableRef{Project: "p", Dataset: "cofers_data_silver", Table: "transactions"}
	if table.String() != "`p.cofers_data_silver.transactions`" {
		t.Errorf("TableRef = %s", table)
	}

	for _, q := range []string{listAccountsQuery(table), scanTransactionsQuery(table)} {
		if !strings.Contains(q, table.String()) || !strings.Contains(q, "@company_id") || !strings.Contains(q, "@since") {
			t.Errorf("query missing table or parameters:\n%s", q)
		}
	}
	if !strings.Contains(scanTransactionsQuery(table), "ORDER BY transaction_date, extraction_date") {
		t.Error("scan must be ordered by date then extraction time")
	}
}

// Package bigquery reads historical transactions from the silver BigQuery table.
package bigquery

import (
	"context"
	"fmt"

	"cloud.google.com/go/bigquery"
	"cloud.google.com/go/civil"
	"github.com/dvloznov/finance-dedup/internal/domain"
	"github.com/dvloznov/finance-dedup/internal/loader"
)

// TransactionRepository is the BigQuery implementation of loader.Source. It
// holds a shared client for all queries.
type TransactionRepository struct {
	client *bigquery.Client
	table  TableRef
}

var _ loader.Source = (*TransactionRepository)(nil)

// NewTransactionRepository creates a repository over project.dataset.table.
func NewTransactionRepository(ctx context.Context, table TableRef) (*TransactionRepository, error) {
	client, err := bigquery.NewClient(ctx, table.Project)
	if err != nil {
		return nil, fmt.Errorf("NewTransactionRepository: creating client: %w", err)
	}
	return &TransactionRepository{client: client, table: table}, nil
}

// Close closes the BigQuery client connection.
func (r *TransactionRepository) Close() error {
	if r.client != nil {
		return r.client.Close()
	}
	return nil
}

// ListAccounts delegates to ListAccountsWithClient with the shared client.
func (r *TransactionRepository) ListAccounts(ctx context.Context, companyID string, since civil.Date) ([]loader.Account, error) {
	rows, err := ListAccountsWithClient(ctx, r.client, r.table, companyID, since)
	if err != nil {
		return nil, err
	}
	accounts := make([]loader.Account, 0, len(rows))
	for _, row := range rows {
		accounts = append(accounts, loader.Account{
			CompanyID:     row.CompanyID,
			Bank:          row.Bank,
			AccountNumber: row.AccountNumber,
		})
	}
	return accounts, nil
}

// ScanTransactions delegates to ScanTransactionsWithClient with the shared client.
func (r *TransactionRepository) ScanTransactions(ctx context.Context, acct loader.Account, since civil.Date, pageSize int, fn func(page []domain.Transaction) error) error {
	row := AccountRow{CompanyID: acct.CompanyID, Bank: acct.Bank, AccountNumber: acct.AccountNumber}
	return ScanTransactionsWithClient(ctx, r.client, r.table, row, since, pageSize, fn)
}

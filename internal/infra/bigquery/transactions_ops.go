package bigquery

import (
	"context"
	"fmt"

	"cloud.google.com/go/bigquery"
	"cloud.google.com/go/civil"
	"github.com/dvloznov/finance-dedup/internal/domain"
	"github.com/dvloznov/finance-dedup/internal/logger"
	"google.golang.org/api/iterator"
)

// TableRef names a fully qualified BigQuery table.
type TableRef struct {
	Project string
	Dataset string
	Table   string
}

func (t TableRef) String() string {
	return fmt.Sprintf("`%s.%s.%s`", t.Project, t.Dataset, t.Table)
}

func listAccountsQuery(table TableRef) string {
	return `
		SELECT DISTINCT
			company_id,
			bank,
			account_number
		FROM ` + table.String() + `
		WHERE company_id = @company_id
		  AND transaction_date >= @since
		ORDER BY bank, account_number
	`
}

func scanTransactionsQuery(table TableRef) string {
	return `
		SELECT
			company_id,
			bank,
			account_number,
			concept,
			amount,
			transaction_date,
			extraction_date,
			checksum,
			metadata
		FROM ` + table.String() + `
		WHERE company_id = @company_id
		  AND bank = @bank
		  AND account_number = @account_number
		  AND transaction_date >= @since
		ORDER BY transaction_date, extraction_date
	`
}

// ListAccountsWithClient returns the distinct accounts of companyID with
// transactions dated on or after since.
func ListAccountsWithClient(ctx context.Context, client *bigquery.Client, table TableRef, companyID string, since civil.Date) ([]*AccountRow, error) {
	q := client.Query(listAccountsQuery(table))
	q.Parameters = []bigquery.QueryParameter{
		{Name: "company_id", Value: companyID},
		{Name: "since", Value: since},
	}

	it, err := q.Read(ctx)
	if err != nil {
		return nil, fmt.Errorf("ListAccountsWithClient: reading query: %w", err)
	}

	var accounts []*AccountRow
	for {
		var row AccountRow
		err := it.Next(&row)
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("ListAccountsWithClient: iterating: %w", err)
		}
		accounts = append(accounts, &row)
	}
	return accounts, nil
}

// ScanTransactionsWithClient streams the transactions of one account in pages
// of at most pageSize, calling fn for each page. Rows that cannot be converted
// are logged and skipped.
func ScanTransactionsWithClient(ctx context.Context, client *bigquery.Client, table TableRef, acct AccountRow, since civil.Date, pageSize int, fn func(page []domain.Transaction) error) error {
	if pageSize <= 0 {
		pageSize = 500
	}

	q := client.Query(scanTransactionsQuery(table))
	q.Parameters = []bigquery.QueryParameter{
		{Name: "company_id", Value: acct.CompanyID},
		{Name: "bank", Value: acct.Bank},
		{Name: "account_number", Value: acct.AccountNumber},
		{Name: "since", Value: since},
	}

	it, err := q.Read(ctx)
	if err != nil {
		return fmt.Errorf("ScanTransactionsWithClient: reading query: %w", err)
	}
	it.PageInfo().MaxSize = pageSize

	log := logger.FromContext(ctx)
	page := make([]domain.Transaction, 0, pageSize)
	for {
		var row TransactionRow
		err := it.Next(&row)
		if err == iterator.Done {
			break
		}
		if err != nil {
			return fmt.Errorf("ScanTransactionsWithClient: iterating: %w", err)
		}

		tx, err := row.Transaction()
		if err != nil {
			log.Warn().Err(err).Str("checksum", row.Checksum).Msg("Skipping unreadable transaction row")
			continue
		}
		page = append(page, tx)
		if len(page) == pageSize {
			if err := fn(page); err != nil {
				return err
			}
			page = make([]domain.Transaction, 0, pageSize)
		}
	}

	if len(page) > 0 {
		return fn(page)
	}
	return nil
}

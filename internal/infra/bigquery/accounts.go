package bigquery

// AccountRow is one distinct account of the silver transactions table.
type AccountRow struct {
	CompanyID     string `bigquery:"company_id"`
	Bank          string `bigquery:"bank"`
	AccountNumber string `bigquery:"account_number"`
}

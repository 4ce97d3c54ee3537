// Package loader replays historical transactions into the candidate store so
// that detection has context from the first live message.
package loader

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"cloud.google.com/go/civil"
	"github.com/dvloznov/finance-dedup/internal/detector"
	"github.com/dvloznov/finance-dedup/internal/domain"
	"github.com/dvloznov/finance-dedup/internal/keycodec"
	"github.com/dvloznov/finance-dedup/internal/logger"
	"github.com/dvloznov/finance-dedup/internal/store"
	"github.com/dvloznov/finance-dedup/internal/updates"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// Account identifies one bank account of a company.
type Account struct {
	CompanyID     string `json:"company_id"`
	Bank          string `json:"bank"`
	AccountNumber string `json:"account_number"`
}

func (a Account) String() string {
	return a.CompanyID + ":" + a.Bank + ":" + a.AccountNumber
}

// Source is the historical transaction store the loader reads from.
type Source interface {
	// ListAccounts returns the accounts of company with transactions since the given date.
	ListAccounts(ctx context.Context, companyID string, since civil.Date) ([]Account, error)
	// ScanTransactions calls fn with consecutive pages of at most pageSize
	// transactions of acct dated on or after since.
	ScanTransactions(ctx context.Context, acct Account, since civil.Date, pageSize int, fn func(page []domain.Transaction) error) error
}

// Archiver stores a finished run report and returns its location.
type Archiver interface {
	Archive(ctx context.Context, name string, data []byte) (string, error)
}

// Options configures a Loader.
type Options struct {
	HistoryDays int
	PageSize    int
	Concurrency int
	DayTTL      time.Duration
	ExactTTL    time.Duration
	UpdateTTL   time.Duration
	Retry       store.RetryPolicy
	Now         func() time.Time
}

// DefaultOptions returns a 7 day history in pages of 500 over 4 accounts at a time.
func DefaultOptions() Options {
	return Options{
		HistoryDays: 7,
		PageSize:    500,
		Concurrency: 4,
		DayTTL:      7 * 24 * time.Hour,
		ExactTTL:    15 * 24 * time.Hour,
		UpdateTTL:   7 * 24 * time.Hour,
		Retry:       store.DefaultRetryPolicy(),
		Now:         time.Now,
	}
}

// AccountReport summarizes the load of one account.
type AccountReport struct {
	Account
	Pages        int    `json:"pages"`
	Transactions int    `json:"transactions"`
	Invalid      int    `json:"invalid"`
	DayAdded     int    `json:"day_added"`
	ExactAdded   int    `json:"exact_added"`
	UpdateAdded  int    `json:"update_added"`
	Error        string `json:"error,omitempty"`
}

// Report summarizes a company load.
type Report struct {
	RunID      string          `json:"run_id"`
	CompanyID  string          `json:"company_id"`
	Since      civil.Date      `json:"since"`
	StartedAt  time.Time       `json:"started_at"`
	FinishedAt time.Time       `json:"finished_at"`
	Accounts   []AccountReport `json:"accounts"`
	Failed     int             `json:"failed"`
	Location   string          `json:"location,omitempty"`
}

// Loader writes historical transactions through the locked batch path.
type Loader struct {
	store    *store.Store
	locks    *store.LockManager
	source   Source
	archiver Archiver
	opts     Options
}

// New creates a Loader. archiver may be nil.
func New(s *store.Store, locks *store.LockManager, source Source, archiver Archiver, opts Options) *Loader {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.PageSize <= 0 {
		opts.PageSize = 500
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	if opts.Retry.Attempts == 0 {
		opts.Retry = store.DefaultRetryPolicy()
	}
	return &Loader{store: s, locks: locks, source: source, archiver: archiver, opts: opts}
}

func (l *Loader) since() civil.Date {
	return civil.DateOf(l.opts.Now()).AddDays(-l.opts.HistoryDays)
}

// LoadCompany loads every account of companyID, several at a time. A failing
// account is recorded in the report and does not stop the others.
func (l *Loader) LoadCompany(ctx context.Context, companyID string) (*Report, error) {
	log := logger.FromContext(ctx).With().Str("company_id", companyID).Logger()
	ctx = logger.WithContext(ctx, log)

	report := &Report{
		RunID:     uuid.New().String(),
		CompanyID: companyID,
		Since:     l.since(),
		StartedAt: l.opts.Now(),
	}

	accounts, err := l.source.ListAccounts(ctx, companyID, report.Since)
	if err != nil {
		return nil, fmt.Errorf("LoadCompany: listing accounts: %w", err)
	}
	log.Info().Int("accounts", len(accounts)).Str("since", report.Since.String()).Msg("Starting bulk load")

	report.Accounts = make([]AccountReport, len(accounts))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(l.opts.Concurrency)
	for i, acct := range accounts {
		g.Go(func() error {
			rep, err := l.LoadAccount(gctx, acct)
			if err != nil {
				log.Error().Err(err).Str("account", acct.String()).Msg("Account load failed")
				rep.Error = err.Error()
			}
			mu.Lock()
			report.Accounts[i] = rep
			if err != nil {
				report.Failed++
			}
			mu.Unlock()

			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return report, fmt.Errorf("LoadCompany: %w", err)
	}
	report.FinishedAt = l.opts.Now()

	if l.archiver != nil {
		if loc, err := l.archive(ctx, report); err != nil {
			log.Warn().Err(err).Msg("Failed to archive load report")
		} else {
			report.Location = loc
		}
	}

	log.Info().Int("failed", report.Failed).Msg("Bulk load finished")
	return report, nil
}

func (l *Loader) archive(ctx context.Context, report *Report) (string, error) {
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return "", fmt.Errorf("archive: encoding report: %w", err)
	}
	name := fmt.Sprintf("loads/%s/%s/%s.json", report.CompanyID, report.StartedAt.UTC().Format("2006-01-02"), report.RunID)
	return l.archiver.Archive(ctx, name, data)
}

// LoadAccount replays the history of one account, one locked page at a time,
// and records the load watermark on success.
func (l *Loader) LoadAccount(ctx context.Context, acct Account) (AccountReport, error) {
	rep := AccountReport{Account: acct}
	since := l.since()

	err := l.source.ScanTransactions(ctx, acct, since, l.opts.PageSize, func(page []domain.Transaction) error {
		rep.Pages++
		return l.loadPage(ctx, acct, page, &rep)
	})
	if err != nil {
		return rep, fmt.Errorf("LoadAccount %s: %w", acct, err)
	}

	key := keycodec.LoadedKey(acct.CompanyID, acct.Bank, acct.AccountNumber)
	if err := l.store.SetExact(ctx, key, l.opts.Now().UTC().Format(time.RFC3339), l.opts.ExactTTL); err != nil {
		return rep, fmt.Errorf("LoadAccount %s: watermark: %w", acct, err)
	}
	return rep, nil
}

// LastLoaded returns when acct was last loaded successfully.
func (l *Loader) LastLoaded(ctx context.Context, acct Account) (time.Time, bool, error) {
	val, ok, err := l.store.GetExact(ctx, keycodec.LoadedKey(acct.CompanyID, acct.Bank, acct.AccountNumber))
	if err != nil || !ok {
		return time.Time{}, false, err
	}
	t, err := time.Parse(time.RFC3339, val)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("LastLoaded: parsing watermark: %w", err)
	}
	return t, true, nil
}

type pageBatch struct {
	day    map[string][]detector.DayCandidate
	exact  map[string][]detector.ExactEntry
	update map[string][]updates.Candidate
}

func (l *Loader) loadPage(ctx context.Context, acct Account, page []domain.Transaction, rep *AccountReport) error {
	batch := pageBatch{
		day:    make(map[string][]detector.DayCandidate),
		exact:  make(map[string][]detector.ExactEntry),
		update: make(map[string][]updates.Candidate),
	}

	log := logger.FromContext(ctx)
	for _, tx := range page {
		if err := tx.Validate(); err != nil {
			rep.Invalid++
			log.Debug().Err(err).Str("checksum", tx.Checksum).Msg("Skipping invalid historical transaction")
			continue
		}
		rep.Transactions++

		dayKey := keycodec.DayKey(tx)
		batch.day[dayKey] = append(batch.day[dayKey], detector.DayCandidate{
			ID:              tx.Checksum,
			Concept:         tx.Concept,
			Amount:          tx.Amount,
			ExtractedAt:     tx.ExtractedAt,
			TransactionDate: tx.TransactionDate,
		})
		exactKey := keycodec.ExactKey(tx)
		batch.exact[exactKey] = append(batch.exact[exactKey], detector.ExactEntry{
			ID:              tx.Checksum,
			ExtractedAt:     tx.ExtractedAt,
			TransactionDate: tx.TransactionDate,
		})
		updateKey := keycodec.UpdateKey(tx)
		batch.update[updateKey] = append(batch.update[updateKey], updates.Candidate{ID: tx.Checksum, Concept: tx.Concept})
	}
	if len(batch.day) == 0 {
		return nil
	}

	lock, err := l.locks.Acquire(ctx, keycodec.LockKey(acct.CompanyID, acct.Bank, acct.AccountNumber), len(page))
	if err != nil {
		return fmt.Errorf("loadPage: acquiring lock: %w", err)
	}
	defer func() {
		if ok, err := l.locks.Release(ctx, lock); err != nil || !ok {
			log.Warn().Err(err).Bool("released", ok).Msg("Account lock was not released by its owner")
		}
	}()

	for key, recs := range batch.day {
		n, err := merge(ctx, l, key, recs, l.opts.DayTTL)
		if err != nil {
			return err
		}
		rep.DayAdded += n
	}
	for key, recs := range batch.exact {
		n, err := merge(ctx, l, key, recs, l.opts.ExactTTL)
		if err != nil {
			return err
		}
		rep.ExactAdded += n
	}
	for key, recs := range batch.update {
		n, err := merge(ctx, l, key, recs, l.opts.UpdateTTL)
		if err != nil {
			return err
		}
		rep.UpdateAdded += n
	}
	return nil
}

func merge[T store.Record](ctx context.Context, l *Loader, key string, recs []T, ttl time.Duration) (int, error) {
	var added int
	err := l.opts.Retry.Do(ctx, func(ctx context.Context) error {
		n, err := store.MergeList(ctx, l.store, key, recs, ttl)
		added = n
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("loadPage: merging %s: %w", key, err)
	}
	return added, nil
}

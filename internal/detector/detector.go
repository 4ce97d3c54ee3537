// Package detector classifies incoming transactions as retransmissions,
// conflicting rectifications of stored transactions, or new transactions.
package detector

import (
	"context"
	"errors"
	"fmt"

	"github.com/dvloznov/finance-dedup/internal/domain"
	"github.com/dvloznov/finance-dedup/internal/keycodec"
	"github.com/dvloznov/finance-dedup/internal/logger"
	"github.com/dvloznov/finance-dedup/internal/similarity"
	"github.com/dvloznov/finance-dedup/internal/store"
	"github.com/shopspring/decimal"
)

// Detector runs the duplicate decision policy against the candidate store.
// It is safe for concurrent use.
type Detector struct {
	store   *store.Store
	matcher *similarity.Matcher
	opts    Options
}

// New creates a Detector. A nil matcher compares concepts lexically only.
func New(s *store.Store, matcher *similarity.Matcher, opts Options) *Detector {
	if matcher == nil {
		matcher = similarity.NewMatcher(nil, 1)
	}
	if opts.LookbackDays < 0 {
		opts.LookbackDays = 0
	}
	return &Detector{store: s, matcher: matcher, opts: opts}
}

// CheckMessage validates msg and runs Check on the resulting transaction.
func (d *Detector) CheckMessage(ctx context.Context, msg domain.Message) Result {
	tx, err := msg.Transaction()
	if err != nil {
		return invalidResult(msg.Checksum, err)
	}
	return d.Check(ctx, tx)
}

// Check classifies tx. Rules are evaluated in order and the first one that
// matches decides: same_checksum_ignore, enriched_concept,
// concept_amount_update, date_change_same_content, new_transaction. Only a
// new transaction is written to the store.
func (d *Detector) Check(ctx context.Context, tx domain.Transaction) Result {
	if err := tx.Validate(); err != nil {
		return invalidResult(tx.Checksum, err)
	}

	log := logger.WithFields(logger.FromContext(ctx), map[string]interface{}{
		"company_id": tx.CompanyID,
		"bank":       tx.Bank,
		"account":    tx.AccountNumber,
		"checksum":   tx.Checksum,
	})
	ctx = logger.WithContext(ctx, log)

	res := Result{
		Checksum:          tx.Checksum,
		GeneratedChecksum: keycodec.TransactionChecksum(tx),
		DayKey:            keycodec.DayKey(tx),
		ExactKey:          keycodec.ExactKey(tx),
	}

	if err := d.classify(ctx, tx, &res); err != nil {
		log.Error().Err(err).Msg("Duplicate check failed")
		return storeFailure(res, err)
	}

	if counts, recurring, err := d.patternInfo(ctx, tx); err != nil {
		log.Warn().Err(err).Msg("Failed to read pattern counters")
	} else {
		res.PatternCounts = counts
		res.Recurring = recurring
	}

	log.Debug().
		Str("status", string(res.Status)).
		Str("reason", string(res.Reason)).
		Int("conflicts", len(res.Conflicts)).
		Msg("Duplicate check finished")
	return res
}

func (d *Detector) classify(ctx context.Context, tx domain.Transaction, res *Result) error {
	today, err := store.GetList[DayCandidate](ctx, d.store, res.DayKey)
	if err != nil {
		return fmt.Errorf("Check: day candidates: %w", err)
	}
	exact, err := store.GetList[ExactEntry](ctx, d.store, res.ExactKey)
	if err != nil {
		return fmt.Errorf("Check: exact entries: %w", err)
	}

	// Rule 1: the caller's checksum was already recorded.
	if containsID(today, tx.Checksum) || containsID(exact, tx.Checksum) {
		res.Status, res.Reason = StatusNoConflict, ReasonSameChecksum
		return nil
	}

	for _, e := range exact {
		if !e.ExtractedAt.After(tx.ExtractedAt) {
			res.ExactEntries = append(res.ExactEntries, e)
		}
	}

	eligible := eligibleCandidates(today, tx)

	// Rule 2: same amount, similar concept.
	if conflicts := d.match(ctx, tx, eligible, similarity.AmountsEqual); len(conflicts) > 0 {
		res.Status, res.Reason, res.Conflicts = StatusConflict, ReasonEnrichedConcept, conflicts
		return nil
	}

	// Rule 3: same integer part within tolerance, similar concept.
	if conflicts := d.match(ctx, tx, eligible, similarity.AmountsClose); len(conflicts) > 0 {
		res.Status, res.Reason, res.Conflicts = StatusConflict, ReasonConceptAmountUpdate, conflicts
		return nil
	}

	// Rule 4: identical content on one of the previous days.
	conflicts, err := d.shiftedDate(ctx, tx)
	if err != nil {
		return err
	}
	if len(conflicts) > 0 {
		res.Status, res.Reason, res.Conflicts = StatusConflict, ReasonDateChange, conflicts
		return nil
	}

	// Rule 5: new transaction.
	if err := d.record(ctx, tx, res); err != nil {
		return err
	}
	res.Status, res.Reason = StatusNoConflict, ReasonNewTransaction
	return nil
}

func (d *Detector) match(ctx context.Context, tx domain.Transaction, candidates []DayCandidate, amountMatch func(a, b decimal.Decimal) bool) []Conflict {
	var out []Conflict
	for _, c := range candidates {
		if !amountMatch(c.Amount, tx.Amount) {
			continue
		}
		ok, metrics := d.matcher.Similar(ctx, c.Concept, tx.Concept)
		if !ok {
			continue
		}
		out = append(out, toConflict(c, metrics))
	}
	return out
}

func (d *Detector) shiftedDate(ctx context.Context, tx domain.Transaction) ([]Conflict, error) {
	concept := keycodec.NormalizeConcept(tx.Concept)

	var out []Conflict
	for i := 1; i <= d.opts.LookbackDays; i++ {
		key := keycodec.DayKeyFor(tx, tx.TransactionDate.AddDays(-i))
		candidates, err := store.GetList[DayCandidate](ctx, d.store, key)
		if err != nil {
			return nil, fmt.Errorf("Check: lookback day %d: %w", i, err)
		}
		for _, c := range eligibleCandidates(candidates, tx) {
			if !similarity.AmountsEqual(c.Amount, tx.Amount) || keycodec.NormalizeConcept(c.Concept) != concept {
				continue
			}
			out = append(out, toConflict(c, similarity.Compare(c.Concept, tx.Concept)))
		}
	}
	return out, nil
}

func (d *Detector) record(ctx context.Context, tx domain.Transaction, res *Result) error {
	candidate := DayCandidate{
		ID:              tx.Checksum,
		Concept:         tx.Concept,
		Amount:          tx.Amount,
		ExtractedAt:     tx.ExtractedAt,
		TransactionDate: tx.TransactionDate,
	}
	day, addDay, err := store.Prepare(ctx, d.store, res.DayKey, candidate, d.opts.DayTTL)
	if err != nil {
		return fmt.Errorf("Check: prepare day candidate: %w", err)
	}

	entry := ExactEntry{ID: tx.Checksum, ExtractedAt: tx.ExtractedAt, TransactionDate: tx.TransactionDate}
	exact, addExact, err := store.Prepare(ctx, d.store, res.ExactKey, entry, d.opts.ExactTTL)
	if err != nil {
		return fmt.Errorf("Check: prepare exact entry: %w", err)
	}

	// Day candidate and exact entry are written in one transaction.
	var appends []store.Append
	if addDay {
		appends = append(appends, day)
	}
	if addExact {
		appends = append(appends, exact)
	}
	if err := d.store.Commit(ctx, appends...); err != nil {
		return fmt.Errorf("Check: record candidate: %w", err)
	}

	patternKey := keycodec.PatternKey(tx.CompanyID, tx.Bank, tx.AccountNumber, tx.Concept)
	if _, err := d.store.IncrementMonthlyCount(ctx, patternKey, keycodec.YearMonth(tx.TransactionDate), d.opts.PatternTTL); err != nil {
		log := logger.FromContext(ctx)
		log.Warn().Err(err).Str("key", patternKey).Msg("Pattern counter not incremented")
	}
	return nil
}

func (d *Detector) patternInfo(ctx context.Context, tx domain.Transaction) (map[string]int64, bool, error) {
	months := make([]string, 0, len(d.opts.PatternMonths))
	for _, n := range d.opts.PatternMonths {
		months = append(months, keycodec.MonthsBack(tx.TransactionDate, n))
	}

	key := keycodec.PatternKey(tx.CompanyID, tx.Bank, tx.AccountNumber, tx.Concept)
	counts, err := d.store.GetMonthlyCounts(ctx, key, months)
	if err != nil {
		return nil, false, err
	}
	for _, n := range counts {
		if n > 0 {
			return counts, true, nil
		}
	}
	return counts, false, nil
}

// Forget removes tx's entries from its day and exact buckets, for transactions
// an upstream system reports as superseded. Pattern counters are kept.
func (d *Detector) Forget(ctx context.Context, tx domain.Transaction) (int, error) {
	if err := tx.Validate(); err != nil {
		return 0, err
	}

	removed, err := store.RemoveRecord[DayCandidate](ctx, d.store, keycodec.DayKey(tx), tx.Checksum)
	if err != nil {
		return removed, fmt.Errorf("Forget: day candidate: %w", err)
	}
	n, err := store.RemoveRecord[ExactEntry](ctx, d.store, keycodec.ExactKey(tx), tx.Checksum)
	removed += n
	if err != nil {
		return removed, fmt.Errorf("Forget: exact entry: %w", err)
	}

	log := logger.FromContext(ctx)
	log.Info().Str("checksum", tx.Checksum).Int("removed", removed).Msg("Forgot transaction")
	return removed, nil
}

// eligibleCandidates drops the transaction itself and every candidate
// extracted after it.
func eligibleCandidates(candidates []DayCandidate, tx domain.Transaction) []DayCandidate {
	out := make([]DayCandidate, 0, len(candidates))
	for _, c := range candidates {
		if c.ID == tx.Checksum || c.ExtractedAt.After(tx.ExtractedAt) {
			continue
		}
		out = append(out, c)
	}
	return out
}

func containsID[T store.Record](records []T, id string) bool {
	for _, r := range records {
		if r.RecordID() == id {
			return true
		}
	}
	return false
}

func toConflict(c DayCandidate, m similarity.Metrics) Conflict {
	return Conflict{
		ID:              c.ID,
		Concept:         c.Concept,
		Amount:          c.Amount,
		TransactionDate: c.TransactionDate,
		ExtractedAt:     c.ExtractedAt,
		Metrics:         m,
	}
}

func invalidResult(checksum string, err error) Result {
	return Result{
		Status:   StatusError,
		Reason:   ReasonInvalidTransaction,
		Checksum: checksum,
		Error:    err.Error(),
		Err:      err,
	}
}

func storeFailure(res Result, err error) Result {
	res.Status = StatusError
	res.Reason = ReasonStoreFailure
	res.Conflicts = nil
	res.ExactEntries = nil
	res.Error = err.Error()
	res.Err = err
	if !errors.Is(err, store.ErrBackend) {
		res.Err = fmt.Errorf("%w: %v", store.ErrBackend, err)
	}
	return res
}

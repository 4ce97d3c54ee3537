// Package keycodec derives the canonical strings used as hash inputs and as
// Redis keys. Every function is pure: equal inputs always give equal outputs.
package keycodec

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"
	"unicode"

	"cloud.google.com/go/civil"
	"github.com/dvloznov/finance-dedup/internal/domain"
	"github.com/shopspring/decimal"
)

// Key prefixes.
const (
	PrefixDay     = "dup_day"
	PrefixExact   = "dup_exact"
	PrefixUpdate  = "tx_cand"
	PrefixPattern = "concept_counts"
	PrefixLock    = "dup_lock"
	PrefixLoaded  = "dup_loaded"
)

// Sentinels returned by SerializeMetadata.
const (
	MetadataNone    = "N/A"
	MetadataInvalid = "invalid_metadata_structure"
)

const delimiter = ":"

// NormalizeConcept lowercases s, drops every rune that is not a letter, digit
// or whitespace, and collapses whitespace runs into single spaces.
func NormalizeConcept(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range strings.ToLower(s) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || unicode.IsSpace(r) {
			b.WriteRune(r)
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}

// CompactConcept is NormalizeConcept with all whitespace removed. It is only
// meant for composite keys, never for similarity comparisons.
func CompactConcept(s string) string {
	return strings.ReplaceAll(NormalizeConcept(s), " ", "")
}

// FormatAmount renders an amount with exactly two decimals.
func FormatAmount(d decimal.Decimal) string {
	return d.StringFixed(2)
}

// ParseAmount parses a decimal amount as sent by upstream systems.
func ParseAmount(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("ParseAmount: %w", err)
	}
	return d, nil
}

// SerializeMetadata concatenates key+value of each item, sorted, separated by
// "|". Empty metadata yields empty; an item without a key yields MetadataInvalid.
func SerializeMetadata(items domain.Metadata, empty string) string {
	if len(items) == 0 {
		return empty
	}
	parts := make([]string, 0, len(items))
	for _, it := range items {
		if strings.TrimSpace(it.Key) == "" {
			return MetadataInvalid
		}
		parts = append(parts, it.Key+it.Value)
	}
	sort.Strings(parts)
	return strings.Join(parts, "|")
}

// BucketKey joins prefix, account identity and extra components with ":".
func BucketKey(prefix, company, bank, account string, extra ...string) string {
	parts := make([]string, 0, 4+len(extra))
	parts = append(parts, prefix, strings.TrimSpace(company), strings.TrimSpace(bank), strings.TrimSpace(account))
	parts = append(parts, extra...)
	return strings.Join(parts, delimiter)
}

// Checksum is the content checksum of a transaction: md5 over the normalized
// concept, the formatted amount and the sorted metadata.
func Checksum(concept string, amount decimal.Decimal, metadata domain.Metadata) string {
	sum := md5.Sum([]byte(NormalizeConcept(concept) + FormatAmount(amount) + SerializeMetadata(metadata, "")))
	return hex.EncodeToString(sum[:])
}

// TransactionChecksum is Checksum applied to tx.
func TransactionChecksum(tx domain.Transaction) string {
	return Checksum(tx.Concept, tx.Amount, tx.Metadata)
}

// DayKey addresses the same-day candidate list of tx's account.
func DayKey(tx domain.Transaction) string {
	return DayKeyFor(tx, tx.TransactionDate)
}

// DayKeyFor addresses the candidate list of tx's account on date.
func DayKeyFor(tx domain.Transaction, date civil.Date) string {
	return BucketKey(PrefixDay, tx.CompanyID, tx.Bank, tx.AccountNumber, date.String())
}

// ExactKey addresses the exact-duplicate entries sharing tx's content checksum.
func ExactKey(tx domain.Transaction) string {
	return BucketKey(PrefixExact, tx.CompanyID, tx.Bank, tx.AccountNumber, TransactionChecksum(tx))
}

// UpdateKey addresses the coarse update-candidate bucket of tx.
func UpdateKey(tx domain.Transaction) string {
	return BucketKey(PrefixUpdate, tx.CompanyID, tx.Bank, tx.AccountNumber,
		tx.TransactionDate.String(), FormatAmount(tx.Amount), SerializeMetadata(tx.Metadata, MetadataNone))
}

// PatternKey addresses the monthly occurrence counters of a concept.
func PatternKey(company, bank, account, concept string) string {
	return BucketKey(PrefixPattern, company, bank, account, CompactConcept(concept))
}

// LockKey addresses the batch lock of an account.
func LockKey(company, bank, account string) string {
	return BucketKey(PrefixLock, company, bank, account)
}

// LoadedKey addresses the bulk-load watermark of an account.
func LoadedKey(company, bank, account string) string {
	return BucketKey(PrefixLoaded, company, bank, account)
}

// YearMonth renders the month of d as YYYY-MM.
func YearMonth(d civil.Date) string {
	return fmt.Sprintf("%04d-%02d", d.Year, int(d.Month))
}

// MonthsBack renders the month n months before d as YYYY-MM.
func MonthsBack(d civil.Date, n int) string {
	t := time.Date(d.Year, d.Month-time.Month(n), 1, 0, 0, 0, 0, time.UTC)
	return fmt.Sprintf("%04d-%02d", t.Year(), int(t.Month()))
}

// Package updates finds stored transactions that a new transaction rectifies
// or enriches, within the same account, date, amount and metadata bucket.
package updates

import (
	"context"
	"fmt"
	"sort"
	"time"
	"unicode/utf8"

	"github.com/dvloznov/finance-dedup/internal/domain"
	"github.com/dvloznov/finance-dedup/internal/keycodec"
	"github.com/dvloznov/finance-dedup/internal/logger"
	"github.com/dvloznov/finance-dedup/internal/similarity"
	"github.com/dvloznov/finance-dedup/internal/store"
)

// Candidate is the compact record kept per update bucket.
type Candidate struct {
	ID      string `json:"cs"`
	Concept string `json:"ctx"`
}

// RecordID implements store.Record.
func (c Candidate) RecordID() string { return c.ID }

// Thresholds decide when two concepts are close enough to be an update.
// Any single metric within its bound is a match.
type Thresholds struct {
	MaxEditDistance int     `json:"max_levenshtein"`
	MinCosine       float64 `json:"min_cosine"`
	MinJaroWinkler  float64 `json:"min_jaro_winkler"`
}

// DefaultThresholds returns distance <= 3, cosine >= 0.8, Jaro-Winkler >= 0.9.
func DefaultThresholds() Thresholds {
	return Thresholds{MaxEditDistance: 3, MinCosine: 0.8, MinJaroWinkler: 0.9}
}

func (t Thresholds) match(m similarity.Metrics) bool {
	return m.EditDistance <= t.MaxEditDistance || m.Cosine >= t.MinCosine || m.JaroWinkler >= t.MinJaroWinkler
}

// Update states that NewID is a rectification of OriginalID.
type Update struct {
	OriginalID      string             `json:"original_checksum"`
	NewID           string             `json:"new_checksum"`
	OriginalConcept string             `json:"original_concept"`
	NewConcept      string             `json:"new_concept"`
	Metrics         similarity.Metrics `json:"metrics"`
	Thresholds      Thresholds         `json:"thresholds"`
}

// Options configures a Detector.
type Options struct {
	TTL        time.Duration
	Thresholds Thresholds
	// RequireGrowth only accepts matches whose new concept is at least as long
	// as the stored one.
	RequireGrowth bool
}

// DefaultOptions returns a 7 day retention, default thresholds and no growth gate.
func DefaultOptions() Options {
	return Options{TTL: 7 * 24 * time.Hour, Thresholds: DefaultThresholds()}
}

// Detector matches transactions against their update bucket.
type Detector struct {
	store *store.Store
	opts  Options
}

// New creates a Detector.
func New(s *store.Store, opts Options) *Detector {
	return &Detector{store: s, opts: opts}
}

// DetectMessage validates msg and runs Detect.
func (d *Detector) DetectMessage(ctx context.Context, msg domain.Message) ([]Update, error) {
	tx, err := msg.Transaction()
	if err != nil {
		return nil, err
	}
	return d.Detect(ctx, tx)
}

// Detect compares tx against every other candidate of its bucket and returns
// the matches, closest first. tx is then added to the bucket unless already
// present.
func (d *Detector) Detect(ctx context.Context, tx domain.Transaction) ([]Update, error) {
	if err := tx.Validate(); err != nil {
		return nil, err
	}

	key := keycodec.UpdateKey(tx)
	candidates, err := store.GetList[Candidate](ctx, d.store, key)
	if err != nil {
		return nil, fmt.Errorf("Detect: candidates: %w", err)
	}

	newNorm := keycodec.NormalizeConcept(tx.Concept)
	var found []Update
	for _, c := range candidates {
		if c.ID == tx.Checksum {
			continue
		}
		metrics := similarity.Compare(c.Concept, tx.Concept)
		if !d.opts.Thresholds.match(metrics) {
			continue
		}
		if d.opts.RequireGrowth && utf8.RuneCountInString(newNorm) < utf8.RuneCountInString(keycodec.NormalizeConcept(c.Concept)) {
			continue
		}
		found = append(found, Update{
			OriginalID:      c.ID,
			NewID:           tx.Checksum,
			OriginalConcept: c.Concept,
			NewConcept:      tx.Concept,
			Metrics:         metrics,
			Thresholds:      d.opts.Thresholds,
		})
	}

	sort.SliceStable(found, func(i, j int) bool {
		a, b := found[i].Metrics, found[j].Metrics
		if a.EditDistance != b.EditDistance {
			return a.EditDistance < b.EditDistance
		}
		return a.JaroWinkler > b.JaroWinkler
	})

	if _, err := store.AppendUnique(ctx, d.store, key, Candidate{ID: tx.Checksum, Concept: tx.Concept}, d.opts.TTL); err != nil {
		return found, fmt.Errorf("Detect: append candidate: %w", err)
	}

	if len(found) > 0 {
		log := logger.FromContext(ctx)
		log.Info().
			Str("checksum", tx.Checksum).
			Str("original_checksum", found[0].OriginalID).
			Int("matches", len(found)).
			Msg("Update candidates found")
	}
	return found, nil
}

// Actionable drops matches whose concepts are identical, which are
// retransmissions rather than edits.
func Actionable(updates []Update) []Update {
	out := make([]Update, 0, len(updates))
	for _, u := range updates {
		if u.Metrics.Exact() {
			continue
		}
		out = append(out, u)
	}
	return out
}

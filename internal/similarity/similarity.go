// Package similarity compares transaction concepts and amounts.
package similarity

import (
	"context"
	"math"
	"strings"

	"github.com/agnivade/levenshtein"
	"github.com/dvloznov/finance-dedup/internal/keycodec"
	"github.com/dvloznov/finance-dedup/internal/logger"
	"github.com/shopspring/decimal"
	"github.com/xrash/smetrics"
)

const (
	// EnrichedJaroWinkler is the strict Jaro-Winkler bound used for same-day conflicts.
	EnrichedJaroWinkler = 0.93

	jaroWinklerBoost  = 0.7
	jaroWinklerPrefix = 4
)

// AmountTolerance is the largest decimal delta accepted by AmountsClose.
var AmountTolerance = decimal.NewFromFloat(0.5)

// Metrics holds the similarity of two normalized concepts.
type Metrics struct {
	EditDistance int      `json:"levenshtein"`
	Cosine       float64  `json:"cosine"`
	JaroWinkler  float64  `json:"jaro_winkler"`
	Embedding    *float64 `json:"embedding,omitempty"`
}

// Exact reports whether the concepts are identical under every metric.
func (m Metrics) Exact() bool {
	return m.EditDistance == 0 && m.Cosine >= 1-1e-9 && m.JaroWinkler >= 1-1e-9
}

// Compare normalizes both concepts and computes every lexical metric.
func Compare(a, b string) Metrics {
	na, nb := keycodec.NormalizeConcept(a), keycodec.NormalizeConcept(b)
	return Metrics{
		EditDistance: EditDistance(na, nb),
		Cosine:       Cosine(na, nb),
		JaroWinkler:  JaroWinkler(na, nb),
	}
}

// EditDistance is the Levenshtein distance between a and b in runes.
func EditDistance(a, b string) int {
	return levenshtein.ComputeDistance(a, b)
}

// Cosine is the cosine similarity of the word-count vectors of a and b.
func Cosine(a, b string) float64 {
	wa, wb := strings.Fields(a), strings.Fields(b)
	if len(wa) == 0 || len(wb) == 0 {
		return 0
	}
	va, vb := wordCounts(wa), wordCounts(wb)

	var dot, sa, sb float64
	for w, n := range va {
		dot += float64(n * vb[w])
		sa += float64(n * n)
	}
	for _, n := range vb {
		sb += float64(n * n)
	}
	den := math.Sqrt(sa) * math.Sqrt(sb)
	if den == 0 {
		return 0
	}
	return dot / den
}

func wordCounts(words []string) map[string]int {
	m := make(map[string]int, len(words))
	for _, w := range words {
		m[w]++
	}
	return m
}

// JaroWinkler is the Jaro-Winkler similarity of a and b; empty input scores 0.
func JaroWinkler(a, b string) float64 {
	if a == "" || b == "" {
		return 0
	}
	if a == b {
		return 1
	}
	return smetrics.JaroWinkler(a, b, jaroWinklerBoost, jaroWinklerPrefix)
}

// ContainsEither reports whether one non-empty string contains the other.
func ContainsEither(a, b string) bool {
	if a == "" || b == "" {
		return false
	}
	return strings.Contains(a, b) || strings.Contains(b, a)
}

// AmountsEqual compares amounts numerically, so 10 and 10.00 are equal.
func AmountsEqual(a, b decimal.Decimal) bool {
	return a.Equal(b)
}

// AmountsClose reports whether a and b have the same sign, share their integer
// part and differ by at most AmountTolerance.
func AmountsClose(a, b decimal.Decimal) bool {
	if a.Sign() != b.Sign() || !a.Truncate(0).Equal(b.Truncate(0)) {
		return false
	}
	return a.Sub(b).Abs().LessThanOrEqual(AmountTolerance)
}

// Matcher decides whether two concepts describe the same movement, using an
// optional Embedder on top of the lexical rules.
type Matcher struct {
	embedder  Embedder
	threshold float64
}

// NewMatcher creates a Matcher. A nil embedder disables the semantic rule.
func NewMatcher(embedder Embedder, threshold float64) *Matcher {
	if embedder == nil {
		embedder = NoopEmbedder{}
	}
	return &Matcher{embedder: embedder, threshold: threshold}
}

// Similar reports whether concepts a and b are similar: containment either
// way, Jaro-Winkler above EnrichedJaroWinkler, or embedding cosine at or above
// the configured threshold. Embedding failures degrade to the lexical rules.
func (m *Matcher) Similar(ctx context.Context, a, b string) (bool, Metrics) {
	na, nb := keycodec.NormalizeConcept(a), keycodec.NormalizeConcept(b)
	metrics := Metrics{
		EditDistance: EditDistance(na, nb),
		Cosine:       Cosine(na, nb),
		JaroWinkler:  JaroWinkler(na, nb),
	}

	if ContainsEither(na, nb) || metrics.JaroWinkler > EnrichedJaroWinkler {
		return true, metrics
	}

	score, ok := m.embeddingScore(ctx, na, nb)
	if !ok {
		return false, metrics
	}
	metrics.Embedding = &score
	return score >= m.threshold, metrics
}

func (m *Matcher) embeddingScore(ctx context.Context, a, b string) (float64, bool) {
	if a == "" || b == "" || !m.embedder.Enabled() {
		return 0, false
	}

	vecs, err := m.embedder.Embed(ctx, []string{a, b})
	if err != nil {
		log := logger.FromContext(ctx)
		log.Warn().Err(err).Msg("Embedding backend unavailable, using lexical rules only")
		return 0, false
	}
	if len(vecs) != 2 {
		return 0, false
	}
	return VectorCosine(vecs[0], vecs[1]), true
}

// VectorCosine is the cosine similarity of two embedding vectors.
func VectorCosine(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, sa, sb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		sa += x * x
		sb += y * y
	}
	if sa == 0 || sb == 0 {
		return 0
	}
	return dot / (math.Sqrt(sa) * math.Sqrt(sb))
}

package similarity

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/shopspring/decimal"
)

func approx(a, b float64) bool { return math.Abs(a-b) < 1e-3 }

func TestEditDistance(t *testing.T) {
	tests := []struct {
		a, b string
		want int
	}{
		{"kitten", "sitting", 3},
		{"pago nom", "pago nomina", 3},
		{"", "abc", 3},
		{"nómina", "nomina", 1},
	}
	for _, tt := range tests {
		if got := EditDistance(tt.a, tt.b); got != tt.want {
			t.Errorf("EditDistance(%q, %q) = %d, want %d", tt.a, tt.b, got, tt.want)
		}
	}
}

func TestCosine(t *testing.T) {
	tests := []struct {
		a, b string
		want float64
	}{
		{"pago nomina", "pago nomina", 1},
		{"pago nomina", "pago nomina marzo", 2 / (math.Sqrt2 * math.Sqrt(3))},
		{"pago", "cargo", 0},
		{"", "pago", 0},
	}
	for _, tt := range tests {
		if got := Cosine(tt.a, tt.b); !approx(got, tt.want) {
			t.Errorf("Cosine(%q, %q) = %f, want %f", tt.a, tt.b, got, tt.want)
		}
	}
}

func TestJaroWinkler(t *testing.T) {
	if got := JaroWinkler("martha", "marhta"); !approx(got, 0.961) {
		t.Errorf("JaroWinkler(martha, marhta) = %f", got)
	}
	if got := JaroWinkler("same", "same"); got != 1 {
		t.Errorf("identical strings = %f, want 1", got)
	}
	if got := JaroWinkler("", "x"); got != 0 {
		t.Errorf("empty string = %f, want 0", got)
	}
}

func TestMetrics_Exact(t *testing.T) {
	if !Compare("PAGO NOMINA", "pago  nomina.").Exact() {
		t.Error("normalized-identical concepts should be exact")
	}
	if Compare("PAGO NOM", "PAGO NOMINA").Exact() {
		t.Error("different concepts should not be exact")
	}
}

func TestAmounts(t *testing.T) {
	d := decimal.RequireFromString
	tests := []struct {
		name      string
		a, b      string
		wantEqual bool
		wantClose bool
	}{
		{"same", "-1000.00", "-1000", true, true},
		{"small delta", "-1000.00", "-1000.40", false, true},
		{"exact tolerance", "10.00", "10.50", false, true},
		{"too far", "10.00", "10.51", false, false},
		{"different integer part", "10.90", "11.10", false, false},
		{"debit and credit below one", "-0.30", "0.20", false, false},
		{"small debits", "-0.30", "-0.20", false, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := AmountsEqual(d(tt.a), d(tt.b)); got != tt.wantEqual {
				t.Errorf("AmountsEqual = %v", got)
			}
			if got := AmountsClose(d(tt.a), d(tt.b)); got != tt.wantClose {
				t.Errorf("AmountsClose = %v", got)
			}
		})
	}
}

type mockEmbedder struct {
	EmbedFunc func(ctx context.Context, texts []string) ([][]float32, error)
}

func (m *mockEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	return m.EmbedFunc(ctx, texts)
}

func (m *mockEmbedder) Enabled() bool { return true }

func TestMatcher_Similar(t *testing.T) {
	ctx := context.Background()
	lexical := NewMatcher(nil, 0.9)

	if ok, _ := lexical.Similar(ctx, "PAGO NOM", "PAGO NOMINA"); !ok {
		t.Error("containment should match")
	}
	if ok, _ := lexical.Similar(ctx, "TRANSFERENCIA SPEI", "TRANSFERENCIA SPIE"); !ok {
		t.Error("high Jaro-Winkler should match")
	}
	if ok, m := lexical.Similar(ctx, "OXXO", "CFE LUZ"); ok || m.Embedding != nil {
		t.Errorf("unrelated concepts should not match: %+v", m)
	}
}

func TestMatcher_Embedding(t *testing.T) {
	ctx := context.Background()

	semantic := NewMatcher(&mockEmbedder{
		EmbedFunc: func(ctx context.Context, texts []string) ([][]float32, error) {
			return [][]float32{{1, 0, 1}, {1, 0, 0.9}}, nil
		},
	}, 0.9)
	ok, m := semantic.Similar(ctx, "RECIBO LUZ", "CFE SUMINISTRO")
	if !ok || m.Embedding == nil || *m.Embedding < 0.9 {
		t.Errorf("embedding rule should match: %+v", m)
	}

	failing := NewMatcher(&mockEmbedder{
		EmbedFunc: func(ctx context.Context, texts []string) ([][]float32, error) {
			return nil, errors.New("quota exceeded")
		},
	}, 0.9)
	if ok, m := failing.Similar(ctx, "RECIBO LUZ", "CFE SUMINISTRO"); ok || m.Embedding != nil {
		t.Errorf("embedding failure should degrade to lexical rules: %+v", m)
	}
}

func TestVectorCosine(t *testing.T) {
	if got := VectorCosine([]float32{1, 2}, []float32{2, 4}); !approx(got, 1) {
		t.Errorf("parallel vectors = %f", got)
	}
	if got := VectorCosine([]float32{1, 0}, []float32{0, 1}); got != 0 {
		t.Errorf("orthogonal vectors = %f", got)
	}
	if got := VectorCosine([]float32{1}, []float32{1, 2}); got != 0 {
		t.Errorf("mismatched lengths = %f", got)
	}
}

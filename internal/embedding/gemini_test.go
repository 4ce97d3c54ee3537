package embedding

import (
	"context"
	"errors"
	"testing"

	"github.com/dvloznov/finance-dedup/internal/similarity"
	"google.golang.org/genai"
)

type mockModels struct {
	calls            int
	EmbedContentFunc func(ctx context.Context, model string, contents []*genai.Content, config *genai.EmbedContentConfig) (*genai.EmbedContentResponse, error)
}

func (m *mockModels) EmbedContent(ctx context.Context, model string, contents []*genai.Content, config *genai.EmbedContentConfig) (*genai.EmbedContentResponse, error) {
	m.calls++
	return m.EmbedContentFunc(ctx, model, contents, config)
}

func TestGeminiEmbedder_EmbedCaches(t *testing.T) {
	models := &mockModels{
		EmbedContentFunc: func(ctx context.Context, model string, contents []*genai.Content, config *genai.EmbedContentConfig) (*genai.EmbedContentResponse, error) {
			if model != DefaultModelName {
				t.Errorf("model = %q", model)
			}
			resp := &genai.EmbedContentResponse{}
			for _, c := range contents {
				resp.Embeddings = append(resp.Embeddings, &genai.ContentEmbedding{
					Values: []float32{float32(len(c.Parts[0].Text)), 1},
				})
			}
			return resp, nil
		},
	}
	e := newGeminiEmbedder(models, "")
	ctx := context.Background()

	first, err := e.Embed(ctx, []string{"pago", "pago nomina"})
	if err != nil {
		t.Fatalf("Embed() error = %v", err)
	}
	if len(first) != 2 || first[0][0] != 4 || first[1][0] != 11 {
		t.Errorf("unexpected vectors: %v", first)
	}

	if _, err := e.Embed(ctx, []string{"pago nomina", "pago"}); err != nil {
		t.Fatal(err)
	}
	if models.calls != 1 {
		t.Errorf("expected cached second call, got %d calls", models.calls)
	}
}

func TestGeminiEmbedder_Errors(t *testing.T) {
	ctx := context.Background()

	failing := newGeminiEmbedder(&mockModels{
		EmbedContentFunc: func(ctx context.Context, model string, contents []*genai.Content, config *genai.EmbedContentConfig) (*genai.EmbedContentResponse, error) {
			return nil, errors.New("unavailable")
		},
	}, "m")
	if _, err := failing.Embed(ctx, []string{"x"}); err == nil {
		t.Error("expected error")
	}

	short := newGeminiEmbedder(&mockModels{
		EmbedContentFunc: func(ctx context.Context, model string, contents []*genai.Content, config *genai.EmbedContentConfig) (*genai.EmbedContentResponse, error) {
			return &genai.EmbedContentResponse{}, nil
		},
	}, "m")
	if _, err := short.Embed(ctx, []string{"x"}); !errors.Is(err, similarity.ErrEmbeddingUnavailable) {
		t.Errorf("Embed() = %v, want ErrEmbeddingUnavailable", err)
	}
}

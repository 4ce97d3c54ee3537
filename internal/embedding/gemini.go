// Package embedding provides the Gemini-backed semantic embedder.
package embedding

import (
	"context"
	"fmt"
	"sync"

	"github.com/dvloznov/finance-dedup/internal/similarity"
	"google.golang.org/genai"
)

// DefaultModelName is the embedding model used when none is configured.
const DefaultModelName = "text-embedding-004"

// maxCacheEntries bounds the per-process vector cache.
const maxCacheEntries = 10000

// contentEmbedder is the part of *genai.Models used here.
type contentEmbedder interface {
	EmbedContent(ctx context.Context, model string, contents []*genai.Content, config *genai.EmbedContentConfig) (*genai.EmbedContentResponse, error)
}

// GeminiEmbedder embeds concepts with a Gemini embedding model. It is built
// once per process and caches vectors by text.
type GeminiEmbedder struct {
	models contentEmbedder
	model  string

	mu    sync.RWMutex
	cache map[string][]float32
}

// NewGeminiEmbedder creates a GenAI client and wraps it in an embedder.
func NewGeminiEmbedder(ctx context.Context, model string) (*GeminiEmbedder, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		HTTPOptions: genai.HTTPOptions{APIVersion: "v1"},
	})
	if err != nil {
		return nil, fmt.Errorf("NewGeminiEmbedder: create genai client: %w", err)
	}
	return newGeminiEmbedder(client.Models, model), nil
}

func newGeminiEmbedder(models contentEmbedder, model string) *GeminiEmbedder {
	if model == "" {
		model = DefaultModelName
	}
	return &GeminiEmbedder{
		models: models,
		model:  model,
		cache:  make(map[string][]float32),
	}
}

// Enabled reports true.
func (e *GeminiEmbedder) Enabled() bool { return true }

// Embed returns one vector per text, calling the model only for texts not
// already cached.
func (e *GeminiEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	var missing []int

	e.mu.RLock()
	for i, t := range texts {
		if v, ok := e.cache[t]; ok {
			out[i] = v
		} else {
			missing = append(missing, i)
		}
	}
	e.mu.RUnlock()

	if len(missing) == 0 {
		return out, nil
	}

	contents := make([]*genai.Content, 0, len(missing))
	for _, i := range missing {
		contents = append(contents, &genai.Content{
			Role:  "user",
			Parts: []*genai.Part{{Text: texts[i]}},
		})
	}

	resp, err := e.models.EmbedContent(ctx, e.model, contents, nil)
	if err != nil {
		return nil, fmt.Errorf("GeminiEmbedder.Embed: embed content: %w", err)
	}
	if resp == nil || len(resp.Embeddings) != len(missing) {
		return nil, fmt.Errorf("GeminiEmbedder.Embed: expected %d embeddings: %w", len(missing), similarity.ErrEmbeddingUnavailable)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.cache)+len(missing) > maxCacheEntries {
		e.cache = make(map[string][]float32)
	}
	for j, i := range missing {
		if resp.Embeddings[j] == nil {
			return nil, fmt.Errorf("GeminiEmbedder.Embed: empty embedding for %q: %w", texts[i], similarity.ErrEmbeddingUnavailable)
		}
		out[i] = resp.Embeddings[j].Values
		e.cache[texts[i]] = out[i]
	}
	return out, nil
}

var _ similarity.Embedder = (*GeminiEmbedder)(nil)

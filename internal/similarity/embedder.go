package similarity

import (
	"context"
	"errors"
)

// ErrEmbeddingUnavailable is returned by embedders that cannot serve requests.
var ErrEmbeddingUnavailable = errors.New("similarity: embedding backend unavailable")

// Embedder turns texts into embedding vectors, one per input text.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	Enabled() bool
}

// NoopEmbedder is the disabled Embedder.
type NoopEmbedder struct{}

// Embed always fails with ErrEmbeddingUnavailable.
func (NoopEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	return nil, ErrEmbeddingUnavailable
}

// Enabled reports false.
func (NoopEmbedder) Enabled() bool { return false }

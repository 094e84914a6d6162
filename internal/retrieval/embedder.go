package retrieval

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/jkoski/mailvault/internal/provider"
)

// DimensionError reports an embedding whose length does not match the
// dimensionality the index was configured for.
type DimensionError struct {
	Want int
	Got  int
}

func (e *DimensionError) Error() string {
	return fmt.Sprintf("embedding dimension mismatch: provider returned %d values, expected %d", e.Got, e.Want)
}

// Embedder wraps a provider client and validates every returned vector
// against the expected dimensionality. Query and ingest embeddings go
// through the same path, so a query vector can never silently disagree
// with the index.
type Embedder struct {
	client     provider.Client
	dimensions int
}

// NewEmbedder creates an Embedder expecting vectors of the given length.
func NewEmbedder(client provider.Client, dimensions int) *Embedder {
	return &Embedder{client: client, dimensions: dimensions}
}

// Dimensions returns the expected vector length.
func (e *Embedder) Dimensions() int {
	return e.dimensions
}

// Embed returns the validated embedding vector for a single text.
func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vec, err := e.client.Embed(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("embedding text: %w", err)
	}
	if len(vec) != e.dimensions {
		return nil, &DimensionError{Want: e.dimensions, Got: len(vec)}
	}
	return vec, nil
}

// EmbedBatch returns embedding vectors for multiple texts concurrently.
// Returns nil (not error) for empty/nil input.
func (e *Embedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	results := make([][]float32, len(texts))
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(4) // Bound concurrency to avoid overwhelming the provider.

	for i, text := range texts {
		g.Go(func() error {
			vec, err := e.Embed(gCtx, text)
			if err != nil {
				return fmt.Errorf("embedding text %d: %w", i, err)
			}
			results[i] = vec
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

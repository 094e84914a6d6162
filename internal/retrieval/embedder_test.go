package retrieval

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

type stubProvider struct {
	dims int
	err  error
}

func (s *stubProvider) Embed(_ context.Context, text string) ([]float32, error) {
	if s.err != nil {
		return nil, s.err
	}
	vec := make([]float32, s.dims)
	vec[int(text[0])%s.dims] = 1
	return vec, nil
}

func (s *stubProvider) Complete(_ context.Context, _, _ string) (string, error) {
	return "", nil
}

func TestEmbedValidatesDimension(t *testing.T) {
	e := NewEmbedder(&stubProvider{dims: 4}, 4)

	vec, err := e.Embed(context.Background(), "hello")
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if len(vec) != 4 {
		t.Errorf("expected 4 dimensions, got %d", len(vec))
	}
}

func TestEmbedDimensionMismatch(t *testing.T) {
	e := NewEmbedder(&stubProvider{dims: 3}, 4)

	_, err := e.Embed(context.Background(), "hello")
	var dim *DimensionError
	if !errors.As(err, &dim) {
		t.Fatalf("expected DimensionError, got %v", err)
	}
	if dim.Want != 4 || dim.Got != 3 {
		t.Errorf("wrong dimensions in error: want=%d got=%d", dim.Want, dim.Got)
	}
}

func TestEmbedPropagatesProviderError(t *testing.T) {
	provErr := errors.New("provider unavailable")
	e := NewEmbedder(&stubProvider{err: provErr}, 4)

	if _, err := e.Embed(context.Background(), "hello"); !errors.Is(err, provErr) {
		t.Errorf("expected wrapped provider error, got %v", err)
	}
}

func TestEmbedBatchPreservesOrder(t *testing.T) {
	e := NewEmbedder(&stubProvider{dims: 8}, 8)

	texts := make([]string, 6)
	for i := range texts {
		texts[i] = fmt.Sprintf("%c text", 'a'+i)
	}

	vecs, err := e.EmbedBatch(context.Background(), texts)
	if err != nil {
		t.Fatalf("EmbedBatch: %v", err)
	}
	if len(vecs) != len(texts) {
		t.Fatalf("expected %d vectors, got %d", len(texts), len(vecs))
	}
	for i, text := range texts {
		want := int(text[0]) % 8
		if vecs[i][want] != 1 {
			t.Errorf("vector %d does not correspond to its text", i)
		}
	}
}

func TestEmbedBatchEmptyInput(t *testing.T) {
	e := NewEmbedder(&stubProvider{dims: 4}, 4)

	vecs, err := e.EmbedBatch(context.Background(), nil)
	if err != nil {
		t.Fatalf("EmbedBatch(nil): %v", err)
	}
	if vecs != nil {
		t.Errorf("expected nil for empty input, got %v", vecs)
	}
}

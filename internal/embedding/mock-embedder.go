package embedding

import (
	"context"
	"math"
	"strings"

	"github.com/hyperjump/kioku/pkg/utils"
)

// MockEmbedder is a deterministic embedder for tests and offline use. Each word
// contributes a fixed pseudo-random vector derived from its hash, so texts that
// share words get similar embeddings.
type MockEmbedder struct {
	dimensions int
}

var _ Embedder = (*MockEmbedder)(nil)

// NewMockEmbedder returns an embedder that produces deterministic embeddings of the given dimensions.
func NewMockEmbedder(dimensions int) *MockEmbedder {
	if dimensions <= 0 {
		dimensions = 384
	}
	return &MockEmbedder{dimensions: dimensions}
}

func hashString(s string) int {
	h := 0
	for _, c := range s {
		h = 31*h + int(c)
	}
	if h < 0 {
		h = -h
	}
	return h
}

// Embed returns a deterministic embedding built from the words of text.
func (e *MockEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	emb := make([]float32, e.dimensions)
	for _, word := range strings.Fields(strings.ToLower(text)) {
		word = strings.Trim(word, ".,:;!?\"'()[]")
		if word == "" {
			continue
		}
		h := hashString(word)
		for i := range emb {
			emb[i] += float32(math.Sin(float64(h*(i+1)) + float64(i)))
		}
	}
	if utils.NormL2(emb) == 0 {
		for i := range emb {
			emb[i] = 0.01
		}
		return emb, nil
	}
	utils.NormalizeL2(emb)
	return emb, nil
}

// EmbedBatch calls Embed for each text.
func (e *MockEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	embeddings := make([][]float32, len(texts))
	for i, text := range texts {
		emb, err := e.Embed(ctx, text)
		if err != nil {
			return nil, err
		}
		embeddings[i] = emb
	}
	return embeddings, nil
}

// Dimensions returns the embedding dimension.
func (e *MockEmbedder) Dimensions() int {
	return e.dimensions
}

// Close is a no-op for MockEmbedder.
func (e *MockEmbedder) Close() error {
	return nil
}

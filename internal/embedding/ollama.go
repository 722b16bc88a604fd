package embedding

import (
	"context"
	"fmt"
	"math"

	"github.com/hyperjump/kioku/internal/models"
	"github.com/hyperjump/kioku/internal/ollama"
	"github.com/hyperjump/kioku/internal/resilience"
	"go.uber.org/zap"
)

// Default embedding model settings.
const (
	DefaultModel      = "mxbai-embed-large"
	DefaultDimensions = 1024
)

// OllamaConfig holds configuration for OllamaEmbedder.
type OllamaConfig struct {
	Model      string
	Dimensions int
}

// OllamaEmbedder embeds text through the Ollama /api/embed endpoint.
type OllamaEmbedder struct {
	client     *ollama.Client
	guard      *resilience.Guard
	model      string
	dimensions int
	logger     *zap.Logger
}

var _ Embedder = (*OllamaEmbedder)(nil)

// Option configures an OllamaEmbedder.
type Option func(*OllamaEmbedder)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(e *OllamaEmbedder) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithGuard sets the retry and circuit breaker policy for service calls.
func WithGuard(g *resilience.Guard) Option {
	return func(e *OllamaEmbedder) {
		if g != nil {
			e.guard = g
		}
	}
}

// NewOllamaEmbedder creates an embedder backed by client.
func NewOllamaEmbedder(client *ollama.Client, cfg OllamaConfig, opts ...Option) *OllamaEmbedder {
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.Dimensions <= 0 {
		cfg.Dimensions = DefaultDimensions
	}
	e := &OllamaEmbedder{
		client:     client,
		model:      cfg.Model,
		dimensions: cfg.Dimensions,
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.guard == nil {
		e.guard = resilience.New(resilience.DefaultConfig("embedding"), resilience.WithLogger(e.logger))
	}
	return e
}

// Embed returns the embedding of text.
func (e *OllamaEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := e.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedBatch embeds texts in one request.
func (e *OllamaEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return [][]float32{}, nil
	}
	return resilience.Call(ctx, e.guard, func(ctx context.Context) ([][]float32, error) {
		vecs, err := e.client.Embed(ctx, e.model, texts)
		if err != nil {
			return nil, err
		}
		if err := e.validate(vecs, len(texts)); err != nil {
			e.logger.Warn("rejected embedding response", zap.String("model", e.model), zap.Error(err))
			return nil, err
		}
		return vecs, nil
	})
}

func (e *OllamaEmbedder) validate(vecs [][]float32, want int) error {
	if len(vecs) != want {
		return fmt.Errorf("%w: %s returned %d embeddings for %d inputs", models.ErrValidation, e.model, len(vecs), want)
	}
	for i, v := range vecs {
		if len(v) == 0 {
			return fmt.Errorf("%w: %s returned an empty embedding", models.ErrValidation, e.model)
		}
		if len(v) != e.dimensions {
			return fmt.Errorf("%w: %s returned %d dimensions, expected %d", models.ErrValidation, e.model, len(v), e.dimensions)
		}
		for j, x := range v {
			if math.IsNaN(float64(x)) || math.IsInf(float64(x), 0) {
				return fmt.Errorf("%w: embedding %d has non-finite component at %d", models.ErrValidation, i, j)
			}
		}
	}
	return nil
}

// Dimensions returns the configured embedding dimension.
func (e *OllamaEmbedder) Dimensions() int {
	return e.dimensions
}

// Close is a no-op; the HTTP client holds no resources that need releasing.
func (e *OllamaEmbedder) Close() error {
	return nil
}

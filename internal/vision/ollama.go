package vision

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/hyperjump/kioku/internal/models"
	"github.com/hyperjump/kioku/internal/ollama"
	"github.com/hyperjump/kioku/internal/resilience"
	"go.uber.org/zap"
)

// Default model settings.
const (
	DefaultDescriptionModel = "moondream"
	DefaultTaggingModel     = "qwen2:1.5b"
	DefaultTemperature      = 0.1

	// maxImageBytes bounds the image payload sent to the model.
	maxImageBytes = 32 << 20
)

// OllamaConfig holds configuration for OllamaDescriber.
type OllamaConfig struct {
	DescriptionModel string
	TaggingModel     string
	Temperature      float64
}

// OllamaDescriber describes images with an Ollama vision model and picks
// tags with a small text model constrained to a JSON schema.
type OllamaDescriber struct {
	client *ollama.Client
	guard  *resilience.Guard
	cfg    OllamaConfig
	logger *zap.Logger
}

var _ Describer = (*OllamaDescriber)(nil)

// Option configures an OllamaDescriber.
type Option func(*OllamaDescriber)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(d *OllamaDescriber) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// WithGuard sets the retry and circuit breaker policy for service calls.
func WithGuard(g *resilience.Guard) Option {
	return func(d *OllamaDescriber) {
		if g != nil {
			d.guard = g
		}
	}
}

// NewOllamaDescriber creates a describer backed by client.
func NewOllamaDescriber(client *ollama.Client, cfg OllamaConfig, opts ...Option) *OllamaDescriber {
	if cfg.DescriptionModel == "" {
		cfg.DescriptionModel = DefaultDescriptionModel
	}
	if cfg.TaggingModel == "" {
		cfg.TaggingModel = DefaultTaggingModel
	}
	if cfg.Temperature < 0 {
		cfg.Temperature = DefaultTemperature
	}
	d := &OllamaDescriber{client: client, cfg: cfg, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(d)
	}
	if d.guard == nil {
		d.guard = resilience.New(resilience.DefaultConfig("vision"), resilience.WithLogger(d.logger))
	}
	return d
}

// Describe returns the description and tags of req.ImagePath.
func (d *OllamaDescriber) Describe(ctx context.Context, req Request) (Description, error) {
	image, err := readImage(req.ImagePath)
	if err != nil {
		return Description{}, err
	}

	text, err := resilience.Call(ctx, d.guard, func(ctx context.Context) (string, error) {
		return d.client.Chat(ctx, ollama.ChatRequest{
			Model: d.cfg.DescriptionModel,
			Messages: []ollama.Message{{
				Role:    "user",
				Content: describePrompt,
				Images:  []string{image},
			}},
			Options: &ollama.Options{Temperature: d.cfg.Temperature},
		})
	})
	if err != nil {
		return Description{}, fmt.Errorf("describe %s: %w", req.ImagePath, err)
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return Description{}, fmt.Errorf("%w: %s returned an empty description", models.ErrValidation, d.cfg.DescriptionModel)
	}

	desc := Description{Text: text, Tags: []string{}}
	if req.MaxTags <= 0 {
		return desc, nil
	}
	tags, err := d.tags(ctx, text, req.Vocabulary, req.MaxTags)
	if err != nil {
		return Description{}, fmt.Errorf("tag %s: %w", req.ImagePath, err)
	}
	desc.Tags = tags
	d.logger.Debug("described image",
		zap.String("path", req.ImagePath),
		zap.Int("description_len", len(text)),
		zap.Strings("tags", tags))
	return desc, nil
}

func (d *OllamaDescriber) tags(ctx context.Context, description string, vocabulary []string, maxTags int) ([]string, error) {
	format, err := json.Marshal(tagSchema(vocabulary, maxTags))
	if err != nil {
		return nil, fmt.Errorf("marshal tag schema: %w", err)
	}
	return resilience.Call(ctx, d.guard, func(ctx context.Context) ([]string, error) {
		reply, err := d.client.Chat(ctx, ollama.ChatRequest{
			Model: d.cfg.TaggingModel,
			Messages: []ollama.Message{
				{Role: "system", Content: tagsSystemMessage(vocabulary, maxTags)},
				{Role: "user", Content: tagsUserMessage(description, vocabulary)},
			},
			Format:  format,
			Options: &ollama.Options{Temperature: 0},
		})
		if err != nil {
			return nil, err
		}
		return parseTags(reply, vocabulary, maxTags)
	})
}

func readImage(path string) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", fmt.Errorf("%w: image %s: %v", models.ErrValidation, path, err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("%w: image %s is a directory", models.ErrValidation, path)
	}
	if info.Size() == 0 || info.Size() > maxImageBytes {
		return "", fmt.Errorf("%w: image %s has unsupported size %d", models.ErrValidation, path, info.Size())
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("%w: read image %s: %v", models.ErrValidation, path, err)
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

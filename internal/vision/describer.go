// Package vision derives a text description and tags for a screenshot using
// generative models.
package vision

import (
	"context"
	"fmt"
	"strings"

	"github.com/hyperjump/kioku/internal/models"
)

// DefaultMaxTags is the number of tags requested when none is configured.
const DefaultMaxTags = 2

// Request describes one image to analyze.
type Request struct {
	ImagePath string
	// Vocabulary restricts tags to these names. Empty means free-form tags.
	Vocabulary []string
	// MaxTags is the upper bound on returned tags; 0 disables tagging.
	MaxTags int
}

// Description is the model output for one image.
type Description struct {
	Text string
	Tags []string
}

// Describer produces descriptions for images.
type Describer interface {
	Describe(ctx context.Context, req Request) (Description, error)
}

// Normalize trims the text and normalizes tags. An empty description is a validation error.
func Normalize(d Description, maxTags int) (Description, error) {
	text := strings.TrimSpace(d.Text)
	if text == "" {
		return Description{}, fmt.Errorf("%w: empty description", models.ErrValidation)
	}
	tags := models.NormalizeTags(d.Tags)
	if maxTags >= 0 && len(tags) > maxTags {
		tags = tags[:maxTags]
	}
	return Description{Text: text, Tags: tags}, nil
}

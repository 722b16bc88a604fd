package vision

import (
	"context"
	"path/filepath"
	"strings"
)

// MockDescriber derives a description from the image file name. It is used in
// tests and when no model service is available.
type MockDescriber struct{}

var _ Describer = MockDescriber{}

// Describe returns "screenshot of <words in file name>" and the vocabulary
// tags that occur in the file name.
func (MockDescriber) Describe(ctx context.Context, req Request) (Description, error) {
	if err := ctx.Err(); err != nil {
		return Description{}, err
	}
	base := strings.TrimSuffix(filepath.Base(req.ImagePath), filepath.Ext(req.ImagePath))
	words := strings.FieldsFunc(strings.ToLower(base), func(r rune) bool {
		return r == '-' || r == '_' || r == ' ' || r == '.'
	})
	desc := Description{Text: "screenshot of " + strings.Join(words, " "), Tags: []string{}}
	for _, tag := range req.Vocabulary {
		if len(desc.Tags) >= req.MaxTags {
			break
		}
		for _, w := range words {
			if strings.EqualFold(w, tag) {
				desc.Tags = append(desc.Tags, tag)
				break
			}
		}
	}
	return desc, nil
}

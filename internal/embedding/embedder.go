// Package embedding turns text into dense vectors through an embedding service.
package embedding

import (
	"context"
	"strings"
)

// DefaultQueryPrefix is the retrieval instruction prepended to search queries.
// Stored descriptions are embedded without it.
const DefaultQueryPrefix = "Represent this sentence for searching relevant passages: "

// Embedder produces vector embeddings for text.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Dimensions() int
	Close() error
}

// QueryText returns the text embedded for a search query.
func QueryText(prefix, query string) string {
	return prefix + strings.TrimSpace(query)
}

// ItemText returns the text embedded for an item: its description followed by its tags.
func ItemText(description string, tags []string) string {
	description = strings.TrimSpace(description)
	if len(tags) == 0 {
		return description
	}
	return description + "\nTags: " + strings.Join(tags, ", ")
}

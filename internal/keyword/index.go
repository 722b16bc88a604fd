// Package keyword provides full-text search over item descriptions, tags and file names.
package keyword

import (
	"context"

	"github.com/hyperjump/kioku/internal/models"
)

// SearchOptions optional parameters for keyword search. Nil means use defaults.
type SearchOptions struct {
	// FileNameBoost multiplies the score contribution from matches in the file name.
	// Use 1.0 for no boost.
	FileNameBoost float64
	// TagBoost multiplies the score contribution from matches in tags.
	TagBoost float64
	// FuzzyEnabled enables fuzzy matching for typo tolerance.
	FuzzyEnabled bool
	// Fuzziness is the maximum Levenshtein edit distance for fuzzy matching (1 or 2).
	// Default is 1 when FuzzyEnabled is true.
	Fuzziness int
}

// KeywordIndex defines keyword search operations.
type KeywordIndex interface {
	Index(ctx context.Context, item *models.Item) error
	Search(ctx context.Context, query string, limit int, opts *SearchOptions) ([]*KeywordResult, error)
	Delete(ctx context.Context, id string) error
	// DocCount returns the total number of items in the index.
	DocCount() (uint64, error)
	Close() error
}

// KeywordResult is a single keyword search hit.
type KeywordResult struct {
	ID    string
	Score float64
}

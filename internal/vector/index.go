// Package vector provides exact nearest-neighbor indexes over binary codewords.
package vector

import (
	"context"
	"sort"

	"github.com/hyperjump/kioku/internal/codec"
)

// Index stores one codeword per item id and answers Hamming-distance queries.
//
// KNearest and Within return results by ascending distance, ties broken by
// ascending id. KNearest returns at most k results, all of them when k exceeds
// Size, and an empty slice for an empty index or k <= 0.
type Index interface {
	Upsert(ctx context.Context, id string, cw codec.Codeword) error
	Remove(ctx context.Context, id string) error
	KNearest(ctx context.Context, query codec.Codeword, k int) ([]Result, error)
	Within(ctx context.Context, query codec.Codeword, maxDistance int) ([]Result, error)
	Get(id string) (codec.Codeword, bool)
	Contains(id string) bool
	IDs() []string
	Size() int
	// Replace swaps the whole content for entries.
	Replace(entries map[string]codec.Codeword) error
	// Save writes a snapshot tagged with the store generation it reflects.
	Save(path string, generation int64) error
	// Load replaces the content from a snapshot and returns its generation,
	// or -1 with the index unchanged when path does not exist.
	Load(path string) (int64, error)
	Type() string
	Close() error
}

// Result is a single index hit.
type Result struct {
	ID       string
	Distance int
}

func sortResults(rs []Result) {
	sort.Slice(rs, func(i, j int) bool {
		if rs[i].Distance != rs[j].Distance {
			return rs[i].Distance < rs[j].Distance
		}
		return rs[i].ID < rs[j].ID
	})
}

// scanCheckInterval is how many entries are scored between context checks.
const scanCheckInterval = 4096

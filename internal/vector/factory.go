package vector

import (
	"fmt"

	"github.com/hyperjump/kioku/internal/codec"
)

// IndexType represents the type of vector index to use.
type IndexType string

const (
	// IndexTypeFlat scans every codeword. Default; fine up to a few hundred thousand items.
	IndexTypeFlat IndexType = "flat"
	// IndexTypeBucket scans prefix buckets nearest-first and prunes the rest.
	IndexTypeBucket IndexType = "bucket"
)

// Options tunes index construction.
type Options struct {
	// BucketBits is the prefix length for IndexTypeBucket (default DefaultBucketBits).
	BucketBits int
}

// NewIndex creates a vector index of the specified type.
// Supported types: "flat" (default), "bucket".
func NewIndex(indexType string, c *codec.Codec, opts Options) (Index, error) {
	switch IndexType(indexType) {
	case IndexTypeFlat, "":
		return NewFlatIndex(c)
	case IndexTypeBucket:
		return NewBucketIndex(c, opts.BucketBits)
	default:
		return nil, fmt.Errorf("unknown index type: %s (supported: flat, bucket)", indexType)
	}
}

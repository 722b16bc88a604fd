package vector

import (
	"context"
	"fmt"
	"math/bits"
	"sort"
	"sync"

	"github.com/hyperjump/kioku/internal/codec"
	"github.com/hyperjump/kioku/internal/models"
)

// DefaultBucketBits is the prefix length used to bucket codewords when none is configured.
const DefaultBucketBits = 8

const maxBucketBits = 16

// BucketIndex groups codewords by their leading bits and scans buckets in
// order of prefix distance. The prefix distance is a lower bound of the full
// distance, so the scan stops as soon as no unseen bucket can beat or tie the
// current k-th result. Results are exact and identical to FlatIndex.
type BucketIndex struct {
	codec   *codec.Codec
	bits    int
	mu      sync.RWMutex
	entries map[string]codec.Codeword
	buckets map[uint32]map[string]struct{}
}

var _ Index = (*BucketIndex)(nil)

// NewBucketIndex creates an empty bucketed index. prefixBits is clamped to the codec dimension.
func NewBucketIndex(c *codec.Codec, prefixBits int) (*BucketIndex, error) {
	if c == nil {
		return nil, fmt.Errorf("%w: codec is required", models.ErrValidation)
	}
	if prefixBits <= 0 {
		prefixBits = DefaultBucketBits
	}
	if prefixBits > maxBucketBits {
		return nil, fmt.Errorf("%w: bucket bits must be <= %d, got %d", models.ErrValidation, maxBucketBits, prefixBits)
	}
	if prefixBits > c.Dimension() {
		prefixBits = c.Dimension()
	}
	return &BucketIndex{
		codec:   c,
		bits:    prefixBits,
		entries: make(map[string]codec.Codeword),
		buckets: make(map[uint32]map[string]struct{}),
	}, nil
}

// Type returns the index type identifier.
func (b *BucketIndex) Type() string {
	return string(IndexTypeBucket)
}

// prefix returns the first b.bits bits of cw as an integer.
func (b *BucketIndex) prefix(cw codec.Codeword) uint32 {
	var p uint32
	for i := 0; i < b.bits; i++ {
		bit := (cw[i>>3] >> (7 - uint(i&7))) & 1
		p = p<<1 | uint32(bit)
	}
	return p
}

// Upsert inserts or replaces the codeword of id.
func (b *BucketIndex) Upsert(ctx context.Context, id string, cw codec.Codeword) error {
	if id == "" {
		return fmt.Errorf("%w: empty id", models.ErrValidation)
	}
	if err := b.codec.Validate(cw); err != nil {
		return err
	}
	cw = cw.Clone()
	b.mu.Lock()
	defer b.mu.Unlock()
	b.removeLocked(id)
	b.insertLocked(id, cw)
	return nil
}

func (b *BucketIndex) insertLocked(id string, cw codec.Codeword) {
	b.entries[id] = cw
	p := b.prefix(cw)
	bucket, ok := b.buckets[p]
	if !ok {
		bucket = make(map[string]struct{})
		b.buckets[p] = bucket
	}
	bucket[id] = struct{}{}
}

func (b *BucketIndex) removeLocked(id string) {
	cw, ok := b.entries[id]
	if !ok {
		return
	}
	p := b.prefix(cw)
	if bucket, ok := b.buckets[p]; ok {
		delete(bucket, id)
		if len(bucket) == 0 {
			delete(b.buckets, p)
		}
	}
	delete(b.entries, id)
}

// Remove deletes id. Removing an absent id is a no-op.
func (b *BucketIndex) Remove(ctx context.Context, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.removeLocked(id)
	return nil
}

type bucketVisit struct {
	prefix   uint32
	distance int
}

// visitOrder lists non-empty buckets by ascending prefix distance to qp.
func (b *BucketIndex) visitOrder(qp uint32) []bucketVisit {
	order := make([]bucketVisit, 0, len(b.buckets))
	for p := range b.buckets {
		order = append(order, bucketVisit{prefix: p, distance: bits.OnesCount32(p ^ qp)})
	}
	sort.Slice(order, func(i, j int) bool {
		if order[i].distance != order[j].distance {
			return order[i].distance < order[j].distance
		}
		return order[i].prefix < order[j].prefix
	})
	return order
}

// KNearest returns the k codewords closest to query.
func (b *BucketIndex) KNearest(ctx context.Context, query codec.Codeword, k int) ([]Result, error) {
	if err := b.codec.Validate(query); err != nil {
		return nil, err
	}
	if k <= 0 {
		return []Result{}, nil
	}
	b.mu.RLock()
	defer b.mu.RUnlock()

	order := b.visitOrder(b.prefix(query))
	results := make([]Result, 0, k)
	scored := 0
	for i := 0; i < len(order); {
		level := order[i].distance
		if len(results) >= k {
			sortResults(results)
			results = results[:k]
			// nothing at prefix distance >= level can be closer than, or tie with, a result below level
			if results[k-1].Distance < level {
				break
			}
		}
		for ; i < len(order) && order[i].distance == level; i++ {
			for id := range b.buckets[order[i].prefix] {
				if scored%scanCheckInterval == 0 {
					if err := ctx.Err(); err != nil {
						return nil, err
					}
				}
				scored++
				results = append(results, Result{ID: id, Distance: codec.Hamming(query, b.entries[id])})
			}
		}
	}
	sortResults(results)
	if k < len(results) {
		results = results[:k]
	}
	return results, nil
}

// Within returns every codeword at distance <= maxDistance from query.
func (b *BucketIndex) Within(ctx context.Context, query codec.Codeword, maxDistance int) ([]Result, error) {
	if err := b.codec.Validate(query); err != nil {
		return nil, err
	}
	results := []Result{}
	if maxDistance < 0 {
		return results, nil
	}
	b.mu.RLock()
	defer b.mu.RUnlock()

	qp := b.prefix(query)
	scored := 0
	for p, bucket := range b.buckets {
		if bits.OnesCount32(p^qp) > maxDistance {
			continue
		}
		for id := range bucket {
			if scored%scanCheckInterval == 0 {
				if err := ctx.Err(); err != nil {
					return nil, err
				}
			}
			scored++
			if d := codec.Hamming(query, b.entries[id]); d <= maxDistance {
				results = append(results, Result{ID: id, Distance: d})
			}
		}
	}
	sortResults(results)
	return results, nil
}

// Get returns a copy of the codeword stored for id.
func (b *BucketIndex) Get(id string) (codec.Codeword, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	cw, ok := b.entries[id]
	if !ok {
		return nil, false
	}
	return cw.Clone(), true
}

// Contains reports whether id is indexed.
func (b *BucketIndex) Contains(id string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.entries[id]
	return ok
}

// IDs returns the indexed ids in no particular order.
func (b *BucketIndex) IDs() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	ids := make([]string, 0, len(b.entries))
	for id := range b.entries {
		ids = append(ids, id)
	}
	return ids
}

// Size returns the number of codewords in the index.
func (b *BucketIndex) Size() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.entries)
}

// Buckets returns the number of non-empty buckets.
func (b *BucketIndex) Buckets() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.buckets)
}

// Replace validates entries and swaps them in as the full content.
func (b *BucketIndex) Replace(entries map[string]codec.Codeword) error {
	fresh := &BucketIndex{
		codec:   b.codec,
		bits:    b.bits,
		entries: make(map[string]codec.Codeword, len(entries)),
		buckets: make(map[uint32]map[string]struct{}),
	}
	for id, cw := range entries {
		if err := b.codec.Validate(cw); err != nil {
			return fmt.Errorf("entry %s: %w", id, err)
		}
		fresh.insertLocked(id, cw.Clone())
	}
	b.mu.Lock()
	b.entries, b.buckets = fresh.entries, fresh.buckets
	b.mu.Unlock()
	return nil
}

// Save persists the index to path.
func (b *BucketIndex) Save(path string, generation int64) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return writeSnapshot(path, b.codec, generation, len(b.entries), func(yield func(string, codec.Codeword) bool) {
		for id, cw := range b.entries {
			if !yield(id, cw) {
				return
			}
		}
	})
}

// Load reads the index from path and replaces the in-memory contents.
func (b *BucketIndex) Load(path string) (int64, error) {
	generation, entries, err := readSnapshot(path, b.codec)
	if err != nil || entries == nil {
		return generation, err
	}
	return generation, b.Replace(entries)
}

// Close is a no-op for BucketIndex.
func (b *BucketIndex) Close() error {
	return nil
}

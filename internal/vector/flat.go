package vector

import (
	"context"
	"fmt"
	"sync"

	"github.com/hyperjump/kioku/internal/codec"
	"github.com/hyperjump/kioku/internal/models"
)

// FlatIndex is an exact index that scans every codeword on each query.
// Popcount distance over packed bytes keeps the scan cheap for personal-scale collections.
type FlatIndex struct {
	codec *codec.Codec
	mu    sync.RWMutex
	ids   []string
	codes []codec.Codeword
	slots map[string]int
}

var _ Index = (*FlatIndex)(nil)

// NewFlatIndex creates an empty flat index for codewords of c.
func NewFlatIndex(c *codec.Codec) (*FlatIndex, error) {
	if c == nil {
		return nil, fmt.Errorf("%w: codec is required", models.ErrValidation)
	}
	return &FlatIndex{
		codec: c,
		slots: make(map[string]int),
	}, nil
}

// Type returns the index type identifier.
func (f *FlatIndex) Type() string {
	return string(IndexTypeFlat)
}

// Upsert inserts or replaces the codeword of id.
func (f *FlatIndex) Upsert(ctx context.Context, id string, cw codec.Codeword) error {
	if id == "" {
		return fmt.Errorf("%w: empty id", models.ErrValidation)
	}
	if err := f.codec.Validate(cw); err != nil {
		return err
	}
	cw = cw.Clone()
	f.mu.Lock()
	defer f.mu.Unlock()
	if slot, ok := f.slots[id]; ok {
		f.codes[slot] = cw
		return nil
	}
	f.slots[id] = len(f.ids)
	f.ids = append(f.ids, id)
	f.codes = append(f.codes, cw)
	return nil
}

// Remove deletes id. Removing an absent id is a no-op.
func (f *FlatIndex) Remove(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	slot, ok := f.slots[id]
	if !ok {
		return nil
	}
	last := len(f.ids) - 1
	if slot != last {
		f.ids[slot] = f.ids[last]
		f.codes[slot] = f.codes[last]
		f.slots[f.ids[slot]] = slot
	}
	f.ids = f.ids[:last]
	f.codes[last] = nil
	f.codes = f.codes[:last]
	delete(f.slots, id)
	return nil
}

// KNearest returns the k codewords closest to query.
func (f *FlatIndex) KNearest(ctx context.Context, query codec.Codeword, k int) ([]Result, error) {
	if err := f.codec.Validate(query); err != nil {
		return nil, err
	}
	if k <= 0 {
		return []Result{}, nil
	}
	results, err := f.scan(ctx, query, -1)
	if err != nil {
		return nil, err
	}
	sortResults(results)
	if k < len(results) {
		results = results[:k]
	}
	return results, nil
}

// Within returns every codeword at distance <= maxDistance from query.
func (f *FlatIndex) Within(ctx context.Context, query codec.Codeword, maxDistance int) ([]Result, error) {
	if err := f.codec.Validate(query); err != nil {
		return nil, err
	}
	if maxDistance < 0 {
		return []Result{}, nil
	}
	results, err := f.scan(ctx, query, maxDistance)
	if err != nil {
		return nil, err
	}
	sortResults(results)
	return results, nil
}

// scan scores every entry; a negative maxDistance keeps all of them.
func (f *FlatIndex) scan(ctx context.Context, query codec.Codeword, maxDistance int) ([]Result, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	capacity := len(f.ids)
	if maxDistance >= 0 {
		capacity = 0
	}
	results := make([]Result, 0, capacity)
	for i, cw := range f.codes {
		if i%scanCheckInterval == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		d := codec.Hamming(query, cw)
		if maxDistance >= 0 && d > maxDistance {
			continue
		}
		results = append(results, Result{ID: f.ids[i], Distance: d})
	}
	return results, nil
}

// Get returns a copy of the codeword stored for id.
func (f *FlatIndex) Get(id string) (codec.Codeword, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	slot, ok := f.slots[id]
	if !ok {
		return nil, false
	}
	return f.codes[slot].Clone(), true
}

// Contains reports whether id is indexed.
func (f *FlatIndex) Contains(id string) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	_, ok := f.slots[id]
	return ok
}

// IDs returns the indexed ids in no particular order.
func (f *FlatIndex) IDs() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return append([]string(nil), f.ids...)
}

// Size returns the number of codewords in the index.
func (f *FlatIndex) Size() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.ids)
}

// Replace validates entries and swaps them in as the full content.
func (f *FlatIndex) Replace(entries map[string]codec.Codeword) error {
	ids := make([]string, 0, len(entries))
	codes := make([]codec.Codeword, 0, len(entries))
	slots := make(map[string]int, len(entries))
	for id, cw := range entries {
		if err := f.codec.Validate(cw); err != nil {
			return fmt.Errorf("entry %s: %w", id, err)
		}
		slots[id] = len(ids)
		ids = append(ids, id)
		codes = append(codes, cw.Clone())
	}
	f.mu.Lock()
	f.ids, f.codes, f.slots = ids, codes, slots
	f.mu.Unlock()
	return nil
}

// Save persists the index to path.
func (f *FlatIndex) Save(path string, generation int64) error {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return writeSnapshot(path, f.codec, generation, len(f.ids), func(yield func(string, codec.Codeword) bool) {
		for i, id := range f.ids {
			if !yield(id, f.codes[i]) {
				return
			}
		}
	})
}

// Load reads the index from path and replaces the in-memory contents.
func (f *FlatIndex) Load(path string) (int64, error) {
	generation, entries, err := readSnapshot(path, f.codec)
	if err != nil || entries == nil {
		return generation, err
	}
	return generation, f.Replace(entries)
}

// Close is a no-op for FlatIndex.
func (f *FlatIndex) Close() error {
	return nil
}

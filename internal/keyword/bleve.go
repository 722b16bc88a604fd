// Package keyword provides Bleve implementation of KeywordIndex.
package keyword

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/standard"
	"github.com/blevesearch/bleve/v2/mapping"
	blevequery "github.com/blevesearch/bleve/v2/search/query"
	"github.com/hyperjump/kioku/internal/models"
)

// Indexed field names.
const (
	fieldDescription = "description"
	fieldTags        = "tags"
	fieldFileName    = "filename"
)

// document is the indexed form of an item.
type document struct {
	Description string `json:"description"`
	Tags        string `json:"tags"`
	FileName    string `json:"filename"`
}

// BleveIndex implements KeywordIndex using Bleve.
type BleveIndex struct {
	index bleve.Index
}

var _ KeywordIndex = (*BleveIndex)(nil)

func newMapping() *mapping.IndexMappingImpl {
	im := bleve.NewIndexMapping()

	docMapping := bleve.NewDocumentMapping()
	// Standard analyzer (lowercase + tokenize, no stemming) so words in
	// screenshot text match as typed.
	text := bleve.NewTextFieldMapping()
	text.Analyzer = standard.Name
	docMapping.AddFieldMappingsAt(fieldDescription, text)
	docMapping.AddFieldMappingsAt(fieldTags, text)
	docMapping.AddFieldMappingsAt(fieldFileName, text)
	im.AddDocumentMapping("item", docMapping)
	im.DefaultType = "item"
	im.DefaultMapping = docMapping
	return im
}

// NewBleveIndex creates or opens a Bleve index at path. An empty path creates
// an in-memory index. If the mapping changes, remove the index directory; the
// index is derived data and is repopulated from the store.
func NewBleveIndex(path string) (*BleveIndex, error) {
	if path == "" {
		index, err := bleve.NewMemOnly(newMapping())
		if err != nil {
			return nil, fmt.Errorf("failed to create in-memory Bleve index: %w", err)
		}
		return &BleveIndex{index: index}, nil
	}
	if _, err := os.Stat(path); err == nil {
		index, openErr := bleve.Open(path)
		if openErr != nil {
			return nil, fmt.Errorf("failed to open Bleve index: %w", openErr)
		}
		return &BleveIndex{index: index}, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create keyword index dir: %w", err)
	}
	index, err := bleve.New(path, newMapping())
	if err != nil {
		return nil, fmt.Errorf("failed to create Bleve index: %w", err)
	}
	return &BleveIndex{index: index}, nil
}

// normalizeFileName turns separators into spaces so the standard analyzer
// splits "Screenshot_2024-05-01_invoice.png" into searchable words.
func normalizeFileName(path string) string {
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	return strings.NewReplacer("_", " ", "-", " ", ".", " ").Replace(base)
}

// Index indexes an item by id. Items without a description are indexed by file name only.
func (b *BleveIndex) Index(ctx context.Context, item *models.Item) error {
	doc := document{
		Description: item.DescriptionText(),
		Tags:        strings.Join(item.Tags, " "),
		FileName:    normalizeFileName(item.ImagePath),
	}
	if err := b.index.Index(item.ID, doc); err != nil {
		return fmt.Errorf("index item %s: %w", item.ID, err)
	}
	return nil
}

// Search returns up to limit item ids matching query.
// Description, tag and file name scores are added, with the boosts from opts
// applied to the tag and file name parts. Results are ordered by score
// descending, ties by id.
func (b *BleveIndex) Search(ctx context.Context, query string, limit int, opts *SearchOptions) ([]*KeywordResult, error) {
	if strings.TrimSpace(query) == "" || limit <= 0 {
		return []*KeywordResult{}, nil
	}
	fileBoost, tagBoost := 1.0, 1.0
	fuzzyEnabled := false
	fuzziness := 1
	if opts != nil {
		if opts.FileNameBoost > 0 {
			fileBoost = opts.FileNameBoost
		}
		if opts.TagBoost > 0 {
			tagBoost = opts.TagBoost
		}
		fuzzyEnabled = opts.FuzzyEnabled
		if opts.Fuzziness > 0 {
			fuzziness = opts.Fuzziness
		}
	}

	// Request enough from each field so the merged top "limit" is correct.
	reqSize := limit * 2
	if reqSize < 50 {
		reqSize = 50
	}
	fields := []struct {
		name  string
		boost float64
	}{
		{fieldDescription, 1.0},
		{fieldTags, tagBoost},
		{fieldFileName, fileBoost},
	}
	scores := make(map[string]float64)
	for _, f := range fields {
		var q blevequery.Query
		if fuzzyEnabled {
			q = buildFuzzyQuery(query, fuzziness, f.name)
		} else {
			mq := bleve.NewMatchQuery(query)
			mq.SetField(f.name)
			q = mq
		}
		req := bleve.NewSearchRequest(q)
		req.Size = reqSize
		res, err := b.index.SearchInContext(ctx, req)
		if err != nil {
			return nil, fmt.Errorf("Bleve %s search failed: %w", f.name, err)
		}
		for _, hit := range res.Hits {
			scores[hit.ID] += hit.Score * f.boost
		}
	}

	out := make([]*KeywordResult, 0, len(scores))
	for id, score := range scores {
		out = append(out, &KeywordResult{ID: id, Score: score})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].ID < out[j].ID
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// tokenizeQuery splits query into lowercase terms, filtering out empty strings.
func tokenizeQuery(query string) []string {
	words := strings.Fields(strings.ToLower(query))
	terms := make([]string, 0, len(words))
	for _, w := range words {
		w = strings.Trim(w, ".,:;!?\"'()[]")
		if w != "" {
			terms = append(terms, w)
		}
	}
	return terms
}

// buildFuzzyQuery creates a disjunction of FuzzyQueries for each term in the query,
// restricted to field.
func buildFuzzyQuery(queryStr string, fuzziness int, field string) blevequery.Query {
	terms := tokenizeQuery(queryStr)
	if len(terms) == 0 {
		mq := bleve.NewMatchQuery(queryStr)
		mq.SetField(field)
		return mq
	}
	queries := make([]blevequery.Query, 0, len(terms))
	for _, term := range terms {
		fq := bleve.NewFuzzyQuery(term)
		fq.SetFuzziness(fuzziness)
		fq.SetField(field)
		queries = append(queries, fq)
	}
	if len(queries) == 1 {
		return queries[0]
	}
	// any term can match, like MatchQuery
	return bleve.NewDisjunctionQuery(queries...)
}

// Delete removes an item from the index. Deleting an absent id is a no-op.
func (b *BleveIndex) Delete(ctx context.Context, id string) error {
	return b.index.Delete(id)
}

// Close closes the Bleve index.
func (b *BleveIndex) Close() error {
	return b.index.Close()
}

// DocCount returns the total number of items in the index.
func (b *BleveIndex) DocCount() (uint64, error) {
	return b.index.DocCount()
}

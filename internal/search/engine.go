// Package search answers text queries and "explore similar" requests over the
// vector index, the similarity graph and the keyword index.
package search

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hyperjump/kioku/internal/codec"
	"github.com/hyperjump/kioku/internal/config"
	"github.com/hyperjump/kioku/internal/embedding"
	"github.com/hyperjump/kioku/internal/graph"
	"github.com/hyperjump/kioku/internal/keyword"
	"github.com/hyperjump/kioku/internal/models"
	"github.com/hyperjump/kioku/internal/storage"
	"github.com/hyperjump/kioku/internal/vector"
	"go.uber.org/zap"
)

// Explore sources reported in ExploreResponse.Source.
const (
	SourceGraph = "graph"
	SourceLive  = "live"
)

// Engine runs semantic, keyword and explore queries.
type Engine struct {
	storage      storage.Storage
	embedder     embedding.Embedder
	codec        *codec.Codec
	vectorIndex  vector.Index
	graph        *graph.Builder
	keywordIndex keyword.KeywordIndex
	config       *config.SearchConfig
	queryPrefix  string
	logger       *zap.Logger
	now          func() time.Time

	onInconsistency func(error)
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithQueryPrefix sets the instruction prepended to queries before embedding.
func WithQueryPrefix(prefix string) Option {
	return func(e *Engine) { e.queryPrefix = prefix }
}

// WithKeywordIndex enables keyword search.
func WithKeywordIndex(k keyword.KeywordIndex) Option {
	return func(e *Engine) { e.keywordIndex = k }
}

// WithInconsistencyHandler is called when the index and the store disagree.
// The handler must not block; it is expected to schedule a rebuild.
func WithInconsistencyHandler(fn func(error)) Option {
	return func(e *Engine) { e.onInconsistency = fn }
}

// WithClock overrides the clock used to resolve named time filters.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// NewEngine creates a search engine with the given dependencies.
func NewEngine(
	storage storage.Storage,
	embedder embedding.Embedder,
	c *codec.Codec,
	vectorIndex vector.Index,
	g *graph.Builder,
	cfg *config.SearchConfig,
	opts ...Option,
) *Engine {
	if cfg == nil {
		cfg = &config.SearchConfig{}
	}
	e := &Engine{
		storage:     storage,
		embedder:    embedder,
		codec:       c,
		vectorIndex: vectorIndex,
		graph:       g,
		config:      cfg,
		queryPrefix: embedding.DefaultQueryPrefix,
		logger:      zap.NewNop(),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Engine) applyLimits(q *models.SearchQuery) {
	if q.Limit <= 0 && e.config.DefaultLimit > 0 {
		q.Limit = e.config.DefaultLimit
	}
	if e.config.MaxLimit > 0 && q.Limit > e.config.MaxLimit {
		q.Limit = e.config.MaxLimit
	}
}

// Search dispatches on the query mode. An empty query lists the most recent
// captures that pass the filters.
func (e *Engine) Search(ctx context.Context, q *models.SearchQuery) (*models.SearchResponse, error) {
	if q == nil {
		return nil, fmt.Errorf("%w: nil query", models.ErrValidation)
	}
	e.applyLimits(q)
	if strings.TrimSpace(q.Query) == "" {
		return e.recent(ctx, q)
	}
	if err := q.Validate(); err != nil {
		return nil, err
	}
	if q.Mode == models.SearchModeKeyword {
		return e.keyword(ctx, q)
	}
	return e.semantic(ctx, q)
}

// SearchByText returns up to limit items ordered by descending similarity to
// text, ties by ascending item id. An empty index yields no hits.
func (e *Engine) SearchByText(ctx context.Context, text string, limit int) ([]*models.Hit, error) {
	q := &models.SearchQuery{Query: text, Mode: models.SearchModeSemantic, Limit: limit}
	e.applyLimits(q)
	if err := q.Validate(); err != nil {
		return nil, err
	}
	resp, err := e.semantic(ctx, q)
	if err != nil {
		return nil, err
	}
	return resp.Hits, nil
}

func (e *Engine) semantic(ctx context.Context, q *models.SearchQuery) (*models.SearchResponse, error) {
	start := time.Now()
	resp := &models.SearchResponse{Hits: []*models.Hit{}, Mode: models.SearchModeSemantic, Query: q.Query}
	from, to, err := q.Window(e.now())
	if err != nil {
		return nil, err
	}
	size := e.vectorIndex.Size()
	if size == 0 {
		resp.QueryTime = time.Since(start).Milliseconds()
		return resp, nil
	}

	cw, err := e.encodeQuery(ctx, q.Query)
	if err != nil {
		return nil, err
	}

	filtered := len(q.Tags) > 0 || !from.IsZero() || !to.IsZero()
	var results []vector.Result
	switch {
	case q.MinSimilarity > 0:
		results, err = e.vectorIndex.Within(ctx, cw, e.codec.MaxDistance(q.MinSimilarity))
	case filtered:
		results, err = e.vectorIndex.KNearest(ctx, cw, size)
	default:
		results, err = e.vectorIndex.KNearest(ctx, cw, q.Offset+q.Limit)
	}
	if err != nil {
		return nil, fmt.Errorf("vector search failed: %w", err)
	}

	hits, err := e.join(ctx, results)
	if err != nil {
		return nil, err
	}
	matched := hits[:0]
	for _, h := range hits {
		if matchesFilters(h.Item, q.Tags, from, to) {
			matched = append(matched, h)
		}
	}

	resp.Total = len(matched)
	if !filtered && q.MinSimilarity == 0 {
		resp.Total = size
	}
	resp.Hits = page(matched, q.Offset, q.Limit)
	resp.QueryTime = time.Since(start).Milliseconds()
	return resp, nil
}

func (e *Engine) encodeQuery(ctx context.Context, text string) (codec.Codeword, error) {
	vec, err := e.embedder.Embed(ctx, embedding.QueryText(e.queryPrefix, text))
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		if errors.Is(err, models.ErrExternalService) || errors.Is(err, models.ErrValidation) {
			return nil, fmt.Errorf("embed query: %w", err)
		}
		return nil, fmt.Errorf("%w: embed query: %w", models.ErrExternalService, err)
	}
	cw, err := e.codec.Encode(vec)
	if err != nil {
		return nil, fmt.Errorf("encode query: %w", err)
	}
	return cw, nil
}

// join loads the items behind index results, keeping their order. An id the
// index still holds but the store lacks is an inconsistency; ids removed from
// both while the query ran are skipped.
func (e *Engine) join(ctx context.Context, results []vector.Result) ([]*models.Hit, error) {
	ids := make([]string, len(results))
	for i, r := range results {
		ids[i] = r.ID
	}
	items, err := e.storage.GetItems(ctx, ids)
	if err != nil {
		return nil, err
	}
	hits := make([]*models.Hit, 0, len(results))
	for _, r := range results {
		item, ok := items[r.ID]
		if !ok {
			if e.vectorIndex.Contains(r.ID) {
				return nil, e.inconsistent(fmt.Errorf("%w: indexed item %s has no metadata", models.ErrConsistency, r.ID))
			}
			continue
		}
		hits = append(hits, &models.Hit{
			Item:       item,
			Similarity: e.codec.Similarity(r.Distance),
			Distance:   r.Distance,
		})
	}
	return hits, nil
}

func (e *Engine) inconsistent(err error) error {
	e.logger.Error("index and store disagree", zap.Error(err))
	if e.onInconsistency != nil {
		e.onInconsistency(err)
	}
	return err
}

func matchesFilters(item *models.Item, tags []string, from, to time.Time) bool {
	if !from.IsZero() && item.CapturedAt.Before(from) {
		return false
	}
	if !to.IsZero() && item.CapturedAt.After(to) {
		return false
	}
	if len(tags) == 0 {
		return true
	}
	for _, t := range tags {
		if item.HasTag(t) {
			return true
		}
	}
	return false
}

// ExploreFrom returns up to limit neighbors of id by descending similarity,
// ties by ascending id. Materialized graph edges are used when the item has
// any; otherwise a live k-NN query filtered by the graph threshold answers.
// An item with no qualifying neighbor yields an empty list.
func (e *Engine) ExploreFrom(ctx context.Context, id string, limit int) (*models.ExploreResponse, error) {
	if limit <= 0 {
		limit = e.config.ExploreLimit
	}
	if limit <= 0 {
		limit = graph.DefaultMaxNeighbors
	}
	if e.config.MaxLimit > 0 && limit > e.config.MaxLimit {
		limit = e.config.MaxLimit
	}
	if _, err := e.storage.GetItem(ctx, id); err != nil {
		return nil, err
	}
	resp := &models.ExploreResponse{ItemID: id, Hits: []*models.Hit{}, Source: SourceGraph}

	if e.graph != nil {
		neighbors, err := e.graph.NeighborsOf(ctx, id)
		switch {
		case err == nil && len(neighbors) > 0:
			results := make([]vector.Result, 0, len(neighbors))
			for _, n := range neighbors {
				results = append(results, vector.Result{ID: n.ID, Distance: n.Distance})
			}
			hits, err := e.join(ctx, results)
			if err != nil {
				return nil, err
			}
			resp.Hits = page(hits, 0, limit)
			return resp, nil
		case err == nil, errors.Is(err, models.ErrNotFound):
		default:
			return nil, err
		}
	}

	resp.Source = SourceLive
	cw, ok := e.vectorIndex.Get(id)
	if !ok {
		// committed but not indexed yet, or not embedded at all
		stored, err := e.storage.GetVector(ctx, id)
		switch {
		case errors.Is(err, models.ErrNotFound):
			return resp, nil
		case err != nil:
			return nil, err
		}
		cw = codec.Codeword(stored)
	}
	results, err := e.vectorIndex.KNearest(ctx, cw, limit+1)
	if err != nil {
		return nil, fmt.Errorf("vector search failed: %w", err)
	}
	maxDist := e.codec.Dimension()
	if e.graph != nil {
		maxDist = e.graph.MaxDistance()
	}
	kept := results[:0]
	for _, r := range results {
		if r.ID != id && r.Distance <= maxDist {
			kept = append(kept, r)
		}
	}
	hits, err := e.join(ctx, kept)
	if err != nil {
		return nil, err
	}
	resp.Hits = page(hits, 0, limit)
	return resp, nil
}

func (e *Engine) keyword(ctx context.Context, q *models.SearchQuery) (*models.SearchResponse, error) {
	start := time.Now()
	if e.keywordIndex == nil {
		return nil, fmt.Errorf("%w: keyword search is not enabled", models.ErrValidation)
	}
	from, to, err := q.Window(e.now())
	if err != nil {
		return nil, err
	}
	filtered := len(q.Tags) > 0 || !from.IsZero() || !to.IsZero() || q.MinSimilarity > 0
	want := q.Offset + q.Limit
	if filtered {
		n, err := e.keywordIndex.DocCount()
		if err != nil {
			return nil, fmt.Errorf("keyword search failed: %w", err)
		}
		want = max(want, int(n))
	}
	results, err := e.keywordIndex.Search(ctx, q.Query, want, &keyword.SearchOptions{
		FileNameBoost: e.config.FileNameBoost,
		TagBoost:      e.config.TagBoost,
		FuzzyEnabled:  e.config.FuzzyEnabled,
		Fuzziness:     e.config.Fuzziness,
	})
	if err != nil {
		return nil, fmt.Errorf("keyword search failed: %w", err)
	}
	scores := NormalizeKeywordScores(results)
	ids := make([]string, len(results))
	for i, r := range results {
		ids[i] = r.ID
	}
	items, err := e.storage.GetItems(ctx, ids)
	if err != nil {
		return nil, err
	}

	hits := make([]*models.Hit, 0, len(results))
	for _, r := range results {
		item, ok := items[r.ID]
		if !ok {
			// stale keyword document; the store is authoritative
			_ = e.keywordIndex.Delete(ctx, r.ID)
			continue
		}
		score := scores[r.ID]
		if score < q.MinSimilarity || !matchesFilters(item, q.Tags, from, to) {
			continue
		}
		hits = append(hits, &models.Hit{Item: item, Similarity: score, Distance: -1})
	}
	return &models.SearchResponse{
		Hits:      page(hits, q.Offset, q.Limit),
		Total:     len(hits),
		Mode:      models.SearchModeKeyword,
		QueryTime: time.Since(start).Milliseconds(),
		Query:     q.Query,
	}, nil
}

func (e *Engine) recent(ctx context.Context, q *models.SearchQuery) (*models.SearchResponse, error) {
	start := time.Now()
	if q.Limit <= 0 {
		q.Limit = models.DefaultSearchLimit
	}
	if q.Offset < 0 {
		q.Offset = 0
	}
	q.Tags = models.NormalizeTags(q.Tags)
	from, to, err := q.Window(e.now())
	if err != nil {
		return nil, err
	}
	list, err := e.storage.ListItems(ctx, models.ItemFilter{
		Tags:   q.Tags,
		From:   from,
		To:     to,
		Offset: q.Offset,
		Limit:  q.Limit,
	})
	if err != nil {
		return nil, err
	}
	hits := make([]*models.Hit, 0, len(list.Items))
	for i, item := range list.Items {
		hits = append(hits, &models.Hit{Item: item, Distance: -1, Rank: q.Offset + i + 1})
	}
	return &models.SearchResponse{
		Hits:      hits,
		Total:     list.Total,
		Mode:      models.SearchModeRecent,
		QueryTime: time.Since(start).Milliseconds(),
	}, nil
}

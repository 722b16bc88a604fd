package search

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hyperjump/kioku/internal/codec"
	"github.com/hyperjump/kioku/internal/config"
	"github.com/hyperjump/kioku/internal/embedding"
	"github.com/hyperjump/kioku/internal/graph"
	"github.com/hyperjump/kioku/internal/keyword"
	"github.com/hyperjump/kioku/internal/models"
	"github.com/hyperjump/kioku/internal/pipeline"
	"github.com/hyperjump/kioku/internal/storage"
	"github.com/hyperjump/kioku/internal/vector"
	"github.com/hyperjump/kioku/internal/vision"
)

const testDim = 256

// textDescriber describes an image by a fixed text keyed by file name.
type textDescriber map[string]vision.Description

func (d textDescriber) Describe(ctx context.Context, req vision.Request) (vision.Description, error) {
	desc, ok := d[filepath.Base(req.ImagePath)]
	if !ok {
		return vision.Description{}, fmt.Errorf("%w: no description for %s", models.ErrExternalService, req.ImagePath)
	}
	return desc, nil
}

type failingEmbedder struct{ dim int }

func (f failingEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	return nil, errors.New("connection refused")
}
func (f failingEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	return nil, errors.New("connection refused")
}
func (f failingEmbedder) Dimensions() int { return f.dim }
func (f failingEmbedder) Close() error    { return nil }

type fixture struct {
	store    *storage.SQLiteStorage
	codec    *codec.Codec
	index    vector.Index
	keywords *keyword.BleveIndex
	graph    *graph.Builder
	pipe     *pipeline.Pipeline
	engine   *Engine
	ids      map[string]string // file name -> item id

	mu       sync.Mutex
	reported []error
}

func newFixture(t *testing.T, descs textDescriber, threshold float64, withGraph bool) *fixture {
	t.Helper()
	store, err := storage.NewSQLiteStorage(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = store.Close() })
	c, _ := codec.New(testDim)
	idx, _ := vector.NewFlatIndex(c)
	kw, err := keyword.NewBleveIndex("")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = kw.Close() })

	f := &fixture{store: store, codec: c, index: idx, keywords: kw, ids: map[string]string{}}
	emb := embedding.NewMockEmbedder(testDim)
	opts := []pipeline.Option{pipeline.WithKeywordIndex(kw)}
	if withGraph {
		f.graph, err = graph.NewBuilder(idx, c, graph.Config{Threshold: threshold})
		if err != nil {
			t.Fatal(err)
		}
		opts = append(opts, pipeline.WithGraph(f.graph))
	}
	f.pipe, err = pipeline.New(store, descs, emb, c, idx, pipeline.Config{TaggingEnabled: true}, opts...)
	if err != nil {
		t.Fatal(err)
	}
	f.engine = NewEngine(store, emb, c, idx, f.graph, &config.SearchConfig{DefaultLimit: 42, MaxLimit: 500, ExploreLimit: 20},
		WithQueryPrefix(""),
		WithKeywordIndex(kw),
		WithInconsistencyHandler(func(err error) {
			f.mu.Lock()
			f.reported = append(f.reported, err)
			f.mu.Unlock()
		}))
	return f
}

func (f *fixture) add(t *testing.T, name string, capturedAt time.Time) string {
	t.Helper()
	ctx := context.Background()
	item, _, err := f.pipe.Ingest(ctx, models.ItemInput{ImagePath: "/shots/" + name, CapturedAt: capturedAt})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.pipe.Process(ctx, item.ID); err != nil {
		t.Fatal(err)
	}
	f.ids[name] = item.ID
	return item.ID
}

func (f *fixture) reports() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.reported)
}

var corpus = textDescriber{
	"bike-a.png":  {Text: "red bicycle parked on a city street", Tags: []string{"photo"}},
	"bike-b.png":  {Text: "red bicycle parked on a city street", Tags: []string{"photo"}},
	"code.png":    {Text: "terminal window running go unit tests", Tags: []string{"code"}},
	"ocean.png":   {Text: "blue ocean waves under a cloudy sky", Tags: []string{"photo"}},
	"invoice.png": {Text: "invoice table with totals and tax", Tags: []string{"document"}},
}

func TestEngine_EmptyIndexVersusUnknownItem(t *testing.T) {
	f := newFixture(t, corpus, 0.5, true)
	f.engine.embedder = failingEmbedder{dim: testDim}
	ctx := context.Background()

	hits, err := f.engine.SearchByText(ctx, "anything", 10)
	if err != nil {
		t.Fatalf("empty index must not fail: %v", err)
	}
	if hits == nil || len(hits) != 0 {
		t.Errorf("expected empty non-nil hits, got %v", hits)
	}

	if _, err := f.engine.ExploreFrom(ctx, "no-such-item", 5); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("ExploreFrom unknown id: expected ErrNotFound, got %v", err)
	}
}

func TestEngine_IdenticalEmbeddingsTieByID(t *testing.T) {
	f := newFixture(t, corpus, 0.5, true)
	f.engine.queryPrefix = embedding.DefaultQueryPrefix
	now := time.Now()
	for _, name := range []string{"code.png", "bike-b.png", "ocean.png", "bike-a.png", "invoice.png"} {
		f.add(t, name, now)
	}

	hits, err := f.engine.SearchByText(context.Background(), "red bicycle parked on a city street", 3)
	if err != nil {
		t.Fatal(err)
	}
	if len(hits) != 3 {
		t.Fatalf("got %d hits, want 3", len(hits))
	}
	a, b := f.ids["bike-a.png"], f.ids["bike-b.png"]
	first, second := min(a, b), max(a, b)
	if hits[0].Item.ID != first || hits[1].Item.ID != second {
		t.Errorf("top hits = %s, %s; want %s, %s", hits[0].Item.ID, hits[1].Item.ID, first, second)
	}
	if hits[0].Similarity != hits[1].Similarity {
		t.Errorf("identical embeddings must score equally: %v vs %v", hits[0].Similarity, hits[1].Similarity)
	}
	if hits[2].Similarity > hits[1].Similarity {
		t.Errorf("hits not in descending similarity: %v", hits)
	}
	for i, h := range hits {
		if h.Rank != i+1 {
			t.Errorf("hit %d has rank %d", i, h.Rank)
		}
	}
}

func TestEngine_SearchFilters(t *testing.T) {
	f := newFixture(t, corpus, 0.5, true)
	now := time.Date(2024, 6, 12, 15, 0, 0, 0, time.UTC) // a Wednesday
	f.engine.now = func() time.Time { return now }
	f.add(t, "bike-a.png", now.Add(-1*time.Hour))
	f.add(t, "code.png", now.Add(-26*time.Hour))
	f.add(t, "ocean.png", now.AddDate(0, 0, -10))
	f.add(t, "invoice.png", now.Add(-2*time.Hour))
	ctx := context.Background()

	resp, err := f.engine.Search(ctx, &models.SearchQuery{Query: "picture", Tags: []string{"PHOTO"}})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Total != 2 {
		t.Errorf("tag filter: total = %d, want 2", resp.Total)
	}
	for _, h := range resp.Hits {
		if !h.Item.HasTag("photo") {
			t.Errorf("hit %s lacks tag photo", h.Item.ImagePath)
		}
	}

	resp, err = f.engine.Search(ctx, &models.SearchQuery{Query: "picture", TimeFilter: models.TimeFilterToday})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Total != 2 {
		t.Errorf("today: total = %d, want 2", resp.Total)
	}

	resp, err = f.engine.Search(ctx, &models.SearchQuery{Query: "picture", TimeFilter: models.TimeFilterYesterday})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Total != 1 || resp.Hits[0].Item.ID != f.ids["code.png"] {
		t.Errorf("yesterday: got %+v", resp.Hits)
	}

	resp, err = f.engine.Search(ctx, &models.SearchQuery{Query: "picture", TimeFilter: models.TimeFilterThisWeek, Tags: []string{"photo", "code"}})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Total != 2 {
		t.Errorf("this week with any-of tags: total = %d, want 2", resp.Total)
	}

	resp, err = f.engine.Search(ctx, &models.SearchQuery{Query: "picture", Limit: 1, Offset: 1})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Total != 4 || len(resp.Hits) != 1 || resp.Hits[0].Rank != 2 {
		t.Errorf("paging: total=%d hits=%d", resp.Total, len(resp.Hits))
	}

	if _, err := f.engine.Search(ctx, &models.SearchQuery{Query: "x", TimeFilter: "last_decade"}); !errors.Is(err, models.ErrValidation) {
		t.Errorf("unknown time filter: expected ErrValidation, got %v", err)
	}
}

func TestEngine_MinSimilarity(t *testing.T) {
	f := newFixture(t, corpus, 0.5, true)
	now := time.Now()
	for name := range corpus {
		f.add(t, name, now)
	}
	resp, err := f.engine.Search(context.Background(), &models.SearchQuery{
		Query:         "terminal window running go unit tests code",
		MinSimilarity: 0.65,
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(resp.Hits) == 0 || resp.Hits[0].Item.ID != f.ids["code.png"] {
		t.Fatalf("expected code.png on top, got %+v", resp.Hits)
	}
	for _, h := range resp.Hits {
		if h.Similarity < 0.65 {
			t.Errorf("hit below min similarity: %v", h.Similarity)
		}
	}
}

func TestEngine_EmbeddingFailureIsExternal(t *testing.T) {
	f := newFixture(t, corpus, 0.5, true)
	f.add(t, "code.png", time.Now())
	f.engine.embedder = failingEmbedder{dim: testDim}
	_, err := f.engine.SearchByText(context.Background(), "terminal", 5)
	if !errors.Is(err, models.ErrExternalService) {
		t.Errorf("expected ErrExternalService, got %v", err)
	}
}

func TestEngine_IndexWithoutMetadataIsInconsistent(t *testing.T) {
	f := newFixture(t, corpus, 0.5, true)
	f.add(t, "code.png", time.Now())
	cw, _ := f.index.Get(f.ids["code.png"])
	if err := f.index.Upsert(context.Background(), "ghost", cw); err != nil {
		t.Fatal(err)
	}
	_, err := f.engine.SearchByText(context.Background(), "terminal window running go unit tests", 5)
	if !errors.Is(err, models.ErrConsistency) {
		t.Fatalf("expected ErrConsistency, got %v", err)
	}
	if f.reports() != 1 {
		t.Errorf("inconsistency reported %d times, want 1", f.reports())
	}
}

func TestEngine_ExploreFromGraph(t *testing.T) {
	f := newFixture(t, corpus, 0.9, true)
	now := time.Now()
	for name := range corpus {
		f.add(t, name, now)
	}
	ctx := context.Background()

	resp, err := f.engine.ExploreFrom(ctx, f.ids["bike-a.png"], 5)
	if err != nil {
		t.Fatal(err)
	}
	if resp.Source != SourceGraph {
		t.Errorf("source = %s, want graph", resp.Source)
	}
	if len(resp.Hits) != 1 || resp.Hits[0].Item.ID != f.ids["bike-b.png"] || resp.Hits[0].Similarity != 1 {
		t.Errorf("expected bike-b as the only neighbor, got %+v", resp.Hits)
	}

	// nothing reaches the threshold: an empty result, not an error
	resp, err = f.engine.ExploreFrom(ctx, f.ids["invoice.png"], 5)
	if err != nil {
		t.Fatal(err)
	}
	if len(resp.Hits) != 0 {
		t.Errorf("expected no neighbors, got %+v", resp.Hits)
	}
}

func TestEngine_ExploreFromLiveFallback(t *testing.T) {
	f := newFixture(t, corpus, 0, false)
	now := time.Now()
	for name := range corpus {
		f.add(t, name, now)
	}
	resp, err := f.engine.ExploreFrom(context.Background(), f.ids["code.png"], 3)
	if err != nil {
		t.Fatal(err)
	}
	if resp.Source != SourceLive {
		t.Errorf("source = %s, want live", resp.Source)
	}
	if len(resp.Hits) != 3 {
		t.Fatalf("got %d hits, want 3", len(resp.Hits))
	}
	for i, h := range resp.Hits {
		if h.Item.ID == f.ids["code.png"] {
			t.Error("explore must not return the item itself")
		}
		if i > 0 && h.Similarity > resp.Hits[i-1].Similarity {
			t.Errorf("hits not in descending similarity")
		}
	}
}

func TestEngine_ExploreAheadOfGraphUpdateFallsBackQuietly(t *testing.T) {
	f := newFixture(t, corpus, 0.9, true)
	now := time.Now()
	f.add(t, "bike-a.png", now)
	ctx := context.Background()
	if err := f.graph.EnsureBuilt(ctx); err != nil {
		t.Fatal(err)
	}

	// indexed, but the graph has not heard of it yet
	other, err := pipeline.New(f.store, corpus, embedding.NewMockEmbedder(testDim), f.codec, f.index, pipeline.Config{TaggingEnabled: true})
	if err != nil {
		t.Fatal(err)
	}
	item, _, err := other.Ingest(ctx, models.ItemInput{ImagePath: "/shots/bike-b.png"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := other.Process(ctx, item.ID); err != nil {
		t.Fatal(err)
	}

	resp, err := f.engine.ExploreFrom(ctx, item.ID, 5)
	if err != nil {
		t.Fatal(err)
	}
	if resp.Source != SourceLive {
		t.Errorf("source = %s, want live", resp.Source)
	}
	if len(resp.Hits) != 1 || resp.Hits[0].Item.ID != f.ids["bike-a.png"] {
		t.Errorf("expected bike-a from the live query, got %+v", resp.Hits)
	}
	if f.reports() != 0 {
		t.Errorf("a pending graph update is not an inconsistency, got %d reports", f.reports())
	}
}

func TestEngine_ExploreCommittedButUnindexedUsesStoredCodeword(t *testing.T) {
	f := newFixture(t, corpus, 0.9, true)
	f.add(t, "bike-a.png", time.Now())
	ctx := context.Background()

	// committed to the store through a pipeline whose index is not the engine's
	side, _ := vector.NewFlatIndex(f.codec)
	other, err := pipeline.New(f.store, corpus, embedding.NewMockEmbedder(testDim), f.codec, side, pipeline.Config{TaggingEnabled: true})
	if err != nil {
		t.Fatal(err)
	}
	item, _, err := other.Ingest(ctx, models.ItemInput{ImagePath: "/shots/bike-b.png"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := other.Process(ctx, item.ID); err != nil {
		t.Fatal(err)
	}
	if f.index.Contains(item.ID) {
		t.Fatal("item should not be in the engine's index")
	}

	resp, err := f.engine.ExploreFrom(ctx, item.ID, 5)
	if err != nil {
		t.Fatal(err)
	}
	if len(resp.Hits) != 1 || resp.Hits[0].Item.ID != f.ids["bike-a.png"] || resp.Hits[0].Similarity != 1 {
		t.Errorf("expected bike-a at similarity 1, got %+v", resp.Hits)
	}
}

func TestEngine_ExplorePendingItemIsEmpty(t *testing.T) {
	f := newFixture(t, corpus, 0.5, true)
	f.add(t, "code.png", time.Now())
	item, _, err := f.pipe.Ingest(context.Background(), models.ItemInput{ImagePath: "/shots/ocean.png"})
	if err != nil {
		t.Fatal(err)
	}
	resp, err := f.engine.ExploreFrom(context.Background(), item.ID, 5)
	if err != nil {
		t.Fatal(err)
	}
	if len(resp.Hits) != 0 {
		t.Errorf("pending item has no neighbors, got %+v", resp.Hits)
	}
}

func TestEngine_KeywordSearch(t *testing.T) {
	f := newFixture(t, corpus, 0.5, true)
	now := time.Now()
	for name := range corpus {
		f.add(t, name, now)
	}
	resp, err := f.engine.Search(context.Background(), &models.SearchQuery{Query: "invoice totals", Mode: models.SearchModeKeyword})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Mode != models.SearchModeKeyword || len(resp.Hits) == 0 {
		t.Fatalf("unexpected response %+v", resp)
	}
	if resp.Hits[0].Item.ID != f.ids["invoice.png"] || resp.Hits[0].Similarity != 1 {
		t.Errorf("expected invoice.png first with normalized score 1, got %+v", resp.Hits[0])
	}

	f.engine.keywordIndex = nil
	if _, err := f.engine.Search(context.Background(), &models.SearchQuery{Query: "x", Mode: models.SearchModeKeyword}); !errors.Is(err, models.ErrValidation) {
		t.Errorf("disabled keyword search: expected ErrValidation, got %v", err)
	}
}

func TestEngine_EmptyQueryListsRecent(t *testing.T) {
	f := newFixture(t, corpus, 0.5, true)
	now := time.Now().UTC()
	f.add(t, "ocean.png", now.Add(-3*time.Hour))
	f.add(t, "code.png", now.Add(-1*time.Hour))
	f.add(t, "bike-a.png", now.Add(-2*time.Hour))

	resp, err := f.engine.Search(context.Background(), &models.SearchQuery{Query: "   "})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Mode != models.SearchModeRecent || resp.Total != 3 {
		t.Fatalf("unexpected response %+v", resp)
	}
	var got []string
	for _, h := range resp.Hits {
		got = append(got, filepath.Base(h.Item.ImagePath))
	}
	if strings.Join(got, ",") != "code.png,bike-a.png,ocean.png" {
		t.Errorf("recent order = %v", got)
	}
}

func TestNormalizeKeywordScores(t *testing.T) {
	got := NormalizeKeywordScores([]*keyword.KeywordResult{{ID: "a", Score: 2}, {ID: "b", Score: 4}, {ID: "c", Score: 0}})
	if got["a"] != 0.5 || got["b"] != 1 || got["c"] != 0 {
		t.Errorf("NormalizeKeywordScores = %v", got)
	}
	if len(NormalizeKeywordScores(nil)) != 0 {
		t.Error("expected empty map")
	}
}

package app

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hyperjump/kioku/internal/codec"
	"github.com/hyperjump/kioku/internal/config"
	"github.com/hyperjump/kioku/internal/models"
	"github.com/hyperjump/kioku/internal/vision"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func testConfig(t *testing.T, dir string) *config.Config {
	t.Helper()
	noPrefix := ""
	cfg := &config.Config{}
	cfg.Storage.DatabasePath = filepath.Join(dir, "db", "kioku.db")
	cfg.Storage.KeywordIndexPath = filepath.Join(dir, "indices", "bleve")
	cfg.Storage.VectorSnapshotPath = filepath.Join(dir, "indices", "vectors.kqix")
	cfg.Embedding.Provider = "mock"
	cfg.Embedding.Dimensions = 256
	cfg.Embedding.QueryPrefix = &noPrefix
	cfg.Vision.Provider = "mock"
	cfg.Vision.TaggingEnabled = true
	cfg.Vision.Vocabulary = []string{"bike", "invoice", "code"}
	threshold := 0.5
	cfg.Graph.Threshold = &threshold
	config.ApplyDefaults(cfg)
	require.NoError(t, cfg.Validate())
	return cfg
}

func openApp(t *testing.T, cfg *config.Config, opts ...Option) *App {
	t.Helper()
	a, err := New(context.Background(), cfg, zaptest.NewLogger(t), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	return a
}

func ingestAndProcess(t *testing.T, a *App, path string) *models.Item {
	t.Helper()
	ctx := context.Background()
	item, created, err := a.Ingest(ctx, models.ItemInput{ImagePath: path})
	require.NoError(t, err)
	require.True(t, created)
	res, err := a.Process(ctx, item.ID)
	require.NoError(t, err)
	require.Equal(t, models.StatusEmbedded, res.Status)
	return item
}

func TestApp_IngestSearchExploreDelete(t *testing.T) {
	a := openApp(t, testConfig(t, t.TempDir()))
	ctx := context.Background()

	bike := ingestAndProcess(t, a, "/shots/red-bike-downhill.png")
	other := ingestAndProcess(t, a, "/shots/red-bike-uphill.png")
	invoice := ingestAndProcess(t, a, "/shots/monthly-invoice-pdf.png")

	got, err := a.GetItem(ctx, bike.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"bike"}, got.Tags)
	assert.Equal(t, "screenshot of red bike downhill", got.DescriptionText())

	hits, err := a.SearchByText(ctx, "monthly invoice", 2)
	require.NoError(t, err)
	require.NotEmpty(t, hits)
	assert.Equal(t, invoice.ID, hits[0].Item.ID)

	explore, err := a.Explore(ctx, bike.ID, 5)
	require.NoError(t, err)
	require.NotEmpty(t, explore.Hits)
	assert.Equal(t, other.ID, explore.Hits[0].Item.ID)

	tags, err := a.Tags(ctx)
	require.NoError(t, err)
	assert.Contains(t, tags, models.TagCount{Tag: "bike", Count: 2})

	require.NoError(t, a.Delete(ctx, other.ID))
	_, err = a.GetItem(ctx, other.ID)
	assert.ErrorIs(t, err, models.ErrNotFound)
	assert.False(t, a.index.Contains(other.ID))

	view, err := a.Graph(ctx)
	require.NoError(t, err)
	assert.NotContains(t, view.Nodes, other.ID)
}

func TestApp_RestartRestoresSnapshot(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(t, dir)
	a, err := New(context.Background(), cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	first := ingestAndProcess(t, a, "/shots/code-review.png")
	ingestAndProcess(t, a, "/shots/code-diff.png")
	require.NoError(t, a.Close())
	require.FileExists(t, cfg.Storage.VectorSnapshotPath)

	b := openApp(t, cfg)
	assert.Equal(t, 2, b.index.Size())
	hits, err := b.SearchByText(context.Background(), "code review", 1)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, first.ID, hits[0].Item.ID)

	docs, err := b.keywords.DocCount()
	require.NoError(t, err)
	assert.EqualValues(t, 2, docs)
}

func TestApp_RestartRebuildsStaleSnapshot(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(t, dir)
	ctx := context.Background()

	a, err := New(ctx, cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	ingestAndProcess(t, a, "/shots/ocean-waves.png")
	require.NoError(t, a.Close())
	stale, err := os.ReadFile(cfg.Storage.VectorSnapshotPath)
	require.NoError(t, err)

	b, err := New(ctx, cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	added := ingestAndProcess(t, b, "/shots/mountain-lake.png")
	require.NoError(t, b.Close())

	// an older snapshot left behind by a crash
	require.NoError(t, os.WriteFile(cfg.Storage.VectorSnapshotPath, stale, 0o644))

	c := openApp(t, cfg)
	assert.Equal(t, 2, c.index.Size())
	assert.True(t, c.index.Contains(added.ID))
}

func TestApp_CorruptSnapshotRebuildsFromStore(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(t, dir)
	a, err := New(context.Background(), cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	ingestAndProcess(t, a, "/shots/desert-road.png")
	require.NoError(t, a.Close())
	require.NoError(t, os.WriteFile(cfg.Storage.VectorSnapshotPath, []byte("KQIX\x00"), 0o644))

	b := openApp(t, cfg)
	assert.Equal(t, 1, b.index.Size())
}

func TestApp_SchemeMismatchFailsToOpen(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(t, dir)
	a, err := New(context.Background(), cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	require.NoError(t, a.Close())

	cfg.Embedding.Dimensions = 512
	_, err = New(context.Background(), cfg, zaptest.NewLogger(t))
	assert.ErrorIs(t, err, models.ErrValidation)
}

// flakyDescriber fails until healed.
type flakyDescriber struct{ healed atomic.Bool }

func (f *flakyDescriber) Describe(ctx context.Context, req vision.Request) (vision.Description, error) {
	if !f.healed.Load() {
		return vision.Description{}, errors.New("model unavailable")
	}
	return vision.MockDescriber{}.Describe(ctx, req)
}

func TestApp_RetryFailedInline(t *testing.T) {
	describer := &flakyDescriber{}
	a := openApp(t, testConfig(t, t.TempDir()), WithDescriber(describer))
	ctx := context.Background()

	item, _, err := a.Ingest(ctx, models.ItemInput{ImagePath: "/shots/bike-shop.png"})
	require.NoError(t, err)
	_, err = a.Process(ctx, item.ID)
	require.ErrorIs(t, err, models.ErrExternalService)

	failed, err := a.GetItem(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, failed.Status)

	describer.healed.Store(true)
	n, err := a.RetryFailed(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	done, err := a.GetItem(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusEmbedded, done.Status)
	assert.True(t, a.index.Contains(item.ID))
}

func TestApp_WorkersResumePendingOnStart(t *testing.T) {
	cfg := testConfig(t, t.TempDir())
	a := openApp(t, cfg)
	ctx := context.Background()
	item, _, err := a.Ingest(ctx, models.ItemInput{ImagePath: "/shots/code-editor.png"})
	require.NoError(t, err)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	require.NoError(t, a.Start(runCtx))

	require.Eventually(t, func() bool {
		got, err := a.GetItem(ctx, item.ID)
		return err == nil && got.Status == models.StatusEmbedded
	}, 5*time.Second, 10*time.Millisecond)
}

func TestApp_InconsistencyTriggersRebuild(t *testing.T) {
	a := openApp(t, testConfig(t, t.TempDir()))
	ctx := context.Background()
	ingestAndProcess(t, a, "/shots/bike-trail.png")

	// a codeword with no item behind it
	ghost := make(codec.Codeword, a.codec.Size())
	require.NoError(t, a.index.Upsert(ctx, "ghost", ghost))

	_, err := a.Search(ctx, &models.SearchQuery{Query: "bike trail"})
	require.ErrorIs(t, err, models.ErrConsistency)

	require.Eventually(t, func() bool {
		return !a.index.Contains("ghost") && !a.recovering.Load()
	}, 5*time.Second, 10*time.Millisecond)

	resp, err := a.Search(ctx, &models.SearchQuery{Query: "bike trail"})
	require.NoError(t, err)
	assert.Equal(t, 1, resp.Total)
}

func TestApp_Status(t *testing.T) {
	a := openApp(t, testConfig(t, t.TempDir()))
	ctx := context.Background()
	ingestAndProcess(t, a, "/shots/invoice-march.png")
	_, _, err := a.Ingest(ctx, models.ItemInput{ImagePath: "/shots/pending.png"})
	require.NoError(t, err)

	st, err := a.Status(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, st.TotalItems)
	assert.EqualValues(t, 1, st.Items[models.StatusEmbedded])
	assert.EqualValues(t, 1, st.Items[models.StatusPending])
	assert.EqualValues(t, 1, st.Vectors)
	assert.Equal(t, 1, st.IndexSize)
	assert.Equal(t, "flat", st.IndexType)
	assert.Zero(t, st.IndexBuckets)
	assert.Equal(t, codec.SchemeBinarySign, st.CodecScheme)
	assert.Equal(t, 256, st.CodecBits)
	assert.EqualValues(t, 1, st.KeywordDocs)
	assert.Nil(t, st.Models.OllamaReachable)
	assert.Positive(t, st.DiskUsage)
	assert.False(t, st.Pipeline.Running)
}

func TestApp_StatusReportsBuckets(t *testing.T) {
	cfg := testConfig(t, t.TempDir())
	cfg.Index.Type = "bucket"
	a := openApp(t, cfg)
	ingestAndProcess(t, a, "/shots/invoice-march.png")

	st, err := a.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "bucket", st.IndexType)
	assert.Equal(t, 1, st.IndexSize)
	assert.Equal(t, 1, st.IndexBuckets)
}

func TestApp_CloseIsIdempotent(t *testing.T) {
	a, err := New(context.Background(), testConfig(t, t.TempDir()), zaptest.NewLogger(t))
	require.NoError(t, err)
	require.NoError(t, a.Close())
	require.NoError(t, a.Close())
}

func TestApp_WatcherHandler(t *testing.T) {
	cfg := testConfig(t, t.TempDir())
	cfg.Watch.DeleteOnRemove = true
	a := openApp(t, cfg)
	ctx := context.Background()

	captured := time.Date(2024, 6, 12, 9, 30, 0, 0, time.UTC)
	a.Captured(ctx, "/shots/bike-race.png", captured)
	a.Captured(ctx, "/shots/bike-race.png", captured.Add(time.Minute))

	list, err := a.ListItems(ctx, models.ItemFilter{})
	require.NoError(t, err)
	require.Len(t, list.Items, 1)
	assert.True(t, list.Items[0].CapturedAt.Equal(captured))

	_, err = a.Process(ctx, list.Items[0].ID)
	require.NoError(t, err)

	a.Removed(ctx, "/shots/bike-race.png")
	_, err = a.GetItem(ctx, list.Items[0].ID)
	assert.ErrorIs(t, err, models.ErrNotFound)
	assert.Zero(t, a.index.Size())
}

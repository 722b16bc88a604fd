// Package app wires storage, indexes, model services, the embedding pipeline
// and the query engine into the capability exposed to the CLI and HTTP server.
package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hyperjump/kioku/internal/codec"
	"github.com/hyperjump/kioku/internal/config"
	"github.com/hyperjump/kioku/internal/embedding"
	"github.com/hyperjump/kioku/internal/graph"
	"github.com/hyperjump/kioku/internal/keyword"
	"github.com/hyperjump/kioku/internal/models"
	"github.com/hyperjump/kioku/internal/ollama"
	"github.com/hyperjump/kioku/internal/pipeline"
	"github.com/hyperjump/kioku/internal/resilience"
	"github.com/hyperjump/kioku/internal/search"
	"github.com/hyperjump/kioku/internal/storage"
	"github.com/hyperjump/kioku/internal/vector"
	"github.com/hyperjump/kioku/internal/vision"
	"go.uber.org/zap"
)

// recoveryTimeout bounds a background index rebuild.
const recoveryTimeout = 10 * time.Minute

// App is the screenshot memory.
type App struct {
	cfg    *config.Config
	logger *zap.Logger

	store     storage.Storage
	codec     *codec.Codec
	index     vector.Index
	keywords  keyword.KeywordIndex
	embedder  embedding.Embedder
	queries   *embedding.CachedEmbedder
	describer vision.Describer
	client    *ollama.Client
	graph     *graph.Builder
	pipeline  *pipeline.Pipeline
	engine    *search.Engine

	rebuildMu  sync.Mutex
	recovering atomic.Bool
	background sync.WaitGroup
	startedAt  time.Time
	closeOnce  sync.Once
	closeErr   error
}

// Option overrides a component built from config.
type Option func(*App)

// WithEmbedder replaces the configured embedding provider.
func WithEmbedder(e embedding.Embedder) Option {
	return func(a *App) { a.embedder = e }
}

// WithDescriber replaces the configured vision provider.
func WithDescriber(d vision.Describer) Option {
	return func(a *App) { a.describer = d }
}

// New opens the store, restores the vector index and wires every component.
// The worker pool is not started; call Start for background processing.
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger, opts ...Option) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{cfg: cfg, logger: logger, startedAt: time.Now()}
	for _, opt := range opts {
		opt(a)
	}
	if err := a.init(ctx); err != nil {
		a.closeComponents()
		return nil, err
	}
	return a, nil
}

func (a *App) init(ctx context.Context) error {
	cfg := a.cfg
	store, err := storage.NewSQLiteStorage(cfg.Storage.DatabasePath)
	if err != nil {
		return fmt.Errorf("failed to open storage: %w", err)
	}
	a.store = store

	if a.codec, err = codec.New(cfg.Embedding.Dimensions); err != nil {
		return err
	}
	if err := store.EnsureVectorScheme(ctx, a.codec.Scheme(), a.codec.Dimension()); err != nil {
		return fmt.Errorf("vector scheme check failed: %w", err)
	}

	if a.index, err = vector.NewIndex(cfg.Index.Type, a.codec, vector.Options{BucketBits: cfg.Index.BucketBits}); err != nil {
		return err
	}
	if err := a.restoreIndex(ctx); err != nil {
		return err
	}

	if a.keywords, err = keyword.NewBleveIndex(diskPath(cfg.Storage.KeywordIndexPath)); err != nil {
		return fmt.Errorf("failed to open keyword index: %w", err)
	}
	if err := a.restoreKeywords(ctx); err != nil {
		return err
	}

	if err := a.initModels(); err != nil {
		return err
	}

	threshold := cfg.Graph.ThresholdOrDefault(graph.DefaultThreshold)
	if a.graph, err = graph.NewBuilder(a.index, a.codec, graph.Config{
		Threshold:    threshold,
		MaxNeighbors: cfg.Graph.MaxNeighbors,
	}, graph.WithLogger(a.logger)); err != nil {
		return err
	}

	reprocess, err := pipeline.ParseReprocessPolicy(cfg.Pipeline.Reprocess)
	if err != nil {
		return err
	}
	if a.pipeline, err = pipeline.New(a.store, a.describer, a.embedder, a.codec, a.index, pipeline.Config{
		Workers:         cfg.Pipeline.Workers,
		QueueSize:       cfg.Pipeline.QueueSize,
		Reprocess:       reprocess,
		DescribeTimeout: cfg.Vision.Timeout,
		EmbedTimeout:    cfg.Embedding.Timeout,
		TaggingEnabled:  cfg.Vision.TaggingEnabled,
		Vocabulary:      cfg.Vision.Vocabulary,
		MaxTags:         cfg.Vision.MaxTags,
	},
		pipeline.WithLogger(a.logger),
		pipeline.WithKeywordIndex(a.keywords),
		pipeline.WithGraph(a.graph),
		pipeline.WithInconsistencyHandler(a.recoverIndex),
	); err != nil {
		return err
	}

	a.engine = search.NewEngine(a.store, a.queries, a.codec, a.index, a.graph, &cfg.Search,
		search.WithLogger(a.logger),
		search.WithQueryPrefix(cfg.Embedding.QueryPrefixOrDefault(embedding.DefaultQueryPrefix)),
		search.WithKeywordIndex(a.keywords),
		search.WithInconsistencyHandler(a.recoverIndex),
	)
	return nil
}

// diskPath maps the in-memory marker to the empty path.
func diskPath(p string) string {
	if p == ":memory:" {
		return ""
	}
	return p
}

func (a *App) guardConfig(name string) resilience.Config {
	r := a.cfg.Resilience
	gc := resilience.DefaultConfig(name)
	gc.MaxRetries = r.MaxRetries
	if r.InitialInterval > 0 {
		gc.InitialInterval = r.InitialInterval
	}
	if r.MaxInterval > 0 {
		gc.MaxInterval = r.MaxInterval
	}
	if r.BreakerFailures > 0 {
		gc.BreakerFailures = r.BreakerFailures
	}
	if r.BreakerTimeout > 0 {
		gc.BreakerTimeout = r.BreakerTimeout
	}
	gc.RequestsPerSecond = r.RequestsPerSecond
	gc.Burst = r.Burst
	return gc
}

func (a *App) ollamaClient() *ollama.Client {
	if a.client == nil {
		a.client = ollama.NewClient(a.cfg.Ollama.BaseURL, a.cfg.Ollama.Timeout)
	}
	return a.client
}

func (a *App) initModels() error {
	cfg := a.cfg
	if a.embedder == nil {
		switch cfg.Embedding.Provider {
		case "mock":
			a.embedder = embedding.NewMockEmbedder(cfg.Embedding.Dimensions)
		default:
			guard := resilience.New(a.guardConfig("embedding"), resilience.WithLogger(a.logger))
			a.embedder = embedding.NewOllamaEmbedder(a.ollamaClient(), embedding.OllamaConfig{
				Model:      cfg.Embedding.Model,
				Dimensions: cfg.Embedding.Dimensions,
			}, embedding.WithLogger(a.logger), embedding.WithGuard(guard))
		}
	}
	queries, err := embedding.NewCachedEmbedder(a.embedder, cfg.Embedding.CacheSize)
	if err != nil {
		return err
	}
	a.queries = queries

	if a.describer == nil {
		switch cfg.Vision.Provider {
		case "mock":
			a.describer = vision.MockDescriber{}
		default:
			guard := resilience.New(a.guardConfig("vision"), resilience.WithLogger(a.logger))
			a.describer = vision.NewOllamaDescriber(a.ollamaClient(), vision.OllamaConfig{
				DescriptionModel: cfg.Vision.DescriptionModel,
				TaggingModel:     cfg.Vision.TaggingModel,
				Temperature:      cfg.Vision.Temperature,
			}, vision.WithLogger(a.logger), vision.WithGuard(guard))
		}
	}
	return nil
}

// restoreIndex loads the vector snapshot when it matches the store's
// generation and rebuilds from the store otherwise.
func (a *App) restoreIndex(ctx context.Context) error {
	path := diskPath(a.cfg.Storage.VectorSnapshotPath)
	storeGen, err := a.store.VectorGeneration(ctx)
	if err != nil {
		return err
	}
	snapGen, err := a.index.Load(path)
	switch {
	case err != nil:
		a.logger.Warn("vector snapshot unusable, rebuilding from store", zap.String("path", path), zap.Error(err))
	case snapGen == storeGen:
		a.logger.Info("vector index restored from snapshot",
			zap.Int("vectors", a.index.Size()), zap.Int64("generation", snapGen))
		return nil
	case snapGen >= 0:
		a.logger.Info("vector snapshot is stale, rebuilding from store",
			zap.Int64("snapshot_generation", snapGen), zap.Int64("store_generation", storeGen))
	}
	return a.loadIndexFromStore(ctx)
}

func (a *App) loadIndexFromStore(ctx context.Context) error {
	start := time.Now()
	entries := make(map[string]codec.Codeword)
	for rec, err := range a.store.Vectors(ctx) {
		if err != nil {
			return fmt.Errorf("failed to read vectors: %w", err)
		}
		entries[rec.ItemID] = codec.Codeword(rec.Codeword)
	}
	if err := a.index.Replace(entries); err != nil {
		return fmt.Errorf("failed to load vectors: %w", err)
	}
	a.logger.Info("vector index rebuilt from store",
		zap.Int("vectors", len(entries)), zap.Duration("elapsed", time.Since(start)))
	return nil
}

// restoreKeywords reindexes embedded items when the keyword index is empty.
func (a *App) restoreKeywords(ctx context.Context) error {
	n, err := a.keywords.DocCount()
	if err != nil {
		return fmt.Errorf("failed to read keyword index: %w", err)
	}
	if n > 0 {
		return nil
	}
	indexed := 0
	for item, err := range a.store.ListByStatus(ctx, models.StatusEmbedded) {
		if err != nil {
			return err
		}
		if err := a.keywords.Index(ctx, item); err != nil {
			return err
		}
		indexed++
	}
	if indexed > 0 {
		a.logger.Info("keyword index rebuilt from store", zap.Int("items", indexed))
	}
	return nil
}

// recoverIndex schedules one background rebuild of the vector index and the
// graph from the store. Calls while a rebuild runs are absorbed by it.
func (a *App) recoverIndex(cause error) {
	if !a.recovering.CompareAndSwap(false, true) {
		return
	}
	a.logger.Warn("scheduling index recovery", zap.Error(cause))
	a.background.Add(1)
	go func() {
		defer a.background.Done()
		defer a.recovering.Store(false)
		ctx, cancel := context.WithTimeout(context.Background(), recoveryTimeout)
		defer cancel()
		if err := a.RebuildIndex(ctx); err != nil {
			a.logger.Error("index recovery failed", zap.Error(err))
		}
	}()
}

// Start launches the worker pool and, unless disabled, queues pending items.
func (a *App) Start(ctx context.Context) error {
	if err := a.pipeline.Start(ctx); err != nil {
		return err
	}
	if !a.cfg.Pipeline.ResumeOnBootOrDefault() {
		return nil
	}
	go func() {
		n, err := a.pipeline.ResumePending(ctx)
		if err != nil && !errors.Is(err, pipeline.ErrNotRunning) && ctx.Err() == nil {
			a.logger.Warn("failed to resume pending items", zap.Error(err))
			return
		}
		if n > 0 {
			a.logger.Info("resumed pending items", zap.Int("count", n))
		}
	}()
	return nil
}

// Events reports pipeline outcomes.
func (a *App) Events() <-chan pipeline.Event { return a.pipeline.Events() }

// Ingest registers a screenshot. It returns the existing item for a known path.
func (a *App) Ingest(ctx context.Context, input models.ItemInput) (*models.Item, bool, error) {
	return a.pipeline.Ingest(ctx, input)
}

// Process runs the embedding pipeline for id now.
func (a *App) Process(ctx context.Context, id string) (*models.ProcessResult, error) {
	return a.pipeline.Process(ctx, id)
}

// Reprocess recomputes the embedding of id.
func (a *App) Reprocess(ctx context.Context, id string) (*models.ProcessResult, error) {
	return a.pipeline.Reprocess(ctx, id)
}

// RetryFailed queues failed items when workers run, or processes them inline otherwise.
// It returns the number of items retried.
func (a *App) RetryFailed(ctx context.Context) (int, error) {
	if a.pipeline.Running() {
		return a.pipeline.RetryFailed(ctx)
	}
	var ids []string
	for item, err := range a.store.ListByStatus(ctx, models.StatusFailed) {
		if err != nil {
			return 0, err
		}
		ids = append(ids, item.ID)
	}
	for _, id := range ids {
		if _, err := a.pipeline.Process(ctx, id); err != nil {
			if ctx.Err() != nil {
				return 0, ctx.Err()
			}
			a.logger.Warn("retry failed", zap.String("id", id), zap.Error(err))
		}
	}
	return len(ids), nil
}

// Search runs a query.
func (a *App) Search(ctx context.Context, q *models.SearchQuery) (*models.SearchResponse, error) {
	return a.engine.Search(ctx, q)
}

// SearchByText returns up to limit items ranked by similarity to text.
func (a *App) SearchByText(ctx context.Context, text string, limit int) ([]*models.Hit, error) {
	return a.engine.SearchByText(ctx, text, limit)
}

// Explore returns up to limit neighbors of id.
func (a *App) Explore(ctx context.Context, id string, limit int) (*models.ExploreResponse, error) {
	return a.engine.ExploreFrom(ctx, id, limit)
}

// Delete removes an item and everything derived from it.
func (a *App) Delete(ctx context.Context, id string) error {
	return a.pipeline.Delete(ctx, id)
}

// UpdateItem applies a user edit of description or tags. Embedded items are
// re-embedded from the edited text.
func (a *App) UpdateItem(ctx context.Context, id string, edit models.MetadataEdit) (*models.Item, error) {
	return a.pipeline.Edit(ctx, id, edit)
}

// GetItem returns one item.
func (a *App) GetItem(ctx context.Context, id string) (*models.Item, error) {
	return a.store.GetItem(ctx, id)
}

// ListItems returns a page of items, newest capture first.
func (a *App) ListItems(ctx context.Context, filter models.ItemFilter) (*models.ItemList, error) {
	return a.store.ListItems(ctx, filter)
}

// Tags returns every tag with its item count.
func (a *App) Tags(ctx context.Context) ([]models.TagCount, error) {
	return a.store.TagCounts(ctx)
}

// Graph returns the similarity graph, building it if needed.
func (a *App) Graph(ctx context.Context) (*models.GraphView, error) {
	return a.graph.View(ctx)
}

// RebuildGraph recomputes the similarity graph from the vector index.
func (a *App) RebuildGraph(ctx context.Context) (graph.Stats, error) {
	if err := a.graph.RebuildFull(ctx); err != nil {
		return graph.Stats{}, err
	}
	return a.graph.Stats(), nil
}

// RebuildIndex reloads the vector index from the store and rebuilds the graph.
// Commits and deletes wait while the index is reloaded.
func (a *App) RebuildIndex(ctx context.Context) error {
	a.rebuildMu.Lock()
	defer a.rebuildMu.Unlock()
	if err := a.pipeline.Exclusive(func() error {
		return a.loadIndexFromStore(ctx)
	}); err != nil {
		return err
	}
	return a.graph.RebuildFull(ctx)
}

// Close stops the workers, waits for background recovery, persists the vector
// snapshot and releases every resource. It is safe to call more than once.
func (a *App) Close() error {
	a.closeOnce.Do(func() {
		a.pipeline.Stop()
		a.background.Wait()
		var errs []error
		if err := a.pipeline.Exclusive(a.saveSnapshot); err != nil {
			errs = append(errs, err)
		}
		errs = append(errs, a.closeComponents())
		a.closeErr = errors.Join(errs...)
	})
	return a.closeErr
}

func (a *App) saveSnapshot() error {
	path := diskPath(a.cfg.Storage.VectorSnapshotPath)
	if path == "" {
		return nil
	}
	gen, err := a.store.VectorGeneration(context.Background())
	if err != nil {
		return err
	}
	if err := a.index.Save(path, gen); err != nil {
		return fmt.Errorf("failed to save vector snapshot: %w", err)
	}
	a.logger.Info("vector snapshot saved", zap.String("path", path), zap.Int("vectors", a.index.Size()), zap.Int64("generation", gen))
	return nil
}

func (a *App) closeComponents() error {
	var errs []error
	// The query cache owns the embedder once it exists.
	switch {
	case a.queries != nil:
		errs = append(errs, a.queries.Close())
	case a.embedder != nil:
		errs = append(errs, a.embedder.Close())
	}
	if a.keywords != nil {
		errs = append(errs, a.keywords.Close())
	}
	if a.index != nil {
		errs = append(errs, a.index.Close())
	}
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	return errors.Join(errs...)
}

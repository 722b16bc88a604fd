package app

import (
	"context"
	"time"

	"github.com/hyperjump/kioku/internal/graph"
	"github.com/hyperjump/kioku/internal/models"
	"github.com/hyperjump/kioku/internal/storage"
	"go.uber.org/zap"
)

// pingTimeout bounds the model service health check in Status.
const pingTimeout = 2 * time.Second

// Status is a snapshot of the system's health and size.
type Status struct {
	Items        map[models.Status]int64 `json:"items"`
	TotalItems   int64                   `json:"total_items"`
	Vectors      int64                   `json:"vectors"`
	IndexType    string                  `json:"index_type"`
	IndexSize    int                     `json:"index_size"`
	IndexBuckets int                     `json:"index_buckets,omitempty"`
	KeywordDocs  uint64                  `json:"keyword_docs"`
	Graph        graph.Stats             `json:"graph"`
	Pipeline     PipelineStatus          `json:"pipeline"`
	Models       ModelStatus             `json:"models"`
	DiskUsage    int64                   `json:"disk_usage_bytes"`
	Recovering   bool                    `json:"recovering"`
	Uptime       string                  `json:"uptime"`
	CodecScheme  string                  `json:"codec_scheme"`
	CodecBits    int                     `json:"codec_bits"`
	QueryCache   CacheStatus             `json:"query_cache"`
	SnapshotPath string                  `json:"snapshot_path,omitempty"`
}

// PipelineStatus describes the worker pool.
type PipelineStatus struct {
	Running bool `json:"running"`
	Queued  int  `json:"queued"`
	Workers int  `json:"workers"`
}

// ModelStatus names the models in use and whether their service answers.
type ModelStatus struct {
	EmbeddingProvider string `json:"embedding_provider"`
	EmbeddingModel    string `json:"embedding_model"`
	VisionProvider    string `json:"vision_provider"`
	DescriptionModel  string `json:"description_model"`
	TaggingModel      string `json:"tagging_model"`
	OllamaURL         string `json:"ollama_url,omitempty"`
	OllamaReachable   *bool  `json:"ollama_reachable,omitempty"`
}

// CacheStatus reports query embedding cache usage.
type CacheStatus struct {
	Entries int   `json:"entries"`
	Hits    int64 `json:"hits"`
	Misses  int64 `json:"misses"`
}

// Status gathers counts and health. Failures of optional health checks are logged and
// reported as zero values.
func (a *App) Status(ctx context.Context) (*Status, error) {
	counts, err := a.store.Counts(ctx)
	if err != nil {
		return nil, err
	}
	vectors, err := a.store.CountVectors(ctx)
	if err != nil {
		return nil, err
	}
	st := &Status{
		Items:        counts,
		Vectors:      vectors,
		IndexType:    a.index.Type(),
		IndexSize:    a.index.Size(),
		Graph:        a.graph.Stats(),
		Recovering:   a.recovering.Load(),
		Uptime:       time.Since(a.startedAt).Round(time.Second).String(),
		CodecScheme:  a.codec.Scheme(),
		CodecBits:    a.codec.Dimension(),
		SnapshotPath: a.cfg.Storage.VectorSnapshotPath,
		Pipeline: PipelineStatus{
			Running: a.pipeline.Running(),
			Queued:  a.pipeline.QueueLen(),
			Workers: a.cfg.Pipeline.Workers,
		},
		Models: ModelStatus{
			EmbeddingProvider: a.cfg.Embedding.Provider,
			EmbeddingModel:    a.cfg.Embedding.Model,
			VisionProvider:    a.cfg.Vision.Provider,
			DescriptionModel:  a.cfg.Vision.DescriptionModel,
			TaggingModel:      a.cfg.Vision.TaggingModel,
		},
	}
	if bucketed, ok := a.index.(interface{ Buckets() int }); ok {
		st.IndexBuckets = bucketed.Buckets()
	}
	for _, n := range counts {
		st.TotalItems += n
	}
	if docs, err := a.keywords.DocCount(); err != nil {
		a.logger.Warn("failed to count keyword documents", zap.Error(err))
	} else {
		st.KeywordDocs = docs
	}
	hits, misses := a.queries.Stats()
	st.QueryCache = CacheStatus{Entries: a.queries.Len(), Hits: hits, Misses: misses}

	if a.client != nil {
		pctx, cancel := context.WithTimeout(ctx, pingTimeout)
		reachable := a.client.Ping(pctx) == nil
		cancel()
		st.Models.OllamaURL = a.client.BaseURL()
		st.Models.OllamaReachable = &reachable
	}

	paths := append(storage.DatabaseFiles(a.cfg.Storage.DatabasePath),
		diskPath(a.cfg.Storage.KeywordIndexPath), diskPath(a.cfg.Storage.VectorSnapshotPath))
	if usage, err := storage.DiskUsageBytes(paths...); err != nil {
		a.logger.Warn("failed to compute disk usage", zap.Error(err))
	} else {
		st.DiskUsage = usage
	}
	return st, nil
}

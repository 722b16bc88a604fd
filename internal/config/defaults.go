package config

import "time"

// DataDir is the default root for the database and derived indexes.
const DataDir = "/usr/local/var/kioku/data"

// ApplyDefaults sets default values for any zero values in cfg.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Storage.DatabasePath == "" {
		cfg.Storage.DatabasePath = DataDir + "/db/kioku.db"
	}
	if cfg.Storage.KeywordIndexPath == "" {
		cfg.Storage.KeywordIndexPath = DataDir + "/indices/bleve"
	}
	if cfg.Storage.VectorSnapshotPath == "" {
		cfg.Storage.VectorSnapshotPath = DataDir + "/indices/vectors.kqix"
	}
	if cfg.Index.Type == "" {
		cfg.Index.Type = "flat"
	}
	if cfg.Index.BucketBits == 0 {
		cfg.Index.BucketBits = 8
	}
	if cfg.Ollama.BaseURL == "" {
		cfg.Ollama.BaseURL = "http://localhost:11434"
	}
	if cfg.Ollama.Timeout == 0 {
		cfg.Ollama.Timeout = 120 * time.Second
	}
	if cfg.Embedding.Provider == "" {
		cfg.Embedding.Provider = "ollama"
	}
	if cfg.Embedding.Model == "" {
		cfg.Embedding.Model = "mxbai-embed-large"
	}
	if cfg.Embedding.Dimensions == 0 {
		cfg.Embedding.Dimensions = 1024
	}
	if cfg.Embedding.CacheSize == 0 {
		cfg.Embedding.CacheSize = 1000
	}
	if cfg.Embedding.Timeout == 0 {
		cfg.Embedding.Timeout = 30 * time.Second
	}
	if cfg.Vision.Provider == "" {
		cfg.Vision.Provider = "ollama"
	}
	if cfg.Vision.DescriptionModel == "" {
		cfg.Vision.DescriptionModel = "moondream"
	}
	if cfg.Vision.TaggingModel == "" {
		cfg.Vision.TaggingModel = "qwen2:1.5b"
	}
	if cfg.Vision.Temperature == 0 {
		cfg.Vision.Temperature = 0.1
	}
	if cfg.Vision.Timeout == 0 {
		cfg.Vision.Timeout = 3 * time.Minute
	}
	if cfg.Vision.MaxTags == 0 {
		cfg.Vision.MaxTags = 2
	}
	if cfg.Pipeline.Workers == 0 {
		cfg.Pipeline.Workers = 2
	}
	if cfg.Pipeline.QueueSize == 0 {
		cfg.Pipeline.QueueSize = 256
	}
	if cfg.Pipeline.Reprocess == "" {
		cfg.Pipeline.Reprocess = "skip"
	}
	if cfg.Resilience.MaxRetries == 0 {
		cfg.Resilience.MaxRetries = 2
	}
	if cfg.Resilience.InitialInterval == 0 {
		cfg.Resilience.InitialInterval = 200 * time.Millisecond
	}
	if cfg.Resilience.MaxInterval == 0 {
		cfg.Resilience.MaxInterval = 5 * time.Second
	}
	if cfg.Resilience.BreakerFailures == 0 {
		cfg.Resilience.BreakerFailures = 5
	}
	if cfg.Resilience.BreakerTimeout == 0 {
		cfg.Resilience.BreakerTimeout = 30 * time.Second
	}
	if cfg.Graph.Threshold == nil {
		th := 0.75
		cfg.Graph.Threshold = &th
	}
	if cfg.Graph.MaxNeighbors == 0 {
		cfg.Graph.MaxNeighbors = 20
	}
	if cfg.Search.DefaultLimit == 0 {
		cfg.Search.DefaultLimit = 42
	}
	if cfg.Search.MaxLimit == 0 {
		cfg.Search.MaxLimit = 500
	}
	if cfg.Search.ExploreLimit == 0 {
		cfg.Search.ExploreLimit = 20
	}
	if cfg.Search.FileNameBoost == 0 {
		cfg.Search.FileNameBoost = 2.0
	}
	if cfg.Search.TagBoost == 0 {
		cfg.Search.TagBoost = 3.0
	}
	if cfg.Search.Fuzziness == 0 {
		cfg.Search.Fuzziness = 1
	}
	if cfg.Watch.Extensions == nil {
		cfg.Watch.Extensions = []string{".png", ".jpg", ".jpeg", ".gif", ".webp", ".heic", ".bmp", ".tiff"}
	}
	if cfg.Watch.Debounce == 0 {
		cfg.Watch.Debounce = 500 * time.Millisecond
	}
	// Recursive defaults to true when unset (nil).
	if len(cfg.Watch.Directories) > 0 && cfg.Watch.Recursive == nil {
		t := true
		cfg.Watch.Recursive = &t
	}
}

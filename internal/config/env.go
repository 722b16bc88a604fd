package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "KIOKU_"

// LoadDotEnv loads KEY=VALUE pairs from the given .env files into the process
// environment without overriding variables that are already set. Missing
// files are skipped.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if _, err := os.Stat(p); errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			return fmt.Errorf("failed to load %s: %w", p, err)
		}
	}
	return nil
}

// LookupFunc matches os.LookupEnv.
type LookupFunc func(key string) (string, bool)

// ApplyEnv overrides cfg fields from KIOKU_* variables.
func ApplyEnv(cfg *Config, lookup LookupFunc) error {
	e := envReader{lookup: lookup}
	e.bool("DEBUG", &cfg.Debug)
	e.string("SERVER_HOST", &cfg.Server.Host)
	e.int("SERVER_PORT", &cfg.Server.Port)
	e.string("DATABASE_PATH", &cfg.Storage.DatabasePath)
	e.string("KEYWORD_INDEX_PATH", &cfg.Storage.KeywordIndexPath)
	e.string("VECTOR_SNAPSHOT_PATH", &cfg.Storage.VectorSnapshotPath)
	e.string("INDEX_TYPE", &cfg.Index.Type)
	e.string("OLLAMA_URL", &cfg.Ollama.BaseURL)
	e.duration("OLLAMA_TIMEOUT", &cfg.Ollama.Timeout)
	e.string("EMBEDDING_PROVIDER", &cfg.Embedding.Provider)
	e.string("EMBEDDING_MODEL", &cfg.Embedding.Model)
	e.int("EMBEDDING_DIMENSIONS", &cfg.Embedding.Dimensions)
	e.string("VISION_PROVIDER", &cfg.Vision.Provider)
	e.string("DESCRIPTION_MODEL", &cfg.Vision.DescriptionModel)
	e.string("TAGGING_MODEL", &cfg.Vision.TaggingModel)
	e.bool("TAGGING_ENABLED", &cfg.Vision.TaggingEnabled)
	if v, ok := lookup(EnvPrefix + "VOCABULARY"); ok {
		cfg.Vision.Vocabulary = splitList(v)
	}
	e.int("WORKERS", &cfg.Pipeline.Workers)
	e.string("REPROCESS", &cfg.Pipeline.Reprocess)
	if v, ok := lookup(EnvPrefix + "GRAPH_THRESHOLD"); ok {
		th, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			e.fail("GRAPH_THRESHOLD", err)
		} else {
			cfg.Graph.Threshold = &th
		}
	}
	if v, ok := lookup(EnvPrefix + "WATCH_DIRS"); ok {
		cfg.Watch.Directories = splitList(v)
	}
	return e.err
}

type envReader struct {
	lookup LookupFunc
	err    error
}

func (e *envReader) fail(key string, err error) {
	if e.err == nil {
		e.err = fmt.Errorf("invalid %s%s: %w", EnvPrefix, key, err)
	}
}

func (e *envReader) string(key string, dst *string) {
	if v, ok := e.lookup(EnvPrefix + key); ok {
		*dst = strings.TrimSpace(v)
	}
}

func (e *envReader) int(key string, dst *int) {
	if v, ok := e.lookup(EnvPrefix + key); ok {
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			e.fail(key, err)
			return
		}
		*dst = n
	}
}

func (e *envReader) bool(key string, dst *bool) {
	if v, ok := e.lookup(EnvPrefix + key); ok {
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			e.fail(key, err)
			return
		}
		*dst = b
	}
}

func (e *envReader) duration(key string, dst *time.Duration) {
	if v, ok := e.lookup(EnvPrefix + key); ok {
		d, err := time.ParseDuration(strings.TrimSpace(v))
		if err != nil {
			e.fail(key, err)
			return
		}
		*dst = d
	}
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Package server provides the HTTP API for Kioku.
package server

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/hyperjump/kioku/internal/app"
	"github.com/hyperjump/kioku/internal/config"
	"github.com/hyperjump/kioku/internal/graph"
	"github.com/hyperjump/kioku/internal/models"
	"go.uber.org/zap"
)

// Service is the screenshot memory served over HTTP.
type Service interface {
	Ingest(ctx context.Context, input models.ItemInput) (*models.Item, bool, error)
	Process(ctx context.Context, id string) (*models.ProcessResult, error)
	Reprocess(ctx context.Context, id string) (*models.ProcessResult, error)
	RetryFailed(ctx context.Context) (int, error)
	Search(ctx context.Context, q *models.SearchQuery) (*models.SearchResponse, error)
	Explore(ctx context.Context, id string, limit int) (*models.ExploreResponse, error)
	Delete(ctx context.Context, id string) error
	UpdateItem(ctx context.Context, id string, edit models.MetadataEdit) (*models.Item, error)
	GetItem(ctx context.Context, id string) (*models.Item, error)
	ListItems(ctx context.Context, filter models.ItemFilter) (*models.ItemList, error)
	Tags(ctx context.Context) ([]models.TagCount, error)
	Graph(ctx context.Context) (*models.GraphView, error)
	RebuildGraph(ctx context.Context) (graph.Stats, error)
	RebuildIndex(ctx context.Context) error
	Status(ctx context.Context) (*app.Status, error)
}

var _ Service = (*app.App)(nil)

// DirectoryWatcher manages watched screenshot directories.
type DirectoryWatcher interface {
	Directories() []string
	AddDirectory(root string, syncExisting bool) error
	RemoveDirectory(root string) error
}

// Server is the HTTP server for the Kioku API.
type Server struct {
	service Service
	config  *config.ServerConfig
	logger  *zap.Logger
	server  *http.Server

	watch         DirectoryWatcher
	watchConfig   *config.Config
	configPath    string
	watchConfigMu sync.Mutex
}

// Option configures a Server.
type Option func(*Server)

// WithWatcher enables the watch directory endpoints. When configPath is set,
// directory changes are written back to the config file.
func WithWatcher(w DirectoryWatcher, cfg *config.Config, configPath string) Option {
	return func(s *Server) {
		s.watch = w
		s.watchConfig = cfg
		s.configPath = configPath
	}
}

// NewServer creates a server with the given dependencies.
func NewServer(service Service, cfg *config.ServerConfig, logger *zap.Logger, opts ...Option) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		service: service,
		config:  cfg,
		logger:  logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the API router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(5 * time.Minute))
	r.Use(middleware.Compress(5))

	r.Get("/health", s.handleHealth)
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/status", s.handleStatus)

		r.Post("/search", s.handleSearch)
		r.Get("/search", s.handleSearchGet)
		r.Get("/tags", s.handleTags)

		r.Post("/items", s.handleIngest)
		r.Get("/items", s.handleListItems)
		r.Post("/items/retry", s.handleRetryFailed)
		r.Get("/items/{id}", s.handleGetItem)
		r.Patch("/items/{id}", s.handleUpdateItem)
		r.Delete("/items/{id}", s.handleDeleteItem)
		r.Post("/items/{id}/process", s.handleProcessItem)
		r.Get("/items/{id}/neighbors", s.handleNeighbors)

		r.Get("/graph", s.handleGraph)
		r.Post("/graph/rebuild", s.handleRebuildGraph)
		r.Post("/index/rebuild", s.handleRebuildIndex)

		r.Get("/watch/directories", s.handleWatchDirectoriesList)
		r.Post("/watch/directories", s.handleWatchDirectoriesAdd)
		r.Delete("/watch/directories", s.handleWatchDirectoriesRemove)
	})
	return r
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Int("bytes", ww.BytesWritten()),
			zap.Duration("elapsed", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())))
	})
}

// Start starts the HTTP server and blocks until it stops.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Info("Starting server", zap.String("addr", addr))
	return s.server.ListenAndServe()
}

// Stop gracefully shuts down the server.
func (s *Server) Stop(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

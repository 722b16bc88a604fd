package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/hyperjump/kioku/internal/config"
	"github.com/hyperjump/kioku/internal/models"
	"go.uber.org/zap"
)

const defaultNeighborLimit = 20

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	var query models.SearchQuery
	if err := json.NewDecoder(r.Body).Decode(&query); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	s.search(w, r, &query)
}

func (s *Server) handleSearchGet(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	query := models.SearchQuery{
		Query:      q.Get("q"),
		Mode:       models.SearchMode(q.Get("mode")),
		Tags:       q["tag"],
		TimeFilter: models.TimeFilter(q.Get("time")),
	}
	var err error
	if query.Limit, err = intParam(r, "limit", 0); err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if query.Offset, err = intParam(r, "offset", 0); err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if v := q.Get("min_similarity"); v != "" {
		if query.MinSimilarity, err = strconv.ParseFloat(v, 64); err != nil {
			s.respondError(w, http.StatusBadRequest, "invalid min_similarity")
			return
		}
	}
	s.search(w, r, &query)
}

func (s *Server) search(w http.ResponseWriter, r *http.Request, query *models.SearchQuery) {
	s.logger.Debug("search request", zap.String("query", query.Query), zap.Int("limit", query.Limit))
	response, err := s.service.Search(r.Context(), query)
	if err != nil {
		s.respondServiceError(w, "search failed", err)
		return
	}
	s.respondJSON(w, http.StatusOK, response)
}

func (s *Server) handleTags(w http.ResponseWriter, r *http.Request) {
	tags, err := s.service.Tags(r.Context())
	if err != nil {
		s.respondServiceError(w, "tags failed", err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"tags": tags})
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	var input models.ItemInput
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	s.logger.Debug("ingest request", zap.String("image_path", input.ImagePath))
	item, created, err := s.service.Ingest(r.Context(), input)
	if err != nil {
		s.respondServiceError(w, "ingest failed", err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	s.respondJSON(w, status, map[string]any{"item": item, "created": created})
}

func (s *Server) handleListItems(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := models.ItemFilter{Tags: q["tag"]}
	if v := q.Get("status"); v != "" {
		status, err := models.ParseStatus(v)
		if err != nil {
			s.respondError(w, http.StatusBadRequest, err.Error())
			return
		}
		filter.Status = &status
	}
	var err error
	if filter.Limit, err = intParam(r, "limit", 0); err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if filter.Offset, err = intParam(r, "offset", 0); err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	for name, dst := range map[string]*time.Time{"from": &filter.From, "to": &filter.To} {
		if v := q.Get(name); v != "" {
			t, err := time.Parse(time.RFC3339, v)
			if err != nil {
				s.respondError(w, http.StatusBadRequest, fmt.Sprintf("invalid %s: expected RFC 3339", name))
				return
			}
			*dst = t
		}
	}
	list, err := s.service.ListItems(r.Context(), filter)
	if err != nil {
		s.respondServiceError(w, "list items failed", err)
		return
	}
	s.respondJSON(w, http.StatusOK, list)
}

func (s *Server) handleGetItem(w http.ResponseWriter, r *http.Request) {
	item, err := s.service.GetItem(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.respondServiceError(w, "get item failed", err)
		return
	}
	s.respondJSON(w, http.StatusOK, item)
}

func (s *Server) handleUpdateItem(w http.ResponseWriter, r *http.Request) {
	var edit models.MetadataEdit
	if err := json.NewDecoder(r.Body).Decode(&edit); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	id := chi.URLParam(r, "id")
	s.logger.Debug("update item request", zap.String("id", id))
	item, err := s.service.UpdateItem(r.Context(), id, edit)
	if err != nil {
		s.respondServiceError(w, "update failed", err)
		return
	}
	s.respondJSON(w, http.StatusOK, item)
}

func (s *Server) handleDeleteItem(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	s.logger.Debug("delete item request", zap.String("id", id))
	if err := s.service.Delete(r.Context(), id); err != nil {
		s.respondServiceError(w, "deletion failed", err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]string{"id": id, "status": "deleted"})
}

func (s *Server) handleProcessItem(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	recompute, _ := strconv.ParseBool(r.URL.Query().Get("recompute"))
	s.logger.Debug("process item request", zap.String("id", id), zap.Bool("recompute", recompute))
	var (
		res *models.ProcessResult
		err error
	)
	if recompute {
		res, err = s.service.Reprocess(r.Context(), id)
	} else {
		res, err = s.service.Process(r.Context(), id)
	}
	if err != nil {
		s.respondServiceError(w, "processing failed", err)
		return
	}
	s.respondJSON(w, http.StatusOK, res)
}

func (s *Server) handleRetryFailed(w http.ResponseWriter, r *http.Request) {
	n, err := s.service.RetryFailed(r.Context())
	if err != nil {
		s.respondServiceError(w, "retry failed", err)
		return
	}
	s.respondJSON(w, http.StatusAccepted, map[string]int{"retried": n})
}

func (s *Server) handleNeighbors(w http.ResponseWriter, r *http.Request) {
	limit, err := intParam(r, "limit", defaultNeighborLimit)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	resp, err := s.service.Explore(r.Context(), chi.URLParam(r, "id"), limit)
	if err != nil {
		s.respondServiceError(w, "explore failed", err)
		return
	}
	s.respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGraph(w http.ResponseWriter, r *http.Request) {
	view, err := s.service.Graph(r.Context())
	if err != nil {
		s.respondServiceError(w, "graph failed", err)
		return
	}
	s.respondJSON(w, http.StatusOK, view)
}

func (s *Server) handleRebuildGraph(w http.ResponseWriter, r *http.Request) {
	stats, err := s.service.RebuildGraph(r.Context())
	if err != nil {
		s.respondServiceError(w, "graph rebuild failed", err)
		return
	}
	s.respondJSON(w, http.StatusOK, stats)
}

func (s *Server) handleRebuildIndex(w http.ResponseWriter, r *http.Request) {
	if err := s.service.RebuildIndex(r.Context()); err != nil {
		s.respondServiceError(w, "index rebuild failed", err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "rebuilt"})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.service.Status(r.Context())
	if err != nil {
		s.respondServiceError(w, "status failed", err)
		return
	}
	resp := map[string]any{"status": st}
	if s.watch != nil {
		resp["watch_directories"] = s.watch.Directories()
	}
	s.respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleWatchDirectoriesList(w http.ResponseWriter, r *http.Request) {
	if s.watch == nil {
		s.respondError(w, http.StatusNotImplemented, "watch not enabled")
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"directories": s.watch.Directories()})
}

type watchAddRequest struct {
	Path string `json:"path"`
	Sync *bool  `json:"sync,omitempty"`
}

func (s *Server) handleWatchDirectoriesAdd(w http.ResponseWriter, r *http.Request) {
	if s.watch == nil {
		s.respondError(w, http.StatusNotImplemented, "watch not enabled")
		return
	}
	var req watchAddRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Path == "" {
		s.respondError(w, http.StatusBadRequest, "path is required")
		return
	}
	abs, err := filepath.Abs(req.Path)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid path")
		return
	}
	info, err := os.Stat(abs)
	if err != nil {
		if os.IsNotExist(err) {
			s.respondError(w, http.StatusNotFound, "directory not found")
			return
		}
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !info.IsDir() {
		s.respondError(w, http.StatusBadRequest, "path is not a directory")
		return
	}
	syncExisting := true
	if req.Sync != nil {
		syncExisting = *req.Sync
	}
	if err := s.watch.AddDirectory(abs, syncExisting); err != nil {
		s.logger.Error("watch add directory failed", zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.persistWatchDirectories()
	s.respondJSON(w, http.StatusCreated, map[string]string{"path": abs, "status": "added"})
}

func (s *Server) handleWatchDirectoriesRemove(w http.ResponseWriter, r *http.Request) {
	if s.watch == nil {
		s.respondError(w, http.StatusNotImplemented, "watch not enabled")
		return
	}
	path := r.URL.Query().Get("path")
	if path == "" {
		var body struct {
			Path string `json:"path"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err == nil {
			path = body.Path
		}
	}
	if path == "" {
		s.respondError(w, http.StatusBadRequest, "path is required (query or body)")
		return
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid path")
		return
	}
	if err := s.watch.RemoveDirectory(abs); err != nil {
		s.logger.Error("watch remove directory failed", zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.persistWatchDirectories()
	s.respondJSON(w, http.StatusOK, map[string]string{"path": abs, "status": "removed"})
}

func (s *Server) persistWatchDirectories() {
	if s.configPath == "" || s.watchConfig == nil {
		return
	}
	s.watchConfigMu.Lock()
	defer s.watchConfigMu.Unlock()
	s.watchConfig.Watch.Directories = s.watch.Directories()
	if err := config.Save(s.configPath, s.watchConfig); err != nil {
		s.logger.Warn("failed to persist watch config", zap.Error(err))
	}
}

func intParam(r *http.Request, name string, def int) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid %s: expected a non-negative integer", name)
	}
	return n, nil
}

// statusFor maps an error kind to an HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, models.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, models.ErrExternalService):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) respondServiceError(w http.ResponseWriter, msg string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error(msg, zap.Error(err))
	} else {
		s.logger.Debug(msg, zap.Error(err))
	}
	if status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", "5")
	}
	s.respondError(w, status, strings.TrimSpace(err.Error()))
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func (s *Server) respondError(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, map[string]string{"error": message})
}

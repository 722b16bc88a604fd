package app

import (
	"context"
	"errors"
	"time"

	"github.com/hyperjump/kioku/internal/models"
	"github.com/hyperjump/kioku/internal/pipeline"
	"github.com/hyperjump/kioku/internal/watcher"
	"go.uber.org/zap"
)

// NewWatcher returns a watcher over the configured directories that ingests
// new screenshots. It is not started.
func (a *App) NewWatcher() *watcher.Watcher {
	wc := a.cfg.Watch
	return watcher.New(wc.Directories, wc.Extensions, wc.RecursiveOrDefault(), a,
		watcher.WithLogger(a.logger),
		watcher.WithDebounce(wc.Debounce))
}

// Captured ingests a screenshot found on disk. The file's modification time
// is taken as its capture time.
func (a *App) Captured(ctx context.Context, path string, modTime time.Time) {
	item, created, err := a.Ingest(ctx, models.ItemInput{ImagePath: path, CapturedAt: modTime.UTC()})
	if err != nil {
		if ctx.Err() == nil {
			a.logger.Warn("failed to ingest screenshot", zap.String("path", path), zap.Error(err))
		}
		return
	}
	if created {
		a.logger.Info("screenshot ingested", zap.String("id", item.ID), zap.String("path", path))
		return
	}
	if item.Status == models.StatusEmbedded && pipeline.ReprocessPolicy(a.cfg.Pipeline.Reprocess) == pipeline.ReprocessRecompute {
		// rewritten in place
		if err := a.pipeline.Enqueue(ctx, item.ID); err != nil && !errors.Is(err, context.Canceled) {
			a.logger.Debug("failed to queue rewritten screenshot", zap.String("id", item.ID), zap.Error(err))
		}
	}
}

// Removed deletes the item of a screenshot that left disk, when configured to.
func (a *App) Removed(ctx context.Context, path string) {
	if !a.cfg.Watch.DeleteOnRemove {
		return
	}
	item, err := a.store.GetItemByImagePath(ctx, path)
	if err != nil {
		if !errors.Is(err, models.ErrNotFound) {
			a.logger.Warn("failed to look up removed screenshot", zap.String("path", path), zap.Error(err))
		}
		return
	}
	if err := a.Delete(ctx, item.ID); err != nil && !errors.Is(err, models.ErrNotFound) {
		a.logger.Warn("failed to delete removed screenshot", zap.String("id", item.ID), zap.Error(err))
		return
	}
	a.logger.Info("screenshot removed", zap.String("id", item.ID), zap.String("path", path))
}

package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/hyperjump/kioku/internal/models"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ErrNotRunning is returned by Enqueue when the worker pool is stopped.
var ErrNotRunning = errors.New("pipeline is not running")

// Start launches the worker pool. Workers run until Stop is called or ctx ends.
func (p *Pipeline) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return fmt.Errorf("pipeline already running")
	}
	runCtx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(runCtx)
	p.queue = make(chan string, p.cfg.QueueSize)
	p.queued = make(map[string]struct{})
	p.runCtx, p.stop = gctx, cancel
	p.done = make(chan struct{})
	p.running = true

	queue := p.queue
	for i := 0; i < p.cfg.Workers; i++ {
		worker := i
		g.Go(func() error {
			p.work(gctx, worker, queue)
			return nil
		})
	}
	done := p.done
	go func() {
		_ = g.Wait()
		close(done)
	}()
	p.logger.Info("pipeline started", zap.Int("workers", p.cfg.Workers), zap.Int("queue_size", p.cfg.QueueSize))
	return nil
}

func (p *Pipeline) work(ctx context.Context, worker int, queue <-chan string) {
	for {
		select {
		case <-ctx.Done():
			return
		case id := <-queue:
			p.dequeued(id)
			if _, err := p.Process(ctx, id); err != nil && ctx.Err() == nil {
				p.logger.Debug("worker finished item with error",
					zap.Int("worker", worker), zap.String("id", id), zap.Error(err))
			}
		}
	}
}

func (p *Pipeline) dequeued(id string) {
	p.mu.Lock()
	delete(p.queued, id)
	p.mu.Unlock()
}

// Stop cancels in-flight work and waits for workers to exit. Items that were
// queued or interrupted stay pending in the store.
func (p *Pipeline) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	p.stop()
	done := p.done
	p.mu.Unlock()
	<-done
	p.logger.Info("pipeline stopped")
}

// Running reports whether the worker pool is started.
func (p *Pipeline) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// QueueLen returns the number of items waiting for a worker.
func (p *Pipeline) QueueLen() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queued)
}

// Enqueue queues id for processing. An id already waiting is not queued twice.
// It blocks while the queue is full.
func (p *Pipeline) Enqueue(ctx context.Context, id string) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return ErrNotRunning
	}
	if _, ok := p.queued[id]; ok {
		p.mu.Unlock()
		return nil
	}
	p.queued[id] = struct{}{}
	queue, runCtx := p.queue, p.runCtx
	p.mu.Unlock()

	select {
	case queue <- id:
		return nil
	case <-ctx.Done():
		p.dequeued(id)
		return ctx.Err()
	case <-runCtx.Done():
		p.dequeued(id)
		return ErrNotRunning
	}
}

// ResumePending queues every pending item, typically after a restart.
func (p *Pipeline) ResumePending(ctx context.Context) (int, error) {
	return p.enqueueStatus(ctx, models.StatusPending)
}

// RetryFailed queues every failed item for another attempt.
func (p *Pipeline) RetryFailed(ctx context.Context) (int, error) {
	return p.enqueueStatus(ctx, models.StatusFailed)
}

func (p *Pipeline) enqueueStatus(ctx context.Context, status models.Status) (int, error) {
	var ids []string
	for item, err := range p.store.ListByStatus(ctx, status) {
		if err != nil {
			return 0, err
		}
		ids = append(ids, item.ID)
	}
	for i, id := range ids {
		if err := p.Enqueue(ctx, id); err != nil {
			return i, err
		}
	}
	if len(ids) > 0 {
		p.logger.Info("queued items", zap.String("status", string(status)), zap.Int("count", len(ids)))
	}
	return len(ids), nil
}

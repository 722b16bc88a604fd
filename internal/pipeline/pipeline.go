// Package pipeline turns pending screenshot items into embedded ones: it
// describes the image, embeds the description, quantizes the embedding and
// commits the result, keeping the derived indexes in step with the store.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/hyperjump/kioku/internal/codec"
	"github.com/hyperjump/kioku/internal/embedding"
	"github.com/hyperjump/kioku/internal/keylock"
	"github.com/hyperjump/kioku/internal/keyword"
	"github.com/hyperjump/kioku/internal/models"
	"github.com/hyperjump/kioku/internal/storage"
	"github.com/hyperjump/kioku/internal/vector"
	"github.com/hyperjump/kioku/internal/vision"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// ReprocessPolicy decides what Process does with an already embedded item.
type ReprocessPolicy string

const (
	// ReprocessSkip leaves embedded items untouched.
	ReprocessSkip ReprocessPolicy = "skip"
	// ReprocessRecompute recomputes and atomically replaces the embedding.
	ReprocessRecompute ReprocessPolicy = "recompute"
)

// ParseReprocessPolicy parses a policy name; empty means skip.
func ParseReprocessPolicy(s string) (ReprocessPolicy, error) {
	switch ReprocessPolicy(s) {
	case "", ReprocessSkip:
		return ReprocessSkip, nil
	case ReprocessRecompute:
		return ReprocessRecompute, nil
	default:
		return "", fmt.Errorf("%w: unknown reprocess policy %q", models.ErrValidation, s)
	}
}

// Config controls processing.
type Config struct {
	Workers   int
	QueueSize int
	Reprocess ReprocessPolicy

	// DescribeTimeout and EmbedTimeout bound each external call.
	DescribeTimeout time.Duration
	EmbedTimeout    time.Duration

	TaggingEnabled bool
	Vocabulary     []string
	MaxTags        int
}

// Defaults for Config.
const (
	DefaultWorkers         = 2
	DefaultQueueSize       = 256
	DefaultDescribeTimeout = 3 * time.Minute
	DefaultEmbedTimeout    = 30 * time.Second
)

// GraphUpdater receives codeword changes so the similarity graph follows the
// index. Invalidate drops the graph when an update could not be applied; it
// is rebuilt in full on next use.
type GraphUpdater interface {
	OnVectorChanged(ctx context.Context, id string) error
	OnVectorRemoved(ctx context.Context, id string) error
	Invalidate()
}

// maxEditAttempts bounds how often Edit retries when the item changes
// under it while the edited text is embedded.
const maxEditAttempts = 3

// errStale reports that an item changed between reading and committing it.
var errStale = errors.New("item changed during edit")

// Event reports the outcome of processing one item.
type Event struct {
	ItemID  string
	Status  models.Status
	Skipped bool
	Err     error
	Time    time.Time
}

// Pipeline processes items. Process may be called directly or through the
// worker pool started with Start.
type Pipeline struct {
	store     storage.Storage
	describer vision.Describer
	embedder  embedding.Embedder
	codec     *codec.Codec
	index     vector.Index
	keywords  keyword.KeywordIndex
	graph     GraphUpdater
	cfg       Config
	logger    *zap.Logger

	onInconsistency func(error)

	flight  singleflight.Group
	callsMu sync.Mutex
	calls   map[string]*call
	locks   *keylock.Locker
	events  chan Event

	// writes is held shared by every store-and-index write and exclusively
	// by Exclusive, so a full index reload never misses a commit.
	writes sync.RWMutex

	mu      sync.Mutex
	running bool
	queue   chan string
	queued  map[string]struct{}
	runCtx  context.Context
	stop    context.CancelFunc
	done    chan struct{}
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(p *Pipeline) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithKeywordIndex keeps a keyword index in step with committed descriptions.
func WithKeywordIndex(k keyword.KeywordIndex) Option {
	return func(p *Pipeline) { p.keywords = k }
}

// WithGraph keeps a similarity graph in step with the vector index.
func WithGraph(g GraphUpdater) Option {
	return func(p *Pipeline) { p.graph = g }
}

// WithInconsistencyHandler is called when the vector index could not follow a
// committed change. The handler is expected to rebuild the index from the store.
func WithInconsistencyHandler(fn func(error)) Option {
	return func(p *Pipeline) { p.onInconsistency = fn }
}

// New creates a pipeline. The embedder dimension must match the codec.
func New(
	store storage.Storage,
	describer vision.Describer,
	embedder embedding.Embedder,
	c *codec.Codec,
	index vector.Index,
	cfg Config,
	opts ...Option,
) (*Pipeline, error) {
	if store == nil || describer == nil || embedder == nil || c == nil || index == nil {
		return nil, fmt.Errorf("%w: pipeline dependencies are required", models.ErrValidation)
	}
	if embedder.Dimensions() != c.Dimension() {
		return nil, fmt.Errorf("%w: embedder produces %d dimensions, codec expects %d",
			models.ErrValidation, embedder.Dimensions(), c.Dimension())
	}
	if cfg.Reprocess == "" {
		cfg.Reprocess = ReprocessSkip
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if cfg.DescribeTimeout <= 0 {
		cfg.DescribeTimeout = DefaultDescribeTimeout
	}
	if cfg.EmbedTimeout <= 0 {
		cfg.EmbedTimeout = DefaultEmbedTimeout
	}
	if cfg.MaxTags <= 0 {
		cfg.MaxTags = vision.DefaultMaxTags
	}
	p := &Pipeline{
		store:     store,
		describer: describer,
		embedder:  embedder,
		codec:     c,
		index:     index,
		cfg:       cfg,
		logger:    zap.NewNop(),
		calls:     make(map[string]*call),
		locks:     keylock.New(),
		events:    make(chan Event, 64),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Events returns processing outcomes. Events are dropped when the channel is full.
func (p *Pipeline) Events() <-chan Event {
	return p.events
}

func (p *Pipeline) emit(ev Event) {
	ev.Time = time.Now()
	select {
	case p.events <- ev:
	default:
	}
}

// Ingest registers a screenshot and queues it for processing. Ingesting a
// path that is already known returns the existing item and created=false.
func (p *Pipeline) Ingest(ctx context.Context, input models.ItemInput) (item *models.Item, created bool, err error) {
	if err := input.Validate(); err != nil {
		return nil, false, err
	}
	existing, err := p.store.GetItemByImagePath(ctx, input.ImagePath)
	switch {
	case err == nil:
		return existing, false, nil
	case !errors.Is(err, models.ErrNotFound):
		return nil, false, err
	}

	item = &models.Item{
		ImagePath:  input.ImagePath,
		CapturedAt: input.CapturedAt,
		Status:     models.StatusPending,
		Tags:       []string{},
	}
	if _, err := p.store.CreateItem(ctx, item); err != nil {
		if errors.Is(err, models.ErrValidation) {
			// lost a race with another ingest of the same path
			if existing, getErr := p.store.GetItemByImagePath(ctx, input.ImagePath); getErr == nil {
				return existing, false, nil
			}
		}
		return nil, false, err
	}
	p.logger.Debug("item ingested", zap.String("id", item.ID), zap.String("path", item.ImagePath))

	if p.Running() {
		if err := p.Enqueue(ctx, item.ID); err != nil {
			// the item stays pending and is picked up by ResumePending
			p.logger.Warn("failed to queue ingested item", zap.String("id", item.ID), zap.Error(err))
		}
	}
	return item, true, nil
}

// Process runs the pipeline for id using the configured reprocess policy.
// Concurrent calls for the same id share one execution.
func (p *Pipeline) Process(ctx context.Context, id string) (*models.ProcessResult, error) {
	return p.run(ctx, id, p.cfg.Reprocess)
}

// Reprocess recomputes the embedding of id even when it is already embedded.
func (p *Pipeline) Reprocess(ctx context.Context, id string) (*models.ProcessResult, error) {
	return p.run(ctx, id, ReprocessRecompute)
}

// call is one in-flight run shared by every caller of the same id and
// policy. Its context ends when the last of them has gone.
type call struct {
	ctx     context.Context
	cancel  context.CancelFunc
	waiters int
}

func (p *Pipeline) run(ctx context.Context, id string, policy ReprocessPolicy) (*models.ProcessResult, error) {
	key := string(policy) + "/" + id
	c := p.join(ctx, key)
	defer p.leave(key, c)
	for attempt := 0; ; attempt++ {
		ch := p.flight.DoChan(key, func() (interface{}, error) {
			return p.process(c.ctx, id, policy)
		})
		select {
		case r := <-ch:
			if r.Err != nil {
				// joined the tail of a run whose callers all left
				if abandoned(r.Err) && ctx.Err() == nil && attempt < 2 {
					continue
				}
				return nil, r.Err
			}
			res := *r.Val.(*models.ProcessResult)
			return &res, nil
		case <-ctx.Done():
			return nil, fmt.Errorf("process %s: %w", id, ctx.Err())
		}
	}
}

func (p *Pipeline) join(ctx context.Context, key string) *call {
	p.callsMu.Lock()
	defer p.callsMu.Unlock()
	c, ok := p.calls[key]
	if !ok {
		cctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		c = &call{ctx: cctx, cancel: cancel}
		p.calls[key] = c
	}
	c.waiters++
	return c
}

func (p *Pipeline) leave(key string, c *call) {
	p.callsMu.Lock()
	defer p.callsMu.Unlock()
	c.waiters--
	if c.waiters == 0 {
		c.cancel()
		delete(p.calls, key)
	}
}

// abandoned reports a run cut short because its callers went away, as
// opposed to a step timeout, which is a service failure.
func abandoned(err error) bool {
	return errors.Is(err, context.Canceled) && !errors.Is(err, models.ErrExternalService)
}

func (p *Pipeline) process(ctx context.Context, id string, policy ReprocessPolicy) (*models.ProcessResult, error) {
	item, err := p.store.GetItem(ctx, id)
	if err != nil {
		return nil, err
	}
	if item.Status == models.StatusEmbedded && policy == ReprocessSkip {
		p.emit(Event{ItemID: id, Status: item.Status, Skipped: true})
		return &models.ProcessResult{ItemID: id, Status: item.Status, Skipped: true}, nil
	}
	wasEmbedded := item.Status == models.StatusEmbedded
	start := time.Now()

	desc, cw, err := p.compute(ctx, item)
	if err != nil {
		return nil, p.fail(ctx, item, wasEmbedded, err)
	}

	if err := p.commit(ctx, id, desc, cw, nil); err != nil {
		if errors.Is(err, models.ErrNotFound) || errors.Is(err, models.ErrConsistency) {
			return nil, err
		}
		return nil, p.fail(ctx, item, wasEmbedded, err)
	}

	p.logger.Info("item embedded",
		zap.String("id", id),
		zap.Strings("tags", desc.Tags),
		zap.Duration("elapsed", time.Since(start)))
	p.emit(Event{ItemID: id, Status: models.StatusEmbedded})
	return &models.ProcessResult{ItemID: id, Status: models.StatusEmbedded}, nil
}

// compute runs the external calls. No lock is held here.
func (p *Pipeline) compute(ctx context.Context, item *models.Item) (vision.Description, codec.Codeword, error) {
	maxTags := 0
	if p.cfg.TaggingEnabled {
		maxTags = p.cfg.MaxTags
	}

	dctx, cancel := context.WithTimeout(ctx, p.cfg.DescribeTimeout)
	raw, err := p.describer.Describe(dctx, vision.Request{
		ImagePath:  item.ImagePath,
		Vocabulary: p.cfg.Vocabulary,
		MaxTags:    maxTags,
	})
	cancel()
	if err != nil {
		return vision.Description{}, nil, fmt.Errorf("describe: %w", err)
	}
	desc, err := vision.Normalize(raw, maxTags)
	if err != nil {
		return vision.Description{}, nil, fmt.Errorf("describe: %w", err)
	}

	cw, err := p.embed(ctx, desc)
	if err != nil {
		return vision.Description{}, nil, err
	}
	return desc, cw, nil
}

func (p *Pipeline) embed(ctx context.Context, desc vision.Description) (codec.Codeword, error) {
	ectx, cancel := context.WithTimeout(ctx, p.cfg.EmbedTimeout)
	vec, err := p.embedder.Embed(ectx, embedding.ItemText(desc.Text, desc.Tags))
	cancel()
	if err != nil {
		return nil, fmt.Errorf("embed: %w", err)
	}
	cw, err := p.codec.Encode(vec)
	if err != nil {
		return nil, fmt.Errorf("encode: %w", err)
	}
	return cw, nil
}

// commit writes the result to the store and then to the derived indexes,
// holding the per-item lock so a concurrent Delete cannot interleave. A
// non-nil base must still match the stored item or errStale is returned.
func (p *Pipeline) commit(ctx context.Context, id string, desc vision.Description, cw codec.Codeword, base *models.Item) error {
	unlock := p.locks.Lock(id)
	defer unlock()
	p.writes.RLock()
	defer p.writes.RUnlock()

	if base != nil {
		cur, err := p.store.GetItem(ctx, id)
		if err != nil {
			return err
		}
		if cur.Status != base.Status || cur.DescriptionText() != base.DescriptionText() || !slices.Equal(cur.Tags, base.Tags) {
			return errStale
		}
	}
	if err := p.store.CommitEmbedding(ctx, id, desc.Text, desc.Tags, cw); err != nil {
		return err
	}
	// the store is committed; derived updates must not be cut short by the caller
	dctx := context.WithoutCancel(ctx)
	if err := p.index.Upsert(dctx, id, cw); err != nil {
		err = fmt.Errorf("%w: index upsert for %s: %w", models.ErrConsistency, id, err)
		p.inconsistent(err)
		return err
	}
	p.syncKeyword(dctx, id)
	if p.graph != nil {
		p.graphFailed(id, p.graph.OnVectorChanged(dctx, id))
	}
	return nil
}

// graphFailed drops a graph that missed an update so the next read rebuilds it.
func (p *Pipeline) graphFailed(id string, err error) {
	if err == nil {
		return
	}
	p.logger.Warn("graph update failed, invalidating graph", zap.String("id", id), zap.Error(err))
	p.graph.Invalidate()
}

// Exclusive runs fn while no commit or delete touches the store and the
// vector index, so fn sees both at rest.
func (p *Pipeline) Exclusive(fn func() error) error {
	p.writes.Lock()
	defer p.writes.Unlock()
	return fn()
}

func (p *Pipeline) syncKeyword(ctx context.Context, id string) {
	if p.keywords == nil {
		return
	}
	item, err := p.store.GetItem(ctx, id)
	if err == nil {
		err = p.keywords.Index(ctx, item)
	}
	if err != nil {
		p.logger.Warn("keyword index update failed", zap.String("id", id), zap.Error(err))
	}
}

func (p *Pipeline) inconsistent(err error) {
	p.logger.Error("vector index out of step with store", zap.Error(err))
	if p.onInconsistency != nil {
		p.onInconsistency(err)
	}
}

// fail records a processing failure. Caller cancellation leaves the item as
// it was. An embedded item keeps its committed state and only records the
// error; any other item moves to failed.
func (p *Pipeline) fail(ctx context.Context, item *models.Item, wasEmbedded bool, cause error) error {
	err := classify(cause)
	if ctx.Err() != nil {
		p.logger.Debug("processing cancelled", zap.String("id", item.ID), zap.Error(cause))
		return fmt.Errorf("process %s: %w", item.ID, ctx.Err())
	}

	// record the failure even though the caller's context may end right now
	wctx := context.WithoutCancel(ctx)
	var recordErr error
	if wasEmbedded {
		recordErr = p.store.RecordError(wctx, item.ID, err.Error())
	} else {
		recordErr = p.store.MarkFailed(wctx, item.ID, err.Error())
	}
	if recordErr != nil && !errors.Is(recordErr, models.ErrNotFound) {
		p.logger.Error("failed to record processing failure", zap.String("id", item.ID), zap.Error(recordErr))
	}

	status := models.StatusFailed
	if wasEmbedded {
		status = models.StatusEmbedded
	}
	p.logger.Warn("item processing failed",
		zap.String("id", item.ID),
		zap.String("path", item.ImagePath),
		zap.Error(err))
	p.emit(Event{ItemID: item.ID, Status: status, Err: err})
	return fmt.Errorf("process %s: %w", item.ID, err)
}

// classify makes sure every failure carries one of the error kinds.
func classify(err error) error {
	switch {
	case errors.Is(err, models.ErrValidation),
		errors.Is(err, models.ErrExternalService),
		errors.Is(err, models.ErrStorage),
		errors.Is(err, models.ErrNotFound):
		return err
	default:
		return fmt.Errorf("%w: %w", models.ErrExternalService, err)
	}
}

// Delete removes an item from the store and every derived index.
func (p *Pipeline) Delete(ctx context.Context, id string) error {
	unlock := p.locks.Lock(id)
	defer unlock()
	p.writes.RLock()
	defer p.writes.RUnlock()

	item, err := p.store.GetItem(ctx, id)
	if err != nil {
		return err
	}
	// the index never holds an id the store lacks: drop it from the index
	// first and put it back if the store refuses the delete
	dctx := context.WithoutCancel(ctx)
	cw, indexed := p.index.Get(id)
	if err := p.index.Remove(dctx, id); err != nil {
		return fmt.Errorf("%w: index remove for %s: %w", models.ErrConsistency, id, err)
	}
	if err := p.store.DeleteItem(ctx, id); err != nil {
		if indexed {
			if upErr := p.index.Upsert(dctx, id, cw); upErr != nil {
				p.inconsistent(fmt.Errorf("%w: index restore for %s: %w", models.ErrConsistency, id, upErr))
			}
		}
		return err
	}
	if p.keywords != nil {
		if err := p.keywords.Delete(dctx, id); err != nil {
			p.logger.Warn("keyword index delete failed", zap.String("id", id), zap.Error(err))
		}
	}
	if p.graph != nil {
		p.graphFailed(id, p.graph.OnVectorRemoved(dctx, id))
	}
	p.logger.Info("item deleted", zap.String("id", id), zap.String("path", item.ImagePath))
	return nil
}

// Edit applies a user correction to the description or tags of an item. An
// embedded item is re-embedded from the edited text and replaced atomically;
// any other item only has its metadata updated and is described again when
// processed.
func (p *Pipeline) Edit(ctx context.Context, id string, edit models.MetadataEdit) (*models.Item, error) {
	if err := edit.Validate(); err != nil {
		return nil, err
	}
	for attempt := 0; attempt < maxEditAttempts; attempt++ {
		item, err := p.store.GetItem(ctx, id)
		if err != nil {
			return nil, err
		}
		if item.Status != models.StatusEmbedded {
			err = p.editMetadata(ctx, id, edit)
		} else {
			err = p.editEmbedded(ctx, item, edit)
		}
		switch {
		case errors.Is(err, errStale):
			continue
		case err != nil:
			return nil, err
		}
		p.logger.Info("item edited", zap.String("id", id))
		return p.store.GetItem(ctx, id)
	}
	return nil, fmt.Errorf("%w: item %s kept changing, try again", models.ErrValidation, id)
}

func (p *Pipeline) editMetadata(ctx context.Context, id string, edit models.MetadataEdit) error {
	unlock := p.locks.Lock(id)
	defer unlock()
	cur, err := p.store.GetItem(ctx, id)
	if err != nil {
		return err
	}
	if cur.Status == models.StatusEmbedded {
		return errStale
	}
	return p.store.UpdateItem(ctx, id, models.ItemUpdate{Description: edit.Description, Tags: edit.Tags})
}

// editEmbedded embeds the edited text without holding any lock and commits
// it only if the item is still the one that was read.
func (p *Pipeline) editEmbedded(ctx context.Context, item *models.Item, edit models.MetadataEdit) error {
	desc := vision.Description{Text: item.DescriptionText(), Tags: item.Tags}
	if edit.Description != nil {
		desc.Text = *edit.Description
	}
	if edit.Tags != nil {
		desc.Tags = *edit.Tags
	}
	cw, err := p.embed(ctx, desc)
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("edit %s: %w", item.ID, ctx.Err())
		}
		return fmt.Errorf("edit %s: %w", item.ID, classify(err))
	}
	if err := p.commit(ctx, item.ID, desc, cw, item); err != nil {
		return err
	}
	p.emit(Event{ItemID: item.ID, Status: models.StatusEmbedded})
	return nil
}

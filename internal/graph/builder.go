// Package graph maintains the similarity graph over indexed items: every
// item links to its nearest neighbors whose codeword similarity reaches the
// configured threshold, and edges are undirected.
package graph

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/hyperjump/kioku/internal/codec"
	"github.com/hyperjump/kioku/internal/models"
	"github.com/hyperjump/kioku/internal/vector"
	"go.uber.org/zap"
)

// Defaults for Config.
const (
	DefaultThreshold    = 0.75
	DefaultMaxNeighbors = 20
)

// Config controls edge materialization.
type Config struct {
	// Threshold is the minimum similarity for an edge, in [0,1].
	Threshold float64
	// MaxNeighbors is k: each node keeps its k nearest neighbors.
	MaxNeighbors int
}

// Neighbor is one adjacent node.
type Neighbor struct {
	ID         string
	Distance   int
	Similarity float64
}

// Stats summarizes the published graph.
type Stats struct {
	Ready        bool      `json:"ready"`
	Nodes        int       `json:"nodes"`
	Edges        int       `json:"edges"`
	Threshold    float64   `json:"threshold"`
	MaxNeighbors int       `json:"max_neighbors"`
	BuiltAt      time.Time `json:"built_at"`
	BuildTime    int64     `json:"build_time_ms"`
}

// state is an arena of node ids. out holds each node's own nearest
// neighbors within the threshold; in is its reverse. An undirected edge
// exists when either endpoint lists the other.
type state struct {
	ids   []string
	slots map[string]int
	out   []map[int]int // slot -> neighbor slot -> distance
	in    []map[int]struct{}
	free  []int
	edges int
}

func newState(capacity int) *state {
	return &state{
		ids:   make([]string, 0, capacity),
		slots: make(map[string]int, capacity),
		out:   make([]map[int]int, 0, capacity),
		in:    make([]map[int]struct{}, 0, capacity),
	}
}

func (s *state) slot(id string) int {
	if i, ok := s.slots[id]; ok {
		return i
	}
	var i int
	if n := len(s.free); n > 0 {
		i = s.free[n-1]
		s.free = s.free[:n-1]
		s.ids[i] = id
		s.out[i] = make(map[int]int)
		s.in[i] = make(map[int]struct{})
	} else {
		i = len(s.ids)
		s.ids = append(s.ids, id)
		s.out = append(s.out, make(map[int]int))
		s.in = append(s.in, make(map[int]struct{}))
	}
	s.slots[id] = i
	return i
}

func (s *state) linked(a, b int) bool {
	if _, ok := s.out[a][b]; ok {
		return true
	}
	_, ok := s.out[b][a]
	return ok
}

// setOut replaces the nearest-neighbor list of slot a.
func (s *state) setOut(a int, next map[int]int) {
	for b := range s.out[a] {
		if _, keep := next[b]; keep {
			continue
		}
		delete(s.out[a], b)
		delete(s.in[b], a)
		if !s.linked(a, b) {
			s.edges--
		}
	}
	for b, d := range next {
		if _, had := s.out[a][b]; !had {
			if !s.linked(a, b) {
				s.edges++
			}
			s.in[b][a] = struct{}{}
		}
		s.out[a][b] = d
	}
}

// assign resolves neighbor ids to slots.
func (s *state) assign(near []vector.Result) map[int]int {
	out := make(map[int]int, len(near))
	for _, r := range near {
		out[s.slot(r.ID)] = r.Distance
	}
	return out
}

// remove drops id, its list and every list that names it.
func (s *state) remove(id string) {
	i, ok := s.slots[id]
	if !ok {
		return
	}
	for j := range s.in[i] {
		delete(s.out[j], i)
		if _, back := s.out[i][j]; !back {
			s.edges--
		}
	}
	s.in[i] = map[int]struct{}{}
	s.setOut(i, nil)
	s.out[i], s.in[i] = nil, nil
	s.ids[i] = ""
	delete(s.slots, id)
	s.free = append(s.free, i)
}

// worst returns the farthest entry of a nearest-neighbor list, ties by id.
func (s *state) worst(a int) (int, string) {
	wd, wid := -1, ""
	for b, d := range s.out[a] {
		if id := s.ids[b]; d > wd || (d == wd && id > wid) {
			wd, wid = d, id
		}
	}
	return wd, wid
}

// Builder owns the similarity graph. Full rebuilds and incremental updates
// are serialized by writeMu; readers only ever see a published state.
type Builder struct {
	index   vector.Index
	codec   *codec.Codec
	cfg     Config
	maxDist int
	logger  *zap.Logger

	writeMu sync.Mutex

	mu        sync.RWMutex
	st        *state
	ready     bool
	builtAt   time.Time
	buildTime time.Duration
}

// Option configures a Builder.
type Option func(*Builder)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(b *Builder) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// NewBuilder creates a builder over index. The graph is built lazily on first use.
func NewBuilder(index vector.Index, c *codec.Codec, cfg Config, opts ...Option) (*Builder, error) {
	if index == nil || c == nil {
		return nil, fmt.Errorf("%w: index and codec are required", models.ErrValidation)
	}
	if cfg.Threshold < 0 || cfg.Threshold > 1 {
		return nil, fmt.Errorf("%w: graph threshold must be within [0,1], got %v", models.ErrValidation, cfg.Threshold)
	}
	if cfg.MaxNeighbors <= 0 {
		cfg.MaxNeighbors = DefaultMaxNeighbors
	}
	b := &Builder{
		index:   index,
		codec:   c,
		cfg:     cfg,
		maxDist: c.MaxDistance(cfg.Threshold),
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b, nil
}

// Threshold returns the similarity threshold for edges.
func (b *Builder) Threshold() float64 { return b.cfg.Threshold }

// MaxDistance returns the largest Hamming distance that forms an edge.
func (b *Builder) MaxDistance() int { return b.maxDist }

// MaxNeighbors returns the per-node neighbor cap.
func (b *Builder) MaxNeighbors() int { return b.cfg.MaxNeighbors }

// Ready reports whether a graph has been published.
func (b *Builder) Ready() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.ready
}

// Invalidate discards the published graph; the next read rebuilds it.
func (b *Builder) Invalidate() {
	b.writeMu.Lock()
	defer b.writeMu.Unlock()
	b.mu.Lock()
	b.st, b.ready = nil, false
	b.mu.Unlock()
}

// RebuildFull recomputes the graph from the current index content and
// publishes it in one swap. On error the previous graph stays published.
func (b *Builder) RebuildFull(ctx context.Context) error {
	b.writeMu.Lock()
	defer b.writeMu.Unlock()
	return b.rebuildLocked(ctx)
}

func (b *Builder) rebuildLocked(ctx context.Context) error {
	start := time.Now()
	ids := b.index.IDs()
	sort.Strings(ids)
	fresh := newState(len(ids))
	for _, id := range ids {
		cw, ok := b.index.Get(id)
		if !ok {
			// removed while building; its own removal update follows
			continue
		}
		near, err := b.nearest(ctx, id, cw)
		if err != nil {
			return fmt.Errorf("rebuild graph: %w", err)
		}
		fresh.setOut(fresh.slot(id), fresh.assign(near))
	}

	elapsed := time.Since(start)
	b.mu.Lock()
	b.st, b.ready = fresh, true
	b.builtAt, b.buildTime = time.Now(), elapsed
	b.mu.Unlock()

	b.logger.Info("similarity graph rebuilt",
		zap.Int("nodes", len(fresh.slots)),
		zap.Int("edges", fresh.edges),
		zap.Duration("elapsed", elapsed))
	return nil
}

// nearest returns the MaxNeighbors closest items to id that reach the threshold.
func (b *Builder) nearest(ctx context.Context, id string, cw codec.Codeword) ([]vector.Result, error) {
	results, err := b.index.KNearest(ctx, cw, b.cfg.MaxNeighbors+1)
	if err != nil {
		return nil, err
	}
	kept := make([]vector.Result, 0, len(results))
	for _, r := range results {
		if r.ID == id || r.Distance > b.maxDist {
			continue
		}
		if len(kept) == b.cfg.MaxNeighbors {
			break
		}
		kept = append(kept, r)
	}
	return kept, nil
}

// EnsureBuilt builds the graph if none is published.
func (b *Builder) EnsureBuilt(ctx context.Context) error {
	if b.Ready() {
		return nil
	}
	b.writeMu.Lock()
	defer b.writeMu.Unlock()
	if b.Ready() {
		return nil
	}
	return b.rebuildLocked(ctx)
}

// OnVectorChanged recomputes the neighbor lists touched by a codeword that
// was inserted or replaced in the index: the item's own list, the lists that
// named it and the lists it now enters. A graph that was never built is left
// alone; it will see the change when built.
func (b *Builder) OnVectorChanged(ctx context.Context, id string) error {
	b.writeMu.Lock()
	defer b.writeMu.Unlock()
	if !b.Ready() {
		return nil
	}
	cw, ok := b.index.Get(id)
	if !ok {
		return b.removeLocked(ctx, id)
	}
	// only writers mutate st and they hold writeMu, so reading it here is safe
	st := b.st
	affected := make(map[string]struct{})
	if i, ok := st.slots[id]; ok {
		for j := range st.in[i] {
			affected[st.ids[j]] = struct{}{}
		}
	}
	within, err := b.index.Within(ctx, cw, b.maxDist)
	if err != nil {
		return fmt.Errorf("update graph for %s: %w", id, err)
	}
	for _, r := range within {
		if r.ID != id && b.admits(st, r.ID, id, r.Distance) {
			affected[r.ID] = struct{}{}
		}
	}

	own, err := b.nearest(ctx, id, cw)
	if err != nil {
		return fmt.Errorf("update graph for %s: %w", id, err)
	}
	lists, err := b.nearestOf(ctx, affected)
	if err != nil {
		return fmt.Errorf("update graph for %s: %w", id, err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	st.setOut(st.slot(id), st.assign(own))
	for other, near := range lists {
		st.setOut(st.slot(other), st.assign(near))
	}
	return nil
}

// admits reports whether id at distance d enters the neighbor list of other.
func (b *Builder) admits(st *state, other, id string, d int) bool {
	j, ok := st.slots[other]
	if !ok || len(st.out[j]) < b.cfg.MaxNeighbors {
		return true
	}
	wd, wid := st.worst(j)
	return d < wd || (d == wd && id < wid)
}

// nearestOf computes neighbor lists for ids still in the index.
func (b *Builder) nearestOf(ctx context.Context, ids map[string]struct{}) (map[string][]vector.Result, error) {
	lists := make(map[string][]vector.Result, len(ids))
	for other := range ids {
		cw, ok := b.index.Get(other)
		if !ok {
			continue
		}
		near, err := b.nearest(ctx, other, cw)
		if err != nil {
			return nil, err
		}
		lists[other] = near
	}
	return lists, nil
}

// OnVectorRemoved drops id and refills the neighbor lists that named it.
func (b *Builder) OnVectorRemoved(ctx context.Context, id string) error {
	b.writeMu.Lock()
	defer b.writeMu.Unlock()
	if !b.Ready() {
		return nil
	}
	return b.removeLocked(ctx, id)
}

func (b *Builder) removeLocked(ctx context.Context, id string) error {
	st := b.st
	i, ok := st.slots[id]
	if !ok {
		return nil
	}
	affected := make(map[string]struct{}, len(st.in[i]))
	for j := range st.in[i] {
		affected[st.ids[j]] = struct{}{}
	}
	lists, err := b.nearestOf(ctx, affected)
	if err != nil {
		return fmt.Errorf("remove %s from graph: %w", id, err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	st.remove(id)
	for other, near := range lists {
		st.setOut(st.slot(other), st.assign(near))
	}
	return nil
}

// NeighborsOf returns up to MaxNeighbors neighbors of id by descending
// similarity, ties by ascending id. A node without edges has no neighbors,
// and so has an indexed item whose graph update has not landed yet. Neighbors
// that already left the index are skipped. It returns models.ErrNotFound when
// id is in neither the graph nor the index.
func (b *Builder) NeighborsOf(ctx context.Context, id string) ([]Neighbor, error) {
	if err := b.EnsureBuilt(ctx); err != nil {
		return nil, err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	st := b.st
	var (
		i  int
		ok bool
	)
	if st != nil {
		i, ok = st.slots[id]
	}
	if !ok {
		if b.index.Contains(id) {
			return []Neighbor{}, nil
		}
		return nil, fmt.Errorf("item %s: %w", id, models.ErrNotFound)
	}
	dist := make(map[int]int, len(st.out[i])+len(st.in[i]))
	for j, d := range st.out[i] {
		dist[j] = d
	}
	for j := range st.in[i] {
		if _, seen := dist[j]; !seen {
			dist[j] = st.out[j][i]
		}
	}
	out := make([]Neighbor, 0, len(dist))
	for j, d := range dist {
		nid := st.ids[j]
		if !b.index.Contains(nid) {
			continue
		}
		out = append(out, Neighbor{ID: nid, Distance: d, Similarity: b.codec.Similarity(d)})
	}
	sort.Slice(out, func(x, y int) bool {
		if out[x].Distance != out[y].Distance {
			return out[x].Distance < out[y].Distance
		}
		return out[x].ID < out[y].ID
	})
	if len(out) > b.cfg.MaxNeighbors {
		out = out[:b.cfg.MaxNeighbors]
	}
	return out, nil
}

// Edges returns every edge ordered by (A, B).
func (b *Builder) Edges(ctx context.Context) ([]models.Edge, error) {
	if err := b.EnsureBuilt(ctx); err != nil {
		return nil, err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	st := b.st
	if st == nil {
		return []models.Edge{}, nil
	}
	edges := make([]models.Edge, 0, st.edges)
	for i, nbrs := range st.out {
		for j, d := range nbrs {
			a, other := st.ids[i], st.ids[j]
			if _, mutual := st.out[j][i]; mutual && a > other {
				continue
			}
			if a > other {
				a, other = other, a
			}
			edges = append(edges, models.Edge{A: a, B: other, Similarity: b.codec.Similarity(d)})
		}
	}
	sort.Slice(edges, func(x, y int) bool {
		if edges[x].A != edges[y].A {
			return edges[x].A < edges[y].A
		}
		return edges[x].B < edges[y].B
	})
	return edges, nil
}

// View returns nodes and edges of the published graph.
func (b *Builder) View(ctx context.Context) (*models.GraphView, error) {
	edges, err := b.Edges(ctx)
	if err != nil {
		return nil, err
	}
	nodes := []string{}
	b.mu.RLock()
	if b.st != nil {
		for id := range b.st.slots {
			nodes = append(nodes, id)
		}
	}
	b.mu.RUnlock()
	sort.Strings(nodes)
	return &models.GraphView{Nodes: nodes, Edges: edges, Threshold: b.cfg.Threshold}, nil
}

// Stats returns a summary of the published graph.
func (b *Builder) Stats() Stats {
	b.mu.RLock()
	defer b.mu.RUnlock()
	s := Stats{
		Ready:        b.ready,
		Threshold:    b.cfg.Threshold,
		MaxNeighbors: b.cfg.MaxNeighbors,
		BuiltAt:      b.builtAt,
		BuildTime:    b.buildTime.Milliseconds(),
	}
	if b.st != nil {
		s.Nodes = len(b.st.slots)
		s.Edges = b.st.edges
	}
	return s
}

// Package lod selects the terrain tiles to display for a camera and keeps
// the renderer in sync with that selection.
//
// A Terrain owns a quadtree anchored at the base tile of its generator. Each
// call to Update walks the tree, subdivides nodes whose screen space error is
// too large, requests tiles for the selected (active) nodes and shows the
// best tiles available, falling back to coarser or finer tiles that are
// already loaded while new ones are on their way.
//
// Update, the reconfiguration methods and Close must be called from a single
// goroutine. Tiles are built on background goroutines and handed back to that
// goroutine at the start of the next Update.
package lod

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"github.com/flywave/go-qmterrain/config"
	"github.com/flywave/go-qmterrain/generator"
	"github.com/flywave/go-qmterrain/quadtree"
	"github.com/flywave/go-qmterrain/scene"
	"github.com/flywave/go-qmterrain/tile"
	"github.com/paulmach/orb"
	"golang.org/x/sync/semaphore"
)

// Renderer receives the changes of the visible tile set.
type Renderer interface {
	AddTile(t *generator.Tile)
	RemoveTile(t *generator.Tile)
}

type nopRenderer struct{}

func (nopRenderer) AddTile(*generator.Tile)    {}
func (nopRenderer) RemoveTile(*generator.Tile) {}

// Options are the LOD settings of a Terrain.
type Options struct {
	MaxLevel       uint32
	MaxPixelError  float64
	DefaultEpsilon float64

	MaxConcurrent int
	// RetryAfter is how long a node whose tile failed waits before the next
	// request. MaxAttempts bounds the number of requests, 0 means no bound.
	RetryAfter  time.Duration
	MaxAttempts int

	Tile generator.Context

	// Clock defaults to time.Now.
	Clock func() time.Time
}

// Snapshot is the immutable view of the settings used by one traversal.
type Snapshot struct {
	Camera         scene.Camera
	MaxLevel       uint32
	MaxPixelError  float64
	DefaultEpsilon float64
	Tile           generator.Context
}

type request struct {
	node   quadtree.NodeID
	gen    uint32
	addr   generator.NodeAddress
	cancel context.CancelFunc
}

type result struct {
	req  *request
	tile *generator.Tile
	err  error
}

// slot is the tile bookkeeping of a node.
type slot struct {
	tile      *generator.Tile
	req       *request
	failures  int
	retryAt   time.Time
	exhausted bool
}

func (s *slot) idle() bool {
	return s.tile == nil && s.req == nil && s.failures == 0
}

// Terrain is the LOD controller of one terrain.
type Terrain struct {
	gen      generator.Generator
	renderer Renderer
	logger   *log.Logger
	opts     Options

	tree    *quadtree.Tree
	slots   map[quadtree.NodeID]*slot
	active  []quadtree.NodeID
	visible []*generator.Tile

	ctx    context.Context
	cancel context.CancelFunc
	sem    *semaphore.Weighted
	wg     sync.WaitGroup

	mu     sync.Mutex
	inbox  []result
	ready  chan struct{}
	closed bool
}

// New creates a Terrain over gen. A nil renderer discards updates and a nil
// logger discards messages.
func New(gen generator.Generator, opts Options, renderer Renderer, logger *log.Logger) *Terrain {
	if renderer == nil {
		renderer = nopRenderer{}
	}
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = 1
	}
	if opts.Tile.Exaggeration == 0 {
		opts.Tile.Exaggeration = 1
	}
	if opts.Tile.Transform == nil {
		opts.Tile.Transform = scene.Identity
	}
	ctx, cancel := context.WithCancel(context.Background())
	t := &Terrain{
		gen:      gen,
		renderer: renderer,
		logger:   logger,
		opts:     opts,
		tree:     quadtree.New(),
		slots:    make(map[quadtree.NodeID]*slot),
		ctx:      ctx,
		cancel:   cancel,
		sem:      semaphore.NewWeighted(int64(opts.MaxConcurrent)),
		ready:    make(chan struct{}, 1),
	}
	t.initRoot()
	return t
}

func (t *Terrain) Generator() generator.Generator {
	return t.gen
}

// Tree exposes the quadtree for inspection. It must not be modified.
func (t *Terrain) Tree() *quadtree.Tree {
	return t.tree
}

// MaxLevel is the effective maximum level, bounded by the tile pyramid.
func (t *Terrain) MaxLevel() uint32 {
	if m := t.gen.MaxLevel(); t.opts.MaxLevel > m {
		return m
	}
	return t.opts.MaxLevel
}

// Ready is signalled when finished tiles are waiting for the next Update.
func (t *Terrain) Ready() <-chan struct{} {
	return t.ready
}

// Tile returns the tile currently bound to id, if any.
func (t *Terrain) Tile(id quadtree.NodeID) *generator.Tile {
	if s := t.slots[id]; s != nil {
		return s.tile
	}
	return nil
}

// Unavailable reports whether the last request for the tile of id failed.
func (t *Terrain) Unavailable(id quadtree.NodeID) bool {
	s := t.slots[id]
	return s != nil && s.tile == nil && s.failures > 0
}

// Visible returns the tiles handed to the renderer, in display order.
func (t *Terrain) Visible() []*generator.Tile {
	return append([]*generator.Tile(nil), t.visible...)
}

// Snapshot captures the settings for a traversal with cam.
func (t *Terrain) Snapshot(cam scene.Camera) Snapshot {
	return Snapshot{
		Camera:         cam,
		MaxLevel:       t.MaxLevel(),
		MaxPixelError:  t.opts.MaxPixelError,
		DefaultEpsilon: t.opts.DefaultEpsilon,
		Tile:           t.opts.Tile,
	}
}

// Update applies finished tiles, selects the active nodes for cam, requests
// their tiles and refreshes the visible set. It returns the active nodes.
func (t *Terrain) Update(cam scene.Camera) []quadtree.NodeID {
	if t.closed {
		return nil
	}
	t.applyResults()

	snap := t.Snapshot(cam)
	t.active = t.active[:0]
	t.traverse(t.tree.Root(), snap)

	t.cancelInactive()
	t.requestTiles(snap)
	t.refreshVisible()
	t.prune()
	return append([]quadtree.NodeID(nil), t.active...)
}

func (t *Terrain) traverse(id quadtree.NodeID, s Snapshot) {
	n := t.tree.Node(id)
	eps := s.DefaultEpsilon
	if n.Materialized {
		eps = n.Epsilon
	}
	sse := s.Camera.ScreenSpaceError(eps, n.BBox.DistanceFromPoint(s.Camera.Position))
	if sse > s.MaxPixelError && n.Level < s.MaxLevel {
		n.State = quadtree.Subdivided
		fresh := !n.HasChildren()
		children := t.tree.Children(id)
		if fresh {
			for _, c := range children {
				t.initBox(c, s.Tile)
			}
		}
		for _, c := range children {
			t.traverse(c, s)
		}
		return
	}

	n.State = quadtree.Active
	t.active = append(t.active, id)
	if n.HasChildren() {
		for _, c := range n.Children {
			t.tree.Walk(c, func(_ quadtree.NodeID, d *quadtree.Node) bool {
				d.State = quadtree.Unvisited
				return true
			})
		}
	}
}

func (t *Terrain) address(id quadtree.NodeID) generator.NodeAddress {
	n := t.tree.Node(id)
	return generator.NodeAddress{X: n.X, Y: n.Y, Level: n.Level}
}

// initBox gives a node without a tile the box of its extent at zero height.
func (t *Terrain) initBox(id quadtree.NodeID, tc generator.Context) {
	box, err := generator.ExtentBox(t.gen, t.address(id), tc)
	if err != nil {
		t.logger.Printf("node %v: extent box: %v", t.address(id), err)
		return
	}
	t.tree.Node(id).BBox = box
}

func (t *Terrain) initRoot() {
	t.tree.Reset()
	t.initBox(t.tree.Root(), t.opts.Tile)
}

func (t *Terrain) slot(id quadtree.NodeID) *slot {
	s := t.slots[id]
	if s == nil {
		s = &slot{}
		t.slots[id] = s
	}
	return s
}

func (t *Terrain) cancelInactive() {
	for id, s := range t.slots {
		if s.req != nil && t.tree.Node(id).State != quadtree.Active {
			s.req.cancel()
			s.req = nil
		}
	}
}

func (t *Terrain) requestTiles(snap Snapshot) {
	now := t.opts.Clock()
	for _, id := range t.active {
		s := t.slot(id)
		if s.tile != nil || s.req != nil || s.exhausted || now.Before(s.retryAt) {
			continue
		}
		t.load(id, s, snap.Tile)
	}
}

func (t *Terrain) load(id quadtree.NodeID, s *slot, tc generator.Context) {
	ctx, cancel := context.WithCancel(t.ctx)
	req := &request{
		node:   id,
		gen:    t.tree.Node(id).Generation,
		addr:   t.address(id),
		cancel: cancel,
	}
	s.req = req

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		defer cancel()
		res := result{req: req}
		if err := t.sem.Acquire(ctx, 1); err != nil {
			res.err = err
		} else {
			res.tile, res.err = t.gen.CreateTile(ctx, req.addr, tc)
			t.sem.Release(1)
		}
		t.deliver(res)
	}()
}

func (t *Terrain) deliver(res result) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		if res.tile != nil {
			res.tile.Release()
		}
		return
	}
	t.inbox = append(t.inbox, res)
	t.mu.Unlock()

	select {
	case t.ready <- struct{}{}:
	default:
	}
}

func (t *Terrain) applyResults() {
	t.mu.Lock()
	inbox := t.inbox
	t.inbox = nil
	t.mu.Unlock()

	now := t.opts.Clock()
	for _, res := range inbox {
		id := res.req.node
		s := t.slots[id]
		if s == nil || s.req != res.req || !t.tree.Alive(id, res.req.gen) {
			if res.tile != nil {
				res.tile.Release()
			}
			continue
		}
		s.req = nil

		if res.err != nil {
			s.failures++
			s.retryAt = now.Add(t.opts.RetryAfter)
			if t.opts.MaxAttempts > 0 && s.failures >= t.opts.MaxAttempts {
				s.exhausted = true
			}
			t.logger.Printf("node %v: attempt %d failed: %v", res.req.addr, s.failures, res.err)
			continue
		}

		s.tile = res.tile
		s.failures = 0
		s.exhausted = false
		n := t.tree.Node(id)
		n.BBox = res.tile.BBox
		n.Epsilon = res.tile.Epsilon
		n.Materialized = true
	}
}

// cover appends to out the nodes whose tiles display the subtree of id and
// reports whether they leave no hole.
func (t *Terrain) cover(id quadtree.NodeID, out *[]quadtree.NodeID) bool {
	n := t.tree.Node(id)
	has := t.Tile(id) != nil
	switch n.State {
	case quadtree.Active:
		if has {
			*out = append(*out, id)
			return true
		}
		return t.coverBelow(id, out)
	case quadtree.Subdivided:
		var below []quadtree.NodeID
		complete := true
		for _, c := range n.Children {
			if !t.cover(c, &below) {
				complete = false
			}
		}
		switch {
		case complete:
			*out = append(*out, below...)
			return true
		case has:
			*out = append(*out, id)
			return true
		}
		*out = append(*out, below...)
	}
	return false
}

// coverBelow keeps the finer tiles of a former subtree on screen until the
// tile of the node itself arrives.
func (t *Terrain) coverBelow(id quadtree.NodeID, out *[]quadtree.NodeID) bool {
	n := t.tree.Node(id)
	if !n.HasChildren() {
		return false
	}
	var below []quadtree.NodeID
	for _, c := range n.Children {
		if t.Tile(c) != nil {
			below = append(below, c)
			continue
		}
		if !t.coverBelow(c, &below) {
			return false
		}
	}
	*out = append(*out, below...)
	return true
}

func (t *Terrain) refreshVisible() {
	var shown []quadtree.NodeID
	t.cover(t.tree.Root(), &shown)

	keep := make(map[quadtree.NodeID]bool, len(shown)+len(t.active))
	next := make([]*generator.Tile, 0, len(shown))
	nextSet := make(map[*generator.Tile]bool, len(shown))
	for _, id := range shown {
		keep[id] = true
		tl := t.Tile(id)
		next = append(next, tl)
		nextSet[tl] = true
	}
	for _, id := range t.active {
		keep[id] = true
	}

	prevSet := make(map[*generator.Tile]bool, len(t.visible))
	for _, tl := range t.visible {
		prevSet[tl] = true
		if !nextSet[tl] {
			t.renderer.RemoveTile(tl)
		}
	}
	for _, tl := range next {
		if !prevSet[tl] {
			t.renderer.AddTile(tl)
		}
	}
	t.visible = next

	for id, s := range t.slots {
		if s.tile != nil && !keep[id] {
			s.tile.Release()
			s.tile = nil
		}
	}
}

// prune frees the subtrees below active nodes once nothing in them is loaded
// or loading.
func (t *Terrain) prune() {
	for _, id := range t.active {
		n := t.tree.Node(id)
		if !n.HasChildren() {
			continue
		}
		busy := false
		for _, c := range n.Children {
			t.tree.Walk(c, func(d quadtree.NodeID, _ *quadtree.Node) bool {
				if s := t.slots[d]; s != nil && (s.tile != nil || s.req != nil) {
					busy = true
				}
				return !busy
			})
		}
		if !busy {
			t.tree.Prune(id, t.releaseNode)
		}
	}
	for id, s := range t.slots {
		if s.idle() {
			delete(t.slots, id)
		}
	}
}

// releaseNode drops everything bound to a node that leaves the tree.
func (t *Terrain) releaseNode(id quadtree.NodeID) {
	s := t.slots[id]
	if s == nil {
		return
	}
	if s.req != nil {
		s.req.cancel()
	}
	if s.tile != nil {
		for i, tl := range t.visible {
			if tl == s.tile {
				t.renderer.RemoveTile(tl)
				t.visible = append(t.visible[:i], t.visible[i+1:]...)
				break
			}
		}
		s.tile.Release()
	}
	delete(t.slots, id)
}

// teardown releases every tile and request and resets the quadtree.
func (t *Terrain) teardown() {
	for _, tl := range t.visible {
		t.renderer.RemoveTile(tl)
	}
	t.visible = nil
	for _, s := range t.slots {
		if s.req != nil {
			s.req.cancel()
		}
		if s.tile != nil {
			s.tile.Release()
		}
	}
	t.slots = make(map[quadtree.NodeID]*slot)
	t.active = t.active[:0]
	t.initRoot()
}

// SetMaxLevel changes the maximum level. The quadtree is rebuilt.
func (t *Terrain) SetMaxLevel(level uint32) {
	if level == t.opts.MaxLevel {
		return
	}
	t.opts.MaxLevel = level
	t.teardown()
}

// SetBaseTileFromExtent re-anchors the terrain to the tile best matching
// extent. The quadtree is rebuilt once in-flight requests have stopped.
func (t *Terrain) SetBaseTileFromExtent(extent orb.Bound) {
	t.teardown()
	t.wg.Wait()
	id := t.gen.SetBaseTileFromExtent(extent)
	t.logger.Printf("base tile set to %v", id)
	t.initRoot()
}

// SetBaseTile re-anchors the terrain to id. The quadtree is rebuilt once
// in-flight requests have stopped; an invalid id leaves the terrain as is.
func (t *Terrain) SetBaseTile(id tile.ID) error {
	if err := id.Check(); err != nil {
		return err
	}
	t.teardown()
	t.wg.Wait()
	if err := t.gen.SetBaseTile(id); err != nil {
		return err
	}
	t.logger.Printf("base tile set to %v", id)
	t.initRoot()
	return nil
}

// recordReader is implemented by generators with a persisted record.
type recordReader interface {
	ReadXML(r io.Reader) error
}

// ReadRecord restores the generator record from r and rebuilds the
// quadtree. A rejected record keeps the previous base tile.
func (t *Terrain) ReadRecord(r io.Reader) error {
	rr, ok := t.gen.(recordReader)
	if !ok {
		return fmt.Errorf("%w: %v generator has no record", config.ErrConfiguration, t.gen.Kind())
	}
	t.teardown()
	t.wg.Wait()
	err := rr.ReadXML(r)
	if err == nil {
		t.logger.Printf("base tile set to %v", t.gen.BaseTile())
	}
	t.initRoot()
	return err
}

// Sync blocks until every in-flight request has delivered its result. The
// results are applied by the next Update.
func (t *Terrain) Sync(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close cancels in-flight requests and releases every tile.
func (t *Terrain) Close() error {
	if t.closed {
		return errors.New("lod: terrain already closed")
	}
	t.cancel()
	t.wg.Wait()

	t.mu.Lock()
	t.closed = true
	inbox := t.inbox
	t.inbox = nil
	t.mu.Unlock()
	for _, res := range inbox {
		if res.tile != nil {
			res.tile.Release()
		}
	}
	t.teardown()
	return nil
}

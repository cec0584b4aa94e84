// Package hnsw implements a concurrent Hierarchical Navigable Small World
// graph: the per-collection ANN index. Reads are lock-free against a
// per-node, atomically-swapped neighbor list; writes CAS those pointers and
// take a short critical section only to register new nodes or move the
// entry point. Deletion is tombstone-based, searches honor context
// deadlines, and a filtered-search allow-set lets callers restrict
// candidates without a second index.
package hnsw

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/vectorcore-db/vectorcore/pkg/distance"
)

// Errors surfaced to callers; the collection layer maps these onto the
// shared Kind taxonomy.
var (
	ErrDuplicateID = errors.New("hnsw: duplicate vector id")
	ErrNotFound    = errors.New("hnsw: vector id not found")
	ErrDimMismatch = errors.New("hnsw: vector dimension mismatch")
	ErrDeadline    = errors.New("hnsw: deadline exceeded")
)

// Config parameterizes a Graph. Typical values: M=16, EfConstruction=200,
// EfSearch=50-100.
type Config struct {
	Dim            int
	M              int
	EfConstruction int
	EfSearch       int
	Seed           int64
	Metric         distance.Metric
	// OversampleFactor expands the internal beam when a filter allow-set is
	// supplied, to preserve recall (spec default 4x).
	OversampleFactor int
}

func (c Config) withDefaults() Config {
	if c.M <= 0 {
		c.M = 16
	}
	if c.EfConstruction <= 0 {
		c.EfConstruction = 200
	}
	if c.EfSearch <= 0 {
		c.EfSearch = 64
	}
	if c.OversampleFactor <= 0 {
		c.OversampleFactor = 4
	}
	return c
}

// node is arena-allocated and owned entirely by the Graph; no back
// references escape it. Neighbor lists at each level sit behind an
// atomically-swapped pointer so readers never block on a writer.
type node struct {
	id        string
	level     int
	vector    []float32 // nil if quantized
	quantized []byte
	deleted   atomic.Bool
	neighbors []atomic.Pointer[[]string] // len == level+1
}

type entryPoint struct {
	id    string
	level int
}

// Graph is a single collection's HNSW index.
type Graph struct {
	cfg Config

	nodesMu sync.RWMutex // guards the nodes map and tombstone count only
	nodes   map[string]*node
	count   int // live (non-tombstoned) node count

	entry atomic.Pointer[entryPoint]

	rng   *rand.Rand
	rngMu sync.Mutex

	distFunc func(a, b []float32) float32

	decode func(code []byte) ([]float32, error) // set by collection when a quantizer is attached
}

// New creates an empty graph.
func New(cfg Config) *Graph {
	cfg = cfg.withDefaults()
	seed := cfg.Seed
	if seed == 0 {
		seed = 1
	}
	distFunc := cfg.Metric.Func()
	if cfg.Metric != distance.Euclidean {
		// Cosine and DotProduct kernels return similarities (higher is
		// closer); the graph orders by ascending distance, so it works on
		// their negation and Search flips the sign back.
		sim := distFunc
		distFunc = func(a, b []float32) float32 { return -sim(a, b) }
	}
	return &Graph{
		cfg:      cfg,
		nodes:    make(map[string]*node),
		rng:      rand.New(rand.NewSource(seed)),
		distFunc: distFunc,
	}
}

// SetDecoder wires a quantizer's decode function so the graph can compute
// distances against quantized-and-dropped vectors. Called by the owning
// Collection when a quantizer switches over.
func (g *Graph) SetDecoder(decode func([]byte) ([]float32, error)) {
	g.decode = decode
}

// Len returns the number of live (non-tombstoned) nodes.
func (g *Graph) Len() int {
	g.nodesMu.RLock()
	defer g.nodesMu.RUnlock()
	return g.count
}

func (g *Graph) selectLevel() int {
	g.rngMu.Lock()
	defer g.rngMu.Unlock()
	// Exponential distribution with mean 1/ln(M): level = floor(-ln(U)/ln(M)).
	u := g.rng.Float64()
	if u <= 0 {
		u = 1e-12
	}
	level := int(math.Floor(-math.Log(u) / math.Log(float64(g.cfg.M))))
	if level > 32 {
		level = 32
	}
	return level
}

func (g *Graph) resolveVector(n *node) ([]float32, error) {
	if n.vector != nil {
		return n.vector, nil
	}
	if n.quantized != nil && g.decode != nil {
		return g.decode(n.quantized)
	}
	return nil, fmt.Errorf("hnsw: node %s has no resolvable vector", n.id)
}

func (g *Graph) dist(query []float32, n *node) float32 {
	v, err := g.resolveVector(n)
	if err != nil {
		return float32(math.MaxFloat32)
	}
	return g.distFunc(query, v)
}

func maxConn(cfg Config, level int) int {
	if level == 0 {
		return cfg.M * 2
	}
	return cfg.M
}

// Insert adds vector under id, optionally storing only its quantized form
// (storedVector nil, quantized non-nil) to honor the memory-efficiency
// contract once a quantizer is trained. Hard errors: duplicate id and
// dimension mismatch. ctx is checked once up front and at each beam
// step as a suspension point.
func (g *Graph) Insert(ctx context.Context, id string, vector []float32, quantized []byte) error {
	if vector != nil && len(vector) != g.cfg.Dim {
		return ErrDimMismatch
	}
	if err := ctx.Err(); err != nil {
		return ErrDeadline
	}

	g.nodesMu.Lock()
	if _, exists := g.nodes[id]; exists {
		g.nodesMu.Unlock()
		return ErrDuplicateID
	}
	level := g.selectLevel()
	n := &node{
		id:        id,
		level:     level,
		vector:    vector,
		quantized: quantized,
		neighbors: make([]atomic.Pointer[[]string], level+1),
	}
	for i := range n.neighbors {
		empty := []string{}
		n.neighbors[i].Store(&empty)
	}
	g.nodes[id] = n
	g.count++

	ep := g.entry.Load()
	if ep == nil {
		g.entry.Store(&entryPoint{id: id, level: level})
		g.nodesMu.Unlock()
		return nil
	}
	g.nodesMu.Unlock()

	queryVec, err := g.resolveVector(n)
	if err != nil {
		return err
	}

	currNearest := []string{ep.id}
	for lc := ep.level; lc > level; lc-- {
		if err := ctx.Err(); err != nil {
			return ErrDeadline
		}
		currNearest = g.searchLayer(ctx, queryVec, currNearest, 1, lc, nil, 0)
	}

	for lc := level; lc >= 0; lc-- {
		if err := ctx.Err(); err != nil {
			return ErrDeadline
		}
		candidates := g.searchLayer(ctx, queryVec, currNearest, g.cfg.EfConstruction, lc, nil, 0)
		neighbors := g.selectNeighborsHeuristic(queryVec, candidates, maxConn(g.cfg, lc))
		n.neighbors[lc].Store(&neighbors)

		for _, nb := range neighbors {
			g.addConnectionAndPrune(nb, id, lc)
		}
		if len(candidates) > 0 {
			currNearest = candidates
		}
	}

	for {
		cur := g.entry.Load()
		if level <= cur.level {
			break
		}
		if g.entry.CompareAndSwap(cur, &entryPoint{id: id, level: level}) {
			break
		}
	}
	return nil
}

// addConnectionAndPrune adds a back-edge from "to" at layer lc onto node
// "from", pruning via the neighbor-selection heuristic if it overflows.
func (g *Graph) addConnectionAndPrune(from, to string, lc int) {
	g.nodesMu.RLock()
	n, ok := g.nodes[from]
	g.nodesMu.RUnlock()
	if !ok || lc >= len(n.neighbors) {
		return
	}
	for {
		old := n.neighbors[lc].Load()
		cur := *old
		for _, x := range cur {
			if x == to {
				return
			}
		}
		updated := append(append([]string(nil), cur...), to)
		maxC := maxConn(g.cfg, lc)
		if len(updated) > maxC {
			vec, err := g.resolveVector(n)
			if err == nil {
				updated = g.selectNeighborsHeuristic(vec, updated, maxC)
			} else {
				updated = updated[:maxC]
			}
		}
		if n.neighbors[lc].CompareAndSwap(old, &updated) {
			return
		}
	}
}

// searchLayer performs a greedy beam search at a single layer, seeded from
// entryPoints, with beam width ef. Skips tombstoned nodes entirely. budget
// caps the number of nodes visited (0 means unbounded); ctx is polled every
// 64 visits as a suspension point for long beam searches at layer 0.
func (g *Graph) searchLayer(ctx context.Context, query []float32, entryPoints []string, ef int, layer int, allow map[string]bool, budget int) []string {
	visited := make(map[string]bool, ef*2)
	candidates := &distHeap{}
	dynamic := &maxDistHeap{}
	visitCount := 0

	g.nodesMu.RLock()
	for _, id := range entryPoints {
		n, ok := g.nodes[id]
		if !ok || n.deleted.Load() {
			continue
		}
		d := g.dist(query, n)
		candidates.push(heapItem{id, d})
		dynamic.push(heapItem{id, d})
		visited[id] = true
	}
	g.nodesMu.RUnlock()

	for candidates.Len() > 0 {
		if budget > 0 && visitCount >= budget {
			break
		}
		if dynamic.Len() > 0 && candidates.peek().dist > dynamic.peek().dist {
			break
		}
		cur := candidates.pop()
		visitCount++
		if visitCount%64 == 0 && ctx.Err() != nil {
			break
		}

		g.nodesMu.RLock()
		curNode, ok := g.nodes[cur.id]
		g.nodesMu.RUnlock()
		if !ok || layer >= len(curNode.neighbors) {
			continue
		}
		nbPtr := curNode.neighbors[layer].Load()
		if nbPtr == nil {
			continue
		}
		for _, nbID := range *nbPtr {
			if visited[nbID] {
				continue
			}
			visited[nbID] = true

			g.nodesMu.RLock()
			nb, ok := g.nodes[nbID]
			g.nodesMu.RUnlock()
			if !ok || nb.deleted.Load() {
				continue
			}
			d := g.dist(query, nb)
			if dynamic.Len() < ef || d < dynamic.peek().dist {
				candidates.push(heapItem{nbID, d})
				dynamic.push(heapItem{nbID, d})
				if dynamic.Len() > ef {
					dynamic.pop()
				}
			}
		}
	}

	result := dynamic.drainSortedAscending()
	if allow == nil {
		return result
	}
	filtered := make([]string, 0, len(result))
	for _, id := range result {
		if allow[id] {
			filtered = append(filtered, id)
		}
	}
	return filtered
}

func (g *Graph) selectNeighborsHeuristic(query []float32, candidates []string, m int) []string {
	if len(candidates) <= m {
		return candidates
	}
	type scored struct {
		id   string
		dist float32
	}
	g.nodesMu.RLock()
	pairs := make([]scored, 0, len(candidates))
	for _, c := range candidates {
		n, ok := g.nodes[c]
		if !ok {
			continue
		}
		pairs = append(pairs, scored{c, g.dist(query, n)})
	}
	g.nodesMu.RUnlock()
	sort.Slice(pairs, func(i, j int) bool { return pairs[i].dist < pairs[j].dist })

	selected := make([]string, 0, m)
	for _, cand := range pairs {
		if len(selected) >= m {
			break
		}
		g.nodesMu.RLock()
		candNode := g.nodes[cand.id]
		var candVec []float32
		if candNode != nil {
			candVec, _ = g.resolveVector(candNode)
		}
		g.nodesMu.RUnlock()
		if candVec == nil {
			continue
		}
		keep := true
		for _, s := range selected {
			g.nodesMu.RLock()
			sNode := g.nodes[s]
			g.nodesMu.RUnlock()
			if sNode == nil {
				continue
			}
			sVec, err := g.resolveVector(sNode)
			if err != nil {
				continue
			}
			if g.distFunc(candVec, sVec) < cand.dist {
				keep = false
				break
			}
		}
		if keep {
			selected = append(selected, cand.id)
		}
	}
	if len(selected) < m && len(selected) < len(pairs) {
		for _, p := range pairs {
			if len(selected) >= m {
				break
			}
			found := false
			for _, s := range selected {
				if s == p.id {
					found = true
					break
				}
			}
			if !found {
				selected = append(selected, p.id)
			}
		}
	}
	return selected
}

// Result is one scored hit from Search.
type Result struct {
	ID    string
	Score float32 // raw distance/similarity from the configured metric
}

// SearchOptions configures a single Search call.
type SearchOptions struct {
	K      int
	Ef     int            // overrides Config.EfSearch when > 0
	Allow  map[string]bool // payload-filter survivor set; nil means unfiltered
	Budget int             // max nodes visited; 0 means ef*log2(n)+1 default
}

// Search performs ANN search for the k nearest neighbors of query. When
// Allow is non-nil, the beam is widened by OversampleFactor to preserve
// recall against the restricted result set. ctx is checked at each layer
// descent (a suspension point).
func (g *Graph) Search(ctx context.Context, query []float32, opts SearchOptions) ([]Result, error) {
	if opts.K <= 0 {
		return nil, nil
	}
	if len(query) != g.cfg.Dim {
		return nil, ErrDimMismatch
	}
	ep := g.entry.Load()
	if ep == nil {
		return nil, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, ErrDeadline
	}

	ef := opts.Ef
	if ef <= 0 {
		ef = g.cfg.EfSearch
	}
	if ef < opts.K {
		ef = opts.K
	}
	if opts.Allow != nil {
		ef *= g.cfg.OversampleFactor
	}

	budget := opts.Budget
	if budget <= 0 {
		n := g.Len()
		if n < 2 {
			n = 2
		}
		budget = ef*int(math.Log2(float64(n))) + 1
	}

	currNearest := []string{ep.id}
	for lc := ep.level; lc > 0; lc-- {
		if err := ctx.Err(); err != nil {
			return nil, ErrDeadline
		}
		currNearest = g.searchLayer(ctx, query, currNearest, 1, lc, nil, 0)
		if len(currNearest) == 0 {
			currNearest = []string{ep.id}
		}
	}

	candidates := g.searchLayer(ctx, query, currNearest, ef, 0, opts.Allow, budget)

	results := make([]Result, 0, len(candidates))
	g.nodesMu.RLock()
	for _, id := range candidates {
		n, ok := g.nodes[id]
		if !ok || n.deleted.Load() {
			continue
		}
		results = append(results, Result{ID: id, Score: g.dist(query, n)})
	}
	g.nodesMu.RUnlock()

	sort.Slice(results, func(i, j int) bool { return results[i].Score < results[j].Score })
	if len(results) > opts.K {
		results = results[:opts.K]
	}
	if g.cfg.Metric != distance.Euclidean {
		for i := range results {
			results[i].Score = -results[i].Score
		}
	}
	return results, nil
}

// Delete tombstones id; it is skipped by future searches immediately.
// Physical removal happens only via RepairTombstones.
func (g *Graph) Delete(id string) error {
	g.nodesMu.Lock()
	defer g.nodesMu.Unlock()
	n, ok := g.nodes[id]
	if !ok {
		return ErrNotFound
	}
	if n.deleted.CompareAndSwap(false, true) {
		g.count--
	}
	if ep := g.entry.Load(); ep != nil && ep.id == id {
		for otherID, other := range g.nodes {
			if !other.deleted.Load() {
				g.entry.Store(&entryPoint{id: otherID, level: other.level})
				break
			}
		}
	}
	return nil
}

// Purge fully removes id from the graph, freeing its id for immediate
// reinsertion, unlike Delete which only tombstones it. Stale neighbor
// references left dangling elsewhere are skipped on visit and cleaned up by
// the next RepairTombstones, same as a tombstoned node. Used by Collection's
// update path (delete-then-reinsert under the same id).
func (g *Graph) Purge(id string) bool {
	g.nodesMu.Lock()
	defer g.nodesMu.Unlock()
	n, ok := g.nodes[id]
	if !ok {
		return false
	}
	if !n.deleted.Load() {
		g.count--
	}
	delete(g.nodes, id)
	if ep := g.entry.Load(); ep != nil && ep.id == id {
		for otherID, other := range g.nodes {
			if !other.deleted.Load() {
				g.entry.Store(&entryPoint{id: otherID, level: other.level})
				break
			}
		}
	}
	return true
}

// Vector returns id's stored vector (resolved through the decoder if it was
// inserted quantized-only) and whether id is a live node.
func (g *Graph) Vector(id string) ([]float32, bool) {
	g.nodesMu.RLock()
	n, ok := g.nodes[id]
	g.nodesMu.RUnlock()
	if !ok || n.deleted.Load() {
		return nil, false
	}
	v, err := g.resolveVector(n)
	if err != nil {
		return nil, false
	}
	return v, true
}

// Contains reports whether id is a live (non-tombstoned) node.
func (g *Graph) Contains(id string) bool {
	g.nodesMu.RLock()
	defer g.nodesMu.RUnlock()
	n, ok := g.nodes[id]
	return ok && !n.deleted.Load()
}

// TombstoneRatio returns deleted/total, used to trigger repair at 20%.
func (g *Graph) TombstoneRatio() float64 {
	g.nodesMu.RLock()
	defer g.nodesMu.RUnlock()
	total := len(g.nodes)
	if total == 0 {
		return 0
	}
	return float64(total-g.count) / float64(total)
}

// RepairTombstones physically removes tombstoned nodes and relinks
// neighbor lists that referenced them. Called from compaction or when
// TombstoneRatio exceeds 20%.
func (g *Graph) RepairTombstones() {
	g.nodesMu.Lock()
	defer g.nodesMu.Unlock()
	for id, n := range g.nodes {
		if n.deleted.Load() {
			delete(g.nodes, id)
			continue
		}
		for lvl := range n.neighbors {
			old := *n.neighbors[lvl].Load()
			clean := old[:0:0]
			for _, nb := range old {
				if other, ok := g.nodes[nb]; ok && !other.deleted.Load() {
					clean = append(clean, nb)
				}
			}
			n.neighbors[lvl].Store(&clean)
		}
	}
}

// Stats reports HNSW graph shape: node and live counts, tombstone ratio,
// level histogram and average out-degree.
type Stats struct {
	NodeCount        int
	LiveCount        int
	TombstoneRatio   float64
	MaxLevel         int
	LevelHistogram   map[int]int
	AverageOutDegree float64
}

func (g *Graph) Stats() Stats {
	g.nodesMu.RLock()
	defer g.nodesMu.RUnlock()
	hist := make(map[int]int)
	var edges int
	maxLevel := 0
	for _, n := range g.nodes {
		if n.deleted.Load() {
			continue
		}
		hist[n.level]++
		if n.level > maxLevel {
			maxLevel = n.level
		}
		for lvl := range n.neighbors {
			edges += len(*n.neighbors[lvl].Load())
		}
	}
	avg := 0.0
	if g.count > 0 {
		avg = float64(edges) / float64(g.count)
	}
	return Stats{
		NodeCount:        len(g.nodes),
		LiveCount:        g.count,
		TombstoneRatio:   float64(len(g.nodes)-g.count) / float64(maxInt(len(g.nodes), 1)),
		MaxLevel:         maxLevel,
		LevelHistogram:   hist,
		AverageOutDegree: avg,
	}
}

// ReplaceQuantized swaps a node's stored representation from a raw vector to
// a quantized encoding, used when a collection's quantizer (of any method;
// all of them train deferred) finishes its first training pass and re-encodes vectors
// that were inserted raw before training completed. Takes the full node-map
// lock as a coordination barrier; callers should run this as a batch step
// rather than interleaved with steady-state query traffic.
func (g *Graph) ReplaceQuantized(id string, quantized []byte) bool {
	g.nodesMu.Lock()
	defer g.nodesMu.Unlock()
	n, ok := g.nodes[id]
	if !ok {
		return false
	}
	n.vector = nil
	n.quantized = quantized
	return true
}

// NodeView is a read-only snapshot of one node, used by the storage layer to
// serialize and restore a graph across process restarts.
type NodeView struct {
	ID        string
	Level     int
	Vector    []float32
	Quantized []byte
	Deleted   bool
	Neighbors [][]string
}

// Nodes returns a point-in-time view of every node, live or tombstoned, for
// segment-file persistence.
func (g *Graph) Nodes() []NodeView {
	g.nodesMu.RLock()
	defer g.nodesMu.RUnlock()
	views := make([]NodeView, 0, len(g.nodes))
	for _, n := range g.nodes {
		nv := NodeView{
			ID:        n.id,
			Level:     n.level,
			Vector:    n.vector,
			Quantized: n.quantized,
			Deleted:   n.deleted.Load(),
			Neighbors: make([][]string, len(n.neighbors)),
		}
		for lvl := range n.neighbors {
			nv.Neighbors[lvl] = append([]string(nil), *n.neighbors[lvl].Load()...)
		}
		views = append(views, nv)
	}
	return views
}

// EntryID returns the current entry point id and level, or ok=false if the
// graph is empty.
func (g *Graph) EntryID() (id string, level int, ok bool) {
	ep := g.entry.Load()
	if ep == nil {
		return "", 0, false
	}
	return ep.id, ep.level, true
}

// LoadSnapshot rebuilds a graph's internal state from a prior Nodes() dump,
// used when restoring a collection from a segment file or .vecdb archive.
// The graph must be freshly constructed (empty) before calling this.
func (g *Graph) LoadSnapshot(views []NodeView, entryID string, entryLevel int) {
	g.nodesMu.Lock()
	defer g.nodesMu.Unlock()
	for _, v := range views {
		n := &node{
			id:        v.ID,
			level:     v.Level,
			vector:    v.Vector,
			quantized: v.Quantized,
			neighbors: make([]atomic.Pointer[[]string], len(v.Neighbors)),
		}
		n.deleted.Store(v.Deleted)
		for lvl, nbs := range v.Neighbors {
			list := append([]string(nil), nbs...)
			n.neighbors[lvl].Store(&list)
		}
		g.nodes[v.ID] = n
		if !v.Deleted {
			g.count++
		}
	}
	if entryID != "" {
		g.entry.Store(&entryPoint{id: entryID, level: entryLevel})
	}
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// Package collection binds one named collection's subsystems together: the
// HNSW index, the payload secondary index, an optional quantizer, and the
// normalization cache, behind a single writer-guard mutex with lock-free
// reads against the index.
package collection

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/multierr"

	"github.com/vectorcore-db/vectorcore/pkg/clock"
	"github.com/vectorcore-db/vectorcore/pkg/distance"
	"github.com/vectorcore-db/vectorcore/pkg/hnsw"
	"github.com/vectorcore-db/vectorcore/pkg/logging"
	"github.com/vectorcore-db/vectorcore/pkg/normcache"
	"github.com/vectorcore-db/vectorcore/pkg/payload"
	"github.com/vectorcore-db/vectorcore/pkg/quantize"
)

// Errors surfaced to the owning store; mapped onto the shared Kind taxonomy
// there.
var (
	ErrNotFound      = fmt.Errorf("collection: vector id not found")
	ErrAlreadyExists = fmt.Errorf("collection: vector id already exists")
	ErrDimMismatch   = fmt.Errorf("collection: vector dimension mismatch")
	ErrClosed        = fmt.Errorf("collection: collection is closed")
)

// VectorInsert is one vector plus its payload, the unit Insert and Update
// operate on.
type VectorInsert struct {
	ID      string
	Vector  []float32
	Payload map[string]any
}

// SearchRequest configures a single Search call.
type SearchRequest struct {
	Query     []float32
	K         int
	Ef        int
	Filter    payload.Expr
	Threshold float32 // 0 disables; results less similar than this are dropped
}

// SearchHit is one scored result, with its payload attached for convenience.
type SearchHit struct {
	ID      string
	Score   float32
	Payload map[string]any
}

// Stats is the observability snapshot returned by Describe, feeding the
// store-level Observability surface.
type Stats struct {
	Name             string
	Count            int
	Dim              int
	Version          uint64
	HNSW             hnsw.Stats
	QuantizerMethod  quantize.Method
	QuantizerTrained bool
	QuantizerLoss    float64
	NormCache        *normcache.Stats
}

// Collection owns one named vector collection's full subsystem stack.
type Collection struct {
	cfg    CollectionConfig
	logger logging.Logger
	clock  clock.Clock

	writerMu sync.Mutex // serializes mutating operations; released before segment I/O

	graph      *hnsw.Graph
	payloadIdx *payload.Index
	normCache  *normcache.Cache

	quantMu      sync.Mutex
	quantizer    quantize.Quantizer
	quantReady   bool // false while the quantizer awaits its training threshold
	pqPending    [][]float32
	pqPendingIDs []string

	storeMu  sync.RWMutex
	vectors  map[string][]float32 // Memory storage kind
	handles  map[string]int64     // Mmap storage kind
	vecFile  *vectorFile
	payloads map[string]map[string]any

	version atomic.Uint64
	closed  atomic.Bool
}

// New constructs an empty collection per cfg.
func New(cfg CollectionConfig, logger logging.Logger, clk clock.Clock) (*Collection, error) {
	if cfg.Dim <= 0 {
		return nil, fmt.Errorf("collection: dimension must be positive")
	}
	if logger == nil {
		logger = logging.Nop()
	}
	if clk == nil {
		clk = clock.System
	}

	c := &Collection{
		cfg:      cfg,
		logger:   logger.With("collection", cfg.Name),
		clock:    clk,
		graph:    hnsw.New(hnsw.Config{
			Dim:              cfg.Dim,
			M:                cfg.M,
			EfConstruction:   cfg.EfConstruction,
			EfSearch:         cfg.EfSearch,
			Seed:             cfg.Seed,
			Metric:           cfg.Metric,
			OversampleFactor: cfg.OversampleFactor,
		}),
		payloadIdx: payload.New(cfg.PayloadFields),
		vectors:    make(map[string][]float32),
		handles:    make(map[string]int64),
		payloads:   make(map[string]map[string]any),
	}

	if err := c.initQuantizer(); err != nil {
		return nil, err
	}

	if cfg.NormCacheDir != "" {
		nc, err := normcache.New(normcache.Config{
			Policy:  cfg.NormalizationPolicy,
			WarmDir: cfg.NormCacheDir + "/warm",
			ColdDir: cfg.NormCacheDir + "/cold",
		})
		if err != nil {
			return nil, fmt.Errorf("collection: init normalization cache: %w", err)
		}
		c.normCache = nc
	}

	if cfg.Storage == Mmap {
		if cfg.DataDir == "" {
			return nil, fmt.Errorf("collection: mmap storage requires DataDir")
		}
		vf, err := openVectorFile(cfg.DataDir+"/"+cfg.Name+"_vectors.bin", cfg.Dim)
		if err != nil {
			return nil, err
		}
		c.vecFile = vf
	}

	if cfg.Storage == Mmap || c.quantizer != nil {
		// A node's quantized bytes mean one of two things depending on
		// training state: before the quantizer trains, Mmap storage still
		// stores raw vectors out-of-line via a vectorFile handle; once
		// trained, the bytes are the quantizer's own code. quantReady is the
		// discriminant.
		c.graph.SetDecoder(func(code []byte) ([]float32, error) {
			if c.quantizer != nil && c.quantReady {
				vecs, err := c.quantizer.DecodeBatch([][]byte{code})
				if err != nil {
					return nil, err
				}
				return vecs[0], nil
			}
			if c.vecFile != nil {
				off, err := DecodeHandle(code)
				if err != nil {
					return nil, err
				}
				return c.vecFile.ReadAt(off)
			}
			return nil, fmt.Errorf("collection: cannot resolve quantized node before training")
		})
	}

	return c, nil
}

func (c *Collection) initQuantizer() error {
	switch c.cfg.Quantization.Method {
	case quantize.MethodNone, "":
		return nil
	case quantize.MethodScalar8:
		q, err := quantize.NewScalar(c.cfg.Dim, 8)
		if err != nil {
			return err
		}
		c.quantizer = q
	case quantize.MethodScalar4:
		q, err := quantize.NewScalar(c.cfg.Dim, 4)
		if err != nil {
			return err
		}
		c.quantizer = q
	case quantize.MethodBinary:
		c.quantizer = quantize.NewBinary(c.cfg.Dim)
	case quantize.MethodProduct:
		msub := c.cfg.Quantization.MSub
		if msub <= 0 {
			msub = 8
		}
		k := c.cfg.Quantization.Centroids
		if k <= 0 {
			k = 256
		}
		q, err := quantize.NewProduct(c.cfg.Dim, msub, k)
		if err != nil {
			return err
		}
		c.quantizer = q
	default:
		return fmt.Errorf("collection: unknown quantization method %q", c.cfg.Quantization.Method)
	}
	// Every method trains lazily once trainAtCount vectors accumulate;
	// quantReady stays false until then. Non-PQ methods default to
	// trainAtCount 1, so in practice they train on the first insert.
	return nil
}

func (c *Collection) trainAtCount() int {
	if c.cfg.Quantization.TrainAtCount > 0 {
		return c.cfg.Quantization.TrainAtCount
	}
	if c.cfg.Quantization.Method == quantize.MethodProduct {
		return 1000
	}
	return 1
}

// PreTrain trains the collection's quantizer up front from a representative
// sample, skipping the deferred-training accumulation path entirely. Useful
// when the caller already holds a corpus before the first Insert.
func (c *Collection) PreTrain(sample [][]float32) error {
	if c.quantizer == nil {
		return fmt.Errorf("collection: no quantizer configured")
	}
	c.quantMu.Lock()
	defer c.quantMu.Unlock()
	if c.quantReady {
		return fmt.Errorf("collection: quantizer already trained")
	}
	t, ok := c.quantizer.(trainer)
	if !ok {
		return fmt.Errorf("collection: quantizer %T does not support training", c.quantizer)
	}
	if err := t.Train(sample); err != nil {
		return fmt.Errorf("collection: pre-train quantizer: %w", err)
	}
	if err := c.quantizer.Validate(c.cfg.Quantization.QualityFloor); err != nil {
		return err
	}
	c.quantReady = true
	return nil
}

// Insert adds batch to the collection under the writer guard, returning a
// multierr aggregate of any per-item failures (duplicate id, dimension
// mismatch, payload type errors) while still committing the items that
// succeeded.
func (c *Collection) Insert(ctx context.Context, batch []VectorInsert) error {
	if c.closed.Load() {
		return ErrClosed
	}
	c.writerMu.Lock()
	defer c.writerMu.Unlock()

	var errs error
	for _, item := range batch {
		if err := c.insertOneLocked(ctx, item); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("collection: insert %q: %w", item.ID, err))
			continue
		}
		c.version.Add(1)
	}
	return errs
}

func (c *Collection) insertOneLocked(ctx context.Context, item VectorInsert) error {
	if len(item.Vector) != c.cfg.Dim {
		return ErrDimMismatch
	}
	c.storeMu.RLock()
	_, exists := c.vectors[item.ID]
	_, existsHandle := c.handles[item.ID]
	c.storeMu.RUnlock()
	if exists || existsHandle {
		return ErrAlreadyExists
	}

	quantized, trainedNow, err := c.encodeForInsertLocked(item.ID, item.Vector)
	if err != nil {
		return err
	}

	var graphVector []float32
	var handle int64
	usingHandle := false
	switch {
	case c.cfg.Storage == Mmap && quantized == nil:
		h, err := c.vecFile.Append(item.Vector)
		if err != nil {
			return err
		}
		handle = h
		usingHandle = true
		quantized = EncodeHandle(h)
	case quantized == nil:
		graphVector = item.Vector
	}

	if err := c.graph.Insert(ctx, item.ID, graphVector, quantized); err != nil {
		return err
	}
	if item.Payload != nil {
		if err := c.payloadIdx.Upsert(item.ID, item.Payload); err != nil {
			return err
		}
	}

	c.storeMu.Lock()
	if usingHandle {
		c.handles[item.ID] = handle
	} else {
		c.vectors[item.ID] = item.Vector
	}
	if item.Payload != nil {
		c.payloads[item.ID] = item.Payload
	}
	c.storeMu.Unlock()

	if trainedNow {
		c.logger.Info("quantizer trained", "method", c.cfg.Quantization.Method)
	}
	return nil
}

// trainer is implemented by every concrete quantizer's Train method; it is
// not part of quantize.Quantizer because training happens once, up front,
// rather than per encode/decode call.
type trainer interface {
	Train(vectors [][]float32) error
}

// encodeForInsertLocked runs the configured quantizer over vector, handling
// the deferred-training contract shared by all three methods: vectors
// accumulate raw in the graph until the collection reaches TrainAtCount,
// then one training pass runs and every previously-raw node is re-encoded
// in place. A nil return means insert vector raw; the caller is responsible
// for that.
func (c *Collection) encodeForInsertLocked(id string, vector []float32) (code []byte, trainedNow bool, err error) {
	if c.quantizer == nil {
		return nil, false, nil
	}

	c.quantMu.Lock()
	defer c.quantMu.Unlock()

	if !c.quantReady {
		c.pqPending = append(c.pqPending, vector)
		c.pqPendingIDs = append(c.pqPendingIDs, id)
		if len(c.pqPending) < c.trainAtCount() {
			return nil, false, nil
		}

		t, ok := c.quantizer.(trainer)
		if !ok {
			return nil, false, fmt.Errorf("collection: quantizer %T does not support training", c.quantizer)
		}
		if err := t.Train(c.pqPending); err != nil {
			return nil, false, fmt.Errorf("collection: train quantizer: %w", err)
		}
		if err := c.quantizer.Validate(c.cfg.Quantization.QualityFloor); err != nil {
			return nil, false, err
		}
		codes, err := c.quantizer.EncodeBatch(c.pqPending)
		if err != nil {
			return nil, false, err
		}

		// The last buffered vector is the one triggering this insert; it
		// hasn't reached the graph yet, so hand its code back to the caller
		// directly instead of backfilling it.
		last := len(codes) - 1
		c.backfillQuantizedLocked(c.pqPendingIDs[:last], codes[:last])

		c.quantReady = true
		triggerCode := codes[last]
		c.pqPending = nil
		c.pqPendingIDs = nil
		return triggerCode, true, nil
	}

	codes, err := c.quantizer.EncodeBatch([][]float32{vector})
	if err != nil {
		return nil, false, err
	}
	return codes[0], false, nil
}

// backfillQuantizedLocked re-encodes already-graphed raw nodes in place once
// a deferred-training quantizer finishes its first training pass.
func (c *Collection) backfillQuantizedLocked(ids []string, codes [][]byte) {
	for i, id := range ids {
		c.graph.ReplaceQuantized(id, codes[i])
		c.storeMu.Lock()
		delete(c.vectors, id)
		c.storeMu.Unlock()
	}
}

// Update replaces id's vector and/or payload. Implemented as delete+insert
// to keep the HNSW graph's append-only growth discipline; id keeps its
// identity and payload fields not present in newPayload are cleared.
func (c *Collection) Update(ctx context.Context, id string, vector []float32, newPayload map[string]any) error {
	if c.closed.Load() {
		return ErrClosed
	}
	c.writerMu.Lock()
	defer c.writerMu.Unlock()

	c.storeMu.RLock()
	_, existsMem := c.vectors[id]
	_, existsHandle := c.handles[id]
	c.storeMu.RUnlock()
	if !existsMem && !existsHandle && !c.graph.Contains(id) {
		return ErrNotFound
	}

	c.graph.Purge(id)
	c.payloadIdx.Delete(id)
	c.storeMu.Lock()
	delete(c.vectors, id)
	delete(c.handles, id)
	delete(c.payloads, id)
	c.storeMu.Unlock()

	if err := c.insertOneLocked(ctx, VectorInsert{ID: id, Vector: vector, Payload: newPayload}); err != nil {
		return err
	}
	c.version.Add(1)
	return nil
}

// Delete tombstones id in the HNSW graph and removes it from the payload
// index and vector storage.
func (c *Collection) Delete(id string) error {
	if c.closed.Load() {
		return ErrClosed
	}
	c.writerMu.Lock()
	defer c.writerMu.Unlock()

	if err := c.graph.Delete(id); err != nil {
		return err
	}
	c.payloadIdx.Delete(id)
	c.storeMu.Lock()
	delete(c.vectors, id)
	delete(c.handles, id)
	delete(c.payloads, id)
	c.storeMu.Unlock()

	c.version.Add(1)

	if c.graph.TombstoneRatio() > 0.20 {
		c.graph.RepairTombstones()
	}
	return nil
}

// Get returns id's vector and payload. Falls back to resolving the vector
// straight from the HNSW node whenever id has no Memory-kind inline entry:
// that covers Mmap-kind handles as well as nodes whose raw copy a quantizer
// backfill has replaced.
func (c *Collection) Get(id string) (VectorInsert, bool) {
	c.storeMu.RLock()
	v, ok := c.vectors[id]
	p := c.payloads[id]
	c.storeMu.RUnlock()
	if ok {
		return VectorInsert{ID: id, Vector: v, Payload: p}, true
	}

	v, ok = c.graph.Vector(id)
	if !ok {
		return VectorInsert{}, false
	}
	return VectorInsert{ID: id, Vector: v, Payload: p}, true
}

// Search performs a (possibly filtered) ANN search over req.
func (c *Collection) Search(ctx context.Context, req SearchRequest) ([]SearchHit, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}
	if len(req.Query) != c.cfg.Dim {
		return nil, ErrDimMismatch
	}

	var allow map[string]bool
	if req.Filter != nil {
		ids, err := c.payloadIdx.Resolve(req.Filter)
		if err != nil {
			return nil, fmt.Errorf("collection: resolve filter: %w", err)
		}
		allow = make(map[string]bool, len(ids))
		for id := range ids {
			allow[id] = true
		}
	}

	results, err := c.graph.Search(ctx, req.Query, hnsw.SearchOptions{
		K:     req.K,
		Ef:    req.Ef,
		Allow: allow,
	})
	if err != nil {
		return nil, err
	}

	hits := make([]SearchHit, 0, len(results))
	for _, r := range results {
		if req.Threshold != 0 {
			if higherIsCloser(c.cfg.Metric) && r.Score < req.Threshold {
				continue
			}
			if !higherIsCloser(c.cfg.Metric) && r.Score > req.Threshold {
				continue
			}
		}
		c.storeMu.RLock()
		p := c.payloads[r.ID]
		c.storeMu.RUnlock()
		hits = append(hits, SearchHit{ID: r.ID, Score: r.Score, Payload: p})
	}
	return hits, nil
}

// higherIsCloser reports whether larger scores mean nearer neighbors under
// m; true for Cosine and DotProduct, false for Euclidean.
func higherIsCloser(m distance.Metric) bool {
	return m != distance.Euclidean
}

// Count returns the number of live (non-tombstoned) vectors.
func (c *Collection) Count() int {
	return c.graph.Len()
}

// Version returns the monotonic write counter, used by external caches
// (notably the query cache) to validate freshness.
func (c *Collection) Version() uint64 {
	return c.version.Load()
}

// Describe reports the collection's current observability snapshot.
func (c *Collection) Describe() Stats {
	s := Stats{
		Name:    c.cfg.Name,
		Count:   c.Count(),
		Dim:     c.cfg.Dim,
		Version: c.Version(),
		HNSW:    c.graph.Stats(),
	}
	if c.quantizer != nil {
		s.QuantizerMethod = c.cfg.Quantization.Method
		s.QuantizerTrained = c.quantReady
		s.QuantizerLoss = c.quantizer.QualityLoss()
	}
	if c.normCache != nil {
		ns := c.normCache.Stats()
		s.NormCache = &ns
	}
	return s
}

// Close releases the collection's file handles (mmap'd vector file and
// normalization cache tiers).
func (c *Collection) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	var errs error
	if c.vecFile != nil {
		errs = multierr.Append(errs, c.vecFile.Close())
	}
	if c.normCache != nil {
		errs = multierr.Append(errs, c.normCache.Close())
	}
	return errs
}

// marshaler and unmarshaler mirror encoding.Binary{M,Unm}arshaler; declared
// locally so Snapshot/Restore can persist whichever quantizer is configured
// without pkg/quantize needing a dedicated persistence interface.
type marshaler interface {
	MarshalBinary() ([]byte, error)
}
type unmarshaler interface {
	UnmarshalBinary([]byte) error
}

// Snapshot is a full point-in-time dump of a collection's internal state,
// consumed by the owning store to write a segment file and reconstruct a
// collection from one.
type Snapshot struct {
	Name            string
	Dim             int
	Metric          distance.Metric
	QuantizerMethod quantize.Method
	QuantizerState  []byte
	Nodes           []hnsw.NodeView
	EntryID         string
	EntryLevel      int
	PayloadFields   []payload.FieldSchema
	PayloadRows     map[string]map[string]any
	Version         uint64
}

// Snapshot captures the collection's current state. A quantizer still
// accumulating its pre-training buffer is snapshotted untrained; the
// buffered training samples (already in the graph as raw nodes) are not
// part of the dump, and a restore simply resumes buffering from empty.
func (c *Collection) Snapshot() (Snapshot, error) {
	c.writerMu.Lock()
	defer c.writerMu.Unlock()

	var qstate []byte
	if m, ok := c.quantizer.(marshaler); ok {
		s, err := m.MarshalBinary()
		if err != nil {
			return Snapshot{}, fmt.Errorf("collection: marshal quantizer state: %w", err)
		}
		qstate = s
	}

	entryID, entryLevel, _ := c.graph.EntryID()

	c.storeMu.RLock()
	rows := make(map[string]map[string]any, len(c.payloads))
	for id, p := range c.payloads {
		rows[id] = p
	}
	c.storeMu.RUnlock()

	return Snapshot{
		Name:            c.cfg.Name,
		Dim:             c.cfg.Dim,
		Metric:          c.cfg.Metric,
		QuantizerMethod: c.cfg.Quantization.Method,
		QuantizerState:  qstate,
		Nodes:           c.graph.Nodes(),
		EntryID:         entryID,
		EntryLevel:      entryLevel,
		PayloadFields:   c.cfg.PayloadFields,
		PayloadRows:     rows,
		Version:         c.version.Load(),
	}, nil
}

// Restore reconstructs a collection from a prior Snapshot under cfg, which
// must match the dimension, metric, and quantization method snap was taken
// with.
func Restore(cfg CollectionConfig, snap Snapshot, logger logging.Logger, clk clock.Clock) (*Collection, error) {
	c, err := New(cfg, logger, clk)
	if err != nil {
		return nil, err
	}

	c.graph.LoadSnapshot(snap.Nodes, snap.EntryID, snap.EntryLevel)

	if c.quantizer != nil && len(snap.QuantizerState) > 0 {
		u, ok := c.quantizer.(unmarshaler)
		if !ok {
			return nil, fmt.Errorf("collection: quantizer %T cannot restore state", c.quantizer)
		}
		if err := u.UnmarshalBinary(snap.QuantizerState); err != nil {
			return nil, fmt.Errorf("collection: restore quantizer state: %w", err)
		}
		c.quantReady = true
	}

	for id, p := range snap.PayloadRows {
		if err := c.payloadIdx.Upsert(id, p); err != nil {
			return nil, fmt.Errorf("collection: restore payload %q: %w", id, err)
		}
	}

	c.storeMu.Lock()
	for id, p := range snap.PayloadRows {
		c.payloads[id] = p
	}
	for _, n := range snap.Nodes {
		if n.Deleted {
			continue
		}
		switch {
		case n.Vector != nil:
			c.vectors[n.ID] = n.Vector
		case cfg.Storage == Mmap && !c.quantReady:
			if off, err := DecodeHandle(n.Quantized); err == nil {
				c.handles[n.ID] = off
			}
		}
	}
	c.storeMu.Unlock()

	c.version.Store(snap.Version)
	return c, nil
}

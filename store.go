package vectorcore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/vectorcore-db/vectorcore/pkg/clock"
	"github.com/vectorcore-db/vectorcore/pkg/collection"
	"github.com/vectorcore-db/vectorcore/pkg/distance"
	"github.com/vectorcore-db/vectorcore/pkg/hnsw"
	"github.com/vectorcore-db/vectorcore/pkg/logging"
	"github.com/vectorcore-db/vectorcore/pkg/payload"
	"github.com/vectorcore-db/vectorcore/pkg/querycache"
	"github.com/vectorcore-db/vectorcore/pkg/quantize"
	"github.com/vectorcore-db/vectorcore/pkg/storage"
)

// QueryCacheStats re-exports querycache.Stats for the Observability surface.
type QueryCacheStats = querycache.Stats

// Config configures a Store.
type Config struct {
	// DataDir is the root directory for segment files, the compact archive,
	// snapshots, and the normalization cache's on-disk tiers.
	DataDir string

	// Embedder resolves text to vectors for SearchByText. Nil disables it;
	// SearchByText then returns an InvalidArgument error.
	Embedder EmbeddingProvider

	// Logger receives structured logs from the store and every collection
	// it owns. Defaults to a no-op logger.
	Logger logging.Logger
	// Clock supplies the timestamp recorded with each cached search
	// response and is handed to every collection. Query-cache expiry and
	// snapshot naming use the wall clock directly, not this Clock.
	// Defaults to the real wall clock.
	Clock clock.Clock

	// QueryCacheSize bounds the number of cached search responses.
	QueryCacheSize int
	// QueryCacheTTL is how long a cached response stays valid before expiry.
	QueryCacheTTL time.Duration

	// ZstdLevel configures compression for the compact archive and
	// snapshots (1-9).
	ZstdLevel int
	// SnapshotRetention bounds how many periodic snapshots accumulate.
	SnapshotRetention storage.RetentionPolicy
}

// DefaultConfig returns a Config with sane defaults rooted at dataDir.
func DefaultConfig(dataDir string) Config {
	return Config{
		DataDir:        dataDir,
		QueryCacheSize: 1024,
		QueryCacheTTL:  5 * time.Minute,
		ZstdLevel:      3,
		SnapshotRetention: storage.RetentionPolicy{
			MaxAge:   7 * 24 * time.Hour,
			MaxCount: 24,
		},
	}
}

// Store is the process-wide registry of collections, the single entry point
// for every public operation: an arbitrary number of named in-process
// collections plus their shared snapshot and compaction machinery.
type Store struct {
	cfg Config

	logger logging.Logger
	clock  clock.Clock

	mu          sync.RWMutex
	collections map[string]*collection.Collection
	closed      bool

	cache     *querycache.Cache
	compactor *storage.Compactor
	snapshots *storage.SnapshotManager
}

// Open builds a Store rooted at cfg.DataDir, restoring any collections whose
// segment files or compact archive are already present on disk.
func Open(cfg Config) (*Store, error) {
	if cfg.DataDir == "" {
		return nil, wrapError("Open", InvalidArgument, fmt.Errorf("data dir must not be empty"))
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Nop()
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.System
	}

	s := &Store{
		cfg:         cfg,
		logger:      logger,
		clock:       clk,
		collections: make(map[string]*collection.Collection),
		cache:       querycache.New(cfg.QueryCacheSize, cfg.QueryCacheTTL),
		compactor:   storage.NewCompactor(cfg.DataDir, cfg.ZstdLevel),
		snapshots:   storage.NewSnapshotManager(cfg.DataDir+"/snapshots", cfg.ZstdLevel, cfg.SnapshotRetention),
	}

	if err := s.loadFromDisk(); err != nil {
		return nil, wrapError("Open", StorageIo, err)
	}
	return s, nil
}

// loadFromDisk reconstructs every persisted collection found under
// cfg.DataDir. Raw segment files, if any survived a prior run, are always
// authoritative over the compact archive: a write after the last CompactNow
// leaves the archive stale, and unpacking it over a fresher raw segment
// would silently discard that write. The archive is only unpacked when no
// raw segments are present at all, i.e. the normal compact-mode restart.
func (s *Store) loadFromDisk() error {
	names, err := storage.ListSegments(s.cfg.DataDir)
	if err != nil {
		return err
	}

	if len(names) == 0 {
		mode, err := storage.DetectMode(s.cfg.DataDir)
		if err != nil {
			return err
		}
		if mode == storage.ModeCompact {
			if err := s.compactor.RestoreSegments(); err != nil {
				return err
			}
			if names, err = storage.ListSegments(s.cfg.DataDir); err != nil {
				return err
			}
		}
	}

	for _, name := range names {
		data, err := storage.ReadSegment(s.cfg.DataDir, name)
		if err != nil {
			return err
		}
		c, err := collection.Restore(configFromSegment(data, s.cfg.DataDir), fromSegment(data), s.logger, s.clock)
		if err != nil {
			return fmt.Errorf("restore collection %q: %w", name, err)
		}
		s.collections[name] = c
	}
	return nil
}

// Close flushes and releases every collection. Every collection is
// persisted and closed even after a failure; the first error encountered
// is returned.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	var firstErr error
	for name, c := range s.collections {
		if err := s.persist(name, c); err != nil && firstErr == nil {
			firstErr = err
		}
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (s *Store) checkOpen() error {
	if s.closed {
		return ErrClosed
	}
	return nil
}

// --- Collection CRUD -------------------------------------------------

// CreateCollection creates and persists a new empty collection. Returns
// AlreadyExists if name is already registered.
func (s *Store) CreateCollection(cfg CollectionConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return err
	}
	if _, exists := s.collections[cfg.Name]; exists {
		return wrapError("CreateCollection", AlreadyExists, fmt.Errorf("collection %q already exists", cfg.Name))
	}
	if cfg.Storage == collection.Mmap && cfg.DataDir == "" {
		cfg.DataDir = s.cfg.DataDir
	}
	if cfg.NormCacheDir == "" && s.cfg.DataDir != "" {
		cfg.NormCacheDir = s.cfg.DataDir + "/cache"
	}

	c, err := collection.New(cfg, s.logger, s.clock)
	if err != nil {
		return wrapError("CreateCollection", InvalidArgument, err)
	}
	if err := s.persist(cfg.Name, c); err != nil {
		c.Close()
		return wrapError("CreateCollection", StorageIo, err)
	}
	s.collections[cfg.Name] = c
	return nil
}

// DropCollection deletes a collection and its segment file. Returns
// NotFound if name is not registered.
func (s *Store) DropCollection(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return err
	}
	c, ok := s.collections[name]
	if !ok {
		return wrapError("DropCollection", NotFound, fmt.Errorf("collection %q not found", name))
	}
	if err := c.Close(); err != nil {
		s.logger.Warn("close collection during drop", "collection", name, "error", err)
	}
	if err := storage.DeleteSegment(s.cfg.DataDir, name); err != nil {
		return wrapError("DropCollection", StorageIo, err)
	}
	delete(s.collections, name)
	s.cache.InvalidateCollection(name)
	return nil
}

// ListCollections returns every registered collection name.
func (s *Store) ListCollections() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.collections))
	for name := range s.collections {
		names = append(names, name)
	}
	return names
}

// DescribeCollection returns name's observability snapshot.
func (s *Store) DescribeCollection(name string) (CollectionStats, error) {
	c, err := s.collectionFor("DescribeCollection", name)
	if err != nil {
		return CollectionStats{}, err
	}
	return fromCollectionStats(c.Describe()), nil
}

// CollectionExists reports whether name is registered.
func (s *Store) CollectionExists(name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.collections[name]
	return ok
}

func (s *Store) collectionFor(op, name string) (*collection.Collection, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	c, ok := s.collections[name]
	if !ok {
		return nil, wrapError(op, NotFound, fmt.Errorf("collection %q not found", name))
	}
	return c, nil
}

// --- Vector CRUD -------------------------------------------------------

// Insert adds a batch of vectors to a collection, invalidating that
// collection's cached search responses and persisting the new segment.
func (s *Store) Insert(ctx context.Context, collectionName string, vectors []Vector) error {
	c, err := s.collectionFor("Insert", collectionName)
	if err != nil {
		return err
	}
	batch := make([]collection.VectorInsert, len(vectors))
	for i, v := range vectors {
		batch[i] = collection.VectorInsert{ID: v.ID, Vector: v.Data, Payload: v.Payload}
	}
	if err := c.Insert(ctx, batch); err != nil {
		return translateCollectionErr("Insert", err)
	}
	s.afterWrite(collectionName, c)
	return nil
}

// Update replaces id's vector and payload in collectionName.
func (s *Store) Update(ctx context.Context, collectionName, id string, vector []float32, newPayload Payload) error {
	c, err := s.collectionFor("Update", collectionName)
	if err != nil {
		return err
	}
	if err := c.Update(ctx, id, vector, newPayload); err != nil {
		return translateCollectionErr("Update", err)
	}
	s.afterWrite(collectionName, c)
	return nil
}

// Delete tombstones id in collectionName.
func (s *Store) Delete(collectionName, id string) error {
	c, err := s.collectionFor("Delete", collectionName)
	if err != nil {
		return err
	}
	if err := c.Delete(id); err != nil {
		return translateCollectionErr("Delete", err)
	}
	s.afterWrite(collectionName, c)
	return nil
}

// Get returns id's vector and payload from collectionName.
func (s *Store) Get(collectionName, id string) (Vector, error) {
	c, err := s.collectionFor("Get", collectionName)
	if err != nil {
		return Vector{}, err
	}
	v, ok := c.Get(id)
	if !ok {
		return Vector{}, wrapError("Get", NotFound, fmt.Errorf("vector %q not found", id))
	}
	return Vector{ID: v.ID, Data: v.Vector, Payload: v.Payload}, nil
}

// Count returns the number of live vectors in collectionName.
func (s *Store) Count(collectionName string) (int, error) {
	c, err := s.collectionFor("Count", collectionName)
	if err != nil {
		return 0, err
	}
	return c.Count(), nil
}

// afterWrite invalidates cached search responses for collectionName and
// persists its segment; persistence failures are logged, not surfaced, so a
// slow disk never turns a successful write into a caller-visible error.
func (s *Store) afterWrite(collectionName string, c *collection.Collection) {
	s.cache.InvalidateCollection(collectionName)
	if err := s.persist(collectionName, c); err != nil {
		s.logger.Error("persist collection after write", "collection", collectionName, "error", err)
	}
}

// translateCollectionErr maps a pkg/collection error onto the shared Kind
// taxonomy. Insert's batch errors are multierr aggregates of per-item
// wrapped causes, so this checks with errors.Is rather than equality.
func translateCollectionErr(op string, err error) error {
	switch {
	case errors.Is(err, collection.ErrNotFound):
		return wrapError(op, NotFound, err)
	case errors.Is(err, collection.ErrAlreadyExists):
		return wrapError(op, AlreadyExists, err)
	case errors.Is(err, collection.ErrDimMismatch):
		return wrapError(op, DimensionMismatch, err)
	case errors.Is(err, quantize.ErrQualityBelowFloor):
		return wrapError(op, QualityBelowFloor, err)
	case errors.Is(err, collection.ErrClosed):
		return wrapError(op, InvalidArgument, err)
	default:
		return wrapError(op, Transient, err)
	}
}

// --- Search --------------------------------------------------------------

// SearchRequest configures SearchByVector and SearchByText.
type SearchRequest struct {
	K         int
	Ef        int
	Filter    Expr
	Threshold float32
	Offset    int
}

// SearchHit is one scored search result.
type SearchHit struct {
	ID      string
	Score   float32
	Payload Payload
}

// SearchByVector runs an ANN search over collectionName using a raw query
// vector, transparently consulting and populating the query cache.
func (s *Store) SearchByVector(ctx context.Context, collectionName string, query []float32, req SearchRequest) ([]SearchHit, error) {
	c, err := s.collectionFor("SearchByVector", collectionName)
	if err != nil {
		return nil, err
	}

	cacheQuery := querycache.Query{
		Collection: collectionName,
		Vector:     query,
		K:          req.K,
		Threshold:  req.Threshold,
		Filter:     filterSpec(req.Filter),
		Offset:     req.Offset,
	}
	if entry, ok := s.cache.Get(cacheQuery); ok && entry.Collection == collectionName {
		if hits, ok := entry.Response.([]SearchHit); ok {
			return hits, nil
		}
	}

	fetchK := req.K + req.Offset
	results, err := c.Search(ctx, collection.SearchRequest{
		Query:     query,
		K:         fetchK,
		Ef:        req.Ef,
		Filter:    req.Filter,
		Threshold: req.Threshold,
	})
	if err != nil {
		return nil, translateCollectionErr("SearchByVector", err)
	}

	hits := toSearchHits(results)
	if req.Offset > 0 {
		if req.Offset >= len(hits) {
			hits = nil
		} else {
			hits = hits[req.Offset:]
		}
	}
	s.cache.Put(cacheQuery, hits, s.clock.Now())
	return hits, nil
}

// SearchByText embeds text via the configured EmbeddingProvider, then
// delegates to SearchByVector.
func (s *Store) SearchByText(ctx context.Context, collectionName, text string, req SearchRequest) ([]SearchHit, error) {
	if s.cfg.Embedder == nil {
		return nil, wrapError("SearchByText", InvalidArgument, fmt.Errorf("no embedding provider configured"))
	}
	vec, err := s.cfg.Embedder.EmbedOne(ctx, text)
	if err != nil {
		return nil, wrapError("SearchByText", Transient, err)
	}
	return s.SearchByVector(ctx, collectionName, vec, req)
}

func toSearchHits(results []collection.SearchHit) []SearchHit {
	hits := make([]SearchHit, len(results))
	for i, r := range results {
		hits[i] = SearchHit{ID: r.ID, Score: r.Score, Payload: r.Payload}
	}
	return hits
}

// filterSpec renders a filter expression into a stable cache key component.
// Equal expressions (by value) always render identically; this is not
// meant to be human readable.
func filterSpec(e Expr) querycache.FilterSpec {
	if e == nil {
		return ""
	}
	return querycache.FilterSpec(fmt.Sprintf("%#v", e))
}

// --- Snapshot control ------------------------------------------------

// CompactNow packs every collection's segment file into the compact
// .vecdb archive, first persisting any collections with unflushed writes.
func (s *Store) CompactNow() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return err
	}
	for name, c := range s.collections {
		if err := s.persist(name, c); err != nil {
			return wrapError("CompactNow", StorageIo, err)
		}
	}
	if err := s.compactor.Compact(); err != nil {
		return wrapError("CompactNow", StorageIo, err)
	}
	return nil
}

// SnapshotNow packs every collection's current state into a new timestamped
// snapshot archive under data/snapshots, independent of the compact mode
// archive.
func (s *Store) SnapshotNow() (storage.SnapshotInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return storage.SnapshotInfo{}, err
	}

	segments := make(map[string][]byte, len(s.collections))
	for name, c := range s.collections {
		data, err := s.segmentFor(name, c)
		if err != nil {
			return storage.SnapshotInfo{}, wrapError("SnapshotNow", StorageIo, err)
		}
		raw, err := storage.EncodeSegment(data)
		if err != nil {
			return storage.SnapshotInfo{}, wrapError("SnapshotNow", StorageIo, err)
		}
		segments[name] = raw
	}

	info, err := s.snapshots.Take(segments)
	if err != nil {
		return storage.SnapshotInfo{}, wrapError("SnapshotNow", StorageIo, err)
	}
	return info, nil
}

// ListSnapshots returns every snapshot under data/snapshots, newest first.
func (s *Store) ListSnapshots() ([]storage.SnapshotInfo, error) {
	infos, err := s.snapshots.List()
	if err != nil {
		return nil, wrapError("ListSnapshots", StorageIo, err)
	}
	return infos, nil
}

// RestoreFrom replaces every in-memory collection with the state captured
// in the named snapshot. Collections present in the store but absent from
// the snapshot are left untouched; collections present only in the
// snapshot are created.
func (s *Store) RestoreFrom(snapshotID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return err
	}

	segments, err := s.snapshots.Restore(snapshotID)
	if err != nil {
		return wrapError("RestoreFrom", StorageCorrupt, err)
	}

	for name, raw := range segments {
		data, err := storage.DecodeSegment(raw)
		if err != nil {
			return wrapError("RestoreFrom", StorageCorrupt, err)
		}
		if old, ok := s.collections[name]; ok {
			if err := old.Close(); err != nil {
				s.logger.Warn("close collection before restore", "collection", name, "error", err)
			}
		}
		c, err := collection.Restore(configFromSegment(data, s.cfg.DataDir), fromSegment(data), s.logger, s.clock)
		if err != nil {
			return wrapError("RestoreFrom", StorageCorrupt, err)
		}
		s.collections[name] = c
		s.cache.InvalidateCollection(name)
		if err := s.persist(name, c); err != nil {
			return wrapError("RestoreFrom", StorageIo, err)
		}
	}
	return nil
}

// --- Observability ---------------------------------------------------

// Stats aggregates observability across every collection plus the
// process-wide query cache.
func (s *Store) Stats() StoreStats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := StoreStats{
		Collections: make(map[string]CollectionStats, len(s.collections)),
		QueryCache:  s.cache.Stats(),
	}
	for name, c := range s.collections {
		out.Collections[name] = fromCollectionStats(c.Describe())
	}
	return out
}

// --- segment conversion ------------------------------------------------

// persist snapshots c and writes its segment file. Callers must hold
// s.mu (for write paths) or otherwise guarantee c isn't concurrently closed.
func (s *Store) persist(name string, c *collection.Collection) error {
	data, err := s.segmentFor(name, c)
	if err != nil {
		return err
	}
	return storage.WriteSegment(s.cfg.DataDir, data)
}

func (s *Store) segmentFor(name string, c *collection.Collection) (storage.SegmentData, error) {
	snap, err := c.Snapshot()
	if err != nil {
		return storage.SegmentData{}, fmt.Errorf("snapshot collection %q: %w", name, err)
	}
	return toSegment(snap), nil
}

// toSegment converts a live collection snapshot into its persisted shape.
// The two packages stay decoupled from each other; this is the one place
// that knows both.
func toSegment(snap collection.Snapshot) storage.SegmentData {
	nodes := make([]storage.HNSWNodeSnapshot, len(snap.Nodes))
	for i, n := range snap.Nodes {
		nodes[i] = storage.HNSWNodeSnapshot{
			ID:        n.ID,
			Level:     n.Level,
			Vector:    n.Vector,
			Quantized: n.Quantized,
			Deleted:   n.Deleted,
			Neighbors: n.Neighbors,
		}
	}

	fields := make([]storage.PayloadFieldSnapshot, len(snap.PayloadFields))
	for i, f := range snap.PayloadFields {
		fields[i] = storage.PayloadFieldSnapshot{Name: f.Name, Type: fieldTypeName(f.Type)}
	}

	rows := make([]storage.PayloadRowSnapshot, 0, len(snap.PayloadRows))
	for id, rowFields := range snap.PayloadRows {
		rows = append(rows, storage.PayloadRowSnapshot{ID: id, Fields: rowFields})
	}

	return storage.SegmentData{
		CollectionName: snap.Name,
		Dim:            snap.Dim,
		Metric:         metricName(snap.Metric),
		QuantizerKind:  string(snap.QuantizerMethod),
		QuantizerState: snap.QuantizerState,
		Nodes:          nodes,
		EntryID:        snap.EntryID,
		EntryLevel:     snap.EntryLevel,
		PayloadFields:  fields,
		PayloadRows:    rows,
		Version:        snap.Version,
	}
}

// fromSegment converts a persisted segment back into the shape
// collection.Restore expects.
func fromSegment(data storage.SegmentData) collection.Snapshot {
	nodes := make([]hnsw.NodeView, len(data.Nodes))
	for i, n := range data.Nodes {
		nodes[i] = hnsw.NodeView{
			ID:        n.ID,
			Level:     n.Level,
			Vector:    n.Vector,
			Quantized: n.Quantized,
			Deleted:   n.Deleted,
			Neighbors: n.Neighbors,
		}
	}

	rows := make(map[string]map[string]any, len(data.PayloadRows))
	for _, r := range data.PayloadRows {
		rows[r.ID] = r.Fields
	}

	return collection.Snapshot{
		Name:            data.CollectionName,
		Dim:             data.Dim,
		Metric:          parseMetric(data.Metric),
		QuantizerMethod: quantize.Method(data.QuantizerKind),
		QuantizerState:  data.QuantizerState,
		Nodes:           nodes,
		EntryID:         data.EntryID,
		EntryLevel:      data.EntryLevel,
		PayloadFields:   fieldSchemasFrom(data.PayloadFields),
		PayloadRows:     rows,
		Version:         data.Version,
	}
}

// configFromSegment rebuilds the CollectionConfig a segment was written
// under, enough to drive collection.Restore. Index tuning parameters
// (M, EfConstruction, ...) are not persisted in SegmentData and revert to
// DefaultCollectionConfig's values on restore.
func configFromSegment(data storage.SegmentData, dataDir string) collection.CollectionConfig {
	cfg := collection.DefaultCollectionConfig(data.CollectionName, data.Dim)
	cfg.Metric = parseMetric(data.Metric)
	cfg.Quantization.Method = quantize.Method(data.QuantizerKind)
	cfg.PayloadFields = fieldSchemasFrom(data.PayloadFields)
	cfg.NormCacheDir = dataDir + "/cache"
	return cfg
}

func fieldSchemasFrom(fields []storage.PayloadFieldSnapshot) []payload.FieldSchema {
	out := make([]payload.FieldSchema, len(fields))
	for i, f := range fields {
		out[i] = payload.FieldSchema{Name: f.Name, Type: parseFieldType(f.Type)}
	}
	return out
}

func metricName(m distance.Metric) string {
	switch m {
	case distance.Cosine:
		return "cosine"
	case distance.Euclidean:
		return "euclidean"
	case distance.DotProduct:
		return "dot_product"
	default:
		return "cosine"
	}
}

func parseMetric(name string) distance.Metric {
	switch name {
	case "euclidean":
		return distance.Euclidean
	case "dot_product":
		return distance.DotProduct
	default:
		return distance.Cosine
	}
}

func fieldTypeName(t payload.FieldType) string {
	switch t {
	case payload.Int:
		return "int"
	case payload.Float:
		return "float"
	case payload.Text:
		return "text"
	case payload.Geo:
		return "geo"
	default:
		return "keyword"
	}
}

func parseFieldType(name string) payload.FieldType {
	switch name {
	case "int":
		return payload.Int
	case "float":
		return payload.Float
	case "text":
		return payload.Text
	case "geo":
		return payload.Geo
	default:
		return payload.Keyword
	}
}

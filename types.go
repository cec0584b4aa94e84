package vectorcore

import (
	"context"
	"encoding/hex"

	"github.com/vectorcore-db/vectorcore/pkg/collection"
	"github.com/vectorcore-db/vectorcore/pkg/distance"
	"github.com/vectorcore-db/vectorcore/pkg/hnsw"
	"github.com/vectorcore-db/vectorcore/pkg/normcache"
	"github.com/vectorcore-db/vectorcore/pkg/payload"
	"github.com/vectorcore-db/vectorcore/pkg/quantize"
)

// Payload is a vector's metadata. Values are whatever the owning
// collection's typed fields expect (string for Keyword/Text, float64/int
// for numeric fields, GeoPoint for Geo fields); unregistered keys are
// carried verbatim but not indexed.
type Payload = map[string]any

// GeoPoint re-exports payload.GeoPoint for callers building filter
// expressions without importing pkg/payload directly.
type GeoPoint = payload.GeoPoint

// ContentHash is a BLAKE3-256 digest identifying normalized text content,
// the unit the normalization cache is keyed by.
type ContentHash [32]byte

// String renders the hash as lowercase hex.
func (h ContentHash) String() string { return hex.EncodeToString(h[:]) }

// VectorKey identifies the provenance of a stored vector: which embedding
// model and dimension produced it, and which quantizer version (if any)
// currently encodes it, alongside the content it was derived from.
type VectorKey struct {
	ContentHash    ContentHash
	EmbeddingModel string
	EmbeddingDim   int
	QuantVersion   int
}

// Vector is one item in a collection: an id, its embedding, and payload.
type Vector struct {
	ID      string
	Data    []float32
	Payload Payload
}

// CollectionConfig re-exports pkg/collection.CollectionConfig so callers
// configuring a Store don't need a second import.
type CollectionConfig = collection.CollectionConfig

// DefaultCollectionConfig re-exports collection.DefaultCollectionConfig.
func DefaultCollectionConfig(name string, dim int) CollectionConfig {
	return collection.DefaultCollectionConfig(name, dim)
}

// Re-exported leaf types for building filter expressions and choosing
// quantization/distance settings without additional imports.
type (
	Expr       = payload.Expr
	Eq         = payload.Eq
	And        = payload.And
	Or         = payload.Or
	Not        = payload.Not
	Range      = payload.Range
	TextMatch  = payload.TextMatch
	GeoRadius  = payload.GeoRadius
	GeoBBox    = payload.GeoBBox
	FieldType  = payload.FieldType
	FieldSchema = payload.FieldSchema
	Metric      = distance.Metric
	QuantMethod = quantize.Method
)

const (
	Keyword = payload.Keyword
	Int     = payload.Int
	Float   = payload.Float
	Text    = payload.Text
	Geo     = payload.Geo

	Cosine     = distance.Cosine
	Euclidean  = distance.Euclidean
	DotProduct = distance.DotProduct
)

// EmbeddingProvider is the consumed collaborator that turns text into
// vectors for search_by_text and insert-by-text convenience paths. The
// core treats embeddings as opaque; it never inspects Name or Dimension
// beyond bookkeeping.
type EmbeddingProvider interface {
	EmbedOne(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Name() string
	Dimension() int
}

// CollectionStats is the public observability snapshot for one collection:
// size, HNSW graph shape, and quantizer training state.
type CollectionStats struct {
	Name             string
	Count            int
	Dim              int
	Version          uint64
	HNSW             hnsw.Stats
	QuantizerMethod  QuantMethod
	QuantizerTrained bool
	QuantizerLoss    float64
	NormCache        *normcache.Stats
}

func fromCollectionStats(s collection.Stats) CollectionStats {
	return CollectionStats(s)
}

// StoreStats aggregates observability across every collection plus the
// process-wide query cache.
type StoreStats struct {
	Collections map[string]CollectionStats
	QueryCache  QueryCacheStats
}

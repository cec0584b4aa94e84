package collection

import (
	"github.com/vectorcore-db/vectorcore/pkg/distance"
	"github.com/vectorcore-db/vectorcore/pkg/normcache"
	"github.com/vectorcore-db/vectorcore/pkg/payload"
	"github.com/vectorcore-db/vectorcore/pkg/quantize"
)

// StorageKind selects how a collection keeps the authoritative vector bytes.
type StorageKind int

const (
	// Memory keeps every vector inline in RAM, inside the HNSW node.
	Memory StorageKind = iota
	// Mmap writes vectors into a per-collection memory-mapped file and
	// stores only an 8-byte offset handle in the HNSW node.
	Mmap
)

// QuantizationConfig parameterizes a collection's optional quantizer. Method
// MethodNone disables quantization entirely.
type QuantizationConfig struct {
	Method Method

	// NBits is not read when the quantizer is built: the Scalar bit width
	// comes from Method (MethodScalar8 or MethodScalar4).
	NBits int
	// MSub and Centroids configure Product quantization.
	MSub      int
	Centroids int
	// TrainAtCount is the live vector count at which the quantizer (any
	// method) trains for the first time; before that, vectors are kept raw.
	// Zero means 1 for Scalar and Binary and 1000 for Product.
	TrainAtCount int

	// QualityFloor, when > 0, tightens the method's maximum tolerated
	// QualityLoss(); Validate is invoked after each training pass.
	QualityFloor float64
}

// Method re-exports quantize.Method so callers configuring a collection
// don't need to import pkg/quantize directly.
type Method = quantize.Method

const (
	MethodNone    = quantize.MethodNone
	MethodScalar8 = quantize.MethodScalar8
	MethodScalar4 = quantize.MethodScalar4
	MethodProduct = quantize.MethodProduct
	MethodBinary  = quantize.MethodBinary
)

// CollectionConfig is immutable after a collection is created.
type CollectionConfig struct {
	Name   string
	Dim    int
	Metric distance.Metric

	M                int
	EfConstruction   int
	EfSearch         int
	Seed             int64
	OversampleFactor int

	Quantization QuantizationConfig

	PayloadFields []payload.FieldSchema

	NormalizationPolicy normcache.Policy
	NormCacheDir        string // base dir for the normalization cache's warm/cold tiers; empty disables it

	Storage StorageKind
	DataDir string // required when Storage == Mmap
}

// DefaultCollectionConfig returns sane defaults for a collection over
// vectors of the given dimension, tuned for typical HNSW recall/latency
// tradeoffs.
func DefaultCollectionConfig(name string, dim int) CollectionConfig {
	return CollectionConfig{
		Name:             name,
		Dim:              dim,
		Metric:           distance.Cosine,
		M:                16,
		EfConstruction:   200,
		EfSearch:         64,
		OversampleFactor: 4,
		Quantization:     QuantizationConfig{Method: MethodNone},
		NormalizationPolicy: normcache.Moderate,
		Storage:          Memory,
	}
}

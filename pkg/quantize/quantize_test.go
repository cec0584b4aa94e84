package quantize

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

func randUnitVectors(n, dim int, r *rand.Rand) [][]float32 {
	vs := make([][]float32, n)
	for i := range vs {
		v := make([]float32, dim)
		var norm float64
		for d := range v {
			v[d] = float32(r.NormFloat64())
			norm += float64(v[d]) * float64(v[d])
		}
		norm = math.Sqrt(norm)
		for d := range v {
			v[d] /= float32(norm)
		}
		vs[i] = v
	}
	return vs
}

func TestScalar8RoundTripErrorBound(t *testing.T) {
	r := rand.New(rand.NewSource(42))
	vectors := randUnitVectors(1000, 384, r)

	sq, err := NewScalar(384, 8)
	require.NoError(t, err)
	require.NoError(t, sq.Train(vectors))

	codes, err := sq.EncodeBatch(vectors)
	require.NoError(t, err)
	decoded, err := sq.DecodeBatch(codes)
	require.NoError(t, err)

	var avgErr float64
	for i := range vectors {
		avgErr += relativeError(vectors[i], decoded[i])
	}
	avgErr /= float64(len(vectors))
	require.Less(t, avgErr, ErrorBound[MethodScalar8])
	require.NoError(t, sq.Validate(0))

	wantBytes := int64(1000 * 384)
	got := sq.MemoryEstimate(1000)
	require.InDelta(t, wantBytes, got, float64(wantBytes)*0.05)
}

func TestScalar4LooserBound(t *testing.T) {
	r := rand.New(rand.NewSource(7))
	vectors := randUnitVectors(500, 64, r)
	sq, err := NewScalar(64, 4)
	require.NoError(t, err)
	require.NoError(t, sq.Train(vectors))
	require.NoError(t, sq.Validate(0))
}

func TestBinaryNeverBlocksQuality(t *testing.T) {
	r := rand.New(rand.NewSource(3))
	vectors := randUnitVectors(200, 32, r)
	bq := NewBinary(32)
	require.NoError(t, bq.Train(vectors))
	codes, err := bq.EncodeBatch(vectors)
	require.NoError(t, err)
	require.NoError(t, bq.Validate(0.01))

	sim, err := bq.SelfSimilarity(codes[0], codes[0])
	require.NoError(t, err)
	require.Equal(t, float32(1.0), sim)
}

func TestProductQuantizationRoundTrip(t *testing.T) {
	r := rand.New(rand.NewSource(9))
	vectors := randUnitVectors(300, 32, r)

	pq, err := NewProduct(32, 8, 16)
	require.NoError(t, err)
	require.NoError(t, pq.Train(vectors))

	codes, err := pq.EncodeBatch(vectors[:10])
	require.NoError(t, err)
	require.Len(t, codes[0], 8)

	decoded, err := pq.DecodeBatch(codes)
	require.NoError(t, err)
	require.Len(t, decoded[0], 32)

	sim, err := pq.QuerySimilarity(vectors[0], codes[0])
	require.NoError(t, err)
	require.LessOrEqual(t, sim, float32(0))
}

func TestProductRejectsBadDimensionSplit(t *testing.T) {
	_, err := NewProduct(10, 3, 16)
	require.Error(t, err)
}

package distance

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

func randVec(n int, r *rand.Rand) []float32 {
	v := make([]float32, n)
	for i := range v {
		v[i] = float32(r.NormFloat64())
	}
	return v
}

func TestDotMatchesReference(t *testing.T) {
	r := rand.New(rand.NewSource(1))
	for _, n := range []int{1, 3, 7, 8, 9, 17, 384} {
		a, b := randVec(n, r), randVec(n, r)
		got := Dot(a, b)
		want := dotScalar(a, b)
		require.InDelta(t, want, got, 1e-3)
	}
}

func TestEuclideanMatchesReference(t *testing.T) {
	r := rand.New(rand.NewSource(2))
	for _, n := range []int{1, 5, 8, 33, 384} {
		a, b := randVec(n, r), randVec(n, r)
		got := Euclidean32(a, b)
		want := float32(math.Sqrt(float64(sqDiffSumScalar(a, b))))
		require.InDelta(t, want, got, 1e-3)
	}
}

func TestCosineClampedAndIdentical(t *testing.T) {
	v := []float32{1, 0, 0, 0}
	require.InDelta(t, float32(1.0), Cosine32(v, v), 1e-6)

	orth := []float32{0, 1, 0, 0}
	require.InDelta(t, float32(0.0), Cosine32(v, orth), 1e-6)

	zero := []float32{0, 0, 0, 0}
	require.Equal(t, float32(0), Cosine32(v, zero))
}

func TestMetricFunc(t *testing.T) {
	require.NotNil(t, Cosine.Func())
	require.NotNil(t, Euclidean.Func())
	require.NotNil(t, DotProduct.Func())
}

package hnsw

import (
	"context"
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vectorcore-db/vectorcore/pkg/distance"
)

func randVec(r *rand.Rand, dim int) []float32 {
	v := make([]float32, dim)
	for i := range v {
		v[i] = float32(r.NormFloat64())
	}
	return v
}

func buildGraph(t *testing.T, n, dim int, seed int64) (*Graph, [][]float32) {
	t.Helper()
	r := rand.New(rand.NewSource(seed))
	g := New(Config{Dim: dim, M: 8, EfConstruction: 64, EfSearch: 32, Seed: seed, Metric: distance.Euclidean})
	vecs := make([][]float32, n)
	ctx := context.Background()
	for i := 0; i < n; i++ {
		v := randVec(r, dim)
		vecs[i] = v
		require.NoError(t, g.Insert(ctx, fmt.Sprintf("v%d", i), v, nil))
	}
	return g, vecs
}

func bruteForceKNN(vecs [][]float32, query []float32, k int) []string {
	type scored struct {
		id string
		d  float32
	}
	out := make([]scored, len(vecs))
	for i, v := range vecs {
		out[i] = scored{fmt.Sprintf("v%d", i), distance.Euclidean32(query, v)}
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].d < out[j-1].d; j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	ids := make([]string, 0, k)
	for i := 0; i < k && i < len(out); i++ {
		ids = append(ids, out[i].id)
	}
	return ids
}

func TestInsertRejectsDuplicateAndDimMismatch(t *testing.T) {
	g, _ := buildGraph(t, 10, 8, 1)
	ctx := context.Background()
	err := g.Insert(ctx, "v0", randVec(rand.New(rand.NewSource(1)), 8), nil)
	require.ErrorIs(t, err, ErrDuplicateID)

	err = g.Insert(ctx, "vbad", make([]float32, 4), nil)
	require.ErrorIs(t, err, ErrDimMismatch)
}

func TestSearchRecallAgainstBruteForce(t *testing.T) {
	const n, dim, k = 300, 16, 10
	g, vecs := buildGraph(t, n, dim, 99)

	r := rand.New(rand.NewSource(1234))
	query := randVec(r, dim)
	want := bruteForceKNN(vecs, query, k)

	results, err := g.Search(context.Background(), query, SearchOptions{K: k, Ef: 128})
	require.NoError(t, err)
	require.Len(t, results, k)

	got := make(map[string]bool, len(results))
	for _, res := range results {
		got[res.ID] = true
	}
	hits := 0
	for _, id := range want {
		if got[id] {
			hits++
		}
	}
	require.GreaterOrEqual(t, hits, int(float64(k)*0.7), "expected at least 70%% recall against brute force")
}

func TestDeleteTombstonesAndExcludesFromSearch(t *testing.T) {
	g, vecs := buildGraph(t, 50, 8, 55)
	require.NoError(t, g.Delete("v0"))
	require.Equal(t, 49, g.Len())

	results, err := g.Search(context.Background(), vecs[0], SearchOptions{K: 50, Ef: 200})
	require.NoError(t, err)
	for _, res := range results {
		require.NotEqual(t, "v0", res.ID)
	}
}

func TestDeleteUnknownID(t *testing.T) {
	g, _ := buildGraph(t, 5, 4, 2)
	require.ErrorIs(t, g.Delete("nope"), ErrNotFound)
}

func TestRepairTombstonesRemovesDeadNodes(t *testing.T) {
	g, _ := buildGraph(t, 40, 8, 77)
	for i := 0; i < 10; i++ {
		require.NoError(t, g.Delete(fmt.Sprintf("v%d", i)))
	}
	require.InDelta(t, 0.25, g.TombstoneRatio(), 0.01)
	g.RepairTombstones()
	stats := g.Stats()
	require.Equal(t, 30, stats.NodeCount)
	require.Equal(t, 30, stats.LiveCount)
}

func TestFilteredSearchHonorsAllowSet(t *testing.T) {
	g, vecs := buildGraph(t, 100, 8, 11)
	allow := map[string]bool{"v1": true, "v2": true, "v3": true}

	results, err := g.Search(context.Background(), vecs[1], SearchOptions{K: 5, Allow: allow})
	require.NoError(t, err)
	for _, res := range results {
		require.True(t, allow[res.ID])
	}
}

func TestSearchRespectsCanceledContext(t *testing.T) {
	g, vecs := buildGraph(t, 20, 8, 4)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := g.Search(ctx, vecs[0], SearchOptions{K: 5})
	require.ErrorIs(t, err, ErrDeadline)
}

func TestQuantizedNodesResolveThroughDecoder(t *testing.T) {
	dim := 8
	g := New(Config{Dim: dim, M: 8, EfConstruction: 32, EfSearch: 16, Seed: 3, Metric: distance.Euclidean})
	store := map[string][]float32{}
	g.SetDecoder(func(code []byte) ([]float32, error) {
		v, ok := store[string(code)]
		if !ok {
			return nil, fmt.Errorf("missing code")
		}
		return v, nil
	})

	r := rand.New(rand.NewSource(5))
	ctx := context.Background()
	for i := 0; i < 30; i++ {
		v := randVec(r, dim)
		code := []byte(fmt.Sprintf("code%d", i))
		store[string(code)] = v
		require.NoError(t, g.Insert(ctx, fmt.Sprintf("v%d", i), nil, code))
	}

	results, err := g.Search(ctx, store["code0"], SearchOptions{K: 3})
	require.NoError(t, err)
	require.NotEmpty(t, results)
}

package collection

import (
	"context"
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vectorcore-db/vectorcore/pkg/distance"
	"github.com/vectorcore-db/vectorcore/pkg/payload"
	"github.com/vectorcore-db/vectorcore/pkg/quantize"
)

func randVec(r *rand.Rand, dim int) []float32 {
	v := make([]float32, dim)
	for i := range v {
		v[i] = float32(r.NormFloat64())
	}
	return v
}

func newTestCollection(t *testing.T, cfg CollectionConfig) *Collection {
	t.Helper()
	c, err := New(cfg, nil, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestInsertGetSearchDeleteRoundTrip(t *testing.T) {
	cfg := DefaultCollectionConfig("docs", 8)
	c := newTestCollection(t, cfg)
	ctx := context.Background()

	r := rand.New(rand.NewSource(1))
	v0 := randVec(r, 8)
	require.NoError(t, c.Insert(ctx, []VectorInsert{
		{ID: "a", Vector: v0, Payload: map[string]any{"kind": "note"}},
	}))
	require.Equal(t, 1, c.Count())
	require.Equal(t, uint64(1), c.Version())

	got, ok := c.Get("a")
	require.True(t, ok)
	require.Equal(t, v0, got.Vector)
	require.Equal(t, "note", got.Payload["kind"])

	hits, err := c.Search(ctx, SearchRequest{Query: v0, K: 1})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	require.Equal(t, "a", hits[0].ID)

	require.NoError(t, c.Delete("a"))
	require.Equal(t, 0, c.Count())
	_, ok = c.Get("a")
	require.False(t, ok)
}

func TestInsertRejectsDimMismatchAndDuplicate(t *testing.T) {
	cfg := DefaultCollectionConfig("docs", 4)
	c := newTestCollection(t, cfg)
	ctx := context.Background()

	err := c.Insert(ctx, []VectorInsert{{ID: "a", Vector: []float32{1, 2, 3}}})
	require.Error(t, err)

	require.NoError(t, c.Insert(ctx, []VectorInsert{{ID: "a", Vector: []float32{1, 2, 3, 4}}}))
	err = c.Insert(ctx, []VectorInsert{{ID: "a", Vector: []float32{4, 3, 2, 1}}})
	require.Error(t, err)
	// the collection keeps the first insert despite the aggregated error
	require.Equal(t, 1, c.Count())
}

func TestInsertBatchAggregatesErrorsButCommitsSuccesses(t *testing.T) {
	cfg := DefaultCollectionConfig("docs", 4)
	c := newTestCollection(t, cfg)
	ctx := context.Background()

	err := c.Insert(ctx, []VectorInsert{
		{ID: "a", Vector: []float32{1, 2, 3, 4}},
		{ID: "bad", Vector: []float32{1, 2}},
		{ID: "b", Vector: []float32{4, 3, 2, 1}},
	})
	require.Error(t, err)
	require.Equal(t, 2, c.Count())
}

func TestUpdateReplacesVectorAndPayload(t *testing.T) {
	cfg := DefaultCollectionConfig("docs", 4)
	c := newTestCollection(t, cfg)
	ctx := context.Background()

	require.NoError(t, c.Insert(ctx, []VectorInsert{
		{ID: "a", Vector: []float32{1, 0, 0, 0}, Payload: map[string]any{"kind": "x"}},
	}))
	v1 := c.Version()

	newVec := []float32{0, 1, 0, 0}
	require.NoError(t, c.Update(ctx, "a", newVec, map[string]any{"kind": "y"}))
	require.Greater(t, c.Version(), v1)

	got, ok := c.Get("a")
	require.True(t, ok)
	require.Equal(t, newVec, got.Vector)
	require.Equal(t, "y", got.Payload["kind"])
	require.Equal(t, 1, c.Count())

	err := c.Update(ctx, "missing", newVec, nil)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestSearchWithPayloadFilter(t *testing.T) {
	cfg := DefaultCollectionConfig("docs", 4)
	cfg.PayloadFields = []payload.FieldSchema{{Name: "kind", Type: payload.Keyword}}
	c := newTestCollection(t, cfg)
	ctx := context.Background()

	require.NoError(t, c.Insert(ctx, []VectorInsert{
		{ID: "a", Vector: []float32{1, 0, 0, 0}, Payload: map[string]any{"kind": "note"}},
		{ID: "b", Vector: []float32{1, 0, 0, 0}, Payload: map[string]any{"kind": "task"}},
	}))

	hits, err := c.Search(ctx, SearchRequest{
		Query:  []float32{1, 0, 0, 0},
		K:      10,
		Filter: payload.Eq{Field: "kind", Value: "task"},
	})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	require.Equal(t, "b", hits[0].ID)
}

func TestSearchThresholdDropsFarResultsByMetric(t *testing.T) {
	cfg := DefaultCollectionConfig("docs", 4)
	cfg.Metric = distance.Euclidean
	c := newTestCollection(t, cfg)
	ctx := context.Background()

	require.NoError(t, c.Insert(ctx, []VectorInsert{
		{ID: "near", Vector: []float32{1, 0, 0, 0}},
		{ID: "far", Vector: []float32{100, 0, 0, 0}},
	}))

	hits, err := c.Search(ctx, SearchRequest{
		Query:     []float32{1, 0, 0, 0},
		K:         10,
		Threshold: 5,
	})
	require.NoError(t, err)
	for _, h := range hits {
		require.Equal(t, "near", h.ID)
	}
}

func TestDeferredQuantizerTrainingBackfillsRawNodes(t *testing.T) {
	dim := 16
	cfg := DefaultCollectionConfig("docs", dim)
	cfg.Quantization = QuantizationConfig{
		Method:       MethodScalar8,
		TrainAtCount: 4,
	}
	c := newTestCollection(t, cfg)
	ctx := context.Background()

	r := rand.New(rand.NewSource(7))
	for i := 0; i < 3; i++ {
		id := fmt.Sprintf("v%d", i)
		require.NoError(t, c.Insert(ctx, []VectorInsert{{ID: id, Vector: randVec(r, dim)}}))
	}
	// quantizer hasn't trained yet; everything is buffered and graphed raw
	require.False(t, c.Describe().QuantizerTrained)

	trigger := randVec(r, dim)
	require.NoError(t, c.Insert(ctx, []VectorInsert{{ID: "v3", Vector: trigger}}))
	require.True(t, c.Describe().QuantizerTrained)
	require.Equal(t, quantize.MethodScalar8, c.Describe().QuantizerMethod)

	hits, err := c.Search(ctx, SearchRequest{Query: trigger, K: 4})
	require.NoError(t, err)
	require.Len(t, hits, 4)
}

func TestMmapStorageRoundTrip(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultCollectionConfig("docs", 8)
	cfg.Storage = Mmap
	cfg.DataDir = dir
	c := newTestCollection(t, cfg)
	ctx := context.Background()

	r := rand.New(rand.NewSource(3))
	v := randVec(r, 8)
	require.NoError(t, c.Insert(ctx, []VectorInsert{{ID: "a", Vector: v}}))

	got, ok := c.Get("a")
	require.True(t, ok)
	require.Equal(t, v, got.Vector)

	hits, err := c.Search(ctx, SearchRequest{Query: v, K: 1})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	require.Equal(t, "a", hits[0].ID)
}

func TestVersionIncrementsOnEveryWrite(t *testing.T) {
	cfg := DefaultCollectionConfig("docs", 4)
	c := newTestCollection(t, cfg)
	ctx := context.Background()

	require.Equal(t, uint64(0), c.Version())
	require.NoError(t, c.Insert(ctx, []VectorInsert{{ID: "a", Vector: []float32{1, 2, 3, 4}}}))
	require.Equal(t, uint64(1), c.Version())
	require.NoError(t, c.Update(ctx, "a", []float32{4, 3, 2, 1}, nil))
	require.Equal(t, uint64(2), c.Version())
	require.NoError(t, c.Delete("a"))
	require.Equal(t, uint64(3), c.Version())
}

func TestCloseIsIdempotent(t *testing.T) {
	cfg := DefaultCollectionConfig("docs", 4)
	c := newTestCollection(t, cfg)
	require.NoError(t, c.Close())
	require.NoError(t, c.Close())

	ctx := context.Background()
	err := c.Insert(ctx, []VectorInsert{{ID: "a", Vector: []float32{1, 2, 3, 4}}})
	require.ErrorIs(t, err, ErrClosed)
}

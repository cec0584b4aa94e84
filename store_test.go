package vectorcore

import (
	"context"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

func randVec(r *rand.Rand, dim int) []float32 {
	v := make([]float32, dim)
	for i := range v {
		v[i] = float32(r.NormFloat64())
	}
	return v
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	cfg := DefaultConfig(t.TempDir())
	s, err := Open(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestCreateDropListDescribeExists(t *testing.T) {
	s := newTestStore(t)

	require.False(t, s.CollectionExists("docs"))
	require.NoError(t, s.CreateCollection(DefaultCollectionConfig("docs", 4)))
	require.True(t, s.CollectionExists("docs"))
	require.ErrorIs(t, s.CreateCollection(DefaultCollectionConfig("docs", 4)), ErrAlreadyExists)

	require.Equal(t, []string{"docs"}, s.ListCollections())

	stats, err := s.DescribeCollection("docs")
	require.NoError(t, err)
	require.Equal(t, "docs", stats.Name)
	require.Equal(t, 4, stats.Dim)

	require.NoError(t, s.DropCollection("docs"))
	require.False(t, s.CollectionExists("docs"))
	require.ErrorIs(t, s.DropCollection("docs"), ErrNotFound)
}

func TestVectorCRUDRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreateCollection(DefaultCollectionConfig("docs", 8)))

	r := rand.New(rand.NewSource(1))
	v0 := randVec(r, 8)
	require.NoError(t, s.Insert(ctx, "docs", []Vector{
		{ID: "a", Data: v0, Payload: Payload{"kind": "note"}},
	}))

	count, err := s.Count("docs")
	require.NoError(t, err)
	require.Equal(t, 1, count)

	got, err := s.Get("docs", "a")
	require.NoError(t, err)
	require.Equal(t, v0, got.Data)
	require.Equal(t, "note", got.Payload["kind"])

	v1 := randVec(r, 8)
	require.NoError(t, s.Update(ctx, "docs", "a", v1, Payload{"kind": "task"}))
	got, err = s.Get("docs", "a")
	require.NoError(t, err)
	require.Equal(t, v1, got.Data)
	require.Equal(t, "task", got.Payload["kind"])

	require.NoError(t, s.Delete("docs", "a"))
	_, err = s.Get("docs", "a")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestInsertOnMissingCollectionReturnsNotFound(t *testing.T) {
	s := newTestStore(t)
	err := s.Insert(context.Background(), "ghost", []Vector{{ID: "a", Data: []float32{1}}})
	require.ErrorIs(t, err, ErrNotFound)
}

func TestInsertDimMismatchTranslatesToDimensionMismatch(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.CreateCollection(DefaultCollectionConfig("docs", 4)))
	err := s.Insert(context.Background(), "docs", []Vector{{ID: "a", Data: []float32{1, 2}}})
	require.Error(t, err)
	require.Equal(t, DimensionMismatch, KindOf(err))
}

func TestSearchByVectorUsesCacheUntilInvalidated(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreateCollection(DefaultCollectionConfig("docs", 4)))

	r := rand.New(rand.NewSource(2))
	v := randVec(r, 4)
	require.NoError(t, s.Insert(ctx, "docs", []Vector{{ID: "a", Data: v}}))

	hits, err := s.SearchByVector(ctx, "docs", v, SearchRequest{K: 1})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	require.Equal(t, uint64(1), s.cache.Stats().Misses)

	hits2, err := s.SearchByVector(ctx, "docs", v, SearchRequest{K: 1})
	require.NoError(t, err)
	require.Equal(t, hits, hits2)
	require.Equal(t, uint64(1), s.cache.Stats().Hits)

	require.NoError(t, s.Insert(ctx, "docs", []Vector{{ID: "b", Data: randVec(r, 4)}}))
	_, err = s.SearchByVector(ctx, "docs", v, SearchRequest{K: 2})
	require.NoError(t, err)
	require.Equal(t, uint64(2), s.cache.Stats().Misses)
}

func TestSearchByVectorAppliesOffset(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreateCollection(DefaultCollectionConfig("docs", 4)))

	r := rand.New(rand.NewSource(4))
	query := []float32{1, 0, 0, 0}
	for i := 0; i < 5; i++ {
		require.NoError(t, s.Insert(ctx, "docs", []Vector{{ID: string(rune('a' + i)), Data: randVec(r, 4)}}))
	}

	all, err := s.SearchByVector(ctx, "docs", query, SearchRequest{K: 5})
	require.NoError(t, err)
	require.Len(t, all, 5)

	offset, err := s.SearchByVector(ctx, "docs", query, SearchRequest{K: 5, Offset: 2})
	require.NoError(t, err)
	require.Equal(t, all[2:], offset)
}

func TestSearchByTextWithoutEmbedderFails(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.CreateCollection(DefaultCollectionConfig("docs", 4)))
	_, err := s.SearchByText(context.Background(), "docs", "hello", SearchRequest{K: 1})
	require.Equal(t, InvalidArgument, KindOf(err))
}

func TestCompactAndReopenRestoresCollections(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s, err := Open(DefaultConfig(dir))
	require.NoError(t, err)
	require.NoError(t, s.CreateCollection(DefaultCollectionConfig("docs", 4)))
	r := rand.New(rand.NewSource(5))
	v := randVec(r, 4)
	require.NoError(t, s.Insert(ctx, "docs", []Vector{{ID: "a", Data: v}}))
	require.NoError(t, s.CompactNow())
	require.NoError(t, s.Close())

	reopened, err := Open(DefaultConfig(dir))
	require.NoError(t, err)
	t.Cleanup(func() { _ = reopened.Close() })

	require.True(t, reopened.CollectionExists("docs"))
	got, err := reopened.Get("docs", "a")
	require.NoError(t, err)
	require.Equal(t, v, got.Data)
}

func TestSnapshotNowListAndRestoreFrom(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.CreateCollection(DefaultCollectionConfig("docs", 4)))
	r := rand.New(rand.NewSource(6))
	v0 := randVec(r, 4)
	require.NoError(t, s.Insert(ctx, "docs", []Vector{{ID: "a", Data: v0}}))

	info, err := s.SnapshotNow()
	require.NoError(t, err)
	require.NotEmpty(t, info.ID)

	require.NoError(t, s.Insert(ctx, "docs", []Vector{{ID: "b", Data: randVec(r, 4)}}))
	count, err := s.Count("docs")
	require.NoError(t, err)
	require.Equal(t, 2, count)

	snapshots, err := s.ListSnapshots()
	require.NoError(t, err)
	require.Len(t, snapshots, 1)
	require.Equal(t, info.ID, snapshots[0].ID)

	require.NoError(t, s.RestoreFrom(info.ID))
	count, err = s.Count("docs")
	require.NoError(t, err)
	require.Equal(t, 1, count)
	got, err := s.Get("docs", "a")
	require.NoError(t, err)
	require.Equal(t, v0, got.Data)
}

func TestStoreStatsAggregatesCollectionsAndCache(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreateCollection(DefaultCollectionConfig("docs", 4)))
	require.NoError(t, s.Insert(ctx, "docs", []Vector{{ID: "a", Data: []float32{1, 0, 0, 0}}}))

	stats := s.Stats()
	require.Contains(t, stats.Collections, "docs")
	require.Equal(t, 1, stats.Collections["docs"].Count)
}

func TestCloseThenOperationsReturnClosedError(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.CreateCollection(DefaultCollectionConfig("docs", 4)))
	require.NoError(t, s.Close())

	err := s.CreateCollection(DefaultCollectionConfig("other", 4))
	require.ErrorIs(t, err, ErrClosed)
}

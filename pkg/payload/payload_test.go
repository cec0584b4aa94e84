package payload

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestIndex() *Index {
	return New([]FieldSchema{
		{Name: "category", Type: Keyword},
		{Name: "year", Type: Int},
		{Name: "price", Type: Float},
		{Name: "description", Type: Text},
		{Name: "location", Type: Geo},
	})
}

func TestKeywordEquality(t *testing.T) {
	idx := newTestIndex()
	require.NoError(t, idx.Upsert("a", map[string]any{"category": "books"}))
	require.NoError(t, idx.Upsert("b", map[string]any{"category": "movies"}))
	require.NoError(t, idx.Upsert("c", map[string]any{"category": "books"}))

	res, err := idx.Resolve(Eq{Field: "category", Value: "books"})
	require.NoError(t, err)
	require.Len(t, res, 2)
	_, hasA := res["a"]
	_, hasC := res["c"]
	require.True(t, hasA)
	require.True(t, hasC)
}

func TestRangeFilterCount(t *testing.T) {
	idx := newTestIndex()
	for i, year := range []int{1990, 2000, 2005, 2010, 2020} {
		require.NoError(t, idx.Upsert(string(rune('a'+i)), map[string]any{"year": year}))
	}
	res, err := idx.Resolve(Range{Field: "year", Min: 2000, Max: 2010})
	require.NoError(t, err)
	require.Len(t, res, 3)
}

func TestFloatRejectsNaN(t *testing.T) {
	idx := newTestIndex()
	err := idx.Upsert("x", map[string]any{"price": math.NaN()})
	require.Error(t, err)
}

func TestAndOrNotComposition(t *testing.T) {
	idx := newTestIndex()
	require.NoError(t, idx.Upsert("a", map[string]any{"category": "books", "year": 2001}))
	require.NoError(t, idx.Upsert("b", map[string]any{"category": "books", "year": 1999}))
	require.NoError(t, idx.Upsert("c", map[string]any{"category": "movies", "year": 2001}))

	res, err := idx.Resolve(And{
		Eq{Field: "category", Value: "books"},
		Range{Field: "year", Min: 2000, Max: 2100},
	})
	require.NoError(t, err)
	require.Len(t, res, 1)
	_, hasA := res["a"]
	require.True(t, hasA)

	orRes, err := idx.Resolve(Or{Eq{Field: "category", Value: "movies"}, Range{Field: "year", Min: 1999, Max: 1999}})
	require.NoError(t, err)
	require.Len(t, orRes, 2)

	notRes, err := idx.Resolve(Not{Expr: Eq{Field: "category", Value: "books"}})
	require.NoError(t, err)
	_, hasC := notRes["c"]
	require.True(t, hasC)
	require.NotContains(t, notRes, "a")
}

func TestTextMatchAndScoring(t *testing.T) {
	idx := newTestIndex()
	require.NoError(t, idx.Upsert("a", map[string]any{"description": "the quick brown fox jumps over the lazy dog"}))
	require.NoError(t, idx.Upsert("b", map[string]any{"description": "a completely unrelated sentence about cars"}))
	require.NoError(t, idx.Upsert("c", map[string]any{"description": "fox fox fox sighting reported near the river"}))

	res, err := idx.Resolve(TextMatch{Field: "description", Query: "fox"})
	require.NoError(t, err)
	require.Len(t, res, 2)

	hits, err := idx.Scored("description", "fox", 10)
	require.NoError(t, err)
	require.NotEmpty(t, hits)
	require.Equal(t, "c", hits[0].ID, "doc with higher term frequency should rank first")
}

func TestGeoRadiusFilter(t *testing.T) {
	idx := newTestIndex()
	require.NoError(t, idx.Upsert("sf", map[string]any{"location": GeoPoint{Lat: 37.7749, Lng: -122.4194}}))
	require.NoError(t, idx.Upsert("oakland", map[string]any{"location": GeoPoint{Lat: 37.8044, Lng: -122.2712}}))
	require.NoError(t, idx.Upsert("nyc", map[string]any{"location": GeoPoint{Lat: 40.7128, Lng: -74.0060}}))

	res, err := idx.Resolve(GeoRadius{Field: "location", Center: GeoPoint{Lat: 37.7749, Lng: -122.4194}, RadiusKM: 50})
	require.NoError(t, err)
	require.Contains(t, res, "sf")
	require.Contains(t, res, "oakland")
	require.NotContains(t, res, "nyc")
}

func TestGeoBBoxFilter(t *testing.T) {
	idx := newTestIndex()
	require.NoError(t, idx.Upsert("sf", map[string]any{"location": GeoPoint{Lat: 37.7749, Lng: -122.4194}}))
	require.NoError(t, idx.Upsert("oakland", map[string]any{"location": GeoPoint{Lat: 37.8044, Lng: -122.2712}}))
	require.NoError(t, idx.Upsert("nyc", map[string]any{"location": GeoPoint{Lat: 40.7128, Lng: -74.0060}}))

	res, err := idx.Resolve(GeoBBox{Field: "location", Lat0: 37.5, Lat1: 38.0, Lon0: -122.6, Lon1: -122.0})
	require.NoError(t, err)
	require.Contains(t, res, "sf")
	require.Contains(t, res, "oakland")
	require.NotContains(t, res, "nyc")

	// bounds given reversed should resolve identically.
	reversed, err := idx.Resolve(GeoBBox{Field: "location", Lat0: 38.0, Lat1: 37.5, Lon0: -122.0, Lon1: -122.6})
	require.NoError(t, err)
	require.Equal(t, res, reversed)
}

func TestDeleteRemovesFromAllSubIndices(t *testing.T) {
	idx := newTestIndex()
	require.NoError(t, idx.Upsert("a", map[string]any{
		"category":    "books",
		"year":        2001,
		"description": "hello world",
		"location":    GeoPoint{Lat: 1, Lng: 1},
	}))
	idx.Delete("a")

	res, err := idx.Resolve(Eq{Field: "category", Value: "books"})
	require.NoError(t, err)
	require.Empty(t, res)

	res, err = idx.Resolve(nil)
	require.NoError(t, err)
	require.Empty(t, res)
}

func TestUnknownFieldResolveErrors(t *testing.T) {
	idx := newTestIndex()
	_, err := idx.Resolve(Eq{Field: "nonexistent", Value: "x"})
	require.Error(t, err)
}

package querycache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestFingerprintStableAndDistinguishing(t *testing.T) {
	q1 := Query{Collection: "c1", Text: "hello", K: 10}
	q2 := Query{Collection: "c1", Text: "hello", K: 10}
	q3 := Query{Collection: "c1", Text: "hello", K: 20}

	require.Equal(t, Fingerprint(q1), Fingerprint(q2))
	require.NotEqual(t, Fingerprint(q1), Fingerprint(q3))
}

func TestFingerprintDistinguishesVectorQueries(t *testing.T) {
	q1 := Query{Collection: "c1", Vector: []float32{1, 2, 3}, K: 5}
	q2 := Query{Collection: "c1", Vector: []float32{1, 2, 4}, K: 5}
	require.NotEqual(t, Fingerprint(q1), Fingerprint(q2))
}

func TestCachePutGet(t *testing.T) {
	c := New(16, time.Minute)
	q := Query{Collection: "c1", Text: "hello", K: 5}

	_, ok := c.Get(q)
	require.False(t, ok)

	c.Put(q, []string{"result1", "result2"}, time.Now())
	entry, ok := c.Get(q)
	require.True(t, ok)
	require.Equal(t, "c1", entry.Collection)

	stats := c.Stats()
	require.Equal(t, uint64(1), stats.Hits)
	require.Equal(t, uint64(1), stats.Misses)
}

func TestInvalidateCollectionRemovesOnlyThatCollection(t *testing.T) {
	c := New(16, time.Minute)
	qa := Query{Collection: "a", Text: "x", K: 5}
	qb := Query{Collection: "b", Text: "x", K: 5}

	c.Put(qa, "respA", time.Now())
	c.Put(qb, "respB", time.Now())

	c.InvalidateCollection("a")

	_, okA := c.Get(qa)
	require.False(t, okA)
	_, okB := c.Get(qb)
	require.True(t, okB)

	stats := c.Stats()
	require.Equal(t, uint64(1), stats.Invalidated)
}

func TestTTLExpiry(t *testing.T) {
	c := New(16, 20*time.Millisecond)
	q := Query{Collection: "c1", Text: "x", K: 5}
	c.Put(q, "resp", time.Now())

	_, ok := c.Get(q)
	require.True(t, ok)

	time.Sleep(40 * time.Millisecond)
	_, ok = c.Get(q)
	require.False(t, ok, "entry should have expired")
}

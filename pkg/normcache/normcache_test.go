package normcache

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNormalizeDeterministic(t *testing.T) {
	text := "Hello\r\nWorld  \t \n"
	r1 := Normalize(text, Moderate)
	r2 := Normalize(r1.NormalizedText, Moderate)
	require.Equal(t, r1.NormalizedText, r2.NormalizedText)
	require.Equal(t, r1.ContentHash, r2.ContentHash)
}

func TestNormalizeAggressiveLowercasesAndStripsHTML(t *testing.T) {
	r := Normalize("<b>Hello</b> WORLD", Aggressive)
	require.Equal(t, "hello world", r.NormalizedText)
}

func TestNormalizeConservativePreservesCase(t *testing.T) {
	r := Normalize("Hello World", Conservative)
	require.Equal(t, "Hello World", r.NormalizedText)
}

func TestProbeContentTypeJSON(t *testing.T) {
	r := Normalize(`{"a": 1}`, Moderate)
	require.Equal(t, string(ContentJSON), r.ContentType)
}

func newTestCache(t *testing.T) *Cache {
	t.Helper()
	dir := t.TempDir()
	c, err := New(Config{
		Policy:  Moderate,
		WarmDir: dir + "/warm",
		ColdDir: dir + "/cold",
	})
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, c.Close()) })
	return c
}

func TestCacheWriteThroughAndHit(t *testing.T) {
	c := newTestCache(t)
	text := "The quick brown fox"

	r1, err := c.Get(text)
	require.NoError(t, err)
	require.False(t, r1.FromCache)

	r2, err := c.Get(text)
	require.NoError(t, err)
	require.True(t, r2.FromCache)
	require.Equal(t, r1.ContentHash, r2.ContentHash)
	require.Equal(t, r1.NormalizedText, r2.NormalizedText)
}

func TestCacheDedupSameContentDifferentCalls(t *testing.T) {
	c := newTestCache(t)
	r1, err := c.Get("duplicate content")
	require.NoError(t, err)
	r2, err := c.Get("duplicate content")
	require.NoError(t, err)
	require.Equal(t, r1.ContentHash, r2.ContentHash)
	require.True(t, c.Has(r1.ContentHash))
}

func TestCachePromotesFromWarmAfterHotEviction(t *testing.T) {
	dir := t.TempDir()
	c, err := New(Config{
		Policy:      Moderate,
		WarmDir:     dir + "/warm",
		ColdDir:     dir + "/cold",
		HotMaxBytes: 1, // force immediate eviction from hot
	})
	require.NoError(t, err)
	defer c.Close()

	r1, err := c.Get("some text that exceeds the tiny hot budget")
	require.NoError(t, err)
	require.Equal(t, 0, c.hot.Len())

	r2, err := c.Get("some text that exceeds the tiny hot budget")
	require.NoError(t, err)
	require.True(t, r2.FromCache)
	require.Equal(t, r1.ContentHash, r2.ContentHash)
}

func TestHotTierLFUEviction(t *testing.T) {
	h := newHotTier(25)
	var h1, h2, h3 ContentHash
	h1[0], h2[0], h3[0] = 1, 2, 3

	h.Put(h1, []byte("aaaaaaaaaa"))
	h.Put(h2, []byte("bbbbbbbbbb"))
	h.Get(h1)
	h.Get(h1)
	h.Put(h3, []byte("cccccccccc"))

	require.LessOrEqual(t, h.Len(), 2, "capacity overflow should evict at least one entry")
	_, h1Present := h.Get(h1)
	require.True(t, h1Present, "the most frequently used entry must survive eviction")
}

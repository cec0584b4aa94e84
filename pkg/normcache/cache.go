package normcache

import "fmt"

// Config configures a Cache's tiers and canonicalization policy.
type Config struct {
	Policy      Policy
	HotMaxBytes int64 // default 64MiB
	WarmDir     string
	ColdDir     string
	ZstdLevel   int // default 3
}

func (c Config) withDefaults() Config {
	if c.HotMaxBytes <= 0 {
		c.HotMaxBytes = 64 << 20
	}
	if c.ZstdLevel <= 0 {
		c.ZstdLevel = 3
	}
	return c
}

// entryMeta records the policy version and content type an entry was
// written with. It is kept in memory only, not in the tiers' bytes; Has
// consults it, Get does not.
type entryMeta struct {
	PolicyVersion int
	ContentType   string
}

// Cache is the 3-tier normalization cache: hot (LFU), warm (mmap'd
// sharded files), cold (zstd blobs). Normalize runs the canonicalization
// pipeline and looks the result up across tiers before falling through to
// a fresh write.
type Cache struct {
	cfg  Config
	hot  *hotTier
	warm *warmTier
	cold *coldTier
	meta map[ContentHash]entryMeta
}

// New constructs a Cache backed by the given directories for the warm and
// cold tiers. Both directories are created if absent.
func New(cfg Config) (*Cache, error) {
	cfg = cfg.withDefaults()
	warm, err := newWarmTier(cfg.WarmDir)
	if err != nil {
		return nil, err
	}
	cold, err := newColdTier(cfg.ColdDir, cfg.ZstdLevel)
	if err != nil {
		return nil, err
	}
	return &Cache{
		cfg:  cfg,
		hot:  newHotTier(cfg.HotMaxBytes),
		warm: warm,
		cold: cold,
		meta: make(map[ContentHash]entryMeta),
	}, nil
}

// Get runs the canonicalization pipeline over text and resolves it against
// the cache tiers in order (hot, warm, cold), promoting to hotter tiers on
// a lower-tier hit. On a full miss it writes through to every tier.
func (c *Cache) Get(text string) (Result, error) {
	res := Normalize(text, c.cfg.Policy)
	hash := res.ContentHash
	data := []byte(res.NormalizedText)

	if cached, ok := c.hot.Get(hash); ok {
		res.NormalizedText = string(cached)
		res.FromCache = true
		return res, nil
	}

	if cached, ok, err := c.warm.Get(hash); err != nil {
		return Result{}, err
	} else if ok {
		c.hot.Put(hash, cached)
		res.NormalizedText = string(cached)
		res.FromCache = true
		return res, nil
	}

	if cached, ok, err := c.cold.Get(hash); err != nil {
		return Result{}, err
	} else if ok {
		c.hot.Put(hash, cached)
		if err := c.warm.Put(hash, cached); err != nil {
			return Result{}, err
		}
		res.NormalizedText = string(cached)
		res.FromCache = true
		return res, nil
	}

	if err := c.writeThrough(hash, data, res.ContentType); err != nil {
		return Result{}, err
	}
	return res, nil
}

func (c *Cache) writeThrough(hash ContentHash, data []byte, contentType string) error {
	c.hot.Put(hash, data)
	if err := c.warm.Put(hash, data); err != nil {
		return fmt.Errorf("normcache: warm write-through: %w", err)
	}
	if err := c.cold.Put(hash, data); err != nil {
		return fmt.Errorf("normcache: cold write-through: %w", err)
	}
	c.meta[hash] = entryMeta{PolicyVersion: PolicyVersion, ContentType: contentType}
	return nil
}

// Has reports whether hash is cached, without running the pipeline. A hash
// written by this Cache counts only under the current policy version; any
// other hash is looked up in the cold tier, which carries no version.
func (c *Cache) Has(hash ContentHash) bool {
	if meta, ok := c.meta[hash]; ok {
		return meta.PolicyVersion == PolicyVersion
	}
	return c.cold.Has(hash)
}

// Stats reports the hot tier's resident entry count for observability.
type Stats struct {
	HotEntries int
}

func (c *Cache) Stats() Stats {
	return Stats{HotEntries: c.hot.Len()}
}

// Close releases warm-tier mmap handles.
func (c *Cache) Close() error {
	return c.warm.Close()
}

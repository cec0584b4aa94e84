package normcache

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/klauspost/compress/zstd"
)

// coldTier is a single content-addressed blob store, zstd-compressed at a
// configurable level (default 3). One file per content hash; the hash
// itself guarantees no duplicate blob is ever written twice.
type coldTier struct {
	mu    sync.Mutex
	dir   string
	level zstd.EncoderLevel
}

func newColdTier(dir string, level int) (*coldTier, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("normcache: cold tier mkdir: %w", err)
	}
	lvl := zstd.SpeedDefault
	switch {
	case level <= 1:
		lvl = zstd.SpeedFastest
	case level >= 9:
		lvl = zstd.SpeedBestCompression
	}
	return &coldTier{dir: dir, level: lvl}, nil
}

func (c *coldTier) path(hash ContentHash) string {
	return filepath.Join(c.dir, hexHash(hash)+".zst")
}

// Put compresses and writes data under hash's content address. A blob
// already on disk is left untouched.
func (c *coldTier) Put(hash ContentHash, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	path := c.path(hash)
	if _, err := os.Stat(path); err == nil {
		return nil
	}

	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(c.level))
	if err != nil {
		return fmt.Errorf("normcache: new zstd encoder: %w", err)
	}
	compressed := enc.EncodeAll(data, nil)
	enc.Close()

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, compressed, 0o644); err != nil {
		return fmt.Errorf("normcache: write cold blob: %w", err)
	}
	return os.Rename(tmp, path)
}

// Get reads and decompresses the blob for hash, if present.
func (c *coldTier) Get(hash ContentHash) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	path := c.path(hash)
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("normcache: open cold blob: %w", err)
	}
	defer f.Close()

	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, false, fmt.Errorf("normcache: new zstd decoder: %w", err)
	}
	defer dec.Close()

	compressed, err := io.ReadAll(f)
	if err != nil {
		return nil, false, fmt.Errorf("normcache: read cold blob: %w", err)
	}
	data, err := dec.DecodeAll(compressed, nil)
	if err != nil {
		return nil, false, fmt.Errorf("normcache: decompress cold blob: %w", err)
	}
	return data, true, nil
}

func (c *coldTier) Has(hash ContentHash) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := os.Stat(c.path(hash))
	return err == nil
}

package normcache

import (
	"encoding/gob"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/sys/unix"
)

const warmShardCount = 16

type warmLoc struct {
	Shard  int
	Offset int64
	Length int
}

// mappedFile is a memory-mapped shard, opened and mapped lazily on first
// access and cached by shard index.
type mappedFile struct {
	f    *os.File
	data []byte
}

// warmTier is the sharded append-only middle tier: one file per hash-prefix
// nibble, plus a gob-encoded offset index fsynced after every write. Files
// are mapped read-only on demand via golang.org/x/sys/unix.Mmap.
type warmTier struct {
	mu        sync.Mutex
	dir       string
	index     map[ContentHash]warmLoc
	indexPath string
	mapped    map[int]*mappedFile
	shardSize map[int]int64
}

func newWarmTier(dir string) (*warmTier, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("normcache: warm tier mkdir: %w", err)
	}
	w := &warmTier{
		dir:       dir,
		index:     make(map[ContentHash]warmLoc),
		indexPath: filepath.Join(dir, "index.gob"),
		mapped:    make(map[int]*mappedFile),
		shardSize: make(map[int]int64),
	}
	if err := w.loadIndex(); err != nil {
		return nil, err
	}
	for shard := 0; shard < warmShardCount; shard++ {
		if info, err := os.Stat(w.shardPath(shard)); err == nil {
			w.shardSize[shard] = info.Size()
		}
	}
	return w, nil
}

func (w *warmTier) shardPath(shard int) string {
	return filepath.Join(w.dir, fmt.Sprintf("shard-%x.dat", shard))
}

func (w *warmTier) loadIndex() error {
	f, err := os.Open(w.indexPath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("normcache: open warm index: %w", err)
	}
	defer f.Close()
	dec := gob.NewDecoder(f)
	return dec.Decode(&w.index)
}

func (w *warmTier) persistIndex() error {
	tmp := w.indexPath + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("normcache: create warm index: %w", err)
	}
	if err := gob.NewEncoder(f).Encode(w.index); err != nil {
		f.Close()
		return fmt.Errorf("normcache: encode warm index: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("normcache: fsync warm index: %w", err)
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, w.indexPath)
}

func shardFor(hash ContentHash) int {
	return int(hash[0] >> 4)
}

// Put appends data to its shard and records the location in the index,
// fsyncing the index afterward. A hash already present is a no-op,
// preserving the write-once, content-addressed invariant.
func (w *warmTier) Put(hash ContentHash, data []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, exists := w.index[hash]; exists {
		return nil
	}
	shard := shardFor(hash)
	f, err := os.OpenFile(w.shardPath(shard), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("normcache: open shard %x: %w", shard, err)
	}
	defer f.Close()

	offset := w.shardSize[shard]
	n, err := f.Write(data)
	if err != nil {
		return fmt.Errorf("normcache: write shard %x: %w", shard, err)
	}
	w.shardSize[shard] = offset + int64(n)
	w.index[hash] = warmLoc{Shard: shard, Offset: offset, Length: n}

	w.invalidateMapLocked(shard)
	return w.persistIndex()
}

func (w *warmTier) invalidateMapLocked(shard int) {
	if mf, ok := w.mapped[shard]; ok {
		unix.Munmap(mf.data)
		mf.f.Close()
		delete(w.mapped, shard)
	}
}

// Get returns a copy of the stored bytes for hash, mapping the owning
// shard into memory on first access.
func (w *warmTier) Get(hash ContentHash) ([]byte, bool, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	loc, ok := w.index[hash]
	if !ok {
		return nil, false, nil
	}
	mf, ok := w.mapped[loc.Shard]
	if !ok {
		var err error
		mf, err = w.mapShardLocked(loc.Shard)
		if err != nil {
			return nil, false, err
		}
	}
	if int64(len(mf.data)) < loc.Offset+int64(loc.Length) {
		return nil, false, fmt.Errorf("normcache: shard %x shorter than indexed entry for %x", loc.Shard, hash)
	}
	out := make([]byte, loc.Length)
	copy(out, mf.data[loc.Offset:loc.Offset+int64(loc.Length)])
	return out, true, nil
}

func (w *warmTier) mapShardLocked(shard int) (*mappedFile, error) {
	path := w.shardPath(shard)
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("normcache: open shard %x for mmap: %w", shard, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	if info.Size() == 0 {
		f.Close()
		return nil, fmt.Errorf("normcache: shard %x empty", shard)
	}
	data, err := unix.Mmap(int(f.Fd()), 0, int(info.Size()), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("normcache: mmap shard %x: %w", shard, err)
	}
	mf := &mappedFile{f: f, data: data}
	w.mapped[shard] = mf
	return mf, nil
}

// Close unmaps every resident shard.
func (w *warmTier) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	for shard, mf := range w.mapped {
		unix.Munmap(mf.data)
		mf.f.Close()
		delete(w.mapped, shard)
	}
	return nil
}

func hexHash(h ContentHash) string {
	return hex.EncodeToString(h[:])
}

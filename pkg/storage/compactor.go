package storage

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
)

// ArchiveFileName is the compact archive's canonical name within a data
// directory.
const ArchiveFileName = "vectorizer.vecdb"

// Mode reports whether a data directory is operating on raw segment files
// or has already been compacted into a .vecdb archive.
type Mode int

const (
	// ModeRaw means no .vecdb is present; segment files are authoritative.
	ModeRaw Mode = iota
	// ModeCompact means a .vecdb archive is present.
	ModeCompact
)

// DetectMode probes dir for an archive. Raw-mode startup is only meant to
// enable an immediate migration compaction.
func DetectMode(dir string) (Mode, error) {
	_, err := os.Stat(filepath.Join(dir, ArchiveFileName))
	if err == nil {
		return ModeCompact, nil
	}
	if os.IsNotExist(err) {
		return ModeRaw, nil
	}
	return ModeRaw, fmt.Errorf("storage: detect mode: %w", err)
}

// Compactor packs a data directory's segment files into the compact
// archive, guarded by an exclusive flock so no concurrent compaction can
// race it. Segment writes do not take the lock.
type Compactor struct {
	dir       string
	zstdLevel int
}

// NewCompactor builds a Compactor rooted at dir, compressing archive entries
// at zstdLevel (1-9).
func NewCompactor(dir string, zstdLevel int) *Compactor {
	return &Compactor{dir: dir, zstdLevel: zstdLevel}
}

// Compact takes an exclusive guard on dir, packs every segment file present
// into a new vectorizer.vecdb.tmp, fsyncs it, atomically renames it over
// vectorizer.vecdb, then deletes the consumed segment files. A process death
// mid-compaction leaves only the harmless .tmp behind; the prior archive (or
// raw segments) remains authoritative until the rename succeeds.
func (c *Compactor) Compact() error {
	lockPath := filepath.Join(c.dir, ".vectorizer.lock")
	fl := flock.New(lockPath)
	locked, err := fl.TryLock()
	if err != nil {
		return fmt.Errorf("storage: acquire compaction lock: %w", err)
	}
	if !locked {
		return fmt.Errorf("storage: compaction already in progress")
	}
	defer fl.Unlock()

	names, err := ListSegments(c.dir)
	if err != nil {
		return err
	}

	segments := make(map[string][]byte, len(names))
	for _, name := range names {
		raw, err := os.ReadFile(filepath.Join(c.dir, SegmentFileName(name)))
		if err != nil {
			return fmt.Errorf("storage: read segment %q for compaction: %w", name, err)
		}
		segments[name] = raw
	}

	final := filepath.Join(c.dir, ArchiveFileName)
	tmp := final + ".tmp"

	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("storage: open archive tmp: %w", err)
	}
	if err := WriteArchive(f, segments, c.zstdLevel); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("storage: fsync archive tmp: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("storage: close archive tmp: %w", err)
	}
	if err := os.Rename(tmp, final); err != nil {
		return fmt.Errorf("storage: rename archive into place: %w", err)
	}

	for _, name := range names {
		if err := DeleteSegment(c.dir, name); err != nil {
			return err
		}
	}
	return nil
}

// CompactIfChanged compares every segment file's mtime against the archive's
// mtime and skips compaction when nothing has changed since the last pack.
func (c *Compactor) CompactIfChanged() (bool, error) {
	archiveInfo, err := os.Stat(filepath.Join(c.dir, ArchiveFileName))
	if err != nil {
		if os.IsNotExist(err) {
			if err := c.Compact(); err != nil {
				return false, err
			}
			return true, nil
		}
		return false, fmt.Errorf("storage: stat archive: %w", err)
	}

	names, err := ListSegments(c.dir)
	if err != nil {
		return false, err
	}
	changed := false
	for _, name := range names {
		info, err := os.Stat(filepath.Join(c.dir, SegmentFileName(name)))
		if err != nil {
			return false, fmt.Errorf("storage: stat segment %q: %w", name, err)
		}
		if info.ModTime().After(archiveInfo.ModTime()) {
			changed = true
			break
		}
	}
	if !changed {
		return false, nil
	}
	if err := c.Compact(); err != nil {
		return false, err
	}
	return true, nil
}

// RestoreSegments unpacks the data directory's vectorizer.vecdb back into
// individual segment files, used to migrate from compact mode back to raw
// mode before applying further mutations.
func (c *Compactor) RestoreSegments() error {
	segments, _, err := ReadArchiveFile(filepath.Join(c.dir, ArchiveFileName))
	if err != nil {
		return err
	}
	for name, raw := range segments {
		final := filepath.Join(c.dir, SegmentFileName(name))
		tmp := final + ".tmp"
		if err := os.WriteFile(tmp, raw, 0o644); err != nil {
			return fmt.Errorf("storage: write restored segment %q: %w", name, err)
		}
		if err := os.Rename(tmp, final); err != nil {
			return fmt.Errorf("storage: rename restored segment %q: %w", name, err)
		}
	}
	return nil
}

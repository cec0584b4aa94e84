package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// RetentionPolicy bounds how many snapshots accumulate under a snapshots
// directory.
type RetentionPolicy struct {
	MaxAge   time.Duration
	MaxCount int
}

// SnapshotInfo describes one snapshot archive on disk.
type SnapshotInfo struct {
	ID        string
	Path      string
	Timestamp time.Time
}

// SnapshotManager writes timestamped, uuid-suffixed archives into a
// snapshots directory and prunes them per a RetentionPolicy.
type SnapshotManager struct {
	dir       string
	zstdLevel int
	retention RetentionPolicy
	now       func() time.Time
}

// NewSnapshotManager builds a manager rooted at dir ("<data>/snapshots").
func NewSnapshotManager(dir string, zstdLevel int, retention RetentionPolicy) *SnapshotManager {
	return &SnapshotManager{dir: dir, zstdLevel: zstdLevel, retention: retention, now: time.Now}
}

// Take packs segments into a new "<unix-ts>-<uuid>.vecdb" snapshot archive
// and prunes by the configured retention policy.
func (m *SnapshotManager) Take(segments map[string][]byte) (SnapshotInfo, error) {
	if err := os.MkdirAll(m.dir, 0o755); err != nil {
		return SnapshotInfo{}, fmt.Errorf("storage: create snapshots dir: %w", err)
	}

	ts := m.now()
	id := uuid.New().String()
	name := fmt.Sprintf("%d-%s.vecdb", ts.Unix(), id)
	path := filepath.Join(m.dir, name)
	tmp := path + ".tmp"

	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return SnapshotInfo{}, fmt.Errorf("storage: open snapshot tmp: %w", err)
	}
	if err := WriteArchive(f, segments, m.zstdLevel); err != nil {
		f.Close()
		os.Remove(tmp)
		return SnapshotInfo{}, err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return SnapshotInfo{}, fmt.Errorf("storage: fsync snapshot tmp: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return SnapshotInfo{}, fmt.Errorf("storage: close snapshot tmp: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return SnapshotInfo{}, fmt.Errorf("storage: rename snapshot into place: %w", err)
	}

	if err := m.prune(); err != nil {
		return SnapshotInfo{}, err
	}

	return SnapshotInfo{ID: id, Path: path, Timestamp: ts}, nil
}

// List returns every snapshot under dir, newest first.
func (m *SnapshotManager) List() ([]SnapshotInfo, error) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("storage: list snapshots: %w", err)
	}

	var infos []SnapshotInfo
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".vecdb") {
			continue
		}
		info, ok := parseSnapshotName(e.Name())
		if !ok {
			continue
		}
		info.Path = filepath.Join(m.dir, e.Name())
		infos = append(infos, info)
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Timestamp.After(infos[j].Timestamp) })
	return infos, nil
}

// Restore reads and validates the snapshot with the given id.
func (m *SnapshotManager) Restore(id string) (map[string][]byte, error) {
	infos, err := m.List()
	if err != nil {
		return nil, err
	}
	for _, info := range infos {
		if info.ID == id {
			segments, _, err := ReadArchiveFile(info.Path)
			return segments, err
		}
	}
	return nil, fmt.Errorf("storage: snapshot %q not found", id)
}

func (m *SnapshotManager) prune() error {
	infos, err := m.List()
	if err != nil {
		return err
	}

	now := m.now()
	for i, info := range infos {
		expired := m.retention.MaxAge > 0 && now.Sub(info.Timestamp) > m.retention.MaxAge
		overCount := m.retention.MaxCount > 0 && i >= m.retention.MaxCount
		if expired || overCount {
			if err := os.Remove(info.Path); err != nil && !os.IsNotExist(err) {
				return fmt.Errorf("storage: prune snapshot %q: %w", info.ID, err)
			}
		}
	}
	return nil
}

func parseSnapshotName(name string) (SnapshotInfo, bool) {
	base := strings.TrimSuffix(name, ".vecdb")
	parts := strings.SplitN(base, "-", 2)
	if len(parts) != 2 {
		return SnapshotInfo{}, false
	}
	sec, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return SnapshotInfo{}, false
	}
	return SnapshotInfo{ID: parts[1], Timestamp: time.Unix(sec, 0).UTC()}, true
}

package storage

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func sampleSegment(name string) SegmentData {
	return SegmentData{
		CollectionName: name,
		Dim:            4,
		Metric:         "cosine",
		Nodes: []HNSWNodeSnapshot{
			{ID: "a", Level: 0, Vector: []float32{1, 2, 3, 4}},
			{ID: "b", Level: 1, Vector: []float32{4, 3, 2, 1}},
		},
		Version: 1,
	}
}

func TestWriteReadSegmentRoundTrip(t *testing.T) {
	dir := t.TempDir()
	data := sampleSegment("docs")

	require.NoError(t, WriteSegment(dir, data))
	got, err := ReadSegment(dir, "docs")
	require.NoError(t, err)
	require.Equal(t, data, got)

	names, err := ListSegments(dir)
	require.NoError(t, err)
	require.Equal(t, []string{"docs"}, names)
}

func TestWriteSegmentAtomicReplace(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, WriteSegment(dir, sampleSegment("docs")))

	updated := sampleSegment("docs")
	updated.Version = 2
	require.NoError(t, WriteSegment(dir, updated))

	got, err := ReadSegment(dir, "docs")
	require.NoError(t, err)
	require.Equal(t, uint64(2), got.Version)

	_, err = os.Stat(filepath.Join(dir, "docs_vector_store.bin.tmp"))
	require.True(t, os.IsNotExist(err))
}

func TestArchiveRoundTripAndChecksum(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, WriteSegment(dir, sampleSegment("docs")))
	require.NoError(t, WriteSegment(dir, sampleSegment("images")))

	c := NewCompactor(dir, 3)
	require.NoError(t, c.Compact())

	mode, err := DetectMode(dir)
	require.NoError(t, err)
	require.Equal(t, ModeCompact, mode)

	names, err := ListSegments(dir)
	require.NoError(t, err)
	require.Empty(t, names, "segment files should be deleted after compaction")

	segments, manifest, err := ReadArchiveFile(filepath.Join(dir, ArchiveFileName))
	require.NoError(t, err)
	require.Len(t, segments, 2)
	require.Equal(t, EngineVersion, manifest.EngineVersion)
	require.Len(t, manifest.Entries, 2)
}

func TestArchiveDetectsCorruption(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, WriteSegment(dir, sampleSegment("docs")))

	c := NewCompactor(dir, 3)
	require.NoError(t, c.Compact())

	path := filepath.Join(dir, ArchiveFileName)
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	// Flip a byte well past the local file headers to corrupt entry content
	// without breaking the zip's central directory structure.
	corrupted := append([]byte(nil), raw...)
	for i := len(corrupted) - 40; i > len(corrupted)/2; i-- {
		if corrupted[i] != 0 {
			corrupted[i] ^= 0xFF
			break
		}
	}
	require.NoError(t, os.WriteFile(path, corrupted, 0o644))

	_, _, err = ReadArchiveFile(path)
	require.Error(t, err)
}

func TestCompactIfChangedSkipsWhenUnchanged(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, WriteSegment(dir, sampleSegment("docs")))

	c := NewCompactor(dir, 3)
	changed, err := c.CompactIfChanged()
	require.NoError(t, err)
	require.True(t, changed)

	changed, err = c.CompactIfChanged()
	require.NoError(t, err)
	require.False(t, changed, "no segment files remain after compaction, nothing to redo")
}

func TestRestoreSegmentsFromArchive(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, WriteSegment(dir, sampleSegment("docs")))

	c := NewCompactor(dir, 3)
	require.NoError(t, c.Compact())

	require.NoError(t, c.RestoreSegments())

	got, err := ReadSegment(dir, "docs")
	require.NoError(t, err)
	require.Equal(t, "docs", got.CollectionName)
}

func TestSnapshotTakeListAndRestore(t *testing.T) {
	dir := t.TempDir()
	sm := NewSnapshotManager(dir, 3, RetentionPolicy{})

	segments := map[string][]byte{"docs": []byte("segment-bytes")}
	info, err := sm.Take(segments)
	require.NoError(t, err)
	require.NotEmpty(t, info.ID)

	list, err := sm.List()
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.Equal(t, info.ID, list[0].ID)

	restored, err := sm.Restore(info.ID)
	require.NoError(t, err)
	require.Equal(t, segments, restored)
}

func TestSnapshotRetentionPrunesByCount(t *testing.T) {
	dir := t.TempDir()
	sm := NewSnapshotManager(dir, 3, RetentionPolicy{MaxCount: 1})
	base := time.Unix(1_700_000_000, 0)
	tick := 0
	sm.now = func() time.Time {
		t := base.Add(time.Duration(tick) * time.Second)
		tick++
		return t
	}

	_, err := sm.Take(map[string][]byte{"a": []byte("1")})
	require.NoError(t, err)
	_, err = sm.Take(map[string][]byte{"a": []byte("2")})
	require.NoError(t, err)

	list, err := sm.List()
	require.NoError(t, err)
	require.Len(t, list, 1, "retention should keep only the most recent snapshot")
}

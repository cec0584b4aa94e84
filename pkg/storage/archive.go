package storage

import (
	"archive/zip"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"sort"

	"github.com/klauspost/compress/zstd"
	"github.com/zeebo/blake3"
)

const manifestEntryName = "manifest.json"

// zstdLevel maps a 1-9 config knob onto the library's named levels, same
// convention as pkg/normcache's cold tier.
func zstdLevel(level int) zstd.EncoderLevel {
	switch {
	case level <= 1:
		return zstd.SpeedFastest
	case level >= 9:
		return zstd.SpeedBestCompression
	default:
		return zstd.SpeedDefault
	}
}

func checksum(data []byte) string {
	sum := blake3.Sum256(data)
	return fmt.Sprintf("%x", sum)
}

// WriteArchive packs segments (collection name -> raw gob-encoded segment
// bytes) into a zstd-compressed zip archive at w, preceded by a manifest.json
// entry with per-entry BLAKE3 checksums and the engine version.
func WriteArchive(w io.Writer, segments map[string][]byte, level int) error {
	names := make([]string, 0, len(segments))
	for name := range segments {
		names = append(names, name)
	}
	sort.Strings(names)

	manifest := Manifest{EngineVersion: EngineVersion}
	compressed := make(map[string][]byte, len(segments))

	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstdLevel(level)))
	if err != nil {
		return fmt.Errorf("storage: create zstd encoder: %w", err)
	}
	defer enc.Close()

	for _, name := range names {
		raw := segments[name]
		manifest.Entries = append(manifest.Entries, ManifestEntry{
			Name:       name,
			ChecksumB3: checksum(raw),
			Size:       int64(len(raw)),
		})
		compressed[name] = enc.EncodeAll(raw, nil)
	}

	manifestJSON, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return fmt.Errorf("storage: marshal manifest: %w", err)
	}

	zw := zip.NewWriter(w)

	mw, err := zw.CreateHeader(&zip.FileHeader{Name: manifestEntryName, Method: zip.Store})
	if err != nil {
		return fmt.Errorf("storage: create manifest entry: %w", err)
	}
	if _, err := mw.Write(manifestJSON); err != nil {
		return fmt.Errorf("storage: write manifest entry: %w", err)
	}

	for _, name := range names {
		ew, err := zw.CreateHeader(&zip.FileHeader{Name: name, Method: zip.Store})
		if err != nil {
			return fmt.Errorf("storage: create archive entry %q: %w", name, err)
		}
		if _, err := ew.Write(compressed[name]); err != nil {
			return fmt.Errorf("storage: write archive entry %q: %w", name, err)
		}
	}

	return zw.Close()
}

// ReadArchive opens a .vecdb zip reader over r, decompresses every segment
// entry, and verifies its checksum against the embedded manifest.
func ReadArchive(r *zip.Reader) (map[string][]byte, *Manifest, error) {
	mf, err := r.Open(manifestEntryName)
	if err != nil {
		return nil, nil, fmt.Errorf("storage: archive missing manifest: %w", err)
	}
	manifestJSON, err := io.ReadAll(mf)
	mf.Close()
	if err != nil {
		return nil, nil, fmt.Errorf("storage: read manifest: %w", err)
	}
	var manifest Manifest
	if err := json.Unmarshal(manifestJSON, &manifest); err != nil {
		return nil, nil, fmt.Errorf("storage: decode manifest: %w", err)
	}

	checksums := make(map[string]string, len(manifest.Entries))
	for _, e := range manifest.Entries {
		checksums[e.Name] = e.ChecksumB3
	}

	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, nil, fmt.Errorf("storage: create zstd decoder: %w", err)
	}
	defer dec.Close()

	segments := make(map[string][]byte)
	for _, f := range r.File {
		if f.Name == manifestEntryName {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return nil, nil, fmt.Errorf("storage: open archive entry %q: %w", f.Name, err)
		}
		compressed, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			return nil, nil, fmt.Errorf("storage: read archive entry %q: %w", f.Name, err)
		}
		raw, err := dec.DecodeAll(compressed, nil)
		if err != nil {
			return nil, nil, fmt.Errorf("storage: decompress archive entry %q: %w", f.Name, err)
		}
		if want, ok := checksums[f.Name]; ok {
			if got := checksum(raw); got != want {
				return nil, nil, fmt.Errorf("%w: entry %q checksum mismatch", ErrCorrupt, f.Name)
			}
		}
		segments[f.Name] = raw
	}

	return segments, &manifest, nil
}

// ReadArchiveFile reads and validates a .vecdb archive from disk.
func ReadArchiveFile(path string) (map[string][]byte, *Manifest, error) {
	raw, err := readFileBytes(path)
	if err != nil {
		return nil, nil, err
	}
	zr, err := zip.NewReader(bytes.NewReader(raw), int64(len(raw)))
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	return ReadArchive(zr)
}

package storage

// EngineVersion is stamped into every manifest written by this package.
const EngineVersion = "vectorcore-1"

// ManifestEntry records one archive entry's uncompressed checksum and size,
// so a restore can detect corruption before trusting the decompressed bytes.
type ManifestEntry struct {
	Name       string `json:"name"`
	ChecksumB3 string `json:"checksum_blake3"`
	Size       int64  `json:"size"`
}

// Manifest is the manifest.json entry packed into every .vecdb archive.
type Manifest struct {
	EngineVersion string          `json:"engine_version"`
	Entries       []ManifestEntry `json:"entries"`
}

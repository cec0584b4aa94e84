package storage

import (
	"errors"
	"os"
)

// ErrCorrupt indicates an archive failed checksum or structural validation.
var ErrCorrupt = errors.New("storage: archive corrupt")

// ErrNoArchive indicates the data directory has no .vecdb yet (raw mode).
var ErrNoArchive = errors.New("storage: no archive present")

func readFileBytes(path string) ([]byte, error) {
	return os.ReadFile(path)
}

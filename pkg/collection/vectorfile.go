package collection

import (
	"encoding/binary"
	"fmt"
	"math"
	"os"

	"golang.org/x/sys/unix"
)

// vectorFile is the per-collection memory-mapped store backing the Mmap
// storage kind: vectors are appended as fixed-size float32 records and
// addressed by byte offset, so the HNSW graph only needs to carry an
// 8-byte handle per node instead of the full vector. Grounded on
// pkg/normcache/warm.go's mmap-on-demand shard style, generalized from
// variable-length blobs to fixed-stride vector records.
type vectorFile struct {
	f       *os.File
	dim     int
	mapped  []byte
	size    int64 // bytes currently written
}

func openVectorFile(path string, dim int) (*vectorFile, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("collection: open vector file: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("collection: stat vector file: %w", err)
	}
	return &vectorFile{f: f, dim: dim, size: info.Size()}, nil
}

func (vf *vectorFile) recordSize() int64 {
	return int64(vf.dim) * 4
}

// Append writes vector as a new record and returns its byte-offset handle.
func (vf *vectorFile) Append(vector []float32) (int64, error) {
	if len(vector) != vf.dim {
		return 0, fmt.Errorf("collection: vector dim %d != file dim %d", len(vector), vf.dim)
	}
	if err := vf.unmapLocked(); err != nil {
		return 0, err
	}
	buf := make([]byte, vf.recordSize())
	for i, f := range vector {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	offset := vf.size
	if _, err := vf.f.WriteAt(buf, offset); err != nil {
		return 0, fmt.Errorf("collection: append vector record: %w", err)
	}
	vf.size += int64(len(buf))
	return offset, nil
}

// ReadAt decodes the record at handle into a []float32 of vf.dim.
func (vf *vectorFile) ReadAt(handle int64) ([]float32, error) {
	if err := vf.ensureMappedLocked(); err != nil {
		return nil, err
	}
	n := vf.recordSize()
	if handle < 0 || handle+n > int64(len(vf.mapped)) {
		return nil, fmt.Errorf("collection: vector handle %d out of range", handle)
	}
	region := vf.mapped[handle : handle+n]
	out := make([]float32, vf.dim)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(region[i*4:]))
	}
	return out, nil
}

// DecodeHandle interprets an 8-byte HNSW node payload as a vectorFile
// offset, the shape used when a Collection wires Graph.SetDecoder for Mmap
// storage.
func DecodeHandle(b []byte) (int64, error) {
	if len(b) != 8 {
		return 0, fmt.Errorf("collection: malformed vector handle")
	}
	return int64(binary.LittleEndian.Uint64(b)), nil
}

// EncodeHandle serializes a vectorFile offset into the 8-byte form stored on
// an HNSW node.
func EncodeHandle(offset int64) []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, uint64(offset))
	return b
}

func (vf *vectorFile) ensureMappedLocked() error {
	if vf.size == 0 {
		return fmt.Errorf("collection: vector file is empty")
	}
	if vf.mapped != nil && int64(len(vf.mapped)) >= vf.size {
		return nil
	}
	if vf.mapped != nil {
		if err := unix.Munmap(vf.mapped); err != nil {
			return fmt.Errorf("collection: unmap stale vector file: %w", err)
		}
		vf.mapped = nil
	}
	data, err := unix.Mmap(int(vf.f.Fd()), 0, int(vf.size), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return fmt.Errorf("collection: mmap vector file: %w", err)
	}
	vf.mapped = data
	return nil
}

func (vf *vectorFile) unmapLocked() error {
	if vf.mapped == nil {
		return nil
	}
	if err := unix.Munmap(vf.mapped); err != nil {
		return fmt.Errorf("collection: unmap vector file before append: %w", err)
	}
	vf.mapped = nil
	return nil
}

// Sync flushes pending writes to disk.
func (vf *vectorFile) Sync() error {
	return vf.f.Sync()
}

// Close unmaps and closes the underlying file.
func (vf *vectorFile) Close() error {
	if err := vf.unmapLocked(); err != nil {
		return err
	}
	return vf.f.Close()
}

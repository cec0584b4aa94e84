package quantize

import (
	"sort"
	"sync"
)

// Binary implements a 1-bit-per-dimension quantizer: each component is
// thresholded against a trained per-dimension median, and similarity scores
// as 1 - normalized Hamming distance.
type Binary struct {
	mu        sync.RWMutex
	dim       int
	threshold []float32
	trained   bool
}

// NewBinary creates an untrained binary quantizer.
func NewBinary(dim int) *Binary {
	return &Binary{dim: dim, threshold: make([]float32, dim)}
}

// Train learns the per-dimension median from a sample.
func (bq *Binary) Train(vectors [][]float32) error {
	if len(vectors) == 0 {
		return errNoTrainingData()
	}
	bq.mu.Lock()
	defer bq.mu.Unlock()

	col := make([]float32, len(vectors))
	for d := 0; d < bq.dim; d++ {
		for i, v := range vectors {
			if len(v) != bq.dim {
				return dimMismatch(len(v), bq.dim)
			}
			col[i] = v[d]
		}
		bq.threshold[d] = median(col)
	}
	bq.trained = true
	return nil
}

func median(xs []float32) float32 {
	cp := append([]float32(nil), xs...)
	sort.Slice(cp, func(i, j int) bool { return cp[i] < cp[j] })
	n := len(cp)
	if n%2 == 1 {
		return cp[n/2]
	}
	return (cp[n/2-1] + cp[n/2]) / 2
}

// EncodeBatch implements Quantizer.
func (bq *Binary) EncodeBatch(vectors [][]float32) ([][]byte, error) {
	bq.mu.RLock()
	defer bq.mu.RUnlock()
	if !bq.trained {
		return nil, ErrNotTrained
	}
	out := make([][]byte, len(vectors))
	for i, v := range vectors {
		if len(v) != bq.dim {
			return nil, dimMismatch(len(v), bq.dim)
		}
		out[i] = bq.encodeLocked(v)
	}
	return out, nil
}

func (bq *Binary) encodeLocked(v []float32) []byte {
	encoded := make([]byte, (bq.dim+7)/8)
	for d := 0; d < bq.dim; d++ {
		if v[d] > bq.threshold[d] {
			encoded[d/8] |= 1 << uint(d%8)
		}
	}
	return encoded
}

// DecodeBatch reconstructs an approximate vector: threshold +/- 0.5, the
// best a 1-bit code can do (no reconstruction-error bound is claimed for
// this method).
func (bq *Binary) DecodeBatch(codes [][]byte) ([][]float32, error) {
	bq.mu.RLock()
	defer bq.mu.RUnlock()
	if !bq.trained {
		return nil, ErrNotTrained
	}
	out := make([][]float32, len(codes))
	for i, c := range codes {
		v := make([]float32, bq.dim)
		for d := 0; d < bq.dim; d++ {
			if c[d/8]&(1<<uint(d%8)) != 0 {
				v[d] = bq.threshold[d] + 0.5
			} else {
				v[d] = bq.threshold[d] - 0.5
			}
		}
		out[i] = v
	}
	return out, nil
}

// MemoryEstimate implements Quantizer: 1 bit per dimension.
func (bq *Binary) MemoryEstimate(n int) int64 {
	return int64(n) * int64((bq.dim+7)/8)
}

func hamming(a, b []byte) int {
	dist := 0
	for i := range a {
		x := a[i] ^ b[i]
		for x != 0 {
			dist++
			x &= x - 1
		}
	}
	return dist
}

// SelfSimilarity implements Quantizer as 1 - popcount(a^b)/dim.
func (bq *Binary) SelfSimilarity(a, b []byte) (float32, error) {
	bq.mu.RLock()
	defer bq.mu.RUnlock()
	if !bq.trained {
		return 0, ErrNotTrained
	}
	if len(a) != len(b) {
		return 0, dimMismatch(len(a)*8, len(b)*8)
	}
	return 1 - float32(hamming(a, b))/float32(bq.dim), nil
}

// QuerySimilarity encodes the query then scores via Hamming distance.
func (bq *Binary) QuerySimilarity(query []float32, encoded []byte) (float32, error) {
	bq.mu.RLock()
	qEnc := bq.encodeLocked(query)
	bq.mu.RUnlock()
	return bq.SelfSimilarity(qEnc, encoded)
}

// QualityLoss always reports 1.0: binary quantization carries no bound.
func (bq *Binary) QualityLoss() float64 { return 1.0 }

// Validate always succeeds: Binary has no quality bound (ε=1.0, i.e.
// unconstrained) so it never blocks a switchover.
func (bq *Binary) Validate(floor float64) error { return nil }

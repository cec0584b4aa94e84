package quantize

import (
	"math"
	"sync"

	"github.com/vectorcore-db/vectorcore/pkg/distance"
)

// Scalar implements SQ-4/SQ-8: per-dimension min/max learned over a
// training sample, each component packed to NBits uniform levels, with a
// quality-loss estimate gating Validate.
type Scalar struct {
	mu      sync.RWMutex
	dim     int
	nbits   int
	min     []float32
	max     []float32
	trained bool
	lastErr float64 // average relative reconstruction error from last Train
}

// NewScalar creates an untrained scalar quantizer for the given dimension
// and bit width (4 or 8).
func NewScalar(dim, nbits int) (*Scalar, error) {
	if nbits != 4 && nbits != 8 {
		return nil, dimMismatchNBits(nbits)
	}
	return &Scalar{
		dim:   dim,
		nbits: nbits,
		min:   make([]float32, dim),
		max:   make([]float32, dim),
	}, nil
}

func dimMismatchNBits(n int) error {
	return errBitsf(n)
}

// Method reports which SQ variant this is.
func (s *Scalar) Method() Method {
	if s.nbits == 4 {
		return MethodScalar4
	}
	return MethodScalar8
}

// Train learns per-dimension [min,max] from a sample and records the mean
// relative reconstruction error it produces on that same sample, used
// later by QualityLoss/Validate.
func (s *Scalar) Train(vectors [][]float32) error {
	if len(vectors) == 0 {
		return errNoTrainingData()
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	for d := 0; d < s.dim; d++ {
		s.min[d] = vectors[0][d]
		s.max[d] = vectors[0][d]
	}
	for _, v := range vectors {
		if len(v) != s.dim {
			return dimMismatch(len(v), s.dim)
		}
		for d := 0; d < s.dim; d++ {
			if v[d] < s.min[d] {
				s.min[d] = v[d]
			}
			if v[d] > s.max[d] {
				s.max[d] = v[d]
			}
		}
	}
	for d := 0; d < s.dim; d++ {
		if s.max[d] == s.min[d] {
			s.max[d] += 1e-6
		}
	}
	s.trained = true

	var relErrSum float64
	for _, v := range vectors {
		enc := s.encodeLocked(v)
		dec := s.decodeLocked(enc)
		relErrSum += relativeError(v, dec)
	}
	s.lastErr = relErrSum / float64(len(vectors))
	return nil
}

// EncodeBatch implements Quantizer.
func (s *Scalar) EncodeBatch(vectors [][]float32) ([][]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.trained {
		return nil, ErrNotTrained
	}
	out := make([][]byte, len(vectors))
	for i, v := range vectors {
		if len(v) != s.dim {
			return nil, dimMismatch(len(v), s.dim)
		}
		out[i] = s.encodeLocked(v)
	}
	return out, nil
}

// DecodeBatch implements Quantizer.
func (s *Scalar) DecodeBatch(codes [][]byte) ([][]float32, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.trained {
		return nil, ErrNotTrained
	}
	out := make([][]float32, len(codes))
	for i, c := range codes {
		out[i] = s.decodeLocked(c)
	}
	return out, nil
}

func (s *Scalar) encodeLocked(vector []float32) []byte {
	maxVal := float32(int(1)<<uint(s.nbits) - 1)
	bitsNeeded := s.dim * s.nbits
	encoded := make([]byte, (bitsNeeded+7)/8)

	bitOffset := 0
	for d := 0; d < s.dim; d++ {
		normalized := (vector[d] - s.min[d]) / (s.max[d] - s.min[d])
		if normalized < 0 {
			normalized = 0
		} else if normalized > 1 {
			normalized = 1
		}
		q := uint32(normalized*maxVal + 0.5)
		for b := 0; b < s.nbits; b++ {
			if q&(1<<uint(b)) != 0 {
				byteIdx := bitOffset / 8
				bitIdx := uint(bitOffset % 8)
				encoded[byteIdx] |= 1 << bitIdx
			}
			bitOffset++
		}
	}
	return encoded
}

func (s *Scalar) decodeLocked(encoded []byte) []float32 {
	maxVal := float32(int(1)<<uint(s.nbits) - 1)
	vector := make([]float32, s.dim)
	bitOffset := 0
	for d := 0; d < s.dim; d++ {
		q := uint32(0)
		for b := 0; b < s.nbits; b++ {
			byteIdx := bitOffset / 8
			bitIdx := uint(bitOffset % 8)
			if byteIdx < len(encoded) && encoded[byteIdx]&(1<<bitIdx) != 0 {
				q |= 1 << uint(b)
			}
			bitOffset++
		}
		normalized := float32(q) / maxVal
		vector[d] = normalized*(s.max[d]-s.min[d]) + s.min[d]
	}
	return vector
}

// MemoryEstimate implements Quantizer: ceil(nbits*dim/8) bytes per vector.
func (s *Scalar) MemoryEstimate(n int) int64 {
	bitsNeeded := s.dim * s.nbits
	return int64(n) * int64((bitsNeeded+7)/8)
}

// SelfSimilarity decodes both sides and scores with the kernel for cosine;
// callers needing a different metric should use QuerySimilarity against
// a decoded reference instead.
func (s *Scalar) SelfSimilarity(a, b []byte) (float32, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.trained {
		return 0, ErrNotTrained
	}
	va := s.decodeLocked(a)
	vb := s.decodeLocked(b)
	return distance.Cosine32(va, vb), nil
}

// QuerySimilarity decodes the encoded side and scores against the query.
func (s *Scalar) QuerySimilarity(query []float32, encoded []byte) (float32, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.trained {
		return 0, ErrNotTrained
	}
	vb := s.decodeLocked(encoded)
	return distance.Cosine32(query, vb), nil
}

// QualityLoss implements Quantizer.
func (s *Scalar) QualityLoss() float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastErr
}

// Validate implements Quantizer, gating on the tighter of floor (when > 0)
// and the method bound.
func (s *Scalar) Validate(floor float64) error {
	bound := ErrorBound[s.Method()]
	if floor > 0 && floor < bound {
		bound = floor
	}
	if s.QualityLoss() > bound {
		return ErrQualityBelowFloor
	}
	return nil
}

func relativeError(orig, recon []float32) float64 {
	var num, den float64
	for i := range orig {
		d := float64(orig[i] - recon[i])
		num += d * d
		den += float64(orig[i]) * float64(orig[i])
	}
	if den == 0 {
		return 0
	}
	return math.Sqrt(num / den)
}

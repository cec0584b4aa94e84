package quantize

import (
	"fmt"
	"math"
	"math/rand"
	"sync"
)

// Product implements Product Quantization: dim is split into MSub
// subspaces, each with a K-centroid codebook trained by Lloyd's algorithm
// with k-means++ seeding for faster, more stable convergence than plain
// random initialization.
type Product struct {
	mu        sync.RWMutex
	dim       int
	msub      int
	k         int
	subdim    int
	codebooks [][][]float32 // [msub][k][subdim]
	trained   bool
	lastErr   float64
	rng       *rand.Rand
}

// NewProduct creates an untrained PQ quantizer. k must be <= 256 so codes
// fit in one byte per subspace.
func NewProduct(dim, msub, k int) (*Product, error) {
	if dim%msub != 0 {
		return nil, errPQDivisible(dim, msub)
	}
	if k > 256 {
		return nil, errPQCentroids(k)
	}
	return &Product{
		dim:    dim,
		msub:   msub,
		k:      k,
		subdim: dim / msub,
		rng:    rand.New(rand.NewSource(1)),
	}, nil
}

// Train runs k-means++ seeded Lloyd's algorithm independently per subspace.
func (pq *Product) Train(vectors [][]float32) error {
	if len(vectors) < pq.k {
		return errPQTrainSize(pq.k, len(vectors))
	}
	pq.mu.Lock()
	defer pq.mu.Unlock()

	codebooks := make([][][]float32, pq.msub)
	for m := 0; m < pq.msub; m++ {
		start := m * pq.subdim
		end := start + pq.subdim
		sub := make([][]float32, len(vectors))
		for i, v := range vectors {
			if len(v) != pq.dim {
				return dimMismatch(len(v), pq.dim)
			}
			sub[i] = v[start:end]
		}
		centroids := kMeansPlusPlus(sub, pq.k, 20, pq.rng)
		codebooks[m] = centroids
	}
	pq.codebooks = codebooks
	pq.trained = true

	var relErrSum float64
	for _, v := range vectors {
		code := pq.encodeLocked(v)
		dec := pq.decodeLocked(code)
		relErrSum += relativeError(v, dec)
	}
	pq.lastErr = relErrSum / float64(len(vectors))
	return nil
}

// kMeansPlusPlus seeds centroids with the k-means++ distribution, then runs
// Lloyd's algorithm to convergence or maxIters.
func kMeansPlusPlus(vectors [][]float32, k, maxIters int, rng *rand.Rand) [][]float32 {
	dim := len(vectors[0])
	centroids := make([][]float32, 0, k)
	first := vectors[rng.Intn(len(vectors))]
	centroids = append(centroids, append([]float32(nil), first...))

	dist2 := make([]float64, len(vectors))
	for len(centroids) < k && len(centroids) < len(vectors) {
		var total float64
		for i, v := range vectors {
			best := math.MaxFloat64
			for _, c := range centroids {
				d := sqDist(v, c)
				if d < best {
					best = d
				}
			}
			dist2[i] = best
			total += best
		}
		if total == 0 {
			centroids = append(centroids, append([]float32(nil), vectors[rng.Intn(len(vectors))]...))
			continue
		}
		target := rng.Float64() * total
		var cum float64
		idx := len(vectors) - 1
		for i, d := range dist2 {
			cum += d
			if cum >= target {
				idx = i
				break
			}
		}
		centroids = append(centroids, append([]float32(nil), vectors[idx]...))
	}
	for len(centroids) < k {
		centroids = append(centroids, append([]float32(nil), vectors[rng.Intn(len(vectors))]...))
	}

	assignments := make([]int, len(vectors))
	for iter := 0; iter < maxIters; iter++ {
		changed := false
		for i, v := range vectors {
			best, bestIdx := math.MaxFloat64, 0
			for c, centroid := range centroids {
				d := sqDist(v, centroid)
				if d < best {
					best, bestIdx = d, c
				}
			}
			if assignments[i] != bestIdx {
				changed = true
				assignments[i] = bestIdx
			}
		}
		if !changed && iter > 0 {
			break
		}
		sums := make([][]float64, k)
		counts := make([]int, k)
		for c := range sums {
			sums[c] = make([]float64, dim)
		}
		for i, v := range vectors {
			c := assignments[i]
			counts[c]++
			for d := 0; d < dim; d++ {
				sums[c][d] += float64(v[d])
			}
		}
		for c := 0; c < k; c++ {
			if counts[c] == 0 {
				continue
			}
			for d := 0; d < dim; d++ {
				centroids[c][d] = float32(sums[c][d] / float64(counts[c]))
			}
		}
	}
	return centroids
}

func sqDist(a, b []float32) float64 {
	var sum float64
	for i := range a {
		d := float64(a[i] - b[i])
		sum += d * d
	}
	return sum
}

// EncodeBatch implements Quantizer.
func (pq *Product) EncodeBatch(vectors [][]float32) ([][]byte, error) {
	pq.mu.RLock()
	defer pq.mu.RUnlock()
	if !pq.trained {
		return nil, ErrNotTrained
	}
	out := make([][]byte, len(vectors))
	for i, v := range vectors {
		if len(v) != pq.dim {
			return nil, dimMismatch(len(v), pq.dim)
		}
		out[i] = pq.encodeLocked(v)
	}
	return out, nil
}

func (pq *Product) encodeLocked(v []float32) []byte {
	codes := make([]byte, pq.msub)
	for m := 0; m < pq.msub; m++ {
		start := m * pq.subdim
		sub := v[start : start+pq.subdim]
		best, bestIdx := math.MaxFloat64, 0
		for k, c := range pq.codebooks[m] {
			d := sqDist(sub, c)
			if d < best {
				best, bestIdx = d, k
			}
		}
		codes[m] = byte(bestIdx)
	}
	return codes
}

// DecodeBatch implements Quantizer.
func (pq *Product) DecodeBatch(codes [][]byte) ([][]float32, error) {
	pq.mu.RLock()
	defer pq.mu.RUnlock()
	if !pq.trained {
		return nil, ErrNotTrained
	}
	out := make([][]float32, len(codes))
	for i, c := range codes {
		out[i] = pq.decodeLocked(c)
	}
	return out, nil
}

func (pq *Product) decodeLocked(codes []byte) []float32 {
	v := make([]float32, pq.dim)
	for m := 0; m < pq.msub; m++ {
		centroid := pq.codebooks[m][codes[m]]
		copy(v[m*pq.subdim:(m+1)*pq.subdim], centroid)
	}
	return v
}

// MemoryEstimate implements Quantizer: one byte per subspace per vector.
func (pq *Product) MemoryEstimate(n int) int64 {
	return int64(n) * int64(pq.msub)
}

// distanceTable precomputes, for a query, the squared distance from each
// subquery to every centroid in that subspace (asymmetric distance
// computation, "ADC").
func (pq *Product) distanceTable(query []float32) [][]float32 {
	table := make([][]float32, pq.msub)
	for m := 0; m < pq.msub; m++ {
		start := m * pq.subdim
		sub := query[start : start+pq.subdim]
		table[m] = make([]float32, pq.k)
		for k, c := range pq.codebooks[m] {
			table[m][k] = float32(sqDist(sub, c))
		}
	}
	return table
}

// SelfSimilarity decodes both codes and returns a negative-squared-distance
// similarity (higher is closer), consistent across subspaces.
func (pq *Product) SelfSimilarity(a, b []byte) (float32, error) {
	pq.mu.RLock()
	defer pq.mu.RUnlock()
	if !pq.trained {
		return 0, ErrNotTrained
	}
	va := pq.decodeLocked(a)
	vb := pq.decodeLocked(b)
	return -float32(sqDist(va, vb)), nil
}

// QuerySimilarity uses the precomputed ADC table against one code.
func (pq *Product) QuerySimilarity(query []float32, encoded []byte) (float32, error) {
	pq.mu.RLock()
	defer pq.mu.RUnlock()
	if !pq.trained {
		return 0, ErrNotTrained
	}
	table := pq.distanceTable(query)
	var total float32
	for m := 0; m < pq.msub; m++ {
		total += table[m][encoded[m]]
	}
	return -total, nil
}

// QualityLoss implements Quantizer.
func (pq *Product) QualityLoss() float64 {
	pq.mu.RLock()
	defer pq.mu.RUnlock()
	return pq.lastErr
}

// Validate implements Quantizer.
func (pq *Product) Validate(floor float64) error {
	bound := ErrorBound[MethodProduct]
	if floor > 0 && floor < bound {
		bound = floor
	}
	if pq.QualityLoss() > bound {
		return ErrQualityBelowFloor
	}
	return nil
}

func errPQDivisible(dim, msub int) error {
	return fmt.Errorf("quantizer: dimension %d must be divisible by msub %d", dim, msub)
}

func errPQCentroids(k int) error {
	return fmt.Errorf("quantizer: k=%d must be <= 256 for byte encoding", k)
}

func errPQTrainSize(k, got int) error {
	return fmt.Errorf("quantizer: need at least %d training vectors, got %d", k, got)
}

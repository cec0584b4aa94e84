package quantize

import (
	"bytes"
	"encoding/gob"
)

// scalarState, productState and binaryState are the gob-encodable forms of
// the trained quantizers, persisted inside a collection's segment file
// alongside its HNSW nodes.

type scalarState struct {
	Dim, NBits int
	Min, Max   []float32
	Trained    bool
	LastErr    float64
}

// MarshalBinary encodes the quantizer's trained state for segment
// persistence.
func (s *Scalar) MarshalBinary() ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := scalarState{Dim: s.dim, NBits: s.nbits, Min: s.min, Max: s.max, Trained: s.trained, LastErr: s.lastErr}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(st); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// UnmarshalBinary restores state encoded by MarshalBinary.
func (s *Scalar) UnmarshalBinary(data []byte) error {
	var st scalarState
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&st); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dim, s.nbits, s.min, s.max, s.trained, s.lastErr = st.Dim, st.NBits, st.Min, st.Max, st.Trained, st.LastErr
	return nil
}

type productState struct {
	Dim, MSub, K, Subdim int
	Codebooks             [][][]float32
	Trained               bool
	LastErr               float64
}

// MarshalBinary encodes the quantizer's trained state for segment
// persistence.
func (pq *Product) MarshalBinary() ([]byte, error) {
	pq.mu.RLock()
	defer pq.mu.RUnlock()
	st := productState{
		Dim: pq.dim, MSub: pq.msub, K: pq.k, Subdim: pq.subdim,
		Codebooks: pq.codebooks, Trained: pq.trained, LastErr: pq.lastErr,
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(st); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// UnmarshalBinary restores state encoded by MarshalBinary.
func (pq *Product) UnmarshalBinary(data []byte) error {
	var st productState
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&st); err != nil {
		return err
	}
	pq.mu.Lock()
	defer pq.mu.Unlock()
	pq.dim, pq.msub, pq.k, pq.subdim = st.Dim, st.MSub, st.K, st.Subdim
	pq.codebooks, pq.trained, pq.lastErr = st.Codebooks, st.Trained, st.LastErr
	return nil
}

type binaryState struct {
	Dim       int
	Threshold []float32
	Trained   bool
}

// MarshalBinary encodes the quantizer's trained state for segment
// persistence.
func (bq *Binary) MarshalBinary() ([]byte, error) {
	bq.mu.RLock()
	defer bq.mu.RUnlock()
	st := binaryState{Dim: bq.dim, Threshold: bq.threshold, Trained: bq.trained}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(st); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// UnmarshalBinary restores state encoded by MarshalBinary.
func (bq *Binary) UnmarshalBinary(data []byte) error {
	var st binaryState
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&st); err != nil {
		return err
	}
	bq.mu.Lock()
	defer bq.mu.Unlock()
	bq.dim, bq.threshold, bq.trained = st.Dim, st.Threshold, st.Trained
	return nil
}

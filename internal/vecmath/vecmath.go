// Package vecmath holds the distance functions shared by semantic chunking
// and the embedded vector store.
package vecmath

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/viant/vec/search"
)

// Distance names a distance function.
type Distance string

const (
	Cosine    Distance = "cosine"
	Euclidean Distance = "euclidean"
)

// Func computes the distance between two equal-length vectors.
type Func func(a, b []float32) float32

// Resolve returns the function for d. The empty name means Cosine.
func (d Distance) Resolve() (Func, error) {
	switch d {
	case "", Cosine:
		return CosineDistance, nil
	case Euclidean:
		return EuclideanDistance, nil
	default:
		return nil, fmt.Errorf("unknown distance function %q", d)
	}
}

// CosineDistance returns 1 - cosine similarity. A zero vector is treated as
// unrelated to everything (distance 1).
func CosineDistance(a, b []float32) float32 {
	if Magnitude(a) == 0 || Magnitude(b) == 0 {
		return 1
	}
	return search.Float32s(a).CosineDistance(b)
}

func EuclideanDistance(a, b []float32) float32 {
	return search.Float32s(a).EuclideanDistance(b)
}

func Magnitude(v []float32) float32 {
	return search.Float32s(v).Magnitude()
}

// Encode stores float32s little-endian, 4 bytes each.
func Encode(v []float32) []byte {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// Decode is the inverse of Encode.
func Decode(b []byte) ([]float32, error) {
	return DecodeInto(nil, b)
}

// DecodeInto decodes b into buf, reusing its storage when large enough.
func DecodeInto(buf []float32, b []byte) ([]float32, error) {
	if len(b) == 0 || len(b)%4 != 0 {
		return nil, fmt.Errorf("invalid vector encoding of %d bytes", len(b))
	}
	n := len(b) / 4
	if cap(buf) < n {
		buf = make([]float32, n)
	}
	buf = buf[:n]
	for i := range buf {
		buf[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return buf, nil
}

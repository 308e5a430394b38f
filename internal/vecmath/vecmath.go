// Package vecmath provides the vector arithmetic shared by the embedding
// pipeline and the HNSW index: L2 normalization and cosine distance on
// normalized vectors (equivalent to one minus the inner product).
package vecmath

import "math"

// Normalize scales v in place to unit Euclidean norm. A zero vector is left
// unchanged; the embedding service passes backend output here after
// checking only its dimension, so an all-zero vector stays all-zero.
func Normalize(v []float32) {
	var sumSq float64
	for _, x := range v {
		sumSq += float64(x) * float64(x)
	}
	if sumSq == 0 {
		return
	}
	norm := float32(math.Sqrt(sumSq))
	for i := range v {
		v[i] /= norm
	}
}

// Norm returns the Euclidean (L2) norm of v.
func Norm(v []float32) float64 {
	var sumSq float64
	for _, x := range v {
		sumSq += float64(x) * float64(x)
	}
	return math.Sqrt(sumSq)
}

// Dot returns the inner product of a and b. Callers guarantee equal length;
// this is the hot inner loop so it does not defensively check.
func Dot(a, b []float32) float32 {
	var sum float32
	n := len(a)
	// Unrolled by 4. Any future SIMD path must agree with this
	// implementation within 1e-5 absolute error.
	i := 0
	for ; i+4 <= n; i += 4 {
		sum += a[i]*b[i] + a[i+1]*b[i+1] + a[i+2]*b[i+2] + a[i+3]*b[i+3]
	}
	for ; i < n; i++ {
		sum += a[i] * b[i]
	}
	return sum
}

// CosineDistance returns 1 - dot(a, b) for L2-normalized a and b: cosine
// distance equals one minus the inner product on unit vectors.
func CosineDistance(a, b []float32) float32 {
	return 1 - Dot(a, b)
}

package vecmath

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalize(t *testing.T) {
	v := []float32{3, 4, 0, 0}
	Normalize(v)
	require.InDelta(t, 1.0, Norm(v), 1e-6)
	assert.InDelta(t, 0.6, v[0], 1e-6)
	assert.InDelta(t, 0.8, v[1], 1e-6)
}

func TestNormalizeZeroVector(t *testing.T) {
	v := []float32{0, 0, 0}
	Normalize(v)
	assert.Equal(t, []float32{0, 0, 0}, v)
}

func TestCosineDistanceIdentical(t *testing.T) {
	v := []float32{1, 0, 0, 0}
	assert.InDelta(t, 0.0, CosineDistance(v, v), 1e-5)
}

func TestCosineDistanceOrthogonal(t *testing.T) {
	a := []float32{1, 0, 0, 0}
	b := []float32{0, 1, 0, 0}
	assert.InDelta(t, 1.0, CosineDistance(a, b), 1e-5)
}

func TestDotMatchesNaiveImplementation(t *testing.T) {
	a := make([]float32, 37)
	b := make([]float32, 37)
	for i := range a {
		a[i] = float32(math.Sin(float64(i)))
		b[i] = float32(math.Cos(float64(i)))
	}
	var naive float32
	for i := range a {
		naive += a[i] * b[i]
	}
	assert.InDelta(t, float64(naive), float64(Dot(a, b)), 1e-5)
}

package distance

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSquaredL2(t *testing.T) {
	tests := []struct {
		name string
		a, b []float32
		want float32
	}{
		{"identical", []float32{1, 2, 3}, []float32{1, 2, 3}, 0},
		{"unit apart", []float32{0, 0, 0}, []float32{1, 0, 0}, 1},
		{"pythagorean", []float32{0, 0}, []float32{3, 4}, 25},
		{"negative components", []float32{-1, -1}, []float32{1, 1}, 8},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, SquaredL2(tt.a, tt.b), 1e-6)
		})
	}
}

func TestDot(t *testing.T) {
	assert.InDelta(t, float32(32), Dot([]float32{1, 2, 3}, []float32{4, 5, 6}), 1e-6)
	assert.InDelta(t, float32(0), Dot([]float32{1, 0}, []float32{0, 1}), 1e-6)
	assert.InDelta(t, float32(-32), NegativeDot([]float32{1, 2, 3}, []float32{4, 5, 6}), 1e-6)
}

func TestNormalizeL2InPlace(t *testing.T) {
	v := []float32{3, 4}
	require.True(t, NormalizeL2InPlace(v))
	assert.InDelta(t, 0.6, v[0], 1e-6)
	assert.InDelta(t, 0.8, v[1], 1e-6)

	norm := math.Sqrt(float64(Dot(v, v)))
	assert.InDelta(t, 1.0, norm, 1e-6)

	// Zero vector cannot be normalized.
	require.False(t, NormalizeL2InPlace([]float32{0, 0, 0}))
	require.False(t, NormalizeL2InPlace(nil))
}

func TestNormalizeL2Copy(t *testing.T) {
	src := []float32{3, 4}
	dst, ok := NormalizeL2Copy(src)
	require.True(t, ok)

	// Source must be untouched.
	assert.Equal(t, []float32{3, 4}, src)
	assert.InDelta(t, 0.6, dst[0], 1e-6)

	_, ok = NormalizeL2Copy([]float32{0})
	require.False(t, ok)
}

func TestProvider(t *testing.T) {
	for _, m := range []Metric{MetricL2, MetricCosine, MetricDot} {
		fn, err := Provider(m)
		require.NoError(t, err, m.String())
		require.NotNil(t, fn)
	}

	_, err := Provider(Metric(42))
	require.Error(t, err)
}

func TestParseMetric(t *testing.T) {
	for _, m := range []Metric{MetricL2, MetricCosine, MetricDot} {
		got, err := ParseMetric(m.String())
		require.NoError(t, err)
		assert.Equal(t, m, got)
	}

	_, err := ParseMetric("Hamming")
	require.Error(t, err)
}

func TestMetricOrderingContract(t *testing.T) {
	// For every provided metric, smaller must mean closer.
	q := []float32{1, 0, 0}
	near := []float32{0.9, 0.1, 0}
	far := []float32{-1, 0, 0}

	for _, m := range []Metric{MetricL2, MetricCosine, MetricDot} {
		fn, err := Provider(m)
		require.NoError(t, err)
		assert.Less(t, fn(q, near), fn(q, far), m.String())
	}
}

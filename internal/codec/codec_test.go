package codec

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hyperjump/kioku/internal/models"
)

func randomVector(r *rand.Rand, dim int) []float32 {
	v := make([]float32, dim)
	for i := range v {
		v[i] = float32(r.NormFloat64())
	}
	return v
}

func TestNew_RejectsNonPositiveDimension(t *testing.T) {
	_, err := New(0)
	require.ErrorIs(t, err, models.ErrValidation)
}

func TestEncode_PacksSignsMSBFirst(t *testing.T) {
	c, err := New(10)
	require.NoError(t, err)
	assert.Equal(t, 2, c.Size())

	cw, err := c.Encode([]float32{1, -1, 0, -0.5, 2, -3, 4, -5, 0.1, -0.1})
	require.NoError(t, err)
	// 1 0 1 0 1 0 1 0 | 1 0 000000
	assert.Equal(t, Codeword{0xAA, 0x80}, cw)
	assert.NoError(t, c.Validate(cw))
}

func TestEncode_ZeroVectorIsValid(t *testing.T) {
	c, _ := New(16)
	cw, err := c.Encode(make([]float32, 16))
	require.NoError(t, err)
	assert.Equal(t, Codeword{0xFF, 0xFF}, cw)
}

func TestEncode_ValidationErrors(t *testing.T) {
	c, _ := New(4)
	tests := []struct {
		name string
		v    []float32
	}{
		{"too short", []float32{1, 2, 3}},
		{"too long", []float32{1, 2, 3, 4, 5}},
		{"nan", []float32{1, float32(math.NaN()), 0, 0}},
		{"inf", []float32{1, 0, float32(math.Inf(-1)), 0}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := c.Encode(tt.v)
			assert.ErrorIs(t, err, models.ErrValidation)
		})
	}
}

func TestDistance_SelfIsZero(t *testing.T) {
	r := rand.New(rand.NewSource(1))
	c, _ := New(1024)
	for i := 0; i < 20; i++ {
		cw, err := c.Encode(randomVector(r, 1024))
		require.NoError(t, err)
		d, err := c.Distance(cw, cw)
		require.NoError(t, err)
		assert.Equal(t, 0, d)
		assert.Equal(t, 1.0, c.Similarity(d))
	}
}

func TestDistance_LengthMismatch(t *testing.T) {
	c, _ := New(16)
	_, err := c.Distance(Codeword{0, 0}, Codeword{0})
	assert.ErrorIs(t, err, models.ErrValidation)
}

func TestDistance_NearIdenticalVectorsAreClose(t *testing.T) {
	r := rand.New(rand.NewSource(42))
	const dim = 1024
	c, _ := New(dim)

	var nearTotal, randomTotal int
	const trials = 50
	for i := 0; i < trials; i++ {
		v := randomVector(r, dim)
		perturbed := make([]float32, dim)
		for j := range v {
			perturbed[j] = v[j] + float32(r.NormFloat64()*0.05)
		}
		a, _ := c.Encode(v)
		b, _ := c.Encode(perturbed)
		other, _ := c.Encode(randomVector(r, dim))

		d, _ := c.Distance(a, b)
		nearTotal += d
		d, _ = c.Distance(a, other)
		randomTotal += d
	}
	nearAvg := float64(nearTotal) / trials
	randomAvg := float64(randomTotal) / trials
	assert.Less(t, nearAvg, 0.1*dim, "perturbed vectors should stay close")
	assert.InDelta(t, dim/2, randomAvg, 0.1*dim, "independent vectors should be ~dim/2 apart")
}

func TestSimilarity_Bounds(t *testing.T) {
	c, _ := New(8)
	assert.Equal(t, 1.0, c.Similarity(0))
	assert.Equal(t, 0.5, c.Similarity(4))
	assert.Equal(t, 0.0, c.Similarity(8))
	assert.Equal(t, 0.0, c.Similarity(100))
}

func TestMaxDistance(t *testing.T) {
	c, _ := New(10)
	assert.Equal(t, 5, c.MaxDistance(0.5))
	assert.Equal(t, 0, c.MaxDistance(1))
	assert.Equal(t, 10, c.MaxDistance(0))
	assert.Equal(t, 2, c.MaxDistance(0.75))
	for d := 0; d <= c.MaxDistance(0.75); d++ {
		assert.GreaterOrEqual(t, c.Similarity(d), 0.75)
	}
}

func TestValidate_RejectsDirtyPadding(t *testing.T) {
	c, _ := New(10)
	assert.ErrorIs(t, c.Validate(Codeword{0, 0x01}), models.ErrValidation)
	assert.ErrorIs(t, c.Validate(Codeword{0}), models.ErrValidation)
}

func TestHamming_MatchesBytewise(t *testing.T) {
	r := rand.New(rand.NewSource(7))
	a := make([]byte, 37)
	b := make([]byte, 37)
	r.Read(a)
	r.Read(b)
	want := 0
	for i := range a {
		x := a[i] ^ b[i]
		for x != 0 {
			want += int(x & 1)
			x >>= 1
		}
	}
	assert.Equal(t, want, Hamming(a, b))
}

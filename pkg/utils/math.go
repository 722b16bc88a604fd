package utils

import "math"

// NormL2 returns the Euclidean norm of x.
func NormL2(x []float32) float64 {
	var sum float64
	for _, v := range x {
		sum += float64(v) * float64(v)
	}
	return math.Sqrt(sum)
}

// NormalizeL2 scales x in place to unit L2 norm.
// A zero vector is left unchanged.
func NormalizeL2(x []float32) {
	n := NormL2(x)
	if n == 0 {
		return
	}
	inv := float32(1 / n)
	for i := range x {
		x[i] *= inv
	}
}

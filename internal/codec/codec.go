// Package codec quantizes embeddings into binary codewords and measures Hamming distance.
package codec

import (
	"fmt"
	"math"
	"math/bits"

	"github.com/hyperjump/kioku/internal/models"
)

// SchemeBinarySign is the identifier of the one-bit-per-dimension sign quantizer.
const SchemeBinarySign = "binary-sign-v1"

// Codeword is a packed bit string. Bit i of the source vector lives in byte i/8,
// most significant bit first. Padding bits of the last byte are always zero.
type Codeword []byte

// Clone returns a copy of c.
func (c Codeword) Clone() Codeword {
	out := make(Codeword, len(c))
	copy(out, c)
	return out
}

// Codec encodes float vectors of one fixed dimension.
type Codec struct {
	dimension int
	size      int
}

// New returns a codec for vectors of the given dimension.
func New(dimension int) (*Codec, error) {
	if dimension <= 0 {
		return nil, fmt.Errorf("%w: dimension must be positive, got %d", models.ErrValidation, dimension)
	}
	return &Codec{dimension: dimension, size: (dimension + 7) / 8}, nil
}

// Scheme returns the quantization scheme identifier.
func (c *Codec) Scheme() string { return SchemeBinarySign }

// Dimension returns the number of source dimensions (and codeword bits).
func (c *Codec) Dimension() int { return c.dimension }

// Size returns the codeword length in bytes.
func (c *Codec) Size() int { return c.size }

// Encode quantizes v by sign. Components >= 0 (including zero) become 1 bits.
func (c *Codec) Encode(v []float32) (Codeword, error) {
	if len(v) != c.dimension {
		return nil, fmt.Errorf("%w: vector dimension mismatch: got %d, expected %d", models.ErrValidation, len(v), c.dimension)
	}
	out := make(Codeword, c.size)
	for i, x := range v {
		f := float64(x)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return nil, fmt.Errorf("%w: non-finite component at %d", models.ErrValidation, i)
		}
		if x >= 0 {
			out[i>>3] |= 0x80 >> (i & 7)
		}
	}
	return out, nil
}

// Validate checks that cw has the codec's length and clean padding bits.
func (c *Codec) Validate(cw Codeword) error {
	if len(cw) != c.size {
		return fmt.Errorf("%w: codeword length mismatch: got %d bytes, expected %d", models.ErrValidation, len(cw), c.size)
	}
	if pad := c.size*8 - c.dimension; pad > 0 {
		if cw[c.size-1]&byte(1<<pad-1) != 0 {
			return fmt.Errorf("%w: codeword has non-zero padding bits", models.ErrValidation)
		}
	}
	return nil
}

// Distance returns the Hamming distance between two codewords of this codec.
func (c *Codec) Distance(a, b Codeword) (int, error) {
	if len(a) != c.size || len(b) != c.size {
		return 0, fmt.Errorf("%w: codeword length mismatch: got %d and %d bytes, expected %d", models.ErrValidation, len(a), len(b), c.size)
	}
	return Hamming(a, b), nil
}

// Similarity maps a distance to [0, 1]; 1 means identical codewords.
func (c *Codec) Similarity(distance int) float64 {
	if distance <= 0 {
		return 1
	}
	if distance >= c.dimension {
		return 0
	}
	return 1 - float64(distance)/float64(c.dimension)
}

// MaxDistance returns the largest distance whose similarity is at least threshold.
// It returns -1 when no distance qualifies.
func (c *Codec) MaxDistance(threshold float64) int {
	if threshold <= 0 {
		return c.dimension
	}
	if threshold > 1 {
		return -1
	}
	d := int(math.Floor((1 - threshold) * float64(c.dimension)))
	for d >= 0 && c.Similarity(d) < threshold {
		d--
	}
	for d+1 <= c.dimension && c.Similarity(d+1) >= threshold {
		d++
	}
	return d
}

// Hamming counts differing bits of equal-length byte slices. Callers guarantee the lengths match.
func Hamming(a, b []byte) int {
	n := 0
	i := 0
	for ; i+8 <= len(a); i += 8 {
		x := uint64(a[i]^b[i]) | uint64(a[i+1]^b[i+1])<<8 | uint64(a[i+2]^b[i+2])<<16 | uint64(a[i+3]^b[i+3])<<24 |
			uint64(a[i+4]^b[i+4])<<32 | uint64(a[i+5]^b[i+5])<<40 | uint64(a[i+6]^b[i+6])<<48 | uint64(a[i+7]^b[i+7])<<56
		n += bits.OnesCount64(x)
	}
	for ; i < len(a); i++ {
		n += bits.OnesCount8(a[i] ^ b[i])
	}
	return n
}

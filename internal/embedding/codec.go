package embedding

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

var (
	// ErrInvalidLength is returned when a buffer is neither dim*4 nor dim*8 bytes.
	ErrInvalidLength = errors.New("invalid embedding length")
	// ErrCorruptValue is returned for non-finite, implausibly scaled or mostly-zero vectors.
	ErrCorruptValue = errors.New("corrupt embedding value")
)

const (
	narrowWidth = 4
	wideWidth   = 8

	minMagnitude        = 0.5
	maxMagnitude        = 1.5
	nonZeroEpsilon      = 1e-12
	minNonZeroFraction  = 0.05
	normalizedTolerance = 1e-3
)

// Layout describes the per-component width of an encoded embedding.
type Layout int

const (
	Narrow Layout = iota // big-endian float32
	Wide                 // big-endian float64
)

func (l Layout) String() string {
	if l == Wide {
		return "wide"
	}
	return "narrow"
}

// DetectLayout returns the layout implied by a buffer of n bytes for the given dimension.
func DetectLayout(n, dim int) (Layout, error) {
	if dim <= 0 {
		return Narrow, fmt.Errorf("%w: dimension must be positive, got %d", ErrInvalidLength, dim)
	}
	switch n {
	case dim * narrowWidth:
		return Narrow, nil
	case dim * wideWidth:
		return Wide, nil
	default:
		return Narrow, fmt.Errorf("%w: got %d bytes, want %d or %d", ErrInvalidLength, n, dim*narrowWidth, dim*wideWidth)
	}
}

// Decode parses an encoded embedding, validates it and returns it L2-normalized.
func Decode(data []byte, dim int) (Vector, error) {
	layout, err := DetectLayout(len(data), dim)
	if err != nil {
		return nil, err
	}

	v := make(Vector, dim)
	switch layout {
	case Narrow:
		for i := range dim {
			v[i] = math.Float32frombits(binary.BigEndian.Uint32(data[i*narrowWidth:]))
		}
	case Wide:
		for i := range dim {
			f := math.Float64frombits(binary.BigEndian.Uint64(data[i*wideWidth:]))
			if math.IsNaN(f) || math.IsInf(f, 0) {
				return nil, fmt.Errorf("%w: component %d is not finite", ErrCorruptValue, i)
			}
			v[i] = float32(f)
		}
	}

	if err := Validate(v); err != nil {
		return nil, err
	}
	NormalizeL2InPlace(v)
	return v, nil
}

// Encode serializes v in big-endian order, as float64 when wide is set.
func Encode(v Vector, wide bool) []byte {
	if wide {
		out := make([]byte, len(v)*wideWidth)
		for i, x := range v {
			binary.BigEndian.PutUint64(out[i*wideWidth:], math.Float64bits(float64(x)))
		}
		return out
	}

	out := make([]byte, len(v)*narrowWidth)
	for i, x := range v {
		binary.BigEndian.PutUint32(out[i*narrowWidth:], math.Float32bits(x))
	}
	return out
}

// Validate checks that v looks like real model output: finite components,
// a plausible magnitude and enough non-zero components.
func Validate(v Vector) error {
	if len(v) == 0 {
		return fmt.Errorf("%w: empty vector", ErrInvalidLength)
	}

	nonZero := 0
	for i, x := range v {
		f := float64(x)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return fmt.Errorf("%w: component %d is not finite", ErrCorruptValue, i)
		}
		if math.Abs(f) > nonZeroEpsilon {
			nonZero++
		}
	}

	if mag := Magnitude(v); mag < minMagnitude || mag > maxMagnitude {
		return fmt.Errorf("%w: magnitude %.4f outside [%.1f, %.1f]", ErrCorruptValue, mag, minMagnitude, maxMagnitude)
	}

	if float64(nonZero) < minNonZeroFraction*float64(len(v)) {
		return fmt.Errorf("%w: only %d of %d components are non-zero", ErrCorruptValue, nonZero, len(v))
	}

	return nil
}

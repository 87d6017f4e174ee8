package embedding

import "math"

// Vector is a face embedding. Components are float32 to match the narrow
// on-disk layout and the HNSW index; all accumulation happens in float64.
type Vector []float32

// Clone returns an independent copy of v.
func (v Vector) Clone() Vector {
	if v == nil {
		return nil
	}
	out := make(Vector, len(v))
	copy(out, v)
	return out
}

// Dot returns the dot product of a and b, or 0 if the lengths differ.
func Dot(a, b Vector) float64 {
	if len(a) != len(b) {
		return 0
	}
	var sum float64
	for i := range a {
		sum += float64(a[i]) * float64(b[i])
	}
	return sum
}

// Magnitude returns the L2 norm of v.
func Magnitude(v Vector) float64 {
	return math.Sqrt(Dot(v, v))
}

// IsNormalized reports whether v has unit length within a small tolerance.
func IsNormalized(v Vector) bool {
	return math.Abs(Magnitude(v)-1.0) <= normalizedTolerance
}

// CosineSimilarity calculates cosine similarity between two vectors.
// Returns 0 if either vector has zero magnitude or the lengths differ.
func CosineSimilarity(a, b Vector) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}

	var dot, normA, normB float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		normA += x * x
		normB += y * y
	}

	if normA == 0 || normB == 0 {
		return 0
	}

	sim := dot / (math.Sqrt(normA) * math.Sqrt(normB))
	return math.Max(-1, math.Min(1, sim))
}

// NormalizeL2InPlace scales v to unit length. Zero vectors are left untouched.
func NormalizeL2InPlace(v Vector) {
	mag := Magnitude(v)
	if mag == 0 {
		return
	}
	for i := range v {
		v[i] = float32(float64(v[i]) / mag)
	}
}

// Mean returns the component-wise mean of vs. Vectors whose length differs
// from the first one are ignored. Returns nil for an empty input.
func Mean(vs []Vector) Vector {
	if len(vs) == 0 {
		return nil
	}

	dim := len(vs[0])
	sum := make([]float64, dim)
	count := 0
	for _, v := range vs {
		if len(v) != dim {
			continue
		}
		for i, x := range v {
			sum[i] += float64(x)
		}
		count++
	}

	out := make(Vector, dim)
	for i := range sum {
		out[i] = float32(sum[i] / float64(count))
	}
	return out
}

package profile

import (
	"math"

	"github.com/kozaktomas/face-attendance/internal/config"
	"github.com/kozaktomas/face-attendance/internal/embedding"
)

// Profile is one enrolled identity with its derived statistics.
// Profiles are immutable once built; they are shared between snapshots readers.
type Profile struct {
	ID         string // dataset folder name
	Label      string // human-readable label, e.g. "1001 - Alice"
	Path       string
	Embeddings []embedding.Vector
	Centroid   embedding.Vector // nil when the identity has no valid embeddings

	Tightness         float64 // mean pairwise similarity of the members
	StdDev            float64 // spread of member-to-centroid similarity
	TrainingThreshold float64 // enrollment-time absolute threshold
	AbsoluteThreshold float64 // live absolute threshold
	RelativeMargin    float64
	HighVariance      bool // stdDev exceeded the variance limit and thresholds were relaxed

	Skipped int // embedding files that failed validation
}

// Size returns the number of valid member embeddings.
func (p *Profile) Size() int {
	return len(p.Embeddings)
}

// HasCentroid reports whether a centroid could be computed.
func (p *Profile) HasCentroid() bool {
	return len(p.Centroid) > 0
}

// Thresholds holds the values derived from a profile's statistics.
type Thresholds struct {
	Training       float64
	Live           float64
	RelativeMargin float64
	HighVariance   bool
	Relaxation     float64 // multiplier applied to the base absolute threshold (1 when not relaxed)
}

// DeriveThresholds computes the adaptive acceptance threshold and margin for an identity.
func DeriveThresholds(tightness, stdDev float64, highFidelity bool, t config.ProfileTunables) Thresholds {
	baseAbsolute := t.FallbackAbsolute
	baseMargin := t.FallbackMargin
	if highFidelity {
		baseAbsolute = t.HighFidelityAbsolute
		baseMargin = t.HighFidelityMargin
	}

	th := Thresholds{Relaxation: 1}
	if stdDev > t.VarianceStdDev {
		// High intra-person variance, typically glasses worn in some samples only.
		th.HighVariance = true
		th.Relaxation = math.Max(t.VarianceRelaxFloor, t.VarianceRelaxBase-stdDev*t.VarianceRelaxSlope)
		baseAbsolute *= th.Relaxation
		baseMargin *= t.VarianceMarginFactor
	}

	looseness := 1 - tightness
	th.Training = baseAbsolute + looseness*t.TightnessPenalty
	th.Live = math.Max(t.LiveFloor, th.Training*t.LiveFactor)
	th.RelativeMargin = baseMargin + looseness*t.TightnessPenalty
	return th
}

// Stats holds the cluster statistics of a set of member embeddings.
type Stats struct {
	Centroid  embedding.Vector
	Tightness float64
	StdDev    float64
}

// ComputeStats derives centroid, tightness and standard deviation for members.
func ComputeStats(members []embedding.Vector) Stats {
	s := Stats{Tightness: 1.0}
	if len(members) == 0 {
		return s
	}

	centroid := embedding.Mean(members)
	if embedding.Magnitude(centroid) > 0 {
		embedding.NormalizeL2InPlace(centroid)
		s.Centroid = centroid
	}

	if len(members) < 2 {
		return s
	}

	var sum float64
	pairs := 0
	for i := range members {
		for j := i + 1; j < len(members); j++ {
			sum += embedding.CosineSimilarity(members[i], members[j])
			pairs++
		}
	}
	s.Tightness = sum / float64(pairs)

	if s.Centroid == nil {
		return s
	}

	sims := make([]float64, len(members))
	var mean float64
	for i, m := range members {
		sims[i] = embedding.CosineSimilarity(m, s.Centroid)
		mean += sims[i]
	}
	mean /= float64(len(sims))

	var variance float64
	for _, sim := range sims {
		d := sim - mean
		variance += d * d
	}
	s.StdDev = math.Sqrt(variance / float64(len(sims)))

	return s
}

// Build assembles a profile from decoded members.
func Build(id, label, path string, members []embedding.Vector, highFidelity bool, t config.ProfileTunables) Profile {
	stats := ComputeStats(members)
	th := DeriveThresholds(stats.Tightness, stats.StdDev, highFidelity, t)

	return Profile{
		ID:                id,
		Label:             label,
		Path:              path,
		Embeddings:        members,
		Centroid:          stats.Centroid,
		Tightness:         stats.Tightness,
		StdDev:            stats.StdDev,
		TrainingThreshold: th.Training,
		AbsoluteThreshold: th.Live,
		RelativeMargin:    th.RelativeMargin,
		HighVariance:      th.HighVariance,
	}
}

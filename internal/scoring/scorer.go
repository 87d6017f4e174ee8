// Package scoring computes fused similarity scores of a query embedding
// against every enrolled identity.
package scoring

import (
	"sort"

	"github.com/kozaktomas/face-attendance/internal/config"
	"github.com/kozaktomas/face-attendance/internal/embedding"
	"github.com/kozaktomas/face-attendance/internal/profile"
)

// ProfileSet is the read side of a profile snapshot.
type ProfileSet interface {
	Generation() uint64
	Profiles() []profile.Profile
}

// ProfileScore is the fused score of one identity.
type ProfileScore struct {
	Index   int
	Label   string
	Score   float64
	Skipped bool // rejected by the centroid prefilter
}

// Result holds the scores of one recognition attempt.
type Result struct {
	Scores           []ProfileScore
	BestIndex        int
	BestScore        float64
	SecondBestScore  float64
	AverageNegative  float64
	Discriminative   float64
	PrefilterSkipped int
	Generation       uint64
}

// Empty reports whether no profile was scored.
func (r Result) Empty() bool {
	return len(r.Scores) == 0
}

// Margin returns best minus second best.
func (r Result) Margin() float64 {
	return r.BestScore - r.SecondBestScore
}

// EmptyResult is returned when there is nothing to score against.
func EmptyResult(generation uint64) Result {
	return Result{BestIndex: -1, Generation: generation}
}

// Scorer computes fused similarity scores.
type Scorer struct {
	t config.ScoringTunables
}

// NewScorer creates a scorer with the given tunables.
func NewScorer(t config.ScoringTunables) *Scorer {
	return &Scorer{t: t}
}

// Score rates query against every profile in set. smoothed may be nil; when
// present each profile keeps the higher of the two fused scores.
func (s *Scorer) Score(set ProfileSet, query, smoothed embedding.Vector) Result {
	profiles := set.Profiles()
	if len(profiles) == 0 {
		return EmptyResult(set.Generation())
	}

	res := Result{
		Scores:     make([]ProfileScore, len(profiles)),
		Generation: set.Generation(),
	}

	for i := range profiles {
		p := &profiles[i]
		ps := ProfileScore{Index: i, Label: p.Label}

		switch {
		case p.Size() == 0:
			// unmatchable identity
		case p.HasCentroid() && embedding.CosineSimilarity(query, p.Centroid) < s.t.PrefilterThreshold:
			ps.Skipped = true
			res.PrefilterSkipped++
		default:
			ps.Score = s.fused(query, p)
			if smoothed != nil {
				ps.Score = max(ps.Score, s.fused(smoothed, p))
			}
		}
		res.Scores[i] = ps
	}

	res.BestIndex = 0
	for i := 1; i < len(res.Scores); i++ {
		if res.Scores[i].Score > res.Scores[res.BestIndex].Score {
			res.BestIndex = i
		}
	}
	res.BestScore = res.Scores[res.BestIndex].Score

	var negSum float64
	for i, ps := range res.Scores {
		if i == res.BestIndex {
			continue
		}
		res.SecondBestScore = max(res.SecondBestScore, ps.Score)
		negSum += ps.Score
	}
	if n := len(res.Scores) - 1; n > 0 {
		res.AverageNegative = negSum / float64(n)
	}
	res.Discriminative = res.BestScore - s.t.NegativePenalty*res.AverageNegative

	return res
}

// fused blends centroid similarity with the top-k exemplar similarity.
func (s *Scorer) fused(query embedding.Vector, p *profile.Profile) float64 {
	n := p.Size()
	if n == 0 {
		return 0
	}

	sims := make([]float64, n)
	for i, m := range p.Embeddings {
		sims[i] = embedding.CosineSimilarity(query, m)
	}
	sort.Sort(sort.Reverse(sort.Float64Slice(sims)))

	k := min(max(s.t.MinTopK, n/max(s.t.TopKDivisor, 1)), n)
	k = max(k, 1)
	var sumTopK float64
	for _, sim := range sims[:k] {
		sumTopK += sim
	}
	exemplar := s.t.ExemplarMaxWeight*sims[0] + (1-s.t.ExemplarMaxWeight)*(sumTopK/float64(k))

	score := exemplar
	if p.HasCentroid() {
		centroid := embedding.CosineSimilarity(query, p.Centroid)
		score = s.t.CentroidWeight*centroid + (1-s.t.CentroidWeight)*exemplar
	}
	return clamp01(score)
}

func clamp01(v float64) float64 {
	return min(1, max(0, v))
}

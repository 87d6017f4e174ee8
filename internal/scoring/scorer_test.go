package scoring

import (
	"math"
	"testing"

	"github.com/kozaktomas/face-attendance/internal/config"
	"github.com/kozaktomas/face-attendance/internal/embedding"
	"github.com/kozaktomas/face-attendance/internal/embedding/embeddingtest"
	"github.com/kozaktomas/face-attendance/internal/profile"
)

type fakeSet struct {
	gen      uint64
	profiles []profile.Profile
}

func (f fakeSet) Generation() uint64          { return f.gen }
func (f fakeSet) Profiles() []profile.Profile { return f.profiles }

func approx(a, b, tol float64) bool {
	return math.Abs(a-b) <= tol
}

func build(label string, members []embedding.Vector) profile.Profile {
	return profile.Build(label, label, "", members, true, config.DefaultTunables().Profile)
}

func clusterSet(n int) fakeSet {
	set := fakeSet{gen: 7}
	for c := range n {
		set.profiles = append(set.profiles, build(string(rune('A'+c)), embeddingtest.Members(embeddingtest.Dim, c, 10)))
	}
	return set
}

func negate(vs []embedding.Vector) []embedding.Vector {
	out := make([]embedding.Vector, len(vs))
	for i, v := range vs {
		n := v.Clone()
		for j := range n {
			n[j] = -n[j]
		}
		out[i] = n
	}
	return out
}

func newScorer() *Scorer {
	return NewScorer(config.DefaultTunables().Scoring)
}

func TestScore_Empty(t *testing.T) {
	res := newScorer().Score(fakeSet{gen: 3}, embeddingtest.Query(embeddingtest.Dim, 0, 0), nil)

	if !res.Empty() {
		t.Error("expected empty result")
	}
	if res.BestIndex != -1 {
		t.Errorf("expected best index -1, got %d", res.BestIndex)
	}
	if res.Generation != 3 {
		t.Errorf("expected generation 3, got %d", res.Generation)
	}
}

func TestScore_ClusterQuery(t *testing.T) {
	res := newScorer().Score(clusterSet(3), embeddingtest.Query(embeddingtest.Dim, 0, 0), nil)

	if res.BestIndex != 0 || res.Scores[0].Label != "A" {
		t.Fatalf("expected profile A to win, got index %d", res.BestIndex)
	}
	if !approx(res.BestScore, 0.9109, 1e-3) {
		t.Errorf("best score = %v, want ~0.9109", res.BestScore)
	}
	if !approx(res.SecondBestScore, 0.1822, 1e-3) {
		t.Errorf("second best = %v, want ~0.1822", res.SecondBestScore)
	}
	if !approx(res.AverageNegative, 0.1822, 1e-3) {
		t.Errorf("average negative = %v, want ~0.1822", res.AverageNegative)
	}
	if !approx(res.Discriminative, res.BestScore-0.20*res.AverageNegative, 1e-12) {
		t.Errorf("discriminative = %v, want best - 0.2*avgNeg", res.Discriminative)
	}
	if !approx(res.Margin(), res.BestScore-res.SecondBestScore, 1e-12) {
		t.Errorf("margin = %v", res.Margin())
	}
	if res.Generation != 7 {
		t.Errorf("expected generation 7, got %d", res.Generation)
	}
	for _, s := range res.Scores {
		if s.Score < 0 || s.Score > 1 {
			t.Errorf("score out of range: %+v", s)
		}
	}
}

func TestScore_FusedFormula(t *testing.T) {
	// members e1 and e2, query e1:
	// exemplar = 0.75*1 + 0.25*mean(1, 0) = 0.875
	// centroid similarity = 1/sqrt(2)
	set := fakeSet{profiles: []profile.Profile{build("X", []embedding.Vector{{1, 0}, {0, 1}})}}
	res := newScorer().Score(set, embedding.Vector{1, 0}, nil)

	want := 0.25/math.Sqrt2 + 0.75*0.875
	if !approx(res.BestScore, want, 1e-6) {
		t.Errorf("fused score = %v, want %v", res.BestScore, want)
	}
	if res.SecondBestScore != 0 || res.AverageNegative != 0 {
		t.Errorf("expected no negatives for a single profile, got second=%v avg=%v", res.SecondBestScore, res.AverageNegative)
	}
	if res.Discriminative != res.BestScore {
		t.Errorf("expected discriminative equal to best for a single profile, got %v", res.Discriminative)
	}
}

func TestScore_TopKUsesBestMembers(t *testing.T) {
	// 12 members: k = max(5, 12/3) = 5
	members := make([]embedding.Vector, 0, 12)
	for range 6 {
		members = append(members, embedding.Vector{1, 0, 0})
	}
	for range 6 {
		members = append(members, embedding.Vector{0, 1, 0})
	}
	p := build("X", members)
	p.Centroid = nil
	res := newScorer().Score(fakeSet{profiles: []profile.Profile{p}}, embedding.Vector{1, 0, 0}, nil)

	// top 5 are all exact matches, no centroid contribution
	if !approx(res.BestScore, 1.0, 1e-9) {
		t.Errorf("expected pure exemplar score 1.0, got %v", res.BestScore)
	}
}

func TestScore_Prefilter(t *testing.T) {
	set := fakeSet{profiles: []profile.Profile{
		build("A", embeddingtest.Members(embeddingtest.Dim, 0, 5)),
		build("Opposite", negate(embeddingtest.Members(embeddingtest.Dim, 0, 5))),
	}}
	res := newScorer().Score(set, embeddingtest.Query(embeddingtest.Dim, 0, 0), nil)

	if res.PrefilterSkipped != 1 {
		t.Errorf("expected 1 prefilter skip, got %d", res.PrefilterSkipped)
	}
	if !res.Scores[1].Skipped || res.Scores[1].Score != 0 {
		t.Errorf("expected skipped zero score, got %+v", res.Scores[1])
	}
	if res.Scores[0].Skipped {
		t.Error("matching profile must not be skipped")
	}
}

func TestScore_EmptyIdentity(t *testing.T) {
	set := fakeSet{profiles: []profile.Profile{
		build("Nobody", nil),
		build("A", embeddingtest.Members(embeddingtest.Dim, 0, 5)),
	}}
	res := newScorer().Score(set, embeddingtest.Query(embeddingtest.Dim, 0, 0), nil)

	if res.Scores[0].Score != 0 || res.Scores[0].Skipped {
		t.Errorf("expected unskipped zero score for an empty identity, got %+v", res.Scores[0])
	}
	if res.BestIndex != 1 {
		t.Errorf("expected A to win, got %d", res.BestIndex)
	}
}

func TestScore_SmoothedRescuesNoisyFrame(t *testing.T) {
	set := clusterSet(3)
	noisy := embeddingtest.Equidistant(embeddingtest.Dim, []int{0, 1, 2}, 1)
	smoothed := embeddingtest.Query(embeddingtest.Dim, 0, 2)

	plain := newScorer().Score(set, noisy, nil)
	rescued := newScorer().Score(set, noisy, smoothed)

	if rescued.BestIndex != 0 {
		t.Fatalf("expected A to win with smoothing, got %d", rescued.BestIndex)
	}
	if rescued.BestScore <= plain.Scores[0].Score {
		t.Errorf("smoothing did not raise the score: %v <= %v", rescued.BestScore, plain.Scores[0].Score)
	}
	for i := range rescued.Scores {
		if rescued.Scores[i].Score < plain.Scores[i].Score {
			t.Errorf("profile %d score dropped with smoothing: %v < %v", i, rescued.Scores[i].Score, plain.Scores[i].Score)
		}
	}
}

func TestScore_TieKeepsFirst(t *testing.T) {
	members := embeddingtest.Members(embeddingtest.Dim, 0, 4)
	set := fakeSet{profiles: []profile.Profile{build("First", members), build("Second", members)}}
	res := newScorer().Score(set, embeddingtest.Query(embeddingtest.Dim, 0, 0), nil)

	if res.BestIndex != 0 {
		t.Errorf("expected first profile on a tie, got %d", res.BestIndex)
	}
	if res.BestScore != res.SecondBestScore {
		t.Errorf("expected equal best and second, got %v and %v", res.BestScore, res.SecondBestScore)
	}
}

func TestScore_Snapshot(t *testing.T) {
	snap := profile.NewSnapshot(2, "", clusterSet(2).profiles)
	res := newScorer().Score(snap, embeddingtest.Query(embeddingtest.Dim, 1, 0), nil)

	if res.BestIndex != 1 || res.Generation != 2 {
		t.Errorf("expected B in generation 2, got index=%d gen=%d", res.BestIndex, res.Generation)
	}
}

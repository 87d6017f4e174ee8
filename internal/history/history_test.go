package history

import (
	"math"
	"sync"
	"testing"

	"github.com/kozaktomas/face-attendance/internal/config"
	"github.com/kozaktomas/face-attendance/internal/embedding"
)

func defaultTunables() config.HistoryTunables {
	return config.DefaultTunables().History
}

func TestNew_Clamping(t *testing.T) {
	tests := []struct {
		name       string
		window     int
		minCount   int
		wantWindow int
		wantMin    int
	}{
		{"defaults", 5, 3, 5, 3},
		{"window too small", 0, 3, 1, 1},
		{"window too large", 50, 3, 20, 3},
		{"min count above window", 4, 9, 4, 4},
		{"min count zero", 5, 0, 5, 1},
		{"negative values", -2, -7, 1, 1},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			w := New(tc.window, tc.minCount, defaultTunables())
			if w.WindowSize() != tc.wantWindow {
				t.Errorf("WindowSize() = %d, want %d", w.WindowSize(), tc.wantWindow)
			}
			if w.MinimumCount() != tc.wantMin {
				t.Errorf("MinimumCount() = %d, want %d", w.MinimumCount(), tc.wantMin)
			}
		})
	}
}

func TestSmoothedEmbedding_NeedsTwoSamples(t *testing.T) {
	w := New(5, 3, defaultTunables())

	if _, ok := w.SmoothedEmbedding(); ok {
		t.Error("expected no smoothed embedding without samples")
	}

	w.RecordEmbedding(embedding.Vector{1, 0})
	if _, ok := w.SmoothedEmbedding(); ok {
		t.Error("expected no smoothed embedding with one sample")
	}

	w.RecordEmbedding(embedding.Vector{0, 1})
	v, ok := w.SmoothedEmbedding()
	if !ok {
		t.Fatal("expected a smoothed embedding with two samples")
	}

	// weights 1/2 and 2/2: mean (1/3, 2/3), normalized (1, 2)/sqrt(5)
	want := []float64{1 / math.Sqrt(5), 2 / math.Sqrt(5)}
	for i := range want {
		if math.Abs(float64(v[i])-want[i]) > 1e-6 {
			t.Errorf("component %d = %v, want %v", i, v[i], want[i])
		}
	}
}

func TestSmoothedEmbedding_RecentWeighsMore(t *testing.T) {
	w := New(5, 3, defaultTunables())
	old := embedding.Vector{1, 0}
	recent := embedding.Vector{0, 1}

	w.RecordEmbedding(old)
	w.RecordEmbedding(old)
	w.RecordEmbedding(recent)

	v, ok := w.SmoothedEmbedding()
	if !ok {
		t.Fatal("expected a smoothed embedding")
	}
	if !embedding.IsNormalized(v) {
		t.Errorf("smoothed embedding not normalized: %v", embedding.Magnitude(v))
	}
	// weights 1/3, 2/3 for old and 3/3 for recent: equal mass
	if math.Abs(float64(v[0]-v[1])) > 1e-6 {
		t.Errorf("expected equal components, got %v", v)
	}
}

func TestSmoothedEmbedding_CancellingSamples(t *testing.T) {
	w := New(5, 3, defaultTunables())
	w.RecordEmbedding(embedding.Vector{2, 0})
	w.RecordEmbedding(embedding.Vector{-1, 0})

	if _, ok := w.SmoothedEmbedding(); ok {
		t.Error("expected no smoothed embedding for a zero mean")
	}
}

func TestRecordEmbedding_FIFO(t *testing.T) {
	w := New(5, 3, defaultTunables())
	for i := range 8 {
		w.RecordEmbedding(embedding.Vector{float32(i + 1), 1})
	}
	if n, _ := w.Len(); n != 5 {
		t.Errorf("expected 5 embeddings, got %d", n)
	}

	w.RecordEmbedding(nil)
	if n, _ := w.Len(); n != 5 {
		t.Errorf("nil embedding must be ignored, got %d", n)
	}
}

func TestRecordEmbedding_CopiesInput(t *testing.T) {
	w := New(5, 3, defaultTunables())
	v := embedding.Vector{1, 0}
	w.RecordEmbedding(v)
	w.RecordEmbedding(embedding.Vector{1, 0})
	v[0], v[1] = 0, 1

	s, _ := w.SmoothedEmbedding()
	if math.Abs(float64(s[0])-1) > 1e-6 {
		t.Errorf("history was mutated through the caller's slice: %v", s)
	}
}

func TestPredictions(t *testing.T) {
	w := New(5, 3, defaultTunables())

	for _, p := range []int{2, 2, NoPrediction, 2, 1} {
		w.RecordPrediction(p)
	}
	if got := w.CountMatches(2); got != 3 {
		t.Errorf("CountMatches(2) = %d, want 3", got)
	}
	if !w.IsConsistent(2) {
		t.Error("expected index 2 to be consistent")
	}
	if w.IsConsistent(1) {
		t.Error("expected index 1 not to be consistent")
	}
	if w.IsConsistent(NoPrediction) || w.CountMatches(NoPrediction) != 0 {
		t.Error("rejections never count as consistent")
	}

	// two more rejections push the oldest 2s out
	w.RecordPrediction(NoPrediction)
	w.RecordPrediction(NoPrediction)
	if got := w.CountMatches(2); got != 1 {
		t.Errorf("CountMatches(2) after rejections = %d, want 1", got)
	}
	if _, n := w.Len(); n != 5 {
		t.Errorf("expected window of 5 predictions, got %d", n)
	}
}

func TestReset(t *testing.T) {
	w := New(5, 1, defaultTunables())
	w.RecordEmbedding(embedding.Vector{1, 0})
	w.RecordEmbedding(embedding.Vector{1, 0})
	w.RecordPrediction(0)

	w.Reset()

	if e, p := w.Len(); e != 0 || p != 0 {
		t.Errorf("expected empty history, got %d embeddings, %d predictions", e, p)
	}
	if w.IsConsistent(0) {
		t.Error("expected no consistency after reset")
	}
}

func TestSync(t *testing.T) {
	w := New(5, 1, defaultTunables())

	if w.Sync(0) {
		t.Error("same generation must not reset")
	}
	w.RecordPrediction(0)
	if w.Sync(0) {
		t.Error("same generation must not reset")
	}
	if !w.IsConsistent(0) {
		t.Fatal("expected index 0 to be consistent")
	}

	if !w.Sync(1) {
		t.Error("new generation with data must report a reset")
	}
	if w.IsConsistent(0) {
		t.Error("stale prediction survived a generation change")
	}
	if w.Sync(2) {
		t.Error("reset of an empty window must not be reported")
	}
}

func TestConcurrentUse(t *testing.T) {
	w := New(20, 3, defaultTunables())

	var wg sync.WaitGroup
	for g := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range 100 {
				w.RecordEmbedding(embedding.Vector{float32(g + 1), float32(i + 1)})
				w.RecordPrediction(g)
				w.SmoothedEmbedding()
				w.IsConsistent(g)
			}
		}()
	}
	wg.Wait()

	if e, p := w.Len(); e != 5 || p != 20 {
		t.Errorf("expected full windows, got %d embeddings, %d predictions", e, p)
	}
}

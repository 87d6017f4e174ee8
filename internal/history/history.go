// Package history keeps the short-term per-session memory used for temporal
// smoothing and consistency voting.
package history

import (
	"sync"

	"github.com/kozaktomas/face-attendance/internal/config"
	"github.com/kozaktomas/face-attendance/internal/embedding"
)

// NoPrediction marks a frame that ended in a rejection.
const NoPrediction = -1

// Window holds the recent query embeddings and predictions of one session.
// It is safe for concurrent use.
type Window struct {
	mu sync.Mutex

	embeddingSize int
	windowSize    int
	minCount      int

	embeddings  []embedding.Vector
	predictions []int
	generation  uint64
}

// New creates a history window. consistencyWindow is clamped to
// [1, t.MaxConsistencyWindow] and minCount to [1, window].
func New(consistencyWindow, minCount int, t config.HistoryTunables) *Window {
	window := max(1, min(t.MaxConsistencyWindow, consistencyWindow))
	return &Window{
		embeddingSize: max(1, t.EmbeddingWindow),
		windowSize:    window,
		minCount:      max(1, min(window, minCount)),
	}
}

// RecordEmbedding appends v, dropping the oldest sample on overflow.
func (w *Window) RecordEmbedding(v embedding.Vector) {
	if len(v) == 0 {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	if len(w.embeddings) == w.embeddingSize {
		w.embeddings = w.embeddings[1:]
	}
	w.embeddings = append(w.embeddings, v.Clone())
}

// SmoothedEmbedding returns the weighted mean of the recorded embeddings, the
// most recent weighted highest. It needs at least two samples.
func (w *Window) SmoothedEmbedding() (embedding.Vector, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	size := len(w.embeddings)
	if size < 2 {
		return nil, false
	}

	dim := len(w.embeddings[size-1])
	sum := make([]float64, dim)
	var totalWeight float64
	for i, v := range w.embeddings {
		if len(v) != dim {
			continue
		}
		weight := float64(i+1) / float64(size)
		for j, x := range v {
			sum[j] += float64(x) * weight
		}
		totalWeight += weight
	}
	if totalWeight == 0 {
		return nil, false
	}

	out := make(embedding.Vector, dim)
	for j := range sum {
		out[j] = float32(sum[j] / totalWeight)
	}
	if embedding.Magnitude(out) == 0 {
		return nil, false
	}
	embedding.NormalizeL2InPlace(out)
	return out, true
}

// RecordPrediction appends the accepted profile index, or NoPrediction.
func (w *Window) RecordPrediction(index int) {
	w.mu.Lock()
	defer w.mu.Unlock()

	for len(w.predictions) >= w.windowSize {
		w.predictions = w.predictions[1:]
	}
	w.predictions = append(w.predictions, index)
}

// CountMatches returns how often index appears in the prediction window.
func (w *Window) CountMatches(index int) int {
	if index < 0 {
		return 0
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.countLocked(index)
}

func (w *Window) countLocked(index int) int {
	count := 0
	for _, p := range w.predictions {
		if p == index {
			count++
		}
	}
	return count
}

// IsConsistent reports whether index reached the minimum count.
func (w *Window) IsConsistent(index int) bool {
	return w.CountMatches(index) >= w.minCount && index >= 0
}

// WindowSize returns the effective consistency window.
func (w *Window) WindowSize() int {
	return w.windowSize
}

// MinimumCount returns the effective minimum consistency count.
func (w *Window) MinimumCount() int {
	return w.minCount
}

// Len returns the number of recorded embeddings and predictions.
func (w *Window) Len() (embeddings, predictions int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.embeddings), len(w.predictions)
}

// Reset clears both queues.
func (w *Window) Reset() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.resetLocked()
}

func (w *Window) resetLocked() {
	w.embeddings = nil
	w.predictions = nil
}

// Sync binds the window to a profile snapshot generation. Recorded indices are
// positional, so a different generation clears the window. It reports whether
// a reset happened.
func (w *Window) Sync(generation uint64) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.generation == generation {
		return false
	}
	w.generation = generation
	reset := len(w.embeddings) > 0 || len(w.predictions) > 0
	w.resetLocked()
	return reset
}

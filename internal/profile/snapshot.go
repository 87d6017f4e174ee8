package profile

import (
	"sort"
	"time"

	"github.com/coder/hnsw"

	"github.com/kozaktomas/face-attendance/internal/embedding"
)

// Index parameters for the centroid graph.
const (
	indexMaxNeighbors = 16
	indexEfSearch     = 64
)

// Snapshot is an immutable view of the enrolled identities produced by one reload.
// Profile indices are positional and only meaningful within the same generation.
type Snapshot struct {
	generation uint64
	root       string
	loadedAt   time.Time
	profiles   []Profile

	index *hnsw.Graph[int] // centroids keyed by profile index; nil when no centroid exists
}

// NewSnapshot builds a snapshot and its centroid index.
func NewSnapshot(generation uint64, root string, profiles []Profile) *Snapshot {
	s := &Snapshot{
		generation: generation,
		root:       root,
		loadedAt:   time.Now(),
		profiles:   profiles,
	}
	s.index = buildCentroidIndex(profiles)
	return s
}

func buildCentroidIndex(profiles []Profile) *hnsw.Graph[int] {
	var g *hnsw.Graph[int]
	for i := range profiles {
		if !profiles[i].HasCentroid() {
			continue
		}
		if g == nil {
			g = hnsw.NewGraph[int]()
			g.M = indexMaxNeighbors
			g.Ml = 1.0 / float64(indexMaxNeighbors) // Standard HNSW formula
			g.EfSearch = indexEfSearch
			g.Distance = hnsw.CosineDistance
		}
		g.Add(hnsw.MakeNode(i, []float32(profiles[i].Centroid)))
	}
	return g
}

// Generation identifies the reload that produced this snapshot.
func (s *Snapshot) Generation() uint64 {
	return s.generation
}

// Root returns the dataset root the snapshot was loaded from.
func (s *Snapshot) Root() string {
	return s.root
}

// LoadedAt returns when the snapshot was built.
func (s *Snapshot) LoadedAt() time.Time {
	return s.loadedAt
}

// Len returns the number of enrolled identities.
func (s *Snapshot) Len() int {
	return len(s.profiles)
}

// Profiles returns a copy of the profile list.
func (s *Snapshot) Profiles() []Profile {
	out := make([]Profile, len(s.profiles))
	copy(out, s.profiles)
	return out
}

// ProfileAt returns the profile at index. The second value is false when the
// index is out of range, which callers must treat as a stale reference.
func (s *Snapshot) ProfileAt(index int) (*Profile, bool) {
	if index < 0 || index >= len(s.profiles) {
		return nil, false
	}
	p := s.profiles[index]
	return &p, true
}

// Neighbor is a profile close to a query in centroid space.
type Neighbor struct {
	Index      int
	Label      string
	Similarity float64
}

// Nearest returns up to k profiles whose centroids are closest to query,
// ordered by decreasing cosine similarity.
func (s *Snapshot) Nearest(query embedding.Vector, k int) []Neighbor {
	if s.index == nil || k <= 0 || s.index.Len() == 0 || len(query) != s.index.Dims() {
		return nil
	}

	nodes := s.index.Search([]float32(query), k)
	out := make([]Neighbor, 0, len(nodes))
	for _, n := range nodes {
		p := &s.profiles[n.Key]
		out = append(out, Neighbor{
			Index:      n.Key,
			Label:      p.Label,
			Similarity: embedding.CosineSimilarity(query, p.Centroid),
		})
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Similarity > out[j].Similarity
	})
	return out
}

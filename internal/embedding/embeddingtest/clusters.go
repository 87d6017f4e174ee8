// Package embeddingtest builds deterministic embedding fixtures for tests.
//
// Vectors are combinations of rows of a Sylvester Hadamard matrix, which are
// mutually orthogonal and dense, so similarities can be computed by hand:
// members of one cluster have similarity 0.9 with each other and 0.18 with
// members of any other cluster.
package embeddingtest

import (
	"math"
	"math/bits"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/kozaktomas/face-attendance/internal/embedding"
)

// Dim is the default fixture dimension (a power of two).
const Dim = 128

const (
	commonRow      = 1
	firstCenterRow = 2
	firstNoiseRow  = 16
	noisePerGroup  = 10
	// QueryNoiseRow is the first row reserved for query noise.
	QueryNoiseRow = 100

	sharedWeight = 0.2 // squared weight of the row shared by all cluster centers
	memberWeight = 0.9 // squared weight of the center in a member
)

// HadamardRow returns row of the normalized dim x dim Hadamard matrix.
func HadamardRow(dim, row int) []float64 {
	out := make([]float64, dim)
	scale := 1 / math.Sqrt(float64(dim))
	for j := range out {
		if bits.OnesCount(uint(row&j))%2 == 0 {
			out[j] = scale
		} else {
			out[j] = -scale
		}
	}
	return out
}

func axpy(dst []float64, a float64, x []float64) {
	for i := range dst {
		dst[i] += a * x[i]
	}
}

func normalize(v []float64) []float64 {
	var sum float64
	for _, x := range v {
		sum += x * x
	}
	n := math.Sqrt(sum)
	out := make([]float64, len(v))
	for i, x := range v {
		out[i] = x / n
	}
	return out
}

func toVector(v []float64) embedding.Vector {
	out := make(embedding.Vector, len(v))
	for i, x := range v {
		out[i] = float32(x)
	}
	return out
}

func center(dim, cluster int) []float64 {
	c := make([]float64, dim)
	axpy(c, math.Sqrt(sharedWeight), HadamardRow(dim, commonRow))
	axpy(c, math.Sqrt(1-sharedWeight), HadamardRow(dim, firstCenterRow+cluster))
	return c
}

func noisy(dim int, base []float64, noiseRow int) embedding.Vector {
	v := make([]float64, dim)
	axpy(v, math.Sqrt(memberWeight), base)
	axpy(v, math.Sqrt(1-memberWeight), HadamardRow(dim, noiseRow))
	return toVector(v)
}

// Member returns the i-th enrolled embedding of cluster (i < 10).
func Member(dim, cluster, i int) embedding.Vector {
	return noisy(dim, center(dim, cluster), firstNoiseRow+cluster*noisePerGroup+i)
}

// Members returns n enrolled embeddings of cluster.
func Members(dim, cluster, n int) []embedding.Vector {
	out := make([]embedding.Vector, n)
	for i := range out {
		out[i] = Member(dim, cluster, i)
	}
	return out
}

// Query returns a fresh sample of cluster drawn with its own noise row.
// Its similarity to every member of the cluster is 0.9.
func Query(dim, cluster, noise int) embedding.Vector {
	return noisy(dim, center(dim, cluster), QueryNoiseRow+noise)
}

// Equidistant returns a unit vector with the same similarity to every listed
// cluster, scaled so that the similarity to each member is about 0.54.
func Equidistant(dim int, clusters []int, noise int) embedding.Vector {
	sum := make([]float64, dim)
	for _, c := range clusters {
		axpy(sum, 1, center(dim, c))
	}
	dir := normalize(sum)

	v := make([]float64, dim)
	axpy(v, 0.839, dir)
	axpy(v, math.Sqrt(1-0.839*0.839), HadamardRow(dim, QueryNoiseRow+noise))
	return toVector(v)
}

// WriteIdentity writes vs as narrow .emb files into root/folder.
func WriteIdentity(tb testing.TB, root, folder string, vs []embedding.Vector) string {
	tb.Helper()
	dir := filepath.Join(root, folder)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		tb.Fatalf("creating identity folder: %v", err)
	}
	for i, v := range vs {
		name := filepath.Join(dir, "sample_"+strconv.Itoa(i)+".emb")
		if err := os.WriteFile(name, embedding.Encode(v, false), 0o600); err != nil {
			tb.Fatalf("writing embedding: %v", err)
		}
	}
	return dir
}

// WriteClusters writes one identity per folder name, each with n members of
// consecutive clusters, and returns the dataset root.
func WriteClusters(tb testing.TB, dim, n int, folders ...string) string {
	tb.Helper()
	root := tb.TempDir()
	for c, folder := range folders {
		WriteIdentity(tb, root, folder, Members(dim, c, n))
	}
	return root
}

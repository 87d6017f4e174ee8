package profile

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/kozaktomas/face-attendance/internal/config"
	"github.com/kozaktomas/face-attendance/internal/embedding"
	"github.com/kozaktomas/face-attendance/internal/embedding/embeddingtest"
)

func newTestStore() *Store {
	return NewStore(Options{
		Dim:          embeddingtest.Dim,
		HighFidelity: true,
		Tunables:     config.DefaultTunables().Profile,
		Logger:       slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
}

func TestNewStore_Empty(t *testing.T) {
	s := newTestStore()
	snap := s.Snapshot()
	if snap.Generation() != 0 || snap.Len() != 0 {
		t.Errorf("expected empty generation-0 snapshot, got gen=%d len=%d", snap.Generation(), snap.Len())
	}
	if _, ok := s.ProfileAt(0); ok {
		t.Error("expected no profile in an empty store")
	}
}

func TestStore_Reload(t *testing.T) {
	root := embeddingtest.WriteClusters(t, embeddingtest.Dim, 10, "2_Bob", "1_Alice")

	// noise that must be ignored
	if err := os.WriteFile(filepath.Join(root, "1_Alice", "notes.txt"), []byte("hello"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, "1_Alice", "broken.emb"), []byte{1, 2, 3}, 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(filepath.Join(root, ".cache"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(filepath.Join(root, "3_Empty"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, "README"), []byte("x"), 0o600); err != nil {
		t.Fatal(err)
	}

	s := newTestStore()
	snap, err := s.Reload(context.Background(), root)
	if err != nil {
		t.Fatalf("Reload failed: %v", err)
	}

	if snap.Generation() != 1 {
		t.Errorf("expected generation 1, got %d", snap.Generation())
	}
	if s.Snapshot() != snap {
		t.Error("reloaded snapshot was not installed")
	}

	profiles := s.Profiles()
	wantLabels := []string{"1 - Alice", "2 - Bob", "3 - Empty"}
	if len(profiles) != len(wantLabels) {
		t.Fatalf("expected %d profiles, got %d", len(wantLabels), len(profiles))
	}
	for i, want := range wantLabels {
		if profiles[i].Label != want {
			t.Errorf("profile %d label = %q, want %q", i, profiles[i].Label, want)
		}
	}

	alice := profiles[0]
	if alice.Size() != 10 {
		t.Errorf("expected 10 embeddings for Alice, got %d", alice.Size())
	}
	if alice.Skipped != 1 {
		t.Errorf("expected 1 skipped file for Alice, got %d", alice.Skipped)
	}
	if !approx(alice.Tightness, 0.9, 1e-4) {
		t.Errorf("expected tightness 0.9, got %v", alice.Tightness)
	}
	if !approx(alice.AbsoluteThreshold, 0.5185, 1e-4) {
		t.Errorf("expected live threshold 0.5185, got %v", alice.AbsoluteThreshold)
	}

	empty := profiles[2]
	if empty.Size() != 0 || empty.HasCentroid() {
		t.Errorf("expected an empty unmatchable profile, got size=%d centroid=%v", empty.Size(), empty.HasCentroid())
	}
}

func TestStore_ReloadMissingRoot(t *testing.T) {
	root := embeddingtest.WriteClusters(t, embeddingtest.Dim, 3, "1_Alice")

	s := newTestStore()
	if _, err := s.Reload(context.Background(), root); err != nil {
		t.Fatalf("initial reload failed: %v", err)
	}
	if s.Snapshot().Len() != 1 {
		t.Fatalf("expected 1 profile after initial reload")
	}

	snap, err := s.Reload(context.Background(), filepath.Join(root, "does-not-exist"))
	if !errors.Is(err, ErrDatasetRoot) {
		t.Fatalf("expected ErrDatasetRoot, got %v", err)
	}
	if snap.Len() != 0 || s.Snapshot().Len() != 0 {
		t.Error("expected an empty snapshot after a failed reload")
	}
	if snap.Generation() != 2 {
		t.Errorf("expected generation 2, got %d", snap.Generation())
	}
}

func TestStore_ReloadRootIsFile(t *testing.T) {
	file := filepath.Join(t.TempDir(), "dataset")
	if err := os.WriteFile(file, []byte("x"), 0o600); err != nil {
		t.Fatal(err)
	}

	_, err := newTestStore().Reload(context.Background(), file)
	if !errors.Is(err, ErrDatasetRoot) {
		t.Fatalf("expected ErrDatasetRoot, got %v", err)
	}
}

func TestStore_ReloadCancelled(t *testing.T) {
	root := embeddingtest.WriteClusters(t, embeddingtest.Dim, 2, "1_Alice")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	s := newTestStore()
	snap, err := s.Reload(ctx, root)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if snap.Len() != 0 {
		t.Error("expected an empty snapshot after a cancelled reload")
	}
}

func TestStore_ReloadWideEmbeddings(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "7_Wide")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	for i, v := range embeddingtest.Members(embeddingtest.Dim, 0, 3) {
		name := filepath.Join(dir, "w"+string(rune('a'+i))+".EMB")
		if err := os.WriteFile(name, embedding.Encode(v, true), 0o600); err != nil {
			t.Fatal(err)
		}
	}

	s := newTestStore()
	if _, err := s.Reload(context.Background(), root); err != nil {
		t.Fatalf("Reload failed: %v", err)
	}
	p, ok := s.ProfileAt(0)
	if !ok {
		t.Fatal("expected a profile")
	}
	if p.Size() != 3 {
		t.Errorf("expected 3 wide embeddings, got %d", p.Size())
	}
}

func TestLockDataset(t *testing.T) {
	root := t.TempDir()

	unlock, err := LockDataset(root, true)
	if err != nil {
		t.Fatalf("exclusive lock failed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(root, LockFileName)); err != nil {
		t.Errorf("expected lock file: %v", err)
	}
	unlock()

	unlock, err = LockDataset(root, false)
	if err != nil {
		t.Fatalf("shared lock failed: %v", err)
	}
	unlock()
}

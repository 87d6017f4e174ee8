package profile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/kozaktomas/face-attendance/internal/config"
	"github.com/kozaktomas/face-attendance/internal/embedding"
	"github.com/kozaktomas/face-attendance/internal/facematch"
)

// EmbeddingExt is the file extension of stored embeddings.
const EmbeddingExt = ".emb"

// ErrDatasetRoot is returned when the dataset root cannot be read.
var ErrDatasetRoot = errors.New("dataset root unavailable")

// Options configure a Store.
type Options struct {
	Dim          int
	HighFidelity bool
	Tunables     config.ProfileTunables
	Logger       *slog.Logger
}

// Store owns the enrolled identities and swaps in a new immutable snapshot on every reload.
type Store struct {
	opts       Options
	logger     *slog.Logger
	current    atomic.Pointer[Snapshot]
	generation atomic.Uint64
	reloadMu   sync.Mutex // serializes reloads; readers never block
}

// NewStore creates a store holding an empty snapshot.
func NewStore(opts Options) *Store {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{opts: opts, logger: logger}
	s.current.Store(NewSnapshot(0, "", nil))
	return s
}

// Snapshot returns the currently installed snapshot.
func (s *Store) Snapshot() *Snapshot {
	return s.current.Load()
}

// Profiles returns a copy of the current profile list.
func (s *Store) Profiles() []Profile {
	return s.Snapshot().Profiles()
}

// ProfileAt looks up a profile in the current snapshot.
func (s *Store) ProfileAt(index int) (*Profile, bool) {
	return s.Snapshot().ProfileAt(index)
}

// Reload rescans root and installs a new snapshot. On failure an empty snapshot is
// installed rather than keeping a partially rebuilt one; the error is returned.
func (s *Store) Reload(ctx context.Context, root string) (*Snapshot, error) {
	s.reloadMu.Lock()
	defer s.reloadMu.Unlock()

	profiles, err := s.loadProfiles(ctx, root)
	if err != nil {
		snap := s.install(root, nil)
		s.logger.Error("dataset reload failed, profile set is now empty",
			"root", root, "generation", snap.Generation(), "error", err)
		return snap, err
	}

	snap := s.install(root, profiles)
	s.logger.Info("dataset reloaded",
		"root", root, "generation", snap.Generation(), "profiles", snap.Len())
	return snap, nil
}

func (s *Store) install(root string, profiles []Profile) *Snapshot {
	snap := NewSnapshot(s.generation.Add(1), root, profiles)
	s.current.Store(snap)
	return snap
}

func (s *Store) loadProfiles(ctx context.Context, root string) ([]Profile, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDatasetRoot, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%w: %s is not a directory", ErrDatasetRoot, root)
	}

	unlock, err := LockDataset(root, false)
	if err != nil {
		// Read-only datasets cannot hold a lock file; enrollment cannot write to them either.
		s.logger.Warn("reading dataset without lock", "root", root, "error", err)
	} else {
		defer unlock()
	}

	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDatasetRoot, err)
	}

	var dirs []string
	for _, e := range entries {
		if e.IsDir() && !strings.HasPrefix(e.Name(), ".") {
			dirs = append(dirs, e.Name())
		}
	}
	sort.Strings(dirs)

	if len(dirs) == 0 {
		s.logger.Warn("no identity folders found", "root", root)
	}

	profiles := make([]Profile, 0, len(dirs))
	for _, name := range dirs {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("reload cancelled: %w", err)
		}
		profiles = append(profiles, s.loadProfile(filepath.Join(root, name), name))
	}
	return profiles, nil
}

// loadProfile never fails: an unreadable folder yields an empty, unmatchable profile.
func (s *Store) loadProfile(dir, name string) Profile {
	label := facematch.DisplayLabel(name)
	members, skipped := s.loadEmbeddings(dir, label)

	p := Build(name, label, dir, members, s.opts.HighFidelity, s.opts.Tunables)
	p.Skipped = skipped

	if p.HighVariance {
		s.logger.Info("high intra-person variance, thresholds relaxed",
			"label", label, "std_dev", p.StdDev)
	}
	if p.Size() == 0 {
		s.logger.Warn("identity has no valid embeddings and cannot be matched",
			"label", label, "skipped", skipped)
	}

	s.logger.Info("profile loaded",
		"label", label,
		"embeddings", p.Size(),
		"skipped", skipped,
		"tightness", round3(p.Tightness),
		"std_dev", round3(p.StdDev),
		"abs_threshold_live", round3(p.AbsoluteThreshold),
		"abs_threshold_training", round3(p.TrainingThreshold),
		"relative_margin", round3(p.RelativeMargin),
	)
	return p
}

func (s *Store) loadEmbeddings(dir, label string) ([]embedding.Vector, int) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		s.logger.Warn("cannot list identity folder", "label", label, "dir", dir, "error", err)
		return nil, 0
	}

	var members []embedding.Vector
	skipped := 0
	for _, e := range entries {
		if e.IsDir() || !strings.EqualFold(filepath.Ext(e.Name()), EmbeddingExt) {
			continue
		}

		path := filepath.Join(dir, e.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			s.logger.Warn("cannot read embedding file", "label", label, "file", path, "error", err)
			skipped++
			continue
		}

		v, err := embedding.Decode(data, s.opts.Dim)
		if err != nil {
			s.logger.Warn("skipping invalid embedding", "label", label, "file", path, "error", err)
			skipped++
			continue
		}
		members = append(members, v)
	}
	return members, skipped
}

func round3(v float64) float64 {
	return math.Round(v*1000) / 1000
}

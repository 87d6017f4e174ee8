// Package enroll computes embeddings for face photos and stores them in the
// dataset as a new or extended identity folder.
package enroll

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/kozaktomas/face-attendance/internal/capture"
	"github.com/kozaktomas/face-attendance/internal/constants"
	"github.com/kozaktomas/face-attendance/internal/embedding"
	"github.com/kozaktomas/face-attendance/internal/facematch"
	"github.com/kozaktomas/face-attendance/internal/profile"
)

// Embedder computes the embedding of the face in an encoded image.
type Embedder interface {
	EmbedFace(ctx context.Context, imageData []byte) (embedding.Vector, error)
}

// Options configure an Enroller.
type Options struct {
	Workers      int          // parallel embedding requests, defaults to constants.EnrollWorkers
	MaxImageSize int          // longer side of uploaded images, defaults to constants.MaxImageSize
	Logger       *slog.Logger // nil uses slog.Default()
	Progress     func()       // called once per processed photo, may be nil

	// SkipDuplicates drops photos whose difference hash is within
	// DuplicateDistance bits of an earlier photo in name order.
	SkipDuplicates    bool
	DuplicateDistance int // defaults to constants.DuplicateHashDistance
}

// Failure is a photo that could not be enrolled.
type Failure struct {
	File string
	Err  error
}

// Result summarizes one enrollment.
type Result struct {
	Folder  string // identity folder inside the dataset root
	Label   string
	Written    int
	Failed     []Failure
	Duplicates []string // photos left out as near-duplicates
}

// Enroller writes enrollment embeddings into a dataset.
type Enroller struct {
	embedder Embedder
	opts     Options
	logger   *slog.Logger
}

// New creates an enroller.
func New(embedder Embedder, opts Options) *Enroller {
	if opts.Workers <= 0 {
		opts.Workers = constants.EnrollWorkers
	}
	if opts.DuplicateDistance <= 0 {
		opts.DuplicateDistance = constants.DuplicateHashDistance
	}
	if opts.MaxImageSize <= 0 {
		opts.MaxImageSize = constants.MaxImageSize
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Enroller{embedder: embedder, opts: opts, logger: logger}
}

// ListImages returns the image files in dir, sorted by name.
func ListImages(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", dir, err)
	}
	var files []string
	for _, e := range entries {
		if !e.IsDir() && capture.IsImageFile(e.Name()) {
			files = append(files, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(files)
	return files, nil
}

// Enroll embeds every photo in files and stores the results under
// root/<id>_<name>. The dataset lock is held exclusively while writing so a
// concurrent reload never sees a half-written identity. Photos that fail are
// reported in the result; an error is returned only when nothing could be
// attempted or the context was cancelled.
func (e *Enroller) Enroll(ctx context.Context, root, id, name string, files []string) (*Result, error) {
	folder := facematch.FolderName(id, name)
	if folder == "" {
		return nil, errors.New("identity needs an id or a name")
	}
	if len(files) == 0 {
		return nil, errors.New("no photos to enroll")
	}

	var duplicates []string
	if e.opts.SkipDuplicates {
		files, duplicates = dropDuplicates(files, e.opts.DuplicateDistance)
		for _, d := range duplicates {
			e.logger.Info("skipping near-duplicate photo", "file", d)
			if e.opts.Progress != nil {
				e.opts.Progress()
			}
		}
	}

	dir := filepath.Join(root, folder)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating identity folder: %w", err)
	}

	unlock, err := profile.LockDataset(root, true)
	if err != nil {
		return nil, err
	}
	defer unlock()

	result := &Result{Folder: folder, Label: facematch.DisplayLabel(folder), Duplicates: duplicates}
	var mu sync.Mutex
	var wg sync.WaitGroup
	sem := make(chan struct{}, e.opts.Workers)

	for _, file := range files {
		if ctx.Err() != nil {
			break
		}
		sem <- struct{}{}
		wg.Go(func() {
			defer func() { <-sem }()

			err := e.enrollPhoto(ctx, dir, file)

			mu.Lock()
			if err != nil {
				result.Failed = append(result.Failed, Failure{File: file, Err: err})
			} else {
				result.Written++
			}
			mu.Unlock()

			if err != nil {
				e.logger.Warn("photo not enrolled", "file", file, "error", err)
			}
			if e.opts.Progress != nil {
				e.opts.Progress()
			}
		})
	}
	wg.Wait()

	sort.Slice(result.Failed, func(i, j int) bool { return result.Failed[i].File < result.Failed[j].File })
	if err := ctx.Err(); err != nil {
		return result, fmt.Errorf("enrollment cancelled: %w", err)
	}

	e.logger.Info("enrollment finished",
		"label", result.Label, "written", result.Written, "failed", len(result.Failed), "duplicates", len(duplicates))
	return result, nil
}

func (e *Enroller) enrollPhoto(ctx context.Context, dir, file string) error {
	data, err := os.ReadFile(file)
	if err != nil {
		return err
	}
	img, err := capture.DecodeImage(data)
	if err != nil {
		return err
	}
	upload, err := capture.ResizeImage(img, e.opts.MaxImageSize)
	if err != nil {
		return err
	}

	v, err := e.embedder.EmbedFace(ctx, upload)
	if err != nil {
		return err
	}

	base := strings.TrimSuffix(filepath.Base(file), filepath.Ext(file))
	target := filepath.Join(dir, base+profile.EmbeddingExt)
	tmp := target + ".tmp"
	if err := os.WriteFile(tmp, embedding.Encode(v, false), 0o644); err != nil {
		return fmt.Errorf("writing embedding: %w", err)
	}
	if err := os.Rename(tmp, target); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("writing embedding: %w", err)
	}
	return nil
}

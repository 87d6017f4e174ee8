package capture

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"
)

// ErrNoFrames is returned when a directory holds no images.
var ErrNoFrames = errors.New("no image frames found")

// maxSnapshotSize caps the body read from a camera snapshot endpoint.
const maxSnapshotSize = 32 << 20

// Frame is one captured image.
type Frame struct {
	Seq        int64
	Source     string // file path or URL
	Data       []byte // encoded image as captured
	Image      image.Image
	CapturedAt time.Time
}

// release drops the image buffers of a frame that will not be processed.
func (f *Frame) release() {
	f.Data = nil
	f.Image = nil
}

// Source produces frames. Next returns io.EOF when the source is exhausted.
type Source interface {
	Next(ctx context.Context) (*Frame, error)
}

// DirSource replays the images of a directory in name order.
type DirSource struct {
	dir   string
	files []string
	loop  bool

	mu   sync.Mutex
	next int
}

// NewDirSource lists the images in dir. With loop set the source restarts
// from the first image instead of returning io.EOF.
func NewDirSource(dir string, loop bool) (*DirSource, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("reading frame directory: %w", err)
	}

	var files []string
	for _, e := range entries {
		if e.IsDir() || !IsImageFile(e.Name()) {
			continue
		}
		files = append(files, filepath.Join(dir, e.Name()))
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("%w in %s", ErrNoFrames, dir)
	}
	slices.Sort(files)

	return &DirSource{dir: dir, files: files, loop: loop}, nil
}

// Len returns the number of images in the directory.
func (s *DirSource) Len() int {
	return len(s.files)
}

// Next reads and decodes the next image.
func (s *DirSource) Next(ctx context.Context) (*Frame, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	if s.next >= len(s.files) {
		if !s.loop {
			s.mu.Unlock()
			return nil, io.EOF
		}
		s.next = 0
	}
	path := s.files[s.next]
	s.next++
	s.mu.Unlock()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading frame: %w", err)
	}
	img, err := DecodeImage(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", filepath.Base(path), err)
	}

	return &Frame{Source: path, Data: data, Image: img, CapturedAt: time.Now()}, nil
}

// SnapshotSource fetches a still image from a camera snapshot URL per frame.
type SnapshotSource struct {
	url    string
	client *http.Client
}

// NewSnapshotSource creates a snapshot source. A nil client uses http.DefaultClient;
// per-frame deadlines come from the context passed to Next.
func NewSnapshotSource(url string, client *http.Client) *SnapshotSource {
	if client == nil {
		client = http.DefaultClient
	}
	return &SnapshotSource{url: url, client: client}
}

// Next downloads and decodes one snapshot.
func (s *SnapshotSource) Next(ctx context.Context) (*Frame, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("snapshot request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("snapshot error (status %d)", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxSnapshotSize))
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot: %w", err)
	}
	img, err := DecodeImage(data)
	if err != nil {
		return nil, err
	}

	return &Frame{Source: s.url, Data: data, Image: img, CapturedAt: time.Now()}, nil
}

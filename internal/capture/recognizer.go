package capture

import (
	"context"
	"errors"
	"fmt"
	"image"
	"math"

	"github.com/kozaktomas/face-attendance/internal/embedclient"
	"github.com/kozaktomas/face-attendance/internal/recognition"
)

// ErrNoFace is returned by Recognize when the detector found no usable face.
var ErrNoFace = embedclient.ErrNoFace

// Detector finds faces and their embeddings in an encoded image.
type Detector interface {
	DetectFaces(ctx context.Context, imageData []byte) (*embedclient.FaceResponse, error)
}

// Analyzer runs the recognition pipeline for one face.
type Analyzer interface {
	Analyze(ctx context.Context, sessionID string, in recognition.FrameInput) recognition.Outcome
}

// Recognizer connects a face detector to the recognition pipeline. Only the
// largest face of a frame is analyzed so one session tracks one person.
type Recognizer struct {
	detector  Detector
	analyzer  Analyzer
	maxUpload int
}

// NewRecognizer creates a recognizer. Frames larger than maxUpload pixels on
// their longer side are downscaled before upload.
func NewRecognizer(detector Detector, analyzer Analyzer, maxUpload int) *Recognizer {
	return &Recognizer{detector: detector, analyzer: analyzer, maxUpload: maxUpload}
}

// Recognize detects the largest face in img and analyzes it.
func (r *Recognizer) Recognize(ctx context.Context, sessionID string, img image.Image) (recognition.Outcome, error) {
	in, err := r.Detect(ctx, img)
	if err != nil {
		return recognition.Outcome{}, err
	}
	return r.analyzer.Analyze(ctx, sessionID, in), nil
}

// Detect uploads img to the detector and returns the largest face, mapped
// back to img coordinates, as pipeline input.
func (r *Recognizer) Detect(ctx context.Context, img image.Image) (recognition.FrameInput, error) {
	bounds := img.Bounds()
	data, err := ResizeImage(img, r.maxUpload)
	if err != nil {
		return recognition.FrameInput{}, err
	}

	resp, err := r.detector.DetectFaces(ctx, data)
	if err != nil {
		return recognition.FrameInput{}, fmt.Errorf("face detection failed: %w", err)
	}
	face, ok := resp.Largest()
	if !ok {
		return recognition.FrameInput{}, ErrNoFace
	}

	rect, ok := face.Rect()
	if !ok {
		return recognition.FrameInput{}, errors.New("detector returned a malformed bounding box")
	}
	rect = unscale(rect, ScaleFactor(bounds, r.maxUpload)).Add(bounds.Min)

	return recognition.FrameInput{
		Image:     img,
		Frame:     bounds,
		Face:      rect.Intersect(bounds),
		Embedding: face.Vector(),
	}, nil
}

// Process recognizes a captured frame for sessionID.
func (r *Recognizer) Process(sessionID string) ProcessFunc {
	return func(ctx context.Context, f *Frame) (recognition.Outcome, error) {
		in, err := r.Detect(ctx, f.Image)
		if err != nil {
			return recognition.Outcome{}, err
		}
		in.Timestamp = f.CapturedAt
		return r.analyzer.Analyze(ctx, sessionID, in), nil
	}
}

func unscale(r image.Rectangle, factor float64) image.Rectangle {
	if factor == 1 || factor <= 0 {
		return r
	}
	scale := func(v int) int { return int(math.Round(float64(v) / factor)) }
	return image.Rect(scale(r.Min.X), scale(r.Min.Y), scale(r.Max.X), scale(r.Max.Y))
}

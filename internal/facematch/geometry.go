package facematch

import (
	"image"
	"math"
)

// ComputeIoU calculates Intersection over Union between two face rectangles.
func ComputeIoU(a, b image.Rectangle) float64 {
	inter := a.Intersect(b)
	if inter.Empty() {
		return 0 // No intersection
	}

	intersection := float64(inter.Dx() * inter.Dy())
	union := float64(a.Dx()*a.Dy()+b.Dx()*b.Dy()) - intersection
	if union <= 0 {
		return 0
	}

	return intersection / union
}

// RectFromBBox converts a detector bbox [x1, y1, x2, y2] in pixels to a rectangle.
// Returns false if the bbox is malformed or has no area.
func RectFromBBox(bbox []float64) (image.Rectangle, bool) {
	if len(bbox) != 4 {
		return image.Rectangle{}, false
	}
	for _, v := range bbox {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return image.Rectangle{}, false
		}
	}

	r := image.Rect(
		int(math.Round(bbox[0])),
		int(math.Round(bbox[1])),
		int(math.Round(bbox[2])),
		int(math.Round(bbox[3])),
	)
	if bbox[2] <= bbox[0] || bbox[3] <= bbox[1] || r.Empty() {
		return image.Rectangle{}, false
	}
	return r, true
}

// ClipFaceRect validates a detected face against the frame bounds.
// Faces with zero or negative size, or entirely outside the frame, are rejected;
// faces partially outside are clipped.
func ClipFaceRect(face, frame image.Rectangle) (image.Rectangle, bool) {
	if face.Dx() <= 0 || face.Dy() <= 0 || frame.Empty() {
		return image.Rectangle{}, false
	}
	clipped := face.Intersect(frame)
	if clipped.Empty() {
		return image.Rectangle{}, false
	}
	return clipped, true
}

// PaddedFaceRect grows a face rectangle around its center by paddingRatio,
// enforces a minimum side length and shifts it back inside the frame.
func PaddedFaceRect(frame, face image.Rectangle, paddingRatio float64, minWidth int) image.Rectangle {
	frameWidth, frameHeight := frame.Dx(), frame.Dy()
	if frameWidth <= 0 || frameHeight <= 0 || face.Empty() {
		return face
	}

	padding := math.Max(0, paddingRatio)
	width := int(math.Round(float64(face.Dx()) * (1 + padding)))
	height := int(math.Round(float64(face.Dy()) * (1 + padding)))

	minSide := max(1, minWidth)
	width = min(max(width, minSide), frameWidth)
	height = min(max(height, minSide), frameHeight)

	centerX := face.Min.X + face.Dx()/2
	centerY := face.Min.Y + face.Dy()/2

	x := centerX - width/2
	y := centerY - height/2

	// Keep the rectangle inside the frame, preferring the top-left edge.
	x = min(x, frame.Max.X-width)
	y = min(y, frame.Max.Y-height)
	x = max(x, frame.Min.X)
	y = max(y, frame.Min.Y)

	return image.Rect(x, y, x+width, y+height)
}

// LargestFace returns the index of the rectangle with the largest area, or -1.
func LargestFace(faces []image.Rectangle) int {
	best, bestArea := -1, 0
	for i, f := range faces {
		if area := f.Dx() * f.Dy(); !f.Empty() && area > bestArea {
			best, bestArea = i, area
		}
	}
	return best
}

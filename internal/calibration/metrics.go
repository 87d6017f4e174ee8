package calibration

import "image"

// FrameMetrics describes the detection in a single frame.
type FrameMetrics struct {
	FrameWidth     int
	FrameHeight    int
	DetectedWidth  int
	DetectedHeight int
	PaddedWidth    int
	PaddedHeight   int
	QualityScore   float64 // 0-100, 0 when unknown
	Borderline     bool
}

// NewFrameMetrics builds metrics from the frame bounds and the detected and
// padded face rectangles. Face dimensions are at least one pixel.
func NewFrameMetrics(frame, detected, padded image.Rectangle, qualityScore float64, borderline bool) *FrameMetrics {
	return &FrameMetrics{
		FrameWidth:     frame.Dx(),
		FrameHeight:    frame.Dy(),
		DetectedWidth:  max(1, detected.Dx()),
		DetectedHeight: max(1, detected.Dy()),
		PaddedWidth:    max(1, padded.Dx()),
		PaddedHeight:   max(1, padded.Dy()),
		QualityScore:   qualityScore,
		Borderline:     borderline,
	}
}

func (m *FrameMetrics) frameArea() float64 {
	return max(1, float64(m.FrameWidth)*float64(m.FrameHeight))
}

// DetectionAreaRatio is the share of the frame covered by the detected face.
func (m *FrameMetrics) DetectionAreaRatio() float64 {
	return float64(m.DetectedWidth) * float64(m.DetectedHeight) / m.frameArea()
}

// PaddedAreaRatio is the share of the frame covered by the padded face region.
func (m *FrameMetrics) PaddedAreaRatio() float64 {
	return float64(m.PaddedWidth) * float64(m.PaddedHeight) / m.frameArea()
}

// NormalizedScale is the detected width relative to baselineWidth (at least 32 px).
func (m *FrameMetrics) NormalizedScale(baselineWidth float64) float64 {
	return float64(m.DetectedWidth) / max(32, baselineWidth)
}

// AspectRatio is width over height of the detected face.
func (m *FrameMetrics) AspectRatio() float64 {
	return float64(m.DetectedWidth) / float64(max(1, m.DetectedHeight))
}

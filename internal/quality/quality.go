// Package quality rates how usable a face crop is for recognition.
package quality

import (
	"fmt"
	"image"
	"math"
	"strings"

	"golang.org/x/image/draw"

	"github.com/kozaktomas/face-attendance/internal/config"
)

// Score contributions of the individual checks.
const (
	sharpnessPoints  = 30
	brightnessPoints = 35
	contrastPoints   = 35
)

// GoodFeedback is reported when every check passes.
const GoodFeedback = "Good image quality"

// Assessment is the quality verdict for one image region.
type Assessment struct {
	Score      float64 // 0-100
	Acceptable bool    // at most one check failed
	Borderline bool    // exactly one check failed
	Failed     int

	Sharpness  float64 // variance of the Laplacian
	Brightness float64 // mean luma
	Contrast   float64 // luma standard deviation
	Feedback   string
}

// Good reports whether every check passed.
func (a Assessment) Good() bool {
	return a.Acceptable && a.Failed == 0
}

// Assessor rates images against the configured limits.
type Assessor struct {
	t                  config.QualityTunables
	sharpnessThreshold float64
}

// NewAssessor creates an assessor.
func NewAssessor(t config.QualityTunables) *Assessor {
	return &Assessor{
		t:                  t,
		sharpnessThreshold: max(t.MinSharpnessThreshold, min(t.MaxSharpnessThreshold, t.SharpnessThreshold)),
	}
}

// Assess rates the whole image.
func (a *Assessor) Assess(img image.Image) Assessment {
	return a.AssessRegion(img, img.Bounds())
}

// AssessRegion rates the part of img inside region.
func (a *Assessor) AssessRegion(img image.Image, region image.Rectangle) Assessment {
	region = region.Intersect(img.Bounds())
	if region.Empty() || region.Dx() < a.t.MinSize || region.Dy() < a.t.MinSize {
		return Assessment{
			Failed:   3,
			Feedback: fmt.Sprintf("Image too small (minimum %dx%d pixels)", a.t.MinSize, a.t.MinSize),
		}
	}

	gray := toGrayscale(a.prepare(img, region))

	res := Assessment{
		Sharpness:  laplacianVariance(gray),
		Brightness: mean(gray),
	}
	res.Contrast = stdDev(gray, res.Brightness)

	var feedback strings.Builder
	if res.Sharpness < a.sharpnessThreshold {
		res.Failed++
		fmt.Fprintf(&feedback, "Image too blurry (sharpness: %.1f). ", res.Sharpness)
	} else {
		res.Score += sharpnessPoints
	}

	switch {
	case res.Brightness < a.t.MinBrightness:
		res.Failed++
		fmt.Fprintf(&feedback, "Image too dark (brightness: %.1f). ", res.Brightness)
	case res.Brightness > a.t.MaxBrightness:
		res.Failed++
		fmt.Fprintf(&feedback, "Image too bright (brightness: %.1f). ", res.Brightness)
	default:
		res.Score += brightnessPoints
	}

	if res.Contrast < a.t.MinContrast {
		res.Failed++
		fmt.Fprintf(&feedback, "Image has poor contrast (contrast: %.1f). ", res.Contrast)
	} else {
		res.Score += contrastPoints
	}

	res.Acceptable = res.Failed <= 1
	res.Borderline = res.Failed == 1
	res.Feedback = strings.TrimSpace(feedback.String())
	if res.Failed == 0 {
		res.Feedback = GoodFeedback
	}
	return res
}

// prepare copies region into an RGBA image, scaling it down so the longer side
// is at most MaxAnalysisSize.
func (a *Assessor) prepare(img image.Image, region image.Rectangle) *image.RGBA {
	width, height := region.Dx(), region.Dy()
	if limit := a.t.MaxAnalysisSize; limit > 0 && (width > limit || height > limit) {
		if width > height {
			height = max(1, int(float64(height)*float64(limit)/float64(width)))
			width = limit
		} else {
			width = max(1, int(float64(width)*float64(limit)/float64(height)))
			height = limit
		}
	}

	dst := image.NewRGBA(image.Rect(0, 0, width, height))
	if width == region.Dx() && height == region.Dy() {
		draw.Draw(dst, dst.Bounds(), img, region.Min, draw.Src)
	} else {
		draw.BiLinear.Scale(dst, dst.Bounds(), img, region, draw.Src, nil)
	}
	return dst
}

// toGrayscale converts an image to a 2D array of grayscale values (0-255).
func toGrayscale(img *image.RGBA) [][]float64 {
	bounds := img.Bounds()
	width := bounds.Dx()
	height := bounds.Dy()

	gray := make([][]float64, width)
	for x := range width {
		gray[x] = make([]float64, height)
		for y := range height {
			r, g, b, _ := img.At(x, y).RGBA()
			// ITU-R BT.601 luma formula.
			gray[x][y] = 0.299*float64(r>>8) + 0.587*float64(g>>8) + 0.114*float64(b>>8)
		}
	}
	return gray
}

// laplacianVariance applies the 4-neighbour Laplacian with mirrored borders
// and returns the variance of the response.
func laplacianVariance(gray [][]float64) float64 {
	width := len(gray)
	height := len(gray[0])

	n := float64(width * height)
	var sum, sumSq float64
	for x := range width {
		for y := range height {
			lap := gray[reflect(x-1, width)][y] + gray[reflect(x+1, width)][y] +
				gray[x][reflect(y-1, height)] + gray[x][reflect(y+1, height)] -
				4*gray[x][y]
			sum += lap
			sumSq += lap * lap
		}
	}
	m := sum / n
	return max(0, sumSq/n-m*m)
}

// reflect mirrors an out-of-range index without repeating the edge pixel.
func reflect(i, n int) int {
	if n == 1 {
		return 0
	}
	switch {
	case i < 0:
		return -i
	case i >= n:
		return 2*n - i - 2
	}
	return i
}

func mean(gray [][]float64) float64 {
	var sum float64
	count := 0
	for _, col := range gray {
		for _, v := range col {
			sum += v
			count++
		}
	}
	return sum / float64(count)
}

func stdDev(gray [][]float64, m float64) float64 {
	var sum float64
	count := 0
	for _, col := range gray {
		for _, v := range col {
			d := v - m
			sum += d * d
			count++
		}
	}
	return math.Sqrt(sum / float64(count))
}

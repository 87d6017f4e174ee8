package enroll

import (
	"image"
	"math/bits"
	"os"

	"golang.org/x/image/draw"

	"github.com/kozaktomas/face-attendance/internal/capture"
)

// differenceHash computes a 64-bit dHash: the image is scaled to 9x8 gray
// pixels and each bit records whether a pixel is brighter than its right
// neighbor. Re-encoded or slightly resized copies of a photo hash within a
// few bits of each other.
func differenceHash(img image.Image) uint64 {
	small := image.NewRGBA(image.Rect(0, 0, 9, 8))
	draw.BiLinear.Scale(small, small.Bounds(), img, img.Bounds(), draw.Over, nil)

	var hash uint64
	bit := 63
	for y := range 8 {
		for x := range 8 {
			if luma(small, x, y) > luma(small, x+1, y) {
				hash |= 1 << bit
			}
			bit--
		}
	}
	return hash
}

// luma uses the ITU-R BT.601 weights.
func luma(img *image.RGBA, x, y int) float64 {
	c := img.RGBAAt(x, y)
	return 0.299*float64(c.R) + 0.587*float64(c.G) + 0.114*float64(c.B)
}

func hammingDistance(a, b uint64) int {
	return bits.OnesCount64(a ^ b)
}

// dropDuplicates removes photos within maxDistance bits of an earlier photo.
// Files that cannot be decoded are kept so enrollment reports their error.
func dropDuplicates(files []string, maxDistance int) (kept, duplicates []string) {
	var hashes []uint64
	for _, file := range files {
		h, ok := fileHash(file)
		if !ok {
			kept = append(kept, file)
			continue
		}
		dup := false
		for _, prev := range hashes {
			if hammingDistance(h, prev) <= maxDistance {
				dup = true
				break
			}
		}
		if dup {
			duplicates = append(duplicates, file)
			continue
		}
		hashes = append(hashes, h)
		kept = append(kept, file)
	}
	return kept, duplicates
}

func fileHash(path string) (uint64, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, false
	}
	img, err := capture.DecodeImage(data)
	if err != nil {
		return 0, false
	}
	return differenceHash(img), true
}

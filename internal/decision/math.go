package decision

import "math"

func clamp(v, lo, hi float64) float64 {
	return max(lo, min(hi, v))
}

func clamp01(v float64) float64 {
	return clamp(v, 0, 1)
}

func round3(v float64) float64 {
	return math.Round(v*1000) / 1000
}

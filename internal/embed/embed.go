// Package embed supplies appearance feature vectors for track association.
// The embedder is a pluggable capability: when none is configured the
// tracker degrades to IoU-only matching without code changes elsewhere.
package embed

import (
	"image"
	"math"

	"github.com/disintegration/imaging"

	"github.com/safesite-data/sitewatch/internal/geom"
)

// Embedder turns a person crop into a fixed-length appearance vector.
type Embedder interface {
	Embed(crop image.Image) ([]float32, error)
}

// cropPadding widens the detector box slightly so the crop keeps shoulders
// and headgear that the detector tends to cut off.
const cropPadding = 8

// CropDetection cuts the detection's region out of the frame, padded and
// clamped to the frame bounds. Returns nil when the box lies entirely
// outside the frame.
func CropDetection(frame image.Image, box geom.BBox) image.Image {
	bounds := frame.Bounds()
	x0, y0, x1, y1 := box.XYXY()

	r := image.Rect(
		clamp(int(x0)-cropPadding, bounds.Min.X, bounds.Max.X),
		clamp(int(y0)-cropPadding, bounds.Min.Y, bounds.Max.Y),
		clamp(int(x1)+cropPadding, bounds.Min.X, bounds.Max.X),
		clamp(int(y1)+cropPadding, bounds.Min.Y, bounds.Max.Y),
	)
	if r.Empty() {
		return nil
	}
	return imaging.Crop(frame, r)
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// normalize scales the vector to unit L2 norm in place. Zero vectors are
// returned unchanged.
func normalize(v []float32) []float32 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return v
	}
	inv := 1 / math.Sqrt(sum)
	for i := range v {
		v[i] = float32(float64(v[i]) * inv)
	}
	return v
}

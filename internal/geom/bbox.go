// Package geom provides bounding-box primitives shared by the detection,
// tracking and violation-association layers.
//
// Boxes are stored as top-left corner plus extent (TLWH) in pixel
// coordinates. The Kalman motion model works in measurement space
// (center-x, center-y, aspect ratio, height); conversions between the two
// representations live here so the rest of the pipeline never does corner
// arithmetic by hand.
package geom

import "math"

// BBox is an axis-aligned bounding box: top-left corner plus width/height.
type BBox struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	W float64 `json:"w"`
	H float64 `json:"h"`
}

// FromXYXY builds a BBox from opposite corners.
func FromXYXY(x1, y1, x2, y2 float64) BBox {
	return BBox{X: x1, Y: y1, W: x2 - x1, H: y2 - y1}
}

// FromXYAH builds a BBox from measurement space: center position, aspect
// ratio (width/height) and height.
func FromXYAH(cx, cy, a, h float64) BBox {
	w := a * h
	return BBox{X: cx - w/2, Y: cy - h/2, W: w, H: h}
}

// XYXY returns the opposite corners of the box.
func (b BBox) XYXY() (x1, y1, x2, y2 float64) {
	return b.X, b.Y, b.X + b.W, b.Y + b.H
}

// XYAH returns the measurement-space representation used by the motion model.
func (b BBox) XYAH() (cx, cy, a, h float64) {
	cx = b.X + b.W/2
	cy = b.Y + b.H/2
	h = b.H
	if b.H != 0 {
		a = b.W / b.H
	}
	return
}

// Center returns the box center.
func (b BBox) Center() (cx, cy float64) {
	return b.X + b.W/2, b.Y + b.H/2
}

// Area returns the box area, never negative.
func (b BBox) Area() float64 {
	if b.W <= 0 || b.H <= 0 {
		return 0
	}
	return b.W * b.H
}

// Valid reports whether the box has finite coordinates and positive extent.
// The detector occasionally emits degenerate or non-finite boxes; those must
// be discarded before they reach the motion model.
func (b BBox) Valid() bool {
	for _, v := range [4]float64{b.X, b.Y, b.W, b.H} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return b.W > 0 && b.H > 0
}

// ContainsPoint reports whether (x, y) lies inside the box expanded by tol
// pixels on every side.
func (b BBox) ContainsPoint(x, y, tol float64) bool {
	return x >= b.X-tol && x <= b.X+b.W+tol &&
		y >= b.Y-tol && y <= b.Y+b.H+tol
}

// IoU returns the intersection-over-union of two boxes in [0, 1].
func IoU(a, b BBox) float64 {
	ax1, ay1, ax2, ay2 := a.XYXY()
	bx1, by1, bx2, by2 := b.XYXY()

	ix1 := math.Max(ax1, bx1)
	iy1 := math.Max(ay1, by1)
	ix2 := math.Min(ax2, bx2)
	iy2 := math.Min(ay2, by2)

	iw := ix2 - ix1
	ih := iy2 - iy1
	if iw <= 0 || ih <= 0 {
		return 0
	}

	inter := iw * ih
	union := a.Area() + b.Area() - inter
	if union <= 0 {
		return 0
	}
	return inter / union
}

// Package testutil provides shared detection fixtures for tests.
//
// The builders produce plausible detector output so tests read as frame
// streams instead of struct literals.
package testutil

import (
	"github.com/safesite-data/sitewatch/internal/geom"
	"github.com/safesite-data/sitewatch/internal/track"
)

// Person returns a high-confidence person detection with a typical
// standing bounding box at (x, y).
func Person(x, y float64) track.Detection {
	return track.Detection{
		BBox:       geom.BBox{X: x, Y: y, W: 60, H: 160},
		Confidence: 0.9,
		Class:      "person",
	}
}

// PersonWithFeature is Person with an appearance feature attached.
func PersonWithFeature(x, y float64, feature []float32) track.Detection {
	d := Person(x, y)
	d.Feature = feature
	return d
}

// Violation returns a violation detection of the given type covering the
// same region as a person box at (x, y).
func Violation(class string, x, y float64) track.Detection {
	return track.Detection{
		BBox:       geom.BBox{X: x, Y: y, W: 60, H: 160},
		Confidence: 0.8,
		Class:      class,
	}
}

// Equipment returns a worn-equipment detection whose center falls inside a
// person box at (x, y).
func Equipment(class string, x, y float64) track.Detection {
	return track.Detection{
		BBox:       geom.BBox{X: x + 15, Y: y, W: 30, H: 30},
		Confidence: 0.9,
		Class:      class,
	}
}

// Walk returns the person detection for one step of a constant-velocity
// walk: start position plus step*frame.
func Walk(startX, startY, stepX, stepY float64, frame int) track.Detection {
	return Person(startX+stepX*float64(frame), startY+stepY*float64(frame))
}

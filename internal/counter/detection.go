// Package counter implements the frame pipeline: per-person tracks across
// frames, identity-based duplicate suppression, boundary crossing detection,
// and the engine that feeds confirmed crossings into the trip state machine.
package counter

import (
	"math"
	"time"
)

// Point is a position in normalized frame coordinates (0-1 on both axes).
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// BBox is an axis-aligned bounding region in normalized frame coordinates.
type BBox struct {
	X1 float64 `json:"x1"`
	Y1 float64 `json:"y1"`
	X2 float64 `json:"x2"`
	Y2 float64 `json:"y2"`
}

// Center returns the centre of the bounding box.
func (b BBox) Center() Point {
	return Point{X: (b.X1 + b.X2) / 2, Y: (b.Y1 + b.Y2) / 2}
}

// DistanceSquared returns the squared Euclidean distance between two points.
// Squared form avoids the sqrt in the association hot path.
func DistanceSquared(a, b Point) float64 {
	dx := a.X - b.X
	dy := a.Y - b.Y
	return dx*dx + dy*dy
}

// Distance returns the Euclidean distance between two points.
func Distance(a, b Point) float64 {
	return math.Sqrt(DistanceSquared(a, b))
}

// Detection is one observed person in one frame. Produced by the external
// person detector, consumed immediately by the track store.
type Detection struct {
	BBox       BBox      `json:"bbox"`
	Confidence float64   `json:"confidence"`
	Timestamp  time.Time `json:"timestamp"`

	// Embedding is the optional face embedding for this detection. People
	// without a resolvable face still count, but cannot be deduplicated
	// across track gaps.
	Embedding []float64 `json:"embedding,omitempty"`
}

// Detector produces person detections from a raw frame. The underlying
// model is a black box; implementations wrap whatever inference runtime
// the deployment uses.
type Detector interface {
	Detect(image []byte, ts time.Time) ([]Detection, error)
}

// DetectorFunc adapts a function to the Detector interface.
type DetectorFunc func(image []byte, ts time.Time) ([]Detection, error)

// Detect calls f.
func (f DetectorFunc) Detect(image []byte, ts time.Time) ([]Detection, error) {
	return f(image, ts)
}

// ScriptedDetector replays a fixed sequence of per-frame detections,
// ignoring image content. Used by dev mode and tests in place of a real
// model, the same way a mock source replaces live hardware.
type ScriptedDetector struct {
	Frames [][]Detection
	next   int
}

// Detect returns the next scripted frame, or no detections once the
// script is exhausted.
func (s *ScriptedDetector) Detect(_ []byte, ts time.Time) ([]Detection, error) {
	if s.next >= len(s.Frames) {
		return nil, nil
	}
	frame := s.Frames[s.next]
	s.next++

	out := make([]Detection, len(frame))
	for i, d := range frame {
		d.Timestamp = ts
		out[i] = d
	}
	return out, nil
}

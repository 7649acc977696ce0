// Package bundle defines the synchronized observation unit shared by the capture
// source, the acquisition loop and every consumer.
package bundle

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/golang/geo/r3"
	"gocv.io/x/gocv"
)

// ErrMissingColor is returned by Validate when a bundle has no color image.
var ErrMissingColor = errors.New("bundle has no color image")

// Detection is one recognized object instance within a Bundle.
// Spatial coordinates are millimeters in the camera frame; the box is in
// color-image pixels.
type Detection struct {
	Label      string  `json:"label"`
	Confidence float64 `json:"confidence"`
	X          float64 `json:"x"`
	Y          float64 `json:"y"`
	Z          float64 `json:"z"`
	XMin       float64 `json:"xmin"`
	YMin       float64 `json:"ymin"`
	XMax       float64 `json:"xmax"`
	YMax       float64 `json:"ymax"`
}

// Position returns the spatial position in millimeters.
func (d Detection) Position() r3.Vector {
	return r3.Vector{X: d.X, Y: d.Y, Z: d.Z}
}

// PositionMeters returns the spatial position converted to meters.
func (d Detection) PositionMeters() r3.Vector {
	return d.Position().Mul(0.001)
}

// Width returns the box width in pixels.
func (d Detection) Width() float64 { return d.XMax - d.XMin }

// Height returns the box height in pixels.
func (d Detection) Height() float64 { return d.YMax - d.YMin }

// Valid reports whether the confidence lies in [0,1] and the box corners are ordered.
func (d Detection) Valid() error {
	if math.IsNaN(d.Confidence) || d.Confidence < 0 || d.Confidence > 1 {
		return fmt.Errorf("detection %q: confidence %v outside [0,1]", d.Label, d.Confidence)
	}
	for _, v := range []float64{d.XMin, d.YMin, d.XMax, d.YMax} {
		if math.IsNaN(v) {
			return fmt.Errorf("detection %q: box has NaN coordinate", d.Label)
		}
	}
	for _, v := range []float64{d.X, d.Y, d.Z} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("detection %q: position is not finite", d.Label)
		}
	}
	if d.XMin > d.XMax || d.YMin > d.YMax {
		return fmt.Errorf("detection %q: box (%.1f,%.1f)-(%.1f,%.1f) is not ordered",
			d.Label, d.XMin, d.YMin, d.XMax, d.YMax)
	}
	return nil
}

// LabelMap is the class table published by the detection model.
type LabelMap []string

// Resolve returns the class name for idx, or the decimal id when the table is
// empty or idx is out of range.
func (m LabelMap) Resolve(idx int) string {
	if idx >= 0 && idx < len(m) {
		return m[idx]
	}
	return strconv.Itoa(idx)
}

// Bundle is one synchronized observation instant: a color image, its depth
// counterpart and the detections computed from them.
//
// A Bundle is owned by the acquisition loop until it has been handed to every
// consumer, after which the loop closes it. Consumers that keep any part of it
// past their callback must Clone it.
type Bundle struct {
	Timestamp  time.Time
	Color      gocv.Mat
	Depth      gocv.Mat
	Detections []Detection

	closed bool
}

// New creates a Bundle that takes ownership of color and depth.
func New(ts time.Time, color, depth gocv.Mat, detections []Detection) *Bundle {
	return &Bundle{
		Timestamp:  ts,
		Color:      color,
		Depth:      depth,
		Detections: detections,
	}
}

// HasColor reports whether a color image is present.
func (b *Bundle) HasColor() bool {
	return b != nil && !b.closed && !b.Color.Empty()
}

// HasDepth reports whether a depth image is present.
func (b *Bundle) HasDepth() bool {
	return b != nil && !b.closed && !b.Depth.Empty()
}

// Validate checks the invariants a bundle must hold before delivery.
func (b *Bundle) Validate() error {
	if !b.HasColor() {
		return ErrMissingColor
	}
	for i := range b.Detections {
		if err := b.Detections[i].Valid(); err != nil {
			return err
		}
	}
	return nil
}

// Clone returns a deep copy that the caller owns and must Close.
func (b *Bundle) Clone() *Bundle {
	c := &Bundle{
		Timestamp: b.Timestamp,
		Color:     cloneMat(b.Color),
		Depth:     cloneMat(b.Depth),
	}
	if b.Detections != nil {
		c.Detections = make([]Detection, len(b.Detections))
		copy(c.Detections, b.Detections)
	}
	return c
}

// Close releases the image buffers. It is safe to call more than once.
func (b *Bundle) Close() error {
	if b == nil || b.closed {
		return nil
	}
	b.closed = true

	var errs []error
	if err := b.Color.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := b.Depth.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Summary returns a short human-readable description for logs.
func (b *Bundle) Summary() string {
	if b == nil {
		return "<nil bundle>"
	}
	depth := "none"
	if b.HasDepth() {
		depth = fmt.Sprintf("%dx%d", b.Depth.Cols(), b.Depth.Rows())
	}
	color := "none"
	if b.HasColor() {
		color = fmt.Sprintf("%dx%d", b.Color.Cols(), b.Color.Rows())
	}
	return fmt.Sprintf("color=%s depth=%s detections=%d", color, depth, len(b.Detections))
}

func cloneMat(m gocv.Mat) gocv.Mat {
	if m.Empty() {
		return gocv.NewMat()
	}
	return m.Clone()
}

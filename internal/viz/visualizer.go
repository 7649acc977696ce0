package viz

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"

	"gocv.io/x/gocv"

	"github.com/ayusman/oaklog/internal/bundle"
)

// Entity paths.
const (
	PathCamera     = "oak"
	PathRGB        = "oak/rgb"
	PathDepth      = "oak/depth"
	PathBoxes2D    = "oak/rgb/boxes"
	PathSemantics  = "oak/semantics"
	PathRobot      = "planning/map/robot"
	PathObjects    = "planning/map/objects"
	PathConfidence = "dashboard/confidence/"
	PathInfo       = "oak/info"
)

// DefaultFocalLength approximates the color camera of the device in pixels.
const DefaultFocalLength = 800

// DepthMeter is the number of depth units per meter (depth is in mm).
const DepthMeter = 1000

const (
	boxHalfSize  = 0.1
	robotRadius  = 0.05
	objectRadius = 0.1
	mediaPNG     = "image/png"
	mediaMD      = "text/markdown"
)

// Logged is an entity paired with the path it is logged under.
type Logged struct {
	Path   string
	Entity Entity
}

// Stats counts visualizer outcomes.
type Stats struct {
	Frames  uint64 `json:"frames"`
	Skipped uint64 `json:"skipped"`
	Errors  uint64 `json:"errors"`
}

// Visualizer is the visualization consumer.
type Visualizer struct {
	session     Session
	focalLength float64
	logger      *slog.Logger

	frames  atomic.Uint64
	skipped atomic.Uint64
	errs    atomic.Uint64
}

// Option configures a Visualizer.
type Option func(*Visualizer)

// WithFocalLength sets the pinhole focal length in pixels.
func WithFocalLength(f float64) Option {
	return func(v *Visualizer) {
		if f > 0 {
			v.focalLength = f
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(v *Visualizer) { v.logger = logger }
}

// New creates a visualizer that logs to session.
func New(session Session, opts ...Option) *Visualizer {
	v := &Visualizer{
		session:     session,
		focalLength: DefaultFocalLength,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Stats returns a snapshot of the counters.
func (v *Visualizer) Stats() Stats {
	return Stats{Frames: v.frames.Load(), Skipped: v.skipped.Load(), Errors: v.errs.Load()}
}

// Consume logs the entities of b. Bundles without a color image are
// skipped. A failing Log does not prevent the remaining entities from
// being logged; all failures are returned together.
func (v *Visualizer) Consume(ctx context.Context, seq uint64, b *bundle.Bundle) error {
	if !b.HasColor() {
		v.skipped.Add(1)
		return nil
	}

	entities, err := Entities(b, v.focalLength)
	if err != nil {
		v.errs.Add(1)
		return err
	}

	if tl, ok := v.session.(Timeline); ok {
		tl.SetFrame(seq, b.Timestamp)
	}

	var errs []error
	for _, l := range entities {
		if err := v.session.Log(l.Path, l.Entity); err != nil {
			errs = append(errs, fmt.Errorf("log %s: %w", l.Path, err))
		}
	}
	v.frames.Add(1)

	if len(errs) > 0 {
		v.errs.Add(1)
		return errors.Join(errs...)
	}
	return nil
}

// Entities builds the scene for one bundle, in logging order.
func Entities(b *bundle.Bundle, focalLength float64) ([]Logged, error) {
	if !b.HasColor() {
		return nil, bundle.ErrMissingColor
	}

	out := []Logged{{PathCamera, Pinhole{
		FocalLength: focalLength,
		Width:       b.Color.Cols(),
		Height:      b.Color.Rows(),
	}}}

	rgb, err := encodePNG(b.Color)
	if err != nil {
		return nil, fmt.Errorf("encode color: %w", err)
	}
	out = append(out, Logged{PathRGB, Image{
		Width:      b.Color.Cols(),
		Height:     b.Color.Rows(),
		ColorModel: "RGB",
		MediaType:  mediaPNG,
		Data:       rgb,
	}})

	if b.HasDepth() {
		depth, err := encodePNG(b.Depth)
		if err != nil {
			return nil, fmt.Errorf("encode depth: %w", err)
		}
		out = append(out, Logged{PathDepth, DepthImage{
			Width:     b.Depth.Cols(),
			Height:    b.Depth.Rows(),
			Meter:     DepthMeter,
			MediaType: mediaPNG,
			Data:      depth,
		}})
	}

	dets := b.Detections
	if len(dets) > 0 {
		boxes := Boxes2D{}
		for _, d := range dets {
			boxes.Mins = append(boxes.Mins, [2]float64{d.XMin, d.YMin})
			boxes.Sizes = append(boxes.Sizes, [2]float64{d.Width(), d.Height()})
			boxes.Labels = append(boxes.Labels, fmt.Sprintf("%s %.2f", d.Label, d.Confidence))
			boxes.ClassIDs = append(boxes.ClassIDs, 1)
		}
		out = append(out, Logged{PathBoxes2D, boxes})
	}

	var (
		semantics Boxes3D
		objects   Points2D
	)
	for _, d := range dets {
		p := d.PositionMeters()
		c := LabelColor(d.Label)

		semantics.Centers = append(semantics.Centers, [3]float64{p.X, p.Y, p.Z})
		semantics.HalfSizes = append(semantics.HalfSizes, [3]float64{boxHalfSize, boxHalfSize, boxHalfSize})
		semantics.Labels = append(semantics.Labels, fmt.Sprintf("%s (%dmm)", d.Label, int(d.Z)))
		semantics.Colors = append(semantics.Colors, c)

		// Top-down map: camera X to the right, camera Z forward.
		objects.Positions = append(objects.Positions, [2]float64{p.X, p.Z})
		objects.Colors = append(objects.Colors, c)
		objects.Labels = append(objects.Labels, d.Label)
		objects.Radii = append(objects.Radii, objectRadius)

		out = append(out, Logged{PathConfidence + d.Label, Scalar{Value: d.Confidence}})
	}
	if len(dets) > 0 {
		out = append(out, Logged{PathSemantics, semantics})
	}

	out = append(out, Logged{PathRobot, Points2D{
		Positions: [][2]float64{{0, 0}},
		Radii:     []float64{robotRadius},
		Colors:    []uint32{ColorWhite},
		Labels:    []string{"Me"},
	}})
	if len(dets) > 0 {
		out = append(out, Logged{PathObjects, objects})
	}

	out = append(out, Logged{PathInfo, TextDocument{Text: Summary(dets), MediaType: mediaMD}})
	return out, nil
}

// Summary renders the detections as a markdown list.
func Summary(dets []bundle.Detection) string {
	var sb strings.Builder
	sb.WriteString("# Detections\n\n")
	for _, d := range dets {
		fmt.Fprintf(&sb, "* **%s** (conf: %.6g)\n  * z: %.6g mm\n", d.Label, d.Confidence, d.Z)
	}
	return sb.String()
}

// encodePNG encodes m losslessly. Color input is BGR; the PNG encoder
// writes it out in RGB order.
func encodePNG(m gocv.Mat) ([]byte, error) {
	buf, err := gocv.IMEncode(gocv.PNGFileExt, m)
	if err != nil {
		return nil, err
	}
	defer buf.Close()

	data := buf.GetBytes()
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

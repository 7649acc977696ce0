package capture

import (
	"context"
	"errors"
	"time"

	"gocv.io/x/gocv"

	"github.com/ayusman/oaklog/internal/bundle"
)

// PipelineConfig holds the pipeline-construction parameters handed to a device.
type PipelineConfig struct {
	// Model is the detection network name, e.g. "yolov6-nano".
	Model string `json:"model"`
	// FPS is the color camera and network rate.
	FPS int `json:"fps"`
	// MonoWidth and MonoHeight set the stereo pair resolution.
	MonoWidth  int `json:"mono_width"`
	MonoHeight int `json:"mono_height"`
	// BBoxScaleFactor shrinks each box before sampling depth for the spatial estimate.
	BBoxScaleFactor float64 `json:"bbox_scale_factor"`
	// DepthLowerMM and DepthUpperMM bound the depth values used for spatial estimates.
	DepthLowerMM int `json:"depth_lower_mm"`
	DepthUpperMM int `json:"depth_upper_mm"`
	// ConfidenceFloor drops detections below this score.
	ConfidenceFloor float64 `json:"confidence_floor"`
	// DepthEnabled turns stereo depth computation on.
	DepthEnabled bool `json:"depth_enabled"`
}

// DefaultPipelineConfig returns the parameters used when nothing is configured.
func DefaultPipelineConfig() PipelineConfig {
	return PipelineConfig{
		Model:           "yolov6-nano",
		FPS:             30,
		MonoWidth:       640,
		MonoHeight:      400,
		BBoxScaleFactor: 0.5,
		DepthLowerMM:    100,
		DepthUpperMM:    5000,
		ConfidenceFloor: 0.5,
		DepthEnabled:    true,
	}
}

// RawDetection is a detection as emitted by the network, before label
// resolution and box scaling.
type RawDetection struct {
	LabelIndex int     `msgpack:"label_index" json:"label_index"`
	Label      string  `msgpack:"label" json:"label"`
	Confidence float64 `msgpack:"confidence" json:"confidence"`
	X          float64 `msgpack:"x" json:"x"`
	Y          float64 `msgpack:"y" json:"y"`
	Z          float64 `msgpack:"z" json:"z"`
	XMin       float64 `msgpack:"xmin" json:"xmin"`
	YMin       float64 `msgpack:"ymin" json:"ymin"`
	XMax       float64 `msgpack:"xmax" json:"xmax"`
	YMax       float64 `msgpack:"ymax" json:"ymax"`
}

// Group is one detection result together with the color and depth frames it
// was computed from. A Group is read as a unit and never split.
type Group struct {
	Seq        uint64
	Timestamp  time.Time
	Detections []RawDetection
	// Normalized marks detection boxes as fractions of the color image size.
	// Networks may report values slightly outside [0,1] for objects that touch
	// the frame edge; those are still fractions.
	Normalized bool
	Color      gocv.Mat
	Depth      gocv.Mat
}

// Close releases the group's images.
func (g *Group) Close() error {
	if g == nil {
		return nil
	}
	return errors.Join(g.Color.Close(), g.Depth.Close())
}

// GroupReader is the only way to read the detection, color and depth
// sub-streams: one call yields all three for the same instant or nothing.
type GroupReader interface {
	// ReadGroup blocks until a complete group is available, the timeout
	// elapses (ErrGroupTimeout) or the reader is closed (ErrGroupClosed).
	ReadGroup(ctx context.Context, timeout time.Duration) (*Group, error)

	// Classes returns the class table published by the model, if any.
	Classes() bundle.LabelMap

	// Close stops the underlying pipeline.
	Close() error
}

// Device builds a capture/inference pipeline on some hardware.
type Device interface {
	Open(ctx context.Context, cfg PipelineConfig) (GroupReader, error)
}

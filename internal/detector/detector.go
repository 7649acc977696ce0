// Package detector runs object detection on color frames for drivers that
// have no on-device inference.
package detector

import (
	"gocv.io/x/gocv"

	"github.com/ayusman/oaklog/internal/bundle"
	"github.com/ayusman/oaklog/internal/capture"
)

// Detector defines the interface for object detection implementations.
type Detector interface {
	// Detect analyzes a video frame and returns detected objects with boxes
	// normalized to [0,1]. Returns an empty slice if nothing was found.
	Detect(frame *gocv.Mat) ([]capture.RawDetection, error)

	// Classes returns the class table indexed by class id.
	Classes() bundle.LabelMap

	// Close releases any resources held by the detector.
	Close() error
}

// Config holds configuration options for object detection.
type Config struct {
	// ModelPath is the network weights file, e.g. frozen_inference_graph.pb.
	ModelPath string

	// ConfigPath is the network description file, e.g. a .pbtxt.
	ConfigPath string

	// MinConfidence is the minimum detection confidence threshold (0.0-1.0).
	MinConfidence float64

	// InputSize is the square network input size in pixels (default: 300).
	InputSize int
}

// DefaultConfig returns a Config with sensible default values.
func DefaultConfig() Config {
	return Config{
		MinConfidence: 0.5,
		InputSize:     300,
	}
}

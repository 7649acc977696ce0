package detector

import (
	"errors"
	"fmt"
	"image"
	"os"
	"sync"

	"gocv.io/x/gocv"

	"github.com/ayusman/oaklog/internal/bundle"
	"github.com/ayusman/oaklog/internal/capture"
)

// ErrDetectorClosed is returned by Detect after Close.
var ErrDetectorClosed = errors.New("detector is closed")

// COCOLabels is the 91-entry class table of the TensorFlow COCO SSD models,
// indexed by class id.
var COCOLabels = bundle.LabelMap{
	"background", "person", "bicycle", "car", "motorcycle", "airplane", "bus",
	"train", "truck", "boat", "traffic light", "fire hydrant", "street sign",
	"stop sign", "parking meter", "bench", "bird", "cat", "dog", "horse",
	"sheep", "cow", "elephant", "bear", "zebra", "giraffe", "hat", "backpack",
	"umbrella", "shoe", "eye glasses", "handbag", "tie", "suitcase", "frisbee",
	"skis", "snowboard", "sports ball", "kite", "baseball bat",
	"baseball glove", "skateboard", "surfboard", "tennis racket", "bottle",
	"plate", "wine glass", "cup", "fork", "knife", "spoon", "bowl", "banana",
	"apple", "sandwich", "orange", "broccoli", "carrot", "hot dog", "pizza",
	"donut", "cake", "chair", "couch", "potted plant", "bed", "mirror",
	"dining table", "window", "desk", "toilet", "door", "tv", "laptop",
	"mouse", "remote", "keyboard", "cell phone", "microwave", "oven",
	"toaster", "sink", "refrigerator", "blender", "book", "clock", "vase",
	"scissors", "teddy bear", "hair drier", "toothbrush",
}

// SSDDetector implements Detector with an OpenCV DNN single-shot detector.
type SSDDetector struct {
	config Config
	net    gocv.Net
	mu     sync.Mutex
	closed bool
}

// NewSSDDetector loads the network described by config.
func NewSSDDetector(config Config) (*SSDDetector, error) {
	if _, err := os.Stat(config.ModelPath); err != nil {
		return nil, fmt.Errorf("model file not found: %s", config.ModelPath)
	}
	if _, err := os.Stat(config.ConfigPath); err != nil {
		return nil, fmt.Errorf("config file not found: %s", config.ConfigPath)
	}
	if config.InputSize <= 0 {
		config.InputSize = DefaultConfig().InputSize
	}

	net := gocv.ReadNet(config.ModelPath, config.ConfigPath)
	if net.Empty() {
		return nil, fmt.Errorf("failed to load network from %s", config.ModelPath)
	}
	if err := net.SetPreferableBackend(gocv.NetBackendDefault); err != nil {
		net.Close()
		return nil, fmt.Errorf("set backend: %w", err)
	}
	if err := net.SetPreferableTarget(gocv.NetTargetCPU); err != nil {
		net.Close()
		return nil, fmt.Errorf("set target: %w", err)
	}

	return &SSDDetector{config: config, net: net}, nil
}

// Detect runs one forward pass over frame.
func (d *SSDDetector) Detect(frame *gocv.Mat) ([]capture.RawDetection, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil, ErrDetectorClosed
	}
	if frame == nil || frame.Empty() {
		return nil, nil
	}

	size := image.Pt(d.config.InputSize, d.config.InputSize)
	blob := gocv.BlobFromImage(*frame, 1.0/127.5, size, gocv.NewScalar(127.5, 127.5, 127.5, 0), true, false)
	defer blob.Close()

	d.net.SetInput(blob, "")
	output := d.net.Forward("")
	defer output.Close()

	return ParseSSDOutput(output, d.config.MinConfidence), nil
}

// Classes returns the COCO class table.
func (d *SSDDetector) Classes() bundle.LabelMap {
	return COCOLabels
}

// Close releases the network.
func (d *SSDDetector) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil
	}
	d.closed = true
	return d.net.Close()
}

// ParseSSDOutput decodes a DetectionOutput blob of [image, class, score,
// xmin, ymin, xmax, ymax] rows into detections with normalized boxes.
func ParseSSDOutput(output gocv.Mat, minConfidence float64) []capture.RawDetection {
	total := output.Total()
	if total < 7 {
		return nil
	}
	rows := output.Reshape(1, total/7)
	defer rows.Close()

	var results []capture.RawDetection
	for i := 0; i < rows.Rows(); i++ {
		confidence := float64(rows.GetFloatAt(i, 2))
		if confidence < minConfidence {
			continue
		}
		results = append(results, capture.RawDetection{
			LabelIndex: int(rows.GetFloatAt(i, 1)),
			Confidence: confidence,
			XMin:       float64(rows.GetFloatAt(i, 3)),
			YMin:       float64(rows.GetFloatAt(i, 4)),
			XMax:       float64(rows.GetFloatAt(i, 5)),
			YMax:       float64(rows.GetFloatAt(i, 6)),
		})
	}
	return results
}

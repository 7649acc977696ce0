package webcam

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"gocv.io/x/gocv"

	"github.com/ayusman/oaklog/internal/bundle"
	"github.com/ayusman/oaklog/internal/capture"
	"github.com/ayusman/oaklog/internal/detector"
)

// DefaultMaxReadFailures is the number of consecutive failed reads after which
// the camera is considered gone.
const DefaultMaxReadFailures = 30

// Device pairs a camera with a detector. Every frame read is run through the
// detector before it is returned, so a group is complete by construction.
type Device struct {
	camera          Camera
	detector        detector.Detector
	logger          *slog.Logger
	maxReadFailures int
}

// NewDevice creates a device. The device takes ownership of cam and det and
// closes both when its reader is closed.
func NewDevice(cam Camera, det detector.Detector, logger *slog.Logger) *Device {
	if logger == nil {
		logger = slog.Default()
	}
	return &Device{
		camera:          cam,
		detector:        det,
		logger:          logger,
		maxReadFailures: DefaultMaxReadFailures,
	}
}

// Open starts the camera.
func (d *Device) Open(ctx context.Context, cfg capture.PipelineConfig) (capture.GroupReader, error) {
	if err := d.camera.Open(cfg.FPS); err != nil {
		return nil, fmt.Errorf("%w: %v", capture.ErrDeviceUnavailable, err)
	}
	d.logger.Info("webcam opened", "fps", cfg.FPS, "depth", false)
	return &reader{device: d}, nil
}

type reader struct {
	device *Device

	mu       sync.Mutex
	seq      uint64
	failures int
	closed   bool
}

// ReadGroup reads one frame and runs detection on it. Camera reads block
// for at most one frame period, so timeout is not enforced separately.
func (r *reader) ReadGroup(ctx context.Context, timeout time.Duration) (*capture.Group, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, capture.ErrGroupClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	frame, err := r.device.camera.ReadFrame()
	if err != nil {
		if errors.Is(err, ErrNoMoreFrames) || errors.Is(err, ErrCameraNotOpen) {
			return nil, fmt.Errorf("%w: %v", capture.ErrGroupClosed, err)
		}
		r.failures++
		if r.failures >= r.device.maxReadFailures {
			return nil, fmt.Errorf("%w: %d consecutive read failures: %v", capture.ErrGroupClosed, r.failures, err)
		}
		return nil, capture.ErrGroupTimeout
	}
	r.failures = 0
	ts := time.Now()

	dets, err := r.device.detector.Detect(frame)
	if err != nil {
		frame.Close()
		r.device.logger.Warn("detection failed, frame dropped", "error", err)
		return nil, capture.ErrGroupTimeout
	}

	g := &capture.Group{
		Seq:        r.seq,
		Timestamp:  ts,
		Detections: dets,
		Normalized: true,
		Color:      *frame,
		Depth:      gocv.NewMat(),
	}
	r.seq++
	return g, nil
}

func (r *reader) Classes() bundle.LabelMap {
	return r.device.detector.Classes()
}

func (r *reader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil
	}
	r.closed = true
	return errors.Join(r.device.camera.Close(), r.device.detector.Close())
}

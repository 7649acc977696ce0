package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/ayusman/oaklog/internal/bundle"
)

// SyncedSource adapts a Device into a Source. Each Poll performs exactly one
// ReadGroup, so a bundle is always built from one detection result and the
// frames it was computed from.
type SyncedSource struct {
	device  Device
	cfg     PipelineConfig
	timeout time.Duration
	logger  *slog.Logger

	mu      sync.Mutex
	reader  GroupReader
	labels  bundle.LabelMap
	lastTS  time.Time
	skipped uint64
}

// SyncedOption configures a SyncedSource.
type SyncedOption func(*SyncedSource)

// WithPollTimeout sets how long a single Poll waits for a group.
func WithPollTimeout(d time.Duration) SyncedOption {
	return func(s *SyncedSource) { s.timeout = d }
}

// WithLogger sets the logger used for dropped groups.
func WithLogger(l *slog.Logger) SyncedOption {
	return func(s *SyncedSource) { s.logger = l }
}

// NewSyncedSource creates a Source over device.
func NewSyncedSource(device Device, cfg PipelineConfig, opts ...SyncedOption) *SyncedSource {
	s := &SyncedSource{
		device:  device,
		cfg:     cfg,
		timeout: 100 * time.Millisecond,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start opens the device pipeline.
func (s *SyncedSource) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.reader != nil {
		return nil
	}
	if s.device == nil {
		return fmt.Errorf("%w: no device configured", ErrDeviceUnavailable)
	}

	r, err := s.device.Open(ctx, s.cfg)
	if err != nil {
		if errors.Is(err, ErrDeviceUnavailable) {
			return err
		}
		return fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
	}
	s.reader = r
	s.labels = r.Classes()
	s.logger.Info("capture pipeline started",
		"model", s.cfg.Model, "fps", s.cfg.FPS, "classes", len(s.labels))
	return nil
}

// Poll reads one group and converts it into a bundle.
func (s *SyncedSource) Poll(ctx context.Context) (*bundle.Bundle, bool, error) {
	s.mu.Lock()
	r := s.reader
	s.mu.Unlock()

	if r == nil {
		return nil, false, fmt.Errorf("%w: not started", ErrPipelineStopped)
	}

	g, err := r.ReadGroup(ctx, s.timeout)
	switch {
	case err == nil:
	case errors.Is(err, ErrGroupTimeout), errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return nil, false, nil
	case errors.Is(err, ErrPipelineStopped):
		return nil, false, err
	default:
		return nil, false, fmt.Errorf("%w: %v", ErrPipelineStopped, err)
	}

	if g.Color.Empty() {
		g.Close()
		s.mu.Lock()
		s.skipped++
		s.mu.Unlock()
		s.logger.Debug("group without color image dropped", "seq", g.Seq)
		return nil, false, nil
	}

	s.mu.Lock()
	ts := g.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	if !s.lastTS.IsZero() && ts.Before(s.lastTS) {
		ts = s.lastTS
	}
	s.lastTS = ts
	labels := s.labels
	s.mu.Unlock()

	dets := ConvertDetections(g.Detections, labels, g.Color.Cols(), g.Color.Rows(), g.Normalized, s.cfg.ConfidenceFloor)
	return bundle.New(ts, g.Color, g.Depth, dets), true, nil
}

// Stop closes the pipeline. It is idempotent.
func (s *SyncedSource) Stop() error {
	s.mu.Lock()
	r := s.reader
	s.reader = nil
	s.mu.Unlock()

	if r == nil {
		return nil
	}
	s.logger.Info("capture pipeline stopping")
	return r.Close()
}

// Skipped returns the number of groups dropped for lacking a color image.
func (s *SyncedSource) Skipped() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.skipped
}

// ConvertDetections resolves labels, applies the confidence floor and maps
// boxes into pixel space of a width x height image. When normalized is set
// every box is scaled by the image size before clamping. A detection with a
// NaN box is dropped; a NaN spatial coordinate is reported as zero.
func ConvertDetections(raw []RawDetection, labels bundle.LabelMap, width, height int, normalized bool, floor float64) []bundle.Detection {
	out := make([]bundle.Detection, 0, len(raw))
	w, h := float64(width), float64(height)

	for _, r := range raw {
		if math.IsNaN(r.Confidence) || r.Confidence < floor {
			continue
		}

		label := r.Label
		if label == "" {
			label = labels.Resolve(r.LabelIndex)
		}

		xmin, ymin, xmax, ymax := r.XMin, r.YMin, r.XMax, r.YMax
		if anyNaN(xmin, ymin, xmax, ymax) {
			continue
		}
		if normalized {
			xmin, xmax = xmin*w, xmax*w
			ymin, ymax = ymin*h, ymax*h
		}
		if xmin > xmax {
			xmin, xmax = xmax, xmin
		}
		if ymin > ymax {
			ymin, ymax = ymax, ymin
		}

		out = append(out, bundle.Detection{
			Label:      label,
			Confidence: clamp(r.Confidence, 0, 1),
			X:          finite(r.X),
			Y:          finite(r.Y),
			Z:          finite(r.Z),
			XMin:       clamp(xmin, 0, w),
			YMin:       clamp(ymin, 0, h),
			XMax:       clamp(xmax, 0, w),
			YMax:       clamp(ymax, 0, h),
		})
	}
	return out
}

func finite(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return v
}

func anyNaN(vs ...float64) bool {
	for _, v := range vs {
		if math.IsNaN(v) {
			return true
		}
	}
	return false
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

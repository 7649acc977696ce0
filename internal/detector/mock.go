package detector

import (
	"sync"

	"gocv.io/x/gocv"

	"github.com/ayusman/oaklog/internal/bundle"
	"github.com/ayusman/oaklog/internal/capture"
)

// MockDetector is a test implementation of the Detector interface.
// It allows tests to control the detection results.
type MockDetector struct {
	mu         sync.Mutex
	detections []capture.RawDetection
	classes    bundle.LabelMap
	err        error
	calls      int
	closed     bool
}

// NewMockDetector creates a new MockDetector instance.
func NewMockDetector() *MockDetector {
	return &MockDetector{}
}

// SetDetections sets the detections that will be returned by Detect.
func (m *MockDetector) SetDetections(dets []capture.RawDetection) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.detections = dets
}

// SetClasses sets the class table returned by Classes.
func (m *MockDetector) SetClasses(classes bundle.LabelMap) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.classes = classes
}

// SetError sets the error that will be returned by Detect.
func (m *MockDetector) SetError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

// Detect returns the pre-configured detections or error.
func (m *MockDetector) Detect(frame *gocv.Mat) ([]capture.RawDetection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls++
	if m.err != nil {
		return nil, m.err
	}
	if m.detections == nil {
		return nil, nil
	}
	out := make([]capture.RawDetection, len(m.detections))
	copy(out, m.detections)
	return out, nil
}

// Classes returns the configured class table.
func (m *MockDetector) Classes() bundle.LabelMap {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.classes
}

// Calls returns how many times Detect was called.
func (m *MockDetector) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// Closed reports whether Close was called.
func (m *MockDetector) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// Close marks the detector closed.
func (m *MockDetector) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Package webcam implements a capture device on top of an ordinary
// video-capture camera and a host-side object detector. It produces color
// frames and detections but no depth.
package webcam

import (
	"errors"
	"fmt"
	"sync"

	"gocv.io/x/gocv"
)

// Default camera settings
const (
	DefaultWidth  = 640
	DefaultHeight = 480
)

var (
	// ErrCameraNotOpen is returned when trying to read from a camera that is not open.
	ErrCameraNotOpen = errors.New("camera is not open")

	// ErrNoMoreFrames is returned when a finite frame source is exhausted.
	ErrNoMoreFrames = errors.New("no more frames")
)

// Camera is a source of BGR color frames.
type Camera interface {
	// Open starts capture at the requested rate. Opening an open camera is a no-op.
	Open(fps int) error
	// ReadFrame blocks for the next frame. The caller closes the returned Mat.
	ReadFrame() (*gocv.Mat, error)
	Close() error
	IsOpen() bool
}

type videoCamera struct {
	deviceID      int
	width, height int

	mu      sync.Mutex
	capture *gocv.VideoCapture
}

// NewCamera returns a Camera for the video device with the given index.
// Non-positive dimensions fall back to 640x480.
func NewCamera(deviceID, width, height int) Camera {
	if width <= 0 || height <= 0 {
		width, height = DefaultWidth, DefaultHeight
	}
	return &videoCamera{deviceID: deviceID, width: width, height: height}
}

func (c *videoCamera) Open(fps int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.capture != nil {
		return nil
	}

	vc, err := gocv.OpenVideoCapture(c.deviceID)
	if err != nil {
		return fmt.Errorf("open video device %d: %w", c.deviceID, err)
	}
	if !vc.IsOpened() {
		vc.Close()
		return fmt.Errorf("video device %d did not open", c.deviceID)
	}

	vc.Set(gocv.VideoCaptureFrameWidth, float64(c.width))
	vc.Set(gocv.VideoCaptureFrameHeight, float64(c.height))
	if fps > 0 {
		vc.Set(gocv.VideoCaptureFPS, float64(fps))
	}

	c.capture = vc
	return nil
}

func (c *videoCamera) ReadFrame() (*gocv.Mat, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.capture == nil {
		return nil, ErrCameraNotOpen
	}

	mat := gocv.NewMat()
	if ok := c.capture.Read(&mat); !ok || mat.Empty() {
		mat.Close()
		return nil, fmt.Errorf("read frame from device %d failed", c.deviceID)
	}
	return &mat, nil
}

func (c *videoCamera) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.capture == nil {
		return nil
	}
	err := c.capture.Close()
	c.capture = nil
	return err
}

func (c *videoCamera) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.capture != nil
}

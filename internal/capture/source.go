// Package capture owns the camera/inference pipeline lifecycle and turns its
// causally aligned outputs into synchronized frame bundles.
package capture

import (
	"context"
	"errors"

	"github.com/ayusman/oaklog/internal/bundle"
)

var (
	// ErrDeviceUnavailable is returned by Start when the pipeline cannot be
	// built or the device cannot be reached. It is fatal to the process.
	ErrDeviceUnavailable = errors.New("capture device unavailable")

	// ErrPipelineStopped is returned by Poll when the pipeline stopped
	// unexpectedly while running.
	ErrPipelineStopped = errors.New("capture pipeline stopped")

	// ErrGroupTimeout is returned by GroupReader.ReadGroup when no complete
	// group arrived within the timeout.
	ErrGroupTimeout = errors.New("no synchronized group within timeout")

	// ErrGroupClosed is returned by GroupReader.ReadGroup once the reader has
	// been closed or its producer has gone away.
	ErrGroupClosed = errors.New("group reader closed")
)

// Source produces a logical stream of synchronized frame bundles.
type Source interface {
	// Start builds and starts the capture pipeline. Calling Start again after
	// a successful start is a no-op. Failures wrap ErrDeviceUnavailable.
	Start(ctx context.Context) error

	// Poll attempts to produce the next bundle with a single best-effort read.
	// It returns ready=false with a nil error when no synchronized result is
	// available yet; callers retry. Hard failures wrap ErrPipelineStopped.
	Poll(ctx context.Context) (b *bundle.Bundle, ready bool, err error)

	// Stop tears the pipeline down. It is idempotent and safe after a failed Start.
	Stop() error
}

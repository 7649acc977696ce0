package bridge

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/vmihailenco/msgpack/v5"
	"gocv.io/x/gocv"

	"github.com/ayusman/oaklog/internal/capture"
)

// MaxFrameSize bounds a single envelope on the wire.
const MaxFrameSize = 64 << 20

// Envelope kinds.
const (
	KindClasses    = "classes"
	KindDetections = "detections"
	KindColor      = "color"
	KindDepth      = "depth"
	KindError      = "error"
)

// ErrFrameTooLarge is returned when a length prefix exceeds MaxFrameSize.
var ErrFrameTooLarge = errors.New("bridge frame exceeds size limit")

// Envelope is one message from the bridge process. Images carry raw pixel
// data in OpenCV layout; detections carry the device's spatial estimates.
type Envelope struct {
	Kind        string                 `msgpack:"kind"`
	Seq         uint64                 `msgpack:"seq"`
	TimestampNS int64                  `msgpack:"ts_ns"`
	Width       int                    `msgpack:"width"`
	Height      int                    `msgpack:"height"`
	MatType     int                    `msgpack:"mat_type"`
	Data        []byte                 `msgpack:"data"`
	Detections  []capture.RawDetection `msgpack:"detections"`
	Classes     []string               `msgpack:"classes"`
	Error       string                 `msgpack:"error"`
}

// Timestamp returns the envelope time.
func (e *Envelope) Timestamp() time.Time {
	return time.Unix(0, e.TimestampNS)
}

// Message converts a data envelope into a matcher message. The returned
// image, if any, is owned by the caller.
func (e *Envelope) Message() (capture.Message, error) {
	msg := capture.Message{Seq: e.Seq, Timestamp: e.Timestamp()}

	switch e.Kind {
	case KindDetections:
		msg.Kind = capture.KindDetections
		msg.Detections = e.Detections
		return msg, nil
	case KindColor:
		msg.Kind = capture.KindColor
	case KindDepth:
		msg.Kind = capture.KindDepth
	default:
		return msg, fmt.Errorf("envelope kind %q carries no stream data", e.Kind)
	}

	if e.Width <= 0 || e.Height <= 0 {
		return msg, fmt.Errorf("%s envelope seq %d has size %dx%d", e.Kind, e.Seq, e.Width, e.Height)
	}
	view, err := gocv.NewMatFromBytes(e.Height, e.Width, gocv.MatType(e.MatType), e.Data)
	if err != nil {
		return msg, fmt.Errorf("decode %s envelope seq %d: %w", e.Kind, e.Seq, err)
	}
	defer view.Close()

	// The view aliases e.Data; detach it.
	msg.Image = view.Clone()
	return msg, nil
}

// WriteFrame writes v as a 4-byte big-endian length prefix followed by its
// msgpack encoding.
func WriteFrame(w io.Writer, v any) error {
	data, err := msgpack.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}
	if len(data) > MaxFrameSize {
		return ErrFrameTooLarge
	}

	prefix := make([]byte, 4)
	binary.BigEndian.PutUint32(prefix, uint32(len(data)))
	if _, err := w.Write(prefix); err != nil {
		return fmt.Errorf("write length prefix: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// ReadFrame reads one length-prefixed envelope. It returns io.EOF when the
// stream ends cleanly between frames.
func ReadFrame(r io.Reader) (*Envelope, error) {
	prefix := make([]byte, 4)
	if _, err := io.ReadFull(r, prefix); err != nil {
		return nil, err
	}

	n := binary.BigEndian.Uint32(prefix)
	if n > MaxFrameSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, n)
	}

	data := make([]byte, n)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, fmt.Errorf("read frame body: %w", err)
	}

	var env Envelope
	if err := msgpack.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("unmarshal frame: %w", err)
	}
	return &env, nil
}

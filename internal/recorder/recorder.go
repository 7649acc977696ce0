// Package recorder persists every delivered bundle to disk and, when a
// catalog is configured, indexes it in the sqlite store.
//
// Layout under the base path:
//
//	rgb/frame_<seq>.png        color image
//	depth/frame_<seq>.png      depth normalized to 8 bits
//	semantics/frame_<seq>.json timestamp and detections
package recorder

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"gocv.io/x/gocv"

	"github.com/ayusman/oaklog/internal/bundle"
	"github.com/ayusman/oaklog/internal/store"
)

// Subdirectories created under the base path.
const (
	RGBDir       = "rgb"
	DepthDir     = "depth"
	SemanticsDir = "semantics"
)

// ErrRecorderClosed is returned by Consume after Close.
var ErrRecorderClosed = errors.New("recorder closed")

// Semantics is the JSON document written for each bundle.
type Semantics struct {
	Timestamp  float64            `json:"timestamp"`
	Detections []bundle.Detection `json:"detections"`
}

// Stats counts recorder outcomes.
type Stats struct {
	Saved  uint64 `json:"saved"`
	Failed uint64 `json:"failed"`
}

// Catalog describes the session row created when a store is attached.
type Catalog struct {
	Store  *store.Store
	Name   string
	Driver string
	Model  string
}

// Recorder is the persistence consumer.
type Recorder struct {
	basePath string
	logger   *slog.Logger
	catalog  *Catalog
	session  string

	saved  atomic.Uint64
	failed atomic.Uint64

	mu     sync.Mutex
	closed bool
}

// Option configures a Recorder.
type Option func(*Recorder)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Recorder) { r.logger = logger }
}

// WithCatalog records every saved frame in the given store.
func WithCatalog(c Catalog) Option {
	return func(r *Recorder) { r.catalog = &c }
}

// New creates the directory layout under basePath and, when a catalog is
// configured, opens a new session in it.
func New(basePath string, opts ...Option) (*Recorder, error) {
	r := &Recorder{
		basePath: basePath,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}

	for _, dir := range []string{RGBDir, DepthDir, SemanticsDir} {
		if err := os.MkdirAll(filepath.Join(basePath, dir), 0755); err != nil {
			return nil, fmt.Errorf("create %s directory: %w", dir, err)
		}
	}

	if r.catalog != nil && r.catalog.Store != nil {
		sess := &store.Session{
			ID:       uuid.NewString(),
			Name:     r.catalog.Name,
			BasePath: basePath,
			Driver:   r.catalog.Driver,
			Model:    r.catalog.Model,
		}
		if err := r.catalog.Store.Sessions().Create(sess); err != nil {
			return nil, fmt.Errorf("create catalog session: %w", err)
		}
		r.session = sess.ID
		r.logger.Info("catalog session opened", "session", sess.ID, "catalog", r.catalog.Store.Path())
	}

	return r, nil
}

// SessionID returns the catalog session id, or "" without a catalog.
func (r *Recorder) SessionID() string {
	return r.session
}

// BasePath returns the output directory.
func (r *Recorder) BasePath() string {
	return r.basePath
}

// Stats returns a snapshot of the counters.
func (r *Recorder) Stats() Stats {
	return Stats{Saved: r.saved.Load(), Failed: r.failed.Load()}
}

// Paths returns the three output paths for seq, relative to the base path.
func Paths(seq uint64) (rgb, depth, semantics string) {
	name := fmt.Sprintf("frame_%d", seq)
	return filepath.Join(RGBDir, name+".png"),
		filepath.Join(DepthDir, name+".png"),
		filepath.Join(SemanticsDir, name+".json")
}

// Consume writes the color image, the normalized depth image and the
// semantics document for b. Missing images are skipped; the semantics
// document is always written.
func (r *Recorder) Consume(ctx context.Context, seq uint64, b *bundle.Bundle) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrRecorderClosed
	}

	if err := r.save(seq, b); err != nil {
		r.failed.Add(1)
		return err
	}
	r.saved.Add(1)
	return nil
}

func (r *Recorder) save(seq uint64, b *bundle.Bundle) error {
	rgbRel, depthRel, semRel := Paths(seq)

	if b.HasColor() {
		if ok := gocv.IMWrite(r.abs(rgbRel), b.Color); !ok {
			return fmt.Errorf("write color frame %d", seq)
		}
	} else {
		rgbRel = ""
	}

	if b.HasDepth() {
		if err := writeDepth(r.abs(depthRel), b.Depth); err != nil {
			return fmt.Errorf("write depth frame %d: %w", seq, err)
		}
	} else {
		depthRel = ""
	}

	doc := Semantics{
		Timestamp:  Seconds(b.Timestamp),
		Detections: b.Detections,
	}
	if doc.Detections == nil {
		doc.Detections = []bundle.Detection{}
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encode semantics %d: %w", seq, err)
	}
	if err := os.WriteFile(r.abs(semRel), data, 0644); err != nil {
		return fmt.Errorf("write semantics %d: %w", seq, err)
	}

	if r.session == "" {
		return nil
	}
	frame := &store.Frame{
		SessionID:     r.session,
		Seq:           seq,
		Timestamp:     doc.Timestamp,
		RGBPath:       rgbRel,
		DepthPath:     depthRel,
		SemanticsPath: semRel,
		Detections:    b.Detections,
	}
	if err := r.catalog.Store.Frames().Insert(frame); err != nil {
		return fmt.Errorf("catalog frame %d: %w", seq, err)
	}
	return nil
}

// Close ends the catalog session. Further Consume calls fail.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true

	stats := r.Stats()
	r.logger.Info("recorder closed", "saved", stats.Saved, "failed", stats.Failed, "path", r.basePath)

	if r.session == "" {
		return nil
	}
	if err := r.catalog.Store.Sessions().End(r.session, int(stats.Saved)); err != nil {
		return fmt.Errorf("end catalog session: %w", err)
	}
	return nil
}

func (r *Recorder) abs(rel string) string {
	return filepath.Join(r.basePath, rel)
}

// Seconds converts t to fractional seconds since the Unix epoch.
func Seconds(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}

// writeDepth stretches the depth range to 0..255 and writes an 8-bit PNG.
func writeDepth(path string, depth gocv.Mat) error {
	norm := gocv.NewMat()
	defer norm.Close()
	gocv.Normalize(depth, &norm, 0, 255, gocv.NormMinMax)

	vis := gocv.NewMat()
	defer vis.Close()
	if err := norm.ConvertTo(&vis, gocv.MatTypeCV8UC1); err != nil {
		return err
	}

	if ok := gocv.IMWrite(path, vis); !ok {
		return errors.New("imwrite failed")
	}
	return nil
}

package recorder

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gocv.io/x/gocv"

	"github.com/ayusman/oaklog/internal/bundle"
	"github.com/ayusman/oaklog/internal/bundle/bundletest"
	"github.com/ayusman/oaklog/internal/store"
)

func readSemantics(t *testing.T, base string, seq uint64) Semantics {
	t.Helper()
	_, _, rel := Paths(seq)
	data, err := os.ReadFile(filepath.Join(base, rel))
	require.NoError(t, err)

	var doc Semantics
	require.NoError(t, json.Unmarshal(data, &doc))
	return doc
}

func TestNew_CreatesLayout(t *testing.T) {
	base := filepath.Join(t.TempDir(), "data")

	r, err := New(base)
	require.NoError(t, err)
	defer r.Close()

	for _, dir := range []string{RGBDir, DepthDir, SemanticsDir} {
		info, err := os.Stat(filepath.Join(base, dir))
		require.NoError(t, err, dir)
		assert.True(t, info.IsDir())
	}
	assert.Empty(t, r.SessionID())
}

func TestPaths(t *testing.T) {
	rgb, depth, sem := Paths(12)
	assert.Equal(t, filepath.Join("rgb", "frame_12.png"), rgb)
	assert.Equal(t, filepath.Join("depth", "frame_12.png"), depth)
	assert.Equal(t, filepath.Join("semantics", "frame_12.json"), sem)
}

func TestRecorder_WritesAllThreeFiles(t *testing.T) {
	base := t.TempDir()
	r, err := New(base)
	require.NoError(t, err)
	defer r.Close()

	ts := time.Unix(1700000000, 250000000)
	b := bundletest.Bundle(ts, bundletest.TwoDetections())
	defer b.Close()

	require.NoError(t, r.Consume(context.Background(), 0, b))

	rgbRel, depthRel, _ := Paths(0)
	rgb := gocv.IMRead(filepath.Join(base, rgbRel), gocv.IMReadUnchanged)
	defer rgb.Close()
	require.False(t, rgb.Empty())
	assert.Equal(t, bundletest.Width, rgb.Cols())
	assert.Equal(t, bundletest.Height, rgb.Rows())

	depth := gocv.IMRead(filepath.Join(base, depthRel), gocv.IMReadUnchanged)
	defer depth.Close()
	require.False(t, depth.Empty())
	assert.Equal(t, gocv.MatTypeCV8UC1, depth.Type(), "depth is stored normalized to 8 bits")
	assert.Equal(t, uint8(0), depth.GetUCharAt(0, 0))
	assert.Equal(t, uint8(255), depth.GetUCharAt(0, bundletest.Width-1))

	doc := readSemantics(t, base, 0)
	assert.InDelta(t, 1700000000.25, doc.Timestamp, 1e-6)
	require.Len(t, doc.Detections, 2)
	assert.Equal(t, "A", doc.Detections[0].Label)
	assert.Equal(t, 1500.0, doc.Detections[0].Z)
	assert.Equal(t, "B", doc.Detections[1].Label)

	assert.Equal(t, Stats{Saved: 1}, r.Stats())
}

func TestRecorder_SemanticsFormat(t *testing.T) {
	base := t.TempDir()
	r, err := New(base)
	require.NoError(t, err)
	defer r.Close()

	b := bundletest.ColorOnly(time.Unix(10, 0), nil)
	defer b.Close()
	require.NoError(t, r.Consume(context.Background(), 3, b))

	_, _, rel := Paths(3)
	data, err := os.ReadFile(filepath.Join(base, rel))
	require.NoError(t, err)
	assert.Equal(t, "{\n  \"timestamp\": 10,\n  \"detections\": []\n}", string(data))
}

func TestRecorder_SkipsMissingDepth(t *testing.T) {
	base := t.TempDir()
	r, err := New(base)
	require.NoError(t, err)
	defer r.Close()

	b := bundletest.ColorOnly(time.Unix(1, 0), bundletest.TwoDetections())
	defer b.Close()
	require.NoError(t, r.Consume(context.Background(), 5, b))

	rgbRel, depthRel, semRel := Paths(5)
	assert.FileExists(t, filepath.Join(base, rgbRel))
	assert.NoFileExists(t, filepath.Join(base, depthRel))
	assert.FileExists(t, filepath.Join(base, semRel))
}

func TestRecorder_FilesFollowSequenceNumbers(t *testing.T) {
	base := t.TempDir()
	r, err := New(base)
	require.NoError(t, err)
	defer r.Close()

	for _, seq := range []uint64{0, 1, 2} {
		b := bundletest.Bundle(time.Unix(int64(seq), 0), []bundle.Detection{
			{Label: "person", Confidence: 0.5 + float64(seq)/10, Z: 1000},
		})
		require.NoError(t, r.Consume(context.Background(), seq, b))
		b.Close()
	}

	for _, seq := range []uint64{0, 1, 2} {
		doc := readSemantics(t, base, seq)
		assert.Equal(t, float64(seq), doc.Timestamp)
		require.Len(t, doc.Detections, 1)
		assert.InDelta(t, 0.5+float64(seq)/10, doc.Detections[0].Confidence, 1e-9)
	}
	assert.Equal(t, uint64(3), r.Stats().Saved)
}

func TestRecorder_FailureIsCounted(t *testing.T) {
	base := t.TempDir()
	r, err := New(base)
	require.NoError(t, err)
	defer r.Close()

	// A directory squatting on the semantics path makes the write fail.
	_, _, semRel := Paths(0)
	require.NoError(t, os.MkdirAll(filepath.Join(base, semRel), 0755))

	b := bundletest.ColorOnly(time.Unix(1, 0), nil)
	defer b.Close()
	assert.Error(t, r.Consume(context.Background(), 0, b))
	assert.Equal(t, Stats{Failed: 1}, r.Stats())
}

func TestRecorder_Catalog(t *testing.T) {
	base := t.TempDir()
	st, err := store.New(filepath.Join(base, "catalog.db"))
	require.NoError(t, err)
	defer st.Close()

	r, err := New(base, WithCatalog(Catalog{Store: st, Name: "oak_semantics_demo", Driver: "simulate", Model: "yolov6-nano"}))
	require.NoError(t, err)
	require.NotEmpty(t, r.SessionID())

	for seq := uint64(0); seq < 2; seq++ {
		b := bundletest.Bundle(time.Unix(100+int64(seq), 0), bundletest.TwoDetections())
		require.NoError(t, r.Consume(context.Background(), seq, b))
		b.Close()
	}
	require.NoError(t, r.Close())
	require.NoError(t, r.Close())

	f, err := st.Frames().Get(r.SessionID(), 1)
	require.NoError(t, err)
	assert.Equal(t, 101.0, f.Timestamp)
	assert.Equal(t, filepath.Join("rgb", "frame_1.png"), f.RGBPath)
	require.Len(t, f.Detections, 2)
	assert.Equal(t, "A", f.Detections[0].Label)

	sess, err := st.Sessions().GetByID(r.SessionID())
	require.NoError(t, err)
	assert.Equal(t, 2, sess.Frames)
	assert.NotNil(t, sess.EndedAt)
	assert.Equal(t, "simulate", sess.Driver)

	b := bundletest.ColorOnly(time.Unix(1, 0), nil)
	defer b.Close()
	assert.ErrorIs(t, r.Consume(context.Background(), 2, b), ErrRecorderClosed)
}

package e2e

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ayusman/oaklog/internal/app"
	"github.com/ayusman/oaklog/internal/bundle"
	"github.com/ayusman/oaklog/internal/bundle/bundletest"
	"github.com/ayusman/oaklog/internal/capture"
	"github.com/ayusman/oaklog/internal/config"
	"github.com/ayusman/oaklog/internal/pipeline"
	"github.com/ayusman/oaklog/internal/recorder"
	"github.com/ayusman/oaklog/internal/server"
	"github.com/ayusman/oaklog/internal/store"
	"github.com/ayusman/oaklog/internal/viz"
)

func e2eConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()

	cfg := config.Default()
	cfg.Device.Driver = config.DriverSimulate
	cfg.Loop.PollInterval = time.Millisecond
	cfg.Record.BasePath = filepath.Join(dir, "rec")
	cfg.Record.Catalog = filepath.Join(dir, "catalog.db")
	cfg.Viz.Queue = config.QueueConfig{Mode: "block", Size: 4}
	cfg.Viewer.Addr = ""
	return cfg
}

func TestE2E_ScriptedRunThroughAllConsumers(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping e2e test")
	}

	cfg := e2eConfig(t)
	cfg.Loop.MaxBundles = 1

	steps := append(capture.NotReady(5), capture.Ready(func() *bundle.Bundle {
		return bundletest.Bundle(time.Unix(1000, 500_000_000), bundletest.TwoDetections())
	}))
	src := capture.NewScriptedSource(steps...)
	session := viz.NewMemorySession()
	var beats atomic.Int32

	a, err := app.New(cfg, nil,
		app.WithSource(src),
		app.WithVizSession(session),
		app.WithHeartbeat(pipeline.HeartbeatFunc(func() { beats.Add(1) })),
	)
	require.NoError(t, err)

	require.NoError(t, a.Run(context.Background()))
	sessionID := a.Recorder().SessionID()
	require.NoError(t, a.Close())

	t.Run("Loop", func(t *testing.T) {
		assert.Equal(t, int32(5), beats.Load())
		assert.Equal(t, pipeline.StateStopped, a.Loop().State())
		assert.Equal(t, 1, src.Stops())
		assert.Equal(t, uint64(1), a.Loop().Stats().Delivered)
	})

	t.Run("Recorder", func(t *testing.T) {
		rgb, depth, sem := recorder.Paths(0)
		assert.FileExists(t, filepath.Join(cfg.Record.BasePath, rgb))
		assert.FileExists(t, filepath.Join(cfg.Record.BasePath, depth))

		data, err := os.ReadFile(filepath.Join(cfg.Record.BasePath, sem))
		require.NoError(t, err)

		var got recorder.Semantics
		require.NoError(t, json.Unmarshal(data, &got))
		assert.InDelta(t, 1000.5, got.Timestamp, 1e-6)
		require.Len(t, got.Detections, 2)
		assert.Equal(t, "A", got.Detections[0].Label)
		assert.Equal(t, "B", got.Detections[1].Label)
	})

	t.Run("Visualizer", func(t *testing.T) {
		boxes, ok := session.Last(viz.PathBoxes2D)
		require.True(t, ok)
		b2 := boxes.(viz.Boxes2D)
		require.Len(t, b2.Mins, 2)
		assert.Equal(t, [2]float64{100, 50}, b2.Mins[0])
		assert.Equal(t, [2]float64{100, 100}, b2.Sizes[0])
		assert.Equal(t, "A 0.90", b2.Labels[0])
		assert.Equal(t, "B 0.40", b2.Labels[1])
	})

	t.Run("CatalogAPI", func(t *testing.T) {
		st, err := store.New(cfg.Record.Catalog)
		require.NoError(t, err)
		defer st.Close()

		srv := server.New(server.Config{Store: st, SessionID: sessionID})
		ts := httptest.NewServer(srv)
		defer ts.Close()

		resp, err := ts.Client().Get(ts.URL + "/api/frames/0")
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)

		var frame struct {
			Seq        uint64             `json:"seq"`
			Detections []bundle.Detection `json:"detections"`
		}
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&frame))
		assert.Equal(t, uint64(0), frame.Seq)
		require.Len(t, frame.Detections, 2)
		assert.Equal(t, "A", frame.Detections[0].Label)
		assert.InDelta(t, 0.4, frame.Detections[1].Confidence, 1e-9)

		resp2, err := ts.Client().Get(ts.URL + "/api/sessions/" + sessionID)
		require.NoError(t, err)
		defer resp2.Body.Close()
		assert.Equal(t, http.StatusOK, resp2.StatusCode)
	})
}

func TestE2E_SimulatedRunProperties(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping e2e test")
	}

	cfg := e2eConfig(t)
	cfg.Loop.MaxBundles = 8

	a, err := app.New(cfg, nil)
	require.NoError(t, err)
	require.NoError(t, a.Run(context.Background()))
	require.NoError(t, a.Close())

	status := a.Status()
	assert.Equal(t, "stopped", status.State)
	assert.Equal(t, uint64(8), status.Loop.Delivered)
	assert.Equal(t, uint64(8), status.Recorder.Saved)

	for seq := uint64(0); seq < 8; seq++ {
		_, _, sem := recorder.Paths(seq)
		data, err := os.ReadFile(filepath.Join(cfg.Record.BasePath, sem))
		require.NoError(t, err, "sequence numbers have no gaps")

		var got recorder.Semantics
		require.NoError(t, json.Unmarshal(data, &got))
		for _, d := range got.Detections {
			assert.GreaterOrEqual(t, d.Confidence, 0.0)
			assert.LessOrEqual(t, d.Confidence, 1.0)
			assert.LessOrEqual(t, d.XMin, d.XMax)
			assert.LessOrEqual(t, d.YMin, d.YMax)
		}
	}
	_, _, next := recorder.Paths(8)
	assert.NoFileExists(t, filepath.Join(cfg.Record.BasePath, next))
}

func TestE2E_FailedSourceIsNotStoppedAgain(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping e2e test")
	}

	cfg := e2eConfig(t)
	src := capture.NewScriptedSource(
		capture.Ready(func() *bundle.Bundle {
			return bundletest.Bundle(time.Unix(1, 0), bundletest.TwoDetections())
		}),
		capture.Fail(errors.New("usb reset")),
	)

	a, err := app.New(cfg, nil, app.WithSource(src), app.WithVizSession(viz.NewMemorySession()))
	require.NoError(t, err)

	err = a.Run(context.Background())
	require.ErrorIs(t, err, capture.ErrPipelineStopped)
	assert.Equal(t, 0, src.Stops())
	require.NoError(t, a.Close())

	assert.Equal(t, pipeline.StateFailed, a.Loop().State())
	assert.Equal(t, 1, src.Stops(), "released once at shutdown")
	assert.Equal(t, uint64(1), a.Status().Recorder.Saved)
}

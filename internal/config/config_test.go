package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault_IsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, DriverBridge, cfg.Device.Driver)
	assert.Equal(t, "yolov6-nano", cfg.Device.Model)
	assert.Equal(t, 30, cfg.Device.FPS)
	assert.Equal(t, 640, cfg.Device.MonoWidth)
	assert.Equal(t, 400, cfg.Device.MonoHeight)
	assert.Equal(t, 0.5, cfg.Device.BBoxScaleFactor)
	assert.Equal(t, 100, cfg.Device.DepthLowerMM)
	assert.Equal(t, 5000, cfg.Device.DepthUpperMM)
	assert.Equal(t, 10*time.Millisecond, cfg.Loop.PollInterval)
	assert.Equal(t, "data", cfg.Record.BasePath)
	assert.Equal(t, "oak_semantics_demo", cfg.Viz.Session)
	assert.Equal(t, 800.0, cfg.Viz.FocalLength)
	assert.Empty(t, cfg.Notify.MQTT.Broker)
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoad_YAML(t *testing.T) {
	dir := t.TempDir()
	chdir(t, dir)

	path := writeFile(t, dir, "oaklog.yaml", `
device:
  driver: simulate
  fps: 15
  sync_tolerance: 5ms
loop:
  max_bundles: 100
  poll_interval: 20ms
record:
  base_path: /tmp/run1
  queue:
    mode: drop-newest
    size: 4
viz:
  enabled: false
log:
  format: json
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, DriverSimulate, cfg.Device.Driver)
	assert.Equal(t, 15, cfg.Device.FPS)
	assert.Equal(t, 5*time.Millisecond, cfg.Device.SyncTolerance)
	assert.Equal(t, uint64(100), cfg.Loop.MaxBundles)
	assert.Equal(t, 20*time.Millisecond, cfg.Loop.PollInterval)
	assert.Equal(t, "/tmp/run1", cfg.Record.BasePath)
	assert.Equal(t, QueueConfig{Mode: "drop-newest", Size: 4}, cfg.Record.Queue)
	assert.False(t, cfg.Viz.Enabled)
	assert.Equal(t, "json", cfg.Log.Format)

	// Untouched keys keep their defaults.
	assert.Equal(t, 640, cfg.Device.MonoWidth)
	assert.Equal(t, 100*time.Millisecond, cfg.Loop.PollTimeout)
}

func TestLoad_MissingFile(t *testing.T) {
	chdir(t, t.TempDir())
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalid))
}

func TestLoad_MalformedYAML(t *testing.T) {
	dir := t.TempDir()
	chdir(t, dir)
	path := writeFile(t, dir, "bad.yaml", "device: [unterminated")

	_, err := Load(path)
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	chdir(t, dir)
	path := writeFile(t, dir, "oaklog.yaml", "device:\n  fps: 15\n")

	t.Setenv("OAKLOG_DEVICE_FPS", "12")
	t.Setenv("OAKLOG_LOOP_POLL_TIMEOUT", "250ms")
	t.Setenv("OAKLOG_VIZ_ENABLED", "false")
	t.Setenv("OAKLOG_MQTT_BROKER", "localhost:1883")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 12, cfg.Device.FPS)
	assert.Equal(t, 250*time.Millisecond, cfg.Loop.PollTimeout)
	assert.False(t, cfg.Viz.Enabled)
	assert.Equal(t, "localhost:1883", cfg.Notify.MQTT.Broker)
}

func TestLoad_DotEnv(t *testing.T) {
	dir := t.TempDir()
	chdir(t, dir)
	writeFile(t, dir, ".env", "OAKLOG_DEVICE_DRIVER=webcam\nOAKLOG_DEVICE_CAMERA_ID=2\n")
	t.Cleanup(func() {
		os.Unsetenv("OAKLOG_DEVICE_DRIVER")
		os.Unsetenv("OAKLOG_DEVICE_CAMERA_ID")
	})

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, DriverWebcam, cfg.Device.Driver)
	assert.Equal(t, 2, cfg.Device.CameraID)
}

func TestApplyEnv_BadValue(t *testing.T) {
	cfg := Default()
	env := map[string]string{"OAKLOG_DEVICE_FPS": "fast"}

	err := cfg.ApplyEnv(func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	})
	assert.ErrorIs(t, err, ErrInvalid)
	assert.Contains(t, err.Error(), "OAKLOG_DEVICE_FPS")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
		want   string
	}{
		{"unknown driver", func(c *Config) { c.Device.Driver = "usb" }, "device.driver"},
		{"zero fps", func(c *Config) { c.Device.FPS = 0 }, "device.fps"},
		{"bbox scale", func(c *Config) { c.Device.BBoxScaleFactor = 1.5 }, "bbox_scale_factor"},
		{"depth window", func(c *Config) { c.Device.DepthLowerMM = 6000 }, "depth_lower_mm"},
		{"confidence floor", func(c *Config) { c.Device.ConfidenceFloor = -0.1 }, "confidence_floor"},
		{"poll interval", func(c *Config) { c.Loop.PollInterval = 0 }, "poll_interval"},
		{"base path", func(c *Config) { c.Record.BasePath = "" }, "base_path"},
		{"queue mode", func(c *Config) { c.Record.Queue.Mode = "lifo" }, "record.queue.mode"},
		{"queue size", func(c *Config) { c.Viz.Queue.Size = 0 }, "viz.queue.size"},
		{"focal length", func(c *Config) { c.Viz.FocalLength = 0 }, "focal_length"},
		{"mqtt client id", func(c *Config) {
			c.Notify.MQTT.Broker = "localhost:1883"
			c.Notify.MQTT.ClientID = ""
		}, "client_id"},
		{"log level", func(c *Config) { c.Log.Level = "loud" }, "log.level"},
		{"log format", func(c *Config) { c.Log.Format = "xml" }, "log.format"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)

			err := cfg.Validate()
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalid)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestValidate_DisabledVizSkipsItsChecks(t *testing.T) {
	cfg := Default()
	cfg.Viz.Enabled = false
	cfg.Viz.FocalLength = 0
	assert.NoError(t, cfg.Validate())
}

// chdir changes the working directory for the duration of the test
// (equivalent to testing.T.Chdir, which requires Go 1.24).
func chdir(t *testing.T, dir string) {
	t.Helper()
	old, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		if err := os.Chdir(old); err != nil {
			t.Fatal(err)
		}
	})
}

// Package config loads the oaklog configuration from a YAML file, an
// optional .env file and OAKLOG_* environment variables, in that order.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cast"
	"gopkg.in/yaml.v3"

	"github.com/ayusman/oaklog/internal/logger"
	"github.com/ayusman/oaklog/internal/pipeline"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// Capture drivers.
const (
	DriverBridge   = "bridge"
	DriverWebcam   = "webcam"
	DriverSimulate = "simulate"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "OAKLOG_"

// Config is the complete run configuration.
type Config struct {
	Device DeviceConfig `yaml:"device"`
	Loop   LoopConfig   `yaml:"loop"`
	Record RecordConfig `yaml:"record"`
	Viz    VizConfig    `yaml:"viz"`
	Viewer ViewerConfig `yaml:"viewer"`
	Notify NotifyConfig `yaml:"notify"`
	Log    LogConfig    `yaml:"log"`
}

// DeviceConfig selects and configures the capture driver.
type DeviceConfig struct {
	// Driver is bridge, webcam or simulate.
	Driver string `yaml:"driver"`
	// Python and Script locate the bridge; empty values are searched for.
	Python string `yaml:"python"`
	Script string `yaml:"script"`

	Model           string  `yaml:"model"`
	FPS             int     `yaml:"fps"`
	MonoWidth       int     `yaml:"mono_width"`
	MonoHeight      int     `yaml:"mono_height"`
	BBoxScaleFactor float64 `yaml:"bbox_scale_factor"`
	DepthLowerMM    int     `yaml:"depth_lower_mm"`
	DepthUpperMM    int     `yaml:"depth_upper_mm"`
	ConfidenceFloor float64 `yaml:"confidence_floor"`

	// Webcam driver settings.
	CameraID   int    `yaml:"camera_id"`
	ModelPath  string `yaml:"model_path"`
	ConfigPath string `yaml:"config_path"`

	// SyncTolerance is the largest timestamp difference the bridge treats
	// as the same instant; zero requires identical timestamps.
	SyncTolerance time.Duration `yaml:"sync_tolerance"`
}

// LoopConfig tunes the acquisition loop.
type LoopConfig struct {
	PollInterval time.Duration `yaml:"poll_interval"`
	PollTimeout  time.Duration `yaml:"poll_timeout"`
	MaxBundles   uint64        `yaml:"max_bundles"` // 0 runs until interrupted
}

// QueueConfig configures an asynchronous consumer queue.
type QueueConfig struct {
	Mode string `yaml:"mode"` // block, drop-oldest, drop-newest
	Size int    `yaml:"size"`
}

// RecordConfig configures the persistence consumer.
type RecordConfig struct {
	BasePath string      `yaml:"base_path"`
	Catalog  string      `yaml:"catalog"` // sqlite path; empty disables the catalog
	Queue    QueueConfig `yaml:"queue"`
}

// VizConfig configures the visualization consumer.
type VizConfig struct {
	Enabled     bool        `yaml:"enabled"`
	Session     string      `yaml:"session"`
	FocalLength float64     `yaml:"focal_length"`
	MaxRateHz   float64     `yaml:"max_rate_hz"`
	Queue       QueueConfig `yaml:"queue"`
}

// ViewerConfig configures the live viewer HTTP server.
type ViewerConfig struct {
	Addr string `yaml:"addr"` // empty disables the server
}

// NotifyConfig configures optional event publishing.
type NotifyConfig struct {
	MQTT MQTTConfig `yaml:"mqtt"`
}

// MQTTConfig contains MQTT broker settings.
type MQTTConfig struct {
	Broker       string        `yaml:"broker"` // empty disables publishing
	ClientID     string        `yaml:"client_id"`
	TopicPrefix  string        `yaml:"topic_prefix"`
	PublishEmpty bool          `yaml:"publish_empty"`
	Timeout      time.Duration `yaml:"timeout"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the documented defaults.
func Default() *Config {
	return &Config{
		Device: DeviceConfig{
			Driver:          DriverBridge,
			Model:           "yolov6-nano",
			FPS:             30,
			MonoWidth:       640,
			MonoHeight:      400,
			BBoxScaleFactor: 0.5,
			DepthLowerMM:    100,
			DepthUpperMM:    5000,
			ConfidenceFloor: 0.5,
		},
		Loop: LoopConfig{
			PollInterval: 10 * time.Millisecond,
			PollTimeout:  100 * time.Millisecond,
		},
		Record: RecordConfig{
			BasePath: "data",
			Catalog:  "data/catalog.db",
			Queue:    QueueConfig{Mode: "block", Size: 8},
		},
		Viz: VizConfig{
			Enabled:     true,
			Session:     "oak_semantics_demo",
			FocalLength: 800,
			MaxRateHz:   30,
			Queue:       QueueConfig{Mode: "drop-oldest", Size: 2},
		},
		Viewer: ViewerConfig{Addr: ":9876"},
		Notify: NotifyConfig{MQTT: MQTTConfig{
			ClientID:    "oaklog",
			TopicPrefix: "oaklog",
			Timeout:     2 * time.Second,
		}},
		Log: LogConfig{Level: "info", Format: "text"},
	}
}

// Load builds the configuration: defaults, then the YAML file at path (if
// path is not empty), then a .env file in the working directory (if
// present), then OAKLOG_* environment variables. The result is validated.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("%w: failed to read config file: %v", ErrInvalid, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("%w: failed to parse %s: %v", ErrInvalid, path, err)
		}
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

type override struct {
	key   string
	apply func(c *Config, v string) error
}

func str(set func(c *Config, v string)) func(*Config, string) error {
	return func(c *Config, v string) error {
		set(c, v)
		return nil
	}
}

var overrides = []override{
	{"DEVICE_DRIVER", str(func(c *Config, v string) { c.Device.Driver = v })},
	{"DEVICE_PYTHON", str(func(c *Config, v string) { c.Device.Python = v })},
	{"DEVICE_SCRIPT", str(func(c *Config, v string) { c.Device.Script = v })},
	{"DEVICE_MODEL", str(func(c *Config, v string) { c.Device.Model = v })},
	{"DEVICE_FPS", func(c *Config, v string) (err error) { c.Device.FPS, err = cast.ToIntE(v); return }},
	{"DEVICE_CONFIDENCE_FLOOR", func(c *Config, v string) (err error) {
		c.Device.ConfidenceFloor, err = cast.ToFloat64E(v)
		return
	}},
	{"DEVICE_CAMERA_ID", func(c *Config, v string) (err error) { c.Device.CameraID, err = cast.ToIntE(v); return }},
	{"DEVICE_MODEL_PATH", str(func(c *Config, v string) { c.Device.ModelPath = v })},
	{"DEVICE_CONFIG_PATH", str(func(c *Config, v string) { c.Device.ConfigPath = v })},
	{"DEVICE_SYNC_TOLERANCE", func(c *Config, v string) (err error) {
		c.Device.SyncTolerance, err = cast.ToDurationE(v)
		return
	}},
	{"LOOP_POLL_INTERVAL", func(c *Config, v string) (err error) {
		c.Loop.PollInterval, err = cast.ToDurationE(v)
		return
	}},
	{"LOOP_POLL_TIMEOUT", func(c *Config, v string) (err error) {
		c.Loop.PollTimeout, err = cast.ToDurationE(v)
		return
	}},
	{"LOOP_MAX_BUNDLES", func(c *Config, v string) (err error) { c.Loop.MaxBundles, err = cast.ToUint64E(v); return }},
	{"RECORD_BASE_PATH", str(func(c *Config, v string) { c.Record.BasePath = v })},
	{"RECORD_CATALOG", str(func(c *Config, v string) { c.Record.Catalog = v })},
	{"VIZ_ENABLED", func(c *Config, v string) (err error) { c.Viz.Enabled, err = cast.ToBoolE(v); return }},
	{"VIZ_SESSION", str(func(c *Config, v string) { c.Viz.Session = v })},
	{"VIZ_MAX_RATE_HZ", func(c *Config, v string) (err error) { c.Viz.MaxRateHz, err = cast.ToFloat64E(v); return }},
	{"VIEWER_ADDR", str(func(c *Config, v string) { c.Viewer.Addr = v })},
	{"MQTT_BROKER", str(func(c *Config, v string) { c.Notify.MQTT.Broker = v })},
	{"MQTT_CLIENT_ID", str(func(c *Config, v string) { c.Notify.MQTT.ClientID = v })},
	{"MQTT_TOPIC_PREFIX", str(func(c *Config, v string) { c.Notify.MQTT.TopicPrefix = v })},
	{"MQTT_PUBLISH_EMPTY", func(c *Config, v string) (err error) {
		c.Notify.MQTT.PublishEmpty, err = cast.ToBoolE(v)
		return
	}},
	{"LOG_LEVEL", str(func(c *Config, v string) { c.Log.Level = v })},
	{"LOG_FORMAT", str(func(c *Config, v string) { c.Log.Format = v })},
}

// ApplyEnv applies OAKLOG_* overrides found through lookup.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	for _, o := range overrides {
		v, ok := lookup(EnvPrefix + o.key)
		if !ok {
			continue
		}
		if err := o.apply(c, strings.TrimSpace(v)); err != nil {
			return fmt.Errorf("%w: %s%s: %v", ErrInvalid, EnvPrefix, o.key, err)
		}
	}
	return nil
}

// Validate checks value ranges. Every error wraps ErrInvalid.
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	d := c.Device
	switch d.Driver {
	case DriverBridge, DriverWebcam, DriverSimulate:
	default:
		errs = append(errs, fmt.Errorf("device.driver %q must be bridge, webcam or simulate", d.Driver))
	}
	check(d.FPS > 0, "device.fps must be positive, got %d", d.FPS)
	check(d.MonoWidth > 0 && d.MonoHeight > 0, "device.mono_width and mono_height must be positive")
	check(d.BBoxScaleFactor > 0 && d.BBoxScaleFactor <= 1, "device.bbox_scale_factor must be in (0,1], got %v", d.BBoxScaleFactor)
	check(d.DepthLowerMM >= 0 && d.DepthLowerMM < d.DepthUpperMM,
		"device.depth_lower_mm (%d) must be below depth_upper_mm (%d)", d.DepthLowerMM, d.DepthUpperMM)
	check(d.ConfidenceFloor >= 0 && d.ConfidenceFloor <= 1, "device.confidence_floor must be in [0,1], got %v", d.ConfidenceFloor)
	check(d.SyncTolerance >= 0, "device.sync_tolerance must not be negative")
	if d.Driver == DriverWebcam {
		check(d.CameraID >= 0, "device.camera_id must not be negative")
	}

	check(c.Loop.PollInterval > 0, "loop.poll_interval must be positive")
	check(c.Loop.PollTimeout > 0, "loop.poll_timeout must be positive")

	check(c.Record.BasePath != "", "record.base_path is required")
	errs = append(errs, validateQueue("record.queue", c.Record.Queue)...)

	if c.Viz.Enabled {
		check(c.Viz.Session != "", "viz.session is required")
		check(c.Viz.FocalLength > 0, "viz.focal_length must be positive")
		check(c.Viz.MaxRateHz >= 0, "viz.max_rate_hz must not be negative")
		errs = append(errs, validateQueue("viz.queue", c.Viz.Queue)...)
	}

	if c.Notify.MQTT.Broker != "" {
		check(c.Notify.MQTT.ClientID != "", "notify.mqtt.client_id is required")
		check(c.Notify.MQTT.Timeout > 0, "notify.mqtt.timeout must be positive")
	}

	if _, err := logger.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}
	switch strings.ToLower(c.Log.Format) {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format %q must be text or json", c.Log.Format))
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
	}
	return nil
}

func validateQueue(name string, q QueueConfig) []error {
	var errs []error
	if _, err := pipeline.ParsePolicy(q.Mode); err != nil {
		errs = append(errs, fmt.Errorf("%s.mode: %w", name, err))
	}
	if q.Size <= 0 {
		errs = append(errs, fmt.Errorf("%s.size must be positive, got %d", name, q.Size))
	}
	return errs
}

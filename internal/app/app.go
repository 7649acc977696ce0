// Package app wires a configuration into a running acquisition: the capture
// source, the acquisition loop and its consumers, the catalog and the live
// viewer.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ayusman/oaklog/internal/capture"
	"github.com/ayusman/oaklog/internal/capture/bridge"
	"github.com/ayusman/oaklog/internal/capture/webcam"
	"github.com/ayusman/oaklog/internal/config"
	"github.com/ayusman/oaklog/internal/detector"
	"github.com/ayusman/oaklog/internal/notify"
	"github.com/ayusman/oaklog/internal/pipeline"
	"github.com/ayusman/oaklog/internal/recorder"
	"github.com/ayusman/oaklog/internal/server"
	"github.com/ayusman/oaklog/internal/store"
	"github.com/ayusman/oaklog/internal/viz"
)

// Queue settings for the consumers that have no configuration of their own.
const (
	streamQueueSize = 1
	notifyQueueSize = 16
	shutdownTimeout = 5 * time.Second
)

// Status is the run status reported by the viewer.
type Status struct {
	State    string                         `json:"state"`
	Uptime   string                         `json:"uptime"`
	Loop     pipeline.Stats                 `json:"loop"`
	Recorder recorder.Stats                 `json:"recorder"`
	Viz      *viz.Stats                     `json:"viz,omitempty"`
	Notify   *notify.Stats                  `json:"notify,omitempty"`
	Queues   map[string]pipeline.AsyncStats `json:"queues"`
}

// App is one acquisition run.
type App struct {
	cfg       *config.Config
	logger    *slog.Logger
	source    capture.Source
	heartbeat pipeline.Heartbeat
	session   viz.Session

	loop     *pipeline.Loop
	store    *store.Store
	recorder *recorder.Recorder
	viz      *viz.Visualizer
	hub      *server.Hub
	server   *server.Server
	mqtt     *notify.Client
	notifier *notify.Notifier
	queues   map[string]*pipeline.AsyncConsumer
	order    []string

	closeOnce sync.Once
	closeErr  error
}

// Option configures an App.
type Option func(*App)

// WithSource replaces the configured capture driver.
func WithSource(s capture.Source) Option {
	return func(a *App) { a.source = s }
}

// WithHeartbeat sets the idle heartbeat of the loop.
func WithHeartbeat(h pipeline.Heartbeat) Option {
	return func(a *App) { a.heartbeat = h }
}

// WithVizSession logs visualization entities to s instead of the viewer hub.
func WithVizSession(s viz.Session) Option {
	return func(a *App) { a.session = s }
}

// New builds every component named by cfg. On error, whatever was already
// built is released.
func New(cfg *config.Config, logger *slog.Logger, opts ...Option) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	a := &App{
		cfg:       cfg,
		logger:    logger,
		heartbeat: pipeline.NopHeartbeat{},
		queues:    make(map[string]*pipeline.AsyncConsumer),
	}
	for _, opt := range opts {
		opt(a)
	}

	if err := a.build(); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build() error {
	cfg := a.cfg

	if a.source == nil {
		src, err := NewSource(cfg.Device, cfg.Loop.PollTimeout, a.logger)
		if err != nil {
			return err
		}
		a.source = src
	}

	a.loop = pipeline.New(a.source, pipeline.Config{
		PollInterval: cfg.Loop.PollInterval,
		MaxBundles:   cfg.Loop.MaxBundles,
	}, pipeline.WithHeartbeat(a.heartbeat), pipeline.WithLogger(a.logger))

	recOpts := []recorder.Option{recorder.WithLogger(a.logger)}
	if cfg.Record.Catalog != "" {
		st, err := store.New(cfg.Record.Catalog)
		if err != nil {
			return fmt.Errorf("open catalog: %w", err)
		}
		a.store = st
		recOpts = append(recOpts, recorder.WithCatalog(recorder.Catalog{
			Store:  st,
			Name:   cfg.Viz.Session,
			Driver: cfg.Device.Driver,
			Model:  cfg.Device.Model,
		}))
	}
	rec, err := recorder.New(cfg.Record.BasePath, recOpts...)
	if err != nil {
		return err
	}
	a.recorder = rec
	if err := a.register("recorder", rec, cfg.Record.Queue); err != nil {
		return err
	}

	if cfg.Viz.Enabled {
		session := a.session
		if session == nil {
			a.hub = server.NewHub(cfg.Viz.Session, cfg.Viz.MaxRateHz, a.logger)
			session = a.hub
		}
		a.viz = viz.New(session, viz.WithFocalLength(cfg.Viz.FocalLength), viz.WithLogger(a.logger))
		if err := a.register("viz", a.viz, cfg.Viz.Queue); err != nil {
			return err
		}
	}

	if cfg.Notify.MQTT.Broker != "" {
		mc := notify.Config{
			Broker:       cfg.Notify.MQTT.Broker,
			ClientID:     cfg.Notify.MQTT.ClientID,
			TopicPrefix:  cfg.Notify.MQTT.TopicPrefix,
			PublishEmpty: cfg.Notify.MQTT.PublishEmpty,
			Timeout:      cfg.Notify.MQTT.Timeout,
		}
		client, err := notify.Dial(mc, a.logger)
		if err != nil {
			return err
		}
		a.mqtt = client
		a.notifier = notify.New(client, mc, a.logger)
		a.registerQueue("notify", a.notifier, notifyQueueSize, pipeline.PolicyDropOldest)
	}

	if cfg.Viewer.Addr != "" {
		snapshot := server.NewSnapshot()
		a.registerQueue("stream", snapshot, streamQueueSize, pipeline.PolicyDropOldest)
		a.server = server.New(server.Config{
			Hub:       a.hub,
			Snapshot:  snapshot,
			Store:     a.store,
			SessionID: a.recorder.SessionID(),
			Status:    func() any { return a.Status() },
			Logger:    a.logger,
		})
	}

	return nil
}

func (a *App) register(name string, c pipeline.Consumer, q config.QueueConfig) error {
	policy, err := pipeline.ParsePolicy(q.Mode)
	if err != nil {
		return fmt.Errorf("%s queue: %w", name, err)
	}
	a.registerQueue(name, c, q.Size, policy)
	return nil
}

func (a *App) registerQueue(name string, c pipeline.Consumer, size int, policy pipeline.Policy) {
	q := pipeline.NewAsync(name, c, size, policy, a.logger)
	a.queues[name] = q
	a.order = append(a.order, name)
	a.loop.Register(name, q)
	a.logger.Debug("consumer registered", "consumer", name, "queue", size, "policy", policy)
}

// NewSource builds the capture source for the configured driver.
func NewSource(dc config.DeviceConfig, pollTimeout time.Duration, logger *slog.Logger) (capture.Source, error) {
	if logger == nil {
		logger = slog.Default()
	}
	pcfg := capture.PipelineConfig{
		Model:           dc.Model,
		FPS:             dc.FPS,
		MonoWidth:       dc.MonoWidth,
		MonoHeight:      dc.MonoHeight,
		BBoxScaleFactor: dc.BBoxScaleFactor,
		DepthLowerMM:    dc.DepthLowerMM,
		DepthUpperMM:    dc.DepthUpperMM,
		ConfidenceFloor: dc.ConfidenceFloor,
		DepthEnabled:    true,
	}
	syncOpts := []capture.SyncedOption{capture.WithPollTimeout(pollTimeout), capture.WithLogger(logger)}

	switch dc.Driver {
	case config.DriverSimulate:
		return capture.SimulatedSource(dc.FPS), nil

	case config.DriverWebcam:
		var det detector.Detector
		if dc.ModelPath != "" {
			ssd, err := detector.NewSSDDetector(detector.Config{
				ModelPath:     dc.ModelPath,
				ConfigPath:    dc.ConfigPath,
				MinConfidence: dc.ConfidenceFloor,
				InputSize:     detector.DefaultConfig().InputSize,
			})
			if err != nil {
				return nil, fmt.Errorf("%w: %v", capture.ErrDeviceUnavailable, err)
			}
			det = ssd
		} else {
			logger.Warn("no detection model configured, webcam runs without detections")
			det = detector.NewMockDetector()
		}
		pcfg.DepthEnabled = false
		dev := webcam.NewDevice(webcam.NewCamera(dc.CameraID, 0, 0), det, logger)
		return capture.NewSyncedSource(dev, pcfg, syncOpts...), nil

	case config.DriverBridge:
		dev := bridge.NewDevice(bridge.Options{
			Python:        dc.Python,
			Script:        dc.Script,
			SyncTolerance: dc.SyncTolerance,
			Logger:        logger,
		})
		return capture.NewSyncedSource(dev, pcfg, syncOpts...), nil

	default:
		return nil, fmt.Errorf("%w: unknown driver %q", config.ErrInvalid, dc.Driver)
	}
}

// Run starts the viewer, if configured, and runs the acquisition loop until
// ctx is done, the bundle limit is reached or the source fails.
func (a *App) Run(ctx context.Context) error {
	if a.server != nil {
		a.server.Start(a.cfg.Viewer.Addr)
	}
	return a.loop.Run(ctx)
}

// Loop returns the acquisition loop.
func (a *App) Loop() *pipeline.Loop {
	return a.loop
}

// Recorder returns the persistence consumer.
func (a *App) Recorder() *recorder.Recorder {
	return a.recorder
}

// Store returns the catalog, or nil when disabled.
func (a *App) Store() *store.Store {
	return a.store
}

// Status reports loop state and consumer counters.
func (a *App) Status() Status {
	s := Status{
		Queues: make(map[string]pipeline.AsyncStats, len(a.queues)),
	}
	if a.loop != nil {
		s.State = a.loop.State().String()
		s.Uptime = a.loop.Uptime().Round(time.Millisecond).String()
		s.Loop = a.loop.Stats()
	}
	if a.recorder != nil {
		s.Recorder = a.recorder.Stats()
	}
	if a.viz != nil {
		vs := a.viz.Stats()
		s.Viz = &vs
	}
	if a.notifier != nil {
		ns := a.notifier.Stats()
		s.Notify = &ns
	}
	for name, q := range a.queues {
		s.Queues[name] = q.Stats()
	}
	return s
}

// Close drains the consumer queues, ends the catalog session and releases
// every component. A source left open by a failed run is stopped here. It is
// idempotent.
func (a *App) Close() error {
	a.closeOnce.Do(func() {
		var errs []error
		if a.loop != nil && a.loop.State() == pipeline.StateFailed && a.source != nil {
			if err := a.source.Stop(); err != nil {
				a.logger.Warn("releasing failed capture source", "error", err)
			}
		}
		for _, name := range a.order {
			if err := a.queues[name].Close(); err != nil {
				errs = append(errs, fmt.Errorf("close %s queue: %w", name, err))
			}
		}
		if a.recorder != nil {
			if err := a.recorder.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		if a.server != nil {
			ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			if err := a.server.Shutdown(ctx); err != nil {
				errs = append(errs, fmt.Errorf("viewer shutdown: %w", err))
			}
			cancel()
		}
		if a.hub != nil {
			a.hub.Close()
		}
		if a.mqtt != nil {
			a.mqtt.Close()
		}
		if a.store != nil {
			if err := a.store.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		a.closeErr = errors.Join(errs...)
	})
	return a.closeErr
}

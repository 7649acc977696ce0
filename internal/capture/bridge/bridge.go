// Package bridge drives a depth camera through a helper process that owns the
// vendor SDK. The helper builds the color, stereo depth and spatial detection
// pipeline and streams its outputs back as length-prefixed msgpack envelopes;
// this package regroups them into synchronized capture groups.
package bridge

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/ayusman/oaklog/internal/bundle"
	"github.com/ayusman/oaklog/internal/capture"
)

// ScriptName is the helper script looked up when no path is configured.
const ScriptName = "oak_bridge.py"

// Defaults for Options.
const (
	DefaultReadyTimeout = 10 * time.Second
	DefaultStopTimeout  = 2 * time.Second
	DefaultGroupBuffer  = 4
	DefaultBacklog      = 16
)

// Options configures a Device.
type Options struct {
	// Python is the interpreter. Empty means a project virtualenv, then python3.
	Python string
	// Script is the helper path. Empty means searching the usual locations.
	Script string
	// SyncTolerance is the largest timestamp difference treated as the same instant.
	SyncTolerance time.Duration
	ReadyTimeout  time.Duration
	StopTimeout   time.Duration
	GroupBuffer   int
	Logger        *slog.Logger
}

// Device launches the helper process on Open.
type Device struct {
	opts Options
}

// NewDevice creates a bridge device.
func NewDevice(opts Options) *Device {
	if opts.ReadyTimeout <= 0 {
		opts.ReadyTimeout = DefaultReadyTimeout
	}
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = DefaultStopTimeout
	}
	if opts.GroupBuffer <= 0 {
		opts.GroupBuffer = DefaultGroupBuffer
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Device{opts: opts}
}

// Open starts the helper, sends it the pipeline configuration and waits for
// it to publish its class table.
func (d *Device) Open(ctx context.Context, cfg capture.PipelineConfig) (capture.GroupReader, error) {
	script := d.opts.Script
	if script == "" {
		script = findBridgeScript()
	}
	if script == "" {
		return nil, fmt.Errorf("%w: %s not found", capture.ErrDeviceUnavailable, ScriptName)
	}
	python := d.opts.Python
	if python == "" {
		python = findVenvPython()
	}
	if python == "" {
		python = "python3"
	}

	cmd := exec.Command(python, script)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("create stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: start bridge: %v", capture.ErrDeviceUnavailable, err)
	}
	d.opts.Logger.Info("bridge process spawned", "pid", cmd.Process.Pid, "script", script)

	go logStderr(stderr, d.opts.Logger)

	proc := &process{cmd: cmd, stdin: stdin, stopTimeout: d.opts.StopTimeout, logger: d.opts.Logger}
	if err := json.NewEncoder(stdin).Encode(cfg); err != nil {
		proc.close()
		return nil, fmt.Errorf("%w: send pipeline config: %v", capture.ErrDeviceUnavailable, err)
	}

	r := NewReader(stdout, proc.close, ReaderOptions{
		RequireDepth:  cfg.DepthEnabled,
		SyncTolerance: d.opts.SyncTolerance,
		GroupBuffer:   d.opts.GroupBuffer,
		Logger:        d.opts.Logger,
	})
	if err := r.WaitReady(ctx, d.opts.ReadyTimeout); err != nil {
		r.Close()
		return nil, fmt.Errorf("%w: %v", capture.ErrDeviceUnavailable, err)
	}
	return r, nil
}

// ReaderOptions configures a Reader.
type ReaderOptions struct {
	RequireDepth  bool
	SyncTolerance time.Duration
	GroupBuffer   int
	Logger        *slog.Logger
}

// Reader turns an envelope stream into capture groups. It implements
// capture.GroupReader.
type Reader struct {
	groups  chan *capture.Group
	ready   chan struct{}
	done    chan struct{}
	closeFn func() error
	logger  *slog.Logger

	mu        sync.Mutex
	classes   bundle.LabelMap
	streamErr error
	dropped   uint64
	closeOnce sync.Once
	readyOnce sync.Once
}

// NewReader starts consuming src. closeFn is called once by Close to stop
// the producer; it should make src return EOF.
func NewReader(src io.Reader, closeFn func() error, opts ReaderOptions) *Reader {
	if opts.GroupBuffer <= 0 {
		opts.GroupBuffer = DefaultGroupBuffer
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	r := &Reader{
		groups:  make(chan *capture.Group, opts.GroupBuffer),
		ready:   make(chan struct{}),
		done:    make(chan struct{}),
		closeFn: closeFn,
		logger:  opts.Logger,
	}
	m := capture.NewMatcher(opts.SyncTolerance, opts.RequireDepth, DefaultBacklog)
	go r.run(src, m)
	return r
}

// WaitReady blocks until the producer published its class table.
func (r *Reader) WaitReady(ctx context.Context, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-r.ready:
		return nil
	case <-r.done:
		if err := r.err(); err != nil {
			return err
		}
		return errors.New("bridge exited before becoming ready")
	case <-timer.C:
		return fmt.Errorf("bridge not ready after %s", timeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ReadGroup returns the next synchronized group.
func (r *Reader) ReadGroup(ctx context.Context, timeout time.Duration) (*capture.Group, error) {
	select {
	case g, ok := <-r.groups:
		if ok {
			return g, nil
		}
		return nil, r.closedErr()
	default:
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case g, ok := <-r.groups:
		if !ok {
			return nil, r.closedErr()
		}
		return g, nil
	case <-timer.C:
		return nil, capture.ErrGroupTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Classes returns the class table published by the producer.
func (r *Reader) Classes() bundle.LabelMap {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.classes
}

// Dropped returns how many completed groups were discarded because the
// consumer fell behind.
func (r *Reader) Dropped() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropped
}

// Close stops the producer and releases buffered groups. It is idempotent.
func (r *Reader) Close() error {
	var err error
	r.closeOnce.Do(func() {
		if r.closeFn != nil {
			err = r.closeFn()
		}
		<-r.done
		for g := range r.groups {
			g.Close()
		}
	})
	return err
}

func (r *Reader) run(src io.Reader, m *capture.Matcher) {
	defer close(r.done)
	defer close(r.groups)
	defer m.Reset()

	for {
		env, err := ReadFrame(src)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				r.setErr(err)
			}
			return
		}

		switch env.Kind {
		case KindClasses:
			r.mu.Lock()
			r.classes = bundle.LabelMap(env.Classes)
			r.mu.Unlock()
			r.readyOnce.Do(func() { close(r.ready) })
			continue
		case KindError:
			r.logger.Error("bridge reported error", "error", env.Error)
			r.setErr(errors.New(env.Error))
			return
		}

		msg, err := env.Message()
		if err != nil {
			r.logger.Warn("bad bridge envelope", "error", err)
			continue
		}
		for g := m.Add(msg); g != nil; g = m.Next() {
			g.Normalized = true
			r.push(g)
		}
	}
}

// push delivers g, discarding the oldest buffered group when full.
func (r *Reader) push(g *capture.Group) {
	for {
		select {
		case r.groups <- g:
			return
		default:
		}
		select {
		case old := <-r.groups:
			old.Close()
			r.mu.Lock()
			r.dropped++
			r.mu.Unlock()
		default:
		}
	}
}

func (r *Reader) setErr(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.streamErr == nil {
		r.streamErr = err
	}
}

func (r *Reader) err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.streamErr
}

func (r *Reader) closedErr() error {
	if err := r.err(); err != nil {
		return fmt.Errorf("%w: %v", capture.ErrGroupClosed, err)
	}
	return capture.ErrGroupClosed
}

type process struct {
	cmd         *exec.Cmd
	stdin       io.WriteCloser
	stopTimeout time.Duration
	logger      *slog.Logger
}

// close asks the helper to exit by closing stdin and kills it if it does
// not within the stop timeout.
func (p *process) close() error {
	p.stdin.Close()

	waitErr := make(chan error, 1)
	go func() { waitErr <- p.cmd.Wait() }()

	select {
	case err := <-waitErr:
		return err
	case <-time.After(p.stopTimeout):
		p.logger.Warn("bridge did not exit, killing", "pid", p.cmd.Process.Pid)
		if err := p.cmd.Process.Kill(); err != nil {
			return err
		}
		<-waitErr
		return nil
	}
}

// logStderr forwards helper log lines, mapping their level prefix.
func logStderr(r io.Reader, logger *slog.Logger) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.Contains(line, "[ERROR]"), strings.Contains(line, "[CRITICAL]"):
			logger.Error("bridge", "line", line)
		case strings.Contains(line, "[WARNING]"), strings.Contains(line, "[WARN]"):
			logger.Warn("bridge", "line", line)
		default:
			logger.Debug("bridge", "line", line)
		}
	}
}

func findBridgeScript() string {
	execPath, err := os.Executable()
	var execDir string
	if err == nil {
		execDir = filepath.Dir(execPath)
	}

	candidates := []string{
		filepath.Join("scripts", ScriptName),
		filepath.Join("..", "scripts", ScriptName),
		filepath.Join(execDir, "scripts", ScriptName),
		filepath.Join(os.Getenv("HOME"), ".oaklog", "scripts", ScriptName),
	}
	return firstExisting(candidates)
}

// findVenvPython looks for a Python interpreter in a virtual environment
// next to the working directory or the executable.
func findVenvPython() string {
	execPath, err := os.Executable()
	if err != nil {
		return ""
	}
	execDir := filepath.Dir(execPath)

	candidates := []string{
		"venv/bin/python",
		"../venv/bin/python",
		filepath.Join(execDir, "venv/bin/python"),
		filepath.Join(os.Getenv("HOME"), ".oaklog/venv/bin/python"),
	}
	return firstExisting(candidates)
}

func firstExisting(paths []string) string {
	for _, path := range paths {
		if _, err := os.Stat(path); err == nil {
			if abs, err := filepath.Abs(path); err == nil {
				return abs
			}
			return path
		}
	}
	return ""
}

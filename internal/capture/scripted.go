package capture

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"math"
	"sync"
	"time"

	"gocv.io/x/gocv"

	"github.com/ayusman/oaklog/internal/bundle"
)

// StepKind is the outcome a scripted Poll produces.
type StepKind int

const (
	StepNotReady StepKind = iota
	StepReady
	StepFail
)

// Step is one scripted Poll result.
type Step struct {
	Kind StepKind
	// Bundle builds the bundle returned for StepReady. It is called on every
	// replay so each Poll hands out a fresh bundle.
	Bundle func() *bundle.Bundle
	// Err is returned for StepFail.
	Err error
}

// NotReady returns n not-ready steps.
func NotReady(n int) []Step {
	steps := make([]Step, n)
	for i := range steps {
		steps[i] = Step{Kind: StepNotReady}
	}
	return steps
}

// Ready returns a step that yields the bundle built by fn.
func Ready(fn func() *bundle.Bundle) Step {
	return Step{Kind: StepReady, Bundle: fn}
}

// Fail returns a step whose Poll fails with err wrapped in ErrPipelineStopped.
func Fail(err error) Step {
	return Step{Kind: StepFail, Err: err}
}

// ScriptedSource replays a fixed sequence of Poll outcomes. It is used for
// tests and for running without hardware.
type ScriptedSource struct {
	// StartErr, if set, is returned from Start.
	StartErr error
	// Loop replays the script from the beginning once exhausted; otherwise
	// every Poll past the end is not ready.
	Loop bool

	mu     sync.Mutex
	steps  []Step
	next   int
	starts int
	polls  int
	stops  int
	live   bool
}

// NewScriptedSource creates a source that replays steps in order.
func NewScriptedSource(steps ...Step) *ScriptedSource {
	return &ScriptedSource{steps: steps}
}

// Start records the call and returns StartErr.
func (s *ScriptedSource) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.starts++
	if s.StartErr != nil {
		return fmt.Errorf("%w: %v", ErrDeviceUnavailable, s.StartErr)
	}
	s.live = true
	return nil
}

// Poll returns the next scripted outcome.
func (s *ScriptedSource) Poll(ctx context.Context) (*bundle.Bundle, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.polls++
	if !s.live {
		return nil, false, fmt.Errorf("%w: not started", ErrPipelineStopped)
	}

	if s.next >= len(s.steps) {
		if !s.Loop || len(s.steps) == 0 {
			return nil, false, nil
		}
		s.next = 0
	}
	step := s.steps[s.next]
	s.next++

	switch step.Kind {
	case StepReady:
		if step.Bundle == nil {
			return nil, false, nil
		}
		return step.Bundle(), true, nil
	case StepFail:
		return nil, false, fmt.Errorf("%w: %v", ErrPipelineStopped, step.Err)
	default:
		return nil, false, nil
	}
}

// Stop records the call.
func (s *ScriptedSource) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stops++
	s.live = false
	return nil
}

// Starts returns how many times Start was called.
func (s *ScriptedSource) Starts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.starts
}

// Polls returns how many times Poll was called.
func (s *ScriptedSource) Polls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.polls
}

// Stops returns how many times Stop was called.
func (s *ScriptedSource) Stops() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stops
}

// Synthetic frame geometry used by SimulatedSource.
const (
	SimWidth  = 640
	SimHeight = 400
)

// SimulatedSource returns a looping source that produces a moving "person"
// and a static "bottle" at roughly the given rate, for running without a camera.
func SimulatedSource(fps int) *ScriptedSource {
	if fps <= 0 {
		fps = 30
	}
	start := time.Now()
	frame := 0
	var mu sync.Mutex

	next := func() *bundle.Bundle {
		mu.Lock()
		i := frame
		frame++
		mu.Unlock()
		return SyntheticBundle(start.Add(time.Duration(i)*time.Second/time.Duration(fps)), i)
	}

	// One frame, then idle polls paced by the loop's poll interval.
	steps := append([]Step{Ready(next)}, NotReady(2)...)
	s := NewScriptedSource(steps...)
	s.Loop = true
	return s
}

// SyntheticBundle renders frame i of the simulated scene.
func SyntheticBundle(ts time.Time, i int) *bundle.Bundle {
	img := gocv.NewMatWithSize(SimHeight, SimWidth, gocv.MatTypeCV8UC3)
	img.SetTo(gocv.NewScalar(60, 60, 60, 0))

	depth := gocv.NewMatWithSize(SimHeight, SimWidth, gocv.MatTypeCV16UC1)
	depth.SetTo(gocv.NewScalar(3000, 0, 0, 0))

	phase := float64(i%120) / 120 * 2 * math.Pi
	cx := SimWidth/2 + 200*math.Sin(phase)
	personZ := 1800 + 600*math.Cos(phase)

	person := bundle.Detection{
		Label:      "person",
		Confidence: 0.88,
		X:          (cx - SimWidth/2) * personZ / 800,
		Y:          0,
		Z:          personZ,
		XMin:       cx - 60,
		YMin:       80,
		XMax:       cx + 60,
		YMax:       360,
	}
	bottle := bundle.Detection{
		Label:      "bottle",
		Confidence: 0.64,
		X:          -350,
		Y:          120,
		Z:          1200,
		XMin:       80,
		YMin:       220,
		XMax:       120,
		YMax:       320,
	}

	for _, d := range []bundle.Detection{bottle, person} {
		r := rectOf(d)
		fillRegion(depth, r, gocv.NewScalar(d.Z, 0, 0, 0))
		gocv.Rectangle(&img, r, color.RGBA{R: 200, G: 180, B: 90, A: 255}, -1)
	}

	return bundle.New(ts, img, depth, []bundle.Detection{person, bottle})
}

func rectOf(d bundle.Detection) image.Rectangle {
	return image.Rect(int(d.XMin), int(d.YMin), int(d.XMax), int(d.YMax)).
		Intersect(image.Rect(0, 0, SimWidth, SimHeight))
}

func fillRegion(m gocv.Mat, r image.Rectangle, s gocv.Scalar) {
	if r.Empty() {
		return
	}
	roi := m.Region(r)
	defer roi.Close()
	roi.SetTo(s)
}

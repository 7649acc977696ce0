package capture

import (
	"time"

	"gocv.io/x/gocv"
)

// Kind identifies which sub-stream a Message belongs to.
type Kind int

const (
	KindDetections Kind = iota
	KindColor
	KindDepth
)

func (k Kind) String() string {
	switch k {
	case KindDetections:
		return "detections"
	case KindColor:
		return "color"
	case KindDepth:
		return "depth"
	default:
		return "unknown"
	}
}

// Message is one item from a single sub-stream.
type Message struct {
	Kind       Kind
	Seq        uint64
	Timestamp  time.Time
	Detections []RawDetection
	Image      gocv.Mat
}

func (m *Message) release() {
	if m.Kind != KindDetections {
		m.Image.Close()
	}
}

// MatcherStats counts what the matcher did with its input.
type MatcherStats struct {
	Matched uint64
	Dropped uint64
}

// Matcher pairs detection results with the color and depth frames they were
// computed from, by timestamp. Messages that can no longer be paired are
// released and counted as dropped. A Matcher is not safe for concurrent use.
type Matcher struct {
	tolerance    time.Duration
	requireDepth bool
	maxBacklog   int

	pending map[Kind][]Message
	stats   MatcherStats
}

// NewMatcher creates a matcher. A zero tolerance requires identical
// timestamps. When requireDepth is false, groups are emitted with an empty
// depth image.
func NewMatcher(tolerance time.Duration, requireDepth bool, maxBacklog int) *Matcher {
	if maxBacklog <= 0 {
		maxBacklog = 16
	}
	return &Matcher{
		tolerance:    tolerance,
		requireDepth: requireDepth,
		maxBacklog:   maxBacklog,
		pending:      make(map[Kind][]Message),
	}
}

// Add takes ownership of msg and returns a completed group if one became
// available. At most one group is returned per call; call Next to drain more.
func (m *Matcher) Add(msg Message) *Group {
	q := append(m.pending[msg.Kind], msg)
	for len(q) > m.maxBacklog {
		q[0].release()
		q = q[1:]
		m.stats.Dropped++
	}
	m.pending[msg.Kind] = q
	return m.Next()
}

// Next returns the next group that can be completed from buffered messages.
func (m *Matcher) Next() *Group {
	for len(m.pending[KindDetections]) > 0 {
		det := m.pending[KindDetections][0]
		floor := det.Timestamp.Add(-m.tolerance)

		m.pruneBefore(KindColor, floor)
		ci := m.find(KindColor, det.Timestamp)
		di := -1
		if m.requireDepth {
			m.pruneBefore(KindDepth, floor)
			di = m.find(KindDepth, det.Timestamp)
		}

		if ci >= 0 && (!m.requireDepth || di >= 0) {
			g := &Group{
				Seq:        det.Seq,
				Timestamp:  det.Timestamp,
				Detections: det.Detections,
				Color:      m.take(KindColor, ci),
				Depth:      gocv.NewMat(),
			}
			if m.requireDepth {
				g.Depth = m.take(KindDepth, di)
			}
			m.pending[KindDetections] = m.pending[KindDetections][1:]
			m.stats.Matched++
			return g
		}

		ceiling := det.Timestamp.Add(m.tolerance)
		if (ci < 0 && m.hasAfter(KindColor, ceiling)) ||
			(m.requireDepth && di < 0 && m.hasAfter(KindDepth, ceiling)) {
			m.pending[KindDetections] = m.pending[KindDetections][1:]
			m.stats.Dropped++
			continue
		}
		return nil
	}
	return nil
}

// Stats returns a snapshot of the counters.
func (m *Matcher) Stats() MatcherStats {
	return m.stats
}

// Pending returns the number of buffered messages of kind k.
func (m *Matcher) Pending(k Kind) int {
	return len(m.pending[k])
}

// Reset releases every buffered message.
func (m *Matcher) Reset() {
	for k, q := range m.pending {
		for i := range q {
			q[i].release()
		}
		delete(m.pending, k)
	}
}

func (m *Matcher) find(k Kind, ts time.Time) int {
	best := -1
	var bestDelta time.Duration
	for i, msg := range m.pending[k] {
		d := msg.Timestamp.Sub(ts)
		if d < 0 {
			d = -d
		}
		if d > m.tolerance {
			continue
		}
		if best < 0 || d < bestDelta {
			best, bestDelta = i, d
		}
	}
	return best
}

// take removes and returns the image at index i, dropping everything older.
func (m *Matcher) take(k Kind, i int) gocv.Mat {
	q := m.pending[k]
	for j := 0; j < i; j++ {
		q[j].release()
		m.stats.Dropped++
	}
	img := q[i].Image
	m.pending[k] = q[i+1:]
	return img
}

func (m *Matcher) pruneBefore(k Kind, floor time.Time) {
	q := m.pending[k]
	n := 0
	for n < len(q) && q[n].Timestamp.Before(floor) {
		q[n].release()
		m.stats.Dropped++
		n++
	}
	m.pending[k] = q[n:]
}

func (m *Matcher) hasAfter(k Kind, ceiling time.Time) bool {
	for _, msg := range m.pending[k] {
		if msg.Timestamp.After(ceiling) {
			return true
		}
	}
	return false
}

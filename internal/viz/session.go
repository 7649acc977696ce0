package viz

import (
	"sync"
	"time"
)

// Session receives logged entities.
type Session interface {
	Log(path string, e Entity) error
}

// Timeline is implemented by sessions that index entities by frame.
// SetFrame is called before the entities of a bundle are logged.
type Timeline interface {
	SetFrame(seq uint64, ts time.Time)
}

// Record is one logged entity as seen by MemorySession.
type Record struct {
	Seq    uint64
	Time   time.Time
	Path   string
	Entity Entity
}

// MemorySession keeps everything logged to it.
type MemorySession struct {
	mu      sync.Mutex
	seq     uint64
	ts      time.Time
	records []Record
	err     error
}

// NewMemorySession returns an empty in-memory session.
func NewMemorySession() *MemorySession {
	return &MemorySession{}
}

// SetFrame implements Timeline.
func (m *MemorySession) SetFrame(seq uint64, ts time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq = seq
	m.ts = ts
}

// SetError makes every subsequent Log fail with err.
func (m *MemorySession) SetError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

// Log implements Session.
func (m *MemorySession) Log(path string, e Entity) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.records = append(m.records, Record{Seq: m.seq, Time: m.ts, Path: path, Entity: e})
	return nil
}

// Records returns a copy of everything logged so far.
func (m *MemorySession) Records() []Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Record(nil), m.records...)
}

// Paths returns the logged entity paths in order.
func (m *MemorySession) Paths() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	paths := make([]string, len(m.records))
	for i, r := range m.records {
		paths[i] = r.Path
	}
	return paths
}

// Last returns the most recent entity logged at path.
func (m *MemorySession) Last(path string) (Entity, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.records) - 1; i >= 0; i-- {
		if m.records[i].Path == path {
			return m.records[i].Entity, true
		}
	}
	return nil, false
}

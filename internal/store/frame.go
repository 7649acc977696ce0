package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/ayusman/oaklog/internal/bundle"
)

// Frame is the catalog entry for one recorded bundle.
type Frame struct {
	ID            int64
	SessionID     string
	Seq           uint64
	Timestamp     float64
	RGBPath       string
	DepthPath     string
	SemanticsPath string
	Detections    []bundle.Detection
	CreatedAt     time.Time
}

// LabelCount is the number of detections recorded for one label.
type LabelCount struct {
	Label string
	Count int
}

// FrameRepository provides access to frames and their detections.
type FrameRepository struct {
	db *sql.DB
}

// Frames returns the frame repository for this store.
func (s *Store) Frames() *FrameRepository {
	return &FrameRepository{db: s.db}
}

// Insert stores a frame together with its detections in one transaction.
func (r *FrameRepository) Insert(f *Frame) error {
	tx, err := r.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	f.CreatedAt = time.Now()
	result, err := tx.Exec(
		`INSERT INTO frames (session_id, seq, timestamp, rgb_path, depth_path, semantics_path, detection_count, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		f.SessionID, int64(f.Seq), f.Timestamp, f.RGBPath, f.DepthPath, f.SemanticsPath,
		len(f.Detections), f.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert frame %d: %w", f.Seq, err)
	}

	f.ID, err = result.LastInsertId()
	if err != nil {
		return err
	}

	stmt, err := tx.Prepare(
		`INSERT INTO detections (frame_id, idx, label, confidence, x, y, z, xmin, ymin, xmax, ymax)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
	)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for i, d := range f.Detections {
		if _, err := stmt.Exec(f.ID, i, d.Label, d.Confidence, d.X, d.Y, d.Z,
			d.XMin, d.YMin, d.XMax, d.YMax); err != nil {
			return fmt.Errorf("insert detection %d of frame %d: %w", i, f.Seq, err)
		}
	}

	return tx.Commit()
}

// Get retrieves a frame by session and sequence number, with its detections.
func (r *FrameRepository) Get(sessionID string, seq uint64) (*Frame, error) {
	f := &Frame{}
	var s int64
	err := r.db.QueryRow(
		`SELECT id, session_id, seq, timestamp, rgb_path, depth_path, semantics_path, created_at
		 FROM frames WHERE session_id = ? AND seq = ?`,
		sessionID, int64(seq),
	).Scan(&f.ID, &f.SessionID, &s, &f.Timestamp, &f.RGBPath, &f.DepthPath, &f.SemanticsPath, &f.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	f.Seq = uint64(s)

	f.Detections, err = r.detections(f.ID)
	if err != nil {
		return nil, err
	}
	return f, nil
}

// List retrieves frames of a session in sequence order, without detections.
// A limit of zero or less returns every frame.
func (r *FrameRepository) List(sessionID string, limit, offset int) ([]*Frame, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := r.db.Query(
		`SELECT id, session_id, seq, timestamp, rgb_path, depth_path, semantics_path, created_at
		 FROM frames WHERE session_id = ? ORDER BY seq LIMIT ? OFFSET ?`,
		sessionID, limit, offset,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var frames []*Frame
	for rows.Next() {
		f := &Frame{}
		var s int64
		if err := rows.Scan(&f.ID, &f.SessionID, &s, &f.Timestamp, &f.RGBPath, &f.DepthPath,
			&f.SemanticsPath, &f.CreatedAt); err != nil {
			return nil, err
		}
		f.Seq = uint64(s)
		frames = append(frames, f)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return frames, nil
}

// Count returns the number of frames recorded in a session.
func (r *FrameRepository) Count(sessionID string) (int, error) {
	var n int
	err := r.db.QueryRow(`SELECT COUNT(*) FROM frames WHERE session_id = ?`, sessionID).Scan(&n)
	return n, err
}

// LabelCounts returns per-label detection counts for a session, most frequent first.
func (r *FrameRepository) LabelCounts(sessionID string) ([]LabelCount, error) {
	rows, err := r.db.Query(
		`SELECT d.label, COUNT(*) AS n
		 FROM detections d JOIN frames f ON f.id = d.frame_id
		 WHERE f.session_id = ?
		 GROUP BY d.label ORDER BY n DESC, d.label`,
		sessionID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var counts []LabelCount
	for rows.Next() {
		var c LabelCount
		if err := rows.Scan(&c.Label, &c.Count); err != nil {
			return nil, err
		}
		counts = append(counts, c)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return counts, nil
}

func (r *FrameRepository) detections(frameID int64) ([]bundle.Detection, error) {
	rows, err := r.db.Query(
		`SELECT label, confidence, x, y, z, xmin, ymin, xmax, ymax
		 FROM detections WHERE frame_id = ? ORDER BY idx`,
		frameID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var dets []bundle.Detection
	for rows.Next() {
		var d bundle.Detection
		if err := rows.Scan(&d.Label, &d.Confidence, &d.X, &d.Y, &d.Z,
			&d.XMin, &d.YMin, &d.XMax, &d.YMax); err != nil {
			return nil, err
		}
		dets = append(dets, d)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return dets, nil
}

package store

// runMigrations executes all database migrations.
func (s *Store) runMigrations() error {
	migrations := []string{
		// One row per acquisition run
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			base_path TEXT NOT NULL,
			driver TEXT NOT NULL DEFAULT '',
			model TEXT NOT NULL DEFAULT '',
			frames INTEGER NOT NULL DEFAULT 0,
			started_at DATETIME NOT NULL,
			ended_at DATETIME
		)`,

		// One row per recorded bundle
		`CREATE TABLE IF NOT EXISTS frames (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
			seq INTEGER NOT NULL,
			timestamp REAL NOT NULL,
			rgb_path TEXT NOT NULL,
			depth_path TEXT NOT NULL DEFAULT '',
			semantics_path TEXT NOT NULL,
			detection_count INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			UNIQUE(session_id, seq)
		)`,

		`CREATE TABLE IF NOT EXISTS detections (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			frame_id INTEGER NOT NULL REFERENCES frames(id) ON DELETE CASCADE,
			idx INTEGER NOT NULL,
			label TEXT NOT NULL,
			confidence REAL NOT NULL,
			x REAL NOT NULL,
			y REAL NOT NULL,
			z REAL NOT NULL,
			xmin REAL NOT NULL,
			ymin REAL NOT NULL,
			xmax REAL NOT NULL,
			ymax REAL NOT NULL
		)`,

		`CREATE INDEX IF NOT EXISTS idx_frames_session_id ON frames(session_id)`,
		`CREATE INDEX IF NOT EXISTS idx_detections_frame_id ON detections(frame_id)`,
		`CREATE INDEX IF NOT EXISTS idx_detections_label ON detections(label)`,
	}

	for _, migration := range migrations {
		if _, err := s.db.Exec(migration); err != nil {
			return err
		}
	}

	return nil
}

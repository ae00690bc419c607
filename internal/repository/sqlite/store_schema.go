package sqlite

import "context"

// InitSchema creates the tables if they do not exist. Times are stored as
// UTC unix nanoseconds.
func (s *Store) InitSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS students (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			admission_number TEXT NOT NULL UNIQUE,
			name TEXT NOT NULL,
			class_level TEXT NOT NULL,
			password_hash TEXT NOT NULL,
			created_at_unix INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS exams (
			id TEXT PRIMARY KEY,
			subject TEXT NOT NULL,
			class_level TEXT NOT NULL,
			title TEXT NOT NULL,
			duration_minutes INTEGER NOT NULL CHECK (duration_minutes BETWEEN 1 AND 480),
			is_active INTEGER NOT NULL DEFAULT 1,
			shuffle_questions INTEGER NOT NULL DEFAULT 0,
			updated_at_unix INTEGER NOT NULL,
			UNIQUE (subject, class_level)
		);`,
		`CREATE TABLE IF NOT EXISTS questions (
			exam_id TEXT NOT NULL REFERENCES exams(id) ON DELETE CASCADE,
			id TEXT NOT NULL,
			position INTEGER NOT NULL,
			text TEXT NOT NULL,
			option_a TEXT NOT NULL,
			option_b TEXT NOT NULL,
			option_c TEXT NOT NULL,
			option_d TEXT NOT NULL,
			correct_answer TEXT NOT NULL CHECK (correct_answer IN ('A', 'B', 'C', 'D')),
			image_ref TEXT NOT NULL DEFAULT '',
			PRIMARY KEY (exam_id, id),
			UNIQUE (exam_id, position)
		);`,
		`CREATE TABLE IF NOT EXISTS exam_sessions (
			id TEXT PRIMARY KEY,
			student_id INTEGER NOT NULL REFERENCES students(id) ON DELETE CASCADE,
			subject TEXT NOT NULL,
			class_level TEXT NOT NULL,
			exam_id TEXT NOT NULL,
			started_at_unix INTEGER NOT NULL,
			deadline_at_unix INTEGER NOT NULL,
			status TEXT NOT NULL CHECK (status IN ('in_progress', 'submitted', 'expired')),
			last_saved_at_unix INTEGER,
			finished_at_unix INTEGER,
			score INTEGER,
			total_questions INTEGER,
			UNIQUE (student_id, subject),
			CHECK (score IS NULL OR (score >= 0 AND score <= total_questions))
		);`,
		`CREATE TABLE IF NOT EXISTS session_answers (
			session_id TEXT NOT NULL REFERENCES exam_sessions(id) ON DELETE CASCADE,
			question_id TEXT NOT NULL,
			answer TEXT NOT NULL,
			updated_at_unix INTEGER NOT NULL,
			PRIMARY KEY (session_id, question_id)
		);`,
		`CREATE TABLE IF NOT EXISTS exam_results (
			student_id INTEGER NOT NULL,
			subject TEXT NOT NULL,
			class_level TEXT NOT NULL,
			score INTEGER NOT NULL,
			total INTEGER NOT NULL,
			status TEXT NOT NULL,
			recorded_at_unix INTEGER NOT NULL,
			PRIMARY KEY (student_id, subject),
			CHECK (score >= 0 AND score <= total)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_exam_sessions_status_deadline ON exam_sessions(status, deadline_at_unix);`,
	}

	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/stemsi/exstem-cbt/internal/model"
	"github.com/stemsi/exstem-cbt/internal/repository"
)

const sessionColumns = `id, student_id, subject, class_level, exam_id, started_at_unix, deadline_at_unix,
	status, last_saved_at_unix, finished_at_unix, score, total_questions`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*model.ExamSession, error) {
	var (
		s                 model.ExamSession
		startedAt, dueAt  int64
		lastSaved, finish sql.NullInt64
		score, total      sql.NullInt64
	)
	err := row.Scan(&s.ID, &s.StudentID, &s.Subject, &s.ClassLevel, &s.ExamID, &startedAt, &dueAt,
		&s.Status, &lastSaved, &finish, &score, &total)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	s.StartedAt = fromUnix(startedAt)
	s.DeadlineAt = fromUnix(dueAt)
	s.LastSavedAt = fromNullUnix(lastSaved)
	s.FinishedAt = fromNullUnix(finish)
	s.Score = fromNullInt(score)
	s.TotalQuestions = fromNullInt(total)
	return &s, nil
}

func loadAnswers(ctx context.Context, q querier, s *model.ExamSession) error {
	rows, err := q.QueryContext(ctx,
		`SELECT question_id, answer FROM session_answers WHERE session_id = ?`, s.ID)
	if err != nil {
		return fmt.Errorf("load answers: %w", err)
	}
	defer rows.Close()

	s.Answers = make(map[string]string)
	for rows.Next() {
		var qid, ans string
		if err := rows.Scan(&qid, &ans); err != nil {
			return err
		}
		s.Answers[qid] = ans
	}
	return rows.Err()
}

func getSession(ctx context.Context, q querier, key model.SessionKey) (*model.ExamSession, error) {
	s, err := scanSession(q.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM exam_sessions WHERE student_id = ? AND subject = ?`,
		key.StudentID, key.Subject))
	if err != nil {
		return nil, err
	}
	if err := loadAnswers(ctx, q, s); err != nil {
		return nil, err
	}
	return s, nil
}

// GetSession retrieves the session for a key together with its saved answers.
func (s *Store) GetSession(ctx context.Context, key model.SessionKey) (*model.ExamSession, error) {
	return getSession(ctx, s.db, key)
}

// CreateSession inserts a new in-progress session. INSERT OR IGNORE lets the
// first writer win; a loser gets created=false and the stored row in sess.
func (s *Store) CreateSession(ctx context.Context, sess *model.ExamSession) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO exam_sessions
		 (id, student_id, subject, class_level, exam_id, started_at_unix, deadline_at_unix, status)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.StudentID, sess.Subject, sess.ClassLevel, sess.ExamID,
		toUnix(sess.StartedAt), toUnix(sess.DeadlineAt), model.SessionStatusInProgress)
	if err != nil {
		return false, fmt.Errorf("insert session: %w", err)
	}
	inserted, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if inserted == 1 {
		sess.Status = model.SessionStatusInProgress
		sess.Answers = map[string]string{}
		return true, nil
	}

	existing, err := s.GetSession(ctx, sess.Key())
	if err != nil {
		return false, fmt.Errorf("concurrent create detected, but fetch failed: %w", err)
	}
	*sess = *existing
	return false, nil
}

// SaveAnswers merges answers into an in-progress session whose deadline is
// still ahead of now.
func (s *Store) SaveAnswers(ctx context.Context, key model.SessionKey, answers map[string]string, now time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin autosave: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE exam_sessions SET last_saved_at_unix = ?
		 WHERE student_id = ? AND subject = ? AND status = ? AND deadline_at_unix > ?`,
		toUnix(now), key.StudentID, key.Subject, model.SessionStatusInProgress, toUnix(now))
	if err != nil {
		return fmt.Errorf("claim session for autosave: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return classifyGuardMiss(ctx, tx, key)
	}

	sessionID, err := sessionIDFor(ctx, tx, key)
	if err != nil {
		return err
	}
	if err := upsertAnswers(ctx, tx, sessionID, answers, now); err != nil {
		return err
	}
	return tx.Commit()
}

// FinalizeSession applies the terminal transition exactly once. The guarded
// UPDATE is the claim; a Grade error rolls it back.
func (s *Store) FinalizeSession(ctx context.Context, key model.SessionKey, fin model.Finalization) (*model.ExamSession, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin finalize: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE exam_sessions SET status = ?, finished_at_unix = ?
		 WHERE student_id = ? AND subject = ? AND status = ?`,
		fin.Status, toUnix(fin.FinishedAt), key.StudentID, key.Subject, model.SessionStatusInProgress)
	if err != nil {
		return nil, fmt.Errorf("claim session for finalize: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return nil, err
	} else if n == 0 {
		return nil, classifyGuardMiss(ctx, tx, key)
	}

	sessionID, err := sessionIDFor(ctx, tx, key)
	if err != nil {
		return nil, err
	}
	if err := upsertAnswers(ctx, tx, sessionID, fin.Merge, fin.FinishedAt); err != nil {
		return nil, err
	}

	sess, err := getSession(ctx, tx, key)
	if err != nil {
		return nil, err
	}

	result, err := fin.Grade(sess.Answers)
	if err != nil {
		return nil, err
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE exam_sessions SET score = ?, total_questions = ? WHERE id = ?`,
		result.Score, result.Total, sessionID,
	); err != nil {
		return nil, fmt.Errorf("store score: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit finalize: %w", err)
	}

	sess.Score = &result.Score
	sess.TotalQuestions = &result.Total
	return sess, nil
}

// ListExpiredKeys returns up to limit in-progress sessions whose deadline is
// at or before now, oldest deadline first, after skipping offset of them.
func (s *Store) ListExpiredKeys(ctx context.Context, now time.Time, offset, limit int) ([]model.SessionKey, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT student_id, subject FROM exam_sessions
		 WHERE status = ? AND deadline_at_unix <= ?
		 ORDER BY deadline_at_unix, student_id, subject
		 LIMIT ? OFFSET ?`, model.SessionStatusInProgress, toUnix(now), limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []model.SessionKey
	for rows.Next() {
		var k model.SessionKey
		if err := rows.Scan(&k.StudentID, &k.Subject); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// ListSessionsByStudent retrieves all sessions for a student, without answers.
func (s *Store) ListSessionsByStudent(ctx context.Context, studentID int) ([]model.ExamSession, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sessionColumns+` FROM exam_sessions
		 WHERE student_id = ?
		 ORDER BY started_at_unix DESC`, studentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []model.ExamSession
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, *sess)
	}
	return sessions, rows.Err()
}

// ListSessionReports joins sessions with students for the admin report.
func (s *Store) ListSessionReports(ctx context.Context, filter model.SessionFilter) ([]model.SessionReport, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT es.id, es.student_id, st.admission_number, st.name, es.subject, es.class_level,
		        es.status, es.score, es.total_questions, es.started_at_unix, es.deadline_at_unix, es.finished_at_unix
		 FROM exam_sessions es
		 JOIN students st ON st.id = es.student_id
		 WHERE (?1 = '' OR es.subject = ?1) AND (?2 = '' OR es.class_level = ?2)
		 ORDER BY es.subject, es.class_level, st.name`,
		filter.Subject, filter.ClassLevel)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var reports []model.SessionReport
	for rows.Next() {
		var (
			rep              model.SessionReport
			startedAt, dueAt int64
			finished         sql.NullInt64
			score, total     sql.NullInt64
		)
		if err := rows.Scan(&rep.SessionID, &rep.StudentID, &rep.AdmissionNumber, &rep.StudentName,
			&rep.Subject, &rep.ClassLevel, &rep.StoredStatus, &score, &total,
			&startedAt, &dueAt, &finished); err != nil {
			return nil, err
		}
		rep.Score = fromNullInt(score)
		rep.Total = fromNullInt(total)
		rep.StartedAt = fromUnix(startedAt)
		rep.DeadlineAt = fromUnix(dueAt)
		rep.FinishedAt = fromNullUnix(finished)
		reports = append(reports, rep)
	}
	return reports, rows.Err()
}

// DeleteSession removes a session, its answers and its stored result.
func (s *Store) DeleteSession(ctx context.Context, key model.SessionKey) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`DELETE FROM exam_sessions WHERE student_id = ? AND subject = ?`, key.StudentID, key.Subject)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return repository.ErrNotFound
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM exam_results WHERE student_id = ? AND subject = ?`, key.StudentID, key.Subject); err != nil {
		return err
	}
	return tx.Commit()
}

func sessionIDFor(ctx context.Context, q querier, key model.SessionKey) (string, error) {
	var id string
	err := q.QueryRowContext(ctx,
		`SELECT id FROM exam_sessions WHERE student_id = ? AND subject = ?`,
		key.StudentID, key.Subject).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", repository.ErrNotFound
	}
	return id, err
}

func upsertAnswers(ctx context.Context, tx *sql.Tx, sessionID string, answers map[string]string, now time.Time) error {
	if len(answers) == 0 {
		return nil
	}
	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO session_answers (session_id, question_id, answer, updated_at_unix)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(session_id, question_id) DO UPDATE SET
			answer = excluded.answer,
			updated_at_unix = excluded.updated_at_unix`)
	if err != nil {
		return fmt.Errorf("prepare answers: %w", err)
	}
	defer stmt.Close()

	for qid, ans := range answers {
		if _, err := stmt.ExecContext(ctx, sessionID, qid, ans, toUnix(now)); err != nil {
			return fmt.Errorf("upsert answers: %w", err)
		}
	}
	return nil
}

// classifyGuardMiss explains why a guarded UPDATE touched no row.
func classifyGuardMiss(ctx context.Context, q querier, key model.SessionKey) error {
	var status model.SessionStatus
	err := q.QueryRowContext(ctx,
		`SELECT status FROM exam_sessions WHERE student_id = ? AND subject = ?`,
		key.StudentID, key.Subject).Scan(&status)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return repository.ErrNotFound
		}
		return fmt.Errorf("classify session guard: %w", err)
	}
	if status.IsTerminal() {
		return repository.ErrSessionNotInProgress
	}
	return repository.ErrSessionPastDeadline
}

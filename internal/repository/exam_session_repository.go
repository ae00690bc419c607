package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stemsi/exstem-cbt/internal/model"
)

// ExamSessionRepository handles exam session data access.
//
// The session row is the only shared mutable resource per key. Every mutation
// starts with an UPDATE guarded by status (and for autosave, the deadline);
// the row lock taken by that UPDATE serializes concurrent autosaves and
// finalizes for the same key until the transaction commits.
type ExamSessionRepository struct {
	pool *pgxpool.Pool
}

// NewExamSessionRepository creates a new ExamSessionRepository.
func NewExamSessionRepository(pool *pgxpool.Pool) *ExamSessionRepository {
	return &ExamSessionRepository{pool: pool}
}

const sessionColumns = `id, student_id, subject, class_level, exam_id, started_at, deadline_at,
	status, last_saved_at, finished_at, score, total_questions`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*model.ExamSession, error) {
	s := &model.ExamSession{}
	err := row.Scan(&s.ID, &s.StudentID, &s.Subject, &s.ClassLevel, &s.ExamID, &s.StartedAt, &s.DeadlineAt,
		&s.Status, &s.LastSavedAt, &s.FinishedAt, &s.Score, &s.TotalQuestions)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return s, nil
}

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func loadAnswers(ctx context.Context, q querier, s *model.ExamSession) error {
	rows, err := q.Query(ctx,
		`SELECT question_id, answer FROM session_answers WHERE session_id = $1`, s.ID)
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
	s, err := scanSession(q.QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM exam_sessions WHERE student_id = $1 AND subject = $2`,
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
func (r *ExamSessionRepository) GetSession(ctx context.Context, key model.SessionKey) (*model.ExamSession, error) {
	return getSession(ctx, r.pool, key)
}

// CreateSession inserts a new in-progress session. On a concurrent insert for
// the same key the existing row wins: created is false and s is overwritten
// with the stored session.
func (r *ExamSessionRepository) CreateSession(ctx context.Context, s *model.ExamSession) (bool, error) {
	err := r.pool.QueryRow(ctx,
		`INSERT INTO exam_sessions (id, student_id, subject, class_level, exam_id, started_at, deadline_at, status)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (student_id, subject) DO NOTHING
		 RETURNING id`,
		s.ID, s.StudentID, s.Subject, s.ClassLevel, s.ExamID, s.StartedAt, s.DeadlineAt, model.SessionStatusInProgress,
	).Scan(&s.ID)
	if err == nil {
		s.Status = model.SessionStatusInProgress
		s.Answers = map[string]string{}
		return true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return false, fmt.Errorf("insert session: %w", err)
	}

	existing, err := r.GetSession(ctx, s.Key())
	if err != nil {
		return false, fmt.Errorf("concurrent create detected, but fetch failed: %w", err)
	}
	*s = *existing
	return false, nil
}

// SaveAnswers merges answers into an in-progress session whose deadline is
// still ahead of now. Keys absent from answers are left untouched.
func (r *ExamSessionRepository) SaveAnswers(ctx context.Context, key model.SessionKey, answers map[string]string, now time.Time) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin autosave: %w", err)
	}
	defer tx.Rollback(ctx)

	var sessionID string
	err = tx.QueryRow(ctx,
		`UPDATE exam_sessions SET last_saved_at = $3
		 WHERE student_id = $1 AND subject = $2 AND status = $4 AND deadline_at > $3
		 RETURNING id`,
		key.StudentID, key.Subject, now, model.SessionStatusInProgress,
	).Scan(&sessionID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return classifyGuardMiss(ctx, tx, key)
		}
		return fmt.Errorf("claim session for autosave: %w", err)
	}

	if err := upsertAnswers(ctx, tx, sessionID, answers, now); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// FinalizeSession applies the terminal transition exactly once. The guarded
// UPDATE is the claim: a second caller blocks on the row lock, then matches
// zero rows and receives ErrSessionNotInProgress. A Grade error rolls the
// claim back so nothing about the session changes.
func (r *ExamSessionRepository) FinalizeSession(ctx context.Context, key model.SessionKey, fin model.Finalization) (*model.ExamSession, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin finalize: %w", err)
	}
	defer tx.Rollback(ctx)

	var sessionID string
	err = tx.QueryRow(ctx,
		`UPDATE exam_sessions SET status = $3, finished_at = $4
		 WHERE student_id = $1 AND subject = $2 AND status = $5
		 RETURNING id`,
		key.StudentID, key.Subject, fin.Status, fin.FinishedAt, model.SessionStatusInProgress,
	).Scan(&sessionID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, classifyGuardMiss(ctx, tx, key)
		}
		return nil, fmt.Errorf("claim session for finalize: %w", err)
	}

	if len(fin.Merge) > 0 {
		if err := upsertAnswers(ctx, tx, sessionID, fin.Merge, fin.FinishedAt); err != nil {
			return nil, err
		}
	}

	sess, err := getSession(ctx, tx, key)
	if err != nil {
		return nil, err
	}

	result, err := fin.Grade(sess.Answers)
	if err != nil {
		return nil, err
	}

	if _, err := tx.Exec(ctx,
		`UPDATE exam_sessions SET score = $2, total_questions = $3 WHERE id = $1`,
		sessionID, result.Score, result.Total,
	); err != nil {
		return nil, fmt.Errorf("store score: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit finalize: %w", err)
	}

	sess.Score = &result.Score
	sess.TotalQuestions = &result.Total
	return sess, nil
}

// ListExpiredKeys returns up to limit in-progress sessions whose deadline is
// at or before now, oldest deadline first, after skipping offset of them.
func (r *ExamSessionRepository) ListExpiredKeys(ctx context.Context, now time.Time, offset, limit int) ([]model.SessionKey, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT student_id, subject FROM exam_sessions
		 WHERE status = $1 AND deadline_at <= $2
		 ORDER BY deadline_at, student_id, subject
		 LIMIT $3 OFFSET $4`, model.SessionStatusInProgress, now, limit, offset)
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
func (r *ExamSessionRepository) ListSessionsByStudent(ctx context.Context, studentID int) ([]model.ExamSession, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+sessionColumns+` FROM exam_sessions
		 WHERE student_id = $1
		 ORDER BY started_at DESC`, studentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []model.ExamSession
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, *s)
	}
	return sessions, rows.Err()
}

// ListSessionReports joins sessions with students for the admin report. The caller
// derives the effective status.
func (r *ExamSessionRepository) ListSessionReports(ctx context.Context, filter model.SessionFilter) ([]model.SessionReport, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT es.id, es.student_id, st.admission_number, st.name, es.subject, es.class_level,
		        es.status, es.score, es.total_questions, es.started_at, es.deadline_at, es.finished_at
		 FROM exam_sessions es
		 JOIN students st ON st.id = es.student_id
		 WHERE ($1 = '' OR es.subject = $1) AND ($2 = '' OR es.class_level = $2)
		 ORDER BY es.subject, es.class_level, st.name`,
		filter.Subject, filter.ClassLevel)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var reports []model.SessionReport
	for rows.Next() {
		var rep model.SessionReport
		if err := rows.Scan(&rep.SessionID, &rep.StudentID, &rep.AdmissionNumber, &rep.StudentName,
			&rep.Subject, &rep.ClassLevel, &rep.StoredStatus, &rep.Score, &rep.Total,
			&rep.StartedAt, &rep.DeadlineAt, &rep.FinishedAt); err != nil {
			return nil, err
		}
		reports = append(reports, rep)
	}
	return reports, rows.Err()
}

// DeleteSession removes a session, its answers and its stored result (admin reset).
func (r *ExamSessionRepository) DeleteSession(ctx context.Context, key model.SessionKey) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx,
		`DELETE FROM exam_sessions WHERE student_id = $1 AND subject = $2`,
		key.StudentID, key.Subject)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	if _, err := tx.Exec(ctx,
		`DELETE FROM exam_results WHERE student_id = $1 AND subject = $2`,
		key.StudentID, key.Subject); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func upsertAnswers(ctx context.Context, tx pgx.Tx, sessionID string, answers map[string]string, now time.Time) error {
	if len(answers) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for qid, ans := range answers {
		batch.Queue(
			`INSERT INTO session_answers (session_id, question_id, answer, updated_at)
			 VALUES ($1, $2, $3, $4)
			 ON CONFLICT (session_id, question_id) DO UPDATE
			 SET answer = EXCLUDED.answer, updated_at = EXCLUDED.updated_at`,
			sessionID, qid, ans, now)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("upsert answers: %w", err)
	}
	return nil
}

// classifyGuardMiss explains why a guarded UPDATE touched no row.
func classifyGuardMiss(ctx context.Context, q querier, key model.SessionKey) error {
	var status model.SessionStatus
	err := q.QueryRow(ctx,
		`SELECT status FROM exam_sessions WHERE student_id = $1 AND subject = $2`,
		key.StudentID, key.Subject).Scan(&status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("classify session guard: %w", err)
	}
	if status.IsTerminal() {
		return ErrSessionNotInProgress
	}
	return ErrSessionPastDeadline
}

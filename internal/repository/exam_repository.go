package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stemsi/exstem-cbt/internal/model"
)

// ExamRepository is the question/exam catalog backed by PostgreSQL.
type ExamRepository struct {
	pool *pgxpool.Pool
}

// NewExamRepository creates a new ExamRepository.
func NewExamRepository(pool *pgxpool.Pool) *ExamRepository {
	return &ExamRepository{pool: pool}
}

// GetDefinition loads an exam definition with its ordered questions.
func (r *ExamRepository) GetDefinition(ctx context.Context, subject, classLevel string) (*model.ExamDefinition, error) {
	e := &model.ExamDefinition{}
	err := r.pool.QueryRow(ctx,
		`SELECT id, subject, class_level, title, duration_minutes, is_active, shuffle_questions, updated_at
		 FROM exams WHERE subject = $1 AND class_level = $2`, subject, classLevel,
	).Scan(&e.ID, &e.Subject, &e.ClassLevel, &e.Title, &e.DurationMinutes, &e.IsActive, &e.ShuffleQuestions, &e.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	rows, err := r.pool.Query(ctx,
		`SELECT id, text, option_a, option_b, option_c, option_d, correct_answer, image_ref
		 FROM questions WHERE exam_id = $1
		 ORDER BY position`, e.ID)
	if err != nil {
		return nil, fmt.Errorf("list questions: %w", err)
	}
	defer rows.Close()

	e.Questions = []model.Question{}
	for rows.Next() {
		var q model.Question
		if err := rows.Scan(&q.ID, &q.Text, &q.Options.A, &q.Options.B, &q.Options.C, &q.Options.D,
			&q.CorrectAnswer, &q.ImageRef); err != nil {
			return nil, err
		}
		e.Questions = append(e.Questions, q)
	}
	return e, rows.Err()
}

// ListExams returns every exam definition with its question count.
// An empty classLevel lists all class levels.
func (r *ExamRepository) ListExams(ctx context.Context, classLevel string, activeOnly bool) ([]model.ExamSummary, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT e.id, e.subject, e.class_level, e.title, e.duration_minutes, e.is_active, e.shuffle_questions,
		        e.updated_at, COUNT(q.id)
		 FROM exams e
		 LEFT JOIN questions q ON q.exam_id = e.id
		 WHERE ($1 = '' OR e.class_level = $1) AND (NOT $2 OR e.is_active)
		 GROUP BY e.id
		 ORDER BY e.class_level, e.subject`, classLevel, activeOnly)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var exams []model.ExamSummary
	for rows.Next() {
		var e model.ExamSummary
		if err := rows.Scan(&e.ID, &e.Subject, &e.ClassLevel, &e.Title, &e.DurationMinutes, &e.IsActive,
			&e.ShuffleQuestions, &e.UpdatedAt, &e.QuestionCount); err != nil {
			return nil, err
		}
		exams = append(exams, e)
	}
	return exams, rows.Err()
}

// UpsertExam creates or updates the definition keyed by (subject, class_level).
// Sessions already in flight keep their stored deadline.
func (r *ExamRepository) UpsertExam(ctx context.Context, e *model.ExamDefinition) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	return r.pool.QueryRow(ctx,
		`INSERT INTO exams (id, subject, class_level, title, duration_minutes, is_active, shuffle_questions)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (subject, class_level) DO UPDATE
		 SET title = EXCLUDED.title,
		     duration_minutes = EXCLUDED.duration_minutes,
		     is_active = EXCLUDED.is_active,
		     shuffle_questions = EXCLUDED.shuffle_questions,
		     updated_at = NOW()
		 RETURNING id, updated_at`,
		e.ID, e.Subject, e.ClassLevel, e.Title, e.DurationMinutes, e.IsActive, e.ShuffleQuestions,
	).Scan(&e.ID, &e.UpdatedAt)
}

// ReplaceQuestions swaps the full question list of an exam in one transaction.
func (r *ExamRepository) ReplaceQuestions(ctx context.Context, subject, classLevel string, questions []model.Question) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	var examID uuid.UUID
	err = tx.QueryRow(ctx,
		`SELECT id FROM exams WHERE subject = $1 AND class_level = $2 FOR UPDATE`, subject, classLevel,
	).Scan(&examID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		return err
	}

	// The row lock above conflicts with the key-share lock a session insert
	// takes on exams, so no session can start until this commits.
	var inUse bool
	if err := tx.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM exam_sessions WHERE exam_id = $1 AND status = $2)`,
		examID, model.SessionStatusInProgress,
	).Scan(&inUse); err != nil {
		return fmt.Errorf("check open sessions: %w", err)
	}
	if inUse {
		return ErrExamInUse
	}

	if _, err := tx.Exec(ctx, `DELETE FROM questions WHERE exam_id = $1`, examID); err != nil {
		return fmt.Errorf("clear questions: %w", err)
	}

	rows := make([][]any, len(questions))
	for i, q := range questions {
		rows[i] = []any{q.ID, examID, i, q.Text, q.Options.A, q.Options.B, q.Options.C, q.Options.D, q.CorrectAnswer, q.ImageRef}
	}
	if _, err := tx.CopyFrom(ctx,
		pgx.Identifier{"questions"},
		[]string{"id", "exam_id", "position", "text", "option_a", "option_b", "option_c", "option_d", "correct_answer", "image_ref"},
		pgx.CopyFromRows(rows),
	); err != nil {
		return fmt.Errorf("copy questions: %w", err)
	}

	if _, err := tx.Exec(ctx, `UPDATE exams SET updated_at = NOW() WHERE id = $1`, examID); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/stemsi/exstem-cbt/internal/model"
	"github.com/stemsi/exstem-cbt/internal/repository"
)

// GetDefinition loads an exam definition with its ordered questions.
func (s *Store) GetDefinition(ctx context.Context, subject, classLevel string) (*model.ExamDefinition, error) {
	e := &model.ExamDefinition{}
	var updatedAt int64
	err := s.db.QueryRowContext(ctx,
		`SELECT id, subject, class_level, title, duration_minutes, is_active, shuffle_questions, updated_at_unix
		 FROM exams WHERE subject = ? AND class_level = ?`, subject, classLevel,
	).Scan(&e.ID, &e.Subject, &e.ClassLevel, &e.Title, &e.DurationMinutes, &e.IsActive, &e.ShuffleQuestions, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	e.UpdatedAt = fromUnix(updatedAt)

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, text, option_a, option_b, option_c, option_d, correct_answer, image_ref
		 FROM questions WHERE exam_id = ?
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
func (s *Store) ListExams(ctx context.Context, classLevel string, activeOnly bool) ([]model.ExamSummary, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT e.id, e.subject, e.class_level, e.title, e.duration_minutes, e.is_active, e.shuffle_questions,
		        e.updated_at_unix, COUNT(q.id)
		 FROM exams e
		 LEFT JOIN questions q ON q.exam_id = e.id
		 WHERE (?1 = '' OR e.class_level = ?1) AND (?2 = 0 OR e.is_active = 1)
		 GROUP BY e.id
		 ORDER BY e.class_level, e.subject`, classLevel, activeOnly)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var exams []model.ExamSummary
	for rows.Next() {
		var (
			e         model.ExamSummary
			updatedAt int64
		)
		if err := rows.Scan(&e.ID, &e.Subject, &e.ClassLevel, &e.Title, &e.DurationMinutes, &e.IsActive,
			&e.ShuffleQuestions, &updatedAt, &e.QuestionCount); err != nil {
			return nil, err
		}
		e.UpdatedAt = fromUnix(updatedAt)
		exams = append(exams, e)
	}
	return exams, rows.Err()
}

// UpsertExam creates or updates the definition keyed by (subject, class_level).
func (s *Store) UpsertExam(ctx context.Context, e *model.ExamDefinition) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	now := time.Now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO exams (id, subject, class_level, title, duration_minutes, is_active, shuffle_questions, updated_at_unix)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(subject, class_level) DO UPDATE SET
			title = excluded.title,
			duration_minutes = excluded.duration_minutes,
			is_active = excluded.is_active,
			shuffle_questions = excluded.shuffle_questions,
			updated_at_unix = excluded.updated_at_unix`,
		e.ID, e.Subject, e.ClassLevel, e.Title, e.DurationMinutes, e.IsActive, e.ShuffleQuestions, toUnix(now),
	); err != nil {
		return err
	}

	if err := tx.QueryRowContext(ctx,
		`SELECT id FROM exams WHERE subject = ? AND class_level = ?`, e.Subject, e.ClassLevel,
	).Scan(&e.ID); err != nil {
		return err
	}
	e.UpdatedAt = fromUnix(toUnix(now))
	return tx.Commit()
}

// ReplaceQuestions swaps the full question list of an exam in one transaction.
func (s *Store) ReplaceQuestions(ctx context.Context, subject, classLevel string, questions []model.Question) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var examID string
	err = tx.QueryRowContext(ctx,
		`SELECT id FROM exams WHERE subject = ? AND class_level = ?`, subject, classLevel,
	).Scan(&examID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return repository.ErrNotFound
		}
		return err
	}

	var open int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM exam_sessions WHERE subject = ? AND class_level = ? AND status = ?`,
		subject, classLevel, model.SessionStatusInProgress,
	).Scan(&open); err != nil {
		return fmt.Errorf("count open sessions: %w", err)
	}
	if open > 0 {
		return repository.ErrExamInUse
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM questions WHERE exam_id = ?`, examID); err != nil {
		return fmt.Errorf("clear questions: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO questions (exam_id, id, position, text, option_a, option_b, option_c, option_d, correct_answer, image_ref)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for i, q := range questions {
		if _, err := stmt.ExecContext(ctx, examID, q.ID, i, q.Text,
			q.Options.A, q.Options.B, q.Options.C, q.Options.D, q.CorrectAnswer, q.ImageRef); err != nil {
			return fmt.Errorf("insert question %q: %w", q.ID, err)
		}
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE exams SET updated_at_unix = ? WHERE id = ?`, toUnix(time.Now()), examID); err != nil {
		return err
	}
	return tx.Commit()
}

package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	sqlite3 "github.com/mattn/go-sqlite3"
	"github.com/stemsi/exstem-cbt/internal/model"
	"github.com/stemsi/exstem-cbt/internal/repository"
)

// GetStudent retrieves a student by ID.
func (s *Store) GetStudent(ctx context.Context, id int) (*model.Student, error) {
	return s.getStudent(ctx, `WHERE id = ?`, id)
}

// GetStudentByAdmissionNumber retrieves a student by admission number (case-insensitive).
func (s *Store) GetStudentByAdmissionNumber(ctx context.Context, admissionNumber string) (*model.Student, error) {
	return s.getStudent(ctx, `WHERE admission_number = ?`, strings.ToUpper(strings.TrimSpace(admissionNumber)))
}

func (s *Store) getStudent(ctx context.Context, where string, arg any) (*model.Student, error) {
	st := &model.Student{}
	var createdAt int64
	err := s.db.QueryRowContext(ctx,
		`SELECT id, admission_number, name, class_level, password_hash, created_at_unix
		 FROM students `+where, arg,
	).Scan(&st.ID, &st.AdmissionNumber, &st.Name, &st.ClassLevel, &st.PasswordHash, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	st.CreatedAt = fromUnix(createdAt)
	return st, nil
}

// CreateStudent inserts a new student.
func (s *Store) CreateStudent(ctx context.Context, st *model.Student) error {
	st.AdmissionNumber = strings.ToUpper(strings.TrimSpace(st.AdmissionNumber))
	st.CreatedAt = fromUnix(toUnix(time.Now()))

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO students (admission_number, name, class_level, password_hash, created_at_unix)
		 VALUES (?, ?, ?, ?, ?)`,
		st.AdmissionNumber, st.Name, st.ClassLevel, st.PasswordHash, toUnix(st.CreatedAt))
	if err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique {
			return repository.ErrDuplicateStudent
		}
		return err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	st.ID = int(id)
	return nil
}

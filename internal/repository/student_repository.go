package repository

import (
	"context"
	"errors"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stemsi/exstem-cbt/internal/model"
)

// ErrDuplicateStudent is returned when the admission number is already taken.
var ErrDuplicateStudent = errors.New("admission number already registered")

// StudentRepository handles student data access.
type StudentRepository struct {
	pool *pgxpool.Pool
}

// NewStudentRepository creates a new StudentRepository.
func NewStudentRepository(pool *pgxpool.Pool) *StudentRepository {
	return &StudentRepository{pool: pool}
}

// GetStudent retrieves a student by ID.
func (r *StudentRepository) GetStudent(ctx context.Context, id int) (*model.Student, error) {
	return r.getOne(ctx, `WHERE id = $1`, id)
}

// GetStudentByAdmissionNumber retrieves a student by admission number (case-insensitive).
func (r *StudentRepository) GetStudentByAdmissionNumber(ctx context.Context, admissionNumber string) (*model.Student, error) {
	return r.getOne(ctx, `WHERE admission_number = $1`, strings.ToUpper(strings.TrimSpace(admissionNumber)))
}

func (r *StudentRepository) getOne(ctx context.Context, where string, arg any) (*model.Student, error) {
	s := &model.Student{}
	err := r.pool.QueryRow(ctx,
		`SELECT id, admission_number, name, class_level, password_hash, created_at
		 FROM students `+where, arg,
	).Scan(&s.ID, &s.AdmissionNumber, &s.Name, &s.ClassLevel, &s.PasswordHash, &s.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return s, nil
}

// CreateStudent inserts a new student.
func (r *StudentRepository) CreateStudent(ctx context.Context, s *model.Student) error {
	s.AdmissionNumber = strings.ToUpper(strings.TrimSpace(s.AdmissionNumber))
	err := r.pool.QueryRow(ctx,
		`INSERT INTO students (admission_number, name, class_level, password_hash)
		 VALUES ($1, $2, $3, $4)
		 RETURNING id, created_at`,
		s.AdmissionNumber, s.Name, s.ClassLevel, s.PasswordHash,
	).Scan(&s.ID, &s.CreatedAt)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return ErrDuplicateStudent
	}
	return err
}

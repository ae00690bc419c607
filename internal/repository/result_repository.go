package repository

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stemsi/exstem-cbt/internal/model"
)

// ResultRepository is the result store for finalized scores.
type ResultRepository struct {
	pool *pgxpool.Pool
}

// NewResultRepository creates a new ResultRepository.
func NewResultRepository(pool *pgxpool.Pool) *ResultRepository {
	return &ResultRepository{pool: pool}
}

// Record stores one result. Replays for the same (student, subject) are ignored.
func (r *ResultRepository) Record(ctx context.Context, rec model.ResultRecord) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO exam_results (student_id, subject, class_level, score, total, status, recorded_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (student_id, subject) DO NOTHING`,
		rec.StudentID, rec.Subject, rec.ClassLevel, rec.Score, rec.Total, rec.Status, rec.RecordedAt)
	return err
}

// RecordBatch inserts many results in one statement using UNNEST.
func (r *ResultRepository) RecordBatch(ctx context.Context, recs []model.ResultRecord) error {
	n := len(recs)
	if n == 0 {
		return nil
	}

	students := make([]int, n)
	subjects := make([]string, n)
	classes := make([]string, n)
	scores := make([]int, n)
	totals := make([]int, n)
	statuses := make([]string, n)
	recordedAts := make([]time.Time, n)
	for i, rec := range recs {
		students[i] = rec.StudentID
		subjects[i] = rec.Subject
		classes[i] = rec.ClassLevel
		scores[i] = rec.Score
		totals[i] = rec.Total
		statuses[i] = string(rec.Status)
		recordedAts[i] = rec.RecordedAt
	}

	_, err := r.pool.Exec(ctx, `
		INSERT INTO exam_results (student_id, subject, class_level, score, total, status, recorded_at)
		SELECT * FROM UNNEST(
			$1::int[],
			$2::text[],
			$3::text[],
			$4::int[],
			$5::int[],
			$6::text[],
			$7::timestamptz[]
		)
		ON CONFLICT (student_id, subject) DO NOTHING`,
		students, subjects, classes, scores, totals, statuses, recordedAts)
	return err
}

// ListResults returns stored results joined with students, optionally for one subject.
func (r *ResultRepository) ListResults(ctx context.Context, subject string) ([]model.StoredResult, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT r.student_id, r.subject, r.class_level, r.score, r.total, r.status, r.recorded_at,
		        s.admission_number, s.name
		 FROM exam_results r
		 JOIN students s ON s.id = r.student_id
		 WHERE ($1 = '' OR r.subject = $1)
		 ORDER BY r.subject, r.class_level, s.name`, subject)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []model.StoredResult
	for rows.Next() {
		var res model.StoredResult
		if err := rows.Scan(&res.StudentID, &res.Subject, &res.ClassLevel, &res.Score, &res.Total, &res.Status,
			&res.RecordedAt, &res.AdmissionNumber, &res.StudentName); err != nil {
			return nil, err
		}
		results = append(results, res)
	}
	return results, rows.Err()
}

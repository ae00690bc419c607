package sqlite

import (
	"context"
	"fmt"

	"github.com/stemsi/exstem-cbt/internal/model"
)

const insertResult = `INSERT OR IGNORE INTO exam_results
	(student_id, subject, class_level, score, total, status, recorded_at_unix)
	VALUES (?, ?, ?, ?, ?, ?, ?)`

// Record stores one result. Replays for the same (student, subject) are ignored.
func (s *Store) Record(ctx context.Context, rec model.ResultRecord) error {
	_, err := s.db.ExecContext(ctx, insertResult,
		rec.StudentID, rec.Subject, rec.ClassLevel, rec.Score, rec.Total, rec.Status, toUnix(rec.RecordedAt))
	return err
}

// RecordBatch inserts many results in one transaction.
func (s *Store) RecordBatch(ctx context.Context, recs []model.ResultRecord) error {
	if len(recs) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, insertResult)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, rec := range recs {
		if _, err := stmt.ExecContext(ctx,
			rec.StudentID, rec.Subject, rec.ClassLevel, rec.Score, rec.Total, rec.Status, toUnix(rec.RecordedAt)); err != nil {
			return fmt.Errorf("insert result %d/%s: %w", rec.StudentID, rec.Subject, err)
		}
	}
	return tx.Commit()
}

// ListResults returns stored results joined with students, optionally for one subject.
func (s *Store) ListResults(ctx context.Context, subject string) ([]model.StoredResult, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT r.student_id, r.subject, r.class_level, r.score, r.total, r.status, r.recorded_at_unix,
		        st.admission_number, st.name
		 FROM exam_results r
		 JOIN students st ON st.id = r.student_id
		 WHERE (?1 = '' OR r.subject = ?1)
		 ORDER BY r.subject, r.class_level, st.name`, subject)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []model.StoredResult
	for rows.Next() {
		var (
			res        model.StoredResult
			recordedAt int64
		)
		if err := rows.Scan(&res.StudentID, &res.Subject, &res.ClassLevel, &res.Score, &res.Total, &res.Status,
			&recordedAt, &res.AdmissionNumber, &res.StudentName); err != nil {
			return nil, err
		}
		res.RecordedAt = fromUnix(recordedAt)
		results = append(results, res)
	}
	return results, rows.Err()
}

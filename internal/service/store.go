package service

import (
	"context"
	"time"

	"github.com/stemsi/exstem-cbt/internal/model"
)

// SessionStore persists exam sessions. Implementations serialize mutations per
// key through guarded conditional updates and report guard misses with the
// repository sentinels.
type SessionStore interface {
	GetSession(ctx context.Context, key model.SessionKey) (*model.ExamSession, error)
	CreateSession(ctx context.Context, s *model.ExamSession) (created bool, err error)
	SaveAnswers(ctx context.Context, key model.SessionKey, answers map[string]string, now time.Time) error
	FinalizeSession(ctx context.Context, key model.SessionKey, fin model.Finalization) (*model.ExamSession, error)
	ListExpiredKeys(ctx context.Context, now time.Time, offset, limit int) ([]model.SessionKey, error)
	ListSessionsByStudent(ctx context.Context, studentID int) ([]model.ExamSession, error)
	ListSessionReports(ctx context.Context, filter model.SessionFilter) ([]model.SessionReport, error)
	DeleteSession(ctx context.Context, key model.SessionKey) error
}

// ExamStore is the persistent question/exam catalog.
type ExamStore interface {
	GetDefinition(ctx context.Context, subject, classLevel string) (*model.ExamDefinition, error)
	ListExams(ctx context.Context, classLevel string, activeOnly bool) ([]model.ExamSummary, error)
	UpsertExam(ctx context.Context, e *model.ExamDefinition) error
	ReplaceQuestions(ctx context.Context, subject, classLevel string, questions []model.Question) error
}

// StudentStore reads and creates students.
type StudentStore interface {
	GetStudent(ctx context.Context, id int) (*model.Student, error)
	GetStudentByAdmissionNumber(ctx context.Context, admissionNumber string) (*model.Student, error)
	CreateStudent(ctx context.Context, s *model.Student) error
}

// ResultStore holds finalized scores for export.
type ResultStore interface {
	Record(ctx context.Context, rec model.ResultRecord) error
	RecordBatch(ctx context.Context, recs []model.ResultRecord) error
	ListResults(ctx context.Context, subject string) ([]model.StoredResult, error)
}

// ResultSink receives each finalized score once, after the session commit.
type ResultSink interface {
	Record(ctx context.Context, rec model.ResultRecord) error
}

// Catalog is what the session engine needs from the exam catalog.
type Catalog interface {
	Lookup(ctx context.Context, subject, classLevel string) (*model.ExamDefinition, error)
	ListExams(ctx context.Context, classLevel string, activeOnly bool) ([]model.ExamSummary, error)
}

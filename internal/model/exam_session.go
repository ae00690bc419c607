package model

import (
	"time"

	"github.com/google/uuid"
)

// SessionStatus enumerates exam session states.
type SessionStatus string

const (
	SessionStatusInProgress SessionStatus = "in_progress"
	SessionStatusSubmitted  SessionStatus = "submitted"
	SessionStatusExpired    SessionStatus = "expired"
)

// IsTerminal reports whether no further mutation is allowed.
func (s SessionStatus) IsTerminal() bool {
	return s == SessionStatusSubmitted || s == SessionStatusExpired
}

// FinalizeReason is what the client claims triggered the submission.
type FinalizeReason string

const (
	FinalizeReasonManual  FinalizeReason = "manual"
	FinalizeReasonTimeout FinalizeReason = "timeout"
)

// SessionKey identifies at most one exam session.
type SessionKey struct {
	StudentID int
	Subject   string
}

// ExamSession is one student's single attempt at one exam definition.
type ExamSession struct {
	ID             uuid.UUID         `json:"id"`
	StudentID      int               `json:"student_id"`
	Subject        string            `json:"subject"`
	ClassLevel     string            `json:"class_level"`
	ExamID         uuid.UUID         `json:"exam_id"`
	StartedAt      time.Time         `json:"started_at"`
	DeadlineAt     time.Time         `json:"deadline_at"`
	Status         SessionStatus     `json:"status"`
	Answers        map[string]string `json:"answers"`
	LastSavedAt    *time.Time        `json:"last_saved_at,omitempty"`
	FinishedAt     *time.Time        `json:"finished_at,omitempty"`
	Score          *int              `json:"score,omitempty"`
	TotalQuestions *int              `json:"total_questions,omitempty"`
}

// Key returns the session's (student, subject) key.
func (s *ExamSession) Key() SessionKey {
	return SessionKey{StudentID: s.StudentID, Subject: s.Subject}
}

// ExpiredAt reports whether the deadline has been reached at now.
func (s *ExamSession) ExpiredAt(now time.Time) bool {
	return !now.Before(s.DeadlineAt)
}

// EffectiveStatus is the status a report should show: an in-progress session
// past its deadline counts as expired even before anything finalized it.
func (s *ExamSession) EffectiveStatus(now time.Time) SessionStatus {
	if s.Status == SessionStatusInProgress && s.ExpiredAt(now) {
		return SessionStatusExpired
	}
	return s.Status
}

// ScoreResult is the outcome of grading a session.
type ScoreResult struct {
	Score      int     `json:"score"`
	Total      int     `json:"total"`
	Percentage float64 `json:"percentage"`
}

// Finalization describes the terminal transition applied by a session store.
// Merge is applied before Grade sees the answers; Grade returning an error
// aborts the whole transition.
type Finalization struct {
	Status     SessionStatus
	Merge      map[string]string
	FinishedAt time.Time
	Grade      func(answers map[string]string) (ScoreResult, error)
}

// EnterExamRequest is the payload for starting or resuming an exam.
type EnterExamRequest struct {
	StudentID int    `json:"student_id" binding:"omitempty,min=1"`
	Subject   string `json:"subject" binding:"required,min=2,max=32"`
}

// EnterExamResponse is returned by enter: the paper plus resume state.
type EnterExamResponse struct {
	SessionID            uuid.UUID            `json:"session_id"`
	Subject              string               `json:"subject"`
	Title                string               `json:"title"`
	Questions            []QuestionForStudent `json:"questions"`
	TimeRemainingSeconds int64                `json:"time_remaining_seconds"`
	SavedAnswers         map[string]string    `json:"saved_answers"`
	StartedAt            time.Time            `json:"started_at"`
	DeadlineAt           time.Time            `json:"deadline_at"`
	Resumed              bool                 `json:"resumed"`
}

// AutosaveRequest carries a partial answers snapshot.
type AutosaveRequest struct {
	StudentID int               `json:"student_id" binding:"omitempty,min=1"`
	Subject   string            `json:"subject" binding:"required,min=2,max=32"`
	Answers   map[string]string `json:"answers" binding:"required,max=500,dive,keys,min=1,max=64,endkeys,optionletter"`
}

// AutosaveResponse confirms persistence.
type AutosaveResponse struct {
	SavedAt time.Time `json:"saved_at"`
}

// SubmitRequest finalizes the exam. Answers are optional; reason is advisory.
type SubmitRequest struct {
	StudentID int               `json:"student_id" binding:"omitempty,min=1"`
	Subject   string            `json:"subject" binding:"required,min=2,max=32"`
	Answers   map[string]string `json:"answers" binding:"omitempty,max=500,dive,keys,min=1,max=64,endkeys,optionletter"`
	Reason    FinalizeReason    `json:"reason" binding:"omitempty,oneof=manual timeout"`
}

// SubmitResponse is the scored outcome.
type SubmitResponse struct {
	ScoreResult
	Status SessionStatus `json:"status"`
}

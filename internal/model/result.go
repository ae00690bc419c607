package model

import "time"

// ResultRecord is a finalized score handed to the result store.
type ResultRecord struct {
	StudentID  int           `json:"student_id"`
	Subject    string        `json:"subject"`
	ClassLevel string        `json:"class_level"`
	Score      int           `json:"score"`
	Total      int           `json:"total"`
	Status     SessionStatus `json:"status"`
	RecordedAt time.Time     `json:"recorded_at"`
}

// StoredResult is a result row joined with student details for export.
type StoredResult struct {
	ResultRecord
	AdmissionNumber string `json:"admission_number"`
	StudentName     string `json:"student_name"`
}

// SessionFilter narrows session listings. Empty fields match everything.
type SessionFilter struct {
	Subject    string
	ClassLevel string
}

// SessionReport is one row of the admin session report.
type SessionReport struct {
	SessionID       string        `json:"session_id"`
	StudentID       int           `json:"student_id"`
	AdmissionNumber string        `json:"admission_number"`
	StudentName     string        `json:"student_name"`
	Subject         string        `json:"subject"`
	ClassLevel      string        `json:"class_level"`
	Status          SessionStatus `json:"status"`
	StoredStatus    SessionStatus `json:"stored_status"`
	Score           *int          `json:"score"`
	Total           *int          `json:"total"`
	StartedAt       time.Time     `json:"started_at"`
	DeadlineAt      time.Time     `json:"deadline_at"`
	FinishedAt      *time.Time    `json:"finished_at"`
}

// LobbyStatus is how an exam appears in the student's lobby.
type LobbyStatus string

const (
	LobbyStatusAvailable  LobbyStatus = "available"
	LobbyStatusInProgress LobbyStatus = "in_progress"
	LobbyStatusSubmitted  LobbyStatus = "submitted"
	LobbyStatusExpired    LobbyStatus = "expired"
)

// LobbyExam represents an exam as displayed in the student lobby.
type LobbyExam struct {
	ExamSummary
	LobbyStatus LobbyStatus `json:"lobby_status"`
	Score       *int        `json:"score,omitempty"`
	Total       *int        `json:"total,omitempty"`
}

package model

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// OptionLetters lists the valid answer letters in display order.
var OptionLetters = []string{"A", "B", "C", "D"}

// NormalizeCode canonicalizes subject and class level codes ("math " -> "MATH").
func NormalizeCode(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}

// NormalizeLetter returns the upper-cased option letter, or "" if s is not A-D.
func NormalizeLetter(s string) string {
	letter := strings.ToUpper(strings.TrimSpace(s))
	switch letter {
	case "A", "B", "C", "D":
		return letter
	default:
		return ""
	}
}

// ExamDefinition is the question set and timing for one (subject, class level).
type ExamDefinition struct {
	ID               uuid.UUID  `json:"id"`
	Subject          string     `json:"subject"`
	ClassLevel       string     `json:"class_level"`
	Title            string     `json:"title"`
	DurationMinutes  int        `json:"duration_minutes"`
	IsActive         bool       `json:"is_active"`
	ShuffleQuestions bool       `json:"shuffle_questions"`
	Questions        []Question `json:"questions"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// Duration returns the configured exam length.
func (e *ExamDefinition) Duration() time.Duration {
	return time.Duration(e.DurationMinutes) * time.Minute
}

// QuestionOptions holds the four answer choices.
type QuestionOptions struct {
	A string `json:"A" binding:"required,max=1000"`
	B string `json:"B" binding:"required,max=1000"`
	C string `json:"C" binding:"required,max=1000"`
	D string `json:"D" binding:"required,max=1000"`
}

// Question is a single multiple-choice question worth one point.
type Question struct {
	ID            string          `json:"id"`
	Text          string          `json:"text"`
	Options       QuestionOptions `json:"options"`
	CorrectAnswer string          `json:"correct_answer"`
	ImageRef      string          `json:"image_ref,omitempty"`
}

// QuestionForStudent is a question without the correct answer, sent to students.
type QuestionForStudent struct {
	ID       string          `json:"id"`
	Text     string          `json:"text"`
	Options  QuestionOptions `json:"options"`
	ImageRef string          `json:"image_ref,omitempty"`
}

// ForStudent strips the answer key.
func (q Question) ForStudent() QuestionForStudent {
	return QuestionForStudent{
		ID:       q.ID,
		Text:     q.Text,
		Options:  q.Options,
		ImageRef: q.ImageRef,
	}
}

// ExamSummary is an exam definition without its questions, for listings.
type ExamSummary struct {
	ID               uuid.UUID `json:"id"`
	Subject          string    `json:"subject"`
	ClassLevel       string    `json:"class_level"`
	Title            string    `json:"title"`
	DurationMinutes  int       `json:"duration_minutes"`
	IsActive         bool      `json:"is_active"`
	ShuffleQuestions bool      `json:"shuffle_questions"`
	QuestionCount    int       `json:"question_count"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// UpsertExamRequest is the admin payload for creating or updating an exam definition.
type UpsertExamRequest struct {
	Subject          string `json:"subject" binding:"required,min=2,max=32"`
	ClassLevel       string `json:"class_level" binding:"required,min=1,max=16"`
	Title            string `json:"title" binding:"required,min=3,max=255"`
	DurationMinutes  int    `json:"duration_minutes" binding:"required,min=1,max=480"`
	IsActive         *bool  `json:"is_active" binding:"required"`
	ShuffleQuestions bool   `json:"shuffle_questions"`
}

// QuestionInput is one question in a replace-questions payload.
type QuestionInput struct {
	ID            string          `json:"id" binding:"omitempty,max=64"`
	Text          string          `json:"text" binding:"required,min=1,max=2000"`
	Options       QuestionOptions `json:"options" binding:"required"`
	CorrectAnswer string          `json:"correct_answer" binding:"required,optionletter"`
	ImageRef      string          `json:"image_ref" binding:"omitempty,max=255"`
}

// ReplaceQuestionsRequest is the payload for bulk replacing an exam's questions.
type ReplaceQuestionsRequest struct {
	Questions []QuestionInput `json:"questions" binding:"required,min=1,dive"`
}

package service

import (
	"errors"
	"fmt"

	"github.com/stemsi/exstem-cbt/internal/model"
)

// Exam session outcomes. Handlers map each to a distinct response code so the
// client can tell a closed session from an expired one from a store outage.
var (
	ErrExamNotAvailable          = errors.New("exam is not available")
	ErrNoQuestions               = errors.New("exam has no questions")
	ErrSessionAlreadyClosed      = errors.New("exam session is already closed")
	ErrExpiredSession            = errors.New("exam session has expired")
	ErrAlreadySubmitted          = errors.New("exam session was already finalized")
	ErrScoringInvariantViolation = errors.New("score outside of [0, total]")
	ErrSessionNotFound           = errors.New("exam session not found")
	ErrSessionNotExpired         = errors.New("exam session deadline has not passed")
	ErrInvalidAnswer             = errors.New("answer must be one of A, B, C, D")
	ErrDuplicateQuestionID       = errors.New("duplicate question id")
	ErrExamInUse                 = errors.New("exam has sessions in progress")
	ErrStoreFailure              = errors.New("session store unavailable")
)

// AlreadySubmittedError is returned by a finalize that lost to an earlier one.
// Result holds the originally recorded outcome; it is never recomputed.
type AlreadySubmittedError struct {
	Result *model.SubmitResponse
}

func (e *AlreadySubmittedError) Error() string {
	if e.Result == nil {
		return ErrAlreadySubmitted.Error()
	}
	return fmt.Sprintf("%s (status %s, score %d/%d)", ErrAlreadySubmitted, e.Result.Status, e.Result.Score, e.Result.Total)
}

func (e *AlreadySubmittedError) Unwrap() error {
	return ErrAlreadySubmitted
}

func storeFailure(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrStoreFailure, op, err)
}

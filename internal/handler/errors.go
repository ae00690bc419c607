package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-cbt/internal/response"
	"github.com/stemsi/exstem-cbt/internal/service"
)

// examErrorStatus maps an engine error to its HTTP status and error code.
func examErrorStatus(err error) (int, response.ErrCode) {
	switch {
	case errors.Is(err, service.ErrExamNotAvailable):
		return http.StatusNotFound, response.ErrExamNotAvailable
	case errors.Is(err, service.ErrNoQuestions):
		return http.StatusConflict, response.ErrNoQuestions
	case errors.Is(err, service.ErrExamInUse):
		return http.StatusConflict, response.ErrExamInUse
	case errors.Is(err, service.ErrSessionAlreadyClosed):
		return http.StatusConflict, response.ErrSessionAlreadyClosed
	case errors.Is(err, service.ErrExpiredSession):
		return http.StatusGone, response.ErrExpiredSession
	case errors.Is(err, service.ErrAlreadySubmitted):
		return http.StatusConflict, response.ErrAlreadySubmitted
	case errors.Is(err, service.ErrSessionNotFound):
		return http.StatusNotFound, response.ErrSessionNotFound
	case errors.Is(err, service.ErrInvalidAnswer), errors.Is(err, service.ErrDuplicateQuestionID):
		return http.StatusBadRequest, response.ErrInvalidAnswer
	case errors.Is(err, service.ErrScoringInvariantViolation):
		return http.StatusInternalServerError, response.ErrScoringInvariantViolation
	case errors.Is(err, service.ErrStoreFailure):
		return http.StatusServiceUnavailable, response.ErrStoreUnavailable
	default:
		return http.StatusInternalServerError, response.ErrInternal
	}
}

// failExam writes the error response for an engine error. An already
// submitted session answers with the score recorded the first time.
func failExam(c *gin.Context, err error) {
	status, code := examErrorStatus(err)

	var already *service.AlreadySubmittedError
	if errors.As(err, &already) && already.Result != nil {
		response.FailWithData(c, status, code, already.Result)
		return
	}

	if status >= http.StatusInternalServerError {
		zerolog.Ctx(c.Request.Context()).Error().Err(err).Str("code", string(code)).Msg("Exam request failed")
	}
	response.Fail(c, status, code)
}

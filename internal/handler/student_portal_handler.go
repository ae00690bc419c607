package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/stemsi/exstem-cbt/internal/middleware"
	"github.com/stemsi/exstem-cbt/internal/model"
	"github.com/stemsi/exstem-cbt/internal/response"
	"github.com/stemsi/exstem-cbt/internal/service"
	"github.com/stemsi/exstem-cbt/internal/validator"
)

// StudentPortalHandler handles student-facing endpoints (exam taking, lobby).
type StudentPortalHandler struct {
	sessionService *service.ExamSessionService
}

// NewStudentPortalHandler creates a new StudentPortalHandler.
func NewStudentPortalHandler(sessionService *service.ExamSessionService) *StudentPortalHandler {
	return &StudentPortalHandler{sessionService: sessionService}
}

// studentRef resolves the caller from the JWT. A student_id carried in the
// body must name the same student.
func studentRef(c *gin.Context, bodyStudentID int) (service.StudentRef, bool) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return service.StudentRef{}, false
	}
	if bodyStudentID != 0 && bodyStudentID != claims.UserID {
		response.Fail(c, http.StatusForbidden, response.ErrForbidden)
		return service.StudentRef{}, false
	}
	return service.StudentRef{ID: claims.UserID, ClassLevel: claims.ClassLevel}, true
}

// GetLobby godoc
// GET /api/v1/student/exams
// Returns the active exams for the student's class level with session state.
func (h *StudentPortalHandler) GetLobby(c *gin.Context) {
	student, ok := studentRef(c, 0)
	if !ok {
		return
	}

	lobby, err := h.sessionService.Lobby(c.Request.Context(), student)
	if err != nil {
		failExam(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{"exams": lobby})
}

// EnterExam godoc
// POST /api/v1/student/exam/enter
// Starts the exam or resumes the existing session with its saved answers.
func (h *StudentPortalHandler) EnterExam(c *gin.Context) {
	var req model.EnterExamRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}

	student, ok := studentRef(c, req.StudentID)
	if !ok {
		return
	}

	paper, err := h.sessionService.EnterExam(c.Request.Context(), student, req.Subject)
	if err != nil {
		failExam(c, err)
		return
	}

	response.Success(c, http.StatusOK, paper)
}

// Autosave godoc
// POST /api/v1/student/exam/autosave
// Merges a partial answers snapshot into the open session.
func (h *StudentPortalHandler) Autosave(c *gin.Context) {
	var req model.AutosaveRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}

	student, ok := studentRef(c, req.StudentID)
	if !ok {
		return
	}

	key := model.SessionKey{StudentID: student.ID, Subject: req.Subject}
	saved, err := h.sessionService.SaveProgress(c.Request.Context(), key, req.Answers)
	if err != nil {
		failExam(c, err)
		return
	}

	response.Success(c, http.StatusOK, saved)
}

// Submit godoc
// POST /api/v1/student/exam/submit
// Finalizes the session and returns the score.
func (h *StudentPortalHandler) Submit(c *gin.Context) {
	var req model.SubmitRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}

	student, ok := studentRef(c, req.StudentID)
	if !ok {
		return
	}

	reason := req.Reason
	if reason == "" {
		reason = model.FinalizeReasonManual
	}

	key := model.SessionKey{StudentID: student.ID, Subject: req.Subject}
	result, err := h.sessionService.Finalize(c.Request.Context(), key, req.Answers, reason)
	if err != nil {
		failExam(c, err)
		return
	}

	response.Success(c, http.StatusOK, result)
}

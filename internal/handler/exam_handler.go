package handler

import (
	"bytes"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stemsi/exstem-cbt/internal/model"
	"github.com/stemsi/exstem-cbt/internal/response"
	"github.com/stemsi/exstem-cbt/internal/service"
	"github.com/stemsi/exstem-cbt/internal/validator"
)

const xlsxContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

// ExamHandler handles the admin exam management endpoints.
type ExamHandler struct {
	catalogService *service.CatalogService
	sessionService *service.ExamSessionService
	resultService  *service.ResultService
	authService    *service.AuthService
}

// NewExamHandler creates a new ExamHandler.
func NewExamHandler(
	catalogService *service.CatalogService,
	sessionService *service.ExamSessionService,
	resultService *service.ResultService,
	authService *service.AuthService,
) *ExamHandler {
	return &ExamHandler{
		catalogService: catalogService,
		sessionService: sessionService,
		resultService:  resultService,
		authService:    authService,
	}
}

// ListExams godoc
// GET /api/v1/admin/exams?class_level=&active_only=
// Lists exam definitions without their questions.
func (h *ExamHandler) ListExams(c *gin.Context) {
	activeOnly, _ := strconv.ParseBool(c.DefaultQuery("active_only", "false"))

	exams, err := h.catalogService.ListExams(c.Request.Context(), c.Query("class_level"), activeOnly)
	if err != nil {
		failExam(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{"exams": exams})
}

// UpsertExam godoc
// PUT /api/v1/admin/exams
// Creates or updates the definition for (subject, class_level).
func (h *ExamHandler) UpsertExam(c *gin.Context) {
	var req model.UpsertExamRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}

	exam, err := h.catalogService.UpsertExam(c.Request.Context(), req)
	if err != nil {
		failExam(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{"exam": exam})
}

// ReplaceQuestions godoc
// PUT /api/v1/admin/exams/:subject/:class_level/questions
// Replaces the whole question list of an exam.
func (h *ExamHandler) ReplaceQuestions(c *gin.Context) {
	var req model.ReplaceQuestionsRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}

	questions, err := h.catalogService.ReplaceQuestions(c.Request.Context(), c.Param("subject"), c.Param("class_level"), req.Questions)
	if err != nil {
		failExam(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{"questions": questions})
}

// ListSessions godoc
// GET /api/v1/admin/sessions?subject=&class_level=
// Reports sessions with their effective status.
func (h *ExamHandler) ListSessions(c *gin.Context) {
	reports, err := h.resultService.ListSessionReports(c.Request.Context(), model.SessionFilter{
		Subject:    c.Query("subject"),
		ClassLevel: c.Query("class_level"),
	})
	if err != nil {
		failExam(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{"sessions": reports})
}

// ExportResults godoc
// GET /api/v1/admin/results/export?subject=
// Downloads recorded results as an XLSX workbook.
func (h *ExamHandler) ExportResults(c *gin.Context) {
	var buf bytes.Buffer
	if _, err := h.resultService.ExportResults(c.Request.Context(), c.Query("subject"), &buf); err != nil {
		failExam(c, err)
		return
	}

	filename := fmt.Sprintf("results-%s.xlsx", time.Now().UTC().Format("20060102-150405"))
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	c.Data(http.StatusOK, xlsxContentType, buf.Bytes())
}

// ResetStudentLogin godoc
// POST /api/v1/admin/students/:id/reset-login
// Clears a student's login lock so they can log in on another device.
func (h *ExamHandler) ResetStudentLogin(c *gin.Context) {
	studentID, err := strconv.Atoi(c.Param("id"))
	if err != nil || studentID < 1 {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return
	}

	if err := h.authService.ResetStudentLogin(c.Request.Context(), studentID); err != nil {
		response.Fail(c, http.StatusServiceUnavailable, response.ErrStoreUnavailable)
		return
	}

	response.Success(c, http.StatusOK, gin.H{"student_id": studentID})
}

// DeleteSession godoc
// DELETE /api/v1/admin/sessions/:student_id/:subject
// Removes an attempt so the student can sit the exam again.
func (h *ExamHandler) DeleteSession(c *gin.Context) {
	studentID, err := strconv.Atoi(c.Param("student_id"))
	if err != nil || studentID < 1 {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return
	}

	key := model.SessionKey{StudentID: studentID, Subject: c.Param("subject")}
	if err := h.sessionService.ResetSession(c.Request.Context(), key); err != nil {
		if errors.Is(err, service.ErrSessionNotFound) {
			response.Fail(c, http.StatusNotFound, response.ErrSessionNotFound)
			return
		}
		failExam(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{"student_id": studentID, "subject": model.NormalizeCode(key.Subject)})
}

package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-cbt/internal/database"
	"github.com/stemsi/exstem-cbt/internal/metrics"
	"github.com/stemsi/exstem-cbt/internal/middleware"
	"github.com/stemsi/exstem-cbt/internal/model"
	"github.com/stemsi/exstem-cbt/internal/repository/sqlite"
	"github.com/stemsi/exstem-cbt/internal/response"
	"github.com/stemsi/exstem-cbt/internal/service"
	"github.com/stemsi/exstem-cbt/internal/validator"
)

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	validator.Setup()
	os.Exit(m.Run())
}

type envelope struct {
	Data  json.RawMessage     `json:"data"`
	Error *response.ErrorBody `json:"error"`
}

type portalFixture struct {
	router    *gin.Engine
	studentID int
}

// newPortal serves the student routes over a real SQLite store. Requests carry
// the claims named by the X-Test-Student header, or none if it is absent.
func newPortal(t *testing.T) *portalFixture {
	t.Helper()
	ctx := context.Background()

	db, err := database.OpenSQLite(ctx, filepath.Join(t.TempDir(), "cbt.db"), zerolog.Nop())
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	store := sqlite.New(db)
	t.Cleanup(func() { _ = store.Close() })
	if err := store.InitSchema(ctx); err != nil {
		t.Fatalf("init schema: %v", err)
	}

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	catalog := service.NewCatalogService(store, rdb, time.Minute, zerolog.Nop())
	active := true
	if _, err := catalog.UpsertExam(ctx, model.UpsertExamRequest{
		Subject: "MATH", ClassLevel: "XII", Title: "Matematika", DurationMinutes: 60, IsActive: &active,
	}); err != nil {
		t.Fatalf("UpsertExam: %v", err)
	}
	opts := model.QuestionOptions{A: "1", B: "2", C: "3", D: "4"}
	if _, err := catalog.ReplaceQuestions(ctx, "MATH", "XII", []model.QuestionInput{
		{ID: "q1", Text: "1+0", Options: opts, CorrectAnswer: "A"},
		{ID: "q2", Text: "1+1", Options: opts, CorrectAnswer: "B"},
	}); err != nil {
		t.Fatalf("ReplaceQuestions: %v", err)
	}

	st := &model.Student{AdmissionNumber: "2024001", Name: "Budi", ClassLevel: "XII", PasswordHash: "x"}
	if err := store.CreateStudent(ctx, st); err != nil {
		t.Fatalf("create student: %v", err)
	}

	engine := service.NewExamSessionService(store, catalog, store, metrics.New(prometheus.NewRegistry()), zerolog.Nop())
	h := NewStudentPortalHandler(engine)

	r := gin.New()
	g := r.Group("/api/v1/student", func(c *gin.Context) {
		if id := c.GetHeader("X-Test-Student"); id != "" {
			uid, _ := strconv.Atoi(id)
			c.Set(middleware.ContextKeyClaims, &service.Claims{
				TokenType:  service.TokenTypeStudent,
				UserID:     uid,
				ClassLevel: "XII",
			})
		}
		c.Next()
	})
	g.GET("/exams", h.GetLobby)
	g.POST("/exam/enter", h.EnterExam)
	g.POST("/exam/autosave", h.Autosave)
	g.POST("/exam/submit", h.Submit)
	g.GET("/stream/:subject", NewWSHandler(engine, zerolog.Nop(), nil).ExamWebSocketStream)

	return &portalFixture{router: r, studentID: st.ID}
}

func (f *portalFixture) do(t *testing.T, method, path string, asStudent int, body any) (int, envelope) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if asStudent != 0 {
		req.Header.Set("X-Test-Student", fmt.Sprint(asStudent))
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)

	var env envelope
	if err := json.Unmarshal(w.Body.Bytes(), &env); err != nil {
		t.Fatalf("decode %s %s: %v (%s)", method, path, err, w.Body.String())
	}
	return w.Code, env
}

func TestPortalExamFlow(t *testing.T) {
	f := newPortal(t)
	me := f.studentID

	code, env := f.do(t, http.MethodPost, "/api/v1/student/exam/enter", me, gin.H{"subject": "math"})
	if code != http.StatusOK {
		t.Fatalf("enter = %d %+v", code, env.Error)
	}
	if strings.Contains(string(env.Data), "correct_answer") {
		t.Fatalf("enter leaked answer keys: %s", env.Data)
	}
	var paper model.EnterExamResponse
	if err := json.Unmarshal(env.Data, &paper); err != nil {
		t.Fatalf("decode paper: %v", err)
	}
	if len(paper.Questions) != 2 || paper.TimeRemainingSeconds <= 0 {
		t.Fatalf("paper = %+v", paper)
	}

	code, env = f.do(t, http.MethodPost, "/api/v1/student/exam/autosave", me, gin.H{
		"subject": "MATH", "answers": gin.H{"q1": "A"},
	})
	if code != http.StatusOK {
		t.Fatalf("autosave = %d %+v", code, env.Error)
	}

	code, env = f.do(t, http.MethodPost, "/api/v1/student/exam/submit", me, gin.H{
		"subject": "MATH", "answers": gin.H{"q2": "C"},
	})
	if code != http.StatusOK {
		t.Fatalf("submit = %d %+v", code, env.Error)
	}
	var first model.SubmitResponse
	if err := json.Unmarshal(env.Data, &first); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if first.Status != model.SessionStatusSubmitted || first.Score != 1 || first.Total != 2 {
		t.Fatalf("result = %+v, want submitted 1/2", first)
	}

	code, env = f.do(t, http.MethodPost, "/api/v1/student/exam/submit", me, gin.H{"subject": "MATH"})
	if code != http.StatusConflict || env.Error == nil || env.Error.Code != response.ErrAlreadySubmitted {
		t.Fatalf("second submit = %d %+v", code, env.Error)
	}
	var replay model.SubmitResponse
	if err := json.Unmarshal(env.Data, &replay); err != nil {
		t.Fatalf("decode replay: %v", err)
	}
	if replay != first {
		t.Fatalf("replayed result = %+v, want %+v", replay, first)
	}

	code, env = f.do(t, http.MethodPost, "/api/v1/student/exam/autosave", me, gin.H{
		"subject": "MATH", "answers": gin.H{"q1": "B"},
	})
	if code != http.StatusConflict || env.Error.Code != response.ErrSessionAlreadyClosed {
		t.Fatalf("autosave after submit = %d %+v", code, env.Error)
	}

	code, env = f.do(t, http.MethodGet, "/api/v1/student/exams", me, nil)
	if code != http.StatusOK {
		t.Fatalf("lobby = %d %+v", code, env.Error)
	}
	var lobby struct {
		Exams []model.LobbyExam `json:"exams"`
	}
	if err := json.Unmarshal(env.Data, &lobby); err != nil {
		t.Fatalf("decode lobby: %v", err)
	}
	if len(lobby.Exams) != 1 || lobby.Exams[0].LobbyStatus != model.LobbyStatusSubmitted {
		t.Fatalf("lobby = %+v", lobby.Exams)
	}
}

func TestPortalRejections(t *testing.T) {
	f := newPortal(t)
	me := f.studentID

	tests := []struct {
		name    string
		path    string
		student int
		body    any
		status  int
		code    response.ErrCode
	}{
		{"no claims", "/api/v1/student/exam/enter", 0, gin.H{"subject": "MATH"}, http.StatusUnauthorized, response.ErrTokenRequired},
		{"other student id", "/api/v1/student/exam/enter", me, gin.H{"subject": "MATH", "student_id": me + 1}, http.StatusForbidden, response.ErrForbidden},
		{"missing subject", "/api/v1/student/exam/enter", me, gin.H{}, http.StatusBadRequest, response.ErrValidation},
		{"unknown exam", "/api/v1/student/exam/enter", me, gin.H{"subject": "PHYS"}, http.StatusNotFound, response.ErrExamNotAvailable},
		{"bad letter", "/api/v1/student/exam/autosave", me, gin.H{"subject": "MATH", "answers": gin.H{"q1": "E"}}, http.StatusBadRequest, response.ErrValidation},
		{"autosave before enter", "/api/v1/student/exam/autosave", me, gin.H{"subject": "MATH", "answers": gin.H{"q1": "A"}}, http.StatusNotFound, response.ErrSessionNotFound},
		{"submit before enter", "/api/v1/student/exam/submit", me, gin.H{"subject": "MATH"}, http.StatusNotFound, response.ErrSessionNotFound},
		{"bad reason", "/api/v1/student/exam/submit", me, gin.H{"subject": "MATH", "reason": "bored"}, http.StatusBadRequest, response.ErrValidation},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, env := f.do(t, http.MethodPost, tt.path, tt.student, tt.body)
			if code != tt.status {
				t.Fatalf("status = %d, want %d", code, tt.status)
			}
			if env.Error == nil || env.Error.Code != tt.code {
				t.Fatalf("error = %+v, want %s", env.Error, tt.code)
			}
		})
	}
}

func TestExamErrorStatus(t *testing.T) {
	tests := []struct {
		err    error
		status int
		code   response.ErrCode
	}{
		{service.ErrExamNotAvailable, http.StatusNotFound, response.ErrExamNotAvailable},
		{service.ErrNoQuestions, http.StatusConflict, response.ErrNoQuestions},
		{service.ErrExamInUse, http.StatusConflict, response.ErrExamInUse},
		{service.ErrSessionAlreadyClosed, http.StatusConflict, response.ErrSessionAlreadyClosed},
		{service.ErrExpiredSession, http.StatusGone, response.ErrExpiredSession},
		{&service.AlreadySubmittedError{}, http.StatusConflict, response.ErrAlreadySubmitted},
		{service.ErrSessionNotFound, http.StatusNotFound, response.ErrSessionNotFound},
		{fmt.Errorf("%w: q1", service.ErrInvalidAnswer), http.StatusBadRequest, response.ErrInvalidAnswer},
		{service.ErrDuplicateQuestionID, http.StatusBadRequest, response.ErrInvalidAnswer},
		{service.ErrScoringInvariantViolation, http.StatusInternalServerError, response.ErrScoringInvariantViolation},
		{fmt.Errorf("%w: get session: timeout", service.ErrStoreFailure), http.StatusServiceUnavailable, response.ErrStoreUnavailable},
		{fmt.Errorf("boom"), http.StatusInternalServerError, response.ErrInternal},
	}

	for _, tt := range tests {
		status, code := examErrorStatus(tt.err)
		if status != tt.status || code != tt.code {
			t.Fatalf("examErrorStatus(%v) = %d %s, want %d %s", tt.err, status, code, tt.status, tt.code)
		}
	}
}

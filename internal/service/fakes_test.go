package service

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-cbt/internal/database"
	"github.com/stemsi/exstem-cbt/internal/metrics"
	"github.com/stemsi/exstem-cbt/internal/model"
	"github.com/stemsi/exstem-cbt/internal/repository/sqlite"
)

var t0 = time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)

// testClock is a settable time source.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock(t time.Time) *testClock { return &testClock{now: t} }

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// fakeCatalog serves definitions from memory.
type fakeCatalog struct {
	mu      sync.Mutex
	defs    map[string]*model.ExamDefinition
	lookups int
}

func newFakeCatalog(defs ...*model.ExamDefinition) *fakeCatalog {
	c := &fakeCatalog{defs: make(map[string]*model.ExamDefinition)}
	for _, d := range defs {
		c.put(d)
	}
	return c
}

func (c *fakeCatalog) put(d *model.ExamDefinition) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	c.defs[d.Subject+"|"+d.ClassLevel] = d
}

func (c *fakeCatalog) Lookup(_ context.Context, subject, classLevel string) (*model.ExamDefinition, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lookups++
	d, ok := c.defs[model.NormalizeCode(subject)+"|"+model.NormalizeCode(classLevel)]
	if !ok {
		return nil, ErrExamNotAvailable
	}
	cp := *d
	return &cp, nil
}

func (c *fakeCatalog) ListExams(_ context.Context, classLevel string, activeOnly bool) ([]model.ExamSummary, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []model.ExamSummary
	for _, d := range c.defs {
		if classLevel != "" && d.ClassLevel != classLevel {
			continue
		}
		if activeOnly && !d.IsActive {
			continue
		}
		out = append(out, model.ExamSummary{
			ID:              d.ID,
			Subject:         d.Subject,
			ClassLevel:      d.ClassLevel,
			Title:           d.Title,
			DurationMinutes: d.DurationMinutes,
			IsActive:        d.IsActive,
			QuestionCount:   len(d.Questions),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Subject < out[j].Subject })
	return out, nil
}

// fakeSink records results in memory and can be told to fail.
type fakeSink struct {
	mu      sync.Mutex
	records []model.ResultRecord
	err     error
}

func (s *fakeSink) Record(_ context.Context, rec model.ResultRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.records = append(s.records, rec)
	return nil
}

func (s *fakeSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

// failingSessions fails every read with a store error.
type failingSessions struct {
	SessionStore
}

var errDiskGone = errors.New("disk I/O error")

func (failingSessions) GetSession(context.Context, model.SessionKey) (*model.ExamSession, error) {
	return nil, errDiskGone
}

func (failingSessions) SaveAnswers(context.Context, model.SessionKey, map[string]string, time.Time) error {
	return errDiskGone
}

func newSQLiteStore(t *testing.T) *sqlite.Store {
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
	return store
}

type engineFixture struct {
	store   *sqlite.Store
	catalog *fakeCatalog
	sink    *fakeSink
	clock   *testClock
	metrics *metrics.Metrics
	engine  *ExamSessionService
}

// newEngine builds the engine on a real SQLite store with n students, ids 1..n,
// all in class XII.
func newEngine(t *testing.T, students int, defs ...*model.ExamDefinition) *engineFixture {
	t.Helper()
	store := newSQLiteStore(t)
	for i := 1; i <= students; i++ {
		st := &model.Student{
			AdmissionNumber: fmt.Sprintf("S%03d", i),
			Name:            "Siswa",
			ClassLevel:      "XII",
			PasswordHash:    "x",
		}
		if err := store.CreateStudent(context.Background(), st); err != nil {
			t.Fatalf("create student: %v", err)
		}
	}

	f := &engineFixture{
		store:   store,
		catalog: newFakeCatalog(defs...),
		sink:    &fakeSink{},
		clock:   newTestClock(t0),
		metrics: metrics.New(prometheus.NewRegistry()),
	}
	f.engine = NewExamSessionService(store, f.catalog, f.sink, f.metrics, zerolog.Nop())
	f.engine.SetClock(f.clock.Now)
	return f
}

// mathExam has questions q1..q4 with answers A..D.
func mathExam() *model.ExamDefinition {
	opts := model.QuestionOptions{A: "1", B: "2", C: "3", D: "4"}
	return &model.ExamDefinition{
		Subject:         "MATH",
		ClassLevel:      "XII",
		Title:           "Matematika",
		DurationMinutes: 60,
		IsActive:        true,
		Questions: []model.Question{
			{ID: "q1", Text: "one", Options: opts, CorrectAnswer: "A"},
			{ID: "q2", Text: "two", Options: opts, CorrectAnswer: "B"},
			{ID: "q3", Text: "three", Options: opts, CorrectAnswer: "C"},
			{ID: "q4", Text: "four", Options: opts, CorrectAnswer: "D"},
		},
	}
}

var student1 = StudentRef{ID: 1, ClassLevel: "XII"}

func mathKey(studentID int) model.SessionKey {
	return model.SessionKey{StudentID: studentID, Subject: "MATH"}
}

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	if err := c.Write(&m); err != nil {
		t.Fatalf("read counter: %v", err)
	}
	return m.GetCounter().GetValue()
}

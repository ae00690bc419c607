package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-cbt/internal/metrics"
	"github.com/stemsi/exstem-cbt/internal/model"
)

func TestEnterExamCreatesSession(t *testing.T) {
	f := newEngine(t, 1, mathExam())
	ctx := context.Background()

	paper, err := f.engine.EnterExam(ctx, student1, "math")
	if err != nil {
		t.Fatalf("EnterExam: %v", err)
	}
	if paper.Resumed {
		t.Fatalf("first enter reported as resumed")
	}
	if paper.Subject != "MATH" || paper.Title != "Matematika" {
		t.Fatalf("paper = %s/%s", paper.Subject, paper.Title)
	}
	if len(paper.Questions) != 4 {
		t.Fatalf("questions = %d, want 4", len(paper.Questions))
	}
	for i, want := range []string{"q1", "q2", "q3", "q4"} {
		if paper.Questions[i].ID != want {
			t.Fatalf("question %d = %s, want %s", i, paper.Questions[i].ID, want)
		}
	}
	if paper.TimeRemainingSeconds != 3600 {
		t.Fatalf("time remaining = %d, want 3600", paper.TimeRemainingSeconds)
	}
	if !paper.DeadlineAt.Equal(t0.Add(time.Hour)) {
		t.Fatalf("deadline = %v", paper.DeadlineAt)
	}
	if len(paper.SavedAnswers) != 0 {
		t.Fatalf("saved answers = %v, want empty", paper.SavedAnswers)
	}
	if got := counterValue(t, f.metrics.SessionsStarted); got != 1 {
		t.Fatalf("sessions started = %v, want 1", got)
	}
}

func TestEnterExamResumeKeepsDeadline(t *testing.T) {
	f := newEngine(t, 1, mathExam())
	ctx := context.Background()

	first, err := f.engine.EnterExam(ctx, student1, "MATH")
	if err != nil {
		t.Fatalf("EnterExam: %v", err)
	}
	f.clock.Advance(10 * time.Minute)
	if _, err := f.engine.SaveProgress(ctx, mathKey(1), map[string]string{"q1": "a"}); err != nil {
		t.Fatalf("SaveProgress: %v", err)
	}

	// A longer duration configured mid-exam does not move the deadline.
	longer := mathExam()
	longer.DurationMinutes = 120
	f.catalog.put(longer)

	f.clock.Advance(5 * time.Minute)
	second, err := f.engine.EnterExam(ctx, student1, "MATH")
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if !second.Resumed {
		t.Fatalf("second enter not reported as resumed")
	}
	if second.SessionID != first.SessionID {
		t.Fatalf("session id changed: %s -> %s", first.SessionID, second.SessionID)
	}
	if !second.StartedAt.Equal(first.StartedAt) || !second.DeadlineAt.Equal(first.DeadlineAt) {
		t.Fatalf("timing moved: started %v -> %v, deadline %v -> %v",
			first.StartedAt, second.StartedAt, first.DeadlineAt, second.DeadlineAt)
	}
	if second.TimeRemainingSeconds != 45*60 {
		t.Fatalf("time remaining = %d, want %d", second.TimeRemainingSeconds, 45*60)
	}
	if second.SavedAnswers["q1"] != "A" {
		t.Fatalf("saved answers = %v", second.SavedAnswers)
	}
	if got := counterValue(t, f.metrics.SessionsResumed); got != 1 {
		t.Fatalf("sessions resumed = %v, want 1", got)
	}
}

func TestEnterExamRefusals(t *testing.T) {
	inactive := mathExam()
	inactive.IsActive = false

	empty := mathExam()
	empty.Questions = nil

	tests := []struct {
		name string
		def  *model.ExamDefinition
		want error
	}{
		{"missing definition", nil, ErrExamNotAvailable},
		{"inactive", inactive, ErrExamNotAvailable},
		{"no questions", empty, ErrNoQuestions},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var f *engineFixture
			if tt.def == nil {
				f = newEngine(t, 1)
			} else {
				f = newEngine(t, 1, tt.def)
			}
			_, err := f.engine.EnterExam(context.Background(), student1, "MATH")
			if !errors.Is(err, tt.want) {
				t.Fatalf("EnterExam err = %v, want %v", err, tt.want)
			}
			if _, err := f.store.GetSession(context.Background(), mathKey(1)); err == nil {
				t.Fatalf("refused enter created a session")
			}
		})
	}
}

func TestEnterExamWrongClassLevel(t *testing.T) {
	f := newEngine(t, 1, mathExam())
	_, err := f.engine.EnterExam(context.Background(), StudentRef{ID: 1, ClassLevel: "X"}, "MATH")
	if !errors.Is(err, ErrExamNotAvailable) {
		t.Fatalf("err = %v, want ErrExamNotAvailable", err)
	}
}

func TestEnterExamResumeIgnoresDeactivation(t *testing.T) {
	f := newEngine(t, 1, mathExam())
	ctx := context.Background()

	if _, err := f.engine.EnterExam(ctx, student1, "MATH"); err != nil {
		t.Fatalf("EnterExam: %v", err)
	}
	off := mathExam()
	off.IsActive = false
	f.catalog.put(off)

	paper, err := f.engine.EnterExam(ctx, student1, "MATH")
	if err != nil {
		t.Fatalf("resume after deactivation: %v", err)
	}
	if !paper.Resumed {
		t.Fatalf("expected resume")
	}
}

func TestEnterExamAfterDeadlineExpires(t *testing.T) {
	f := newEngine(t, 1, mathExam())
	ctx := context.Background()

	if _, err := f.engine.EnterExam(ctx, student1, "MATH"); err != nil {
		t.Fatalf("EnterExam: %v", err)
	}
	if _, err := f.engine.SaveProgress(ctx, mathKey(1), map[string]string{"q1": "A", "q2": "C"}); err != nil {
		t.Fatalf("SaveProgress: %v", err)
	}

	f.clock.Advance(time.Hour)
	if _, err := f.engine.EnterExam(ctx, student1, "MATH"); !errors.Is(err, ErrExpiredSession) {
		t.Fatalf("enter at deadline err = %v, want ErrExpiredSession", err)
	}

	sess, err := f.store.GetSession(ctx, mathKey(1))
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if sess.Status != model.SessionStatusExpired {
		t.Fatalf("status = %s, want expired", sess.Status)
	}
	if sess.Score == nil || *sess.Score != 1 {
		t.Fatalf("score = %v, want 1", sess.Score)
	}
	if f.sink.count() != 1 {
		t.Fatalf("sink records = %d, want 1", f.sink.count())
	}

	if _, err := f.engine.EnterExam(ctx, student1, "MATH"); !errors.Is(err, ErrSessionAlreadyClosed) {
		t.Fatalf("enter after expiry err = %v, want ErrSessionAlreadyClosed", err)
	}
}

func TestEnterExamConcurrentCreatesOneSession(t *testing.T) {
	f := newEngine(t, 1, mathExam())
	ctx := context.Background()

	const n = 8
	papers := make([]*model.EnterExamResponse, n)
	errs := make([]error, n)

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			papers[i], errs[i] = f.engine.EnterExam(ctx, student1, "MATH")
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("enter %d: %v", i, err)
		}
		if papers[i].SessionID != papers[0].SessionID {
			t.Fatalf("enter %d got session %s, want %s", i, papers[i].SessionID, papers[0].SessionID)
		}
		if !papers[i].DeadlineAt.Equal(papers[0].DeadlineAt) {
			t.Fatalf("enter %d got deadline %v, want %v", i, papers[i].DeadlineAt, papers[0].DeadlineAt)
		}
	}
	if got := counterValue(t, f.metrics.SessionsStarted); got != 1 {
		t.Fatalf("sessions started = %v, want 1", got)
	}
}

func TestEnterExamShuffleIsStablePerSession(t *testing.T) {
	def := mathExam()
	def.ShuffleQuestions = true
	f := newEngine(t, 1, def)
	ctx := context.Background()

	first, err := f.engine.EnterExam(ctx, student1, "MATH")
	if err != nil {
		t.Fatalf("EnterExam: %v", err)
	}
	f.clock.Advance(time.Minute)
	second, err := f.engine.EnterExam(ctx, student1, "MATH")
	if err != nil {
		t.Fatalf("resume: %v", err)
	}

	seen := make(map[string]bool)
	for i := range first.Questions {
		if first.Questions[i].ID != second.Questions[i].ID {
			t.Fatalf("order changed at %d: %s vs %s", i, first.Questions[i].ID, second.Questions[i].ID)
		}
		seen[first.Questions[i].ID] = true
	}
	if len(seen) != 4 {
		t.Fatalf("shuffled paper is not a permutation: %v", seen)
	}
}

func TestSaveProgressMerges(t *testing.T) {
	f := newEngine(t, 1, mathExam())
	ctx := context.Background()

	if _, err := f.engine.EnterExam(ctx, student1, "MATH"); err != nil {
		t.Fatalf("EnterExam: %v", err)
	}

	snapshots := []map[string]string{
		{"q1": "A", "q2": "B"},
		{"q2": "c", "q3": "D"},
	}
	for _, s := range snapshots {
		f.clock.Advance(time.Second)
		saved, err := f.engine.SaveProgress(ctx, mathKey(1), s)
		if err != nil {
			t.Fatalf("SaveProgress: %v", err)
		}
		if !saved.SavedAt.Equal(f.clock.Now()) {
			t.Fatalf("saved at = %v, want %v", saved.SavedAt, f.clock.Now())
		}
	}

	sess, err := f.store.GetSession(ctx, mathKey(1))
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	want := map[string]string{"q1": "A", "q2": "C", "q3": "D"}
	if len(sess.Answers) != len(want) {
		t.Fatalf("answers = %v, want %v", sess.Answers, want)
	}
	for k, v := range want {
		if sess.Answers[k] != v {
			t.Fatalf("answers[%s] = %q, want %q", k, sess.Answers[k], v)
		}
	}
	if got := counterValue(t, f.metrics.Autosaves.WithLabelValues(metrics.OutcomeSaved)); got != 2 {
		t.Fatalf("saved autosaves = %v, want 2", got)
	}
}

func TestSaveProgressRefusals(t *testing.T) {
	f := newEngine(t, 2, mathExam())
	ctx := context.Background()

	if _, err := f.engine.EnterExam(ctx, student1, "MATH"); err != nil {
		t.Fatalf("EnterExam: %v", err)
	}

	if _, err := f.engine.SaveProgress(ctx, mathKey(1), map[string]string{"q1": "E"}); !errors.Is(err, ErrInvalidAnswer) {
		t.Fatalf("invalid letter err = %v, want ErrInvalidAnswer", err)
	}
	if _, err := f.engine.SaveProgress(ctx, mathKey(2), map[string]string{"q1": "A"}); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("missing session err = %v, want ErrSessionNotFound", err)
	}

	f.clock.Advance(time.Hour)
	if _, err := f.engine.SaveProgress(ctx, mathKey(1), map[string]string{"q1": "A"}); !errors.Is(err, ErrExpiredSession) {
		t.Fatalf("late autosave err = %v, want ErrExpiredSession", err)
	}
	sess, err := f.store.GetSession(ctx, mathKey(1))
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if sess.Status != model.SessionStatusInProgress || len(sess.Answers) != 0 {
		t.Fatalf("late autosave changed the session: status %s, answers %v", sess.Status, sess.Answers)
	}

	if _, err := f.engine.ExpireSession(ctx, mathKey(1)); err != nil {
		t.Fatalf("ExpireSession: %v", err)
	}
	if _, err := f.engine.SaveProgress(ctx, mathKey(1), map[string]string{"q1": "A"}); !errors.Is(err, ErrSessionAlreadyClosed) {
		t.Fatalf("autosave on closed err = %v, want ErrSessionAlreadyClosed", err)
	}
}

func TestFinalizeBeforeDeadlineSubmits(t *testing.T) {
	f := newEngine(t, 1, mathExam())
	ctx := context.Background()

	if _, err := f.engine.EnterExam(ctx, student1, "MATH"); err != nil {
		t.Fatalf("EnterExam: %v", err)
	}
	if _, err := f.engine.SaveProgress(ctx, mathKey(1), map[string]string{"q1": "A", "q2": "A"}); err != nil {
		t.Fatalf("SaveProgress: %v", err)
	}

	f.clock.Advance(20 * time.Minute)
	res, err := f.engine.Finalize(ctx, mathKey(1), map[string]string{"q2": "B", "q3": "c"}, model.FinalizeReasonManual)
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if res.Status != model.SessionStatusSubmitted || res.Score != 3 || res.Total != 4 || res.Percentage != 75 {
		t.Fatalf("result = %+v, want submitted 3/4 75%%", res)
	}

	sess, err := f.store.GetSession(ctx, mathKey(1))
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if sess.FinishedAt == nil || !sess.FinishedAt.Equal(f.clock.Now()) {
		t.Fatalf("finished at = %v, want %v", sess.FinishedAt, f.clock.Now())
	}

	if f.sink.count() != 1 {
		t.Fatalf("sink records = %d, want 1", f.sink.count())
	}
	rec := f.sink.records[0]
	if rec.StudentID != 1 || rec.Subject != "MATH" || rec.Score != 3 || rec.Status != model.SessionStatusSubmitted {
		t.Fatalf("sink record = %+v", rec)
	}
}

func TestFinalizeTimeoutIgnoresSuppliedAnswers(t *testing.T) {
	tests := []struct {
		name      string
		autosave  map[string]string
		wantScore int
	}{
		{name: "nothing saved", wantScore: 0},
		{name: "saved answers count", autosave: map[string]string{"q1": "A", "q2": "A"}, wantScore: 1},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			f := newEngine(t, 1, mathExam())
			ctx := context.Background()

			if _, err := f.engine.EnterExam(ctx, student1, "MATH"); err != nil {
				t.Fatalf("EnterExam: %v", err)
			}
			if tc.autosave != nil {
				if _, err := f.engine.SaveProgress(ctx, mathKey(1), tc.autosave); err != nil {
					t.Fatalf("SaveProgress: %v", err)
				}
			}

			f.clock.Advance(59*time.Minute + 58*time.Second)
			all := map[string]string{"q1": "A", "q2": "B", "q3": "C", "q4": "D"}
			res, err := f.engine.Finalize(ctx, mathKey(1), all, model.FinalizeReasonTimeout)
			if err != nil {
				t.Fatalf("Finalize: %v", err)
			}
			if res.Status != model.SessionStatusExpired || res.Score != tc.wantScore || res.Total != 4 {
				t.Fatalf("result = %+v, want expired %d/4", res, tc.wantScore)
			}

			sess, err := f.store.GetSession(ctx, mathKey(1))
			if err != nil {
				t.Fatalf("GetSession: %v", err)
			}
			if len(sess.Answers) != len(tc.autosave) {
				t.Fatalf("stored answers = %v, want %v", sess.Answers, tc.autosave)
			}
			if _, ok := sess.Answers["q3"]; ok {
				t.Fatalf("timeout answers were merged: %v", sess.Answers)
			}
		})
	}
}

func TestFinalizeAfterDeadlineExpires(t *testing.T) {
	f := newEngine(t, 1, mathExam())
	ctx := context.Background()

	if _, err := f.engine.EnterExam(ctx, student1, "MATH"); err != nil {
		t.Fatalf("EnterExam: %v", err)
	}
	if _, err := f.engine.SaveProgress(ctx, mathKey(1), map[string]string{"q1": "A"}); err != nil {
		t.Fatalf("SaveProgress: %v", err)
	}

	f.clock.Advance(time.Hour + time.Second)
	res, err := f.engine.Finalize(ctx, mathKey(1), map[string]string{"q2": "B", "q3": "C", "q4": "D"}, model.FinalizeReasonManual)
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if res.Status != model.SessionStatusExpired || res.Score != 1 || res.Total != 4 {
		t.Fatalf("result = %+v, want expired 1/4", res)
	}

	sess, err := f.store.GetSession(ctx, mathKey(1))
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if _, ok := sess.Answers["q2"]; ok {
		t.Fatalf("late answers were merged: %v", sess.Answers)
	}
}

func TestFinalizeTwiceReturnsRecordedResult(t *testing.T) {
	f := newEngine(t, 1, mathExam())
	ctx := context.Background()

	if _, err := f.engine.EnterExam(ctx, student1, "MATH"); err != nil {
		t.Fatalf("EnterExam: %v", err)
	}
	first, err := f.engine.Finalize(ctx, mathKey(1), map[string]string{"q1": "A", "q2": "B"}, model.FinalizeReasonManual)
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}

	_, err = f.engine.Finalize(ctx, mathKey(1), map[string]string{"q3": "C", "q4": "D"}, model.FinalizeReasonManual)
	if !errors.Is(err, ErrAlreadySubmitted) {
		t.Fatalf("second finalize err = %v, want ErrAlreadySubmitted", err)
	}
	var already *AlreadySubmittedError
	if !errors.As(err, &already) || already.Result == nil {
		t.Fatalf("second finalize did not carry the recorded result: %v", err)
	}
	if *already.Result != *first {
		t.Fatalf("recorded result = %+v, want %+v", already.Result, first)
	}
	if f.sink.count() != 1 {
		t.Fatalf("sink records = %d, want 1", f.sink.count())
	}
	if got := counterValue(t, f.metrics.FinalizeConflicts); got != 1 {
		t.Fatalf("finalize conflicts = %v, want 1", got)
	}
}

func TestFinalizeConcurrentAppliesOnce(t *testing.T) {
	f := newEngine(t, 1, mathExam())
	ctx := context.Background()

	if _, err := f.engine.EnterExam(ctx, student1, "MATH"); err != nil {
		t.Fatalf("EnterExam: %v", err)
	}

	const n = 8
	results := make([]*model.SubmitResponse, n)
	errs := make([]error, n)

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = f.engine.Finalize(ctx, mathKey(1), map[string]string{"q1": "A"}, model.FinalizeReasonManual)
		}(i)
	}
	wg.Wait()

	wins := 0
	for i, err := range errs {
		switch {
		case err == nil:
			wins++
			if results[i].Score != 1 {
				t.Fatalf("winner score = %d, want 1", results[i].Score)
			}
		case errors.Is(err, ErrAlreadySubmitted):
		default:
			t.Fatalf("finalize %d: %v", i, err)
		}
	}
	if wins != 1 {
		t.Fatalf("successful finalizes = %d, want 1", wins)
	}
	if f.sink.count() != 1 {
		t.Fatalf("sink records = %d, want 1", f.sink.count())
	}
}

func TestAutosaveRacingFinalize(t *testing.T) {
	const n = 8
	def := mathExam()
	def.Questions = nil
	for i := 1; i <= n; i++ {
		def.Questions = append(def.Questions, model.Question{
			ID:            fmt.Sprintf("q%d", i),
			Text:          "soal",
			Options:       model.QuestionOptions{A: "1", B: "2", C: "3", D: "4"},
			CorrectAnswer: "A",
		})
	}
	f := newEngine(t, 1, def)
	ctx := context.Background()

	if _, err := f.engine.EnterExam(ctx, student1, "MATH"); err != nil {
		t.Fatalf("EnterExam: %v", err)
	}

	start := make(chan struct{})
	saveErrs := make([]error, n)
	var (
		wg       sync.WaitGroup
		result   *model.SubmitResponse
		finalErr error
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			_, saveErrs[i] = f.engine.SaveProgress(ctx, mathKey(1), map[string]string{fmt.Sprintf("q%d", i+1): "A"})
		}(i)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		<-start
		result, finalErr = f.engine.Finalize(ctx, mathKey(1), nil, model.FinalizeReasonManual)
	}()
	close(start)
	wg.Wait()

	if finalErr != nil {
		t.Fatalf("Finalize: %v", finalErr)
	}

	sess, err := f.store.GetSession(ctx, mathKey(1))
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	for i, err := range saveErrs {
		id := fmt.Sprintf("q%d", i+1)
		_, stored := sess.Answers[id]
		switch {
		case err == nil:
			if !stored {
				t.Fatalf("autosave of %s succeeded but is missing from %v", id, sess.Answers)
			}
		case errors.Is(err, ErrSessionAlreadyClosed), errors.Is(err, ErrExpiredSession):
			if stored {
				t.Fatalf("autosave of %s failed with %v but was stored", id, err)
			}
		default:
			t.Fatalf("autosave of %s: %v", id, err)
		}
	}

	want, err := Score(def.Questions, sess.Answers)
	if err != nil {
		t.Fatalf("Score: %v", err)
	}
	if result.Score != want.Score || sess.Score == nil || *sess.Score != want.Score {
		t.Fatalf("score = %d (stored %v), want %d from stored answers %v", result.Score, sess.Score, want.Score, sess.Answers)
	}
}

func TestFinalizeUnknownSession(t *testing.T) {
	f := newEngine(t, 1, mathExam())
	_, err := f.engine.Finalize(context.Background(), mathKey(1), nil, model.FinalizeReasonManual)
	if !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("err = %v, want ErrSessionNotFound", err)
	}
}

func TestFinalizeSurvivesSinkFailure(t *testing.T) {
	f := newEngine(t, 1, mathExam())
	f.sink.err = errors.New("queue down")
	ctx := context.Background()

	if _, err := f.engine.EnterExam(ctx, student1, "MATH"); err != nil {
		t.Fatalf("EnterExam: %v", err)
	}
	res, err := f.engine.Finalize(ctx, mathKey(1), map[string]string{"q1": "A"}, model.FinalizeReasonManual)
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if res.Score != 1 {
		t.Fatalf("score = %d, want 1", res.Score)
	}
	sess, err := f.store.GetSession(ctx, mathKey(1))
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if sess.Status != model.SessionStatusSubmitted {
		t.Fatalf("status = %s, want submitted", sess.Status)
	}
}

func TestExpireSessionBeforeDeadline(t *testing.T) {
	f := newEngine(t, 1, mathExam())
	ctx := context.Background()

	if _, err := f.engine.EnterExam(ctx, student1, "MATH"); err != nil {
		t.Fatalf("EnterExam: %v", err)
	}
	f.clock.Advance(59 * time.Minute)
	if _, err := f.engine.ExpireSession(ctx, mathKey(1)); !errors.Is(err, ErrSessionNotExpired) {
		t.Fatalf("err = %v, want ErrSessionNotExpired", err)
	}

	f.clock.Advance(time.Minute)
	res, err := f.engine.ExpireSession(ctx, mathKey(1))
	if err != nil {
		t.Fatalf("ExpireSession at deadline: %v", err)
	}
	if res.Status != model.SessionStatusExpired || res.Score != 0 || res.Total != 4 {
		t.Fatalf("result = %+v, want expired 0/4", res)
	}
}

func TestLobbyOverlaysSessions(t *testing.T) {
	physics := mathExam()
	physics.Subject = "PHYS"
	physics.Title = "Fisika"

	bio := mathExam()
	bio.Subject = "BIO"
	bio.Title = "Biologi"

	chem := mathExam()
	chem.Subject = "CHEM"
	chem.Title = "Kimia"

	hidden := mathExam()
	hidden.Subject = "ART"
	hidden.IsActive = false

	otherClass := mathExam()
	otherClass.Subject = "GEO"
	otherClass.ClassLevel = "X"

	f := newEngine(t, 1, mathExam(), physics, bio, chem, hidden, otherClass)
	ctx := context.Background()

	for _, subject := range []string{"MATH", "PHYS", "CHEM"} {
		if _, err := f.engine.EnterExam(ctx, student1, subject); err != nil {
			t.Fatalf("EnterExam %s: %v", subject, err)
		}
	}
	if _, err := f.engine.Finalize(ctx, model.SessionKey{StudentID: 1, Subject: "PHYS"}, map[string]string{"q1": "A"}, model.FinalizeReasonManual); err != nil {
		t.Fatalf("Finalize PHYS: %v", err)
	}

	// MATH and CHEM stay in progress past their deadlines.
	f.clock.Advance(time.Hour)
	lobby, err := f.engine.Lobby(ctx, student1)
	if err != nil {
		t.Fatalf("Lobby: %v", err)
	}

	want := map[string]model.LobbyStatus{
		"BIO":  model.LobbyStatusAvailable,
		"CHEM": model.LobbyStatusExpired,
		"MATH": model.LobbyStatusExpired,
		"PHYS": model.LobbyStatusSubmitted,
	}
	if len(lobby) != len(want) {
		t.Fatalf("lobby has %d exams, want %d: %+v", len(lobby), len(want), lobby)
	}
	for _, e := range lobby {
		if e.LobbyStatus != want[e.Subject] {
			t.Fatalf("%s status = %s, want %s", e.Subject, e.LobbyStatus, want[e.Subject])
		}
		if e.Subject == "PHYS" && (e.Score == nil || *e.Score != 1) {
			t.Fatalf("PHYS score = %v, want 1", e.Score)
		}
	}
}

func TestLobbyInProgress(t *testing.T) {
	f := newEngine(t, 1, mathExam())
	ctx := context.Background()

	if _, err := f.engine.EnterExam(ctx, student1, "MATH"); err != nil {
		t.Fatalf("EnterExam: %v", err)
	}
	lobby, err := f.engine.Lobby(ctx, student1)
	if err != nil {
		t.Fatalf("Lobby: %v", err)
	}
	if len(lobby) != 1 || lobby[0].LobbyStatus != model.LobbyStatusInProgress {
		t.Fatalf("lobby = %+v", lobby)
	}
}

func TestResetSessionAllowsRetake(t *testing.T) {
	f := newEngine(t, 1, mathExam())
	ctx := context.Background()

	first, err := f.engine.EnterExam(ctx, student1, "MATH")
	if err != nil {
		t.Fatalf("EnterExam: %v", err)
	}
	if _, err := f.engine.Finalize(ctx, mathKey(1), nil, model.FinalizeReasonManual); err != nil {
		t.Fatalf("Finalize: %v", err)
	}

	if err := f.engine.ResetSession(ctx, model.SessionKey{StudentID: 1, Subject: "math"}); err != nil {
		t.Fatalf("ResetSession: %v", err)
	}
	if err := f.engine.ResetSession(ctx, mathKey(1)); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("second reset err = %v, want ErrSessionNotFound", err)
	}

	f.clock.Advance(time.Minute)
	second, err := f.engine.EnterExam(ctx, student1, "MATH")
	if err != nil {
		t.Fatalf("re-enter: %v", err)
	}
	if second.Resumed || second.SessionID == first.SessionID {
		t.Fatalf("reset did not start a fresh session")
	}
	if !second.StartedAt.Equal(t0.Add(time.Minute)) {
		t.Fatalf("started at = %v", second.StartedAt)
	}
}

func TestStoreFailureIsReported(t *testing.T) {
	engine := NewExamSessionService(failingSessions{}, newFakeCatalog(mathExam()), &fakeSink{}, metrics.New(prometheus.NewRegistry()), zerolog.Nop())
	ctx := context.Background()

	if _, err := engine.EnterExam(ctx, student1, "MATH"); !errors.Is(err, ErrStoreFailure) {
		t.Fatalf("EnterExam err = %v, want ErrStoreFailure", err)
	}
	if _, err := engine.SaveProgress(ctx, mathKey(1), map[string]string{"q1": "A"}); !errors.Is(err, ErrStoreFailure) {
		t.Fatalf("SaveProgress err = %v, want ErrStoreFailure", err)
	}
	if _, err := engine.Finalize(ctx, mathKey(1), nil, model.FinalizeReasonManual); !errors.Is(err, ErrStoreFailure) {
		t.Fatalf("Finalize err = %v, want ErrStoreFailure", err)
	}
}

package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-cbt/internal/metrics"
	"github.com/stemsi/exstem-cbt/internal/model"
	"github.com/stemsi/exstem-cbt/internal/repository"
)

// StudentRef identifies the authenticated caller of an exam operation.
type StudentRef struct {
	ID         int
	ClassLevel string
}

// ExamSessionService is the exam session engine: it creates and resumes
// sessions, merges autosaves and finalizes each session exactly once.
//
// The engine holds no per-key state of its own. Ordering between concurrent
// calls for one key comes from the store's guarded updates, so the service
// can run as any number of replicas.
type ExamSessionService struct {
	sessions SessionStore
	catalog  Catalog
	sink     ResultSink
	metrics  *metrics.Metrics
	log      zerolog.Logger
	now      func() time.Time
}

// NewExamSessionService creates a new ExamSessionService.
func NewExamSessionService(
	sessions SessionStore,
	catalog Catalog,
	sink ResultSink,
	m *metrics.Metrics,
	log zerolog.Logger,
) *ExamSessionService {
	return &ExamSessionService{
		sessions: sessions,
		catalog:  catalog,
		sink:     sink,
		metrics:  m,
		log:      log.With().Str("component", "exam_session").Logger(),
		now:      time.Now,
	}
}

// SetClock replaces the time source. Times are truncated to microseconds so a
// stored and re-read timestamp compares equal on every store.
func (s *ExamSessionService) SetClock(now func() time.Time) {
	s.now = now
}

func (s *ExamSessionService) clock() time.Time {
	return s.now().UTC().Truncate(time.Microsecond)
}

// EnterExam starts a session for (student, subject) or resumes the existing
// one. A resume never moves startedAt or the deadline. A resume at or past the
// deadline finalizes the session as expired and returns ErrExpiredSession.
func (s *ExamSessionService) EnterExam(ctx context.Context, student StudentRef, subject string) (*model.EnterExamResponse, error) {
	key := model.SessionKey{StudentID: student.ID, Subject: model.NormalizeCode(subject)}

	sess, err := s.sessions.GetSession(ctx, key)
	switch {
	case err == nil:
		return s.resume(ctx, sess)
	case !errors.Is(err, repository.ErrNotFound):
		return nil, storeFailure("get session", err)
	}

	def, err := s.catalog.Lookup(ctx, key.Subject, model.NormalizeCode(student.ClassLevel))
	if err != nil {
		return nil, err
	}
	if !def.IsActive {
		return nil, ErrExamNotAvailable
	}
	if len(def.Questions) == 0 {
		return nil, ErrNoQuestions
	}

	now := s.clock()
	sess = &model.ExamSession{
		ID:         uuid.New(),
		StudentID:  key.StudentID,
		Subject:    key.Subject,
		ClassLevel: def.ClassLevel,
		ExamID:     def.ID,
		StartedAt:  now,
		DeadlineAt: now.Add(def.Duration()),
	}

	created, err := s.sessions.CreateSession(ctx, sess)
	if err != nil {
		return nil, storeFailure("create session", err)
	}
	if !created {
		// A concurrent enter won the insert; sess now holds its row.
		return s.resume(ctx, sess)
	}

	s.metrics.SessionsStarted.Inc()
	s.log.Info().
		Int("student_id", key.StudentID).
		Str("subject", key.Subject).
		Time("deadline_at", sess.DeadlineAt).
		Msg("Exam session started")

	return s.paper(sess, def, now, false), nil
}

func (s *ExamSessionService) resume(ctx context.Context, sess *model.ExamSession) (*model.EnterExamResponse, error) {
	if sess.Status.IsTerminal() {
		return nil, ErrSessionAlreadyClosed
	}

	now := s.clock()
	if sess.ExpiredAt(now) {
		if _, err := s.ExpireSession(ctx, sess.Key()); err != nil {
			if errors.Is(err, ErrAlreadySubmitted) {
				return nil, ErrSessionAlreadyClosed
			}
			return nil, err
		}
		return nil, ErrExpiredSession
	}

	// Resumes use the definition the session was started against; a later
	// deactivation does not lock out a student mid-exam.
	def, err := s.catalog.Lookup(ctx, sess.Subject, sess.ClassLevel)
	if err != nil {
		return nil, err
	}

	s.metrics.SessionsResumed.Inc()
	s.log.Debug().
		Int("student_id", sess.StudentID).
		Str("subject", sess.Subject).
		Msg("Exam session resumed")

	return s.paper(sess, def, now, true), nil
}

// paper builds the student-facing response: questions without answer keys,
// in stored or per-session shuffled order.
func (s *ExamSessionService) paper(sess *model.ExamSession, def *model.ExamDefinition, now time.Time, resumed bool) *model.EnterExamResponse {
	questions := def.Questions
	if def.ShuffleQuestions {
		questions = shuffledQuestions(questions, shuffleSeed(sess.StudentID, sess.Subject, sess.StartedAt))
	}

	out := make([]model.QuestionForStudent, len(questions))
	for i, q := range questions {
		out[i] = q.ForStudent()
	}

	saved := sess.Answers
	if saved == nil {
		saved = map[string]string{}
	}

	remaining := int64(sess.DeadlineAt.Sub(now) / time.Second)
	if remaining < 0 {
		remaining = 0
	}

	return &model.EnterExamResponse{
		SessionID:            sess.ID,
		Subject:              sess.Subject,
		Title:                def.Title,
		Questions:            out,
		TimeRemainingSeconds: remaining,
		SavedAnswers:         saved,
		StartedAt:            sess.StartedAt,
		DeadlineAt:           sess.DeadlineAt,
		Resumed:              resumed,
	}
}

// SaveProgress merges a partial answers snapshot into an in-progress session.
// Keys absent from answers keep their stored value.
func (s *ExamSessionService) SaveProgress(ctx context.Context, key model.SessionKey, answers map[string]string) (*model.AutosaveResponse, error) {
	key.Subject = model.NormalizeCode(key.Subject)

	normalized, err := normalizeAnswers(answers)
	if err != nil {
		s.metrics.Autosaves.WithLabelValues(metrics.OutcomeRejected).Inc()
		return nil, err
	}

	now := s.clock()
	if err := s.sessions.SaveAnswers(ctx, key, normalized, now); err != nil {
		switch {
		case errors.Is(err, repository.ErrSessionPastDeadline):
			s.metrics.Autosaves.WithLabelValues(metrics.OutcomeExpired).Inc()
			return nil, ErrExpiredSession
		case errors.Is(err, repository.ErrSessionNotInProgress):
			s.metrics.Autosaves.WithLabelValues(metrics.OutcomeRejected).Inc()
			return nil, ErrSessionAlreadyClosed
		case errors.Is(err, repository.ErrNotFound):
			s.metrics.Autosaves.WithLabelValues(metrics.OutcomeRejected).Inc()
			return nil, ErrSessionNotFound
		default:
			s.metrics.Autosaves.WithLabelValues(metrics.OutcomeFailed).Inc()
			return nil, storeFailure("save answers", err)
		}
	}

	s.metrics.Autosaves.WithLabelValues(metrics.OutcomeSaved).Inc()
	return &model.AutosaveResponse{SavedAt: now}, nil
}

// Finalize scores and closes a session. A manual submit before the stored
// deadline merges the supplied answers and marks the session submitted. A
// timeout, or any submit at or after the deadline, accepts no new answers:
// the session expires and only previously saved answers count.
//
// A session that is already terminal yields an *AlreadySubmittedError holding
// the recorded result.
func (s *ExamSessionService) Finalize(ctx context.Context, key model.SessionKey, answers map[string]string, reason model.FinalizeReason) (*model.SubmitResponse, error) {
	key.Subject = model.NormalizeCode(key.Subject)

	normalized, err := normalizeAnswers(answers)
	if err != nil {
		return nil, err
	}

	sess, err := s.loadOpen(ctx, key)
	if err != nil {
		return nil, err
	}

	now := s.clock()
	status := model.SessionStatusSubmitted
	merge := normalized
	if sess.ExpiredAt(now) || reason == model.FinalizeReasonTimeout {
		status = model.SessionStatusExpired
		merge = nil
		if len(normalized) > 0 {
			s.log.Info().
				Int("student_id", key.StudentID).
				Str("subject", key.Subject).
				Str("reason", string(reason)).
				Int("dropped_answers", len(normalized)).
				Msg("Closing submit, supplied answers ignored")
		}
	}

	return s.finalize(ctx, sess, status, merge, now)
}

// ExpireSession finalizes a session whose deadline has passed using only its
// saved answers. It returns ErrSessionNotExpired while time remains.
func (s *ExamSessionService) ExpireSession(ctx context.Context, key model.SessionKey) (*model.SubmitResponse, error) {
	sess, err := s.loadOpen(ctx, key)
	if err != nil {
		return nil, err
	}
	now := s.clock()
	if !sess.ExpiredAt(now) {
		return nil, ErrSessionNotExpired
	}
	return s.finalize(ctx, sess, model.SessionStatusExpired, nil, now)
}

// loadOpen returns the stored session, or the error a finalize on it must
// report if it is missing or already terminal.
func (s *ExamSessionService) loadOpen(ctx context.Context, key model.SessionKey) (*model.ExamSession, error) {
	sess, err := s.sessions.GetSession(ctx, key)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrSessionNotFound
		}
		return nil, storeFailure("get session", err)
	}
	if sess.Status.IsTerminal() {
		s.metrics.FinalizeConflicts.Inc()
		return nil, &AlreadySubmittedError{Result: recordedResult(sess)}
	}
	return sess, nil
}

func (s *ExamSessionService) finalize(ctx context.Context, sess *model.ExamSession, status model.SessionStatus, merge map[string]string, now time.Time) (*model.SubmitResponse, error) {
	key := sess.Key()

	def, err := s.catalog.Lookup(ctx, sess.Subject, sess.ClassLevel)
	if err != nil {
		return nil, err
	}

	closed, err := s.sessions.FinalizeSession(ctx, key, model.Finalization{
		Status:     status,
		Merge:      merge,
		FinishedAt: now,
		Grade: func(answers map[string]string) (model.ScoreResult, error) {
			return Score(def.Questions, answers)
		},
	})
	if err != nil {
		return nil, s.finalizeError(ctx, key, err)
	}

	result := recordedResult(closed)
	s.metrics.Finalizations.WithLabelValues(string(status)).Inc()
	s.log.Info().
		Int("student_id", key.StudentID).
		Str("subject", key.Subject).
		Str("status", string(status)).
		Int("score", result.Score).
		Int("total", result.Total).
		Msg("Exam session finalized")

	rec := model.ResultRecord{
		StudentID:  key.StudentID,
		Subject:    key.Subject,
		ClassLevel: closed.ClassLevel,
		Score:      result.Score,
		Total:      result.Total,
		Status:     status,
		RecordedAt: now,
	}
	if err := s.sink.Record(ctx, rec); err != nil {
		// The session row already holds the score; the result store catches
		// up from an admin export or a replay.
		s.log.Error().Err(err).
			Int("student_id", key.StudentID).
			Str("subject", key.Subject).
			Msg("Failed to record result")
	}

	return result, nil
}

func (s *ExamSessionService) finalizeError(ctx context.Context, key model.SessionKey, err error) error {
	switch {
	case errors.Is(err, ErrScoringInvariantViolation):
		s.log.Error().Err(err).
			Int("student_id", key.StudentID).
			Str("subject", key.Subject).
			Msg("Scoring invariant violated, finalize rolled back")
		return err
	case errors.Is(err, repository.ErrSessionNotInProgress):
		s.metrics.FinalizeConflicts.Inc()
		s.log.Debug().
			Int("student_id", key.StudentID).
			Str("subject", key.Subject).
			Msg("Finalize lost the race")
		closed, getErr := s.sessions.GetSession(ctx, key)
		if getErr != nil {
			return &AlreadySubmittedError{}
		}
		return &AlreadySubmittedError{Result: recordedResult(closed)}
	case errors.Is(err, repository.ErrNotFound):
		return ErrSessionNotFound
	default:
		return storeFailure("finalize session", err)
	}
}

// recordedResult reports the stored score of a closed session.
func recordedResult(sess *model.ExamSession) *model.SubmitResponse {
	out := &model.SubmitResponse{Status: sess.Status}
	if sess.Score != nil && sess.TotalQuestions != nil {
		out.Score = *sess.Score
		out.Total = *sess.TotalQuestions
		out.Percentage = percentage(out.Score, out.Total)
	}
	return out
}

// Lobby lists the active exams for the student's class level with the
// student's own session state overlaid.
func (s *ExamSessionService) Lobby(ctx context.Context, student StudentRef) ([]model.LobbyExam, error) {
	exams, err := s.catalog.ListExams(ctx, model.NormalizeCode(student.ClassLevel), true)
	if err != nil {
		return nil, fmt.Errorf("list exams: %w", err)
	}

	sessions, err := s.sessions.ListSessionsByStudent(ctx, student.ID)
	if err != nil {
		return nil, storeFailure("list sessions", err)
	}
	bySubject := make(map[string]*model.ExamSession, len(sessions))
	for i := range sessions {
		bySubject[sessions[i].Subject] = &sessions[i]
	}

	now := s.clock()
	lobby := make([]model.LobbyExam, 0, len(exams))
	for _, exam := range exams {
		entry := model.LobbyExam{ExamSummary: exam, LobbyStatus: model.LobbyStatusAvailable}
		if sess, ok := bySubject[exam.Subject]; ok {
			entry.LobbyStatus = lobbyStatus(sess.EffectiveStatus(now))
			entry.Score = sess.Score
			entry.Total = sess.TotalQuestions
		}
		lobby = append(lobby, entry)
	}
	return lobby, nil
}

func lobbyStatus(status model.SessionStatus) model.LobbyStatus {
	switch status {
	case model.SessionStatusSubmitted:
		return model.LobbyStatusSubmitted
	case model.SessionStatusExpired:
		return model.LobbyStatusExpired
	default:
		return model.LobbyStatusInProgress
	}
}

// ResetSession deletes a session and its stored result so the student can
// sit the exam again. This is the only path that removes a session.
func (s *ExamSessionService) ResetSession(ctx context.Context, key model.SessionKey) error {
	key.Subject = model.NormalizeCode(key.Subject)
	if err := s.sessions.DeleteSession(ctx, key); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return ErrSessionNotFound
		}
		return storeFailure("delete session", err)
	}
	s.log.Warn().
		Int("student_id", key.StudentID).
		Str("subject", key.Subject).
		Msg("Exam session reset by admin")
	return nil
}

// normalizeAnswers upper-cases every letter and rejects anything outside A-D.
func normalizeAnswers(answers map[string]string) (map[string]string, error) {
	if len(answers) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(answers))
	for qid, ans := range answers {
		letter := model.NormalizeLetter(ans)
		if letter == "" {
			return nil, fmt.Errorf("%w: question %q", ErrInvalidAnswer, qid)
		}
		out[qid] = letter
	}
	return out, nil
}

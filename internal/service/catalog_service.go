package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-cbt/internal/config"
	"github.com/stemsi/exstem-cbt/internal/model"
	"github.com/stemsi/exstem-cbt/internal/repository"
)

// CatalogService reads exam definitions through a Redis cache and applies
// admin edits to the store, invalidating the cached copy.
type CatalogService struct {
	exams ExamStore
	rdb   *redis.Client
	ttl   time.Duration
	log   zerolog.Logger
}

// NewCatalogService creates a new CatalogService. A ttl of zero disables the cache.
func NewCatalogService(exams ExamStore, rdb *redis.Client, ttl time.Duration, log zerolog.Logger) *CatalogService {
	return &CatalogService{
		exams: exams,
		rdb:   rdb,
		ttl:   ttl,
		log:   log.With().Str("component", "catalog").Logger(),
	}
}

// Lookup returns the definition for (subject, classLevel), including correct
// answers. The isActive flag is reported, not enforced.
func (s *CatalogService) Lookup(ctx context.Context, subject, classLevel string) (*model.ExamDefinition, error) {
	subject, classLevel = model.NormalizeCode(subject), model.NormalizeCode(classLevel)
	key := config.CacheKey.ExamDefinitionKey(subject, classLevel)

	if s.ttl > 0 {
		data, err := s.rdb.Get(ctx, key).Bytes()
		switch {
		case err == nil:
			var def model.ExamDefinition
			if err := json.Unmarshal(data, &def); err == nil {
				return &def, nil
			}
			s.log.Warn().Str("key", key).Msg("Corrupt cached definition, reloading")
		case !errors.Is(err, redis.Nil):
			s.log.Warn().Err(err).Str("key", key).Msg("Catalog cache read failed, falling back to store")
		}
	}

	def, err := s.exams.GetDefinition(ctx, subject, classLevel)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrExamNotAvailable
		}
		return nil, storeFailure("get definition", err)
	}

	s.cache(ctx, key, def)
	return def, nil
}

func (s *CatalogService) cache(ctx context.Context, key string, def *model.ExamDefinition) {
	if s.ttl <= 0 {
		return
	}
	data, err := json.Marshal(def)
	if err != nil {
		s.log.Warn().Err(err).Str("key", key).Msg("Failed to marshal definition")
		return
	}
	if err := s.rdb.Set(ctx, key, data, s.ttl).Err(); err != nil {
		s.log.Warn().Err(err).Str("key", key).Msg("Failed to cache definition")
	}
}

// ListExams lists exam summaries straight from the store.
func (s *CatalogService) ListExams(ctx context.Context, classLevel string, activeOnly bool) ([]model.ExamSummary, error) {
	exams, err := s.exams.ListExams(ctx, model.NormalizeCode(classLevel), activeOnly)
	if err != nil {
		return nil, storeFailure("list exams", err)
	}
	if exams == nil {
		exams = []model.ExamSummary{}
	}
	return exams, nil
}

// UpsertExam creates or updates an exam definition. Sessions already started
// keep the deadline they were created with.
func (s *CatalogService) UpsertExam(ctx context.Context, req model.UpsertExamRequest) (*model.ExamDefinition, error) {
	def := &model.ExamDefinition{
		Subject:          model.NormalizeCode(req.Subject),
		ClassLevel:       model.NormalizeCode(req.ClassLevel),
		Title:            req.Title,
		DurationMinutes:  req.DurationMinutes,
		IsActive:         req.IsActive != nil && *req.IsActive,
		ShuffleQuestions: req.ShuffleQuestions,
	}
	if err := s.exams.UpsertExam(ctx, def); err != nil {
		return nil, storeFailure("upsert exam", err)
	}
	s.invalidate(ctx, def.Subject, def.ClassLevel)

	s.log.Info().
		Str("subject", def.Subject).
		Str("class_level", def.ClassLevel).
		Int("duration_minutes", def.DurationMinutes).
		Bool("is_active", def.IsActive).
		Msg("Exam definition saved")
	return def, nil
}

// ReplaceQuestions swaps an exam's question list. Questions without an id get
// a generated one; correct answers are normalized to upper case. It returns
// ErrExamInUse while any session on the exam is still in progress.
func (s *CatalogService) ReplaceQuestions(ctx context.Context, subject, classLevel string, inputs []model.QuestionInput) ([]model.Question, error) {
	subject, classLevel = model.NormalizeCode(subject), model.NormalizeCode(classLevel)

	questions := make([]model.Question, len(inputs))
	seen := make(map[string]struct{}, len(inputs))
	for i, in := range inputs {
		id := in.ID
		if id == "" {
			id = uuid.NewString()
		}
		if _, dup := seen[id]; dup {
			return nil, fmt.Errorf("%w: %q", ErrDuplicateQuestionID, id)
		}
		seen[id] = struct{}{}

		correct := model.NormalizeLetter(in.CorrectAnswer)
		if correct == "" {
			return nil, fmt.Errorf("%w: question %q", ErrInvalidAnswer, id)
		}
		questions[i] = model.Question{
			ID:            id,
			Text:          in.Text,
			Options:       in.Options,
			CorrectAnswer: correct,
			ImageRef:      in.ImageRef,
		}
	}

	if err := s.exams.ReplaceQuestions(ctx, subject, classLevel, questions); err != nil {
		switch {
		case errors.Is(err, repository.ErrNotFound):
			return nil, ErrExamNotAvailable
		case errors.Is(err, repository.ErrExamInUse):
			return nil, ErrExamInUse
		}
		return nil, storeFailure("replace questions", err)
	}
	s.invalidate(ctx, subject, classLevel)

	s.log.Info().
		Str("subject", subject).
		Str("class_level", classLevel).
		Int("questions", len(questions)).
		Msg("Exam questions replaced")
	return questions, nil
}

func (s *CatalogService) invalidate(ctx context.Context, subject, classLevel string) {
	key := config.CacheKey.ExamDefinitionKey(subject, classLevel)
	if err := s.rdb.Del(ctx, key).Err(); err != nil {
		s.log.Warn().Err(err).Str("key", key).Msg("Failed to invalidate cached definition")
	}
}

// PrewarmActive loads every active definition into Redis on startup so the
// first wave of enters does not stampede the store.
func (s *CatalogService) PrewarmActive(ctx context.Context) error {
	if s.ttl <= 0 {
		return nil
	}
	exams, err := s.exams.ListExams(ctx, "", true)
	if err != nil {
		return fmt.Errorf("list active exams: %w", err)
	}
	if len(exams) == 0 {
		s.log.Info().Msg("No active exams to prewarm")
		return nil
	}

	pipe := s.rdb.Pipeline()
	warmed := 0
	for _, e := range exams {
		def, err := s.exams.GetDefinition(ctx, e.Subject, e.ClassLevel)
		if err != nil {
			s.log.Warn().Err(err).
				Str("subject", e.Subject).
				Str("class_level", e.ClassLevel).
				Msg("Failed to load exam, skipping")
			continue
		}
		data, err := json.Marshal(def)
		if err != nil {
			continue
		}
		pipe.Set(ctx, config.CacheKey.ExamDefinitionKey(def.Subject, def.ClassLevel), data, s.ttl)
		warmed++
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("cache to redis: %w", err)
	}

	s.log.Info().
		Int("warmed", warmed).
		Int("total", len(exams)).
		Msg("Prewarming complete")
	return nil
}

package storage

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-cbt/internal/config"
	"github.com/stemsi/exstem-cbt/internal/database"
	"github.com/stemsi/exstem-cbt/internal/repository"
	"github.com/stemsi/exstem-cbt/internal/repository/sqlite"
	"github.com/stemsi/exstem-cbt/internal/service"
)

// Stores bundles the persistence contracts for the configured driver. Postgres
// and SQLite implementations are interchangeable behind it.
type Stores struct {
	Sessions service.SessionStore
	Exams    service.ExamStore
	Students service.StudentStore
	Results  service.ResultStore

	close func()
}

// Close releases the underlying pool or database handle.
func (s *Stores) Close() {
	if s.close != nil {
		s.close()
	}
}

// Open connects to the store selected by STORE_DRIVER. The SQLite schema is
// created on open; PostgreSQL is migrated separately by cmd/migrate.
func Open(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*Stores, error) {
	switch cfg.StoreDriver {
	case config.StoreDriverPostgres:
		pool, err := database.NewPostgresPool(ctx, cfg, log)
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		return &Stores{
			Sessions: repository.NewExamSessionRepository(pool),
			Exams:    repository.NewExamRepository(pool),
			Students: repository.NewStudentRepository(pool),
			Results:  repository.NewResultRepository(pool),
			close:    pool.Close,
		}, nil

	case config.StoreDriverSQLite:
		db, err := database.OpenSQLite(ctx, cfg.SQLitePath, log)
		if err != nil {
			return nil, err
		}
		store := sqlite.New(db)
		if err := store.InitSchema(ctx); err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("init sqlite schema: %w", err)
		}
		return &Stores{
			Sessions: store,
			Exams:    store,
			Students: store,
			Results:  store,
			close:    func() { _ = store.Close() },
		}, nil

	default:
		return nil, fmt.Errorf("unknown STORE_DRIVER %q", cfg.StoreDriver)
	}
}

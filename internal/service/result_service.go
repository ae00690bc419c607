package service

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-cbt/internal/model"
	"github.com/xuri/excelize/v2"
)

const resultsSheet = "Results"

// ResultService builds admin reports from the session and result stores.
type ResultService struct {
	sessions SessionStore
	results  ResultStore
	log      zerolog.Logger
	now      func() time.Time
}

// NewResultService creates a new ResultService.
func NewResultService(sessions SessionStore, results ResultStore, log zerolog.Logger) *ResultService {
	return &ResultService{
		sessions: sessions,
		results:  results,
		log:      log.With().Str("component", "results").Logger(),
		now:      time.Now,
	}
}

// SetClock replaces the time source used for effective status.
func (s *ResultService) SetClock(now func() time.Time) {
	s.now = now
}

// ListSessionReports returns sessions with their effective status: an
// in-progress session past its deadline is reported as expired even if no
// operation has finalized it yet.
func (s *ResultService) ListSessionReports(ctx context.Context, filter model.SessionFilter) ([]model.SessionReport, error) {
	filter.Subject = model.NormalizeCode(filter.Subject)
	filter.ClassLevel = model.NormalizeCode(filter.ClassLevel)

	reports, err := s.sessions.ListSessionReports(ctx, filter)
	if err != nil {
		return nil, storeFailure("list session reports", err)
	}

	now := s.now()
	for i := range reports {
		r := &reports[i]
		r.Status = r.StoredStatus
		if r.StoredStatus == model.SessionStatusInProgress && !now.Before(r.DeadlineAt) {
			r.Status = model.SessionStatusExpired
		}
	}
	if reports == nil {
		reports = []model.SessionReport{}
	}
	return reports, nil
}

// ExportResults writes the result store, optionally for one subject, as an
// XLSX workbook to w.
func (s *ResultService) ExportResults(ctx context.Context, subject string, w io.Writer) (int, error) {
	results, err := s.results.ListResults(ctx, model.NormalizeCode(subject))
	if err != nil {
		return 0, storeFailure("list results", err)
	}

	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", resultsSheet); err != nil {
		return 0, err
	}

	header := []any{"Admission Number", "Name", "Class", "Subject", "Score", "Total", "Percentage", "Status", "Recorded At"}
	if err := f.SetSheetRow(resultsSheet, "A1", &header); err != nil {
		return 0, err
	}

	for i, r := range results {
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return 0, err
		}
		row := []any{
			r.AdmissionNumber,
			r.StudentName,
			r.ClassLevel,
			r.Subject,
			r.Score,
			r.Total,
			percentage(r.Score, r.Total),
			string(r.Status),
			r.RecordedAt.UTC().Format(time.RFC3339),
		}
		if err := f.SetSheetRow(resultsSheet, cell, &row); err != nil {
			return 0, err
		}
	}

	if err := f.Write(w); err != nil {
		return 0, fmt.Errorf("write workbook: %w", err)
	}

	s.log.Info().
		Str("subject", subject).
		Int("rows", len(results)).
		Msg("Results exported")
	return len(results), nil
}

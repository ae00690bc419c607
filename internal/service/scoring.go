package service

import (
	"fmt"
	"math"

	"github.com/stemsi/exstem-cbt/internal/model"
)

// Score grades answers against the ordered question list. Each question is
// worth one point; unknown question ids in answers are ignored.
func Score(questions []model.Question, answers map[string]string) (model.ScoreResult, error) {
	score := 0
	for _, q := range questions {
		given := model.NormalizeLetter(answers[q.ID])
		if given != "" && given == model.NormalizeLetter(q.CorrectAnswer) {
			score++
		}
	}
	return checkedResult(score, len(questions))
}

// checkedResult refuses to produce a result outside [0, total].
func checkedResult(score, total int) (model.ScoreResult, error) {
	if score < 0 || score > total {
		return model.ScoreResult{}, fmt.Errorf("%w: score %d, total %d", ErrScoringInvariantViolation, score, total)
	}
	return model.ScoreResult{
		Score:      score,
		Total:      total,
		Percentage: percentage(score, total),
	}, nil
}

func percentage(score, total int) float64 {
	if total == 0 {
		return 0
	}
	return math.Round(float64(score)/float64(total)*10000) / 100
}

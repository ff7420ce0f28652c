package scoring

import (
	"fmt"
	"strconv"

	"dev.helix.grader/internal/models"
)

// Sum scores each testcase independently: the submission earns outcome
// times PerTestcase points on every testcase.
type Sum struct {
	PerTestcase float64

	codenames []string
	public    map[string]bool
}

func (s *Sum) Name() string { return ScoreTypeSum }

func (s *Sum) MaxScores() (float64, float64, []string) {
	var score, publicScore float64
	for _, codename := range s.codenames {
		score += s.PerTestcase
		if s.public[codename] {
			publicScore += s.PerTestcase
		}
	}
	return score, publicScore, nil
}

func (s *Sum) ComputeScore(result *models.SubmissionResult) (*Score, error) {
	// A failed compilation scores zero with empty details.
	if !result.Evaluated() {
		return &Score{
			Details:        mustMarshal([]testcaseDetail{}),
			PublicDetails:  mustMarshal([]testcaseDetail{}),
			RankingDetails: []string{},
		}, nil
	}

	var score, publicScore float64
	details := make([]testcaseDetail, 0, len(s.codenames))
	publicDetails := make([]testcaseDetail, 0, len(s.codenames))

	for _, codename := range s.codenames {
		ev, ok := result.Evaluations[codename]
		if !ok {
			return nil, fmt.Errorf("missing evaluation for testcase %s", codename)
		}
		outcome, err := strconv.ParseFloat(ev.Outcome, 64)
		if err != nil {
			return nil, fmt.Errorf("bad outcome %q on testcase %s: %w", ev.Outcome, codename, err)
		}
		tcScore := outcome * s.PerTestcase
		score += tcScore

		detail := testcaseDetail{
			Codename: codename,
			Outcome:  s.publicOutcome(tcScore),
			Text:     ev.Text,
			Time:     ev.ExecutionTime,
			MemoryKB: ev.ExecutionMemoryKB,
		}
		details = append(details, detail)
		if s.public[codename] {
			publicScore += tcScore
			publicDetails = append(publicDetails, detail)
		} else {
			publicDetails = append(publicDetails, testcaseDetail{Codename: codename})
		}
	}

	return &Score{
		Score:          score,
		Details:        mustMarshal(details),
		PublicScore:    publicScore,
		PublicDetails:  mustMarshal(publicDetails),
		RankingDetails: []string{},
	}, nil
}

func (s *Sum) publicOutcome(score float64) string {
	switch {
	case score <= 0.0:
		return outcomeNotCorrect
	case score >= s.PerTestcase:
		return outcomeCorrect
	default:
		return outcomePartially
	}
}

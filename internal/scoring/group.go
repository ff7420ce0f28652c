package scoring

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"

	"dev.helix.grader/internal/models"
)

// GroupParameter describes one subtask: its maximum score and which
// testcases belong to it, either as a count (consumed in lexicographic
// codename order) or as a regexp over codenames. GroupThreshold carries a
// third element, the outcome threshold of the subtask.
type GroupParameter struct {
	MaxScore float64
	// Exactly one of Count and Pattern is set.
	Count   int
	Pattern string

	Threshold    float64
	HasThreshold bool
}

// UnmarshalJSON accepts [max_score, count-or-regexp] with an optional
// trailing threshold.
func (p *GroupParameter) UnmarshalJSON(data []byte) error {
	var elems []json.RawMessage
	if err := json.Unmarshal(data, &elems); err != nil {
		return err
	}
	if len(elems) != 2 && len(elems) != 3 {
		return fmt.Errorf("subtask parameter must have 2 or 3 elements, got %d", len(elems))
	}
	if err := json.Unmarshal(elems[0], &p.MaxScore); err != nil {
		return fmt.Errorf("bad subtask max score: %w", err)
	}
	if len(elems) == 3 {
		if err := json.Unmarshal(elems[2], &p.Threshold); err != nil {
			return fmt.Errorf("bad subtask threshold: %w", err)
		}
		p.HasThreshold = true
	}
	if err := json.Unmarshal(elems[1], &p.Count); err == nil {
		return nil
	}
	if err := json.Unmarshal(elems[1], &p.Pattern); err != nil {
		return fmt.Errorf("subtask target must be a count or a regexp: %w", err)
	}
	return nil
}

// subtaskDetail is one row of the per-subtask feedback structure.
type subtaskDetail struct {
	Idx           int              `json:"idx"`
	ScoreFraction float64          `json:"score_fraction"`
	Score         float64          `json:"score"`
	MaxScore      float64          `json:"max_score"`
	Testcases     []testcaseDetail `json:"testcases"`
}

// publicSubtaskDetail is what non-public subtasks collapse to.
type publicSubtaskDetail struct {
	Idx       int              `json:"idx"`
	Testcases []testcaseDetail `json:"testcases"`
}

// Group is the family of subtask-based score types. Each subtask reduces
// its testcases' outcomes to a fraction, which multiplies the subtask's
// maximum score:
//
//	GroupMin        the minimum outcome
//	GroupMul        the product of the outcomes
//	GroupThreshold  1 if every outcome is in (0, threshold], else 0,
//	                with the threshold given per subtask as the third
//	                parameter element
type Group struct {
	Params []GroupParameter

	name      string
	codenames []string
	public    map[string]bool
	targets   [][]string
}

func (g *Group) Name() string { return g.name }

// resolveTargets materializes which codenames belong to each subtask.
// Counts and patterns cannot be mixed, matching the upstream convention.
func (g *Group) resolveTargets() error {
	counts := 0
	patterns := 0
	for i, p := range g.Params {
		if g.name == ScoreTypeGroupThreshold && !p.HasThreshold {
			return fmt.Errorf("subtask %d: GroupThreshold needs [max_score, target, threshold]", i)
		}
		if g.name != ScoreTypeGroupThreshold && p.HasThreshold {
			return fmt.Errorf("subtask %d: only GroupThreshold takes a threshold", i)
		}
		if p.Pattern != "" {
			patterns++
		} else {
			counts++
		}
	}
	if counts > 0 && patterns > 0 {
		return fmt.Errorf("subtask targets must be all counts or all regexps")
	}

	g.targets = make([][]string, 0, len(g.Params))
	if patterns == 0 {
		current := 0
		for _, p := range g.Params {
			next := current + p.Count
			if next > len(g.codenames) {
				return fmt.Errorf("subtasks cover %d testcases, dataset has %d",
					next, len(g.codenames))
			}
			g.targets = append(g.targets, g.codenames[current:next])
			current = next
		}
		return nil
	}

	for _, p := range g.Params {
		re, err := regexp.Compile(p.Pattern)
		if err != nil {
			return fmt.Errorf("bad subtask regexp %q: %w", p.Pattern, err)
		}
		var target []string
		for _, codename := range g.codenames {
			if re.MatchString(codename) {
				target = append(target, codename)
			}
		}
		if len(target) == 0 {
			return fmt.Errorf("no testcase matches the regexp %q", p.Pattern)
		}
		g.targets = append(g.targets, target)
	}
	return nil
}

func (g *Group) MaxScores() (float64, float64, []string) {
	var score, publicScore float64
	headers := make([]string, 0, len(g.Params))
	for i, p := range g.Params {
		if p.MaxScore > 0 {
			score += p.MaxScore
			if g.allPublic(g.targets[i]) {
				publicScore += p.MaxScore
			}
		}
		headers = append(headers, fmt.Sprintf("Subtask %d (%g)", i, p.MaxScore))
	}
	return score, publicScore, headers
}

func (g *Group) allPublic(target []string) bool {
	for _, codename := range target {
		if !g.public[codename] {
			return false
		}
	}
	return true
}

func (g *Group) ComputeScore(result *models.SubmissionResult) (*Score, error) {
	if !result.Evaluated() {
		ranking := make([]string, len(g.Params))
		for i := range ranking {
			ranking[i] = "0"
		}
		return &Score{
			Details:        mustMarshal([]subtaskDetail{}),
			PublicDetails:  mustMarshal([]publicSubtaskDetail{}),
			RankingDetails: ranking,
		}, nil
	}

	var score, publicScore float64
	details := make([]json.RawMessage, 0, len(g.Params))
	publicDetails := make([]json.RawMessage, 0, len(g.Params))
	ranking := make([]string, 0, len(g.Params))

	for i, p := range g.Params {
		target := g.targets[i]

		outcomes := make([]float64, 0, len(target))
		testcases := make([]testcaseDetail, 0, len(target))
		publicTestcases := make([]testcaseDetail, 0, len(target))
		for _, codename := range target {
			ev, ok := result.Evaluations[codename]
			if !ok {
				return nil, fmt.Errorf("missing evaluation for testcase %s", codename)
			}
			outcome, err := strconv.ParseFloat(ev.Outcome, 64)
			if err != nil {
				return nil, fmt.Errorf("bad outcome %q on testcase %s: %w",
					ev.Outcome, codename, err)
			}
			outcomes = append(outcomes, outcome)

			detail := testcaseDetail{
				Codename: codename,
				Outcome:  g.publicOutcome(outcome, p.Threshold),
				Text:     ev.Text,
				Time:     ev.ExecutionTime,
				MemoryKB: ev.ExecutionMemoryKB,
			}
			testcases = append(testcases, detail)
			if g.public[codename] {
				publicTestcases = append(publicTestcases, detail)
			} else {
				publicTestcases = append(publicTestcases, testcaseDetail{Codename: codename})
			}
		}

		fraction := g.reduce(outcomes, p.Threshold)
		subtaskScore := fraction * p.MaxScore
		score += subtaskScore

		detail := subtaskDetail{
			Idx:           i,
			ScoreFraction: fraction,
			Score:         subtaskScore,
			MaxScore:      p.MaxScore,
			Testcases:     testcases,
		}
		details = append(details, mustMarshal(detail))
		if g.allPublic(target) {
			publicScore += subtaskScore
			publicDetails = append(publicDetails, mustMarshal(detail))
		} else {
			publicDetails = append(publicDetails, mustMarshal(publicSubtaskDetail{
				Idx:       i,
				Testcases: publicTestcases,
			}))
		}
		ranking = append(ranking, strconv.FormatFloat(subtaskScore, 'g', -1, 64))
	}

	return &Score{
		Score:          score,
		Details:        mustMarshal(details),
		PublicScore:    publicScore,
		PublicDetails:  mustMarshal(publicDetails),
		RankingDetails: ranking,
	}, nil
}

// reduce folds the outcomes of one subtask into its score fraction. The
// threshold only applies to GroupThreshold.
func (g *Group) reduce(outcomes []float64, threshold float64) float64 {
	switch g.name {
	case ScoreTypeGroupMul:
		fraction := 1.0
		for _, o := range outcomes {
			fraction *= o
		}
		return fraction
	case ScoreTypeGroupThreshold:
		// Outcomes here measure a resource (e.g. queries used); zero means
		// failure and anything above the subtask threshold is over budget.
		for _, o := range outcomes {
			if o <= 0.0 || o > threshold {
				return 0.0
			}
		}
		return 1.0
	default: // GroupMin
		fraction := 1.0
		for _, o := range outcomes {
			if o < fraction {
				fraction = o
			}
		}
		return fraction
	}
}

func (g *Group) publicOutcome(outcome, threshold float64) string {
	if g.name == ScoreTypeGroupThreshold {
		if outcome > 0.0 && outcome <= threshold {
			return outcomeCorrect
		}
		return outcomeNotCorrect
	}
	switch {
	case outcome <= 0.0:
		return outcomeNotCorrect
	case outcome >= 1.0:
		return outcomeCorrect
	default:
		return outcomePartially
	}
}

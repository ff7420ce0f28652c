package scoring

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"dev.helix.grader/internal/models"
)

// SubmissionScore is one scored submission of a participation on a task, as
// needed to compute the task score under the different score modes.
type SubmissionScore struct {
	SubmissionID int64
	Timestamp    time.Time
	Score        float64
	Tokened      bool
	// SubtaskScores are the per-subtask points, present only for group
	// score types.
	SubtaskScores []float64
}

// TaskScore combines the submission scores into the participation's task
// score, before rounding:
//
//	max               the best submission counts
//	max_tokened_last  the best among tokened submissions and the last one
//	max_subtask       each subtask counts its best across all submissions
func TaskScore(mode models.ScoreMode, scores []SubmissionScore) (float64, error) {
	if len(scores) == 0 {
		return 0.0, nil
	}
	sorted := make([]SubmissionScore, len(scores))
	copy(sorted, scores)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Timestamp.Before(sorted[j].Timestamp)
	})

	switch mode {
	case models.ScoreModeMax, "":
		best := 0.0
		for _, s := range sorted {
			if s.Score > best {
				best = s.Score
			}
		}
		return best, nil

	case models.ScoreModeMaxTokened:
		best := 0.0
		for i, s := range sorted {
			if s.Tokened || i == len(sorted)-1 {
				if s.Score > best {
					best = s.Score
				}
			}
		}
		return best, nil

	case models.ScoreModeMaxSubtask:
		// Submissions without subtasks (e.g. under Sum) degrade to max.
		var best []float64
		plain := 0.0
		for _, s := range sorted {
			if s.Score > plain {
				plain = s.Score
			}
			for i, st := range s.SubtaskScores {
				if i >= len(best) {
					best = append(best, st)
				} else if st > best[i] {
					best[i] = st
				}
			}
		}
		if len(best) == 0 {
			return plain, nil
		}
		total := 0.0
		for _, st := range best {
			total += st
		}
		return total, nil

	default:
		return 0, fmt.Errorf("unknown score mode %q", mode)
	}
}

// SubtaskScoresFromDetails extracts the per-subtask points from stored score
// details, returning nil when the details are not subtask-shaped.
func SubtaskScoresFromDetails(details json.RawMessage) []float64 {
	var subtasks []subtaskDetail
	if err := json.Unmarshal(details, &subtasks); err != nil {
		return nil
	}
	if len(subtasks) == 0 {
		return nil
	}
	out := make([]float64, len(subtasks))
	for i, st := range subtasks {
		out[i] = st.Score
	}
	return out
}

package scoring

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dev.helix.grader/internal/models"
)

func scoreAt(seconds int, score float64, tokened bool, subtasks ...float64) SubmissionScore {
	return SubmissionScore{
		SubmissionID:  int64(seconds),
		Timestamp:     time.Date(2026, 8, 24, 10, 0, seconds, 0, time.UTC),
		Score:         score,
		Tokened:       tokened,
		SubtaskScores: subtasks,
	}
}

func TestTaskScoreMax(t *testing.T) {
	score, err := TaskScore(models.ScoreModeMax, []SubmissionScore{
		scoreAt(1, 40, false),
		scoreAt(2, 90, false),
		scoreAt(3, 70, false),
	})
	require.NoError(t, err)
	assert.Equal(t, 90.0, score)
}

func TestTaskScoreMaxTokenedLast(t *testing.T) {
	// The best submission is neither tokened nor last, so it does not count.
	score, err := TaskScore(models.ScoreModeMaxTokened, []SubmissionScore{
		scoreAt(1, 50, true),
		scoreAt(2, 90, false),
		scoreAt(3, 70, false),
	})
	require.NoError(t, err)
	assert.Equal(t, 70.0, score)

	// Tokening the best submission makes it count.
	score, err = TaskScore(models.ScoreModeMaxTokened, []SubmissionScore{
		scoreAt(1, 50, true),
		scoreAt(2, 90, true),
		scoreAt(3, 70, false),
	})
	require.NoError(t, err)
	assert.Equal(t, 90.0, score)
}

func TestTaskScoreMaxSubtask(t *testing.T) {
	// Each subtask takes its best across submissions: 30 from the first,
	// 40 from the second.
	score, err := TaskScore(models.ScoreModeMaxSubtask, []SubmissionScore{
		scoreAt(1, 30, false, 30, 0),
		scoreAt(2, 40, false, 0, 40),
	})
	require.NoError(t, err)
	assert.Equal(t, 70.0, score)
}

func TestTaskScoreMaxSubtaskWithoutSubtasks(t *testing.T) {
	score, err := TaskScore(models.ScoreModeMaxSubtask, []SubmissionScore{
		scoreAt(1, 30, false),
		scoreAt(2, 40, false),
	})
	require.NoError(t, err)
	assert.Equal(t, 40.0, score)
}

func TestTaskScoreEmpty(t *testing.T) {
	score, err := TaskScore(models.ScoreModeMax, nil)
	require.NoError(t, err)
	assert.Equal(t, 0.0, score)
}

func TestTaskScoreUnknownMode(t *testing.T) {
	_, err := TaskScore("median", []SubmissionScore{scoreAt(1, 10, false)})
	assert.ErrorContains(t, err, "unknown score mode")
}

func TestSubtaskScoresFromDetails(t *testing.T) {
	details := mustMarshal([]subtaskDetail{
		{Idx: 0, Score: 30},
		{Idx: 1, Score: 45.5},
	})
	assert.Equal(t, []float64{30, 45.5}, SubtaskScoresFromDetails(details))

	// Sum-shaped details have no subtasks.
	assert.Nil(t, SubtaskScoresFromDetails(json.RawMessage(`[{"idx":"01","outcome":"Correct"}]`)))
	assert.Nil(t, SubtaskScoresFromDetails(json.RawMessage(`[]`)))
}

package scoring

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dev.helix.grader/internal/models"
)

type fakeStore struct {
	submission *models.Submission
	dataset    *models.Dataset
	task       *models.Task
	unscored   []*models.SubmissionResult
	saved      []*models.SubmissionResult
}

func (f *fakeStore) UnscoredResults(ctx context.Context) ([]*models.SubmissionResult, error) {
	return f.unscored, nil
}

func (f *fakeStore) Submission(ctx context.Context, id int64) (*models.Submission, error) {
	return f.submission, nil
}

func (f *fakeStore) Dataset(ctx context.Context, id int64) (*models.Dataset, error) {
	return f.dataset, nil
}

func (f *fakeStore) Task(ctx context.Context, id int64) (*models.Task, error) {
	return f.task, nil
}

func (f *fakeStore) SaveScore(ctx context.Context, result *models.SubmissionResult) error {
	f.saved = append(f.saved, result)
	return nil
}

type fakeNotifier struct {
	notified [][2]int64
}

func (f *fakeNotifier) ScoreChanged(submissionID, datasetID int64) {
	f.notified = append(f.notified, [2]int64{submissionID, datasetID})
}

func serviceFixture(scoreType, params string, precision int) (*Service, *fakeStore, *fakeNotifier) {
	store := &fakeStore{
		submission: &models.Submission{ID: 1, TaskID: 7},
		dataset:    testDataset(scoreType, params, map[string]bool{"01": true, "02": false, "03": false}),
		task:       &models.Task{ID: 7, ScorePrecision: precision},
	}
	notifier := &fakeNotifier{}
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	return NewService(store, notifier, time.Minute, log), store, notifier
}

func TestServiceScoreResult(t *testing.T) {
	svc, store, notifier := serviceFixture(ScoreTypeSum, `33.3333333`, 2)

	result := evaluatedResult(map[string]string{"01": "1.0", "02": "1.0", "03": "1.0"})
	require.NoError(t, svc.ScoreResult(context.Background(), result))

	require.NotNil(t, result.Score)
	assert.Equal(t, 100.0, *result.Score)
	require.NotNil(t, result.PublicScore)
	assert.Equal(t, 33.33, *result.PublicScore)
	assert.True(t, result.Scored())
	require.Len(t, store.saved, 1)
	assert.Equal(t, [][2]int64{{1, 1}}, notifier.notified)
}

func TestServiceScoreResultRounds(t *testing.T) {
	svc, _, _ := serviceFixture(ScoreTypeSum, `33.3333333`, 0)

	result := evaluatedResult(map[string]string{"01": "1.0", "02": "1.0", "03": "0.0"})
	require.NoError(t, svc.ScoreResult(context.Background(), result))

	require.NotNil(t, result.Score)
	assert.Equal(t, 67.0, *result.Score)

	// Details keep the exact per-testcase values.
	var details []testcaseDetail
	require.NoError(t, json.Unmarshal(result.ScoreDetails, &details))
	require.Len(t, details, 3)
}

func TestServiceScoreFailedCompilation(t *testing.T) {
	svc, store, _ := serviceFixture(ScoreTypeGroupMin, `[[100, 3]]`, 2)

	result := models.NewSubmissionResult(1, 1)
	result.CompilationOutcome = models.CompilationFail
	require.NoError(t, svc.ScoreResult(context.Background(), result))

	require.NotNil(t, result.Score)
	assert.Equal(t, 0.0, *result.Score)
	assert.Equal(t, []string{"0"}, result.RankingScoreDetails)
	require.Len(t, store.saved, 1)
}

func TestServiceSkipsScoredResults(t *testing.T) {
	svc, store, notifier := serviceFixture(ScoreTypeSum, `50`, 2)

	result := evaluatedResult(map[string]string{"01": "1.0", "02": "1.0", "03": "1.0"})
	require.NoError(t, svc.ScoreResult(context.Background(), result))
	require.NoError(t, svc.ScoreResult(context.Background(), result))

	assert.Len(t, store.saved, 1)
	assert.Len(t, notifier.notified, 1)
}

func TestServiceSkipsNonTerminalResults(t *testing.T) {
	svc, store, _ := serviceFixture(ScoreTypeSum, `50`, 2)

	result := models.NewSubmissionResult(1, 1)
	result.CompilationOutcome = models.CompilationOK // compiled but not evaluated
	require.NoError(t, svc.ScoreResult(context.Background(), result))

	assert.Nil(t, result.Score)
	assert.Empty(t, store.saved)
}

func TestServiceSweepScoresBacklog(t *testing.T) {
	svc, store, _ := serviceFixture(ScoreTypeSum, `50`, 2)
	store.unscored = []*models.SubmissionResult{
		evaluatedResult(map[string]string{"01": "1.0", "02": "0.0", "03": "0.0"}),
		evaluatedResult(map[string]string{"01": "1.0", "02": "1.0", "03": "1.0"}),
	}

	svc.sweep(context.Background())
	require.Len(t, store.saved, 2)
	assert.Equal(t, 50.0, *store.saved[0].Score)
	assert.Equal(t, 150.0, *store.saved[1].Score)
}

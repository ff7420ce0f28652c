package database

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dev.helix.grader/internal/models"
)

func getTestDBConnString() string {
	host := os.Getenv("DB_HOST")
	if host == "" {
		host = "localhost"
	}
	port := os.Getenv("DB_PORT")
	if port == "" {
		port = "5432"
	}
	user := os.Getenv("DB_USER")
	if user == "" {
		user = "grader"
	}
	password := os.Getenv("DB_PASSWORD")
	if password == "" {
		password = "secret"
	}
	name := os.Getenv("DB_NAME")
	if name == "" {
		name = "grader_test"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
		user, password, host, port, name)
}

func setupTestStore(t *testing.T) (*pgxpool.Pool, *Store) {
	t.Helper()
	ctx := context.Background()

	pool, err := pgxpool.New(ctx, getTestDBConnString())
	if err != nil {
		t.Skipf("Skipping test: database not available: %v", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		t.Skipf("Skipping test: database not available: %v", err)
	}

	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	require.NoError(t, Migrate(ctx, pool, log))

	_, err = pool.Exec(ctx, `
		TRUNCATE contests, tasks, datasets, testcases, managers,
		         users, participations, submissions, submission_files, tokens,
		         submission_results, evaluations, executables,
		         user_tests, user_test_files, user_test_managers,
		         user_test_results, user_test_executables
		RESTART IDENTITY CASCADE
	`)
	require.NoError(t, err)

	t.Cleanup(pool.Close)
	return pool, NewStore(pool, log)
}

// seedTask inserts a contest, a task with one active dataset and two
// testcases, a user with a participation, and one submission. Returns the
// submission id and the dataset id.
func seedTask(t *testing.T, pool *pgxpool.Pool) (int64, int64) {
	t.Helper()
	ctx := context.Background()

	var contestID int64
	require.NoError(t, pool.QueryRow(ctx, `
		INSERT INTO contests (name, description, start_time, stop_time)
		VALUES ('test', 'Test Contest', NOW(), NOW() + INTERVAL '5 hours')
		RETURNING id
	`).Scan(&contestID))

	var taskID int64
	require.NoError(t, pool.QueryRow(ctx, `
		INSERT INTO tasks (contest_id, name, title, num, submission_format)
		VALUES ($1, 'sum', 'A plus B', 0, '["sum.%l"]') RETURNING id
	`, contestID).Scan(&taskID))

	var datasetID int64
	require.NoError(t, pool.QueryRow(ctx, `
		INSERT INTO datasets (task_id, time_limit, memory_limit_kb,
		                      task_type, task_type_parameters,
		                      score_type, score_type_parameters)
		VALUES ($1, 1.0, 262144, 'Batch',
		        '{"compilation":"alone","evaluation":"diff"}', 'Sum', '50')
		RETURNING id
	`, taskID).Scan(&datasetID))

	_, err := pool.Exec(ctx,
		`UPDATE tasks SET active_dataset_id = $2 WHERE id = $1`, taskID, datasetID)
	require.NoError(t, err)

	for i, codename := range []string{"01", "02"} {
		_, err := pool.Exec(ctx, `
			INSERT INTO testcases (dataset_id, codename, public, input_digest, output_digest)
			VALUES ($1, $2, $3, $4, $5)
		`, datasetID, codename, i == 0,
			fmt.Sprintf("a%039d", i*2), fmt.Sprintf("a%039d", i*2+1))
		require.NoError(t, err)
	}

	var userID int64
	require.NoError(t, pool.QueryRow(ctx, `
		INSERT INTO users (username, first_name, last_name)
		VALUES ('ada', 'Ada', 'Lovelace') RETURNING id
	`).Scan(&userID))

	var participationID int64
	require.NoError(t, pool.QueryRow(ctx, `
		INSERT INTO participations (contest_id, user_id) VALUES ($1, $2) RETURNING id
	`, contestID, userID).Scan(&participationID))

	var submissionID int64
	require.NoError(t, pool.QueryRow(ctx, `
		INSERT INTO submissions (participation_id, task_id, timestamp, language)
		VALUES ($1, $2, NOW(), 'C++17 / g++') RETURNING id
	`, participationID, taskID).Scan(&submissionID))

	_, err = pool.Exec(ctx, `
		INSERT INTO submission_files (submission_id, filename, digest)
		VALUES ($1, 'sum.%l', $2)
	`, submissionID, "b000000000000000000000000000000000000001")
	require.NoError(t, err)

	return submissionID, datasetID
}

func TestTaskLoadsDatasetsComplete(t *testing.T) {
	pool, store := setupTestStore(t)
	_, datasetID := seedTask(t, pool)

	dataset, err := store.Dataset(context.Background(), datasetID)
	require.NoError(t, err)
	assert.Equal(t, "Batch", dataset.TaskType)
	assert.Equal(t, "Sum", dataset.ScoreType)
	require.NotNil(t, dataset.TimeLimit)
	assert.Equal(t, 1.0, *dataset.TimeLimit)
	assert.Equal(t, []string{"01", "02"}, dataset.TestcaseCodenames())
	assert.True(t, dataset.Testcases["01"].Public)
	assert.False(t, dataset.Testcases["02"].Public)

	task, err := store.Task(context.Background(), dataset.TaskID)
	require.NoError(t, err)
	require.NotNil(t, task.ActiveDatasetID)
	assert.Equal(t, datasetID, *task.ActiveDatasetID)
	require.NotNil(t, task.ActiveDataset())
	assert.Equal(t, []string{"sum.%l"}, task.SubmissionFormat)
}

func TestSubmissionLoadsFilesAndToken(t *testing.T) {
	pool, store := setupTestStore(t)
	submissionID, _ := seedTask(t, pool)

	submission, err := store.Submission(context.Background(), submissionID)
	require.NoError(t, err)
	assert.Equal(t, "C++17 / g++", submission.Language)
	assert.Equal(t, "b000000000000000000000000000000000000001", submission.Files["sum.%l"])
	assert.False(t, submission.Tokened())

	_, err = pool.Exec(context.Background(),
		`INSERT INTO tokens (submission_id, timestamp) VALUES ($1, NOW())`, submissionID)
	require.NoError(t, err)

	submission, err = store.Submission(context.Background(), submissionID)
	require.NoError(t, err)
	assert.True(t, submission.Tokened())
}

func TestEnsureResultIsIdempotent(t *testing.T) {
	pool, store := setupTestStore(t)
	submissionID, datasetID := seedTask(t, pool)
	ctx := context.Background()

	first, err := store.EnsureResult(ctx, submissionID, datasetID)
	require.NoError(t, err)
	assert.False(t, first.Compiled())

	first.CompilationTries = 2
	require.NoError(t, store.SaveResult(ctx, first))

	second, err := store.EnsureResult(ctx, submissionID, datasetID)
	require.NoError(t, err)
	assert.Equal(t, 2, second.CompilationTries)
}

func TestSaveResultRoundTrip(t *testing.T) {
	pool, store := setupTestStore(t)
	submissionID, datasetID := seedTask(t, pool)
	ctx := context.Background()

	result, err := store.EnsureResult(ctx, submissionID, datasetID)
	require.NoError(t, err)

	dataset, err := store.Dataset(ctx, datasetID)
	require.NoError(t, err)

	cpu := 0.5
	result.CompilationOutcome = models.CompilationOK
	result.CompilationText = []string{"Compilation succeeded"}
	result.CompilationTries = 1
	result.CompilationTime = &cpu
	result.Executables["sum"] = &models.Executable{
		SubmissionID: submissionID, DatasetID: datasetID,
		Filename: "sum", Digest: "c000000000000000000000000000000000000001",
	}
	for i, codename := range dataset.TestcaseCodenames() {
		execTime := 0.1 * float64(i+1)
		result.Evaluations[codename] = &models.Evaluation{
			SubmissionID: submissionID, DatasetID: datasetID,
			TestcaseID: dataset.Testcases[codename].ID, Codename: codename,
			Outcome: "1.0", Text: []string{"Output is correct"},
			ExecutionTime: &execTime, Shard: "worker-0",
		}
	}
	result.SetEvaluationOutcome()
	require.NoError(t, store.SaveResult(ctx, result))

	loaded, err := store.Result(ctx, submissionID, datasetID)
	require.NoError(t, err)
	assert.True(t, loaded.CompilationSucceeded())
	assert.True(t, loaded.Evaluated())
	assert.Equal(t, []string{"Compilation succeeded"}, loaded.CompilationText)
	assert.Len(t, loaded.Evaluations, 2)
	assert.Equal(t, "1.0", loaded.Evaluations["01"].Outcome)
	assert.Equal(t, "worker-0", loaded.Evaluations["02"].Shard)
	assert.Equal(t, "c000000000000000000000000000000000000001", loaded.Executables["sum"].Digest)
}

func TestUnfinishedAndUnscoredResults(t *testing.T) {
	pool, store := setupTestStore(t)
	submissionID, datasetID := seedTask(t, pool)
	ctx := context.Background()

	result, err := store.EnsureResult(ctx, submissionID, datasetID)
	require.NoError(t, err)

	// A fresh result is unfinished but not yet scorable.
	unfinished, err := store.UnfinishedResults(ctx)
	require.NoError(t, err)
	assert.Len(t, unfinished, 1)
	unscored, err := store.UnscoredResults(ctx)
	require.NoError(t, err)
	assert.Empty(t, unscored)

	// A failed compilation is terminal: scorable, not unfinished.
	result.CompilationOutcome = models.CompilationFail
	result.CompilationTries = 1
	require.NoError(t, store.SaveResult(ctx, result))

	unfinished, err = store.UnfinishedResults(ctx)
	require.NoError(t, err)
	assert.Empty(t, unfinished)
	unscored, err = store.UnscoredResults(ctx)
	require.NoError(t, err)
	require.Len(t, unscored, 1)

	// Scoring removes it from the unscored set.
	score := 0.0
	result.Score = &score
	result.ScoreDetails = json.RawMessage(`[]`)
	result.PublicScore = &score
	result.PublicScoreDetails = json.RawMessage(`[]`)
	result.RankingScoreDetails = []string{}
	require.NoError(t, store.SaveScore(ctx, result))

	unscored, err = store.UnscoredResults(ctx)
	require.NoError(t, err)
	assert.Empty(t, unscored)

	loaded, err := store.Result(ctx, submissionID, datasetID)
	require.NoError(t, err)
	assert.True(t, loaded.Scored())
}

func TestParticipationTeamRoundTrip(t *testing.T) {
	pool, store := setupTestStore(t)
	seedTask(t, pool)
	ctx := context.Background()

	var participationID, contestID int64
	require.NoError(t, pool.QueryRow(ctx,
		`SELECT id, contest_id FROM participations LIMIT 1`).Scan(&participationID, &contestID))

	participation, err := store.Participation(ctx, participationID)
	require.NoError(t, err)
	assert.Empty(t, participation.Team)

	_, err = pool.Exec(ctx,
		`UPDATE participations SET team = 'Italy' WHERE id = $1`, participationID)
	require.NoError(t, err)

	listed, err := store.ParticipationsForContest(ctx, contestID)
	require.NoError(t, err)
	require.Len(t, listed, 1)
	assert.Equal(t, "Italy", listed[0].Team)
}

func TestUserTestResultRoundTrip(t *testing.T) {
	pool, store := setupTestStore(t)
	_, datasetID := seedTask(t, pool)
	ctx := context.Background()

	var participationID, taskID int64
	require.NoError(t, pool.QueryRow(ctx,
		`SELECT id FROM participations LIMIT 1`).Scan(&participationID))
	require.NoError(t, pool.QueryRow(ctx,
		`SELECT id FROM tasks LIMIT 1`).Scan(&taskID))

	var userTestID int64
	require.NoError(t, pool.QueryRow(ctx, `
		INSERT INTO user_tests (participation_id, task_id, timestamp, language, input_digest)
		VALUES ($1, $2, NOW(), 'C++17 / g++', 'd000000000000000000000000000000000000001')
		RETURNING id
	`, participationID, taskID).Scan(&userTestID))
	_, err := pool.Exec(ctx, `
		INSERT INTO user_test_files (user_test_id, filename, digest)
		VALUES ($1, 'sum.%l', 'd000000000000000000000000000000000000002')
	`, userTestID)
	require.NoError(t, err)

	test, err := store.UserTest(ctx, userTestID)
	require.NoError(t, err)
	assert.Equal(t, "d000000000000000000000000000000000000002", test.Files["sum.%l"])

	result, err := store.EnsureUserTestResult(ctx, userTestID, datasetID)
	require.NoError(t, err)
	result.CompilationOutcome = models.CompilationOK
	result.CompilationTries = 1
	result.EvaluationOutcome = models.EvaluationOK
	result.EvaluationText = []string{"Execution completed successfully"}
	result.Output = "d000000000000000000000000000000000000003"
	require.NoError(t, store.SaveUserTestResult(ctx, result))

	loaded, err := store.EnsureUserTestResult(ctx, userTestID, datasetID)
	require.NoError(t, err)
	assert.True(t, loaded.Evaluated())
	assert.Equal(t, "d000000000000000000000000000000000000003", loaded.Output)
}

package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"

	"dev.helix.grader/internal/models"
)

// ResultRepository owns the submission_results rows and their children
// (evaluations, executables). Mutations run inside short transactions with a
// row lock on the result, which serialises concurrent writers on the same
// (submission, dataset) pair.
type ResultRepository struct {
	pool *pgxpool.Pool
	log  *logrus.Logger
}

func NewResultRepository(pool *pgxpool.Pool, log *logrus.Logger) *ResultRepository {
	return &ResultRepository{pool: pool, log: log}
}

const resultColumns = `
	submission_id, dataset_id,
	compilation_outcome, compilation_text, compilation_tries,
	compilation_stdout, compilation_stderr,
	compilation_time, compilation_wall_time, compilation_memory_kb, compilation_shard,
	evaluation_outcome, evaluation_tries,
	score, score_details, public_score, public_score_details, ranking_score_details
`

// EnsureResult returns the result row of the pair, creating an empty one if
// missing. Creation races are settled by the primary key.
func (r *ResultRepository) EnsureResult(ctx context.Context, submissionID, datasetID int64) (*models.SubmissionResult, error) {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO submission_results (submission_id, dataset_id)
		VALUES ($1, $2) ON CONFLICT DO NOTHING
	`, submissionID, datasetID)
	if err != nil {
		return nil, fmt.Errorf("failed to create result row: %w", err)
	}
	return r.Result(ctx, submissionID, datasetID)
}

// Result loads one result row with its evaluations and executables.
func (r *ResultRepository) Result(ctx context.Context, submissionID, datasetID int64) (*models.SubmissionResult, error) {
	query := `SELECT ` + resultColumns + `
		FROM submission_results WHERE submission_id = $1 AND dataset_id = $2`
	result, err := r.scanResult(r.pool.QueryRow(ctx, query, submissionID, datasetID))
	if err != nil {
		return nil, err
	}
	if err := r.fillResult(ctx, result); err != nil {
		return nil, err
	}
	return result, nil
}

func (r *ResultRepository) scanResult(row scannable) (*models.SubmissionResult, error) {
	result := &models.SubmissionResult{}
	var compilationText, scoreDetails, publicDetails, rankingDetails []byte
	err := row.Scan(
		&result.SubmissionID, &result.DatasetID,
		&result.CompilationOutcome, &compilationText, &result.CompilationTries,
		&result.CompilationStdout, &result.CompilationStderr,
		&result.CompilationTime, &result.CompilationWallTime,
		&result.CompilationMemoryKB, &result.CompilationShard,
		&result.EvaluationOutcome, &result.EvaluationTries,
		&result.Score, &scoreDetails, &result.PublicScore, &publicDetails, &rankingDetails,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load result: %w", err)
	}
	if err := json.Unmarshal(compilationText, &result.CompilationText); err != nil {
		return nil, fmt.Errorf("failed to decode compilation text: %w", err)
	}
	if scoreDetails != nil {
		result.ScoreDetails = json.RawMessage(scoreDetails)
	}
	if publicDetails != nil {
		result.PublicScoreDetails = json.RawMessage(publicDetails)
	}
	if rankingDetails != nil {
		if err := json.Unmarshal(rankingDetails, &result.RankingScoreDetails); err != nil {
			return nil, fmt.Errorf("failed to decode ranking details: %w", err)
		}
	}
	return result, nil
}

func (r *ResultRepository) fillResult(ctx context.Context, result *models.SubmissionResult) error {
	result.Evaluations = make(map[string]*models.Evaluation)
	rows, err := r.pool.Query(ctx, `
		SELECT submission_id, dataset_id, testcase_id, codename, outcome, text,
		       execution_time, execution_wall_time, execution_memory_kb, shard
		FROM evaluations WHERE submission_id = $1 AND dataset_id = $2
	`, result.SubmissionID, result.DatasetID)
	if err != nil {
		return fmt.Errorf("failed to list evaluations: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		evaluation := &models.Evaluation{}
		var text []byte
		err := rows.Scan(
			&evaluation.SubmissionID, &evaluation.DatasetID, &evaluation.TestcaseID,
			&evaluation.Codename, &evaluation.Outcome, &text,
			&evaluation.ExecutionTime, &evaluation.ExecutionWall,
			&evaluation.ExecutionMemoryKB, &evaluation.Shard,
		)
		if err != nil {
			return fmt.Errorf("failed to load evaluation: %w", err)
		}
		if err := json.Unmarshal(text, &evaluation.Text); err != nil {
			return fmt.Errorf("failed to decode evaluation text: %w", err)
		}
		result.Evaluations[evaluation.Codename] = evaluation
	}
	if err := rows.Err(); err != nil {
		return err
	}

	result.Executables = make(map[string]*models.Executable)
	executableRows, err := r.pool.Query(ctx, `
		SELECT submission_id, dataset_id, filename, digest
		FROM executables WHERE submission_id = $1 AND dataset_id = $2
	`, result.SubmissionID, result.DatasetID)
	if err != nil {
		return fmt.Errorf("failed to list executables: %w", err)
	}
	defer executableRows.Close()
	for executableRows.Next() {
		executable := &models.Executable{}
		if err := executableRows.Scan(&executable.SubmissionID, &executable.DatasetID,
			&executable.Filename, &executable.Digest); err != nil {
			return fmt.Errorf("failed to load executable: %w", err)
		}
		result.Executables[executable.Filename] = executable
	}
	return executableRows.Err()
}

// SaveResult writes the whole result row and replaces its evaluations and
// executables, inside one transaction holding the row lock.
func (r *ResultRepository) SaveResult(ctx context.Context, result *models.SubmissionResult) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var locked int64
	err = tx.QueryRow(ctx, `
		SELECT submission_id FROM submission_results
		WHERE submission_id = $1 AND dataset_id = $2 FOR UPDATE
	`, result.SubmissionID, result.DatasetID).Scan(&locked)
	if errors.Is(err, pgx.ErrNoRows) {
		if _, err := tx.Exec(ctx, `
			INSERT INTO submission_results (submission_id, dataset_id) VALUES ($1, $2)
		`, result.SubmissionID, result.DatasetID); err != nil {
			return fmt.Errorf("failed to create result row: %w", err)
		}
	} else if err != nil {
		return fmt.Errorf("failed to lock result row: %w", err)
	}

	compilationText, err := json.Marshal(textOrEmpty(result.CompilationText))
	if err != nil {
		return fmt.Errorf("failed to encode compilation text: %w", err)
	}
	var rankingDetails []byte
	if result.RankingScoreDetails != nil {
		rankingDetails, err = json.Marshal(result.RankingScoreDetails)
		if err != nil {
			return fmt.Errorf("failed to encode ranking details: %w", err)
		}
	}

	_, err = tx.Exec(ctx, `
		UPDATE submission_results SET
			compilation_outcome = $3, compilation_text = $4, compilation_tries = $5,
			compilation_stdout = $6, compilation_stderr = $7,
			compilation_time = $8, compilation_wall_time = $9,
			compilation_memory_kb = $10, compilation_shard = $11,
			evaluation_outcome = $12, evaluation_tries = $13,
			score = $14, score_details = $15,
			public_score = $16, public_score_details = $17, ranking_score_details = $18
		WHERE submission_id = $1 AND dataset_id = $2
	`, result.SubmissionID, result.DatasetID,
		string(result.CompilationOutcome), compilationText, result.CompilationTries,
		result.CompilationStdout, result.CompilationStderr,
		result.CompilationTime, result.CompilationWallTime,
		result.CompilationMemoryKB, result.CompilationShard,
		string(result.EvaluationOutcome), result.EvaluationTries,
		result.Score, rawOrNil(result.ScoreDetails),
		result.PublicScore, rawOrNil(result.PublicScoreDetails), rankingDetails,
	)
	if err != nil {
		return fmt.Errorf("failed to update result row: %w", err)
	}

	if _, err := tx.Exec(ctx, `
		DELETE FROM evaluations WHERE submission_id = $1 AND dataset_id = $2
	`, result.SubmissionID, result.DatasetID); err != nil {
		return fmt.Errorf("failed to clear evaluations: %w", err)
	}
	for _, evaluation := range result.Evaluations {
		text, err := json.Marshal(textOrEmpty(evaluation.Text))
		if err != nil {
			return fmt.Errorf("failed to encode evaluation text: %w", err)
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO evaluations (
				submission_id, dataset_id, testcase_id, codename, outcome, text,
				execution_time, execution_wall_time, execution_memory_kb, shard
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		`, result.SubmissionID, result.DatasetID, evaluation.TestcaseID,
			evaluation.Codename, evaluation.Outcome, text,
			evaluation.ExecutionTime, evaluation.ExecutionWall,
			evaluation.ExecutionMemoryKB, evaluation.Shard,
		); err != nil {
			return fmt.Errorf("failed to insert evaluation: %w", err)
		}
	}

	if _, err := tx.Exec(ctx, `
		DELETE FROM executables WHERE submission_id = $1 AND dataset_id = $2
	`, result.SubmissionID, result.DatasetID); err != nil {
		return fmt.Errorf("failed to clear executables: %w", err)
	}
	for _, executable := range result.Executables {
		if _, err := tx.Exec(ctx, `
			INSERT INTO executables (submission_id, dataset_id, filename, digest)
			VALUES ($1, $2, $3, $4)
		`, result.SubmissionID, result.DatasetID,
			executable.Filename, executable.Digest,
		); err != nil {
			return fmt.Errorf("failed to insert executable: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit result: %w", err)
	}
	return nil
}

// SaveScore writes only the score fields, leaving evaluations untouched.
func (r *ResultRepository) SaveScore(ctx context.Context, result *models.SubmissionResult) error {
	var rankingDetails []byte
	if result.RankingScoreDetails != nil {
		var err error
		rankingDetails, err = json.Marshal(result.RankingScoreDetails)
		if err != nil {
			return fmt.Errorf("failed to encode ranking details: %w", err)
		}
	}
	tag, err := r.pool.Exec(ctx, `
		UPDATE submission_results SET
			score = $3, score_details = $4,
			public_score = $5, public_score_details = $6, ranking_score_details = $7
		WHERE submission_id = $1 AND dataset_id = $2
	`, result.SubmissionID, result.DatasetID,
		result.Score, rawOrNil(result.ScoreDetails),
		result.PublicScore, rawOrNil(result.PublicScoreDetails), rankingDetails,
	)
	if err != nil {
		return fmt.Errorf("failed to save score: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("result (%d, %d) not found", result.SubmissionID, result.DatasetID)
	}
	return nil
}

// UnfinishedResults lists the result rows that still need compilation or
// evaluation work, for the scheduler's startup recovery.
func (r *ResultRepository) UnfinishedResults(ctx context.Context) ([]*models.SubmissionResult, error) {
	query := `SELECT ` + resultColumns + `
		FROM submission_results
		WHERE compilation_outcome = '' OR (compilation_outcome = 'ok' AND evaluation_outcome = '')
	`
	return r.listResults(ctx, query)
}

// UnscoredResults lists terminal result rows that have no score yet, for the
// scoring sweep.
func (r *ResultRepository) UnscoredResults(ctx context.Context) ([]*models.SubmissionResult, error) {
	query := `SELECT ` + resultColumns + `
		FROM submission_results
		WHERE (compilation_outcome = 'fail' OR evaluation_outcome = 'ok')
		  AND score IS NULL
	`
	return r.listResults(ctx, query)
}

func (r *ResultRepository) listResults(ctx context.Context, query string) ([]*models.SubmissionResult, error) {
	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list results: %w", err)
	}
	defer rows.Close()

	var out []*models.SubmissionResult
	for rows.Next() {
		result, err := r.scanResult(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, result)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for _, result := range out {
		if err := r.fillResult(ctx, result); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func textOrEmpty(text []string) []string {
	if text == nil {
		return []string{}
	}
	return text
}

func rawOrNil(raw json.RawMessage) []byte {
	if raw == nil {
		return nil
	}
	return []byte(raw)
}

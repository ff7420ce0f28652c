package database

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"

	"dev.helix.grader/internal/models"
)

// UserTestResultRepository owns the user_test_results rows.
type UserTestResultRepository struct {
	pool *pgxpool.Pool
	log  *logrus.Logger
}

func NewUserTestResultRepository(pool *pgxpool.Pool, log *logrus.Logger) *UserTestResultRepository {
	return &UserTestResultRepository{pool: pool, log: log}
}

// EnsureUserTestResult returns the result row of the pair, creating an empty
// one if missing.
func (r *UserTestResultRepository) EnsureUserTestResult(ctx context.Context, userTestID, datasetID int64) (*models.UserTestResult, error) {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO user_test_results (user_test_id, dataset_id)
		VALUES ($1, $2) ON CONFLICT DO NOTHING
	`, userTestID, datasetID)
	if err != nil {
		return nil, fmt.Errorf("failed to create user test result row: %w", err)
	}

	result := &models.UserTestResult{}
	var compilationText, evaluationText []byte
	err = r.pool.QueryRow(ctx, `
		SELECT user_test_id, dataset_id,
		       compilation_outcome, compilation_text, compilation_tries,
		       compilation_time, compilation_memory_kb,
		       evaluation_outcome, evaluation_text, evaluation_tries,
		       execution_time, execution_memory_kb, output_digest
		FROM user_test_results WHERE user_test_id = $1 AND dataset_id = $2
	`, userTestID, datasetID).Scan(
		&result.UserTestID, &result.DatasetID,
		&result.CompilationOutcome, &compilationText, &result.CompilationTries,
		&result.CompilationTime, &result.CompilationMemoryKB,
		&result.EvaluationOutcome, &evaluationText, &result.EvaluationTries,
		&result.ExecutionTime, &result.ExecutionMemoryKB, &result.Output,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load user test result: %w", err)
	}
	if err := json.Unmarshal(compilationText, &result.CompilationText); err != nil {
		return nil, fmt.Errorf("failed to decode compilation text: %w", err)
	}
	if err := json.Unmarshal(evaluationText, &result.EvaluationText); err != nil {
		return nil, fmt.Errorf("failed to decode evaluation text: %w", err)
	}

	result.Executables = make(map[string]*models.Executable)
	rows, err := r.pool.Query(ctx, `
		SELECT filename, digest FROM user_test_executables
		WHERE user_test_id = $1 AND dataset_id = $2
	`, userTestID, datasetID)
	if err != nil {
		return nil, fmt.Errorf("failed to list user test executables: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		executable := &models.Executable{}
		if err := rows.Scan(&executable.Filename, &executable.Digest); err != nil {
			return nil, fmt.Errorf("failed to load user test executable: %w", err)
		}
		result.Executables[executable.Filename] = executable
	}
	return result, rows.Err()
}

// SaveUserTestResult writes the whole row and replaces its executables.
func (r *UserTestResultRepository) SaveUserTestResult(ctx context.Context, result *models.UserTestResult) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	compilationText, err := json.Marshal(textOrEmpty(result.CompilationText))
	if err != nil {
		return fmt.Errorf("failed to encode compilation text: %w", err)
	}
	evaluationText, err := json.Marshal(textOrEmpty(result.EvaluationText))
	if err != nil {
		return fmt.Errorf("failed to encode evaluation text: %w", err)
	}

	_, err = tx.Exec(ctx, `
		UPDATE user_test_results SET
			compilation_outcome = $3, compilation_text = $4, compilation_tries = $5,
			compilation_time = $6, compilation_memory_kb = $7,
			evaluation_outcome = $8, evaluation_text = $9, evaluation_tries = $10,
			execution_time = $11, execution_memory_kb = $12, output_digest = $13
		WHERE user_test_id = $1 AND dataset_id = $2
	`, result.UserTestID, result.DatasetID,
		string(result.CompilationOutcome), compilationText, result.CompilationTries,
		result.CompilationTime, result.CompilationMemoryKB,
		string(result.EvaluationOutcome), evaluationText, result.EvaluationTries,
		result.ExecutionTime, result.ExecutionMemoryKB, result.Output,
	)
	if err != nil {
		return fmt.Errorf("failed to update user test result: %w", err)
	}

	if _, err := tx.Exec(ctx, `
		DELETE FROM user_test_executables WHERE user_test_id = $1 AND dataset_id = $2
	`, result.UserTestID, result.DatasetID); err != nil {
		return fmt.Errorf("failed to clear user test executables: %w", err)
	}
	for _, executable := range result.Executables {
		if _, err := tx.Exec(ctx, `
			INSERT INTO user_test_executables (user_test_id, dataset_id, filename, digest)
			VALUES ($1, $2, $3, $4)
		`, result.UserTestID, result.DatasetID,
			executable.Filename, executable.Digest,
		); err != nil {
			return fmt.Errorf("failed to insert user test executable: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit user test result: %w", err)
	}
	return nil
}

package database

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"

	"dev.helix.grader/internal/models"
)

// SubmissionRepository reads submissions with their files and token.
type SubmissionRepository struct {
	pool *pgxpool.Pool
	log  *logrus.Logger
}

func NewSubmissionRepository(pool *pgxpool.Pool, log *logrus.Logger) *SubmissionRepository {
	return &SubmissionRepository{pool: pool, log: log}
}

func (r *SubmissionRepository) Submission(ctx context.Context, id int64) (*models.Submission, error) {
	query := `
		SELECT id, participation_id, task_id, timestamp, language, comment, official
		FROM submissions WHERE id = $1
	`
	submission, err := r.scanSubmission(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		return nil, err
	}
	if err := r.fillSubmission(ctx, submission); err != nil {
		return nil, err
	}
	return submission, nil
}

func (r *SubmissionRepository) SubmissionsForTask(ctx context.Context, taskID int64) ([]*models.Submission, error) {
	query := `
		SELECT id, participation_id, task_id, timestamp, language, comment, official
		FROM submissions WHERE task_id = $1 ORDER BY timestamp
	`
	return r.list(ctx, query, taskID)
}

func (r *SubmissionRepository) SubmissionsForContest(ctx context.Context, contestID int64) ([]*models.Submission, error) {
	query := `
		SELECT s.id, s.participation_id, s.task_id, s.timestamp, s.language, s.comment, s.official
		FROM submissions s
		JOIN participations p ON p.id = s.participation_id
		WHERE p.contest_id = $1 ORDER BY s.timestamp
	`
	return r.list(ctx, query, contestID)
}

func (r *SubmissionRepository) list(ctx context.Context, query string, arg any) ([]*models.Submission, error) {
	rows, err := r.pool.Query(ctx, query, arg)
	if err != nil {
		return nil, fmt.Errorf("failed to list submissions: %w", err)
	}
	defer rows.Close()

	var out []*models.Submission
	for rows.Next() {
		submission, err := r.scanSubmission(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, submission)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for _, submission := range out {
		if err := r.fillSubmission(ctx, submission); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (r *SubmissionRepository) scanSubmission(row scannable) (*models.Submission, error) {
	submission := &models.Submission{}
	var language *string
	err := row.Scan(
		&submission.ID, &submission.ParticipationID, &submission.TaskID,
		&submission.Timestamp, &language, &submission.Comment, &submission.Official,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load submission: %w", err)
	}
	if language != nil {
		submission.Language = *language
	}
	return submission, nil
}

func (r *SubmissionRepository) fillSubmission(ctx context.Context, submission *models.Submission) error {
	submission.Files = make(map[string]string)
	rows, err := r.pool.Query(ctx,
		`SELECT filename, digest FROM submission_files WHERE submission_id = $1`,
		submission.ID)
	if err != nil {
		return fmt.Errorf("failed to list submission files: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var filename, digest string
		if err := rows.Scan(&filename, &digest); err != nil {
			return fmt.Errorf("failed to load submission file: %w", err)
		}
		submission.Files[filename] = digest
	}
	if err := rows.Err(); err != nil {
		return err
	}

	token := &models.Token{SubmissionID: submission.ID}
	err = r.pool.QueryRow(ctx,
		`SELECT timestamp FROM tokens WHERE submission_id = $1`,
		submission.ID).Scan(&token.Timestamp)
	switch {
	case err == nil:
		submission.Token = token
	case errors.Is(err, pgx.ErrNoRows):
		submission.Token = nil
	default:
		return fmt.Errorf("failed to load token: %w", err)
	}
	return nil
}

// UserTest loads one user test with its files and custom managers.
func (r *SubmissionRepository) UserTest(ctx context.Context, id int64) (*models.UserTest, error) {
	query := `
		SELECT id, participation_id, task_id, timestamp, language, input_digest
		FROM user_tests WHERE id = $1
	`
	test := &models.UserTest{}
	var language *string
	err := r.pool.QueryRow(ctx, query, id).Scan(
		&test.ID, &test.ParticipationID, &test.TaskID,
		&test.Timestamp, &language, &test.Input,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load user test %d: %w", id, err)
	}
	if language != nil {
		test.Language = *language
	}

	test.Files = make(map[string]string)
	test.Managers = make(map[string]string)
	for _, load := range []struct {
		table string
		into  map[string]string
	}{
		{"user_test_files", test.Files},
		{"user_test_managers", test.Managers},
	} {
		rows, err := r.pool.Query(ctx,
			`SELECT filename, digest FROM `+load.table+` WHERE user_test_id = $1`, id)
		if err != nil {
			return nil, fmt.Errorf("failed to list %s: %w", load.table, err)
		}
		for rows.Next() {
			var filename, digest string
			if err := rows.Scan(&filename, &digest); err != nil {
				rows.Close()
				return nil, fmt.Errorf("failed to load %s row: %w", load.table, err)
			}
			load.into[filename] = digest
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return nil, err
		}
	}
	return test, nil
}

package database

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"

	"dev.helix.grader/internal/models"
)

// TaskRepository reads tasks and their datasets. Datasets are always loaded
// complete, with testcases and managers, since every consumer (job assembly,
// scoring) needs the full recipe.
type TaskRepository struct {
	pool *pgxpool.Pool
	log  *logrus.Logger
}

func NewTaskRepository(pool *pgxpool.Pool, log *logrus.Logger) *TaskRepository {
	return &TaskRepository{pool: pool, log: log}
}

func (r *TaskRepository) Task(ctx context.Context, id int64) (*models.Task, error) {
	query := `
		SELECT id, contest_id, name, title, num, submission_format,
		       score_mode, feedback_level, score_precision,
		       max_submissions, max_user_tests, active_dataset_id
		FROM tasks WHERE id = $1
	`
	task, err := r.scanTask(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		return nil, err
	}
	if err := r.loadDatasets(ctx, task); err != nil {
		return nil, err
	}
	return task, nil
}

func (r *TaskRepository) TasksForContest(ctx context.Context, contestID int64) ([]*models.Task, error) {
	query := `
		SELECT id, contest_id, name, title, num, submission_format,
		       score_mode, feedback_level, score_precision,
		       max_submissions, max_user_tests, active_dataset_id
		FROM tasks WHERE contest_id = $1 ORDER BY num
	`
	rows, err := r.pool.Query(ctx, query, contestID)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*models.Task
	for rows.Next() {
		task, err := r.scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for _, task := range tasks {
		if err := r.loadDatasets(ctx, task); err != nil {
			return nil, err
		}
	}
	return tasks, nil
}

func (r *TaskRepository) scanTask(row scannable) (*models.Task, error) {
	task := &models.Task{}
	var format []byte
	err := row.Scan(
		&task.ID, &task.ContestID, &task.Name, &task.Title, &task.Num,
		&format, &task.ScoreMode, &task.FeedbackLevel, &task.ScorePrecision,
		&task.MaxSubmissions, &task.MaxUserTests, &task.ActiveDatasetID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load task: %w", err)
	}
	if err := json.Unmarshal(format, &task.SubmissionFormat); err != nil {
		return nil, fmt.Errorf("failed to decode submission format: %w", err)
	}
	return task, nil
}

// Dataset loads one dataset complete with testcases and managers.
func (r *TaskRepository) Dataset(ctx context.Context, id int64) (*models.Dataset, error) {
	query := `
		SELECT id, task_id, description, autojudge, time_limit, memory_limit_kb,
		       task_type, task_type_parameters, score_type, score_type_parameters
		FROM datasets WHERE id = $1
	`
	dataset, err := r.scanDataset(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		return nil, err
	}
	if err := r.fillDataset(ctx, dataset); err != nil {
		return nil, err
	}
	return dataset, nil
}

func (r *TaskRepository) loadDatasets(ctx context.Context, task *models.Task) error {
	query := `
		SELECT id, task_id, description, autojudge, time_limit, memory_limit_kb,
		       task_type, task_type_parameters, score_type, score_type_parameters
		FROM datasets WHERE task_id = $1 ORDER BY id
	`
	rows, err := r.pool.Query(ctx, query, task.ID)
	if err != nil {
		return fmt.Errorf("failed to list datasets: %w", err)
	}
	defer rows.Close()

	task.Datasets = nil
	for rows.Next() {
		dataset, err := r.scanDataset(rows)
		if err != nil {
			return err
		}
		task.Datasets = append(task.Datasets, dataset)
	}
	if err := rows.Err(); err != nil {
		return err
	}
	for _, dataset := range task.Datasets {
		if err := r.fillDataset(ctx, dataset); err != nil {
			return err
		}
	}
	return nil
}

func (r *TaskRepository) scanDataset(row scannable) (*models.Dataset, error) {
	dataset := &models.Dataset{}
	var taskParams, scoreParams []byte
	err := row.Scan(
		&dataset.ID, &dataset.TaskID, &dataset.Description, &dataset.Autojudge,
		&dataset.TimeLimit, &dataset.MemoryLimitKB,
		&dataset.TaskType, &taskParams, &dataset.ScoreType, &scoreParams,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load dataset: %w", err)
	}
	dataset.TaskTypeParameters = json.RawMessage(taskParams)
	dataset.ScoreTypeParameters = json.RawMessage(scoreParams)
	return dataset, nil
}

func (r *TaskRepository) fillDataset(ctx context.Context, dataset *models.Dataset) error {
	dataset.Testcases = make(map[string]*models.Testcase)
	rows, err := r.pool.Query(ctx,
		`SELECT id, dataset_id, codename, public, input_digest, output_digest
		 FROM testcases WHERE dataset_id = $1`, dataset.ID)
	if err != nil {
		return fmt.Errorf("failed to list testcases: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		testcase := &models.Testcase{}
		if err := rows.Scan(&testcase.ID, &testcase.DatasetID, &testcase.Codename,
			&testcase.Public, &testcase.Input, &testcase.Output); err != nil {
			return fmt.Errorf("failed to load testcase: %w", err)
		}
		dataset.Testcases[testcase.Codename] = testcase
	}
	if err := rows.Err(); err != nil {
		return err
	}

	dataset.Managers = make(map[string]*models.Manager)
	managerRows, err := r.pool.Query(ctx,
		`SELECT id, dataset_id, filename, digest FROM managers WHERE dataset_id = $1`,
		dataset.ID)
	if err != nil {
		return fmt.Errorf("failed to list managers: %w", err)
	}
	defer managerRows.Close()
	for managerRows.Next() {
		manager := &models.Manager{}
		if err := managerRows.Scan(&manager.ID, &manager.DatasetID,
			&manager.Filename, &manager.Digest); err != nil {
			return fmt.Errorf("failed to load manager: %w", err)
		}
		dataset.Managers[manager.Filename] = manager
	}
	return managerRows.Err()
}

// SetActiveDataset swaps the task's active dataset.
func (r *TaskRepository) SetActiveDataset(ctx context.Context, taskID, datasetID int64) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE tasks SET active_dataset_id = $2 WHERE id = $1`, taskID, datasetID)
	if err != nil {
		return fmt.Errorf("failed to set active dataset: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("task %d not found", taskID)
	}
	r.log.WithFields(logrus.Fields{
		"task":    taskID,
		"dataset": datasetID,
	}).Info("Active dataset changed")
	return nil
}

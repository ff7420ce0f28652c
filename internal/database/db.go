// Package database holds the pgx repositories backing the grader. The
// database is the single source of truth: the scheduler queue and all caches
// are reconstructible from it.
package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"

	"dev.helix.grader/internal/config"
)

// Connect opens a pgx pool against the configured database and verifies the
// connection.
func Connect(ctx context.Context, cfg *config.Config, log *logrus.Logger) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, cfg.Database.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	log.WithFields(logrus.Fields{
		"host": cfg.Database.Host,
		"name": cfg.Database.Name,
	}).Info("Connected to database")
	return pool, nil
}

// Migrate applies the schema. Every statement is idempotent, so running the
// migration on every start is safe.
func Migrate(ctx context.Context, pool *pgxpool.Pool, log *logrus.Logger) error {
	for _, migration := range migrations {
		if _, err := pool.Exec(ctx, migration); err != nil {
			return fmt.Errorf("failed to run migration: %w", err)
		}
	}
	log.Info("Database migrations applied")
	return nil
}

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS contests (
		id BIGSERIAL PRIMARY KEY,
		name VARCHAR(255) UNIQUE NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		start_time TIMESTAMP WITH TIME ZONE NOT NULL,
		stop_time TIMESTAMP WITH TIME ZONE NOT NULL,
		per_user_time BIGINT,
		allowed_languages JSONB NOT NULL DEFAULT '[]',
		score_precision INTEGER NOT NULL DEFAULT 0
	)`,

	`CREATE TABLE IF NOT EXISTS tasks (
		id BIGSERIAL PRIMARY KEY,
		contest_id BIGINT REFERENCES contests(id) ON DELETE CASCADE,
		name VARCHAR(255) UNIQUE NOT NULL,
		title TEXT NOT NULL DEFAULT '',
		num INTEGER NOT NULL DEFAULT 0,
		submission_format JSONB NOT NULL DEFAULT '[]',
		score_mode VARCHAR(50) NOT NULL DEFAULT 'max',
		feedback_level VARCHAR(50) NOT NULL DEFAULT 'restricted',
		score_precision INTEGER NOT NULL DEFAULT 0,
		max_submissions INTEGER,
		max_user_tests INTEGER,
		active_dataset_id BIGINT
	)`,

	`CREATE TABLE IF NOT EXISTS datasets (
		id BIGSERIAL PRIMARY KEY,
		task_id BIGINT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
		description TEXT NOT NULL DEFAULT '',
		autojudge BOOLEAN NOT NULL DEFAULT FALSE,
		time_limit DOUBLE PRECISION,
		memory_limit_kb BIGINT,
		task_type VARCHAR(100) NOT NULL,
		task_type_parameters JSONB NOT NULL DEFAULT '{}',
		score_type VARCHAR(100) NOT NULL,
		score_type_parameters JSONB NOT NULL DEFAULT '{}'
	)`,

	// The active dataset is a weak reference: deleting the dataset nulls it.
	`DO $$ BEGIN
		ALTER TABLE tasks ADD CONSTRAINT fk_tasks_active_dataset
			FOREIGN KEY (active_dataset_id) REFERENCES datasets(id) ON DELETE SET NULL;
	EXCEPTION WHEN duplicate_object THEN NULL; END $$`,

	`CREATE TABLE IF NOT EXISTS testcases (
		id BIGSERIAL PRIMARY KEY,
		dataset_id BIGINT NOT NULL REFERENCES datasets(id) ON DELETE CASCADE,
		codename VARCHAR(255) NOT NULL,
		public BOOLEAN NOT NULL DEFAULT FALSE,
		input_digest VARCHAR(40) NOT NULL,
		output_digest VARCHAR(40) NOT NULL,
		UNIQUE (dataset_id, codename)
	)`,

	`CREATE TABLE IF NOT EXISTS managers (
		id BIGSERIAL PRIMARY KEY,
		dataset_id BIGINT NOT NULL REFERENCES datasets(id) ON DELETE CASCADE,
		filename VARCHAR(255) NOT NULL,
		digest VARCHAR(40) NOT NULL,
		UNIQUE (dataset_id, filename)
	)`,

	`CREATE TABLE IF NOT EXISTS users (
		id BIGSERIAL PRIMARY KEY,
		username VARCHAR(255) UNIQUE NOT NULL,
		first_name TEXT NOT NULL DEFAULT '',
		last_name TEXT NOT NULL DEFAULT ''
	)`,

	`CREATE TABLE IF NOT EXISTS participations (
		id BIGSERIAL PRIMARY KEY,
		contest_id BIGINT NOT NULL REFERENCES contests(id) ON DELETE CASCADE,
		user_id BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		team TEXT NOT NULL DEFAULT '',
		hidden BOOLEAN NOT NULL DEFAULT FALSE,
		unrestricted BOOLEAN NOT NULL DEFAULT FALSE,
		delay BIGINT,
		extra_time BIGINT,
		UNIQUE (contest_id, user_id)
	)`,

	`CREATE TABLE IF NOT EXISTS submissions (
		id BIGSERIAL PRIMARY KEY,
		participation_id BIGINT NOT NULL REFERENCES participations(id) ON DELETE CASCADE,
		task_id BIGINT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
		timestamp TIMESTAMP WITH TIME ZONE NOT NULL,
		language VARCHAR(100),
		comment TEXT NOT NULL DEFAULT '',
		official BOOLEAN NOT NULL DEFAULT TRUE
	)`,

	`CREATE TABLE IF NOT EXISTS submission_files (
		submission_id BIGINT NOT NULL REFERENCES submissions(id) ON DELETE CASCADE,
		filename VARCHAR(255) NOT NULL,
		digest VARCHAR(40) NOT NULL,
		PRIMARY KEY (submission_id, filename)
	)`,

	`CREATE TABLE IF NOT EXISTS tokens (
		submission_id BIGINT PRIMARY KEY REFERENCES submissions(id) ON DELETE CASCADE,
		timestamp TIMESTAMP WITH TIME ZONE NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS submission_results (
		submission_id BIGINT NOT NULL REFERENCES submissions(id) ON DELETE CASCADE,
		dataset_id BIGINT NOT NULL REFERENCES datasets(id) ON DELETE CASCADE,
		compilation_outcome VARCHAR(10) NOT NULL DEFAULT '',
		compilation_text JSONB NOT NULL DEFAULT '[]',
		compilation_tries INTEGER NOT NULL DEFAULT 0,
		compilation_stdout TEXT NOT NULL DEFAULT '',
		compilation_stderr TEXT NOT NULL DEFAULT '',
		compilation_time DOUBLE PRECISION,
		compilation_wall_time DOUBLE PRECISION,
		compilation_memory_kb BIGINT,
		compilation_shard VARCHAR(255) NOT NULL DEFAULT '',
		evaluation_outcome VARCHAR(10) NOT NULL DEFAULT '',
		evaluation_tries INTEGER NOT NULL DEFAULT 0,
		score DOUBLE PRECISION,
		score_details JSONB,
		public_score DOUBLE PRECISION,
		public_score_details JSONB,
		ranking_score_details JSONB,
		PRIMARY KEY (submission_id, dataset_id)
	)`,

	`CREATE TABLE IF NOT EXISTS evaluations (
		id BIGSERIAL PRIMARY KEY,
		submission_id BIGINT NOT NULL,
		dataset_id BIGINT NOT NULL,
		testcase_id BIGINT NOT NULL REFERENCES testcases(id) ON DELETE CASCADE,
		codename VARCHAR(255) NOT NULL,
		outcome TEXT NOT NULL,
		text JSONB NOT NULL DEFAULT '[]',
		execution_time DOUBLE PRECISION,
		execution_wall_time DOUBLE PRECISION,
		execution_memory_kb BIGINT,
		shard VARCHAR(255) NOT NULL DEFAULT '',
		FOREIGN KEY (submission_id, dataset_id)
			REFERENCES submission_results(submission_id, dataset_id) ON DELETE CASCADE,
		UNIQUE (submission_id, dataset_id, codename)
	)`,

	`CREATE TABLE IF NOT EXISTS executables (
		submission_id BIGINT NOT NULL,
		dataset_id BIGINT NOT NULL,
		filename VARCHAR(255) NOT NULL,
		digest VARCHAR(40) NOT NULL,
		FOREIGN KEY (submission_id, dataset_id)
			REFERENCES submission_results(submission_id, dataset_id) ON DELETE CASCADE,
		PRIMARY KEY (submission_id, dataset_id, filename)
	)`,

	`CREATE TABLE IF NOT EXISTS user_tests (
		id BIGSERIAL PRIMARY KEY,
		participation_id BIGINT NOT NULL REFERENCES participations(id) ON DELETE CASCADE,
		task_id BIGINT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
		timestamp TIMESTAMP WITH TIME ZONE NOT NULL,
		language VARCHAR(100),
		input_digest VARCHAR(40) NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS user_test_files (
		user_test_id BIGINT NOT NULL REFERENCES user_tests(id) ON DELETE CASCADE,
		filename VARCHAR(255) NOT NULL,
		digest VARCHAR(40) NOT NULL,
		PRIMARY KEY (user_test_id, filename)
	)`,

	`CREATE TABLE IF NOT EXISTS user_test_managers (
		user_test_id BIGINT NOT NULL REFERENCES user_tests(id) ON DELETE CASCADE,
		filename VARCHAR(255) NOT NULL,
		digest VARCHAR(40) NOT NULL,
		PRIMARY KEY (user_test_id, filename)
	)`,

	`CREATE TABLE IF NOT EXISTS user_test_results (
		user_test_id BIGINT NOT NULL REFERENCES user_tests(id) ON DELETE CASCADE,
		dataset_id BIGINT NOT NULL REFERENCES datasets(id) ON DELETE CASCADE,
		compilation_outcome VARCHAR(10) NOT NULL DEFAULT '',
		compilation_text JSONB NOT NULL DEFAULT '[]',
		compilation_tries INTEGER NOT NULL DEFAULT 0,
		compilation_time DOUBLE PRECISION,
		compilation_memory_kb BIGINT,
		evaluation_outcome VARCHAR(10) NOT NULL DEFAULT '',
		evaluation_text JSONB NOT NULL DEFAULT '[]',
		evaluation_tries INTEGER NOT NULL DEFAULT 0,
		execution_time DOUBLE PRECISION,
		execution_memory_kb BIGINT,
		output_digest VARCHAR(40) NOT NULL DEFAULT '',
		PRIMARY KEY (user_test_id, dataset_id)
	)`,

	`CREATE TABLE IF NOT EXISTS user_test_executables (
		user_test_id BIGINT NOT NULL REFERENCES user_tests(id) ON DELETE CASCADE,
		dataset_id BIGINT NOT NULL,
		filename VARCHAR(255) NOT NULL,
		digest VARCHAR(40) NOT NULL,
		PRIMARY KEY (user_test_id, dataset_id, filename)
	)`,

	`CREATE INDEX IF NOT EXISTS idx_tasks_contest_id ON tasks(contest_id)`,
	`CREATE INDEX IF NOT EXISTS idx_datasets_task_id ON datasets(task_id)`,
	`CREATE INDEX IF NOT EXISTS idx_testcases_dataset_id ON testcases(dataset_id)`,
	`CREATE INDEX IF NOT EXISTS idx_submissions_task_id ON submissions(task_id)`,
	`CREATE INDEX IF NOT EXISTS idx_submissions_participation_id ON submissions(participation_id)`,
	`CREATE INDEX IF NOT EXISTS idx_evaluations_result ON evaluations(submission_id, dataset_id)`,
	`CREATE INDEX IF NOT EXISTS idx_results_unscored ON submission_results(submission_id)
		WHERE score IS NULL`,
}

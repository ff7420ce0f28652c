package models

import "encoding/json"

// Job is the full payload a worker needs to carry out one operation. It is
// assembled by the evaluation service from the database and the dataset
// recipe, and travels to the worker over RPC; the worker never touches the
// database itself.
type Job struct {
	Operation Operation `json:"operation"`

	// AttemptID distinguishes re-dispatches of the same fingerprint so a
	// stale worker answer can be told apart from the current attempt.
	AttemptID string `json:"attempt_id"`

	Language           string          `json:"language,omitempty"`
	TaskType           string          `json:"task_type"`
	TaskTypeParameters json.RawMessage `json:"task_type_parameters"`
	Multithreaded      bool            `json:"multithreaded,omitempty"`
	KeepSandbox        bool            `json:"keep_sandbox,omitempty"`

	TimeLimit     *float64 `json:"time_limit,omitempty"`
	MemoryLimitKB *int64   `json:"memory_limit_kb,omitempty"`

	// Files are the contestant sources keyed by submission-format filename
	// (with the ".%l" placeholder still in place); Managers are the dataset
	// managers; Executables the compiled artifacts, for evaluation jobs.
	Files       map[string]string `json:"files,omitempty"`
	Managers    map[string]string `json:"managers,omitempty"`
	Executables map[string]string `json:"executables,omitempty"`

	// Evaluation-only fields.
	Input         string `json:"input,omitempty"`
	Output        string `json:"output,omitempty"`
	OnlyExecution bool   `json:"only_execution,omitempty"`
	GetOutput     bool   `json:"get_output,omitempty"`
}

// ExecutionStats summarizes the resource usage of the graded run.
type ExecutionStats struct {
	CPUTime  float64 `json:"cpu_time"`
	WallTime float64 `json:"wall_time"`
	MemoryKB int64   `json:"memory_kb"`
}

// JobResult is the worker's answer to a job. Success refers to the
// infrastructure, not the contestant: a wrong answer or a TLE is a successful
// job with an unfavourable outcome, while a blob fetch error is a failed job
// that the scheduler may retry.
type JobResult struct {
	Operation Operation `json:"operation"`
	AttemptID string    `json:"attempt_id"`
	Shard     string    `json:"shard"`

	Success   bool   `json:"success"`
	Poisonous bool   `json:"poisonous,omitempty"`
	Error     string `json:"error,omitempty"`

	// Compilation fields.
	CompilationSuccess bool              `json:"compilation_success,omitempty"`
	CompilationStdout  string            `json:"compilation_stdout,omitempty"`
	CompilationStderr  string            `json:"compilation_stderr,omitempty"`
	ExecutableDigests  map[string]string `json:"executable_digests,omitempty"`

	// Evaluation fields.
	Outcome          string `json:"outcome,omitempty"`
	UserOutputDigest string `json:"user_output_digest,omitempty"`

	// Text is a message template followed by its arguments, so that
	// translation stays a presentation concern.
	Text  []string        `json:"text,omitempty"`
	Stats *ExecutionStats `json:"stats,omitempty"`
}

// OK reports whether the result can be persisted as a normal outcome.
func (r *JobResult) OK() bool {
	return r.Success
}

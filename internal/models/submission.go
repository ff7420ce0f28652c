package models

import (
	"encoding/json"
	"time"
)

// CompilationOutcome is the tri-state outcome of a compilation: "ok", "fail",
// or empty when the compilation has not finished yet.
type CompilationOutcome string

const (
	CompilationOK   CompilationOutcome = "ok"
	CompilationFail CompilationOutcome = "fail"
)

// EvaluationOutcome is "ok" once all testcases have an evaluation row.
type EvaluationOutcome string

const EvaluationOK EvaluationOutcome = "ok"

// Submission is one attempt by a participation on a task. It is created by
// the contest web server and never mutated by the evaluation core.
type Submission struct {
	ID              int64
	ParticipationID int64
	TaskID          int64
	Timestamp       time.Time
	Language        string
	Comment         string
	Official        bool

	Files map[string]string // submission-format filename -> blob digest
	Token *Token
}

// Tokened reports whether a token was used on this submission.
func (s *Submission) Tokened() bool {
	return s.Token != nil
}

// Token records the use of a token on a submission.
type Token struct {
	SubmissionID int64
	Timestamp    time.Time
}

// SubmissionResult is the outcome of judging one submission against one
// dataset. It exists iff both parents exist and is created lazily the first
// time the core touches the pair.
type SubmissionResult struct {
	SubmissionID int64
	DatasetID    int64

	CompilationOutcome  CompilationOutcome
	CompilationText     []string
	CompilationTries    int
	CompilationStdout   string
	CompilationStderr   string
	CompilationTime     *float64
	CompilationWallTime *float64
	CompilationMemoryKB *int64
	CompilationShard    string

	EvaluationOutcome EvaluationOutcome
	EvaluationTries   int

	Score               *float64
	ScoreDetails        json.RawMessage
	PublicScore         *float64
	PublicScoreDetails  json.RawMessage
	RankingScoreDetails []string

	Evaluations map[string]*Evaluation // keyed by testcase codename
	Executables map[string]*Executable // keyed by filename
}

// NewSubmissionResult returns an empty result in the initial (compiling)
// state.
func NewSubmissionResult(submissionID, datasetID int64) *SubmissionResult {
	return &SubmissionResult{
		SubmissionID: submissionID,
		DatasetID:    datasetID,
		Evaluations:  make(map[string]*Evaluation),
		Executables:  make(map[string]*Executable),
	}
}

// Compiled reports whether the compilation reached a final outcome.
func (r *SubmissionResult) Compiled() bool {
	return r.CompilationOutcome != ""
}

// CompilationSucceeded reports whether the compilation finished with "ok".
func (r *SubmissionResult) CompilationSucceeded() bool {
	return r.CompilationOutcome == CompilationOK
}

// CompilationFailed reports whether the compilation finished with "fail".
func (r *SubmissionResult) CompilationFailed() bool {
	return r.CompilationOutcome == CompilationFail
}

// Evaluated reports whether every testcase of the dataset has been evaluated.
func (r *SubmissionResult) Evaluated() bool {
	return r.EvaluationOutcome == EvaluationOK
}

// NeedsScoring reports whether the result is terminal but not yet scored.
func (r *SubmissionResult) NeedsScoring() bool {
	return (r.CompilationFailed() || r.Evaluated()) && !r.Scored()
}

// Scored reports whether all score fields have been filled in.
func (r *SubmissionResult) Scored() bool {
	return r.Score != nil && r.ScoreDetails != nil &&
		r.PublicScore != nil && r.PublicScoreDetails != nil &&
		r.RankingScoreDetails != nil
}

// SetEvaluationOutcome marks the evaluation as complete. The caller is
// responsible for having one evaluation row per testcase.
func (r *SubmissionResult) SetEvaluationOutcome() {
	r.EvaluationOutcome = EvaluationOK
}

// InvalidateCompilation resets the result to the pre-compilation state,
// cascading to evaluations and score.
func (r *SubmissionResult) InvalidateCompilation() {
	r.CompilationOutcome = ""
	r.CompilationText = nil
	r.CompilationTries = 0
	r.CompilationStdout = ""
	r.CompilationStderr = ""
	r.CompilationTime = nil
	r.CompilationWallTime = nil
	r.CompilationMemoryKB = nil
	r.CompilationShard = ""
	r.Executables = make(map[string]*Executable)
	r.InvalidateEvaluation()
}

// InvalidateEvaluation resets the result to the pre-evaluation state,
// cascading to the score.
func (r *SubmissionResult) InvalidateEvaluation() {
	r.EvaluationOutcome = ""
	r.EvaluationTries = 0
	r.Evaluations = make(map[string]*Evaluation)
	r.InvalidateScore()
}

// InvalidateScore clears all score fields.
func (r *SubmissionResult) InvalidateScore() {
	r.Score = nil
	r.ScoreDetails = nil
	r.PublicScore = nil
	r.PublicScoreDetails = nil
	r.RankingScoreDetails = nil
}

// Evaluation is the outcome of one submission on one testcase of a dataset.
type Evaluation struct {
	SubmissionID      int64
	DatasetID         int64
	TestcaseID        int64
	Codename          string
	Outcome           string
	Text              []string
	ExecutionTime     *float64
	ExecutionWall     *float64
	ExecutionMemoryKB *int64
	Shard             string
}

// Executable is a compiled artifact of a submission on a dataset.
type Executable struct {
	SubmissionID int64
	DatasetID    int64
	Filename     string
	Digest       string
}

// UserTest is a contestant-provided test run: sources plus a custom input,
// never scored.
type UserTest struct {
	ID              int64
	ParticipationID int64
	TaskID          int64
	Timestamp       time.Time
	Language        string
	Input           string // blob digest

	Files    map[string]string
	Managers map[string]string
}

// UserTestResult mirrors SubmissionResult for user tests; evaluation is a
// single execution on the provided input.
type UserTestResult struct {
	UserTestID int64
	DatasetID  int64

	CompilationOutcome  CompilationOutcome
	CompilationText     []string
	CompilationTries    int
	CompilationTime     *float64
	CompilationMemoryKB *int64

	EvaluationOutcome EvaluationOutcome
	EvaluationText    []string
	EvaluationTries   int
	ExecutionTime     *float64
	ExecutionMemoryKB *int64
	Output            string // blob digest of the produced output

	Executables map[string]*Executable
}

// NewUserTestResult returns an empty result in the initial state.
func NewUserTestResult(userTestID, datasetID int64) *UserTestResult {
	return &UserTestResult{
		UserTestID:  userTestID,
		DatasetID:   datasetID,
		Executables: make(map[string]*Executable),
	}
}

// Compiled reports whether the compilation reached a final outcome.
func (r *UserTestResult) Compiled() bool {
	return r.CompilationOutcome != ""
}

// CompilationSucceeded reports whether the compilation finished with "ok".
func (r *UserTestResult) CompilationSucceeded() bool {
	return r.CompilationOutcome == CompilationOK
}

// Evaluated reports whether the user test has been run.
func (r *UserTestResult) Evaluated() bool {
	return r.EvaluationOutcome == EvaluationOK
}

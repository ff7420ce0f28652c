package models

import (
	"encoding/json"
	"sort"
	"time"
)

// ScoreMode determines how the scores of all submissions of a participation
// on a task combine into the user-visible task score.
type ScoreMode string

const (
	ScoreModeMax        ScoreMode = "max"
	ScoreModeMaxTokened ScoreMode = "max_tokened_last"
	ScoreModeMaxSubtask ScoreMode = "max_subtask"
)

// FeedbackLevel controls how much outcome detail contestants see.
type FeedbackLevel string

const (
	FeedbackLevelFull       FeedbackLevel = "full"
	FeedbackLevelRestricted FeedbackLevel = "restricted"
)

// Contest is the top-level container for tasks and participations.
type Contest struct {
	ID               int64
	Name             string
	Description      string
	Start            time.Time
	Stop             time.Time
	PerUserTime      *time.Duration
	AllowedLanguages []string
	ScorePrecision   int
}

// Task is a scoring problem inside a contest. It owns its datasets; exactly
// one of them (ActiveDatasetID, nullable) drives the user-visible score.
type Task struct {
	ID               int64
	ContestID        int64
	Name             string
	Title            string
	Num              int
	SubmissionFormat []string
	ScoreMode        ScoreMode
	FeedbackLevel    FeedbackLevel
	ScorePrecision   int
	MaxSubmissions   *int
	MaxUserTests     *int

	// ActiveDatasetID is a weak reference: deleting the dataset nulls it,
	// and a nil value means "no active dataset, skip this task".
	ActiveDatasetID *int64

	Datasets []*Dataset
}

// ActiveDataset returns the active dataset, or nil if the task has none.
func (t *Task) ActiveDataset() *Dataset {
	if t.ActiveDatasetID == nil {
		return nil
	}
	for _, d := range t.Datasets {
		if d.ID == *t.ActiveDatasetID {
			return d
		}
	}
	return nil
}

// Dataset is the evaluation recipe for a task: testcases, managers, task type
// and score type with their parameters, and resource limits.
type Dataset struct {
	ID          int64
	TaskID      int64
	Description string
	Autojudge   bool

	TimeLimit     *float64
	MemoryLimitKB *int64

	TaskType            string
	TaskTypeParameters  json.RawMessage
	ScoreType           string
	ScoreTypeParameters json.RawMessage

	Testcases map[string]*Testcase
	Managers  map[string]*Manager
}

// TestcaseCodenames returns the codenames in lexicographical order, the order
// every score type iterates testcases in.
func (d *Dataset) TestcaseCodenames() []string {
	names := make([]string, 0, len(d.Testcases))
	for name := range d.Testcases {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Testcase is one (input, reference output) pair of a dataset.
type Testcase struct {
	ID        int64
	DatasetID int64
	Codename  string
	Public    bool
	Input     string // blob digest
	Output    string // blob digest
}

// Manager is a dataset-scoped executable or source fragment used during
// compilation or evaluation (checker, grader, stub, header).
type Manager struct {
	ID        int64
	DatasetID int64
	Filename  string
	Digest    string
}

// User is a person registered in the system.
type User struct {
	ID        int64
	Username  string
	FirstName string
	LastName  string
}

// Participation binds a user to a contest.
type Participation struct {
	ID           int64
	ContestID    int64
	UserID       int64
	Team         string
	Hidden       bool
	Unrestricted bool
	Delay        *time.Duration
	ExtraTime    *time.Duration
}

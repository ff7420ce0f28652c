// Package scoring turns testcase outcomes into task scores. Score types are
// pure: the same evaluations and dataset always produce the same score, so
// every score can be recomputed from the database at any time.
package scoring

import (
	"encoding/json"
	"fmt"

	"dev.helix.grader/internal/models"
)

// Score type names as stored in the dataset.
const (
	ScoreTypeSum            = "Sum"
	ScoreTypeGroupMin       = "GroupMin"
	ScoreTypeGroupMul       = "GroupMul"
	ScoreTypeGroupThreshold = "GroupThreshold"
)

// Public outcome labels shown next to each testcase.
const (
	outcomeCorrect    = "Correct"
	outcomeNotCorrect = "Not correct"
	outcomePartially  = "Partially correct"
)

// Score is the complete result of scoring one submission result: the real
// score with full per-testcase details, the score computed only over public
// testcases, and the compact per-subtask strings pushed to rankings.
type Score struct {
	Score          float64
	Details        json.RawMessage
	PublicScore    float64
	PublicDetails  json.RawMessage
	RankingDetails []string
}

// ScoreType computes scores for one dataset.
type ScoreType interface {
	Name() string
	// MaxScores returns the maximum overall and public scores, plus the
	// per-subtask column headers for rankings.
	MaxScores() (float64, float64, []string)
	// ComputeScore scores an evaluated submission result. The result must
	// have a compilation outcome; a failed compilation scores zero.
	ComputeScore(result *models.SubmissionResult) (*Score, error)
}

// NewScoreType instantiates the dataset's score type. Testcase codenames are
// always handled in lexicographic order.
func NewScoreType(name string, parameters json.RawMessage, dataset *models.Dataset) (ScoreType, error) {
	codenames := dataset.TestcaseCodenames()
	public := make(map[string]bool, len(codenames))
	for _, tc := range dataset.Testcases {
		public[tc.Codename] = tc.Public
	}

	switch name {
	case ScoreTypeSum:
		var perTestcase float64
		if err := json.Unmarshal(parameters, &perTestcase); err != nil {
			return nil, fmt.Errorf("failed to decode Sum parameters: %w", err)
		}
		return &Sum{PerTestcase: perTestcase, codenames: codenames, public: public}, nil

	case ScoreTypeGroupMin, ScoreTypeGroupMul, ScoreTypeGroupThreshold:
		var params []GroupParameter
		if err := json.Unmarshal(parameters, &params); err != nil {
			return nil, fmt.Errorf("failed to decode %s parameters: %w", name, err)
		}
		g := &Group{name: name, Params: params, codenames: codenames, public: public}
		if err := g.resolveTargets(); err != nil {
			return nil, err
		}
		return g, nil

	default:
		return nil, fmt.Errorf("unknown score type %q", name)
	}
}

// testcaseDetail is one row of the per-testcase feedback table.
type testcaseDetail struct {
	Codename string   `json:"idx"`
	Outcome  string   `json:"outcome,omitempty"`
	Text     []string `json:"text,omitempty"`
	Time     *float64 `json:"time,omitempty"`
	MemoryKB *int64   `json:"memory,omitempty"`
}

func mustMarshal(v any) json.RawMessage {
	raw, err := json.Marshal(v)
	if err != nil {
		// All detail structures are plain data; this cannot fail.
		panic(err)
	}
	return raw
}

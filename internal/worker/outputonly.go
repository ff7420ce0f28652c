package worker

import (
	"context"
	"errors"
	"fmt"

	"dev.helix.grader/internal/blobstore"
	"dev.helix.grader/internal/models"
)

// OutputOnlyParameters configures the OutputOnly task type: the contestant
// submits the outputs directly, so there is nothing to compile or run.
type OutputOnlyParameters struct {
	// Evaluation is "diff" or "comparator".
	Evaluation string `json:"evaluation"`
}

type OutputOnly struct {
	Params OutputOnlyParameters
}

func (o *OutputOnly) Name() string { return TaskTypeOutputOnly }

func (o *OutputOnly) usesChecker() bool { return o.Params.Evaluation == "comparator" }

// Compile is trivially successful: there is nothing to build.
func (o *OutputOnly) Compile(_ context.Context, _ *Env, _ *models.Job, result *models.JobResult) {
	result.Success = true
	result.CompilationSuccess = true
	result.Text = []string{"No compilation needed"}
	result.Stats = &models.ExecutionStats{}
}

func (o *OutputOnly) Evaluate(ctx context.Context, env *Env, job *models.Job, result *models.JobResult) {
	// The file for testcase X is submitted as "output_X.txt".
	wanted := fmt.Sprintf("output_%s.txt", job.Operation.TestcaseCodename)

	digest, ok := job.Files[wanted]
	if !ok {
		// Partial submissions are allowed: a missing file is simply a
		// missed testcase, not an error.
		result.Success = true
		result.Outcome = "0.0"
		result.Text = []string{msgNoOutput, wanted}
		result.Stats = &models.ExecutionStats{}
		return
	}

	userOutput, err := env.Store.Get(ctx, digest)
	if err != nil {
		if errors.Is(err, blobstore.ErrNotFound) {
			configurationError(env, result, "submitted output %s vanished from storage", wanted)
			return
		}
		infrastructureError(env, result, err)
		return
	}

	outcome, text, ok := evalOutput(ctx, env, job, result, userOutput, o.usesChecker(), nil)
	if !ok {
		return
	}
	result.Success = true
	result.Outcome = formatOutcome(outcome)
	result.Text = text
	result.Stats = &models.ExecutionStats{}
}

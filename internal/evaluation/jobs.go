package evaluation

import (
	"fmt"

	"github.com/google/uuid"

	"dev.helix.grader/internal/config"
	"dev.helix.grader/internal/models"
)

// jobBuilder assembles worker job payloads from database rows. Workers never
// touch the database, so everything a job needs travels inside it.
type jobBuilder struct {
	languages   func(name string) *config.Language
	keepSandbox bool
}

func (b *jobBuilder) multithreaded(languageName string) bool {
	if languageName == "" {
		return false
	}
	if lang := b.languages(languageName); lang != nil {
		return lang.RequiresMultithreading
	}
	return false
}

func (b *jobBuilder) base(op models.Operation, dataset *models.Dataset, language string) *models.Job {
	managers := make(map[string]string, len(dataset.Managers))
	for filename, m := range dataset.Managers {
		managers[filename] = m.Digest
	}
	return &models.Job{
		Operation:          op,
		AttemptID:          uuid.NewString(),
		Language:           language,
		TaskType:           dataset.TaskType,
		TaskTypeParameters: dataset.TaskTypeParameters,
		Multithreaded:      b.multithreaded(language),
		KeepSandbox:        b.keepSandbox,
		TimeLimit:          dataset.TimeLimit,
		MemoryLimitKB:      dataset.MemoryLimitKB,
		Managers:           managers,
	}
}

// compileJob builds the compilation job of a submission on a dataset.
func (b *jobBuilder) compileJob(submission *models.Submission, dataset *models.Dataset) *models.Job {
	op := models.Operation{
		Type:      models.OperationCompile,
		ObjectID:  submission.ID,
		DatasetID: dataset.ID,
	}
	job := b.base(op, dataset, submission.Language)
	job.Files = submission.Files
	return job
}

// evaluateJob builds the job evaluating a submission on one testcase.
func (b *jobBuilder) evaluateJob(submission *models.Submission, dataset *models.Dataset,
	result *models.SubmissionResult, codename string) (*models.Job, error) {
	testcase, ok := dataset.Testcases[codename]
	if !ok {
		return nil, fmt.Errorf("dataset %d has no testcase %s", dataset.ID, codename)
	}
	op := models.Operation{
		Type:             models.OperationEvaluate,
		ObjectID:         submission.ID,
		DatasetID:        dataset.ID,
		TestcaseCodename: codename,
	}
	job := b.base(op, dataset, submission.Language)
	job.Files = submission.Files
	job.Executables = make(map[string]string, len(result.Executables))
	for filename, e := range result.Executables {
		job.Executables[filename] = e.Digest
	}
	job.Input = testcase.Input
	job.Output = testcase.Output
	return job, nil
}

// compileUserTestJob builds the compilation job of a user test. The
// contestant may override managers (e.g. provide their own grader), so the
// user test's managers shadow the dataset's.
func (b *jobBuilder) compileUserTestJob(test *models.UserTest, dataset *models.Dataset) *models.Job {
	op := models.Operation{
		Type:      models.OperationCompileUserTest,
		ObjectID:  test.ID,
		DatasetID: dataset.ID,
	}
	job := b.base(op, dataset, test.Language)
	job.Files = test.Files
	for filename, digest := range test.Managers {
		job.Managers[filename] = digest
	}
	return job
}

// evaluateUserTestJob builds the job running a user test on its own input.
// The produced output is returned to the contestant, never judged.
func (b *jobBuilder) evaluateUserTestJob(test *models.UserTest, dataset *models.Dataset,
	result *models.UserTestResult) *models.Job {
	op := models.Operation{
		Type:      models.OperationEvaluateUserTest,
		ObjectID:  test.ID,
		DatasetID: dataset.ID,
	}
	job := b.base(op, dataset, test.Language)
	job.Files = test.Files
	for filename, digest := range test.Managers {
		job.Managers[filename] = digest
	}
	job.Executables = make(map[string]string, len(result.Executables))
	for filename, e := range result.Executables {
		job.Executables[filename] = e.Digest
	}
	job.Input = test.Input
	job.OnlyExecution = true
	job.GetOutput = true
	return job
}

// jobWallBudget is the wall-clock budget of a job, used to size the
// heartbeat deadline of the worker running it.
func jobWallBudget(job *models.Job) float64 {
	if job.TimeLimit == nil {
		return compilationWallBudget
	}
	// Mirrors the sandbox wall limit plus the slack the worker grants.
	return 2.0*(*job.TimeLimit) + 1.0
}

// compilationWallBudget bounds compilation jobs, which carry no dataset time
// limit of their own.
const compilationWallBudget = 20.0

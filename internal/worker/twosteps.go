package worker

import (
	"context"

	"golang.org/x/sync/errgroup"

	"dev.helix.grader/internal/models"
	"dev.helix.grader/internal/sandbox"
)

// TwoStepsParameters configures the TwoSteps task type: the contestant
// submits two halves of a program (say an encoder and a decoder); both are
// compiled together with an admin-provided manager source into a single
// executable, which runs as two processes connected by a pipe. The first
// process reads the input, the second writes the output.
type TwoStepsParameters struct {
	// Evaluation is "diff" or "comparator".
	Evaluation string `json:"evaluation"`
}

type TwoSteps struct {
	Params TwoStepsParameters
}

func (t *TwoSteps) Name() string { return TaskTypeTwoSteps }

func (t *TwoSteps) usesChecker() bool { return t.Params.Evaluation == "comparator" }

const (
	twoStepsInputName  = "input.txt"
	twoStepsOutputName = "output.txt"
	twoStepsFifoMount  = "/fifo"
)

func (t *TwoSteps) Compile(ctx context.Context, env *Env, job *models.Job, result *models.JobResult) {
	if len(job.Files) != 2 {
		configurationError(env, result,
			"submission contains %d files, exactly 2 are required", len(job.Files))
		return
	}
	lang := env.Languages(job.Language)
	if lang == nil {
		configurationError(env, result, "unknown language %q", job.Language)
		return
	}

	managerSource := managerName + lang.PrimaryExtension()
	managerDigest, ok := job.Managers[managerSource]
	if !ok {
		configurationError(env, result, "missing manager %s in task managers", managerSource)
		return
	}

	toCompile := []string{managerSource}
	toFetch := map[string]string{managerSource: managerDigest}
	for codename, filename := range sourceFilenames(job, lang) {
		toCompile = append(toCompile, filename)
		toFetch[filename] = job.Files[codename]
	}
	for filename, digest := range job.Managers {
		if filename != managerSource && isManagerForCompilation(filename, lang) {
			toFetch[filename] = digest
		}
	}

	compileSources(ctx, env, job, result, toCompile, toFetch, managerName)
}

func (t *TwoSteps) Evaluate(ctx context.Context, env *Env, job *models.Job, result *models.JobResult) {
	if len(job.Executables) != 1 {
		configurationError(env, result,
			"job contains %d executables, exactly 1 is expected; consider invalidating compilations",
			len(job.Executables))
		return
	}

	var execName, execDigest string
	for name, digest := range job.Executables {
		execName, execDigest = name, digest
	}

	fifos, err := newFifoDir(env.TempDir)
	if err != nil {
		infrastructureError(env, result, err)
		return
	}
	defer fifos.Remove()
	if err := fifos.Make("fifo"); err != nil {
		infrastructureError(env, result, err)
		return
	}

	firstBox, err := env.Boxes.NewBox("first_evaluate")
	if err != nil {
		infrastructureError(env, result, err)
		return
	}
	defer deleteBox(env, firstBox, job)
	secondBox, err := env.Boxes.NewBox("second_evaluate")
	if err != nil {
		infrastructureError(env, result, err)
		return
	}
	defer deleteBox(env, secondBox, job)

	for _, box := range []sandbox.Box{firstBox, secondBox} {
		if err := fetchFiles(ctx, env, box,
			map[string]string{execName: execDigest}, true); err != nil {
			infrastructureError(env, result, err)
			return
		}
	}
	if err := fetchFiles(ctx, env, firstBox,
		map[string]string{twoStepsInputName: job.Input}, false); err != nil {
		infrastructureError(env, result, err)
		return
	}

	fifoPath := twoStepsFifoMount + "/fifo"
	limits := evaluationLimits(env, job)
	mount := fifos.Mount(twoStepsFifoMount)

	var firstReport, secondReport *sandbox.Report
	var g errgroup.Group
	g.Go(func() error {
		var err error
		firstReport, err = firstBox.Run(sandbox.Command{
			Args:   []string{"./" + execName, "0", fifoPath},
			Stdin:  twoStepsInputName,
			Stdout: stdoutName,
			Stderr: stderrName,
			Limits: limits,
			Mounts: []string{mount},
		})
		return err
	})
	g.Go(func() error {
		var err error
		secondReport, err = secondBox.Run(sandbox.Command{
			Args:   []string{"./" + execName, "1", fifoPath},
			Stdout: twoStepsOutputName,
			Stderr: stderrName,
			Limits: limits,
			Mounts: []string{mount},
		})
		return err
	})
	if err := g.Wait(); err != nil {
		infrastructureError(env, result, err)
		return
	}

	if firstReport.Cause == sandbox.CauseRunError ||
		secondReport.Cause == sandbox.CauseRunError {
		infrastructureError(env, result, errSandboxFailed(firstReport))
		return
	}

	result.Stats = mergeStats(firstReport, secondReport)

	if firstReport.Cause != sandbox.CauseOK || secondReport.Cause != sandbox.CauseOK {
		worst := firstReport
		if firstReport.Cause == sandbox.CauseOK {
			worst = secondReport
		}
		result.Success = true
		result.Outcome = "0.0"
		result.Text = humanEvaluationMessage(worst)
		return
	}

	if !secondBox.FileExists(twoStepsOutputName) {
		result.Success = true
		result.Outcome = "0.0"
		result.Text = []string{msgNoOutput, twoStepsOutputName}
		return
	}

	if job.GetOutput {
		storeUserOutput(ctx, env, secondBox, twoStepsOutputName, result)
	}
	if job.OnlyExecution {
		result.Success = true
		result.Outcome = "0.0"
		result.Text = []string{msgOnlyExecution}
		return
	}

	userOutput, err := secondBox.ReadFile(twoStepsOutputName, 0)
	if err != nil {
		infrastructureError(env, result, err)
		return
	}
	outcome, text, ok := evalOutput(ctx, env, job, result, userOutput, t.usesChecker(), nil)
	if !ok {
		return
	}
	result.Success = true
	result.Outcome = formatOutcome(outcome)
	result.Text = text
}

// mergeStats sums the resource usage of cooperating processes, taking the
// peak memory of either.
func mergeStats(reports ...*sandbox.Report) *models.ExecutionStats {
	stats := &models.ExecutionStats{}
	for _, r := range reports {
		stats.CPUTime += r.CPUTime
		if r.WallTime > stats.WallTime {
			stats.WallTime = r.WallTime
		}
		if r.MemoryKB > stats.MemoryKB {
			stats.MemoryKB = r.MemoryKB
		}
	}
	return stats
}

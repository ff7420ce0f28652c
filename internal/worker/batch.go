package worker

import (
	"context"
	"strings"

	"dev.helix.grader/internal/models"
)

// BatchParameters configures the Batch task type: one program (possibly
// linked with a grader), one run per testcase, output graded by white diff
// or by a checker.
type BatchParameters struct {
	// Compilation is "alone" or "grader".
	Compilation string `json:"compilation"`
	// InputFilename/OutputFilename name the files the program reads and
	// writes; empty means stdin/stdout.
	InputFilename  string `json:"input_filename"`
	OutputFilename string `json:"output_filename"`
	// Evaluation is "diff" or "comparator".
	Evaluation string `json:"evaluation"`
}

type Batch struct {
	Params BatchParameters
}

func (b *Batch) Name() string { return TaskTypeBatch }

func (b *Batch) usesGrader() bool  { return b.Params.Compilation == "grader" }
func (b *Batch) usesChecker() bool { return b.Params.Evaluation == "comparator" }

// actualInput is the inner filename the input is materialized as even when
// the program reads from stdin.
func (b *Batch) actualInput() string {
	if b.Params.InputFilename != "" {
		return b.Params.InputFilename
	}
	return "input.txt"
}

func (b *Batch) actualOutput() string {
	if b.Params.OutputFilename != "" {
		return b.Params.OutputFilename
	}
	return "output.txt"
}

func (b *Batch) Compile(ctx context.Context, env *Env, job *models.Job, result *models.JobResult) {
	if len(job.Files) < 1 {
		configurationError(env, result,
			"submission contains %d files, at least 1 is required", len(job.Files))
		return
	}
	lang := env.Languages(job.Language)
	if lang == nil {
		configurationError(env, result, "unknown language %q", job.Language)
		return
	}

	toFetch := make(map[string]string)
	var toCompile []string
	if b.usesGrader() {
		graderFilename := graderBasename + lang.PrimaryExtension()
		digest, ok := job.Managers[graderFilename]
		if !ok {
			configurationError(env, result, "missing grader %s in task managers", graderFilename)
			return
		}
		toCompile = append(toCompile, graderFilename)
		toFetch[graderFilename] = digest
	}
	for codename, filename := range sourceFilenames(job, lang) {
		toCompile = append(toCompile, filename)
		toFetch[filename] = job.Files[codename]
	}
	// Headers and libraries the task ships alongside the grader.
	for filename, digest := range job.Managers {
		if isManagerForCompilation(filename, lang) && !strings.HasPrefix(filename, graderBasename) {
			toFetch[filename] = digest
		}
	}

	compileSources(ctx, env, job, result, toCompile, toFetch, executableName(job))
}

func (b *Batch) Evaluate(ctx context.Context, env *Env, job *models.Job, result *models.JobResult) {
	if len(job.Executables) != 1 {
		configurationError(env, result,
			"job contains %d executables, exactly 1 is expected; consider invalidating compilations",
			len(job.Executables))
		return
	}
	lang := env.Languages(job.Language)
	if lang == nil {
		configurationError(env, result, "unknown language %q", job.Language)
		return
	}

	var execName, execDigest string
	for name, digest := range job.Executables {
		execName, execDigest = name, digest
	}
	main := execName
	if b.usesGrader() {
		main = graderBasename
	}
	commands := lang.EvaluationCommands(execName, main, nil)

	var stdin, stdout string
	var writable []string
	if b.Params.InputFilename == "" {
		stdin = b.actualInput()
	}
	if b.Params.OutputFilename == "" {
		stdout = b.actualOutput()
	} else {
		writable = append(writable, b.actualOutput())
	}

	box, err := env.Boxes.NewBox("evaluate")
	if err != nil {
		infrastructureError(env, result, err)
		return
	}
	defer deleteBox(env, box, job)

	if err := fetchFiles(ctx, env, box,
		map[string]string{execName: execDigest}, true); err != nil {
		infrastructureError(env, result, err)
		return
	}
	if err := fetchFiles(ctx, env, box,
		map[string]string{b.actualInput(): job.Input}, false); err != nil {
		infrastructureError(env, result, err)
		return
	}

	boxOK, evalOK, report, err := runEvaluation(env, box, commands, job, stdin, stdout, writable)
	if err != nil {
		infrastructureError(env, result, err)
		return
	}
	if !boxOK {
		infrastructureError(env, result, errSandboxFailed(report))
		return
	}

	result.Stats = statsFromReport(report)

	if !evalOK {
		result.Success = true
		result.Outcome = "0.0"
		result.Text = humanEvaluationMessage(report)
		return
	}

	if !box.FileExists(b.actualOutput()) {
		result.Success = true
		result.Outcome = "0.0"
		result.Text = []string{msgNoOutput, b.actualOutput()}
		return
	}

	if job.GetOutput {
		storeUserOutput(ctx, env, box, b.actualOutput(), result)
	}
	if job.OnlyExecution {
		result.Success = true
		result.Outcome = "0.0"
		result.Text = []string{msgOnlyExecution}
		return
	}

	userOutput, err := box.ReadFile(b.actualOutput(), 0)
	if err != nil {
		infrastructureError(env, result, err)
		return
	}
	outcome, text, ok := evalOutput(ctx, env, job, result, userOutput, b.usesChecker(), nil)
	if !ok {
		return
	}
	result.Success = true
	result.Outcome = formatOutcome(outcome)
	result.Text = text
}

package worker

import (
	"bytes"
	"context"
	"fmt"

	"dev.helix.grader/internal/models"
	"dev.helix.grader/internal/sandbox"
)

// evaluationLimits derives the sandbox limits for a graded run. The wall
// clock cap is twice the CPU limit plus one second, so an I/O-bound stall
// cannot hold the worker, and the extra time lets isolate report an over-run
// instead of cutting exactly at the limit.
func evaluationLimits(env *Env, job *models.Job) sandbox.Limits {
	l := sandbox.Limits{
		ExtraTime:  extraTime,
		FileSizeKB: env.MaxFileSizeKB,
	}
	if job.TimeLimit != nil {
		l.CPUTime = *job.TimeLimit
		l.WallTime = 2**job.TimeLimit + 1
	}
	if job.MemoryLimitKB != nil {
		l.MemoryKB = *job.MemoryLimitKB
	}
	if job.Multithreaded {
		l.Processes = 1000
	} else {
		l.Processes = 1
	}
	return l
}

// runEvaluation executes the contestant's program. Setup commands (all but
// the last) run with trusted caps; the final command runs under the job's
// limits. Returns (boxOK, evalOK, report): evalOK false means the program
// was cut short by a limit or crashed, which is a valid grading result.
func runEvaluation(env *Env, box sandbox.Box, commands [][]string, job *models.Job,
	stdin, stdout string, writableFiles []string) (bool, bool, *sandbox.Report, error) {

	if len(commands) > 1 {
		ok, _, err := runTrusted(box, commands[:len(commands)-1])
		if err != nil {
			return false, false, nil, err
		}
		if !ok {
			return false, false, nil, fmt.Errorf("evaluation setup command failed")
		}
	}
	final := commands[len(commands)-1]

	if stdout == "" {
		stdout = stdoutName
	}
	writable := append([]string{stdout, stderrName}, writableFiles...)

	report, err := box.Run(sandbox.Command{
		Args:          final,
		Stdin:         stdin,
		Stdout:        stdout,
		Stderr:        stderrName,
		Limits:        evaluationLimits(env, job),
		WritablePaths: writable,
	})
	if err != nil {
		return false, false, nil, err
	}

	switch report.Cause {
	case sandbox.CauseOK:
		return true, true, report, nil
	case sandbox.CauseTimeLimit, sandbox.CauseWallLimit, sandbox.CauseNonzeroExit,
		sandbox.CauseSignal, sandbox.CauseMemoryLimit, sandbox.CauseOutputLimit:
		return true, false, report, nil
	default:
		return false, false, report, nil
	}
}

func statsFromReport(report *sandbox.Report) *models.ExecutionStats {
	return &models.ExecutionStats{
		CPUTime:  report.CPUTime,
		WallTime: report.WallTime,
		MemoryKB: report.MemoryKB,
	}
}

// evalOutput grades a produced output, either with the dataset's checker or
// with the whitespace-insensitive diff.
func evalOutput(ctx context.Context, env *Env, job *models.Job, result *models.JobResult,
	userOutput []byte, useChecker bool, extraArgs []string) (float64, []string, bool) {

	if !useChecker {
		correct, err := env.Store.Get(ctx, job.Output)
		if err != nil {
			infrastructureError(env, result, err)
			return 0, nil, false
		}
		outcome, text, err := whiteDiffStep(
			bytes.NewReader(userOutput), bytes.NewReader(correct))
		if err != nil {
			infrastructureError(env, result, err)
			return 0, nil, false
		}
		return outcome, text, true
	}

	checkerDigest, ok := job.Managers[checkerName]
	if !ok {
		configurationError(env, result, "missing checker in task managers")
		return 0, nil, false
	}

	box, err := env.Boxes.NewBox("check")
	if err != nil {
		infrastructureError(env, result, err)
		return 0, nil, false
	}
	defer deleteBox(env, box, job)

	if err := box.WriteFile(checkerUserOutputName, userOutput, false); err != nil {
		infrastructureError(env, result, err)
		return 0, nil, false
	}
	if err := fetchFiles(ctx, env, box, map[string]string{
		checkerInputName:         job.Input,
		checkerCorrectOutputName: job.Output,
	}, false); err != nil {
		infrastructureError(env, result, err)
		return 0, nil, false
	}
	if err := fetchFiles(ctx, env, box,
		map[string]string{checkerName: checkerDigest}, true); err != nil {
		infrastructureError(env, result, err)
		return 0, nil, false
	}

	argv := []string{"./" + checkerName,
		checkerInputName, checkerCorrectOutputName, checkerUserOutputName}
	argv = append(argv, extraArgs...)
	ok, report, err := runTrusted(box, [][]string{argv})
	if err != nil {
		infrastructureError(env, result, err)
		return 0, nil, false
	}
	if !ok {
		cause := "terminated by the sandbox"
		if report != nil {
			cause = string(report.Cause)
		}
		configurationError(env, result, "checker failed: %s", cause)
		return 0, nil, false
	}

	stdout, err := box.ReadFile(stdoutName, maxCompilationOutput)
	if err != nil {
		infrastructureError(env, result, err)
		return 0, nil, false
	}
	stderr, _ := box.ReadFile(stderrName, maxCompilationOutput)

	outcome, text, err := parseManagerOutput(stdout, stderr)
	if err != nil {
		// A checker that does not respect the protocol poisons every
		// attempt of this job; do not let the scheduler retry it forever.
		configurationError(env, result, "invalid checker output: %v", err)
		return 0, nil, false
	}
	return outcome, text, true
}

// storeUserOutput saves a truncated copy of the contestant's output when the
// job asked for it (user tests).
func storeUserOutput(ctx context.Context, env *Env, box sandbox.Box,
	name string, result *models.JobResult) {

	if !box.FileExists(name) {
		return
	}
	content, err := box.ReadFile(name, maxUserOutputStoredKB*1024)
	if err != nil {
		env.Log.WithError(err).Warn("Failed to read user output")
		return
	}
	digest, err := env.Store.Put(ctx, content)
	if err != nil {
		env.Log.WithError(err).Warn("Failed to store user output")
		return
	}
	_ = env.Store.Describe(ctx, digest,
		fmt.Sprintf("Output file in job %s", result.Operation.String()))
	result.UserOutputDigest = digest
}

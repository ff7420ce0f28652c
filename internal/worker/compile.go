package worker

import (
	"context"
	"fmt"

	"dev.helix.grader/internal/models"
	"dev.helix.grader/internal/sandbox"
)

// compilationStep runs the compiler commands sequentially in the box. The
// first return value is infrastructure success; the second is whether the
// sources actually compiled.
func compilationStep(box sandbox.Box, commands [][]string) (bool, bool, []string, *models.ExecutionStats, error) {
	stats := &models.ExecutionStats{}
	for _, argv := range commands {
		report, err := box.Run(sandbox.Command{
			Args:   argv,
			Stdout: stdoutName,
			Stderr: stderrName,
			Limits: sandbox.Limits{
				CPUTime:   compilationTimeLimit,
				WallTime:  2*compilationTimeLimit + 1,
				MemoryKB:  compilationMemoryKB,
				Processes: 0, // compilers fork freely
			},
			PreserveEnv: true,
		})
		if err != nil {
			return false, false, nil, nil, err
		}
		stats.CPUTime += report.CPUTime
		stats.WallTime += report.WallTime
		if report.MemoryKB > stats.MemoryKB {
			stats.MemoryKB = report.MemoryKB
		}

		switch report.Cause {
		case sandbox.CauseOK:
			continue
		case sandbox.CauseNonzeroExit:
			return true, false, []string{msgCompileFail}, stats, nil
		case sandbox.CauseTimeLimit, sandbox.CauseWallLimit:
			return true, false, []string{msgCompileTimeout}, stats, nil
		case sandbox.CauseSignal, sandbox.CauseMemoryLimit, sandbox.CauseOutputLimit:
			return true, false,
				[]string{msgCompileSignal, fmt.Sprintf("%d", report.Signal)}, stats, nil
		default:
			return false, false, nil, nil,
				fmt.Errorf("sandbox error during compilation: %s", report.Message)
		}
	}
	return true, true, []string{msgCompileSuccess}, stats, nil
}

// compileSources is the shared compile flow: fetch sources and compilation
// managers, run the language's compiler, store the executable.
func compileSources(ctx context.Context, env *Env, job *models.Job, result *models.JobResult,
	toCompile []string, toFetch map[string]string, execName string) {

	lang := env.Languages(job.Language)
	if lang == nil {
		configurationError(env, result, "unknown language %q", job.Language)
		return
	}
	commands := lang.CompilationCommands(toCompile, execName)

	box, err := env.Boxes.NewBox("compile")
	if err != nil {
		infrastructureError(env, result, err)
		return
	}
	defer deleteBox(env, box, job)

	if err := fetchFiles(ctx, env, box, toFetch, false); err != nil {
		infrastructureError(env, result, err)
		return
	}

	boxOK, compiled, text, stats, err := compilationStep(box, commands)
	if err != nil {
		infrastructureError(env, result, err)
		return
	}
	if !boxOK {
		infrastructureError(env, result, fmt.Errorf("compilation sandbox failed"))
		return
	}

	result.Success = true
	result.CompilationSuccess = compiled
	result.Text = text
	result.Stats = stats
	result.CompilationStdout = readTruncated(box, stdoutName)
	result.CompilationStderr = readTruncated(box, stderrName)

	if compiled {
		content, err := box.ReadFile(execName, 0)
		if err != nil {
			infrastructureError(env, result, err)
			return
		}
		digest, err := env.Store.Put(ctx, content)
		if err != nil {
			infrastructureError(env, result, err)
			return
		}
		_ = env.Store.Describe(ctx, digest,
			fmt.Sprintf("Executable %s for %s", execName, result.Operation.String()))
		result.ExecutableDigests = map[string]string{execName: digest}
	}
}

func readTruncated(box sandbox.Box, name string) string {
	content, err := box.ReadFile(name, maxCompilationOutput)
	if err != nil {
		return ""
	}
	return string(content)
}

package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"

	"dev.helix.grader/internal/blobstore"
	"dev.helix.grader/internal/config"
	"dev.helix.grader/internal/models"
	"dev.helix.grader/internal/sandbox"
)

// Task type names as stored in the dataset.
const (
	TaskTypeBatch         = "Batch"
	TaskTypeCommunication = "Communication"
	TaskTypeOutputOnly    = "OutputOnly"
	TaskTypeTwoSteps      = "TwoSteps"
)

// Well-known filenames inside the sandboxes.
const (
	graderBasename = "grader"
	stubBasename   = "stub"
	managerName    = "manager"
	checkerName    = "checker"

	checkerInputName         = "input.txt"
	checkerCorrectOutputName = "correct_output.txt"
	checkerUserOutputName    = "user_output.txt"

	stdoutName = "stdout.txt"
	stderrName = "stderr.txt"
)

// Resource caps for admin-controlled programs (compilers, checkers,
// managers), which run without contestant limits but must not hang a worker.
const (
	compilationTimeLimit  = 10.0 // seconds
	compilationMemoryKB   = 512 * 1024
	trustedTimeLimit      = 300.0
	trustedMemoryKB       = 4 * 1024 * 1024
	extraTime             = 0.5
	maxCompilationOutput  = 64 * 1024
	maxUserOutputStoredKB = 100
)

// Env bundles what a task type needs to run jobs on this worker.
type Env struct {
	Store         blobstore.Store
	Boxes         sandbox.Service
	Languages     func(name string) *config.Language
	MaxFileSizeKB int64
	TempDir       string
	Log           *logrus.Logger
}

// TaskType drives compilation and evaluation for one family of tasks. The
// implementations fill the result in place; an infrastructure error leaves
// result.Success false so the scheduler can retry elsewhere.
type TaskType interface {
	Name() string
	Compile(ctx context.Context, env *Env, job *models.Job, result *models.JobResult)
	Evaluate(ctx context.Context, env *Env, job *models.Job, result *models.JobResult)
}

// NewTaskType decodes the dataset's task type and its parameters.
func NewTaskType(name string, parameters json.RawMessage) (TaskType, error) {
	switch name {
	case TaskTypeBatch:
		var p BatchParameters
		if err := decodeParameters(parameters, &p); err != nil {
			return nil, err
		}
		return &Batch{Params: p}, nil
	case TaskTypeCommunication:
		var p CommunicationParameters
		if err := decodeParameters(parameters, &p); err != nil {
			return nil, err
		}
		if p.NumProcesses < 1 {
			p.NumProcesses = 1
		}
		return &Communication{Params: p}, nil
	case TaskTypeOutputOnly:
		var p OutputOnlyParameters
		if err := decodeParameters(parameters, &p); err != nil {
			return nil, err
		}
		return &OutputOnly{Params: p}, nil
	case TaskTypeTwoSteps:
		var p TwoStepsParameters
		if err := decodeParameters(parameters, &p); err != nil {
			return nil, err
		}
		return &TwoSteps{Params: p}, nil
	default:
		return nil, fmt.Errorf("unknown task type %q", name)
	}
}

func decodeParameters(raw json.RawMessage, into any) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, into); err != nil {
		return fmt.Errorf("failed to decode task type parameters: %w", err)
	}
	return nil
}

// configurationError marks the job as poisonous: the dataset (not the
// infrastructure) is broken, so retrying elsewhere cannot help.
func configurationError(env *Env, result *models.JobResult, format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	env.Log.WithField("operation", result.Operation.String()).
		Errorf("Configuration error: %s", msg)
	result.Success = false
	result.Poisonous = true
	result.Error = msg
}

// infrastructureError marks the job as transiently failed.
func infrastructureError(env *Env, result *models.JobResult, err error) {
	env.Log.WithField("operation", result.Operation.String()).
		WithError(err).Error("Job failed on the worker")
	result.Success = false
	result.Error = err.Error()
}

// sourceFilenames materializes the submission-format filenames for the job's
// language ("task.%l" becomes "task.cpp") and returns them in a stable order.
func sourceFilenames(job *models.Job, lang *config.Language) map[string]string {
	out := make(map[string]string, len(job.Files))
	for codename := range job.Files {
		out[codename] = strings.ReplaceAll(codename, ".%l", lang.PrimaryExtension())
	}
	return out
}

// executableName derives the target executable from the submission format,
// mirroring the naming the contest web tier expects.
func executableName(job *models.Job) string {
	names := make([]string, 0, len(job.Files))
	for codename := range job.Files {
		names = append(names, strings.ReplaceAll(codename, ".%l", ""))
	}
	sort.Strings(names)
	return strings.Join(names, "_")
}

// isManagerForCompilation reports whether a dataset manager takes part in
// the compilation for the given language (sources and headers do, the
// checker or precompiled managers do not).
func isManagerForCompilation(filename string, lang *config.Language) bool {
	ext := filepath.Ext(filename)
	for _, e := range lang.SourceExtensions {
		if ext == e {
			return true
		}
	}
	for _, e := range lang.HeaderExtensions {
		if ext == e || strings.HasSuffix(filename, e) {
			return true
		}
	}
	return false
}

// runTrusted executes admin-controlled commands with the trusted caps.
// It returns false (with no error) when a command is terminated by the
// sandbox, which for trusted programs means a broken dataset.
func runTrusted(box sandbox.Box, commands [][]string) (bool, *sandbox.Report, error) {
	var last *sandbox.Report
	for _, argv := range commands {
		report, err := box.Run(sandbox.Command{
			Args:   argv,
			Stdout: stdoutName,
			Stderr: stderrName,
			Limits: sandbox.Limits{
				CPUTime:  trustedTimeLimit,
				WallTime: 2*trustedTimeLimit + 1,
				MemoryKB: trustedMemoryKB,
			},
			PreserveEnv: true,
		})
		if err != nil {
			return false, nil, err
		}
		last = report
		if report.Cause != sandbox.CauseOK {
			return false, report, nil
		}
	}
	return true, last, nil
}

// fetchFiles copies blobs into the box under the given names.
func fetchFiles(ctx context.Context, env *Env, box sandbox.Box, files map[string]string, executable bool) error {
	for name, digest := range files {
		content, err := env.Store.Get(ctx, digest)
		if err != nil {
			return fmt.Errorf("failed to fetch %s: %w", name, err)
		}
		if err := box.WriteFile(name, content, executable); err != nil {
			return err
		}
	}
	return nil
}

// deleteBox tears a box down unless the job asked for it to be kept.
func deleteBox(env *Env, box sandbox.Box, job *models.Job) {
	if job.KeepSandbox {
		env.Log.WithField("path", box.Path("")).Info("Keeping sandbox as requested by the job")
		return
	}
	if err := box.Delete(); err != nil {
		env.Log.WithError(err).Warn("Failed to delete sandbox")
	}
}

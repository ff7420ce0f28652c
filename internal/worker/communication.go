package worker

import (
	"context"
	"fmt"
	"strconv"

	"golang.org/x/sync/errgroup"

	"dev.helix.grader/internal/models"
	"dev.helix.grader/internal/sandbox"
)

// CommunicationParameters configures the Communication task type: an
// admin-provided manager exchanges messages with one or more copies of the
// contestant's program over named pipes, then prints the outcome.
type CommunicationParameters struct {
	NumProcesses int `json:"num_processes"`
	// Compilation is "stub" (link with the dataset stub) or "alone".
	Compilation string `json:"compilation"`
	// UserIO is "fifo_io" (fifo names passed as arguments) or "std_io"
	// (fifos wired to stdin/stdout).
	UserIO string `json:"user_io"`
}

type Communication struct {
	Params CommunicationParameters
}

func (c *Communication) Name() string { return TaskTypeCommunication }

func (c *Communication) usesStub() bool  { return c.Params.Compilation == "stub" }
func (c *Communication) usesFifos() bool { return c.Params.UserIO != "std_io" }

const commInputName = "input.txt"
const commOutputName = "output.txt"

func (c *Communication) Compile(ctx context.Context, env *Env, job *models.Job, result *models.JobResult) {
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
	if c.usesStub() {
		stubFilename := stubBasename + lang.PrimaryExtension()
		digest, ok := job.Managers[stubFilename]
		if !ok {
			configurationError(env, result, "missing stub %s in task managers", stubFilename)
			return
		}
		toCompile = append(toCompile, stubFilename)
		toFetch[stubFilename] = digest
	}
	for codename, filename := range sourceFilenames(job, lang) {
		toCompile = append(toCompile, filename)
		toFetch[filename] = job.Files[codename]
	}
	for filename, digest := range job.Managers {
		if isManagerForCompilation(filename, lang) {
			toFetch[filename] = digest
		}
	}

	compileSources(ctx, env, job, result, toCompile, toFetch, executableName(job))
}

func (c *Communication) Evaluate(ctx context.Context, env *Env, job *models.Job, result *models.JobResult) {
	if len(job.Executables) != 1 {
		configurationError(env, result,
			"job contains %d executables, exactly 1 is expected; consider invalidating compilations",
			len(job.Executables))
		return
	}
	managerDigest, ok := job.Managers[managerName]
	if !ok {
		configurationError(env, result, "missing manager in task managers")
		return
	}
	lang := env.Languages(job.Language)
	if lang == nil {
		configurationError(env, result, "unknown language %q", job.Language)
		return
	}
	if job.TimeLimit == nil {
		configurationError(env, result, "communication tasks require a time limit")
		return
	}

	var execName, execDigest string
	for name, digest := range job.Executables {
		execName, execDigest = name, digest
	}

	n := c.Params.NumProcesses

	// One fifo pair per user process, each in its own mount so that a
	// process cannot peek at a sibling's pipes.
	fifos, err := newFifoDir(env.TempDir)
	if err != nil {
		infrastructureError(env, result, err)
		return
	}
	defer fifos.Remove()
	userToManager := make([]string, n)
	managerToUser := make([]string, n)
	for i := 0; i < n; i++ {
		userToManager[i] = fmt.Sprintf("u%d_to_m", i)
		managerToUser[i] = fmt.Sprintf("m_to_u%d", i)
		if err := fifos.Make(userToManager[i]); err != nil {
			infrastructureError(env, result, err)
			return
		}
		if err := fifos.Make(managerToUser[i]); err != nil {
			infrastructureError(env, result, err)
			return
		}
	}
	const fifoMount = "/fifo"
	mount := fifos.Mount(fifoMount)
	inner := func(name string) string { return fifoMount + "/" + name }

	managerBox, err := env.Boxes.NewBox("manager_evaluate")
	if err != nil {
		infrastructureError(env, result, err)
		return
	}
	defer deleteBox(env, managerBox, job)
	if err := fetchFiles(ctx, env, managerBox,
		map[string]string{managerName: managerDigest}, true); err != nil {
		infrastructureError(env, result, err)
		return
	}
	if err := fetchFiles(ctx, env, managerBox,
		map[string]string{commInputName: job.Input}, false); err != nil {
		infrastructureError(env, result, err)
		return
	}

	userBoxes := make([]sandbox.Box, n)
	for i := 0; i < n; i++ {
		box, err := env.Boxes.NewBox("user_evaluate")
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
		userBoxes[i] = box
	}

	// The manager must outlive every user process, so its limits cannot be
	// tighter than the sum of theirs.
	managerArgs := []string{"./" + managerName}
	for i := 0; i < n; i++ {
		managerArgs = append(managerArgs, inner(userToManager[i]), inner(managerToUser[i]))
	}
	managerLimit := float64(n) * (*job.TimeLimit + 1.0)
	if managerLimit < trustedTimeLimit {
		managerLimit = trustedTimeLimit
	}

	main := stubBasename
	if !c.usesStub() {
		main = execName
	}
	userLimits := evaluationLimits(env, job)

	var managerReport *sandbox.Report
	userReports := make([]*sandbox.Report, n)
	var g errgroup.Group
	g.Go(func() error {
		var err error
		managerReport, err = managerBox.Run(sandbox.Command{
			Args:          managerArgs,
			Stdin:         commInputName,
			Stdout:        stdoutName,
			Stderr:        stderrName,
			Limits:        sandbox.Limits{CPUTime: managerLimit, WallTime: 2*managerLimit + 1, MemoryKB: trustedMemoryKB},
			WritablePaths: []string{commOutputName, stdoutName, stderrName},
			Mounts:        []string{mount},
		})
		return err
	})
	for i := 0; i < n; i++ {
		i := i
		g.Go(func() error {
			args := []string{}
			var stdin, stdout string
			if c.usesFifos() {
				args = append(args, inner(managerToUser[i]), inner(userToManager[i]))
			} else {
				stdin = inner(managerToUser[i])
				stdout = inner(userToManager[i])
			}
			if n != 1 {
				args = append(args, strconv.Itoa(i))
			}
			commands := lang.EvaluationCommands(execName, main, args)
			if len(commands) > 1 {
				if ok, _, err := runTrusted(userBoxes[i], commands[:len(commands)-1]); err != nil {
					return err
				} else if !ok {
					return fmt.Errorf("evaluation setup command failed")
				}
			}
			var err error
			userReports[i], err = userBoxes[i].Run(sandbox.Command{
				Args:   commands[len(commands)-1],
				Stdin:  stdin,
				Stdout: stdout,
				Stderr: stderrName,
				Limits: userLimits,
				Mounts: []string{mount},
			})
			return err
		})
	}
	if err := g.Wait(); err != nil {
		infrastructureError(env, result, err)
		return
	}

	for _, r := range append([]*sandbox.Report{managerReport}, userReports...) {
		if r.Cause == sandbox.CauseRunError {
			infrastructureError(env, result, errSandboxFailed(r))
			return
		}
	}
	if managerReport.Cause != sandbox.CauseOK {
		infrastructureError(env, result,
			fmt.Errorf("manager terminated abnormally: %s", managerReport.Cause))
		return
	}

	stats := mergeStats(userReports...)
	result.Stats = stats

	// Each box enforces its own limit; the aggregate CPU budget is checked
	// here, over the sum of all user processes.
	userFailed := (*sandbox.Report)(nil)
	for _, r := range userReports {
		if r.Cause != sandbox.CauseOK {
			userFailed = r
			break
		}
	}
	if userFailed == nil && stats.CPUTime >= *job.TimeLimit {
		userFailed = &sandbox.Report{Cause: sandbox.CauseTimeLimit}
	}

	if job.GetOutput {
		storeUserOutput(ctx, env, managerBox, commOutputName, result)
	}

	switch {
	case job.OnlyExecution:
		result.Success = true
		result.Outcome = "0.0"
		result.Text = []string{msgOnlyExecution}

	case userFailed != nil:
		result.Success = true
		result.Outcome = "0.0"
		result.Text = humanEvaluationMessage(userFailed)

	default:
		stdout, err := managerBox.ReadFile(stdoutName, maxCompilationOutput)
		if err != nil {
			infrastructureError(env, result, err)
			return
		}
		stderr, _ := managerBox.ReadFile(stderrName, maxCompilationOutput)
		outcome, text, err := parseManagerOutput(stdout, stderr)
		if err != nil {
			configurationError(env, result, "invalid manager output: %v", err)
			return
		}
		result.Success = true
		result.Outcome = formatOutcome(outcome)
		result.Text = text
	}
}

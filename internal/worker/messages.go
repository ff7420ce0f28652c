package worker

import "dev.helix.grader/internal/sandbox"

// Stock texts shown to contestants. The first element is the message, the
// rest are formatting arguments, so the web tier can translate the message
// while keeping the arguments verbatim.
const (
	msgSuccess        = "Output is correct"
	msgPartial        = "Output is partially correct"
	msgWrong          = "Output isn't correct"
	msgNoOutput       = "Evaluation didn't produce file %s"
	msgTimeout        = "Execution timed out"
	msgWallTimeout    = "Execution timed out (wall clock limit exceeded)"
	msgSignal         = "Execution killed (could be triggered by violating memory limits)"
	msgReturnCode     = "Execution failed because the return code was nonzero"
	msgOnlyExecution  = "Execution completed successfully"
	msgCompileSuccess = "Compilation succeeded"
	msgCompileFail    = "Compilation failed"
	msgCompileTimeout = "Compilation timed out"
	msgCompileSignal  = "Compilation killed with signal %d (could be triggered by violating memory limits)"
)

// humanEvaluationMessage maps a failed execution onto the text shown to the
// contestant. Clean exits and sandbox errors produce no message: the former
// is described by the output check, the latter stays internal.
func humanEvaluationMessage(report *sandbox.Report) []string {
	switch report.Cause {
	case sandbox.CauseTimeLimit:
		return []string{msgTimeout}
	case sandbox.CauseWallLimit:
		return []string{msgWallTimeout}
	case sandbox.CauseSignal, sandbox.CauseMemoryLimit, sandbox.CauseOutputLimit:
		// Don't name the signal: that would leak more than contestants
		// should see.
		return []string{msgSignal}
	case sandbox.CauseNonzeroExit:
		return []string{msgReturnCode}
	default:
		return nil
	}
}

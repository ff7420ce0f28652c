package worker

import (
	"fmt"
	"math"
	"strconv"

	"dev.helix.grader/internal/sandbox"
)

// formatOutcome renders an outcome the way scorers expect it: integral
// values keep one decimal ("0.0", "1.0"), everything else the shortest
// exact representation.
func formatOutcome(outcome float64) string {
	if outcome == math.Trunc(outcome) {
		return strconv.FormatFloat(outcome, 'f', 1, 64)
	}
	return strconv.FormatFloat(outcome, 'g', -1, 64)
}

func errSandboxFailed(report *sandbox.Report) error {
	if report == nil {
		return fmt.Errorf("sandbox failed")
	}
	return fmt.Errorf("sandbox failed: %s", report.Message)
}

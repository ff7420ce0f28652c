package worker

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var ansiEscapeRe = regexp.MustCompile(`\x1b[@-_][0-?]*[ -/]*[@-~]`)

// parseManagerOutput decodes the standard manager/checker protocol: the
// first line of stdout is the outcome, a float in [0.0, 1.0]; the first
// line of stderr is the message for the contestant. A message of the form
// "translate:success|partial|wrong" selects the corresponding stock text.
func parseManagerOutput(stdout, stderr []byte) (float64, []string, error) {
	outcomeLine := strings.TrimSpace(firstLine(string(stdout)))
	outcome, err := strconv.ParseFloat(outcomeLine, 64)
	if err != nil {
		return 0, nil, fmt.Errorf("manager wrote a non-numeric outcome %q", outcomeLine)
	}
	if outcome < 0.0 || outcome > 1.0 {
		return 0, nil, fmt.Errorf("manager wrote outcome %v outside [0.0, 1.0]", outcome)
	}

	text := ansiEscapeRe.ReplaceAllString(
		strings.TrimSpace(firstLine(string(stderr))), "")
	if rest, ok := strings.CutPrefix(text, "translate:"); ok {
		switch strings.TrimSpace(rest) {
		case "success":
			text = msgSuccess
		case "partial":
			text = msgPartial
		case "wrong":
			text = msgWrong
		}
	}
	return outcome, []string{text}, nil
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

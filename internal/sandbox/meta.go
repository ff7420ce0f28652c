package sandbox

import (
	"fmt"
	"strconv"
	"strings"
)

// parseMeta decodes an isolate meta file ("key:value" lines) into a Report,
// classifying the termination cause against the limits that were enforced.
//
// isolate reports, among others: time, time-wall (seconds), cg-mem, max-rss
// (KiB), exitcode, exitsig, status (RE, SG, TO, XX) and message. The OK
// status is implicit: no status line means a clean exit 0.
func parseMeta(content []byte, limits Limits) (*Report, error) {
	fields := make(map[string][]string)
	for _, line := range strings.Split(string(content), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			return nil, fmt.Errorf("malformed meta line %q", line)
		}
		fields[key] = append(fields[key], value)
	}

	report := &Report{Cause: CauseOK}

	if v, ok := first(fields, "time"); ok {
		t, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return nil, fmt.Errorf("bad time %q: %w", v, err)
		}
		report.CPUTime = t
	}
	if v, ok := first(fields, "time-wall"); ok {
		t, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return nil, fmt.Errorf("bad time-wall %q: %w", v, err)
		}
		report.WallTime = t
	}
	// cg-mem is authoritative under cgroups; max-rss is the fallback when
	// the control group was not available.
	if v, ok := first(fields, "cg-mem"); ok {
		m, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("bad cg-mem %q: %w", v, err)
		}
		report.MemoryKB = m
	} else if v, ok := first(fields, "max-rss"); ok {
		m, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("bad max-rss %q: %w", v, err)
		}
		report.MemoryKB = m
	}
	if v, ok := first(fields, "exitcode"); ok {
		c, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("bad exitcode %q: %w", v, err)
		}
		report.ExitCode = c
	}
	if v, ok := first(fields, "exitsig"); ok {
		s, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("bad exitsig %q: %w", v, err)
		}
		report.Signal = s
	}
	if v, ok := first(fields, "message"); ok {
		report.Message = v
	}

	report.Cause = classify(fields["status"], report, limits)
	return report, nil
}

// classify maps isolate's status codes onto a termination cause. Statuses
// are checked most-severe first, matching the precedence the original
// supervisor uses.
func classify(statuses []string, report *Report, limits Limits) Cause {
	has := func(code string) bool {
		for _, s := range statuses {
			if s == code {
				return true
			}
		}
		return false
	}

	switch {
	case has("XX"):
		return CauseRunError
	case has("TO"):
		if strings.Contains(report.Message, "wall") {
			return CauseWallLimit
		}
		return CauseTimeLimit
	case has("SG"):
		if report.Signal == sigXFSZ {
			return CauseOutputLimit
		}
		// A kill with the control group at (or beyond) the cap is the
		// cgroup OOM path, whatever signal delivered it.
		if limits.MemoryKB > 0 && report.MemoryKB >= limits.MemoryKB {
			return CauseMemoryLimit
		}
		return CauseSignal
	case has("RE"):
		return CauseNonzeroExit
	default:
		return CauseOK
	}
}

func first(fields map[string][]string, key string) (string, bool) {
	if v, ok := fields[key]; ok && len(v) > 0 {
		return v[0], true
	}
	return "", false
}

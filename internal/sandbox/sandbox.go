// Package sandbox runs one untrusted process under enforced resource limits
// by driving a setuid isolate binary (cgroups v2 plus PID/IPC/NET/MOUNT
// namespaces). Each Box is one-shot per execution: prepare files, Run, read
// the report, fetch outputs, Delete.
package sandbox

import (
	"fmt"
)

// Cause is the reason the sandboxed process terminated.
type Cause string

const (
	CauseOK          Cause = "ok"
	CauseNonzeroExit Cause = "nonzero_exit"
	CauseSignal      Cause = "signal"
	CauseTimeLimit   Cause = "time_limit"
	CauseWallLimit   Cause = "wall_limit"
	CauseMemoryLimit Cause = "memory_limit"
	CauseOutputLimit Cause = "output_limit"
	CauseRunError    Cause = "run_error"
)

// SIGXFSZ is raised by the kernel when a process exceeds its file size limit.
const sigXFSZ = 25

// Limits are the resource caps enforced on one execution. Zero values mean
// "no limit" for that resource.
type Limits struct {
	CPUTime   float64 // seconds of accumulated CPU time
	WallTime  float64 // seconds of wall-clock time
	ExtraTime float64 // grace added to both caps before the hard kill

	MemoryKB   int64 // peak resident set
	StackKB    int64 // soft stack limit
	FileSizeKB int64 // per-file output cap

	DiskQuotaKB int64 // aggregate box write quota
	DiskInodes  int64

	Processes int // max processes/threads; 0 means unlimited
}

// Report is the faithful account of one execution.
type Report struct {
	Cause    Cause
	ExitCode int
	Signal   int

	CPUTime    float64
	WallTime   float64
	MemoryKB   int64

	// Message is isolate's own description of the termination, useful for
	// operator logs; it never reaches contestants.
	Message string
}

func (r *Report) String() string {
	return fmt.Sprintf("[%s - %.3f s / %.3f s wall / %d KiB]",
		r.Cause, r.CPUTime, r.WallTime, r.MemoryKB)
}

// Command describes one process to run inside a box.
type Command struct {
	Args []string
	Env  map[string]string

	// Stdin, Stdout and Stderr name files inside the box; empty means
	// closed (stdin) or discarded (stdout/stderr).
	Stdin  string
	Stdout string
	Stderr string

	Limits Limits

	// WritablePaths restricts writes to the named inner paths; nil leaves
	// the whole box home writable (as needed for compilations).
	WritablePaths []string

	// Mounts are extra directory mappings in isolate's "dest=src[:opts]"
	// form, e.g. "/fifo=/tmp/fifo-123:rw".
	Mounts []string

	// PreserveEnv keeps the host environment (compilations want the full
	// toolchain environment; evaluations never do).
	PreserveEnv bool
}

// Box is a prepared sandbox directory that can execute commands.
type Box interface {
	// Path translates a box-relative filename to a host path.
	Path(name string) string
	// WriteFile places content into the box. Executable sets the x bit.
	WriteFile(name string, content []byte, executable bool) error
	// ReadFile reads a file from the box, capped at max bytes (0 = no cap).
	ReadFile(name string, max int64) ([]byte, error)
	// FileExists reports whether the box contains name.
	FileExists(name string) bool
	// FileSize returns the size of name inside the box.
	FileSize(name string) (int64, error)
	// Run executes one command and returns its report. The returned error
	// is an infrastructure failure (missing isolate, unreadable meta
	// file), never a property of the untrusted program.
	Run(cmd Command) (*Report, error)
	// Delete removes the box directory; a no-op when keep is set.
	Delete() error
}

// Service creates boxes. The worker owns one service for its lifetime.
type Service interface {
	NewBox(name string) (Box, error)
}

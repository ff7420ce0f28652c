package models

import (
	"fmt"
	"time"
)

// OperationType identifies the kind of work a job descriptor stands for.
type OperationType string

const (
	OperationCompile          OperationType = "compile"
	OperationEvaluate         OperationType = "evaluate"
	OperationCompileUserTest  OperationType = "compile_test"
	OperationEvaluateUserTest OperationType = "evaluate_test"
)

// ForSubmission reports whether the operation refers to a submission rather
// than a user test.
func (t OperationType) ForSubmission() bool {
	return t == OperationCompile || t == OperationEvaluate
}

// Priority bands of the scheduler queue. Lower value means served first.
const (
	PriorityExtra = iota
	PriorityHigh
	PriorityMedium
	PriorityLow
	PriorityExtraLow
)

// Operation is the identity of one unit of schedulable work: compiling or
// evaluating one object against one dataset (and, for evaluations, one
// testcase). Two operations with the same fields are the same work; the
// scheduler dedups on this.
type Operation struct {
	Type             OperationType `json:"type"`
	ObjectID         int64         `json:"object_id"`
	DatasetID        int64         `json:"dataset_id"`
	TestcaseCodename string        `json:"testcase_codename,omitempty"`
}

// Fingerprint is the deduplication key: at most one effective attempt of a
// fingerprint may be in flight at any time.
func (o Operation) Fingerprint() string {
	if o.Type == OperationEvaluate {
		return fmt.Sprintf("%s/%d/%d/%s",
			o.Type, o.ObjectID, o.DatasetID, o.TestcaseCodename)
	}
	return fmt.Sprintf("%s/%d/%d", o.Type, o.ObjectID, o.DatasetID)
}

func (o Operation) String() string {
	if o.Type == OperationEvaluate {
		return fmt.Sprintf("%s on %d against dataset %d, testcase %s",
			o.Type, o.ObjectID, o.DatasetID, o.TestcaseCodename)
	}
	return fmt.Sprintf("%s on %d against dataset %d",
		o.Type, o.ObjectID, o.DatasetID)
}

// QueuedOperation is an operation with its scheduling metadata.
type QueuedOperation struct {
	Operation Operation `json:"operation"`
	Priority  int       `json:"priority"`
	Timestamp time.Time `json:"timestamp"`
}

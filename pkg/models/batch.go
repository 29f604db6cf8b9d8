package models

import "time"

type BatchStatus string

const (
	PendingBatchStatus               BatchStatus = "PENDING"
	RunningBatchStatus               BatchStatus = "RUNNING"
	CompletedBatchStatus             BatchStatus = "COMPLETED"
	CompletedWithFailuresBatchStatus BatchStatus = "COMPLETED_WITH_FAILURES"
)

// Batch is one Executor run: a workflow executed over a list of execution requests.
type Batch struct {
	ID           string      `json:"id" db:"id"`                    // UUID assigned by the executor
	Name         string      `json:"name" db:"name"`                // Descriptive name (e.g., "ndvi-2019")
	Status       BatchStatus `json:"status" db:"status"`            // "PENDING", "RUNNING", "COMPLETED", "COMPLETED_WITH_FAILURES"
	Workers      int         `json:"workers" db:"workers"`          // Worker count used for the run
	ReportPath   string      `json:"report_path" db:"report_path"`  // Deterministic report location
	CreatedAt    time.Time   `json:"created_at" db:"created_at"`    // Executor construction time
	UpdatedAt    time.Time   `json:"updated_at" db:"updated_at"`    // Last status change
	Executions   []Execution `json:"executions,omitempty" db:"-"`   // Populated at read time
	TaskOrder    []string    `json:"task_order,omitempty" db:"-"`   // Topological order of the workflow
	Dependencies []TaskEdge  `json:"dependencies,omitempty" db:"-"` // Declared edges, for reports
}

// TaskEdge records the ordered inputs of a single task.
type TaskEdge struct {
	Task   string   `json:"task"`
	Inputs []string `json:"inputs"`
}

// Failed counts executions that did not succeed.
func (b Batch) Failed() int {
	n := 0
	for _, e := range b.Executions {
		if e.Status == FailedExecutionStatus {
			n++
		}
	}
	return n
}

package models

import "time"

type ExecutionStatus string

const (
	SuccessExecutionStatus ExecutionStatus = "SUCCESS"
	FailedExecutionStatus  ExecutionStatus = "FAILED"
)

// Execution is the recorded outcome of one traversal of a workflow.
type Execution struct {
	BatchID    string          `json:"batch_id" db:"batch_id"`                 // Parent batch
	Index      int             `json:"index" db:"idx"`                         // Position in the request list
	Name       string          `json:"name" db:"name"`                         // Execution name, or the index as text
	Status     ExecutionStatus `json:"status" db:"status"`                     // "SUCCESS" or "FAILED"
	StartedAt  time.Time       `json:"started_at" db:"started_at"`             // Wall clock start
	FinishedAt time.Time       `json:"finished_at" db:"finished_at"`           // Wall clock end
	Duration   time.Duration   `json:"duration" db:"duration"`                 // FinishedAt - StartedAt
	FailedTask string          `json:"failed_task,omitempty" db:"failed_task"` // Task that aborted the execution
	Error      string          `json:"error,omitempty" db:"error_msg"`         // Error text of the failing task
	Stack      string          `json:"stack,omitempty" db:"stack"`             // Stack summary if available
	LogPath    string          `json:"log_path,omitempty" db:"log_path"`       // Persisted log file
	Tasks      []TaskRun       `json:"tasks,omitempty" db:"-"`                 // Per-task timing
}

func (e Execution) Succeeded() bool {
	return e.Status == SuccessExecutionStatus
}

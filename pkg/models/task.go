package models

import "time"

type TaskStatus string

const (
	CompletedTaskStatus TaskStatus = "COMPLETED"
	FailedTaskStatus    TaskStatus = "FAILED"
	SkippedTaskStatus   TaskStatus = "SKIPPED"
)

// TaskRun tracks a single task invocation inside one execution
type TaskRun struct {
	BatchID        string        `json:"-" db:"batch_id"`                      // Parent batch
	ExecutionIndex int           `json:"-" db:"execution_idx"`                 // Parent execution
	Position       int           `json:"position" db:"position"`               // Position in topological order
	Task           string        `json:"task" db:"task"`                       // Task name
	Status         TaskStatus    `json:"status" db:"status"`                   // "COMPLETED", "FAILED", "SKIPPED"
	Attempts       int           `json:"attempts" db:"attempts"`               // Attempts made (retries + 1 at most)
	StartedAt      *time.Time    `json:"started_at,omitempty" db:"started_at"` // Nil when skipped
	Duration       time.Duration `json:"duration" db:"duration"`               // Wall clock across attempts
	ErrorMsg       string        `json:"error,omitempty" db:"error_msg"`       // Last error message (optional)
}

// TaskConfig holds optional per-task execution settings
type TaskConfig struct {
	Retries int            // Extra attempts after the first failure
	Timeout *time.Duration // Deadline for a single attempt, nil means none
}

type TaskOption func(*TaskConfig)

func WithRetries(retries int) TaskOption {
	return func(cfg *TaskConfig) {
		if retries > 0 {
			cfg.Retries = retries
		}
	}
}

func WithTimeout(timeout time.Duration) TaskOption {
	return func(cfg *TaskConfig) {
		if timeout > 0 {
			cfg.Timeout = &timeout
		}
	}
}

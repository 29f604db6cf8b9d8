package models

import "time"

// ExecutionLog is a single log record emitted by a task while an execution ran.
type ExecutionLog struct {
	BatchID        string            `json:"batch_id" db:"batch_id"`             // Parent batch
	ExecutionIndex int               `json:"execution_index" db:"execution_idx"` // Execution that emitted it
	Level          string            `json:"level" db:"level"`                   // logrus level name
	Message        string            `json:"message" db:"message"`               // Log message
	Fields         map[string]string `json:"fields,omitempty" db:"-"`            // Structured fields
	LoggedAt       time.Time         `json:"logged_at" db:"logged_at"`           // Timestamp of log entry
}

package storage

import (
	"github.com/ignatij/taskflow/pkg/models"
	"github.com/pkg/errors"
)

var ErrNotFound = errors.New("not found")

// Store defines the storage operations for finished batches.
type Store interface {
	Begin() (Store, error)
	Commit() error
	Rollback() error
	Close() error

	// Batch operations
	SaveBatch(b models.Batch) error
	GetBatch(id string) (models.Batch, error)
	ListBatches() ([]models.Batch, error)
	UpdateBatchStatus(id string, status models.BatchStatus) error

	// Execution operations
	SaveExecution(e models.Execution) error
	ListExecutions(batchID string) ([]models.Execution, error)

	// Task run operations
	SaveTaskRun(r models.TaskRun) error
	ListTaskRuns(batchID string, executionIndex int) ([]models.TaskRun, error)

	// Log operations
	SaveExecutionLog(l models.ExecutionLog) error
	GetExecutionLogs(batchID string, executionIndex int) ([]models.ExecutionLog, error)
}

package service

import (
	"io"
	"sort"

	"github.com/ignatij/taskflow/pkg/models"
	"github.com/ignatij/taskflow/pkg/report"
	"github.com/ignatij/taskflow/pkg/storage"
	"github.com/pkg/errors"
)

// BatchService reads persisted batches back from a store.
type BatchService struct {
	store  storage.Store
	logger Logger
}

func NewBatchService(store storage.Store, logger Logger) *BatchService {
	return &BatchService{
		store:  store,
		logger: logger,
	}
}

func (bs *BatchService) ListBatches() ([]models.Batch, error) {
	batches, err := bs.store.ListBatches()
	if err != nil {
		bs.logger.Errorf("Failed to list batches: %v", err)
		return nil, errors.Wrap(err, "failed to list batches")
	}
	return batches, nil
}

// GetBatch returns the batch with its executions and their task runs.
func (bs *BatchService) GetBatch(id string) (models.Batch, error) {
	batch, err := bs.store.GetBatch(id)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			bs.logger.Errorf("Failed to get batch %s: %v", id, err)
		}
		return models.Batch{}, errors.Wrapf(err, "failed to get batch %s", id)
	}
	if len(batch.TaskOrder) == 0 {
		batch.TaskOrder = taskOrderOf(batch.Executions)
	}
	return batch, nil
}

func (bs *BatchService) GetExecution(batchID string, index int) (models.Execution, error) {
	executions, err := bs.store.ListExecutions(batchID)
	if err != nil {
		bs.logger.Errorf("Failed to list executions of batch %s: %v", batchID, err)
		return models.Execution{}, errors.Wrapf(err, "failed to list executions of batch %s", batchID)
	}
	for _, e := range executions {
		if e.Index == index {
			return e, nil
		}
	}
	return models.Execution{}, errors.Wrapf(storage.ErrNotFound, "execution %d of batch %s", index, batchID)
}

// GetExecutionLogs returns the log records of one execution, oldest first.
func (bs *BatchService) GetExecutionLogs(batchID string, index int) ([]models.ExecutionLog, error) {
	if _, err := bs.GetExecution(batchID, index); err != nil {
		return nil, err
	}
	logs, err := bs.store.GetExecutionLogs(batchID, index)
	if err != nil {
		bs.logger.Errorf("Failed to get logs of execution %d of batch %s: %v", index, batchID, err)
		return nil, errors.Wrapf(err, "failed to get logs of execution %d", index)
	}
	sort.SliceStable(logs, func(i, j int) bool {
		return logs[i].LoggedAt.Before(logs[j].LoggedAt)
	})
	return logs, nil
}

// WriteReport renders the stored batch as an HTML report. Logs of executions that
// were not saved to a file are embedded from the stored records.
func (bs *BatchService) WriteReport(batchID string, w io.Writer) error {
	batch, err := bs.GetBatch(batchID)
	if err != nil {
		return err
	}
	logs := make(map[int]string)
	for _, e := range batch.Executions {
		if e.LogPath != "" {
			continue
		}
		records, err := bs.GetExecutionLogs(batchID, e.Index)
		if err != nil {
			return err
		}
		logs[e.Index] = formatRecords(records)
	}
	return errors.Wrap(report.New(batch, logs).Render(w), "failed to render report")
}

// taskOrderOf recovers the workflow order from the task runs of the first execution.
func taskOrderOf(executions []models.Execution) []string {
	if len(executions) == 0 {
		return nil
	}
	runs := append([]models.TaskRun(nil), executions[0].Tasks...)
	sort.Slice(runs, func(i, j int) bool { return runs[i].Position < runs[j].Position })
	order := make([]string, len(runs))
	for i, r := range runs {
		order[i] = r.Task
	}
	return order
}

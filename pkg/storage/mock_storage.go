package storage

import (
	"sort"
	"sync"
	"time"

	"github.com/ignatij/taskflow/pkg/models"
	"github.com/pkg/errors"
)

// memoryData is shared between a mockStore and the transactions begun from it
type memoryData struct {
	mu         sync.RWMutex
	batches    []models.Batch
	executions []models.Execution
	taskRuns   []models.TaskRun
	logs       []models.ExecutionLog
}

// mockStore implements storage.Store with in-memory storage
type mockStore struct {
	data      *memoryData
	tx        bool
	committed bool
}

func (m *mockStore) Begin() (Store, error) {
	return &mockStore{data: m.data, tx: true}, nil
}

func (m *mockStore) Close() error {
	return nil
}

func (m *mockStore) SaveBatch(b models.Batch) error {
	if m.committed {
		return errors.New("transaction already committed")
	}
	m.data.mu.Lock()
	defer m.data.mu.Unlock()
	for _, existing := range m.data.batches {
		if existing.ID == b.ID {
			return errors.New("batch already exists")
		}
	}
	b.Executions = nil
	m.data.batches = append(m.data.batches, b)
	return nil
}

func (m *mockStore) GetBatch(id string) (models.Batch, error) {
	m.data.mu.RLock()
	defer m.data.mu.RUnlock()
	for _, b := range m.data.batches {
		if b.ID == id {
			b.Executions = m.executionsLocked(id)
			return b, nil
		}
	}
	return models.Batch{}, ErrNotFound
}

func (m *mockStore) ListBatches() ([]models.Batch, error) {
	m.data.mu.RLock()
	defer m.data.mu.RUnlock()
	batches := make([]models.Batch, len(m.data.batches))
	copy(batches, m.data.batches)
	sort.SliceStable(batches, func(i, j int) bool {
		return batches[i].CreatedAt.After(batches[j].CreatedAt)
	})
	return batches, nil
}

func (m *mockStore) UpdateBatchStatus(id string, status models.BatchStatus) error {
	if m.committed {
		return errors.New("transaction already committed")
	}
	m.data.mu.Lock()
	defer m.data.mu.Unlock()
	for i, b := range m.data.batches {
		if b.ID == id {
			m.data.batches[i].Status = status
			m.data.batches[i].UpdatedAt = time.Now()
			return nil
		}
	}
	return ErrNotFound
}

func (m *mockStore) SaveExecution(e models.Execution) error {
	if m.committed {
		return errors.New("transaction already committed")
	}
	m.data.mu.Lock()
	defer m.data.mu.Unlock()
	// Check for duplicate execution index within the same batch
	for _, existing := range m.data.executions {
		if existing.BatchID == e.BatchID && existing.Index == e.Index {
			return errors.New("execution already exists")
		}
	}
	e.Tasks = nil
	m.data.executions = append(m.data.executions, e)
	return nil
}

func (m *mockStore) ListExecutions(batchID string) ([]models.Execution, error) {
	m.data.mu.RLock()
	defer m.data.mu.RUnlock()
	return m.executionsLocked(batchID), nil
}

func (m *mockStore) executionsLocked(batchID string) []models.Execution {
	var executions []models.Execution
	for _, e := range m.data.executions {
		if e.BatchID != batchID {
			continue
		}
		for _, r := range m.data.taskRuns {
			if r.BatchID == batchID && r.ExecutionIndex == e.Index {
				e.Tasks = append(e.Tasks, r)
			}
		}
		executions = append(executions, e)
	}
	sort.SliceStable(executions, func(i, j int) bool {
		return executions[i].Index < executions[j].Index
	})
	return executions
}

func (m *mockStore) SaveTaskRun(r models.TaskRun) error {
	if m.committed {
		return errors.New("transaction already committed")
	}
	m.data.mu.Lock()
	defer m.data.mu.Unlock()
	m.data.taskRuns = append(m.data.taskRuns, r)
	return nil
}

func (m *mockStore) ListTaskRuns(batchID string, executionIndex int) ([]models.TaskRun, error) {
	m.data.mu.RLock()
	defer m.data.mu.RUnlock()
	var runs []models.TaskRun
	for _, r := range m.data.taskRuns {
		if r.BatchID == batchID && r.ExecutionIndex == executionIndex {
			runs = append(runs, r)
		}
	}
	return runs, nil
}

func (m *mockStore) SaveExecutionLog(l models.ExecutionLog) error {
	if m.committed {
		return errors.New("transaction already committed")
	}
	m.data.mu.Lock()
	defer m.data.mu.Unlock()
	m.data.logs = append(m.data.logs, l)
	return nil
}

func (m *mockStore) GetExecutionLogs(batchID string, executionIndex int) ([]models.ExecutionLog, error) {
	m.data.mu.RLock()
	defer m.data.mu.RUnlock()
	var logs []models.ExecutionLog
	for _, l := range m.data.logs {
		if l.BatchID == batchID && l.ExecutionIndex == executionIndex {
			logs = append(logs, l)
		}
	}
	return logs, nil
}

func (m *mockStore) Commit() error {
	if !m.tx {
		return errors.New("cannot commit: not a transaction")
	}
	if m.committed {
		return errors.New("already committed")
	}
	m.committed = true
	return nil
}

// Rollback is a no-op: writes are applied immediately to the shared data.
func (m *mockStore) Rollback() error {
	if m.committed {
		return errors.New("cannot rollback committed transaction")
	}
	return nil
}

func NewMockStore() Store {
	return &mockStore{data: &memoryData{}}
}

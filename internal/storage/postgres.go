package storage

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/ignatij/taskflow/pkg/models"
	"github.com/ignatij/taskflow/pkg/storage"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

type DBInterface interface {
	Get(dest interface{}, query string, args ...interface{}) error
	Select(dest interface{}, query string, args ...interface{}) error
	Exec(query string, args ...interface{}) (sql.Result, error)
}

type PostgresStore struct {
	db DBInterface
}

func NewPostgresStore(connStr string) (*PostgresStore, error) {
	db, err := sqlx.Open("postgres", connStr)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) Begin() (storage.Store, error) {
	if db, ok := s.db.(*sqlx.DB); ok {
		tx, err := db.Beginx()
		if err != nil {
			return nil, err
		}
		return &PostgresStore{db: tx}, nil
	}
	return nil, fmt.Errorf("cannot begin transaction on unknown type")
}

func (s *PostgresStore) Commit() error {
	if tx, ok := s.db.(*sqlx.Tx); ok {
		return tx.Commit()
	}
	return fmt.Errorf("cannot commit: not a transaction")
}

func (s *PostgresStore) Rollback() error {
	if tx, ok := s.db.(*sqlx.Tx); ok {
		return tx.Rollback()
	}
	return fmt.Errorf("cannot rollback: not a transaction")
}

func (s *PostgresStore) Close() error {
	if db, ok := s.db.(*sqlx.DB); ok {
		return db.Close()
	}
	return nil // No-op for *sqlx.Tx
}

// SaveBatch inserts a batch row; executions are saved separately
func (s *PostgresStore) SaveBatch(b models.Batch) error {
	_, err := s.db.Exec(`
		INSERT INTO batches (id, name, status, workers, report_path, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		b.ID, b.Name, b.Status, b.Workers, b.ReportPath, b.CreatedAt, b.UpdatedAt)
	if err != nil {
		return fmt.Errorf("save batch: %w", err)
	}
	return nil
}

// GetBatch retrieves a batch by ID, including executions and their task runs
func (s *PostgresStore) GetBatch(id string) (models.Batch, error) {
	var b models.Batch
	err := s.db.Get(&b, "SELECT id, name, status, workers, report_path, created_at, updated_at FROM batches WHERE id = $1", id)
	if err == sql.ErrNoRows {
		return models.Batch{}, storage.ErrNotFound
	}
	if err != nil {
		return models.Batch{}, err
	}

	executions, err := s.ListExecutions(id)
	if err != nil {
		return models.Batch{}, fmt.Errorf("get batch %s: %w", id, err)
	}

	var runs []models.TaskRun
	err = s.db.Select(&runs, `
		SELECT batch_id, execution_idx, position, task, status, attempts, started_at, duration, error_msg
		FROM task_runs WHERE batch_id = $1 ORDER BY execution_idx, position`, id)
	if err != nil {
		return models.Batch{}, fmt.Errorf("get task runs of batch %s: %w", id, err)
	}
	byExecution := make(map[int][]models.TaskRun)
	for _, r := range runs {
		byExecution[r.ExecutionIndex] = append(byExecution[r.ExecutionIndex], r)
	}
	for i := range executions {
		executions[i].Tasks = byExecution[executions[i].Index]
	}
	b.Executions = executions
	return b, nil
}

func (s *PostgresStore) ListBatches() ([]models.Batch, error) {
	batches := []models.Batch{}
	query := "SELECT id, name, status, workers, report_path, created_at, updated_at FROM batches ORDER BY created_at DESC"
	err := s.db.Select(&batches, query)
	if err != nil {
		return nil, err
	}
	return batches, nil
}

// UpdateBatchStatus updates the status of a batch
func (s *PostgresStore) UpdateBatchStatus(id string, status models.BatchStatus) error {
	res, err := s.db.Exec("UPDATE batches SET status = $1, updated_at = CURRENT_TIMESTAMP WHERE id = $2", status, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *PostgresStore) SaveExecution(e models.Execution) error {
	_, err := s.db.Exec(`
		INSERT INTO executions (batch_id, idx, name, status, started_at, finished_at, duration, failed_task, error_msg, stack, log_path)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		e.BatchID, e.Index, e.Name, e.Status, e.StartedAt, e.FinishedAt, e.Duration, e.FailedTask, e.Error, e.Stack, e.LogPath)
	if err != nil {
		return fmt.Errorf("save execution %d: %w", e.Index, err)
	}
	return nil
}

// ListExecutions returns the executions of a batch in request order, without task runs
func (s *PostgresStore) ListExecutions(batchID string) ([]models.Execution, error) {
	executions := []models.Execution{}
	err := s.db.Select(&executions, `
		SELECT batch_id, idx, name, status, started_at, finished_at, duration, failed_task, error_msg, stack, log_path
		FROM executions WHERE batch_id = $1 ORDER BY idx`, batchID)
	if err != nil {
		return nil, err
	}
	return executions, nil
}

func (s *PostgresStore) SaveTaskRun(r models.TaskRun) error {
	_, err := s.db.Exec(`
		INSERT INTO task_runs (batch_id, execution_idx, position, task, status, attempts, started_at, duration, error_msg)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		r.BatchID, r.ExecutionIndex, r.Position, r.Task, r.Status, r.Attempts, r.StartedAt, r.Duration, r.ErrorMsg)
	return err
}

func (s *PostgresStore) ListTaskRuns(batchID string, executionIndex int) ([]models.TaskRun, error) {
	var runs []models.TaskRun
	err := s.db.Select(&runs, `
		SELECT batch_id, execution_idx, position, task, status, attempts, started_at, duration, error_msg
		FROM task_runs WHERE batch_id = $1 AND execution_idx = $2 ORDER BY position`, batchID, executionIndex)
	if err != nil {
		return nil, err
	}
	return runs, nil
}

// logRow is the stored form of a log record; fields are kept as JSONB
type logRow struct {
	BatchID        string    `db:"batch_id"`
	ExecutionIndex int       `db:"execution_idx"`
	Level          string    `db:"level"`
	Message        string    `db:"message"`
	Fields         []byte    `db:"fields"`
	LoggedAt       time.Time `db:"logged_at"`
}

func (s *PostgresStore) SaveExecutionLog(l models.ExecutionLog) error {
	fields, err := json.Marshal(l.Fields)
	if err != nil {
		return fmt.Errorf("encode log fields: %w", err)
	}
	_, err = s.db.Exec(`
		INSERT INTO execution_logs (batch_id, execution_idx, level, message, fields, logged_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		l.BatchID, l.ExecutionIndex, l.Level, l.Message, string(fields), l.LoggedAt)
	return err
}

func (s *PostgresStore) GetExecutionLogs(batchID string, executionIndex int) ([]models.ExecutionLog, error) {
	var rows []logRow
	err := s.db.Select(&rows, `
		SELECT batch_id, execution_idx, level, message, fields, logged_at
		FROM execution_logs WHERE batch_id = $1 AND execution_idx = $2 ORDER BY id`, batchID, executionIndex)
	if err != nil {
		return nil, err
	}
	logs := make([]models.ExecutionLog, 0, len(rows))
	for _, r := range rows {
		l := models.ExecutionLog{
			BatchID:        r.BatchID,
			ExecutionIndex: r.ExecutionIndex,
			Level:          r.Level,
			Message:        r.Message,
			LoggedAt:       r.LoggedAt,
		}
		if err := json.Unmarshal(r.Fields, &l.Fields); err != nil {
			return nil, fmt.Errorf("decode log fields: %w", err)
		}
		logs = append(logs, l)
	}
	return logs, nil
}

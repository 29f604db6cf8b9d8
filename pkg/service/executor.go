package service

import (
	"context"
	"fmt"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/ignatij/taskflow/pkg/models"
	"github.com/ignatij/taskflow/pkg/report"
	"github.com/ignatij/taskflow/pkg/storage"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const (
	reportFolderLayout = "2006_01_02-15_04_05"
	reportFileName     = "report.html"
)

// ExecutionRequest holds the keyword arguments of one execution, keyed by task name.
// Tasks missing from Kwargs get no extra arguments.
type ExecutionRequest struct {
	Name   string
	Kwargs map[string]Kwargs
}

type ExecutorOption func(*Executor)

// WithLogsFolder sets the root folder of reports and execution logs. Default is ".".
// Each executor writes into an execution-report-<timestamp> subfolder named to the
// second, so executors sharing a folder must not be created within the same second
// or they overwrite each other's report and log files.
func WithLogsFolder(folder string) ExecutorOption {
	return func(e *Executor) {
		e.logsFolder = folder
	}
}

// WithSaveLogs enables writing one log file per execution.
func WithSaveLogs(save bool) ExecutorOption {
	return func(e *Executor) {
		e.saveLogs = save
	}
}

// WithExecutionNames labels executions. Its length must match the number of requests.
func WithExecutionNames(names []string) ExecutorOption {
	return func(e *Executor) {
		e.executionNames = names
	}
}

func WithBatchName(name string) ExecutorOption {
	return func(e *Executor) {
		e.batchName = name
	}
}

func WithLogger(logger Logger) ExecutorOption {
	return func(e *Executor) {
		e.logger = logger
	}
}

// WithLogLevel sets the level of the per-execution loggers. Default is debug.
func WithLogLevel(level logrus.Level) ExecutorOption {
	return func(e *Executor) {
		e.logLevel = level
	}
}

// WithStore persists the batch, its executions and their logs once the run finishes.
func WithStore(store storage.Store) ExecutorOption {
	return func(e *Executor) {
		e.store = store
	}
}

func WithMetrics(metrics *Metrics) ExecutorOption {
	return func(e *Executor) {
		e.metrics = metrics
	}
}

// WithExecutionTimeout bounds the duration of every single execution.
func WithExecutionTimeout(timeout time.Duration) ExecutorOption {
	return func(e *Executor) {
		e.executionTimeout = timeout
	}
}

func WithClock(now func() time.Time) ExecutorOption {
	return func(e *Executor) {
		e.now = now
	}
}

// Executor runs a workflow once per execution request on a bounded pool of workers.
// An Executor can be run only once.
type Executor struct {
	workflow         *Workflow
	requests         []ExecutionRequest
	executionNames   []string
	names            []string
	batchID          string
	batchName        string
	logsFolder       string
	saveLogs         bool
	logLevel         logrus.Level
	executionTimeout time.Duration
	store            storage.Store
	metrics          *Metrics
	logger           Logger
	now              func() time.Time
	createdAt        time.Time
	reportFolder     string

	mu         sync.RWMutex
	status     models.BatchStatus
	workers    int
	finishedAt time.Time
	results    []models.Execution
	logs       []*ExecutionLog
}

func NewExecutor(workflow *Workflow, requests []ExecutionRequest, opts ...ExecutorOption) (*Executor, error) {
	if workflow == nil {
		return nil, newConfigurationError("workflow", "workflow is nil")
	}
	if len(requests) == 0 {
		return nil, newConfigurationError("requests", "at least one execution request is required")
	}

	e := &Executor{
		workflow:   workflow,
		requests:   requests,
		batchID:    uuid.New().String(),
		logsFolder: ".",
		logLevel:   logrus.DebugLevel,
		logger:     nopLogger{},
		now:        time.Now,
		status:     models.PendingBatchStatus,
	}
	for _, opt := range opts {
		opt(e)
	}

	if e.executionNames != nil && len(e.executionNames) != len(requests) {
		return nil, newConfigurationError("execution names", "got %d names for %d execution requests", len(e.executionNames), len(requests))
	}
	for i, req := range requests {
		for name := range req.Kwargs {
			if _, ok := workflow.Node(name); !ok {
				return nil, newConfigurationError("requests", "execution request %d references unknown task '%s'", i, name)
			}
		}
	}

	e.names = e.resolveNames()
	e.createdAt = e.now()
	if e.batchName == "" {
		e.batchName = "batch-" + e.createdAt.Format(reportFolderLayout)
	}
	e.reportFolder = filepath.Join(e.logsFolder, "execution-report-"+e.createdAt.Format(reportFolderLayout))
	return e, nil
}

// resolveNames picks a label per execution: the given name, or the index when a name
// is empty. When two labels would collide, including after file name sanitising,
// every execution falls back to its index.
func (e *Executor) resolveNames() []string {
	names := make([]string, len(e.requests))
	seen := make(map[string]struct{}, len(e.requests))
	unique := true
	for i, req := range e.requests {
		name := req.Name
		if e.executionNames != nil && e.executionNames[i] != "" {
			name = e.executionNames[i]
		}
		if name == "" {
			name = strconv.Itoa(i)
		}
		key := logFileName(name)
		if _, ok := seen[key]; ok {
			unique = false
		}
		seen[key] = struct{}{}
		names[i] = name
	}
	if !unique {
		for i := range names {
			names[i] = strconv.Itoa(i)
		}
	}
	return names
}

// Run executes every request and blocks until all of them finished. Results are
// returned in request order whatever the number of workers. Failing tasks never make
// Run fail; they are recorded on the execution they aborted.
func (e *Executor) Run(ctx context.Context, workers int) ([]models.Execution, error) {
	if workers <= 0 {
		return nil, newConfigurationError("workers", "worker count must be positive, got %d", workers)
	}
	e.mu.Lock()
	if e.status != models.PendingBatchStatus {
		status := e.status
		e.mu.Unlock()
		return nil, errors.WithStack(&StateError{Op: "run", State: string(status)})
	}
	e.status = models.RunningBatchStatus
	e.workers = workers
	e.mu.Unlock()

	e.logger.Infof("Starting batch %s: %d executions on %d workers", e.batchID, len(e.requests), workers)
	if e.store != nil {
		if err := e.register(); err != nil {
			e.logger.Errorf("Failed to register batch %s: %v", e.batchID, err)
		}
	}

	results := make([]models.Execution, len(e.requests))
	logs := make([]*ExecutionLog, len(e.requests))
	pool := NewWorkerPool(ctx, func(ctx context.Context, job executionJob) {
		i := int(job)
		results[i], logs[i] = e.runExecution(ctx, i)
	}, e.metrics, e.logger)
	pool.Start(workers)
	for i := range e.requests {
		pool.Submit(executionJob(i))
	}
	pool.Stop()

	status := models.CompletedBatchStatus
	for i := range results {
		if results[i].Status == "" {
			results[i] = e.lostExecution(i)
		}
		if results[i].Status == models.FailedExecutionStatus {
			status = models.CompletedWithFailuresBatchStatus
		}
	}

	e.mu.Lock()
	e.results = results
	e.logs = logs
	e.status = status
	e.finishedAt = e.now()
	e.mu.Unlock()

	e.logger.Infof("Finished batch %s with status %s", e.batchID, status)
	if e.store != nil {
		if err := e.persist(); err != nil {
			e.logger.Errorf("Failed to persist batch %s: %v", e.batchID, err)
		}
	}
	return e.Results(), nil
}

// runExecution traverses the workflow once for request i.
func (e *Executor) runExecution(ctx context.Context, i int) (models.Execution, *ExecutionLog) {
	name := e.names[i]
	execLog := newExecutionLog(e.batchID, i, name, e.logLevel)
	logger := execLog.Logger()

	if e.executionTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.executionTimeout)
		defer cancel()
	}
	ctx = ContextWithLogger(ctx, logger)

	rc := newRunContext(e.workflow, e.requests[i].Kwargs, logger)
	rc.now = e.now

	started := e.now()
	logger.Infof("Starting execution %s", name)
	_, err := rc.run(ctx)
	finished := e.now()

	result := models.Execution{
		BatchID:    e.batchID,
		Index:      i,
		Name:       name,
		Status:     models.SuccessExecutionStatus,
		StartedAt:  started,
		FinishedAt: finished,
		Duration:   finished.Sub(started),
		Tasks:      rc.taskRunsSnapshot(),
	}
	for j := range result.Tasks {
		result.Tasks[j].BatchID = e.batchID
		result.Tasks[j].ExecutionIndex = i
	}
	if err != nil {
		result.Status = models.FailedExecutionStatus
		var taskErr *TaskExecutionError
		if errors.As(err, &taskErr) {
			result.FailedTask = taskErr.Task
			result.Error = taskErr.Err.Error()
			result.Stack = taskErr.Stack
		} else {
			result.Error = err.Error()
		}
		logger.Errorf("Execution %s failed: %v", name, err)
		e.logger.Errorf("Execution %s failed at task %s: %s", name, result.FailedTask, result.Error)
	} else {
		logger.Infof("Execution %s finished in %s", name, result.Duration)
	}

	if e.saveLogs {
		path := e.logPath(name)
		if err := execLog.Persist(path); err != nil {
			e.logger.Errorf("Failed to save log of execution %s: %v", name, err)
		} else {
			result.LogPath = path
		}
	}
	e.metrics.observe(result)
	return result, execLog
}

// lostExecution stands in for an execution whose worker crashed outside of any task.
func (e *Executor) lostExecution(i int) models.Execution {
	now := e.now()
	return models.Execution{
		BatchID:    e.batchID,
		Index:      i,
		Name:       e.names[i],
		Status:     models.FailedExecutionStatus,
		StartedAt:  now,
		FinishedAt: now,
		Error:      "execution did not report a result",
	}
}

func (e *Executor) logPath(name string) string {
	return filepath.Join(e.reportFolder, "logs", logFileName(name))
}

// inTx runs fn inside a store transaction, committing when fn succeeds.
func (e *Executor) inTx(fn func(txStore storage.Store) error) (err error) {
	txStore, err := e.store.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %v", err)
	}
	defer func() {
		if err != nil {
			if rollbackErr := txStore.Rollback(); rollbackErr != nil {
				e.logger.Errorf("Failed to rollback after error: %v (original error: %v)", rollbackErr, err)
			}
			return
		}
		if commitErr := txStore.Commit(); commitErr != nil {
			e.logger.Errorf("Failed to commit: %v", commitErr)
			err = commitErr
		}
	}()
	return fn(txStore)
}

// register records the batch as running so readers can see it before it finishes.
func (e *Executor) register() error {
	return e.inTx(func(txStore storage.Store) error {
		batch := e.Batch()
		return errors.Wrapf(txStore.SaveBatch(batch), "failed to save batch %s", batch.ID)
	})
}

// persist saves the outcome of the finished batch in a single transaction.
func (e *Executor) persist() error {
	return e.inTx(func(txStore storage.Store) error {
		batch := e.Batch()
		err := txStore.UpdateBatchStatus(batch.ID, batch.Status)
		if errors.Is(err, storage.ErrNotFound) {
			err = txStore.SaveBatch(batch)
		}
		if err != nil {
			return errors.Wrapf(err, "failed to save batch %s", batch.ID)
		}
		for _, execution := range batch.Executions {
			if err := txStore.SaveExecution(execution); err != nil {
				return errors.Wrapf(err, "failed to save execution %d", execution.Index)
			}
			for _, run := range execution.Tasks {
				if err := txStore.SaveTaskRun(run); err != nil {
					return errors.Wrapf(err, "failed to save task %s of execution %d", run.Task, execution.Index)
				}
			}
		}
		for _, execLog := range e.logs {
			if execLog == nil {
				continue
			}
			for _, record := range execLog.Records() {
				if err := txStore.SaveExecutionLog(record); err != nil {
					return errors.Wrapf(err, "failed to save log of execution %d", record.ExecutionIndex)
				}
			}
		}
		e.logger.Infof("Persisted batch %s with %d executions", batch.ID, len(batch.Executions))
		return nil
	})
}

// Results returns a copy of the recorded executions, nil before Run.
func (e *Executor) Results() []models.Execution {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.results == nil {
		return nil
	}
	results := make([]models.Execution, len(e.results))
	for i, r := range e.results {
		r.Tasks = append([]models.TaskRun(nil), r.Tasks...)
		results[i] = r
	}
	return results
}

func (e *Executor) Status() models.BatchStatus {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.status
}

func (e *Executor) BatchID() string {
	return e.batchID
}

// ExecutionNames returns the resolved execution labels in request order.
func (e *Executor) ExecutionNames() []string {
	return append([]string(nil), e.names...)
}

// ExecutionLogText returns the captured log of execution i, empty before Run.
func (e *Executor) ExecutionLogText(i int) string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if i < 0 || i >= len(e.logs) || e.logs[i] == nil {
		return ""
	}
	return e.logs[i].Text()
}

// ReportFolder is the folder holding the report and, when saved, the execution logs.
func (e *Executor) ReportFolder() string {
	return e.reportFolder
}

// GetReportFilename returns where MakeReport writes the report. The path is fixed
// when the executor is created and is only unique per second within a logs folder.
func (e *Executor) GetReportFilename() string {
	return filepath.Join(e.reportFolder, reportFileName)
}

// Batch describes the executor and, after Run, its results.
func (e *Executor) Batch() models.Batch {
	e.mu.RLock()
	status, workers, finishedAt := e.status, e.workers, e.finishedAt
	e.mu.RUnlock()
	updatedAt := e.createdAt
	if !finishedAt.IsZero() {
		updatedAt = finishedAt
	}
	return models.Batch{
		ID:           e.batchID,
		Name:         e.batchName,
		Status:       status,
		Workers:      workers,
		ReportPath:   e.GetReportFilename(),
		CreatedAt:    e.createdAt,
		UpdatedAt:    updatedAt,
		Executions:   e.Results(),
		TaskOrder:    e.workflow.Order(),
		Dependencies: e.workflow.Edges(),
	}
}

// MakeReport writes the HTML report to GetReportFilename. It fails with a
// *StateError until Run has completed.
func (e *Executor) MakeReport() error {
	status := e.Status()
	if status != models.CompletedBatchStatus && status != models.CompletedWithFailuresBatchStatus {
		return errors.WithStack(&StateError{Op: "make a report", State: string(status)})
	}

	batch := e.Batch()
	logs := make(map[int]string, len(batch.Executions))
	for _, execution := range batch.Executions {
		if execution.LogPath == "" {
			logs[execution.Index] = e.ExecutionLogText(execution.Index)
		}
	}
	if err := report.New(batch, logs).WriteFile(e.GetReportFilename()); err != nil {
		return errors.Wrap(err, "failed to write report")
	}
	e.logger.Infof("Report of batch %s written to %s", e.batchID, e.GetReportFilename())
	return nil
}

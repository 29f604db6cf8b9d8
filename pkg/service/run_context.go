package service

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/ignatij/taskflow/pkg/models"
	"github.com/sirupsen/logrus"
)

// delay between attempts of a task configured with retries
const retryDelay = 100 * time.Millisecond

// runContext is a single traversal of a workflow. It is owned by one goroutine.
type runContext struct {
	workflow  *Workflow
	kwargs    map[string]Kwargs
	logger    logrus.FieldLogger
	now       func() time.Time
	outputs   map[string]TaskResult
	remaining map[string]int // consumers still waiting for an output
	taskRuns  []models.TaskRun
}

func newRunContext(w *Workflow, kwargs map[string]Kwargs, logger logrus.FieldLogger) *runContext {
	remaining := make(map[string]int, len(w.consumers))
	for name, n := range w.consumers {
		remaining[name] = n
	}
	return &runContext{
		workflow:  w,
		kwargs:    kwargs,
		logger:    logger,
		now:       time.Now,
		outputs:   make(map[string]TaskResult),
		remaining: remaining,
	}
}

// run visits every task in the workflow order and stops at the first failure,
// which is returned as a *TaskExecutionError.
func (rc *runContext) run(ctx context.Context) (WorkflowResults, error) {
	for pos, node := range rc.workflow.order {
		if err := ctx.Err(); err != nil {
			rc.logger.Errorf("Execution interrupted before task %s: %v", node.name, err)
			rc.skipFrom(pos)
			return nil, &TaskExecutionError{Task: node.name, Err: err}
		}

		args := make([]TaskResult, len(node.inputs))
		for i, input := range node.inputs {
			args[i] = rc.outputs[input]
		}
		rc.release(node.inputs)

		started := rc.now()
		result, attempts, err := rc.invoke(ctx, node, args)
		run := models.TaskRun{
			Position:  pos,
			Task:      node.name,
			Status:    models.CompletedTaskStatus,
			Attempts:  attempts,
			StartedAt: &started,
			Duration:  rc.now().Sub(started),
		}
		if err != nil {
			run.Status = models.FailedTaskStatus
			run.ErrorMsg = err.Error()
			rc.taskRuns = append(rc.taskRuns, run)
			rc.logger.Errorf("Task %s failed after %d attempt(s): %v", node.name, attempts, err)
			rc.skipFrom(pos + 1)
			return nil, &TaskExecutionError{Task: node.name, Err: err, Stack: stackOf(err)}
		}
		rc.taskRuns = append(rc.taskRuns, run)
		rc.logger.Debugf("Task %s completed in %s", node.name, run.Duration)

		if rc.remaining[node.name] > 0 || len(rc.workflow.dependents[node.name]) == 0 {
			rc.outputs[node.name] = result
		}
	}

	results := make(WorkflowResults)
	for _, name := range rc.workflow.Sinks() {
		results[name] = rc.outputs[name]
	}
	return results, nil
}

// release drops outputs whose last consumer has just read them.
func (rc *runContext) release(inputs []string) {
	for _, input := range inputs {
		rc.remaining[input]--
		if rc.remaining[input] == 0 {
			delete(rc.outputs, input)
		}
	}
}

func (rc *runContext) skipFrom(pos int) {
	for i := pos; i < len(rc.workflow.order); i++ {
		rc.taskRuns = append(rc.taskRuns, models.TaskRun{
			Position: i,
			Task:     rc.workflow.order[i].name,
			Status:   models.SkippedTaskStatus,
		})
	}
}

// invoke calls the task, retrying on failure as configured on the node. Every
// attempt gets a fresh copy of the task's kwargs.
// It returns the number of attempts made.
func (rc *runContext) invoke(ctx context.Context, node *TaskNode, args []TaskResult) (TaskResult, int, error) {
	taskCtx := ContextWithLogger(ctx, rc.logger.WithField("task", node.name))

	var result TaskResult
	var err error
	var attempt int
	for attempt = 1; attempt <= node.config.Retries+1; attempt++ {
		rc.logger.Debugf("Starting task %s attempt %d", node.name, attempt)
		result, err = rc.attempt(taskCtx, node, rc.kwargs[node.name].Clone(), args)
		if err == nil {
			return result, attempt, nil
		}
		if attempt <= node.config.Retries && ctx.Err() == nil {
			rc.logger.Infof("Retrying task %s (attempt %d/%d): %v", node.name, attempt, node.config.Retries+1, err)
			select {
			case <-time.After(retryDelay):
			case <-ctx.Done():
			}
			continue
		}
		break
	}
	return nil, attempt, err
}

// attempt runs the task once. Without a timeout the call is synchronous, otherwise the
// task runs in its own goroutine and is abandoned when its deadline passes.
func (rc *runContext) attempt(ctx context.Context, node *TaskNode, kwargs Kwargs, args []TaskResult) (TaskResult, error) {
	if node.config.Timeout == nil {
		return safeExecute(ctx, node.task, kwargs, args)
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, *node.config.Timeout)
	defer cancel()

	resultCh := make(chan struct {
		res TaskResult
		err error
	}, 1)
	go func() {
		res, err := safeExecute(timeoutCtx, node.task, kwargs, args)
		resultCh <- struct {
			res TaskResult
			err error
		}{res, err}
	}()

	select {
	case r := <-resultCh:
		return r.res, r.err
	case <-timeoutCtx.Done():
		return nil, fmt.Errorf("task %s timed out after %s: %w", node.name, *node.config.Timeout, timeoutCtx.Err())
	}
}

// safeExecute turns a panicking task into an ordinary failure.
func safeExecute(ctx context.Context, task Task, kwargs Kwargs, args []TaskResult) (result TaskResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			result = nil
			err = &panicError{value: r, stack: string(debug.Stack())}
		}
	}()
	return task.Execute(ctx, kwargs, args...)
}

func (rc *runContext) taskRunsSnapshot() []models.TaskRun {
	return append([]models.TaskRun(nil), rc.taskRuns...)
}

package service

import (
	"context"

	"github.com/ignatij/taskflow/pkg/models"
)

// TaskResult represents the output of a task
type TaskResult interface{}

// Kwargs is the keyword argument bundle handed to a single task for one execution.
// Values are opaque to the executor.
type Kwargs map[string]interface{}

// Clone returns a shallow copy, never nil.
func (k Kwargs) Clone() Kwargs {
	c := make(Kwargs, len(k))
	for key, v := range k {
		c[key] = v
	}
	return c
}

// Task is a unit of work. The outputs of its declared inputs are passed positionally
// in declaration order. A Task may be invoked concurrently by different executions,
// so implementations must be stateless or synchronize internally.
type Task interface {
	Execute(ctx context.Context, kwargs Kwargs, args ...TaskResult) (TaskResult, error)
}

// TaskFunc lets ordinary functions act as tasks.
type TaskFunc func(ctx context.Context, kwargs Kwargs, args ...TaskResult) (TaskResult, error)

func (f TaskFunc) Execute(ctx context.Context, kwargs Kwargs, args ...TaskResult) (TaskResult, error) {
	return f(ctx, kwargs, args...)
}

// WrapTaskFunc adapts a function that needs neither context nor kwargs.
func WrapTaskFunc(fn func(args ...TaskResult) (TaskResult, error)) TaskFunc {
	return func(ctx context.Context, kwargs Kwargs, args ...TaskResult) (TaskResult, error) {
		return fn(args...)
	}
}

// Dependency is one workflow entry: a named task and the ordered names of the
// tasks whose outputs it consumes. An entry without inputs is a source task.
type Dependency struct {
	Name    string
	Task    Task
	Inputs  []string
	Options []models.TaskOption
}

// TaskNode is a task placed in a workflow. It is immutable once the workflow is built.
type TaskNode struct {
	name     string
	task     Task
	inputs   []string
	config   models.TaskConfig
	declared int // position in the entry list
}

func (n *TaskNode) Name() string {
	return n.name
}

func (n *TaskNode) Task() Task {
	return n.task
}

// Inputs returns the ordered input task names, duplicates included.
func (n *TaskNode) Inputs() []string {
	inputs := make([]string, len(n.inputs))
	copy(inputs, n.inputs)
	return inputs
}

func (n *TaskNode) Config() models.TaskConfig {
	return n.config
}

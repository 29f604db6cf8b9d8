package service

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// GraphError is returned when a workflow cannot be built from its entries.
type GraphError struct {
	Task  string   // Task the problem was found on
	Cycle []string // Tasks forming a cycle, first task repeated at the end
	msg   string
}

func (e *GraphError) Error() string {
	if len(e.Cycle) > 0 {
		return fmt.Sprintf("graph error: cycle detected: %s", strings.Join(e.Cycle, " -> "))
	}
	return "graph error: " + e.msg
}

func newGraphError(task, format string, args ...interface{}) error {
	return errors.WithStack(&GraphError{Task: task, msg: fmt.Sprintf(format, args...)})
}

func newCycleError(cycle []string) error {
	return errors.WithStack(&GraphError{Task: cycle[0], Cycle: cycle})
}

// TaskExecutionError wraps the failure of a single task invocation.
type TaskExecutionError struct {
	Task  string
	Err   error
	Stack string
}

func (e *TaskExecutionError) Error() string {
	return fmt.Sprintf("task '%s' failed: %v", e.Task, e.Err)
}

func (e *TaskExecutionError) Unwrap() error {
	return e.Err
}

// StateError is returned when an operation is invoked out of order.
type StateError struct {
	Op    string
	State string
}

func (e *StateError) Error() string {
	return fmt.Sprintf("state error: cannot %s while executor is %s", e.Op, e.State)
}

// ConfigurationError reports invalid executor input.
type ConfigurationError struct {
	Field string
	msg   string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration error: %s: %s", e.Field, e.msg)
}

func newConfigurationError(field, format string, args ...interface{}) error {
	return errors.WithStack(&ConfigurationError{Field: field, msg: fmt.Sprintf(format, args...)})
}

// panicError carries a recovered task panic together with the goroutine stack.
type panicError struct {
	value interface{}
	stack string
}

func (e *panicError) Error() string {
	return fmt.Sprintf("panic: %v", e.value)
}

type stackTracer interface {
	StackTrace() errors.StackTrace
}

// stackOf returns the best available stack summary for err.
func stackOf(err error) string {
	var p *panicError
	if errors.As(err, &p) {
		return p.stack
	}
	var st stackTracer
	if errors.As(err, &st) {
		return strings.TrimPrefix(fmt.Sprintf("%+v", st.StackTrace()), "\n")
	}
	return ""
}

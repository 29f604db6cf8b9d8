// Package service builds task workflows and runs them over batches of execution
// requests.
//
// A Workflow is built once from a list of Dependency entries and is immutable
// afterwards. An Executor runs the workflow once per ExecutionRequest on a bounded
// pool of workers, captures the log of every execution separately and records one
// models.Execution per request, in request order.
package service

// Logger defines the logging interface used by the executor for process level messages.
// Messages emitted by tasks go to the per-execution logger instead, see LoggerFromContext.
type Logger interface {
	Infof(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

type nopLogger struct{}

func (nopLogger) Infof(format string, args ...interface{})  {}
func (nopLogger) Errorf(format string, args ...interface{}) {}

package service

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"

	"github.com/ignatij/taskflow/internal/log"
	"github.com/ignatij/taskflow/pkg/models"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

type loggerKey struct{}

// ContextWithLogger returns a context carrying the logger tasks should write to.
func ContextWithLogger(ctx context.Context, logger logrus.FieldLogger) context.Context {
	return context.WithValue(ctx, loggerKey{}, logger)
}

// LoggerFromContext returns the logger of the execution the context belongs to,
// or the process logger outside of an execution.
func LoggerFromContext(ctx context.Context) logrus.FieldLogger {
	if logger, ok := ctx.Value(loggerKey{}).(logrus.FieldLogger); ok {
		return logger
	}
	return log.GetLogger()
}

// ExecutionLog captures everything logged during one execution. Each execution owns
// its own logger, so records of concurrent executions never interleave.
type ExecutionLog struct {
	batchID string
	index   int
	name    string
	logger  *logrus.Logger
	entry   *logrus.Entry

	mu      sync.Mutex
	buf     bytes.Buffer
	records []models.ExecutionLog
}

func newExecutionLog(batchID string, index int, name string, level logrus.Level) *ExecutionLog {
	el := &ExecutionLog{batchID: batchID, index: index, name: name}
	logger := logrus.New()
	logger.SetOutput(&logWriter{el: el})
	logger.SetLevel(level)
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
		DisableColors: true,
	})
	logger.AddHook(el)
	el.logger = logger
	el.entry = logger.WithField("execution", name)
	return el
}

// Logger returns the logger tasks of this execution write to.
func (el *ExecutionLog) Logger() logrus.FieldLogger {
	return el.entry
}

// Text returns the formatted log written so far.
func (el *ExecutionLog) Text() string {
	el.mu.Lock()
	defer el.mu.Unlock()
	return el.buf.String()
}

// Records returns the structured log records captured so far.
func (el *ExecutionLog) Records() []models.ExecutionLog {
	el.mu.Lock()
	defer el.mu.Unlock()
	return append([]models.ExecutionLog(nil), el.records...)
}

func (el *ExecutionLog) Levels() []logrus.Level {
	return logrus.AllLevels
}

// Fire implements logrus.Hook
func (el *ExecutionLog) Fire(entry *logrus.Entry) error {
	record := models.ExecutionLog{
		BatchID:        el.batchID,
		ExecutionIndex: el.index,
		Level:          entry.Level.String(),
		Message:        entry.Message,
		LoggedAt:       entry.Time,
	}
	for k, v := range entry.Data {
		if k == "execution" {
			continue
		}
		if record.Fields == nil {
			record.Fields = make(map[string]string)
		}
		record.Fields[k] = fmt.Sprint(v)
	}
	el.mu.Lock()
	el.records = append(el.records, record)
	el.mu.Unlock()
	return nil
}

// Persist writes the log to path. The file is written to a temporary name in the
// same folder first and renamed, so readers never see a partial log.
func (el *ExecutionLog) Persist(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrapf(err, "failed to create log folder %s", dir)
	}
	tmp, err := os.CreateTemp(dir, ".execution-*.tmp")
	if err != nil {
		return errors.Wrap(err, "failed to create temporary log file")
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.WriteString(el.Text()); err != nil {
		tmp.Close()
		return errors.Wrapf(err, "failed to write log of execution %s", el.name)
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrapf(err, "failed to close log of execution %s", el.name)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return errors.Wrapf(err, "failed to move log of execution %s into place", el.name)
	}
	return nil
}

type logWriter struct {
	el *ExecutionLog
}

func (w *logWriter) Write(p []byte) (int, error) {
	w.el.mu.Lock()
	defer w.el.mu.Unlock()
	return w.el.buf.Write(p)
}

var unsafeFileChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// logFileName derives the file name of an execution log from the execution name.
func logFileName(name string) string {
	return fmt.Sprintf("execution-%s.log", unsafeFileChars.ReplaceAllString(name, "_"))
}

// formatRecords renders stored log records in the layout of the execution logger.
func formatRecords(records []models.ExecutionLog) string {
	formatter := &logrus.TextFormatter{FullTimestamp: true, DisableColors: true}
	var buf bytes.Buffer
	for _, r := range records {
		level, err := logrus.ParseLevel(r.Level)
		if err != nil {
			level = logrus.InfoLevel
		}
		data := make(logrus.Fields, len(r.Fields))
		for k, v := range r.Fields {
			data[k] = v
		}
		entry := &logrus.Entry{Data: data, Time: r.LoggedAt, Level: level, Message: r.Message}
		line, err := formatter.Format(entry)
		if err != nil {
			continue
		}
		buf.Write(line)
	}
	return buf.String()
}

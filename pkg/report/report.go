// Package report renders a finished batch as a single HTML page.
package report

import (
	"bytes"
	"embed"
	"html/template"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/ignatij/taskflow/pkg/models"
	"github.com/pkg/errors"
)

//go:embed templates/report.html.tmpl
var templateFS embed.FS

var reportTemplate = template.Must(template.New("report.html.tmpl").Funcs(template.FuncMap{
	"duration": formatDuration,
	"time": func(t time.Time) string {
		if t.IsZero() {
			return "-"
		}
		return t.Format("2006-01-02 15:04:05")
	},
}).ParseFS(templateFS, "templates/report.html.tmpl"))

// Reporter renders one batch. Logs holds the text of logs that were not saved to
// files, keyed by execution index; they are embedded in the page.
type Reporter struct {
	batch   models.Batch
	logs    map[int]string
	baseDir string
}

func New(batch models.Batch, logs map[int]string) *Reporter {
	return &Reporter{batch: batch, logs: logs}
}

type executionView struct {
	models.Execution
	Failed  bool
	LogLink string
	LogText string
}

type reportView struct {
	Batch      models.Batch
	Executions []executionView
	Succeeded  int
	Failed     int
	Total      time.Duration
}

func (r *Reporter) view() reportView {
	v := reportView{Batch: r.batch}
	var first, last time.Time
	for _, e := range r.batch.Executions {
		ev := executionView{
			Execution: e,
			Failed:    e.Status != models.SuccessExecutionStatus,
			LogText:   r.logs[e.Index],
		}
		if e.LogPath != "" {
			ev.LogLink = r.relative(e.LogPath)
		}
		if ev.Failed {
			v.Failed++
		} else {
			v.Succeeded++
		}
		if first.IsZero() || e.StartedAt.Before(first) {
			first = e.StartedAt
		}
		if e.FinishedAt.After(last) {
			last = e.FinishedAt
		}
		v.Executions = append(v.Executions, ev)
	}
	if !first.IsZero() {
		v.Total = last.Sub(first)
	}
	return v
}

func (r *Reporter) relative(path string) string {
	if r.baseDir == "" {
		return filepath.ToSlash(path)
	}
	rel, err := filepath.Rel(r.baseDir, path)
	if err != nil {
		return filepath.ToSlash(path)
	}
	return filepath.ToSlash(rel)
}

// Render writes the report to w. Executions appear in the order of the batch.
func (r *Reporter) Render(w io.Writer) error {
	return reportTemplate.Execute(w, r.view())
}

// WriteFile renders the report to path, creating missing folders. Log links are
// made relative to the report folder.
func (r *Reporter) WriteFile(path string) error {
	r.baseDir = filepath.Dir(path)
	var buf bytes.Buffer
	if err := r.Render(&buf); err != nil {
		return errors.Wrap(err, "failed to render report")
	}
	if err := os.MkdirAll(r.baseDir, 0o755); err != nil {
		return errors.Wrapf(err, "failed to create report folder %s", r.baseDir)
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		return errors.Wrapf(err, "failed to write report %s", path)
	}
	return nil
}

func formatDuration(d time.Duration) string {
	switch {
	case d < time.Millisecond:
		return d.String()
	case d < time.Second:
		return d.Round(time.Microsecond).String()
	default:
		return d.Round(time.Millisecond).String()
	}
}

package report_test

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ignatij/taskflow/pkg/models"
	"github.com/ignatij/taskflow/pkg/report"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleBatch(dir string) models.Batch {
	start := time.Date(2024, 3, 5, 14, 7, 9, 0, time.UTC)
	started := start
	return models.Batch{
		ID:           "b-1",
		Name:         "ndvi-2019",
		Status:       models.CompletedWithFailuresBatchStatus,
		Workers:      2,
		CreatedAt:    start,
		TaskOrder:    []string{"load", "save"},
		Dependencies: []models.TaskEdge{{Task: "load"}, {Task: "save", Inputs: []string{"load"}}},
		Executions: []models.Execution{
			{
				Index:      0,
				Name:       "north",
				Status:     models.SuccessExecutionStatus,
				StartedAt:  start,
				FinishedAt: start.Add(2 * time.Second),
				Duration:   2 * time.Second,
				LogPath:    filepath.Join(dir, "logs", "execution-north.log"),
				Tasks: []models.TaskRun{
					{Position: 0, Task: "load", Status: models.CompletedTaskStatus, Attempts: 1, StartedAt: &started},
					{Position: 1, Task: "save", Status: models.CompletedTaskStatus, Attempts: 1, StartedAt: &started},
				},
			},
			{
				Index:      1,
				Name:       "<south>",
				Status:     models.FailedExecutionStatus,
				StartedAt:  start.Add(time.Second),
				FinishedAt: start.Add(3 * time.Second),
				Duration:   2 * time.Second,
				FailedTask: "load",
				Error:      "file not found",
				Stack:      "main.load\n\tload.go:12",
				Tasks: []models.TaskRun{
					{Position: 0, Task: "load", Status: models.FailedTaskStatus, Attempts: 1, StartedAt: &started, ErrorMsg: "file not found"},
					{Position: 1, Task: "save", Status: models.SkippedTaskStatus},
				},
			},
		},
	}
}

func TestRender(t *testing.T) {
	var buf bytes.Buffer
	err := report.New(sampleBatch("/runs/r1"), map[int]string{1: "level=info msg=loading"}).Render(&buf)
	require.NoError(t, err)
	html := buf.String()

	assert.Contains(t, html, "ndvi-2019 (b-1)")
	assert.Contains(t, html, "COMPLETED_WITH_FAILURES")
	assert.Contains(t, html, "2 (1 succeeded, 1 failed)")
	assert.Contains(t, html, "<td>3s</td>", "total time spans first start to last finish")
	assert.Contains(t, html, "<li>load</li>")
	assert.Contains(t, html, "<td>save</td><td>load</td>")

	north := strings.Index(html, `<section id="execution-0" class="success">`)
	south := strings.Index(html, `<section id="execution-1" class="failed">`)
	require.NotEqual(t, -1, north)
	require.NotEqual(t, -1, south)
	assert.Less(t, north, south)

	assert.Contains(t, html, "&lt;south&gt;", "names are escaped")
	assert.NotContains(t, html, "<south>")
	assert.Contains(t, html, "Failed task: <b>load</b>")
	assert.Contains(t, html, "file not found")
	assert.Contains(t, html, "load.go:12")
	assert.Contains(t, html, "SKIPPED")
	assert.Contains(t, html, "level=info msg=loading")
	assert.Contains(t, html, "/runs/r1/logs/execution-north.log")
}

func TestWriteFile(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "execution-report-2024_03_05-14_07_09")
	path := filepath.Join(dir, "report.html")

	require.NoError(t, report.New(sampleBatch(dir), nil).WriteFile(path))

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	html := string(content)
	assert.Contains(t, html, `href="logs/execution-north.log"`)
	assert.Equal(t, 2, strings.Count(html, "<section id=\"execution-"))
}

func TestRender_EmptyBatch(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, report.New(models.Batch{Name: "empty", Status: models.PendingBatchStatus}, nil).Render(&buf))
	assert.Contains(t, buf.String(), "0 (0 succeeded, 0 failed)")
	assert.NotContains(t, buf.String(), "<section")
}

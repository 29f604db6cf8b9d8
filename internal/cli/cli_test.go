package cli

import (
	"bytes"
	"context"
	"os"
	"strings"
	"testing"

	"github.com/ignatij/taskflow/internal/log"
	"github.com/ignatij/taskflow/pkg/service"
	"github.com/ignatij/taskflow/pkg/storage"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunDemo(t *testing.T) {
	store := storage.NewMockStore()
	metrics, err := service.NewMetrics(prometheus.NewRegistry())
	require.NoError(t, err)

	var out bytes.Buffer
	opts := demoOptions{LogsFolder: t.TempDir(), Workers: 3, Executions: 8, FailEvery: 4, SaveLogs: true}
	require.NoError(t, runDemo(context.Background(), &out, opts, store, metrics))
	assert.Contains(t, out.String(), "COMPLETED_WITH_FAILURES: 8 executions, 2 failed")

	svc := service.NewBatchService(store, log.GetLogger())
	batches, err := svc.ListBatches()
	require.NoError(t, err)
	require.Len(t, batches, 1)

	batch, err := svc.GetBatch(batches[0].ID)
	require.NoError(t, err)
	require.Len(t, batch.Executions, 8)
	for i, e := range batch.Executions {
		if (i+1)%4 == 0 {
			assert.Equal(t, "sample", e.FailedTask, "execution %d", i)
			assert.Contains(t, e.Error, "invalid sample size")
		} else {
			assert.True(t, e.Succeeded(), "execution %d: %s", i, e.Error)
		}
	}
	_, err = os.Stat(batch.ReportPath)
	assert.NoError(t, err)

	var listing bytes.Buffer
	require.NoError(t, listBatches(&listing, svc))
	assert.Contains(t, listing.String(), "Name: demo, Status: COMPLETED_WITH_FAILURES, Workers: 3")

	var details bytes.Buffer
	require.NoError(t, showBatch(&details, svc, batch.ID))
	lines := strings.Split(strings.TrimSpace(details.String()), "\n")
	assert.Contains(t, lines[0], "8 executions, 2 failed")
	assert.Contains(t, details.String(), "- [3] series-3: FAILED")
	assert.Contains(t, details.String(), "task sample failed: invalid sample size 0")
}

func TestRunDemo_Errors(t *testing.T) {
	var out bytes.Buffer
	err := runDemo(context.Background(), &out, demoOptions{LogsFolder: t.TempDir(), Workers: 2}, nil, nil)
	var cfgErr *service.ConfigurationError
	assert.ErrorAs(t, err, &cfgErr, "no executions")

	err = runDemo(context.Background(), &out, demoOptions{LogsFolder: t.TempDir(), Executions: 2}, nil, nil)
	assert.ErrorAs(t, err, &cfgErr, "no workers")
}

func TestListBatches_Empty(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, listBatches(&out, service.NewBatchService(storage.NewMockStore(), log.GetLogger())))
	assert.Equal(t, "No batches found.\n", out.String())
}

func TestShowBatch_NotFound(t *testing.T) {
	var out bytes.Buffer
	err := showBatch(&out, service.NewBatchService(storage.NewMockStore(), log.GetLogger()), "missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestSetupCLI(t *testing.T) {
	root := &cobra.Command{Use: "taskflow"}
	SetupCLI(root)

	var names []string
	for _, c := range root.Commands() {
		names = append(names, c.Name())
	}
	assert.ElementsMatch(t, []string{"list", "show", "report", "serve", "demo"}, names)
	for _, flag := range []string{"config", "db", "log-level"} {
		assert.NotNil(t, root.PersistentFlags().Lookup(flag), flag)
	}
}

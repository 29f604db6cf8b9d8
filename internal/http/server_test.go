package http_test

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	internal_http "github.com/ignatij/taskflow/internal/http"
	"github.com/ignatij/taskflow/internal/log"
	internal_storage "github.com/ignatij/taskflow/internal/storage"
	"github.com/ignatij/taskflow/internal/testutil"
	"github.com/ignatij/taskflow/pkg/models"
	"github.com/ignatij/taskflow/pkg/service"
	"github.com/ignatij/taskflow/pkg/storage"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// runBatch executes a two task workflow over three requests; the last one fails.
func runBatch(t *testing.T, store storage.Store, reg prometheus.Registerer) *service.Executor {
	t.Helper()
	load := service.TaskFunc(func(ctx context.Context, kwargs service.Kwargs, args ...service.TaskResult) (service.TaskResult, error) {
		service.LoggerFromContext(ctx).Infof("loading %v", kwargs["tile"])
		if kwargs["tile"] == "broken" {
			return nil, errors.New("tile is broken")
		}
		return kwargs["tile"], nil
	})
	save := service.WrapTaskFunc(func(args ...service.TaskResult) (service.TaskResult, error) {
		return fmt.Sprintf("saved %v", args[0]), nil
	})
	w, err := service.NewWorkflow(
		service.Dependency{Name: "load", Task: load},
		service.Dependency{Name: "save", Task: save, Inputs: []string{"load"}},
	)
	require.NoError(t, err)

	requests := []service.ExecutionRequest{
		{Name: "north", Kwargs: map[string]service.Kwargs{"load": {"tile": "n"}}},
		{Name: "south", Kwargs: map[string]service.Kwargs{"load": {"tile": "s"}}},
		{Name: "west", Kwargs: map[string]service.Kwargs{"load": {"tile": "broken"}}},
	}
	opts := []service.ExecutorOption{
		service.WithLogsFolder(t.TempDir()),
		service.WithStore(store),
		service.WithBatchName("tiles"),
		service.WithLogger(log.GetLogger()),
	}
	if reg != nil {
		metrics, err := service.NewMetrics(reg)
		require.NoError(t, err)
		opts = append(opts, service.WithMetrics(metrics))
	}
	executor, err := service.NewExecutor(w, requests, opts...)
	require.NoError(t, err)
	_, err = executor.Run(context.Background(), 2)
	require.NoError(t, err)
	return executor
}

func get(t *testing.T, srv *httptest.Server, path string) (int, string) {
	t.Helper()
	resp, err := srv.Client().Get(srv.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(body)
}

func testAPI(t *testing.T, newStore func(t *testing.T) storage.Store) {
	newServer := func(store storage.Store, gatherer prometheus.Gatherer) *httptest.Server {
		svc := service.NewBatchService(store, log.GetLogger())
		return httptest.NewServer(internal_http.NewRouter(svc, gatherer, io.Discard))
	}

	t.Run("HealthCheck", func(t *testing.T) {
		srv := newServer(newStore(t), prometheus.NewRegistry())
		defer srv.Close()

		status, body := get(t, srv, "/health")
		assert.Equal(t, http.StatusOK, status)
		assert.Equal(t, `{"status":"ok"}`+"\n", body)
	})

	t.Run("ListEmptyBatches", func(t *testing.T) {
		srv := newServer(newStore(t), prometheus.NewRegistry())
		defer srv.Close()

		status, body := get(t, srv, "/batches")
		assert.Equal(t, http.StatusOK, status)
		assert.Equal(t, "[]\n", body)
	})

	t.Run("ListBatches", func(t *testing.T) {
		store := newStore(t)
		executor := runBatch(t, store, nil)
		srv := newServer(store, prometheus.NewRegistry())
		defer srv.Close()

		status, body := get(t, srv, "/batches")
		require.Equal(t, http.StatusOK, status)
		var batches []map[string]interface{}
		require.NoError(t, json.Unmarshal([]byte(body), &batches))
		require.Len(t, batches, 1)
		assert.Equal(t, executor.BatchID(), batches[0]["id"])
		assert.Equal(t, "tiles", batches[0]["name"])
		assert.Equal(t, string(models.CompletedWithFailuresBatchStatus), batches[0]["status"])
	})

	t.Run("GetBatch", func(t *testing.T) {
		store := newStore(t)
		executor := runBatch(t, store, nil)
		srv := newServer(store, prometheus.NewRegistry())
		defer srv.Close()

		status, body := get(t, srv, "/batches/"+executor.BatchID())
		require.Equal(t, http.StatusOK, status)
		var batch models.Batch
		require.NoError(t, json.Unmarshal([]byte(body), &batch))
		require.Len(t, batch.Executions, 3)
		assert.Equal(t, []string{"north", "south", "west"},
			[]string{batch.Executions[0].Name, batch.Executions[1].Name, batch.Executions[2].Name})
		assert.Equal(t, "load", batch.Executions[2].FailedTask)
		assert.Equal(t, "tile is broken", batch.Executions[2].Error)
		assert.Equal(t, []string{"load", "save"}, batch.TaskOrder)
	})

	t.Run("GetMissingBatch", func(t *testing.T) {
		srv := newServer(newStore(t), prometheus.NewRegistry())
		defer srv.Close()

		status, body := get(t, srv, "/batches/does-not-exist")
		assert.Equal(t, http.StatusNotFound, status)
		assert.Contains(t, body, `"message"`)
	})

	t.Run("ExecutionLogs", func(t *testing.T) {
		store := newStore(t)
		executor := runBatch(t, store, nil)
		srv := newServer(store, prometheus.NewRegistry())
		defer srv.Close()

		status, body := get(t, srv, fmt.Sprintf("/batches/%s/executions/1/logs", executor.BatchID()))
		require.Equal(t, http.StatusOK, status)
		var logs []models.ExecutionLog
		require.NoError(t, json.Unmarshal([]byte(body), &logs))
		require.NotEmpty(t, logs)
		found := false
		for _, l := range logs {
			assert.Equal(t, 1, l.ExecutionIndex)
			assert.NotContains(t, l.Message, "loading n")
			if l.Message == "loading s" {
				found = true
				assert.Equal(t, "load", l.Fields["task"])
			}
		}
		assert.True(t, found)

		status, _ = get(t, srv, fmt.Sprintf("/batches/%s/executions/7/logs", executor.BatchID()))
		assert.Equal(t, http.StatusNotFound, status)
		status, _ = get(t, srv, fmt.Sprintf("/batches/%s/executions/x/logs", executor.BatchID()))
		assert.Equal(t, http.StatusNotFound, status, "non numeric indices do not match the route")
	})

	t.Run("Report", func(t *testing.T) {
		store := newStore(t)
		executor := runBatch(t, store, nil)
		srv := newServer(store, prometheus.NewRegistry())
		defer srv.Close()

		status, body := get(t, srv, "/batches/"+executor.BatchID()+"/report")
		require.Equal(t, http.StatusOK, status)
		assert.Equal(t, 3, strings.Count(body, `<section id="execution-`))
		assert.Contains(t, body, "tile is broken")

		status, _ = get(t, srv, "/batches/missing/report")
		assert.Equal(t, http.StatusNotFound, status)
	})

	t.Run("Metrics", func(t *testing.T) {
		store := newStore(t)
		reg := prometheus.NewRegistry()
		runBatch(t, store, reg)
		srv := newServer(store, reg)
		defer srv.Close()

		status, body := get(t, srv, "/metrics")
		require.Equal(t, http.StatusOK, status)
		assert.Contains(t, body, `taskflow_executions_total{status="SUCCESS"} 2`)
		assert.Contains(t, body, `taskflow_executions_total{status="FAILED"} 1`)
		assert.Contains(t, body, `taskflow_task_failures_total{task="load"} 1`)
	})

	t.Run("MethodNotAllowed", func(t *testing.T) {
		srv := newServer(newStore(t), prometheus.NewRegistry())
		defer srv.Close()

		resp, err := srv.Client().Post(srv.URL+"/batches", "application/json", strings.NewReader("{}"))
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
	})
}

func TestServer(t *testing.T) {
	testAPI(t, func(t *testing.T) storage.Store {
		return storage.NewMockStore()
	})
}

// syncBuffer collects access log lines written from server goroutines
type syncBuffer struct {
	mu  sync.Mutex
	buf strings.Builder
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestServer_AccessLog(t *testing.T) {
	accessLog := &syncBuffer{}
	svc := service.NewBatchService(storage.NewMockStore(), log.GetLogger())
	srv := httptest.NewServer(internal_http.NewRouter(svc, prometheus.NewRegistry(), accessLog))
	defer srv.Close()

	status, _ := get(t, srv, "/health")
	require.Equal(t, http.StatusOK, status)
	assert.Eventually(t, func() bool {
		return strings.Contains(accessLog.String(), `"GET /health HTTP/1.1" 200`)
	}, time.Second, 10*time.Millisecond)
}

// failingLogsStore loses the log records of every execution
type failingLogsStore struct {
	storage.Store
}

func (s failingLogsStore) GetExecutionLogs(batchID string, executionIndex int) ([]models.ExecutionLog, error) {
	return nil, errors.New("connection reset")
}

func TestServer_ReportRenderFailure(t *testing.T) {
	store := storage.NewMockStore()
	now := time.Now()
	require.NoError(t, store.SaveBatch(models.Batch{ID: "b1", Name: "tiles", Status: models.CompletedBatchStatus, CreatedAt: now, UpdatedAt: now}))
	require.NoError(t, store.SaveExecution(models.Execution{BatchID: "b1", Index: 0, Name: "north", Status: models.SuccessExecutionStatus}))

	svc := service.NewBatchService(failingLogsStore{Store: store}, log.GetLogger())
	srv := httptest.NewServer(internal_http.NewRouter(svc, prometheus.NewRegistry(), io.Discard))
	defer srv.Close()

	status, body := get(t, srv, "/batches/b1/report")
	assert.Equal(t, http.StatusInternalServerError, status)
	assert.Equal(t, `{"message":"internal server error"}`+"\n", body)
	assert.NotContains(t, body, "<html")
}

func TestE2EServer(t *testing.T) {
	testDB := testutil.SetupTestDB(t)
	defer testDB.Teardown(t)

	testAPI(t, func(t *testing.T) storage.Store {
		store, err := internal_storage.NewPostgresStore(testDB.ConnStr)
		require.NoError(t, err)
		t.Cleanup(func() {
			_, err := testDB.DB.Exec("TRUNCATE TABLE batches CASCADE")
			assert.NoError(t, err)
			store.Close()
		})
		return store
	})
}

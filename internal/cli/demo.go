package cli

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"time"

	"github.com/ignatij/taskflow/internal/log"
	"github.com/ignatij/taskflow/pkg/models"
	"github.com/ignatij/taskflow/pkg/service"
	"github.com/ignatij/taskflow/pkg/storage"
	"github.com/pkg/errors"
)

type demoOptions struct {
	LogsFolder       string
	Workers          int
	Executions       int
	FailEvery        int
	SaveLogs         bool
	ExecutionTimeout time.Duration
}

// demoWorkflow samples a series, smooths it and summarizes both versions.
//
//	sample -> smooth -> summarize
//	   \_________________/
func demoWorkflow() (*service.Workflow, error) {
	sample := service.TaskFunc(func(ctx context.Context, kwargs service.Kwargs, args ...service.TaskResult) (service.TaskResult, error) {
		size, ok := kwargs["size"].(int)
		if !ok || size <= 0 {
			return nil, errors.Errorf("invalid sample size %v", kwargs["size"])
		}
		seed, _ := kwargs["seed"].(int64)
		rng := rand.New(rand.NewSource(seed))
		series := make([]float64, size)
		for i := range series {
			series[i] = rng.Float64() * 100
		}
		service.LoggerFromContext(ctx).Infof("Sampled %d values with seed %d", size, seed)
		return series, nil
	})

	smooth := service.TaskFunc(func(ctx context.Context, kwargs service.Kwargs, args ...service.TaskResult) (service.TaskResult, error) {
		series := args[0].([]float64)
		window := 3
		if w, ok := kwargs["window"].(int); ok && w > 0 {
			window = w
		}
		smoothed := make([]float64, len(series))
		for i := range series {
			lo := max(0, i-window+1)
			var sum float64
			for _, v := range series[lo : i+1] {
				sum += v
			}
			smoothed[i] = sum / float64(i+1-lo)
		}
		service.LoggerFromContext(ctx).Debugf("Smoothed series with window %d", window)
		return smoothed, nil
	})

	summarize := service.TaskFunc(func(ctx context.Context, kwargs service.Kwargs, args ...service.TaskResult) (service.TaskResult, error) {
		smoothed, raw := args[0].([]float64), args[1].([]float64)
		var rawSum, smoothSum float64
		for i := range raw {
			rawSum += raw[i]
			smoothSum += smoothed[i]
		}
		summary := fmt.Sprintf("raw mean %.2f, smoothed mean %.2f", rawSum/float64(len(raw)), smoothSum/float64(len(smoothed)))
		service.LoggerFromContext(ctx).Info(summary)
		return summary, nil
	})

	return service.NewWorkflow(
		service.Dependency{Name: "sample", Task: sample, Options: []models.TaskOption{models.WithTimeout(10 * time.Second)}},
		service.Dependency{Name: "smooth", Task: smooth, Inputs: []string{"sample"}},
		service.Dependency{Name: "summarize", Task: summarize, Inputs: []string{"smooth", "sample"}},
	)
}

// demoRequests builds n requests; every failEvery-th one gets an invalid sample size.
func demoRequests(n, failEvery int) []service.ExecutionRequest {
	requests := make([]service.ExecutionRequest, n)
	for i := range requests {
		size := 50 + 10*i
		if failEvery > 0 && (i+1)%failEvery == 0 {
			size = 0
		}
		requests[i] = service.ExecutionRequest{
			Name: fmt.Sprintf("series-%d", i),
			Kwargs: map[string]service.Kwargs{
				"sample": {"size": size, "seed": int64(i)},
				"smooth": {"window": 2 + i%4},
			},
		}
	}
	return requests
}

func runDemo(ctx context.Context, w io.Writer, opts demoOptions, store storage.Store, metrics *service.Metrics) error {
	workflow, err := demoWorkflow()
	if err != nil {
		return err
	}
	executorOpts := []service.ExecutorOption{
		service.WithLogsFolder(opts.LogsFolder),
		service.WithSaveLogs(opts.SaveLogs),
		service.WithBatchName("demo"),
		service.WithLogger(log.GetLogger()),
		service.WithMetrics(metrics),
		service.WithExecutionTimeout(opts.ExecutionTimeout),
	}
	if store != nil {
		executorOpts = append(executorOpts, service.WithStore(store))
	}
	executor, err := service.NewExecutor(workflow, demoRequests(opts.Executions, opts.FailEvery), executorOpts...)
	if err != nil {
		return err
	}

	results, err := executor.Run(ctx, opts.Workers)
	if err != nil {
		return err
	}
	if err := executor.MakeReport(); err != nil {
		return err
	}

	failed := 0
	for _, r := range results {
		if !r.Succeeded() {
			failed++
		}
	}
	fmt.Fprintf(w, "Batch %s finished with status %s: %d executions, %d failed\n",
		executor.BatchID(), executor.Status(), len(results), failed)
	fmt.Fprintf(w, "Report: %s\n", executor.GetReportFilename())
	return nil
}

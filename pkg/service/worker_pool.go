package service

import (
	"context"
	"runtime"
	"sync"
)

// executionJob is the index of an execution request waiting for a worker
type executionJob int

// WorkerPool runs executions on a fixed number of workers. Jobs are handed out in
// submission order and each worker finishes one job before taking the next, so a
// pool with a single worker processes jobs strictly sequentially.
type WorkerPool struct {
	handler func(ctx context.Context, job executionJob)
	logger  Logger
	metrics *Metrics
	jobChan chan executionJob
	wg      sync.WaitGroup
	ctx     context.Context
	workers int
}

func NewWorkerPool(ctx context.Context, handler func(ctx context.Context, job executionJob), metrics *Metrics, logger Logger) *WorkerPool {
	return &WorkerPool{
		handler: handler,
		logger:  logger,
		metrics: metrics,
		ctx:     ctx,
	}
}

// Start begins the worker pool with the specified number of workers
func (wp *WorkerPool) Start(workers int) {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	wp.workers = workers
	wp.jobChan = make(chan executionJob, workers)
	for i := 0; i < workers; i++ {
		wp.wg.Add(1)
		go wp.worker(i)
	}
}

// Submit queues a job, blocking while all workers are busy and the queue is full.
func (wp *WorkerPool) Submit(job executionJob) {
	wp.jobChan <- job
}

// Stop closes the queue and waits until every submitted job has been handled
func (wp *WorkerPool) Stop() {
	close(wp.jobChan)
	wp.wg.Wait()
}

func (wp *WorkerPool) worker(id int) {
	defer wp.wg.Done()
	for job := range wp.jobChan {
		// cancelled jobs are still handed to the handler so every job gets a result
		wp.handle(id, job)
	}
}

func (wp *WorkerPool) handle(id int, job executionJob) {
	wp.metrics.workerBusy(true)
	defer wp.metrics.workerBusy(false)
	defer func() {
		if r := recover(); r != nil {
			wp.logger.Errorf("Worker %d recovered from panic while handling execution %d: %v", id, job, r)
		}
	}()
	wp.handler(wp.ctx, job)
}
